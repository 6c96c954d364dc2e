package app

import (
	"context"
	"net/http"
	"time"

	"charterbook/pkg/domain"
)

type ContentKind string

const (
	ContentExcerpt     ContentKind = "excerpt"
	ContentCharterPack ContentKind = "charter-pack"
)

type ContentLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ContentLink presigns protected content after a fresh entitlement check.
// The excerpt is open to excerpt holders and verified pre-orders; the
// charter pack requires a delivered bonus claim.
func (a *App) ContentLink(ctx context.Context, user domain.User, kind ContentKind) (ContentLink, error) {
	ents := a.ResolveEntitlements(ctx, user.ID)
	var (
		allowed bool
		key     string
	)
	switch kind {
	case ContentExcerpt:
		allowed, key = ents.HasExcerpt || ents.HasPreordered, a.excerptKey
	case ContentCharterPack:
		allowed, key = ents.HasAgentCharterPack, a.charterPackKey
	default:
		return ContentLink{}, newError(http.StatusNotFound, CodeNotFound, "Unknown content")
	}
	if !allowed {
		return ContentLink{}, newError(http.StatusForbidden, CodeForbidden, "Entitlement required")
	}
	if key == "" {
		return ContentLink{}, newError(http.StatusNotFound, CodeContentUnavailable, "Content is not available yet")
	}
	url, err := a.objects.PresignGet(ctx, key, a.linkTTL)
	if err != nil {
		return ContentLink{}, internal("Failed to prepare download link", err)
	}
	return ContentLink{URL: url, ExpiresAt: a.now().UTC().Add(a.linkTTL)}, nil
}
