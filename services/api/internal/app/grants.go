package app

import (
	"context"
	"net/http"
	"strings"

	"charterbook/internal/util"
	"charterbook/pkg/domain"
)

type GrantInput struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
}

// GrantEntitlement records a direct admin grant. A target given by email is
// created if it has never signed in.
func (a *App) GrantEntitlement(ctx context.Context, actor Actor, in GrantInput) (domain.Entitlement, error) {
	typ, ok := domain.ParseEntitlementType(in.Type)
	if !ok {
		return domain.Entitlement{}, badRequest(CodeInvalidType, "type must be EARLY_EXCERPT")
	}
	status := domain.EntitlementActive
	if strings.TrimSpace(in.Status) != "" {
		s, ok := domain.ParseEntitlementStatus(in.Status)
		if !ok {
			return domain.Entitlement{}, badRequest(CodeInvalidStatus, "status must be ACTIVE, FULFILLED or REVOKED")
		}
		status = s
	}

	var user domain.User
	switch {
	case strings.TrimSpace(in.UserID) != "":
		u, found, err := a.store.GetUserByID(ctx, strings.TrimSpace(in.UserID))
		if err != nil {
			return domain.Entitlement{}, internal("Failed to load user", err)
		}
		if !found {
			return domain.Entitlement{}, newError(http.StatusNotFound, CodeUserNotFound, "User not found")
		}
		user = u
	case domain.NormalizeEmail(in.Email) != "":
		u, err := a.store.EnsureUser(ctx, in.Email, "")
		if err != nil {
			return domain.Entitlement{}, internal("Failed to load user", err)
		}
		user = u
	default:
		return domain.Entitlement{}, badRequest(CodeInvalidRequest, "userId or email is required")
	}

	ent := domain.Entitlement{
		ID:        util.NewID(),
		UserID:    user.ID,
		Type:      typ,
		Status:    status,
		GrantedBy: actor.ID,
		CreatedAt: a.now().UTC(),
	}
	if err := a.store.CreateEntitlement(ctx, ent); err != nil {
		return domain.Entitlement{}, internal("Failed to save entitlement", err)
	}
	a.audit(ctx, actor, "entitlement.grant", "entitlement", ent.ID, map[string]any{
		"userId": user.ID,
		"type":   string(typ),
		"status": string(status),
	})
	return ent, nil
}
