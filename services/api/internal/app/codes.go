package app

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"charterbook/internal/util"
	"charterbook/pkg/domain"
	"charterbook/pkg/store"
)

const (
	codeAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codePrefix       = "VIP"
	maxCodesPerBatch = 10000
	generateAttempts = 5
)

type GenerateInput struct {
	Count          int        `json:"count"`
	Type           string     `json:"type"`
	Description    string     `json:"description,omitempty"`
	MaxRedemptions *int       `json:"maxRedemptions,omitempty"`
	ValidFrom      *time.Time `json:"validFrom,omitempty"`
	ValidUntil     *time.Time `json:"validUntil,omitempty"`
	OrgID          string     `json:"orgId,omitempty"`
	Format         string     `json:"format,omitempty"`
}

// GenerateCodes issues a batch of codes in one insert. On a value collision
// the whole batch is regenerated.
func (a *App) GenerateCodes(ctx context.Context, actor Actor, in GenerateInput) ([]domain.Code, error) {
	if in.Count < 1 || in.Count > maxCodesPerBatch {
		return nil, badRequest(CodeInvalidCount, fmt.Sprintf("count must be between 1 and %d", maxCodesPerBatch))
	}
	typ, ok := domain.ParseEntitlementType(in.Type)
	if !ok {
		return nil, badRequest(CodeInvalidType, "type must be EARLY_EXCERPT")
	}
	maxRedemptions := 1
	if in.MaxRedemptions != nil {
		maxRedemptions = *in.MaxRedemptions
	}
	if maxRedemptions < 1 {
		return nil, badRequest(CodeInvalidRedemptions, "maxRedemptions must be at least 1")
	}
	now := a.now().UTC()
	validFrom := now
	if in.ValidFrom != nil {
		validFrom = in.ValidFrom.UTC()
	}
	var validUntil *time.Time
	if in.ValidUntil != nil {
		until := in.ValidUntil.UTC()
		if !until.After(validFrom) {
			return nil, badRequest(CodeInvalidValidity, "validUntil must be after validFrom")
		}
		validUntil = &until
	}

	var lastErr error
	for attempt := 0; attempt < generateAttempts; attempt++ {
		codes := make([]domain.Code, 0, in.Count)
		seen := make(map[string]struct{}, in.Count)
		for len(codes) < in.Count {
			value, err := newCodeValue()
			if err != nil {
				return nil, internal("Failed to generate codes", err)
			}
			if _, dup := seen[value]; dup {
				continue
			}
			seen[value] = struct{}{}
			codes = append(codes, domain.Code{
				ID:             util.NewID(),
				Value:          value,
				Type:           typ,
				Description:    strings.TrimSpace(in.Description),
				Status:         domain.CodeActive,
				MaxRedemptions: maxRedemptions,
				ValidFrom:      validFrom,
				ValidUntil:     validUntil,
				CreatedBy:      actor.ID,
				OrgID:          strings.TrimSpace(in.OrgID),
				CreatedAt:      now,
			})
		}
		err := a.store.CreateCodes(ctx, codes)
		if err == nil {
			a.audit(ctx, actor, "codes.generate", "code_batch", "", map[string]any{
				"count":          len(codes),
				"type":           string(typ),
				"maxRedemptions": maxRedemptions,
				"orgId":          strings.TrimSpace(in.OrgID),
			})
			return codes, nil
		}
		if !errors.Is(err, store.ErrDuplicateCode) {
			return nil, internal("Failed to save codes", err)
		}
		lastErr = err
	}
	return nil, internal("Failed to generate unique codes", lastErr)
}

// newCodeValue returns VIP-XXXX-XXXX. The alphabet has 32 symbols, so
// masking a random byte to 5 bits is unbiased.
func newCodeValue() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(codePrefix) + 10)
	b.WriteString(codePrefix)
	for i, r := range raw {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[r&31])
	}
	return b.String(), nil
}

// NormalizeCode canonicalizes user input for lookup.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// WriteCodesCSV writes the downloadable batch export.
func WriteCodesCSV(w io.Writer, codes []domain.Code) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"code", "type", "max_redemptions", "valid_from", "valid_until", "description"}); err != nil {
		return err
	}
	for _, c := range codes {
		until := ""
		if c.ValidUntil != nil {
			until = c.ValidUntil.Format(time.RFC3339)
		}
		if err := cw.Write([]string{
			c.Value,
			string(c.Type),
			strconv.Itoa(c.MaxRedemptions),
			c.ValidFrom.Format(time.RFC3339),
			until,
			c.Description,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type RedeemResult struct {
	Code        string                 `json:"code"`
	Type        domain.EntitlementType `json:"type"`
	Entitlement domain.Entitlement     `json:"entitlement"`
}

// RedeemCode applies a code for user in one atomic store operation.
func (a *App) RedeemCode(ctx context.Context, user domain.User, raw string) (RedeemResult, error) {
	value := NormalizeCode(raw)
	if value == "" {
		return RedeemResult{}, badRequest(CodeInvalidCode, "Invalid code")
	}
	code, ent, err := a.store.RedeemCode(ctx, value, user.ID, a.now().UTC())
	if err != nil {
		return RedeemResult{}, redeemError(err)
	}
	return RedeemResult{Code: code.Value, Type: code.Type, Entitlement: ent}, nil
}

func redeemError(err error) error {
	switch {
	case errors.Is(err, store.ErrCodeNotFound):
		return badRequest(CodeInvalidCode, "Invalid code")
	case errors.Is(err, store.ErrCodeNotYetValid):
		return badRequest(CodeCodeNotYetValid, "Code is not valid yet")
	case errors.Is(err, store.ErrCodeExpired):
		return badRequest(CodeCodeExpired, "Code has expired")
	case errors.Is(err, store.ErrCodeInactive):
		return badRequest(CodeCodeInactive, "Code is no longer active")
	case errors.Is(err, store.ErrCodeExhausted):
		return newError(http.StatusConflict, CodeCodeExhausted, "Code has reached its redemption limit")
	case errors.Is(err, store.ErrCodeAlreadyRedeemed):
		return newError(http.StatusConflict, CodeAlreadyRedeemed, "You have already redeemed this code")
	}
	return internal("Failed to redeem code", err)
}
