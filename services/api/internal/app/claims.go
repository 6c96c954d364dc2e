package app

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"charterbook/internal/util"
	"charterbook/pkg/domain"
	"charterbook/pkg/store"
)

type ClaimInput struct {
	ReceiptID     string `json:"receiptId,omitempty"`
	DeliveryEmail string `json:"deliveryEmail"`
}

// CreateBonusClaim opens a claim for the caller. A claim tied to a VERIFIED
// receipt is approved at once and queued for delivery. Without a receipt id
// the claim binds to the caller's oldest VERIFIED receipt that has no claim,
// so each receipt backs at most one claim.
func (a *App) CreateBonusClaim(ctx context.Context, user domain.User, in ClaimInput) (domain.BonusClaim, error) {
	email := strings.TrimSpace(in.DeliveryEmail)
	if email == "" {
		email = user.Email
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return domain.BonusClaim{}, badRequest(CodeInvalidEmail, "Delivery email is invalid")
	}

	now := a.now().UTC()
	claim := domain.BonusClaim{
		ID:            util.NewID(),
		UserID:        user.ID,
		ReceiptID:     strings.TrimSpace(in.ReceiptID),
		DeliveryEmail: domain.NormalizeEmail(addr.Address),
		Status:        domain.ClaimPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if claim.ReceiptID == "" {
		return a.claimAnyVerifiedReceipt(ctx, claim)
	}

	r, found, err := a.store.GetReceipt(ctx, claim.ReceiptID)
	if err != nil {
		return domain.BonusClaim{}, internal("Failed to load receipt", err)
	}
	if !found || r.UserID != user.ID {
		return domain.BonusClaim{}, newError(http.StatusNotFound, CodeNotFound, "Receipt not found")
	}
	switch r.Status {
	case domain.ReceiptRejected:
		return domain.BonusClaim{}, newError(http.StatusConflict, CodeReceiptRejected, "Receipt was rejected")
	case domain.ReceiptVerified:
		claim.Status = domain.ClaimApproved
		claim.ProcessedBy = "system"
		claim.ProcessedAt = &now
	}

	if err := a.store.CreateBonusClaim(ctx, claim); err != nil {
		if errors.Is(err, store.ErrClaimExists) {
			return domain.BonusClaim{}, errClaimExists()
		}
		return domain.BonusClaim{}, internal("Failed to save bonus claim", err)
	}
	a.enqueueDelivery(ctx, []domain.BonusClaim{claim})
	return claim, nil
}

func (a *App) claimAnyVerifiedReceipt(ctx context.Context, claim domain.BonusClaim) (domain.BonusClaim, error) {
	receipts, err := a.store.ListReceipts(ctx, store.ReceiptFilter{Status: domain.ReceiptVerified, UserID: claim.UserID})
	if err != nil {
		return domain.BonusClaim{}, internal("Failed to load receipts", err)
	}
	if len(receipts) == 0 {
		return domain.BonusClaim{}, badRequest(CodeReceiptRequired, "A receipt is required to claim the bonus")
	}
	claim.Status = domain.ClaimApproved
	claim.ProcessedBy = "system"
	processed := claim.CreatedAt
	claim.ProcessedAt = &processed
	// ListReceipts is newest first.
	for i := len(receipts) - 1; i >= 0; i-- {
		claim.ReceiptID = receipts[i].ID
		err := a.store.CreateBonusClaim(ctx, claim)
		if err == nil {
			a.enqueueDelivery(ctx, []domain.BonusClaim{claim})
			return claim, nil
		}
		if !errors.Is(err, store.ErrClaimExists) {
			return domain.BonusClaim{}, internal("Failed to save bonus claim", err)
		}
	}
	return domain.BonusClaim{}, errClaimExists()
}

func errClaimExists() error {
	return newError(http.StatusConflict, CodeClaimExists, "A bonus claim already exists for this receipt")
}

func (a *App) ListBonusClaims(ctx context.Context, user domain.User) ([]domain.BonusClaim, error) {
	claims, err := a.store.ListBonusClaims(ctx, user.ID)
	if err != nil {
		return nil, internal("Failed to list bonus claims", err)
	}
	if claims == nil {
		claims = []domain.BonusClaim{}
	}
	return claims, nil
}
