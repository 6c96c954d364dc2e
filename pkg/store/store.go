package store

import (
	"context"
	"errors"
	"time"

	"charterbook/pkg/domain"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrDuplicateContentHash = errors.New("receipt with identical content already exists")
	ErrInvalidTransition    = errors.New("status transition not allowed")
	ErrClaimExists          = errors.New("bonus claim already exists for receipt")
	ErrClaimReceiptRequired = errors.New("bonus claim must reference a receipt")
	ErrDuplicateCode        = errors.New("code value already exists")

	ErrCodeNotFound        = errors.New("code not found")
	ErrCodeNotYetValid     = errors.New("code is not yet valid")
	ErrCodeExpired         = errors.New("code has expired")
	ErrCodeInactive        = errors.New("code is not active")
	ErrCodeExhausted       = errors.New("code has no redemptions left")
	ErrCodeAlreadyRedeemed = errors.New("code already redeemed by user")
)

// ReceiptFilter narrows admin receipt listings. Zero fields match everything.
type ReceiptFilter struct {
	Status domain.ReceiptStatus
	UserID string
	Limit  int
}

// Store is the persistence contract shared by the API and the delivery worker.
// Uniqueness of receipt content hashes and the redemption ceiling of codes
// are enforced here, not by callers.
type Store interface {
	// users
	EnsureUser(ctx context.Context, email, name string) (domain.User, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)

	// receipts
	CreateReceipt(ctx context.Context, r domain.Receipt) error
	GetReceipt(ctx context.Context, id string) (domain.Receipt, bool, error)
	GetReceiptByHash(ctx context.Context, contentHash string) (domain.Receipt, bool, error)
	ListReceipts(ctx context.Context, filter ReceiptFilter) ([]domain.Receipt, error)
	TransitionReceipt(ctx context.Context, id string, from, to domain.ReceiptStatus, v domain.Verification) (domain.Receipt, error)
	CountReceipts(ctx context.Context, userID string, status domain.ReceiptStatus) (int64, error)

	// bonus claims
	CreateBonusClaim(ctx context.Context, c domain.BonusClaim) error
	GetBonusClaim(ctx context.Context, id string) (domain.BonusClaim, bool, error)
	ListBonusClaims(ctx context.Context, userID string) ([]domain.BonusClaim, error)
	ListBonusClaimsByStatus(ctx context.Context, status domain.BonusClaimStatus, updatedBefore time.Time, limit int) ([]domain.BonusClaim, error)
	UpdateClaimsForReceipt(ctx context.Context, receiptID string, from, to domain.BonusClaimStatus, processedBy string, at time.Time) ([]domain.BonusClaim, error)
	MarkClaimDelivered(ctx context.Context, id, trackingID string, at time.Time) (domain.BonusClaim, error)
	CountBonusClaims(ctx context.Context, userID string, status domain.BonusClaimStatus) (int64, error)

	// entitlements
	CreateEntitlement(ctx context.Context, e domain.Entitlement) error
	CountEntitlements(ctx context.Context, userID string, typ domain.EntitlementType, statuses ...domain.EntitlementStatus) (int64, error)
	ListEntitlements(ctx context.Context, userID string) ([]domain.Entitlement, error)

	// codes
	CreateCodes(ctx context.Context, codes []domain.Code) error
	RedeemCode(ctx context.Context, value, userID string, now time.Time) (domain.Code, domain.Entitlement, error)

	// audit
	SaveAuditEntry(ctx context.Context, e domain.AuditEntry) error
	ListAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// checkRedeemable applies the status and validity-window rules. The count
// ceiling is re-checked by the conditional increment.
func checkRedeemable(c domain.Code, now time.Time) error {
	switch {
	case c.Status == domain.CodeDisabled:
		return ErrCodeInactive
	case c.Status == domain.CodeExhausted || c.RedemptionCount >= c.MaxRedemptions:
		return ErrCodeExhausted
	case c.Status != domain.CodeActive:
		return ErrCodeInactive
	case now.Before(c.ValidFrom):
		return ErrCodeNotYetValid
	case c.ValidUntil != nil && !now.Before(*c.ValidUntil):
		return ErrCodeExpired
	}
	return nil
}
