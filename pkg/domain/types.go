package domain

import (
	"strings"
	"time"
)

type ReceiptStatus string

const (
	ReceiptPending  ReceiptStatus = "PENDING"
	ReceiptVerified ReceiptStatus = "VERIFIED"
	ReceiptRejected ReceiptStatus = "REJECTED"
)

// CanTransitionTo reports whether a review may move a receipt to next.
// Only PENDING receipts are reviewed; VERIFIED and REJECTED are terminal.
func (s ReceiptStatus) CanTransitionTo(next ReceiptStatus) bool {
	return s == ReceiptPending && (next == ReceiptVerified || next == ReceiptRejected)
}

type BookFormat string

const (
	FormatHardcover BookFormat = "hardcover"
	FormatEbook     BookFormat = "ebook"
	FormatAudiobook BookFormat = "audiobook"
)

// ParseBookFormat accepts the fixed format enumeration, case-insensitively.
func ParseBookFormat(raw string) (BookFormat, bool) {
	format := BookFormat(strings.ToLower(strings.TrimSpace(raw)))
	switch format {
	case FormatHardcover, FormatEbook, FormatAudiobook:
		return format, true
	}
	return "", false
}

type BonusClaimStatus string

const (
	ClaimPending   BonusClaimStatus = "PENDING"
	ClaimApproved  BonusClaimStatus = "APPROVED"
	ClaimDelivered BonusClaimStatus = "DELIVERED"
	ClaimRejected  BonusClaimStatus = "REJECTED"
)

func (s BonusClaimStatus) CanTransitionTo(next BonusClaimStatus) bool {
	switch s {
	case ClaimPending:
		return next == ClaimApproved || next == ClaimRejected
	case ClaimApproved:
		return next == ClaimDelivered || next == ClaimRejected
	}
	return false
}

type EntitlementType string

// EARLY_EXCERPT is the only type the entitlement resolver reads. The charter
// pack is unlocked by a delivered bonus claim, never by a grant or code.
const EntitlementEarlyExcerpt EntitlementType = "EARLY_EXCERPT"

// ParseEntitlementType validates an entitlement (and code) type.
func ParseEntitlementType(raw string) (EntitlementType, bool) {
	typ := EntitlementType(strings.ToUpper(strings.TrimSpace(raw)))
	switch typ {
	case EntitlementEarlyExcerpt:
		return typ, true
	}
	return "", false
}

type EntitlementStatus string

const (
	EntitlementActive    EntitlementStatus = "ACTIVE"
	EntitlementFulfilled EntitlementStatus = "FULFILLED"
	EntitlementRevoked   EntitlementStatus = "REVOKED"
)

func ParseEntitlementStatus(raw string) (EntitlementStatus, bool) {
	status := EntitlementStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case EntitlementActive, EntitlementFulfilled, EntitlementRevoked:
		return status, true
	}
	return "", false
}

type CodeStatus string

const (
	CodeActive    CodeStatus = "ACTIVE"
	CodeExhausted CodeStatus = "EXHAUSTED"
	CodeDisabled  CodeStatus = "DISABLED"
)

// NormalizeEmail is the canonical form used for identity and allow-list lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Verification holds the outcome of an admin review.
type Verification struct {
	VerifierID      string     `json:"verifierId,omitempty"`
	VerifiedAt      *time.Time `json:"verifiedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	AmountCents     *int64     `json:"amountCents,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

type Receipt struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	Retailer     string        `json:"retailer"`
	OrderNumber  string        `json:"orderNumber,omitempty"`
	Format       BookFormat    `json:"format,omitempty"`
	PurchaseDate *time.Time    `json:"purchaseDate,omitempty"`
	Status       ReceiptStatus `json:"status"`
	ContentHash  string        `json:"-"`
	ContentType  string        `json:"contentType"`
	SizeBytes    int64         `json:"sizeBytes"`
	StorageKey   string        `json:"-"`
	StorageURL   string        `json:"fileUrl,omitempty"`
	UploaderIP   string        `json:"-"`
	UserAgent    string        `json:"-"`
	Verification Verification  `json:"verification"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

type BonusClaim struct {
	ID            string           `json:"id"`
	UserID        string           `json:"userId"`
	ReceiptID     string           `json:"receiptId,omitempty"`
	DeliveryEmail string           `json:"deliveryEmail"`
	Status        BonusClaimStatus `json:"status"`
	ProcessedBy   string           `json:"processedBy,omitempty"`
	ProcessedAt   *time.Time       `json:"processedAt,omitempty"`
	TrackingID    string           `json:"trackingId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

type Entitlement struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	Type         EntitlementType   `json:"type"`
	Status       EntitlementStatus `json:"status"`
	SourceCodeID string            `json:"sourceCodeId,omitempty"`
	GrantedBy    string            `json:"grantedBy,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

type Code struct {
	ID              string          `json:"id"`
	Value           string          `json:"code"`
	Type            EntitlementType `json:"type"`
	Description     string          `json:"description,omitempty"`
	Status          CodeStatus      `json:"status"`
	MaxRedemptions  int             `json:"maxRedemptions"`
	RedemptionCount int             `json:"redemptionCount"`
	ValidFrom       time.Time       `json:"validFrom"`
	ValidUntil      *time.Time      `json:"validUntil,omitempty"`
	CreatedBy       string          `json:"createdBy"`
	OrgID           string          `json:"orgId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// EntitlementSet is the derived capability triple consumed by protected routes.
// The zero value denies everything.
type EntitlementSet struct {
	HasPreordered       bool `json:"hasPreordered"`
	HasExcerpt          bool `json:"hasExcerpt"`
	HasAgentCharterPack bool `json:"hasAgentCharterPack"`
}

type AuditEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	AdminID      string         `json:"adminId"`
	AdminEmail   string         `json:"adminEmail"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IP           string         `json:"ip"`
	UserAgent    string         `json:"userAgent"`
}
