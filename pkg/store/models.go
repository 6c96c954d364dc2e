package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"uniqueIndex;not null"`
	Name      string
	CreatedAt time.Time `gorm:"not null"`
}

type ReceiptModel struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"not null;index"`
	Retailer        string `gorm:"not null"`
	OrderNumber     string
	Format          string
	PurchaseDate    *time.Time
	Status          string `gorm:"not null;index"`
	ContentHash     string `gorm:"uniqueIndex;not null"`
	ContentType     string `gorm:"not null"`
	SizeBytes       int64  `gorm:"not null"`
	StorageKey      string `gorm:"not null"`
	StorageURL      string
	UploaderIP      string
	UserAgent       string
	VerifierID      string
	VerifiedAt      *time.Time
	RejectionReason string
	Review          datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null;index"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

// BonusClaimModel keeps at most one claim per receipt; NULL receipt ids
// are distinct under the unique index.
type BonusClaimModel struct {
	ID            string  `gorm:"primaryKey"`
	UserID        string  `gorm:"not null;index"`
	ReceiptID     *string `gorm:"uniqueIndex"`
	DeliveryEmail string  `gorm:"not null"`
	Status        string  `gorm:"not null;index:idx_claim_status_updated,priority:1"`
	ProcessedBy   string
	ProcessedAt   *time.Time
	TrackingID    string
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null;index:idx_claim_status_updated,priority:2"`
}

type EntitlementModel struct {
	ID           string  `gorm:"primaryKey"`
	UserID       string  `gorm:"not null;index;uniqueIndex:idx_entitlement_user_code,priority:1"`
	Type         string  `gorm:"not null"`
	Status       string  `gorm:"not null"`
	SourceCodeID *string `gorm:"uniqueIndex:idx_entitlement_user_code,priority:2"`
	GrantedBy    string
	CreatedAt    time.Time `gorm:"not null"`
}

type CodeModel struct {
	ID              string `gorm:"primaryKey"`
	Value           string `gorm:"uniqueIndex;not null"`
	Type            string `gorm:"not null"`
	Description     string
	Status          string    `gorm:"not null"`
	MaxRedemptions  int       `gorm:"not null"`
	RedemptionCount int       `gorm:"not null;default:0"`
	ValidFrom       time.Time `gorm:"not null"`
	ValidUntil      *time.Time
	CreatedBy       string    `gorm:"not null"`
	OrgID           string    `gorm:"index"`
	CreatedAt       time.Time `gorm:"not null"`
}

type AuditLogModel struct {
	ID           string    `gorm:"primaryKey"`
	Timestamp    time.Time `gorm:"not null;index"`
	AdminID      string    `gorm:"not null;index"`
	AdminEmail   string    `gorm:"not null"`
	Action       string    `gorm:"not null"`
	ResourceType string    `gorm:"not null"`
	ResourceID   string
	Details      datatypes.JSON `gorm:"type:jsonb"`
	IP           string
	UserAgent    string
}
