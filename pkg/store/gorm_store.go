package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"charterbook/pkg/domain"
)

const migrateLockID int64 = 51724407

var _ Store = (*GormStore)(nil)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&UserModel{},
		&ReceiptModel{},
		&BonusClaimModel{},
		&EntitlementModel{},
		&CodeModel{},
		&AuditLogModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'code_models'
				AND constraint_name = 'code_models_redemption_ceiling'
			) THEN
				ALTER TABLE code_models
				ADD CONSTRAINT code_models_redemption_ceiling
				CHECK (redemption_count >= 0 AND redemption_count <= max_redemptions);
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure code redemption ceiling: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// EnsureUser returns the user for email, inserting it on first sight.
func (s *GormStore) EnsureUser(ctx context.Context, email, name string) (domain.User, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return domain.User{}, errors.New("email is required")
	}
	db := s.db.WithContext(ctx)
	model := UserModel{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(&model).Error; err != nil {
		return domain.User{}, fmt.Errorf("ensure user: %w", err)
	}
	var stored UserModel
	if err := db.Where("email = ?", email).First(&stored).Error; err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	return userFromModel(stored), nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", domain.NormalizeEmail(email)).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateReceipt inserts a receipt. The unique index on content_hash turns a
// concurrent duplicate into ErrDuplicateContentHash.
func (s *GormStore) CreateReceipt(ctx context.Context, r domain.Receipt) error {
	model := receiptToModel(r)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateContentHash
		}
		return fmt.Errorf("create receipt: %w", err)
	}
	return nil
}

func (s *GormStore) GetReceipt(ctx context.Context, id string) (domain.Receipt, bool, error) {
	return s.getReceipt(ctx, "id = ?", id)
}

func (s *GormStore) GetReceiptByHash(ctx context.Context, contentHash string) (domain.Receipt, bool, error) {
	return s.getReceipt(ctx, "content_hash = ?", contentHash)
}

func (s *GormStore) getReceipt(ctx context.Context, query string, arg any) (domain.Receipt, bool, error) {
	var model ReceiptModel
	if err := s.db.WithContext(ctx).Where(query, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Receipt{}, false, nil
		}
		return domain.Receipt{}, false, err
	}
	return receiptFromModel(model), true, nil
}

// ListReceipts returns newest receipts first.
func (s *GormStore) ListReceipts(ctx context.Context, filter ReceiptFilter) ([]domain.Receipt, error) {
	tx := s.db.WithContext(ctx).Order("created_at DESC").Limit(clampLimit(filter.Limit))
	if filter.Status != "" {
		tx = tx.Where("status = ?", string(filter.Status))
	}
	if filter.UserID != "" {
		tx = tx.Where("user_id = ?", filter.UserID)
	}
	var models []ReceiptModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Receipt, 0, len(models))
	for _, m := range models {
		res = append(res, receiptFromModel(m))
	}
	return res, nil
}

// TransitionReceipt applies a review with a conditional UPDATE so two
// concurrent reviews cannot both succeed.
func (s *GormStore) TransitionReceipt(ctx context.Context, id string, from, to domain.ReceiptStatus, v domain.Verification) (domain.Receipt, error) {
	if !from.CanTransitionTo(to) {
		return domain.Receipt{}, ErrInvalidTransition
	}
	review, err := marshalReview(v)
	if err != nil {
		return domain.Receipt{}, err
	}
	verifiedAt := time.Now().UTC()
	if v.VerifiedAt != nil {
		verifiedAt = v.VerifiedAt.UTC()
	}
	var out ReceiptModel
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ReceiptModel{}).
			Where("id = ? AND status = ?", id, string(from)).
			Updates(map[string]any{
				"status":           string(to),
				"verifier_id":      v.VerifierID,
				"verified_at":      verifiedAt,
				"rejection_reason": v.RejectionReason,
				"review":           datatypes.JSON(review),
				"updated_at":       verifiedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return domain.Receipt{}, err
	}
	return receiptFromModel(out), nil
}

func (s *GormStore) CountReceipts(ctx context.Context, userID string, status domain.ReceiptStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ReceiptModel{}).
		Where("user_id = ? AND status = ?", userID, string(status)).
		Count(&count).Error
	return count, err
}

// CreateBonusClaim relies on the unique receipt_id index for one claim per
// receipt. NULL receipt ids would bypass it, so they are refused up front.
func (s *GormStore) CreateBonusClaim(ctx context.Context, c domain.BonusClaim) error {
	if c.ReceiptID == "" {
		return ErrClaimReceiptRequired
	}
	model := claimToModel(c)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrClaimExists
		}
		return fmt.Errorf("create bonus claim: %w", err)
	}
	return nil
}

func (s *GormStore) GetBonusClaim(ctx context.Context, id string) (domain.BonusClaim, bool, error) {
	var model BonusClaimModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BonusClaim{}, false, nil
		}
		return domain.BonusClaim{}, false, err
	}
	return claimFromModel(model), true, nil
}

func (s *GormStore) ListBonusClaims(ctx context.Context, userID string) ([]domain.BonusClaim, error) {
	var models []BonusClaimModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	return claimsFromModels(models), nil
}

// ListBonusClaimsByStatus returns claims in status whose last update is older
// than updatedBefore, oldest first.
func (s *GormStore) ListBonusClaimsByStatus(ctx context.Context, status domain.BonusClaimStatus, updatedBefore time.Time, limit int) ([]domain.BonusClaim, error) {
	var models []BonusClaimModel
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(status), updatedBefore.UTC()).
		Order("updated_at ASC").
		Limit(clampLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return claimsFromModels(models), nil
}

// UpdateClaimsForReceipt moves every claim linked to receiptID from one
// status to another and returns the claims that changed.
func (s *GormStore) UpdateClaimsForReceipt(ctx context.Context, receiptID string, from, to domain.BonusClaimStatus, processedBy string, at time.Time) ([]domain.BonusClaim, error) {
	if !from.CanTransitionTo(to) {
		return nil, ErrInvalidTransition
	}
	at = at.UTC()
	var updated []BonusClaimModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("receipt_id = ? AND status = ?", receiptID, string(from)).
			Find(&updated).Error; err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}
		ids := make([]string, 0, len(updated))
		for i := range updated {
			ids = append(ids, updated[i].ID)
			updated[i].Status = string(to)
			updated[i].ProcessedBy = processedBy
			updated[i].ProcessedAt = &at
			updated[i].UpdatedAt = at
		}
		return tx.Model(&BonusClaimModel{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":       string(to),
			"processed_by": processedBy,
			"processed_at": at,
			"updated_at":   at,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("update claims for receipt: %w", err)
	}
	return claimsFromModels(updated), nil
}

// MarkClaimDelivered moves an APPROVED claim to DELIVERED. Any other current
// status yields ErrInvalidTransition so redelivered jobs are harmless.
func (s *GormStore) MarkClaimDelivered(ctx context.Context, id, trackingID string, at time.Time) (domain.BonusClaim, error) {
	at = at.UTC()
	var out BonusClaimModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BonusClaimModel{}).
			Where("id = ? AND status = ?", id, string(domain.ClaimApproved)).
			Updates(map[string]any{
				"status":      string(domain.ClaimDelivered),
				"tracking_id": trackingID,
				"updated_at":  at,
			})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return domain.BonusClaim{}, err
	}
	return claimFromModel(out), nil
}

func (s *GormStore) CountBonusClaims(ctx context.Context, userID string, status domain.BonusClaimStatus) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&BonusClaimModel{}).
		Where("user_id = ? AND status = ?", userID, string(status)).
		Count(&count).Error
	return count, err
}

func (s *GormStore) CreateEntitlement(ctx context.Context, e domain.Entitlement) error {
	model := entitlementToModel(e)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("create entitlement: %w", err)
	}
	return nil
}

func (s *GormStore) CountEntitlements(ctx context.Context, userID string, typ domain.EntitlementType, statuses ...domain.EntitlementStatus) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&EntitlementModel{}).
		Where("user_id = ? AND type = ?", userID, string(typ))
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, st := range statuses {
			values = append(values, string(st))
		}
		tx = tx.Where("status IN ?", values)
	}
	var count int64
	err := tx.Count(&count).Error
	return count, err
}

func (s *GormStore) ListEntitlements(ctx context.Context, userID string) ([]domain.Entitlement, error) {
	var models []EntitlementModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Entitlement, 0, len(models))
	for _, m := range models {
		res = append(res, entitlementFromModel(m))
	}
	return res, nil
}

// CreateCodes inserts the batch atomically. Any value collision rolls back
// the whole batch with ErrDuplicateCode.
func (s *GormStore) CreateCodes(ctx context.Context, codes []domain.Code) error {
	if len(codes) == 0 {
		return nil
	}
	models := make([]CodeModel, 0, len(codes))
	for _, c := range codes {
		models = append(models, codeToModel(c))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&models, 500).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("create codes: %w", err)
	}
	return nil
}

// RedeemCode locks the code row, validates it, increments its count with a
// guarded UPDATE and records the entitlement, all in one transaction.
func (s *GormStore) RedeemCode(ctx context.Context, value, userID string, now time.Time) (domain.Code, domain.Entitlement, error) {
	var (
		code domain.Code
		ent  domain.Entitlement
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model CodeModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("value = ?", value).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCodeNotFound
			}
			return err
		}
		if err := checkRedeemable(codeFromModel(model), now); err != nil {
			return err
		}
		var prior int64
		if err := tx.Model(&EntitlementModel{}).
			Where("user_id = ? AND source_code_id = ?", userID, model.ID).
			Count(&prior).Error; err != nil {
			return err
		}
		if prior > 0 {
			return ErrCodeAlreadyRedeemed
		}
		res := tx.Model(&CodeModel{}).
			Where("id = ? AND status = ? AND redemption_count < max_redemptions", model.ID, string(domain.CodeActive)).
			Updates(map[string]any{
				"redemption_count": gorm.Expr("redemption_count + 1"),
				"status":           gorm.Expr("CASE WHEN redemption_count + 1 >= max_redemptions THEN ? ELSE status END", string(domain.CodeExhausted)),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCodeExhausted
		}
		ent = domain.Entitlement{
			ID:           uuid.NewString(),
			UserID:       userID,
			Type:         domain.EntitlementType(model.Type),
			Status:       domain.EntitlementActive,
			SourceCodeID: model.ID,
			CreatedAt:    now.UTC(),
		}
		entModel := entitlementToModel(ent)
		if err := tx.Create(&entModel).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrCodeAlreadyRedeemed
			}
			return err
		}
		if err := tx.First(&model, "id = ?", model.ID).Error; err != nil {
			return err
		}
		code = codeFromModel(model)
		return nil
	})
	if err != nil {
		return domain.Code{}, domain.Entitlement{}, err
	}
	return code, ent, nil
}

func (s *GormStore) SaveAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	model, err := auditToModel(e)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) ListAuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	var models []AuditLogModel
	if err := s.db.WithContext(ctx).Order("timestamp DESC").Limit(clampLimit(limit)).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AuditEntry, 0, len(models))
	for _, m := range models {
		res = append(res, auditFromModel(m))
	}
	return res, nil
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Email:     m.Email,
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
	}
}

// reviewDetails holds the optional review fields without dedicated columns.
type reviewDetails struct {
	AmountCents *int64 `json:"amountCents,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

func marshalReview(v domain.Verification) ([]byte, error) {
	raw, err := json.Marshal(reviewDetails{AmountCents: v.AmountCents, Notes: v.Notes})
	if err != nil {
		return nil, fmt.Errorf("marshal review: %w", err)
	}
	return raw, nil
}

func receiptToModel(r domain.Receipt) ReceiptModel {
	review, _ := marshalReview(r.Verification)
	return ReceiptModel{
		ID:              r.ID,
		UserID:          r.UserID,
		Retailer:        r.Retailer,
		OrderNumber:     r.OrderNumber,
		Format:          string(r.Format),
		PurchaseDate:    r.PurchaseDate,
		Status:          string(r.Status),
		ContentHash:     r.ContentHash,
		ContentType:     r.ContentType,
		SizeBytes:       r.SizeBytes,
		StorageKey:      r.StorageKey,
		StorageURL:      r.StorageURL,
		UploaderIP:      r.UploaderIP,
		UserAgent:       r.UserAgent,
		VerifierID:      r.Verification.VerifierID,
		VerifiedAt:      r.Verification.VerifiedAt,
		RejectionReason: r.Verification.RejectionReason,
		Review:          review,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func receiptFromModel(m ReceiptModel) domain.Receipt {
	var review reviewDetails
	if len(m.Review) > 0 {
		_ = json.Unmarshal(m.Review, &review)
	}
	return domain.Receipt{
		ID:           m.ID,
		UserID:       m.UserID,
		Retailer:     m.Retailer,
		OrderNumber:  m.OrderNumber,
		Format:       domain.BookFormat(m.Format),
		PurchaseDate: m.PurchaseDate,
		Status:       domain.ReceiptStatus(m.Status),
		ContentHash:  m.ContentHash,
		ContentType:  m.ContentType,
		SizeBytes:    m.SizeBytes,
		StorageKey:   m.StorageKey,
		StorageURL:   m.StorageURL,
		UploaderIP:   m.UploaderIP,
		UserAgent:    m.UserAgent,
		Verification: domain.Verification{
			VerifierID:      m.VerifierID,
			VerifiedAt:      m.VerifiedAt,
			RejectionReason: m.RejectionReason,
			AmountCents:     review.AmountCents,
			Notes:           review.Notes,
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func claimToModel(c domain.BonusClaim) BonusClaimModel {
	var receiptID *string
	if id := strings.TrimSpace(c.ReceiptID); id != "" {
		receiptID = &id
	}
	return BonusClaimModel{
		ID:            c.ID,
		UserID:        c.UserID,
		ReceiptID:     receiptID,
		DeliveryEmail: c.DeliveryEmail,
		Status:        string(c.Status),
		ProcessedBy:   c.ProcessedBy,
		ProcessedAt:   c.ProcessedAt,
		TrackingID:    c.TrackingID,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func claimFromModel(m BonusClaimModel) domain.BonusClaim {
	receiptID := ""
	if m.ReceiptID != nil {
		receiptID = *m.ReceiptID
	}
	return domain.BonusClaim{
		ID:            m.ID,
		UserID:        m.UserID,
		ReceiptID:     receiptID,
		DeliveryEmail: m.DeliveryEmail,
		Status:        domain.BonusClaimStatus(m.Status),
		ProcessedBy:   m.ProcessedBy,
		ProcessedAt:   m.ProcessedAt,
		TrackingID:    m.TrackingID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func claimsFromModels(models []BonusClaimModel) []domain.BonusClaim {
	res := make([]domain.BonusClaim, 0, len(models))
	for _, m := range models {
		res = append(res, claimFromModel(m))
	}
	return res
}

func entitlementToModel(e domain.Entitlement) EntitlementModel {
	var source *string
	if id := strings.TrimSpace(e.SourceCodeID); id != "" {
		source = &id
	}
	return EntitlementModel{
		ID:           e.ID,
		UserID:       e.UserID,
		Type:         string(e.Type),
		Status:       string(e.Status),
		SourceCodeID: source,
		GrantedBy:    e.GrantedBy,
		CreatedAt:    e.CreatedAt,
	}
}

func entitlementFromModel(m EntitlementModel) domain.Entitlement {
	source := ""
	if m.SourceCodeID != nil {
		source = *m.SourceCodeID
	}
	return domain.Entitlement{
		ID:           m.ID,
		UserID:       m.UserID,
		Type:         domain.EntitlementType(m.Type),
		Status:       domain.EntitlementStatus(m.Status),
		SourceCodeID: source,
		GrantedBy:    m.GrantedBy,
		CreatedAt:    m.CreatedAt,
	}
}

func codeToModel(c domain.Code) CodeModel {
	return CodeModel{
		ID:              c.ID,
		Value:           c.Value,
		Type:            string(c.Type),
		Description:     c.Description,
		Status:          string(c.Status),
		MaxRedemptions:  c.MaxRedemptions,
		RedemptionCount: c.RedemptionCount,
		ValidFrom:       c.ValidFrom,
		ValidUntil:      c.ValidUntil,
		CreatedBy:       c.CreatedBy,
		OrgID:           c.OrgID,
		CreatedAt:       c.CreatedAt,
	}
}

func codeFromModel(m CodeModel) domain.Code {
	return domain.Code{
		ID:              m.ID,
		Value:           m.Value,
		Type:            domain.EntitlementType(m.Type),
		Description:     m.Description,
		Status:          domain.CodeStatus(m.Status),
		MaxRedemptions:  m.MaxRedemptions,
		RedemptionCount: m.RedemptionCount,
		ValidFrom:       m.ValidFrom,
		ValidUntil:      m.ValidUntil,
		CreatedBy:       m.CreatedBy,
		OrgID:           m.OrgID,
		CreatedAt:       m.CreatedAt,
	}
}

func auditToModel(e domain.AuditEntry) (AuditLogModel, error) {
	var details []byte
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return AuditLogModel{}, fmt.Errorf("marshal audit details: %w", err)
		}
		details = raw
	}
	return AuditLogModel{
		ID:           e.ID,
		Timestamp:    e.Timestamp,
		AdminID:      e.AdminID,
		AdminEmail:   e.AdminEmail,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      details,
		IP:           e.IP,
		UserAgent:    e.UserAgent,
	}, nil
}

func auditFromModel(m AuditLogModel) domain.AuditEntry {
	var details map[string]any
	if len(m.Details) > 0 {
		_ = json.Unmarshal(m.Details, &details)
	}
	return domain.AuditEntry{
		ID:           m.ID,
		Timestamp:    m.Timestamp,
		AdminID:      m.AdminID,
		AdminEmail:   m.AdminEmail,
		Action:       m.Action,
		ResourceType: m.ResourceType,
		ResourceID:   m.ResourceID,
		Details:      details,
		IP:           m.IP,
		UserAgent:    m.UserAgent,
	}
}
