package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"charterbook/internal/receiptfile"
	"charterbook/internal/util"
	"charterbook/pkg/domain"
	"charterbook/pkg/storage"
	"charterbook/pkg/store"
)

// UploadInput is one parsed receipt submission. File is nil when the form
// carried no file part.
type UploadInput struct {
	File         io.Reader
	Retailer     string
	OrderNumber  string
	Format       string
	PurchaseDate string
	IP           string
	UserAgent    string
}

type UploadResult struct {
	ReceiptID string               `json:"receiptId"`
	Status    domain.ReceiptStatus `json:"status"`
	FileURL   string               `json:"fileUrl,omitempty"`
}

// UploadReceipt runs field validation, file inspection, the heuristic scan,
// the duplicate check, storage and persistence, stopping at the first failure.
func (a *App) UploadReceipt(ctx context.Context, user domain.User, in UploadInput) (UploadResult, error) {
	if in.File == nil {
		return UploadResult{}, badRequest(CodeMissingFile, "Receipt file is required")
	}
	retailer := strings.TrimSpace(in.Retailer)
	if retailer == "" {
		return UploadResult{}, badRequest(CodeMissingRetailer, "Retailer is required")
	}
	var format domain.BookFormat
	if strings.TrimSpace(in.Format) != "" {
		f, ok := domain.ParseBookFormat(in.Format)
		if !ok {
			return UploadResult{}, badRequest(CodeInvalidFormat, "Format must be hardcover, ebook or audiobook")
		}
		format = f
	}
	purchaseDate, err := a.parsePurchaseDate(in.PurchaseDate)
	if err != nil {
		return UploadResult{}, err
	}

	data, err := a.validator.ReadAll(in.File)
	if err != nil {
		if errors.Is(err, receiptfile.ErrTooLarge) {
			return UploadResult{}, &Error{
				Status:  http.StatusRequestEntityTooLarge,
				Code:    CodeInvalidFile,
				Message: fmt.Sprintf("File exceeds the %d MB limit", a.validator.MaxBytes()>>20),
				Err:     err,
			}
		}
		return UploadResult{}, &Error{Status: http.StatusBadRequest, Code: CodeInvalidFile, Message: "Could not read uploaded file", Err: err}
	}
	info, err := a.validator.Inspect(data)
	if err != nil {
		return UploadResult{}, &Error{Status: http.StatusBadRequest, Code: CodeInvalidFile, Message: invalidFileMessage(err), Err: err}
	}
	if finding, err := receiptfile.Scan(data, info.ContentType); err != nil {
		slog.WarnContext(ctx, "receipt rejected by content scan",
			"user_id", user.ID,
			"signature", finding.Signature,
			"sha256", info.SHA256,
			"ip", in.IP,
		)
		return UploadResult{}, &Error{Status: http.StatusBadRequest, Code: CodeSecurityScanFailed, Message: "File failed security checks", Err: err}
	}

	if existing, found, err := a.store.GetReceiptByHash(ctx, info.SHA256); err != nil {
		return UploadResult{}, internal("Failed to check for duplicate receipts", err)
	} else if found {
		return UploadResult{}, duplicateError(existing, user.ID)
	}

	key := storage.ReceiptKey(user.ID, retailer, info.Extension)
	url, err := a.objects.Put(ctx, key, bytes.NewReader(data), info.Size, info.ContentType)
	if err != nil {
		return UploadResult{}, &Error{Status: http.StatusInternalServerError, Code: CodeStorageError, Message: "Failed to store receipt", Err: err}
	}

	now := a.now().UTC()
	receipt := domain.Receipt{
		ID:           util.NewID(),
		UserID:       user.ID,
		Retailer:     retailer,
		OrderNumber:  strings.TrimSpace(in.OrderNumber),
		Format:       format,
		PurchaseDate: purchaseDate,
		Status:       domain.ReceiptPending,
		ContentHash:  info.SHA256,
		ContentType:  info.ContentType,
		SizeBytes:    info.Size,
		StorageKey:   key,
		StorageURL:   url,
		UploaderIP:   in.IP,
		UserAgent:    in.UserAgent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateReceipt(ctx, receipt); err != nil {
		a.discardObject(ctx, key)
		if errors.Is(err, store.ErrDuplicateContentHash) {
			// Lost the race to a concurrent upload of the same bytes.
			if existing, found, lerr := a.store.GetReceiptByHash(ctx, info.SHA256); lerr == nil && found {
				return UploadResult{}, duplicateError(existing, user.ID)
			}
			return UploadResult{}, newError(http.StatusConflict, CodeDuplicate, "This receipt has already been submitted")
		}
		return UploadResult{}, internal("Failed to save receipt", err)
	}
	slog.InfoContext(ctx, "receipt uploaded",
		"receipt_id", receipt.ID,
		"user_id", user.ID,
		"content_type", info.ContentType,
		"size_bytes", info.Size,
	)
	return UploadResult{ReceiptID: receipt.ID, Status: receipt.Status, FileURL: url}, nil
}

func (a *App) parsePurchaseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var (
		t   time.Time
		err error
	)
	if len(raw) == len(time.DateOnly) {
		t, err = time.Parse(time.DateOnly, raw)
	} else {
		t, err = time.Parse(time.RFC3339, raw)
	}
	if err != nil {
		return nil, badRequest(CodeInvalidPurchaseDate, "Purchase date must be an ISO date")
	}
	if t.After(a.now().Add(48 * time.Hour)) {
		return nil, badRequest(CodeInvalidPurchaseDate, "Purchase date cannot be in the future")
	}
	t = t.UTC()
	return &t, nil
}

func invalidFileMessage(err error) string {
	switch {
	case errors.Is(err, receiptfile.ErrEmpty):
		return "File is empty"
	case errors.Is(err, receiptfile.ErrUnsupportedType):
		return "Only JPEG, PNG and PDF receipts are accepted"
	case errors.Is(err, receiptfile.ErrMalformedPDF):
		return "PDF could not be read"
	}
	return "Invalid file"
}

func duplicateError(existing domain.Receipt, userID string) *Error {
	if existing.UserID == userID {
		return newError(http.StatusConflict, CodeDuplicateSameUser, "You have already uploaded this receipt")
	}
	return newError(http.StatusConflict, CodeDuplicate, "This receipt has already been submitted")
}

func (a *App) discardObject(ctx context.Context, key string) {
	if err := a.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.WarnContext(ctx, "failed to remove orphaned receipt object", "key", key, "err", err)
	}
}

// VerificationView is the read-only status payload for a receipt owner.
type VerificationView struct {
	ReceiptID    string               `json:"receiptId"`
	Status       domain.ReceiptStatus `json:"status"`
	Verification VerificationDetail   `json:"verification"`
}

type VerificationDetail struct {
	Retailer        string     `json:"retailer"`
	AmountCents     *int64     `json:"amountCents,omitempty"`
	Confidence      float64    `json:"confidence"`
	ManualReview    bool       `json:"manualReview"`
	VerifiedAt      *time.Time `json:"verifiedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
}

// CheckReceipt reports a receipt's review state to its owner. Receipts owned
// by someone else are reported as not found.
func (a *App) CheckReceipt(ctx context.Context, user domain.User, receiptID string) (VerificationView, error) {
	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return VerificationView{}, badRequest(CodeInvalidRequest, "receiptId is required")
	}
	r, found, err := a.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return VerificationView{}, internal("Failed to load receipt", err)
	}
	if !found || r.UserID != user.ID {
		return VerificationView{}, newError(http.StatusNotFound, CodeNotFound, "Receipt not found")
	}
	detail := VerificationDetail{
		Retailer:        r.Retailer,
		AmountCents:     r.Verification.AmountCents,
		ManualReview:    r.Status == domain.ReceiptPending,
		VerifiedAt:      r.Verification.VerifiedAt,
		RejectionReason: r.Verification.RejectionReason,
	}
	if r.Status == domain.ReceiptVerified {
		detail.Confidence = 1
	}
	return VerificationView{ReceiptID: r.ID, Status: r.Status, Verification: detail}, nil
}

// ReviewInput is an admin decision on a pending receipt.
type ReviewInput struct {
	Action      string `json:"action"`
	Reason      string `json:"reason,omitempty"`
	AmountCents *int64 `json:"amountCents,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type ReviewResult struct {
	Receipt domain.Receipt      `json:"receipt"`
	Claims  []domain.BonusClaim `json:"claims"`
}

// ReviewReceipt moves a PENDING receipt to VERIFIED or REJECTED and cascades
// the decision to the receipt's bonus claims.
func (a *App) ReviewReceipt(ctx context.Context, actor Actor, receiptID string, in ReviewInput) (ReviewResult, error) {
	var (
		to          domain.ReceiptStatus
		claimTarget domain.BonusClaimStatus
		action      string
	)
	switch strings.ToLower(strings.TrimSpace(in.Action)) {
	case "verify":
		to, claimTarget, action = domain.ReceiptVerified, domain.ClaimApproved, "receipt.verify"
	case "reject":
		if strings.TrimSpace(in.Reason) == "" {
			return ReviewResult{}, badRequest(CodeMissingReason, "A rejection reason is required")
		}
		to, claimTarget, action = domain.ReceiptRejected, domain.ClaimRejected, "receipt.reject"
	default:
		return ReviewResult{}, badRequest(CodeInvalidAction, "Action must be verify or reject")
	}
	if in.AmountCents != nil && *in.AmountCents < 0 {
		return ReviewResult{}, badRequest(CodeInvalidRequest, "amountCents cannot be negative")
	}

	now := a.now().UTC()
	v := domain.Verification{
		VerifierID:  actor.ID,
		VerifiedAt:  &now,
		AmountCents: in.AmountCents,
		Notes:       strings.TrimSpace(in.Notes),
	}
	if to == domain.ReceiptRejected {
		v.RejectionReason = strings.TrimSpace(in.Reason)
	}
	receipt, err := a.store.TransitionReceipt(ctx, receiptID, domain.ReceiptPending, to, v)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ReviewResult{}, newError(http.StatusNotFound, CodeNotFound, "Receipt not found")
	case errors.Is(err, store.ErrInvalidTransition):
		return ReviewResult{}, newError(http.StatusConflict, CodeInvalidTransition, "Receipt has already been reviewed")
	case err != nil:
		return ReviewResult{}, internal("Failed to update receipt", err)
	}

	claims, err := a.store.UpdateClaimsForReceipt(ctx, receipt.ID, domain.ClaimPending, claimTarget, actor.ID, now)
	if err != nil {
		// The review stands even when the cascade fails.
		slog.ErrorContext(ctx, "bonus claim cascade failed", "receipt_id", receipt.ID, "target", claimTarget, "err", err)
	}
	a.enqueueDelivery(ctx, claims)

	details := map[string]any{"status": string(to), "claims": len(claims)}
	if in.AmountCents != nil {
		details["amountCents"] = *in.AmountCents
	}
	if v.RejectionReason != "" {
		details["reason"] = v.RejectionReason
	}
	a.audit(ctx, actor, action, "receipt", receipt.ID, details)
	if claims == nil {
		claims = []domain.BonusClaim{}
	}
	return ReviewResult{Receipt: receipt, Claims: claims}, nil
}

// ListReceipts is the admin review queue.
func (a *App) ListReceipts(ctx context.Context, status, userID string, limit int) ([]domain.Receipt, error) {
	filter := store.ReceiptFilter{UserID: strings.TrimSpace(userID), Limit: limit}
	if s := strings.ToUpper(strings.TrimSpace(status)); s != "" {
		switch domain.ReceiptStatus(s) {
		case domain.ReceiptPending, domain.ReceiptVerified, domain.ReceiptRejected:
			filter.Status = domain.ReceiptStatus(s)
		default:
			return nil, badRequest(CodeInvalidStatus, "status must be PENDING, VERIFIED or REJECTED")
		}
	}
	receipts, err := a.store.ListReceipts(ctx, filter)
	if err != nil {
		return nil, internal("Failed to list receipts", err)
	}
	return receipts, nil
}
