package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"charterbook/internal/audit"
	"charterbook/internal/receiptfile"
	"charterbook/internal/session"
	"charterbook/pkg/domain"
	"charterbook/pkg/queue"
	"charterbook/pkg/storage"
	"charterbook/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL     string
	Store           store.Store
	Objects         storage.ObjectStore
	Queue           queue.Enqueuer
	Recorder        *audit.Recorder
	MaxReceiptBytes int64
	ExcerptKey      string
	CharterPackKey  string
	LinkTTL         time.Duration
	ResolveTimeout  time.Duration
	Now             func() time.Time
}

// App holds the receipt, entitlement, claim and code workflows.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	queue          queue.Enqueuer
	recorder       *audit.Recorder
	validator      *receiptfile.Validator
	excerptKey     string
	charterPackKey string
	linkTTL        time.Duration
	resolveTimeout time.Duration
	now            func() time.Time
}

// Actor is the admin performing a mutation, with request metadata for audit.
type Actor struct {
	ID        string
	Email     string
	IP        string
	UserAgent string
}

// New constructs the application. A nil Store is opened from DatabaseURL.
// A nil Queue disables immediate delivery; the delivery sweep still picks up
// approved claims.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gs
	}
	if cfg.Objects == nil {
		return nil, errors.New("object storage required")
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.NewRecorder(dataStore)
	}
	a := &App{
		store:          dataStore,
		objects:        cfg.Objects,
		queue:          cfg.Queue,
		recorder:       recorder,
		validator:      receiptfile.NewValidator(cfg.MaxReceiptBytes),
		excerptKey:     strings.TrimSpace(cfg.ExcerptKey),
		charterPackKey: strings.TrimSpace(cfg.CharterPackKey),
		linkTTL:        cfg.LinkTTL,
		resolveTimeout: cfg.ResolveTimeout,
		now:            cfg.Now,
	}
	if a.linkTTL <= 0 {
		a.linkTTL = 15 * time.Minute
	}
	if a.resolveTimeout <= 0 {
		a.resolveTimeout = 3 * time.Second
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Store exposes the underlying store for health checks and the admin guard.
func (a *App) Store() store.Store { return a.store }

// MaxReceiptBytes is the authoritative upload ceiling.
func (a *App) MaxReceiptBytes() int64 { return a.validator.MaxBytes() }

// Wait blocks until background audit writes finish.
func (a *App) Wait() { a.recorder.Wait() }

// Authenticate maps a verified session to a stored user, creating it on
// first sight.
func (a *App) Authenticate(ctx context.Context, claims session.Claims) (domain.User, error) {
	email := domain.NormalizeEmail(claims.Email)
	if email == "" {
		return domain.User{}, newError(http.StatusUnauthorized, CodeUnauthorized, "Unauthorized")
	}
	user, err := a.store.EnsureUser(ctx, email, claims.Name)
	if err != nil {
		return domain.User{}, internal("Internal server error", fmt.Errorf("ensure user: %w", err))
	}
	return user, nil
}

func (a *App) audit(ctx context.Context, actor Actor, action, resourceType, resourceID string, details map[string]any) {
	a.recorder.Record(ctx, domain.AuditEntry{
		AdminID:      actor.ID,
		AdminEmail:   actor.Email,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		IP:           actor.IP,
		UserAgent:    actor.UserAgent,
	})
}

func (a *App) enqueueDelivery(ctx context.Context, claims []domain.BonusClaim) {
	if a.queue == nil {
		return
	}
	for _, c := range claims {
		if c.Status != domain.ClaimApproved {
			continue
		}
		if _, err := a.queue.Enqueue(ctx, c.ID); err != nil {
			slog.WarnContext(ctx, "delivery enqueue failed; sweep will retry", "claim_id", c.ID, "err", err)
		}
	}
}

// ListAudit returns the newest audit entries.
func (a *App) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	entries, err := a.store.ListAuditEntries(ctx, limit)
	if err != nil {
		return nil, internal("Failed to load audit log", err)
	}
	return entries, nil
}
