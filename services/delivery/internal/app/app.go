// Package app delivers approved bonus claims: it consumes delivery jobs and
// periodically re-enqueues approved claims that were never delivered.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"charterbook/pkg/domain"
	"charterbook/pkg/queue"
	"charterbook/pkg/storage"
	"charterbook/pkg/store"
)

// ErrClaimNotFound is returned for jobs whose claim no longer exists.
var ErrClaimNotFound = errors.New("bonus claim not found")

// JobSource is the delivery queue as seen by the worker.
type JobSource interface {
	queue.Enqueuer
	Start(ctx context.Context, concurrency int, handler queue.Handler) *sync.WaitGroup
}

// Config holds runtime configuration for the delivery worker.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Objects        storage.ObjectStore
	Queue          JobSource
	CharterPackKey string
	LinkTTL        time.Duration
	Concurrency    int
	SweepInterval  time.Duration
	SweepAge       time.Duration
	SweepBatch     int
	Now            func() time.Time
}

// App processes delivery jobs.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	queue          JobSource
	charterPackKey string
	linkTTL        time.Duration
	concurrency    int
	sweepInterval  time.Duration
	sweepAge       time.Duration
	sweepBatch     int
	now            func() time.Time

	scheduler gocron.Scheduler
	workers   *sync.WaitGroup
}

// New constructs the worker with persistence.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gs
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object storage required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("delivery queue required")
	}
	if strings.TrimSpace(cfg.CharterPackKey) == "" {
		return nil, fmt.Errorf("charter pack key required")
	}
	a := &App{
		store:          dataStore,
		objects:        cfg.Objects,
		queue:          cfg.Queue,
		charterPackKey: strings.TrimSpace(cfg.CharterPackKey),
		linkTTL:        cfg.LinkTTL,
		concurrency:    cfg.Concurrency,
		sweepInterval:  cfg.SweepInterval,
		sweepAge:       cfg.SweepAge,
		sweepBatch:     cfg.SweepBatch,
		now:            cfg.Now,
	}
	if a.linkTTL <= 0 {
		a.linkTTL = 7 * 24 * time.Hour
	}
	if a.concurrency <= 0 {
		a.concurrency = 2
	}
	if a.sweepInterval <= 0 {
		a.sweepInterval = 5 * time.Minute
	}
	if a.sweepAge <= 0 {
		a.sweepAge = 10 * time.Minute
	}
	if a.sweepBatch <= 0 {
		a.sweepBatch = 200
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Start launches the queue consumers and the sweep schedule.
func (a *App) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(a.sweepInterval),
		gocron.NewTask(func() {
			if _, err := a.Sweep(ctx); err != nil {
				slog.Warn("delivery sweep failed", "err", err)
			}
		}),
		gocron.WithName("delivery-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	a.workers = a.queue.Start(ctx, a.concurrency, a.Deliver)
	scheduler.Start()
	a.scheduler = scheduler
	slog.Info("delivery worker started",
		"concurrency", a.concurrency,
		"sweep_interval", a.sweepInterval.String(),
		"sweep_age", a.sweepAge.String(),
	)
	return nil
}

// Stop shuts the scheduler down and waits for consumers; cancel the context
// passed to Start first.
func (a *App) Stop() {
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(); err != nil {
			slog.Warn("scheduler shutdown", "err", err)
		}
	}
	if a.workers != nil {
		a.workers.Wait()
	}
}

// Deliver moves one claim from APPROVED to DELIVERED. Claims already
// delivered, or no longer deliverable, are acknowledged without error.
// No email is sent: the presigned link is only logged, and DELIVERED records
// that it was issued.
func (a *App) Deliver(ctx context.Context, job queue.DeliveryJob) error {
	claim, ok, err := a.store.GetBonusClaim(ctx, job.ClaimID)
	if err != nil {
		return fmt.Errorf("load claim: %w", err)
	}
	if !ok {
		return ErrClaimNotFound
	}
	switch claim.Status {
	case domain.ClaimDelivered:
		slog.Info("claim already delivered", "claim_id", claim.ID, "job_id", job.ID)
		return nil
	case domain.ClaimApproved:
	default:
		slog.Warn("claim not deliverable", "claim_id", claim.ID, "status", claim.Status, "job_id", job.ID)
		return nil
	}

	url, err := a.objects.PresignGet(ctx, a.charterPackKey, a.linkTTL)
	if err != nil {
		return fmt.Errorf("presign charter pack: %w", err)
	}
	trackingID := uuid.NewString()
	delivered, err := a.store.MarkClaimDelivered(ctx, claim.ID, trackingID, a.now())
	if errors.Is(err, store.ErrInvalidTransition) {
		// Another consumer won the race.
		slog.Info("claim delivered concurrently", "claim_id", claim.ID, "job_id", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	slog.Info("bonus delivered",
		"claim_id", delivered.ID,
		"user_id", delivered.UserID,
		"delivery_email", delivered.DeliveryEmail,
		"tracking_id", delivered.TrackingID,
		"job_id", job.ID,
		"attempts", job.Attempts,
		"link_expires_at", a.now().UTC().Add(a.linkTTL),
	)
	slog.Debug("charter pack link", "claim_id", delivered.ID, "url", url)
	return nil
}

// Sweep re-enqueues APPROVED claims untouched for longer than the sweep age.
func (a *App) Sweep(ctx context.Context) (int, error) {
	cutoff := a.now().UTC().Add(-a.sweepAge)
	claims, err := a.store.ListBonusClaimsByStatus(ctx, domain.ClaimApproved, cutoff, a.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list approved claims: %w", err)
	}
	enqueued := 0
	for _, c := range claims {
		if _, err := a.queue.Enqueue(ctx, c.ID); err != nil {
			slog.Warn("sweep enqueue failed", "claim_id", c.ID, "err", err)
			continue
		}
		enqueued++
	}
	if len(claims) > 0 {
		slog.Info("delivery sweep", "found", len(claims), "enqueued", enqueued)
	}
	return enqueued, nil
}
