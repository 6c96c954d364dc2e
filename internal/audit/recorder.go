// Package audit records privileged admin actions and watches for bursts of
// security failures.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"charterbook/pkg/domain"
)

// Sink persists audit entries.
type Sink interface {
	SaveAuditEntry(ctx context.Context, e domain.AuditEntry) error
}

// Recorder logs each entry synchronously and persists it in the background.
// Persistence failures are logged and never surface to the caller.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewRecorder builds a recorder. A nil sink only logs.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{
		sink:    sink,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Record stamps the entry and emits it.
func (r *Recorder) Record(ctx context.Context, e domain.AuditEntry) domain.AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	slog.InfoContext(ctx, "admin_audit",
		"audit_id", e.ID,
		"admin_id", e.AdminID,
		"admin_email", e.AdminEmail,
		"action", e.Action,
		"resource_type", e.ResourceType,
		"resource_id", e.ResourceID,
		"details", e.Details,
		"ip", e.IP,
		"user_agent", e.UserAgent,
	)
	if r.sink == nil {
		return e
	}
	r.wg.Add(1)
	go func(entry domain.AuditEntry) {
		defer r.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		if err := r.sink.SaveAuditEntry(pctx, entry); err != nil {
			slog.Warn("audit persist failed", "audit_id", entry.ID, "action", entry.Action, "err", err)
		}
	}(e)
	return e
}

// Wait blocks until in-flight persists finish; used on shutdown.
func (r *Recorder) Wait() {
	r.wg.Wait()
}
