package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"charterbook/internal/ratelimit"
)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// Alerter counts security events per IP in the limiter store and reports
// when a rule's threshold is reached.
type Alerter struct {
	store  ratelimit.Store
	prefix string
}

func NewAlerter(store ratelimit.Store, prefix string) *Alerter {
	if store == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "charterbook:alerts"
	}
	return &Alerter{store: store, prefix: prefix}
}

// Observe records one event. Triggered is true exactly once per window, on
// the event that reaches the threshold.
func (a *Alerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil {
		return result, nil
	}
	threshold, window, ok := alertRule(event, outcome)
	if !ok {
		return result, nil
	}
	key := fmt.Sprintf("%s:%s:%s:%s", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip))
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, _, err := a.store.Increment(ctx, key, window)
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = threshold
	result.Window = window
	result.Triggered = count == threshold
	if result.Triggered {
		slog.Warn("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", count,
			"window_seconds", int(window.Seconds()),
		)
	}
	return result, nil
}

func alertRule(event, outcome string) (threshold int64, window time.Duration, ok bool) {
	event = strings.TrimSpace(event)
	switch strings.TrimSpace(outcome) {
	case "rate_limited":
		return 20, time.Minute, true
	case "fail":
		switch event {
		case "admin.authorize":
			return 10, 5 * time.Minute, true
		case "code.redeem":
			return 25, 5 * time.Minute, true
		}
	case "blocked":
		if event == "receipt.upload" {
			return 5, time.Hour, true
		}
	}
	return 0, 0, false
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(in)
}
