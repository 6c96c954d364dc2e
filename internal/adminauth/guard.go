package adminauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"charterbook/internal/audit"
	"charterbook/internal/ratelimit"
	"charterbook/internal/session"
	"charterbook/internal/util"
	"charterbook/pkg/domain"
)

const (
	MsgUnauthorized = "Unauthorized: No valid session"
	MsgForbidden    = "Forbidden: Admin access required"
	MsgRateLimited  = "Too many requests"
	MsgInternal     = "Internal server error"
)

// SessionReader extracts the caller's session from a request.
type SessionReader interface {
	FromRequest(r *http.Request) (session.Claims, error)
}

// UserResolver maps a session email to a stored user.
type UserResolver interface {
	EnsureUser(ctx context.Context, email, name string) (domain.User, error)
}

// Result is the outcome of one admin check.
type Result struct {
	Authorized  bool
	AdminID     string
	AdminEmail  string
	Error       string
	Status      int
	RateLimited bool
	RetryAfter  int
}

type Guard struct {
	sessions SessionReader
	users    UserResolver
	limiter  *ratelimit.FixedWindowLimiter
	allow    AllowList
	alerter  *audit.Alerter
	trusted  *util.TrustedProxies
}

type GuardConfig struct {
	Sessions       SessionReader
	Users          UserResolver
	Limiter        *ratelimit.FixedWindowLimiter
	AllowList      AllowList
	Alerter        *audit.Alerter
	TrustedProxies *util.TrustedProxies
}

func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("admin guard requires a session reader")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("admin guard requires a rate limiter")
	}
	return &Guard{
		sessions: cfg.Sessions,
		users:    cfg.Users,
		limiter:  cfg.Limiter,
		allow:    cfg.AllowList,
		alerter:  cfg.Alerter,
		trusted:  cfg.TrustedProxies,
	}, nil
}

// Check runs session validation, then the admin rate limit, then the
// allow-list. It never panics and never exposes internal error text.
func (g *Guard) Check(r *http.Request) (res Result) {
	ip := util.ClientIP(r, g.trusted)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("admin guard panic", "panic", fmt.Sprint(rec), "path", r.URL.Path)
			res = Result{Error: MsgInternal, Status: http.StatusInternalServerError}
		}
		g.observe(r.Context(), res, ip)
	}()

	claims, err := g.sessions.FromRequest(r)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return Result{Error: MsgUnauthorized, Status: http.StatusUnauthorized}
		}
		slog.Error("admin session lookup failed", "err", err)
		return Result{Error: MsgInternal, Status: http.StatusInternalServerError}
	}
	email := domain.NormalizeEmail(claims.Email)

	limit := g.limiter.Check(r.Context(), email)
	if limit.Limited {
		return Result{
			AdminEmail:  email,
			Error:       MsgRateLimited,
			Status:      http.StatusTooManyRequests,
			RateLimited: true,
			RetryAfter:  limit.RetryAfterSeconds(),
		}
	}

	if !IsAdminEmail(email, g.allow) {
		return Result{AdminEmail: email, Error: MsgForbidden, Status: http.StatusForbidden}
	}

	adminID := claims.Subject
	if g.users != nil {
		user, err := g.users.EnsureUser(r.Context(), email, claims.Name)
		if err != nil {
			slog.Error("admin identity lookup failed", "err", err)
			return Result{Error: MsgInternal, Status: http.StatusInternalServerError}
		}
		adminID = user.ID
	}
	return Result{Authorized: true, AdminID: adminID, AdminEmail: email, Status: http.StatusOK}
}

func (g *Guard) observe(ctx context.Context, res Result, ip string) {
	if g.alerter == nil || res.Authorized {
		return
	}
	outcome := "fail"
	if res.RateLimited {
		outcome = "rate_limited"
	}
	if _, err := g.alerter.Observe(ctx, "admin.authorize", outcome, ip); err != nil {
		slog.Warn("security alert counter failed", "err", err)
	}
}
