package adminauth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"charterbook/internal/ratelimit"
	"charterbook/internal/session"
	"charterbook/pkg/domain"
	"charterbook/pkg/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIsAdminEmail(t *testing.T) {
	list := ParseAllowList(" Admin@Example.com, ,ops@example.com ")
	cases := []struct {
		email string
		want  bool
	}{
		{"admin@example.com", true},
		{"  ADMIN@example.COM ", true},
		{"ops@example.com", true},
		{"someone@example.com", false},
		{"", false},
		{"   ", false},
	}
	for _, tc := range cases {
		if got := IsAdminEmail(tc.email, list); got != tc.want {
			t.Fatalf("IsAdminEmail(%q) = %v, want %v", tc.email, got, tc.want)
		}
	}
	if list.Len() != 2 {
		t.Fatalf("list size = %d, want 2", list.Len())
	}
	if IsAdminEmail("admin@example.com", ParseAllowList("")) {
		t.Fatalf("empty allow-list must admit nobody")
	}
}

type panickingReader struct{}

func (panickingReader) FromRequest(*http.Request) (session.Claims, error) {
	panic("boom")
}

type failingReader struct{}

func (failingReader) FromRequest(*http.Request) (session.Claims, error) {
	return session.Claims{}, errors.New("backend down")
}

func newGuard(t *testing.T, reader SessionReader, limit int) (*Guard, *session.Manager) {
	t.Helper()
	mgr, err := session.NewManager(session.Options{Secret: testSecret})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if reader == nil {
		reader = mgr
	}
	limiter, err := ratelimit.NewFixedWindowLimiter(ratelimit.NewMemoryStore(nil), "admin", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	guard, err := NewGuard(GuardConfig{
		Sessions:  reader,
		Users:     store.NewMemoryStore(),
		Limiter:   limiter,
		AllowList: ParseAllowList("admin@example.com"),
	})
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	return guard, mgr
}

func requestAs(t *testing.T, mgr *session.Manager, email string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/receipts", nil)
	if email == "" {
		return req
	}
	token, _, err := mgr.Issue(session.Identity{Email: email}, domain.EntitlementSet{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestGuardCheck(t *testing.T) {
	guard, mgr := newGuard(t, nil, 100)

	res := guard.Check(requestAs(t, mgr, ""))
	if res.Authorized || res.Status != http.StatusUnauthorized || res.Error != MsgUnauthorized {
		t.Fatalf("anonymous: %+v", res)
	}

	res = guard.Check(requestAs(t, mgr, "reader@example.com"))
	if res.Authorized || res.Status != http.StatusForbidden || res.Error != MsgForbidden {
		t.Fatalf("non-admin: %+v", res)
	}

	res = guard.Check(requestAs(t, mgr, "Admin@Example.com"))
	if !res.Authorized || res.AdminEmail != "admin@example.com" || res.AdminID == "" {
		t.Fatalf("admin: %+v", res)
	}
	again := guard.Check(requestAs(t, mgr, "admin@example.com"))
	if again.AdminID != res.AdminID {
		t.Fatalf("admin id should be stable, got %q and %q", res.AdminID, again.AdminID)
	}
}

func TestGuardRateLimitsBeforeAllowList(t *testing.T) {
	guard, mgr := newGuard(t, nil, 2)
	for i := 0; i < 2; i++ {
		if res := guard.Check(requestAs(t, mgr, "admin@example.com")); !res.Authorized {
			t.Fatalf("request %d should pass: %+v", i+1, res)
		}
	}
	res := guard.Check(requestAs(t, mgr, "admin@example.com"))
	if !res.RateLimited || res.Status != http.StatusTooManyRequests || res.RetryAfter < 1 {
		t.Fatalf("third request should be rate limited: %+v", res)
	}
}

func TestGuardConvertsFailuresToInternalError(t *testing.T) {
	for name, reader := range map[string]SessionReader{
		"panic": panickingReader{},
		"error": failingReader{},
	} {
		t.Run(name, func(t *testing.T) {
			guard, _ := newGuard(t, reader, 100)
			res := guard.Check(httptest.NewRequest(http.MethodGet, "/api/admin/codes", nil))
			if res.Authorized || res.Status != http.StatusInternalServerError || res.Error != MsgInternal {
				t.Fatalf("unexpected result: %+v", res)
			}
		})
	}
}

func TestNewGuardRequiresDependencies(t *testing.T) {
	if _, err := NewGuard(GuardConfig{}); err == nil {
		t.Fatalf("expected error without session reader")
	}
	mgr, _ := session.NewManager(session.Options{Secret: testSecret})
	if _, err := NewGuard(GuardConfig{Sessions: mgr}); err == nil {
		t.Fatalf("expected error without limiter")
	}
}
