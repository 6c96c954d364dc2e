package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"charterbook/internal/adminauth"
	"charterbook/internal/ratelimit"
	"charterbook/internal/session"
	"charterbook/pkg/domain"
	"charterbook/pkg/storage"
	"charterbook/pkg/store"
	"charterbook/services/api/internal/app"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	adminEmail = "admin@example.com"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

func jpegOfSize(n int, fill byte) []byte {
	return append(append([]byte(nil), jpegHeader...), bytes.Repeat([]byte{fill}, n)...)
}

type testServer struct {
	srv      *httptest.Server
	app      *app.App
	store    *store.MemoryStore
	sessions *session.Manager
}

func newTestServer(t *testing.T, mutate func(*Config), mutateApp func(*app.Config)) testServer {
	t.Helper()
	objects, err := storage.NewLocalStore(t.TempDir(), "http://localhost:8080/files")
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	mem := store.NewMemoryStore()
	appCfg := app.Config{
		Store:          mem,
		Objects:        objects,
		ExcerptKey:     "content/excerpt.pdf",
		CharterPackKey: "content/charter-pack.pdf",
	}
	if mutateApp != nil {
		mutateApp(&appCfg)
	}
	core, err := app.New(appCfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	sessions, err := session.NewManager(session.Options{Secret: testSecret})
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	cfg := Config{
		App:         core,
		Sessions:    sessions,
		RateStore:   ratelimit.NewMemoryStore(nil),
		AdminEmails: adminauth.ParseAllowList(adminEmail),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		core.Wait()
	})
	return testServer{srv: srv, app: core, store: mem, sessions: sessions}
}

func (ts testServer) token(t *testing.T, email string) string {
	t.Helper()
	token, _, err := ts.sessions.Issue(session.Identity{Email: email}, domain.EntitlementSet{})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (ts testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (ts testServer) upload(t *testing.T, token, retailer string, data []byte, contentType string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("retailer", retailer); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if data != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="receipt.jpg"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/receipts/upload", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

type envelope struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Error      string          `json:"error"`
	RetryAfter int             `json:"retryAfter"`
	Data       json.RawMessage `json:"data"`
}

func decode(t *testing.T, resp *http.Response, wantStatus int) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d (%+v)", resp.StatusCode, wantStatus, env)
	}
	return env
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
}

func TestUploadRequiresSession(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	env := decode(t, ts.upload(t, "", "amazon", jpegOfSize(1024, 0x11), "image/jpeg"), http.StatusUnauthorized)
	if env.Success || env.Error != app.CodeUnauthorized {
		t.Fatalf("unexpected body: %+v", env)
	}
	receipts, err := ts.store.ListReceipts(context.Background(), store.ReceiptFilter{})
	if err != nil {
		t.Fatalf("list receipts: %v", err)
	}
	if len(receipts) != 0 {
		t.Fatalf("unauthenticated upload must not create a receipt")
	}
}

func TestUploadVerifyGrantsPreorder(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	reader := ts.token(t, "reader@example.com")

	env := decode(t, ts.upload(t, reader, "amazon", jpegOfSize(2<<20, 0x11), "image/jpeg"), http.StatusCreated)
	var up app.UploadResult
	if err := json.Unmarshal(env.Data, &up); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if up.ReceiptID == "" || up.Status != domain.ReceiptPending {
		t.Fatalf("unexpected upload result: %+v", up)
	}

	env = decode(t, ts.do(t, http.MethodGet, "/me/entitlements", reader, nil), http.StatusOK)
	var ents domain.EntitlementSet
	_ = json.Unmarshal(env.Data, &ents)
	if ents.HasPreordered {
		t.Fatalf("pending receipt must not grant preorder")
	}

	admin := ts.token(t, adminEmail)
	decode(t, ts.do(t, http.MethodPost, "/admin/receipts/"+up.ReceiptID+"/verify", admin, map[string]any{"action": "verify"}), http.StatusOK)

	env = decode(t, ts.do(t, http.MethodGet, "/me/entitlements", reader, nil), http.StatusOK)
	if err := json.Unmarshal(env.Data, &ents); err != nil {
		t.Fatalf("decode entitlements: %v", err)
	}
	if !ents.HasPreordered {
		t.Fatalf("verified receipt should grant preorder: %+v", ents)
	}

	env = decode(t, ts.do(t, http.MethodPost, "/receipts/verify", reader, map[string]string{"receiptId": up.ReceiptID}), http.StatusOK)
	if !strings.Contains(string(env.Data), `"VERIFIED"`) {
		t.Fatalf("verification view should report VERIFIED: %s", env.Data)
	}

	resp := ts.do(t, http.MethodPost, "/session/refresh", reader, nil)
	cookieSet := false
	for _, c := range resp.Cookies() {
		if c.Name == ts.sessions.CookieName() && c.HttpOnly {
			cookieSet = true
		}
	}
	env = decode(t, resp, http.StatusOK)
	if !cookieSet {
		t.Fatalf("refresh should set the session cookie")
	}
	var refreshed struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(env.Data, &refreshed)
	claims, err := ts.sessions.Verify(refreshed.Token)
	if err != nil {
		t.Fatalf("verify refreshed token: %v", err)
	}
	if !claims.Entitlements.HasPreordered || claims.Subject == "" {
		t.Fatalf("refreshed token should carry entitlements and user id: %+v", claims)
	}
}

func TestUploadRateLimit(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	reader := ts.token(t, "reader@example.com")
	for i := 0; i < 5; i++ {
		decode(t, ts.upload(t, reader, "amazon", jpegOfSize(1024, byte(0x20+i)), "image/jpeg"), http.StatusCreated)
	}
	resp := ts.upload(t, reader, "amazon", jpegOfSize(1024, 0x40), "image/jpeg")
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("429 should carry Retry-After")
	}
	env := decode(t, resp, http.StatusTooManyRequests)
	if env.Error != app.CodeRateLimited || env.RetryAfter <= 0 {
		t.Fatalf("unexpected body: %+v", env)
	}
	receipts, _ := ts.store.ListReceipts(context.Background(), store.ReceiptFilter{})
	if len(receipts) != 5 {
		t.Fatalf("receipts = %d, want 5", len(receipts))
	}
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t, nil, func(c *app.Config) { c.MaxReceiptBytes = 4096 })
	alice := ts.token(t, "alice@example.com")
	bob := ts.token(t, "bob@example.com")
	pe := append([]byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00\x00\x00\xff\xff"), bytes.Repeat([]byte{0x00}, 128)...)

	env := decode(t, ts.upload(t, alice, "amazon", pe, "image/jpeg"), http.StatusBadRequest)
	if env.Error != app.CodeInvalidFile {
		t.Fatalf("spoofed executable: got %s", env.Error)
	}

	env = decode(t, ts.upload(t, alice, "amazon", nil, ""), http.StatusBadRequest)
	if env.Error != app.CodeMissingFile {
		t.Fatalf("missing file: got %s", env.Error)
	}

	env = decode(t, ts.upload(t, alice, "amazon", jpegOfSize(100<<10, 0x11), "image/jpeg"), http.StatusRequestEntityTooLarge)
	if env.Error != app.CodeInvalidFile {
		t.Fatalf("oversized: got %s", env.Error)
	}

	receipt := jpegOfSize(1024, 0x11)
	decode(t, ts.upload(t, alice, "amazon", receipt, "image/jpeg"), http.StatusCreated)
	env = decode(t, ts.upload(t, alice, "amazon", receipt, "image/jpeg"), http.StatusConflict)
	if env.Error != app.CodeDuplicateSameUser {
		t.Fatalf("same-user duplicate: got %s", env.Error)
	}
	env = decode(t, ts.upload(t, bob, "amazon", receipt, "image/jpeg"), http.StatusConflict)
	if env.Error != app.CodeDuplicate {
		t.Fatalf("cross-user duplicate: got %s", env.Error)
	}
}

func TestAdminGuardResponses(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.AdminRateLimitPerMinute = 2 }, nil)

	env := decode(t, ts.do(t, http.MethodGet, "/admin/audit", "", nil), http.StatusUnauthorized)
	if env.Message != adminauth.MsgUnauthorized || env.Error != app.CodeUnauthorized {
		t.Fatalf("unexpected 401 body: %+v", env)
	}

	env = decode(t, ts.do(t, http.MethodGet, "/admin/audit", ts.token(t, "reader@example.com"), nil), http.StatusForbidden)
	if env.Message != adminauth.MsgForbidden || env.Error != app.CodeForbidden {
		t.Fatalf("unexpected 403 body: %+v", env)
	}

	admin := ts.token(t, adminEmail)
	decode(t, ts.do(t, http.MethodGet, "/admin/audit", admin, nil), http.StatusOK)
	decode(t, ts.do(t, http.MethodGet, "/admin/receipts", admin, nil), http.StatusOK)
	resp := ts.do(t, http.MethodGet, "/admin/audit", admin, nil)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("admin 429 should carry Retry-After")
	}
	env = decode(t, resp, http.StatusTooManyRequests)
	if env.Message != adminauth.MsgRateLimited {
		t.Fatalf("unexpected 429 body: %+v", env)
	}
}

func TestAdminReceiptRoutes(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	admin := ts.token(t, adminEmail)

	decode(t, ts.do(t, http.MethodPost, "/admin/receipts/abc/approve", admin, map[string]any{}), http.StatusNotFound)
	decode(t, ts.do(t, http.MethodPost, "/admin/receipts/missing/verify", admin, map[string]any{"action": "verify"}), http.StatusNotFound)
	env := decode(t, ts.do(t, http.MethodGet, "/admin/receipts?status=LOST", admin, nil), http.StatusBadRequest)
	if env.Error != app.CodeInvalidStatus {
		t.Fatalf("bad status filter: got %s", env.Error)
	}
	resp := ts.do(t, http.MethodGet, "/admin/receipts/abc/verify", admin, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET verify status = %d", resp.StatusCode)
	}
}

func TestGenerateCodesAndRedeem(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	admin := ts.token(t, adminEmail)

	resp := ts.do(t, http.MethodPost, "/admin/codes/generate", admin, map[string]any{
		"count":  3,
		"type":   "EARLY_EXCERPT",
		"format": "csv",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("csv status = %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("content type = %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "attachment") {
		t.Fatalf("content disposition = %q", resp.Header.Get("Content-Disposition"))
	}
	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 4 || rows[0][0] != "code" {
		t.Fatalf("unexpected csv rows: %v", rows)
	}

	env := decode(t, ts.do(t, http.MethodPost, "/admin/codes/generate", admin, map[string]any{"count": 1, "type": "EARLY_EXCERPT", "format": "xml"}), http.StatusBadRequest)
	if env.Error != app.CodeInvalidFormat {
		t.Fatalf("bad format: got %s", env.Error)
	}

	reader := ts.token(t, "reader@example.com")
	code := rows[1][0]
	env = decode(t, ts.do(t, http.MethodPost, "/codes/redeem", reader, map[string]string{"code": strings.ToLower(code)}), http.StatusCreated)
	var redeemed app.RedeemResult
	if err := json.Unmarshal(env.Data, &redeemed); err != nil {
		t.Fatalf("decode redeem: %v", err)
	}
	if redeemed.Code != code || redeemed.Entitlement.Type != domain.EntitlementEarlyExcerpt {
		t.Fatalf("unexpected redeem result: %+v", redeemed)
	}

	env = decode(t, ts.do(t, http.MethodPost, "/codes/redeem", reader, map[string]string{"code": "VIP-NOPE-NOPE"}), http.StatusBadRequest)
	if env.Error != app.CodeInvalidCode {
		t.Fatalf("unknown code: got %s", env.Error)
	}
}

func TestContentRequiresEntitlement(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	reader := ts.token(t, "reader@example.com")
	env := decode(t, ts.do(t, http.MethodGet, "/content/charter-pack", reader, nil), http.StatusForbidden)
	if env.Error != app.CodeForbidden {
		t.Fatalf("content without entitlement: got %s", env.Error)
	}

	admin := ts.token(t, adminEmail)
	env = decode(t, ts.do(t, http.MethodPost, "/admin/entitlements", admin, map[string]string{
		"email": "reader@example.com",
		"type":  "AGENT_CHARTER_PACK",
	}), http.StatusBadRequest)
	if env.Error != app.CodeInvalidType {
		t.Fatalf("charter pack grant: got %s", env.Error)
	}
	decode(t, ts.do(t, http.MethodGet, "/content/charter-pack", reader, nil), http.StatusForbidden)

	up := decode(t, ts.upload(t, reader, "amazon", jpegOfSize(1024, 0x11), "image/jpeg"), http.StatusCreated)
	var res app.UploadResult
	_ = json.Unmarshal(up.Data, &res)
	decode(t, ts.do(t, http.MethodPost, "/admin/receipts/"+res.ReceiptID+"/verify", admin, map[string]any{"action": "verify"}), http.StatusOK)
	env = decode(t, ts.do(t, http.MethodPost, "/bonus-claims", reader, map[string]string{"receiptId": res.ReceiptID}), http.StatusCreated)
	var claim domain.BonusClaim
	if err := json.Unmarshal(env.Data, &claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	decode(t, ts.do(t, http.MethodGet, "/content/charter-pack", reader, nil), http.StatusForbidden)

	if _, err := ts.store.MarkClaimDelivered(context.Background(), claim.ID, "trk-1", time.Now()); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	env = decode(t, ts.do(t, http.MethodGet, "/content/charter-pack", reader, nil), http.StatusOK)
	if !strings.Contains(string(env.Data), "charter-pack.pdf") {
		t.Fatalf("link should point at the charter pack: %s", env.Data)
	}
}

func TestBonusClaimEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	reader := ts.token(t, "reader@example.com")

	env := decode(t, ts.do(t, http.MethodPost, "/bonus-claims", reader, map[string]string{}), http.StatusBadRequest)
	if env.Error != app.CodeReceiptRequired {
		t.Fatalf("claim without receipt: got %s", env.Error)
	}

	up := decode(t, ts.upload(t, reader, "amazon", jpegOfSize(1024, 0x11), "image/jpeg"), http.StatusCreated)
	var res app.UploadResult
	_ = json.Unmarshal(up.Data, &res)
	env = decode(t, ts.do(t, http.MethodPost, "/bonus-claims", reader, map[string]string{"receiptId": res.ReceiptID}), http.StatusCreated)
	if !strings.Contains(string(env.Data), `"PENDING"`) {
		t.Fatalf("claim on pending receipt should be pending: %s", env.Data)
	}
	env = decode(t, ts.do(t, http.MethodGet, "/bonus-claims", reader, nil), http.StatusOK)
	var claims []domain.BonusClaim
	if err := json.Unmarshal(env.Data, &claims); err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	if len(claims) != 1 || claims[0].ReceiptID != res.ReceiptID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestReceiptlessClaimRepeatIsConflict(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	reader := ts.token(t, "reader@example.com")
	admin := ts.token(t, adminEmail)

	up := decode(t, ts.upload(t, reader, "amazon", jpegOfSize(1024, 0x11), "image/jpeg"), http.StatusCreated)
	var res app.UploadResult
	_ = json.Unmarshal(up.Data, &res)
	decode(t, ts.do(t, http.MethodPost, "/admin/receipts/"+res.ReceiptID+"/verify", admin, map[string]any{"action": "verify"}), http.StatusOK)

	env := decode(t, ts.do(t, http.MethodPost, "/bonus-claims", reader, map[string]string{}), http.StatusCreated)
	var claim domain.BonusClaim
	if err := json.Unmarshal(env.Data, &claim); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claim.ReceiptID != res.ReceiptID || claim.Status != domain.ClaimApproved {
		t.Fatalf("unexpected claim: %+v", claim)
	}
	for i := 0; i < 4; i++ {
		env = decode(t, ts.do(t, http.MethodPost, "/bonus-claims", reader, map[string]string{}), http.StatusConflict)
		if env.Error != app.CodeClaimExists {
			t.Fatalf("repeat claim %d: got %s", i, env.Error)
		}
	}
	n, _ := ts.store.CountBonusClaims(context.Background(), claim.UserID, domain.ClaimApproved)
	if n != 1 {
		t.Fatalf("approved claims = %d, want 1", n)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without app")
	}
	objects, _ := storage.NewLocalStore(t.TempDir(), "")
	core, err := app.New(app.Config{Store: store.NewMemoryStore(), Objects: objects})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := New(Config{App: core}); err == nil {
		t.Fatalf("expected error without session manager")
	}
}
