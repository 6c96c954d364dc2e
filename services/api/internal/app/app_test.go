package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"charterbook/internal/audit"
	"charterbook/pkg/domain"
	"charterbook/pkg/queue"
	"charterbook/pkg/storage"
	"charterbook/pkg/store"
)

var (
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, bytes.Repeat([]byte{0x11}, 512)...)
	peBytes   = append([]byte("MZ\x90\x00\x03\x00\x00\x00\x04\x00\x00\x00\xff\xff"), bytes.Repeat([]byte{0x00}, 128)...)
	testNow   = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
)

type fakeQueue struct {
	mu     sync.Mutex
	claims []string
}

func (q *fakeQueue) Enqueue(_ context.Context, claimID string) (queue.DeliveryJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.claims = append(q.claims, claimID)
	return queue.DeliveryJob{ID: "job-" + claimID, ClaimID: claimID, Status: queue.StatusQueued}, nil
}

func (q *fakeQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.claims...)
}

type testEnv struct {
	app   *App
	store *store.MemoryStore
	queue *fakeQueue
}

func newTestEnv(t *testing.T, mutate func(*Config)) testEnv {
	t.Helper()
	objects, err := storage.NewLocalStore(t.TempDir(), "http://localhost:8080/files")
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	mem := store.NewMemoryStore()
	q := &fakeQueue{}
	cfg := Config{
		Store:          mem,
		Objects:        objects,
		Queue:          q,
		Recorder:       audit.NewRecorder(mem),
		ExcerptKey:     "content/excerpt.pdf",
		CharterPackKey: "content/charter-pack.pdf",
		Now:            func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return testEnv{app: a, store: mem, queue: q}
}

func (e testEnv) user(t *testing.T, email string) domain.User {
	t.Helper()
	u, err := e.store.EnsureUser(context.Background(), email, "")
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	return u
}

func (e testEnv) upload(t *testing.T, user domain.User, data []byte) UploadResult {
	t.Helper()
	res, err := e.app.UploadReceipt(context.Background(), user, UploadInput{File: bytes.NewReader(data), Retailer: "amazon"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return res
}

func assertAppError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *Error %s, got %v", code, err)
	}
	if ae.Status != status || ae.Code != code {
		t.Fatalf("got %d %s, want %d %s (%v)", ae.Status, ae.Code, status, code, err)
	}
}

var admin = Actor{ID: "admin-1", Email: "admin@example.com", IP: "10.0.0.1", UserAgent: "test"}

func TestResolveEntitlementsDefaultsToFalse(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.user(t, "reader@example.com")
	if got := env.app.ResolveEntitlements(context.Background(), u.ID); got != (domain.EntitlementSet{}) {
		t.Fatalf("expected zero set, got %+v", got)
	}
	if got := env.app.ResolveEntitlements(context.Background(), ""); got != (domain.EntitlementSet{}) {
		t.Fatalf("expected zero set for empty id, got %+v", got)
	}
}

type faultyStore struct {
	store.Store
	fail  error
	panic bool
	block time.Duration
}

func (f faultyStore) CountBonusClaims(ctx context.Context, userID string, status domain.BonusClaimStatus) (int64, error) {
	if f.panic {
		panic("driver bug")
	}
	if f.block > 0 {
		time.Sleep(f.block)
	}
	if f.fail != nil {
		return 0, f.fail
	}
	return f.Store.CountBonusClaims(ctx, userID, status)
}

func TestResolveEntitlementsFailsClosed(t *testing.T) {
	cases := map[string]faultyStore{
		"error": {fail: errors.New("database unavailable")},
		"panic": {panic: true},
		"slow":  {block: 300 * time.Millisecond},
	}
	for name, fs := range cases {
		t.Run(name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			fs.Store = mem
			env := newTestEnv(t, func(c *Config) {
				c.Store = fs
				c.Recorder = audit.NewRecorder(nil)
				c.ResolveTimeout = 30 * time.Millisecond
			})
			ctx := context.Background()
			u, _ := mem.EnsureUser(ctx, "reader@example.com", "")
			res := env.upload(t, u, jpegBytes)
			if _, err := env.app.ReviewReceipt(ctx, admin, res.ReceiptID, ReviewInput{Action: "verify"}); err != nil {
				t.Fatalf("verify: %v", err)
			}
			start := time.Now()
			if got := env.app.ResolveEntitlements(ctx, u.ID); got != (domain.EntitlementSet{}) {
				t.Fatalf("expected fail-closed zero set, got %+v", got)
			}
			if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
				t.Fatalf("resolution should not outlive its timeout, took %s", elapsed)
			}
		})
	}
}

func TestUploadReceiptValidation(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxReceiptBytes = 1024 })
	u := env.user(t, "reader@example.com")
	withPHP := append(append([]byte(nil), jpegBytes[:64]...), []byte("<?php system($_GET['c']); ?>")...)
	tests := []struct {
		name   string
		in     UploadInput
		status int
		code   string
	}{
		{"missing file", UploadInput{Retailer: "amazon"}, http.StatusBadRequest, CodeMissingFile},
		{"missing retailer", UploadInput{File: bytes.NewReader(jpegBytes), Retailer: "  "}, http.StatusBadRequest, CodeMissingRetailer},
		{"bad format", UploadInput{File: bytes.NewReader(jpegBytes), Retailer: "amazon", Format: "paperback"}, http.StatusBadRequest, CodeInvalidFormat},
		{"bad date", UploadInput{File: bytes.NewReader(jpegBytes), Retailer: "amazon", PurchaseDate: "June 1st"}, http.StatusBadRequest, CodeInvalidPurchaseDate},
		{"future date", UploadInput{File: bytes.NewReader(jpegBytes), Retailer: "amazon", PurchaseDate: "2026-01-01"}, http.StatusBadRequest, CodeInvalidPurchaseDate},
		{"empty file", UploadInput{File: bytes.NewReader(nil), Retailer: "amazon"}, http.StatusBadRequest, CodeInvalidFile},
		{"executable", UploadInput{File: bytes.NewReader(peBytes), Retailer: "amazon"}, http.StatusBadRequest, CodeInvalidFile},
		{"too large", UploadInput{File: bytes.NewReader(bytes.Repeat(jpegBytes, 4)), Retailer: "amazon"}, http.StatusRequestEntityTooLarge, CodeInvalidFile},
		{"script payload", UploadInput{File: bytes.NewReader(withPHP), Retailer: "amazon"}, http.StatusBadRequest, CodeSecurityScanFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.app.UploadReceipt(context.Background(), u, tc.in)
			assertAppError(t, err, tc.status, tc.code)
		})
	}
	receipts, _ := env.store.ListReceipts(context.Background(), store.ReceiptFilter{})
	if len(receipts) != 0 {
		t.Fatalf("rejected uploads must not persist, found %d", len(receipts))
	}
}

func TestUploadReceiptStoresPending(t *testing.T) {
	env := newTestEnv(t, nil)
	u := env.user(t, "reader@example.com")
	res, err := env.app.UploadReceipt(context.Background(), u, UploadInput{
		File:         bytes.NewReader(jpegBytes),
		Retailer:     "Barnes & Noble",
		OrderNumber:  " 123-456 ",
		Format:       "Hardcover",
		PurchaseDate: "2025-05-30",
		IP:           "203.0.113.9",
		UserAgent:    "curl/8",
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Status != domain.ReceiptPending || res.FileURL != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	r, found, _ := env.store.GetReceipt(context.Background(), res.ReceiptID)
	if !found {
		t.Fatalf("receipt not persisted")
	}
	if r.OrderNumber != "123-456" || r.Format != domain.FormatHardcover || r.UploaderIP != "203.0.113.9" {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if r.PurchaseDate == nil || r.PurchaseDate.Format(time.DateOnly) != "2025-05-30" {
		t.Fatalf("purchase date = %v", r.PurchaseDate)
	}
	if !strings.HasPrefix(r.StorageKey, "receipts/"+u.ID+"/barnes-and-noble-") || !strings.HasSuffix(r.StorageKey, ".jpg") {
		t.Fatalf("unexpected storage key %q", r.StorageKey)
	}
}

func TestUploadReceiptDuplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	alice := env.user(t, "alice@example.com")
	bob := env.user(t, "bob@example.com")
	env.upload(t, alice, jpegBytes)

	_, err := env.app.UploadReceipt(ctx, alice, UploadInput{File: bytes.NewReader(jpegBytes), Retailer: "amazon"})
	assertAppError(t, err, http.StatusConflict, CodeDuplicateSameUser)
	_, err = env.app.UploadReceipt(ctx, bob, UploadInput{File: bytes.NewReader(jpegBytes), Retailer: "amazon"})
	assertAppError(t, err, http.StatusConflict, CodeDuplicate)

	receipts, _ := env.store.ListReceipts(ctx, store.ReceiptFilter{})
	if len(receipts) != 1 {
		t.Fatalf("expected exactly one receipt, found %d", len(receipts))
	}
}

func TestReviewReceiptVerifyCascades(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u := env.user(t, "reader@example.com")
	up := env.upload(t, u, jpegBytes)
	claim, err := env.app.CreateBonusClaim(ctx, u, ClaimInput{ReceiptID: up.ReceiptID})
	if err != nil {
		t.Fatalf("create claim: %v", err)
	}
	if claim.Status != domain.ClaimPending || claim.DeliveryEmail != "reader@example.com" {
		t.Fatalf("unexpected claim: %+v", claim)
	}

	amount := int64(2899)
	res, err := env.app.ReviewReceipt(ctx, admin, up.ReceiptID, ReviewInput{Action: "verify", AmountCents: &amount})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Receipt.Status != domain.ReceiptVerified || res.Receipt.Verification.VerifierID != admin.ID {
		t.Fatalf("unexpected receipt: %+v", res.Receipt)
	}
	if len(res.Claims) != 1 || res.Claims[0].Status != domain.ClaimApproved {
		t.Fatalf("claim should be approved: %+v", res.Claims)
	}
	if got := env.queue.enqueued(); len(got) != 1 || got[0] != claim.ID {
		t.Fatalf("enqueued = %v", got)
	}
	if got := env.app.ResolveEntitlements(ctx, u.ID); !got.HasPreordered || got.HasAgentCharterPack {
		t.Fatalf("unexpected entitlements: %+v", got)
	}

	view, err := env.app.CheckReceipt(ctx, u, up.ReceiptID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if view.Status != domain.ReceiptVerified || view.Verification.Confidence != 1 || view.Verification.ManualReview {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Verification.AmountCents == nil || *view.Verification.AmountCents != amount {
		t.Fatalf("amount not reported: %+v", view.Verification)
	}

	_, err = env.app.ReviewReceipt(ctx, admin, up.ReceiptID, ReviewInput{Action: "reject", Reason: "late"})
	assertAppError(t, err, http.StatusConflict, CodeInvalidTransition)

	env.app.Wait()
	entries, _ := env.store.ListAuditEntries(ctx, 10)
	if len(entries) != 1 || entries[0].Action != "receipt.verify" || entries[0].ResourceID != up.ReceiptID {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}

func TestReviewReceiptRejectAndValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u := env.user(t, "reader@example.com")
	up := env.upload(t, u, jpegBytes)
	if _, err := env.app.CreateBonusClaim(ctx, u, ClaimInput{ReceiptID: up.ReceiptID, DeliveryEmail: "Gift <gift@example.com>"}); err != nil {
		t.Fatalf("create claim: %v", err)
	}

	_, err := env.app.ReviewReceipt(ctx, admin, up.ReceiptID, ReviewInput{Action: "reject"})
	assertAppError(t, err, http.StatusBadRequest, CodeMissingReason)
	_, err = env.app.ReviewReceipt(ctx, admin, up.ReceiptID, ReviewInput{Action: "approve"})
	assertAppError(t, err, http.StatusBadRequest, CodeInvalidAction)
	_, err = env.app.ReviewReceipt(ctx, admin, "missing", ReviewInput{Action: "verify"})
	assertAppError(t, err, http.StatusNotFound, CodeNotFound)

	res, err := env.app.ReviewReceipt(ctx, admin, up.ReceiptID, ReviewInput{Action: "reject", Reason: "illegible"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Receipt.Verification.RejectionReason != "illegible" {
		t.Fatalf("reason not stored: %+v", res.Receipt.Verification)
	}
	if len(res.Claims) != 1 || res.Claims[0].Status != domain.ClaimRejected || res.Claims[0].DeliveryEmail != "gift@example.com" {
		t.Fatalf("claim should be rejected: %+v", res.Claims)
	}
	if len(env.queue.enqueued()) != 0 {
		t.Fatalf("rejected claims must not be enqueued")
	}
}

func TestCreateBonusClaimRules(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u := env.user(t, "reader@example.com")
	other := env.user(t, "other@example.com")

	_, err := env.app.CreateBonusClaim(ctx, u, ClaimInput{})
	assertAppError(t, err, http.StatusBadRequest, CodeReceiptRequired)
	_, err = env.app.CreateBonusClaim(ctx, u, ClaimInput{DeliveryEmail: "not-an-email"})
	assertAppError(t, err, http.StatusBadRequest, CodeInvalidEmail)

	up := env.upload(t, u, jpegBytes)
	_, err = env.app.CreateBonusClaim(ctx, other, ClaimInput{ReceiptID: up.ReceiptID})
	assertAppError(t, err, http.StatusNotFound, CodeNotFound)

	if _, err := env.app.ReviewReceipt(ctx, admin, up.ReceiptID, ReviewInput{Action: "verify"}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	claim, err := env.app.CreateBonusClaim(ctx, u, ClaimInput{ReceiptID: up.ReceiptID})
	if err != nil {
		t.Fatalf("claim on verified receipt: %v", err)
	}
	if claim.Status != domain.ClaimApproved || claim.ProcessedAt == nil {
		t.Fatalf("claim on verified receipt should be approved: %+v", claim)
	}
	_, err = env.app.CreateBonusClaim(ctx, u, ClaimInput{ReceiptID: up.ReceiptID})
	assertAppError(t, err, http.StatusConflict, CodeClaimExists)

	claims, err := env.app.ListBonusClaims(ctx, u)
	if err != nil || len(claims) != 1 {
		t.Fatalf("list claims = %v, %v", claims, err)
	}
}

func TestReceiptlessClaimBindsToUnclaimedReceipt(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u := env.user(t, "reader@example.com")

	first := env.upload(t, u, jpegBytes)
	second := env.upload(t, u, append(append([]byte(nil), jpegBytes...), 0x22))
	pending := env.upload(t, u, append(append([]byte(nil), jpegBytes...), 0x33))
	for _, id := range []string{first.ReceiptID, second.ReceiptID} {
		if _, err := env.app.ReviewReceipt(ctx, admin, id, ReviewInput{Action: "verify"}); err != nil {
			t.Fatalf("verify %s: %v", id, err)
		}
	}

	explicit, err := env.app.CreateBonusClaim(ctx, u, ClaimInput{ReceiptID: first.ReceiptID})
	if err != nil {
		t.Fatalf("claim first receipt: %v", err)
	}
	bound, err := env.app.CreateBonusClaim(ctx, u, ClaimInput{})
	if err != nil {
		t.Fatalf("receipt-less claim: %v", err)
	}
	if bound.ReceiptID != second.ReceiptID || bound.Status != domain.ClaimApproved || bound.ProcessedBy != "system" {
		t.Fatalf("receipt-less claim should bind to the unclaimed verified receipt: %+v", bound)
	}
	for i := 0; i < 3; i++ {
		_, err = env.app.CreateBonusClaim(ctx, u, ClaimInput{})
		assertAppError(t, err, http.StatusConflict, CodeClaimExists)
	}

	if got := env.queue.enqueued(); len(got) != 2 || got[0] != explicit.ID || got[1] != bound.ID {
		t.Fatalf("enqueued = %v, want one job per verified receipt", got)
	}
	claims, _ := env.app.ListBonusClaims(ctx, u)
	if len(claims) != 2 {
		t.Fatalf("claims = %d, want 2", len(claims))
	}
	for _, c := range claims {
		if c.ReceiptID == pending.ReceiptID {
			t.Fatalf("pending receipt must not be claimed implicitly: %+v", c)
		}
	}
}

func TestGenerateCodesValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	zero := 0
	before := testNow.Add(-time.Hour)
	tests := []struct {
		name string
		in   GenerateInput
		code string
	}{
		{"zero count", GenerateInput{Count: 0, Type: "EARLY_EXCERPT"}, CodeInvalidCount},
		{"too many", GenerateInput{Count: 10001, Type: "EARLY_EXCERPT"}, CodeInvalidCount},
		{"bad type", GenerateInput{Count: 1, Type: "GOLD"}, CodeInvalidType},
		{"charter pack is not a code type", GenerateInput{Count: 1, Type: "AGENT_CHARTER_PACK"}, CodeInvalidType},
		{"zero redemptions", GenerateInput{Count: 1, Type: "EARLY_EXCERPT", MaxRedemptions: &zero}, CodeInvalidRedemptions},
		{"until before from", GenerateInput{Count: 1, Type: "EARLY_EXCERPT", ValidUntil: &before}, CodeInvalidValidity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.app.GenerateCodes(context.Background(), admin, tc.in)
			assertAppError(t, err, http.StatusBadRequest, tc.code)
		})
	}
}

func TestGenerateAndRedeemCodes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	two := 2
	codes, err := env.app.GenerateCodes(ctx, admin, GenerateInput{Count: 25, Type: "early_excerpt", MaxRedemptions: &two, Description: "launch"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pattern := regexp.MustCompile(`^VIP-[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`)
	for _, c := range codes {
		if !pattern.MatchString(c.Value) {
			t.Fatalf("bad code format %q", c.Value)
		}
		if c.CreatedBy != admin.ID || c.MaxRedemptions != 2 || c.Type != domain.EntitlementEarlyExcerpt {
			t.Fatalf("unexpected code: %+v", c)
		}
	}

	u := env.user(t, "reader@example.com")
	res, err := env.app.RedeemCode(ctx, u, "  "+strings.ToLower(codes[0].Value)+" ")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if res.Entitlement.Type != domain.EntitlementEarlyExcerpt || res.Entitlement.SourceCodeID != codes[0].ID {
		t.Fatalf("unexpected entitlement: %+v", res.Entitlement)
	}
	if got := env.app.ResolveEntitlements(ctx, u.ID); !got.HasExcerpt {
		t.Fatalf("redeemed excerpt code should grant hasExcerpt: %+v", got)
	}
	_, err = env.app.RedeemCode(ctx, u, codes[0].Value)
	assertAppError(t, err, http.StatusConflict, CodeAlreadyRedeemed)
	_, err = env.app.RedeemCode(ctx, u, "VIP-NOPE-NOPE")
	assertAppError(t, err, http.StatusBadRequest, CodeInvalidCode)
	_, err = env.app.RedeemCode(ctx, u, "")
	assertAppError(t, err, http.StatusBadRequest, CodeInvalidCode)

	other := env.user(t, "other@example.com")
	third := env.user(t, "third@example.com")
	if _, err := env.app.RedeemCode(ctx, other, codes[0].Value); err != nil {
		t.Fatalf("second redemption: %v", err)
	}
	_, err = env.app.RedeemCode(ctx, third, codes[0].Value)
	assertAppError(t, err, http.StatusConflict, CodeCodeExhausted)
}

func TestWriteCodesCSV(t *testing.T) {
	until := testNow.Add(24 * time.Hour)
	codes := []domain.Code{
		{Value: "VIP-AAAA-BBBB", Type: domain.EntitlementEarlyExcerpt, MaxRedemptions: 3, ValidFrom: testNow, ValidUntil: &until, Description: "press, early"},
		{Value: "VIP-CCCC-DDDD", Type: domain.EntitlementEarlyExcerpt, MaxRedemptions: 1, ValidFrom: testNow},
	}
	var buf bytes.Buffer
	if err := WriteCodesCSV(&buf, codes); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if strings.Join(rows[0], ",") != "code,type,max_redemptions,valid_from,valid_until,description" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "VIP-AAAA-BBBB" || rows[1][2] != "3" || rows[1][4] != "2025-06-02T10:00:00Z" || rows[1][5] != "press, early" {
		t.Fatalf("unexpected row %v", rows[1])
	}
	if rows[2][4] != "" {
		t.Fatalf("missing validUntil should be empty, got %q", rows[2][4])
	}
}

func TestGrantEntitlementAndContentLinks(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	u := env.user(t, "reader@example.com")

	_, err := env.app.ContentLink(ctx, u, ContentExcerpt)
	assertAppError(t, err, http.StatusForbidden, CodeForbidden)

	_, err = env.app.GrantEntitlement(ctx, admin, GrantInput{UserID: "nobody", Type: "EARLY_EXCERPT"})
	assertAppError(t, err, http.StatusNotFound, CodeUserNotFound)
	_, err = env.app.GrantEntitlement(ctx, admin, GrantInput{UserID: u.ID, Type: "EARLY_EXCERPT", Status: "GONE"})
	assertAppError(t, err, http.StatusBadRequest, CodeInvalidStatus)
	_, err = env.app.GrantEntitlement(ctx, admin, GrantInput{UserID: u.ID, Type: "AGENT_CHARTER_PACK"})
	assertAppError(t, err, http.StatusBadRequest, CodeInvalidType)

	ent, err := env.app.GrantEntitlement(ctx, admin, GrantInput{Email: "Reader@Example.com", Type: "EARLY_EXCERPT"})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ent.UserID != u.ID || ent.GrantedBy != admin.ID || ent.Status != domain.EntitlementActive {
		t.Fatalf("unexpected entitlement: %+v", ent)
	}
	link, err := env.app.ContentLink(ctx, u, ContentExcerpt)
	if err != nil {
		t.Fatalf("excerpt link: %v", err)
	}
	if link.URL != "http://localhost:8080/files/content/excerpt.pdf" || !link.ExpiresAt.Equal(testNow.Add(15*time.Minute)) {
		t.Fatalf("unexpected link: %+v", link)
	}
	_, err = env.app.ContentLink(ctx, u, ContentCharterPack)
	assertAppError(t, err, http.StatusForbidden, CodeForbidden)

	env.app.Wait()
	entries, _ := env.app.ListAudit(ctx, 10)
	if len(entries) != 1 || entries[0].Action != "entitlement.grant" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}
}

func TestNewRequiresStoreAndObjects(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without store or database URL")
	}
	if _, err := New(Config{Store: store.NewMemoryStore()}); err == nil {
		t.Fatalf("expected error without object storage")
	}
}
