package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"charterbook/internal/adminauth"
	"charterbook/internal/audit"
	"charterbook/internal/ratelimit"
	"charterbook/internal/session"
	"charterbook/internal/util"
	"charterbook/pkg/domain"
	"charterbook/services/api/internal/app"
)

const (
	// multipartOverhead is the slack allowed above the file ceiling for form
	// fields and part headers.
	multipartOverhead = 64 << 10
	multipartMemory   = 2 << 20
	jsonBodyLimit     = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                     *app.App
	Sessions                *session.Manager
	RateStore               ratelimit.Store
	AdminEmails             adminauth.AllowList
	TrustedProxies          *util.TrustedProxies
	AllowedOrigins          []string
	UploadRateLimitPerHour  int
	AdminRateLimitPerMinute int
	APIRateLimitPerMinute   int
	SecureCookies           bool
}

// Server exposes the HTTP API.
type Server struct {
	app           *app.App
	sessions      *session.Manager
	guard         *adminauth.Guard
	alerter       *audit.Alerter
	trusted       *util.TrustedProxies
	origins       []string
	secureCookies bool
	mux           *http.ServeMux
	uploadLimiter *ratelimit.FixedWindowLimiter
	apiLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured. Each limiter owns its
// own keyspace in the shared counter store.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires an app")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("server requires a session manager")
	}
	rateStore := cfg.RateStore
	if rateStore == nil {
		slog.Warn("no shared rate limit store configured, using in-memory counters")
		rateStore = ratelimit.NewMemoryStore(nil)
	}
	newLimiter := func(name string, limit int, window time.Duration) (*ratelimit.FixedWindowLimiter, error) {
		limiter, err := ratelimit.NewFixedWindowLimiter(rateStore, "charterbook:ratelimit:"+name, limit, window)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	uploadLimiter, err := newLimiter("upload", positiveOr(cfg.UploadRateLimitPerHour, 5), time.Hour)
	if err != nil {
		return nil, err
	}
	apiLimiter, err := newLimiter("api", positiveOr(cfg.APIRateLimitPerMinute, 100), time.Minute)
	if err != nil {
		return nil, err
	}
	adminLimiter, err := newLimiter("admin", positiveOr(cfg.AdminRateLimitPerMinute, 100), time.Minute)
	if err != nil {
		return nil, err
	}
	alerter := audit.NewAlerter(rateStore, "charterbook:alerts")
	guard, err := adminauth.NewGuard(adminauth.GuardConfig{
		Sessions:       cfg.Sessions,
		Users:          cfg.App.Store(),
		Limiter:        adminLimiter,
		AllowList:      cfg.AdminEmails,
		Alerter:        alerter,
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.AdminEmails) == 0 {
		slog.Warn("admin allow-list is empty; admin routes will reject everyone")
	}

	s := &Server{
		app:           cfg.App,
		sessions:      cfg.Sessions,
		guard:         guard,
		alerter:       alerter,
		trusted:       cfg.TrustedProxies,
		origins:       cfg.AllowedOrigins,
		secureCookies: cfg.SecureCookies,
		mux:           http.NewServeMux(),
		uploadLimiter: uploadLimiter,
		apiLimiter:    apiLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	h := util.WithCORS(s.origins, s.mux)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog("api", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// session & entitlements
	s.mux.Handle("/session/refresh", s.authenticated(s.handleSessionRefresh))
	s.mux.Handle("/me/entitlements", s.authenticated(s.handleMyEntitlements))

	// receipts, claims, codes
	s.mux.Handle("/receipts/upload", s.authenticated(s.handleUploadReceipt))
	s.mux.Handle("/receipts/verify", s.authenticated(s.handleCheckReceipt))
	s.mux.Handle("/bonus-claims", s.authenticated(s.handleBonusClaims))
	s.mux.Handle("/codes/redeem", s.authenticated(s.handleRedeemCode))

	// protected content
	s.mux.Handle("/content/excerpt", s.authenticated(s.contentHandler(app.ContentExcerpt)))
	s.mux.Handle("/content/charter-pack", s.authenticated(s.contentHandler(app.ContentCharterPack)))

	// admin
	s.mux.Handle("/admin/codes/generate", s.adminOnly(s.handleGenerateCodes))
	s.mux.Handle("/admin/receipts", s.adminOnly(s.handleAdminReceipts))
	s.mux.Handle("/admin/receipts/", s.adminOnly(s.handleAdminReceiptByID))
	s.mux.Handle("/admin/entitlements", s.adminOnly(s.handleGrantEntitlement))
	s.mux.Handle("/admin/audit", s.adminOnly(s.handleAdminAudit))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type userHandler func(http.ResponseWriter, *http.Request, domain.User)

type adminHandler func(http.ResponseWriter, *http.Request, app.Actor)

func (s *Server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.sessions.FromRequest(r)
		if err != nil {
			s.audit(r, "session.authorize", "fail", "reason", "no_session")
			writeError(w, http.StatusUnauthorized, app.CodeUnauthorized, "Authentication required")
			return
		}
		user, err := s.app.Authenticate(r.Context(), claims)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next adminHandler) http.Handler {
	return recoverInternal(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.guard.Check(r)
		if !res.Authorized {
			outcome := "fail"
			if res.RateLimited {
				outcome = "rate_limited"
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
			}
			s.audit(r, "admin.authorize", outcome, "status", res.Status, "email", res.AdminEmail)
			writeError(w, res.Status, adminErrorCode(res.Status), res.Error)
			return
		}
		s.audit(r, "admin.authorize", "success", "admin_id", res.AdminID)
		next(w, r, app.Actor{
			ID:        res.AdminID,
			Email:     res.AdminEmail,
			IP:        s.clientIP(r),
			UserAgent: r.UserAgent(),
		})
	}))
}

func adminErrorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return app.CodeUnauthorized
	case http.StatusForbidden:
		return app.CodeForbidden
	case http.StatusTooManyRequests:
		return app.CodeRateLimited
	}
	return app.CodeInternal
}

// recoverInternal turns a handler panic into a generic 500.
func recoverInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				util.LoggerFromContext(r.Context()).Error("admin handler panic", "panic", fmt.Sprint(rec), "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, app.CodeInternal, adminauth.MsgInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// session handlers
func (s *Server) handleSessionRefresh(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ents := s.app.ResolveEntitlements(r.Context(), user.ID)
	token, expires, err := s.sessions.Issue(session.Identity{UserID: user.ID, Email: user.Email, Name: user.Name}, ents)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	http.SetCookie(w, s.sessions.Cookie(token, expires, s.secureCookies))
	writeSuccess(w, http.StatusOK, "Session refreshed", sessionResponse{
		Token:        token,
		ExpiresAt:    expires,
		Entitlements: ents,
	})
}

func (s *Server) handleMyEntitlements(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeSuccess(w, http.StatusOK, "Entitlements resolved", s.app.ResolveEntitlements(r.Context(), user.ID))
}

// receipt handlers
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ip := s.clientIP(r)
	if !s.allowRate(w, r, s.uploadLimiter, user.ID+"|"+ip, "uploads") {
		s.audit(r, "receipt.upload", "rate_limited", "user_id", user.ID)
		s.observe(r, "receipt.upload", "rate_limited", ip)
		return
	}

	maxBytes := s.app.MaxReceiptBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.audit(r, "receipt.upload", "fail", "user_id", user.ID, "reason", "too_large")
			writeError(w, http.StatusRequestEntityTooLarge, app.CodeInvalidFile, fmt.Sprintf("File exceeds the %d MB limit", maxBytes>>20))
			return
		}
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "Expected a multipart/form-data body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	in := app.UploadInput{
		Retailer:     r.FormValue("retailer"),
		OrderNumber:  r.FormValue("orderNumber"),
		Format:       r.FormValue("format"),
		PurchaseDate: r.FormValue("purchaseDate"),
		IP:           ip,
		UserAgent:    r.UserAgent(),
	}
	file, _, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		in.File = file
	case errors.Is(err, http.ErrMissingFile):
	default:
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "Could not read the file part")
		return
	}

	res, err := s.app.UploadReceipt(r.Context(), user, in)
	if err != nil {
		ae := app.AsError(err)
		if ae.Code == app.CodeSecurityScanFailed {
			s.audit(r, "receipt.upload", "blocked", "user_id", user.ID)
			s.observe(r, "receipt.upload", "blocked", ip)
		} else {
			s.audit(r, "receipt.upload", "fail", "user_id", user.ID, "code", ae.Code)
		}
		s.writeAppError(w, r, ae)
		return
	}
	s.audit(r, "receipt.upload", "success", "user_id", user.ID, "receipt_id", res.ReceiptID)
	writeSuccess(w, http.StatusCreated, "Receipt uploaded successfully", res)
}

func (s *Server) handleCheckReceipt(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.apiLimiter, user.ID+"|"+s.clientIP(r), "requests") {
		return
	}
	var req checkReceiptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := s.app.CheckReceipt(r.Context(), user, req.ReceiptID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Receipt status retrieved", view)
}

func (s *Server) handleBonusClaims(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		claims, err := s.app.ListBonusClaims(r.Context(), user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, "Bonus claims retrieved", claims)
	case http.MethodPost:
		if !s.allowRate(w, r, s.apiLimiter, user.ID+"|"+s.clientIP(r), "requests") {
			return
		}
		var req app.ClaimInput
		if !decodeJSON(w, r, &req) {
			return
		}
		claim, err := s.app.CreateBonusClaim(r.Context(), user, req)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusCreated, "Bonus claim submitted", claim)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRedeemCode(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ip := s.clientIP(r)
	if !s.allowRate(w, r, s.apiLimiter, user.ID+"|"+ip, "requests") {
		return
	}
	var req redeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.app.RedeemCode(r.Context(), user, req.Code)
	if err != nil {
		ae := app.AsError(err)
		if ae.Status < http.StatusInternalServerError {
			s.audit(r, "code.redeem", "fail", "user_id", user.ID, "code", ae.Code)
			s.observe(r, "code.redeem", "fail", ip)
		}
		s.writeAppError(w, r, ae)
		return
	}
	s.audit(r, "code.redeem", "success", "user_id", user.ID, "entitlement_id", res.Entitlement.ID)
	writeSuccess(w, http.StatusCreated, "Code redeemed", res)
}

func (s *Server) contentHandler(kind app.ContentKind) userHandler {
	return func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		link, err := s.app.ContentLink(r.Context(), user, kind)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeSuccess(w, http.StatusOK, "Download link ready", link)
	}
}

// admin handlers
func (s *Server) handleGenerateCodes(w http.ResponseWriter, r *http.Request, actor app.Actor) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.GenerateInput
	if !decodeJSON(w, r, &req) {
		return
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format != "" && format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, app.CodeInvalidFormat, "format must be json or csv")
		return
	}
	codes, err := s.app.GenerateCodes(r.Context(), actor, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if format == "csv" {
		filename := fmt.Sprintf("vip-codes-%s.csv", time.Now().UTC().Format("20060102-150405"))
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.WriteHeader(http.StatusOK)
		if err := app.WriteCodesCSV(w, codes); err != nil {
			util.LoggerFromContext(r.Context()).Error("write codes csv", "err", err)
		}
		return
	}
	writeSuccess(w, http.StatusCreated, fmt.Sprintf("Generated %d codes", len(codes)), codes)
}

func (s *Server) handleAdminReceipts(w http.ResponseWriter, r *http.Request, _ app.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	receipts, err := s.app.ListReceipts(r.Context(), q.Get("status"), q.Get("userId"), queryInt(q.Get("limit")))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if receipts == nil {
		receipts = []domain.Receipt{}
	}
	writeSuccess(w, http.StatusOK, "Receipts retrieved", receipts)
}

// handleAdminReceiptByID serves /admin/receipts/{id}/verify.
func (s *Server) handleAdminReceiptByID(w http.ResponseWriter, r *http.Request, actor app.Actor) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/receipts/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "verify" {
		writeError(w, http.StatusNotFound, app.CodeNotFound, "Not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.ReviewInput
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.app.ReviewReceipt(r.Context(), actor, parts[0], req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Receipt "+strings.ToLower(string(res.Receipt.Status)), res)
}

func (s *Server) handleGrantEntitlement(w http.ResponseWriter, r *http.Request, actor app.Actor) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.GrantInput
	if !decodeJSON(w, r, &req) {
		return
	}
	ent, err := s.app.GrantEntitlement(r.Context(), actor, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Entitlement granted", ent)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request, _ app.Actor) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	entries, err := s.app.ListAudit(r.Context(), queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeSuccess(w, http.StatusOK, "Audit log retrieved", entries)
}

type sessionResponse struct {
	Token        string                `json:"token"`
	ExpiresAt    time.Time             `json:"expiresAt"`
	Entitlements domain.EntitlementSet `json:"entitlements"`
}

type checkReceiptRequest struct {
	ReceiptID string `json:"receiptId"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type errorResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, jsonBodyLimit)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, app.CodeInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, apiResponse{Success: true, Message: msg, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Message: msg, Error: code})
}

// writeAppError logs the cause server-side and returns only the safe message.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	ae := app.AsError(err)
	logger := util.LoggerFromContext(r.Context())
	if ae.Status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "code", ae.Code, "err", ae.Err)
	} else if ae.Err != nil {
		logger.Info("request rejected", "path", r.URL.Path, "code", ae.Code, "err", ae.Err)
	}
	writeError(w, ae.Status, ae.Code, ae.Message)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) observe(r *http.Request, event, outcome, ip string) {
	if _, err := s.alerter.Observe(r.Context(), event, outcome, ip); err != nil {
		util.LoggerFromContext(r.Context()).Warn("security alert counter failed", "event", event, "err", err)
	}
}

// allowRate checks limiter for identifier and writes the 429 when exceeded.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, identifier, noun string) bool {
	res := limiter.Check(r.Context(), identifier)
	if !res.Limited {
		return true
	}
	retry := res.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	msg := fmt.Sprintf("Too many %s. Try again in %d seconds.", noun, retry)
	if retry >= 120 {
		msg = fmt.Sprintf("Too many %s. Try again in %d minutes.", noun, res.RetryAfterMinutes())
	}
	writeJSON(w, http.StatusTooManyRequests, errorResponse{
		Message:    msg,
		Error:      app.CodeRateLimited,
		RetryAfter: retry,
	})
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trusted)
}
