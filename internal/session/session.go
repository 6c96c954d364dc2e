// Package session issues and verifies the HS256 session tokens that carry a
// reader's identity and, as a convenience for clients, their entitlement set.
// Authorization decisions always re-resolve entitlements from the store.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"charterbook/pkg/domain"
)

const (
	defaultIssuer     = "charterbook"
	defaultAudience   = "charterbook-api"
	defaultTTL        = 24 * time.Hour
	defaultLeeway     = 30 * time.Second
	defaultCookieName = "charterbook_session"
	minSecretBytes    = 32
)

// ErrNoSession means the request carried no usable session token.
var ErrNoSession = errors.New("no valid session")

type Options struct {
	Secret     string
	Issuer     string
	Audience   string
	TTL        time.Duration
	Leeway     time.Duration
	CookieName string
	Now        func() time.Time
}

// Identity is who a token speaks for.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Claims is the token payload. Subject holds the user id when known.
type Claims struct {
	Email        string                `json:"email"`
	Name         string                `json:"name,omitempty"`
	Entitlements domain.EntitlementSet `json:"entitlements"`
	jwt.RegisteredClaims
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.Subject, Email: c.Email, Name: c.Name}
}

type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	ttl        time.Duration
	leeway     time.Duration
	cookieName string
	now        func() time.Time
}

func NewManager(opts Options) (*Manager, error) {
	secret := strings.TrimSpace(opts.Secret)
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretBytes)
	}
	m := &Manager{
		secret:     []byte(secret),
		issuer:     firstNonEmpty(opts.Issuer, defaultIssuer),
		audience:   firstNonEmpty(opts.Audience, defaultAudience),
		ttl:        opts.TTL,
		leeway:     opts.Leeway,
		cookieName: firstNonEmpty(opts.CookieName, defaultCookieName),
		now:        opts.Now,
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}
	if m.leeway <= 0 {
		m.leeway = defaultLeeway
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Manager) CookieName() string { return m.cookieName }

func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue signs a token for id with the given entitlement snapshot.
func (m *Manager) Issue(id Identity, ents domain.EntitlementSet) (string, time.Time, error) {
	email := domain.NormalizeEmail(id.Email)
	if email == "" {
		return "", time.Time{}, errors.New("session email is required")
	}
	now := m.now().UTC()
	expires := now.Add(m.ttl)
	claims := Claims{
		Email:        email,
		Name:         strings.TrimSpace(id.Name),
		Entitlements: ents,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, expires, nil
}

// Verify parses and validates a token. Every failure wraps ErrNoSession.
func (m *Manager) Verify(token string) (Claims, error) {
	var claims Claims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrNoSession
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	claims.Email = domain.NormalizeEmail(claims.Email)
	if claims.Email == "" {
		return Claims{}, fmt.Errorf("%w: email claim missing", ErrNoSession)
	}
	return claims, nil
}

// FromRequest reads the bearer token, falling back to the session cookie.
func (m *Manager) FromRequest(r *http.Request) (Claims, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		if c, err := r.Cookie(m.cookieName); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return Claims{}, ErrNoSession
	}
	return m.Verify(token)
}

// Cookie wraps a token for Set-Cookie.
func (m *Manager) Cookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     m.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
