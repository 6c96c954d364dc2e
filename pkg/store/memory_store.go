package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"charterbook/pkg/domain"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in-process. It honours the same uniqueness
// and atomic-redemption guarantees as GormStore and backs local development
// and tests.
type MemoryStore struct {
	mu sync.RWMutex

	users      map[string]domain.User // key: user ID
	emails     map[string]string      // normalized email -> user ID
	receipts   map[string]domain.Receipt
	hashes     map[string]string // content hash -> receipt ID
	claims     map[string]domain.BonusClaim
	claimByRcp map[string]string // receipt ID -> claim ID
	ents       []domain.Entitlement
	codes      map[string]domain.Code
	codeValues map[string]string // value -> code ID
	audit      []domain.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]domain.User),
		emails:     make(map[string]string),
		receipts:   make(map[string]domain.Receipt),
		hashes:     make(map[string]string),
		claims:     make(map[string]domain.BonusClaim),
		claimByRcp: make(map[string]string),
		codes:      make(map[string]domain.Code),
		codeValues: make(map[string]string),
	}
}

func (m *MemoryStore) EnsureUser(_ context.Context, email, name string) (domain.User, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return domain.User{}, errors.New("email is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.emails[email]; ok {
		return m.users[id], nil
	}
	u := domain.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}
	m.users[u.ID] = u
	m.emails[email] = u.ID
	return u, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[domain.NormalizeEmail(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

func (m *MemoryStore) CreateReceipt(_ context.Context, r domain.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.hashes[r.ContentHash]; exists {
		return ErrDuplicateContentHash
	}
	if _, exists := m.receipts[r.ID]; exists {
		return errors.New("receipt id already exists")
	}
	m.receipts[r.ID] = r
	m.hashes[r.ContentHash] = r.ID
	return nil
}

func (m *MemoryStore) GetReceipt(_ context.Context, id string) (domain.Receipt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	return r, ok, nil
}

func (m *MemoryStore) GetReceiptByHash(_ context.Context, contentHash string) (domain.Receipt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.hashes[contentHash]
	if !ok {
		return domain.Receipt{}, false, nil
	}
	return m.receipts[id], true, nil
}

func (m *MemoryStore) ListReceipts(_ context.Context, filter ReceiptFilter) ([]domain.Receipt, error) {
	m.mu.RLock()
	res := make([]domain.Receipt, 0)
	for _, r := range m.receipts {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		res = append(res, r)
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit := clampLimit(filter.Limit); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) TransitionReceipt(_ context.Context, id string, from, to domain.ReceiptStatus, v domain.Verification) (domain.Receipt, error) {
	if !from.CanTransitionTo(to) {
		return domain.Receipt{}, ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return domain.Receipt{}, ErrNotFound
	}
	if r.Status != from {
		return r, ErrInvalidTransition
	}
	at := time.Now().UTC()
	if v.VerifiedAt != nil {
		at = v.VerifiedAt.UTC()
	}
	v.VerifiedAt = &at
	r.Status = to
	r.Verification = v
	r.UpdatedAt = at
	m.receipts[id] = r
	return r, nil
}

func (m *MemoryStore) CountReceipts(_ context.Context, userID string, status domain.ReceiptStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, r := range m.receipts {
		if r.UserID == userID && r.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateBonusClaim(_ context.Context, c domain.BonusClaim) error {
	if c.ReceiptID == "" {
		return ErrClaimReceiptRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.claimByRcp[c.ReceiptID]; exists {
		return ErrClaimExists
	}
	m.claimByRcp[c.ReceiptID] = c.ID
	m.claims[c.ID] = c
	return nil
}

func (m *MemoryStore) GetBonusClaim(_ context.Context, id string) (domain.BonusClaim, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	return c, ok, nil
}

func (m *MemoryStore) ListBonusClaims(_ context.Context, userID string) ([]domain.BonusClaim, error) {
	return m.filterClaims(func(c domain.BonusClaim) bool { return c.UserID == userID }, func(a, b domain.BonusClaim) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}, 0), nil
}

func (m *MemoryStore) ListBonusClaimsByStatus(_ context.Context, status domain.BonusClaimStatus, updatedBefore time.Time, limit int) ([]domain.BonusClaim, error) {
	return m.filterClaims(func(c domain.BonusClaim) bool {
		return c.Status == status && c.UpdatedAt.Before(updatedBefore)
	}, func(a, b domain.BonusClaim) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}, clampLimit(limit)), nil
}

func (m *MemoryStore) filterClaims(keep func(domain.BonusClaim) bool, less func(a, b domain.BonusClaim) bool, limit int) []domain.BonusClaim {
	m.mu.RLock()
	res := make([]domain.BonusClaim, 0)
	for _, c := range m.claims {
		if keep(c) {
			res = append(res, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return less(res[i], res[j]) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

func (m *MemoryStore) UpdateClaimsForReceipt(_ context.Context, receiptID string, from, to domain.BonusClaimStatus, processedBy string, at time.Time) ([]domain.BonusClaim, error) {
	if !from.CanTransitionTo(to) {
		return nil, ErrInvalidTransition
	}
	at = at.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated []domain.BonusClaim
	for id, c := range m.claims {
		if c.ReceiptID != receiptID || c.Status != from {
			continue
		}
		c.Status = to
		c.ProcessedBy = processedBy
		c.ProcessedAt = &at
		c.UpdatedAt = at
		m.claims[id] = c
		updated = append(updated, c)
	}
	return updated, nil
}

func (m *MemoryStore) MarkClaimDelivered(_ context.Context, id, trackingID string, at time.Time) (domain.BonusClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return domain.BonusClaim{}, ErrNotFound
	}
	if c.Status != domain.ClaimApproved {
		return c, ErrInvalidTransition
	}
	c.Status = domain.ClaimDelivered
	c.TrackingID = trackingID
	c.UpdatedAt = at.UTC()
	m.claims[id] = c
	return c, nil
}

func (m *MemoryStore) CountBonusClaims(_ context.Context, userID string, status domain.BonusClaimStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, c := range m.claims {
		if c.UserID == userID && c.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateEntitlement(_ context.Context, e domain.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.SourceCodeID != "" && m.hasCodeEntitlementLocked(e.UserID, e.SourceCodeID) {
		return ErrCodeAlreadyRedeemed
	}
	m.ents = append(m.ents, e)
	return nil
}

func (m *MemoryStore) hasCodeEntitlementLocked(userID, codeID string) bool {
	for _, e := range m.ents {
		if e.UserID == userID && e.SourceCodeID == codeID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CountEntitlements(_ context.Context, userID string, typ domain.EntitlementType, statuses ...domain.EntitlementStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, e := range m.ents {
		if e.UserID != userID || e.Type != typ {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, e.Status) {
			continue
		}
		n++
	}
	return n, nil
}

func containsStatus(statuses []domain.EntitlementStatus, s domain.EntitlementStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListEntitlements(_ context.Context, userID string) ([]domain.Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Entitlement, 0)
	for _, e := range m.ents {
		if e.UserID == userID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (m *MemoryStore) CreateCodes(_ context.Context, codes []domain.Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if _, exists := m.codeValues[c.Value]; exists {
			return ErrDuplicateCode
		}
		if _, dup := seen[c.Value]; dup {
			return ErrDuplicateCode
		}
		seen[c.Value] = struct{}{}
	}
	for _, c := range codes {
		m.codes[c.ID] = c
		m.codeValues[c.Value] = c.ID
	}
	return nil
}

// RedeemCode validates and mutates under the write lock, so the check and the
// increment are one atomic step.
func (m *MemoryStore) RedeemCode(_ context.Context, value, userID string, now time.Time) (domain.Code, domain.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.codeValues[value]
	if !ok {
		return domain.Code{}, domain.Entitlement{}, ErrCodeNotFound
	}
	code := m.codes[id]
	if err := checkRedeemable(code, now); err != nil {
		return domain.Code{}, domain.Entitlement{}, err
	}
	if m.hasCodeEntitlementLocked(userID, code.ID) {
		return domain.Code{}, domain.Entitlement{}, ErrCodeAlreadyRedeemed
	}
	code.RedemptionCount++
	if code.RedemptionCount >= code.MaxRedemptions {
		code.Status = domain.CodeExhausted
	}
	m.codes[id] = code
	ent := domain.Entitlement{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         code.Type,
		Status:       domain.EntitlementActive,
		SourceCodeID: code.ID,
		CreatedAt:    now.UTC(),
	}
	m.ents = append(m.ents, ent)
	return code, ent, nil
}

// Code returns a code by value; used by tests and local tooling.
func (m *MemoryStore) Code(value string) (domain.Code, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codeValues[value]
	if !ok {
		return domain.Code{}, false
	}
	return m.codes[id], true
}

func (m *MemoryStore) SaveAuditEntry(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	res := append([]domain.AuditEntry(nil), m.audit...)
	m.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.After(res[j].Timestamp) })
	if limit = clampLimit(limit); len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}
