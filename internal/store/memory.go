package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/formbridge/formbridge/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store. It is the zero-config
// implementation used by tests and local development. All methods return
// copies so callers can't mutate stored state.
type MemoryStore struct {
	mu           sync.RWMutex
	tenants      map[string]models.Tenant
	destinations map[string]map[string]models.Destination // tenant -> dest id
	submissions  map[string]map[string]models.Submission  // tenant -> submission id
	timeIndex    map[string]map[string]string             // tenant -> GSI1SK -> submission id
	attempts     map[string]map[string]models.DeliveryAttempt // SUB#{s} -> SK
	rate         map[string]map[int64]int                 // scope -> minute -> count
	closed       bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:      make(map[string]models.Tenant),
		destinations: make(map[string]map[string]models.Destination),
		submissions:  make(map[string]map[string]models.Submission),
		timeIndex:    make(map[string]map[string]string),
		attempts:     make(map[string]map[string]models.DeliveryAttempt),
		rate:         make(map[string]map[int64]int),
	}
}

// ── Tenants & destinations ──────────────────────────────────

func (m *MemoryStore) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: tenantID}
	}
	cp := t
	return &cp, nil
}

func (m *MemoryStore) PutTenant(ctx context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenant.TenantID] = *tenant
	return nil
}

func (m *MemoryStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *MemoryStore) ListDestinations(ctx context.Context, tenantID string) ([]models.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Destination
	for _, d := range m.destinations[tenantID] {
		if d.Enabled {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out, nil
}

func (m *MemoryStore) GetDestination(ctx context.Context, tenantID, destinationID string) (*models.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.destinations[tenantID][destinationID]
	if !ok {
		return nil, &ErrNotFound{Entity: "destination", Key: tenantID + "/" + destinationID}
	}
	cp := d
	return &cp, nil
}

func (m *MemoryStore) PutDestination(ctx context.Context, dest *models.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destinations[dest.TenantID] == nil {
		m.destinations[dest.TenantID] = make(map[string]models.Destination)
	}
	m.destinations[dest.TenantID][dest.DestinationID] = *dest
	return nil
}

// ── Submissions ─────────────────────────────────────────────

func (m *MemoryStore) PutSubmissionIfAbsent(ctx context.Context, sub *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.submissions[sub.TenantID][sub.SubmissionID]; ok {
		return &ErrAlreadyExists{Entity: "submission", Key: sub.SubmissionID}
	}
	if m.submissions[sub.TenantID] == nil {
		m.submissions[sub.TenantID] = make(map[string]models.Submission)
	}
	if m.timeIndex[sub.TenantID] == nil {
		m.timeIndex[sub.TenantID] = make(map[string]string)
	}
	m.submissions[sub.TenantID][sub.SubmissionID] = *sub
	m.timeIndex[sub.TenantID][TimeIndexKey(sub.SubmittedAt, sub.SubmissionID)] = sub.SubmissionID
	return nil
}

func (m *MemoryStore) GetSubmission(ctx context.Context, tenantID, submissionID string) (*models.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[tenantID][submissionID]
	if !ok {
		return nil, &ErrNotFound{Entity: "submission", Key: submissionID}
	}
	cp := s
	return &cp, nil
}

func (m *MemoryStore) ListSubmissionsByTime(ctx context.Context, tenantID string, since, until time.Time, cursor string, limit int) ([]models.Submission, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lower := "TS#"
	if !since.IsZero() {
		lower = "TS#" + since.UTC().Format(tsKeyFormat)
	}
	upper := "TS#\xff"
	if !until.IsZero() {
		upper = "TS#" + until.UTC().Format(tsKeyFormat) + "#\xff"
	}
	if cursor != "" && cursor < upper {
		upper = cursor // continue strictly below the last returned key
	}

	keys := make([]string, 0, len(m.timeIndex[tenantID]))
	for k := range m.timeIndex[tenantID] {
		if k >= lower && k < upper {
			keys = append(keys, k)
		}
	}
	// Newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	var out []models.Submission
	next := ""
	for _, k := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		id := m.timeIndex[tenantID][k]
		if s, ok := m.submissions[tenantID][id]; ok {
			out = append(out, s)
			next = k
		}
	}
	if limit <= 0 || len(out) < limit || len(out) == len(keys) {
		next = ""
	}
	return out, next, nil
}

func (m *MemoryStore) PurgeExpiredSubmissions(ctx context.Context, tenantID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, sub := range m.submissions[tenantID] {
		if sub.ExpiresAt.IsZero() || sub.ExpiresAt.After(now) {
			continue
		}
		delete(m.submissions[tenantID], id)
		delete(m.timeIndex[tenantID], TimeIndexKey(sub.SubmittedAt, id))
		delete(m.attempts, subSK(id))
		purged++
	}
	return purged, nil
}

// ── Delivery attempts ───────────────────────────────────────

func (m *MemoryStore) AppendDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := subSK(attempt.SubmissionID)
	sk := attemptSK(attempt.DestinationID, attempt.AttemptNumber)
	if _, ok := m.attempts[pk][sk]; ok {
		return &ErrAlreadyExists{Entity: "delivery attempt", Key: pk + "/" + sk}
	}
	if m.attempts[pk] == nil {
		m.attempts[pk] = make(map[string]models.DeliveryAttempt)
	}
	m.attempts[pk][sk] = *attempt
	return nil
}

func (m *MemoryStore) LastAttemptNumber(ctx context.Context, submissionID, destinationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for _, a := range m.attempts[subSK(submissionID)] {
		if a.DestinationID == destinationID && a.AttemptNumber > max {
			max = a.AttemptNumber
		}
	}
	return max, nil
}

func (m *MemoryStore) ListDeliveryAttempts(ctx context.Context, submissionID, destinationID string) ([]models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeliveryAttempt
	for _, a := range m.attempts[subSK(submissionID)] {
		if a.DestinationID == destinationID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

// ── Rate buckets ────────────────────────────────────────────

func (m *MemoryStore) IncrementRateBucket(ctx context.Context, scope string, minute int64, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buckets := m.rate[scope]
	if buckets == nil {
		buckets = make(map[int64]int)
		m.rate[scope] = buckets
	}
	// Expired buckets (older than 2 minutes) are pruned on access.
	for min := range buckets {
		if min < minute-2 {
			delete(buckets, min)
		}
	}
	if buckets[minute]+1 > limit {
		return false, nil
	}
	buckets[minute]++
	return true, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return &ErrNotFound{Entity: "store", Key: "closed"}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
