// Package secrets provides the SecretStore port. Secrets are opaque byte
// strings resolved by reference; rotation happens by the collaborator writing
// a new value under the same reference. Form-Bridge never creates secrets.
package secrets

import (
	"context"
	"sync"
	"time"
)

// Store is the SecretStore port.
type Store interface {
	// GetTenantSecret returns the shared HMAC secret for a tenant.
	GetTenantSecret(ctx context.Context, tenantID string) ([]byte, error)

	// GetCredential resolves a destination credential by secret_ref.
	GetCredential(ctx context.Context, secretRef string) ([]byte, error)
}

// ErrNotFound is returned when a secret reference cannot be resolved.
type ErrNotFound struct {
	Ref string
}

func (e *ErrNotFound) Error() string {
	return "secret not found: " + e.Ref
}

// IsNotFound reports whether err is a secrets ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// ── Static store ────────────────────────────────────────────

// StaticStore is an in-memory Store seeded at boot. It is the zero-config
// implementation; cloud secret managers plug in behind the same interface.
type StaticStore struct {
	mu            sync.RWMutex
	tenantSecrets map[string][]byte
	credentials   map[string][]byte
}

// NewStaticStore creates an empty static secret store.
func NewStaticStore() *StaticStore {
	return &StaticStore{
		tenantSecrets: make(map[string][]byte),
		credentials:   make(map[string][]byte),
	}
}

// SetTenantSecret writes (or rotates) a tenant's shared HMAC secret.
func (s *StaticStore) SetTenantSecret(tenantID string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantSecrets[tenantID] = append([]byte(nil), secret...)
}

// SetCredential writes (or rotates) a credential under a secret_ref.
func (s *StaticStore) SetCredential(secretRef string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[secretRef] = append([]byte(nil), value...)
}

func (s *StaticStore) GetTenantSecret(ctx context.Context, tenantID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tenantSecrets[tenantID]
	if !ok {
		return nil, &ErrNotFound{Ref: "tenant/" + tenantID}
	}
	return append([]byte(nil), v...), nil
}

func (s *StaticStore) GetCredential(ctx context.Context, secretRef string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.credentials[secretRef]
	if !ok {
		return nil, &ErrNotFound{Ref: secretRef}
	}
	return append([]byte(nil), v...), nil
}

// ── TTL cache ───────────────────────────────────────────────

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// CachedStore wraps a Store with a mutex-protected TTL cache. Negative
// results are not cached so rotation and late tenant creation take effect
// within one TTL.
type CachedStore struct {
	inner Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachedStore wraps inner with the given cache TTL.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedStore) GetTenantSecret(ctx context.Context, tenantID string) ([]byte, error) {
	return c.get(ctx, "tenant\x00"+tenantID, func() ([]byte, error) {
		return c.inner.GetTenantSecret(ctx, tenantID)
	})
}

func (c *CachedStore) GetCredential(ctx context.Context, secretRef string) ([]byte, error) {
	return c.get(ctx, "cred\x00"+secretRef, func() ([]byte, error) {
		return c.inner.GetCredential(ctx, secretRef)
	})
}

func (c *CachedStore) get(ctx context.Context, key string, load func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		v := append([]byte(nil), e.value...)
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := load()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: append([]byte(nil), v...), expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}
