// Package auth implements SessionVerifier backends for the dashboard read
// path. The OSS build ships a static token verifier; enterprise deployments
// plug OIDC/SAML verifiers into the same chain.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/formbridge/formbridge/internal/api/middleware"
	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/pkg/models"
)

// Chain walks a list of verifiers and returns the first identity found.
type Chain struct {
	verifiers []middleware.SessionVerifier
}

// NewChain creates a verifier chain.
func NewChain(verifiers ...middleware.SessionVerifier) *Chain {
	return &Chain{verifiers: verifiers}
}

// Append adds a verifier to the end of the chain.
func (c *Chain) Append(v middleware.SessionVerifier) {
	c.verifiers = append(c.verifiers, v)
}

func (c *Chain) Verify(ctx context.Context, token string) (*middleware.TenantContext, error) {
	for _, v := range c.verifiers {
		tc, err := v.Verify(ctx, token)
		if err == nil && tc != nil {
			return tc, nil
		}
	}
	return nil, fmt.Errorf("no verifier accepted the token")
}

// StaticVerifier maps pre-shared tokens to tenants. Tokens are compared in
// constant time. The tenant's tier and CORS policy are loaded from the store
// at verification time so config changes apply without re-issuing tokens.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> tenant id
	store  store.Store
}

// NewStaticVerifier creates an empty static token verifier.
func NewStaticVerifier(st store.Store) *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]string), store: st}
}

// AddToken registers (or rotates) a session token for a tenant.
func (s *StaticVerifier) AddToken(token, tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = tenantID
}

func (s *StaticVerifier) Verify(ctx context.Context, token string) (*middleware.TenantContext, error) {
	s.mu.RLock()
	tenantID := ""
	for candidate, tenant := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			tenantID = tenant
		}
	}
	s.mu.RUnlock()
	if tenantID == "" {
		return nil, fmt.Errorf("unknown session token")
	}

	tc := &middleware.TenantContext{TenantID: tenantID, Tier: models.TierFree}
	if tenant, err := s.store.GetTenant(ctx, tenantID); err == nil {
		tc.Tier = tenant.Tier
		tc.CORS = tenant.CORS
	}
	return tc, nil
}
