package auth

import (
	"context"
	"testing"

	"github.com/formbridge/formbridge/internal/api/middleware"
	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/pkg/models"
)

func TestStaticVerifier(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.PutTenant(ctx, &models.Tenant{TenantID: "t_a", Tier: models.TierStarter}); err != nil {
		t.Fatal(err)
	}

	v := NewStaticVerifier(st)
	v.AddToken("tok-alpha", "t_a")
	v.AddToken("tok-ghost", "t_ghost")

	tc, err := v.Verify(ctx, "tok-alpha")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if tc.TenantID != "t_a" || tc.Tier != models.TierStarter {
		t.Errorf("context = %+v, want t_a/starter", tc)
	}

	// A token for a tenant with no stored config still verifies, at defaults.
	tc, err = v.Verify(ctx, "tok-ghost")
	if err != nil {
		t.Fatalf("Verify ghost tenant: %v", err)
	}
	if tc.Tier != models.TierFree {
		t.Errorf("ghost tier = %s, want free default", tc.Tier)
	}

	if _, err := v.Verify(ctx, "tok-unknown"); err == nil {
		t.Error("unknown token accepted")
	}
	if _, err := v.Verify(ctx, ""); err == nil {
		t.Error("empty token accepted")
	}
}

func TestChainFallsThrough(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	first := NewStaticVerifier(st)
	second := NewStaticVerifier(st)
	second.AddToken("tok-b", "t_b")

	c := NewChain(first, second)
	tc, err := c.Verify(ctx, "tok-b")
	if err != nil || tc.TenantID != "t_b" {
		t.Fatalf("chain Verify = %+v, %v", tc, err)
	}
	if _, err := c.Verify(ctx, "nope"); err == nil {
		t.Error("chain accepted a token no verifier knows")
	}
}

var _ middleware.SessionVerifier = (*Chain)(nil)
var _ middleware.SessionVerifier = (*StaticVerifier)(nil)
