package secrets

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestStaticStoreLookupAndRotation(t *testing.T) {
	ctx := context.Background()
	s := NewStaticStore()
	s.SetTenantSecret("t_a", []byte("first"))
	s.SetCredential("crm-key", []byte("abc123"))

	got, err := s.GetTenantSecret(ctx, "t_a")
	if err != nil || !bytes.Equal(got, []byte("first")) {
		t.Fatalf("GetTenantSecret = %q, %v", got, err)
	}
	if _, err := s.GetTenantSecret(ctx, "t_missing"); !IsNotFound(err) {
		t.Fatalf("missing tenant: got %v, want NotFound", err)
	}
	if _, err := s.GetCredential(ctx, "other-ref"); !IsNotFound(err) {
		t.Fatalf("missing credential: got %v, want NotFound", err)
	}

	// Rotation replaces the value under the same reference.
	s.SetTenantSecret("t_a", []byte("second"))
	got, err = s.GetTenantSecret(ctx, "t_a")
	if err != nil || !bytes.Equal(got, []byte("second")) {
		t.Fatalf("after rotation = %q, %v", got, err)
	}
}

func TestCachedStoreServesFromCacheUntilTTL(t *testing.T) {
	ctx := context.Background()
	inner := NewStaticStore()
	inner.SetTenantSecret("t_a", []byte("v1"))

	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	c := NewCachedStore(inner, 5*time.Minute)
	c.now = func() time.Time { return clock }

	if got, err := c.GetTenantSecret(ctx, "t_a"); err != nil || string(got) != "v1" {
		t.Fatalf("initial read = %q, %v", got, err)
	}

	// Rotated upstream, but within TTL the cached value wins.
	inner.SetTenantSecret("t_a", []byte("v2"))
	if got, _ := c.GetTenantSecret(ctx, "t_a"); string(got) != "v1" {
		t.Errorf("within TTL = %q, want cached v1", got)
	}

	clock = clock.Add(5*time.Minute + time.Second)
	if got, _ := c.GetTenantSecret(ctx, "t_a"); string(got) != "v2" {
		t.Errorf("after TTL = %q, want rotated v2", got)
	}
}

func TestCachedStoreDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	inner := NewStaticStore()
	c := NewCachedStore(inner, time.Hour)

	if _, err := c.GetCredential(ctx, "crm-key"); !IsNotFound(err) {
		t.Fatalf("miss: got %v, want NotFound", err)
	}

	// A credential created after the miss is visible immediately.
	inner.SetCredential("crm-key", []byte("late"))
	if got, err := c.GetCredential(ctx, "crm-key"); err != nil || string(got) != "late" {
		t.Fatalf("after late creation = %q, %v", got, err)
	}
}
