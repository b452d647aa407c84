package persist

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/formbridge/formbridge/internal/bus"
	"github.com/formbridge/formbridge/internal/store"
	"github.com/formbridge/formbridge/pkg/models"
)

func eventDetail(t *testing.T, submissionID string) json.RawMessage {
	t.Helper()
	detail, err := json.Marshal(&models.CanonicalEvent{
		TenantID:      "t_a",
		FormID:        "contact",
		SchemaVersion: "1.0",
		SubmissionID:  submissionID,
		SubmittedAt:   time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		IngestedAt:    time.Date(2026, 8, 24, 10, 0, 1, 0, time.UTC),
		Payload:       json.RawMessage(`{"email":"x@y"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	return detail
}

func TestPersistWritesCanonicalRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := New(st)

	if err := p.HandleEvent(ctx, eventDetail(t, "sub-1")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sub, err := st.GetSubmission(ctx, "t_a", "sub-1")
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if sub.Status != models.SubmissionPersisted {
		t.Errorf("status = %s, want persisted", sub.Status)
	}
	// Default retention is 30 days from ingestion.
	want := sub.IngestedAt.Add(30 * 24 * time.Hour)
	if !sub.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", sub.ExpiresAt, want)
	}
}

func TestPersistAbsorbsDuplicates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := New(st)

	detail := eventDetail(t, "sub-dup")
	if err := p.HandleEvent(ctx, detail); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Redelivery of the same event must be a silent no-op, not an error.
	if err := p.HandleEvent(ctx, detail); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
}

func TestPersistUsesTenantRetention(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.PutTenant(ctx, &models.Tenant{TenantID: "t_a", Tier: models.TierPro, RetentionDays: 7}); err != nil {
		t.Fatal(err)
	}
	p := New(st)

	if err := p.HandleEvent(ctx, eventDetail(t, "sub-ttl")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	sub, err := st.GetSubmission(ctx, "t_a", "sub-ttl")
	if err != nil {
		t.Fatal(err)
	}
	want := sub.IngestedAt.Add(7 * 24 * time.Hour)
	if !sub.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", sub.ExpiresAt, want)
	}
}

func TestPersistMalformedEventIsDropped(t *testing.T) {
	p := New(store.NewMemoryStore())
	if err := p.HandleEvent(context.Background(), json.RawMessage(`{broken`)); err != nil {
		t.Fatalf("malformed event must not be redelivered: %v", err)
	}
}

// failingStore simulates a write outage while keeping reads working.
type failingStore struct {
	store.Store
}

func (f *failingStore) PutSubmissionIfAbsent(ctx context.Context, sub *models.Submission) error {
	return errors.New("write unavailable")
}

func TestPersistStoreFailureSurfacesForRedelivery(t *testing.T) {
	p := New(&failingStore{Store: store.NewMemoryStore()})

	err := p.HandleEvent(context.Background(), eventDetail(t, "sub-down"))
	if err == nil {
		t.Fatal("expected an error when the store is unavailable")
	}
	herr, ok := err.(*bus.HandlerError)
	if !ok || herr.ErrKind != models.ErrStoreUnavailable {
		t.Fatalf("error = %v, want HandlerError store.unavailable", err)
	}
}
