package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/formbridge/formbridge/pkg/models"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublishDeliversToAllSubscriptions(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	var first, second atomic.Int32
	b.Subscribe("submission.received", "a", func(ctx context.Context, detail json.RawMessage) error {
		first.Add(1)
		return nil
	}, Policy{MaxAttempts: 1, Concurrency: 2})
	b.Subscribe("submission.received", "b", func(ctx context.Context, detail json.RawMessage) error {
		second.Add(1)
		return nil
	}, Policy{MaxAttempts: 1, Concurrency: 2})
	b.Start()

	r1, err := b.Publish(context.Background(), "submission.received", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	r2, err := b.Publish(context.Background(), "submission.received", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if r2 <= r1 {
		t.Errorf("receipts not monotonic: %d then %d", r1, r2)
	}

	waitFor(t, 2*time.Second, func() bool {
		return first.Load() == 2 && second.Load() == 2
	})
}

func TestRedeliveryUntilSuccess(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	var calls atomic.Int32
	b.Subscribe("t", "flaky", func(ctx context.Context, detail json.RawMessage) error {
		if calls.Add(1) < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	}, Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Concurrency: 1})
	b.Start()

	if _, err := b.Publish(context.Background(), "t", "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 3 })
}

func TestExhaustedHandlerRoutesToDLQ(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	var mu sync.Mutex
	var dlq []models.DLQRecord
	b.Subscribe("t", "broken", func(ctx context.Context, detail json.RawMessage) error {
		return &HandlerError{ErrKind: models.ErrStoreUnavailable, Err: fmt.Errorf("down")}
	}, Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, DLQTopic: "t.dlq", Concurrency: 1})
	b.Subscribe("t.dlq", "sink", func(ctx context.Context, detail json.RawMessage) error {
		var rec models.DLQRecord
		if err := json.Unmarshal(detail, &rec); err != nil {
			return err
		}
		mu.Lock()
		dlq = append(dlq, rec)
		mu.Unlock()
		return nil
	}, Policy{MaxAttempts: 1, Concurrency: 1})
	b.Start()

	if _, err := b.Publish(context.Background(), "t", map[string]string{"id": "e1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dlq) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if dlq[0].LastErrorKind != models.ErrStoreUnavailable {
		t.Errorf("LastErrorKind = %s, want store.unavailable", dlq[0].LastErrorKind)
	}
	if dlq[0].AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", dlq[0].AttemptCount)
	}
	var original map[string]string
	if err := json.Unmarshal(dlq[0].OriginalEvent, &original); err != nil || original["id"] != "e1" {
		t.Errorf("original event not preserved: %s", dlq[0].OriginalEvent)
	}
}

func TestReadyAndClose(t *testing.T) {
	b := NewInProcBus()
	if err := b.Ready(context.Background()); err == nil {
		t.Error("unstarted bus should not be ready")
	}
	b.Start()
	if err := b.Ready(context.Background()); err != nil {
		t.Errorf("started bus not ready: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Ready(context.Background()); err == nil {
		t.Error("closed bus should not be ready")
	}
	if _, err := b.Publish(context.Background(), "t", "x"); err == nil {
		t.Error("publish after close should fail")
	}
}
