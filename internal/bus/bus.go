// Package bus provides the EventBus port and an in-process implementation.
//
// The contract is at-least-once, unordered delivery to every subscription on
// a topic. Each subscription carries its own redelivery policy (attempts,
// backoff, max event age) and an optional dead-letter topic that receives a
// DLQRecord once the policy is exhausted. Handlers may be invoked
// concurrently and must be idempotent.
//
// Cloud deployments replace InProcBus with a managed bus behind the same
// interface; the pipeline only depends on the port.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/formbridge/formbridge/internal/metrics"
	"github.com/formbridge/formbridge/pkg/models"
)

// Topics used by the core pipeline.
const (
	TopicSubmissionReceived = "submission.received"
	TopicSubmissionClosed   = "submission.closed"
	TopicPersistDLQ         = "persist.dlq"
	TopicDeliverDLQ         = "deliver.dlq"
)

// publishTimeout bounds how long Publish may block on a full subscription
// queue before failing loudly.
const publishTimeout = 2 * time.Second

// Receipt is the monotonic publish receipt.
type Receipt uint64

// HandlerError tags a handler failure with its error kind so DLQ records
// carry the right classification.
type HandlerError struct {
	ErrKind models.ErrorKind
	Err     error
}

func (e *HandlerError) Error() string {
	return string(e.ErrKind) + ": " + e.Err.Error()
}

func (e *HandlerError) Kind() models.ErrorKind { return e.ErrKind }

func (e *HandlerError) Unwrap() error { return e.Err }

// Handler processes one event. A non-nil error triggers redelivery per the
// subscription policy.
type Handler func(ctx context.Context, detail json.RawMessage) error

// Policy is the per-subscription redelivery policy.
type Policy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxEventAge time.Duration
	DLQTopic    string
	Concurrency int
}

// Bus is the EventBus port.
type Bus interface {
	// Publish durably enqueues detail on topic, returning a monotonic
	// receipt. It may block up to a short bounded time and fails loudly.
	Publish(ctx context.Context, topic string, detail interface{}) (Receipt, error)

	// Subscribe attaches handler to topic under the given policy. Must be
	// called before Start.
	Subscribe(topic, name string, handler Handler, policy Policy)

	// Ready reports whether the bus is accepting events.
	Ready(ctx context.Context) error
}

type envelope struct {
	seq         Receipt
	detail      json.RawMessage
	publishedAt time.Time
}

type subscription struct {
	topic   string
	name    string
	handler Handler
	policy  Policy
	queue   chan envelope
}

// InProcBus is the in-process Bus: one buffered queue and worker pool per
// subscription.
type InProcBus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	seq     atomic.Uint64
	started bool
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewInProcBus creates a stopped in-process bus. Register subscriptions,
// then call Start.
func NewInProcBus() *InProcBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcBus{
		subs:    make(map[string][]*subscription),
		baseCtx: ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (b *InProcBus) Subscribe(topic, name string, handler Handler, policy Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic("bus: Subscribe after Start")
	}
	if policy.Concurrency <= 0 {
		policy.Concurrency = 1
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	sub := &subscription{
		topic:   topic,
		name:    name,
		handler: handler,
		policy:  policy,
		queue:   make(chan envelope, 256),
	}
	b.subs[topic] = append(b.subs[topic], sub)
}

// Start launches the worker pools. Subscribe calls are rejected afterwards.
func (b *InProcBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			for i := 0; i < sub.policy.Concurrency; i++ {
				b.wg.Add(1)
				go b.worker(sub)
			}
		}
	}
}

func (b *InProcBus) Publish(ctx context.Context, topic string, detail interface{}) (Receipt, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return 0, fmt.Errorf("marshal event detail: %w", err)
	}

	b.mu.RLock()
	closed := b.closed
	subs := b.subs[topic]
	b.mu.RUnlock()
	if closed {
		return 0, fmt.Errorf("bus closed")
	}

	seq := Receipt(b.seq.Add(1))
	env := envelope{seq: seq, detail: raw, publishedAt: time.Now().UTC()}

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	for _, sub := range subs {
		select {
		case sub.queue <- env:
		case <-b.done:
			return 0, fmt.Errorf("bus closed")
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			return 0, fmt.Errorf("publish to %s/%s timed out", topic, sub.name)
		}
	}
	metrics.BusPublishedTotal.WithLabelValues(topic).Inc()
	return seq, nil
}

func (b *InProcBus) Ready(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || !b.started {
		return fmt.Errorf("bus not running")
	}
	return nil
}

// Close stops accepting events, cancels in-flight handlers, and waits for
// the workers to exit. Queued-but-unprocessed events are dropped; a durable
// bus implementation would redeliver them on restart.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(publishTimeout):
		b.cancel()
		<-waited
	}
	b.cancel()
	return nil
}

func (b *InProcBus) worker(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case env := <-sub.queue:
			b.dispatch(sub, env)
		case <-b.done:
			return
		}
	}
}

// dispatch runs the handler under the subscription's redelivery policy and
// routes exhausted events to the DLQ topic.
func (b *InProcBus) dispatch(sub *subscription, env envelope) {
	ctx := b.baseCtx
	if sub.policy.MaxEventAge > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, env.publishedAt.Add(sub.policy.MaxEventAge))
		defer cancel()
	}

	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return sub.handler(ctx, env.detail)
		},
		retry.Context(ctx),
		retry.Attempts(sub.policy.MaxAttempts),
		retry.Delay(sub.policy.BaseDelay),
		retry.MaxDelay(sub.policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			metrics.BusHandlerFailuresTotal.WithLabelValues(sub.name).Inc()
			log.Warn().
				Err(err).
				Str("topic", sub.topic).
				Str("subscription", sub.name).
				Uint("attempt", n+1).
				Msg("Event handler failed, will redeliver")
		}),
	)
	if err == nil {
		return
	}

	metrics.BusHandlerFailuresTotal.WithLabelValues(sub.name).Inc()
	log.Error().
		Err(err).
		Str("topic", sub.topic).
		Str("subscription", sub.name).
		Int("attempts", attempts).
		Msg("Event handler exhausted redelivery policy")

	if sub.policy.DLQTopic == "" {
		return
	}
	record := models.DLQRecord{
		OriginalEvent: env.detail,
		LastErrorKind: models.ErrStoreUnavailable,
		AttemptCount:  attempts,
	}
	var herr *HandlerError
	if errors.As(err, &herr) {
		record.LastErrorKind = herr.Kind()
	}
	metrics.DLQEventsTotal.WithLabelValues(sub.policy.DLQTopic).Inc()
	if _, derr := b.Publish(context.Background(), sub.policy.DLQTopic, record); derr != nil {
		log.Error().Err(derr).Str("topic", sub.policy.DLQTopic).Msg("DLQ publish failed")
	}
}
