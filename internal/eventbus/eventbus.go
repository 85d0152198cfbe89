// Package eventbus is an in-process publish/subscribe bus with
// idempotent delivery.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sisrua/geoprep/internal/observability"
)

// DefaultDedupTTL bounds how long an idempotency key suppresses repeats
const DefaultDedupTTL = 60 * time.Second

// Event is one published message
type Event struct {
	Topic          string         `json:"event"`
	Payload        map[string]any `json:"data"`
	IdempotencyKey string         `json:"-"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Handler reacts to an event. Returned errors are logged, never propagated.
type Handler func(ctx context.Context, evt Event) error

// DedupStore atomically claims an idempotency key for a TTL
type DedupStore interface {
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Config holds bus settings
type Config struct {
	DedupTTL  time.Duration
	KeyPrefix string
	Now       func() time.Time
}

// Bus dispatches events synchronously to the handlers subscribed to a topic
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]Handler

	dedup     DedupStore
	dedupTTL  time.Duration
	keyPrefix string
	now       func() time.Time

	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a bus. A nil dedup store disables idempotency checks.
func New(cfg Config, dedup DedupStore, metrics *observability.Metrics, logger *slog.Logger) *Bus {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "event_dedup:"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		subscribers: make(map[string][]Handler),
		dedup:       dedup,
		dedupTTL:    cfg.DedupTTL,
		keyPrefix:   cfg.KeyPrefix,
		now:         cfg.Now,
		metrics:     metrics,
		logger:      logger,
	}
}

// Subscribe registers handler for topic. Handlers run in subscription order.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	count := len(b.subscribers[topic])
	b.mu.Unlock()

	b.logger.Info("Handler subscribed",
		slog.String("topic", topic),
		slog.Int("handlers", count),
	)
}

// SubscribeAll registers handler for each topic
func (b *Bus) SubscribeAll(handler Handler, topics ...string) {
	for _, topic := range topics {
		b.Subscribe(topic, handler)
	}
}

// Publish delivers payload to every handler currently subscribed to topic
// and returns once all of them ran. When idempotencyKey is non-empty and was
// already seen within the dedup TTL, Publish does nothing and reports false.
func (b *Bus) Publish(ctx context.Context, topic string, payload map[string]any, idempotencyKey string) bool {
	if idempotencyKey != "" && b.dedup != nil {
		fresh, err := b.dedup.SetIfAbsent(ctx, b.keyPrefix+idempotencyKey, b.dedupTTL)
		if err != nil {
			// Delivering twice beats dropping an event
			b.logger.Warn("Dedup store unavailable, delivering without idempotency",
				slog.String("topic", topic),
				slog.String("idempotency_key", idempotencyKey),
				slog.Any("error", err),
			)
		} else if !fresh {
			b.metrics.EventDeduplicated(topic)
			b.logger.Debug("Duplicate event suppressed",
				slog.String("topic", topic),
				slog.String("idempotency_key", idempotencyKey),
			)
			return false
		}
	}

	b.mu.Lock()
	handlers := append([]Handler(nil), b.subscribers[topic]...)
	b.mu.Unlock()

	evt := Event{
		Topic:          topic,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		Timestamp:      b.now().UTC(),
	}

	for i, h := range handlers {
		if err := b.invoke(ctx, h, evt); err != nil {
			b.metrics.HandlerFailed(topic)
			b.logger.Error("Event handler failed",
				slog.String("topic", topic),
				slog.Int("handler", i),
				slog.Any("error", err),
			)
		}
	}

	b.metrics.EventPublished(topic)
	return true
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, evt)
}

// HandlerCount returns how many handlers are subscribed to topic
func (b *Bus) HandlerCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[topic])
}
