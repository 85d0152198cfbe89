package subscribers

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/eventbus"
)

// WebhookConfig holds webhook delivery settings
type WebhookConfig struct {
	URLs      []string
	Timeout   time.Duration
	Workers   int
	QueueSize int
}

type delivery struct {
	url  string
	body []byte
	evt  string
}

// Broadcaster POSTs event envelopes to registered URLs from a fixed pool
// of delivery goroutines. Failures are logged and never retried.
type Broadcaster struct {
	client  *http.Client
	logger  *slog.Logger
	workers int

	mu   sync.RWMutex
	urls []string

	queue    chan delivery
	stopChan chan struct{}
	stopMu   sync.RWMutex // held for writing only while closing stopChan
	stopped  bool
	wg       sync.WaitGroup
}

// NewBroadcaster creates a broadcaster; call Start before publishing
func NewBroadcaster(cfg WebhookConfig, logger *slog.Logger) *Broadcaster {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	b := &Broadcaster{
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		workers:  cfg.Workers,
		queue:    make(chan delivery, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
	for _, u := range cfg.URLs {
		if err := b.Register(u); err != nil {
			logger.Warn("Ignoring invalid webhook URL", slog.String("url", u), slog.Any("error", err))
		}
	}
	return b
}

// Register adds a listener URL; duplicates are ignored
func (b *Broadcaster) Register(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.NewValidationError("url", "must be an absolute http(s) URL")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if slices.Contains(b.urls, rawURL) {
		return nil
	}
	b.urls = append(b.urls, rawURL)
	b.logger.Info("Registered webhook listener", slog.String("url", rawURL))
	return nil
}

// URLs returns the registered listeners
func (b *Broadcaster) URLs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.urls)
}

// Start spawns the delivery workers
func (b *Broadcaster) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

// Stop delivers what is already queued, then waits for the workers
func (b *Broadcaster) Stop() {
	b.stopMu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.stopChan)
	}
	b.stopMu.Unlock()
	b.wg.Wait()
}

// Handle is the event bus handler. It only enqueues deliveries.
func (b *Broadcaster) Handle(_ context.Context, evt eventbus.Event) error {
	urls := b.URLs()
	if len(urls) == 0 {
		return nil
	}

	body, err := NewEnvelope(evt).encode()
	if err != nil {
		return fmt.Errorf("failed to encode webhook envelope: %w", err)
	}

	// every enqueue finishes before stopChan closes, so workers drain it
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()
	if b.stopped {
		b.logger.Debug("Broadcaster stopped, dropping event", slog.String("event", evt.Topic))
		return nil
	}

	for _, u := range urls {
		select {
		case b.queue <- delivery{url: u, body: body, evt: evt.Topic}:
		default:
			b.logger.Warn("Webhook queue full, dropping delivery",
				slog.String("url", u),
				slog.String("event", evt.Topic),
			)
		}
	}
	return nil
}

func (b *Broadcaster) worker() {
	defer b.wg.Done()
	for {
		select {
		case d := <-b.queue:
			b.deliver(d)
		case <-b.stopChan:
			for {
				select {
				case d := <-b.queue:
					b.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (b *Broadcaster) deliver(d delivery) {
	req, err := http.NewRequest(http.MethodPost, d.url, bytes.NewReader(d.body))
	if err != nil {
		b.logger.Error("Failed to build webhook request", slog.String("url", d.url), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("Webhook delivery failed",
			slog.String("url", d.url),
			slog.String("event", d.evt),
			slog.Any("error", err),
		)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		b.logger.Warn("Webhook delivery rejected",
			slog.String("url", d.url),
			slog.String("event", d.evt),
			slog.Int("status", resp.StatusCode),
		)
		return
	}
	b.logger.Debug("Webhook delivered", slog.String("url", d.url), slog.String("event", d.evt))
}
