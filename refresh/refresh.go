// This file defines the "refresh hook".
// The hook lets the cache do something extra WHEN a fresh value is served.
// The goal of refresh is: "Keep data fresh without slowing down reads"

package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krisalay/weather-cache/notify"
	"github.com/krisalay/weather-cache/types"
)

// Request identifies what to refetch.
type Request struct {
	// URL is the absolute fetch URL, query included.
	URL string
	// Key is the cache key the result is stored under.
	Key string
	// Type is the policy type of the entry.
	Type string
}

/*
Hook is the interface for refresh behavior.
The cache calls OnRead after serving a fresh entry whose policy asks for
background refresh.

OnRead runs on the read path, so it MUST return immediately.
*/
type Hook interface {
	OnRead(req Request)
}

// Refresher performs one refresh: fetch, classify and store.
type Refresher func(ctx context.Context, req Request) error

/*
Background runs every refresh on its own goroutine.

BEHAVIOR:
---------
- Refreshes run with a context detached from the reader's request
- Nothing is deduplicated: two hits schedule two refreshes
- A failed refresh leaves the cached value untouched; the failure is logged
  and notified, never returned to a reader
- After Close, OnRead is a no-op
*/
type Background struct {
	run     Refresher
	timeout time.Duration
	logger  *slog.Logger
	sink    notify.Sink
	metrics types.Metrics
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Background)

// WithTimeout bounds each refresh. Zero means no bound beyond the fetcher's own.
func WithTimeout(d time.Duration) Option {
	return func(b *Background) { b.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Background) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithSink(s notify.Sink) Option {
	return func(b *Background) {
		if s != nil {
			b.sink = s
		}
	}
}

func WithMetrics(m types.Metrics) Option {
	return func(b *Background) {
		if m != nil {
			b.metrics = m
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(b *Background) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBackground(run Refresher, opts ...Option) *Background {
	b := &Background{
		run:     run,
		logger:  slog.Default(),
		sink:    notify.Discard,
		metrics: types.NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Background) OnRead(req Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.metrics.Refresh()
	b.wg.Add(1)
	go b.refresh(req)
}

func (b *Background) refresh(req Request) {
	defer b.wg.Done()

	ctx := context.Background()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if err := b.run(ctx, req); err != nil {
		b.logger.WarnContext(ctx, "background refresh failed", "key", req.Key, "type", req.Type, "err", err)
		b.sink.Notify(ctx, notify.Event{
			Kind: notify.RefreshFailed,
			Key:  req.Key,
			Type: req.Type,
			Err:  err.Error(),
			At:   b.now(),
		})
	}
}

// Wait blocks until every scheduled refresh has finished.
func (b *Background) Wait() {
	b.wg.Wait()
}

// Close stops accepting refreshes and waits for the running ones.
func (b *Background) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

var _ Hook = (*Background)(nil)
