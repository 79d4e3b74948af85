// Package notifier delivers surfaced events off the frame path.
//
// A Dispatcher owns a bounded queue drained by a fixed pool of workers. Submit
// never blocks: when the queue is full the notification is dropped and
// counted, the same drop-new policy the frame path uses for its inputs. Each
// notification is handed to every registered Sink with per-attempt timeouts
// and exponential backoff. A failed delivery is logged and counted, nothing
// is rolled back.
package notifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/fallguard/internal/types"
)

// ErrClosed is returned by Start on a closed dispatcher
var ErrClosed = errors.New("notifier: dispatcher closed")

// ResultFunc observes the outcome of one notification on one sink.
// err is nil on success.
type ResultFunc func(n types.Notification, sink string, attempts int, err error)

// DequeueFunc runs on a worker before the sinks are tried
type DequeueFunc func(ctx context.Context, n types.Notification)

// Config tunes the dispatcher
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // per attempt
	Retry     RetryConfig
	OnDequeue DequeueFunc
	OnResult  ResultFunc
}

// DefaultConfig returns 4 workers, a 64-slot queue, 5s attempts and the
// default backoff.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 64,
		Timeout:   5 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// Dispatcher fans notifications out to sinks with a bounded worker pool
type Dispatcher struct {
	cfg   Config
	sinks []Sink
	queue chan types.Notification

	submitted atomic.Uint64
	dropped   atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	started bool
	sent    map[string]uint64
	failed  map[string]uint64

	wg sync.WaitGroup
}

// New creates a dispatcher delivering to sinks
func New(cfg Config, sinks ...Sink) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		queue:  make(chan types.Notification, cfg.QueueSize),
		sent:   make(map[string]uint64),
		failed: make(map[string]uint64),
	}
}

// Start launches the workers. They run until Close drains the queue;
// cancelling ctx aborts in-flight retries.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return nil
	}
	d.started = true

	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	slog.Info("starting notifier",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
		"sinks", names,
	)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return nil
}

// Submit enqueues n without blocking. It returns false when the
// notification was dropped (queue full or dispatcher closed).
func (d *Dispatcher) Submit(n types.Notification) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return false
	}

	select {
	case d.queue <- n:
		d.submitted.Add(1)
		return true
	default:
		d.dropped.Add(1)
		slog.Warn("notification dropped, queue full",
			"instance_id", n.InstanceID,
			"event", n.Event,
			"id", n.ID,
		)
		return false
	}
}

// Close stops accepting notifications and waits for the queued ones to be
// delivered, or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(ctx, n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n types.Notification) {
	if d.cfg.OnDequeue != nil {
		d.cfg.OnDequeue(ctx, n)
	}
	for _, sink := range d.sinks {
		attempts, err := Retry(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
			return sink.Deliver(attemptCtx, n)
		}, d.cfg.Retry)

		d.mu.Lock()
		if err != nil {
			d.failed[sink.Name()]++
		} else {
			d.sent[sink.Name()]++
		}
		d.mu.Unlock()

		if err != nil {
			slog.Error("notification delivery failed",
				"sink", sink.Name(),
				"instance_id", n.InstanceID,
				"event", n.Event,
				"id", n.ID,
				"attempts", attempts,
				"error", err,
			)
		} else {
			slog.Debug("notification delivered",
				"sink", sink.Name(),
				"instance_id", n.InstanceID,
				"id", n.ID,
				"attempts", attempts,
			)
		}

		if d.cfg.OnResult != nil {
			d.cfg.OnResult(n, sink.Name(), attempts, err)
		}
	}
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sent := make(map[string]uint64, len(d.sent))
	for k, v := range d.sent {
		sent[k] = v
	}
	failed := make(map[string]uint64, len(d.failed))
	for k, v := range d.failed {
		failed[k] = v
	}

	return Stats{
		Sinks:     len(d.sinks),
		Queued:    len(d.queue),
		Submitted: d.submitted.Load(),
		Dropped:   d.dropped.Load(),
		Sent:      sent,
		Failed:    failed,
	}
}

// Stats contains dispatcher statistics
type Stats struct {
	Sinks     int               `json:"sinks"`
	Queued    int               `json:"queued"`
	Submitted uint64            `json:"submitted"`
	Dropped   uint64            `json:"dropped"`
	Sent      map[string]uint64 `json:"sent"`
	Failed    map[string]uint64 `json:"failed"`
}

// StartStatsLogger logs dispatcher stats periodically and warns when the
// drop rate of the last interval exceeds 20%.
func (d *Dispatcher) StartStatsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := d.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := d.Stats()

			deltaDropped := stats.Dropped - prev.Dropped
			deltaTotal := deltaDropped + stats.Submitted - prev.Submitted
			if deltaTotal > 0 {
				if rate := float64(deltaDropped) / float64(deltaTotal); rate > 0.20 {
					slog.Warn("notifier high drop rate detected",
						"drop_rate_pct", int(rate*100),
						"dropped_last_interval", deltaDropped,
						"action", "raise notifier.workers or notifier.queue_size")
				}
			}

			slog.Debug("notifier stats",
				"queued", stats.Queued,
				"submitted", stats.Submitted,
				"dropped", stats.Dropped,
				"sent", stats.Sent,
				"failed", stats.Failed,
			)
			prev = stats
		}
	}
}
