package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
)

// Kind selects how a notification is rendered by a sink.
type Kind string

const (
	KindMessage Kind = "message"
	KindPhoto   Kind = "photo"
	KindVideo   Kind = "video"
)

// Notification is one unit of delivery. Path is set for photos and videos;
// Text is the message body or the media caption.
type Notification struct {
	Kind  Kind
	Text  string
	Path  string
	Event *types.ClipEvent
}

// Sink delivers notifications to one remote endpoint.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Result reports the outcome of one delivery attempt.
type Result struct {
	Sink         string
	Notification Notification
	Err          error
	Elapsed      time.Duration
}

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("dispatcher closed")

// ErrQueueFull is returned by Enqueue when the backlog is at capacity.
var ErrQueueFull = errors.New("notification queue full")

// Dispatcher moves delivery off the capture loop. Notifications are queued and
// delivered in order by a single goroutine. Each attempt is made exactly once:
// failures are logged and reported, never retried.
type Dispatcher struct {
	sinks    []Sink
	queue    chan Notification
	timeout  time.Duration
	onResult func(Result)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	cancel context.CancelFunc
	ctx    context.Context

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets the backlog capacity (default 32).
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Notification, n)
		}
	}
}

// WithDeliveryTimeout bounds each individual delivery (default 2 minutes).
func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithResultHook is called after every delivery attempt, from the dispatcher goroutine.
func WithResultHook(fn func(Result)) DispatcherOption {
	return func(d *Dispatcher) { d.onResult = fn }
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Notification, 32),
		timeout: 2 * time.Minute,
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Enqueue hands a notification to the delivery goroutine without blocking.
func (d *Dispatcher) Enqueue(n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- n:
		return nil
	default:
		d.dropped.Add(1)
		slog.Warn("notification dropped, queue full", "kind", n.Kind, "path", n.Path)
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		if d.ctx.Err() != nil {
			d.dropped.Add(1)
			continue
		}
		for _, s := range d.sinks {
			d.deliver(s, n)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, n Notification) {
	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.Deliver(ctx, n)
	elapsed := time.Since(start)

	if err != nil {
		d.failed.Add(1)
		slog.Error("notification delivery failed",
			"sink", s.Name(),
			"kind", n.Kind,
			"path", n.Path,
			"error", err,
			"action", "not retried")
	} else {
		d.delivered.Add(1)
		slog.Info("notification delivered", "sink", s.Name(), "kind", n.Kind, "elapsed", elapsed)
	}

	if d.onResult != nil {
		d.onResult(Result{Sink: s.Name(), Notification: n, Err: err, Elapsed: elapsed})
	}
}

// Close stops accepting work and waits for the backlog to drain.
// If ctx expires first, in-flight deliveries are cancelled and the rest are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-d.done
		return ctx.Err()
	}
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

// Stats returns a snapshot of the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
