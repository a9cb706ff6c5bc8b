// Package dispatch decouples detection from response. Detection events are
// pushed onto a bounded queue without blocking and a pool of workers feeds
// them to the response pipeline.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"nettrace-guardian/internal/metrics"
	"nettrace-guardian/internal/queue"
	"nettrace-guardian/internal/schema"
)

// ErrStopped is returned by Publish after Stop.
var ErrStopped = errors.New("dispatch: dispatcher stopped")

// Responder handles one detection event. *response.Pipeline implements it.
type Responder interface {
	Handle(ctx context.Context, ev *schema.DetectionEvent) schema.ResponseRecord
}

// Config holds the dispatcher configuration.
type Config struct {
	QueueSize    int           `yaml:"queue_size" validate:"min=1"`
	Workers      int           `yaml:"workers" validate:"min=1"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:    1024,
		Workers:      2,
		ShutdownWait: 10 * time.Second,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher queues detection events and hands them to a Responder.
type Dispatcher struct {
	queue     *queue.RingBuffer[*schema.DetectionEvent]
	responder Responder
	config    Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sampler   *rate.Limiter

	runCtx    context.Context
	cancelRun context.CancelFunc
	started   atomic.Bool
	stopped   atomic.Bool
	wg        sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	handled   atomic.Uint64
}

// New creates a Dispatcher. Non-positive sizes fall back to the defaults.
func New(cfg Config, responder Responder, opts ...Option) (*Dispatcher, error) {
	if responder == nil {
		return nil, schema.NewConfigError("dispatch.responder", "a responder is required")
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = def.ShutdownWait
	}

	d := &Dispatcher{
		queue:     queue.NewRingBuffer[*schema.DetectionEvent](cfg.QueueSize),
		responder: responder,
		config:    cfg,
		logger:    slog.Default(),
		sampler:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Publish enqueues ev without blocking. A full queue drops the event and
// returns queue.ErrQueueFull.
func (d *Dispatcher) Publish(ev *schema.DetectionEvent) error {
	if d.stopped.Load() {
		d.drop(ev, ErrStopped)
		return ErrStopped
	}
	if err := d.queue.Push(ev); err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			err = ErrStopped
		}
		d.drop(ev, err)
		return err
	}
	d.published.Add(1)
	d.metrics.SetQueueDepth(d.queue.Len())
	return nil
}

func (d *Dispatcher) drop(ev *schema.DetectionEvent, reason error) {
	d.dropped.Add(1)
	d.metrics.EventDropped()
	if d.sampler.Allow() {
		d.logger.Warn("detection event dropped",
			"event_id", ev.ID,
			"attack_type", ev.AttackType,
			"source_ip", ev.SourceIP,
			"queue_len", d.queue.Len(),
			"reason", reason,
		)
	}
}

// Start starts the worker pool. Workers outlive ctx cancellation so that
// Stop can drain the queue; ctx values are still passed to handlers.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.runCtx, d.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.logger.Info("dispatcher started", "workers", d.config.Workers, "queue_size", d.config.QueueSize)
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("dispatch worker started", "worker_id", id)

	for {
		ev, err := d.queue.PopContext(d.runCtx)
		if err != nil {
			d.logger.Debug("dispatch worker stopping", "worker_id", id, "reason", err)
			return
		}
		if d.runCtx.Err() != nil {
			d.dropped.Add(1)
			d.metrics.EventDropped()
			return
		}

		d.responder.Handle(d.runCtx, ev)
		d.handled.Add(1)
		d.metrics.SetQueueDepth(d.queue.Len())
	}
}

// Stop closes the queue and waits for the workers to drain it. The wait is
// bounded by ctx, or by ShutdownWait when ctx has no deadline. Events still
// queued when the wait ends are counted as dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.stopped.CompareAndSwap(false, true) {
		return nil
	}
	d.queue.Close()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ShutdownWait)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		if d.cancelRun != nil {
			d.cancelRun()
		}
		<-done
	}
	if d.cancelRun != nil {
		d.cancelRun()
	}

	if left := d.queue.Drain(); len(left) > 0 {
		d.dropped.Add(uint64(len(left)))
		for range left {
			d.metrics.EventDropped()
		}
		d.logger.Warn("dispatcher stopped with undelivered events", "dropped", len(left), "error", err)
	} else {
		d.logger.Info("dispatcher stopped gracefully", "handled", d.handled.Load())
	}
	d.metrics.SetQueueDepth(0)
	return err
}

// Metrics returns dispatcher statistics.
func (d *Dispatcher) Metrics() DispatchMetrics {
	return DispatchMetrics{
		Published: d.published.Load(),
		Dropped:   d.dropped.Load(),
		Handled:   d.handled.Load(),
		Queue:     d.queue.Metrics(),
	}
}

// DispatchMetrics holds dispatcher statistics.
type DispatchMetrics struct {
	Published uint64             `json:"published"`
	Dropped   uint64             `json:"dropped"`
	Handled   uint64             `json:"handled"`
	Queue     queue.QueueMetrics `json:"queue"`
}
