package response

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nettrace-guardian/internal/metrics"
	"nettrace-guardian/internal/schema"
)

// PipelineConfig configures the response pipeline.
type PipelineConfig struct {
	// Cooldown suppresses repeat mitigations for the same attack and source.
	Cooldown time.Duration `yaml:"cooldown"`
	// RecordTTL is how long a mitigation record is kept after its last
	// action. It must be at least Cooldown.
	RecordTTL time.Duration `yaml:"record_ttl"`
	// HandlerTimeout bounds each handler call. Zero means no timeout.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// PruneInterval is the period of the background prune loop.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DefaultPipelineConfig returns the default pipeline configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Cooldown:       60 * time.Second,
		RecordTTL:      10 * time.Minute,
		HandlerTimeout: 5 * time.Second,
		PruneInterval:  time.Minute,
	}
}

// Validate checks the configuration.
func (c PipelineConfig) Validate() error {
	if c.Cooldown < 0 {
		return schema.NewConfigError("response.cooldown", "must not be negative, got %v", c.Cooldown)
	}
	if c.RecordTTL < c.Cooldown {
		return schema.NewConfigError("response.record_ttl", "%v is shorter than the cooldown %v", c.RecordTTL, c.Cooldown)
	}
	if c.HandlerTimeout < 0 {
		return schema.NewConfigError("response.handler_timeout", "must not be negative, got %v", c.HandlerTimeout)
	}
	if c.PruneInterval <= 0 {
		return schema.NewConfigError("response.prune_interval", "must be positive, got %v", c.PruneInterval)
	}
	return nil
}

// Observer receives every response record, dispatched or suppressed.
type Observer interface {
	Observe(ctx context.Context, rec schema.ResponseRecord)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, rec schema.ResponseRecord)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, rec schema.ResponseRecord) {
	f(ctx, rec)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the wall clock used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithObservers appends observers.
func WithObservers(obs ...Observer) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, obs...) }
}

// Pipeline applies cooldown suppression and runs mitigation handlers.
type Pipeline struct {
	cooldown       time.Duration
	recordTTL      time.Duration
	handlerTimeout time.Duration
	pruneInterval  time.Duration

	handlers  []Handler
	observers []Observer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	records map[string]*schema.MitigationRecord
	mu      sync.Mutex

	dispatched    atomic.Uint64
	suppressed    atomic.Uint64
	handlerErrors atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPipeline creates a pipeline that runs handlers in order.
func NewPipeline(cfg PipelineConfig, handlers []Handler, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for i, h := range handlers {
		if h == nil {
			return nil, schema.NewConfigError(fmt.Sprintf("response.handlers[%d]", i), "handler is nil")
		}
	}

	p := &Pipeline{
		cooldown:       cfg.Cooldown,
		recordTTL:      cfg.RecordTTL,
		handlerTimeout: cfg.HandlerTimeout,
		pruneInterval:  cfg.PruneInterval,
		handlers:       append([]Handler(nil), handlers...),
		logger:         slog.Default(),
		now:            time.Now,
		records:        make(map[string]*schema.MitigationRecord),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Handlers returns the names of the configured handlers in order.
func (p *Pipeline) Handlers() []string {
	names := make([]string, len(p.handlers))
	for i, h := range p.handlers {
		names[i] = h.Name()
	}
	return names
}

// Handle runs the mitigation for ev unless the same attack from the same
// source was mitigated within the cooldown.
func (p *Pipeline) Handle(ctx context.Context, ev *schema.DetectionEvent) schema.ResponseRecord {
	now := p.now()
	key := ev.Key()

	p.mu.Lock()
	rec, ok := p.records[key]
	if ok && now.Sub(rec.LastActionTime) < p.cooldown {
		rec.Suppressed++
		remaining := p.cooldown - now.Sub(rec.LastActionTime)
		p.mu.Unlock()

		p.suppressed.Add(1)
		p.metrics.Response(string(schema.StatusSuppressed))
		p.logger.Info("mitigation suppressed",
			"event_id", ev.ID,
			"attack_type", ev.AttackType,
			"source_ip", ev.SourceIP,
			"cooldown_remaining", remaining,
		)

		out := schema.ResponseRecord{Event: ev, Status: schema.StatusSuppressed, HandledAt: now}
		p.notify(ctx, out)
		return out
	}
	if !ok {
		rec = &schema.MitigationRecord{
			AttackType:  ev.AttackType,
			SourceIP:    ev.SourceIP,
			FirstAction: now,
		}
		p.records[key] = rec
	}
	rec.LastActionTime = now
	rec.Actions++
	p.mu.Unlock()

	p.dispatched.Add(1)
	p.metrics.Response(string(schema.StatusDispatched))

	out := schema.ResponseRecord{Event: ev, Status: schema.StatusDispatched, HandledAt: now}
	for _, h := range p.handlers {
		outcome, err := p.run(ctx, h, ev)
		if err != nil {
			p.handlerErrors.Add(1)
			p.metrics.HandlerError(h.Name())
			p.logger.Error("mitigation handler failed",
				"handler", h.Name(),
				"event_id", ev.ID,
				"attack_type", ev.AttackType,
				"source_ip", ev.SourceIP,
				"error", err,
			)
			out.Errors = append(out.Errors, err.Error())
		}
		if outcome.Handler == "" {
			outcome.Handler = h.Name()
		}
		out.Outcomes = append(out.Outcomes, outcome)
	}

	p.logger.Info("mitigation dispatched",
		"event_id", ev.ID,
		"attack_type", ev.AttackType,
		"source_ip", ev.SourceIP,
		"handlers", len(p.handlers),
		"errors", len(out.Errors),
	)

	p.notify(ctx, out)
	return out
}

// run calls one handler under its own timeout and converts failures and
// panics into a *HandlerError.
func (p *Pipeline) run(ctx context.Context, h Handler, ev *schema.DetectionEvent) (out schema.Outcome, err error) {
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			out = schema.Outcome{Handler: h.Name()}
			err = &HandlerError{
				Handler: h.Name(),
				EventID: ev.ID,
				Err:     fmt.Errorf("%w: %v", ErrHandlerPanic, r),
			}
		}
	}()

	out, err = h.Mitigate(ctx, ev)
	if err != nil {
		return out, &HandlerError{Handler: h.Name(), EventID: ev.ID, Err: err}
	}
	return out, nil
}

func (p *Pipeline) notify(ctx context.Context, rec schema.ResponseRecord) {
	for _, o := range p.observers {
		o.Observe(ctx, rec)
	}
}

// SetCooldown changes the cooldown. The record TTL grows with it if needed.
func (p *Pipeline) SetCooldown(d time.Duration) error {
	if d < 0 {
		return schema.NewConfigError("response.cooldown", "must not be negative, got %v", d)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldown = d
	if p.recordTTL < d {
		p.recordTTL = d
	}
	return nil
}

// Cooldown returns the current cooldown.
func (p *Pipeline) Cooldown() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cooldown
}

// Prune removes records whose last action is older than the record TTL.
func (p *Pipeline) Prune(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, rec := range p.records {
		if now.Sub(rec.LastActionTime) >= p.recordTTL {
			delete(p.records, key)
			removed++
		}
	}
	return removed
}

// Records returns a snapshot of the mitigation records, most recent first.
func (p *Pipeline) Records() []schema.MitigationRecord {
	p.mu.Lock()
	out := make([]schema.MitigationRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, *rec)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActionTime.Equal(out[j].LastActionTime) {
			return out[i].SourceIP < out[j].SourceIP
		}
		return out[i].LastActionTime.After(out[j].LastActionTime)
	})
	return out
}

// Start runs the prune loop until ctx is cancelled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run(ctx, p.pruneInterval)
	}()
}

// Stop stops the prune loop.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Run prunes records every interval until ctx is cancelled or Stop is
// called.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if n := p.Prune(p.now()); n > 0 {
				p.logger.Debug("pruned mitigation records", "removed", n)
			}
		}
	}
}

// Stats holds pipeline counters.
type Stats struct {
	Dispatched    uint64 `json:"dispatched"`
	Suppressed    uint64 `json:"suppressed"`
	HandlerErrors uint64 `json:"handler_errors"`
	Records       int    `json:"records"`
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	n := len(p.records)
	p.mu.Unlock()

	return Stats{
		Dispatched:    p.dispatched.Load(),
		Suppressed:    p.suppressed.Load(),
		HandlerErrors: p.handlerErrors.Load(),
		Records:       n,
	}
}
