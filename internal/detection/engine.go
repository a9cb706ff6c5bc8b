// Package detection evaluates per-source and aggregate packet rates against
// configured thresholds and emits one event per entry into ALERTING.
package detection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"nettrace-guardian/internal/metrics"
	"nettrace-guardian/internal/schema"
	"nettrace-guardian/internal/tracker"
	"nettrace-guardian/internal/window"
)

// Processor is anything that consumes normalized packets.
type Processor interface {
	Process(p schema.Packet) error
}

// EventSink receives detection events. Publish must not block.
type EventSink interface {
	Publish(ev *schema.DetectionEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev *schema.DetectionEvent) error

// Publish calls f(ev).
func (f EventSinkFunc) Publish(ev *schema.DetectionEvent) error {
	return f(ev)
}

// Defaults for the structural options.
const (
	DefaultAggregateResolution = 50 * time.Millisecond
	DefaultAggregateHorizon    = time.Minute
)

// Option configures structural engine parameters that cannot change after
// construction.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the wall clock used for idle eviction.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithShards sets the number of tracker table shards.
func WithShards(n int) Option {
	return func(e *Engine) { e.shards = n }
}

// WithAggregateWindow sets the slot resolution and the longest window the
// aggregate trackers can serve.
func WithAggregateWindow(resolution, horizon time.Duration) Option {
	return func(e *Engine) {
		e.resolution = resolution
		e.horizon = horizon
	}
}

// Engine owns all rate windows and trackers. Process is safe for concurrent
// use from any number of ingest goroutines.
type Engine struct {
	rules     atomic.Pointer[ruleset]
	table     *tracker.Table
	aggregate [schema.PacketTypeCount]*aggregateTracker
	sink      EventSink

	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	shards     int
	resolution time.Duration
	horizon    time.Duration

	// Capacity and rejection warnings are sampled so a flood cannot turn
	// into a log flood.
	warnSampler *rate.Limiter

	processed   atomic.Uint64
	rejected    atomic.Uint64
	alerts      atomic.Uint64
	recoveries  atomic.Uint64
	capacityHit atomic.Uint64
	sinkErrors  atomic.Uint64
	evicted     atomic.Uint64

	reconfigured chan struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// NewEngine validates cfg and builds an engine publishing to sink.
// Invalid configuration yields a *schema.ConfigError.
func NewEngine(cfg Config, sink EventSink, opts ...Option) (*Engine, error) {
	if sink == nil {
		return nil, schema.NewConfigError("sink", "an event sink is required")
	}

	e := &Engine{
		sink:         sink,
		logger:       slog.Default(),
		now:          time.Now,
		shards:       tracker.DefaultShards,
		resolution:   DefaultAggregateResolution,
		horizon:      DefaultAggregateHorizon,
		warnSampler:  rate.NewLimiter(rate.Every(time.Second), 5),
		reconfigured: make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.resolution <= 0 {
		return nil, schema.NewConfigError("aggregate_resolution", "must be positive, got %v", e.resolution)
	}
	if e.horizon < e.resolution {
		return nil, schema.NewConfigError("aggregate_horizon", "%v is shorter than the resolution %v", e.horizon, e.resolution)
	}

	rs, err := compile(cfg, e.horizon)
	if err != nil {
		return nil, err
	}
	e.rules.Store(rs)

	e.table = tracker.NewTable(e.shards)
	for _, pt := range schema.PacketTypes() {
		e.aggregate[pt] = newAggregateTracker(e.resolution, e.horizon)
	}

	return e, nil
}

// Process records p and evaluates every threshold that applies to it.
// A malformed packet returns a *schema.ValidationError and changes no state.
func (e *Engine) Process(p schema.Packet) error {
	if err := p.Validate(); err != nil {
		e.reject(p, err)
		return err
	}

	rs := e.rules.Load()
	now := e.now()
	e.processed.Add(1)
	e.metrics.PacketProcessed(p.Type.String())

	if rule := rs.source[p.Type]; rule != nil {
		e.evaluateSource(rs, rule, p, now)
	}
	if rule := rs.aggregate[p.Type]; rule != nil {
		e.evaluateAggregate(rs, rule, p, now)
	}
	return nil
}

func (e *Engine) evaluateSource(rs *ruleset, rule *ThresholdConfig, p schema.Packet, now time.Time) {
	tr, count, err := e.table.Record(p, rule.Window, rule.EffectiveCapacity(), now)
	if err != nil {
		e.capacityExceeded(p, schema.ScopeSource, err)
	}

	breached := schema.Rate(count, rule.Window) >= rule.MaxRatePerSecond
	switch tr.Transition(p.Type, breached, p.ArrivalTime, rs.cfg.RecoveryWindow) {
	case tracker.TransitionAlert:
		e.emit(schema.NewDetectionEvent(p.Type, schema.ScopeSource, p.SourceIP, count, rule.Window, rule.MaxRatePerSecond, p.ArrivalTime))
	case tracker.TransitionRecover:
		e.recovered(p.Type, schema.ScopeSource, p.SourceIP, "rate below threshold")
	}
}

func (e *Engine) evaluateAggregate(rs *ruleset, rule *ThresholdConfig, p schema.Packet, now time.Time) {
	agg := e.aggregate[p.Type]
	count := agg.record(p.ArrivalTime, rule.Window, now)

	breached := schema.Rate(count, rule.Window) >= rule.MaxRatePerSecond
	switch agg.observe(breached, p.ArrivalTime, rs.cfg.RecoveryWindow) {
	case tracker.TransitionAlert:
		e.emit(schema.NewDetectionEvent(p.Type, schema.ScopeAggregate, "", count, rule.Window, rule.MaxRatePerSecond, p.ArrivalTime))
	case tracker.TransitionRecover:
		e.recovered(p.Type, schema.ScopeAggregate, schema.AggregateSource, "rate below threshold")
	}
}

func (e *Engine) emit(ev *schema.DetectionEvent) {
	e.alerts.Add(1)
	e.metrics.Detection(ev.AttackType, string(ev.Scope))

	e.logger.Warn("flood detected", "event", ev)

	if err := e.sink.Publish(ev); err != nil {
		e.sinkErrors.Add(1)
		if e.warnSampler.Allow() {
			e.logger.Warn("detection event not published",
				"event_id", ev.ID,
				"attack_type", ev.AttackType,
				"source_ip", ev.SourceIP,
				"error", err,
			)
		}
	}
}

func (e *Engine) recovered(pt schema.PacketType, scope schema.Scope, source, reason string) {
	e.recoveries.Add(1)
	e.metrics.Recovery(pt.AttackType(), string(scope))
	e.logger.Info("flood subsided",
		"attack_type", pt.AttackType(),
		"scope", scope,
		"source_ip", source,
		"reason", reason,
	)
}

func (e *Engine) reject(p schema.Packet, err error) {
	e.rejected.Add(1)

	reason := "invalid"
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		reason = verr.Field
	}
	e.metrics.PacketRejected(reason)

	if e.warnSampler.Allow() {
		e.logger.Warn("packet rejected", "source_ip", p.SourceIP, "type", p.Type, "error", err)
	}
}

func (e *Engine) capacityExceeded(p schema.Packet, scope schema.Scope, err error) {
	if !errors.Is(err, window.ErrCapacityExceeded) {
		e.logger.Error("unexpected tracker error", "source_ip", p.SourceIP, "error", err)
		return
	}
	e.capacityHit.Add(1)
	e.metrics.CapacityExceeded(p.Type.String())

	if e.warnSampler.Allow() {
		e.logger.Warn("window capacity exceeded",
			"anomaly", "capacity_exceeded",
			"type", p.Type,
			"scope", scope,
			"source_ip", p.SourceIP,
			"error", err,
		)
	}
}

// Reconfigure validates cfg and swaps it in atomically. Window contents and
// alert states are preserved; windows adopt new durations and capacities on
// their next record.
func (e *Engine) Reconfigure(cfg Config) error {
	rs, err := compile(cfg, e.horizon)
	if err != nil {
		return err
	}
	e.rules.Store(rs)

	select {
	case e.reconfigured <- struct{}{}:
	default:
	}

	e.logger.Info("detection engine reconfigured",
		"thresholds", len(rs.cfg.Thresholds),
		"recovery_window", rs.cfg.RecoveryWindow,
		"idle_ttl", rs.cfg.IdleTTL,
	)
	return nil
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	cfg := e.rules.Load().cfg
	cfg.Thresholds = append([]ThresholdConfig(nil), cfg.Thresholds...)
	return cfg
}

// SweepStats summarizes one background sweep.
type SweepStats struct {
	Evicted   int `json:"evicted"`
	Recovered int `json:"recovered"`
	Trackers  int `json:"trackers"`
}

// Sweep recovers keys that have gone quiet and evicts trackers idle for the
// configured TTL. Ingestion continues during a sweep.
func (e *Engine) Sweep(now time.Time) SweepStats {
	rs := e.rules.Load()
	var stats SweepStats

	e.table.Each(func(tr *tracker.SourceTracker) {
		quiet := func(pt schema.PacketType) time.Duration { return rs.quietPeriod(schema.ScopeSource, pt) }
		for _, pt := range tr.RecoverQuiet(now, quiet) {
			stats.Recovered++
			e.recovered(pt, schema.ScopeSource, tr.SourceIP(), "source quiet")
		}
	})

	for _, pt := range schema.PacketTypes() {
		if e.aggregate[pt].recoverQuiet(now, rs.quietPeriod(schema.ScopeAggregate, pt)) {
			stats.Recovered++
			e.recovered(pt, schema.ScopeAggregate, schema.AggregateSource, "traffic quiet")
		}
	}

	stats.Evicted = e.table.Sweep(now, rs.cfg.IdleTTL)
	stats.Trackers = e.table.Len()

	e.evicted.Add(uint64(stats.Evicted))
	e.metrics.Evicted(stats.Evicted)
	e.metrics.SetTrackers(stats.Trackers)
	return stats
}

// Start runs the background sweeper until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.sweeper(ctx)
	e.logger.Info("detection engine started", "shards", e.shards, "sweep_interval", e.rules.Load().cfg.SweepInterval)
}

// Stop stops the background sweeper.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.logger.Info("detection engine stopped",
		"processed", e.processed.Load(),
		"alerts", e.alerts.Load(),
	)
}

func (e *Engine) sweeper(ctx context.Context) {
	defer e.wg.Done()

	interval := e.rules.Load().cfg.SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.reconfigured:
			if next := e.rules.Load().cfg.SweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-ticker.C:
			stats := e.Sweep(e.now())
			if stats.Evicted > 0 || stats.Recovered > 0 {
				e.logger.Debug("tracker sweep",
					"evicted", stats.Evicted,
					"recovered", stats.Recovered,
					"trackers", stats.Trackers,
				)
			}
		}
	}
}

// SourceSnapshot returns the tracker state for ip, if tracked.
func (e *Engine) SourceSnapshot(ip string) (tracker.Snapshot, bool) {
	tr, ok := e.table.Lookup(ip)
	if !ok {
		return tracker.Snapshot{}, false
	}
	return tr.Snapshot(), true
}

// State returns the alert state of a key. An empty or "*" source selects
// the aggregate tracker.
func (e *Engine) State(pt schema.PacketType, source string) tracker.State {
	if !pt.Valid() {
		return tracker.StateNormal
	}
	if source == "" || source == "*" || source == schema.AggregateSource {
		return e.aggregate[pt].currentState()
	}
	tr, ok := e.table.Lookup(source)
	if !ok {
		return tracker.StateNormal
	}
	return tr.State(pt)
}

// Stats holds engine counters.
type Stats struct {
	Trackers         int    `json:"trackers"`
	Processed        uint64 `json:"processed"`
	Rejected         uint64 `json:"rejected"`
	Alerts           uint64 `json:"alerts"`
	Recoveries       uint64 `json:"recoveries"`
	CapacityExceeded uint64 `json:"capacity_exceeded"`
	SinkErrors       uint64 `json:"sink_errors"`
	Evicted          uint64 `json:"evicted"`
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Trackers:         e.table.Len(),
		Processed:        e.processed.Load(),
		Rejected:         e.rejected.Load(),
		Alerts:           e.alerts.Load(),
		Recoveries:       e.recoveries.Load(),
		CapacityExceeded: e.capacityHit.Load(),
		SinkErrors:       e.sinkErrors.Load(),
		Evicted:          e.evicted.Load(),
	}
}
