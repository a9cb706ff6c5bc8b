package detection

import (
	"fmt"
	"math"
	"time"

	"nettrace-guardian/internal/schema"
)

// ThresholdConfig is one rate limit: packets of PacketType, counted per
// source or across all sources, may arrive at up to MaxRatePerSecond over
// Window before the key is considered under attack.
type ThresholdConfig struct {
	PacketType       schema.PacketType
	Scope            schema.Scope
	MaxRatePerSecond float64
	Window           time.Duration
	// Capacity bounds the per-source window. Zero derives it from the
	// threshold; aggregate rules ignore it.
	Capacity int
}

// ThresholdCount is the number of in-window arrivals at which the rule trips.
func (t ThresholdConfig) ThresholdCount() int {
	return int(math.Ceil(t.MaxRatePerSecond * t.Window.Seconds()))
}

// EffectiveCapacity returns Capacity or, when unset, a bound well above the
// threshold so legitimate bursts are never truncated before comparison.
func (t ThresholdConfig) EffectiveCapacity() int {
	if t.Capacity > 0 {
		return t.Capacity
	}
	return max(t.ThresholdCount()*capacityFactor, minCapacity)
}

const (
	capacityFactor = 4
	minCapacity    = 64
)

// Config is the runtime-swappable part of the engine configuration.
type Config struct {
	Thresholds []ThresholdConfig
	// RecoveryWindow is how long a key must stay below threshold before it
	// returns to NORMAL.
	RecoveryWindow time.Duration
	// IdleTTL evicts a source tracker that has seen no packets for this long.
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns per-source and aggregate limits for SYN, UDP and
// ICMP floods over one-second windows.
func DefaultConfig() Config {
	return Config{
		Thresholds: []ThresholdConfig{
			{PacketType: schema.PacketSYN, Scope: schema.ScopeSource, MaxRatePerSecond: 100, Window: time.Second},
			{PacketType: schema.PacketUDP, Scope: schema.ScopeSource, MaxRatePerSecond: 500, Window: time.Second},
			{PacketType: schema.PacketICMP, Scope: schema.ScopeSource, MaxRatePerSecond: 500, Window: time.Second},
			{PacketType: schema.PacketSYN, Scope: schema.ScopeAggregate, MaxRatePerSecond: 2000, Window: time.Second},
			{PacketType: schema.PacketUDP, Scope: schema.ScopeAggregate, MaxRatePerSecond: 10000, Window: time.Second},
			{PacketType: schema.PacketICMP, Scope: schema.ScopeAggregate, MaxRatePerSecond: 5000, Window: time.Second},
		},
		RecoveryWindow: 5 * time.Second,
		IdleTTL:        2 * time.Minute,
		SweepInterval:  15 * time.Second,
	}
}

// Validate checks cfg the way NewEngine and Reconfigure do, against the
// default aggregate horizon.
func (c Config) Validate() error {
	_, err := compile(c, DefaultAggregateHorizon)
	return err
}

// ruleset is the compiled, immutable form of a Config.
type ruleset struct {
	cfg       Config
	source    [schema.PacketTypeCount]*ThresholdConfig
	aggregate [schema.PacketTypeCount]*ThresholdConfig
}

// compile validates cfg against the aggregate horizon and indexes its rules.
func compile(cfg Config, horizon time.Duration) (*ruleset, error) {
	if cfg.RecoveryWindow < 0 {
		return nil, schema.NewConfigError("recovery_window", "must not be negative, got %v", cfg.RecoveryWindow)
	}
	if cfg.IdleTTL <= 0 {
		return nil, schema.NewConfigError("idle_ttl", "must be positive, got %v", cfg.IdleTTL)
	}
	if cfg.SweepInterval <= 0 {
		return nil, schema.NewConfigError("sweep_interval", "must be positive, got %v", cfg.SweepInterval)
	}
	if len(cfg.Thresholds) == 0 {
		return nil, schema.NewConfigError("thresholds", "at least one threshold is required")
	}

	rs := &ruleset{cfg: cfg}
	rs.cfg.Thresholds = make([]ThresholdConfig, len(cfg.Thresholds))
	copy(rs.cfg.Thresholds, cfg.Thresholds)

	for i := range rs.cfg.Thresholds {
		t := &rs.cfg.Thresholds[i]
		field := fmt.Sprintf("thresholds[%d]", i)

		if !t.PacketType.Valid() {
			return nil, schema.NewConfigError(field+".packet_type", "unknown packet type %v", t.PacketType)
		}
		if !t.Scope.Valid() {
			return nil, schema.NewConfigError(field+".scope", "must be %q or %q, got %q", schema.ScopeSource, schema.ScopeAggregate, t.Scope)
		}
		if t.MaxRatePerSecond <= 0 || math.IsNaN(t.MaxRatePerSecond) || math.IsInf(t.MaxRatePerSecond, 0) {
			return nil, schema.NewConfigError(field+".max_rate_per_second", "must be a positive number, got %v", t.MaxRatePerSecond)
		}
		if t.Window <= 0 {
			return nil, schema.NewConfigError(field+".window", "must be positive, got %v", t.Window)
		}
		if t.Capacity < 0 {
			return nil, schema.NewConfigError(field+".capacity", "must not be negative, got %d", t.Capacity)
		}
		if t.Capacity > 0 && t.Capacity <= t.ThresholdCount() {
			return nil, schema.NewConfigError(field+".capacity", "%d must exceed the threshold count %d", t.Capacity, t.ThresholdCount())
		}

		index := &rs.source
		if t.Scope == schema.ScopeAggregate {
			if t.Window > horizon {
				return nil, schema.NewConfigError(field+".window", "%v exceeds the aggregate horizon %v", t.Window, horizon)
			}
			index = &rs.aggregate
		}
		if index[t.PacketType] != nil {
			return nil, schema.NewConfigError(field, "duplicate %s threshold for %s", t.Scope, t.PacketType)
		}
		index[t.PacketType] = t
	}

	return rs, nil
}

// quietPeriod is how long a source key must go without packets before the
// sweep recovers it.
func (rs *ruleset) quietPeriod(scope schema.Scope, pt schema.PacketType) time.Duration {
	rule := rs.source[pt]
	if scope == schema.ScopeAggregate {
		rule = rs.aggregate[pt]
	}
	if rule == nil {
		return 0
	}
	return rule.Window + rs.cfg.RecoveryWindow
}
