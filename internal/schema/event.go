package schema

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Scope says whether a threshold applies to one source or to all sources
// combined.
type Scope string

const (
	ScopeSource    Scope = "source"
	ScopeAggregate Scope = "aggregate"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeSource || s == ScopeAggregate
}

// AggregateSource is the SourceIP carried by aggregate detection events.
const AggregateSource = "aggregate"

// DetectionEvent is emitted once per NORMAL to ALERTING transition and
// consumed once by the response pipeline.
type DetectionEvent struct {
	ID            uuid.UUID  `json:"id"`
	AttackType    string     `json:"attack_type"`
	PacketType    PacketType `json:"packet_type"`
	Scope         Scope      `json:"scope"`
	SourceIP      string     `json:"source_ip"`
	ObservedRate  float64    `json:"observed_rate"`
	Threshold     float64    `json:"threshold"`
	Count         int        `json:"count"`
	WindowSeconds float64    `json:"window_seconds"`
	Timestamp     time.Time  `json:"timestamp"`
}

// NewDetectionEvent builds an event for a breach of threshold observed at ts.
func NewDetectionEvent(pt PacketType, scope Scope, sourceIP string, count int, window time.Duration, threshold float64, ts time.Time) *DetectionEvent {
	if scope == ScopeAggregate {
		sourceIP = AggregateSource
	}
	return &DetectionEvent{
		ID:            uuid.New(),
		AttackType:    pt.AttackType(),
		PacketType:    pt,
		Scope:         scope,
		SourceIP:      sourceIP,
		ObservedRate:  Rate(count, window),
		Threshold:     threshold,
		Count:         count,
		WindowSeconds: window.Seconds(),
		Timestamp:     ts,
	}
}

// Rate converts a window count into packets per second.
func Rate(count int, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(count) / window.Seconds()
}

// Key identifies the (attack_type, source_ip) pair used for cooldowns.
func (e *DetectionEvent) Key() string {
	return e.AttackType + "|" + e.SourceIP
}

// IsAggregate reports whether the event covers all sources combined.
func (e *DetectionEvent) IsAggregate() bool {
	return e.Scope == ScopeAggregate
}

// LogValue implements slog.LogValuer.
func (e *DetectionEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", e.ID.String()),
		slog.String("attack_type", e.AttackType),
		slog.String("scope", string(e.Scope)),
		slog.String("source_ip", e.SourceIP),
		slog.Float64("observed_rate", e.ObservedRate),
		slog.Float64("threshold", e.Threshold),
		slog.Int("count", e.Count),
		slog.Time("timestamp", e.Timestamp),
	)
}

// MitigationRecord tracks the last dispatched response for one
// (attack_type, source_ip) pair.
type MitigationRecord struct {
	AttackType     string    `json:"attack_type"`
	SourceIP       string    `json:"source_ip"`
	FirstAction    time.Time `json:"first_action"`
	LastActionTime time.Time `json:"last_action_time"`
	Actions        int       `json:"actions"`
	Suppressed     int       `json:"suppressed"`
}

// ResponseStatus is the fate of an event in the response pipeline.
type ResponseStatus string

const (
	StatusDispatched ResponseStatus = "dispatched"
	StatusSuppressed ResponseStatus = "suppressed"
)

// Outcome describes what a single mitigation handler did.
type Outcome struct {
	Handler string   `json:"handler"`
	Action  string   `json:"action"`
	Detail  string   `json:"detail,omitempty"`
	Steps   []string `json:"steps,omitempty"`
	Skipped bool     `json:"skipped,omitempty"`
}

// ResponseRecord is the observability record for one handled event.
type ResponseRecord struct {
	Event     *DetectionEvent `json:"event"`
	Status    ResponseStatus  `json:"status"`
	Outcomes  []Outcome       `json:"outcomes,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
	HandledAt time.Time       `json:"handled_at"`
}
