// Package tracker keeps per-source rate accounting for the detection engine.
package tracker

import (
	"errors"
	"sync"
	"time"

	"nettrace-guardian/internal/schema"
	"nettrace-guardian/internal/window"
)

// ErrEvicted is returned when a tracker was retired by an idle sweep while
// a caller still held it. The caller re-acquires from the Table.
var ErrEvicted = errors.New("tracker: evicted")

// SourceTracker bundles the per-type rate windows and alert machines of a
// single source address. All access is serialized by its own mutex.
type SourceTracker struct {
	sourceIP string

	mu       sync.Mutex
	windows  [schema.PacketTypeCount]*window.RateWindow
	alerts   [schema.PacketTypeCount]Alert
	touched  [schema.PacketTypeCount]time.Time
	lastSeen time.Time
	evicted  bool
}

func newSourceTracker(sourceIP string, now time.Time) *SourceTracker {
	return &SourceTracker{
		sourceIP: sourceIP,
		lastSeen: now,
	}
}

// SourceIP returns the tracked address.
func (t *SourceTracker) SourceIP() string {
	return t.sourceIP
}

// Record adds p to the window for its type, creating the window lazily,
// and returns the in-window count. now is the wall-clock time used for idle
// eviction. A *window.CapacityError may accompany a valid count.
func (t *SourceTracker) Record(p schema.Packet, duration time.Duration, capacity int, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.evicted {
		return 0, ErrEvicted
	}

	w := t.windows[p.Type]
	if w == nil {
		w = window.New(duration, capacity)
		t.windows[p.Type] = w
	} else if w.Duration() != duration || (capacity > 0 && w.Capacity() != capacity) {
		w.SetParams(duration, capacity)
	}

	t.lastSeen = now
	t.touched[p.Type] = now
	return w.Record(p.ArrivalTime)
}

// Transition feeds a rate evaluation to the alert machine for pt.
func (t *SourceTracker) Transition(pt schema.PacketType, breached bool, at time.Time, recovery time.Duration) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alerts[pt].Observe(breached, at, recovery)
}

// RecoverQuiet returns to NORMAL every alerting type that has seen no
// packets for its quiet period, measured on the wall clock.
func (t *SourceTracker) RecoverQuiet(now time.Time, quietFor func(schema.PacketType) time.Duration) []schema.PacketType {
	t.mu.Lock()
	defer t.mu.Unlock()

	var recovered []schema.PacketType
	for _, pt := range schema.PacketTypes() {
		if t.alerts[pt].State() != StateAlerting {
			continue
		}
		if now.Sub(t.touched[pt]) >= quietFor(pt) {
			t.alerts[pt].Reset()
			recovered = append(recovered, pt)
		}
	}
	return recovered
}

// State returns the alert state for pt.
func (t *SourceTracker) State(pt schema.PacketType) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alerts[pt].State()
}

// Count returns the in-window count for pt without recording.
func (t *SourceTracker) Count(pt schema.PacketType) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w := t.windows[pt]; w != nil {
		return w.Count(time.Time{})
	}
	return 0
}

// LastSeen returns the wall-clock time of the last recorded packet.
func (t *SourceTracker) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// retireIfIdle marks the tracker evicted when it has been idle for ttl.
func (t *SourceTracker) retireIfIdle(now time.Time, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.lastSeen) < ttl {
		return false
	}
	t.evicted = true
	return true
}

// Snapshot is a point-in-time view of a tracker.
type Snapshot struct {
	SourceIP string         `json:"source_ip"`
	LastSeen time.Time      `json:"last_seen"`
	Counts   map[string]int `json:"counts"`
	Alerting []string       `json:"alerting,omitempty"`
}

// Snapshot returns a copy of the tracker's counters and alert states.
func (t *SourceTracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		SourceIP: t.sourceIP,
		LastSeen: t.lastSeen,
		Counts:   make(map[string]int),
	}
	for _, pt := range schema.PacketTypes() {
		if w := t.windows[pt]; w != nil {
			snap.Counts[pt.String()] = w.Count(time.Time{})
		}
		if t.alerts[pt].State() == StateAlerting {
			snap.Alerting = append(snap.Alerting, pt.String())
		}
	}
	return snap
}
