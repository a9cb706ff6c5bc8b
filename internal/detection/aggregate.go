package detection

import (
	"sync/atomic"
	"time"

	"nettrace-guardian/internal/tracker"
	"nettrace-guardian/internal/window"
)

// aggregateTracker is the "*" tracker for one packet type. Every source
// hits it, so counting and state changes are lock-free.
type aggregateTracker struct {
	window *window.AtomicWindow

	state      atomic.Int32
	belowSince atomic.Int64 // packet time, unix nanos; zero while breached
	lastSeen   atomic.Int64 // wall clock, unix nanos
}

func newAggregateTracker(resolution, horizon time.Duration) *aggregateTracker {
	return &aggregateTracker{window: window.NewAtomicWindow(resolution, horizon)}
}

func (a *aggregateTracker) record(ts time.Time, w time.Duration, now time.Time) int {
	a.lastSeen.Store(now.UnixNano())
	return a.window.Record(ts, w)
}

// observe is the lock-free counterpart of tracker.Alert.Observe. The CAS on
// state guarantees a single TransitionAlert per entry into ALERTING no
// matter how many goroutines see the breach.
func (a *aggregateTracker) observe(breached bool, at time.Time, recovery time.Duration) tracker.Transition {
	if breached {
		a.belowSince.Store(0)
		if a.state.CompareAndSwap(int32(tracker.StateNormal), int32(tracker.StateAlerting)) {
			return tracker.TransitionAlert
		}
		return tracker.TransitionNone
	}

	if tracker.State(a.state.Load()) != tracker.StateAlerting {
		return tracker.TransitionNone
	}

	atNs := at.UnixNano()
	a.belowSince.CompareAndSwap(0, atNs)
	since := a.belowSince.Load()
	if since == 0 || atNs-since < int64(recovery) {
		return tracker.TransitionNone
	}
	if a.state.CompareAndSwap(int32(tracker.StateAlerting), int32(tracker.StateNormal)) {
		a.belowSince.Store(0)
		return tracker.TransitionRecover
	}
	return tracker.TransitionNone
}

// recoverQuiet returns the tracker to NORMAL when no packet has arrived for
// quiet on the wall clock.
func (a *aggregateTracker) recoverQuiet(now time.Time, quiet time.Duration) bool {
	if tracker.State(a.state.Load()) != tracker.StateAlerting {
		return false
	}
	if now.UnixNano()-a.lastSeen.Load() < int64(quiet) {
		return false
	}
	if a.state.CompareAndSwap(int32(tracker.StateAlerting), int32(tracker.StateNormal)) {
		a.belowSince.Store(0)
		return true
	}
	return false
}

func (a *aggregateTracker) currentState() tracker.State {
	return tracker.State(a.state.Load())
}
