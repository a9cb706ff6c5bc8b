package tracker

import (
	"time"
)

// State is the alert state of one detection key.
type State int32

const (
	StateNormal State = iota
	StateAlerting
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateAlerting:
		return "alerting"
	default:
		return "unknown"
	}
}

// Transition is the result of feeding one observation to an Alert.
type Transition int

const (
	TransitionNone Transition = iota
	// TransitionAlert is NORMAL to ALERTING; exactly one event is emitted for it.
	TransitionAlert
	// TransitionRecover is ALERTING to NORMAL after the recovery window.
	TransitionRecover
)

// Alert is the debounced NORMAL/ALERTING machine for one key. It is not
// safe for concurrent use.
type Alert struct {
	state      State
	since      time.Time
	belowSince time.Time
}

// Observe feeds one rate evaluation taken at the given packet time.
// An alerting key recovers once it has stayed below threshold for the
// recovery window.
func (a *Alert) Observe(breached bool, at time.Time, recovery time.Duration) Transition {
	switch a.state {
	case StateNormal:
		if breached {
			a.state = StateAlerting
			a.since = at
			a.belowSince = time.Time{}
			return TransitionAlert
		}
	case StateAlerting:
		if breached {
			a.belowSince = time.Time{}
			return TransitionNone
		}
		if a.belowSince.IsZero() || at.Before(a.belowSince) {
			a.belowSince = at
		}
		if at.Sub(a.belowSince) >= recovery {
			a.Reset()
			return TransitionRecover
		}
	}
	return TransitionNone
}

// Reset returns the machine to NORMAL.
func (a *Alert) Reset() {
	*a = Alert{}
}

// State returns the current state.
func (a *Alert) State() State {
	return a.state
}

// Since returns when the key entered ALERTING; zero when NORMAL.
func (a *Alert) Since() time.Time {
	return a.since
}
