package window

import (
	"sync/atomic"
	"time"
)

const (
	countBits = 24
	countMask = 1<<countBits - 1
	epochMask = 1<<(64-countBits) - 1
)

// AtomicWindow is a lock-free rolling counter for hot keys such as the
// aggregate tracker. Arrivals are counted in fixed-resolution slots, each
// slot packing its epoch and count into one word updated by CAS, so the
// window length is quantised to the slot resolution.
type AtomicWindow struct {
	resolution time.Duration
	slots      []atomic.Uint64
}

// NewAtomicWindow creates a window able to answer queries for windows up to
// horizon long at the given slot resolution.
func NewAtomicWindow(resolution, horizon time.Duration) *AtomicWindow {
	if resolution <= 0 {
		resolution = 50 * time.Millisecond
	}
	if horizon < resolution {
		horizon = resolution
	}
	n := int(horizon/resolution) + 1
	return &AtomicWindow{
		resolution: resolution,
		slots:      make([]atomic.Uint64, n),
	}
}

// Record counts an arrival at ts and returns the number of arrivals in the
// window ending at ts. Arrivals older than the horizon are not counted.
func (w *AtomicWindow) Record(ts time.Time, window time.Duration) int {
	e := w.epoch(ts)
	slot := &w.slots[e%uint64(len(w.slots))]

	for {
		old := slot.Load()
		oe, oc := unpack(old)

		var next uint64
		switch {
		case oe == e:
			if oc == countMask {
				return w.Count(ts, window)
			}
			next = pack(e, oc+1)
		case oe < e:
			next = pack(e, 1)
		default:
			// The slot already belongs to a newer epoch.
			return w.Count(ts, window)
		}

		if slot.CompareAndSwap(old, next) {
			break
		}
	}

	return w.Count(ts, window)
}

// Count returns the number of arrivals in the window ending at ts.
func (w *AtomicWindow) Count(ts time.Time, window time.Duration) int {
	span := w.span(window)
	e := w.epoch(ts)
	n := uint64(len(w.slots))

	total := 0
	for i := uint64(0); i < span && i <= e; i++ {
		want := e - i
		se, sc := unpack(w.slots[want%n].Load())
		if se == want {
			total += int(sc)
		}
	}
	return total
}

// Reset zeroes every slot.
func (w *AtomicWindow) Reset() {
	for i := range w.slots {
		w.slots[i].Store(0)
	}
}

// Resolution returns the slot width.
func (w *AtomicWindow) Resolution() time.Duration {
	return w.resolution
}

// Horizon returns the longest window the counter can answer for.
func (w *AtomicWindow) Horizon() time.Duration {
	return time.Duration(len(w.slots)-1) * w.resolution
}

func (w *AtomicWindow) span(window time.Duration) uint64 {
	span := uint64((window + w.resolution - 1) / w.resolution)
	if span == 0 {
		span = 1
	}
	if limit := uint64(len(w.slots)); span > limit {
		span = limit
	}
	return span
}

func (w *AtomicWindow) epoch(ts time.Time) uint64 {
	return uint64(ts.UnixNano()/int64(w.resolution)) & epochMask
}

func pack(epoch, count uint64) uint64 {
	return epoch<<countBits | count
}

func unpack(v uint64) (epoch, count uint64) {
	return v >> countBits, v & countMask
}
