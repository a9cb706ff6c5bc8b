// Package window provides rolling time-window counters used for rate
// estimation.
package window

import (
	"math"
	"slices"
	"sort"
	"time"
)

// DefaultCapacity bounds a window when no capacity is configured.
const DefaultCapacity = 4096

// overflowBuckets is the number of coarse buckets that hold arrivals
// dropped for capacity. A bucket wholly outside the window is discarded
// exactly. A bucket straddling the cutoff is split on the assumption that
// its arrivals are spread evenly between its first and last timestamp, so
// the count overstates by less than one bucket's arrivals.
const overflowBuckets = 16

type overflowBucket struct {
	start time.Time
	first time.Time
	last  time.Time
	count int
}

// trimBefore drops the share of the bucket older than cutoff. The caller
// guarantees first < cutoff <= last.
func (b *overflowBucket) trimBefore(cutoff time.Time) {
	span := b.last.Sub(b.first)
	live := b.last.Sub(cutoff)
	keep := int(math.Ceil(float64(b.count) * float64(live) / float64(span)))
	if keep < 1 {
		keep = 1
	}
	if keep < b.count {
		b.count = keep
	}
	b.first = cutoff
}

// RateWindow is a rolling window of arrival timestamps for one packet type.
// It is not safe for concurrent use; callers serialize access.
type RateWindow struct {
	duration time.Duration
	capacity int

	// entries is ordered oldest first.
	entries  []time.Time
	overflow []overflowBucket
}

// New creates a RateWindow. A non-positive capacity selects DefaultCapacity.
func New(duration time.Duration, capacity int) *RateWindow {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RateWindow{
		duration: duration,
		capacity: capacity,
		entries:  make([]time.Time, 0, min(capacity, 64)),
	}
}

// Record adds an arrival at ts, trims entries older than the window and
// returns the number of arrivals inside the window.
//
// When the window has to drop entries to honor its capacity the returned
// count still includes them and a *CapacityError is returned with it.
func (w *RateWindow) Record(ts time.Time) (int, error) {
	w.insert(ts)
	w.trim(w.newest())

	var capErr error
	if excess := len(w.entries) - w.capacity; excess > 0 {
		for _, dropped := range w.entries[:excess] {
			w.addOverflow(dropped)
		}
		w.entries = w.entries[excess:]
		capErr = &CapacityError{Capacity: w.capacity, Overflow: w.overflowCount()}
	}

	return len(w.entries) + w.overflowCount(), capErr
}

// Count trims the window relative to now and returns the number of arrivals
// inside it. A now older than the newest entry is treated as the newest entry.
func (w *RateWindow) Count(now time.Time) int {
	if newest := w.newest(); newest.After(now) {
		now = newest
	}
	w.trim(now)
	return len(w.entries) + w.overflowCount()
}

// SetParams changes duration and capacity. Existing entries are kept and
// the new bounds apply from the next Record or Count.
func (w *RateWindow) SetParams(duration time.Duration, capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	w.duration = duration
	w.capacity = capacity
}

// Len returns the number of retained timestamps, excluding overflow.
func (w *RateWindow) Len() int {
	return len(w.entries)
}

// Duration returns the window length.
func (w *RateWindow) Duration() time.Duration {
	return w.duration
}

// Capacity returns the maximum number of retained timestamps.
func (w *RateWindow) Capacity() int {
	return w.capacity
}

// Entries returns a copy of the retained timestamps, oldest first.
func (w *RateWindow) Entries() []time.Time {
	return slices.Clone(w.entries)
}

func (w *RateWindow) insert(ts time.Time) {
	n := len(w.entries)
	if n == 0 || !ts.Before(w.entries[n-1]) {
		w.entries = append(w.entries, ts)
		return
	}
	// Late arrival: keep the slice ordered so trimming stays a prefix cut.
	i := sort.Search(n, func(i int) bool { return w.entries[i].After(ts) })
	w.entries = slices.Insert(w.entries, i, ts)
}

func (w *RateWindow) newest() time.Time {
	if n := len(w.entries); n > 0 {
		return w.entries[n-1]
	}
	if n := len(w.overflow); n > 0 {
		return w.overflow[n-1].last
	}
	return time.Time{}
}

func (w *RateWindow) trim(now time.Time) {
	cutoff := now.Add(-w.duration)

	i := sort.Search(len(w.entries), func(i int) bool { return !w.entries[i].Before(cutoff) })
	if i > 0 {
		// Release the backing array once most of it is dead.
		if i > cap(w.entries)/2 {
			w.entries = slices.Clone(w.entries[i:])
		} else {
			w.entries = w.entries[i:]
		}
	}

	w.overflow = slices.DeleteFunc(w.overflow, func(b overflowBucket) bool {
		return b.last.Before(cutoff)
	})
	for i := range w.overflow {
		if b := &w.overflow[i]; b.first.Before(cutoff) {
			b.trimBefore(cutoff)
		}
	}
}

func (w *RateWindow) addOverflow(ts time.Time) {
	start := ts.Truncate(w.bucketWidth())
	if n := len(w.overflow); n > 0 && !w.overflow[n-1].start.Before(start) {
		b := &w.overflow[n-1]
		b.count++
		if ts.Before(b.first) {
			b.first = ts
		}
		if ts.After(b.last) {
			b.last = ts
		}
		return
	}
	w.overflow = append(w.overflow, overflowBucket{start: start, first: ts, last: ts, count: 1})
}

func (w *RateWindow) overflowCount() int {
	total := 0
	for _, b := range w.overflow {
		total += b.count
	}
	return total
}

func (w *RateWindow) bucketWidth() time.Duration {
	width := w.duration / overflowBuckets
	if width <= 0 {
		width = time.Nanosecond
	}
	return width
}
