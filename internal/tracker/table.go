package tracker

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"nettrace-guardian/internal/schema"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 256

type shard struct {
	mu       sync.RWMutex
	trackers map[string]*SourceTracker
}

// Table is a sharded map of SourceTrackers keyed by source address. Shard
// locks only guard lookup and insertion; window updates take the tracker's
// own lock, so different sources never contend on counting.
type Table struct {
	shards []shard
	mask   uint32
	size   atomic.Int64
}

// NewTable creates a Table. The shard count is rounded up to a power of two.
func NewTable(shards int) *Table {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}

	t := &Table{
		shards: make([]shard, n),
		mask:   uint32(n - 1),
	}
	for i := range t.shards {
		t.shards[i].trackers = make(map[string]*SourceTracker)
	}
	return t
}

func (t *Table) shardFor(ip string) *shard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return &t.shards[h.Sum32()&t.mask]
}

// Acquire returns the tracker for ip, creating it if absent.
func (t *Table) Acquire(ip string, now time.Time) *SourceTracker {
	s := t.shardFor(ip)

	s.mu.RLock()
	tr, ok := s.trackers[ip]
	s.mu.RUnlock()
	if ok {
		return tr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok = s.trackers[ip]; ok {
		return tr
	}
	tr = newSourceTracker(ip, now)
	s.trackers[ip] = tr
	t.size.Add(1)
	return tr
}

// Record acquires the tracker for p.SourceIP and records p in it. A tracker
// retired by a concurrent sweep is replaced, so the arrival is never lost.
func (t *Table) Record(p schema.Packet, duration time.Duration, capacity int, now time.Time) (*SourceTracker, int, error) {
	for {
		tr := t.Acquire(p.SourceIP, now)
		n, err := tr.Record(p, duration, capacity, now)
		if errors.Is(err, ErrEvicted) {
			continue
		}
		return tr, n, err
	}
}

// Lookup returns the tracker for ip without creating it.
func (t *Table) Lookup(ip string) (*SourceTracker, bool) {
	s := t.shardFor(ip)
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.trackers[ip]
	return tr, ok
}

// Len returns the number of live trackers.
func (t *Table) Len() int {
	return int(t.size.Load())
}

// Sweep removes trackers idle for at least ttl and returns how many were
// removed. Shards are swept one at a time.
func (t *Table) Sweep(now time.Time, ttl time.Duration) int {
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for ip, tr := range s.trackers {
			if tr.retireIfIdle(now, ttl) {
				delete(s.trackers, ip)
				removed++
			}
		}
		s.mu.Unlock()
	}
	t.size.Add(-int64(removed))
	return removed
}

// Each calls fn for every tracker. Each shard is snapshotted under its read
// lock and fn runs outside it.
func (t *Table) Each(fn func(*SourceTracker)) {
	var batch []*SourceTracker
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		batch = batch[:0]
		for _, tr := range s.trackers {
			batch = append(batch, tr)
		}
		s.mu.RUnlock()

		for _, tr := range batch {
			fn(tr)
		}
	}
}
