package window

import (
	"sync"
	"testing"
	"time"
)

func TestAtomicWindow_Record(t *testing.T) {
	w := NewAtomicWindow(50*time.Millisecond, 10*time.Second)

	for i := 1; i <= 10; i++ {
		n := w.Record(at(i*100), time.Second)
		if n != i {
			t.Errorf("Record() #%d = %d, want %d", i, n, i)
		}
	}

	// At 1500ms the 1s window covers arrivals from 550ms onward.
	if got := w.Count(at(1500), time.Second); got != 5 {
		t.Errorf("Count() = %d, want 5", got)
	}
	if got := w.Count(at(5000), time.Second); got != 0 {
		t.Errorf("Count() long after = %d, want 0", got)
	}
}

func TestAtomicWindow_SlotReuse(t *testing.T) {
	w := NewAtomicWindow(100*time.Millisecond, time.Second)
	w.Record(at(0), time.Second)
	w.Record(at(0), time.Second)

	// Same slot index one ring later: stale count must not leak.
	later := at(0).Add(time.Duration(len(w.slots)) * 100 * time.Millisecond)
	if n := w.Record(later, time.Second); n != 1 {
		t.Errorf("Record() after wrap = %d, want 1", n)
	}
}

func TestAtomicWindow_Concurrent(t *testing.T) {
	w := NewAtomicWindow(10*time.Millisecond, time.Second)
	ts := at(0)

	const goroutines, perG = 16, 500
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				w.Record(ts, time.Second)
			}
		}()
	}
	wg.Wait()

	if got := w.Count(ts, time.Second); got != goroutines*perG {
		t.Errorf("Count() = %d, want %d", got, goroutines*perG)
	}
}

func TestAtomicWindow_Bounds(t *testing.T) {
	w := NewAtomicWindow(0, 0)
	if w.Resolution() != 50*time.Millisecond {
		t.Errorf("Resolution() = %v", w.Resolution())
	}
	if w.Horizon() != 50*time.Millisecond {
		t.Errorf("Horizon() = %v", w.Horizon())
	}

	w = NewAtomicWindow(100*time.Millisecond, time.Minute)
	w.Reset()
	if w.Horizon() != time.Minute {
		t.Errorf("Horizon() = %v, want 1m", w.Horizon())
	}
}
