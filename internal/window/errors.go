package window

import (
	"errors"
	"fmt"
)

// ErrCapacityExceeded is matched by every CapacityError.
var ErrCapacityExceeded = errors.New("window: capacity exceeded")

// CapacityError reports that a window had to drop entries to stay within
// its capacity. The count returned alongside it still includes the dropped
// in-window arrivals.
type CapacityError struct {
	Capacity int
	// Overflow is the number of dropped arrivals still inside the window.
	Overflow int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("window: capacity %d exceeded, %d in-window arrivals held as overflow", e.Capacity, e.Overflow)
}

// Unwrap returns ErrCapacityExceeded for errors.Is support.
func (e *CapacityError) Unwrap() error {
	return ErrCapacityExceeded
}
