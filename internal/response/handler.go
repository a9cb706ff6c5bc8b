// Package response turns detection events into mitigations. A Pipeline
// applies a per-(attack, source) cooldown and then runs an ordered list of
// handlers, isolating each one from the failures of the others.
package response

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"nettrace-guardian/internal/schema"
)

// ErrHandlerPanic marks a HandlerError produced by a recovered panic.
var ErrHandlerPanic = errors.New("response: handler panicked")

// Handler mitigates a detection event. Implementations must be safe for
// concurrent use; the dispatcher runs several workers.
type Handler interface {
	Name() string
	Mitigate(ctx context.Context, ev *schema.DetectionEvent) (schema.Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, ev *schema.DetectionEvent) (schema.Outcome, error)
}

// Name implements Handler.
func (f HandlerFunc) Name() string { return f.HandlerName }

// Mitigate implements Handler.
func (f HandlerFunc) Mitigate(ctx context.Context, ev *schema.DetectionEvent) (schema.Outcome, error) {
	return f.Fn(ctx, ev)
}

// HandlerError reports a failed or panicking handler.
type HandlerError struct {
	Handler string
	EventID uuid.UUID
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed for event %s: %v", e.Handler, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerError reports whether err carries a HandlerError.
func IsHandlerError(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}
