package storage

import (
	"context"
	"log/slog"

	"nettrace-guardian/internal/schema"
)

type rowWriter interface {
	Write(row ResponseRow) error
	Flush() error
	Close() error
}

// Recorder persists every response record. It implements response.Observer.
type Recorder struct {
	writer rowWriter
	logger *slog.Logger
}

// NewRecorder creates a Recorder that buffers rows in bw.
func NewRecorder(bw *BatchWriter, logger *slog.Logger) *Recorder {
	return newRecorder(bw, logger)
}

func newRecorder(w rowWriter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{writer: w, logger: logger}
}

// Observe buffers rec for insertion. Failures are logged, never returned,
// so storage problems cannot stall the response path.
func (r *Recorder) Observe(_ context.Context, rec schema.ResponseRecord) {
	row, ok := NewResponseRow(rec)
	if !ok {
		return
	}
	if err := r.writer.Write(row); err != nil {
		r.logger.Warn("failed to record response",
			"event_id", row.EventID.String(),
			"attack_type", row.AttackType,
			"status", row.Status,
			"error", err,
		)
	}
}

// Flush writes buffered rows immediately.
func (r *Recorder) Flush() error {
	return r.writer.Flush()
}

// Close flushes and stops the underlying writer.
func (r *Recorder) Close() error {
	return r.writer.Close()
}
