package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nettrace-guardian/internal/schema"

	"github.com/google/uuid"
)

// ResponsesTable is the table response rows are inserted into.
const ResponsesTable = "guardian_responses"

const insertResponses = `
	INSERT INTO guardian_responses (
		event_id, attack_type, packet_type, scope, source_ip,
		observed_rate, threshold, count, window_seconds, detected_at,
		status, handlers, outcomes, errors, handled_at
	)
`

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"gte=1"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// ResponseRow is the flattened form of a response record.
type ResponseRow struct {
	EventID       uuid.UUID
	AttackType    string
	PacketType    string
	Scope         string
	SourceIP      string
	ObservedRate  float64
	Threshold     float64
	Count         uint32
	WindowSeconds float64
	DetectedAt    time.Time
	Status        string
	Handlers      []string
	Outcomes      string
	Errors        []string
	HandledAt     time.Time
}

// NewResponseRow flattens rec. Records without an event yield ok=false.
func NewResponseRow(rec schema.ResponseRecord) (ResponseRow, bool) {
	ev := rec.Event
	if ev == nil {
		return ResponseRow{}, false
	}

	handlers := make([]string, 0, len(rec.Outcomes))
	for _, o := range rec.Outcomes {
		handlers = append(handlers, o.Handler)
	}
	outcomes := "[]"
	if len(rec.Outcomes) > 0 {
		if b, err := json.Marshal(rec.Outcomes); err == nil {
			outcomes = string(b)
		}
	}
	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}
	count := ev.Count
	if count < 0 {
		count = 0
	}

	return ResponseRow{
		EventID:       ev.ID,
		AttackType:    ev.AttackType,
		PacketType:    ev.PacketType.String(),
		Scope:         string(ev.Scope),
		SourceIP:      ev.SourceIP,
		ObservedRate:  ev.ObservedRate,
		Threshold:     ev.Threshold,
		Count:         uint32(count),
		WindowSeconds: ev.WindowSeconds,
		DetectedAt:    ev.Timestamp.UTC(),
		Status:        string(rec.Status),
		Handlers:      handlers,
		Outcomes:      outcomes,
		Errors:        errs,
		HandledAt:     rec.HandledAt.UTC(),
	}, true
}

// BatchWriter handles batched inserts to ClickHouse.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig
	logger *slog.Logger

	buffer []ResponseRow
	mu     sync.Mutex

	flushTimer *time.Timer
	done       chan struct{}
	closed     bool

	// Metrics
	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}

	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]ResponseRow, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}

	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Write adds a row to the batch, flushing when the batch is full.
func (bw *BatchWriter) Write(row ResponseRow) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, row)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}

	return nil
}

// timerFlush is called by the flush timer.
func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			bw.logger.Error("timer flush failed", "error", err)
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	rows := bw.buffer
	bw.buffer = make([]ResponseRow, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(1<<(attempt-1)))
		}

		if err := bw.insertBatch(rows); err != nil {
			lastErr = err
			bw.logger.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(rows)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(rows)))
	return WrapInsertError(ResponsesTable, lastErr, bw.config.MaxRetries)
}

func (bw *BatchWriter) insertBatch(rows []ResponseRow) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, insertResponses)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range rows {
		err := batch.Append(
			r.EventID,
			r.AttackType,
			r.PacketType,
			r.Scope,
			r.SourceIP,
			r.ObservedRate,
			r.Threshold,
			r.Count,
			r.WindowSeconds,
			r.DetectedAt,
			r.Status,
			r.Handlers,
			r.Outcomes,
			r.Errors,
			r.HandledAt,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("batch inserted", "table", ResponsesTable, "count", len(rows))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes what is buffered.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()
	close(bw.done)

	return bw.Flush()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
