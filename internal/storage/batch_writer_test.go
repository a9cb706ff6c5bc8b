package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nettrace-guardian/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Mock implementations of driver.Conn and driver.Batch for unit testing
// without a real ClickHouse connection.
// ---------------------------------------------------------------------------

type mockConn struct {
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)

	queryErr error

	mu    sync.Mutex
	execs []string
}

func (m *mockConn) Contributors() []string                                          { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                   { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error       { return nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row       { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error { return nil }
func (m *mockConn) Ping(_ context.Context) error                                    { return nil }
func (m *mockConn) Stats() driver.Stats                                             { return driver.Stats{} }
func (m *mockConn) Close() error                                                    { return nil }

func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) {
	return nil, m.queryErr
}

func (m *mockConn) Exec(_ context.Context, query string, _ ...any) error {
	m.mu.Lock()
	m.execs = append(m.execs, query)
	m.mu.Unlock()
	return nil
}

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu       sync.Mutex
	rows     [][]any
	sendFunc func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	m.rows = append(m.rows, v)
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount() }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

func (m *mockBatch) appendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestRecord(status schema.ResponseStatus) schema.ResponseRecord {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	ev := schema.NewDetectionEvent(schema.PacketSYN, schema.ScopeSource, "192.168.1.100", 10, time.Second, 5, ts)
	rec := schema.ResponseRecord{
		Event:     ev,
		Status:    status,
		HandledAt: ts.Add(50 * time.Millisecond),
	}
	if status == schema.StatusDispatched {
		rec.Outcomes = []schema.Outcome{
			{Handler: "log", Action: "logged"},
			{Handler: "block", Action: "block", Detail: "ttl=5m0s"},
		}
	}
	return rec
}

func newTestRow() ResponseRow {
	row, _ := NewResponseRow(newTestRecord(schema.StatusDispatched))
	return row
}

func newMockClient(conn driver.Conn) *ClickHouseClient {
	return NewClickHouseClientFromConn(conn, DefaultClickHouseConfig())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWriter(conn driver.Conn, cfg BatchWriterConfig) *BatchWriter {
	return NewBatchWriter(newMockClient(conn), cfg, discardLogger())
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDefaultBatchWriterConfig(t *testing.T) {
	cfg := DefaultBatchWriterConfig()

	if cfg.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.BatchSize)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", cfg.RetryDelay)
	}
}

func TestNewBatchWriter_FillsZeroValues(t *testing.T) {
	bw := newTestWriter(&mockConn{}, BatchWriterConfig{})
	defer bw.Close()

	def := DefaultBatchWriterConfig()
	if bw.config.BatchSize != def.BatchSize {
		t.Errorf("BatchSize = %d, want %d", bw.config.BatchSize, def.BatchSize)
	}
	if bw.config.FlushInterval != def.FlushInterval {
		t.Errorf("FlushInterval = %v, want %v", bw.config.FlushInterval, def.FlushInterval)
	}
	if cap(bw.buffer) != def.BatchSize {
		t.Errorf("initial buffer capacity = %d, want %d", cap(bw.buffer), def.BatchSize)
	}
}

func TestNewResponseRow(t *testing.T) {
	tests := []struct {
		name         string
		status       schema.ResponseStatus
		wantHandlers []string
		wantOutcomes string
	}{
		{"dispatched", schema.StatusDispatched, []string{"log", "block"}, ""},
		{"suppressed", schema.StatusSuppressed, []string{}, "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newTestRecord(tt.status)
			row, ok := NewResponseRow(rec)
			if !ok {
				t.Fatal("NewResponseRow() ok = false")
			}

			if row.EventID != rec.Event.ID {
				t.Errorf("EventID = %v, want %v", row.EventID, rec.Event.ID)
			}
			if row.AttackType != "syn_flood" {
				t.Errorf("AttackType = %q, want syn_flood", row.AttackType)
			}
			if row.PacketType != "syn" {
				t.Errorf("PacketType = %q, want syn", row.PacketType)
			}
			if row.Scope != "source" {
				t.Errorf("Scope = %q, want source", row.Scope)
			}
			if row.Count != 10 {
				t.Errorf("Count = %d, want 10", row.Count)
			}
			if row.Status != string(tt.status) {
				t.Errorf("Status = %q, want %q", row.Status, tt.status)
			}
			if len(row.Handlers) != len(tt.wantHandlers) {
				t.Fatalf("Handlers = %v, want %v", row.Handlers, tt.wantHandlers)
			}
			for i := range tt.wantHandlers {
				if row.Handlers[i] != tt.wantHandlers[i] {
					t.Errorf("Handlers[%d] = %q, want %q", i, row.Handlers[i], tt.wantHandlers[i])
				}
			}
			if tt.wantOutcomes != "" && row.Outcomes != tt.wantOutcomes {
				t.Errorf("Outcomes = %q, want %q", row.Outcomes, tt.wantOutcomes)
			}
			if row.Errors == nil {
				t.Error("Errors should be an empty slice, not nil")
			}
		})
	}
}

func TestNewResponseRow_NilEvent(t *testing.T) {
	if _, ok := NewResponseRow(schema.ResponseRecord{Status: schema.StatusSuppressed}); ok {
		t.Error("NewResponseRow() without an event should report ok = false")
	}
}

func TestBatchWriterWriteBuffersRows(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     100, // large enough so writes do not trigger a flush
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	bw := newTestWriter(&mockConn{}, cfg)
	defer bw.Close()

	for i := 0; i < 5; i++ {
		if err := bw.Write(newTestRow()); err != nil {
			t.Fatalf("Write() error on row %d: %v", i, err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Pending != 5 {
		t.Errorf("Pending = %d, want 5", metrics.Pending)
	}
	if metrics.Written != 0 {
		t.Errorf("Written = %d, want 0 (no flush triggered yet)", metrics.Written)
	}
}

func TestBatchWriterWriteWhenClosed(t *testing.T) {
	bw := newTestWriter(&mockConn{}, DefaultBatchWriterConfig())

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := bw.Write(newTestRow()); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write() after Close() error = %v, want ErrWriterClosed", err)
	}
}

func TestBatchWriterFlushOnBatchSize(t *testing.T) {
	batchSize := 5
	cfg := BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour, // long interval to prevent timer flush
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}

	batch := &mockBatch{}
	var query string
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, q string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			query = q
			return batch, nil
		},
	}
	bw := newTestWriter(conn, cfg)
	defer bw.Close()

	for i := 0; i < batchSize; i++ {
		if err := bw.Write(newTestRow()); err != nil {
			t.Fatalf("Write() error on row %d: %v", i, err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after flush", metrics.Pending)
	}
	if metrics.Written != uint64(batchSize) {
		t.Errorf("Written = %d, want %d", metrics.Written, batchSize)
	}
	if metrics.Batches != 1 {
		t.Errorf("Batches = %d, want 1", metrics.Batches)
	}
	if batch.appendCount() != batchSize {
		t.Fatalf("batch rows = %d, want %d", batch.appendCount(), batchSize)
	}
	if query != insertResponses {
		t.Errorf("insert query = %q", query)
	}

	first := batch.rows[0]
	if len(first) != 15 {
		t.Fatalf("appended columns = %d, want 15", len(first))
	}
	if id, ok := first[0].(uuid.UUID); !ok || id == uuid.Nil {
		t.Errorf("event_id column = %v", first[0])
	}
	if first[4] != "192.168.1.100" {
		t.Errorf("source_ip column = %v", first[4])
	}
}

func TestBatchWriterFlushOnInterval(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}

	var sends atomic.Int32
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error {
				sends.Add(1)
				return nil
			}}, nil
		},
	}
	bw := newTestWriter(conn, cfg)
	defer bw.Close()

	for i := 0; i < 3; i++ {
		bw.Write(newTestRow())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && bw.Metrics().Written < 3 {
		time.Sleep(5 * time.Millisecond)
	}

	if got := bw.Metrics().Written; got != 3 {
		t.Fatalf("Written = %d, want 3 after timer flush", got)
	}
	if sends.Load() != 1 {
		t.Errorf("sends = %d, want 1", sends.Load())
	}
}

func TestBatchWriterMultipleBatchFlushes(t *testing.T) {
	batchSize := 3
	cfg := BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	bw := newTestWriter(&mockConn{}, cfg)
	defer bw.Close()

	total := batchSize * 4
	for i := 0; i < total; i++ {
		if err := bw.Write(newTestRow()); err != nil {
			t.Fatalf("Write() error on row %d: %v", i, err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Written != uint64(total) {
		t.Errorf("Written = %d, want %d", metrics.Written, total)
	}
	if metrics.Batches != 4 {
		t.Errorf("Batches = %d, want 4", metrics.Batches)
	}
}

func TestBatchWriterCloseFlushesBuffer(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}

	var sendCalled atomic.Bool
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{
				sendFunc: func() error {
					sendCalled.Store(true)
					return nil
				},
			}, nil
		},
	}
	bw := newTestWriter(conn, cfg)

	for i := 0; i < 3; i++ {
		if err := bw.Write(newTestRow()); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !sendCalled.Load() {
		t.Error("Close() should have flushed buffered rows (batch Send was not called)")
	}

	metrics := bw.Metrics()
	if metrics.Written != 3 {
		t.Errorf("Written = %d, want 3 after close flush", metrics.Written)
	}
	if metrics.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after close", metrics.Pending)
	}
}

func TestBatchWriterRetryThenSuccess(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     2,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
	}

	var attempts atomic.Int32
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			if attempts.Add(1) < 3 {
				return nil, fmt.Errorf("connection reset")
			}
			return &mockBatch{}, nil
		},
	}
	bw := newTestWriter(conn, cfg)
	defer bw.Close()

	bw.Write(newTestRow())
	if err := bw.Write(newTestRow()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	metrics := bw.Metrics()
	if metrics.Written != 2 || metrics.Failed != 0 {
		t.Errorf("metrics = %+v, want 2 written and 0 failed", metrics)
	}
}

func TestBatchWriterFlushFailureUpdatesMetrics(t *testing.T) {
	batchSize := 3
	cfg := BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond, // keep retries fast
	}

	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	bw := newTestWriter(conn, cfg)
	defer bw.Close()

	var err error
	for i := 0; i < batchSize; i++ {
		err = bw.Write(newTestRow())
	}

	if !errors.Is(err, ErrInsertFailed) {
		t.Fatalf("Write() error = %v, want ErrInsertFailed", err)
	}
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error %T is not a *StorageError", err)
	}
	if se.Table != ResponsesTable || se.Retries != 2 {
		t.Errorf("StorageError = %+v", se)
	}

	metrics := bw.Metrics()
	if metrics.Failed != uint64(batchSize) {
		t.Errorf("Failed = %d, want %d", metrics.Failed, batchSize)
	}
	if metrics.Written != 0 {
		t.Errorf("Written = %d, want 0 (all inserts failed)", metrics.Written)
	}
}

func TestBatchWriterConcurrentWriteWithFlush(t *testing.T) {
	batchSize := 10
	cfg := BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	bw := newTestWriter(&mockConn{}, cfg)
	defer bw.Close()

	numGoroutines := 10
	rowsPerGoroutine := 50
	total := numGoroutines * rowsPerGoroutine

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for g := 0; g < numGoroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rowsPerGoroutine; i++ {
				bw.Write(newTestRow())
			}
		}()
	}

	wg.Wait()

	// Every row must be accounted for: either already written or still pending.
	metrics := bw.Metrics()
	accounted := int(metrics.Written) + metrics.Pending + int(metrics.Failed)
	if accounted != total {
		t.Errorf("Written(%d) + Pending(%d) + Failed(%d) = %d, want %d",
			metrics.Written, metrics.Pending, metrics.Failed, accounted, total)
	}
}

func TestMigratorEnsuresDatabase(t *testing.T) {
	conn := &mockConn{queryErr: errors.New("table unavailable")}
	m := NewMigrator(newMockClient(conn), discardLogger())

	if err := m.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail when applied migrations cannot be read")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.execs) != 2 {
		t.Fatalf("execs = %v, want 2", conn.execs)
	}
	if conn.execs[0] != "CREATE DATABASE IF NOT EXISTS guardian" {
		t.Errorf("first exec = %q", conn.execs[0])
	}
}
