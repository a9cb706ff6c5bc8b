// Package ingest converts packet observations from external feeds into
// schema.Packet values and forwards them to a detection.Processor.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"nettrace-guardian/internal/detection"
	"nettrace-guardian/internal/metrics"
	"nettrace-guardian/internal/schema"
)

var (
	// ErrMalformedRecord is returned when a payload is not valid record JSON.
	ErrMalformedRecord = errors.New("ingest: malformed record")
	// ErrBatchTooLarge is returned when a batch exceeds the configured limit.
	ErrBatchTooLarge = errors.New("ingest: batch too large")
)

// DefaultMaxBatch bounds the number of records in one payload.
const DefaultMaxBatch = 1000

// RawRecord is the wire form of a packet observation.
type RawRecord struct {
	Type      string   `json:"type"`
	SourceIP  string   `json:"source_ip" validate:"required,ip"`
	Size      *int     `json:"size,omitempty" validate:"omitempty,min=0"`
	Timestamp *float64 `json:"timestamp,omitempty" validate:"omitempty,unix_ts"`
}

// Ingester accepts JSON payloads. *Adapter implements it; the network
// servers depend only on this.
type Ingester interface {
	IngestJSON(data []byte) (int, error)
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithAdapterLogger sets the adapter logger.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// WithAdapterMetrics attaches Prometheus metrics.
func WithAdapterMetrics(m *metrics.Metrics) AdapterOption {
	return func(a *Adapter) { a.metrics = m }
}

// WithAdapterClock sets the clock used for records without a timestamp.
func WithAdapterClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) { a.now = now }
}

// WithValidator replaces the default record validator.
func WithValidator(v *schema.Validator) AdapterOption {
	return func(a *Adapter) { a.validator = v }
}

// WithMaxBatch sets the largest accepted batch.
func WithMaxBatch(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.maxBatch = n
		}
	}
}

// Adapter validates raw records and feeds them to a Processor.
type Adapter struct {
	processor detection.Processor
	validator *schema.Validator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	maxBatch  int

	// Rejections are logged through a sampler so a malformed feed cannot
	// flood the log.
	warnSampler *rate.Limiter

	accepted  atomic.Uint64
	rejected  atomic.Uint64
	malformed atomic.Uint64
}

// NewAdapter creates an Adapter in front of p.
func NewAdapter(p detection.Processor, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		processor: p,
		validator: schema.NewValidator(),
		logger:    slog.Default(),
		now:       time.Now,
		maxBatch:  DefaultMaxBatch,

		warnSampler: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest validates rec, converts it and hands it to the processor.
func (a *Adapter) Ingest(rec RawRecord) error {
	p, err := a.Packet(rec)
	if err != nil {
		a.reject(rec, err)
		return err
	}
	if err := a.processor.Process(p); err != nil {
		a.rejected.Add(1)
		a.metrics.IngestRecord("rejected")
		return err
	}
	a.accepted.Add(1)
	a.metrics.IngestRecord("accepted")
	return nil
}

// reject counts a record that failed validation. Processor errors are not
// logged here; the engine logs its own rejections.
func (a *Adapter) reject(rec RawRecord, err error) {
	a.rejected.Add(1)
	a.metrics.IngestRecord("rejected")

	if !a.warnSampler.Allow() {
		return
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		a.logger.Warn("record rejected",
			"source_ip", rec.SourceIP,
			"type", rec.Type,
			"field", verr.Field,
			"reason", verr.Reason,
		)
		return
	}
	a.logger.Warn("record rejected", "source_ip", rec.SourceIP, "type", rec.Type, "error", err)
}

// Packet converts rec into a schema.Packet. Unknown types map to
// PacketOther and a missing timestamp is replaced by the adapter clock.
func (a *Adapter) Packet(rec RawRecord) (schema.Packet, error) {
	if err := a.validator.Struct(&rec); err != nil {
		return schema.Packet{}, err
	}

	p := schema.Packet{
		Type:     schema.ParsePacketType(rec.Type),
		SourceIP: rec.SourceIP,
	}
	if rec.Size != nil {
		p.Size = *rec.Size
	}
	if rec.Timestamp != nil {
		p.ArrivalTime = unixTime(*rec.Timestamp)
		if err := a.validator.Timestamp(p.ArrivalTime); err != nil {
			return schema.Packet{}, err
		}
	} else {
		p.ArrivalTime = a.now()
	}
	return p, nil
}

// IngestJSON decodes a single record or an array of records and ingests
// each one. It returns the number accepted and the joined per-record errors.
func (a *Adapter) IngestJSON(data []byte) (int, error) {
	recs, err := a.decode(data)
	if err != nil {
		a.malformed.Add(1)
		a.metrics.IngestRecord("malformed")
		if a.warnSampler.Allow() {
			a.logger.Warn("payload rejected", "bytes", len(data), "error", err)
		}
		return 0, err
	}

	var (
		accepted int
		errs     []error
	)
	for i, rec := range recs {
		if err := a.Ingest(rec); err != nil {
			errs = append(errs, fmt.Errorf("record[%d]: %w", i, err))
			continue
		}
		accepted++
	}
	return accepted, errors.Join(errs...)
}

func (a *Adapter) decode(data []byte) ([]RawRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedRecord)
	}

	if data[0] == '[' {
		var recs []RawRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		if len(recs) > a.maxBatch {
			return nil, fmt.Errorf("%w: %d records, limit %d", ErrBatchTooLarge, len(recs), a.maxBatch)
		}
		return recs, nil
	}

	var rec RawRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return []RawRecord{rec}, nil
}

// AdapterMetrics holds adapter counters.
type AdapterMetrics struct {
	Accepted  uint64 `json:"accepted"`
	Rejected  uint64 `json:"rejected"`
	Malformed uint64 `json:"malformed"`
}

// Metrics returns adapter counters.
func (a *Adapter) Metrics() AdapterMetrics {
	return AdapterMetrics{
		Accepted:  a.accepted.Load(),
		Rejected:  a.rejected.Load(),
		Malformed: a.malformed.Load(),
	}
}

// unixTime converts fractional unix seconds to a UTC time.
func unixTime(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}
