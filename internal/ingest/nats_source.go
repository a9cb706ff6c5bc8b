package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS source.
type NATSConfig struct {
	URL           string
	Subject       string
	Queue         string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
	DrainTimeout  time.Duration
}

// DefaultNATSConfig returns the default NATS source configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "guardian.packets",
		Name:          "nettrace-guardian",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		DrainTimeout:  5 * time.Second,
	}
}

// NATSSourceMetrics holds metrics for the NATS source.
type NATSSourceMetrics struct {
	Received uint64
	Accepted uint64
	Errors   uint64
}

// NATSSource subscribes to a subject on which probes publish raw records.
type NATSSource struct {
	config   NATSConfig
	ingester Ingester
	logger   *slog.Logger

	nc     *nats.Conn
	sub    *nats.Subscription
	closed chan struct{}

	received atomic.Uint64
	accepted atomic.Uint64
	errors   atomic.Uint64
}

// NewNATSSource creates a NATS source feeding ing.
func NewNATSSource(cfg NATSConfig, ing Ingester, logger *slog.Logger) *NATSSource {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return &NATSSource{
		config:   cfg,
		ingester: ing,
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

// Start connects and subscribes. A queue group is used when configured so
// several guardians can share one feed.
func (s *NATSSource) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(s.config.Name),
		nats.MaxReconnects(s.config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			s.logger.Info("NATS reconnected", "subject", s.config.Subject)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(s.closed)
		}),
	}
	if s.config.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(s.config.ReconnectWait))
	}

	nc, err := nats.Connect(s.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	s.nc = nc

	handler := func(msg *nats.Msg) { s.handle(msg.Data) }
	if s.config.Queue != "" {
		s.sub, err = nc.QueueSubscribe(s.config.Subject, s.config.Queue, handler)
	} else {
		s.sub, err = nc.Subscribe(s.config.Subject, handler)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to %s: %w", s.config.Subject, err)
	}

	s.logger.Info("NATS source started", "subject", s.config.Subject, "queue", s.config.Queue)
	return nil
}

func (s *NATSSource) handle(data []byte) {
	s.received.Add(1)
	n, err := s.ingester.IngestJSON(data)
	s.accepted.Add(uint64(n))
	if err != nil {
		s.errors.Add(1)
		s.logger.Debug("NATS record rejected", "subject", s.config.Subject, "error", err)
	}
}

// Stop drains the subscription so buffered messages are still ingested,
// then waits for the connection to close.
func (s *NATSSource) Stop() {
	if s.nc == nil {
		return
	}
	if err := s.nc.Drain(); err != nil {
		s.logger.Warn("NATS drain failed", "error", err)
		s.nc.Close()
	}

	select {
	case <-s.closed:
	case <-time.After(s.config.DrainTimeout):
		s.logger.Warn("NATS drain timed out")
		s.nc.Close()
	}

	s.logger.Info("NATS source stopped",
		"received", s.received.Load(),
		"accepted", s.accepted.Load(),
		"errors", s.errors.Load(),
	)
}

// Metrics returns the current source metrics.
func (s *NATSSource) Metrics() NATSSourceMetrics {
	return NATSSourceMetrics{
		Received: s.received.Load(),
		Accepted: s.accepted.Load(),
		Errors:   s.errors.Load(),
	}
}
