package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// UDPServerConfig holds configuration for the UDP server.
type UDPServerConfig struct {
	Address        string
	BufferSize     int
	Workers        int
	MaxMessageSize int
}

// DefaultUDPServerConfig returns the default UDP server configuration.
func DefaultUDPServerConfig() UDPServerConfig {
	return UDPServerConfig{
		Address:        ":7600",
		BufferSize:     8 * 1024 * 1024, // 8MB
		Workers:        4,
		MaxMessageSize: 65535,
	}
}

// UDPServerMetrics holds metrics for the UDP server.
type UDPServerMetrics struct {
	Received uint64
	Accepted uint64
	Errors   uint64
}

// UDPServer receives raw-record JSON datagrams from probes.
type UDPServer struct {
	config   UDPServerConfig
	conn     *net.UDPConn
	ingester Ingester
	logger   *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}

	// Metrics
	received atomic.Uint64
	accepted atomic.Uint64
	errors   atomic.Uint64
}

// NewUDPServer creates a new UDP server feeding ing.
func NewUDPServer(cfg UDPServerConfig, ing Ingester, logger *slog.Logger) *UDPServer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultUDPServerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return &UDPServer{
		config:   cfg,
		ingester: ing,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start binds the socket and starts the receiver and workers. Plain UDP
// carries no authentication; use DTLSServer across untrusted networks.
func (s *UDPServer) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	if s.config.BufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
			s.logger.Warn("failed to set UDP read buffer", "error", err)
		}
	}
	s.conn = conn

	s.logger.Info("UDP ingest server started", "address", conn.LocalAddr().String(), "workers", s.config.Workers)

	messages := make(chan datagram, s.config.Workers*100)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(messages)
	}

	s.wg.Add(1)
	go s.receiver(ctx, messages)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

type datagram struct {
	data   []byte
	remote string
}

func (s *UDPServer) receiver(ctx context.Context, messages chan<- datagram) {
	defer s.wg.Done()
	defer close(messages)

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Read deadline lets the loop notice shutdown.
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("UDP read error", "error", err)
				continue
			}
		}

		s.received.Add(1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case messages <- datagram{data: data, remote: remoteAddr.String()}:
		default:
			s.errors.Add(1)
			s.logger.Debug("UDP message channel full, dropping datagram")
		}
	}
}

func (s *UDPServer) worker(messages <-chan datagram) {
	defer s.wg.Done()

	for msg := range messages {
		n, err := s.ingester.IngestJSON(msg.data)
		s.accepted.Add(uint64(n))
		if err != nil {
			s.errors.Add(1)
			s.logger.Debug("UDP record rejected", "remote", msg.remote, "error", err)
		}
	}
}

// Stop stops the UDP server and waits for in-flight datagrams.
func (s *UDPServer) Stop() {
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("UDP ingest server stopped",
		"received", s.received.Load(),
		"accepted", s.accepted.Load(),
		"errors", s.errors.Load(),
	)
}

// Metrics returns the current server metrics.
func (s *UDPServer) Metrics() UDPServerMetrics {
	return UDPServerMetrics{
		Received: s.received.Load(),
		Accepted: s.accepted.Load(),
		Errors:   s.errors.Load(),
	}
}
