package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPServerConfig holds configuration for the TCP server.
type TCPServerConfig struct {
	Address        string
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLineLength  int
}

// DefaultTCPServerConfig returns the default TCP server configuration.
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Address:        ":7602",
		TLSEnabled:     false,
		MaxConnections: 256,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  65535,
	}
}

// TCPServerMetrics holds metrics for the TCP server.
type TCPServerMetrics struct {
	Connections uint64
	Received    uint64
	Accepted    uint64
	Errors      uint64
}

// TCPServer receives newline-delimited raw-record JSON over TCP.
type TCPServer struct {
	config   TCPServerConfig
	listener net.Listener
	ingester Ingester
	logger   *slog.Logger

	connCount atomic.Int32
	active    map[net.Conn]struct{}
	activeMu  sync.Mutex
	wg        sync.WaitGroup
	done      chan struct{}

	connections atomic.Uint64
	received    atomic.Uint64
	accepted    atomic.Uint64
	errors      atomic.Uint64
}

// NewTCPServer creates a new TCP server feeding ing.
func NewTCPServer(cfg TCPServerConfig, ing Ingester, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultTCPServerConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = def.MaxLineLength
	}
	return &TCPServer{
		config:   cfg,
		ingester: ing,
		logger:   logger,
		active:   make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the TCP server.
func (s *TCPServer) Start(ctx context.Context) error {
	var listener net.Listener
	var err error

	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return err
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		listener, err = tls.Listen("tcp", s.config.Address, tlsConfig)
		if err != nil {
			return err
		}
	} else {
		listener, err = net.Listen("tcp", s.config.Address)
		if err != nil {
			return err
		}
	}

	s.listener = listener

	s.logger.Info("TCP ingest server started",
		"address", listener.Addr().String(),
		"tls", s.config.TLSEnabled,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Accept deadline lets the loop notice shutdown.
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("TCP accept error", "error", err)
				continue
			}
		}

		if s.connCount.Load() >= int32(s.config.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.connCount.Add(1)
		s.connections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.connCount.Add(-1)
	defer conn.Close()

	s.activeMu.Lock()
	s.active[conn] = struct{}{}
	s.activeMu.Unlock()
	defer func() {
		s.activeMu.Lock()
		delete(s.active, conn)
		s.activeMu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("new TCP connection", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.config.MaxLineLength)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		if !scanner.Scan() {
			err := scanner.Err()
			var netErr net.Error
			switch {
			case err == nil, errors.Is(err, io.EOF):
			case errors.As(err, &netErr) && netErr.Timeout():
				s.logger.Debug("TCP connection idle timeout", "remote", remote)
			default:
				s.errors.Add(1)
				s.logger.Debug("TCP read error", "remote", remote, "error", err)
			}
			return
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.received.Add(1)

		n, err := s.ingester.IngestJSON(line)
		s.accepted.Add(uint64(n))
		if err != nil {
			s.errors.Add(1)
			s.logger.Debug("TCP record rejected", "remote", remote, "error", err)
		}
	}
}

// Stop stops the TCP server gracefully.
func (s *TCPServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	// Unblock readers waiting on idle connections.
	s.activeMu.Lock()
	for conn := range s.active {
		conn.Close()
	}
	s.activeMu.Unlock()
	s.wg.Wait()
	s.logger.Info("TCP ingest server stopped",
		"connections", s.connections.Load(),
		"received", s.received.Load(),
		"accepted", s.accepted.Load(),
		"errors", s.errors.Load(),
	)
}

// Metrics returns the current server metrics.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: s.connections.Load(),
		Received:    s.received.Load(),
		Accepted:    s.accepted.Load(),
		Errors:      s.errors.Load(),
	}
}

// ActiveConnections returns the number of currently active connections.
func (s *TCPServer) ActiveConnections() int {
	return int(s.connCount.Load())
}
