package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"
)

// Common errors for DTLS server.
var (
	ErrDTLSCertRequired       = errors.New("DTLS requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual TLS requires CA certificate")
)

// DTLSServerConfig holds configuration for the DTLS server.
type DTLSServerConfig struct {
	// Address to listen on (e.g., ":7601")
	Address string

	// Certificate and key for DTLS
	CertFile string
	KeyFile  string

	// Optional: CA certificate for mutual TLS (probe certificate validation)
	CAFile string

	// RequireClientCert enforces mutual TLS
	RequireClientCert bool

	// Workers for record processing
	Workers int

	// MaxMessageSize is the maximum datagram size
	MaxMessageSize int

	// ConnectionTimeout is the timeout for DTLS handshake
	ConnectionTimeout time.Duration

	// IdleTimeout closes probe sessions that stop sending
	IdleTimeout time.Duration

	// AllowInsecure falls back to plain UDP when no certificate is set
	AllowInsecure bool
}

// DefaultDTLSServerConfig returns secure default configuration.
func DefaultDTLSServerConfig() DTLSServerConfig {
	return DTLSServerConfig{
		Address:           ":7601",
		Workers:           4,
		MaxMessageSize:    65535,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		AllowInsecure:     false,
		RequireClientCert: false,
	}
}

// DTLSServerMetrics holds metrics for the DTLS server.
type DTLSServerMetrics struct {
	Connections    uint64
	HandshakeErrs  uint64
	Received       uint64
	Accepted       uint64
	Errors         uint64
	InsecureWarned bool
}

// DTLSServer receives raw-record JSON over DTLS.
type DTLSServer struct {
	config   DTLSServerConfig
	listener net.Listener
	ingester Ingester
	logger   *slog.Logger

	// For plain UDP fallback
	udpConn *net.UDPConn

	wg   sync.WaitGroup
	done chan struct{}

	connections    atomic.Uint64
	handshakeErrs  atomic.Uint64
	received       atomic.Uint64
	accepted       atomic.Uint64
	errors         atomic.Uint64
	insecureWarned atomic.Bool
}

// NewDTLSServer validates cfg and creates a DTLS server feeding ing.
func NewDTLSServer(cfg DTLSServerConfig, ing Ingester, logger *slog.Logger) (*DTLSServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.AllowInsecure {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, ErrDTLSCertRequired
		}
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}

	def := DefaultDTLSServerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	return &DTLSServer{
		config:   cfg,
		ingester: ing,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start starts the DTLS server.
func (s *DTLSServer) Start(ctx context.Context) error {
	if s.config.AllowInsecure && (s.config.CertFile == "" || s.config.KeyFile == "") {
		return s.startInsecure(ctx)
	}
	return s.startSecure(ctx)
}

// dtlsConfig builds the listener configuration from the certificate files.
func (s *DTLSServer) dtlsConfig(ctx context.Context) (*dtls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DTLS certificate: %w", err)
	}

	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		cfg.ClientCAs = caPool
		cfg.ClientAuth = dtls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func (s *DTLSServer) startSecure(ctx context.Context) error {
	dtlsConfig, err := s.dtlsConfig(ctx)
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("DTLS ingest server started",
		"address", s.config.Address,
		"mutual_tls", s.config.RequireClientCert,
	)

	messages := make(chan datagram, s.config.Workers*100)
	s.startWorkers(messages)

	s.wg.Add(1)
	go s.acceptLoop(ctx, messages)

	return nil
}

func (s *DTLSServer) startInsecure(ctx context.Context) error {
	s.logger.Warn("DTLS server starting WITHOUT encryption",
		"address", s.config.Address,
		"recommendation", "configure cert_file and key_file outside test setups",
	)
	s.insecureWarned.Store(true)

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}
	s.udpConn = conn

	s.logger.Info("UDP fallback listener started", "address", conn.LocalAddr().String())

	messages := make(chan datagram, s.config.Workers*100)
	s.startWorkers(messages)

	s.wg.Add(1)
	go s.insecureReceiver(ctx, messages)

	return nil
}

func (s *DTLSServer) startWorkers(messages <-chan datagram) {
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(messages)
	}
}

// acceptLoop accepts DTLS sessions. Each session gets its own reader.
func (s *DTLSServer) acceptLoop(ctx context.Context, messages chan<- datagram) {
	defer s.wg.Done()

	var (
		conns    sync.WaitGroup
		activeMu sync.Mutex
		active   = make(map[net.Conn]struct{})
	)
	defer func() {
		// Unblock sessions waiting on idle peers.
		activeMu.Lock()
		for c := range active {
			c.Close()
		}
		activeMu.Unlock()
		conns.Wait()
		close(messages)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
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
				s.logger.Debug("DTLS accept error", "error", err)
				s.handshakeErrs.Add(1)
				continue
			}
		}

		s.connections.Add(1)

		activeMu.Lock()
		active[conn] = struct{}{}
		activeMu.Unlock()

		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handleConnection(ctx, conn, messages)
			activeMu.Lock()
			delete(active, conn)
			activeMu.Unlock()
		}()
	}
}

func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn, messages chan<- datagram) {
	defer conn.Close()

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	s.logger.Debug("new DTLS session", "remote", remote)

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		n, err := conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Debug("DTLS session idle timeout", "remote", remote)
				return
			}
			s.logger.Debug("DTLS read error", "error", err, "remote", remote)
			return
		}

		s.received.Add(1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case messages <- datagram{data: data, remote: remote}:
		default:
			s.errors.Add(1)
			s.logger.Debug("message channel full, dropping datagram")
		}
	}
}

func (s *DTLSServer) insecureReceiver(ctx context.Context, messages chan<- datagram) {
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

		s.udpConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, remoteAddr, err := s.udpConn.ReadFromUDP(buffer)
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
		}
	}
}

func (s *DTLSServer) worker(messages <-chan datagram) {
	defer s.wg.Done()

	for msg := range messages {
		n, err := s.ingester.IngestJSON(msg.data)
		s.accepted.Add(uint64(n))
		if err != nil {
			s.errors.Add(1)
			s.logger.Debug("DTLS record rejected", "remote", msg.remote, "error", err)
		}
	}
}

// Addr returns the bound address, or nil before Start.
func (s *DTLSServer) Addr() net.Addr {
	switch {
	case s.listener != nil:
		return s.listener.Addr()
	case s.udpConn != nil:
		return s.udpConn.LocalAddr()
	}
	return nil
}

// Stop stops the DTLS server gracefully.
func (s *DTLSServer) Stop() {
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}

	s.wg.Wait()

	s.logger.Info("DTLS ingest server stopped",
		"connections", s.connections.Load(),
		"handshake_errors", s.handshakeErrs.Load(),
		"received", s.received.Load(),
		"accepted", s.accepted.Load(),
		"errors", s.errors.Load(),
	)
}

// Metrics returns the current server metrics.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections:    s.connections.Load(),
		HandshakeErrs:  s.handshakeErrs.Load(),
		Received:       s.received.Load(),
		Accepted:       s.accepted.Load(),
		Errors:         s.errors.Load(),
		InsecureWarned: s.insecureWarned.Load(),
	}
}

// IsSecure returns true if the server is running with DTLS encryption.
func (s *DTLSServer) IsSecure() bool {
	return s.listener != nil && s.udpConn == nil
}
