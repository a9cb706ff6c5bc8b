package ingest

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestDefaultDTLSServerConfig(t *testing.T) {
	cfg := DefaultDTLSServerConfig()

	if cfg.Address != ":7601" {
		t.Errorf("Address = %s, want :7601", cfg.Address)
	}
	if cfg.Workers <= 0 {
		t.Error("Workers should be positive")
	}
	if cfg.MaxMessageSize != 65535 {
		t.Errorf("MaxMessageSize = %d, want 65535", cfg.MaxMessageSize)
	}
	if cfg.ConnectionTimeout != 30*time.Second {
		t.Errorf("ConnectionTimeout = %v, want 30s", cfg.ConnectionTimeout)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.IdleTimeout)
	}
	if cfg.AllowInsecure {
		t.Error("AllowInsecure should be false by default")
	}
}

func TestNewDTLSServer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DTLSServerConfig)
		wantErr error
	}{
		{"requires certificate", func(*DTLSServerConfig) {}, ErrDTLSCertRequired},
		{"insecure allowed", func(c *DTLSServerConfig) { c.AllowInsecure = true }, nil},
		{"mutual tls requires CA", func(c *DTLSServerConfig) {
			c.AllowInsecure = true
			c.RequireClientCert = true
		}, ErrDTLSClientCertRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDTLSServerConfig()
			tt.mutate(&cfg)
			srv, err := NewDTLSServer(cfg, &recordingIngester{}, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewDTLSServer() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && srv == nil {
				t.Fatal("server should not be nil")
			}
		})
	}
}

func TestDTLSServer_MissingCertificateFiles(t *testing.T) {
	cfg := DefaultDTLSServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.CertFile = "/nonexistent/cert.pem"
	cfg.KeyFile = "/nonexistent/key.pem"

	srv, err := NewDTLSServer(cfg, &recordingIngester{}, nil)
	if err != nil {
		t.Fatalf("NewDTLSServer() error: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop()
		t.Fatal("Start() with missing certificate files succeeded")
	}
}

func TestDTLSServer_InsecureFallback(t *testing.T) {
	cfg := DefaultDTLSServerConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.AllowInsecure = true

	ing := &recordingIngester{}
	srv, err := NewDTLSServer(cfg, ing, nil)
	if err != nil {
		t.Fatalf("NewDTLSServer() error: %v", err)
	}
	if srv.IsSecure() {
		t.Error("should not be secure before starting")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	if srv.IsSecure() {
		t.Error("fallback listener reported as secure")
	}
	if !srv.Metrics().InsecureWarned {
		t.Error("insecure start was not flagged")
	}

	conn, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte(`{"type":"icmp","source_ip":"10.0.0.3"}`))

	if !waitForCondition(2*time.Second, func() bool { return ing.count() == 1 }) {
		t.Fatal("datagram never reached the ingester")
	}
}
