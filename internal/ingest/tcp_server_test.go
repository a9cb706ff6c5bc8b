package ingest

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

func newTestTCPServer(t *testing.T, ing Ingester, overrides ...func(*TCPServerConfig)) *TCPServer {
	t.Helper()

	cfg := DefaultTCPServerConfig()
	cfg.Address = "127.0.0.1:0" // kernel-assigned port
	for _, fn := range overrides {
		fn(&cfg)
	}
	return NewTCPServer(cfg, ing, nil)
}

func TestDefaultTCPServerConfig(t *testing.T) {
	cfg := DefaultTCPServerConfig()

	if cfg.Address != ":7602" {
		t.Errorf("Address = %q, want :7602", cfg.Address)
	}
	if cfg.TLSEnabled {
		t.Error("TLSEnabled should be false by default")
	}
	if cfg.MaxConnections <= 0 || cfg.IdleTimeout <= 0 || cfg.MaxLineLength <= 0 {
		t.Errorf("defaults should be positive: %+v", cfg)
	}
}

func TestTCPServer_ReadsLines(t *testing.T) {
	ing := &recordingIngester{}
	srv := newTestTCPServer(t, ing)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 4; i++ {
		fmt.Fprintf(conn, "{\"type\":\"udp\",\"source_ip\":\"10.0.0.%d\"}\n", i+1)
	}
	fmt.Fprint(conn, "\n") // blank lines are ignored

	if !waitForCondition(2*time.Second, func() bool { return ing.count() == 4 }) {
		t.Fatalf("ingester saw %d lines, want 4", ing.count())
	}
	if m := srv.Metrics(); m.Connections != 1 || m.Received != 4 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestTCPServer_MaxConnections(t *testing.T) {
	srv := newTestTCPServer(t, &recordingIngester{}, func(c *TCPServerConfig) { c.MaxConnections = 1 })
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Stop()

	first, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer first.Close()

	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 1 }) {
		t.Fatal("first connection was not registered")
	}

	second, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Error("second connection should have been closed by the server")
	}
}

func TestTCPServer_StopClosesIdleConnections(t *testing.T) {
	srv := newTestTCPServer(t, &recordingIngester{})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 1 })

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() blocked on an idle connection")
	}
}
