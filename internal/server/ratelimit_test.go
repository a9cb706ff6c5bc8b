package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"nettrace-guardian/internal/config"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 3,
		BurstSize:     1,
		WindowSize:    time.Minute,
	}, nil)
	defer rl.Stop()

	for i := 0; i < 4; i++ {
		allowed, remaining, _ := rl.Allow("192.0.2.1")
		if !allowed {
			t.Fatalf("request %d rejected", i)
		}
		if remaining != 3-i {
			t.Errorf("request %d remaining = %d, want %d", i, remaining, 3-i)
		}
	}
	if allowed, _, _ := rl.Allow("192.0.2.1"); allowed {
		t.Error("request above limit allowed")
	}
	if allowed, _, _ := rl.Allow("192.0.2.2"); !allowed {
		t.Error("limit leaked across clients")
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerIP: 1, WindowSize: 20 * time.Millisecond}, nil)
	defer rl.Stop()

	rl.Allow("192.0.2.1")
	if allowed, _, _ := rl.Allow("192.0.2.1"); allowed {
		t.Fatal("second request in window allowed")
	}
	time.Sleep(30 * time.Millisecond)
	if allowed, _, _ := rl.Allow("192.0.2.1"); !allowed {
		t.Error("request after window reset rejected")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerIP: 1, WindowSize: time.Second}, nil)
	defer rl.Stop()

	rl.Allow("192.0.2.1")
	rl.Allow("192.0.2.2")

	if n := rl.cleanup(time.Now()); n != 0 {
		t.Errorf("cleanup removed %d live entries", n)
	}
	if n := rl.cleanup(time.Now().Add(3 * time.Second)); n != 2 {
		t.Errorf("cleanup removed %d, want 2", n)
	}
	if rl.Stats().TrackedIPs != 0 {
		t.Errorf("tracked = %d, want 0", rl.Stats().TrackedIPs)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:5555", "", "", false, "192.0.2.1"},
		{"xff ignored without trust", "192.0.2.1:5555", "198.51.100.7", "", false, "192.0.2.1"},
		{"rightmost xff", "192.0.2.1:5555", "203.0.113.9, 198.51.100.7", "", true, "198.51.100.7"},
		{"real ip", "192.0.2.1:5555", "", "198.51.100.8", true, "198.51.100.8"},
		{"no port", "192.0.2.1", "", "", false, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/stats", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := clientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
