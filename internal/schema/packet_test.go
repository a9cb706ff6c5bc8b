package schema

import (
	"errors"
	"testing"
	"time"
)

func TestParsePacketType(t *testing.T) {
	tests := []struct {
		in   string
		want PacketType
	}{
		{"syn", PacketSYN},
		{"SYN", PacketSYN},
		{" udp ", PacketUDP},
		{"icmp", PacketICMP},
		{"icmpv6", PacketICMP},
		{"other", PacketOther},
		{"gre", PacketOther},
		{"", PacketOther},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParsePacketType(tt.in); got != tt.want {
				t.Errorf("ParsePacketType(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLookupPacketType(t *testing.T) {
	if pt, ok := LookupPacketType("ICMP"); !ok || pt != PacketICMP {
		t.Errorf("LookupPacketType(ICMP) = %v, %v", pt, ok)
	}
	if _, ok := LookupPacketType("gre"); ok {
		t.Error("LookupPacketType(gre) should fail")
	}
	if _, ok := LookupPacketType("unknown"); ok {
		t.Error("LookupPacketType(unknown) should fail")
	}
}

func TestPacketType_Text(t *testing.T) {
	b, err := PacketUDP.MarshalText()
	if err != nil || string(b) != "udp" {
		t.Fatalf("MarshalText() = %q, %v", b, err)
	}

	var pt PacketType
	if err := pt.UnmarshalText([]byte("syn")); err != nil || pt != PacketSYN {
		t.Errorf("UnmarshalText(syn) = %v, %v", pt, err)
	}
	if err := pt.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText(bogus) should fail")
	}

	if PacketSYN.AttackType() != "syn_flood" {
		t.Errorf("AttackType() = %q", PacketSYN.AttackType())
	}
}

func TestPacket_Validate(t *testing.T) {
	now := time.Now()
	valid := Packet{Type: PacketSYN, SourceIP: "10.0.0.1", ArrivalTime: now}

	tests := []struct {
		name      string
		mutate    func(p *Packet)
		wantField string
	}{
		{"valid", func(p *Packet) {}, ""},
		{"ipv6", func(p *Packet) { p.SourceIP = "2001:db8::1" }, ""},
		{"unknown type", func(p *Packet) { p.Type = PacketUnknown }, "type"},
		{"out of range type", func(p *Packet) { p.Type = PacketType(42) }, "type"},
		{"missing source", func(p *Packet) { p.SourceIP = "" }, "source_ip"},
		{"bad source", func(p *Packet) { p.SourceIP = "not-an-ip" }, "source_ip"},
		{"aggregate key", func(p *Packet) { p.SourceIP = "*" }, "source_ip"},
		{"zero time", func(p *Packet) { p.ArrivalTime = time.Time{} }, "arrival_time"},
		{"negative size", func(p *Packet) { p.Size = -1 }, "size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
			if !IsValidationError(err) {
				t.Error("IsValidationError() = false")
			}
		})
	}
}

func TestNewDetectionEvent(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	ev := NewDetectionEvent(PacketUDP, ScopeSource, "10.0.0.9", 20, 2*time.Second, 8, ts)
	if ev.ObservedRate != 10 {
		t.Errorf("ObservedRate = %v, want 10", ev.ObservedRate)
	}
	if ev.AttackType != "udp_flood" || ev.SourceIP != "10.0.0.9" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Key() != "udp_flood|10.0.0.9" {
		t.Errorf("Key() = %q", ev.Key())
	}

	agg := NewDetectionEvent(PacketICMP, ScopeAggregate, "*", 10, time.Second, 8, ts)
	if agg.SourceIP != AggregateSource || !agg.IsAggregate() {
		t.Errorf("aggregate event source = %q", agg.SourceIP)
	}
	if ev.ID == agg.ID {
		t.Error("events should get distinct IDs")
	}
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("detection.thresholds[0].window", "must be positive, got %v", time.Duration(0))
	if !IsConfigError(err) {
		t.Error("IsConfigError() = false")
	}
	if IsValidationError(err) {
		t.Error("a ConfigError is not a ValidationError")
	}
	if err.Error() != "invalid config detection.thresholds[0].window: must be positive, got 0s" {
		t.Errorf("Error() = %q", err.Error())
	}
}
