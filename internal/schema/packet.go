// Package schema defines the canonical data model shared by the detection
// engine, the response pipeline and the ingest boundary.
package schema

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// PacketType is the type tag carried by every packet. The set is closed.
type PacketType uint8

const (
	// PacketUnknown is the zero value and never valid on a Packet.
	PacketUnknown PacketType = iota
	PacketSYN
	PacketUDP
	PacketICMP
	PacketOther
)

// PacketTypeCount sizes arrays indexed directly by PacketType.
const PacketTypeCount = int(PacketOther) + 1

var packetTypeNames = [PacketTypeCount]string{
	PacketUnknown: "unknown",
	PacketSYN:     "syn",
	PacketUDP:     "udp",
	PacketICMP:    "icmp",
	PacketOther:   "other",
}

// PacketTypes returns every valid packet type in declaration order.
func PacketTypes() []PacketType {
	return []PacketType{PacketSYN, PacketUDP, PacketICMP, PacketOther}
}

// ParsePacketType maps a type name to a PacketType. Matching is
// case-insensitive; unrecognized names map to PacketOther.
func ParsePacketType(s string) PacketType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "syn", "tcp_syn":
		return PacketSYN
	case "udp":
		return PacketUDP
	case "icmp", "icmpv6":
		return PacketICMP
	default:
		return PacketOther
	}
}

// LookupPacketType is the strict variant of ParsePacketType used for
// configuration, where a typo must not silently become "other".
func LookupPacketType(s string) (PacketType, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i := PacketSYN; i <= PacketOther; i++ {
		if packetTypeNames[i] == name {
			return i, true
		}
	}
	return PacketUnknown, false
}

// Valid reports whether t is one of the known packet types.
func (t PacketType) Valid() bool {
	return t >= PacketSYN && t <= PacketOther
}

func (t PacketType) String() string {
	if int(t) < PacketTypeCount {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("packet_type(%d)", uint8(t))
}

// AttackType names the flood a breach of this packet type represents.
func (t PacketType) AttackType() string {
	return t.String() + "_flood"
}

// MarshalText implements encoding.TextMarshaler.
func (t PacketType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PacketType) UnmarshalText(b []byte) error {
	pt, ok := LookupPacketType(string(b))
	if !ok {
		return fmt.Errorf("schema: unknown packet type %q", string(b))
	}
	*t = pt
	return nil
}

// Packet is a normalized packet arrival. It is passed by value and never
// mutated after construction.
type Packet struct {
	Type        PacketType
	SourceIP    string
	ArrivalTime time.Time
	// Size in bytes; zero when the feed did not report one.
	Size int
}

// Validate checks the fields the detection engine relies on.
func (p Packet) Validate() error {
	if !p.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown packet type %d", uint8(p.Type))}
	}
	if p.SourceIP == "" {
		return &ValidationError{Field: "source_ip", Reason: "required"}
	}
	if _, err := netip.ParseAddr(p.SourceIP); err != nil {
		return &ValidationError{Field: "source_ip", Reason: fmt.Sprintf("not an IP address: %q", p.SourceIP)}
	}
	if p.ArrivalTime.IsZero() {
		return &ValidationError{Field: "arrival_time", Reason: "required"}
	}
	if p.Size < 0 {
		return &ValidationError{Field: "size", Reason: "must not be negative"}
	}
	return nil
}
