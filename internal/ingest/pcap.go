package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"nettrace-guardian/internal/detection"
	"nettrace-guardian/internal/schema"
)

// pcapng section header block type.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// packetDataReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// ReplayOption configures a PcapReplayer.
type ReplayOption func(*PcapReplayer)

// WithPacing replays packets with their captured spacing divided by speed.
// A non-positive speed means real time.
func WithPacing(speed float64) ReplayOption {
	return func(r *PcapReplayer) {
		r.pace = true
		if speed > 0 {
			r.speed = speed
		}
	}
}

// WithReplayLogger sets the replayer logger.
func WithReplayLogger(l *slog.Logger) ReplayOption {
	return func(r *PcapReplayer) { r.logger = l }
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets  int            `json:"packets"`
	Replayed int            `json:"replayed"`
	Skipped  int            `json:"skipped"`
	Rejected int            `json:"rejected"`
	ByType   map[string]int `json:"by_type"`
}

// PcapReplayer feeds a capture file through a Processor using the capture
// timestamps as arrival times.
type PcapReplayer struct {
	processor detection.Processor
	logger    *slog.Logger
	pace      bool
	speed     float64
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewPcapReplayer creates a replayer. By default packets are replayed as
// fast as possible.
func NewPcapReplayer(p detection.Processor, opts ...ReplayOption) *PcapReplayer {
	r := &PcapReplayer{
		processor: p,
		logger:    slog.Default(),
		speed:     1,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayFile replays the pcap or pcapng file at path.
func (r *PcapReplayer) ReplayFile(ctx context.Context, path string) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	return r.Replay(ctx, f)
}

// Replay reads a capture stream and processes every IP packet in it.
// Non-IP frames are skipped.
func (r *PcapReplayer) Replay(ctx context.Context, rd io.Reader) (ReplayStats, error) {
	stats := ReplayStats{ByType: make(map[string]int)}

	src, err := openCapture(rd)
	if err != nil {
		return stats, err
	}
	decoder := src.LinkType()

	var prev time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		pkt := gopacket.NewPacket(data, decoder, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		p, ok := Classify(pkt)
		if !ok {
			stats.Skipped++
			continue
		}
		p.ArrivalTime = ci.Timestamp
		p.Size = ci.Length

		if r.pace && !prev.IsZero() {
			gap := time.Duration(float64(ci.Timestamp.Sub(prev)) / r.speed)
			if err := r.sleep(ctx, gap); err != nil {
				return stats, err
			}
		}
		prev = ci.Timestamp

		if err := r.processor.Process(p); err != nil {
			stats.Rejected++
			r.logger.Debug("replayed packet rejected", "index", stats.Packets, "error", err)
			continue
		}
		stats.Replayed++
		stats.ByType[p.Type.String()]++
	}

	r.logger.Info("capture replayed",
		"packets", stats.Packets,
		"replayed", stats.Replayed,
		"skipped", stats.Skipped,
		"rejected", stats.Rejected,
	)
	return stats, nil
}

func openCapture(rd io.Reader) (packetDataReader, error) {
	br := bufio.NewReader(rd)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	return pr, nil
}

// Classify maps a decoded packet to its type tag and source address. It
// reports false for frames without an IP layer.
func Classify(pkt gopacket.Packet) (schema.Packet, bool) {
	var p schema.Packet

	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		p.SourceIP = ip.SrcIP.String()
	case *layers.IPv6:
		p.SourceIP = ip.SrcIP.String()
	default:
		return p, false
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if tcp.SYN && !tcp.ACK {
			p.Type = schema.PacketSYN
		} else {
			p.Type = schema.PacketOther
		}
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		p.Type = schema.PacketUDP
	case pkt.Layer(layers.LayerTypeICMPv4) != nil, pkt.Layer(layers.LayerTypeICMPv6) != nil:
		p.Type = schema.PacketICMP
	default:
		p.Type = schema.PacketOther
	}

	if md := pkt.Metadata(); md != nil {
		p.ArrivalTime = md.Timestamp
		p.Size = md.Length
	}
	return p, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
