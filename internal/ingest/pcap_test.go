package ingest

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"nettrace-guardian/internal/schema"
)

func TestPcapReplayer_ClassifiesPackets(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	capture := writeCapture(t, base,
		synFrame(t, "10.0.0.1", true, false),
		synFrame(t, "10.0.0.1", true, true), // SYN-ACK is not a SYN flood packet
		udpFrame(t, "10.0.0.2"),
		icmpFrame(t, "10.0.0.3"),
		arpFrame(t),
	)

	proc := &recordingProcessor{}
	stats, err := NewPcapReplayer(proc).Replay(context.Background(), bytes.NewReader(capture))
	if err != nil {
		t.Fatalf("Replay() error: %v", err)
	}

	if stats.Packets != 5 || stats.Replayed != 4 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 5 packets, 4 replayed, 1 skipped", stats)
	}

	want := []struct {
		typ schema.PacketType
		src string
	}{
		{schema.PacketSYN, "10.0.0.1"},
		{schema.PacketOther, "10.0.0.1"},
		{schema.PacketUDP, "10.0.0.2"},
		{schema.PacketICMP, "10.0.0.3"},
	}
	got := proc.packets()
	if len(got) != len(want) {
		t.Fatalf("processor saw %d packets, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Type != w.typ || got[i].SourceIP != w.src {
			t.Errorf("packet %d = %v from %s, want %v from %s", i, got[i].Type, got[i].SourceIP, w.typ, w.src)
		}
		wantTime := base.Add(time.Duration(i) * 10 * time.Millisecond)
		if !got[i].ArrivalTime.Equal(wantTime) {
			t.Errorf("packet %d time = %v, want %v", i, got[i].ArrivalTime, wantTime)
		}
		if got[i].Size <= 0 {
			t.Errorf("packet %d size = %d, want the wire length", i, got[i].Size)
		}
	}
}

func TestPcapReplayer_Pacing(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	capture := writeCapture(t, base,
		udpFrame(t, "10.0.0.2"),
		udpFrame(t, "10.0.0.2"),
		udpFrame(t, "10.0.0.2"),
	)

	var slept []time.Duration
	r := NewPcapReplayer(&recordingProcessor{}, WithPacing(2))
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if _, err := r.Replay(context.Background(), bytes.NewReader(capture)); err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	if len(slept) != 2 || slept[0] != 5*time.Millisecond || slept[1] != 5*time.Millisecond {
		t.Errorf("sleeps = %v, want two 5ms gaps at 2x speed", slept)
	}
}

func TestPcapReplayer_BadInput(t *testing.T) {
	_, err := NewPcapReplayer(&recordingProcessor{}).Replay(context.Background(), bytes.NewReader([]byte("not a capture")))
	if err == nil {
		t.Fatal("Replay() of garbage succeeded")
	}
}

func TestPcapReplayer_ContextCancel(t *testing.T) {
	capture := writeCapture(t, time.Now(), udpFrame(t, "10.0.0.2"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewPcapReplayer(&recordingProcessor{}).Replay(ctx, bytes.NewReader(capture)); err != context.Canceled {
		t.Errorf("Replay() = %v, want context.Canceled", err)
	}
}

// ---- Helpers ----

func writeCapture(t *testing.T, base time.Time, frames ...[]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("WriteFileHeader: %v", err)
	}
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * 10 * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := w.WritePacket(ci, frame); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	return buf.Bytes()
}

func ethernet(proto layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xaa},
		EthernetType: proto,
	}
}

func ipv4(src string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.IP{192, 168, 1, 1},
		Protocol: proto,
	}
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func synFrame(t *testing.T, src string, syn, ack bool) []byte {
	ip := ipv4(src, layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, Seq: 1, SYN: syn, ACK: ack, Window: 14600}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ethernet(layers.EthernetTypeIPv4), ip, tcp)
}

func udpFrame(t *testing.T, src string) []byte {
	ip := ipv4(src, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ethernet(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload([]byte("query")))
}

func icmpFrame(t *testing.T, src string) []byte {
	ip := ipv4(src, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
	return serialize(t, ethernet(layers.EthernetTypeIPv4), ip, icmp)
}

func arpFrame(t *testing.T) []byte {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		SourceProtAddress: []byte{10, 0, 0, 9},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 1},
	}
	return serialize(t, ethernet(layers.EthernetTypeARP), arp)
}
