package ingest

import (
	"context"
	"reflect"
	"testing"
	"time"

	"nettrace-guardian/internal/detection"
	"nettrace-guardian/internal/schema"
)

func TestScenario_Packets(t *testing.T) {
	sc, ok := LookupScenario("syn")
	if !ok {
		t.Fatal("syn scenario missing")
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pkts := sc.Packets(start)

	if len(pkts) != 10 {
		t.Fatalf("packets = %d, want 10", len(pkts))
	}
	if last := pkts[9].ArrivalTime.Sub(start); last != 900*time.Millisecond {
		t.Errorf("last offset = %v, want 900ms", last)
	}
	for _, p := range pkts {
		if p.Type != schema.PacketSYN || p.SourceIP != "192.168.1.100" {
			t.Fatalf("unexpected packet %+v", p)
		}
	}
}

func TestScenario_DistributedInterleavesSources(t *testing.T) {
	sc, _ := LookupScenario("distributed")
	pkts := sc.Packets(time.Unix(0, 0))

	if len(pkts) != DistributedSources*sc.Count {
		t.Fatalf("packets = %d, want %d", len(pkts), DistributedSources*sc.Count)
	}
	if pkts[0].SourceIP == pkts[1].SourceIP {
		t.Error("consecutive packets share a source; want interleaving")
	}
	for i := 1; i < len(pkts); i++ {
		if pkts[i].ArrivalTime.Before(pkts[i-1].ArrivalTime) {
			t.Fatalf("packet %d arrives before packet %d", i, i-1)
		}
	}
}

func TestScenarioNames(t *testing.T) {
	want := []string{"distributed", "icmp", "syn", "udp"}
	if got := ScenarioNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("ScenarioNames() = %v, want %v", got, want)
	}
	if _, ok := LookupScenario("smurf"); ok {
		t.Error("unknown scenario found")
	}
}

// The built-in SYN scenario against a 5/s threshold fires exactly one alert,
// mirroring the demo configuration of the simulator binary.
func TestSimulator_SynScenarioAlerts(t *testing.T) {
	var events []*schema.DetectionEvent
	sink := detection.EventSinkFunc(func(ev *schema.DetectionEvent) error {
		events = append(events, ev)
		return nil
	})

	cfg := detection.DefaultConfig()
	cfg.Thresholds = []detection.ThresholdConfig{
		{PacketType: schema.PacketSYN, Scope: schema.ScopeSource, MaxRatePerSecond: 5, Window: time.Second},
	}
	engine, err := detection.NewEngine(cfg, sink)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	sc, _ := LookupScenario("syn")
	res, err := NewSimulator(engine).Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Sent != 10 || res.Rejected != 0 {
		t.Errorf("result = %+v, want 10 sent", res)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].AttackType != "syn_flood" || events[0].ObservedRate < 5 {
		t.Errorf("event = %+v", events[0])
	}
}

func TestSimulator_Realtime(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var slept time.Duration

	proc := &recordingProcessor{}
	sim := NewSimulator(proc, WithRealtime(), WithSimulatorClock(func() time.Time { return clock }))
	sim.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		clock = clock.Add(d)
		return nil
	}

	sc, _ := LookupScenario("udp")
	if _, err := sim.Run(context.Background(), sc); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if slept != 19*50*time.Millisecond {
		t.Errorf("slept %v, want %v", slept, 19*50*time.Millisecond)
	}
	pkts := proc.packets()
	if got := pkts[len(pkts)-1].ArrivalTime.Sub(pkts[0].ArrivalTime); got != 950*time.Millisecond {
		t.Errorf("span = %v, want 950ms", got)
	}
}
