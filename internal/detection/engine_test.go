package detection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nettrace-guardian/internal/schema"
	"nettrace-guardian/internal/tracker"
)

var base = time.Unix(1700000000, 0)

func TestEngine_SingleSourceFloodEmitsOnce(t *testing.T) {
	sink := &collectSink{}
	e := newTestEngine(t, sourceRule(schema.PacketSYN, 5, time.Second), sink, nil)

	// 10 SYN packets within 200ms from one source.
	for i := 0; i < 10; i++ {
		if err := e.Process(pkt(schema.PacketSYN, "192.168.1.100", i*20)); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.ObservedRate < 5 {
		t.Errorf("ObservedRate = %v, want >= 5", ev.ObservedRate)
	}
	if ev.AttackType != "syn_flood" || ev.SourceIP != "192.168.1.100" || ev.Scope != schema.ScopeSource {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.Threshold != 5 {
		t.Errorf("Threshold = %v, want 5", ev.Threshold)
	}
	if got := e.State(schema.PacketSYN, "192.168.1.100"); got != tracker.StateAlerting {
		t.Errorf("State() = %v, want alerting", got)
	}
}

func TestEngine_SustainedFloodIsDebounced(t *testing.T) {
	tests := []struct {
		name   string
		rate   float64
		window time.Duration
		every  time.Duration
		total  time.Duration
	}{
		{"1s window", 10, time.Second, 20 * time.Millisecond, 5 * time.Second},
		{"5s window", 4, 5 * time.Second, 100 * time.Millisecond, 20 * time.Second},
		{"sub-second window", 100, 200 * time.Millisecond, time.Millisecond, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &collectSink{}
			e := newTestEngine(t, sourceRule(schema.PacketUDP, tt.rate, tt.window), sink, nil)

			for off := time.Duration(0); off < tt.total; off += tt.every {
				p := schema.Packet{Type: schema.PacketUDP, SourceIP: "10.0.0.1", ArrivalTime: base.Add(off)}
				if err := e.Process(p); err != nil {
					t.Fatalf("Process() error = %v", err)
				}
			}

			if n := len(sink.Events()); n != 1 {
				t.Errorf("got %d events for one sustained flood, want 1", n)
			}
		})
	}
}

func TestEngine_RecoveryThenRealert(t *testing.T) {
	cfg := sourceRule(schema.PacketICMP, 5, time.Second)
	cfg.RecoveryWindow = 2 * time.Second
	sink := &collectSink{}
	e := newTestEngine(t, cfg, sink, nil)
	ip := "10.0.0.2"

	flood := func(startMs int) {
		for i := 0; i < 10; i++ {
			e.Process(pkt(schema.PacketICMP, ip, startMs+i*10))
		}
	}

	flood(0)
	// One packet per second stays below 5/s; recovery needs 2s below.
	for ms := 1500; ms <= 4500; ms += 1000 {
		e.Process(pkt(schema.PacketICMP, ip, ms))
	}
	if got := e.State(schema.PacketICMP, ip); got != tracker.StateNormal {
		t.Fatalf("State() after recovery = %v, want normal", got)
	}

	flood(6000)

	if n := len(sink.Events()); n != 2 {
		t.Errorf("got %d events, want 2 (one per transition)", n)
	}
	if st := e.Stats(); st.Recoveries != 1 {
		t.Errorf("Stats().Recoveries = %d, want 1", st.Recoveries)
	}
}

func TestEngine_AggregateCatchesDistributedFlood(t *testing.T) {
	cfg := Config{
		Thresholds: []ThresholdConfig{
			{PacketType: schema.PacketSYN, Scope: schema.ScopeSource, MaxRatePerSecond: 5, Window: time.Second},
			{PacketType: schema.PacketSYN, Scope: schema.ScopeAggregate, MaxRatePerSecond: 8, Window: time.Second},
		},
		RecoveryWindow: time.Second,
		IdleTTL:        time.Minute,
		SweepInterval:  time.Second,
	}
	sink := &collectSink{}
	e := newTestEngine(t, cfg, sink, nil)

	// 10 sources at 1/s each, staggered by 100ms: 10/s combined.
	for sec := 0; sec < 3; sec++ {
		for s := 0; s < 10; s++ {
			ip := fmt.Sprintf("198.51.100.%d", s+1)
			if err := e.Process(pkt(schema.PacketSYN, ip, sec*1000+s*100)); err != nil {
				t.Fatalf("Process() error = %v", err)
			}
		}
	}

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly 1 aggregate event", len(events))
	}
	ev := events[0]
	if ev.Scope != schema.ScopeAggregate || ev.SourceIP != schema.AggregateSource {
		t.Errorf("event scope=%s source=%s, want aggregate", ev.Scope, ev.SourceIP)
	}
	if ev.ObservedRate < 8 {
		t.Errorf("ObservedRate = %v, want >= 8", ev.ObservedRate)
	}
	for s := 0; s < 10; s++ {
		ip := fmt.Sprintf("198.51.100.%d", s+1)
		if e.State(schema.PacketSYN, ip) != tracker.StateNormal {
			t.Errorf("source %s alerting, want normal", ip)
		}
	}
	if e.State(schema.PacketSYN, "*") != tracker.StateAlerting {
		t.Error("aggregate tracker should be alerting")
	}
}

func TestEngine_MalformedPacketLeavesStateUntouched(t *testing.T) {
	sink := &collectSink{}
	e := newTestEngine(t, sourceRule(schema.PacketSYN, 50, time.Second), sink, nil)
	ip := "10.0.0.3"

	for i := 0; i < 3; i++ {
		e.Process(pkt(schema.PacketSYN, ip, i*10))
	}
	before, _ := e.SourceSnapshot(ip)

	bad := []schema.Packet{
		{Type: schema.PacketSYN, ArrivalTime: base.Add(40 * time.Millisecond)},
		{Type: schema.PacketUnknown, SourceIP: ip, ArrivalTime: base.Add(50 * time.Millisecond)},
		{Type: schema.PacketSYN, SourceIP: ip},
	}
	for _, p := range bad {
		err := e.Process(p)
		var verr *schema.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Process(%+v) error = %v, want *ValidationError", p, err)
		}
	}

	after, _ := e.SourceSnapshot(ip)
	if after.Counts["syn"] != before.Counts["syn"] {
		t.Errorf("window count changed from %d to %d", before.Counts["syn"], after.Counts["syn"])
	}
	st := e.Stats()
	if st.Rejected != 3 || st.Processed != 3 {
		t.Errorf("Stats() rejected=%d processed=%d, want 3 and 3", st.Rejected, st.Processed)
	}
	if st.Trackers != 1 {
		t.Errorf("Stats().Trackers = %d, want 1", st.Trackers)
	}
}

func TestEngine_IdleSweepStartsFresh(t *testing.T) {
	clock := &fakeClock{t: base}
	cfg := sourceRule(schema.PacketUDP, 100, 10*time.Second)
	cfg.IdleTTL = 30 * time.Second
	e := newTestEngine(t, cfg, &collectSink{}, clock)
	ip := "203.0.113.9"

	for i := 0; i < 5; i++ {
		e.Process(pkt(schema.PacketUDP, ip, i*100))
	}

	clock.Advance(29 * time.Second)
	if st := e.Sweep(clock.Now()); st.Evicted != 0 {
		t.Fatalf("Sweep() evicted %d before the TTL", st.Evicted)
	}

	clock.Advance(time.Second)
	st := e.Sweep(clock.Now())
	if st.Evicted != 1 || st.Trackers != 0 {
		t.Fatalf("Sweep() = %+v, want 1 evicted and 0 trackers", st)
	}
	if _, ok := e.SourceSnapshot(ip); ok {
		t.Fatal("tracker still present after sweep")
	}

	// Same packet time range: a stale window would report 6.
	e.Process(pkt(schema.PacketUDP, ip, 600))
	snap, ok := e.SourceSnapshot(ip)
	if !ok {
		t.Fatal("tracker not recreated")
	}
	if snap.Counts["udp"] != 1 {
		t.Errorf("fresh tracker count = %d, want 1", snap.Counts["udp"])
	}
}

func TestEngine_SweepRecoversQuietKeys(t *testing.T) {
	clock := &fakeClock{t: base}
	cfg := Config{
		Thresholds: []ThresholdConfig{
			{PacketType: schema.PacketSYN, Scope: schema.ScopeSource, MaxRatePerSecond: 5, Window: time.Second},
			{PacketType: schema.PacketSYN, Scope: schema.ScopeAggregate, MaxRatePerSecond: 5, Window: time.Second},
		},
		RecoveryWindow: 2 * time.Second,
		IdleTTL:        time.Hour,
		SweepInterval:  time.Second,
	}
	sink := &collectSink{}
	e := newTestEngine(t, cfg, sink, clock)

	for i := 0; i < 10; i++ {
		e.Process(pkt(schema.PacketSYN, "10.0.0.4", i*10))
	}
	if n := len(sink.Events()); n != 2 {
		t.Fatalf("got %d events, want source and aggregate", n)
	}

	clock.Advance(2 * time.Second)
	if st := e.Sweep(clock.Now()); st.Recovered != 0 {
		t.Fatalf("recovered too early: %+v", st)
	}

	clock.Advance(time.Second)
	if st := e.Sweep(clock.Now()); st.Recovered != 2 {
		t.Fatalf("Sweep().Recovered = %d, want 2", st.Recovered)
	}
	if e.State(schema.PacketSYN, "10.0.0.4") != tracker.StateNormal || e.State(schema.PacketSYN, "") != tracker.StateNormal {
		t.Error("keys should be normal after quiet recovery")
	}
}

func TestEngine_ReconfigureKeepsWindows(t *testing.T) {
	sink := &collectSink{}
	e := newTestEngine(t, sourceRule(schema.PacketSYN, 100, time.Second), sink, nil)
	ip := "10.0.0.5"

	for i := 0; i < 8; i++ {
		e.Process(pkt(schema.PacketSYN, ip, i*10))
	}
	if len(sink.Events()) != 0 {
		t.Fatal("no event expected under 100/s")
	}

	bad := sourceRule(schema.PacketSYN, -1, time.Second)
	if err := e.Reconfigure(bad); !schema.IsConfigError(err) {
		t.Fatalf("Reconfigure(bad) error = %v, want ConfigError", err)
	}
	if got := e.Config().Thresholds[0].MaxRatePerSecond; got != 100 {
		t.Fatalf("failed reconfigure replaced config: rate = %v", got)
	}

	if err := e.Reconfigure(sourceRule(schema.PacketSYN, 5, time.Second)); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}
	e.Process(pkt(schema.PacketSYN, ip, 90))

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events after reconfigure, want 1", len(events))
	}
	if events[0].Count != 9 {
		t.Errorf("Count = %d, want 9 (history kept across reconfigure)", events[0].Count)
	}
}

func TestEngine_CapacityExceededIsReported(t *testing.T) {
	cfg := sourceRule(schema.PacketUDP, 5, time.Second)
	cfg.Thresholds[0].Capacity = 10
	sink := &collectSink{}
	e := newTestEngine(t, cfg, sink, nil)

	for i := 0; i < 25; i++ {
		if err := e.Process(pkt(schema.PacketUDP, "10.0.0.6", i)); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}

	st := e.Stats()
	if st.CapacityExceeded != 15 {
		t.Errorf("Stats().CapacityExceeded = %d, want 15", st.CapacityExceeded)
	}
	if len(sink.Events()) != 1 {
		t.Errorf("got %d events, want 1", len(sink.Events()))
	}
	snap, _ := e.SourceSnapshot("10.0.0.6")
	if snap.Counts["udp"] != 25 {
		t.Errorf("count = %d, want true count 25", snap.Counts["udp"])
	}
}

func TestEngine_ConcurrentIngestion(t *testing.T) {
	cfg := Config{
		Thresholds: []ThresholdConfig{
			{PacketType: schema.PacketSYN, Scope: schema.ScopeSource, MaxRatePerSecond: 50, Window: time.Second},
			{PacketType: schema.PacketSYN, Scope: schema.ScopeAggregate, MaxRatePerSecond: 100, Window: time.Second},
		},
		RecoveryWindow: time.Minute,
		IdleTTL:        time.Minute,
		SweepInterval:  time.Second,
	}
	sink := &collectSink{}
	e := newTestEngine(t, cfg, sink, nil)

	const sources, workersPerSource, perWorker = 20, 4, 50
	var wg sync.WaitGroup
	for s := 0; s < sources; s++ {
		ip := fmt.Sprintf("10.20.0.%d", s)
		for w := 0; w < workersPerSource; w++ {
			wg.Add(1)
			go func(ip string) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					e.Process(pkt(schema.PacketSYN, ip, i))
				}
			}(ip)
		}
	}
	wg.Wait()

	perSource := map[string]int{}
	aggregate := 0
	for _, ev := range sink.Events() {
		if ev.IsAggregate() {
			aggregate++
			continue
		}
		perSource[ev.SourceIP]++
	}
	if aggregate != 1 {
		t.Errorf("aggregate events = %d, want 1", aggregate)
	}
	if len(perSource) != sources {
		t.Errorf("sources alerted = %d, want %d", len(perSource), sources)
	}
	for ip, n := range perSource {
		if n != 1 {
			t.Errorf("source %s got %d events, want 1", ip, n)
		}
	}
	for s := 0; s < sources; s++ {
		snap, _ := e.SourceSnapshot(fmt.Sprintf("10.20.0.%d", s))
		if snap.Counts["syn"] != workersPerSource*perWorker {
			t.Errorf("source %d count = %d, want %d", s, snap.Counts["syn"], workersPerSource*perWorker)
		}
	}
}

func TestEngine_SinkErrorsAreCounted(t *testing.T) {
	sink := &collectSink{err: errors.New("queue full")}
	e := newTestEngine(t, sourceRule(schema.PacketSYN, 1, time.Second), sink, nil)

	if err := e.Process(pkt(schema.PacketSYN, "10.0.0.7", 0)); err != nil {
		t.Fatalf("Process() should not surface sink errors: %v", err)
	}
	if st := e.Stats(); st.SinkErrors != 1 || st.Alerts != 1 {
		t.Errorf("Stats() = %+v, want one alert and one sink error", st)
	}
}

func TestEngine_UnruledTypeIsNotTracked(t *testing.T) {
	e := newTestEngine(t, sourceRule(schema.PacketSYN, 5, time.Second), &collectSink{}, nil)
	if err := e.Process(pkt(schema.PacketOther, "10.0.0.8", 0)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if st := e.Stats(); st.Trackers != 0 || st.Processed != 1 {
		t.Errorf("Stats() = %+v, want processed without a tracker", st)
	}
}

func TestEngine_StartStop(t *testing.T) {
	clock := &fakeClock{t: base}
	cfg := sourceRule(schema.PacketSYN, 5, time.Second)
	cfg.IdleTTL = time.Second
	cfg.SweepInterval = 5 * time.Millisecond
	e := newTestEngine(t, cfg, &collectSink{}, clock)

	e.Process(pkt(schema.PacketSYN, "10.0.0.9", 0))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().Trackers != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sweep did not evict idle tracker")
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()
	e.Stop()
}

func TestNewEngine_ConfigErrors(t *testing.T) {
	valid := func() Config { return sourceRule(schema.PacketSYN, 5, time.Second) }

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"no thresholds", func(c *Config) { c.Thresholds = nil }, "thresholds"},
		{"zero rate", func(c *Config) { c.Thresholds[0].MaxRatePerSecond = 0 }, "thresholds[0].max_rate_per_second"},
		{"zero window", func(c *Config) { c.Thresholds[0].Window = 0 }, "thresholds[0].window"},
		{"bad type", func(c *Config) { c.Thresholds[0].PacketType = schema.PacketUnknown }, "thresholds[0].packet_type"},
		{"bad scope", func(c *Config) { c.Thresholds[0].Scope = "global" }, "thresholds[0].scope"},
		{"capacity at threshold", func(c *Config) { c.Thresholds[0].Capacity = 5 }, "thresholds[0].capacity"},
		{"negative recovery", func(c *Config) { c.RecoveryWindow = -time.Second }, "recovery_window"},
		{"zero idle ttl", func(c *Config) { c.IdleTTL = 0 }, "idle_ttl"},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, "sweep_interval"},
		{"duplicate rule", func(c *Config) { c.Thresholds = append(c.Thresholds, c.Thresholds[0]) }, "thresholds[1]"},
		{"aggregate beyond horizon", func(c *Config) {
			c.Thresholds = append(c.Thresholds, ThresholdConfig{
				PacketType: schema.PacketSYN, Scope: schema.ScopeAggregate, MaxRatePerSecond: 1, Window: 2 * time.Hour,
			})
		}, "thresholds[1].window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			_, err := NewEngine(cfg, &collectSink{})
			var cerr *schema.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("NewEngine() error = %v, want *ConfigError", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cerr.Field, tt.field)
			}
		})
	}

	t.Run("nil sink", func(t *testing.T) {
		if _, err := NewEngine(valid(), nil); !schema.IsConfigError(err) {
			t.Errorf("NewEngine(nil sink) error = %v", err)
		}
	})

	t.Run("default config is valid", func(t *testing.T) {
		if _, err := NewEngine(DefaultConfig(), &collectSink{}); err != nil {
			t.Errorf("NewEngine(DefaultConfig()) error = %v", err)
		}
	})
}

func TestThresholdConfig_EffectiveCapacity(t *testing.T) {
	small := ThresholdConfig{MaxRatePerSecond: 5, Window: time.Second}
	if got := small.EffectiveCapacity(); got != minCapacity {
		t.Errorf("EffectiveCapacity() = %d, want %d", got, minCapacity)
	}
	large := ThresholdConfig{MaxRatePerSecond: 1000, Window: 2 * time.Second}
	if got := large.EffectiveCapacity(); got != 8000 {
		t.Errorf("EffectiveCapacity() = %d, want 8000", got)
	}
	fixed := ThresholdConfig{MaxRatePerSecond: 5, Window: time.Second, Capacity: 7}
	if got := fixed.EffectiveCapacity(); got != 7 {
		t.Errorf("EffectiveCapacity() = %d, want 7", got)
	}
}

// ---- Helpers ----

type collectSink struct {
	mu     sync.Mutex
	events []*schema.DetectionEvent
	err    error
}

func (s *collectSink) Publish(ev *schema.DetectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *collectSink) Events() []*schema.DetectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*schema.DetectionEvent(nil), s.events...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func sourceRule(pt schema.PacketType, rate float64, window time.Duration) Config {
	return Config{
		Thresholds: []ThresholdConfig{
			{PacketType: pt, Scope: schema.ScopeSource, MaxRatePerSecond: rate, Window: window},
		},
		RecoveryWindow: time.Second,
		IdleTTL:        time.Minute,
		SweepInterval:  time.Second,
	}
}

func newTestEngine(t *testing.T, cfg Config, sink EventSink, clock *fakeClock) *Engine {
	t.Helper()
	opts := []Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	e, err := NewEngine(cfg, sink, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func pkt(pt schema.PacketType, ip string, ms int) schema.Packet {
	return schema.Packet{
		Type:        pt,
		SourceIP:    ip,
		ArrivalTime: base.Add(time.Duration(ms) * time.Millisecond),
	}
}
