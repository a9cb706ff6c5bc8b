package response

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"nettrace-guardian/internal/schema"
)

func TestDirectiveHandler_RateLimit(t *testing.T) {
	clock := newFakeClock()
	sink := &recordingSink{name: "rec"}
	h, err := NewDirectiveHandler(DirectiveConfig{Kind: KindRateLimit, TTL: 10 * time.Minute, LimitFactor: 0.5},
		[]DirectiveSink{sink}, WithDirectiveClock(clock.Now))
	if err != nil {
		t.Fatalf("NewDirectiveHandler: %v", err)
	}

	ev := schema.NewDetectionEvent(schema.PacketUDP, schema.ScopeSource, "10.0.0.5", 800, time.Second, 500, clock.Now())
	out, err := h.Mitigate(context.Background(), ev)
	if err != nil {
		t.Fatalf("Mitigate: %v", err)
	}
	if out.Skipped {
		t.Fatal("rate limit directive was skipped")
	}

	got := sink.directives()
	if len(got) != 1 {
		t.Fatalf("sink received %d directives, want 1", len(got))
	}
	d := got[0]
	if d.Kind != KindRateLimit || d.SourceIP != "10.0.0.5" || d.EventID != ev.ID {
		t.Errorf("directive = %+v", d)
	}
	if d.LimitPerSecond != 250 {
		t.Errorf("limit = %v, want 250", d.LimitPerSecond)
	}
	if d.TTL() != 10*time.Minute {
		t.Errorf("ttl = %v, want 10m", d.TTL())
	}
	if !reflect.DeepEqual(d.Actions, []string{"rate_limit_udp"}) {
		t.Errorf("actions = %v", d.Actions)
	}
}

func TestDirectiveHandler_BlockSkipsAggregate(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	h, err := NewDirectiveHandler(DirectiveConfig{Kind: KindBlock, TTL: time.Minute}, []DirectiveSink{sink})
	if err != nil {
		t.Fatalf("NewDirectiveHandler: %v", err)
	}

	agg := schema.NewDetectionEvent(schema.PacketSYN, schema.ScopeAggregate, "", 3000, time.Second, 2000, time.Now())
	out, err := h.Mitigate(context.Background(), agg)
	if err != nil {
		t.Fatalf("Mitigate: %v", err)
	}
	if !out.Skipped {
		t.Error("block directive for aggregate event was not skipped")
	}
	if n := len(sink.directives()); n != 0 {
		t.Errorf("sink received %d directives, want 0", n)
	}

	src := schema.NewDetectionEvent(schema.PacketSYN, schema.ScopeSource, "10.0.0.7", 300, time.Second, 100, time.Now())
	if _, err := h.Mitigate(context.Background(), src); err != nil {
		t.Fatalf("Mitigate: %v", err)
	}
	got := sink.directives()
	if len(got) != 1 {
		t.Fatalf("sink received %d directives, want 1", len(got))
	}
	if !reflect.DeepEqual(got[0].Actions, []string{"drop_incomplete_syn"}) {
		t.Errorf("actions = %v", got[0].Actions)
	}
}

func TestDirectiveHandler_SinkErrorsJoined(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	good := &recordingSink{name: "good"}
	h, err := NewDirectiveHandler(DirectiveConfig{Kind: KindBlock, TTL: time.Minute}, []DirectiveSink{
		&recordingSink{name: "a", err: errA},
		good,
		&recordingSink{name: "b", err: errB},
	})
	if err != nil {
		t.Fatalf("NewDirectiveHandler: %v", err)
	}

	_, err = h.Mitigate(context.Background(), synEvent("10.0.0.1"))
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("err = %v, want both sink errors", err)
	}
	if len(good.directives()) != 1 {
		t.Error("healthy sink did not receive the directive")
	}
}

func TestNewDirectiveHandler_InvalidConfig(t *testing.T) {
	tests := []struct {
		name  string
		cfg   DirectiveConfig
		field string
	}{
		{"unknown kind", DirectiveConfig{Kind: "quarantine", TTL: time.Minute}, "directive.kind"},
		{"zero ttl", DirectiveConfig{Kind: KindBlock}, "directive.ttl"},
		{"zero factor", DirectiveConfig{Kind: KindRateLimit, TTL: time.Minute}, "directive.limit_factor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDirectiveHandler(tt.cfg, nil)
			var ce *schema.ConfigError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("err = %v, want ConfigError on %s", err, tt.field)
			}
		})
	}
}

func TestPlaybook(t *testing.T) {
	tests := []struct {
		pt        schema.PacketType
		block     []string
		rateLimit []string
	}{
		{schema.PacketSYN, []string{"drop_incomplete_syn"}, []string{"enable_syn_cookies"}},
		{schema.PacketUDP, []string{"block_source"}, []string{"rate_limit_udp"}},
		{schema.PacketICMP, []string{"disable_echo_reply"}, []string{"rate_limit_icmp"}},
	}
	for _, tt := range tests {
		t.Run(tt.pt.String(), func(t *testing.T) {
			if got := Actions(tt.pt, KindBlock); !reflect.DeepEqual(got, tt.block) {
				t.Errorf("block actions = %v, want %v", got, tt.block)
			}
			if got := Actions(tt.pt, KindRateLimit); !reflect.DeepEqual(got, tt.rateLimit) {
				t.Errorf("rate limit actions = %v, want %v", got, tt.rateLimit)
			}
		})
	}

	if steps := Playbook(schema.PacketUnknown); steps != nil {
		t.Errorf("unknown type playbook = %v, want nil", steps)
	}
}

func TestLogHandler(t *testing.T) {
	h := NewLogHandler(nil)
	out, err := h.Mitigate(context.Background(), synEvent("10.0.0.1"))
	if err != nil {
		t.Fatalf("Mitigate: %v", err)
	}
	want := []string{"drop_incomplete_syn", "enable_syn_cookies"}
	if !reflect.DeepEqual(out.Steps, want) {
		t.Errorf("steps = %v, want %v", out.Steps, want)
	}
}

// ---- Helpers ----

type recordingSink struct {
	name string
	err  error

	mu  sync.Mutex
	got []Directive
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Apply(_ context.Context, d Directive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
	return s.err
}

func (s *recordingSink) directives() []Directive {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Directive(nil), s.got...)
}
