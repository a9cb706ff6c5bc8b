package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"nettrace-guardian/internal/metrics"
	"nettrace-guardian/internal/schema"
)

// DirectiveKind is the kind of enforcement a directive requests.
type DirectiveKind string

const (
	KindBlock     DirectiveKind = "block"
	KindRateLimit DirectiveKind = "rate_limit"
)

// Valid reports whether k is a known kind.
func (k DirectiveKind) Valid() bool {
	return k == KindBlock || k == KindRateLimit
}

// Directive is an enforcement instruction handed to directive sinks.
type Directive struct {
	ID             uuid.UUID         `json:"id"`
	EventID        uuid.UUID         `json:"event_id"`
	Kind           DirectiveKind     `json:"kind"`
	AttackType     string            `json:"attack_type"`
	PacketType     schema.PacketType `json:"packet_type"`
	Scope          schema.Scope      `json:"scope"`
	SourceIP       string            `json:"source_ip"`
	LimitPerSecond float64           `json:"limit_per_second,omitempty"`
	Actions        []string          `json:"actions,omitempty"`
	IssuedAt       time.Time         `json:"issued_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// TTL returns how long the directive stays in force.
func (d Directive) TTL() time.Duration {
	return d.ExpiresAt.Sub(d.IssuedAt)
}

// DirectiveSink enforces or forwards directives.
type DirectiveSink interface {
	Name() string
	Apply(ctx context.Context, d Directive) error
}

// DirectiveConfig configures a DirectiveHandler.
type DirectiveConfig struct {
	Kind DirectiveKind `yaml:"kind"`
	// TTL is how long the directive stays in force.
	TTL time.Duration `yaml:"ttl"`
	// LimitFactor scales the breached threshold into the rate limit.
	LimitFactor float64 `yaml:"limit_factor"`
}

// DirectiveHandler builds a Directive from each event and applies it to
// every sink.
type DirectiveHandler struct {
	cfg     DirectiveConfig
	sinks   []DirectiveSink
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// DirectiveOption configures a DirectiveHandler.
type DirectiveOption func(*DirectiveHandler)

// WithDirectiveLogger sets the handler logger.
func WithDirectiveLogger(l *slog.Logger) DirectiveOption {
	return func(h *DirectiveHandler) { h.logger = l }
}

// WithDirectiveMetrics attaches Prometheus metrics.
func WithDirectiveMetrics(m *metrics.Metrics) DirectiveOption {
	return func(h *DirectiveHandler) { h.metrics = m }
}

// WithDirectiveClock overrides the clock used for IssuedAt.
func WithDirectiveClock(now func() time.Time) DirectiveOption {
	return func(h *DirectiveHandler) { h.now = now }
}

// NewDirectiveHandler validates cfg and creates the handler.
func NewDirectiveHandler(cfg DirectiveConfig, sinks []DirectiveSink, opts ...DirectiveOption) (*DirectiveHandler, error) {
	if !cfg.Kind.Valid() {
		return nil, schema.NewConfigError("directive.kind", "unknown kind %q", cfg.Kind)
	}
	if cfg.TTL <= 0 {
		return nil, schema.NewConfigError("directive.ttl", "must be positive, got %v", cfg.TTL)
	}
	if cfg.Kind == KindRateLimit && cfg.LimitFactor <= 0 {
		return nil, schema.NewConfigError("directive.limit_factor", "must be positive, got %v", cfg.LimitFactor)
	}
	for i, s := range sinks {
		if s == nil {
			return nil, schema.NewConfigError(fmt.Sprintf("directive.sinks[%d]", i), "sink is nil")
		}
	}

	h := &DirectiveHandler{
		cfg:    cfg,
		sinks:  append([]DirectiveSink(nil), sinks...),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Name implements Handler.
func (h *DirectiveHandler) Name() string {
	return string(h.cfg.Kind)
}

// Mitigate implements Handler. Block directives are skipped for aggregate
// events since there is no single address to block.
func (h *DirectiveHandler) Mitigate(ctx context.Context, ev *schema.DetectionEvent) (schema.Outcome, error) {
	if h.cfg.Kind == KindBlock && ev.IsAggregate() {
		return schema.Outcome{
			Handler: h.Name(),
			Action:  string(h.cfg.Kind),
			Detail:  "aggregate event has no single source",
			Skipped: true,
		}, nil
	}

	d := h.Directive(ev)

	var errs []error
	for _, sink := range h.sinks {
		err := sink.Apply(ctx, d)
		h.metrics.Directive(string(d.Kind), sink.Name(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}

	detail := fmt.Sprintf("%s %s for %s", d.Kind, d.SourceIP, d.TTL())
	if d.Kind == KindRateLimit {
		detail = fmt.Sprintf("limit %s to %.1f/s for %s", d.SourceIP, d.LimitPerSecond, d.TTL())
	}

	return schema.Outcome{
		Handler: h.Name(),
		Action:  string(d.Kind),
		Detail:  detail,
		Steps:   d.Actions,
	}, errors.Join(errs...)
}

// Directive builds the directive for ev without applying it.
func (h *DirectiveHandler) Directive(ev *schema.DetectionEvent) Directive {
	now := h.now()
	d := Directive{
		ID:         uuid.New(),
		EventID:    ev.ID,
		Kind:       h.cfg.Kind,
		AttackType: ev.AttackType,
		PacketType: ev.PacketType,
		Scope:      ev.Scope,
		SourceIP:   ev.SourceIP,
		Actions:    Actions(ev.PacketType, h.cfg.Kind),
		IssuedAt:   now,
		ExpiresAt:  now.Add(h.cfg.TTL),
	}
	if h.cfg.Kind == KindRateLimit {
		d.LimitPerSecond = ev.Threshold * h.cfg.LimitFactor
	}
	return d
}

// LogSink logs directives instead of enforcing them.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name implements DirectiveSink.
func (s *LogSink) Name() string { return "log" }

// Apply implements DirectiveSink.
func (s *LogSink) Apply(ctx context.Context, d Directive) error {
	s.logger.InfoContext(ctx, "directive issued",
		"directive_id", d.ID,
		"kind", d.Kind,
		"attack_type", d.AttackType,
		"source_ip", d.SourceIP,
		"limit_per_second", d.LimitPerSecond,
		"actions", d.Actions,
		"ttl", d.TTL(),
	)
	return nil
}
