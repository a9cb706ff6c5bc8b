package kafka

import (
	"context"

	"nettrace-guardian/internal/response"
)

// DirectiveSink publishes each directive as JSON keyed by source IP, so
// every directive for one source lands on the same partition in order.
type DirectiveSink struct {
	producer *Producer
}

// NewDirectiveSink wraps p as a response.DirectiveSink.
func NewDirectiveSink(p *Producer) *DirectiveSink {
	return &DirectiveSink{producer: p}
}

// Name implements response.DirectiveSink.
func (s *DirectiveSink) Name() string { return "kafka" }

// Apply implements response.DirectiveSink.
func (s *DirectiveSink) Apply(ctx context.Context, d response.Directive) error {
	return s.producer.ProduceJSON(ctx, d.SourceIP, d)
}

var _ response.DirectiveSink = (*DirectiveSink)(nil)
