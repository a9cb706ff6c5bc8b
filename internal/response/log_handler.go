package response

import (
	"context"
	"log/slog"

	"nettrace-guardian/internal/schema"
)

// LogHandler logs each event together with its playbook.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a LogHandler. A nil logger uses slog.Default().
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

// Name implements Handler.
func (h *LogHandler) Name() string { return "log" }

// Mitigate implements Handler.
func (h *LogHandler) Mitigate(ctx context.Context, ev *schema.DetectionEvent) (schema.Outcome, error) {
	steps := Playbook(ev.PacketType)
	actions := make([]string, len(steps))
	for i, s := range steps {
		actions[i] = s.Action
		h.logger.InfoContext(ctx, "mitigation step",
			"event_id", ev.ID,
			"attack_type", ev.AttackType,
			"source_ip", ev.SourceIP,
			"step", i+1,
			"action", s.Action,
			"description", s.Description,
		)
	}

	h.logger.WarnContext(ctx, "attack response", "event", ev)

	return schema.Outcome{
		Handler: h.Name(),
		Action:  "log",
		Steps:   actions,
	}, nil
}
