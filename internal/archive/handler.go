package archive

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"nettrace-guardian/internal/response"
	"nettrace-guardian/internal/schema"
)

// Evidence is the object written for each detection event.
type Evidence struct {
	Event      *schema.DetectionEvent `json:"event"`
	Playbook   []response.Step        `json:"playbook"`
	ArchivedAt time.Time              `json:"archived_at"`
	Sensor     string                 `json:"sensor,omitempty"`
}

// Handler archives detection events. It implements response.Handler.
type Handler struct {
	client *Client
	prefix string
	sensor string
	now    func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSensor records the reporting sensor name in each evidence object.
func WithSensor(name string) HandlerOption {
	return func(h *Handler) { h.sensor = name }
}

// WithClock overrides the archive timestamp source.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates an archive handler writing through client.
func NewHandler(client *Client, opts ...HandlerOption) *Handler {
	h := &Handler{
		client: client,
		prefix: client.config.Prefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements response.Handler.
func (h *Handler) Name() string { return "archive" }

// Mitigate implements response.Handler.
func (h *Handler) Mitigate(ctx context.Context, ev *schema.DetectionEvent) (schema.Outcome, error) {
	body, err := json.Marshal(Evidence{
		Event:      ev,
		Playbook:   response.Playbook(ev.PacketType),
		ArchivedAt: h.now().UTC(),
		Sensor:     h.sensor,
	})
	if err != nil {
		return schema.Outcome{}, err
	}

	key := Key(h.prefix, ev)
	loc, err := h.client.Put(ctx, key, body, "application/json", map[string]string{
		"attack-type": ev.AttackType,
		"source-ip":   ev.SourceIP,
	})
	if err != nil {
		return schema.Outcome{}, err
	}

	return schema.Outcome{
		Handler: h.Name(),
		Action:  "archive",
		Detail:  loc,
	}, nil
}

// Key returns <prefix>/<yyyy>/<mm>/<dd>/<attack_type>/<event_id>.json, dated
// by the event timestamp in UTC.
func Key(prefix string, ev *schema.DetectionEvent) string {
	ts := ev.Timestamp.UTC()
	return path.Join(
		prefix,
		ts.Format("2006"),
		ts.Format("01"),
		ts.Format("02"),
		ev.AttackType,
		ev.ID.String()+".json",
	)
}
