// Package scenes provides the console views.
package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"nettrace-guardian/internal/server"
	"nettrace-guardian/internal/tui/api"
	"nettrace-guardian/internal/tui/styles"
)

// TickMsg is sent on each refresh tick. Scenes ignore ticks addressed to
// another scene.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// DashboardScene shows detection and response counters.
type DashboardScene struct {
	client     *api.Client
	health     *api.Health
	stats      *server.StatsResponse
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

type statsMsg struct {
	health *api.Health
	stats  *server.StatsResponse
	err    error
}

// NewDashboardScene creates a new dashboard scene
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{client: client, loading: true}
}

// Init fetches the first sample.
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetchStats()
}

func (d *DashboardScene) fetchStats() tea.Cmd {
	return func() tea.Msg {
		health, err := d.client.GetHealth()
		if err != nil {
			return statsMsg{err: err}
		}
		stats, err := d.client.GetStats()
		return statsMsg{health: health, stats: stats, err: err}
	}
}

// TickCmd schedules the next refresh. The parent model only asks the active
// scene for it.
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// Update handles messages for the dashboard
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case statsMsg:
		d.loading = false
		d.err = msg.err
		if msg.err == nil {
			d.health = msg.health
			d.stats = msg.stats
		}
		d.lastUpdate = time.Now()
		return d, nil

	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.fetchStats()
		}
		return d, nil
	}

	return d, nil
}

// View renders the dashboard
func (d *DashboardScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Guardian Dashboard"))
	b.WriteString("\n\n")

	if d.loading {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}

	if d.err != nil {
		b.WriteString(fmt.Sprintf("  Status: %s\n", styles.Crit.Render("● UNREACHABLE")))
		b.WriteString(styles.Crit.Render(fmt.Sprintf("  Error: %v", d.err)))
		b.WriteString("\n")
		if d.stats == nil {
			return b.String()
		}
		b.WriteString(styles.Muted.Render("  Showing last good sample"))
		b.WriteString("\n\n")
	} else {
		b.WriteString(fmt.Sprintf("  Status: %s   Uptime: %s\n\n",
			styles.OK.Render("● "+strings.ToUpper(d.health.Status)), d.health.Uptime))
	}

	s := d.stats
	b.WriteString(styles.Section.Render("  Detection"))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderMetricCard("Processed", formatNumber(s.Engine.Processed)),
		renderMetricCard("Alerts", formatNumber(s.Engine.Alerts)),
		renderMetricCard("Recoveries", formatNumber(s.Engine.Recoveries)),
		renderMetricCard("Sources", fmt.Sprintf("%d", s.Engine.Trackers)),
	))
	b.WriteString("\n")

	b.WriteString(styles.Section.Render("  Response"))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderMetricCard("Dispatched", formatNumber(s.Pipeline.Dispatched)),
		renderMetricCard("Suppressed", formatNumber(s.Pipeline.Suppressed)),
		renderMetricCard("Handler errs", formatNumber(s.Pipeline.HandlerErrors)),
		renderMetricCard("Records", fmt.Sprintf("%d", s.Pipeline.Records)),
	))
	b.WriteString("\n")

	q := s.Dispatch.Queue
	usage := 0.0
	if q.Capacity > 0 {
		usage = float64(q.Depth) / float64(q.Capacity) * 100
	}
	b.WriteString(styles.Section.Render("  Queue"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Depth:    %s\n", styles.Usage(usage).Render(fmt.Sprintf("%d/%d (%.0f%%)", q.Depth, q.Capacity, usage))))
	b.WriteString(fmt.Sprintf("  Handled:  %s\n", formatNumber(s.Dispatch.Handled)))
	b.WriteString(fmt.Sprintf("  Dropped:  %s\n", styles.Count(s.Dispatch.Dropped, formatNumber(s.Dispatch.Dropped))))
	if s.Ingest != nil {
		b.WriteString(fmt.Sprintf("  Ingest:   %s accepted, %s rejected, %s malformed\n",
			formatNumber(s.Ingest.Accepted), formatNumber(s.Ingest.Rejected), formatNumber(s.Ingest.Malformed)))
	}
	b.WriteString(fmt.Sprintf("  Handlers: %s\n\n", strings.Join(s.Handlers, ", ")))

	if !d.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func renderMetricCard(label, value string) string {
	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return styles.MetricCard.Render(content)
}

func formatNumber(n uint64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
