package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"nettrace-guardian/internal/server"
	"nettrace-guardian/internal/tui/api"
	"nettrace-guardian/internal/tui/styles"
)

// SystemScene shows the monitored host: interfaces and load.
type SystemScene struct {
	client     *api.Client
	data       *server.InterfacesResponse
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

type systemMsg struct {
	data *server.InterfacesResponse
	err  error
}

// NewSystemScene creates a new system scene
func NewSystemScene(client *api.Client) *SystemScene {
	return &SystemScene{client: client, loading: true}
}

// Init fetches the first sample.
func (s *SystemScene) Init() tea.Cmd {
	return s.fetch()
}

func (s *SystemScene) fetch() tea.Cmd {
	return func() tea.Msg {
		data, err := s.client.GetInterfaces()
		return systemMsg{data: data, err: err}
	}
}

// TickCmd schedules the next refresh.
func (s *SystemScene) TickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "system", Time: t}
	})
}

// Update handles messages for the system scene
func (s *SystemScene) Update(msg tea.Msg) (*SystemScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case systemMsg:
		s.loading = false
		s.err = msg.err
		if msg.err == nil {
			s.data = msg.data
		}
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == "system" {
			return s, s.fetch()
		}
		return s, nil
	}

	return s, nil
}

// View renders the system scene
func (s *SystemScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Host"))
	b.WriteString("\n\n")

	if s.loading {
		b.WriteString(styles.Muted.Render("Loading host information..."))
		return b.String()
	}

	if s.err != nil {
		b.WriteString(styles.Crit.Render(fmt.Sprintf("  Error: %v", s.err)))
		b.WriteString("\n\n")
		if s.data == nil {
			return b.String()
		}
	}

	s.writeServer(&b)

	if h := s.data.Host; h != nil {
		b.WriteString(styles.Section.Render("  Load"))
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  CPU:     %s\n", styles.Usage(h.CPUPercent).Render(fmt.Sprintf("%.1f%%", h.CPUPercent))))
		b.WriteString(fmt.Sprintf("  Memory:  %s\n\n", styles.Usage(h.MemoryPercent).Render(fmt.Sprintf("%.1f%%", h.MemoryPercent))))
	}

	b.WriteString(styles.Section.Render("  Interfaces"))
	b.WriteString("\n")
	header := fmt.Sprintf("  %-3s %-12s %6s %12s %12s %8s  %s", "", "Name", "MTU", "Rx pkts", "Tx pkts", "Drops", "Addresses")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")
	for _, iface := range s.data.Interfaces {
		status := styles.Muted.Render("○")
		if iface.Up {
			status = styles.OK.Render("●")
		}
		var rx, tx, drops uint64
		if c := iface.Counters; c != nil {
			rx, tx, drops = c.PacketsRecv, c.PacketsSent, c.DropIn+c.DropOut
		}
		b.WriteString(fmt.Sprintf("  %s  %-12s %6d %12s %12s %8s  %s\n",
			status, truncate(iface.Name, 12), iface.MTU,
			formatNumber(rx), formatNumber(tx), formatNumber(drops),
			styles.Muted.Render(strings.Join(iface.Addrs, ", "))))
	}
	b.WriteString("\n")

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (s *SystemScene) writeServer(b *strings.Builder) {
	b.WriteString(styles.Section.Render("  Guardian"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s %s\n\n", styles.OK.Render("●"), s.client.BaseURL()))
}
