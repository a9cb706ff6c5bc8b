package scenes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"nettrace-guardian/internal/schema"
	"nettrace-guardian/internal/server"
	"nettrace-guardian/internal/tui/api"
	"nettrace-guardian/internal/tui/styles"
)

// MitigationsScene lists mitigation records, most recent action first.
type MitigationsScene struct {
	client     *api.Client
	records    []schema.MitigationRecord
	blocked    int
	blockErr   string
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

type mitigationsMsg struct {
	resp *server.MitigationsResponse
	err  string
}

// NewMitigationsScene creates a new mitigations scene.
func NewMitigationsScene(client *api.Client) *MitigationsScene {
	return &MitigationsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init fetches the first page.
func (m *MitigationsScene) Init() tea.Cmd {
	return m.fetch()
}

func (m *MitigationsScene) fetch() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.GetMitigations()
		if err != nil {
			return mitigationsMsg{err: err.Error()}
		}
		return mitigationsMsg{resp: resp}
	}
}

// TickCmd schedules the next refresh.
func (m *MitigationsScene) TickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "mitigations", Time: t}
	})
}

// Update handles messages for the mitigations scene.
func (m *MitigationsScene) Update(msg tea.Msg) (*MitigationsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.maxRows = max(5, m.height-12)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.offset {
					m.offset = m.cursor
				}
			}
		case "down", "j":
			if m.cursor < len(m.records)-1 {
				m.cursor++
				if m.cursor >= m.offset+m.maxRows {
					m.offset = m.cursor - m.maxRows + 1
				}
			}
		case "r":
			m.loading = true
			return m, m.fetch()
		}
		return m, nil

	case mitigationsMsg:
		m.loading = false
		m.err = msg.err
		m.lastUpdate = time.Now()
		if msg.resp != nil {
			m.records = msg.resp.Records
			sort.Slice(m.records, func(i, j int) bool {
				return m.records[i].LastActionTime.After(m.records[j].LastActionTime)
			})
			m.blocked = len(msg.resp.Blocklist)
			m.blockErr = msg.resp.BlocklistError
		}
		if m.cursor >= len(m.records) {
			m.cursor = max(0, len(m.records)-1)
		}
		if m.offset > m.cursor {
			m.offset = m.cursor
		}
		return m, nil

	case TickMsg:
		if msg.Scene == "mitigations" {
			return m, m.fetch()
		}
		return m, nil
	}

	return m, nil
}

// View renders the mitigation table.
func (m *MitigationsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Mitigations"))
	b.WriteString("\n\n")

	if m.loading && len(m.records) == 0 {
		b.WriteString(styles.Muted.Render("  Loading mitigations..."))
		return b.String()
	}

	if m.err != "" {
		b.WriteString(styles.Crit.Render(fmt.Sprintf("  Error: %s", m.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	switch {
	case m.blockErr != "":
		b.WriteString(styles.Warn.Render(fmt.Sprintf("  Blocklist unavailable: %s", m.blockErr)))
	default:
		b.WriteString(styles.Section.Render(fmt.Sprintf("  %d active blocklist entries", m.blocked)))
	}
	b.WriteString("\n\n")

	if len(m.records) == 0 {
		b.WriteString(styles.Muted.Render("  No mitigations recorded."))
		return b.String()
	}

	header := fmt.Sprintf("  %-10s %-14s %-40s %7s %10s", "Last", "Attack", "Source", "Actions", "Suppressed")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	end := min(m.offset+m.maxRows, len(m.records))
	for i := m.offset; i < end; i++ {
		b.WriteString(m.renderRow(m.records[i], i == m.cursor))
		b.WriteString("\n")
	}

	if len(m.records) > m.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			m.offset+1, end, len(m.records))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}
	if !m.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", m.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (m *MitigationsScene) renderRow(rec schema.MitigationRecord, selected bool) string {
	source := truncate(rec.SourceIP, 40)
	last := rec.LastActionTime.Local().Format("15:04:05")
	if selected {
		return styles.TableRowSelected.Render(fmt.Sprintf("  %-10s %-14s %-40s %7d %10d",
			last, rec.AttackType, source, rec.Actions, rec.Suppressed))
	}
	// Pad before styling so escape codes do not skew the columns.
	attack := styles.Attack(rec.AttackType).Render(fmt.Sprintf("%-14s", rec.AttackType))
	return fmt.Sprintf("  %-10s %s %-40s %7d %10d", last, attack, source, rec.Actions, rec.Suppressed)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
