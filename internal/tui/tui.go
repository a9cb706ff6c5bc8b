// Package tui is the terminal console for a running guardian.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"nettrace-guardian/internal/tui/api"
	"nettrace-guardian/internal/tui/scenes"
	"nettrace-guardian/internal/tui/styles"
)

// Scene represents the current view
type Scene int

const (
	SceneDashboard Scene = iota
	SceneMitigations
	SceneSystem

	sceneCount = 3
)

// Model is the main console model. Only the active scene ticks.
type Model struct {
	client *api.Client
	scene  Scene

	dashboard   *scenes.DashboardScene
	mitigations *scenes.MitigationsScene
	system      *scenes.SystemScene

	width  int
	height int

	quitting bool
}

// New creates a console model reading from client.
func New(client *api.Client) *Model {
	return &Model{
		client:      client,
		scene:       SceneDashboard,
		dashboard:   scenes.NewDashboardScene(client),
		mitigations: scenes.NewMitigationsScene(client),
		system:      scenes.NewSystemScene(client),
	}
}

// Init initializes the console
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.dashboard.Init(),
		m.activeTickCmd(),
	)
}

func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.TickCmd()
	case SceneMitigations:
		return m.mitigations.TickCmd()
	case SceneSystem:
		return m.system.TickCmd()
	default:
		return nil
	}
}

func (m *Model) activeInitCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.Init()
	case SceneMitigations:
		return m.mitigations.Init()
	case SceneSystem:
		return m.system.Init()
	default:
		return nil
	}
}

func (m *Model) switchTo(s Scene) tea.Cmd {
	if m.scene == s {
		return nil
	}
	m.scene = s
	return tea.Batch(m.activeInitCmd(), m.activeTickCmd())
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneDashboard)
		case "2":
			return m, m.switchTo(SceneMitigations)
		case "3":
			return m, m.switchTo(SceneSystem)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dashboard, _ = m.dashboard.Update(msg)
		m.mitigations, _ = m.mitigations.Update(msg)
		m.system, _ = m.system.Update(msg)
		return m, nil

	case scenes.TickMsg:
		var cmd tea.Cmd
		switch m.scene {
		case SceneDashboard:
			m.dashboard, cmd = m.dashboard.Update(msg)
		case SceneMitigations:
			m.mitigations, cmd = m.mitigations.Update(msg)
		case SceneSystem:
			m.system, cmd = m.system.Update(msg)
		}
		return m, tea.Batch(cmd, m.activeTickCmd())
	}

	// Remaining keys go to the active scene only.
	if _, ok := msg.(tea.KeyMsg); ok {
		var cmd tea.Cmd
		switch m.scene {
		case SceneDashboard:
			m.dashboard, cmd = m.dashboard.Update(msg)
		case SceneMitigations:
			m.mitigations, cmd = m.mitigations.Update(msg)
		case SceneSystem:
			m.system, cmd = m.system.Update(msg)
		}
		return m, cmd
	}

	// Fetch results land in their own scene even after a tab switch.
	var cmds [3]tea.Cmd
	m.dashboard, cmds[0] = m.dashboard.Update(msg)
	m.mitigations, cmds[1] = m.mitigations.Update(msg)
	m.system, cmds[2] = m.system.Update(msg)
	return m, tea.Batch(cmds[:]...)
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneDashboard:
		b.WriteString(m.dashboard.View())
	case SceneMitigations:
		b.WriteString(m.mitigations.View())
	case SceneSystem:
		b.WriteString(m.system.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Dashboard", "1", SceneDashboard},
		{"Mitigations", "2", SceneMitigations},
		{"Host", "3", SceneSystem},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.Faint).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabViews...))
}

func (m *Model) renderFooter() string {
	return styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [r] Refresh  [q] Quit ")
}

// Run starts the console and blocks until the user quits.
func Run(client *api.Client) error {
	p := tea.NewProgram(New(client), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
