// Package styles holds the console palette.
package styles

import "github.com/charmbracelet/lipgloss"

// Palette. Severity colours are shared by health, load and attack styles so
// a red cell always means the same thing.
var (
	Accent   = lipgloss.Color("#0EA5E9")
	Healthy  = lipgloss.Color("#10B981")
	Degraded = lipgloss.Color("#F59E0B")
	Critical = lipgloss.Color("#EF4444")
	Probing  = lipgloss.Color("#A855F7")
	Faint    = lipgloss.Color("#6B7280")
	White    = lipgloss.Color("#FFFFFF")
)

var (
	Muted = lipgloss.NewStyle().Foreground(Faint)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Accent).
		MarginBottom(1)

	Section = lipgloss.NewStyle().
		Foreground(Faint).
		Italic(true)

	OK   = lipgloss.NewStyle().Foreground(Healthy).Bold(true)
	Warn = lipgloss.NewStyle().Foreground(Degraded).Bold(true)
	Crit = lipgloss.NewStyle().Foreground(Critical).Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Accent).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(Faint).
			Padding(0, 2)

	Help = lipgloss.NewStyle().
		Foreground(Faint).
		MarginTop(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Accent).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(Faint)

	TableRowSelected = lipgloss.NewStyle().
				Foreground(White).
				Background(Accent)

	// Counter tiles on the dashboard.
	MetricCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Faint).
			Padding(0, 2).
			Width(18).
			Align(lipgloss.Center)

	MetricValue = lipgloss.NewStyle().Bold(true).Foreground(Healthy)
	MetricLabel = lipgloss.NewStyle().Foreground(Faint)
)

// Usage picks a style for a fill percentage: queue depth, CPU or memory.
func Usage(percent float64) lipgloss.Style {
	switch {
	case percent >= 90:
		return Crit
	case percent >= 70:
		return Warn
	}
	return OK
}

// Attack colours an attack type. SYN floods exhaust connection state and
// rank highest; ICMP floods are usually reconnaissance.
func Attack(attackType string) lipgloss.Style {
	switch attackType {
	case "syn_flood":
		return Crit
	case "udp_flood":
		return Warn
	case "icmp_flood":
		return lipgloss.NewStyle().Foreground(Probing).Bold(true)
	}
	return Muted
}

// Count renders a counter that should stay at zero, such as queue drops.
func Count(n uint64, text string) string {
	if n > 0 {
		return Crit.Render(text)
	}
	return OK.Render(text)
}
