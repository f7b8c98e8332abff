package panel

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(11)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("203")).
			Padding(0, 1)

	statusColors = map[string]lipgloss.Color{
		"ONLINE":   lipgloss.Color("42"),
		"STARTING": lipgloss.Color("214"),
		"EXITED":   lipgloss.Color("203"),
		"FAILED":   lipgloss.Color("203"),
		"OFFLINE":  lipgloss.Color("245"),
	}
)

// View renders the status card, the addresses and a QR code of the public
// address while online, any error output, and the key help.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Echo control panel"))
	b.WriteString("\n\n")

	label := m.liveness.Label()
	status := lipgloss.NewStyle().Bold(true).Foreground(statusColors[label]).Render(label)
	row(&b, "Server", status)

	online := m.liveness.Online && m.address != ""
	if online {
		row(&b, "Public", m.address)
	}
	if lan := m.lanURL(); lan != "" {
		row(&b, "LAN", lan)
	}
	if m.liveness.Online && m.haveCount {
		listeners := fmt.Sprintf("%d", len(m.audience.Users))
		if m.audience.RouterUser != nil {
			listeners += fmt.Sprintf(" (router: %s)", *m.audience.RouterUser)
		}
		row(&b, "Listeners", listeners)
	}
	if m.notice != "" {
		row(&b, "", m.notice)
	}
	if m.flash != "" {
		row(&b, "", m.flash)
	}
	if online {
		b.WriteString("\n")
		b.WriteString(QRCode(m.address))
	}

	if m.errText != "" {
		b.WriteString("\n")
		b.WriteString(errStyle.Render(strings.TrimRight(m.errText, "\n")))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	help := "s start • x stop • q quit"
	if online && m.opts.Copy != nil {
		help = "s start • x stop • c copy address • q quit"
	}
	b.WriteString(helpStyle.Render(help))
	b.WriteString("\n")
	return b.String()
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}
