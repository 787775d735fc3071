package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorPrimary = lipgloss.Color("#8B5CF6")
	colorSuccess = lipgloss.Color("#10B981")
	colorMuted   = lipgloss.Color("#64748B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	successStyle = lipgloss.NewStyle().
			Foreground(colorSuccess)

	mutedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	bannerBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(0, 2)
)

// banner renders the serve startup box.
func banner(version, addr string, devMode bool) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("quilld " + version))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("listening on %s", addr))
	if devMode {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("developer mode enabled"))
	}
	return bannerBox.Render(b.String())
}
