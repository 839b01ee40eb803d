package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	colorEnabled = term.IsTerminal(int(os.Stdout.Fd()))

	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#06B6D4")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9E2AF"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F38BA8"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086"))
)

func render(style lipgloss.Style, s string) string {
	if !colorEnabled {
		return s
	}
	return style.Render(s)
}

func renderAccent(s string) string { return render(accentStyle, s) }
func renderPass(s string) string   { return render(passStyle, s) }
func renderWarn(s string) string   { return render(warnStyle, s) }
func renderFail(s string) string   { return render(failStyle, s) }
func renderMuted(s string) string  { return render(mutedStyle, s) }

// renderClass colours s by a status class.
func renderClass(class, s string) string {
	switch class {
	case "success":
		return renderPass(s)
	case "warning":
		return renderWarn(s)
	case "danger":
		return renderFail(s)
	default:
		return s
	}
}
