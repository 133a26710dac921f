// Package render formats summaries, collaboration results and cache
// statistics for the terminal.
package render

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/codefionn/reflexion/internal/step"
)

// Color constants for step and run states
const (
	ColorSkipped   = "#808080" // Grey
	ColorRunning   = "#00BFFF" // Deep Sky Blue
	ColorSucceeded = "#32CD32" // Lime Green
	ColorFailed    = "#FF4444" // Red
	ColorAborted   = "#FFD700" // Gold
	ColorMuted     = "#A0A0A0"
	ColorAccent    = "#AF87FF"
)

const defaultWidth = 80

// Styles holds the lipgloss styles used by the renderer.
type Styles struct {
	Title     lipgloss.Style
	Label     lipgloss.Style
	Muted     lipgloss.Style
	Succeeded lipgloss.Style
	Failed    lipgloss.Style
	Aborted   lipgloss.Style
	Running   lipgloss.Style
	Skipped   lipgloss.Style
	Answer    lipgloss.Style
}

// DefaultStyles returns the colored style set.
func DefaultStyles() Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Label:     lipgloss.NewStyle().Bold(true),
		Muted:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorMuted)),
		Succeeded: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorSucceeded)).Bold(true),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorFailed)).Bold(true),
		Aborted:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAborted)).Bold(true),
		Running:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRunning)),
		Skipped:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorSkipped)),
		Answer: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorSucceeded)).
			Padding(0, 1),
	}
}

// PlainStyles returns styles without colors or borders, for pipes and tests.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Title:     plain,
		Label:     plain,
		Muted:     plain,
		Succeeded: plain,
		Failed:    plain,
		Aborted:   plain,
		Running:   plain,
		Skipped:   plain,
		Answer:    plain,
	}
}

func (s Styles) runStatus(status step.RunStatus) lipgloss.Style {
	switch status {
	case step.RunSucceeded:
		return s.Succeeded
	case step.RunFailed:
		return s.Failed
	case step.RunAborted:
		return s.Aborted
	default:
		return s.Running
	}
}

func (s Styles) stepStatus(status step.Status) lipgloss.Style {
	switch status {
	case step.StatusSuccess:
		return s.Succeeded
	case step.StatusFailure:
		return s.Failed
	default:
		return s.Skipped
	}
}

// terminalWidth reports the width of f when it is a terminal.
func terminalWidth(f *os.File) (int, bool) {
	if f == nil {
		return 0, false
	}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0, false
	}
	if width, _, err := term.GetSize(fd); err == nil && width > 0 {
		return width, true
	}
	return defaultWidth, true
}
