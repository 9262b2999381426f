// Package render prints ping and traceroute progress and summaries.
package render

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// ColorEnabled reports whether w is a terminal and colour was not disabled.
func ColorEnabled(w io.Writer, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type styles struct {
	enabled bool
	ok      lipgloss.Style
	fail    lipgloss.Style
	host    lipgloss.Style
	dim     lipgloss.Style
	title   lipgloss.Style
}

func newStyles(w io.Writer, color bool) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		enabled: color,
		ok:      r.NewStyle().Foreground(lipgloss.Color("42")),
		fail:    r.NewStyle().Foreground(lipgloss.Color("203")),
		host:    r.NewStyle().Bold(true),
		dim:     r.NewStyle().Foreground(lipgloss.Color("241")),
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
	}
}

// paint renders s with st when colour is enabled and returns s unchanged
// otherwise.
func (s styles) paint(st lipgloss.Style, text string) string {
	if !s.enabled {
		return text
	}
	return st.Render(text)
}
