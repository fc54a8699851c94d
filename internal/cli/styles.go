package cli

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// Styles contains lipgloss styles for interactive output.
type Styles struct {
	Prompt lipgloss.Style
	Key    lipgloss.Style
	Value  lipgloss.Style
	Offset lipgloss.Style
	Error  lipgloss.Style
	OK     lipgloss.Style
	Dim    lipgloss.Style
}

// NewStyles creates styles based on color mode.
func NewStyles(colorEnabled bool) *Styles {
	if !colorEnabled {
		plain := lipgloss.NewStyle()
		return &Styles{
			Prompt: plain,
			Key:    plain,
			Value:  plain,
			Offset: plain,
			Error:  plain,
			OK:     plain,
			Dim:    plain,
		}
	}
	return &Styles{
		Prompt: lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
		Key:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		Value:  lipgloss.NewStyle().Foreground(lipgloss.Color("15")),
		Offset: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Error:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		OK:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// colorEnabled resolves the --color flag against the output writer.
func colorEnabled(mode string, w io.Writer) bool {
	switch strings.ToLower(mode) {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd, ok := fileDescriptor(w)
	return ok && (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
}

// terminalWidth returns the width of w if it is a terminal.
func terminalWidth(w io.Writer) (int, bool) {
	fd, ok := fileDescriptor(w)
	if !ok || !term.IsTerminal(int(fd)) {
		return 0, false
	}
	width, _, err := term.GetSize(int(fd))
	if err != nil || width <= 0 {
		return 0, false
	}
	return width, true
}

func fileDescriptor(w io.Writer) (uintptr, bool) {
	f, ok := w.(*os.File)
	if !ok {
		return 0, false
	}
	return f.Fd(), true
}
