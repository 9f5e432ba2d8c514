package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type ConsoleStyle int

const (
	StyleNormal ConsoleStyle = iota
	StyleError
	StyleWarning
	StyleSuccess
	StyleInfo
	StyleMuted
)

// Console writes user-facing messages. Color is decided per writer, so
// redirected output and NO_COLOR get plain text.
type Console struct {
	out    io.Writer
	errOut io.Writer
	styles map[ConsoleStyle]lipgloss.Style
	errSty map[ConsoleStyle]lipgloss.Style
}

func NewConsole() *Console {
	return NewConsoleWithWriters(os.Stdout, os.Stderr)
}

// NewConsoleWithWriters creates a console writing to out and errOut.
func NewConsoleWithWriters(out, errOut io.Writer) *Console {
	return &Console{
		out:    out,
		errOut: errOut,
		styles: stylesFor(lipgloss.NewRenderer(out)),
		errSty: stylesFor(lipgloss.NewRenderer(errOut)),
	}
}

func stylesFor(r *lipgloss.Renderer) map[ConsoleStyle]lipgloss.Style {
	return map[ConsoleStyle]lipgloss.Style{
		StyleNormal:  r.NewStyle(),
		StyleError:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		StyleWarning: r.NewStyle().Foreground(lipgloss.Color("3")),
		StyleSuccess: r.NewStyle().Foreground(lipgloss.Color("2")),
		StyleInfo:    r.NewStyle().Foreground(lipgloss.Color("4")),
		StyleMuted:   r.NewStyle().Faint(true),
	}
}

func (c *Console) formatMessage(styles map[ConsoleStyle]lipgloss.Style, style ConsoleStyle, message string) string {
	s, ok := styles[style]
	if !ok || style == StyleNormal {
		return message
	}
	// lipgloss pads multi-line blocks to a common width; style lines one by one
	lines := strings.Split(message, "\n")
	for i, line := range lines {
		lines[i] = s.Render(line)
	}
	return strings.Join(lines, "\n")
}

func (c *Console) PrintError(message string) {
	fmt.Fprintf(c.errOut, "%s\n", c.formatMessage(c.errSty, StyleError, "Error: "+message))
}

func (c *Console) PrintWarning(message string) {
	fmt.Fprintf(c.errOut, "%s\n", c.formatMessage(c.errSty, StyleWarning, "Warning: "+message))
}

func (c *Console) PrintSuccess(message string) {
	fmt.Fprintf(c.out, "%s\n", c.formatMessage(c.styles, StyleSuccess, message))
}

func (c *Console) PrintInfo(message string) {
	fmt.Fprintf(c.out, "%s\n", c.formatMessage(c.styles, StyleInfo, message))
}

// PrintStep prints a numbered progress line such as "[2/4] build".
func (c *Console) PrintStep(index, total int, name, detail string) {
	prefix := c.formatMessage(c.styles, StyleInfo, fmt.Sprintf("[%d/%d]", index, total))
	line := prefix + " " + name
	if detail != "" {
		line += " " + c.formatMessage(c.styles, StyleMuted, detail)
	}
	fmt.Fprintln(c.out, line)
}

// PrintSkipped reports a stage that is not run again.
func (c *Console) PrintSkipped(name, reason string) {
	fmt.Fprintln(c.out, c.formatMessage(c.styles, StyleMuted, fmt.Sprintf("skip %s (%s)", name, reason)))
}

func (c *Console) FormatErrorMessage(context, cause, suggestion string) string {
	var parts []string

	if context != "" {
		parts = append(parts, context)
	}

	if cause != "" {
		parts = append(parts, fmt.Sprintf("Cause: %s", cause))
	}

	if suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", suggestion))
	}

	return strings.Join(parts, "\n")
}
