package output

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/ansi"
)

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#1e66f5", Dark: "#89b4fa"}
	colorText    = lipgloss.AdaptiveColor{Light: "#4c4f69", Dark: "#cdd6f4"}
	colorSubtext = lipgloss.AdaptiveColor{Light: "#6c6f85", Dark: "#a6adc8"}
	colorBorder  = lipgloss.AdaptiveColor{Light: "#acb0be", Dark: "#585b70"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#40a02b", Dark: "#a6e3a1"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#df8e1d", Dark: "#f9e2af"}
	colorError   = lipgloss.AdaptiveColor{Light: "#d20f39", Dark: "#f38ba8"}
)

// StyledTable renders terminal tables with rounded box-drawing borders.
type StyledTable struct {
	headers  []string
	rows     [][]string
	widths   []int
	title    string
	footer   string
	maxWidth int
}

// NewStyledTable creates a new styled table with headers
func NewStyledTable(headers ...string) *StyledTable {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = displayWidth(h)
	}
	return &StyledTable{
		headers: headers,
		rows:    [][]string{},
		widths:  widths,
	}
}

// WithTitle adds a title to the table
func (t *StyledTable) WithTitle(title string) *StyledTable {
	t.title = title
	return t
}

// WithFooter adds a footer to the table
func (t *StyledTable) WithFooter(footer string) *StyledTable {
	t.footer = footer
	return t
}

// WithMaxCellWidth truncates cells wider than n.
func (t *StyledTable) WithMaxCellWidth(n int) *StyledTable {
	t.maxWidth = n
	for i := range t.widths {
		if n > 0 && t.widths[i] > n {
			t.widths[i] = n
		}
	}
	return t
}

// AddRow adds a row to the table
func (t *StyledTable) AddRow(cols ...string) {
	for i, c := range cols {
		if i >= len(t.widths) {
			break
		}
		if t.maxWidth > 0 {
			c = Truncate(c, t.maxWidth)
			cols[i] = c
		}
		if w := displayWidth(c); w > t.widths[i] {
			t.widths[i] = w
		}
	}
	t.rows = append(t.rows, cols)
}

// RowCount returns the number of rows
func (t *StyledTable) RowCount() int {
	return len(t.rows)
}

// Render returns the table as a styled string
func (t *StyledTable) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	var sb strings.Builder

	borderColor := lipgloss.NewStyle().Foreground(colorBorder)
	headerColor := lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	textColor := lipgloss.NewStyle().Foreground(colorText)
	subtextColor := lipgloss.NewStyle().Foreground(colorSubtext)

	buildHLine := func(left, mid, right string) string {
		var line strings.Builder
		line.WriteString(left)
		for i, w := range t.widths {
			line.WriteString(strings.Repeat("─", w+2))
			if i < len(t.widths)-1 {
				line.WriteString(mid)
			}
		}
		line.WriteString(right)
		return borderColor.Render(line.String())
	}

	writeRow := func(cells []string, style lipgloss.Style) {
		sb.WriteString(borderColor.Render("│"))
		for i := range t.headers {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			sb.WriteString(" ")
			sb.WriteString(style.Render(padRight(cell, t.widths[i])))
			sb.WriteString(" ")
			sb.WriteString(borderColor.Render("│"))
		}
		sb.WriteString("\n")
	}

	if t.title != "" {
		sb.WriteString(headerColor.Render(t.title))
		sb.WriteString("\n")
	}

	sb.WriteString(buildHLine("╭", "┬", "╮"))
	sb.WriteString("\n")
	writeRow(t.headers, headerColor)
	sb.WriteString(buildHLine("├", "┼", "┤"))
	sb.WriteString("\n")
	for _, row := range t.rows {
		writeRow(row, textColor)
	}
	sb.WriteString(buildHLine("╰", "┴", "╯"))
	sb.WriteString("\n")

	if t.footer != "" {
		sb.WriteString(subtextColor.Render(t.footer))
		sb.WriteString("\n")
	}

	return sb.String()
}

// String implements fmt.Stringer
func (t *StyledTable) String() string {
	return t.Render()
}

// displayWidth is the printable width of s, ignoring ANSI sequences.
func displayWidth(s string) int {
	return ansi.PrintableRuneWidth(s)
}

func padRight(s string, width int) string {
	if w := displayWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// KeyValue renders a key-value pair with consistent styling
func KeyValue(key, value string, keyWidth int) string {
	keyStyle := lipgloss.NewStyle().Foreground(colorSubtext)
	valueStyle := lipgloss.NewStyle().Foreground(colorText)

	paddedKey := fmt.Sprintf("%-*s", keyWidth, key+":")
	return keyStyle.Render(paddedKey) + " " + valueStyle.Render(value)
}

// SectionHeader renders a styled section header
func SectionHeader(title string) string {
	return lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Render("┌─ " + title + " ─")
}

// SuccessMessage renders a success message with icon
func SuccessMessage(msg string) string {
	return lipgloss.NewStyle().Foreground(colorSuccess).Render("✓ " + msg)
}

// ErrorMessage renders an error message with icon
func ErrorMessage(msg string) string {
	return lipgloss.NewStyle().Foreground(colorError).Render("✗ " + msg)
}

// WarningMessage renders a warning message with icon
func WarningMessage(msg string) string {
	return lipgloss.NewStyle().Foreground(colorWarning).Render("⚠ " + msg)
}

// StateBadge colors a session state or alert severity.
func StateBadge(state string) string {
	var c lipgloss.TerminalColor
	switch state {
	case "connected", "info":
		c = colorSuccess
	case "connecting", "reconnecting", "warning":
		c = colorWarning
	case "failed", "error", "critical":
		c = colorError
	default:
		c = colorSubtext
	}
	return lipgloss.NewStyle().Foreground(c).Bold(true).Render(state)
}
