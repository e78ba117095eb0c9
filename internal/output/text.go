package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
)

// Text outputs plain text to the formatter's writer
func (f *Formatter) Text(format string, args ...interface{}) {
	fmt.Fprintf(f.writer, format, args...)
}

// Textln outputs plain text with a newline to the formatter's writer
func (f *Formatter) Textln(format string, args ...interface{}) {
	fmt.Fprintf(f.writer, format+"\n", args...)
}

// Line outputs a blank line
func (f *Formatter) Line() {
	fmt.Fprintln(f.writer)
}

// Print writes text to the formatter's writer
func (f *Formatter) Print(v ...interface{}) {
	fmt.Fprint(f.writer, v...)
}

// Println writes text with newline to the formatter's writer
func (f *Formatter) Println(v ...interface{}) {
	fmt.Fprintln(f.writer, v...)
}

// Printf writes formatted text to the formatter's writer
func (f *Formatter) Printf(format string, v ...interface{}) {
	fmt.Fprintf(f.writer, format, v...)
}

// Table outputs tabular data in text format
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	widths  []int
}

// NewTable creates a new table with headers
func NewTable(w io.Writer, headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	return &Table{
		writer:  w,
		headers: headers,
		rows:    [][]string{},
		widths:  widths,
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(cols ...string) {
	for i, c := range cols {
		if i < len(t.widths) {
			if w := runewidth.StringWidth(c); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, cols)
}

// Render outputs the table
func (t *Table) Render() {
	writeRow := func(cells []string) {
		var b strings.Builder
		b.WriteString("  ")
		for i, w := range t.widths {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(runewidth.FillRight(cell, w))
		}
		fmt.Fprintln(t.writer, strings.TrimRight(b.String(), " "))
	}

	writeRow(t.headers)
	seps := make([]string, len(t.widths))
	for i, w := range t.widths {
		seps[i] = strings.Repeat("-", w)
	}
	writeRow(seps)
	for _, row := range t.rows {
		writeRow(row)
	}
}

// Truncate shortens s to at most maxWidth display cells, ending in "..."
// when anything was cut. ANSI sequences do not count toward the width.
func Truncate(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if displayWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return truncate.String(s, uint(maxWidth))
	}
	return truncate.StringWithTail(s, uint(maxWidth), "...")
}

// Pluralize returns singular or plural form based on count
func Pluralize(count int, singular, plural string) string {
	if count == 1 {
		return singular
	}
	return plural
}

// CountStr returns "N item(s)" string
func CountStr(count int, singular, plural string) string {
	return fmt.Sprintf("%d %s", count, Pluralize(count, singular, plural))
}
