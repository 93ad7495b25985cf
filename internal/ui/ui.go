// Package ui renders prefork's console output
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

type styles struct {
	success lipgloss.Style
	err     lipgloss.Style
	warning lipgloss.Style
	info    lipgloss.Style
	subtle  lipgloss.Style
	header  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		success: r.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		err:     r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		info:    r.NewStyle().Foreground(lipgloss.Color("12")),
		subtle:  r.NewStyle().Foreground(lipgloss.Color("8")),
		header:  r.NewStyle().Bold(true).Underline(true),
	}
}

// UI writes styled messages. Colour is only emitted when the writer is a
// terminal.
type UI struct {
	out    io.Writer
	err    io.Writer
	styles styles
}

// New creates a UI writing to out and err
func New(out, err io.Writer) *UI {
	return &UI{
		out:    out,
		err:    err,
		styles: newStyles(lipgloss.NewRenderer(out)),
	}
}

// Default writes to stdout and stderr
func Default() *UI {
	return New(os.Stdout, os.Stderr)
}

func (ui *UI) Success(msg string) {
	fmt.Fprintln(ui.out, ui.styles.success.Render("✓ "+msg))
}

// Error writes to the error stream
func (ui *UI) Error(msg string) {
	fmt.Fprintln(ui.err, ui.styles.err.Render("✗ "+msg))
}

func (ui *UI) Warning(msg string) {
	fmt.Fprintln(ui.out, ui.styles.warning.Render("⚠ "+msg))
}

func (ui *UI) Info(msg string) {
	fmt.Fprintln(ui.out, ui.styles.info.Render("ℹ "+msg))
}

func (ui *UI) Subtle(msg string) {
	fmt.Fprintln(ui.out, ui.styles.subtle.Render(msg))
}

func (ui *UI) Println(msg string) {
	fmt.Fprintln(ui.out, msg)
}

func (ui *UI) Printf(format string, args ...any) {
	fmt.Fprintf(ui.out, format, args...)
}

func (ui *UI) Header(title string) {
	fmt.Fprintln(ui.out, ui.styles.header.Render(title))
}

// KeyValue prints an indented key: value line
func (ui *UI) KeyValue(key, value string) {
	fmt.Fprintf(ui.out, "  %s: %s\n", ui.styles.subtle.Render(key), value)
}

// Health colours a health status name: SERVING green, NOT_SERVING red,
// anything else yellow.
func (ui *UI) Health(status string) string {
	switch status {
	case "SERVING":
		return ui.styles.success.Render(status)
	case "NOT_SERVING":
		return ui.styles.err.Render(status)
	default:
		return ui.styles.warning.Render(status)
	}
}

// Table collects rows and prints them with aligned columns
type Table struct {
	ui      *UI
	headers []string
	rows    [][]string
}

func (ui *UI) NewTable(headers ...string) *Table {
	return &Table{ui: ui, headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render prints the table. Widths are measured without styling so
// coloured cells stay aligned.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = lipgloss.Width(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	cells := make([]string, len(t.headers))
	for i, header := range t.headers {
		cells[i] = padRight(header, widths[i])
	}
	t.ui.Println(t.ui.styles.header.Render(strings.TrimRight(strings.Join(cells, "   "), " ")))

	for _, row := range t.rows {
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = padRight(cell, widths[i])
		}
		t.ui.Println(strings.TrimRight(strings.Join(cells, "   "), " "))
	}
}

func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
