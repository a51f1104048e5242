package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// isTTY reports whether stdout is a terminal; colours are dropped otherwise.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

var (
	styleBold    = color.New(color.Bold).SprintFunc()
	styleOK      = color.New(color.FgGreen).SprintFunc()
	styleWarn    = color.New(color.FgYellow).SprintFunc()
	styleError   = color.New(color.FgRed).SprintFunc()
	styleMuted   = color.New(color.FgHiBlack).SprintFunc()
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
)

func init() {
	if !isTTY() {
		color.NoColor = true
	}
}

// colourState tints well-known state names.
func colourState(s string) string {
	switch s {
	case "completed", "idle", "resolved", "auto_resolved", "scale_up", "true":
		return styleOK(s)
	case "in_progress", "busy", "retrying", "waiting_approval", "open", "scale_down":
		return styleWarn(s)
	case "failed", "blocked", "offline", "abandoned", "pending_dlq":
		return styleError(s)
	case "", "none":
		return styleMuted("-")
	default:
		return s
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table renders rows in aligned columns. Cells may carry colour codes;
// widths are measured on the visible text.
type table struct {
	headers []string
	rows    [][]string
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	if len(t.rows) == 0 {
		fmt.Fprintln(w, styleMuted("(none)"))
		return
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i := range widths {
			if i < len(row) {
				if n := lipgloss.Width(row[i]); n > widths[i] {
					widths[i] = n
				}
			}
		}
	}
	line := func(cells []string, header bool) string {
		parts := make([]string, len(widths))
		for i, width := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			style := lipgloss.NewStyle().Width(width + 2)
			if header {
				style = headerStyle.Copy().Width(width + 2)
			}
			parts[i] = style.Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}
	fmt.Fprintln(w, line(t.headers, true))
	for _, row := range t.rows {
		fmt.Fprintln(w, line(row, false))
	}
}

func printSection(w io.Writer, title string) {
	fmt.Fprintln(w, sectionStyle.Render(title))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
