// Package ui renders CLI output.
package ui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/mschirtzinger/huddle/internal/schema"
)

var (
	Title  = lipgloss.NewStyle().Bold(true)
	Muted  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	OK     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	Warn   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	Bad    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	Accent = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// Init picks the color profile for w. Colors are disabled when noColor is
// set, when NO_COLOR is set, or when w is not a terminal.
func Init(w io.Writer, noColor bool) {
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	out := termenv.NewOutput(w)
	lipgloss.SetColorProfile(out.EnvColorProfile())
	lipgloss.SetHasDarkBackground(out.HasDarkBackground())
}

// Status renders a task status.
func Status(s schema.TaskStatus) string {
	switch s {
	case schema.StatusDone:
		return OK.Render(string(s))
	case schema.StatusCritical:
		return Bad.Render(string(s))
	case schema.StatusInProgress:
		return Accent.Render(string(s))
	case schema.StatusBacklog:
		return Muted.Render(string(s))
	}
	return string(s)
}

// Risk renders a deadline risk level.
func Risk(l schema.RiskLevel) string {
	switch l {
	case schema.RiskCritical:
		return Bad.Render(string(l))
	case schema.RiskWarning:
		return Warn.Render(string(l))
	}
	return Muted.Render(string(l))
}

// MutationStatus renders a pending mutation status.
func MutationStatus(s schema.MutationStatus) string {
	switch s {
	case schema.MutationConfirmed:
		return OK.Render(string(s))
	case schema.MutationFailed:
		return Bad.Render(string(s))
	case schema.MutationInFlight:
		return Accent.Render(string(s))
	}
	return Warn.Render(string(s))
}

// Table lays out rows under headers.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(Muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true)
			}
			return s
		})
	return t.String()
}

// ProgressBar renders p (0..1) as a bar of width cells followed by the
// percentage.
func ProgressBar(p float64, width int) string {
	p = math.Max(0, math.Min(1, p))
	filled := int(math.Round(p * float64(width)))
	bar := OK.Render(strings.Repeat("█", filled)) + Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, p*100)
}

// Ago renders the time between t and now in coarse units.
func Ago(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "in " + coarse(-d)
	case d < time.Minute:
		return "just now"
	}
	return coarse(d) + " ago"
}

func coarse(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// Diff renders a colored unified diff between two JSON documents. Both are
// indented first so field-level changes land on separate lines.
func Diff(from, to []byte, fromName, toName string) (string, error) {
	a, err := indent(from)
	if err != nil {
		return "", fmt.Errorf("%s: %w", fromName, err)
	}
	b, err := indent(to)
	if err != nil {
		return "", fmt.Errorf("%s: %w", toName, err)
	}
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	})
	if err != nil {
		return "", err
	}

	var out strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			out.WriteString(Title.Render(strings.TrimRight(line, "\n")))
		case strings.HasPrefix(line, "+"):
			out.WriteString(OK.Render(strings.TrimRight(line, "\n")))
		case strings.HasPrefix(line, "-"):
			out.WriteString(Bad.Render(strings.TrimRight(line, "\n")))
		case strings.HasPrefix(line, "@@"):
			out.WriteString(Accent.Render(strings.TrimRight(line, "\n")))
		default:
			out.WriteString(strings.TrimRight(line, "\n"))
		}
		if strings.HasSuffix(line, "\n") {
			out.WriteByte('\n')
		}
	}
	return out.String(), nil
}

func indent(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return "", err
	}
	buf.WriteByte('\n')
	return buf.String(), nil
}
