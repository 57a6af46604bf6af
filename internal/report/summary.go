package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/scriptbatch/internal/outcome"
	"github.com/mattjoyce/scriptbatch/internal/protocol"
)

// Summary counts what a run did.
type Summary struct {
	Sources     int           `json:"sources"`
	Changed     int           `json:"changed"`
	Unchanged   int           `json:"unchanged"`
	Removed     int           `json:"removed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Infos       int           `json:"infos"`
	Warnings    int           `json:"warnings"`
	Errors      int           `json:"errors"`
	OutputFiles int           `json:"output_files"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Summarize counts results, problems and output files of final. Plan counts
// and elapsed time are left for the caller.
func Summarize(final outcome.Final) Summary {
	var s Summary
	for _, r := range final.Results {
		if r.Succeeded {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	for _, p := range final.Problems {
		switch p.Severity {
		case protocol.SeverityInfo:
			s.Infos++
		case protocol.SeverityWarning:
			s.Warnings++
		default:
			s.Errors++
		}
	}
	s.OutputFiles = len(final.OutputFiles)
	return s
}

// Theme styles the summary line.
type Theme struct {
	OK      lipgloss.Style
	Warning lipgloss.Style
	Failed  lipgloss.Style
	Dim     lipgloss.Style
}

func DefaultTheme() Theme {
	return Theme{
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Failed:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

// RenderSummary renders s as a single line.
func RenderSummary(s Summary, theme Theme) string {
	status := theme.OK.Render("ok")
	switch {
	case s.Errors > 0 || s.Failed > 0:
		status = theme.Failed.Render("failed")
	case s.Warnings > 0:
		status = theme.Warning.Render("warnings")
	}

	parts := []string{
		fmt.Sprintf("%s sources (%s changed, %s unchanged)",
			humanize.Comma(int64(s.Sources)), humanize.Comma(int64(s.Changed)), humanize.Comma(int64(s.Unchanged))),
		count(s.Failed, "failed", theme.Failed),
		count(s.Errors, plural(s.Errors, "error"), theme.Failed),
		count(s.Warnings, plural(s.Warnings, "warning"), theme.Warning),
		fmt.Sprintf("%s output %s", humanize.Comma(int64(s.OutputFiles)), plural(s.OutputFiles, "file")),
	}
	if s.Removed > 0 {
		parts = append(parts, fmt.Sprintf("%s removed", humanize.Comma(int64(s.Removed))))
	}

	line := status + " " + strings.Join(parts, theme.Dim.Render(" · "))
	if s.Elapsed > 0 {
		line += theme.Dim.Render(" in " + s.Elapsed.Round(time.Millisecond).String())
	}
	return line
}

func count(n int, label string, style lipgloss.Style) string {
	text := humanize.Comma(int64(n)) + " " + label
	if n == 0 {
		return text
	}
	return style.Render(text)
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
