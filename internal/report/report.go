// Package report renders session summaries for the terminal or as JSON.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/trafficwarden/internal/security"
	"github.com/Rorqualx/trafficwarden/internal/types"
)

// Formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

const topSites = 5

// Result is the outcome of one URL run: a summary, an error, or both when a
// session finished with protocol violations.
type Result struct {
	URL     string
	Summary *types.SessionSummary
	Err     error
}

// Write renders results in the named format. Unknown formats render as text.
func Write(w io.Writer, format string, results []Result) error {
	if format == FormatJSON {
		return JSON(w, results)
	}
	return Text(w, results)
}

type jsonResult struct {
	URL     string                `json:"url"`
	Summary *types.SessionSummary `json:"summary,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// JSON writes one indented JSON array with an element per result.
func JSON(w io.Writer, results []Result) error {
	out := make([]jsonResult, 0, len(results))
	for _, r := range results {
		jr := jsonResult{URL: r.URL, Summary: r.Summary}
		if r.Err != nil {
			jr.Error = r.Err.Error()
		}
		out = append(out, jr)
	}
	_, err := fmt.Fprintln(w, gson.New(out).JSON("", "  "))
	return err
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(18)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	numCellStyle = cellStyle.Align(lipgloss.Right)
)

// Text writes one bordered block per result.
func Text(w io.Writer, results []Result) error {
	for _, r := range results {
		if _, err := fmt.Fprintln(w, renderResult(r)); err != nil {
			return err
		}
	}
	return nil
}

func renderResult(r Result) string {
	var lines []string
	lines = append(lines, titleStyle.Render(security.RedactURL(r.URL)))

	if r.Summary == nil {
		msg := "no summary"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		lines = append(lines, errorStyle.Render("failed: "+msg))
		return boxStyle.Render(strings.Join(lines, "\n"))
	}

	s := r.Summary
	row := func(label, value string) {
		lines = append(lines, labelStyle.Render(label)+value)
	}
	if s.Device != "" {
		row("device", s.Device)
	}
	row("downloaded", humanize.Bytes(nonNegative(s.BytesAllowed)))
	row("saved (estimate)", humanize.Bytes(nonNegative(s.BytesBlockedEstimate)))
	if s.BytesSubstituted > 0 {
		row("substituted", humanize.Bytes(nonNegative(s.BytesSubstituted)))
	}
	row("requests", fmt.Sprintf("%d (%s)", s.TotalRequests(), outcomes(s)))
	row("elapsed", fmt.Sprintf("%d ms", s.ElapsedMs))
	if s.Data != nil && s.Data.Title != "" {
		row("title", s.Data.Title)
	}

	if s.Partial {
		lines = append(lines, warnStyle.Render("partial: navigation timed out"))
	}
	if s.ExtractionError != nil {
		lines = append(lines, warnStyle.Render("extraction: "+*s.ExtractionError))
	}
	if n := len(s.ProtocolViolations); n > 0 {
		lines = append(lines, errorStyle.Render(fmt.Sprintf("%d protocol violations", n)))
	}

	if len(s.BlockedByReason) > 0 {
		lines = append(lines, "", reasonTable(s.BlockedByReason))
	}
	if len(s.BytesBySite) > 0 {
		lines = append(lines, "", siteTable(s.BytesBySite))
	}

	return boxStyle.Render(strings.Join(lines, "\n"))
}

func outcomes(s *types.SessionSummary) string {
	kinds := []types.DecisionKind{types.DecisionContinue, types.DecisionAbort, types.DecisionRespond}
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if n := s.RequestsByOutcome[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, k))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

func reasonTable(byReason map[string]int64) string {
	reasons := lo.Keys(byReason)
	sort.Strings(reasons)

	t := newTable("blocked by", "requests")
	for _, reason := range reasons {
		t.Row(reason, fmt.Sprint(byReason[reason]))
	}
	return t.Render()
}

// siteTable lists the sites that downloaded the most bytes.
func siteTable(bySite map[string]int64) string {
	entries := lo.Entries(bySite)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Value != entries[j].Value {
			return entries[i].Value > entries[j].Value
		}
		return entries[i].Key < entries[j].Key
	})

	t := newTable("site", "downloaded")
	for _, e := range lo.Subset(entries, 0, topSites) {
		t.Row(e.Key, humanize.Bytes(nonNegative(e.Value)))
	}
	if rest := len(entries) - topSites; rest > 0 {
		t.Row(fmt.Sprintf("(%d more)", rest), "")
	}
	return t.Render()
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col > 0:
				return numCellStyle
			default:
				return cellStyle
			}
		})
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
