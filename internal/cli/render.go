package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"council/internal/council"
	"council/internal/models"
	"council/internal/store"
	"council/internal/ui"
)

// renderMarkdown styles markdown for the terminal. Rendering failures fall
// back to the raw text.
func renderMarkdown(md string, raw bool) string {
	if raw {
		return md
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

// answerMarkdown is the short form: the answer plus one line of provenance
func answerMarkdown(result *council.Result) string {
	var sb strings.Builder
	if result.Stage3 != nil {
		sb.WriteString(strings.TrimSpace(result.Stage3.Response))
		sb.WriteString("\n\n---\n\n")
	} else {
		sb.WriteString("*No answer was produced.*\n\n")
	}

	s := result.Summarize()
	var parts []string
	switch {
	case s.EarlyExit:
		parts = append(parts, fmt.Sprintf("early exit: `%s`", s.TopModel))
	case s.Chairman != "":
		parts = append(parts, fmt.Sprintf("chairman `%s`", s.Chairman))
	}
	if result.Consensus != nil {
		parts = append(parts, fmt.Sprintf("agreement %.0f%%", s.AgreementScore*100))
	}
	if s.TopModel != "" && !s.EarlyExit {
		parts = append(parts, fmt.Sprintf("top `%s`", s.TopModel))
	}
	if result.Meta != nil && result.Meta.Score != nil {
		parts = append(parts, fmt.Sprintf("meta %.1f/10", *result.Meta.Score))
	}
	if result.Hallucination != nil && len(result.Hallucination.Flagged) > 0 {
		parts = append(parts, "flagged: "+strings.Join(result.Hallucination.Flagged, ", "))
	}
	if n := len(result.Failures); n > 0 {
		parts = append(parts, fmt.Sprintf("%d failed calls", n))
	}
	if s.Cached {
		parts = append(parts, "cached")
	}
	sb.WriteString("*")
	sb.WriteString(strings.Join(parts, " · "))
	sb.WriteString(fmt.Sprintf(" · id `%s`*\n", s.ID))
	return sb.String()
}

func historyTable(records []store.Record) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(ui.DimStyle).
		Headers("ID", "WHEN", "QUESTION", "TOP", "AGREEMENT", "OK")
	for _, r := range records {
		ok := "yes"
		if !r.Succeeded {
			ok = "no"
		}
		top := r.TopModel
		if r.EarlyExit {
			top += " (early)"
		}
		t.Row(
			shortID(r.ID),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			oneLine(r.Question, 48),
			top,
			fmt.Sprintf("%.0f%%", r.AgreementScore*100),
			ok,
		)
	}
	return t.Render()
}

func circuitTable(stats []models.CircuitStats, failures map[string]int) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(ui.DimStyle).
		Headers("MODEL", "STATE", "FAILURES", "RETRY IN", "RECORDED FAILURES").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row >= 0 && col == 1 && row < len(stats) {
				return ui.CircuitStyle(stats[row].State)
			}
			return lipgloss.NewStyle()
		})
	for _, cs := range stats {
		retry := "-"
		if cs.RetryIn > 0 {
			retry = cs.RetryIn.Round(time.Second).String()
		}
		recorded := "-"
		if failures != nil {
			recorded = strconv.Itoa(failures[cs.Model])
		}
		t.Row(cs.Model, cs.State, strconv.Itoa(cs.ConsecutiveFailures), retry, recorded)
	}
	return t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}
