// internal/export/markdown.go
package export

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"council/internal/council"
)

// Markdown renders a deliberation result as a standalone markdown document
func Markdown(result *council.Result) string {
	var sb strings.Builder

	// Title header
	sb.WriteString("# ")
	sb.WriteString(title(result.Question))
	sb.WriteString("\n\n")

	// Metadata section
	sb.WriteString("---\n\n")
	sb.WriteString(fmt.Sprintf("**Deliberation ID:** `%s`\n\n", result.ID))
	if !result.Timing.StartedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("**Started:** %s\n\n", result.Timing.StartedAt.Format("2006-01-02 15:04:05")))
	}
	if len(result.Council) > 0 {
		sb.WriteString("**Council:** ")
		sb.WriteString(strings.Join(quoted(result.Council), ", "))
		sb.WriteString("\n\n")
	}
	sb.WriteString(fmt.Sprintf("**Voting method:** %s\n\n", result.Options.VotingMethod))
	if result.Cached {
		sb.WriteString("**Served from cache**\n\n")
	}
	sb.WriteString("---\n\n")

	sb.WriteString("## Question\n\n")
	blockquote(&sb, result.Question)
	sb.WriteString("\n")

	writeSynthesis(&sb, result)
	writeStage1(&sb, result)
	writeRankings(&sb, result)
	writeConsensus(&sb, result)
	writeHallucination(&sb, result)
	writeFailures(&sb, result)

	// Footer
	sb.WriteString("\n---\n\n")
	sb.WriteString(fmt.Sprintf("*Total time %s*\n", result.Timing.Total.Round(time.Millisecond)))

	return sb.String()
}

func writeSynthesis(sb *strings.Builder, result *council.Result) {
	sb.WriteString("## Answer\n\n")
	if result.Stage3 == nil {
		sb.WriteString("*No synthesis was produced.*\n\n")
		return
	}
	if result.Stage3.Verbatim {
		sb.WriteString(fmt.Sprintf("*Early exit: answer taken verbatim from `%s`.*\n\n", result.Stage3.Model))
	} else {
		sb.WriteString(fmt.Sprintf("*Synthesized by chairman `%s`.*\n\n", result.Stage3.Model))
	}
	content(sb, result.Stage3.Response)
	sb.WriteString("\n")

	if m := result.Meta; m != nil {
		switch {
		case m.Error != "":
			sb.WriteString(fmt.Sprintf("**Meta-evaluation (`%s`) failed:** %s\n\n", m.Model, m.Error))
		case m.Score != nil:
			sb.WriteString(fmt.Sprintf("**Meta-evaluation (`%s`):** %.1f/10\n\n", m.Model, *m.Score))
		default:
			sb.WriteString(fmt.Sprintf("**Meta-evaluation (`%s`):** no score given\n\n", m.Model))
		}
	}
}

func writeStage1(sb *strings.Builder, result *council.Result) {
	if len(result.Stage1) == 0 {
		return
	}
	sb.WriteString("## Individual Answers\n\n")
	for i, r := range result.Stage1 {
		header := fmt.Sprintf("### %s", r.Model)
		if label, ok := result.LabelMapping.Label(r.Model); ok {
			header += fmt.Sprintf(" (%s)", label)
		}
		if r.Confidence != nil {
			header += fmt.Sprintf(" · confidence %.1f", *r.Confidence)
		}
		sb.WriteString(header)
		sb.WriteString("\n\n")
		content(sb, r.Response)
		sb.WriteString("\n")
		if i < len(result.Stage1)-1 {
			sb.WriteString("---\n\n")
		}
	}
}

func writeRankings(sb *strings.Builder, result *council.Result) {
	if len(result.Stage2) == 0 {
		return
	}
	sb.WriteString("## Peer Rankings\n\n")
	for i, round := range result.Stage2 {
		if len(result.Stage2) > 1 {
			sb.WriteString(fmt.Sprintf("### Round %d\n\n", i+1))
		}
		sb.WriteString("| Reviewer | Ranking | Stance |\n|---|---|---|\n")
		for _, eval := range round {
			models := make([]string, 0, len(eval.ParsedRanking))
			for _, label := range eval.ParsedRanking {
				if m, ok := result.LabelMapping.Model(label); ok {
					models = append(models, m)
				}
			}
			ranked := strings.Join(models, " > ")
			if ranked == "" {
				ranked = "*unparsed*"
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %s |\n", eval.Model, ranked, eval.Stance))
		}
		sb.WriteString("\n")
	}

	if agg := result.Aggregate; agg != nil && len(agg.Entries) > 0 {
		sb.WriteString(fmt.Sprintf("### Aggregate (%s)\n\n", agg.Method))
		sb.WriteString("| # | Model | Score | Votes |\n|---|---|---|---|\n")
		for i, e := range agg.Entries {
			sb.WriteString(fmt.Sprintf("| %d | %s | %.3f | %d |\n", i+1, e.Model, e.Score, e.Votes))
		}
		sb.WriteString("\n")
	}
}

func writeConsensus(sb *strings.Builder, result *council.Result) {
	if c := result.Stage1Consensus; c != nil {
		sb.WriteString("## Stage 1 Consensus\n\n")
		sb.WriteString(fmt.Sprintf("- Leader: `%s` at confidence %.1f (others %.1f, margin %.1f)\n",
			c.Model, c.Confidence, c.MeanOthers, c.Margin))
		sb.WriteString(fmt.Sprintf("- Early exit taken: %t\n", c.EarlyExitTaken))
		if c.Reason != "" {
			sb.WriteString(fmt.Sprintf("- %s\n", c.Reason))
		}
		sb.WriteString("\n")
	}
	if c := result.Consensus; c != nil {
		sb.WriteString("## Consensus\n\n")
		sb.WriteString(fmt.Sprintf("- Agreement: %.0f%% (%d of %d voters)\n", c.AgreementScore*100, c.TopVotes, c.TotalVoters))
		if c.TopModel != "" {
			sb.WriteString(fmt.Sprintf("- Top choice: `%s`\n", c.TopModel))
		}
		sb.WriteString(fmt.Sprintf("- Consensus reached: %t\n\n", c.HasConsensus))
	}
}

func writeHallucination(sb *strings.Builder, result *council.Result) {
	h := result.Hallucination
	if h == nil || len(h.Models) == 0 {
		return
	}
	sb.WriteString("## Reliability\n\n")
	sb.WriteString("| Model | Reliability | Signals |\n|---|---|---|\n")
	for _, m := range h.Models {
		sb.WriteString(fmt.Sprintf("| %s | %.2f | %s |\n", m.Model, m.Reliability, strings.Join(m.Signals, ", ")))
	}
	sb.WriteString("\n")
	if len(h.Flagged) > 0 {
		sb.WriteString(fmt.Sprintf("Flagged: %s\n\n", strings.Join(quoted(h.Flagged), ", ")))
	}
}

func writeFailures(sb *strings.Builder, result *council.Result) {
	if len(result.Failures) == 0 && len(result.Notes) == 0 {
		return
	}
	sb.WriteString("## Notes\n\n")
	for _, note := range result.Notes {
		sb.WriteString(fmt.Sprintf("- %s\n", note))
	}
	for _, key := range slices.Sorted(maps.Keys(result.Failures)) {
		sb.WriteString(fmt.Sprintf("- `%s` failed: %s\n", key, result.Failures[key]))
	}
	sb.WriteString("\n")
}

// WriteFile writes the markdown export to path, creating parent directories
func WriteFile(result *council.Result, path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(Markdown(result)), 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// DefaultFilename is YYYY-MM-DD-question-slug.md
func DefaultFilename(result *council.Result) string {
	started := result.Timing.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return fmt.Sprintf("%s-%s.md", started.Format("2006-01-02"), sanitizeFilename(result.Question))
}

func title(question string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(question), "\n")
	if r := []rune(line); len(r) > 80 {
		line = string(r[:77]) + "..."
	}
	if line == "" {
		return "Council deliberation"
	}
	return line
}

func quoted(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = "`" + s + "`"
	}
	return out
}

func blockquote(sb *strings.Builder, text string) {
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		sb.WriteString("> ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
}

// content writes model output as-is when it carries code blocks,
// otherwise as a blockquote
func content(sb *strings.Builder, text string) {
	text = strings.TrimSpace(text)
	if containsCodeBlock(text) {
		sb.WriteString(text)
		sb.WriteString("\n")
		return
	}
	blockquote(sb, text)
}

// sanitizeFilename removes/replaces characters unsuitable for filenames
func sanitizeFilename(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")

	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '-' || r == '_':
			sb.WriteRune(r)
		}
	}

	result := sb.String()
	for strings.Contains(result, "--") {
		result = strings.ReplaceAll(result, "--", "-")
	}
	result = strings.Trim(result, "-")

	if result == "" {
		result = "deliberation"
	}
	if len(result) > 50 {
		result = strings.TrimRight(result[:50], "-")
	}
	return result
}

// containsCodeBlock checks if content already has markdown code blocks
func containsCodeBlock(content string) bool {
	return strings.Contains(content, "```")
}
