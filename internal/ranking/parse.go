// Package ranking turns free-text peer evaluations into ordered ballots and
// aggregates ballots under the supported voting methods. Every parser here is
// total: malformed model output yields an empty result, never an error.
package ranking

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"council/internal/council"
)

// RankingHeader introduces the canonical ranking block
const RankingHeader = "FINAL RANKING:"

// ConfidenceHeader introduces the canonical self-reported confidence
const ConfidenceHeader = "CONFIDENCE:"

var (
	rankingHeaderPattern = regexp.MustCompile(`(?i)final\s+ranking\s*:`)
	// In free text two-letter suffixes must be upper case so prose like
	// "response to" is not a label. A numbered ranking line is already a
	// ranking, so any case is accepted there.
	labelPattern      = regexp.MustCompile(`(?i:response)\s+([A-Z]{2}|[A-Za-z])\b`)
	rankedLabel       = regexp.MustCompile(`(?i)response\s+([a-z]{1,2})\b`)
	numberedLine      = regexp.MustCompile(`^\s*(?:#\s*)?\d+\s*[.):-]`)
	confidencePattern = regexp.MustCompile(`(?i)confidence(?:\s+(?:score|level))?\s*[:=]\s*\**\s*(-?\d+(?:\.\d+)?)\s*(?:/\s*10)?`)
)

// ParseRanking extracts an ordered, de-duplicated list of labels from
// evaluator text. It prefers the numbered lines of the FINAL RANKING block,
// then any labels inside that block, then label mentions anywhere.
func ParseRanking(text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}

	if loc := lastMatch(rankingHeaderPattern, text); loc != nil {
		section := text[loc[1]:]

		var numbered []string
		for _, line := range strings.Split(section, "\n") {
			if !numberedLine.MatchString(line) {
				continue
			}
			// Only the first label on a line counts; the rest is explanation.
			if label, ok := lineLabel(line); ok {
				numbered = append(numbered, label)
			}
		}
		if out := dedupe(numbered); len(out) > 0 {
			return out
		}
		if out := scanLabels(section); len(out) > 0 {
			return out
		}
	}

	return scanLabels(text)
}

// ParseRankingFor parses text and keeps only labels present in mapping
func ParseRankingFor(text string, mapping council.LabelMapping) []string {
	parsed := ParseRanking(text)
	out := make([]string, 0, len(parsed))
	for _, label := range parsed {
		if _, ok := mapping.Model(label); ok {
			out = append(out, label)
		}
	}
	return out
}

// RenderRanking produces the canonical block ParseRanking reads back exactly
func RenderRanking(labels []string) string {
	var sb strings.Builder
	sb.WriteString(RankingHeader)
	sb.WriteString("\n")
	for i, label := range labels {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, label)
	}
	return sb.String()
}

// ParseConfidence returns the last canonical confidence value clamped to
// [0,10], or nil when none is present
func ParseConfidence(text string) *float64 {
	matches := confidencePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1][1], 64)
	if err != nil {
		return nil
	}
	v = clamp(v, 0, 10)
	return &v
}

// StripConfidence removes the confidence line so synthesized answers and
// anonymized prompts don't carry it
func StripConfidence(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if confidencePattern.MatchString(line) && len(strings.TrimSpace(line)) < 40 {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// lineLabel picks the label of a numbered ranking line, preferring the
// upper-case form so "my response is Response B" still reads as B
func lineLabel(line string) (string, bool) {
	if m := labelPattern.FindStringSubmatch(line); m != nil {
		return canonical(m[1]), true
	}
	if m := rankedLabel.FindStringSubmatch(line); m != nil {
		return canonical(m[1]), true
	}
	return "", false
}

func scanLabels(text string) []string {
	matches := labelPattern.FindAllStringSubmatch(text, -1)
	labels := make([]string, 0, len(matches))
	for _, m := range matches {
		labels = append(labels, canonical(m[1]))
	}
	return dedupe(labels)
}

func canonical(letters string) string {
	return council.LabelPrefix + strings.ToUpper(letters)
}

func dedupe(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func lastMatch(re *regexp.Regexp, text string) []int {
	all := re.FindAllStringIndex(text, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
