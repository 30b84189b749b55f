// internal/export/markdown_test.go
package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"council/internal/council"
)

func ptr(f float64) *float64 { return &f }

func testResult() *council.Result {
	stage1 := []council.ModelResponse{
		{Model: "openai/gpt-4o", Response: "Use an LRU cache.", Confidence: ptr(8)},
		{Model: "x-ai/grok-2", Response: "Here's one:\n\n```go\ntype Cache struct{}\n```", Confidence: ptr(6)},
	}
	return &council.Result{
		ID:           "abc123",
		Question:     "What's the best approach for implementing a cache?",
		Council:      []string{"openai/gpt-4o", "x-ai/grok-2"},
		Options:      council.DefaultOptions(),
		Stage1:       stage1,
		LabelMapping: council.NewLabelMapping(stage1),
		Stage2: [][]council.PeerEvaluation{{
			{Model: "openai/gpt-4o", ParsedRanking: []string{"Response A", "Response B"}, Round: 1},
			{Model: "x-ai/grok-2", ParsedRanking: nil, Round: 1},
		}},
		Aggregate: &council.AggregateRanking{
			Method: council.VotingSimple,
			Entries: []council.AggregateEntry{
				{Model: "openai/gpt-4o", Score: 1, Votes: 1},
				{Model: "x-ai/grok-2", Score: 2, Votes: 1},
			},
		},
		Consensus: &council.ConsensusReport{AgreementScore: 1, TopModel: "openai/gpt-4o", TopVotes: 1, TotalVoters: 1, HasConsensus: true},
		Hallucination: &council.HallucinationReport{
			Models: []council.ModelReliability{
				{Model: "x-ai/grok-2", Reliability: 0.5, Signals: []string{council.SignalPeerRejection}},
			},
			Flagged: []string{"x-ai/grok-2"},
		},
		Stage3:   &council.Stage3Result{Model: "openai/gpt-4o", Response: "An LRU with TTL."},
		Meta:     &council.MetaEvaluation{Model: "openai/gpt-4o", Score: ptr(8)},
		Chairman: "openai/gpt-4o",
		Failures: map[string]string{"stage2.r1:x-ai/grok-2": "unparsed"},
		Timing: council.Timing{
			StartedAt: time.Date(2026, 2, 1, 14, 30, 0, 0, time.UTC),
			Total:     1500 * time.Millisecond,
		},
	}
}

func TestMarkdown(t *testing.T) {
	result := Markdown(testResult())

	want := []string{
		"# What's the best approach for implementing a cache?",
		"**Deliberation ID:** `abc123`",
		"**Started:** 2026-02-01 14:30:00",
		"**Council:** `openai/gpt-4o`, `x-ai/grok-2`",
		"*Synthesized by chairman `openai/gpt-4o`.*",
		"> An LRU with TTL.",
		"**Meta-evaluation (`openai/gpt-4o`):** 8.0/10",
		"### openai/gpt-4o (Response A) · confidence 8.0",
		"| openai/gpt-4o | openai/gpt-4o > x-ai/grok-2 |  |",
		"| x-ai/grok-2 | *unparsed* |  |",
		"### Aggregate (simple)",
		"| 1 | openai/gpt-4o | 1.000 | 1 |",
		"- Agreement: 100% (1 of 1 voters)",
		"| x-ai/grok-2 | 0.50 | peer_rejection |",
		"Flagged: `x-ai/grok-2`",
		"- `stage2.r1:x-ai/grok-2` failed: unparsed",
		"*Total time 1.5s*",
	}
	for _, w := range want {
		if !strings.Contains(result, w) {
			t.Errorf("Expected %q in output", w)
		}
	}

	// Content with code blocks should not be wrapped in blockquotes
	if strings.Contains(result, "> ```go") {
		t.Error("Code blocks should not be wrapped in blockquotes")
	}
	if !strings.Contains(result, "```go") {
		t.Error("Expected code block to be preserved")
	}
}

func TestMarkdownEarlyExitAndFailure(t *testing.T) {
	r := testResult()
	r.Stage2 = nil
	r.Aggregate = nil
	r.Consensus = nil
	r.Stage1Consensus = &council.Stage1Consensus{Model: "openai/gpt-4o", Confidence: 9.5, MeanOthers: 5, Margin: 4.5, EarlyExitTaken: true}
	r.Stage3 = &council.Stage3Result{Model: "openai/gpt-4o", Response: "Use an LRU cache.", Verbatim: true}
	r.Meta = &council.MetaEvaluation{Model: "openai/gpt-4o", Error: "timeout"}

	result := Markdown(r)
	if !strings.Contains(result, "*Early exit: answer taken verbatim from `openai/gpt-4o`.*") {
		t.Error("Expected early exit note")
	}
	if !strings.Contains(result, "- Early exit taken: true") {
		t.Error("Expected stage 1 consensus section")
	}
	if strings.Contains(result, "## Peer Rankings") {
		t.Error("Rankings section should be omitted without stage 2")
	}
	if !strings.Contains(result, "**Meta-evaluation (`openai/gpt-4o`) failed:** timeout") {
		t.Error("Expected meta failure")
	}

	r.Stage3 = nil
	if !strings.Contains(Markdown(r), "*No synthesis was produced.*") {
		t.Error("Expected missing synthesis note")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Simple Name", "simple-name"},
		{"Test/Debate", "testdebate"},
		{"Why #1?", "why-1"},
		{"   spaces   ", "spaces"},
		{"Multiple---Hyphens", "multiple-hyphens"},
		{"", "deliberation"},
		{"This is a very long name that should be truncated to fifty characters maximum", "this-is-a-very-long-name-that-should-be-truncated"},
	}

	for _, test := range tests {
		result := sanitizeFilename(test.input)
		if result != test.expected {
			t.Errorf("sanitizeFilename(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

func TestTitle(t *testing.T) {
	if got := title("first line\nsecond"); got != "first line" {
		t.Errorf("title() = %q", got)
	}
	if got := title(strings.Repeat("x", 100)); len([]rune(got)) != 80 {
		t.Errorf("title() length = %d, want 80", len([]rune(got)))
	}
	if got := title("  "); got != "Council deliberation" {
		t.Errorf("title() = %q", got)
	}
}

func TestWriteFile(t *testing.T) {
	r := testResult()
	path := filepath.Join(t.TempDir(), "exports", DefaultFilename(r))

	if err := WriteFile(r, path); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	expectedFilename := "2026-02-01-whats-the-best-approach-for-implementing-a-cache.md"
	if filepath.Base(path) != expectedFilename {
		t.Errorf("Expected filename %q, got %q", expectedFilename, filepath.Base(path))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if !strings.Contains(string(content), "# What's the best approach") {
		t.Error("Expected title in file content")
	}
}
