// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"council/internal/council"
	"council/internal/events"
	"council/internal/models"
)

type promptKind string

const (
	kindAnswer    promptKind = "answer"
	kindReview    promptKind = "review"
	kindSynthesis promptKind = "synthesis"
	kindMeta      promptKind = "meta"
)

func kindOf(prompt string) promptKind {
	switch {
	case strings.HasPrefix(prompt, "You are evaluating"):
		return kindReview
	case strings.HasPrefix(prompt, "You are the chairman"):
		return kindSynthesis
	case strings.HasPrefix(prompt, "Grade the following answer"):
		return kindMeta
	default:
		return kindAnswer
	}
}

type mockCall struct {
	kind   promptKind
	model  string
	prompt string
}

// MockEndpoint answers each kind of prompt from canned text per model
type MockEndpoint struct {
	mu       sync.Mutex
	answers  map[string]string
	reviews  map[string]string
	fails    map[promptKind]map[string]error
	calls    []mockCall
	inFlight int
	peak     int
}

func NewMockEndpoint() *MockEndpoint {
	return &MockEndpoint{
		answers: make(map[string]string),
		reviews: make(map[string]string),
		fails:   make(map[promptKind]map[string]error),
	}
}

func (m *MockEndpoint) Fail(kind promptKind, model string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails[kind] == nil {
		m.fails[kind] = make(map[string]error)
	}
	m.fails[kind][model] = err
}

func (m *MockEndpoint) Calls(kind promptKind) []mockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockCall
	for _, c := range m.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockEndpoint) respond(ctx context.Context, model string, messages []models.Message) (string, error) {
	prompt := messages[len(messages)-1].Content
	kind := kindOf(prompt)

	m.mu.Lock()
	m.calls = append(m.calls, mockCall{kind: kind, model: model, prompt: prompt})
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	err := m.fails[kind][model]
	answer, review := m.answers[model], m.reviews[model]
	m.mu.Unlock()

	time.Sleep(time.Millisecond)

	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}

	switch kind {
	case kindReview:
		if review == "" {
			return "FINAL RANKING:\n1. Response A\n2. Response B", nil
		}
		return review, nil
	case kindSynthesis:
		return "Synthesized by " + model, nil
	case kindMeta:
		return "Clear and correct.\nSCORE: 8/10", nil
	default:
		if answer == "" {
			return "An answer.\nCONFIDENCE: 7", nil
		}
		return answer, nil
	}
}

func (m *MockEndpoint) Query(ctx context.Context, model string, messages []models.Message, params models.Params) (models.Response, error) {
	text, err := m.respond(ctx, model, messages)
	if err != nil {
		return models.Response{}, err
	}
	return models.Response{Model: model, Content: text}, nil
}

func (m *MockEndpoint) Stream(ctx context.Context, model string, messages []models.Message, params models.Params) <-chan models.Chunk {
	ch := make(chan models.Chunk, 4)
	go func() {
		defer close(ch)
		text, err := m.respond(ctx, model, messages)
		if err != nil {
			ch <- models.Chunk{Error: err}
			return
		}
		half := len(text) / 2
		ch <- models.Chunk{Text: text[:half], Content: text[:half]}
		ch <- models.Chunk{Text: text[half:], Content: text}
		ch <- models.Chunk{Content: text, Done: true}
	}()
	return ch
}

var (
	threeModels = []string{"openai/gpt-4o", "anthropic/claude", "google/gemini"}
	errUpstream = &models.Error{Kind: models.KindServerError, StatusCode: 503}
)

func newTestOrchestrator(ep models.Endpoint, members []string) *Orchestrator {
	n := 0
	return New(ep, Settings{Council: members}, WithIDs(func() string {
		n++
		return fmt.Sprintf("req-%d", n)
	}))
}

// unanimousFor makes every evaluator put label first
func unanimousFor(ep *MockEndpoint, evaluators []string, label string) {
	others := []string{"Response A", "Response B", "Response C"}
	for _, e := range evaluators {
		text := "Evaluation...\nFINAL RANKING:\n1. " + label
		n := 2
		for _, o := range others {
			if o != label {
				text += fmt.Sprintf("\n%d. %s", n, o)
				n++
			}
		}
		ep.reviews[e] = text
	}
}

func TestRun_UnanimousCouncil(t *testing.T) {
	for _, method := range []council.VotingMethod{council.VotingSimple, council.VotingBorda, council.VotingMRR, council.VotingConfidenceWeighted} {
		t.Run(string(method), func(t *testing.T) {
			ep := NewMockEndpoint()
			unanimousFor(ep, threeModels, "Response C")
			o := newTestOrchestrator(ep, threeModels)

			opts := council.DefaultOptions()
			opts.VotingMethod = method
			result, err := o.Run(context.Background(), "What is 2+2?", opts)
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}

			if len(result.Stage1) != 3 || len(result.Stage2) != 1 || len(result.Stage2[0]) != 3 {
				t.Fatalf("unexpected stage sizes: %d / %v", len(result.Stage1), len(result.Stage2))
			}
			if result.Aggregate.Top() != "google/gemini" {
				t.Errorf("top = %s, want google/gemini", result.Aggregate.Top())
			}
			if !result.Consensus.HasConsensus || !result.Consensus.EarlyExitEligible || result.Consensus.AgreementScore != 1 {
				t.Errorf("unexpected consensus %+v", result.Consensus)
			}
			if result.Chairman != "openai/gpt-4o" || result.Stage3.Response != "Synthesized by openai/gpt-4o" {
				t.Errorf("unexpected stage 3 %+v", result.Stage3)
			}
			if *result.Stage1[0].Confidence != 7 || strings.Contains(result.Stage1[0].Response, "CONFIDENCE") {
				t.Errorf("confidence should be parsed and stripped: %+v", result.Stage1[0])
			}
			if result.Hallucination == nil || len(result.Hallucination.Models) != 3 {
				t.Errorf("expected hallucination report, got %+v", result.Hallucination)
			}
			if !result.Succeeded() || result.ID != "req-1" {
				t.Errorf("unexpected result %s succeeded=%v", result.ID, result.Succeeded())
			}
		})
	}
}

func TestRun_ReviewPromptIsAnonymous(t *testing.T) {
	ep := NewMockEndpoint()
	o := newTestOrchestrator(ep, threeModels)

	if _, err := o.Run(context.Background(), "q", council.DefaultOptions()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	reviews := ep.Calls(kindReview)
	if len(reviews) != 3 {
		t.Fatalf("expected 3 reviews, got %d", len(reviews))
	}
	for _, model := range threeModels {
		if strings.Contains(reviews[0].prompt, model) {
			t.Errorf("review prompt leaks model id %s", model)
		}
	}
	for _, label := range []string{"Response A:", "Response B:", "Response C:"} {
		if !strings.Contains(reviews[0].prompt, label) {
			t.Errorf("review prompt missing %s", label)
		}
	}
}

func TestRun_TotalStage1Failure(t *testing.T) {
	ep := NewMockEndpoint()
	for _, m := range threeModels {
		ep.Fail(kindAnswer, m, errUpstream)
	}
	o := newTestOrchestrator(ep, threeModels)

	result, err := o.Run(context.Background(), "q", council.DefaultOptions())
	if result != nil {
		t.Error("no result expected on fatal failure")
	}
	var derr *council.DeliberationError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeliberationError, got %v", err)
	}
	if derr.Stage != 1 || !errors.Is(err, council.ErrNoResponses) {
		t.Errorf("unexpected failure %+v", derr)
	}
	if derr.Partial == nil || len(derr.Partial.Stage1) != 0 || len(derr.Partial.Failures) != 3 {
		t.Errorf("partial should be empty with 3 failures: %+v", derr.Partial)
	}
	if len(ep.Calls(kindReview)) != 0 || len(ep.Calls(kindSynthesis)) != 0 {
		t.Error("later stages must not run")
	}
}

func TestRun_SingleSurvivor(t *testing.T) {
	five := []string{"m1", "m2", "m3", "m4", "m5"}
	ep := NewMockEndpoint()
	for _, m := range five[1:] {
		ep.Fail(kindAnswer, m, errUpstream)
	}
	ep.answers["m1"] = "The only answer.\nCONFIDENCE: 6"
	o := newTestOrchestrator(ep, five)

	result, err := o.Run(context.Background(), "q", council.DefaultOptions())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(result.Stage1) != 1 || len(result.Stage2) != 0 || result.Aggregate != nil || result.Consensus != nil {
		t.Errorf("peer review should be skipped: %+v", result)
	}
	if len(ep.Calls(kindReview)) != 0 {
		t.Error("evaluators must not be called with one response")
	}
	synth := ep.Calls(kindSynthesis)
	if len(synth) != 1 || strings.Contains(synth[0].prompt, "Peer reviews") || !strings.Contains(synth[0].prompt, "The only answer.") {
		t.Errorf("degraded synthesis prompt should carry stage 1 only: %+v", synth)
	}
	if !result.Succeeded() {
		t.Error("single survivor should still succeed")
	}
	found := false
	for _, n := range result.Notes {
		if strings.Contains(n, "peer review skipped") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a skip note, got %v", result.Notes)
	}
}

func TestRun_AllReviewersFail(t *testing.T) {
	ep := NewMockEndpoint()
	for _, m := range threeModels {
		ep.Fail(kindReview, m, errUpstream)
	}
	o := newTestOrchestrator(ep, threeModels)

	result, err := o.Run(context.Background(), "q", council.DefaultOptions())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(result.Stage2) != 0 || result.Aggregate != nil {
		t.Errorf("no rankings expected: %+v", result.Stage2)
	}
	if result.Stage3 == nil || result.Stage3.Response != "Synthesized by openai/gpt-4o" {
		t.Errorf("synthesis should run from stage 1: %+v", result.Stage3)
	}
	for _, m := range threeModels {
		if _, ok := result.Failures["stage2.r1:"+m]; !ok {
			t.Errorf("missing failure for %s: %v", m, result.Failures)
		}
	}
}

func TestRun_ChairmanUnavailable(t *testing.T) {
	ep := NewMockEndpoint()
	ep.Fail(kindSynthesis, "openai/gpt-4o", &models.Error{Kind: models.KindCircuitOpen, Err: models.ErrCircuitOpen})
	o := newTestOrchestrator(ep, threeModels)

	_, err := o.Run(context.Background(), "q", council.DefaultOptions())
	var derr *council.DeliberationError
	if !errors.As(err, &derr) || derr.Stage != 3 {
		t.Fatalf("expected stage 3 failure, got %v", err)
	}
	if !errors.Is(err, council.ErrChairmanUnavailable) || !errors.Is(err, models.ErrCircuitOpen) {
		t.Errorf("error should wrap both causes: %v", err)
	}
	if len(derr.Partial.Stage1) != 3 || len(derr.Partial.Stage2) != 1 || derr.Partial.Aggregate == nil {
		t.Errorf("partial should keep earlier stages: %+v", derr.Partial)
	}
}

func TestRun_EarlyExit(t *testing.T) {
	ep := NewMockEndpoint()
	ep.answers["openai/gpt-4o"] = "Definitely 4.\nCONFIDENCE: 10"
	ep.answers["anthropic/claude"] = "Maybe 4.\nCONFIDENCE: 5"
	ep.answers["google/gemini"] = "Probably 4.\nCONFIDENCE: 6"
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.EarlyExit = true
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if result.Stage1Consensus == nil || !result.Stage1Consensus.EarlyExitTaken || result.Stage1Consensus.Model != "openai/gpt-4o" {
		t.Fatalf("unexpected stage 1 consensus %+v", result.Stage1Consensus)
	}
	if result.Stage1Consensus.Margin != 4.5 {
		t.Errorf("margin = %v, want 4.5", result.Stage1Consensus.Margin)
	}
	if !result.Stage3.Verbatim || result.Stage3.Response != "Definitely 4." {
		t.Errorf("stage 3 should be the verbatim answer: %+v", result.Stage3)
	}
	if len(result.Stage2) != 0 || len(ep.Calls(kindReview)) != 0 || len(ep.Calls(kindSynthesis)) != 0 {
		t.Error("stages 2 and 3 must be skipped")
	}
	if !result.Summarize().EarlyExit {
		t.Error("summary should report early exit")
	}
}

func TestRun_EarlyExitDeclined(t *testing.T) {
	ep := NewMockEndpoint()
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.EarlyExit = true
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Stage1Consensus == nil || result.Stage1Consensus.EarlyExitTaken {
		t.Errorf("all at 7 should not exit early: %+v", result.Stage1Consensus)
	}
	if len(result.Stage2) != 1 || result.Stage3.Verbatim {
		t.Error("pipeline should continue normally")
	}
}

func TestRun_RotatingChairman(t *testing.T) {
	ep := NewMockEndpoint()
	unanimousFor(ep, threeModels, "Response B")
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.RotatingChairman = true
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Chairman != "anthropic/claude" {
		t.Errorf("chairman = %s, want the aggregate winner", result.Chairman)
	}
	if synth := ep.Calls(kindSynthesis); len(synth) != 1 || synth[0].model != "anthropic/claude" {
		t.Errorf("synthesis should go to the winner: %+v", synth)
	}
}

func TestRun_RotatingChairmanFallsBackToConfidence(t *testing.T) {
	ep := NewMockEndpoint()
	ep.answers["m1"] = "a\nCONFIDENCE: 4"
	ep.answers["m2"] = "b\nCONFIDENCE: 9"
	ep.Fail(kindAnswer, "m3", errUpstream)
	for _, m := range []string{"m1", "m2", "m3"} {
		ep.reviews[m] = "I cannot rank these."
	}
	o := newTestOrchestrator(ep, []string{"m1", "m2", "m3"})

	opts := council.DefaultOptions()
	opts.RotatingChairman = true
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Chairman != "m2" {
		t.Errorf("chairman = %s, want most confident m2", result.Chairman)
	}
}

func TestRun_DebateRounds(t *testing.T) {
	ep := NewMockEndpoint()
	for _, m := range threeModels {
		ep.reviews[m] = "AGREE: the ranking holds.\nFINAL RANKING:\n1. Response A\n2. Response C\n3. Response B"
	}
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.DebateRounds = 3
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(result.Stage2) != 3 {
		t.Fatalf("expected 3 rounds, got %d", len(result.Stage2))
	}
	for r, round := range result.Stage2 {
		for _, eval := range round {
			if eval.Round != r+1 {
				t.Errorf("evaluation in round %d has Round=%d", r+1, eval.Round)
			}
		}
	}
	if result.Stage2[0][0].Stance != "" || result.Stage2[1][0].Stance != "agree" {
		t.Errorf("stance should be recorded from round 2: %q %q", result.Stage2[0][0].Stance, result.Stage2[1][0].Stance)
	}

	reviews := ep.Calls(kindReview)
	if len(reviews) != 9 {
		t.Fatalf("expected 9 review calls, got %d", len(reviews))
	}
	var firstRound, laterRounds int
	for _, c := range reviews {
		if strings.Contains(c.prompt, "--- Previous round ---") {
			laterRounds++
			if strings.Contains(c.prompt, "openai/gpt-4o") {
				t.Error("previous round reviewers must stay anonymous")
			}
		} else {
			firstRound++
		}
	}
	if firstRound != 3 || laterRounds != 6 {
		t.Errorf("rounds saw previous context %d/%d times", firstRound, laterRounds)
	}
}

func TestRun_UnanimousDebateStopsEarly(t *testing.T) {
	ep := NewMockEndpoint()
	unanimousFor(ep, threeModels, "Response A")
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.DebateRounds = 3
	opts.EarlyExit = true
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(result.Stage2) != 1 {
		t.Errorf("unanimous first round should end the debate, got %d rounds", len(result.Stage2))
	}
}

func TestRun_SelfSampling(t *testing.T) {
	ep := NewMockEndpoint()
	unanimousFor(ep, threeModels, "Response B")
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.SelfSampling = true
	opts.SampleCount = 3
	opts.RotatingChairman = true
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(result.Stage1) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(result.Stage1))
	}
	for i, r := range result.Stage1 {
		if r.Model != fmt.Sprintf("openai/gpt-4o#%d", i+1) || r.BaseModel != "openai/gpt-4o" || r.SampleID != i+1 {
			t.Errorf("unexpected sample %+v", r)
		}
	}
	for _, c := range ep.Calls(kindAnswer) {
		if c.model != "openai/gpt-4o" {
			t.Errorf("samples must query the base model, got %s", c.model)
		}
	}
	if len(ep.Calls(kindReview)) != 3 {
		t.Error("council models should evaluate the samples")
	}
	if result.Aggregate.Top() != "openai/gpt-4o#2" || result.Chairman != "openai/gpt-4o" {
		t.Errorf("winning sample should map to its base model: top=%s chairman=%s", result.Aggregate.Top(), result.Chairman)
	}
}

func TestRun_MetaEvaluation(t *testing.T) {
	ep := NewMockEndpoint()
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.MetaEvaluation = true
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Meta == nil || result.Meta.Score == nil || *result.Meta.Score != 8 {
		t.Errorf("unexpected meta evaluation %+v", result.Meta)
	}
}

func TestRun_MetaEvaluationFailureIsNotFatal(t *testing.T) {
	ep := NewMockEndpoint()
	ep.Fail(kindMeta, "openai/gpt-4o", errUpstream)
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.MetaEvaluation = true
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("meta failure must not fail the run: %v", err)
	}
	if result.Meta == nil || result.Meta.Error == "" || !result.Succeeded() {
		t.Errorf("meta failure should be recorded: %+v", result.Meta)
	}
}

func TestRun_Rubric(t *testing.T) {
	ep := NewMockEndpoint()
	for _, m := range threeModels {
		ep.reviews[m] = `Scores follow.
RUBRIC SCORES:
{"Response A": {"accuracy": 9, "completeness": 8, "clarity": 9, "relevance": 9},
 "Response B": {"accuracy": 6, "completeness": 6, "clarity": 7, "relevance": 6},
 "Response Q": {"accuracy": 1}}
FINAL RANKING:
1. Response A
2. Response B`
	}
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.Rubric = true
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	eval := result.Stage2[0][0]
	if len(eval.Rubric) != 2 || eval.Rubric["Response A"]["accuracy"] != 9 {
		t.Errorf("unexpected rubric %v", eval.Rubric)
	}
	if !strings.Contains(ep.Calls(kindReview)[0].prompt, "RUBRIC SCORES:") {
		t.Error("review prompt should ask for rubric scores")
	}
}

func TestRun_UnknownVotingMethodFallsBack(t *testing.T) {
	ep := NewMockEndpoint()
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.VotingMethod = "bogus"
	result, err := o.Run(context.Background(), "q", opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Options.VotingMethod != council.VotingSimple || result.Aggregate.Method != council.VotingSimple {
		t.Errorf("expected simple, got %s / %s", result.Options.VotingMethod, result.Aggregate.Method)
	}
}

func TestRun_Canceled(t *testing.T) {
	ep := NewMockEndpoint()
	o := newTestOrchestrator(ep, threeModels)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, "q", council.DefaultOptions())
	if !errors.Is(err, council.ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestRun_MaxConcurrency(t *testing.T) {
	ep := NewMockEndpoint()
	o := New(ep, Settings{Council: []string{"a", "b", "c", "d"}, MaxConcurrency: 1})

	if _, err := o.Run(context.Background(), "q", council.DefaultOptions()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", ep.peak)
	}
}

func TestCircuitStats(t *testing.T) {
	ep := NewMockEndpoint()
	if stats := newTestOrchestrator(ep, threeModels).CircuitStats(); stats != nil {
		t.Errorf("plain endpoint has no circuits, got %v", stats)
	}

	ep.Fail(kindAnswer, "google/gemini", &models.Error{Kind: models.KindInvalidRequest})
	resilient := models.NewResilient(ep, models.NewBreakers(models.DefaultCircuitConfig()), models.RetryConfig{})
	o := newTestOrchestrator(resilient, threeModels)
	if _, err := o.Run(context.Background(), "q", council.DefaultOptions()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	stats := o.CircuitStats()
	if len(stats) != 3 {
		t.Fatalf("expected 3 circuits, got %+v", stats)
	}
	for _, s := range stats {
		if s.State != models.CircuitClosed.String() {
			t.Errorf("%s should be closed: %+v", s.Model, s)
		}
	}
}

func collectEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

type streamKey struct {
	stage int
	round int
	model string
}

// checkOrdering verifies the per-model and per-stage ordering guarantees
func checkOrdering(t *testing.T, evs []events.Event) {
	t.Helper()

	terminals := 0
	for i, ev := range evs {
		if ev.Terminal() {
			terminals++
			if i != len(evs)-1 {
				t.Errorf("terminal event at %d of %d", i, len(evs))
			}
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminals)
	}

	started := make(map[streamKey]bool)
	ended := make(map[streamKey]bool)
	stageOpen := make(map[int]bool)
	stageClosed := make(map[int]bool)

	for _, ev := range evs {
		key := streamKey{ev.Stage, ev.Round, ev.Model}
		switch ev.Type {
		case events.StageStart:
			stageOpen[ev.Stage] = true
		case events.StageComplete, events.StageError:
			if !stageOpen[ev.Stage] {
				t.Errorf("stage %d closed before it started", ev.Stage)
			}
			stageClosed[ev.Stage] = true
		case events.ModelStart:
			if !stageOpen[ev.Stage] || stageClosed[ev.Stage] {
				t.Errorf("model_start for %s outside stage %d", ev.Model, ev.Stage)
			}
			started[key] = true
		case events.ModelChunk:
			if !started[key] || ended[key] {
				t.Errorf("chunk for %v outside its call", key)
			}
		case events.ModelComplete, events.ModelError:
			if !started[key] || ended[key] {
				t.Errorf("duplicate or unstarted terminal for %v", key)
			}
			if stageClosed[ev.Stage] {
				t.Errorf("model event for %v after stage %d closed", key, ev.Stage)
			}
			ended[key] = true
		}
	}
	for key := range started {
		if !ended[key] {
			t.Errorf("call %v never finished", key)
		}
	}
}

func TestStream_EventOrdering(t *testing.T) {
	ep := NewMockEndpoint()
	ep.Fail(kindAnswer, "anthropic/claude", errUpstream)
	o := newTestOrchestrator(ep, threeModels)

	opts := council.DefaultOptions()
	opts.DebateRounds = 2
	opts.MetaEvaluation = true
	evs := collectEvents(o.Stream(context.Background(), "q", opts))
	checkOrdering(t, evs)

	last := evs[len(evs)-1]
	if last.Type != events.DeliberationComplete || last.Summary == nil || last.Result == nil {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	if last.Summary.Responses != 2 || last.Summary.Rounds != 2 {
		t.Errorf("unexpected summary %+v", last.Summary)
	}

	var chunks, modelErrors int
	var stage1Error *events.Event
	for i, ev := range evs {
		switch ev.Type {
		case events.ModelChunk:
			chunks++
			if ev.Accumulated == "" || !strings.HasSuffix(ev.Accumulated, ev.Delta) {
				t.Errorf("chunk accumulated text should end with its delta: %+v", ev)
			}
		case events.ModelError:
			modelErrors++
			if !ev.Retryable || ev.Model != "anthropic/claude" {
				t.Errorf("unexpected model error %+v", ev)
			}
		case events.StageError:
			if ev.Stage == events.StageResponses {
				stage1Error = &evs[i]
			}
		}
		if ev.RequestID != last.RequestID {
			t.Errorf("event %d has request id %q", i, ev.RequestID)
		}
	}
	if chunks == 0 {
		t.Error("streaming mode should forward chunks")
	}
	if modelErrors != 1 {
		t.Errorf("expected 1 model error, got %d", modelErrors)
	}
	if stage1Error == nil || stage1Error.PartialCount != 2 || !stage1Error.CanContinue {
		t.Errorf("stage 1 should report partial failure: %+v", stage1Error)
	}
}

func TestStream_FatalFailure(t *testing.T) {
	ep := NewMockEndpoint()
	for _, m := range threeModels {
		ep.Fail(kindAnswer, m, errUpstream)
	}
	o := newTestOrchestrator(ep, threeModels)

	evs := collectEvents(o.Stream(context.Background(), "q", council.DefaultOptions()))
	checkOrdering(t, evs)

	last := evs[len(evs)-1]
	if last.Type != events.DeliberationError || !last.Fatal || last.Stage != 1 {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	if last.Result == nil || len(last.Result.Stage1) != 0 {
		t.Errorf("partial result should be present and empty: %+v", last.Result)
	}
	for _, ev := range evs {
		if ev.Type == events.StageStart && ev.Stage != events.StageResponses {
			t.Errorf("stage %d should not start", ev.Stage)
		}
	}
}

func TestStream_ProgressCounts(t *testing.T) {
	ep := NewMockEndpoint()
	o := newTestOrchestrator(ep, threeModels)

	evs := collectEvents(o.Stream(context.Background(), "q", council.DefaultOptions()))
	var stage1Progress []int
	for _, ev := range evs {
		if ev.Type == events.Progress && ev.Stage == events.StageResponses {
			if ev.Total != 3 {
				t.Errorf("progress total = %d", ev.Total)
			}
			stage1Progress = append(stage1Progress, ev.Completed)
		}
	}
	seen := make(map[int]bool)
	for _, c := range stage1Progress {
		seen[c] = true
	}
	if len(stage1Progress) != 3 || !seen[1] || !seen[2] || !seen[3] {
		t.Errorf("unexpected stage 1 progress %v", stage1Progress)
	}
}

func TestRoundStances(t *testing.T) {
	evals := []council.PeerEvaluation{
		{Model: "a", Ranking: "AGREE: the order holds"},
		{Model: "b", Ranking: "OBJECT: Response B is overrated"},
		{Model: "c", Ranking: "I agree with the last round"},
	}
	got := roundStances(evals)
	if got["agree"] != 2 || got["object"] != 1 {
		t.Errorf("roundStances() = %v", got)
	}
}
