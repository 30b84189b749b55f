// internal/council/types.go
// Package council defines the data model shared by every stage of a deliberation:
// the per-request options, what each stage produces, and the terminal Result.
package council

import (
	"fmt"
	"strings"
	"time"
)

// VotingMethod selects how final-round ballots are aggregated
type VotingMethod string

const (
	VotingSimple             VotingMethod = "simple"
	VotingBorda              VotingMethod = "borda"
	VotingMRR                VotingMethod = "mrr"
	VotingConfidenceWeighted VotingMethod = "confidence_weighted"
)

// ParseVotingMethod normalizes a method name. Unknown names fall back to simple
// and report ok=false so callers can log the misconfiguration.
func ParseVotingMethod(name string) (VotingMethod, bool) {
	switch VotingMethod(strings.ToLower(strings.TrimSpace(name))) {
	case VotingSimple:
		return VotingSimple, true
	case VotingBorda:
		return VotingBorda, true
	case VotingMRR:
		return VotingMRR, true
	case VotingConfidenceWeighted:
		return VotingConfidenceWeighted, true
	default:
		return VotingSimple, false
	}
}

// Options controls a single deliberation. It is copied by value and never mutated.
type Options struct {
	VotingMethod     VotingMethod `json:"voting_method" yaml:"voting_method"`
	DebateRounds     int          `json:"debate_rounds" yaml:"debate_rounds"`
	EarlyExit        bool         `json:"early_exit" yaml:"early_exit"`
	SelfSampling     bool         `json:"self_sampling" yaml:"self_sampling"`
	SampleCount      int          `json:"sample_count" yaml:"sample_count"`
	RotatingChairman bool         `json:"rotating_chairman" yaml:"rotating_chairman"`
	MetaEvaluation   bool         `json:"meta_evaluation" yaml:"meta_evaluation"`
	Rubric           bool         `json:"rubric" yaml:"rubric"`
}

// DefaultOptions returns the options used when a caller supplies none
func DefaultOptions() Options {
	return Options{
		VotingMethod: VotingSimple,
		DebateRounds: 1,
		SampleCount:  3,
	}
}

// Normalize returns a copy with out-of-range values replaced by defaults
func (o Options) Normalize() Options {
	if o.DebateRounds < 1 {
		o.DebateRounds = 1
	}
	if o.SelfSampling && o.SampleCount < 2 {
		o.SampleCount = 3
	}
	method, _ := ParseVotingMethod(string(o.VotingMethod))
	o.VotingMethod = method
	return o
}

// ModelResponse is one stage-1 answer
type ModelResponse struct {
	Model      string   `json:"model"`
	Response   string   `json:"response"`
	Confidence *float64 `json:"confidence,omitempty"`
	BaseModel  string   `json:"base_model,omitempty"`
	SampleID   int      `json:"sample_id,omitempty"`
}

// Author returns the model that actually produced the response
func (r ModelResponse) Author() string {
	if r.BaseModel != "" {
		return r.BaseModel
	}
	return r.Model
}

// PeerEvaluation is one evaluator's ranking in one debate round
type PeerEvaluation struct {
	Model         string                        `json:"model"`
	Ranking       string                        `json:"ranking"`
	ParsedRanking []string                      `json:"parsed_ranking"`
	Round         int                           `json:"round"`
	Rubric        map[string]map[string]float64 `json:"rubric,omitempty"`
	// Stance is the reviewer's reaction to the previous round, set from round 2 on.
	Stance string `json:"stance,omitempty"`
}

// AggregateEntry is one row of an aggregate ranking
type AggregateEntry struct {
	Model string  `json:"model"`
	Score float64 `json:"score"`
	Votes int     `json:"votes"`
}

// AggregateRanking is the ordered result of a voting method
type AggregateRanking struct {
	Method  VotingMethod     `json:"method"`
	Entries []AggregateEntry `json:"entries"`
}

// Top returns the winning model, or "" when nothing was ranked
func (a AggregateRanking) Top() string {
	if len(a.Entries) == 0 {
		return ""
	}
	return a.Entries[0].Model
}

// ConsensusReport summarizes agreement in the final debate round
type ConsensusReport struct {
	AgreementScore    float64 `json:"agreement_score"`
	TopModel          string  `json:"top_model,omitempty"`
	TopVotes          int     `json:"top_votes"`
	TotalVoters       int     `json:"total_voters"`
	HasConsensus      bool    `json:"has_consensus"`
	EarlyExitEligible bool    `json:"early_exit_eligible"`
}

// Stage1Consensus explains an early-exit decision taken after stage 1
type Stage1Consensus struct {
	Model          string  `json:"model"`
	Confidence     float64 `json:"confidence"`
	MeanOthers     float64 `json:"mean_others"`
	Margin         float64 `json:"margin"`
	EarlyExitTaken bool    `json:"early_exit_taken"`
	Reason         string  `json:"reason"`
}

// Hallucination signal names
const (
	SignalConfidenceMismatch = "confidence_mismatch"
	SignalPeerRejection      = "peer_rejection"
	SignalRubricDivergence   = "rubric_divergence"
	SignalOutlier            = "outlier"
)

// ModelReliability is the advisory reliability of one stage-1 response
type ModelReliability struct {
	Model       string   `json:"model"`
	Reliability float64  `json:"reliability"`
	Signals     []string `json:"signals,omitempty"`
}

// HallucinationReport is advisory and never alters control flow
type HallucinationReport struct {
	Models  []ModelReliability `json:"models"`
	Flagged []string           `json:"flagged,omitempty"`
}

// Stage3Result is the chairman's synthesis
type Stage3Result struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	// Verbatim is set when the answer is a stage-1 response reused by early exit.
	Verbatim bool `json:"verbatim,omitempty"`
}

// MetaEvaluation scores the synthesis. It never blocks stage 3.
type MetaEvaluation struct {
	Model    string   `json:"model"`
	Response string   `json:"response"`
	Score    *float64 `json:"score,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Timing records wall-clock duration of each stage
type Timing struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Stage1     time.Duration `json:"stage1"`
	Stage2     time.Duration `json:"stage2"`
	Stage3     time.Duration `json:"stage3"`
	Total      time.Duration `json:"total"`
}

// Result is the terminal aggregate of one deliberation. Immutable once returned.
type Result struct {
	ID              string               `json:"id"`
	Question        string               `json:"question"`
	Council         []string             `json:"council"`
	Options         Options              `json:"options"`
	Stage1          []ModelResponse      `json:"stage1"`
	Stage2          [][]PeerEvaluation   `json:"stage2,omitempty"`
	Stage3          *Stage3Result        `json:"stage3,omitempty"`
	LabelMapping    LabelMapping         `json:"label_to_model,omitempty"`
	Aggregate       *AggregateRanking    `json:"aggregate_rankings,omitempty"`
	Consensus       *ConsensusReport     `json:"consensus,omitempty"`
	Stage1Consensus *Stage1Consensus     `json:"stage1_consensus,omitempty"`
	Hallucination   *HallucinationReport `json:"hallucination,omitempty"`
	Meta            *MetaEvaluation      `json:"meta_evaluation,omitempty"`
	Chairman        string               `json:"chairman,omitempty"`
	Notes           []string             `json:"notes,omitempty"`
	Failures        map[string]string    `json:"failures,omitempty"`
	Timing          Timing               `json:"timing"`
	Cached          bool                 `json:"cached,omitempty"`
}

// FinalRound returns the evaluations of the last debate round, or nil
func (r *Result) FinalRound() []PeerEvaluation {
	if r == nil || len(r.Stage2) == 0 {
		return nil
	}
	return r.Stage2[len(r.Stage2)-1]
}

// Succeeded reports whether the result carries a final answer
func (r *Result) Succeeded() bool {
	return r != nil && r.Stage3 != nil && r.Stage3.Response != ""
}

// Summary is a compact description of a finished deliberation
type Summary struct {
	ID             string  `json:"id"`
	Chairman       string  `json:"chairman"`
	TopModel       string  `json:"top_model,omitempty"`
	AgreementScore float64 `json:"agreement_score"`
	Responses      int     `json:"responses"`
	Rounds         int     `json:"rounds"`
	EarlyExit      bool    `json:"early_exit"`
	Cached         bool    `json:"cached,omitempty"`
	DurationMS     int64   `json:"duration_ms"`
}

// Summarize builds a Summary from a Result
func (r *Result) Summarize() Summary {
	s := Summary{
		ID:         r.ID,
		Chairman:   r.Chairman,
		Responses:  len(r.Stage1),
		Rounds:     len(r.Stage2),
		Cached:     r.Cached,
		DurationMS: r.Timing.Total.Milliseconds(),
	}
	if r.Aggregate != nil {
		s.TopModel = r.Aggregate.Top()
	}
	if r.Consensus != nil {
		s.AgreementScore = r.Consensus.AgreementScore
	}
	if r.Stage1Consensus != nil && r.Stage1Consensus.EarlyExitTaken {
		s.EarlyExit = true
		s.TopModel = r.Stage1Consensus.Model
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: chairman=%s top=%s agreement=%.2f responses=%d rounds=%d",
		s.ID, s.Chairman, s.TopModel, s.AgreementScore, s.Responses, s.Rounds)
}
