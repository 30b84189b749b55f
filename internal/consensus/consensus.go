// internal/consensus/consensus.go
// Package consensus measures how strongly a council agrees: first-place
// agreement in the final debate round, the stage-1 early-exit test, and
// advisory hallucination signals.
package consensus

import (
	"fmt"

	"council/internal/council"
	"council/internal/ranking"
)

// DefaultThreshold is the agreement score at which a council has consensus
const DefaultThreshold = 0.75

// Analyze builds the consensus report for the final-round evaluations.
// Agreement is the share of voters whose first choice is the model with the
// most first-place votes. Evaluators with no parseable ballot do not vote.
func Analyze(final []council.PeerEvaluation, mapping council.LabelMapping, threshold float64) council.ConsensusReport {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	models, votes := ranking.FirstPlaceVotes(ranking.Ballots(final, mapping))

	var report council.ConsensusReport
	for _, m := range models {
		report.TotalVoters += votes[m]
		if votes[m] > report.TopVotes {
			report.TopVotes = votes[m]
			report.TopModel = m
		}
	}
	if report.TotalVoters == 0 {
		return report
	}

	report.AgreementScore = float64(report.TopVotes) / float64(report.TotalVoters)
	report.HasConsensus = report.AgreementScore >= threshold && report.TotalVoters >= 2
	report.EarlyExitEligible = report.AgreementScore == 1.0
	return report
}

// EarlyExitConfig holds the stage-1 early-exit thresholds
type EarlyExitConfig struct {
	// Confidence is the minimum self-reported confidence of the lone leader
	Confidence float64
	// Margin is how far the leader must be above the mean of the others
	Margin float64
}

// DefaultEarlyExit returns the stock thresholds
func DefaultEarlyExit() EarlyExitConfig {
	return EarlyExitConfig{Confidence: 9, Margin: 2}
}

// Stage1 decides whether stage 1 is decisive enough to skip peer review.
// It returns nil when fewer than two responses exist or nobody reported a
// confidence; otherwise the record explains the decision either way.
func Stage1(responses []council.ModelResponse, cfg EarlyExitConfig) *council.Stage1Consensus {
	if len(responses) < 2 {
		return nil
	}

	var leaders []int
	var best = -1
	for i, r := range responses {
		if r.Confidence == nil {
			continue
		}
		if best < 0 || *r.Confidence > *responses[best].Confidence {
			best = i
		}
		if *r.Confidence >= cfg.Confidence {
			leaders = append(leaders, i)
		}
	}
	if best < 0 {
		return nil
	}

	candidate := best
	if len(leaders) == 1 {
		candidate = leaders[0]
	}

	var sum float64
	var n int
	for i, r := range responses {
		if i == candidate || r.Confidence == nil {
			continue
		}
		sum += *r.Confidence
		n++
	}

	record := &council.Stage1Consensus{
		Model:      responses[candidate].Model,
		Confidence: *responses[candidate].Confidence,
	}
	if n > 0 {
		record.MeanOthers = sum / float64(n)
		record.Margin = record.Confidence - record.MeanOthers
	}

	switch {
	case len(leaders) == 0:
		record.Reason = fmt.Sprintf("no response reached confidence %.1f", cfg.Confidence)
	case len(leaders) > 1:
		record.Reason = fmt.Sprintf("%d responses reached confidence %.1f", len(leaders), cfg.Confidence)
	case n == 0:
		record.Reason = "no other response reported a confidence"
	case record.Margin < cfg.Margin:
		record.Reason = fmt.Sprintf("margin %.1f below required %.1f", record.Margin, cfg.Margin)
	default:
		record.EarlyExitTaken = true
		record.Reason = fmt.Sprintf("confidence %.1f leads the others by %.1f", record.Confidence, record.Margin)
	}
	return record
}
