package consensus

import (
	"math"
	"sort"

	"council/internal/council"
	"council/internal/ranking"
)

// Signal weights subtracted from a perfect reliability of 1
var signalWeights = map[string]float64{
	council.SignalConfidenceMismatch: 0.3,
	council.SignalPeerRejection:      0.3,
	council.SignalRubricDivergence:   0.2,
	council.SignalOutlier:            0.2,
}

const (
	// a response this confident should not land in the bottom half
	mismatchConfidence = 8.0
	// rubric means further apart than this disagree on quality
	rubricStdDevLimit = 2.0
	// lengths outside [median/4, median*4] are outliers
	outlierRatio = 4.0
	// reliability at or below this is flagged
	flagThreshold = 0.5
)

// Evidence is what hallucination detection looks at
type Evidence struct {
	Stage1    []council.ModelResponse
	Final     []council.PeerEvaluation
	Mapping   council.LabelMapping
	Aggregate council.AggregateRanking
}

// DetectHallucinations scores every stage-1 response. The report is advisory.
func DetectHallucinations(ev Evidence) *council.HallucinationReport {
	signals := make(map[string][]string, len(ev.Stage1))
	add := func(model, signal string) {
		signals[model] = append(signals[model], signal)
	}

	for _, model := range confidenceMismatches(ev) {
		add(model, council.SignalConfidenceMismatch)
	}
	for _, model := range peerRejections(ev) {
		add(model, council.SignalPeerRejection)
	}
	for _, model := range rubricDivergences(ev) {
		add(model, council.SignalRubricDivergence)
	}
	for _, model := range outliers(ev.Stage1) {
		add(model, council.SignalOutlier)
	}

	report := &council.HallucinationReport{Models: make([]council.ModelReliability, 0, len(ev.Stage1))}
	for _, r := range ev.Stage1 {
		rel := council.ModelReliability{Model: r.Model, Reliability: 1, Signals: signals[r.Model]}
		for _, s := range rel.Signals {
			rel.Reliability -= signalWeights[s]
		}
		rel.Reliability = math.Max(0, math.Round(rel.Reliability*100)/100)
		if rel.Reliability <= flagThreshold {
			report.Flagged = append(report.Flagged, r.Model)
		}
		report.Models = append(report.Models, rel)
	}
	return report
}

// confidenceMismatches: confident answers the peers put in the bottom half
func confidenceMismatches(ev Evidence) []string {
	n := len(ev.Aggregate.Entries)
	if n < 2 {
		return nil
	}
	rank := make(map[string]int, n)
	for i, e := range ev.Aggregate.Entries {
		rank[e.Model] = i
	}

	var out []string
	for _, r := range ev.Stage1 {
		pos, ranked := rank[r.Model]
		if !ranked || r.Confidence == nil {
			continue
		}
		if *r.Confidence >= mismatchConfidence && pos >= (n+1)/2 {
			out = append(out, r.Model)
		}
	}
	return out
}

// peerRejections: models a strict majority of voters ranked last
func peerRejections(ev Evidence) []string {
	lastVotes := make(map[string]int)
	voters := 0
	for _, b := range ranking.Ballots(ev.Final, ev.Mapping) {
		if len(b.Models) == 0 {
			continue
		}
		voters++
		if len(b.Models) >= 2 {
			lastVotes[b.Models[len(b.Models)-1]]++
		}
	}
	if voters < 2 {
		return nil
	}

	var out []string
	for _, r := range ev.Stage1 {
		if lastVotes[r.Model]*2 > voters {
			out = append(out, r.Model)
		}
	}
	return out
}

// rubricDivergences: evaluators disagree widely on a response's rubric mean
func rubricDivergences(ev Evidence) []string {
	means := make(map[string][]float64)
	for _, eval := range ev.Final {
		for label, criteria := range eval.Rubric {
			model, ok := ev.Mapping.Model(label)
			if !ok {
				continue
			}
			if m, ok := ranking.RubricMean(criteria); ok {
				means[model] = append(means[model], m)
			}
		}
	}

	var out []string
	for _, r := range ev.Stage1 {
		if values := means[r.Model]; len(values) >= 2 && stdDev(values) > rubricStdDevLimit {
			out = append(out, r.Model)
		}
	}
	return out
}

// outliers: responses whose length is far from the council median
func outliers(responses []council.ModelResponse) []string {
	if len(responses) < 3 {
		return nil
	}
	lengths := make([]float64, len(responses))
	for i, r := range responses {
		lengths[i] = float64(len([]rune(r.Response)))
	}
	median := medianOf(lengths)
	if median == 0 {
		return nil
	}

	var out []string
	for i, r := range responses {
		ratio := lengths[i] / median
		if ratio > outlierRatio || ratio < 1/outlierRatio {
			out = append(out, r.Model)
		}
	}
	return out
}

func stdDev(values []float64) float64 {
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
