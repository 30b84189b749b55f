package ranking

import (
	"sort"

	"council/internal/council"
)

// Ballot is one evaluator's ordered list of models
type Ballot struct {
	Voter  string
	Models []string
}

// Ballots resolves each evaluation's parsed labels to models. Unknown labels
// are skipped and duplicates keep their first position.
func Ballots(evals []council.PeerEvaluation, mapping council.LabelMapping) []Ballot {
	ballots := make([]Ballot, 0, len(evals))
	for _, eval := range evals {
		seen := make(map[string]bool, len(eval.ParsedRanking))
		b := Ballot{Voter: eval.Model}
		for _, label := range eval.ParsedRanking {
			model, ok := mapping.Model(label)
			if !ok || seen[model] {
				continue
			}
			seen[model] = true
			b.Models = append(b.Models, model)
		}
		ballots = append(ballots, b)
	}
	return ballots
}

type tally struct {
	model string
	order int
	votes int
	sum   float64
}

// Aggregate combines final-round evaluations with the given method. Unknown
// methods use simple. confidences maps an evaluator to its stage-1
// self-reported confidence and is only read by confidence_weighted; voters
// without an entry weigh 1. Ties keep first-seen order.
func Aggregate(evals []council.PeerEvaluation, mapping council.LabelMapping, method council.VotingMethod, confidences map[string]float64) council.AggregateRanking {
	method, _ = council.ParseVotingMethod(string(method))
	candidates := mapping.Len()

	byModel := make(map[string]*tally)
	var order []*tally
	for _, ballot := range Ballots(evals, mapping) {
		weight := 1.0
		if method == council.VotingConfidenceWeighted {
			if c, ok := confidences[ballot.Voter]; ok {
				weight = c
			}
		}
		for pos, model := range ballot.Models {
			t, ok := byModel[model]
			if !ok {
				t = &tally{model: model, order: len(order)}
				byModel[model] = t
				order = append(order, t)
			}
			t.votes++
			t.sum += points(method, pos, candidates, weight)
		}
	}

	entries := make([]council.AggregateEntry, 0, len(order))
	for _, t := range order {
		score := t.sum
		if method == council.VotingSimple || method == council.VotingMRR {
			score = t.sum / float64(t.votes)
		}
		entries = append(entries, council.AggregateEntry{Model: t.model, Score: score, Votes: t.votes})
	}

	// Simple is an average position, lower wins; every other method is higher-wins.
	sort.SliceStable(entries, func(i, j int) bool {
		if method == council.VotingSimple {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].Score > entries[j].Score
	})

	return council.AggregateRanking{Method: method, Entries: entries}
}

func points(method council.VotingMethod, pos, candidates int, weight float64) float64 {
	switch method {
	case council.VotingBorda:
		return float64(candidates - pos)
	case council.VotingMRR:
		return 1 / float64(pos+1)
	case council.VotingConfidenceWeighted:
		return float64(candidates-pos) * weight
	default:
		return float64(pos + 1)
	}
}

// FirstPlaceVotes counts ballots naming each model first, in first-seen order
func FirstPlaceVotes(ballots []Ballot) (models []string, votes map[string]int) {
	votes = make(map[string]int)
	for _, b := range ballots {
		if len(b.Models) == 0 {
			continue
		}
		top := b.Models[0]
		if _, ok := votes[top]; !ok {
			models = append(models, top)
		}
		votes[top]++
	}
	return models, votes
}
