// internal/orchestrator/stages.go
package orchestrator

import (
	"errors"
	"fmt"
	"sync/atomic"

	"council/internal/consensus"
	"council/internal/council"
	"council/internal/events"
	"council/internal/models"
	"council/internal/ranking"
)

var errInsufficientResponses = errors.New("insufficient responses for peer review")

// samplingTemperature spreads self-samples of one model apart
const samplingTemperature = 1.0

func failureKey(stage, round int, id string) string {
	switch {
	case stage == events.StageMeta:
		return "meta:" + id
	case round > 0:
		return fmt.Sprintf("stage%d.r%d:%s", stage, round, id)
	default:
		return fmt.Sprintf("stage%d:%s", stage, id)
	}
}

// stage1Calls lists the stage-1 calls: one per council model, or K samples
// of the first council model under self-sampling
func (d *deliberation) stage1Calls() []call {
	members := d.o.settings.Council
	if d.opts.SelfSampling && len(members) > 0 {
		base := members[0]
		temp := samplingTemperature
		calls := make([]call, d.opts.SampleCount)
		for i := range calls {
			calls[i] = call{
				stage:  events.StageResponses,
				id:     fmt.Sprintf("%s#%d", base, i+1),
				model:  base,
				params: models.Params{Temperature: &temp},
			}
		}
		return calls
	}

	calls := make([]call, len(members))
	for i, model := range members {
		calls[i] = call{stage: events.StageResponses, id: model, model: model}
	}
	return calls
}

// stage1 collects independent answers. Responses keep council order so
// label assignment is deterministic.
func (d *deliberation) stage1() []council.ModelResponse {
	calls := d.stage1Calls()
	d.em.Emit(events.NewStageStart(events.StageResponses))

	prompt := models.UserMessage(stage1Prompt(d.question))
	slots := make([]*council.ModelResponse, len(calls))
	var completed atomic.Int32

	d.fanOut(len(calls), func(i int) {
		c := calls[i]
		content, err := d.invoke(c, prompt)
		d.em.Emit(events.NewProgress(c.stage, int(completed.Add(1)), len(calls)))
		if err != nil {
			d.recordFailure(failureKey(c.stage, 0, c.id), err)
			return
		}

		r := &council.ModelResponse{
			Model:      c.id,
			Response:   ranking.StripConfidence(content),
			Confidence: ranking.ParseConfidence(content),
		}
		if r.Confidence == nil {
			d.log.WithModel(c.id).Debug("no confidence reported")
		}
		if c.id != c.model {
			r.BaseModel = c.model
			r.SampleID = i + 1
		}
		slots[i] = r
	})

	var responses []council.ModelResponse
	for _, r := range slots {
		if r != nil {
			responses = append(responses, *r)
		}
	}
	d.res.Stage1 = responses

	failed := len(calls) - len(responses)
	if failed > 0 {
		ev := events.NewStageError(events.StageResponses,
			fmt.Errorf("%d of %d models failed", failed, len(calls)), len(responses), len(responses) > 0)
		ev.Data = responses
		d.em.Emit(ev)
	} else {
		d.em.Emit(events.NewStageComplete(events.StageResponses, responses))
	}
	return responses
}

// earlyExit reports whether stage 1 was decisive. When it was, the leading
// answer becomes the final answer verbatim.
func (d *deliberation) earlyExit(responses []council.ModelResponse) bool {
	record := consensus.Stage1(responses, d.o.settings.EarlyExit)
	d.res.Stage1Consensus = record
	if record == nil {
		d.note("early exit not possible: not enough confidence data")
		return false
	}
	if !record.EarlyExitTaken {
		d.log.Info("early exit declined", "model", record.Model, "reason", record.Reason)
		return false
	}

	var chosen council.ModelResponse
	for _, r := range responses {
		if r.Model == record.Model {
			chosen = r
			break
		}
	}

	d.em.Emit(events.NewStageStart(events.StageSynthesis))
	d.res.Chairman = chosen.Author()
	d.res.Stage3 = &council.Stage3Result{Model: chosen.Model, Response: chosen.Response, Verbatim: true}
	d.detectHallucinations()
	d.em.Emit(events.NewStageComplete(events.StageSynthesis, d.res.Stage3))
	d.note("early exit: %s", record.Reason)

	if d.opts.MetaEvaluation {
		d.metaEvaluate()
	}
	return true
}

// stage2 runs the anonymized peer review for every debate round
func (d *deliberation) stage2(responses []council.ModelResponse) {
	d.em.Emit(events.NewStageStart(events.StageRankings))

	if len(responses) < 2 {
		d.note("peer review skipped: %d response(s)", len(responses))
		d.em.Emit(events.NewStageError(events.StageRankings, errInsufficientResponses, len(responses), true))
		return
	}

	mapping := council.NewLabelMapping(responses)
	d.res.LabelMapping = mapping
	evaluators := d.o.settings.Council

	var previous []council.PeerEvaluation
	var lastFailed int
	for round := 1; round <= d.opts.DebateRounds; round++ {
		if err := d.ctx.Err(); err != nil {
			d.em.Emit(events.NewStageError(events.StageRankings, err, len(d.res.FinalRound()), false))
			return
		}
		evals, failed := d.reviewRound(round, evaluators, mapping, responses, previous)
		if len(evals) == 0 {
			d.note("round %d produced no evaluations", round)
			break
		}
		d.res.Stage2 = append(d.res.Stage2, evals)
		previous = evals
		lastFailed = failed
		if round > 1 {
			d.log.Info("debate round complete", "round", round, "stances", roundStances(evals))
		}

		if d.opts.EarlyExit && round < d.opts.DebateRounds {
			if report := consensus.Analyze(evals, mapping, d.o.settings.ConsensusThreshold); report.EarlyExitEligible && report.TotalVoters >= 2 {
				d.note("unanimous after round %d, remaining debate rounds skipped", round)
				break
			}
		}
	}

	final := d.res.FinalRound()
	if len(final) == 0 {
		d.note("peer review produced no evaluations, synthesizing from stage 1")
		d.em.Emit(events.NewStageError(events.StageRankings, errors.New("no evaluations"), 0, true))
		return
	}

	agg := ranking.Aggregate(final, mapping, d.opts.VotingMethod, d.confidences())
	d.res.Aggregate = &agg
	report := consensus.Analyze(final, mapping, d.o.settings.ConsensusThreshold)
	d.res.Consensus = &report
	d.log.Info("peer review complete",
		"rounds", len(d.res.Stage2),
		"top_model", agg.Top(),
		"agreement", report.AgreementScore,
		"consensus", report.HasConsensus,
	)

	if lastFailed > 0 {
		ev := events.NewStageError(events.StageRankings,
			fmt.Errorf("%d of %d evaluators failed", lastFailed, len(evaluators)), len(final), true)
		ev.Data = d.res.Stage2
		d.em.Emit(ev)
		return
	}
	d.em.Emit(events.NewStageComplete(events.StageRankings, d.res.Stage2))
}

// reviewRound asks every evaluator to rank the anonymized responses once
func (d *deliberation) reviewRound(round int, evaluators []string, mapping council.LabelMapping, responses []council.ModelResponse, previous []council.PeerEvaluation) ([]council.PeerEvaluation, int) {
	prompt := models.UserMessage(evaluationPrompt(d.question, mapping, responses, d.opts.Rubric, previous))
	slots := make([]*council.PeerEvaluation, len(evaluators))
	var completed atomic.Int32

	d.fanOut(len(evaluators), func(i int) {
		c := call{stage: events.StageRankings, round: round, id: evaluators[i], model: evaluators[i]}
		text, err := d.invoke(c, prompt)
		d.em.InRound(round, events.NewProgress(c.stage, int(completed.Add(1)), len(evaluators)))
		if err != nil {
			d.recordFailure(failureKey(c.stage, round, c.id), err)
			return
		}

		eval := &council.PeerEvaluation{
			Model:         c.id,
			Ranking:       text,
			ParsedRanking: ranking.ParseRankingFor(text, mapping),
			Round:         round,
		}
		if len(eval.ParsedRanking) == 0 {
			d.log.WithModel(c.id).Warn("ranking could not be parsed", "round", round)
		}
		if d.opts.Rubric {
			eval.Rubric = knownLabels(ranking.ParseRubric(text), mapping)
			if eval.Rubric == nil {
				d.log.WithModel(c.id).Warn("rubric scores missing or invalid", "round", round)
			}
		}
		if round > 1 {
			eval.Stance = consensus.DetectStance(text).String()
		}
		slots[i] = eval
	})

	var evals []council.PeerEvaluation
	for _, e := range slots {
		if e != nil {
			evals = append(evals, *e)
		}
	}
	return evals, len(evaluators) - len(evals)
}

func knownLabels(scores map[string]map[string]float64, mapping council.LabelMapping) map[string]map[string]float64 {
	for label := range scores {
		if _, ok := mapping.Model(label); !ok {
			delete(scores, label)
		}
	}
	if len(scores) == 0 {
		return nil
	}
	return scores
}

// confidences averages each author's stage-1 confidence, so under
// self-sampling the base model votes with the mean of its samples
func (d *deliberation) confidences() map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range d.res.Stage1 {
		if r.Confidence == nil {
			continue
		}
		sums[r.Author()] += *r.Confidence
		counts[r.Author()]++
	}
	out := make(map[string]float64, len(sums))
	for model, sum := range sums {
		out[model] = sum / float64(counts[model])
	}
	return out
}

func (d *deliberation) detectHallucinations() {
	ev := consensus.Evidence{
		Stage1:  d.res.Stage1,
		Final:   d.res.FinalRound(),
		Mapping: d.res.LabelMapping,
	}
	if d.res.Aggregate != nil {
		ev.Aggregate = *d.res.Aggregate
	}
	report := consensus.DetectHallucinations(ev)
	d.res.Hallucination = report
	if len(report.Flagged) > 0 {
		d.log.Warn("low reliability responses", "models", report.Flagged)
	}
}

// chairman picks the synthesizer. Rotation prefers the aggregate winner,
// then the most confident stage-1 author, then the configured chairman.
func (d *deliberation) chairman() string {
	fallback := d.o.settings.Chairman
	if !d.opts.RotatingChairman {
		return fallback
	}

	authorOf := func(id string) string {
		for _, r := range d.res.Stage1 {
			if r.Model == id {
				return r.Author()
			}
		}
		return id
	}

	if d.res.Aggregate != nil {
		if top := d.res.Aggregate.Top(); top != "" {
			return authorOf(top)
		}
	}

	best := -1
	for i, r := range d.res.Stage1 {
		if r.Confidence == nil {
			continue
		}
		if best < 0 || *r.Confidence > *d.res.Stage1[best].Confidence {
			best = i
		}
	}
	if best >= 0 {
		return d.res.Stage1[best].Author()
	}
	return fallback
}

// stage3 asks the chairman for the final answer. Failure here is fatal.
func (d *deliberation) stage3() error {
	chairman := d.chairman()
	d.res.Chairman = chairman
	d.em.Emit(events.NewStageStart(events.StageSynthesis))

	var prompt string
	if d.res.Aggregate != nil {
		prompt = synthesisPrompt(d.question, d.res.Stage1, d.res.FinalRound(), d.res.Aggregate)
	} else {
		prompt = synthesisPrompt(d.question, d.res.Stage1, nil, nil)
	}

	c := call{stage: events.StageSynthesis, id: chairman, model: chairman}
	text, err := d.invoke(c, models.UserMessage(prompt))
	if err != nil {
		d.recordFailure(failureKey(c.stage, 0, chairman), err)
		err = fmt.Errorf("%w: %s: %w", council.ErrChairmanUnavailable, chairman, err)
		d.em.Emit(events.NewStageError(events.StageSynthesis, err, 0, false))
		return err
	}

	d.res.Stage3 = &council.Stage3Result{Model: chairman, Response: text}
	d.em.Emit(events.NewStageComplete(events.StageSynthesis, d.res.Stage3))
	return nil
}

// metaEvaluate scores the synthesis. Its failure is recorded, never raised.
func (d *deliberation) metaEvaluate() {
	evaluator := d.o.settings.MetaEvaluator
	if evaluator == "" {
		evaluator = d.res.Chairman
	}
	d.em.Emit(events.NewStageStart(events.StageMeta))

	c := call{stage: events.StageMeta, id: evaluator, model: evaluator}
	text, err := d.invoke(c, models.UserMessage(metaPrompt(d.question, d.res.Stage3.Response)))
	if err != nil {
		d.recordFailure(failureKey(c.stage, 0, evaluator), err)
		d.res.Meta = &council.MetaEvaluation{Model: evaluator, Error: err.Error()}
		d.em.Emit(events.NewStageError(events.StageMeta, err, 0, true))
		return
	}

	d.res.Meta = &council.MetaEvaluation{Model: evaluator, Response: text, Score: ranking.ParseMetaScore(text)}
	d.em.Emit(events.NewStageComplete(events.StageMeta, d.res.Meta))
}

// roundStances tallies how evaluators reacted to the previous round
func roundStances(evals []council.PeerEvaluation) map[string]int {
	texts := make([]string, len(evals))
	for i, e := range evals {
		texts[i] = e.Ranking
	}
	return consensus.StanceCounts(texts)
}
