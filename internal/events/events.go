// Package events defines the progress protocol a streaming deliberation
// emits. Per model: model_start, any model_chunk, then exactly one of
// model_complete or model_error. Per stage: stage_start before any model event
// of that stage and stage_complete or stage_error after all of them. The
// final event is always deliberation_complete or deliberation_error.
package events

import (
	"time"

	"council/internal/council"
)

// Type names an event on the wire
type Type string

const (
	StageStart           Type = "stage_start"
	StageComplete        Type = "stage_complete"
	StageError           Type = "stage_error"
	ModelStart           Type = "model_start"
	ModelChunk           Type = "model_chunk"
	ModelComplete        Type = "model_complete"
	ModelError           Type = "model_error"
	Progress             Type = "progress"
	DeliberationComplete Type = "deliberation_complete"
	DeliberationError    Type = "deliberation_error"
)

// Stage 2 debate rounds and meta-evaluation report under their own stage numbers
const (
	StageResponses = 1
	StageRankings  = 2
	StageSynthesis = 3
	StageMeta      = 4
)

// Event is one message of the stream. Only the fields relevant to Type are set.
type Event struct {
	Type      Type      `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Stage     int       `json:"stage,omitempty"`
	Round     int       `json:"round,omitempty"`
	Model     string    `json:"model,omitempty"`

	Delta       string `json:"delta,omitempty"`
	Accumulated string `json:"accumulated,omitempty"`

	Error        string `json:"error,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	PartialCount int    `json:"partial_count,omitempty"`
	CanContinue  bool   `json:"can_continue,omitempty"`
	Fatal        bool   `json:"fatal,omitempty"`

	Completed int `json:"completed,omitempty"`
	Total     int `json:"total,omitempty"`

	// Data carries the stage output on stage_complete
	Data any `json:"data,omitempty"`

	Summary *council.Summary `json:"summary,omitempty"`
	// Result is the full result on deliberation_complete and the partial one
	// on deliberation_error
	Result *council.Result `json:"result,omitempty"`
}

// Terminal reports whether the event ends the stream
func (e Event) Terminal() bool {
	return e.Type == DeliberationComplete || e.Type == DeliberationError
}

func NewStageStart(stage int) Event {
	return Event{Type: StageStart, Stage: stage}
}

func NewStageComplete(stage int, data any) Event {
	return Event{Type: StageComplete, Stage: stage, Data: data}
}

// NewStageError reports a stage that lost some or all of its models
func NewStageError(stage int, err error, partialCount int, canContinue bool) Event {
	return Event{Type: StageError, Stage: stage, Error: errString(err), PartialCount: partialCount, CanContinue: canContinue}
}

func NewModelStart(stage int, model string) Event {
	return Event{Type: ModelStart, Stage: stage, Model: model}
}

func NewModelChunk(stage int, model, delta, accumulated string) Event {
	return Event{Type: ModelChunk, Stage: stage, Model: model, Delta: delta, Accumulated: accumulated}
}

func NewModelComplete(stage int, model, content string) Event {
	return Event{Type: ModelComplete, Stage: stage, Model: model, Accumulated: content}
}

func NewModelError(stage int, model string, err error, retryable bool) Event {
	return Event{Type: ModelError, Stage: stage, Model: model, Error: errString(err), Retryable: retryable}
}

func NewProgress(stage, completed, total int) Event {
	return Event{Type: Progress, Stage: stage, Completed: completed, Total: total}
}

// NewComplete ends a successful deliberation
func NewComplete(result *council.Result) Event {
	summary := result.Summarize()
	return Event{Type: DeliberationComplete, Summary: &summary, Result: result}
}

// NewFailed ends a deliberation that could not produce an answer
func NewFailed(err error, fatal bool, partial *council.Result) Event {
	return Event{Type: DeliberationError, Error: errString(err), Fatal: fatal, Result: partial}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
