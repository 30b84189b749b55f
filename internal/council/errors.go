package council

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoResponses means no council model answered in stage 1
	ErrNoResponses = errors.New("no stage 1 responses")
	// ErrChairmanUnavailable means the synthesis call failed after retries
	ErrChairmanUnavailable = errors.New("chairman unavailable")
	// ErrCanceled means the caller abandoned the deliberation
	ErrCanceled = errors.New("deliberation canceled")
)

// DeliberationError is a pipeline-fatal failure. Partial carries everything
// gathered before the failing stage; it is never nil.
type DeliberationError struct {
	Stage   int
	Partial *Result
	Err     error
}

func (e *DeliberationError) Error() string {
	return fmt.Sprintf("deliberation failed in stage %d: %v", e.Stage, e.Err)
}

func (e *DeliberationError) Unwrap() error {
	return e.Err
}

// FailureModel extracts the model ID from a Result.Failures key such as
// "stage2.r1:openai/gpt-4o". Model IDs may themselves contain colons.
func FailureModel(key string) string {
	if _, model, ok := strings.Cut(key, ":"); ok {
		return model
	}
	return key
}
