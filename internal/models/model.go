// internal/models/model.go
package models

import (
	"context"
)

// Endpoint is the interface every model backend implements.
// Errors returned (or carried by Chunk.Error) are *Error values, except for
// caller cancellation which is passed through as the context error.
type Endpoint interface {
	// Query sends messages to model and returns the whole reply
	Query(ctx context.Context, model string, messages []Message, params Params) (Response, error)

	// Stream sends messages to model and returns a channel of chunks that ends
	// with exactly one Done or Error chunk
	Stream(ctx context.Context, model string, messages []Message, params Params) <-chan Chunk
}

// CircuitReporter exposes breaker state for observability and lets an
// operator close a circuit by hand
type CircuitReporter interface {
	CircuitStats() []CircuitStats
	ResetCircuit(model string)
}
