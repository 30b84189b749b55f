// internal/models/resilient.go
package models

import (
	"context"
	"time"

	"council/internal/logging"
)

// Resilient wraps an Endpoint with retry/backoff and per-model circuit breakers
type Resilient struct {
	endpoint Endpoint
	breakers *Breakers
	retry    RetryConfig
	log      *logging.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// ResilientOption customizes a Resilient client
type ResilientOption func(*Resilient)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) ResilientOption {
	return func(r *Resilient) { r.log = l }
}

// WithSleep replaces the backoff wait; tests use it to avoid real delays
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ResilientOption {
	return func(r *Resilient) { r.sleep = sleep }
}

// WithRandom replaces the jitter source
func WithRandom(random func() float64) ResilientOption {
	return func(r *Resilient) { r.random = random }
}

// NewResilient creates a client. breakers is shared process-wide state and is
// passed in so callers (and tests) control its lifetime.
func NewResilient(endpoint Endpoint, breakers *Breakers, retry RetryConfig, opts ...ResilientOption) *Resilient {
	if breakers == nil {
		breakers = NewBreakers(DefaultCircuitConfig())
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	r := &Resilient{
		endpoint: endpoint,
		breakers: breakers,
		retry:    retry,
		log:      logging.Nop(),
		sleep:    sleepContext,
		random:   jitterSource,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResetCircuit closes model's circuit and clears its failure count
func (r *Resilient) ResetCircuit(model string) {
	r.breakers.Reset(model)
}

// CircuitStats returns a snapshot of every model's breaker
func (r *Resilient) CircuitStats() []CircuitStats {
	return r.breakers.Stats()
}

// attempts returns how many tries a call gets; a half-open trial gets one
func (r *Resilient) attempts(trial bool) int {
	if trial {
		return 1
	}
	return r.retry.MaxRetries + 1
}

// Query calls the endpoint, retrying transient failures. The breaker sees one
// outcome per logical call.
func (r *Resilient) Query(ctx context.Context, model string, messages []Message, params Params) (Response, error) {
	trial, err := r.breakers.Allow(model)
	if err != nil {
		r.log.WithModel(model).Debug("call rejected by open circuit", "error", err.Error())
		return Response{}, err
	}

	attempts := r.attempts(trial)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := r.endpoint.Query(ctx, model, messages, params)
		if err == nil {
			r.breakers.Record(model, nil)
			return resp, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts-1 {
			break
		}
		if !r.wait(ctx, model, attempt, err) {
			lastErr = ctx.Err()
			break
		}
	}

	r.breakers.Record(model, lastErr)
	return Response{}, lastErr
}

// Stream calls the endpoint in streaming mode. Transient failures are retried
// only while nothing has been delivered; once a delta reached the caller a
// failure ends the stream with a single Error chunk.
func (r *Resilient) Stream(ctx context.Context, model string, messages []Message, params Params) <-chan Chunk {
	out := make(chan Chunk, 100)

	go func() {
		defer close(out)

		trial, err := r.breakers.Allow(model)
		if err != nil {
			out <- Chunk{Error: err}
			return
		}

		attempts := r.attempts(trial)
		var lastErr error
		for attempt := 0; attempt < attempts; attempt++ {
			delivered, final := r.forward(ctx, model, messages, params, out)
			if final.Done {
				r.breakers.Record(model, nil)
				out <- final
				return
			}
			lastErr = final.Error
			if delivered || !IsRetryable(lastErr) || attempt == attempts-1 {
				break
			}
			if !r.wait(ctx, model, attempt, lastErr) {
				lastErr = ctx.Err()
				break
			}
		}

		r.breakers.Record(model, lastErr)
		out <- Chunk{Error: lastErr}
	}()

	return out
}

// forward relays deltas from one endpoint stream and returns its terminal chunk
func (r *Resilient) forward(ctx context.Context, model string, messages []Message, params Params, out chan<- Chunk) (bool, Chunk) {
	var delivered bool
	var final Chunk
	var content string

	for chunk := range r.endpoint.Stream(ctx, model, messages, params) {
		if chunk.Content != "" {
			content = chunk.Content
		}
		switch {
		case chunk.Error != nil:
			final = chunk
		case chunk.Done:
			final = chunk
			if final.Content == "" {
				final.Content = content
			}
		case chunk.Text != "":
			delivered = true
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
	}

	if !final.Done && final.Error == nil {
		if ctx.Err() != nil {
			final.Error = ctx.Err()
		} else {
			final.Error = newError(KindConnection, model, errStreamClosed)
		}
	}
	return delivered, final
}

// wait sleeps before the next attempt; false means the context ended
func (r *Resilient) wait(ctx context.Context, model string, attempt int, cause error) bool {
	delay := r.retry.Backoff(attempt, RetryAfter(cause), r.random)
	r.log.WithModel(model).Info("retrying model call",
		"attempt", attempt+1,
		"delay_ms", delay.Milliseconds(),
		"kind", KindOf(cause).String(),
	)
	return r.sleep(ctx, delay) == nil
}
