// internal/models/circuit.go
package models

import (
	"sort"
	"sync"
	"time"
)

// CircuitState is the state of one model's breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitConfig holds breaker thresholds
type CircuitConfig struct {
	FailureThreshold int           // consecutive failures that open a closed circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	OpenTimeout      time.Duration // how long an open circuit rejects calls
}

// DefaultCircuitConfig returns sensible defaults
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
}

// CircuitStats is a point-in-time snapshot of one breaker
type CircuitStats struct {
	Model                string        `json:"model"`
	State                string        `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastTransition       time.Time     `json:"last_transition"`
	RetryIn              time.Duration `json:"retry_in,omitempty"`
}

type circuit struct {
	state          CircuitState
	failures       int
	successes      int
	lastTransition time.Time
	trialInFlight  bool
}

// Breakers is the process-wide set of per-model circuit breakers.
// One lock guards every transition so they are atomic per model key.
type Breakers struct {
	mu       sync.Mutex
	cfg      CircuitConfig
	circuits map[string]*circuit
	now      func() time.Time

	// OnTransition, if set, is called (outside the lock) after every state change
	OnTransition func(model string, from, to CircuitState)
}

// NewBreakers creates an empty breaker set
func NewBreakers(cfg CircuitConfig) *Breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultCircuitConfig().SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultCircuitConfig().OpenTimeout
	}
	return &Breakers{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// SetClock replaces the time source; tests use it to skip the open timeout
func (b *Breakers) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Breakers) get(model string) *circuit {
	c, ok := b.circuits[model]
	if !ok {
		c = &circuit{state: CircuitClosed, lastTransition: b.now()}
		b.circuits[model] = c
	}
	return c
}

type transition struct {
	model    string
	from, to CircuitState
}

func (b *Breakers) moveTo(model string, c *circuit, to CircuitState) *transition {
	from := c.state
	c.state = to
	c.lastTransition = b.now()
	c.failures = 0
	c.successes = 0
	c.trialInFlight = false
	return &transition{model: model, from: from, to: to}
}

func (b *Breakers) notify(t *transition) {
	if t != nil && b.OnTransition != nil {
		b.OnTransition(t.model, t.from, t.to)
	}
}

// Allow decides whether a call to model may proceed. It returns trial=true when
// the call is the single half-open trial call, and a KindCircuitOpen *Error when
// the call must be rejected without touching the network.
func (b *Breakers) Allow(model string) (trial bool, err error) {
	b.mu.Lock()
	c := b.get(model)
	var t *transition

	switch c.state {
	case CircuitOpen:
		elapsed := b.now().Sub(c.lastTransition)
		if elapsed < b.cfg.OpenTimeout {
			b.mu.Unlock()
			return false, &Error{Kind: KindCircuitOpen, Model: model, RetryAfter: b.cfg.OpenTimeout - elapsed}
		}
		t = b.moveTo(model, c, CircuitHalfOpen)
		c.trialInFlight = true
		trial = true
	case CircuitHalfOpen:
		if c.trialInFlight {
			b.mu.Unlock()
			return false, &Error{Kind: KindCircuitOpen, Model: model}
		}
		c.trialInFlight = true
		trial = true
	}
	b.mu.Unlock()

	b.notify(t)
	return trial, nil
}

// Record reports the outcome of an allowed call. Only retryable failures count
// against the breaker; other errors (bad request, cancellation) are neutral.
func (b *Breakers) Record(model string, err error) {
	b.mu.Lock()
	c := b.get(model)
	var t *transition

	switch c.state {
	case CircuitClosed:
		switch {
		case err == nil:
			c.failures = 0
		case IsRetryable(err):
			c.failures++
			if c.failures >= b.cfg.FailureThreshold {
				t = b.moveTo(model, c, CircuitOpen)
			}
		}
	case CircuitHalfOpen:
		c.trialInFlight = false
		switch {
		case err == nil:
			c.successes++
			if c.successes >= b.cfg.SuccessThreshold {
				t = b.moveTo(model, c, CircuitClosed)
			}
		case IsRetryable(err):
			t = b.moveTo(model, c, CircuitOpen)
		}
	}
	b.mu.Unlock()

	b.notify(t)
}

// State returns the current state for model
func (b *Breakers) State(model string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[model]; ok {
		return c.state
	}
	return CircuitClosed
}

// Reset forces a model's circuit closed
func (b *Breakers) Reset(model string) {
	b.mu.Lock()
	c := b.get(model)
	var t *transition
	if c.state != CircuitClosed {
		t = b.moveTo(model, c, CircuitClosed)
	} else {
		c.failures = 0
	}
	b.mu.Unlock()
	b.notify(t)
}

// Stats returns a snapshot of every known circuit, sorted by model
func (b *Breakers) Stats() []CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	stats := make([]CircuitStats, 0, len(b.circuits))
	for model, c := range b.circuits {
		s := CircuitStats{
			Model:                model,
			State:                c.state.String(),
			ConsecutiveFailures:  c.failures,
			ConsecutiveSuccesses: c.successes,
			LastTransition:       c.lastTransition,
		}
		if c.state == CircuitOpen {
			if remaining := b.cfg.OpenTimeout - now.Sub(c.lastTransition); remaining > 0 {
				s.RetryIn = remaining
			}
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Model < stats[j].Model })
	return stats
}

// WithCouncil appends a closed snapshot for every council model that has no
// breaker yet, so a fresh process still reports the whole council
func WithCouncil(stats []CircuitStats, council []string) []CircuitStats {
	seen := make(map[string]bool, len(stats))
	for _, cs := range stats {
		seen[cs.Model] = true
	}
	for _, m := range council {
		if !seen[m] {
			seen[m] = true
			stats = append(stats, CircuitStats{Model: m, State: CircuitClosed.String()})
		}
	}
	return stats
}
