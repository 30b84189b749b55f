package events

import (
	"context"
	"sync"
	"time"
)

// TerminalGrace is how long a terminal event waits for buffer room once the
// consumer has cancelled
const TerminalGrace = 2 * time.Second

// Emitter stamps and delivers events for one deliberation. A nil channel
// turns every Emit into a no-op so batch runs share the streaming pipeline.
// After a terminal event nothing else is delivered.
type Emitter struct {
	ctx       context.Context
	out       chan<- Event
	requestID string
	now       func() time.Time
	grace     time.Duration

	mu       sync.Mutex
	finished bool
	sent     int
}

// NewEmitter creates an emitter writing to out until ctx is done
func NewEmitter(ctx context.Context, out chan<- Event, requestID string) *Emitter {
	return &Emitter{ctx: ctx, out: out, requestID: requestID, now: time.Now, grace: TerminalGrace}
}

// Emit delivers ev and reports whether it was delivered
func (e *Emitter) Emit(ev Event) bool {
	if e == nil || e.out == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return false
	}

	ev.RequestID = e.requestID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	if ev.Terminal() {
		// The terminal event is delivered even if the consumer only
		// cancelled after the pipeline finished.
		e.finished = true
		select {
		case e.out <- ev:
			e.sent++
			return true
		case <-e.ctx.Done():
			// A consumer still draining after cancellation frees a slot
			timer := time.NewTimer(e.grace)
			defer timer.Stop()
			select {
			case e.out <- ev:
				e.sent++
				return true
			case <-timer.C:
				return false
			}
		}
	}

	select {
	case e.out <- ev:
		e.sent++
		return true
	case <-e.ctx.Done():
		return false
	}
}

// InRound emits ev tagged with a debate round
func (e *Emitter) InRound(round int, ev Event) bool {
	ev.Round = round
	return e.Emit(ev)
}

// Finished reports whether a terminal event was emitted
func (e *Emitter) Finished() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// Sent returns how many events were delivered
func (e *Emitter) Sent() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}
