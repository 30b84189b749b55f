// internal/ui/board.go
package ui

import (
	"fmt"
	"strings"
	"time"

	"council/internal/events"
)

// CallStatus is the state of one model call on the board
type CallStatus int

const (
	CallWaiting CallStatus = iota
	CallStreaming
	CallDone
	CallFailed
)

// StageStatus is the state of one pipeline stage
type StageStatus int

const (
	StagePending StageStatus = iota
	StageRunning
	StageDone
	StageDegraded // finished with some calls lost
	StageFailed
)

var stageNames = map[int]string{
	events.StageResponses: "Answers",
	events.StageRankings:  "Peer review",
	events.StageSynthesis: "Synthesis",
	events.StageMeta:      "Meta-evaluation",
}

// Call is one model call as seen through events
type Call struct {
	Model   string
	Round   int
	Status  CallStatus
	Chars   int
	Started time.Time
	Elapsed time.Duration
	Err     string
}

// Stage groups the calls of one stage
type Stage struct {
	Number    int
	Status    StageStatus
	Completed int
	Total     int
	Err       string
	Calls     []*Call
	index     map[string]*Call
}

// Board folds an event stream into renderable state
type Board struct {
	Question string
	Stages   []*Stage
	Terminal *events.Event
	now      func() time.Time
}

func NewBoard(question string) *Board {
	return &Board{Question: question, now: time.Now}
}

// Apply folds one event into the board
func (b *Board) Apply(ev events.Event) {
	if ev.Terminal() {
		b.Terminal = &ev
		return
	}
	st := b.stage(ev.Stage)

	switch ev.Type {
	case events.StageStart:
		st.Status = StageRunning
	case events.StageComplete:
		st.Status = StageDone
	case events.StageError:
		st.Err = ev.Error
		if ev.CanContinue {
			st.Status = StageDegraded
		} else {
			st.Status = StageFailed
		}
	case events.Progress:
		st.Completed, st.Total = ev.Completed, ev.Total
	case events.ModelStart:
		c := st.call(ev.Model, ev.Round)
		c.Status = CallStreaming
		c.Started = b.now()
	case events.ModelChunk:
		c := st.call(ev.Model, ev.Round)
		c.Status = CallStreaming
		c.Chars = len(ev.Accumulated)
	case events.ModelComplete:
		c := st.call(ev.Model, ev.Round)
		c.Status = CallDone
		c.Chars = len(ev.Accumulated)
		c.finish(b.now())
	case events.ModelError:
		c := st.call(ev.Model, ev.Round)
		c.Status = CallFailed
		c.Err = ev.Error
		c.finish(b.now())
	}
}

func (c *Call) finish(now time.Time) {
	if !c.Started.IsZero() {
		c.Elapsed = now.Sub(c.Started)
	}
}

func (b *Board) stage(n int) *Stage {
	for _, st := range b.Stages {
		if st.Number == n {
			return st
		}
	}
	st := &Stage{Number: n, index: make(map[string]*Call)}
	b.Stages = append(b.Stages, st)
	return st
}

func (st *Stage) call(model string, round int) *Call {
	key := fmt.Sprintf("%d/%s", round, model)
	if c, ok := st.index[key]; ok {
		return c
	}
	c := &Call{Model: model, Round: round}
	st.index[key] = c
	st.Calls = append(st.Calls, c)
	return c
}

// Done reports whether the terminal event arrived
func (b *Board) Done() bool {
	return b.Terminal != nil
}

// Render draws the board. spin is the current spinner frame.
func (b *Board) Render(spin string) string {
	var sb strings.Builder

	sb.WriteString(TitleStyle.Render("COUNCIL"))
	sb.WriteString("  ")
	sb.WriteString(DimStyle.Render(oneLine(b.Question, 60)))
	sb.WriteString("\n\n")

	for _, st := range b.Stages {
		sb.WriteString(stageIndicator(st.Status, spin))
		sb.WriteString(" ")
		sb.WriteString(stageName(st.Number))
		if st.Total > 0 {
			sb.WriteString(DimStyle.Render(fmt.Sprintf(" %d/%d", st.Completed, st.Total)))
		}
		if st.Err != "" {
			sb.WriteString(" ")
			sb.WriteString(ErrorStyle.Render(oneLine(st.Err, 50)))
		}
		sb.WriteString("\n")

		for _, c := range st.Calls {
			sb.WriteString("   ")
			sb.WriteString(callIndicator(c.Status, spin))
			sb.WriteString(" ")
			name := c.Model
			if c.Round > 1 {
				name += fmt.Sprintf(" (round %d)", c.Round)
			}
			sb.WriteString(ModelStyle(c.Model).Render(name))
			sb.WriteString(DimStyle.Render(" " + b.callDetail(c)))
			sb.WriteString("\n")
		}
	}

	if t := b.Terminal; t != nil {
		sb.WriteString("\n")
		if t.Type == events.DeliberationComplete {
			text := StatusOK.Render("Deliberation complete")
			if s := t.Summary; s != nil && s.TopModel != "" {
				text += DimStyle.Render(fmt.Sprintf("  top %s, agreement %.0f%%", s.TopModel, s.AgreementScore*100))
			}
			sb.WriteString(ActiveBox.Render(text))
		} else {
			sb.WriteString(InactiveBox.Render(ErrorStyle.Render("Deliberation failed: " + oneLine(t.Error, 60))))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (b *Board) callDetail(c *Call) string {
	switch c.Status {
	case CallFailed:
		return oneLine(c.Err, 50)
	case CallStreaming:
		if c.Started.IsZero() {
			return fmt.Sprintf("%d chars", c.Chars)
		}
		return fmt.Sprintf("%d chars %s", c.Chars, formatElapsedTime(b.now().Sub(c.Started)))
	case CallDone:
		return fmt.Sprintf("%d chars in %s", c.Chars, formatElapsedTime(c.Elapsed))
	default:
		return "waiting"
	}
}

func stageName(n int) string {
	if name, ok := stageNames[n]; ok {
		return name
	}
	return fmt.Sprintf("Stage %d", n)
}

func stageIndicator(s StageStatus, spin string) string {
	switch s {
	case StageRunning:
		return spin
	case StageDone:
		return StatusOK.Render("✓")
	case StageDegraded:
		return StatusWarn.Render("!")
	case StageFailed:
		return StatusCrit.Render("✗")
	default:
		return DimStyle.Render("○")
	}
}

func callIndicator(s CallStatus, spin string) string {
	switch s {
	case CallStreaming:
		return spin
	case CallDone:
		return StatusOK.Render("●")
	case CallFailed:
		return StatusCrit.Render("✗")
	default:
		return DimStyle.Render("○")
	}
}

// formatElapsedTime formats duration in a human-readable way
func formatElapsedTime(elapsed time.Duration) string {
	if elapsed < time.Second {
		return "<1s"
	}
	if elapsed < time.Minute {
		return fmt.Sprintf("%ds", int(elapsed.Seconds()))
	}
	mins := int(elapsed.Minutes())
	secs := int(elapsed.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", mins, secs)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}
