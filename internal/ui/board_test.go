package ui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"council/internal/council"
	"council/internal/events"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestBoardApply(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBoard("What is 2+2?")
	b.now = clock.now

	b.Apply(events.NewStageStart(events.StageResponses))
	b.Apply(events.NewModelStart(1, "a"))
	b.Apply(events.NewModelStart(1, "b"))
	b.Apply(events.NewModelChunk(1, "a", "fo", "fo"))
	clock.t = clock.t.Add(2 * time.Second)
	b.Apply(events.NewModelComplete(1, "a", "four"))
	b.Apply(events.NewModelError(1, "b", errors.New("timeout"), true))
	b.Apply(events.NewProgress(1, 2, 2))
	b.Apply(events.NewStageError(1, errors.New("1 of 2 failed"), 1, true))

	if len(b.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(b.Stages))
	}
	st := b.Stages[0]
	if st.Status != StageDegraded || st.Completed != 2 || st.Total != 2 {
		t.Errorf("stage = %+v", st)
	}
	if len(st.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(st.Calls))
	}
	a, bc := st.Calls[0], st.Calls[1]
	if a.Status != CallDone || a.Chars != 4 || a.Elapsed != 2*time.Second {
		t.Errorf("call a = %+v", a)
	}
	if bc.Status != CallFailed || bc.Err != "timeout" {
		t.Errorf("call b = %+v", bc)
	}
	if b.Done() {
		t.Error("board should not be done before the terminal event")
	}
}

func TestBoardRoundsAreSeparateCalls(t *testing.T) {
	b := NewBoard("q")
	b.Apply(events.NewStageStart(2))

	r1 := events.NewModelStart(2, "a")
	r1.Round = 1
	r2 := events.NewModelStart(2, "a")
	r2.Round = 2
	b.Apply(r1)
	b.Apply(r2)

	if n := len(b.Stages[0].Calls); n != 2 {
		t.Fatalf("expected one call per round, got %d", n)
	}
	if !strings.Contains(b.Render("*"), "a (round 2)") {
		t.Error("expected round label in render")
	}
}

func TestBoardRender(t *testing.T) {
	b := NewBoard("What is 2+2?")
	b.Apply(events.NewStageStart(1))
	b.Apply(events.NewModelStart(1, "a"))
	b.Apply(events.NewModelComplete(1, "a", "four"))
	b.Apply(events.NewStageComplete(1, nil))
	b.Apply(events.NewStageStart(3))
	b.Apply(events.NewStageError(3, errors.New("chairman unavailable"), 0, false))
	b.Apply(events.NewFailed(errors.New("chairman unavailable"), true, nil))

	out := b.Render("*")
	for _, want := range []string{"COUNCIL", "What is 2+2?", "Answers", "Synthesis", "4 chars", "Deliberation failed: chairman unavailable"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
	if !b.Done() || b.Stages[1].Status != StageFailed {
		t.Errorf("board state = %+v", b.Stages[1])
	}
}

func TestModelQuitsOnTerminal(t *testing.T) {
	stream := make(chan events.Event, 1)
	m := New("q", stream, nil)

	result := &council.Result{ID: "r", Stage3: &council.Stage3Result{Model: "a", Response: "x"}}
	next, cmd := m.Update(eventMsg(events.NewComplete(result)))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("terminal event should quit the program")
	}
	if !next.(Model).Board().Done() {
		t.Error("board should be done")
	}
}

func TestModelCancelKeepsReading(t *testing.T) {
	canceled := false
	_, cancel := context.WithCancel(context.Background())
	m := New("q", make(chan events.Event), func() { canceled = true; cancel() })

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !canceled {
		t.Error("ctrl+c should cancel the deliberation")
	}
	if cmd != nil {
		t.Error("first ctrl+c should wait for the terminal event")
	}
	if !strings.Contains(next.View(), "Canceling") {
		t.Error("expected canceling notice")
	}

	_, cmd = next.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("second ctrl+c should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected QuitMsg")
	}
}

func TestModelColorIsStable(t *testing.T) {
	if ModelColor("openai/gpt-4o") != ModelColor("openai/gpt-4o") {
		t.Error("model color should be deterministic")
	}
}

func TestFormatElapsedTime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "<1s"},
		{42 * time.Second, "42s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		if got := formatElapsedTime(tt.d); got != tt.want {
			t.Errorf("formatElapsedTime(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
