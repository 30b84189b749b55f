// Package ui shows a live view of a streaming deliberation
package ui

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"council/internal/events"
)

// eventMsg carries one stream event into the update loop
type eventMsg events.Event

// streamClosedMsg means the channel closed
type streamClosedMsg struct{}

type Model struct {
	board     *Board
	stream    <-chan events.Event
	cancel    context.CancelFunc
	spinner   spinner.Model
	canceling bool
	width     int
}

// New creates the view. cancel aborts the deliberation on ctrl+c.
func New(question string, stream <-chan events.Event, cancel context.CancelFunc) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = StatusWarn

	return Model{
		board:   NewBoard(question),
		stream:  stream,
		cancel:  cancel,
		spinner: s,
	}
}

// waitForEvent reads the next event off the stream
func waitForEvent(stream <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-stream
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.stream))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			if m.board.Done() || m.canceling {
				return m, tea.Quit
			}
			// Keep reading until the terminal event so the caller gets the partial result
			m.canceling = true
			if m.cancel != nil {
				m.cancel()
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case eventMsg:
		m.board.Apply(events.Event(msg))
		if m.board.Done() {
			return m, tea.Quit
		}
		return m, waitForEvent(m.stream)
	case streamClosedMsg:
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	view := m.board.Render(m.spinner.View())
	if m.board.Done() {
		return view
	}
	if m.canceling {
		return view + "\n" + SystemStyle.Render("Canceling... press q again to leave now") + "\n"
	}
	return view + "\n" + DimStyle.Render("q or ctrl+c to cancel") + "\n"
}

// Board exposes the folded state
func (m Model) Board() *Board {
	return m.board
}

// Run drives the view until the stream ends. It returns the terminal event,
// or nil when the user left before it arrived.
func Run(question string, stream <-chan events.Event, cancel context.CancelFunc, opts ...tea.ProgramOption) (*events.Event, error) {
	p := tea.NewProgram(New(question, stream, cancel), opts...)
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	return final.(Model).board.Terminal, nil
}
