package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/labflow/internal/operator"
	"github.com/kingrea/labflow/internal/sequencer"
)

// Sender delivers messages to a running program. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Bridge connects a sequencer run to the monitor. It is both the run's
// operator and one of its observers.
type Bridge struct {
	send Sender
}

var (
	_ operator.Operator  = (*Bridge)(nil)
	_ sequencer.Observer = (*Bridge)(nil)
)

// NewBridge returns a bridge sending to s.
func NewBridge(s Sender) *Bridge {
	return &Bridge{send: s}
}

// Observe forwards e to the monitor.
func (b *Bridge) Observe(_ context.Context, e sequencer.Event) {
	b.send.Send(EventMsg{Event: e})
}

// Confirm shows p and blocks until the operator presses enter. When ctx
// ends first the prompt is withdrawn from the monitor.
func (b *Bridge) Confirm(ctx context.Context, p operator.Prompt) error {
	reply := make(chan struct{})
	b.send.Send(PromptMsg{Prompt: p, Reply: reply})
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		b.send.Send(PromptClosedMsg{ID: p.ID, Reply: reply})
		return ctx.Err()
	}
}

// Finish reports the run outcome.
func (b *Bridge) Finish(r sequencer.Report, err error) {
	b.send.Send(FinishedMsg{Report: r, Err: err})
}
