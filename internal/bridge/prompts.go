package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kingrea/labflow/internal/operator"
)

// ErrUnknownPrompt is returned when acknowledging a prompt that is not
// pending.
var ErrUnknownPrompt = errors.New("bridge: unknown prompt")

// Prompts is an operator.Operator whose prompts are acknowledged over
// HTTP. Confirm blocks until Ack is called with the prompt id.
type Prompts struct {
	mu      sync.Mutex
	pending map[string]*pendingPrompt
}

type pendingPrompt struct {
	prompt operator.Prompt
	done   chan struct{}
}

var _ operator.Operator = (*Prompts)(nil)

// NewPrompts returns an empty prompt queue.
func NewPrompts() *Prompts {
	return &Prompts{pending: map[string]*pendingPrompt{}}
}

// Confirm implements operator.Operator.
func (q *Prompts) Confirm(ctx context.Context, p operator.Prompt) error {
	entry := &pendingPrompt{prompt: p, done: make(chan struct{})}
	q.mu.Lock()
	q.pending[p.ID] = entry
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.pending, p.ID)
		q.mu.Unlock()
	}()
	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack releases the prompt with id.
func (q *Prompts) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.pending[id]
	if !ok {
		return ErrUnknownPrompt
	}
	delete(q.pending, id)
	close(entry.done)
	return nil
}

// Pending lists prompts waiting for acknowledgement, oldest first.
func (q *Prompts) Pending() []operator.Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]operator.Prompt, 0, len(q.pending))
	for _, entry := range q.pending {
		out = append(out, entry.prompt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}
