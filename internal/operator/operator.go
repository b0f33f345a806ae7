// Package operator models the human at the bench: pauses that wait for an
// acknowledgement and fixed delays.
package operator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Prompt is a message the operator must acknowledge before the run resumes.
type Prompt struct {
	ID       string    `json:"id"`
	Message  string    `json:"message"`
	IssuedAt time.Time `json:"issued_at"`
}

// Operator blocks until a prompt is acknowledged. Confirm has no timeout of
// its own; only ctx ends the wait early.
type Operator interface {
	Confirm(ctx context.Context, p Prompt) error
}

// Func adapts a function into an Operator.
type Func func(ctx context.Context, p Prompt) error

// Confirm implements Operator.
func (f Func) Confirm(ctx context.Context, p Prompt) error {
	return f(ctx, p)
}

// AutoConfirm acknowledges every prompt immediately. Used for plans and
// simulations.
func AutoConfirm() Operator {
	return Func(func(ctx context.Context, _ Prompt) error {
		return ctx.Err()
	})
}

// FirstOf waits on every operator and returns when the first one confirms.
// The remaining waits are cancelled.
func FirstOf(ops ...Operator) Operator {
	live := make([]Operator, 0, len(ops))
	for _, op := range ops {
		if op != nil {
			live = append(live, op)
		}
	}
	if len(live) == 1 {
		return live[0]
	}
	return Func(func(ctx context.Context, p Prompt) error {
		if len(live) == 0 {
			return errors.New("operator: no operator configured")
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		results := make(chan error, len(live))
		for _, op := range live {
			go func(op Operator) {
				results <- op.Confirm(ctx, p)
			}(op)
		}
		var errs []error
		for range live {
			err := <-results
			if err == nil {
				return nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return errors.Join(errs...)
	})
}

// Console prompts on a writer and waits for a newline on a reader.
type Console struct {
	out   io.Writer
	lines chan string
	start sync.Once
	in    io.Reader
	mu    sync.Mutex
}

// NewConsole builds a console operator.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out, lines: make(chan string, 16)}
}

func (c *Console) pump() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
	close(c.lines)
}

// Confirm prints the prompt and waits for Enter.
func (c *Console) Confirm(ctx context.Context, p Prompt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start.Do(func() { go c.pump() })
	c.drain()
	fmt.Fprintf(c.out, "\n>> PAUSED: %s\n>> press Enter to resume ", strings.TrimSpace(p.Message))
	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return ctx.Err()
	case _, ok := <-c.lines:
		if !ok {
			return io.ErrUnexpectedEOF
		}
		return nil
	}
}

// drain discards input typed before the prompt appeared.
func (c *Console) drain() {
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
