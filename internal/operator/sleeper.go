package operator

import (
	"context"
	"sync"
	"time"
)

// Sleeper waits for a fixed duration. Implementations never wake early
// except when ctx is cancelled.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function into a Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// Timer sleeps on the wall clock.
func Timer() Sleeper {
	return SleeperFunc(func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	})
}

// Skip returns immediately and remembers how long it was asked to wait.
type Skip struct {
	mu    sync.Mutex
	total time.Duration
	calls []time.Duration
}

// Sleep implements Sleeper.
func (s *Skip) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.total += d
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Total returns the accumulated requested wait.
func (s *Skip) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Calls returns every requested duration in order.
func (s *Skip) Calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.calls...)
}
