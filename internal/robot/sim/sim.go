// Package sim is an in-process executor that records every command instead
// of moving hardware. It backs dry runs, plans and tests.
package sim

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/robot"
)

// ErrInjected is the default error for injected failures.
var ErrInjected = errors.New("sim: injected failure")

type failure struct {
	kind robot.CommandKind
	nth  int
	err  error
}

// Executor records commands and mirrors deck-level hardware state.
type Executor struct {
	logger *zap.Logger

	mu       sync.Mutex
	commands []robot.Command
	counts   map[robot.CommandKind]int
	failures []failure
	lights   bool
	temps    map[string]float64
}

// Option customizes the executor.
type Option func(*Executor)

// WithLogger logs each command at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an empty executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger: zap.NewNop(),
		counts: map[robot.CommandKind]int{},
		temps:  map[string]float64{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// FailNth makes the nth (1-based) command of kind fail with err. A nil err
// uses ErrInjected.
func (e *Executor) FailNth(kind robot.CommandKind, nth int, err error) {
	if err == nil {
		err = ErrInjected
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, failure{kind: kind, nth: nth, err: err})
}

// Execute implements robot.Executor.
func (e *Executor) Execute(ctx context.Context, cmd robot.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[cmd.Kind]++
	n := e.counts[cmd.Kind]
	for _, f := range e.failures {
		if f.kind == cmd.Kind && f.nth == n {
			e.logger.Debug("sim failure", zap.Stringer("command", cmd))
			return f.err
		}
	}
	switch cmd.Kind {
	case robot.CmdSetRailLights:
		e.lights = cmd.Enabled
	case robot.CmdSetTemperature:
		e.temps[cmd.Target] = cmd.Celsius
	}
	e.commands = append(e.commands, cmd)
	e.logger.Debug("sim command", zap.Stringer("command", cmd))
	return nil
}

// Commands returns a copy of every successful command.
func (e *Executor) Commands() []robot.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]robot.Command(nil), e.commands...)
}

// Filter returns the successful commands of the given kinds.
func (e *Executor) Filter(kinds ...robot.CommandKind) []robot.Command {
	want := map[robot.CommandKind]struct{}{}
	for _, k := range kinds {
		want[k] = struct{}{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []robot.Command
	for _, cmd := range e.commands {
		if _, ok := want[cmd.Kind]; ok {
			out = append(out, cmd)
		}
	}
	return out
}

// Count returns how many successful commands of kind were recorded.
func (e *Executor) Count(kind robot.CommandKind) int {
	return len(e.Filter(kind))
}

// Volume sums the volume of successful commands of kind. When labware is
// not empty only commands located in that labware are counted.
func (e *Executor) Volume(kind robot.CommandKind, labware string) float64 {
	var total float64
	for _, cmd := range e.Filter(kind) {
		if labware != "" && (cmd.Location == nil || cmd.Location.Labware != labware) {
			continue
		}
		total += cmd.Volume
	}
	return total
}

// Lights reports the last rail light state.
func (e *Executor) Lights() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lights
}

// Temperature returns the last target set on a module.
func (e *Executor) Temperature(module string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.temps[module]
	return c, ok
}

// Reset forgets recorded commands and injected failures.
func (e *Executor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = nil
	e.counts = map[robot.CommandKind]int{}
	e.failures = nil
	e.lights = false
	e.temps = map[string]float64{}
}
