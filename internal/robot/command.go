// Package robot defines the contract between the sequencer and the
// liquid-handling hardware, and a Controller that implements it on top of a
// command Executor.
package robot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/labflow/internal/geometry"
	"github.com/kingrea/labflow/internal/labware"
)

// CommandKind names one actuator operation.
type CommandKind string

const (
	CmdLoadLabware    CommandKind = "load_labware"
	CmdLoadModule     CommandKind = "load_module"
	CmdLoadInstrument CommandKind = "load_instrument"
	CmdSetTemperature CommandKind = "set_temperature"
	CmdPickUpTip      CommandKind = "pick_up_tip"
	CmdDropTip        CommandKind = "drop_tip"
	CmdMoveTo         CommandKind = "move_to"
	CmdAspirate       CommandKind = "aspirate"
	CmdDispense       CommandKind = "dispense"
	CmdBlowOut        CommandKind = "blow_out"
	CmdMix            CommandKind = "mix"
	CmdPause          CommandKind = "pause"
	CmdDelay          CommandKind = "delay"
	CmdComment        CommandKind = "comment"
	CmdSetRailLights  CommandKind = "set_rail_lights"
)

// Location is an absolute deck point, optionally tagged with the well it
// belongs to.
type Location struct {
	Labware string         `json:"labware,omitempty"`
	Well    string         `json:"well,omitempty"`
	Point   geometry.Point `json:"point"`
}

// InWell tags p with w.
func InWell(w labware.Well, p geometry.Point) Location {
	return Location{Labware: w.Labware, Well: w.Label, Point: p}
}

func (l Location) String() string {
	if l.Well == "" {
		return l.Point.String()
	}
	return fmt.Sprintf("%s/%s %s", l.Labware, l.Well, l.Point)
}

// Command is one side-effecting call to the actuator.
type Command struct {
	Kind     CommandKind   `json:"kind"`
	Target   string        `json:"target,omitempty"`
	Volume   float64       `json:"volume,omitempty"`
	Repeats  int           `json:"repeats,omitempty"`
	FlowRate float64       `json:"flow_rate,omitempty"`
	Location *Location     `json:"location,omitempty"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Celsius  float64       `json:"celsius,omitempty"`
	Enabled  bool          `json:"enabled,omitempty"`
	Slot     int           `json:"slot,omitempty"`
	LoadName string        `json:"load_name,omitempty"`
	Mount    string        `json:"mount,omitempty"`
}

// IsLiquid reports whether the command moves liquid.
func (c Command) IsLiquid() bool {
	switch c.Kind {
	case CmdAspirate, CmdDispense, CmdBlowOut, CmdMix:
		return true
	}
	return false
}

func (c Command) String() string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	if c.Target != "" {
		b.WriteString(" " + c.Target)
	}
	switch c.Kind {
	case CmdAspirate, CmdDispense:
		fmt.Fprintf(&b, " %.1fuL", c.Volume)
		if c.FlowRate > 0 {
			fmt.Fprintf(&b, " @%.0fuL/s", c.FlowRate)
		}
	case CmdMix:
		fmt.Fprintf(&b, " %dx %.1fuL", c.Repeats, c.Volume)
	case CmdDelay:
		b.WriteString(" " + c.Duration.String())
	case CmdSetTemperature:
		fmt.Fprintf(&b, " %.1fC", c.Celsius)
	case CmdSetRailLights:
		fmt.Fprintf(&b, " %t", c.Enabled)
	case CmdLoadLabware, CmdLoadModule:
		fmt.Fprintf(&b, " %s slot %d", c.LoadName, c.Slot)
	case CmdLoadInstrument:
		fmt.Fprintf(&b, " %s %s", c.LoadName, c.Mount)
	}
	if c.Location != nil {
		b.WriteString(" at " + c.Location.String())
	}
	if c.Message != "" {
		fmt.Fprintf(&b, " %q", c.Message)
	}
	return b.String()
}

// Executor carries commands to the hardware (or a stand-in for it).
type Executor interface {
	Execute(ctx context.Context, cmd Command) error
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, cmd Command) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// Middleware wraps an Executor.
type Middleware func(Executor) Executor

// Chain wraps exec so the first middleware sees each command first.
func Chain(exec Executor, mws ...Middleware) Executor {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			exec = mws[i](exec)
		}
	}
	return exec
}

// Tap returns a middleware that reports every command and its outcome to fn
// after the inner executor ran.
func Tap(fn func(ctx context.Context, cmd Command, err error)) Middleware {
	return func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, cmd Command) error {
			err := next.Execute(ctx, cmd)
			fn(ctx, cmd, err)
			return err
		})
	}
}
