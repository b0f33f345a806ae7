package robot

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTip is returned when a liquid or drop command runs without a tip.
	ErrNoTip = errors.New("robot: no tip attached")
	// ErrTipAttached is returned when picking up while a tip is still held.
	ErrTipAttached = errors.New("robot: tip already attached")
	// ErrOverCapacity is returned when an aspirate exceeds the tip capacity.
	ErrOverCapacity = errors.New("robot: volume exceeds pipette capacity")
	// ErrOutOfTips is returned when every tip rack is exhausted.
	ErrOutOfTips = errors.New("robot: tip racks exhausted")
	// ErrNoLocation is returned when a liquid command has no known position.
	ErrNoLocation = errors.New("robot: no location for liquid command")
)

// HardwareError reports a command the executor could not carry out. It is
// always fatal to the run.
type HardwareError struct {
	Command Command
	Err     error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("robot: %s failed: %v", e.Command, e.Err)
}

// Unwrap exposes the executor error.
func (e *HardwareError) Unwrap() error { return e.Err }

// IsHardware reports whether err came from the executor.
func IsHardware(err error) bool {
	var hw *HardwareError
	return errors.As(err, &hw)
}
