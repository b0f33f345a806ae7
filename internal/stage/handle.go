package stage

import (
	"context"
	"errors"
	"sort"

	"github.com/kingrea/labflow/internal/robot"
)

// Tally sums the liquid a stage moved.
type Tally struct {
	Aspirated float64            `json:"aspirated"`
	Dispensed map[string]float64 `json:"dispensed,omitempty"`
	Tips      int                `json:"tips"`
	Mixes     int                `json:"mixes"`
}

// TotalDispensed sums dispensed volume over every destination.
func (t Tally) TotalDispensed() float64 {
	var total float64
	for _, v := range t.Dispensed {
		total += v
	}
	return total
}

// Destinations lists the labware that received liquid, sorted.
func (t Tally) Destinations() []string {
	out := make([]string, 0, len(t.Dispensed))
	for k := range t.Dispensed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Add accumulates o into t.
func (t *Tally) Add(o Tally) {
	t.Aspirated += o.Aspirated
	t.Tips += o.Tips
	t.Mixes += o.Mixes
	for k, v := range o.Dispensed {
		t.dispensed(k, v)
	}
}

func (t *Tally) dispensed(labware string, v float64) {
	if v == 0 {
		return
	}
	if t.Dispensed == nil {
		t.Dispensed = map[string]float64{}
	}
	t.Dispensed[labware] += v
}

// Handle wraps a pipette and tallies what it moves.
type Handle struct {
	p     robot.Pipette
	tally Tally
}

// NewHandle wraps p.
func NewHandle(p robot.Pipette) *Handle {
	return &Handle{p: p}
}

// Pipette returns the wrapped pipette.
func (h *Handle) Pipette() robot.Pipette { return h.p }

// Tally returns a copy of the running totals.
func (h *Handle) Tally() Tally {
	var out Tally
	out.Add(h.tally)
	return out
}

func (h *Handle) PickUpTip(ctx context.Context) error {
	if err := h.p.PickUpTip(ctx); err != nil {
		return err
	}
	h.tally.Tips++
	return nil
}

func (h *Handle) DropTip(ctx context.Context) error {
	return h.p.DropTip(ctx)
}

func (h *Handle) MoveTo(ctx context.Context, loc robot.Location) error {
	return h.p.MoveTo(ctx, loc)
}

func (h *Handle) Aspirate(ctx context.Context, volume float64, opts ...robot.LiquidOption) error {
	before := h.p.State().Volume
	if err := h.p.Aspirate(ctx, volume, opts...); err != nil {
		return err
	}
	h.tally.Aspirated += h.p.State().Volume - before
	return nil
}

func (h *Handle) Dispense(ctx context.Context, volume float64, opts ...robot.LiquidOption) error {
	before := h.p.State().Volume
	if err := h.p.Dispense(ctx, volume, opts...); err != nil {
		return err
	}
	h.release(before)
	return nil
}

// BlowOut counts any residual volume as dispensed where the tip is.
func (h *Handle) BlowOut(ctx context.Context, opts ...robot.LiquidOption) error {
	before := h.p.State().Volume
	if err := h.p.BlowOut(ctx, opts...); err != nil {
		return err
	}
	h.release(before)
	return nil
}

// Mix counts every cycle as aspirated and dispensed in place, the same as
// an explicit aspirate/dispense pair at the mix location.
func (h *Handle) Mix(ctx context.Context, repeats int, volume float64, opts ...robot.LiquidOption) error {
	if err := h.p.Mix(ctx, repeats, volume, opts...); err != nil {
		return err
	}
	cycled := float64(repeats) * volume
	dest := ""
	if loc := h.p.State().Location; loc != nil {
		dest = loc.Labware
	}
	h.tally.Aspirated += cycled
	h.tally.dispensed(dest, cycled)
	h.tally.Mixes++
	return nil
}

func (h *Handle) release(before float64) {
	state := h.p.State()
	dest := ""
	if state.Location != nil {
		dest = state.Location.Labware
	}
	h.tally.dispensed(dest, before-state.Volume)
}

// WithTip picks up a tip, runs fn and drops the tip on every exit path.
// The drop runs even when ctx is already cancelled; a drop failure is
// joined with fn's error.
func WithTip(ctx context.Context, h *Handle, fn func() error) (err error) {
	if err := h.PickUpTip(ctx); err != nil {
		return err
	}
	defer func() {
		if dropErr := h.DropTip(context.WithoutCancel(ctx)); dropErr != nil {
			err = errors.Join(err, dropErr)
		}
	}()
	return fn()
}

// Each runs fn for items 0..n-1. With TipPerStage one tip covers every
// item; with TipPerWell each item gets its own tip.
func Each(ctx context.Context, h *Handle, policy TipPolicy, n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if policy == TipPerWell {
		for i := 0; i < n; i++ {
			if err := WithTip(ctx, h, func() error { return fn(i) }); err != nil {
				return err
			}
		}
		return nil
	}
	return WithTip(ctx, h, func() error {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	})
}
