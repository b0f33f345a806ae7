package robot

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/geometry"
	"github.com/kingrea/labflow/internal/labware"
)

// tipQueue hands out tips column by column, A1 B1 ... H1 A2 ...
type tipQueue struct {
	wells []labware.Well
	next  int
}

func newTipQueue(racks []*labware.Labware) *tipQueue {
	q := &tipQueue{}
	for _, rack := range racks {
		def := rack.Definition
		for col := 1; col <= def.Columns; col++ {
			for row := 0; row < def.Rows; row++ {
				w, err := rack.Well(geometry.Label(row, col))
				if err != nil {
					continue
				}
				q.wells = append(q.wells, w)
			}
		}
	}
	return q
}

func (q *tipQueue) peek() (labware.Well, bool) {
	if q.next >= len(q.wells) {
		return labware.Well{}, false
	}
	return q.wells[q.next], true
}

func (q *tipQueue) remaining() int {
	return len(q.wells) - q.next
}

type pipette struct {
	ctl   *Controller
	model Model
	mount string

	mu    sync.Mutex
	tips  *tipQueue
	state RunState
}

func (p *pipette) Name() string {
	return p.model.Name + "@" + p.mount
}

func (p *pipette) Model() Model { return p.model }

func (p *pipette) State() RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	if s.Location != nil {
		loc := *s.Location
		s.Location = &loc
	}
	return s
}

// TipsRemaining reports how many unused tips are left in the racks.
func (p *pipette) TipsRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tips.remaining()
}

func (p *pipette) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = RunState{FlowRate: p.model.DispenseRate}
}

func (p *pipette) PickUpTip(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.TipAttached {
		return fmt.Errorf("%s: pick up tip: %w", p.Name(), ErrTipAttached)
	}
	tip, ok := p.tips.peek()
	if !ok {
		return fmt.Errorf("%s: pick up tip: %w", p.Name(), ErrOutOfTips)
	}
	loc := InWell(tip, tip.Top(0))
	cmd := Command{Kind: CmdPickUpTip, Target: p.Name(), Location: &loc}
	if err := p.ctl.run(ctx, cmd); err != nil {
		return err
	}
	p.tips.next++
	p.state.TipAttached = true
	p.state.Volume = 0
	p.state.Location = &loc
	return nil
}

func (p *pipette) DropTip(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.TipAttached {
		return fmt.Errorf("%s: drop tip: %w", p.Name(), ErrNoTip)
	}
	cmd := Command{Kind: CmdDropTip, Target: p.Name()}
	if err := p.ctl.run(ctx, cmd); err != nil {
		return err
	}
	p.state.TipAttached = false
	p.state.Volume = 0
	p.state.Location = nil
	return nil
}

func (p *pipette) MoveTo(ctx context.Context, loc Location) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := loc
	if err := p.ctl.run(ctx, Command{Kind: CmdMoveTo, Target: p.Name(), Location: &l}); err != nil {
		return err
	}
	p.state.Location = &l
	return nil
}

// locate resolves where a liquid command happens. Caller holds p.mu.
func (p *pipette) locate(o LiquidOptions) (*Location, error) {
	if o.Location != nil {
		return o.Location, nil
	}
	if p.state.Location == nil {
		return nil, ErrNoLocation
	}
	loc := *p.state.Location
	return &loc, nil
}

func (p *pipette) Aspirate(ctx context.Context, volume float64, opts ...LiquidOption) error {
	o := collect(opts)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.TipAttached {
		return fmt.Errorf("%s: aspirate: %w", p.Name(), ErrNoTip)
	}
	if volume <= 0 {
		return fmt.Errorf("%s: aspirate volume must be positive, got %.1f", p.Name(), volume)
	}
	if p.state.Volume+volume > p.model.MaxVolume {
		return fmt.Errorf("%s: aspirate %.1fuL holding %.1fuL: %w", p.Name(), volume, p.state.Volume, ErrOverCapacity)
	}
	loc, err := p.locate(o)
	if err != nil {
		return fmt.Errorf("%s: aspirate: %w", p.Name(), err)
	}
	rate := o.FlowRate
	if rate <= 0 {
		rate = p.model.AspirateRate
	}
	cmd := Command{Kind: CmdAspirate, Target: p.Name(), Volume: volume, FlowRate: rate, Location: loc}
	if err := p.ctl.run(ctx, cmd); err != nil {
		return err
	}
	p.state.Volume += volume
	p.state.Location = loc
	return nil
}

// Dispense releases volume. Requests above the held volume are clamped.
func (p *pipette) Dispense(ctx context.Context, volume float64, opts ...LiquidOption) error {
	o := collect(opts)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.TipAttached {
		return fmt.Errorf("%s: dispense: %w", p.Name(), ErrNoTip)
	}
	if volume <= 0 {
		return fmt.Errorf("%s: dispense volume must be positive, got %.1f", p.Name(), volume)
	}
	if volume > p.state.Volume {
		p.ctl.logger.Debug("dispense clamped to held volume",
			zap.String("pipette", p.Name()),
			zap.Float64("requested", volume),
			zap.Float64("held", p.state.Volume))
		volume = p.state.Volume
	}
	loc, err := p.locate(o)
	if err != nil {
		return fmt.Errorf("%s: dispense: %w", p.Name(), err)
	}
	rate := o.FlowRate
	if rate <= 0 {
		rate = p.model.DispenseRate
	}
	cmd := Command{Kind: CmdDispense, Target: p.Name(), Volume: volume, FlowRate: rate, Location: loc}
	if err := p.ctl.run(ctx, cmd); err != nil {
		return err
	}
	p.state.Volume -= volume
	p.state.FlowRate = rate
	p.state.Location = loc
	return nil
}

func (p *pipette) BlowOut(ctx context.Context, opts ...LiquidOption) error {
	o := collect(opts)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.TipAttached {
		return fmt.Errorf("%s: blow out: %w", p.Name(), ErrNoTip)
	}
	loc, err := p.locate(o)
	if err != nil {
		return fmt.Errorf("%s: blow out: %w", p.Name(), err)
	}
	rate := o.FlowRate
	if rate <= 0 {
		rate = p.model.BlowOutRate
	}
	cmd := Command{Kind: CmdBlowOut, Target: p.Name(), FlowRate: rate, Location: loc}
	if err := p.ctl.run(ctx, cmd); err != nil {
		return err
	}
	p.state.Volume = 0
	p.state.Location = loc
	return nil
}

// Mix cycles volume in place; the held volume is unchanged afterwards.
func (p *pipette) Mix(ctx context.Context, repeats int, volume float64, opts ...LiquidOption) error {
	o := collect(opts)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.TipAttached {
		return fmt.Errorf("%s: mix: %w", p.Name(), ErrNoTip)
	}
	if repeats < 1 {
		return fmt.Errorf("%s: mix repeats must be >= 1, got %d", p.Name(), repeats)
	}
	if volume <= 0 {
		return fmt.Errorf("%s: mix volume must be positive, got %.1f", p.Name(), volume)
	}
	if p.state.Volume+volume > p.model.MaxVolume {
		return fmt.Errorf("%s: mix %.1fuL holding %.1fuL: %w", p.Name(), volume, p.state.Volume, ErrOverCapacity)
	}
	loc, err := p.locate(o)
	if err != nil {
		return fmt.Errorf("%s: mix: %w", p.Name(), err)
	}
	rate := o.FlowRate
	if rate <= 0 {
		rate = p.model.DispenseRate
	}
	cmd := Command{Kind: CmdMix, Target: p.Name(), Repeats: repeats, Volume: volume, FlowRate: rate, Location: loc}
	if err := p.ctl.run(ctx, cmd); err != nil {
		return err
	}
	p.state.FlowRate = rate
	p.state.Location = loc
	return nil
}
