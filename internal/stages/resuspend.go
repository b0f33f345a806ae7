package stages

import (
	"context"
	"fmt"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/stage"
)

// ResuspendCycles pulls liquid from one height of the destination and
// returns it at another.
type ResuspendCycles struct {
	Count          int     `yaml:"count"`
	AspirateVolume float64 `yaml:"aspirate_volume"`
	AspirateHeight float64 `yaml:"aspirate_height"`
	DispenseVolume float64 `yaml:"dispense_volume"`
	DispenseHeight float64 `yaml:"dispense_height"`
}

func (c *ResuspendCycles) validate() error {
	if c == nil {
		return nil
	}
	if c.Count < 1 {
		return fmt.Errorf("cycles.count must be >= 1")
	}
	if c.AspirateVolume <= 0 {
		return fmt.Errorf("cycles.aspirate_volume must be positive")
	}
	if c.DispenseVolume < 0 || c.AspirateHeight < 0 || c.DispenseHeight < 0 {
		return fmt.Errorf("cycles volumes and heights must not be negative")
	}
	if c.DispenseVolume == 0 {
		c.DispenseVolume = c.AspirateVolume
	}
	return nil
}

// ResuspendConfig configures resuspend.
type ResuspendConfig struct {
	Rates          `yaml:",inline"`
	Source         string           `yaml:"source"`
	SourceHeight   *float64         `yaml:"source_height"`
	Destination    string           `yaml:"destination"`
	DispenseHeight *float64         `yaml:"dispense_height"`
	Volume         float64          `yaml:"volume"`
	Additions      int              `yaml:"additions"`
	Cycles         *ResuspendCycles `yaml:"cycles"`
	Mix            *Mix             `yaml:"mix"`
	BlowOut        *bool            `yaml:"blow_out"`
	Tip            stage.TipPolicy  `yaml:"tip"`
}

type resuspendStage struct {
	info stage.Info
	cfg  ResuspendConfig
}

// NewResuspend builds a resuspend stage: fresh medium is added to a cell
// pellet in additions rounds, each followed by mixing in the tube.
func NewResuspend(info stage.Info, raw stage.Config) (stage.Stage, error) {
	var cfg ResuspendConfig
	if err := stage.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Rates.validate(); err != nil {
		return nil, err
	}
	if cfg.Source == "" || cfg.Destination == "" {
		return nil, fmt.Errorf("source and destination are required")
	}
	if cfg.Volume <= 0 {
		return nil, fmt.Errorf("volume must be positive")
	}
	if cfg.Additions == 0 {
		cfg.Additions = 1
	}
	if cfg.Additions < 0 {
		return nil, fmt.Errorf("additions must be >= 1")
	}
	if err := cfg.Cycles.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Mix.validate("mix"); err != nil {
		return nil, err
	}
	if cfg.Cycles != nil && cfg.Mix != nil {
		return nil, fmt.Errorf("cycles and mix are mutually exclusive")
	}
	tip, err := cfg.Tip.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.Tip = tip
	return &resuspendStage{info: info, cfg: cfg}, nil
}

func (s *resuspendStage) Info() stage.Info { return s.info }

func (s *resuspendStage) Check(d *deck.Deck) error {
	if _, err := reagent(d, "source", s.cfg.Source); err != nil {
		return err
	}
	if _, err := reagent(d, "destination", s.cfg.Destination); err != nil {
		return err
	}
	if err := capacity(d, "volume", s.cfg.Volume); err != nil {
		return err
	}
	if c := s.cfg.Cycles; c != nil {
		if err := capacity(d, "cycles.aspirate_volume", c.AspirateVolume); err != nil {
			return err
		}
	}
	if m := s.cfg.Mix; m != nil {
		return capacity(d, "mix.volume", m.Volume)
	}
	return nil
}

func (s *resuspendStage) Run(ctx context.Context, env *stage.Env) (stage.Result, error) {
	src, err := reagent(env.Deck, "source", s.cfg.Source)
	if err != nil {
		return stage.Result{}, err
	}
	dest, err := reagent(env.Deck, "destination", s.cfg.Destination)
	if err != nil {
		return stage.Result{}, err
	}
	draw := at(src, orDefault(s.cfg.SourceHeight, DefaultSourceHeight))
	drop := at(dest, orDefault(s.cfg.DispenseHeight, DefaultSourceHeight))
	h := stage.NewHandle(env.Deck.Pipette())
	err = stage.Each(ctx, h, s.cfg.Tip, s.cfg.Additions, func(i int) error {
		if err := s.addition(ctx, h, draw, drop, dest); err != nil {
			return fmt.Errorf("addition %d: %w", i+1, err)
		}
		return nil
	})
	return result(h, 1, err)
}

func (s *resuspendStage) addition(ctx context.Context, h *stage.Handle, draw, drop robot.Location, dest deck.Source) error {
	aspRate, dispRate := robot.Rate(s.cfg.Aspirate), robot.Rate(s.cfg.Dispense)
	if err := h.Aspirate(ctx, s.cfg.Volume, robot.At(draw), aspRate); err != nil {
		return err
	}
	if err := h.Dispense(ctx, s.cfg.Volume, robot.At(drop), dispRate); err != nil {
		return err
	}
	if c := s.cfg.Cycles; c != nil {
		for n := 0; n < c.Count; n++ {
			if err := h.Aspirate(ctx, c.AspirateVolume, robot.At(at(dest, c.AspirateHeight)), aspRate); err != nil {
				return err
			}
			if err := h.Dispense(ctx, c.DispenseVolume, robot.At(at(dest, c.DispenseHeight)), dispRate); err != nil {
				return err
			}
		}
	}
	if m := s.cfg.Mix; m != nil {
		if err := h.Mix(ctx, m.Repeats, m.Volume, robot.At(at(dest, m.Height)), dispRate); err != nil {
			return err
		}
	}
	if enabled(s.cfg.BlowOut) {
		return h.BlowOut(ctx)
	}
	return nil
}
