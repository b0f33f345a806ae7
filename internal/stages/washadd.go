package stages

import (
	"context"
	"fmt"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/stage"
)

// Cycles is a manual resuspension loop: aspirate at the well bottom,
// dispense back at the dispense position.
type Cycles struct {
	Count  int     `yaml:"count"`
	Volume float64 `yaml:"volume"`
}

func (c *Cycles) validate() error {
	if c == nil {
		return nil
	}
	if c.Count < 1 {
		return fmt.Errorf("cycles.count must be >= 1")
	}
	if c.Volume <= 0 {
		return fmt.Errorf("cycles.volume must be positive")
	}
	return nil
}

// WashAddConfig configures wash-add.
type WashAddConfig struct {
	Target         `yaml:",inline"`
	Rates          `yaml:",inline"`
	Source         string          `yaml:"source"`
	SourceHeight   *float64        `yaml:"source_height"`
	Volume         float64         `yaml:"volume"`
	DispenseVolume float64         `yaml:"dispense_volume"`
	Passes         int             `yaml:"passes"`
	Position       string          `yaml:"position"`
	Cycles         *Cycles         `yaml:"cycles"`
	BlowOut        *bool           `yaml:"blow_out"`
	Tip            stage.TipPolicy `yaml:"tip"`
}

type washAddStage struct {
	info stage.Info
	cfg  WashAddConfig
}

// NewWashAdd builds a wash-add stage. Each pass adds volume µL from the
// source to every well, dispensing against the well wall.
func NewWashAdd(info stage.Info, raw stage.Config) (stage.Stage, error) {
	var cfg WashAddConfig
	if err := stage.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Target.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Rates.validate(); err != nil {
		return nil, err
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Volume <= 0 {
		return nil, fmt.Errorf("volume must be positive")
	}
	if cfg.DispenseVolume < 0 {
		return nil, fmt.Errorf("dispense_volume must not be negative")
	}
	if cfg.DispenseVolume == 0 {
		cfg.DispenseVolume = cfg.Volume
	}
	if cfg.Passes == 0 {
		cfg.Passes = 1
	}
	if cfg.Passes < 0 {
		return nil, fmt.Errorf("passes must be >= 1")
	}
	pos, err := normalizePosition(cfg.Position)
	if err != nil {
		return nil, err
	}
	cfg.Position = pos
	if err := cfg.Cycles.validate(); err != nil {
		return nil, err
	}
	tip, err := cfg.Tip.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.Tip = tip
	return &washAddStage{info: info, cfg: cfg}, nil
}

func (s *washAddStage) Info() stage.Info { return s.info }

func (s *washAddStage) Check(d *deck.Deck) error {
	if _, err := s.cfg.Target.sites(d); err != nil {
		return err
	}
	if _, err := reagent(d, "source", s.cfg.Source); err != nil {
		return err
	}
	if err := capacity(d, "volume", s.cfg.Volume); err != nil {
		return err
	}
	if s.cfg.Cycles != nil {
		return capacity(d, "cycles.volume", s.cfg.Cycles.Volume)
	}
	return nil
}

func (s *washAddStage) Run(ctx context.Context, env *stage.Env) (stage.Result, error) {
	sites, err := s.cfg.Target.sites(env.Deck)
	if err != nil {
		return stage.Result{}, err
	}
	src, err := reagent(env.Deck, "source", s.cfg.Source)
	if err != nil {
		return stage.Result{}, err
	}
	draw := at(src, orDefault(s.cfg.SourceHeight, DefaultSourceHeight))
	h := stage.NewHandle(env.Deck.Pipette())
	// Passes run over every well before the next pass starts.
	err = stage.Each(ctx, h, s.cfg.Tip, s.cfg.Passes*len(sites), func(i int) error {
		w := sites[i%len(sites)]
		return wellErr(w.pos.Label, s.add(ctx, h, draw, w))
	})
	return result(h, len(sites), err)
}

func (s *washAddStage) add(ctx context.Context, h *stage.Handle, draw robot.Location, w site) error {
	aspRate, dispRate := robot.Rate(s.cfg.Aspirate), robot.Rate(s.cfg.Dispense)
	if err := h.Aspirate(ctx, s.cfg.Volume, robot.At(draw), aspRate); err != nil {
		return err
	}
	dest := w.position(s.cfg.Position)
	if err := h.MoveTo(ctx, dest); err != nil {
		return err
	}
	if err := h.Dispense(ctx, s.cfg.DispenseVolume, dispRate); err != nil {
		return err
	}
	if c := s.cfg.Cycles; c != nil {
		for n := 0; n < c.Count; n++ {
			if err := h.MoveTo(ctx, w.bottom()); err != nil {
				return err
			}
			if err := h.Aspirate(ctx, c.Volume, aspRate); err != nil {
				return err
			}
			if err := h.MoveTo(ctx, dest); err != nil {
				return err
			}
			if err := h.Dispense(ctx, c.Volume, dispRate); err != nil {
				return err
			}
		}
	}
	if enabled(s.cfg.BlowOut) {
		return h.BlowOut(ctx)
	}
	return nil
}
