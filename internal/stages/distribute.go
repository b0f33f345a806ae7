package stages

import (
	"context"
	"fmt"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/stage"
)

// DistributeConfig configures distribute.
type DistributeConfig struct {
	Target         `yaml:",inline"`
	Rates          `yaml:",inline"`
	Source         string   `yaml:"source"`
	SourceHeight   *float64 `yaml:"source_height"`
	AspirateVolume float64  `yaml:"aspirate_volume"`
	Volume         float64  `yaml:"volume"`
	Position       string   `yaml:"position"`
	BlowOut        *bool    `yaml:"blow_out"`
}

type distributeStage struct {
	info stage.Info
	cfg  DistributeConfig
}

// NewDistribute builds a distribute stage: one aspirate from the source,
// then volume µL into each well under a single tip. The tip is blown out
// once, after the last well.
func NewDistribute(info stage.Info, raw stage.Config) (stage.Stage, error) {
	var cfg DistributeConfig
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
	if cfg.AspirateVolume < 0 {
		return nil, fmt.Errorf("aspirate_volume must not be negative")
	}
	pos, err := normalizePosition(cfg.Position)
	if err != nil {
		return nil, err
	}
	cfg.Position = pos
	return &distributeStage{info: info, cfg: cfg}, nil
}

func (s *distributeStage) Info() stage.Info { return s.info }

func (s *distributeStage) aspirateVolume(wells int) float64 {
	if s.cfg.AspirateVolume > 0 {
		return s.cfg.AspirateVolume
	}
	return s.cfg.Volume * float64(wells)
}

func (s *distributeStage) Check(d *deck.Deck) error {
	sites, err := s.cfg.Target.sites(d)
	if err != nil {
		return err
	}
	if _, err := reagent(d, "source", s.cfg.Source); err != nil {
		return err
	}
	need := s.cfg.Volume * float64(len(sites))
	if got := s.aspirateVolume(len(sites)); got < need {
		return fmt.Errorf("aspirate_volume %.1fuL cannot cover %d wells of %.1fuL", got, len(sites), s.cfg.Volume)
	}
	return capacity(d, "aspirate_volume", s.aspirateVolume(len(sites)))
}

func (s *distributeStage) Run(ctx context.Context, env *stage.Env) (stage.Result, error) {
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
	err = stage.WithTip(ctx, h, func() error {
		if err := h.Aspirate(ctx, s.aspirateVolume(len(sites)), robot.At(draw), robot.Rate(s.cfg.Aspirate)); err != nil {
			return err
		}
		for _, w := range sites {
			if err := h.MoveTo(ctx, w.position(s.cfg.Position)); err != nil {
				return wellErr(w.pos.Label, err)
			}
			if err := h.Dispense(ctx, s.cfg.Volume, robot.Rate(s.cfg.Dispense)); err != nil {
				return wellErr(w.pos.Label, err)
			}
		}
		if enabled(s.cfg.BlowOut) {
			return h.BlowOut(ctx)
		}
		return nil
	})
	return result(h, len(sites), err)
}
