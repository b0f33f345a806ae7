package stages

import (
	"context"
	"fmt"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/stage"
)

// WellMixConfig configures well-mix.
type WellMixConfig struct {
	Target  `yaml:",inline"`
	Rates   `yaml:",inline"`
	Repeats int             `yaml:"repeats"`
	Volume  float64         `yaml:"volume"`
	Height  *float64        `yaml:"height"`
	BlowOut *bool           `yaml:"blow_out"`
	Tip     stage.TipPolicy `yaml:"tip"`
}

type wellMixStage struct {
	info stage.Info
	cfg  WellMixConfig
}

// NewWellMix builds a well-mix stage that mixes each well in place.
func NewWellMix(info stage.Info, raw stage.Config) (stage.Stage, error) {
	var cfg WellMixConfig
	if err := stage.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Target.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Rates.validate(); err != nil {
		return nil, err
	}
	if cfg.Repeats < 1 {
		return nil, fmt.Errorf("repeats must be >= 1")
	}
	if cfg.Volume <= 0 {
		return nil, fmt.Errorf("volume must be positive")
	}
	tip, err := cfg.Tip.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.Tip = tip
	return &wellMixStage{info: info, cfg: cfg}, nil
}

func (s *wellMixStage) Info() stage.Info { return s.info }

func (s *wellMixStage) Check(d *deck.Deck) error {
	if _, err := s.cfg.Target.sites(d); err != nil {
		return err
	}
	return capacity(d, "volume", s.cfg.Volume)
}

func (s *wellMixStage) Run(ctx context.Context, env *stage.Env) (stage.Result, error) {
	sites, err := s.cfg.Target.sites(env.Deck)
	if err != nil {
		return stage.Result{}, err
	}
	height := orDefault(s.cfg.Height, DefaultSourceHeight)
	h := stage.NewHandle(env.Deck.Pipette())
	err = stage.Each(ctx, h, s.cfg.Tip, len(sites), func(i int) error {
		w := sites[i]
		if err := h.Mix(ctx, s.cfg.Repeats, s.cfg.Volume, robot.At(w.height(height)), robot.Rate(s.cfg.Dispense)); err != nil {
			return wellErr(w.pos.Label, err)
		}
		if enabled(s.cfg.BlowOut) {
			return wellErr(w.pos.Label, h.BlowOut(ctx))
		}
		return nil
	})
	return result(h, len(sites), err)
}
