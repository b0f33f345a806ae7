package stages

import (
	"context"
	"fmt"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/stage"
)

// MixTransferConfig configures mix-transfer.
type MixTransferConfig struct {
	Target            `yaml:",inline"`
	Rates             `yaml:",inline"`
	Destination       string          `yaml:"destination"`
	DestinationHeight *float64        `yaml:"destination_height"`
	TransferVolume    float64         `yaml:"transfer_volume"`
	Cycles            int             `yaml:"cycles"`
	MixVolume         float64         `yaml:"mix_volume"`
	InPlaceMix        *Mix            `yaml:"in_place_mix"`
	DestinationMix    *Mix            `yaml:"destination_mix"`
	BlowOut           *bool           `yaml:"blow_out"`
	Tip               stage.TipPolicy `yaml:"tip"`
}

type mixTransferStage struct {
	info stage.Info
	cfg  MixTransferConfig
}

// NewMixTransfer builds a mix-transfer stage: each well is mixed to lift
// cells, then transfer_volume µL moves to the destination.
func NewMixTransfer(info stage.Info, raw stage.Config) (stage.Stage, error) {
	var cfg MixTransferConfig
	if err := stage.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Target.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Rates.validate(); err != nil {
		return nil, err
	}
	if cfg.Destination == "" {
		return nil, fmt.Errorf("destination is required")
	}
	if cfg.TransferVolume <= 0 {
		return nil, fmt.Errorf("transfer_volume must be positive")
	}
	if cfg.Cycles < 0 {
		return nil, fmt.Errorf("cycles must not be negative")
	}
	if cfg.Cycles > 0 && cfg.MixVolume <= 0 {
		return nil, fmt.Errorf("mix_volume must be positive when cycles is set")
	}
	if err := cfg.InPlaceMix.validate("in_place_mix"); err != nil {
		return nil, err
	}
	if err := cfg.DestinationMix.validate("destination_mix"); err != nil {
		return nil, err
	}
	tip, err := cfg.Tip.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.Tip = tip
	return &mixTransferStage{info: info, cfg: cfg}, nil
}

func (s *mixTransferStage) Info() stage.Info { return s.info }

func (s *mixTransferStage) Check(d *deck.Deck) error {
	if _, err := s.cfg.Target.sites(d); err != nil {
		return err
	}
	if _, err := reagent(d, "destination", s.cfg.Destination); err != nil {
		return err
	}
	if err := capacity(d, "transfer_volume", s.cfg.TransferVolume); err != nil {
		return err
	}
	if err := capacity(d, "mix_volume", s.cfg.MixVolume); err != nil {
		return err
	}
	if m := s.cfg.InPlaceMix; m != nil {
		if err := capacity(d, "in_place_mix.volume", m.Volume); err != nil {
			return err
		}
	}
	if m := s.cfg.DestinationMix; m != nil {
		return capacity(d, "destination_mix.volume", m.Volume)
	}
	return nil
}

func (s *mixTransferStage) Run(ctx context.Context, env *stage.Env) (stage.Result, error) {
	sites, err := s.cfg.Target.sites(env.Deck)
	if err != nil {
		return stage.Result{}, err
	}
	dest, err := reagent(env.Deck, "destination", s.cfg.Destination)
	if err != nil {
		return stage.Result{}, err
	}
	drop := at(dest, orDefault(s.cfg.DestinationHeight, DefaultSourceHeight))
	h := stage.NewHandle(env.Deck.Pipette())
	err = stage.Each(ctx, h, s.cfg.Tip, len(sites), func(i int) error {
		w := sites[i]
		return wellErr(w.pos.Label, s.collect(ctx, h, w, dest, drop))
	})
	return result(h, len(sites), err)
}

func (s *mixTransferStage) collect(ctx context.Context, h *stage.Handle, w site, dest deck.Source, drop robot.Location) error {
	aspRate, dispRate := robot.Rate(s.cfg.Aspirate), robot.Rate(s.cfg.Dispense)
	if err := h.MoveTo(ctx, w.bottom()); err != nil {
		return err
	}
	for n := 0; n < s.cfg.Cycles; n++ {
		if err := h.MoveTo(ctx, w.bottom()); err != nil {
			return err
		}
		if err := h.Aspirate(ctx, s.cfg.MixVolume, aspRate); err != nil {
			return err
		}
		if err := h.MoveTo(ctx, w.top()); err != nil {
			return err
		}
		if err := h.Dispense(ctx, s.cfg.MixVolume, dispRate); err != nil {
			return err
		}
	}
	if m := s.cfg.InPlaceMix; m != nil {
		if err := h.Mix(ctx, m.Repeats, m.Volume, robot.At(w.bottom()), dispRate); err != nil {
			return err
		}
	}
	if err := h.Aspirate(ctx, s.cfg.TransferVolume, robot.At(w.bottom()), aspRate); err != nil {
		return err
	}
	if err := h.Dispense(ctx, s.cfg.TransferVolume, robot.At(drop), dispRate); err != nil {
		return err
	}
	if m := s.cfg.DestinationMix; m != nil {
		if err := h.Mix(ctx, m.Repeats, m.Volume, robot.At(at(dest, m.Height)), dispRate); err != nil {
			return err
		}
	}
	if enabled(s.cfg.BlowOut) {
		return h.BlowOut(ctx)
	}
	return nil
}
