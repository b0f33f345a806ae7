package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/stage"
)

// DefaultWaste is the reagent name removal stages dump into.
const DefaultWaste = "waste"

// RemoveConfig configures bulk-remove and wash-remove.
type RemoveConfig struct {
	Target      `yaml:",inline"`
	Rates       `yaml:",inline"`
	Waste       string          `yaml:"waste"`
	WasteHeight float64         `yaml:"waste_height"`
	Volume      float64         `yaml:"volume"`
	Repeats     int             `yaml:"repeats"`
	BlowOut     *bool           `yaml:"blow_out"`
	Tip         stage.TipPolicy `yaml:"tip"`
}

type removeStage struct {
	info stage.Info
	cfg  RemoveConfig
}

// NewBulkRemove builds a bulk-remove stage: every selected well is emptied
// into waste volume µL at a time, repeats times.
func NewBulkRemove(info stage.Info, raw stage.Config) (stage.Stage, error) {
	var cfg RemoveConfig
	if err := stage.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Repeats == 0 {
		cfg.Repeats = 1
	}
	return newRemove(info, cfg)
}

// NewWashRemove builds a wash-remove stage: one removal pass per well.
func NewWashRemove(info stage.Info, raw stage.Config) (stage.Stage, error) {
	var cfg RemoveConfig
	if err := stage.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Repeats > 1 {
		return nil, fmt.Errorf("wash-remove runs a single pass, got repeats %d", cfg.Repeats)
	}
	cfg.Repeats = 1
	return newRemove(info, cfg)
}

func newRemove(info stage.Info, cfg RemoveConfig) (stage.Stage, error) {
	if err := cfg.Target.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Rates.validate(); err != nil {
		return nil, err
	}
	if cfg.Volume <= 0 {
		return nil, fmt.Errorf("volume must be positive")
	}
	if cfg.Repeats < 1 {
		return nil, fmt.Errorf("repeats must be >= 1")
	}
	if cfg.Waste == "" {
		cfg.Waste = DefaultWaste
	}
	tip, err := cfg.Tip.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.Tip = tip
	return &removeStage{info: info, cfg: cfg}, nil
}

func (s *removeStage) Info() stage.Info { return s.info }

func (s *removeStage) Check(d *deck.Deck) error {
	if _, err := s.cfg.Target.sites(d); err != nil {
		return err
	}
	if _, err := reagent(d, "waste", s.cfg.Waste); err != nil {
		return err
	}
	return capacity(d, "volume", s.cfg.Volume)
}

func (s *removeStage) Run(ctx context.Context, env *stage.Env) (stage.Result, error) {
	sites, err := s.cfg.Target.sites(env.Deck)
	if err != nil {
		return stage.Result{}, err
	}
	waste, err := reagent(env.Deck, "waste", s.cfg.Waste)
	if err != nil {
		return stage.Result{}, err
	}
	dump := robot.InWell(waste.Well, waste.Well.Top(s.cfg.WasteHeight))
	h := stage.NewHandle(env.Deck.Pipette())
	err = stage.Each(ctx, h, s.cfg.Tip, len(sites), func(i int) error {
		w := sites[i]
		for r := 0; r < s.cfg.Repeats; r++ {
			if err := s.removeOnce(ctx, h, w, dump); err != nil {
				return wellErr(w.pos.Label, err)
			}
		}
		env.Log().Debug("well emptied",
			zap.String("stage", s.info.ID),
			zap.String("well", w.pos.Label),
			zap.Int("repeats", s.cfg.Repeats))
		return nil
	})
	return result(h, len(sites), err)
}

func (s *removeStage) removeOnce(ctx context.Context, h *stage.Handle, w site, dump robot.Location) error {
	if err := h.MoveTo(ctx, w.bottom()); err != nil {
		return err
	}
	if err := h.Aspirate(ctx, s.cfg.Volume, robot.Rate(s.cfg.Aspirate)); err != nil {
		return err
	}
	if err := h.Dispense(ctx, s.cfg.Volume, robot.At(dump), robot.Rate(s.cfg.Dispense)); err != nil {
		return err
	}
	if enabled(s.cfg.BlowOut) {
		return h.BlowOut(ctx)
	}
	return nil
}
