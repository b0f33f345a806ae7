package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/stage"
)

// PauseConfig configures pause.
type PauseConfig struct {
	Message string        `yaml:"message"`
	Delay   time.Duration `yaml:"delay"`
}

type pauseStage struct {
	info stage.Info
	cfg  PauseConfig
}

// NewPause builds a stage that waits for the operator, then optionally for
// a fixed delay.
func NewPause(info stage.Info, raw stage.Config) (stage.Stage, error) {
	var cfg PauseConfig
	if err := stage.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("delay must not be negative")
	}
	return &pauseStage{info: info, cfg: cfg}, nil
}

func (s *pauseStage) Info() stage.Info { return s.info }

func (s *pauseStage) Check(*deck.Deck) error { return nil }

func (s *pauseStage) Run(ctx context.Context, env *stage.Env) (stage.Result, error) {
	if err := env.Robot.Pause(ctx, s.cfg.Message); err != nil {
		return failed(err)
	}
	if s.cfg.Delay > 0 {
		if err := env.Robot.Delay(ctx, s.cfg.Delay); err != nil {
			return failed(err)
		}
	}
	return stage.Result{Status: stage.StatusCompleted}, nil
}

// DelayConfig configures delay.
type DelayConfig struct {
	Duration time.Duration `yaml:"duration"`
}

type delayStage struct {
	info stage.Info
	cfg  DelayConfig
}

// NewDelay builds a fixed-duration wait.
func NewDelay(info stage.Info, raw stage.Config) (stage.Stage, error) {
	var cfg DelayConfig
	if err := stage.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	return &delayStage{info: info, cfg: cfg}, nil
}

func (s *delayStage) Info() stage.Info { return s.info }

func (s *delayStage) Check(*deck.Deck) error { return nil }

func (s *delayStage) Run(ctx context.Context, env *stage.Env) (stage.Result, error) {
	if err := env.Robot.Delay(ctx, s.cfg.Duration); err != nil {
		return failed(err)
	}
	return stage.Result{Status: stage.StatusCompleted}, nil
}

func failed(err error) (stage.Result, error) {
	return stage.Result{Status: stage.StatusFailed, Message: err.Error()}, err
}
