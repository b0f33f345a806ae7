// Package stage defines the runtime contract for protocol stages and the
// helpers stages share: tip scoping, volume tallies and config decoding.
package stage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/robot"
)

// Kind names a stage implementation.
type Kind string

const (
	KindBulkRemove  Kind = "bulk-remove"
	KindWashAdd     Kind = "wash-add"
	KindWashRemove  Kind = "wash-remove"
	KindMixTransfer Kind = "mix-transfer"
	KindResuspend   Kind = "resuspend"
	KindDistribute  Kind = "distribute"
	KindWellMix     Kind = "well-mix"
	KindPause       Kind = "pause"
	KindDelay       Kind = "delay"
)

// Info describes a stage instance inside a protocol.
type Info struct {
	ID      string
	Name    string
	Kind    Kind
	Comment string
}

// Validate ensures the info block is well-formed.
func (i Info) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("stage: id is required")
	}
	if i.Kind == "" {
		return fmt.Errorf("stage: kind is required for %s", i.ID)
	}
	return nil
}

// Label returns the name when set, otherwise the id.
func (i Info) Label() string {
	if i.Name != "" {
		return i.Name
	}
	return i.ID
}

// Status enumerates stage outcomes.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result captures the outcome of a stage run.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Wells   int    `json:"wells"`
	Tally   Tally  `json:"tally"`
}

// Env is what a stage may touch while running.
type Env struct {
	Robot  robot.Robot
	Deck   *deck.Deck
	Logger *zap.Logger
}

// Log returns the env logger, or a no-op logger when unset.
func (e *Env) Log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Stage is one phase of a protocol.
type Stage interface {
	Info() Info
	// Check verifies every deck reference before anything runs.
	Check(d *deck.Deck) error
	Run(ctx context.Context, env *Env) (Result, error)
}

// Config is the kind-specific stage configuration from the protocol file.
type Config map[string]any

// Decode copies cfg into out, rejecting unknown keys.
func Decode(cfg Config, out any) error {
	if len(cfg) == 0 {
		return nil
	}
	data, err := yaml.Marshal(map[string]any(cfg))
	if err != nil {
		return fmt.Errorf("stage: encode config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("stage: decode config: %w", err)
	}
	return nil
}

// TipPolicy controls how often a stage changes tips.
type TipPolicy string

const (
	// TipPerStage uses one tip for the whole stage.
	TipPerStage TipPolicy = "per-stage"
	// TipPerWell uses a fresh tip for each well or addition.
	TipPerWell TipPolicy = "per-well"
)

// Normalize defaults an empty policy to per-stage.
func (p TipPolicy) Normalize() (TipPolicy, error) {
	switch p {
	case "":
		return TipPerStage, nil
	case TipPerStage, TipPerWell:
		return p, nil
	default:
		return "", fmt.Errorf("stage: unknown tip policy %q", p)
	}
}
