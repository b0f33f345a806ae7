// Package stages implements the built-in stage kinds.
package stages

import (
	"fmt"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/geometry"
	"github.com/kingrea/labflow/internal/labware"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/stage"
)

// DefaultSourceHeight is the clearance above a source well floor when a
// stage does not set one.
const DefaultSourceHeight = 1.0

// Target selects wells on one plate. No wells means every well, row-major.
type Target struct {
	Plate string   `yaml:"plate"`
	Wells []string `yaml:"wells"`
}

func (t Target) validate() error {
	if t.Plate == "" {
		return fmt.Errorf("plate is required")
	}
	return nil
}

// site is one resolved well of a target.
type site struct {
	plate string
	pos   geometry.WellPosition
	well  labware.Well
}

func (s site) at(p geometry.Point) robot.Location {
	return robot.Location{Labware: s.plate, Well: s.pos.Label, Point: p}
}

func (s site) bottom() robot.Location { return s.at(s.pos.Bottom()) }

func (s site) top() robot.Location { return s.at(s.pos.Top()) }

// height is a point z mm above the well floor on the well axis.
func (s site) height(z float64) robot.Location { return robot.InWell(s.well, s.well.Bottom(z)) }

// position returns one of the top, left or right dispense points.
func (s site) position(name string) robot.Location {
	switch name {
	case PositionLeft:
		return s.at(s.pos.Left())
	case PositionRight:
		return s.at(s.pos.Right())
	default:
		return s.top()
	}
}

// Dispense positions for wash-add and distribute.
const (
	PositionTop   = "top"
	PositionLeft  = "left"
	PositionRight = "right"
)

func normalizePosition(p string) (string, error) {
	switch p {
	case "":
		return PositionTop, nil
	case PositionTop, PositionLeft, PositionRight:
		return p, nil
	default:
		return "", fmt.Errorf("unknown position %q", p)
	}
}

func (t Target) sites(d *deck.Deck) ([]site, error) {
	r, err := d.Resolver(t.Plate)
	if err != nil {
		return nil, err
	}
	lw, err := d.Labware(t.Plate)
	if err != nil {
		return nil, err
	}
	labels := t.Wells
	if len(labels) == 0 {
		labels = r.Labels()
	}
	out := make([]site, 0, len(labels))
	for _, label := range labels {
		pos, err := r.Resolve(label)
		if err != nil {
			return nil, err
		}
		w, err := lw.Well(label)
		if err != nil {
			return nil, err
		}
		out = append(out, site{plate: t.Plate, pos: pos, well: w})
	}
	return out, nil
}

// Rates are the per-stage flow rates in µL/s. Zero uses the pipette
// model's default.
type Rates struct {
	Aspirate float64 `yaml:"aspirate_rate"`
	Dispense float64 `yaml:"dispense_rate"`
}

func (r Rates) validate() error {
	if r.Aspirate < 0 || r.Dispense < 0 {
		return fmt.Errorf("flow rates must not be negative")
	}
	return nil
}

// Mix is an in-place mix command.
type Mix struct {
	Repeats int     `yaml:"repeats"`
	Volume  float64 `yaml:"volume"`
	Height  float64 `yaml:"height"`
}

func (m *Mix) validate(field string) error {
	if m == nil {
		return nil
	}
	if m.Repeats < 1 {
		return fmt.Errorf("%s.repeats must be >= 1", field)
	}
	if m.Volume <= 0 {
		return fmt.Errorf("%s.volume must be positive", field)
	}
	if m.Height < 0 {
		return fmt.Errorf("%s.height must not be negative", field)
	}
	return nil
}

func orDefault(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func enabled(b *bool) bool {
	return b == nil || *b
}

// capacity rejects volumes the deck pipette cannot hold.
func capacity(d *deck.Deck, field string, volume float64) error {
	model := d.Pipette().Model()
	if volume > model.MaxVolume {
		return fmt.Errorf("%s %.1fuL exceeds %s capacity %.1fuL", field, volume, model.Name, model.MaxVolume)
	}
	return nil
}

func reagent(d *deck.Deck, field, name string) (deck.Source, error) {
	if name == "" {
		return deck.Source{}, fmt.Errorf("%s is required", field)
	}
	src, err := d.Reagent(name)
	if err != nil {
		return deck.Source{}, fmt.Errorf("%s: %w", field, err)
	}
	return src, nil
}

func at(src deck.Source, z float64) robot.Location {
	return robot.InWell(src.Well, src.Well.Bottom(z))
}

func result(h *stage.Handle, wells int, err error) (stage.Result, error) {
	res := stage.Result{Status: stage.StatusCompleted, Wells: wells, Tally: h.Tally()}
	if err != nil {
		res.Status = stage.StatusFailed
		res.Message = err.Error()
	}
	return res, err
}

func wellErr(label string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("well %s: %w", label, err)
}
