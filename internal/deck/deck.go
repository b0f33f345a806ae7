package deck

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kingrea/labflow/internal/geometry"
	"github.com/kingrea/labflow/internal/labware"
	"github.com/kingrea/labflow/internal/robot"
)

// Source is a reagent bound to a physical well.
type Source struct {
	Name    string
	Labware *labware.Labware
	Well    labware.Well
}

// Module is a loaded temperature module and its run temperature.
type Module struct {
	Module      robot.TemperatureModule
	Temperature float64
}

// Deck is a bound configuration: every name resolved to loaded hardware.
type Deck struct {
	pipette  robot.Pipette
	margins  geometry.Margins
	labware  map[string]*labware.Labware
	modules  []Module
	reagents map[string]Source

	mu        sync.Mutex
	resolvers map[string]*geometry.Resolver
}

// BindOption customizes Bind.
type BindOption func(*bindOptions)

type bindOptions struct {
	catalog *labware.Catalog
	margins geometry.Margins
}

// WithCatalog validates against a custom catalog. It must match the one the
// robot loads from.
func WithCatalog(c *labware.Catalog) BindOption {
	return func(o *bindOptions) {
		if c != nil {
			o.catalog = c
		}
	}
}

// WithMargins overrides the default well margins.
func WithMargins(m geometry.Margins) BindOption {
	return func(o *bindOptions) {
		o.margins = m.Merge(geometry.DefaultMargins)
	}
}

// Bind validates cfg and loads it onto r: modules, then labware, then the
// pipette.
func Bind(ctx context.Context, r robot.Robot, cfg Config, opts ...BindOption) (*Deck, error) {
	o := bindOptions{margins: geometry.DefaultMargins}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.catalog == nil {
		cat, err := labware.Builtin()
		if err != nil {
			return nil, err
		}
		o.catalog = cat
	}
	if err := cfg.Validate(o.catalog); err != nil {
		return nil, err
	}

	d := &Deck{
		margins:   o.margins,
		labware:   map[string]*labware.Labware{},
		reagents:  map[string]Source{},
		resolvers: map[string]*geometry.Resolver{},
	}
	for _, spec := range cfg.Modules {
		mod, err := r.LoadModule(ctx, robot.ModuleRequest{Model: spec.Model, Name: spec.Name, Slot: spec.Slot})
		if err != nil {
			return nil, fmt.Errorf("deck: load module %s: %w", spec.Name, err)
		}
		d.modules = append(d.modules, Module{Module: mod, Temperature: spec.Temperature})
	}
	for _, spec := range cfg.Labware {
		lw, err := r.LoadLabware(ctx, robot.LabwareRequest{LoadName: spec.LoadName, Name: spec.Name, Slot: spec.Slot, Module: spec.Module})
		if err != nil {
			return nil, fmt.Errorf("deck: load labware %s: %w", spec.Name, err)
		}
		d.labware[spec.Name] = lw
	}
	pip, err := r.LoadInstrument(ctx, robot.InstrumentRequest{Model: cfg.Pipette.Model, Mount: cfg.Pipette.Mount, TipRacks: cfg.Pipette.TipRacks})
	if err != nil {
		return nil, fmt.Errorf("deck: load pipette: %w", err)
	}
	d.pipette = pip
	for name, spec := range cfg.Reagents {
		lw := d.labware[spec.Labware]
		well, err := lw.Well(spec.Well)
		if err != nil {
			return nil, configErr("reagents."+name, "%v", err)
		}
		d.reagents[name] = Source{Name: name, Labware: lw, Well: well}
	}
	return d, nil
}

// Pipette returns the mounted pipette.
func (d *Deck) Pipette() robot.Pipette { return d.pipette }

// Margins returns the well margins in use.
func (d *Deck) Margins() geometry.Margins { return d.margins }

// Modules returns the loaded modules in declaration order.
func (d *Deck) Modules() []Module {
	return append([]Module(nil), d.modules...)
}

// Labware returns a loaded labware by name.
func (d *Deck) Labware(name string) (*labware.Labware, error) {
	lw, ok := d.labware[name]
	if !ok {
		return nil, configErr("labware", "unknown labware %s", name)
	}
	return lw, nil
}

// Reagent returns a bound reagent source.
func (d *Deck) Reagent(name string) (Source, error) {
	src, ok := d.reagents[name]
	if !ok {
		return Source{}, configErr("reagents", "unknown reagent %s", name)
	}
	return src, nil
}

// Reagents returns every bound reagent sorted by name.
func (d *Deck) Reagents() []Source {
	out := make([]Source, 0, len(d.reagents))
	for _, src := range d.reagents {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolver returns the well geometry resolver for a plate, built on first
// use.
func (d *Deck) Resolver(name string) (*geometry.Resolver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.resolvers[name]; ok {
		return r, nil
	}
	lw, ok := d.labware[name]
	if !ok {
		return nil, configErr("labware", "unknown labware %s", name)
	}
	r, err := geometry.NewResolver(lw.Plate(), d.margins)
	if err != nil {
		return nil, configErr("labware."+name, "%v", err)
	}
	d.resolvers[name] = r
	return r, nil
}
