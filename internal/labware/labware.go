// Package labware holds the built-in labware catalog and the loaded
// instances placed on the deck.
package labware

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/labflow/internal/geometry"
)

// Kind classifies labware by how the sequencer uses it.
type Kind string

const (
	KindWellPlate Kind = "well-plate"
	KindReservoir Kind = "reservoir"
	KindTubeRack  Kind = "tube-rack"
	KindTipRack   Kind = "tip-rack"
)

// Definition is the subset of a labware's geometry the sequencer needs.
type Definition struct {
	LoadName    string         `yaml:"load_name" json:"load_name"`
	DisplayName string         `yaml:"display_name" json:"display_name"`
	Kind        Kind           `yaml:"kind" json:"kind"`
	Rows        int            `yaml:"rows" json:"rows"`
	Columns     int            `yaml:"columns" json:"columns"`
	Diameter    float64        `yaml:"diameter" json:"diameter"`
	Depth       float64        `yaml:"depth" json:"depth"`
	A1          geometry.Point `yaml:"a1" json:"a1"`
	PitchX      float64        `yaml:"pitch_x" json:"pitch_x"`
	PitchY      float64        `yaml:"pitch_y" json:"pitch_y"`
	MaxVolume   float64        `yaml:"max_volume" json:"max_volume"`
}

// Validate checks the definition is usable.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.LoadName) == "" {
		return fmt.Errorf("labware: load_name is required")
	}
	switch d.Kind {
	case KindWellPlate, KindReservoir, KindTubeRack, KindTipRack:
	default:
		return fmt.Errorf("labware: %s: unknown kind %q", d.LoadName, d.Kind)
	}
	if d.Rows <= 0 || d.Columns <= 0 {
		return fmt.Errorf("labware: %s: rows and columns must be positive", d.LoadName)
	}
	if d.Columns > 1 && d.PitchX <= 0 {
		return fmt.Errorf("labware: %s: pitch_x is required for multiple columns", d.LoadName)
	}
	if d.Rows > 1 && d.PitchY <= 0 {
		return fmt.Errorf("labware: %s: pitch_y is required for multiple rows", d.LoadName)
	}
	if d.Diameter <= 0 || d.Depth <= 0 {
		return fmt.Errorf("labware: %s: diameter and depth must be positive", d.LoadName)
	}
	return nil
}

// Labels returns the well labels in row-major order.
func (d Definition) Labels() []string {
	return d.plateAt(geometry.Point{}).Labels()
}

// HasWell reports whether label exists on this labware.
func (d Definition) HasWell(label string) bool {
	return d.plateAt(geometry.Point{}).Has(label)
}

func (d Definition) plateAt(origin geometry.Point) geometry.Plate {
	return geometry.Plate{
		Name:     d.LoadName,
		Rows:     d.Rows,
		Columns:  d.Columns,
		Diameter: d.Diameter,
		Depth:    d.Depth,
		A1:       origin.Add(geometry.Point{X: d.A1.X, Y: d.A1.Y, Z: d.A1.Z + d.Depth/2}),
		PitchX:   d.PitchX,
		PitchY:   d.PitchY,
	}
}

//go:embed catalog.yaml
var builtinCatalog []byte

// Catalog indexes definitions by load name.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]Definition
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{items: map[string]Definition{}}
}

// ParseCatalog decodes a YAML list of definitions.
func ParseCatalog(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("labware: catalog payload is empty")
	}
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("labware: decode catalog: %w", err)
	}
	cat := NewCatalog()
	for _, def := range defs {
		if err := cat.Add(def); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

var (
	builtinOnce sync.Once
	builtin     *Catalog
	builtinErr  error
)

// Builtin returns the embedded catalog. The returned catalog is shared; use
// Clone before adding definitions.
func Builtin() (*Catalog, error) {
	builtinOnce.Do(func() {
		builtin, builtinErr = ParseCatalog(builtinCatalog)
	})
	return builtin, builtinErr
}

// Add validates and registers a definition.
func (c *Catalog) Add(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[def.LoadName]; exists {
		return fmt.Errorf("labware: %s already defined", def.LoadName)
	}
	c.items[def.LoadName] = def
	return nil
}

// Lookup returns the definition for loadName.
func (c *Catalog) Lookup(loadName string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.items[loadName]
	if !ok {
		return Definition{}, fmt.Errorf("labware: unknown load name %q", loadName)
	}
	return def, nil
}

// LoadNames returns the sorted load names in the catalog.
func (c *Catalog) LoadNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.items))
	for name := range c.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy of the catalog.
func (c *Catalog) Clone() *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := NewCatalog()
	for k, v := range c.items {
		out.items[k] = v
	}
	return out
}
