package labware

import (
	"fmt"

	"github.com/kingrea/labflow/internal/geometry"
)

// Slots is the number of deck positions available for labware and modules.
const Slots = 11

// ModuleHeight is the labware lift added by a temperature module.
const ModuleHeight = 80.09

var slotOrigins = [Slots + 1]geometry.Point{
	{},
	{X: 0, Y: 0},
	{X: 132.5, Y: 0},
	{X: 265, Y: 0},
	{X: 0, Y: 90.5},
	{X: 132.5, Y: 90.5},
	{X: 265, Y: 90.5},
	{X: 0, Y: 181},
	{X: 132.5, Y: 181},
	{X: 265, Y: 181},
	{X: 0, Y: 271.5},
	{X: 132.5, Y: 271.5},
}

// SlotOrigin returns the front-left corner of a deck slot.
func SlotOrigin(slot int) (geometry.Point, error) {
	if slot < 1 || slot > Slots {
		return geometry.Point{}, fmt.Errorf("labware: slot %d outside 1..%d", slot, Slots)
	}
	return slotOrigins[slot], nil
}

// Labware is a definition placed on the deck.
type Labware struct {
	Name       string
	Slot       int
	OnModule   bool
	Definition Definition
	origin     geometry.Point
}

// Place positions def in slot, raised onto a module when onModule is set.
func Place(def Definition, name string, slot int, onModule bool) (*Labware, error) {
	origin, err := SlotOrigin(slot)
	if err != nil {
		return nil, err
	}
	if onModule {
		origin.Z += ModuleHeight
	}
	if name == "" {
		name = def.LoadName
	}
	return &Labware{Name: name, Slot: slot, OnModule: onModule, Definition: def, origin: origin}, nil
}

// Origin returns the absolute front-left-bottom corner.
func (l *Labware) Origin() geometry.Point { return l.origin }

// Plate returns the absolute plate geometry for the resolver.
func (l *Labware) Plate() geometry.Plate {
	plate := l.Definition.plateAt(l.origin)
	plate.Name = l.Name
	return plate
}

// Well returns the well with the given label.
func (l *Labware) Well(label string) (Well, error) {
	plate := l.Plate()
	row, col, ok := plate.Index(label)
	if !ok {
		return Well{}, &geometry.LookupError{Plate: l.Name, Label: label}
	}
	center := plate.A1.Add(geometry.Point{
		X: float64(col-1) * plate.PitchX,
		Y: -float64(row) * plate.PitchY,
	})
	return Well{Labware: l.Name, Label: label, Center: center, Diameter: l.Definition.Diameter, Depth: l.Definition.Depth}, nil
}

// Wells returns every well in row-major order.
func (l *Labware) Wells() []Well {
	labels := l.Definition.Labels()
	wells := make([]Well, 0, len(labels))
	for _, label := range labels {
		w, err := l.Well(label)
		if err != nil {
			continue
		}
		wells = append(wells, w)
	}
	return wells
}

func (l *Labware) String() string {
	return fmt.Sprintf("%s (%s) in slot %d", l.Name, l.Definition.LoadName, l.Slot)
}

// Well is one well of a loaded labware.
type Well struct {
	Labware  string
	Label    string
	Center   geometry.Point
	Diameter float64
	Depth    float64
}

// Bottom returns the point z millimetres above the well floor.
func (w Well) Bottom(z float64) geometry.Point {
	return geometry.Point{X: w.Center.X, Y: w.Center.Y, Z: w.Center.Z - w.Depth/2 + z}
}

// Top returns the point z millimetres relative to the well rim.
func (w Well) Top(z float64) geometry.Point {
	return geometry.Point{X: w.Center.X, Y: w.Center.Y, Z: w.Center.Z + w.Depth/2 + z}
}

func (w Well) String() string {
	return w.Label + " of " + w.Labware
}
