package geometry

// Offsets are the four pipetting points of a well, relative to its center.
type Offsets struct {
	Bottom Point `json:"bottom"`
	Top    Point `json:"top"`
	Left   Point `json:"left"`
	Right  Point `json:"right"`
}

// WellPosition is a resolved well: its absolute center and derived offsets.
type WellPosition struct {
	Label   string  `json:"label"`
	Center  Point   `json:"center"`
	Offsets Offsets `json:"offsets"`
}

// Bottom returns the absolute aspiration point.
func (w WellPosition) Bottom() Point { return w.Center.Add(w.Offsets.Bottom) }

// Top returns the absolute dispense point against the far wall.
func (w WellPosition) Top() Point { return w.Center.Add(w.Offsets.Top) }

// Left returns the absolute dispense point against the left wall.
func (w WellPosition) Left() Point { return w.Center.Add(w.Offsets.Left) }

// Right returns the absolute dispense point against the right wall.
func (w WellPosition) Right() Point { return w.Center.Add(w.Offsets.Right) }

// Resolver maps well labels of one plate to coordinates.
type Resolver struct {
	plate   Plate
	margins Margins
	offsets Offsets
}

// NewResolver validates plate against margins and precomputes the offsets,
// which are identical for every well of a plate.
func NewResolver(plate Plate, margins Margins) (*Resolver, error) {
	if err := plate.Validate(margins); err != nil {
		return nil, err
	}
	return &Resolver{plate: plate, margins: margins, offsets: ComputeOffsets(plate.Diameter, plate.Depth, margins)}, nil
}

// ComputeOffsets derives the four offsets for a well of the given diameter
// and depth. Callers are expected to have validated the inputs.
func ComputeOffsets(diameter, depth float64, m Margins) Offsets {
	lateral := diameter/2 - m.Wall
	high := depth - m.TopClearance
	return Offsets{
		Bottom: Point{X: 0, Y: -lateral, Z: -m.Bottom},
		Top:    Point{X: 0, Y: lateral, Z: high},
		Left:   Point{X: -lateral, Y: 0, Z: high},
		Right:  Point{X: lateral, Y: 0, Z: high},
	}
}

// Plate returns the plate the resolver was built for.
func (r *Resolver) Plate() Plate { return r.plate }

// Margins returns the clearances in use.
func (r *Resolver) Margins() Margins { return r.margins }

// Labels lists the plate's wells in row-major order.
func (r *Resolver) Labels() []string { return r.plate.Labels() }

// Resolve returns the center and offsets for label.
func (r *Resolver) Resolve(label string) (WellPosition, error) {
	row, col, ok := r.plate.Index(label)
	if !ok {
		return WellPosition{}, &LookupError{Plate: r.plate.display(), Label: label}
	}
	center := r.plate.A1.Add(Point{
		X: float64(col-1) * r.plate.PitchX,
		Y: -float64(row) * r.plate.PitchY,
	})
	return WellPosition{Label: label, Center: center, Offsets: r.offsets}, nil
}

// ResolveAll resolves every well in row-major order.
func (r *Resolver) ResolveAll() []WellPosition {
	labels := r.plate.Labels()
	out := make([]WellPosition, 0, len(labels))
	for _, label := range labels {
		pos, err := r.Resolve(label)
		if err != nil {
			continue
		}
		out = append(out, pos)
	}
	return out
}
