package robot

import (
	"context"
	"fmt"
	"time"

	"github.com/kingrea/labflow/internal/labware"
)

// LabwareRequest asks the robot to place labware on the deck. When Module
// is set the labware sits on that module and Slot is taken from it.
type LabwareRequest struct {
	LoadName string
	Name     string
	Slot     int
	Module   string
}

// ModuleRequest loads a temperature module into a slot.
type ModuleRequest struct {
	Model string
	Name  string
	Slot  int
}

// InstrumentRequest loads a pipette on a mount with its tip racks.
type InstrumentRequest struct {
	Model    string
	Mount    string
	TipRacks []string
}

// Robot is the deck-level contract.
type Robot interface {
	LoadLabware(ctx context.Context, req LabwareRequest) (*labware.Labware, error)
	LoadModule(ctx context.Context, req ModuleRequest) (TemperatureModule, error)
	LoadInstrument(ctx context.Context, req InstrumentRequest) (Pipette, error)
	SetRailLights(ctx context.Context, on bool) error
	// Pause blocks until the operator acknowledges msg.
	Pause(ctx context.Context, msg string) error
	// Delay blocks for exactly d.
	Delay(ctx context.Context, d time.Duration) error
	Comment(ctx context.Context, msg string) error
	// Reset returns every pipette's run state to its initial values without
	// issuing commands.
	Reset()
}

// Pipette is a single-channel pipette.
type Pipette interface {
	Name() string
	Model() Model
	State() RunState
	PickUpTip(ctx context.Context) error
	DropTip(ctx context.Context) error
	MoveTo(ctx context.Context, loc Location) error
	Aspirate(ctx context.Context, volume float64, opts ...LiquidOption) error
	Dispense(ctx context.Context, volume float64, opts ...LiquidOption) error
	BlowOut(ctx context.Context, opts ...LiquidOption) error
	Mix(ctx context.Context, repeats int, volume float64, opts ...LiquidOption) error
}

// TemperatureModule holds labware at a set temperature.
type TemperatureModule interface {
	Name() string
	Slot() int
	SetTemperature(ctx context.Context, celsius float64) error
}

// RunState is the pipette state that must not leak between runs.
type RunState struct {
	TipAttached bool      `json:"tip_attached"`
	Volume      float64   `json:"volume"`
	FlowRate    float64   `json:"flow_rate"`
	Location    *Location `json:"location,omitempty"`
}

// LiquidOptions collects per-call liquid handling parameters.
type LiquidOptions struct {
	Location *Location
	FlowRate float64
}

// LiquidOption sets one field of LiquidOptions.
type LiquidOption func(*LiquidOptions)

// At moves to loc before the liquid command.
func At(loc Location) LiquidOption {
	return func(o *LiquidOptions) {
		l := loc
		o.Location = &l
	}
}

// Rate sets the flow rate in µL/s for this call only.
func Rate(ulPerSecond float64) LiquidOption {
	return func(o *LiquidOptions) {
		o.FlowRate = ulPerSecond
	}
}

func collect(opts []LiquidOption) LiquidOptions {
	var o LiquidOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Model describes a pipette model's limits and default flow rates.
type Model struct {
	Name         string
	MinVolume    float64
	MaxVolume    float64
	AspirateRate float64
	DispenseRate float64
	BlowOutRate  float64
}

var models = map[string]Model{
	"p1000_single":      {Name: "p1000_single", MinVolume: 100, MaxVolume: 1000, AspirateRate: 150, DispenseRate: 300, BlowOutRate: 1000},
	"p1000_single_gen2": {Name: "p1000_single_gen2", MinVolume: 100, MaxVolume: 1000, AspirateRate: 274.7, DispenseRate: 274.7, BlowOutRate: 274.7},
	"p300_single_gen2":  {Name: "p300_single_gen2", MinVolume: 20, MaxVolume: 300, AspirateRate: 92.86, DispenseRate: 92.86, BlowOutRate: 92.86},
}

// LookupModel returns a known pipette model.
func LookupModel(name string) (Model, error) {
	m, ok := models[name]
	if !ok {
		return Model{}, fmt.Errorf("robot: unknown pipette model %q", name)
	}
	return m, nil
}

// Mounts accepted by LoadInstrument.
const (
	MountLeft  = "left"
	MountRight = "right"
)

// Temperature module models and the accepted range.
var moduleModels = map[string]struct{}{
	"tempdeck":                {},
	"temperature module":      {},
	"temperature module gen2": {},
}

const (
	MinCelsius = 4.0
	MaxCelsius = 95.0
)

// IsModuleModel reports whether model names a supported module.
func IsModuleModel(model string) bool {
	_, ok := moduleModels[model]
	return ok
}
