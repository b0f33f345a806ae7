package robot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/labware"
	"github.com/kingrea/labflow/internal/operator"
)

// Controller implements Robot by turning calls into Commands for an
// Executor. It owns deck bookkeeping and pipette run state.
type Controller struct {
	exec     Executor
	catalog  *labware.Catalog
	operator operator.Operator
	sleeper  operator.Sleeper
	logger   *zap.Logger
	clock    func() time.Time

	mu       sync.Mutex
	slots    map[int]string
	labware  map[string]*labware.Labware
	modules  map[string]*temperatureModule
	pipettes map[string]*pipette
}

// Option customizes a Controller.
type Option func(*Controller)

// WithCatalog overrides the built-in labware catalog.
func WithCatalog(c *labware.Catalog) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.catalog = c
		}
	}
}

// WithOperator sets who acknowledges pauses.
func WithOperator(op operator.Operator) Option {
	return func(ctl *Controller) {
		if op != nil {
			ctl.operator = op
		}
	}
}

// WithSleeper overrides the wall-clock sleeper used by Delay.
func WithSleeper(s operator.Sleeper) Option {
	return func(ctl *Controller) {
		if s != nil {
			ctl.sleeper = s
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) {
		if l != nil {
			ctl.logger = l
		}
	}
}

// WithClock allows tests to control prompt timestamps.
func WithClock(clock func() time.Time) Option {
	return func(ctl *Controller) {
		if clock != nil {
			ctl.clock = clock
		}
	}
}

// NewController builds a controller around exec.
func NewController(exec Executor, opts ...Option) (*Controller, error) {
	if exec == nil {
		return nil, fmt.Errorf("robot: executor is required")
	}
	ctl := &Controller{
		exec:     exec,
		sleeper:  operator.Timer(),
		logger:   zap.NewNop(),
		clock:    func() time.Time { return time.Now().UTC() },
		slots:    map[int]string{},
		labware:  map[string]*labware.Labware{},
		modules:  map[string]*temperatureModule{},
		pipettes: map[string]*pipette{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ctl)
		}
	}
	if ctl.catalog == nil {
		cat, err := labware.Builtin()
		if err != nil {
			return nil, err
		}
		ctl.catalog = cat
	}
	return ctl, nil
}

func (c *Controller) run(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.exec.Execute(ctx, cmd); err != nil {
		return &HardwareError{Command: cmd, Err: err}
	}
	return nil
}

// LoadLabware places labware on the deck.
func (c *Controller) LoadLabware(ctx context.Context, req LabwareRequest) (*labware.Labware, error) {
	def, err := c.catalog.Lookup(req.LoadName)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.LoadName
	}
	slot := req.Slot
	onModule := false
	c.mu.Lock()
	if req.Module != "" {
		mod, ok := c.modules[req.Module]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("robot: module %s is not loaded", req.Module)
		}
		if mod.labware != "" {
			c.mu.Unlock()
			return nil, fmt.Errorf("robot: module %s already holds %s", req.Module, mod.labware)
		}
		slot = mod.slot
		onModule = true
	} else if occupant, taken := c.slots[slot]; taken {
		c.mu.Unlock()
		return nil, fmt.Errorf("robot: slot %d already holds %s", slot, occupant)
	}
	if _, exists := c.labware[name]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("robot: labware %s already loaded", name)
	}
	c.mu.Unlock()

	lw, err := labware.Place(def, name, slot, onModule)
	if err != nil {
		return nil, err
	}
	cmd := Command{Kind: CmdLoadLabware, Target: name, LoadName: req.LoadName, Slot: slot}
	if err := c.run(ctx, cmd); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labware[name] = lw
	if onModule {
		c.modules[req.Module].labware = name
	} else {
		c.slots[slot] = name
	}
	return lw, nil
}

// LoadModule places a temperature module on the deck.
func (c *Controller) LoadModule(ctx context.Context, req ModuleRequest) (TemperatureModule, error) {
	if !IsModuleModel(req.Model) {
		return nil, fmt.Errorf("robot: unknown module model %q", req.Model)
	}
	if _, err := labware.SlotOrigin(req.Slot); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s@%d", req.Model, req.Slot)
	}
	c.mu.Lock()
	if occupant, taken := c.slots[req.Slot]; taken {
		c.mu.Unlock()
		return nil, fmt.Errorf("robot: slot %d already holds %s", req.Slot, occupant)
	}
	if _, exists := c.modules[name]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("robot: module %s already loaded", name)
	}
	c.mu.Unlock()

	cmd := Command{Kind: CmdLoadModule, Target: name, LoadName: req.Model, Slot: req.Slot}
	if err := c.run(ctx, cmd); err != nil {
		return nil, err
	}
	mod := &temperatureModule{ctl: c, name: name, slot: req.Slot}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules[name] = mod
	c.slots[req.Slot] = name
	return mod, nil
}

// LoadInstrument mounts a pipette.
func (c *Controller) LoadInstrument(ctx context.Context, req InstrumentRequest) (Pipette, error) {
	model, err := LookupModel(req.Model)
	if err != nil {
		return nil, err
	}
	if req.Mount != MountLeft && req.Mount != MountRight {
		return nil, fmt.Errorf("robot: mount must be %q or %q", MountLeft, MountRight)
	}
	c.mu.Lock()
	if _, taken := c.pipettes[req.Mount]; taken {
		c.mu.Unlock()
		return nil, fmt.Errorf("robot: %s mount already in use", req.Mount)
	}
	racks := make([]*labware.Labware, 0, len(req.TipRacks))
	for _, name := range req.TipRacks {
		lw, ok := c.labware[name]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("robot: tip rack %s is not loaded", name)
		}
		if lw.Definition.Kind != labware.KindTipRack {
			c.mu.Unlock()
			return nil, fmt.Errorf("robot: %s is not a tip rack", name)
		}
		racks = append(racks, lw)
	}
	c.mu.Unlock()
	if len(racks) == 0 {
		return nil, fmt.Errorf("robot: pipette %s needs at least one tip rack", req.Model)
	}

	cmd := Command{Kind: CmdLoadInstrument, Target: req.Model, LoadName: req.Model, Mount: req.Mount}
	if err := c.run(ctx, cmd); err != nil {
		return nil, err
	}
	p := &pipette{ctl: c, model: model, mount: req.Mount, tips: newTipQueue(racks)}
	p.state.FlowRate = model.DispenseRate
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipettes[req.Mount] = p
	return p, nil
}

// SetRailLights toggles the deck lights.
func (c *Controller) SetRailLights(ctx context.Context, on bool) error {
	return c.run(ctx, Command{Kind: CmdSetRailLights, Enabled: on})
}

// Pause records the pause and waits for the operator.
func (c *Controller) Pause(ctx context.Context, msg string) error {
	if c.operator == nil {
		return errors.New("robot: no operator configured for pause")
	}
	if err := c.run(ctx, Command{Kind: CmdPause, Message: msg}); err != nil {
		return err
	}
	c.logger.Info("waiting for operator", zap.String("message", msg))
	prompt := operator.Prompt{ID: uuid.NewString(), Message: msg, IssuedAt: c.clock()}
	if err := c.operator.Confirm(ctx, prompt); err != nil {
		return fmt.Errorf("robot: pause %q: %w", msg, err)
	}
	c.logger.Info("operator resumed run", zap.String("prompt", prompt.ID))
	return nil
}

// Delay records the delay and waits it out.
func (c *Controller) Delay(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("robot: negative delay %s", d)
	}
	if err := c.run(ctx, Command{Kind: CmdDelay, Duration: d}); err != nil {
		return err
	}
	return c.sleeper.Sleep(ctx, d)
}

// Comment records an operator-visible note.
func (c *Controller) Comment(ctx context.Context, msg string) error {
	return c.run(ctx, Command{Kind: CmdComment, Message: msg})
}

// Reset clears run state on every pipette.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pipettes {
		p.reset()
	}
}

// Labware returns a loaded labware by name.
func (c *Controller) Labware(name string) (*labware.Labware, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lw, ok := c.labware[name]
	return lw, ok
}

type temperatureModule struct {
	ctl     *Controller
	name    string
	slot    int
	labware string
}

func (m *temperatureModule) Name() string { return m.name }
func (m *temperatureModule) Slot() int    { return m.slot }

func (m *temperatureModule) SetTemperature(ctx context.Context, celsius float64) error {
	if celsius < MinCelsius || celsius > MaxCelsius {
		return fmt.Errorf("robot: %s: %.1fC outside %.0f..%.0fC", m.name, celsius, MinCelsius, MaxCelsius)
	}
	return m.ctl.run(ctx, Command{Kind: CmdSetTemperature, Target: m.name, Celsius: celsius, Slot: m.slot})
}
