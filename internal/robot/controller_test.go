package robot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/labflow/internal/operator"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/robot/sim"
)

type rig struct {
	exec  *sim.Executor
	ctl   *robot.Controller
	pip   robot.Pipette
	plate robot.Location
	skip  *operator.Skip
}

func newRig(t *testing.T, opts ...robot.Option) *rig {
	t.Helper()
	ctx := context.Background()
	exec := sim.New()
	skip := &operator.Skip{}
	base := []robot.Option{robot.WithOperator(operator.AutoConfirm()), robot.WithSleeper(skip)}
	ctl, err := robot.NewController(exec, append(base, opts...)...)
	require.NoError(t, err)
	_, err = ctl.LoadLabware(ctx, robot.LabwareRequest{LoadName: "opentrons_96_filtertiprack_1000ul", Name: "tips", Slot: 4})
	require.NoError(t, err)
	plate, err := ctl.LoadLabware(ctx, robot.LabwareRequest{LoadName: "corning_6_wellplate_16.8ml_flat", Name: "plate", Slot: 5})
	require.NoError(t, err)
	pip, err := ctl.LoadInstrument(ctx, robot.InstrumentRequest{Model: "p1000_single", Mount: robot.MountRight, TipRacks: []string{"tips"}})
	require.NoError(t, err)
	a1, err := plate.Well("A1")
	require.NoError(t, err)
	return &rig{exec: exec, ctl: ctl, pip: pip, plate: robot.InWell(a1, a1.Bottom(1)), skip: skip}
}

func TestLiquidCommandsNeedTip(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	assert.ErrorIs(t, r.pip.Aspirate(ctx, 100, robot.At(r.plate)), robot.ErrNoTip)
	assert.ErrorIs(t, r.pip.Dispense(ctx, 100, robot.At(r.plate)), robot.ErrNoTip)
	assert.ErrorIs(t, r.pip.DropTip(ctx), robot.ErrNoTip)

	require.NoError(t, r.pip.PickUpTip(ctx))
	assert.ErrorIs(t, r.pip.PickUpTip(ctx), robot.ErrTipAttached)
	assert.True(t, r.pip.State().TipAttached)
}

func TestTipsComeFromColumnsInOrder(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	var wells []string
	for i := 0; i < 9; i++ {
		require.NoError(t, r.pip.PickUpTip(ctx))
		require.NoError(t, r.pip.DropTip(ctx))
	}
	for _, cmd := range r.exec.Filter(robot.CmdPickUpTip) {
		wells = append(wells, cmd.Location.Well)
	}
	assert.Equal(t, []string{"A1", "B1", "C1", "D1", "E1", "F1", "G1", "H1", "A2"}, wells)
}

func TestTipRackExhaustion(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	for i := 0; i < 96; i++ {
		require.NoError(t, r.pip.PickUpTip(ctx))
		require.NoError(t, r.pip.DropTip(ctx))
	}
	assert.ErrorIs(t, r.pip.PickUpTip(ctx), robot.ErrOutOfTips)
}

func TestCapacityAndClamp(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.pip.PickUpTip(ctx))
	require.NoError(t, r.pip.Aspirate(ctx, 900, robot.At(r.plate)))
	assert.ErrorIs(t, r.pip.Aspirate(ctx, 200), robot.ErrOverCapacity)

	require.NoError(t, r.pip.Dispense(ctx, 1000, robot.Rate(250)))
	dispenses := r.exec.Filter(robot.CmdDispense)
	require.Len(t, dispenses, 1)
	assert.Equal(t, 900.0, dispenses[0].Volume)
	assert.Equal(t, 250.0, dispenses[0].FlowRate)
	assert.Zero(t, r.pip.State().Volume)
}

func TestFlowRateIsPerCall(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.pip.PickUpTip(ctx))
	require.NoError(t, r.pip.Aspirate(ctx, 500, robot.At(r.plate)))
	require.NoError(t, r.pip.Dispense(ctx, 250, robot.Rate(125)))
	require.NoError(t, r.pip.Dispense(ctx, 250))
	dispenses := r.exec.Filter(robot.CmdDispense)
	require.Len(t, dispenses, 2)
	assert.Equal(t, 125.0, dispenses[0].FlowRate)
	assert.Equal(t, r.pip.Model().DispenseRate, dispenses[1].FlowRate)
}

func TestLiquidCommandNeedsLocation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.pip.PickUpTip(ctx))
	require.NoError(t, r.pip.DropTip(ctx))
	require.NoError(t, r.pip.PickUpTip(ctx))
	// pick-up leaves the pipette over the tip rack, so a located aspirate works
	require.NoError(t, r.pip.Aspirate(ctx, 100))
	assert.Equal(t, "tips", r.exec.Filter(robot.CmdAspirate)[0].Location.Labware)
}

func TestResetClearsRunState(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.pip.PickUpTip(ctx))
	require.NoError(t, r.pip.Aspirate(ctx, 300, robot.At(r.plate)))
	require.NoError(t, r.pip.Dispense(ctx, 100, robot.Rate(50)))
	r.ctl.Reset()
	state := r.pip.State()
	assert.False(t, state.TipAttached)
	assert.Zero(t, state.Volume)
	assert.Equal(t, r.pip.Model().DispenseRate, state.FlowRate)
	assert.Nil(t, state.Location)
}

func TestExecutorFailureIsHardwareError(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.exec.FailNth(robot.CmdMoveTo, 1, errors.New("stall"))
	err := r.pip.MoveTo(ctx, r.plate)
	require.Error(t, err)
	assert.True(t, robot.IsHardware(err))
	var hw *robot.HardwareError
	require.True(t, errors.As(err, &hw))
	assert.Equal(t, robot.CmdMoveTo, hw.Command.Kind)
	assert.Nil(t, r.pip.State().Location)
}

func TestPauseAndDelayUseOperatorAndSleeper(t *testing.T) {
	var prompts []operator.Prompt
	op := operator.Func(func(_ context.Context, p operator.Prompt) error {
		prompts = append(prompts, p)
		return nil
	})
	r := newRig(t, robot.WithOperator(op))
	ctx := context.Background()
	require.NoError(t, r.ctl.Pause(ctx, "spin the tube"))
	require.NoError(t, r.ctl.Delay(ctx, 7*time.Minute))
	require.Len(t, prompts, 1)
	assert.Equal(t, "spin the tube", prompts[0].Message)
	assert.NotEmpty(t, prompts[0].ID)
	assert.Equal(t, 7*time.Minute, r.skip.Total())
	assert.Equal(t, 1, r.exec.Count(robot.CmdPause))
	assert.Equal(t, 1, r.exec.Count(robot.CmdDelay))
}

func TestPauseWithoutOperatorFails(t *testing.T) {
	ctl, err := robot.NewController(sim.New())
	require.NoError(t, err)
	assert.Error(t, ctl.Pause(context.Background(), "hello"))
}

func TestDeckBookkeeping(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	_, err := r.ctl.LoadLabware(ctx, robot.LabwareRequest{LoadName: "agilent_1_reservoir_290ml", Name: "waste", Slot: 5})
	assert.Error(t, err, "slot 5 is taken")

	mod, err := r.ctl.LoadModule(ctx, robot.ModuleRequest{Model: "temperature module gen2", Name: "incubator", Slot: 10})
	require.NoError(t, err)
	lw, err := r.ctl.LoadLabware(ctx, robot.LabwareRequest{LoadName: "corning_6_wellplate_16.8ml_flat", Name: "warm", Module: "incubator"})
	require.NoError(t, err)
	assert.Equal(t, 10, lw.Slot)
	assert.True(t, lw.OnModule)
	_, err = r.ctl.LoadLabware(ctx, robot.LabwareRequest{LoadName: "corning_6_wellplate_16.8ml_flat", Name: "warm2", Module: "incubator"})
	assert.Error(t, err)

	assert.Error(t, mod.SetTemperature(ctx, 120))
	require.NoError(t, mod.SetTemperature(ctx, 37))
	c, ok := r.exec.Temperature("incubator")
	require.True(t, ok)
	assert.Equal(t, 37.0, c)

	_, err = r.ctl.LoadInstrument(ctx, robot.InstrumentRequest{Model: "p1000_single", Mount: robot.MountRight, TipRacks: []string{"tips"}})
	assert.Error(t, err, "mount in use")
	_, err = r.ctl.LoadInstrument(ctx, robot.InstrumentRequest{Model: "p1000_single", Mount: robot.MountLeft, TipRacks: []string{"plate"}})
	assert.Error(t, err, "plate is not a tip rack")
}

func TestTapSeesEveryCommand(t *testing.T) {
	var seen []robot.CommandKind
	exec := robot.Chain(sim.New(), robot.Tap(func(_ context.Context, cmd robot.Command, err error) {
		if err == nil {
			seen = append(seen, cmd.Kind)
		}
	}))
	ctl, err := robot.NewController(exec)
	require.NoError(t, err)
	require.NoError(t, ctl.Comment(context.Background(), "hello"))
	require.NoError(t, ctl.SetRailLights(context.Background(), true))
	assert.Equal(t, []robot.CommandKind{robot.CmdComment, robot.CmdSetRailLights}, seen)
}
