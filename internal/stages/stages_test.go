package stages_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/operator"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/robot/sim"
	"github.com/kingrea/labflow/internal/stage"
	"github.com/kingrea/labflow/internal/stages"
)

type bench struct {
	exec    *sim.Executor
	ctl     *robot.Controller
	deck    *deck.Deck
	skip    *operator.Skip
	prompts []string
}

func newBench(t *testing.T) *bench {
	t.Helper()
	b := &bench{exec: sim.New(), skip: &operator.Skip{}}
	op := operator.Func(func(_ context.Context, p operator.Prompt) error {
		b.prompts = append(b.prompts, p.Message)
		return nil
	})
	ctl, err := robot.NewController(b.exec, robot.WithOperator(op), robot.WithSleeper(b.skip))
	require.NoError(t, err)
	b.ctl = ctl
	cfg := deck.Config{
		Labware: []deck.LabwareSpec{
			{Name: "plate", LoadName: "corning_6_wellplate_16.8ml_flat", Slot: 5},
			{Name: "reservoir", LoadName: "usascientific_12_reservoir_22ml", Slot: 2},
			{Name: "tubes", LoadName: "opentrons_15_tuberack_falcon_15ml_conical", Slot: 8},
			{Name: "waste", LoadName: "agilent_1_reservoir_290ml", Slot: 11},
			{Name: "tips", LoadName: "opentrons_96_filtertiprack_1000ul", Slot: 4},
		},
		Pipette: deck.PipetteSpec{Model: "p1000_single", Mount: robot.MountRight, TipRacks: []string{"tips"}},
		Reagents: map[string]deck.ReagentSpec{
			"waste": {Labware: "waste", Well: "A1"},
			"pbs":   {Labware: "reservoir", Well: "A1"},
			"media": {Labware: "reservoir", Well: "A4"},
			"cells": {Labware: "tubes", Well: "A1"},
		},
	}
	d, err := deck.Bind(context.Background(), ctl, cfg)
	require.NoError(t, err)
	b.deck = d
	b.exec.Reset()
	return b
}

func (b *bench) build(t *testing.T, factory stage.Factory, cfg stage.Config) stage.Stage {
	t.Helper()
	st, err := factory(stage.Info{ID: "s1"}, cfg)
	require.NoError(t, err)
	require.NoError(t, st.Check(b.deck))
	return st
}

func (b *bench) run(t *testing.T, factory stage.Factory, cfg stage.Config) (stage.Result, error) {
	t.Helper()
	return b.build(t, factory, cfg).Run(context.Background(), &stage.Env{Robot: b.ctl, Deck: b.deck})
}

func labels(cmds []robot.Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Location.Well)
	}
	return out
}

func TestBulkRemoveEmptiesEveryWellIntoWaste(t *testing.T) {
	b := newBench(t)
	res, err := b.run(t, stages.NewBulkRemove, stage.Config{
		"plate": "plate", "volume": 1000, "repeats": 2, "dispense_rate": 500,
	})
	require.NoError(t, err)

	assert.Equal(t, 12, b.exec.Count(robot.CmdAspirate))
	assert.Equal(t, 12, b.exec.Count(robot.CmdDispense))
	assert.Equal(t, 1, b.exec.Count(robot.CmdPickUpTip))
	assert.Equal(t, 1, b.exec.Count(robot.CmdDropTip))
	assert.Equal(t, 12000.0, b.exec.Volume(robot.CmdDispense, "waste"))
	assert.Equal(t, 12000.0, res.Tally.Dispensed["waste"])
	assert.Equal(t, stage.StatusCompleted, res.Status)
	assert.Equal(t, 6, res.Wells)

	asp := b.exec.Filter(robot.CmdAspirate)
	assert.Equal(t, []string{"A1", "A1", "A2", "A2", "A3", "A3", "B1", "B1", "B2", "B2", "B3", "B3"}, labels(asp))

	r, err := b.deck.Resolver("plate")
	require.NoError(t, err)
	b2, err := r.Resolve("B2")
	require.NoError(t, err)
	assert.Equal(t, b2.Bottom(), asp[8].Location.Point)
}

func TestRemoveRatesDoNotLeakIntoNextStage(t *testing.T) {
	b := newBench(t)
	_, err := b.run(t, stages.NewBulkRemove, stage.Config{"plate": "plate", "wells": []string{"A1"}, "volume": 1000, "dispense_rate": 500})
	require.NoError(t, err)
	_, err = b.run(t, stages.NewWashRemove, stage.Config{"plate": "plate", "wells": []string{"A1"}, "volume": 550})
	require.NoError(t, err)

	disp := b.exec.Filter(robot.CmdDispense)
	require.Len(t, disp, 2)
	assert.Equal(t, 500.0, disp[0].FlowRate)
	assert.Equal(t, 300.0, disp[1].FlowRate)
	asp := b.exec.Filter(robot.CmdAspirate)
	assert.Equal(t, 150.0, asp[1].FlowRate)
}

func TestRemoveFailureReleasesTipOnce(t *testing.T) {
	b := newBench(t)
	b.exec.FailNth(robot.CmdAspirate, 3, nil)
	res, err := b.run(t, stages.NewBulkRemove, stage.Config{"plate": "plate", "volume": 1000})
	require.Error(t, err)
	assert.ErrorIs(t, err, sim.ErrInjected)
	assert.Contains(t, err.Error(), "well A3")
	assert.Equal(t, stage.StatusFailed, res.Status)
	assert.Equal(t, 1, b.exec.Count(robot.CmdPickUpTip))
	assert.Equal(t, 1, b.exec.Count(robot.CmdDropTip))
	assert.Equal(t, 2, b.exec.Count(robot.CmdAspirate))
	assert.False(t, b.deck.Pipette().State().TipAttached)
}

func TestRemovePerWellTips(t *testing.T) {
	b := newBench(t)
	_, err := b.run(t, stages.NewBulkRemove, stage.Config{"plate": "plate", "volume": 500, "tip": "per-well", "blow_out": false})
	require.NoError(t, err)
	assert.Equal(t, 6, b.exec.Count(robot.CmdPickUpTip))
	assert.Equal(t, 6, b.exec.Count(robot.CmdDropTip))
	assert.Zero(t, b.exec.Count(robot.CmdBlowOut))
}

func TestWashRemoveRejectsRepeats(t *testing.T) {
	_, err := stages.NewWashRemove(stage.Info{ID: "w"}, stage.Config{"plate": "plate", "volume": 550, "repeats": 2})
	assert.Error(t, err)
}

func TestWashAddPassesAndPositions(t *testing.T) {
	b := newBench(t)
	res, err := b.run(t, stages.NewWashAdd, stage.Config{
		"plate": "plate", "source": "media", "volume": 925, "dispense_volume": 1000,
		"passes": 2, "position": "left", "dispense_rate": 250,
	})
	require.NoError(t, err)

	asp := b.exec.Filter(robot.CmdAspirate)
	require.Len(t, asp, 12)
	for _, c := range asp {
		assert.Equal(t, "reservoir", c.Location.Labware)
		assert.Equal(t, "A4", c.Location.Well)
	}
	disp := b.exec.Filter(robot.CmdDispense)
	require.Len(t, disp, 12)
	assert.Equal(t, 925.0, disp[0].Volume)
	assert.Equal(t, 250.0, disp[0].FlowRate)
	assert.Equal(t, []string{"A1", "A2", "A3", "B1", "B2", "B3", "A1", "A2", "A3", "B1", "B2", "B3"}, labels(disp))

	r, err := b.deck.Resolver("plate")
	require.NoError(t, err)
	a1, err := r.Resolve("A1")
	require.NoError(t, err)
	assert.Equal(t, a1.Left(), disp[0].Location.Point)
	assert.Equal(t, 11100.0, res.Tally.Dispensed["plate"])
	assert.Equal(t, 1, res.Tally.Tips)
}

func TestWashAddCyclesPerWell(t *testing.T) {
	b := newBench(t)
	res, err := b.run(t, stages.NewWashAdd, stage.Config{
		"plate": "plate", "wells": []string{"A1", "A2"}, "source": "pbs", "volume": 250,
		"tip": "per-well", "cycles": map[string]any{"count": 5, "volume": 700},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, b.exec.Count(robot.CmdPickUpTip))
	assert.Equal(t, 12, b.exec.Count(robot.CmdAspirate))
	assert.Equal(t, 2*(250+5*700.0), res.Tally.Aspirated)
	assert.Equal(t, 2*(250+5*700.0), res.Tally.Dispensed["plate"])
}

func TestMixTransferVolumes(t *testing.T) {
	b := newBench(t)
	res, err := b.run(t, stages.NewMixTransfer, stage.Config{
		"plate": "plate", "wells": []string{"A1", "A2"}, "destination": "cells",
		"destination_height": 15, "transfer_volume": 520, "cycles": 5, "mix_volume": 450,
		"dispense_rate": 300,
	})
	require.NoError(t, err)

	assert.Equal(t, 2*(520+5*450.0), res.Tally.Aspirated)
	assert.Equal(t, 2*520.0, res.Tally.Dispensed["tubes"])
	assert.Equal(t, 2*5*450.0, res.Tally.Dispensed["plate"])
	assert.Equal(t, 1040.0, b.exec.Volume(robot.CmdDispense, "tubes"))

	src, err := b.deck.Reagent("cells")
	require.NoError(t, err)
	for _, c := range b.exec.Filter(robot.CmdDispense) {
		if c.Location.Labware == "tubes" {
			assert.Equal(t, src.Well.Bottom(15), c.Location.Point)
		}
	}
	r, err := b.deck.Resolver("plate")
	require.NoError(t, err)
	a1, err := r.Resolve("A1")
	require.NoError(t, err)
	asp := b.exec.Filter(robot.CmdAspirate)
	assert.Equal(t, a1.Bottom(), asp[5].Location.Point)
	assert.Equal(t, 520.0, asp[5].Volume)
}

func TestMixTransferWithMixCommands(t *testing.T) {
	b := newBench(t)
	res, err := b.run(t, stages.NewMixTransfer, stage.Config{
		"plate": "plate", "destination": "cells", "destination_height": 15, "transfer_volume": 750,
		"in_place_mix":    map[string]any{"repeats": 1, "volume": 700},
		"destination_mix": map[string]any{"repeats": 2, "volume": 1000, "height": 15},
		"tip":             "per-well",
	})
	require.NoError(t, err)
	assert.Equal(t, 12, b.exec.Count(robot.CmdMix))
	assert.Equal(t, 6, b.exec.Count(robot.CmdDropTip))
	assert.Equal(t, 6*(700+750+2*1000.0), res.Tally.Aspirated)
	assert.Equal(t, 6*700.0, res.Tally.Dispensed["plate"])
	assert.Equal(t, 6*(750+2*1000.0), res.Tally.Dispensed["tubes"])
	assert.Equal(t, 6*750.0, b.exec.Volume(robot.CmdDispense, "tubes"))
	assert.Equal(t, 12, res.Tally.Mixes)
}

func TestMixTransferNeedsMixVolume(t *testing.T) {
	_, err := stages.NewMixTransfer(stage.Info{ID: "m"}, stage.Config{"plate": "plate", "destination": "cells", "transfer_volume": 500, "cycles": 3})
	assert.Error(t, err)
}

func TestResuspendCycles(t *testing.T) {
	b := newBench(t)
	res, err := b.run(t, stages.NewResuspend, stage.Config{
		"source": "media", "destination": "cells", "volume": 1000, "dispense_height": 15,
		"cycles": map[string]any{
			"count": 5, "aspirate_volume": 900, "aspirate_height": 5,
			"dispense_volume": 1000, "dispense_height": 15,
		},
		"dispense_rate": 250,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, b.exec.Count(robot.CmdAspirate))
	assert.Equal(t, 1000+5*900.0, res.Tally.Aspirated)
	assert.Equal(t, 1000+5*900.0, res.Tally.Dispensed["tubes"])
	for _, c := range b.exec.Filter(robot.CmdDispense) {
		assert.Equal(t, 250.0, c.FlowRate)
	}
}

func TestResuspendPerAdditionTips(t *testing.T) {
	b := newBench(t)
	_, err := b.run(t, stages.NewResuspend, stage.Config{
		"source": "media", "destination": "cells", "volume": 1000, "additions": 6,
		"mix": map[string]any{"repeats": 2, "volume": 950, "height": 15}, "tip": "per-well",
	})
	require.NoError(t, err)
	assert.Equal(t, 6, b.exec.Count(robot.CmdPickUpTip))
	assert.Equal(t, 6, b.exec.Count(robot.CmdMix))
	assert.Equal(t, 6000.0, b.exec.Volume(robot.CmdDispense, "tubes"))
}

func TestDistributeSingleAspirate(t *testing.T) {
	b := newBench(t)
	res, err := b.run(t, stages.NewDistribute, stage.Config{
		"plate": "plate", "source": "cells", "source_height": 2, "aspirate_volume": 600,
		"volume": 100, "dispense_rate": 125,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.exec.Count(robot.CmdAspirate))
	assert.Equal(t, 6, b.exec.Count(robot.CmdDispense))
	assert.Equal(t, 1, b.exec.Count(robot.CmdBlowOut))
	assert.Equal(t, 600.0, res.Tally.Dispensed["plate"])

	cmds := b.exec.Commands()
	assert.Equal(t, robot.CmdBlowOut, cmds[len(cmds)-2].Kind)
	assert.Equal(t, robot.CmdDropTip, cmds[len(cmds)-1].Kind)
}

func TestDistributeCheckRejectsShortAspirate(t *testing.T) {
	b := newBench(t)
	st, err := stages.NewDistribute(stage.Info{ID: "d"}, stage.Config{"plate": "plate", "source": "cells", "aspirate_volume": 500, "volume": 100})
	require.NoError(t, err)
	assert.Error(t, st.Check(b.deck))
}

func TestWellMixAtHeight(t *testing.T) {
	b := newBench(t)
	_, err := b.run(t, stages.NewWellMix, stage.Config{"plate": "plate", "repeats": 3, "volume": 400, "height": 3, "dispense_rate": 250})
	require.NoError(t, err)
	mixes := b.exec.Filter(robot.CmdMix)
	require.Len(t, mixes, 6)
	lw, err := b.deck.Labware("plate")
	require.NoError(t, err)
	b3, err := lw.Well("B3")
	require.NoError(t, err)
	assert.Equal(t, b3.Bottom(3), mixes[5].Location.Point)
	assert.Equal(t, 3, mixes[5].Repeats)
	assert.Equal(t, 250.0, mixes[5].FlowRate)
}

func TestPauseThenDelay(t *testing.T) {
	b := newBench(t)
	_, err := b.run(t, stages.NewPause, stage.Config{"message": "Incubate", "delay": "7m"})
	require.NoError(t, err)
	_, err = b.run(t, stages.NewDelay, stage.Config{"duration": "4m"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Incubate"}, b.prompts)
	assert.Equal(t, []time.Duration{7 * time.Minute, 4 * time.Minute}, b.skip.Calls())
	assert.Zero(t, b.exec.Count(robot.CmdPickUpTip))
}

func TestPauseSurfacesOperatorError(t *testing.T) {
	b := newBench(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := b.build(t, stages.NewPause, stage.Config{"message": "Spin"})
	res, err := st.Run(ctx, &stage.Env{Robot: b.ctl, Deck: b.deck})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, stage.StatusFailed, res.Status)
}

func TestConfigErrors(t *testing.T) {
	cases := []struct {
		name    string
		factory stage.Factory
		cfg     stage.Config
	}{
		{"unknown key", stages.NewBulkRemove, stage.Config{"plate": "plate", "volume": 1, "volumes": 2}},
		{"missing plate", stages.NewBulkRemove, stage.Config{"volume": 1000}},
		{"zero volume", stages.NewWashAdd, stage.Config{"plate": "plate", "source": "pbs"}},
		{"bad position", stages.NewWashAdd, stage.Config{"plate": "plate", "source": "pbs", "volume": 1, "position": "bottom"}},
		{"bad tip", stages.NewWellMix, stage.Config{"plate": "plate", "repeats": 1, "volume": 1, "tip": "never"}},
		{"negative rate", stages.NewBulkRemove, stage.Config{"plate": "plate", "volume": 1, "dispense_rate": -1}},
		{"empty pause", stages.NewPause, stage.Config{}},
		{"zero delay", stages.NewDelay, stage.Config{}},
		{"mix and cycles", stages.NewResuspend, stage.Config{
			"source": "media", "destination": "cells", "volume": 1,
			"mix":    map[string]any{"repeats": 1, "volume": 1},
			"cycles": map[string]any{"count": 1, "aspirate_volume": 1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.factory(stage.Info{ID: "x"}, tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestCheckCatchesDeckProblems(t *testing.T) {
	b := newBench(t)
	cases := []struct {
		name    string
		factory stage.Factory
		cfg     stage.Config
	}{
		{"unknown plate", stages.NewBulkRemove, stage.Config{"plate": "dish", "volume": 100}},
		{"unknown well", stages.NewBulkRemove, stage.Config{"plate": "plate", "wells": []string{"C1"}, "volume": 100}},
		{"unknown waste", stages.NewBulkRemove, stage.Config{"plate": "plate", "volume": 100, "waste": "bin"}},
		{"over capacity", stages.NewBulkRemove, stage.Config{"plate": "plate", "volume": 1200}},
		{"unknown source", stages.NewWashAdd, stage.Config{"plate": "plate", "source": "trypsin", "volume": 500}},
		{"unknown destination", stages.NewMixTransfer, stage.Config{"plate": "plate", "destination": "tube_9", "transfer_volume": 500}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, err := tc.factory(stage.Info{ID: "x"}, tc.cfg)
			require.NoError(t, err)
			assert.Error(t, st.Check(b.deck))
		})
	}
	assert.Empty(t, b.exec.Commands())
}

func TestRegistryHasEveryKind(t *testing.T) {
	reg := stages.NewRegistry()
	assert.Len(t, reg.Kinds(), 9)
	st, err := reg.Resolve(stage.Info{ID: "wait", Kind: stage.KindDelay}, stage.Config{"duration": "1s"})
	require.NoError(t, err)
	assert.Equal(t, stage.KindDelay, st.Info().Kind)
}
