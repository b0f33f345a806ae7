package stage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/labware"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/robot/sim"
	"github.com/kingrea/labflow/internal/stage"
)

type fixture struct {
	exec  *sim.Executor
	pip   robot.Pipette
	plate *labware.Labware
	waste *labware.Labware
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	exec := sim.New()
	ctl, err := robot.NewController(exec)
	require.NoError(t, err)
	_, err = ctl.LoadLabware(ctx, robot.LabwareRequest{LoadName: "opentrons_96_filtertiprack_1000ul", Name: "tips", Slot: 4})
	require.NoError(t, err)
	plate, err := ctl.LoadLabware(ctx, robot.LabwareRequest{LoadName: "corning_6_wellplate_16.8ml_flat", Name: "plate", Slot: 5})
	require.NoError(t, err)
	waste, err := ctl.LoadLabware(ctx, robot.LabwareRequest{LoadName: "agilent_1_reservoir_290ml", Name: "waste", Slot: 11})
	require.NoError(t, err)
	pip, err := ctl.LoadInstrument(ctx, robot.InstrumentRequest{Model: "p1000_single", Mount: robot.MountRight, TipRacks: []string{"tips"}})
	require.NoError(t, err)
	return &fixture{exec: exec, pip: pip, plate: plate, waste: waste}
}

func (f *fixture) at(t *testing.T, lw *labware.Labware, label string) robot.Location {
	t.Helper()
	w, err := lw.Well(label)
	require.NoError(t, err)
	return robot.InWell(w, w.Bottom(1))
}

func TestWithTipDropsOnSuccessAndFailure(t *testing.T) {
	f := newFixture(t)
	h := stage.NewHandle(f.pip)
	ctx := context.Background()

	require.NoError(t, stage.WithTip(ctx, h, func() error { return nil }))
	boom := errors.New("boom")
	err := stage.WithTip(ctx, h, func() error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 2, f.exec.Count(robot.CmdPickUpTip))
	assert.Equal(t, 2, f.exec.Count(robot.CmdDropTip))
	assert.False(t, f.pip.State().TipAttached)
	assert.Equal(t, 2, h.Tally().Tips)
}

func TestWithTipDropsAfterCancel(t *testing.T) {
	f := newFixture(t)
	h := stage.NewHandle(f.pip)
	ctx, cancel := context.WithCancel(context.Background())

	err := stage.WithTip(ctx, h, func() error {
		cancel()
		return h.Aspirate(ctx, 100, robot.At(f.at(t, f.plate, "A1")))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.exec.Count(robot.CmdDropTip))
	assert.False(t, f.pip.State().TipAttached)
}

func TestWithTipJoinsDropFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.FailNth(robot.CmdDropTip, 1, nil)
	h := stage.NewHandle(f.pip)
	boom := errors.New("boom")

	err := stage.WithTip(context.Background(), h, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, sim.ErrInjected)
	assert.True(t, robot.IsHardware(err))
}

func TestWithTipSkipsBodyWithoutTip(t *testing.T) {
	f := newFixture(t)
	f.exec.FailNth(robot.CmdPickUpTip, 1, nil)
	h := stage.NewHandle(f.pip)
	called := false

	err := stage.WithTip(context.Background(), h, func() error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
	assert.Zero(t, f.exec.Count(robot.CmdDropTip))
}

func TestEachPolicies(t *testing.T) {
	cases := []struct {
		policy stage.TipPolicy
		tips   int
	}{
		{stage.TipPerStage, 1},
		{stage.TipPerWell, 4},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			f := newFixture(t)
			h := stage.NewHandle(f.pip)
			var seen []int
			err := stage.Each(context.Background(), h, tc.policy, 4, func(i int) error {
				assert.True(t, f.pip.State().TipAttached)
				seen = append(seen, i)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 2, 3}, seen)
			assert.Equal(t, tc.tips, f.exec.Count(robot.CmdPickUpTip))
			assert.Equal(t, tc.tips, f.exec.Count(robot.CmdDropTip))
		})
	}
}

func TestEachStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t)
	h := stage.NewHandle(f.pip)
	boom := errors.New("boom")
	calls := 0
	err := stage.Each(context.Background(), h, stage.TipPerWell, 6, func(i int) error {
		calls++
		if i == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, f.exec.Count(robot.CmdDropTip))
}

func TestEachWithNoItemsTouchesNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, stage.Each(context.Background(), stage.NewHandle(f.pip), stage.TipPerStage, 0, func(int) error { return nil }))
	assert.Empty(t, f.exec.Filter(robot.CmdPickUpTip))
}

func TestHandleTalliesByDestination(t *testing.T) {
	f := newFixture(t)
	h := stage.NewHandle(f.pip)
	ctx := context.Background()
	require.NoError(t, stage.WithTip(ctx, h, func() error {
		if err := h.Aspirate(ctx, 900, robot.At(f.at(t, f.plate, "A1"))); err != nil {
			return err
		}
		if err := h.Dispense(ctx, 1000, robot.At(f.at(t, f.waste, "A1"))); err != nil {
			return err
		}
		if err := h.Aspirate(ctx, 300, robot.At(f.at(t, f.plate, "A2"))); err != nil {
			return err
		}
		if err := h.Dispense(ctx, 100, robot.At(f.at(t, f.plate, "B2"))); err != nil {
			return err
		}
		if err := h.Mix(ctx, 3, 200); err != nil {
			return err
		}
		return h.BlowOut(ctx, robot.At(f.at(t, f.waste, "A1")))
	}))

	got := h.Tally()
	// The 3x200 mix happens in place at plate/B2.
	assert.Equal(t, 1800.0, got.Aspirated)
	assert.Equal(t, 1100.0, got.Dispensed["waste"])
	assert.Equal(t, 700.0, got.Dispensed["plate"])
	assert.Equal(t, 1800.0, got.TotalDispensed())
	assert.Equal(t, []string{"plate", "waste"}, got.Destinations())
	assert.Equal(t, 1, got.Mixes)
	assert.Equal(t, 1, got.Tips)
}

func TestTallyAdd(t *testing.T) {
	var total stage.Tally
	total.Add(stage.Tally{Aspirated: 10, Dispensed: map[string]float64{"waste": 10}, Tips: 1})
	total.Add(stage.Tally{Aspirated: 5, Dispensed: map[string]float64{"waste": 5, "plate": 0}, Mixes: 2})
	assert.Equal(t, 15.0, total.Aspirated)
	assert.Equal(t, map[string]float64{"waste": 15}, total.Dispensed)
	assert.Equal(t, 1, total.Tips)
	assert.Equal(t, 2, total.Mixes)
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	var out struct {
		Volume float64 `yaml:"volume"`
		Wells  []string
	}
	require.NoError(t, stage.Decode(stage.Config{"volume": 500, "wells": []any{"A1", "B2"}}, &out))
	assert.Equal(t, 500.0, out.Volume)
	assert.Equal(t, []string{"A1", "B2"}, out.Wells)

	err := stage.Decode(stage.Config{"volum": 1}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "volum")
}

func TestTipPolicyNormalize(t *testing.T) {
	p, err := stage.TipPolicy("").Normalize()
	require.NoError(t, err)
	assert.Equal(t, stage.TipPerStage, p)
	_, err = stage.TipPolicy("sometimes").Normalize()
	assert.Error(t, err)
}

type nopStage struct{ info stage.Info }

func (s nopStage) Info() stage.Info                                       { return s.info }
func (s nopStage) Check(*deck.Deck) error                                 { return nil }
func (s nopStage) Run(context.Context, *stage.Env) (stage.Result, error) { return stage.Result{}, nil }

func TestRegistry(t *testing.T) {
	reg := stage.NewRegistry()
	factory := func(info stage.Info, cfg stage.Config) (stage.Stage, error) {
		if cfg["fail"] == true {
			return nil, errors.New("bad config")
		}
		return nopStage{info: info}, nil
	}
	require.NoError(t, reg.Register(stage.KindPause, factory))
	assert.Error(t, reg.Register(stage.KindPause, factory))
	assert.Error(t, reg.Register("", factory))
	assert.Error(t, reg.Register(stage.KindDelay, nil))

	st, err := reg.Resolve(stage.Info{ID: "p1", Kind: stage.KindPause}, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", st.Info().Label())

	_, err = reg.Resolve(stage.Info{ID: "p2", Kind: stage.KindPause}, stage.Config{"fail": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage p2: bad config")

	_, err = reg.Resolve(stage.Info{ID: "x", Kind: stage.KindDelay}, nil)
	assert.Error(t, err)
	_, err = reg.Resolve(stage.Info{Kind: stage.KindPause}, nil)
	assert.Error(t, err)
	assert.Equal(t, []stage.Kind{stage.KindPause}, reg.Kinds())
}
