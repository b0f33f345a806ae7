package journal_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/labflow/internal/journal"
	"github.com/kingrea/labflow/internal/operator"
	"github.com/kingrea/labflow/internal/protocol"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/robot/sim"
	"github.com/kingrea/labflow/internal/sequencer"
	"github.com/kingrea/labflow/internal/stage"
	"github.com/kingrea/labflow/internal/stages"
)

func stores(t *testing.T) map[string]journal.Store {
	t.Helper()
	ctx := context.Background()
	out := map[string]journal.Store{"memory": journal.NewMemoryStore()}
	lite, err := journal.Open(ctx, journal.Options{Driver: journal.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "nested", "journal.db")})
	require.NoError(t, err)
	out["sqlite"] = lite
	if dsn := os.Getenv("LABFLOW_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := journal.Open(ctx, journal.Options{Driver: journal.DriverPostgres, PostgresDSN: dsn})
		require.NoError(t, err)
		out["postgres"] = pg
	}
	for _, s := range out {
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return out
}

func report(id string, started time.Time) sequencer.Report {
	r := sequencer.Report{
		RunID:     id,
		Protocol:  "media-change-without-wash",
		Name:      "media change",
		Status:    sequencer.StatusRunning,
		StartedAt: started,
	}
	r.Totals.Add(stage.Tally{Aspirated: 900, Dispensed: map[string]float64{"waste": 900}, Tips: 1})
	return r
}

func TestStoresRoundTripRunsAndEntries(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := name + "-older"
			require.NoError(t, store.SaveRun(ctx, report(id, base)))
			require.NoError(t, store.SaveRun(ctx, report(name+"-newer", base.Add(time.Hour))))

			done := report(id, base)
			done.Status = sequencer.StatusCompleted
			done.FinishedAt = base.Add(10 * time.Minute)
			require.NoError(t, store.SaveRun(ctx, done))

			got, err := store.Run(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, sequencer.StatusCompleted, got.Status)
			assert.Equal(t, 10*time.Minute, got.Duration())
			assert.Equal(t, 900.0, got.Totals.Dispensed["waste"])

			runs, err := store.Runs(ctx, 0)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, name+"-newer", runs[0].RunID)
			limited, err := store.Runs(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			cmd := robot.Command{Kind: robot.CmdAspirate, Target: "right", Volume: 500, FlowRate: 150,
				Location: &robot.Location{Labware: "culture", Well: "A1"}}
			require.NoError(t, store.Append(ctx, journal.Entry{RunID: id, Seq: 1, Time: base, Command: cmd}))
			require.NoError(t, store.Append(ctx, journal.Entry{RunID: id, Seq: 2, Time: base.Add(time.Second),
				Command: robot.Command{Kind: robot.CmdDropTip, Target: "right"}, Error: "stalled"}))

			entries, err := store.Entries(ctx, id)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, cmd, entries[0].Command)
			assert.True(t, base.Equal(entries[0].Time))
			assert.Equal(t, "stalled", entries[1].Error)

			_, err = store.Run(ctx, "missing")
			assert.ErrorIs(t, err, journal.ErrNotFound)
			_, err = store.Entries(ctx, "missing")
			assert.ErrorIs(t, err, journal.ErrNotFound)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := journal.Open(context.Background(), journal.Options{Driver: "etcd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver etcd")
}

func runRecorded(t *testing.T, exec *sim.Executor, store journal.Store) (sequencer.Report, error) {
	t.Helper()
	rec := journal.NewRecorder(store)
	ctl, err := robot.NewController(robot.Chain(exec, rec.Middleware()),
		robot.WithOperator(operator.AutoConfirm()), robot.WithSleeper(&operator.Skip{}))
	require.NoError(t, err)
	seq, err := sequencer.New(stages.NewRegistry(), ctl, sequencer.WithObservers(rec))
	require.NoError(t, err)
	lib, err := protocol.NewLibrary("")
	require.NoError(t, err)
	def, err := lib.Lookup("media-change-without-wash")
	require.NoError(t, err)
	rep, runErr := seq.Run(context.Background(), def)
	require.NoError(t, rec.Err())
	return rep, runErr
}

func TestRecorderJournalsEveryCommand(t *testing.T) {
	store := journal.NewMemoryStore()
	exec := sim.New()
	rep, err := runRecorded(t, exec, store)
	require.NoError(t, err)

	ctx := context.Background()
	saved, err := store.Run(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, sequencer.StatusCompleted, saved.Status)
	assert.Len(t, saved.Stages, 2)

	entries, err := store.Entries(ctx, rep.RunID)
	require.NoError(t, err)
	cmds := exec.Commands()
	require.Len(t, entries, len(cmds))
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
		assert.Equal(t, cmds[i].Kind, e.Command.Kind)
	}
	assert.Equal(t, robot.CmdLoadModule, entries[0].Command.Kind)
}

func TestRecorderKeepsFailedCommand(t *testing.T) {
	store := journal.NewMemoryStore()
	exec := sim.New()
	exec.FailNth(robot.CmdDispense, 1, nil)
	rep, err := runRecorded(t, exec, store)
	require.Error(t, err)

	ctx := context.Background()
	saved, err := store.Run(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, sequencer.StatusFailed, saved.Status)
	assert.NotEmpty(t, saved.Error)

	entries, err := store.Entries(ctx, rep.RunID)
	require.NoError(t, err)
	var failed []journal.Entry
	for _, e := range entries {
		if e.Error != "" {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, robot.CmdDispense, failed[0].Command.Kind)
	assert.Equal(t, robot.CmdDropTip, entries[len(entries)-1].Command.Kind)
}
