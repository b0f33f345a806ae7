package logbook

import (
	"context"
	"fmt"
	"sync"

	"github.com/kingrea/labflow/internal/sequencer"
	"github.com/kingrea/labflow/internal/stage"
)

// Observer writes every run event to a shared logbook and, when PathFor is
// set, to a per-run logbook as well.
type Observer struct {
	// Shared receives every run. May be nil.
	Shared *Logbook
	// PathFor maps a run id to its own logbook file. May be nil.
	PathFor func(runID string) string

	mu  sync.Mutex
	run *Logbook
}

// Observe implements sequencer.Observer.
func (o *Observer) Observe(_ context.Context, e sequencer.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.Type == sequencer.EventRunStarted {
		o.run = nil
		if o.PathFor != nil {
			if book, err := New(o.PathFor(e.RunID)); err == nil {
				o.run = book
			}
		}
	}
	level, msg := describe(e)
	for _, book := range []*Logbook{o.Shared, o.run} {
		book.Append(level, msg)
	}
	if e.Type == sequencer.EventRunFinished {
		o.run = nil
	}
}

// Current returns the logbook of the active run, if any.
func (o *Observer) Current() *Logbook {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

func describe(e sequencer.Event) (Level, string) {
	switch e.Type {
	case sequencer.EventRunStarted:
		return LevelInfo, fmt.Sprintf("run %s started · %s · %d stages", e.RunID, e.Protocol, e.Total)
	case sequencer.EventStageStarted:
		if st := e.Stage; st != nil {
			return LevelInfo, fmt.Sprintf("stage %d/%d %s (%s) started", st.Index+1, e.Total, st.ID, st.Kind)
		}
	case sequencer.EventStageFinished:
		if st := e.Stage; st != nil {
			if st.Status == stage.StatusFailed {
				return LevelError, fmt.Sprintf("stage %s failed after %s: %s", st.ID, st.Duration, st.Error)
			}
			return LevelInfo, fmt.Sprintf("stage %s %s · %d wells · %.0f µL aspirated · %d tips",
				st.ID, st.Status, st.Wells, st.Tally.Aspirated, st.Tally.Tips)
		}
	case sequencer.EventRunFinished:
		if r := e.Report; r != nil {
			if r.Status == sequencer.StatusFailed {
				return LevelError, fmt.Sprintf("run %s failed: %s", r.RunID, r.Error)
			}
			return LevelInfo, fmt.Sprintf("run %s %s in %s · %d tips", r.RunID, r.Status, r.Duration(), r.Totals.Tips)
		}
	}
	return LevelInfo, fmt.Sprintf("%s %s", e.Type, e.RunID)
}
