package bridge

import (
	"context"
	"sync"

	"github.com/kingrea/labflow/internal/sequencer"
)

// Snapshot is the run state served on /status.
type Snapshot struct {
	State    string                 `json:"state"`
	RunID    string                 `json:"run_id,omitempty"`
	Protocol string                 `json:"protocol,omitempty"`
	Total    int                    `json:"total"`
	Done     int                    `json:"done"`
	Current  *sequencer.StageReport `json:"current,omitempty"`
	Report   *sequencer.Report      `json:"report,omitempty"`
}

// Status tracks the latest run. It implements sequencer.Observer.
type Status struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStatus starts idle.
func NewStatus() *Status {
	return &Status{snap: Snapshot{State: "idle"}}
}

// Observe implements sequencer.Observer.
func (s *Status) Observe(_ context.Context, e sequencer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e.Type {
	case sequencer.EventRunStarted:
		s.snap = Snapshot{State: string(sequencer.StatusRunning), RunID: e.RunID, Protocol: e.Protocol, Total: e.Total}
	case sequencer.EventStageStarted:
		s.snap.Current = e.Stage
	case sequencer.EventStageFinished:
		s.snap.Current = nil
		s.snap.Done++
	case sequencer.EventRunFinished:
		s.snap.Current = nil
		s.snap.Report = e.Report
		if e.Report != nil {
			s.snap.State = string(e.Report.Status)
		}
	}
}

// Snapshot returns the current state.
func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
