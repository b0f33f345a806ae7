package sequencer

import (
	"context"
	"time"

	"github.com/kingrea/labflow/internal/stage"
)

// EventType names a run lifecycle notification.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventStageStarted  EventType = "stage.started"
	EventStageFinished EventType = "stage.finished"
	EventRunFinished   EventType = "run.finished"
)

// Event is delivered to observers as a run progresses.
type Event struct {
	Type     EventType    `json:"type"`
	RunID    string       `json:"run_id"`
	Protocol string       `json:"protocol"`
	Time     time.Time    `json:"time"`
	Total    int          `json:"total"`
	Stage    *StageReport `json:"stage,omitempty"`
	Report   *Report      `json:"report,omitempty"`
}

// Observer receives run events. Observe is called synchronously on the run
// goroutine and must not block.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(ctx context.Context, e Event)

// Observe executes f(ctx, e).
func (f ObserverFunc) Observe(ctx context.Context, e Event) {
	if f == nil {
		return
	}
	f(ctx, e)
}

// Status enumerates run outcomes.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Report summarises one protocol run.
type Report struct {
	RunID      string        `json:"run_id"`
	Protocol   string        `json:"protocol"`
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Stages     []StageReport `json:"stages"`
	Totals     stage.Tally   `json:"totals"`
	Error      string        `json:"error,omitempty"`
}

// Duration is the wall time of the run, zero while it is running.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Clone returns a copy that shares no slices or maps with r.
func (r Report) Clone() Report {
	out := r
	out.Totals = stage.Tally{}
	out.Totals.Add(r.Totals)
	if len(r.Stages) > 0 {
		out.Stages = make([]StageReport, len(r.Stages))
		for i, s := range r.Stages {
			out.Stages[i] = s.clone()
		}
	}
	return out
}

// StageReport is the outcome of one stage.
type StageReport struct {
	Index     int           `json:"index"`
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Kind      stage.Kind    `json:"kind"`
	Status    stage.Status  `json:"status,omitempty"`
	Wells     int           `json:"wells"`
	Tally     stage.Tally   `json:"tally"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

func (s StageReport) clone() StageReport {
	out := s
	out.Tally = stage.Tally{}
	out.Tally.Add(s.Tally)
	return out
}
