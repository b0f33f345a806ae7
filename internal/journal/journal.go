// Package journal keeps a durable record of protocol runs: the run report
// and every command sent to the robot, in order.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/sequencer"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("journal: run not found")

// Entry is one command issued during a run.
type Entry struct {
	RunID   string        `json:"run_id"`
	Seq     int           `json:"seq"`
	Time    time.Time     `json:"time"`
	Command robot.Command `json:"command"`
	Error   string        `json:"error,omitempty"`
}

// Store persists run reports and command entries.
type Store interface {
	// SaveRun inserts or replaces the report for r.RunID.
	SaveRun(ctx context.Context, r sequencer.Report) error
	Append(ctx context.Context, e Entry) error
	// Runs lists reports, newest first. limit <= 0 returns all of them.
	Runs(ctx context.Context, limit int) ([]sequencer.Report, error)
	Run(ctx context.Context, id string) (sequencer.Report, error)
	Entries(ctx context.Context, runID string) ([]Entry, error)
	Close() error
}

// Driver selects a Store implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Options configure Open.
type Options struct {
	Driver      Driver
	SQLitePath  string
	PostgresDSN string
}

// Open returns the store selected by opts.Driver. An empty driver means
// sqlite.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, opts.SQLitePath)
	case DriverPostgres:
		return OpenPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("journal: unknown driver %s", driver)
	}
}
