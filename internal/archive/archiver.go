package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/journal"
	"github.com/kingrea/labflow/internal/sequencer"
)

const runsPrefix = "runs/"

// ReportKey is where a run report is stored.
func ReportKey(runID string) string { return path.Join("runs", runID, "report.json") }

// CommandsKey is where a run's command log is stored, one JSON entry per line.
func CommandsKey(runID string) string { return path.Join("runs", runID, "commands.jsonl") }

// Archiver saves every finished run. It implements sequencer.Observer.
type Archiver struct {
	store   Store
	journal journal.Store
	logger  *zap.Logger

	mu   sync.Mutex
	errs []error
}

// Option customizes an Archiver.
type Option func(*Archiver)

// WithJournal also copies the run's command entries from j.
func WithJournal(j journal.Store) Option {
	return func(a *Archiver) { a.journal = j }
}

// WithLogger reports archive failures.
func WithLogger(l *zap.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewArchiver writes into store.
func NewArchiver(store Store, opts ...Option) *Archiver {
	a := &Archiver{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Observe implements sequencer.Observer.
func (a *Archiver) Observe(ctx context.Context, e sequencer.Event) {
	if e.Type != sequencer.EventRunFinished || e.Report == nil {
		return
	}
	if err := a.Save(context.WithoutCancel(ctx), *e.Report); err != nil {
		a.logger.Warn("archive run failed", zap.String("run", e.RunID), zap.Error(err))
		a.mu.Lock()
		a.errs = append(a.errs, err)
		a.mu.Unlock()
	}
}

// Err returns every failure seen by Observe.
func (a *Archiver) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return errors.Join(a.errs...)
}

// Save writes the report and, when a journal is attached, its commands.
func (a *Archiver) Save(ctx context.Context, r sequencer.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode report %s: %w", r.RunID, err)
	}
	if err := a.store.Put(ctx, ReportKey(r.RunID), data, "application/json"); err != nil {
		return err
	}
	if a.journal == nil {
		return nil
	}
	entries, err := a.journal.Entries(ctx, r.RunID)
	if err != nil {
		return fmt.Errorf("archive: commands for %s: %w", r.RunID, err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("archive: encode command: %w", err)
		}
	}
	return a.store.Put(ctx, CommandsKey(r.RunID), buf.Bytes(), "application/x-ndjson")
}

// LoadReport reads an archived report.
func LoadReport(ctx context.Context, store Store, runID string) (sequencer.Report, error) {
	data, err := store.Get(ctx, ReportKey(runID))
	if err != nil {
		return sequencer.Report{}, err
	}
	var r sequencer.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return sequencer.Report{}, fmt.Errorf("archive: decode report %s: %w", runID, err)
	}
	return r, nil
}

// RunIDs lists archived run ids, sorted.
func RunIDs(ctx context.Context, store Store) ([]string, error) {
	keys, err := store.List(ctx, runsPrefix)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, runsPrefix)
		id, file, ok := strings.Cut(rest, "/")
		if ok && file == "report.json" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
