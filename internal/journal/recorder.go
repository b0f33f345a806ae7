package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/sequencer"
)

// Recorder writes runs into a Store. It observes the sequencer for run
// reports and sits in the executor chain to capture every command.
// Commands issued outside a run are not recorded.
type Recorder struct {
	store  Store
	logger *zap.Logger
	clock  func() time.Time

	mu    sync.Mutex
	runID string
	seq   int
	errs  []error
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithLogger reports store failures.
func WithLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides entry timestamps.
func WithClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRecorder returns a recorder writing to store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		logger: zap.NewNop(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Observe implements sequencer.Observer.
func (r *Recorder) Observe(ctx context.Context, e sequencer.Event) {
	switch e.Type {
	case sequencer.EventRunStarted:
		r.mu.Lock()
		r.runID = e.RunID
		r.seq = 0
		r.mu.Unlock()
	case sequencer.EventRunFinished:
		r.mu.Lock()
		r.runID = ""
		r.mu.Unlock()
	}
	if e.Report == nil {
		return
	}
	// Report writes must land even when the run was cancelled.
	if err := r.store.SaveRun(context.WithoutCancel(ctx), *e.Report); err != nil {
		r.fail(err)
	}
}

// Middleware returns the executor middleware that journals commands.
func (r *Recorder) Middleware() robot.Middleware {
	return robot.Tap(func(ctx context.Context, cmd robot.Command, err error) {
		r.mu.Lock()
		if r.runID == "" {
			r.mu.Unlock()
			return
		}
		r.seq++
		e := Entry{RunID: r.runID, Seq: r.seq, Time: r.clock(), Command: cmd}
		r.mu.Unlock()
		if err != nil {
			e.Error = err.Error()
		}
		if err := r.store.Append(context.WithoutCancel(ctx), e); err != nil {
			r.fail(err)
		}
	})
}

// Err returns every store failure seen so far.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

func (r *Recorder) fail(err error) {
	r.logger.Warn("journal write failed", zap.Error(err))
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}
