// Package sequencer runs protocols: it binds the deck, resolves every stage
// and executes the stages strictly in order, reporting progress to
// observers.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/deck"
	"github.com/kingrea/labflow/internal/geometry"
	"github.com/kingrea/labflow/internal/labware"
	"github.com/kingrea/labflow/internal/protocol"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/stage"
)

// Sequencer executes protocol definitions against a robot.
type Sequencer struct {
	registry  *stage.Registry
	robot     robot.Robot
	catalog   *labware.Catalog
	margins   geometry.Margins
	logger    *zap.Logger
	observers []Observer
	clock     func() time.Time
	newID     func() string
}

// Option customizes a Sequencer.
type Option func(*Sequencer)

// WithCatalog sets the labware catalog the deck is validated against. It
// must match the robot's catalog.
func WithCatalog(c *labware.Catalog) Option {
	return func(s *Sequencer) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithMargins sets project-wide well margins. A protocol's own margins take
// precedence.
func WithMargins(m geometry.Margins) Option {
	return func(s *Sequencer) {
		s.margins = m.Merge(geometry.DefaultMargins)
	}
}

// WithLogger sets the logger passed to stages.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObservers adds run observers.
func WithObservers(obs ...Observer) Option {
	return func(s *Sequencer) {
		for _, o := range obs {
			if o != nil {
				s.observers = append(s.observers, o)
			}
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Sequencer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRunID overrides run id generation.
func WithRunID(fn func() string) Option {
	return func(s *Sequencer) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New builds a sequencer. A robot can host a single run: the deck it loads
// stays in place afterwards.
func New(reg *stage.Registry, r robot.Robot, opts ...Option) (*Sequencer, error) {
	if reg == nil {
		return nil, errors.New("sequencer: stage registry is required")
	}
	if r == nil {
		return nil, errors.New("sequencer: robot is required")
	}
	s := &Sequencer{
		registry: reg,
		robot:    r,
		margins:  geometry.DefaultMargins,
		logger:   zap.NewNop(),
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.catalog == nil {
		cat, err := labware.Builtin()
		if err != nil {
			return nil, err
		}
		s.catalog = cat
	}
	return s, nil
}

// Plan is a prepared protocol: deck bound, every stage resolved and checked.
type Plan struct {
	Definition protocol.Definition
	Deck       *deck.Deck
	Stages     []stage.Stage
}

// Prepare validates def, resolves its stages and binds the deck. Every
// configuration error surfaces here, before any liquid is moved.
func (s *Sequencer) Prepare(ctx context.Context, def protocol.Definition) (*Plan, error) {
	def, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	stages := make([]stage.Stage, 0, len(def.Stages))
	for _, ref := range def.Stages {
		st, err := s.registry.Resolve(ref.Info(), ref.Config)
		if err != nil {
			return nil, fmt.Errorf("sequencer: %w", err)
		}
		stages = append(stages, st)
	}
	margins := s.margins
	if def.Margins != nil {
		margins = def.Margins.Merge(s.margins)
	}
	d, err := deck.Bind(ctx, s.robot, def.Deck, deck.WithCatalog(s.catalog), deck.WithMargins(margins))
	if err != nil {
		return nil, fmt.Errorf("sequencer: %s: %w", def.ID, err)
	}
	for _, st := range stages {
		if err := st.Check(d); err != nil {
			return nil, fmt.Errorf("sequencer: stage %s: %w", st.Info().ID, err)
		}
	}
	return &Plan{Definition: def, Deck: d, Stages: stages}, nil
}

// Run prepares def and executes it. The returned report is complete even
// when the run fails; the error is the first failure.
func (s *Sequencer) Run(ctx context.Context, def protocol.Definition) (Report, error) {
	report := Report{
		RunID:     s.newID(),
		Protocol:  def.ID,
		Name:      def.Name,
		Status:    StatusRunning,
		StartedAt: s.clock(),
	}
	log := s.logger.With(zap.String("run", report.RunID), zap.String("protocol", def.ID))
	s.emit(ctx, Event{Type: EventRunStarted, Total: len(def.Stages), Report: ptr(report.Clone())}, &report)

	plan, err := s.Prepare(ctx, def)
	if err == nil {
		report.Name = plan.Definition.Name
		err = s.execute(ctx, plan, &report, log)
	}

	report.FinishedAt = s.clock()
	if err != nil {
		report.Status = StatusFailed
		report.Error = err.Error()
		log.Error("run failed", zap.Error(err))
	} else {
		report.Status = StatusCompleted
		log.Info("run completed", zap.Duration("duration", report.Duration()))
	}
	s.emit(ctx, Event{Type: EventRunFinished, Total: len(def.Stages), Report: ptr(report.Clone())}, &report)
	return report, err
}

func (s *Sequencer) execute(ctx context.Context, plan *Plan, report *Report, log *zap.Logger) error {
	s.robot.Reset()
	defer s.robot.Reset()

	def := plan.Definition
	if def.Messages.Start != "" {
		if err := s.robot.Comment(ctx, def.Messages.Start); err != nil {
			return err
		}
	}
	if err := s.robot.SetRailLights(ctx, true); err != nil {
		return err
	}
	for _, mod := range plan.Deck.Modules() {
		if mod.Temperature == 0 {
			continue
		}
		if err := mod.Module.SetTemperature(ctx, mod.Temperature); err != nil {
			return fmt.Errorf("sequencer: module %s: %w", mod.Module.Name(), err)
		}
	}

	env := &stage.Env{Robot: s.robot, Deck: plan.Deck, Logger: log}
	total := len(plan.Stages)
	for i, st := range plan.Stages {
		info := st.Info()
		if info.Comment != "" {
			if err := s.robot.Comment(ctx, info.Comment); err != nil {
				return err
			}
		}
		sr := StageReport{Index: i, ID: info.ID, Name: info.Label(), Kind: info.Kind, StartedAt: s.clock()}
		s.emit(ctx, Event{Type: EventStageStarted, Total: total, Stage: ptr(sr.clone())}, report)
		log.Info("stage started", zap.String("stage", info.ID), zap.String("kind", string(info.Kind)), zap.Int("index", i+1), zap.Int("total", total))

		res, err := st.Run(ctx, env)
		sr.Duration = s.clock().Sub(sr.StartedAt)
		sr.Status = res.Status
		sr.Wells = res.Wells
		sr.Tally = res.Tally
		if err != nil {
			sr.Status = stage.StatusFailed
			sr.Error = err.Error()
		}
		report.Stages = append(report.Stages, sr)
		report.Totals.Add(res.Tally)
		s.emit(ctx, Event{Type: EventStageFinished, Total: total, Stage: ptr(sr.clone())}, report)
		if err != nil {
			return fmt.Errorf("stage %s: %w", info.ID, err)
		}
		log.Info("stage finished",
			zap.String("stage", info.ID),
			zap.Duration("duration", sr.Duration),
			zap.Int("tips", res.Tally.Tips),
			zap.Float64("aspirated", res.Tally.Aspirated))
	}

	if def.Messages.Completion != "" {
		if err := s.robot.Comment(ctx, def.Messages.Completion); err != nil {
			return err
		}
	}
	return s.robot.SetRailLights(ctx, false)
}

func (s *Sequencer) emit(ctx context.Context, e Event, report *Report) {
	e.RunID = report.RunID
	e.Protocol = report.Protocol
	e.Time = s.clock()
	for _, o := range s.observers {
		o.Observe(ctx, e)
	}
}

func ptr[T any](v T) *T { return &v }
