// Package metrics exposes run, stage and command counters for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/sequencer"
)

const namespace = "labflow"

// Metrics holds the collectors. It implements sequencer.Observer and
// provides an executor middleware; a nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry
	clock    func() time.Time

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	volume          *prometheus.CounterVec
	tips            prometheus.Counter
	stages          *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	runs            *prometheus.CounterVec
	active          prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		clock:    time.Now,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Robot commands executed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Executor latency by command kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquid_microliters_total",
			Help:      "Liquid moved by direction and labware.",
		}, []string{"direction", "labware"}),
		tips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tips_used_total",
			Help:      "Tips picked up.",
		}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Finished stages by kind and status.",
		}, []string{"kind", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage wall time by kind.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished protocol runs by protocol and status.",
		}, []string{"protocol", "status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while a protocol run is in progress.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands,
		m.commandDuration,
		m.volume,
		m.tips,
		m.stages,
		m.stageDuration,
		m.runs,
		m.active,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts and times every command passing through the executor.
func (m *Metrics) Middleware() robot.Middleware {
	if m == nil {
		return nil
	}
	return func(next robot.Executor) robot.Executor {
		return robot.ExecutorFunc(func(ctx context.Context, cmd robot.Command) error {
			start := m.clock()
			err := next.Execute(ctx, cmd)
			m.command(cmd, m.clock().Sub(start), err)
			return err
		})
	}
}

func (m *Metrics) command(cmd robot.Command, took time.Duration, err error) {
	if m == nil {
		return
	}
	kind := string(cmd.Kind)
	m.commandDuration.WithLabelValues(kind).Observe(took.Seconds())
	if err != nil {
		m.commands.WithLabelValues(kind, "error").Inc()
		return
	}
	m.commands.WithLabelValues(kind, "ok").Inc()
	switch cmd.Kind {
	case robot.CmdPickUpTip:
		m.tips.Inc()
	case robot.CmdAspirate, robot.CmdDispense:
		labware := ""
		if cmd.Location != nil {
			labware = cmd.Location.Labware
		}
		m.volume.WithLabelValues(string(cmd.Kind), labware).Add(cmd.Volume)
	}
}

// Observe implements sequencer.Observer.
func (m *Metrics) Observe(_ context.Context, e sequencer.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case sequencer.EventRunStarted:
		m.active.Set(1)
	case sequencer.EventStageFinished:
		if e.Stage == nil {
			return
		}
		m.stages.WithLabelValues(string(e.Stage.Kind), string(e.Stage.Status)).Inc()
		m.stageDuration.WithLabelValues(string(e.Stage.Kind)).Observe(e.Stage.Duration.Seconds())
	case sequencer.EventRunFinished:
		m.active.Set(0)
		status := string(sequencer.StatusFailed)
		if e.Report != nil {
			status = string(e.Report.Status)
		}
		m.runs.WithLabelValues(e.Protocol, status).Inc()
	}
}
