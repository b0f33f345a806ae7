package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/archive"
	"github.com/kingrea/labflow/internal/bridge"
	"github.com/kingrea/labflow/internal/config"
	"github.com/kingrea/labflow/internal/journal"
	"github.com/kingrea/labflow/internal/logbook"
	"github.com/kingrea/labflow/internal/logging"
	"github.com/kingrea/labflow/internal/metrics"
	"github.com/kingrea/labflow/internal/operator"
	"github.com/kingrea/labflow/internal/protocol"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/robot/mqttexec"
	"github.com/kingrea/labflow/internal/robot/sim"
	"github.com/kingrea/labflow/internal/sequencer"
	"github.com/kingrea/labflow/internal/stages"
	"github.com/kingrea/labflow/internal/tui"
)

func newRunCmd(c *cli) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run <protocol>",
		Short: "Run a protocol on the configured robot",
		Long: `Runs a protocol by id (see "labflow protocols") or from a YAML file.

Every command is journalled, the finished report is archived and pause
prompts are acknowledged by the configured operator: console, tui or bridge.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" {
				c.cfg.Project.Operator.Mode = mode
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.run(ctx, cmd, args[0])
		},
	}
	cmd.Flags().StringVar(&mode, "operator", "", "override the operator mode (console, tui, bridge)")
	return cmd
}

func (c *cli) library() (*protocol.Library, error) {
	return protocol.NewLibrary(c.cfg.ProtocolsDir())
}

func (c *cli) lookup(name string) (protocol.Definition, error) {
	lib, err := c.library()
	if err != nil {
		return protocol.Definition{}, err
	}
	return lib.Lookup(name)
}

// openExecutor builds the executor named by the robot config.
func (c *cli) openExecutor() (robot.Executor, func() error, error) {
	log := c.logger.Named("robot")
	switch c.cfg.Project.Robot.Driver {
	case config.DriverMQTT:
		m := c.cfg.Project.Robot.MQTT
		exec, err := mqttexec.Dial(mqttexec.Settings{
			Broker:      m.Broker,
			ClientID:    m.ClientID,
			TopicPrefix: m.TopicPrefix,
			Timeout:     m.Timeout,
		}, mqttexec.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return exec, exec.Close, nil
	default:
		return sim.New(sim.WithLogger(log)), func() error { return nil }, nil
	}
}

func (c *cli) openJournal(ctx context.Context) (journal.Store, error) {
	j := c.cfg.Project.Journal
	return journal.Open(ctx, journal.Options{
		Driver:      journal.Driver(j.Driver),
		SQLitePath:  j.SQLitePath,
		PostgresDSN: j.PostgresDSN,
	})
}

func (c *cli) openArchive(ctx context.Context) (archive.Store, error) {
	a := c.cfg.Project.Archive
	return archive.Open(ctx, archive.Options{
		Driver: archive.Driver(a.Driver),
		Root:   a.Root,
		S3: archive.S3Config{
			Bucket:    a.S3.Bucket,
			Region:    a.S3.Region,
			Endpoint:  a.S3.Endpoint,
			Prefix:    a.S3.Prefix,
			PathStyle: a.S3.PathStyle,
		},
	})
}

func (c *cli) run(ctx context.Context, cmd *cobra.Command, name string) error {
	def, err := c.lookup(name)
	if err != nil {
		return err
	}
	if err := config.InitLabflowDir(c.cfg.ProjectDir); err != nil {
		return fmt.Errorf("init %s: %w", config.LabflowDir, err)
	}
	if c.cfg.Project.Operator.Mode == config.OperatorTUI {
		// The monitor owns the terminal; log to the file only.
		_ = c.logger.Close()
		if c.logger, err = logging.New(logging.Options{File: c.cfg.LogFile(), Verbose: c.verbose}); err != nil {
			return err
		}
	}
	log := c.logger.Logger

	exec, closeExec, err := c.openExecutor()
	if err != nil {
		return err
	}
	defer func() { _ = closeExec() }()

	store, err := c.openJournal(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	recorder := journal.NewRecorder(store, journal.WithLogger(log.Named("journal")))

	m := metrics.New()
	observers := []sequencer.Observer{recorder, m}

	blobs, err := c.openArchive(ctx)
	if err != nil {
		return err
	}
	var archiver *archive.Archiver
	if blobs != nil {
		archiver = archive.NewArchiver(blobs, archive.WithJournal(store), archive.WithLogger(log.Named("archive")))
		observers = append(observers, archiver)
	}

	bench, err := logbook.New(filepath.Join(c.cfg.LogsDir(), "bench.log"))
	if err != nil {
		return err
	}
	observers = append(observers, &logbook.Observer{Shared: bench, PathFor: c.cfg.RunLogPath})

	srv := bridge.NewServer(bridge.SettingsFromConfig(c.cfg),
		bridge.WithMetrics(m.Handler()),
		bridge.WithLogger(log.Named("bridge")))
	observers = append(observers, srv.Status())
	bridgeUp := false
	if err := srv.Start(ctx); err == nil {
		bridgeUp = true
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "Operator bridge at %s\n", srv.BaseURL())
	} else if !errors.Is(err, bridge.ErrDisabled) {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		op      operator.Operator
		monitor *tui.Bridge
		app     *tui.App
	)
	switch c.cfg.Project.Operator.Mode {
	case config.OperatorTUI:
		labels := make([]tui.StageLabel, 0, len(def.Stages))
		for _, ref := range def.Stages {
			info := ref.Info()
			labels = append(labels, tui.StageLabel{ID: info.ID, Name: info.Label(), Kind: info.Kind})
		}
		app = tui.NewApp(def.Name, tui.WithCancel(cancel), tui.WithLogbook(bench), tui.WithStages(labels...))
	case config.OperatorBridge:
		if !bridgeUp {
			return errors.New("operator mode bridge needs the bridge server enabled")
		}
		op = srv.Prompts()
	default:
		console := operator.NewConsole(cmd.InOrStdin(), cmd.OutOrStdout())
		if bridgeUp {
			op = operator.FirstOf(console, srv.Prompts())
		} else {
			op = console
		}
	}

	var program *tea.Program
	if app != nil {
		program = tea.NewProgram(app, tea.WithAltScreen(), tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout()))
		monitor = tui.NewBridge(program)
		op = monitor
		if bridgeUp {
			op = operator.FirstOf(monitor, srv.Prompts())
		}
		observers = append(observers, monitor)
	}

	ctl, err := robot.NewController(
		robot.Chain(exec, recorder.Middleware(), m.Middleware()),
		robot.WithOperator(op),
		robot.WithSleeper(operator.Timer()),
		robot.WithLogger(log.Named("controller")),
	)
	if err != nil {
		return err
	}
	seq, err := sequencer.New(stages.NewRegistry(), ctl,
		sequencer.WithMargins(c.cfg.Margins()),
		sequencer.WithLogger(log.Named("sequencer")),
		sequencer.WithObservers(observers...),
	)
	if err != nil {
		return err
	}

	var (
		report sequencer.Report
		runErr error
	)
	if program != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			report, runErr = seq.Run(runCtx, def)
			monitor.Finish(report, runErr)
		}()
		if _, err := program.Run(); err != nil {
			cancel()
			<-done
			return fmt.Errorf("monitor: %w", err)
		}
		cancel()
		<-done
	} else {
		report, runErr = seq.Run(runCtx, def)
	}

	printReport(cmd.OutOrStdout(), report)
	if err := errors.Join(recorder.Err(), archiverErr(archiver)); err != nil {
		log.Warn("run bookkeeping incomplete", zap.Error(err))
	}
	return runErr
}

func archiverErr(a *archive.Archiver) error {
	if a == nil {
		return nil
	}
	return a.Err()
}

func printReport(w io.Writer, r sequencer.Report) {
	fmt.Fprintf(w, "\nRun %s · %s · %s\n", r.RunID, r.Protocol, r.Status)
	for _, st := range r.Stages {
		line := fmt.Sprintf("  %2d. %-24s %-14s %-10s %3d wells  %6.0f µL  %2d tips",
			st.Index+1, st.ID, st.Kind, st.Status, st.Wells, st.Tally.Aspirated, st.Tally.Tips)
		if st.Error != "" {
			line += "  " + st.Error
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "Totals: aspirated %.0f µL · dispensed %.0f µL · %d tips · %d mixes · %s\n",
		r.Totals.Aspirated, r.Totals.TotalDispensed(), r.Totals.Tips, r.Totals.Mixes, r.Duration().Round(time.Second))
	if r.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
}
