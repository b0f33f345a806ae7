// cmd/labflow/main.go
//
// This is the entry point for the labflow CLI.
// Run it from a bench project directory; it keeps its state in .labflow/.
//
// Flow:
// 1. Load .labflow/config.yaml (defaults when missing) and build the logger
// 2. Dispatch to a subcommand: run, plan, protocols, wells, journal, init

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kingrea/labflow/internal/config"
	"github.com/kingrea/labflow/internal/logging"
)

// cli holds state shared by every subcommand.
type cli struct {
	projectDir string
	verbose    bool

	cfg    *config.Config
	logger *logging.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "labflow",
		Short:         "Protocol sequencer for a liquid-handling robot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = c.logger.Close()
		},
	}
	root.PersistentFlags().StringVarP(&c.projectDir, "project", "p", "", "project directory (defaults to cwd)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newInitCmd(c),
		newRunCmd(c),
		newPlanCmd(c),
		newProtocolsCmd(c),
		newWellsCmd(c),
		newJournalCmd(c),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	dir := c.projectDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		dir = cwd
	}
	cfg, err := config.NewConfig(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg

	opts := logging.Options{Console: cmd.ErrOrStderr(), Verbose: c.verbose}
	if _, err := os.Stat(cfg.LabflowProjectDir); err == nil {
		opts.File = cfg.LogFile()
	}
	logger, err := logging.New(opts)
	if err != nil {
		return err
	}
	c.logger = logger
	c.logger.Debug("config loaded", zap.String("project", cfg.ProjectDir), zap.String("robot", cfg.Project.Robot.Driver))
	return nil
}

func newInitCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .labflow directory with a default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.InitLabflowDir(c.cfg.ProjectDir); err != nil {
				return fmt.Errorf("init %s: %w", config.LabflowDir, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", filepath.Join(c.cfg.ProjectDir, config.LabflowDir))
			return nil
		},
	}
}
