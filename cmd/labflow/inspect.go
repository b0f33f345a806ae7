package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/labflow/internal/archive"
	"github.com/kingrea/labflow/internal/geometry"
	"github.com/kingrea/labflow/internal/journal"
	"github.com/kingrea/labflow/internal/labware"
	"github.com/kingrea/labflow/internal/sequencer"
)

func newProtocolsCmd(c *cli) *cobra.Command {
	var showStages bool
	cmd := &cobra.Command{
		Use:   "protocols",
		Short: "List built-in and project protocols",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lib, err := c.library()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, def := range lib.List() {
				fmt.Fprintf(tw, "%s\t%d stages\t%s\n", def.ID, len(def.Stages), def.Name)
				if !showStages {
					continue
				}
				for _, ref := range def.Stages {
					info := ref.Info()
					fmt.Fprintf(tw, "\t  %s\t%s\n", info.ID, info.Kind)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&showStages, "stages", false, "list each protocol's stages")
	return cmd
}

func newWellsCmd(c *cli) *cobra.Command {
	var (
		slot     int
		onModule bool
	)
	cmd := &cobra.Command{
		Use:   "wells <load-name>",
		Short: "Print resolved well coordinates for a labware",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := labware.Builtin()
			if err != nil {
				return err
			}
			def, err := catalog.Lookup(args[0])
			if err != nil {
				return err
			}
			lw, err := labware.Place(def, def.LoadName, slot, onModule)
			if err != nil {
				return err
			}
			resolver, err := geometry.NewResolver(lw.Plate(), c.cfg.Margins())
			if err != nil {
				return err
			}
			m := resolver.Margins()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s in slot %d · margins bottom %.1f top %.1f wall %.1f\n",
				def.DisplayName, slot, m.Bottom, m.TopClearance, m.Wall)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WELL\tCENTER\tBOTTOM\tTOP\tLEFT\tRIGHT")
			for _, w := range resolver.ResolveAll() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", w.Label, w.Center, w.Bottom(), w.Top(), w.Left(), w.Right())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&slot, "slot", 1, "deck slot")
	cmd.Flags().BoolVar(&onModule, "module", false, "labware sits on a temperature module")
	return cmd
}

func newJournalCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect recorded runs",
	}
	var (
		limit       int
		fromArchive bool
	)
	runs := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if fromArchive {
				blobs, err := c.openArchive(cmd.Context())
				if err != nil {
					return err
				}
				if blobs == nil {
					return errors.New("no archive configured")
				}
				ids, err := archive.RunIDs(cmd.Context(), blobs)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}
			store, err := c.openJournal(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			reports, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPROTOCOL\tSTATUS\tSTARTED\tDURATION")
			for _, r := range reports {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Protocol, r.Status,
					r.StartedAt.Local().Format("2006-01-02 15:04"), r.Duration().Round(time.Second))
			}
			return tw.Flush()
		},
	}
	runs.Flags().IntVar(&limit, "limit", 20, "maximum runs to list (0 for all)")
	runs.Flags().BoolVar(&fromArchive, "archive", false, "list archived run ids instead")

	var showCommands bool
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run report and its commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			store, err := c.openJournal(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			report, err := store.Run(ctx, args[0])
			if errors.Is(err, journal.ErrNotFound) {
				report, err = c.archivedReport(cmd, args[0])
			}
			if err != nil {
				return err
			}
			printReport(out, report)
			if !showCommands {
				return nil
			}
			entries, err := store.Entries(ctx, args[0])
			if err != nil {
				if errors.Is(err, journal.ErrNotFound) {
					return nil
				}
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("%4d  %s  %s", e.Seq, e.Time.Local().Format("15:04:05.000"), e.Command)
				if e.Error != "" {
					line += "  ERROR " + e.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	show.Flags().BoolVar(&showCommands, "commands", false, "print the journalled commands")

	cmd.AddCommand(runs, show)
	return cmd
}

func (c *cli) archivedReport(cmd *cobra.Command, id string) (sequencer.Report, error) {
	blobs, err := c.openArchive(cmd.Context())
	if err != nil {
		return sequencer.Report{}, err
	}
	if blobs == nil {
		return sequencer.Report{}, fmt.Errorf("run %s: %w", id, journal.ErrNotFound)
	}
	return archive.LoadReport(cmd.Context(), blobs, id)
}
