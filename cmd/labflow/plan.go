package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/labflow/internal/operator"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/robot/sim"
	"github.com/kingrea/labflow/internal/sequencer"
	"github.com/kingrea/labflow/internal/stages"
)

func newPlanCmd(c *cli) *cobra.Command {
	var showCommands bool
	cmd := &cobra.Command{
		Use:   "plan <protocol>",
		Short: "Dry-run a protocol on the simulator",
		Long: `Runs the protocol against the in-process simulator. Pauses are
confirmed automatically and delays are skipped, so the output shows every
liquid movement, tip and wait without touching the robot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := c.lookup(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			exec := sim.New()
			skip := &operator.Skip{}
			pauses := 0
			ack := operator.Func(func(ctx context.Context, p operator.Prompt) error {
				pauses++
				fmt.Fprintf(out, "pause: %s\n", p.Message)
				return ctx.Err()
			})
			ctl, err := robot.NewController(exec,
				robot.WithOperator(ack),
				robot.WithSleeper(skip),
				robot.WithLogger(c.logger.Named("controller")))
			if err != nil {
				return err
			}
			seq, err := sequencer.New(stages.NewRegistry(), ctl,
				sequencer.WithMargins(c.cfg.Margins()),
				sequencer.WithLogger(c.logger.Named("sequencer")),
				sequencer.WithRunID(func() string { return "plan" }))
			if err != nil {
				return err
			}
			report, runErr := seq.Run(cmd.Context(), def)
			if showCommands {
				for i, command := range exec.Commands() {
					fmt.Fprintf(out, "%4d  %s\n", i+1, command)
				}
			}
			printReport(out, report)
			fmt.Fprintf(out, "Operator pauses: %d · timed waits: %d (%s)\n", pauses, len(skip.Calls()), skip.Total())
			return runErr
		},
	}
	cmd.Flags().BoolVar(&showCommands, "commands", false, "print every robot command")
	return cmd
}
