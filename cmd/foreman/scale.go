package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"foreman/internal/app/autoscaler"
	"foreman/internal/delivery/server/bootstrap"
	"foreman/internal/domain/scaling"
)

func newScaleCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scale",
		Short: "Evaluate and run worker scaling",
	}

	evaluate := &cobra.Command{
		Use:   "evaluate",
		Short: "Show the scaling decision without acting on it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				d, err := ct.Scaler.EvaluateScaling(ctx)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), d)
				}
				printDecision(cmd.OutOrStdout(), d)
				return nil
			})
		},
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run one scaling cycle, honouring cooldowns and leadership",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				res, err := ct.Scaler.RunCycle(ctx)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				printDecision(out, res.Decision)
				switch {
				case res.Skipped != "":
					fmt.Fprintln(out, styleMuted("skipped: "+res.Skipped))
				case res.Outcome != nil:
					printOutcome(out, *res.Outcome)
				}
				return nil
			})
		},
	}

	spawn := &cobra.Command{
		Use:   "spawn",
		Short: "Provision one worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				res := ct.Scaler.SpawnWorker(ctx)
				if c.output() == outputJSON {
					if err := printJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
				} else {
					printSpawn(cmd.OutOrStdout(), res)
				}
				if !res.Success {
					return fmt.Errorf("spawn failed at %s: %s", res.Step, res.Error)
				}
				return nil
			})
		},
	}

	terminate := &cobra.Command{
		Use:   "terminate <worker-id>",
		Short: "Tear down a worker and mark it offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				res, err := ct.Scaler.TerminateWorker(ctx, args[0])
				if c.output() == outputJSON {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (offline=%t, remote deleted=%t)\n",
					styleWarn("terminated"), res.WorkerID, res.MarkedOffline, res.RemoteDeleted)
				return err
			})
		},
	}

	var limit int
	events := &cobra.Command{
		Use:   "events",
		Short: "List recent scaling events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				evs, err := ct.Status.ScalingEvents(ctx, limit)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), evs)
				}
				tbl := newTable("AT", "ACTION", "BEFORE", "AFTER", "QUEUE", "REASON")
				for _, e := range evs {
					tbl.add(formatTime(e.CreatedAt), colourState(string(e.Action)), strconv.Itoa(e.WorkersBefore),
						strconv.Itoa(e.WorkersAfter), strconv.Itoa(e.QueueDepth), e.Reason)
				}
				tbl.render(cmd.OutOrStdout())
				return nil
			})
		},
	}
	events.Flags().IntVar(&limit, "limit", 20, "Maximum rows")

	cmd.AddCommand(evaluate, run, spawn, terminate, events)
	return cmd
}

func printDecision(w io.Writer, d scaling.Decision) {
	fmt.Fprintf(w, "%s %s: %d -> %d workers (%s)\n", styleBold("decision"), colourState(string(d.Action)),
		d.CurrentWorkers, d.TargetWorkers, d.Reason)
	fmt.Fprintf(w, "  queue: pending %d, in progress %d, waiting approval %d\n",
		d.Queue.Pending, d.Queue.InProgress, d.Queue.WaitingApproval)
	fmt.Fprintf(w, "  workers: active %d (idle %d, busy %d), stale %d, offline %d, capacity %d/%d\n",
		d.Workers.Active, d.Workers.Idle, d.Workers.Busy, d.Workers.Stale, d.Workers.Offline,
		d.Workers.UsedCapacity, d.Workers.TotalCapacity)
}

func printOutcome(w io.Writer, o autoscaler.Outcome) {
	for _, s := range o.Spawned {
		printSpawn(w, s)
	}
	for _, t := range o.Terminated {
		fmt.Fprintf(w, "%s %s\n", styleWarn("terminated"), t.WorkerID)
	}
	fmt.Fprintf(w, "succeeded %d, failed %d\n", o.Succeeded, o.Failed)
	for _, e := range o.Errors {
		fmt.Fprintln(w, styleError("  "+e))
	}
}

func printSpawn(w io.Writer, s autoscaler.SpawnResult) {
	if !s.Success {
		fmt.Fprintf(w, "%s at %s: %s (cleaned up=%t)\n", styleError("spawn failed"), s.Step, s.Error, s.CleanedUp)
		return
	}
	where := "registry only"
	if s.Remote {
		where = "service " + s.ServiceID
	}
	fmt.Fprintf(w, "%s %s (%s, health verified=%t)\n", styleOK("spawned"), styleBold(s.WorkerID), where, s.HealthVerified)
}
