package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/delivery/server/bootstrap"
	"foreman/internal/domain/worker"
	id "foreman/internal/shared/utils/id"
)

func newWorkerCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage the worker registry",
	}
	cmd.AddCommand(newWorkerRegisterCommand(c), newWorkerListCommand(c), newWorkerHeartbeatCommand(c),
		newWorkerClaimCommand(c), newWorkerCompleteCommand(c))
	return cmd
}

func newWorkerRegisterCommand(c *cli) *cobra.Command {
	var (
		workerID, role string
		capabilities   []string
		capacity       int
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or re-register a worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := &worker.Worker{ID: workerID, Role: role, Capabilities: capabilities, MaxConcurrentTasks: capacity}
			if w.ID == "" {
				w.ID = id.NewWorkerID()
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				if err := ct.Workers.Register(ctx, w); err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), w)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (capacity %d)\n", styleOK("registered"), styleBold(w.ID), w.MaxConcurrentTasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "", "Worker id (generated when empty)")
	cmd.Flags().StringVar(&role, "role", "", "Worker role")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "Capability (repeatable)")
	cmd.Flags().IntVar(&capacity, "capacity", 1, "Maximum concurrent tasks")
	return cmd
}

func newWorkerListCommand(c *cli) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var f worker.Filter
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, worker.Status(s))
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				ws, err := ct.Status.Workers(ctx, f)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), ws)
				}
				tbl := newTable("ID", "ROLE", "STATUS", "LOAD", "SUCCESS", "COST", "DONE", "FAILED", "HEARTBEAT")
				for _, w := range ws {
					tbl.add(w.ID, orDash(w.Role), colourState(string(w.Status)),
						fmt.Sprintf("%d/%d", w.CurrentTasks, w.MaxConcurrentTasks),
						strconv.FormatFloat(w.SuccessRate*100, 'f', 0, 64)+"%",
						strconv.FormatFloat(w.DailyCost, 'f', 2, 64),
						strconv.Itoa(w.TasksCompleted), strconv.Itoa(w.TasksFailed), formatAge(w.LastHeartbeat))
				}
				tbl.render(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (idle|busy|offline)")
	return cmd
}

func newWorkerHeartbeatCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <worker-id>",
		Short: "Stamp a worker heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				if err := ct.Workers.Heartbeat(ctx, args[0], time.Now()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", styleOK("heartbeat"), args[0])
				return nil
			})
		},
	}
}

func newWorkerClaimCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <worker-id>",
		Short: "Claim the best pending task the worker can serve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				t, err := ct.Coordinator.ClaimNext(ctx, args[0])
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), t)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s claimed %s (%s)\n", styleOK("claimed"), args[0], styleBold(t.ID), t.Title)
				return nil
			})
		},
	}
}

func newWorkerCompleteCommand(c *cli) *cobra.Command {
	var (
		failed bool
		cost   float64
		reason string
	)
	cmd := &cobra.Command{
		Use:   "complete <worker-id> <task-id>",
		Short: "Report a finished task: returns the slot, then advances or records the failure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			workerID, taskID := args[0], args[1]
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				w, err := ct.Coordinator.CompleteTask(ctx, taskID, workerID, !failed, cost)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if failed {
					res, err := ct.Escalations.HandleTaskFailure(ctx, taskID, reason)
					if err != nil {
						return err
					}
					if c.output() == outputJSON {
						return printJSON(out, map[string]any{"worker": w, "failure": res})
					}
					state := styleWarn("requeued")
					if res.Quarantined {
						state = styleError("quarantined")
					}
					fmt.Fprintf(out, "%s %s after failure %d; %s load %d/%d\n", state, taskID, res.FailureCount, w.ID, w.CurrentTasks, w.MaxConcurrentTasks)
					return nil
				}
				res, err := ct.Lifecycle.AdvanceTask(ctx, taskID)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(out, map[string]any{"worker": w, "advance": res})
				}
				state := styleWarn("held at " + orDash(res.CurrentGate))
				switch {
				case res.Completed:
					state = styleOK("completed")
				case res.Advanced:
					state = styleOK("advanced to " + res.CurrentGate)
				}
				fmt.Fprintf(out, "%s %s; %s load %d/%d\n", state, taskID, w.ID, w.CurrentTasks, w.MaxConcurrentTasks)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "The attempt failed")
	cmd.Flags().Float64Var(&cost, "cost", 0, "Cost of the attempt")
	cmd.Flags().StringVar(&reason, "reason", "worker reported failure", "Failure reason when --failed")
	return cmd
}
