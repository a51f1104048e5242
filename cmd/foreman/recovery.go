package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"foreman/internal/delivery/server/bootstrap"
	recoverydomain "foreman/internal/domain/recovery"
)

func newDLQCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and act on quarantined tasks",
	}

	var (
		statuses []string
		taskID   string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := recoverydomain.DLQFilter{TaskID: taskID, Limit: limit}
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, recoverydomain.DLQStatus(s))
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				entries, err := ct.Escalations.ListDlq(ctx, f)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), entries)
				}
				tbl := newTable("ID", "TASK", "STATUS", "RETRIES", "LAST FAILURE", "REASON")
				for _, e := range entries {
					tbl.add(e.ID, e.TaskID, colourState(string(e.Status)), strconv.Itoa(e.RetryCount),
						formatTime(e.LastFailureAt), e.FailureReason)
				}
				tbl.render(cmd.OutOrStdout())
				return nil
			})
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (pending|retrying|resolved|abandoned)")
	list.Flags().StringVar(&taskID, "task", "", "Filter by original task id")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	retry := &cobra.Command{
		Use:   "retry <dlq-id>",
		Short: "Send the quarantined task back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				entry, err := ct.Escalations.RetryDlqItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printEntry(cmd, c, entry, "retrying")
			})
		},
	}

	cmd.AddCommand(list, retry, newDLQCloseCommand(c, true), newDLQCloseCommand(c, false))
	return cmd
}

func newDLQCloseCommand(c *cli, resolve bool) *cobra.Command {
	var notes, by string
	use, short, verb := "abandon <dlq-id>", "Give up on the quarantined task", "abandoned"
	if resolve {
		use, short, verb = "resolve <dlq-id>", "Mark the entry handled outside the system", "resolved"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				closeFn := ct.Escalations.AbandonDlqItem
				if resolve {
					closeFn = ct.Escalations.ResolveDlqItem
				}
				entry, err := closeFn(ctx, args[0], notes, by)
				if err != nil {
					return err
				}
				return printEntry(cmd, c, entry, verb)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Resolution notes")
	cmd.Flags().StringVar(&by, "by", "", "Operator identity")
	return cmd
}

func printEntry(cmd *cobra.Command, c *cli, entry *recoverydomain.DLQEntry, verb string) error {
	if c.output() == outputJSON {
		return printJSON(cmd.OutOrStdout(), entry)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (task %s, %d retries)\n", colourState(verb), entry.ID, entry.TaskID, entry.RetryCount)
	return nil
}

func newEscalationCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "escalation",
		Aliases: []string{"esc"},
		Short:   "Inspect, resolve and sweep escalations",
	}

	var (
		statuses []string
		taskID   string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := recoverydomain.EscalationFilter{TaskID: taskID, Limit: limit}
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, recoverydomain.EscalationStatus(s))
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				escs, err := ct.Escalations.ListEscalations(ctx, f)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), escs)
				}
				tbl := newTable("ID", "TASK", "LEVEL", "STATUS", "DUE", "REASON")
				for _, e := range escs {
					tbl.add(e.ID, e.TaskID, string(e.Level), colourState(string(e.Status)), formatTime(e.TimeoutAt), e.Reason)
				}
				tbl.render(cmd.OutOrStdout())
				return nil
			})
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", []string{string(recoverydomain.EscalationOpen)}, "Filter by status")
	list.Flags().StringVar(&taskID, "task", "", "Filter by task id")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	var resolution, by string
	resolve := &cobra.Command{
		Use:   "resolve <escalation-id>",
		Short: "Resolve an open escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resolution == "" {
				return fmt.Errorf("--resolution is required")
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				e, err := ct.Escalations.ResolveEscalation(ctx, args[0], resolution, by)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), e)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (task %s)\n", styleOK("resolved"), e.ID, e.TaskID)
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&resolution, "resolution", "", "What was done")
	resolve.Flags().StringVar(&by, "by", "", "Operator identity")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Raise or auto-resolve every escalation past its timeout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				res, err := ct.Escalations.SweepEscalations(ctx)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "examined %d, raised %d, auto-resolved %d, re-armed %d, skipped %d\n",
					res.Examined, res.Raised, res.AutoResolved, res.Rearmed, res.Skipped)
				return nil
			})
		},
	}

	cmd.AddCommand(list, resolve, sweep)
	return cmd
}
