package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"foreman/internal/app/status"
	"foreman/internal/delivery/server/bootstrap"
	"foreman/internal/domain/task"
)

// exitAttention is returned by status --check when something needs an operator.
const exitAttention = 2

func newStatusCommand(c *cli) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue, worker, recovery and routing state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				snap, err := ct.Status.Snapshot(ctx)
				if err != nil {
					return err
				}
				degraded := ct.Degraded.Map()
				if c.output() == outputJSON {
					if err := printJSON(cmd.OutOrStdout(), map[string]any{"snapshot": snap, "degraded": degraded}); err != nil {
						return err
					}
				} else {
					printSnapshot(cmd, snap, degraded)
				}
				if check && needsAttention(snap) {
					return &ExitCodeError{Code: exitAttention, Err: fmt.Errorf("%d dead-letter entries pending, %d escalations open", snap.DLQPending, snap.OpenEscalations)}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Exit with code 2 when dead-letter entries or escalations are open")
	return cmd
}

func needsAttention(s status.Snapshot) bool {
	return s.DLQPending > 0 || s.OpenEscalations > 0
}

func printSnapshot(cmd *cobra.Command, s status.Snapshot, degraded map[string]string) {
	out := cmd.OutOrStdout()

	printSection(out, "Tasks")
	statuses := make([]string, 0, len(s.Tasks))
	for st := range s.Tasks {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	tbl := newTable("STATUS", "COUNT")
	for _, st := range statuses {
		tbl.add(colourState(st), strconv.Itoa(s.Tasks[task.Status(st)]))
	}
	tbl.render(out)

	printSection(out, "Workers")
	fmt.Fprintf(out, "idle %d, busy %d, offline %d; load %d/%d; balance score %.1f\n",
		s.Workers.Idle, s.Workers.Busy, s.Workers.Offline, s.Workers.Load, s.Workers.Capacity, s.LoadBalanceScore)

	printSection(out, "Recovery")
	dlq := strconv.Itoa(s.DLQPending)
	if s.DLQPending > 0 {
		dlq = styleError(dlq)
	}
	esc := strconv.Itoa(s.OpenEscalations)
	if s.OpenEscalations > 0 {
		esc = styleWarn(esc)
	}
	fmt.Fprintf(out, "dead-letter pending %s, escalations open %s\n", dlq, esc)

	printSection(out, "Routing (this process)")
	r := s.Routing
	fmt.Fprintf(out, "routed %d (ok %d, failed %d), avg %.2fms; completed %d, failed %d, cost %.2f\n",
		r.TotalRouted, r.SuccessfulRoutes, r.FailedRoutes, r.AvgRoutingLatencyMs, r.TasksCompleted, r.TasksFailed, r.TotalCost)

	if len(s.RecentScaling) > 0 {
		printSection(out, "Recent scaling")
		evs := newTable("AT", "ACTION", "WORKERS", "REASON")
		for _, e := range s.RecentScaling {
			evs.add(formatTime(e.CreatedAt), colourState(string(e.Action)), fmt.Sprintf("%d -> %d", e.WorkersBefore, e.WorkersAfter), e.Reason)
		}
		evs.render(out)
	}

	if len(degraded) > 0 {
		printSection(out, "Degraded")
		names := make([]string, 0, len(degraded))
		for name := range degraded {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s: %s\n", styleWarn(name), degraded[name])
		}
	}
}
