package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"foreman/internal/app/coordinator"
	"foreman/internal/delivery/server/bootstrap"
	"foreman/internal/domain/task"
	id "foreman/internal/shared/utils/id"
)

func newTaskCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and drive tasks",
	}
	cmd.AddCommand(newTaskCreateCommand(c), newTaskListCommand(c), newTaskShowCommand(c),
		newTaskAdvanceCommand(c), newTaskFailCommand(c), newTaskStartCommand(c))
	return cmd
}

func newTaskCreateCommand(c *cli) *cobra.Command {
	var (
		taskID, title, description, taskType, preferred, chainFile string
		priority                                                   int
		capabilities, gates                                        []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending task",
		Example: `  foreman task create --title "Ship login" --gate plan_approval --gate pr_created
  foreman task create --title "Probe" --gate 'health_check={"url":"https://example.com/health"}'
  foreman task create --title "Release" --chain-file chain.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(title) == "" {
				return fmt.Errorf("--title is required")
			}
			chain, err := buildChain(gates, chainFile)
			if err != nil {
				return err
			}
			t := &task.Task{
				ID:                   strings.TrimSpace(taskID),
				Title:                strings.TrimSpace(title),
				Description:          description,
				TaskType:             taskType,
				Status:               task.StatusPending,
				Priority:             priority,
				RequiredCapabilities: capabilities,
				PreferredWorker:      preferred,
				VerificationChain:    chain,
			}
			if t.ID == "" {
				t.ID = id.NewTaskID()
			}
			if len(chain) > 0 {
				t.CurrentGate = chain[0].ID()
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				if err := ct.Tasks.Create(ctx, t); err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), t)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", styleOK("created"), styleBold(t.ID))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&taskID, "id", "", "Task id (generated when empty)")
	f.StringVar(&title, "title", "", "Task title")
	f.StringVar(&description, "description", "", "Task description")
	f.StringVar(&taskType, "type", "", "Task type")
	f.IntVar(&priority, "priority", 0, "Priority; higher is routed first")
	f.StringSliceVar(&capabilities, "capability", nil, "Required worker capability (repeatable)")
	f.StringVar(&preferred, "preferred-worker", "", "Worker to try first")
	f.StringArrayVar(&gates, "gate", nil, "Verification gate as type or type={json params} (repeatable, in order)")
	f.StringVar(&chainFile, "chain-file", "", "YAML or JSON file holding the verification chain")
	return cmd
}

// buildChain combines --gate flags with an optional chain file; file gates
// come first.
func buildChain(flags []string, file string) ([]task.Gate, error) {
	var chain []task.Gate
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read chain file: %w", err)
		}
		var decoded []map[string]any
		if err := yaml.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("parse chain file: %w", err)
		}
		asJSON, err := json.Marshal(decoded)
		if err != nil {
			return nil, fmt.Errorf("encode chain file: %w", err)
		}
		if err := json.Unmarshal(asJSON, &chain); err != nil {
			return nil, fmt.Errorf("decode chain file: %w", err)
		}
	}
	for _, raw := range flags {
		g, err := parseGateFlag(raw)
		if err != nil {
			return nil, err
		}
		chain = append(chain, g)
	}
	if err := task.ValidateChain(chain); err != nil {
		return nil, err
	}
	return chain, nil
}

func parseGateFlag(raw string) (task.Gate, error) {
	raw = strings.TrimSpace(raw)
	gateType, params, hasParams := strings.Cut(raw, "=")
	g := task.Gate{Type: task.GateType(strings.TrimSpace(gateType))}
	if name, typ, named := strings.Cut(string(g.Type), ":"); named {
		g.Name, g.Type = name, task.GateType(typ)
	}
	if hasParams {
		if !json.Valid([]byte(params)) {
			return task.Gate{}, fmt.Errorf("gate %q: params are not valid JSON", raw)
		}
		g.Params = json.RawMessage(params)
	}
	return g, nil
}

func newTaskListCommand(c *cli) *cobra.Command {
	var (
		statuses, stages []string
		workerID         string
		limit            int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := task.Filter{AssignedWorker: workerID, Limit: limit}
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, task.Status(s))
			}
			for _, s := range stages {
				f.Stages = append(f.Stages, task.Stage(s))
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				tasks, err := ct.Status.Tasks(ctx, f)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), tasks)
				}
				tbl := newTable("ID", "TITLE", "STATUS", "STAGE", "GATE", "WORKER", "PRI", "FAILS")
				for _, t := range tasks {
					tbl.add(t.ID, t.Title, colourState(string(t.Status)), orDash(string(t.Stage)), orDash(t.CurrentGate),
						orDash(t.AssignedWorker), strconv.Itoa(t.Priority), strconv.Itoa(t.FailureCount))
				}
				tbl.render(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status")
	cmd.Flags().StringSliceVar(&stages, "stage", nil, "Filter by stage")
	cmd.Flags().StringVar(&workerID, "worker", "", "Filter by assigned worker")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newTaskShowCommand(c *cli) *cobra.Command {
	var transitions int
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its recent gate transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				detail, err := ct.Status.Task(ctx, args[0], transitions)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), detail)
				}
				out := cmd.OutOrStdout()
				t := detail.Task
				printSection(out, t.ID+"  "+t.Title)
				fmt.Fprintf(out, "status   %s\nstage    %s\ngate     %s\nworker   %s\nfailures %d\ncreated  %s\nstarted  %s\n",
					colourState(string(t.Status)), orDash(string(t.Stage)), orDash(t.CurrentGate),
					orDash(t.AssignedWorker), t.FailureCount, formatTime(t.CreatedAt), formatTimePtr(t.StartedAt))
				if t.Plan != nil {
					approved := "pending"
					if t.Plan.Approved != nil {
						approved = strconv.FormatBool(*t.Plan.Approved)
					}
					fmt.Fprintf(out, "plan     v%d approved=%s\n", t.Plan.Version, colourState(approved))
				}
				if len(t.VerificationChain) > 0 {
					printSection(out, "Verification chain")
					for i, g := range t.VerificationChain {
						marker := "  "
						if g.ID() == t.CurrentGate {
							marker = styleWarn("> ")
						}
						fmt.Fprintf(out, "%s%d. %s (%s)\n", marker, i+1, g.ID(), g.Type)
					}
				}
				if len(detail.Transitions) > 0 {
					printSection(out, "Transitions")
					tbl := newTable("AT", "FROM", "TO", "PASSED", "REASON")
					for _, tr := range detail.Transitions {
						tbl.add(formatTime(tr.TransitionedAt), tr.FromGate, orDash(tr.ToGate),
							colourState(strconv.FormatBool(tr.Passed)), orDash(tr.Reason))
					}
					tbl.render(out)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&transitions, "transitions", 10, "How many recent transitions to show")
	return cmd
}

func newTaskAdvanceCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <task-id>",
		Short: "Evaluate the task's current gate and advance it when it passes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				res, err := ct.Lifecycle.AdvanceTask(ctx, args[0])
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				switch {
				case res.Completed:
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s completed\n", styleOK("done"), res.TaskID)
				case res.Advanced:
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s -> %s\n", styleOK("advanced"), res.TaskID, res.FromGate, res.CurrentGate)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s held at %s: %s\n", styleWarn("blocked"), res.TaskID, orDash(res.CurrentGate), res.Reason)
					if res.Escalated {
						fmt.Fprintln(cmd.OutOrStdout(), styleWarn("repeated gate failures were escalated"))
					}
				}
				return nil
			})
		},
	}
}

func newTaskStartCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Move a task with an approved plan into in_progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				ok, reason, err := ct.Lifecycle.CanStartWork(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("task %s cannot start: %s", args[0], reason)
				}
				t, err := ct.Lifecycle.StartWorkOnTask(ctx, args[0])
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), t)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s is %s\n", styleOK("started"), t.ID, t.Stage)
				return nil
			})
		},
	}
}

func newTaskFailCommand(c *cli) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Record a failed attempt; the task is quarantined once retries run out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				res, err := ct.Escalations.HandleTaskFailure(ctx, args[0], reason)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				if res.Quarantined {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s after %d failures (dlq %s)\n", styleError("quarantined"), res.TaskID, res.FailureCount, res.Entry.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s, attempt %d/%d\n", styleWarn("requeued"), res.TaskID, res.FailureCount, ct.Escalations.MaxRetries())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "marked failed from the CLI", "Failure reason")
	return cmd
}

func newRouteCommand(c *cli) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "route <task-id>",
		Short: "Assign a task to the best available worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s coordinator.Strategy
			if strategy != "" {
				parsed, err := coordinator.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				s = parsed
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				res, err := ct.Coordinator.RouteTask(ctx, args[0], s)
				if c.output() == outputJSON {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
					return err
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s (%s, %s)\n", styleOK("routed"), res.TaskID, styleBold(res.WorkerID), res.Strategy, res.Latency)
				return nil
			})
		},
	}
	names := make([]string, 0, len(coordinator.Strategies()))
	for _, s := range coordinator.Strategies() {
		names = append(names, string(s))
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "Routing strategy ("+strings.Join(names, "|")+")")
	return cmd
}
