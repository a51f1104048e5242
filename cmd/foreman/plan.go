package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"foreman/internal/delivery/server/bootstrap"
	"foreman/internal/domain/task"
)

func newPlanCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Submit and review execution plans",
	}
	cmd.AddCommand(newPlanSubmitCommand(c), newPlanReviewCommand(c, true), newPlanReviewCommand(c, false))
	return cmd
}

func newPlanSubmitCommand(c *cli) *cobra.Command {
	var (
		file, approach, verification, by string
		steps, files, risks              []string
		minutes                          int
	)
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit a plan, from flags or a YAML/JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan := &task.Plan{}
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read plan file: %w", err)
				}
				if err := decodePlan(raw, plan); err != nil {
					return err
				}
			}
			if approach != "" {
				plan.Approach = approach
			}
			if len(steps) > 0 {
				plan.Steps = steps
			}
			if len(files) > 0 {
				plan.FilesAffected = files
			}
			if len(risks) > 0 {
				plan.Risks = risks
			}
			if verification != "" {
				plan.VerificationApproach = verification
			}
			if cmd.Flags().Changed("minutes") {
				plan.EstimatedDurationMinutes = &minutes
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				res, err := ct.Lifecycle.SubmitPlan(ctx, args[0], plan, by)
				if c.output() == outputJSON {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
						return perr
					}
					return err
				}
				out := cmd.OutOrStdout()
				for _, w := range res.Validation.Warnings {
					fmt.Fprintln(out, styleWarn("warning: "+w))
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s plan v%d for %s, awaiting review\n", styleOK("submitted"), res.Task.Plan.Version, res.Task.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "Plan file (YAML or JSON)")
	f.StringVar(&approach, "approach", "", "Approach summary")
	f.StringArrayVar(&steps, "step", nil, "Plan step (repeatable, in order)")
	f.StringSliceVar(&files, "files", nil, "Files affected")
	f.StringArrayVar(&risks, "risk", nil, "Known risk (repeatable)")
	f.StringVar(&verification, "verification", "", "How the result will be verified")
	f.IntVar(&minutes, "minutes", 0, "Estimated duration in minutes")
	f.StringVar(&by, "by", "", "Submitting worker")
	return cmd
}

// decodePlan accepts JSON or YAML; YAML goes through JSON so both honour
// the plan's json field names.
func decodePlan(raw []byte, plan *task.Plan) error {
	if json.Valid(raw) {
		if err := json.Unmarshal(raw, plan); err != nil {
			return fmt.Errorf("parse plan file: %w", err)
		}
		return nil
	}
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("parse plan file: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("encode plan file: %w", err)
	}
	if err := json.Unmarshal(asJSON, plan); err != nil {
		return fmt.Errorf("decode plan file: %w", err)
	}
	return nil
}

func newPlanReviewCommand(c *cli, approve bool) *cobra.Command {
	var feedback, reviewer string
	use, short := "approve <task-id>", "Approve the submitted plan"
	if !approve {
		use, short = "reject <task-id>", "Reject the submitted plan with feedback"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !approve && strings.TrimSpace(feedback) == "" {
				return fmt.Errorf("--feedback is required when rejecting")
			}
			return c.withContainer(cmd, func(ctx context.Context, ct *bootstrap.Container) error {
				t, err := ct.Lifecycle.ReviewPlan(ctx, args[0], approve, feedback, reviewer)
				if err != nil {
					return err
				}
				if c.output() == outputJSON {
					return printJSON(cmd.OutOrStdout(), t)
				}
				verdict := styleOK("approved")
				if !approve {
					verdict = styleError("rejected")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s plan v%d for %s (stage %s)\n", verdict, t.Plan.Version, t.ID, t.Stage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "Reviewer feedback")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Reviewer identity")
	return cmd
}
