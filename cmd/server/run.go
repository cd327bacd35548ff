package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/storage"
)

type runOptions struct {
	goal        string
	context     string
	constraints []string
	maxTasks    int
	output      string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build and execute a single plan locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			store := storage.NewMemoryPlanStore(logger)
			svc := newService(cfg, logger, store)
			defer svc.Close()
			return runPlan(cmd.Context(), logger, svc, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.goal, "goal", "g", "", "goal to plan for")
	cmd.Flags().StringVar(&opts.context, "context", "", "additional context")
	cmd.Flags().StringArrayVar(&opts.constraints, "constraint", nil, "constraint (repeatable)")
	cmd.Flags().IntVarP(&opts.maxTasks, "max-tasks", "n", 0, "maximum number of tasks")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the final plan as YAML to this file")
	_ = cmd.MarkFlagRequired("goal")

	return cmd
}

type planRunner interface {
	CreatePlan(ctx context.Context, req model.CreatePlanRequest) model.CreatePlanResponse
	GetPlan(ctx context.Context, planID string) model.PlanResponse
	Wait(planID string)
}

func runPlan(ctx context.Context, logger *zap.Logger, svc planRunner, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	created := svc.CreatePlan(ctx, model.CreatePlanRequest{
		Goal:        opts.goal,
		Context:     opts.context,
		Constraints: opts.constraints,
		MaxTasks:    opts.maxTasks,
	})
	if !created.Success {
		return fmt.Errorf("%s", created.Error)
	}
	logger.Info(created.Message, zap.String("plan_id", created.AgentID))

	svc.Wait(created.AgentID)

	final := svc.GetPlan(ctx, created.AgentID)
	if !final.Success {
		return fmt.Errorf("%s", final.Error)
	}
	for _, task := range final.Plan.Tasks {
		logger.Info("Task outcome",
			zap.String("task", task.Title),
			zap.String("status", string(task.Status)),
			zap.String("error", task.Error))
	}
	logger.Info("Plan finished",
		zap.String("plan_id", final.Plan.ID),
		zap.String("status", string(final.Plan.Status)),
		zap.Int("progress", final.Plan.Progress))

	if opts.output == "" {
		return nil
	}
	data, err := planYAML(final.Plan)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	logger.Info("Plan written", zap.String("path", opts.output))
	return nil
}

// planYAML renders the plan with its JSON field names and results inlined
func planYAML(plan *model.Plan) ([]byte, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return yaml.Marshal(doc)
}
