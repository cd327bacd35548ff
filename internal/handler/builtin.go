package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

// AnalysisResult is the result of an analysis task
type AnalysisResult struct {
	Type            string   `json:"type"`
	Analysis        string   `json:"analysis"`
	Insights        []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
}

// CreationResult is the result of a creation task
type CreationResult struct {
	Type    string `json:"type"`
	Created string `json:"created"`
	Content string `json:"content"`
	Format  string `json:"format"`
	Summary string `json:"summary"`
}

// OrganizationResult is the result of an organization task
type OrganizationResult struct {
	Type       string   `json:"type"`
	Structure  string   `json:"structure"`
	Categories []string `json:"categories"`
	Summary    string   `json:"summary"`
}

// GenericResult is the result of any other task
type GenericResult struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Summary string `json:"summary"`
}

// simulatedHandler waits the simulated delay and renders a canned result
type simulatedHandler struct {
	logger *zap.Logger
	delay  time.Duration
	render func(task *model.Task) interface{}
}

func (h *simulatedHandler) Execute(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	if err := simulate(ctx, h.delay); err != nil {
		return nil, err
	}
	h.logger.Info("Task handled",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title))
	return marshalResult(h.render(task))
}

// NewAnalysisHandler creates the analysis handler
func NewAnalysisHandler(logger *zap.Logger, delay time.Duration) TaskHandler {
	return &simulatedHandler{
		logger: logger.Named("analysis"),
		delay:  delay,
		render: func(task *model.Task) interface{} {
			return AnalysisResult{
				Type:            string(model.TaskTypeAnalysis),
				Analysis:        fmt.Sprintf("Analysis of %s", task.Title),
				Insights:        []string{"Insight 1", "Insight 2"},
				Recommendations: []string{"Recommendation 1"},
			}
		},
	}
}

// NewCreationHandler creates the creation handler
func NewCreationHandler(logger *zap.Logger, delay time.Duration) TaskHandler {
	return &simulatedHandler{
		logger: logger.Named("creation"),
		delay:  delay,
		render: func(task *model.Task) interface{} {
			return CreationResult{
				Type:    string(model.TaskTypeCreation),
				Created: fmt.Sprintf("Created content for %s", task.Title),
				Content: "Sample content...",
				Format:  "text",
				Summary: fmt.Sprintf("Created: %s", task.Title),
			}
		},
	}
}

// NewOrganizationHandler creates the organization handler
func NewOrganizationHandler(logger *zap.Logger, delay time.Duration) TaskHandler {
	return &simulatedHandler{
		logger: logger.Named("organization"),
		delay:  delay,
		render: func(task *model.Task) interface{} {
			return OrganizationResult{
				Type:       string(model.TaskTypeOrganization),
				Structure:  fmt.Sprintf("Organized structure for %s", task.Title),
				Categories: []string{"Planning", "Execution", "Review"},
				Summary:    fmt.Sprintf("Organized: %s", task.Title),
			}
		},
	}
}

// NewGenericHandler creates the handler used for communication tasks and
// any type without a dedicated handler
func NewGenericHandler(logger *zap.Logger, delay time.Duration) TaskHandler {
	return &simulatedHandler{
		logger: logger.Named("generic"),
		delay:  delay,
		render: func(task *model.Task) interface{} {
			return GenericResult{
				Type:    "generic",
				Result:  fmt.Sprintf("Task %s completed", task.Title),
				Summary: fmt.Sprintf("Completed: %s", task.Title),
			}
		},
	}
}

// FailingHandler always fails with Err after the delay
type FailingHandler struct {
	Err   error
	Delay time.Duration
}

// Execute implements TaskHandler
func (h FailingHandler) Execute(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	if err := simulate(ctx, h.Delay); err != nil {
		return nil, err
	}
	if h.Err != nil {
		return nil, h.Err
	}
	return nil, fmt.Errorf("task %s failed", task.ID)
}
