package planner

import (
	"context"

	"github.com/t77yq/agent-planner/internal/model"
)

// TaskDraft is one task proposed by an analyzer, before ids are assigned
type TaskDraft struct {
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	Type          model.TaskType     `json:"type"`
	EstimatedTime int                `json:"estimatedTime"`
	Priority      model.TaskPriority `json:"priority"`
}

// Analyzer breaks a goal into task drafts. Implementations typically call a
// language model; the builder validates the drafts and falls back to its
// keyword policy on any error.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) ([]TaskDraft, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface
type AnalyzerFunc func(ctx context.Context, in Input) ([]TaskDraft, error)

// Analyze implements Analyzer
func (f AnalyzerFunc) Analyze(ctx context.Context, in Input) ([]TaskDraft, error) {
	return f(ctx, in)
}
