package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

const researchMaxResults = 5

// ResearchResult is the result of a research task
type ResearchResult struct {
	Type       string                 `json:"type"`
	Findings   interface{}            `json:"findings"`
	Sources    []string               `json:"sources,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Query      string                 `json:"query,omitempty"`
	Summary    string                 `json:"summary"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ResearchHandler handles research tasks, optionally backed by web search
type ResearchHandler struct {
	logger   *zap.Logger
	delay    time.Duration
	searcher Searcher
}

// NewResearchHandler creates a research handler. A nil searcher disables
// web search.
func NewResearchHandler(logger *zap.Logger, delay time.Duration, searcher Searcher) *ResearchHandler {
	return &ResearchHandler{
		logger:   logger.Named("research"),
		delay:    delay,
		searcher: searcher,
	}
}

// Execute performs the research task
func (h *ResearchHandler) Execute(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	if h.searcher != nil {
		query := strings.TrimSpace(task.Title + " " + task.Description)
		resp, err := h.searcher.Search(ctx, SearchRequest{Query: query, MaxResults: researchMaxResults})
		if err == nil {
			h.logger.Info("Research answered from web search",
				zap.String("task_id", task.ID),
				zap.Int("results", len(resp.Results)))
			return marshalResult(ResearchResult{
				Type:       string(model.TaskTypeResearch),
				Findings:   resp.Results,
				Query:      query,
				Summary:    fmt.Sprintf("Found %d results for research task", resp.TotalResults),
				Parameters: Parameters(ctx),
			})
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.logger.Warn("Web search failed, falling back",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	if err := simulate(ctx, h.delay); err != nil {
		return nil, err
	}

	h.logger.Info("Research completed", zap.String("task_id", task.ID))
	return marshalResult(ResearchResult{
		Type:       string(model.TaskTypeResearch),
		Findings:   fmt.Sprintf("Research findings for %s", task.Title),
		Sources:    []string{"source1.com", "source2.com"},
		Confidence: 0.85,
		Summary:    fmt.Sprintf("Research completed for: %s", task.Title),
		Parameters: Parameters(ctx),
	})
}
