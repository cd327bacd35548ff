package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

// TaskHandler executes one task and returns its JSON result
type TaskHandler interface {
	Execute(ctx context.Context, task *model.Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context, task *model.Task) (json.RawMessage, error)

// Execute implements TaskHandler
func (f HandlerFunc) Execute(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Options configures the built-in handlers
type Options struct {
	// Delay is the simulated work time of every built-in handler
	Delay time.Duration

	// WebSearchEnabled lets the research handler query Searcher
	WebSearchEnabled bool
	Searcher         Searcher
}

// Registry maps task types to handlers. Types without a registered handler
// run the generic handler.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[model.TaskType]TaskHandler
	fallback TaskHandler
}

// NewRegistry creates a registry with the built-in handlers registered
func NewRegistry(logger *zap.Logger, opts Options) *Registry {
	logger = logger.Named("handler")
	generic := NewGenericHandler(logger, opts.Delay)

	r := &Registry{
		logger:   logger,
		handlers: make(map[model.TaskType]TaskHandler),
		fallback: generic,
	}

	var searcher Searcher
	if opts.WebSearchEnabled {
		searcher = opts.Searcher
	}
	r.Register(model.TaskTypeResearch, NewResearchHandler(logger, opts.Delay, searcher))
	r.Register(model.TaskTypeAnalysis, NewAnalysisHandler(logger, opts.Delay))
	r.Register(model.TaskTypeCreation, NewCreationHandler(logger, opts.Delay))
	r.Register(model.TaskTypeOrganization, NewOrganizationHandler(logger, opts.Delay))
	r.Register(model.TaskTypeCommunication, generic)

	return r
}

// Register installs h for taskType, replacing any previous handler
func (r *Registry) Register(taskType model.TaskType, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Handler returns the handler for taskType
func (r *Registry) Handler(taskType model.TaskType) TaskHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[taskType]; ok {
		return h
	}
	return r.fallback
}

// Execute runs task through the handler registered for its type
func (r *Registry) Execute(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	return r.Handler(task.Type).Execute(ctx, task)
}

type paramsKey struct{}

// WithParameters attaches manual execution parameters to ctx
func WithParameters(ctx context.Context, params map[string]interface{}) context.Context {
	if len(params) == 0 {
		return ctx
	}
	return context.WithValue(ctx, paramsKey{}, params)
}

// Parameters returns the manual execution parameters carried by ctx
func Parameters(ctx context.Context) map[string]interface{} {
	params, _ := ctx.Value(paramsKey{}).(map[string]interface{})
	return params
}

// simulate waits for the simulated work delay or until ctx is done
func simulate(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func marshalResult(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}
