package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/executor"
	"github.com/t77yq/agent-planner/internal/handler"
	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/planner"
	"github.com/t77yq/agent-planner/internal/storage"
)

var (
	// ErrPlanBusy is returned when a manual operation targets a plan whose engine is running,
	// or when a run is started while a task is executed manually
	ErrPlanBusy = executor.ErrPlanBusy

	// ErrTaskNotPending is returned when manually executing a task that already ran
	ErrTaskNotPending = errors.New("task is not pending")

	// ErrUnknownAction is returned for an unsupported control action
	ErrUnknownAction = errors.New("unknown control action")

	// ErrInvalidPage is returned for a negative list limit or offset
	ErrInvalidPage = errors.New("limit and offset must not be negative")

	// ErrInvalidStatusFilter is returned when listing by an unknown plan status
	ErrInvalidStatusFilter = errors.New("unknown plan status")
)

// EventSink receives engine notifications
type EventSink interface {
	Publish(ctx context.Context, event *model.PlanEvent) error
}

// Option configures an AgentService
type Option func(*AgentService)

// WithHistory records task executions in h
func WithHistory(h executor.HistoryRecorder) Option {
	return func(s *AgentService) { s.history = h }
}

// WithEventSink forwards engine notifications to sink
func WithEventSink(sink EventSink) Option {
	return func(s *AgentService) { s.events = sink }
}

// WithCompletionPolicy sets the completion policy of every engine
func WithCompletionPolicy(p executor.CompletionPolicy) Option {
	return func(s *AgentService) { s.policy = p }
}

// WithDefaultMaxTasks sets maxTasks for requests that omit it
func WithDefaultMaxTasks(n int) Option {
	return func(s *AgentService) { s.defaultMaxTasks = n }
}

// AgentService creates plans, applies updates, and drives one engine per plan
type AgentService struct {
	logger   *zap.Logger
	builder  *planner.Builder
	store    storage.PlanStore
	handlers handler.TaskHandler
	history  executor.HistoryRecorder
	events   EventSink
	policy   executor.CompletionPolicy
	now      func() time.Time

	defaultMaxTasks int

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	engines map[string]*executor.Engine
}

// NewAgentService creates the service
func NewAgentService(logger *zap.Logger, builder *planner.Builder, store storage.PlanStore, handlers handler.TaskHandler, opts ...Option) *AgentService {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &AgentService{
		logger:          logger.Named("agent-service"),
		builder:         builder,
		store:           store,
		handlers:        handlers,
		policy:          executor.CompletionSucceeded,
		now:             time.Now,
		defaultMaxTasks: model.DefaultMaxTasks,
		runCtx:          runCtx,
		cancelRun:       cancel,
		engines:         make(map[string]*executor.Engine),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePlan builds and stores a plan for req. Autonomous plans start
// executing right away.
func (s *AgentService) CreatePlan(ctx context.Context, req model.CreatePlanRequest) model.CreatePlanResponse {
	plan, err := s.createPlan(ctx, req)
	if err != nil {
		s.logger.Warn("Plan creation rejected", zap.Error(err))
		return model.CreatePlanResponse{
			Success: false,
			Error:   fmt.Sprintf("Failed to create agent: %v", err),
		}
	}

	return model.CreatePlanResponse{
		Success: true,
		AgentID: plan.ID,
		Plan:    plan,
		Message: fmt.Sprintf("Agent created successfully with %d tasks for goal: %q", len(plan.Tasks), plan.Goal),
	}
}

func (s *AgentService) createPlan(ctx context.Context, req model.CreatePlanRequest) (*model.Plan, error) {
	if req.Priority != "" && !req.Priority.IsValid() {
		return nil, fmt.Errorf("%w: %q", planner.ErrInvalidPriority, req.Priority)
	}

	in := planner.Input{
		Goal:        req.Goal,
		Context:     req.Context,
		Constraints: req.Constraints,
		MaxTasks:    req.MaxTasks,
	}
	if in.MaxTasks == 0 {
		in.MaxTasks = s.defaultMaxTasks
	}

	tasks, err := s.builder.Build(ctx, in)
	if err != nil {
		return nil, err
	}

	goal := strings.TrimSpace(req.Goal)
	description := req.Context
	if description == "" {
		description = fmt.Sprintf("Autonomous execution plan for: %s", goal)
	}

	now := s.now()
	plan := &model.Plan{
		ID:          "agent-" + uuid.New().String(),
		Title:       fmt.Sprintf("Agent Plan: %s", goal),
		Description: description,
		Goal:        goal,
		Tasks:       tasks,
		Status:      model.PlanStatusPlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, plan); err != nil {
		return nil, err
	}

	s.logger.Info("Plan created",
		zap.String("plan_id", plan.ID),
		zap.Int("tasks", len(tasks)),
		zap.Bool("autonomous", req.Autonomous()))

	if req.Autonomous() {
		if err := s.StartPlan(ctx, plan.ID); err != nil {
			return nil, err
		}
	}
	return s.store.Get(ctx, plan.ID)
}

// ExecuteTask runs a single pending task by hand
func (s *AgentService) ExecuteTask(ctx context.Context, req model.ExecuteTaskRequest) model.ExecuteTaskResponse {
	task, err := s.executeTask(ctx, req)
	if err != nil {
		resp := model.ExecuteTaskResponse{
			Success: false,
			TaskID:  req.TaskID,
			Error:   fmt.Sprintf("Task execution failed: %v", err),
		}
		if task != nil {
			resp.Status = task.Status
		}
		return resp
	}

	return model.ExecuteTaskResponse{
		Success: true,
		TaskID:  task.ID,
		Result:  task.Result,
		Status:  task.Status,
		Message: fmt.Sprintf("Task %s executed successfully", task.ID),
	}
}

func (s *AgentService) executeTask(ctx context.Context, req model.ExecuteTaskRequest) (*model.Task, error) {
	if e := s.existingEngine(req.AgentID); e != nil && e.IsExecuting() {
		return nil, fmt.Errorf("%w: %s", ErrPlanBusy, req.AgentID)
	}

	// claim the task in one step so a concurrent engine run cannot pick it up
	plan, err := s.store.Mutate(ctx, req.AgentID, func(p *model.Plan) error {
		t := p.Task(req.TaskID)
		if t == nil {
			return fmt.Errorf("%w: %s", storage.ErrTaskNotFound, req.TaskID)
		}
		if t.Status != model.TaskStatusPending {
			return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, t.ID, t.Status)
		}
		t.SetStatus(model.TaskStatusInProgress, time.Now())
		p.Status = p.DeriveStatus()
		return nil
	})
	if err != nil {
		return nil, err
	}
	task := plan.Task(req.TaskID)

	result, execErr := s.handlers.Execute(handler.WithParameters(ctx, req.Parameters), task)

	update := model.TaskStatusUpdate{TaskID: task.ID, Status: model.TaskStatusCompleted, Result: result}
	if execErr != nil {
		update = model.TaskStatusUpdate{TaskID: task.ID, Status: model.TaskStatusFailed, Error: execErr.Error()}
	}
	plan, err = s.store.ApplyUpdates(context.Background(), plan.ID, model.PlanUpdates{
		UpdateTaskStatus: []model.TaskStatusUpdate{update},
	})
	if err != nil {
		return nil, err
	}

	task = plan.Task(task.ID)
	s.logger.Info("Task executed manually",
		zap.String("plan_id", plan.ID),
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.Int("progress", plan.Progress))
	s.publish(&model.PlanEvent{Kind: model.EventProgress, PlanID: plan.ID, Plan: plan})

	if execErr != nil {
		return task, execErr
	}
	return task, nil
}

// UpdatePlan applies a batch of updates to a plan
func (s *AgentService) UpdatePlan(ctx context.Context, req model.PlanUpdateRequest) model.PlanUpdateResponse {
	plan, err := s.store.ApplyUpdates(ctx, req.AgentID, req.Updates)
	if err != nil {
		s.logger.Warn("Plan update rejected",
			zap.String("plan_id", req.AgentID),
			zap.Error(err))
		return model.PlanUpdateResponse{
			Success: false,
			AgentID: req.AgentID,
			Error:   fmt.Sprintf("Failed to update agent plan: %v", err),
		}
	}

	s.publish(&model.PlanEvent{Kind: model.EventProgress, PlanID: plan.ID, Plan: plan})
	return model.PlanUpdateResponse{
		Success: true,
		AgentID: plan.ID,
		Plan:    plan,
		Message: "Agent plan updated successfully",
	}
}

// GetPlan returns a plan snapshot
func (s *AgentService) GetPlan(ctx context.Context, planID string) model.PlanResponse {
	plan, err := s.store.Get(ctx, planID)
	if err != nil {
		return model.PlanResponse{Success: false, Error: err.Error()}
	}
	return model.PlanResponse{Success: true, Plan: plan}
}

// ListPlans returns a page of plan snapshots
func (s *AgentService) ListPlans(ctx context.Context, req model.ListPlansRequest) model.ListPlansResponse {
	plans, err := s.listPlans(ctx, req)
	if err != nil {
		return model.ListPlansResponse{
			Success: false,
			Plans:   []*model.Plan{},
			Error:   fmt.Sprintf("Failed to list agent plans: %v", err),
		}
	}
	return model.ListPlansResponse{Success: true, Plans: plans}
}

func (s *AgentService) listPlans(ctx context.Context, req model.ListPlansRequest) ([]*model.Plan, error) {
	if req.Limit < 0 || req.Offset < 0 {
		return nil, fmt.Errorf("%w: limit %d, offset %d", ErrInvalidPage, req.Limit, req.Offset)
	}
	for _, status := range req.Status {
		if !status.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatusFilter, status)
		}
	}

	plans, err := s.store.List(ctx, storage.PlanFilter{Status: req.Status, Limit: req.Limit, Offset: req.Offset})
	if err != nil {
		return nil, err
	}
	if plans == nil {
		plans = []*model.Plan{}
	}
	return plans, nil
}

// Control dispatches a lifecycle action
func (s *AgentService) Control(ctx context.Context, req model.ControlRequest) model.PlanResponse {
	var err error
	switch req.Action {
	case model.ControlStart:
		err = s.StartPlan(ctx, req.AgentID)
	case model.ControlPause:
		err = s.PausePlan(ctx, req.AgentID)
	case model.ControlResume:
		err = s.ResumePlan(ctx, req.AgentID)
	case model.ControlStop:
		err = s.StopPlan(ctx, req.AgentID)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	if err != nil {
		return model.PlanResponse{Success: false, Error: err.Error()}
	}
	return s.GetPlan(ctx, req.AgentID)
}

// StartPlan starts executing a plan in the background
func (s *AgentService) StartPlan(ctx context.Context, planID string) error {
	if _, err := s.store.Get(ctx, planID); err != nil {
		return err
	}
	return s.engine(planID).Start(s.runCtx, planID)
}

// PausePlan pauses a running plan
func (s *AgentService) PausePlan(ctx context.Context, planID string) error {
	if _, err := s.store.Get(ctx, planID); err != nil {
		return err
	}
	if e := s.existingEngine(planID); e != nil {
		e.Pause()
	}
	return nil
}

// ResumePlan resumes a paused plan
func (s *AgentService) ResumePlan(ctx context.Context, planID string) error {
	if _, err := s.store.Get(ctx, planID); err != nil {
		return err
	}
	if e := s.existingEngine(planID); e != nil {
		return e.Resume(s.runCtx)
	}
	return nil
}

// StopPlan stops a plan permanently
func (s *AgentService) StopPlan(ctx context.Context, planID string) error {
	if _, err := s.store.Get(ctx, planID); err != nil {
		return err
	}
	if e := s.existingEngine(planID); e != nil {
		e.Stop()
	}
	return nil
}

// Wait blocks until the plan's current run loop exits
func (s *AgentService) Wait(planID string) {
	if e := s.existingEngine(planID); e != nil {
		e.Wait()
	}
}

// ActiveEngines returns the number of engines currently executing
func (s *AgentService) ActiveEngines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.engines {
		if e.IsExecuting() {
			n++
		}
	}
	return n
}

// Cleanup evicts finished plans last updated before the cutoff and drops
// their engines
func (s *AgentService) Cleanup(ctx context.Context, before time.Time) (int, error) {
	n, err := s.store.EvictBefore(ctx, before)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for id := range s.engines {
		if _, err := s.store.Get(ctx, id); errors.Is(err, storage.ErrPlanNotFound) {
			delete(s.engines, id)
		}
	}
	s.mu.Unlock()
	return n, nil
}

// Close cancels every run and waits for the run loops to exit
func (s *AgentService) Close() {
	s.cancelRun()

	s.mu.Lock()
	engines := make([]*executor.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	for _, e := range engines {
		e.Wait()
	}
}

func (s *AgentService) existingEngine(planID string) *executor.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engines[planID]
}

func (s *AgentService) engine(planID string) *executor.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.engines[planID]; ok {
		return e
	}

	opts := []executor.Option{
		executor.WithCallbacks(s.callbacks()),
		executor.WithCompletionPolicy(s.policy),
	}
	if s.history != nil {
		opts = append(opts, executor.WithHistory(s.history))
	}
	e := executor.NewEngine(s.logger, s.store, s.handlers, opts...)
	s.engines[planID] = e
	return e
}

func (s *AgentService) callbacks() executor.Callbacks {
	return executor.Callbacks{
		OnProgressUpdate: func(plan *model.Plan) {
			s.publish(&model.PlanEvent{Kind: model.EventProgress, PlanID: plan.ID, Plan: plan})
		},
		OnTaskStart: func(plan *model.Plan, task *model.Task) {
			s.publish(&model.PlanEvent{Kind: model.EventTaskStarted, PlanID: plan.ID, Plan: plan, Task: task})
		},
		OnTaskComplete: func(plan *model.Plan, task *model.Task, result json.RawMessage) {
			s.publish(&model.PlanEvent{Kind: model.EventTaskCompleted, PlanID: plan.ID, Plan: plan, Task: task, Result: result})
		},
		OnAgentComplete: func(plan *model.Plan) {
			s.logger.Info("Plan finished",
				zap.String("plan_id", plan.ID),
				zap.String("status", string(plan.Status)),
				zap.Int("progress", plan.Progress))
			s.publish(&model.PlanEvent{Kind: model.EventPlanCompleted, PlanID: plan.ID, Plan: plan})
		},
	}
}

func (s *AgentService) publish(event *model.PlanEvent) {
	if s.events == nil {
		return
	}
	event.Timestamp = s.now()
	if err := s.events.Publish(context.Background(), event); err != nil {
		s.logger.Error("Failed to publish plan event",
			zap.String("plan_id", event.PlanID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}
