package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/handler"
	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/planner"
	"github.com/t77yq/agent-planner/internal/storage"
)

// CompletionPolicy decides the final plan status once every task is terminal
type CompletionPolicy string

const (
	// CompletionSucceeded completes the plan only if every task completed;
	// otherwise the plan fails
	CompletionSucceeded CompletionPolicy = "succeeded"

	// CompletionTerminal completes the plan once every task is terminal and
	// reports progress 100
	CompletionTerminal CompletionPolicy = "terminal"
)

// Callbacks are invoked synchronously after the corresponding mutation.
// Every plan and task passed in is a snapshot. Nil callbacks are skipped.
type Callbacks struct {
	OnProgressUpdate func(plan *model.Plan)
	OnTaskStart      func(plan *model.Plan, task *model.Task)
	OnTaskComplete   func(plan *model.Plan, task *model.Task, result json.RawMessage)
	OnAgentComplete  func(plan *model.Plan)
}

// HistoryRecorder records task executions
type HistoryRecorder interface {
	Store(ctx context.Context, history *storage.TaskHistory) error
	Update(ctx context.Context, history *storage.TaskHistory) error
}

type engineState int

const (
	stateIdle engineState = iota
	stateRunning
	statePaused
	stateStopped
	stateFinished
)

// Option configures an Engine
type Option func(*Engine)

// WithCallbacks sets the engine callbacks
func WithCallbacks(cb Callbacks) Option {
	return func(e *Engine) { e.callbacks = cb }
}

// WithHistory records every task execution in h
func WithHistory(h HistoryRecorder) Option {
	return func(e *Engine) { e.history = h }
}

// WithCompletionPolicy sets how a fully visited plan is finalized
func WithCompletionPolicy(p CompletionPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs the tasks of one plan at a time, sequentially and in list
// order. Pause and stop requests take effect between tasks.
type Engine struct {
	logger    *zap.Logger
	store     storage.PlanStore
	handlers  handler.TaskHandler
	history   HistoryRecorder
	callbacks Callbacks
	policy    CompletionPolicy
	now       func() time.Time

	mu     sync.Mutex
	planID string
	state  engineState
	pause  bool
	stop   bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine reading and writing plans in store
func NewEngine(logger *zap.Logger, store storage.PlanStore, handlers handler.TaskHandler, opts ...Option) *Engine {
	e := &Engine{
		logger:   logger.Named("engine"),
		store:    store,
		handlers: handlers,
		policy:   CompletionSucceeded,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins executing the plan in the background. The run stops when
// ctx is cancelled.
func (e *Engine) Start(ctx context.Context, planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateRunning {
		return ErrAlreadyExecuting
	}

	plan, err := e.store.Get(ctx, planID)
	if err != nil {
		return err
	}
	if len(plan.Tasks) == 0 {
		return ErrEmptyPlan
	}
	if plan.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrPlanFinished, planID, plan.Status)
	}
	if err := checkIdle(plan); err != nil {
		return err
	}

	for _, v := range planner.CheckDependencies(plan.Tasks) {
		e.logger.Warn("Dependency not honored by sequential execution",
			zap.String("plan_id", planID),
			zap.String("violation", v.String()))
	}

	plan, err = e.setStatus(ctx, planID, model.PlanStatusExecuting)
	if err != nil {
		return err
	}

	e.planID = planID
	e.pause = false
	e.stop = false
	e.launch(ctx, planID)

	e.logger.Info("Execution started",
		zap.String("plan_id", planID),
		zap.Int("tasks", len(plan.Tasks)))
	return nil
}

// launch must be called with e.mu held
func (e *Engine) launch(ctx context.Context, planID string) {
	runCtx, cancel := context.WithCancel(ctx)
	e.state = stateRunning
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx, planID, e.done)
}

// Execute runs the plan and blocks until the run ends
func (e *Engine) Execute(ctx context.Context, planID string) error {
	if err := e.Start(ctx, planID); err != nil {
		return err
	}
	e.Wait()
	return nil
}

// Wait blocks until the current run loop exits. It returns immediately when
// nothing is running.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Pause asks the run to stop before the next task. The plan is marked
// paused right away.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != stateRunning || e.pause || e.stop {
		e.mu.Unlock()
		return
	}
	e.pause = true
	planID := e.planID
	plan, err := e.setStatus(context.Background(), planID, model.PlanStatusPaused)
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("Failed to pause plan", zap.String("plan_id", planID), zap.Error(err))
		return
	}
	e.logger.Info("Execution paused", zap.String("plan_id", planID))
	e.notifyProgress(plan)
}

// Resume continues a paused run from the first task that is not terminal.
// Resuming with nothing paused is a no-op.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()

	switch {
	case e.state == stateStopped:
		e.mu.Unlock()
		return ErrStopped
	case e.state == stateRunning && e.pause && !e.stop:
		// the loop has not reached a checkpoint yet
		e.pause = false
	case e.state == statePaused:
		plan, err := e.store.Get(ctx, e.planID)
		if err == nil {
			err = checkIdle(plan)
		}
		if err != nil {
			e.mu.Unlock()
			return err
		}
		e.pause = false
		e.launch(ctx, e.planID)
	default:
		e.mu.Unlock()
		return nil
	}

	plan, err := e.setStatus(ctx, e.planID, model.PlanStatusExecuting)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.logger.Info("Execution resumed",
		zap.String("plan_id", plan.ID),
		zap.Int("progress", plan.Progress))
	e.notifyProgress(plan)
	return nil
}

// Stop ends the run permanently before the next task. The plan is marked
// failed right away; a task already in flight keeps its last status.
func (e *Engine) Stop() {
	e.mu.Lock()
	if (e.state != stateRunning && e.state != statePaused) || e.stop {
		e.mu.Unlock()
		return
	}
	if e.state == statePaused {
		e.state = stateStopped
	}
	e.stop = true
	planID := e.planID
	plan, err := e.setStatus(context.Background(), planID, model.PlanStatusFailed)
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("Failed to stop plan", zap.String("plan_id", planID), zap.Error(err))
		return
	}
	e.logger.Info("Execution stopped", zap.String("plan_id", planID))
	e.notifyProgress(plan)
}

// Current returns a snapshot of the plan the engine is working on, or nil
func (e *Engine) Current() *model.Plan {
	e.mu.Lock()
	planID := e.planID
	e.mu.Unlock()
	if planID == "" {
		return nil
	}
	plan, err := e.store.Get(context.Background(), planID)
	if err != nil {
		return nil
	}
	return plan
}

// IsExecuting reports whether a run is active and not paused or stopping
func (e *Engine) IsExecuting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning && !e.pause && !e.stop
}

func (e *Engine) run(ctx context.Context, planID string, done chan struct{}) {
	defer close(done)

	for {
		if e.checkpoint() {
			return
		}

		plan, err := e.store.Get(ctx, planID)
		if err != nil {
			e.logger.Error("Plan disappeared during execution",
				zap.String("plan_id", planID),
				zap.Error(err))
			e.finish(stateFinished)
			return
		}

		idx := plan.NextPending()
		if idx < 0 {
			e.complete(planID)
			return
		}
		if ctx.Err() != nil {
			e.abort(planID, ctx.Err())
			return
		}

		if err := e.runTask(ctx, planID, plan.Tasks[idx]); errors.Is(err, ErrPlanBusy) {
			e.logger.Warn("Task claimed outside the engine, leaving run",
				zap.String("plan_id", planID),
				zap.String("task_id", plan.Tasks[idx].ID))
			e.finish(stateIdle)
			return
		}

		if ctx.Err() != nil {
			e.abort(planID, ctx.Err())
			return
		}
	}
}

// checkpoint applies a pending pause or stop request and reports whether
// the loop must exit
func (e *Engine) checkpoint() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpointLocked()
}

func (e *Engine) checkpointLocked() bool {
	switch {
	case e.stop:
		e.state = stateStopped
	case e.pause:
		e.state = statePaused
	default:
		return false
	}
	e.cancel()
	return true
}

func (e *Engine) finish(state engineState) {
	e.mu.Lock()
	e.state = state
	e.cancel()
	e.mu.Unlock()
}

// checkIdle rejects plans with a task already in progress. The engine only
// holds a task in progress inside runTask, so any such task belongs to
// someone else.
func checkIdle(plan *model.Plan) error {
	for _, t := range plan.Tasks {
		if t.Status == model.TaskStatusInProgress {
			return fmt.Errorf("%w: task %s is in progress", ErrPlanBusy, t.ID)
		}
	}
	return nil
}

func (e *Engine) runTask(ctx context.Context, planID string, task *model.Task) error {
	started := e.now()
	plan, err := e.store.Mutate(ctx, planID, func(p *model.Plan) error {
		t := p.Task(task.ID)
		if t == nil {
			return fmt.Errorf("%w: %s", storage.ErrTaskNotFound, task.ID)
		}
		// claim only pending tasks
		if t.Status != model.TaskStatusPending {
			return fmt.Errorf("%w: task %s is %s", ErrPlanBusy, t.ID, t.Status)
		}
		t.SetStatus(model.TaskStatusInProgress, started)
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrPlanBusy) {
			e.logger.Error("Failed to start task",
				zap.String("plan_id", planID),
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		return err
	}

	current := plan.Task(task.ID)
	e.logger.Info("Task started",
		zap.String("plan_id", planID),
		zap.String("task_id", current.ID),
		zap.String("type", string(current.Type)))
	if e.callbacks.OnTaskStart != nil {
		e.callbacks.OnTaskStart(plan, current)
	}

	record := e.recordStart(ctx, planID, current, started)

	result, execErr := e.handlers.Execute(ctx, current.Clone())
	finished := e.now()

	plan, err = e.store.Mutate(context.Background(), planID, func(p *model.Plan) error {
		t := p.Task(task.ID)
		if t == nil {
			return fmt.Errorf("%w: %s", storage.ErrTaskNotFound, task.ID)
		}
		next := model.TaskStatusCompleted
		if execErr != nil {
			next = model.TaskStatusFailed
		}
		if t.Status != model.TaskStatusInProgress || !t.Status.CanTransition(next) {
			return fmt.Errorf("%w: task %s is already %s", storage.ErrInvalidTransition, t.ID, t.Status)
		}
		if execErr != nil {
			t.SetError(execErr.Error(), finished)
			t.SetStatus(model.TaskStatusFailed, finished)
		} else {
			t.SetResult(result, finished)
			t.SetStatus(model.TaskStatusCompleted, finished)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Failed to record task outcome",
			zap.String("plan_id", planID),
			zap.String("task_id", task.ID),
			zap.Error(err))
		return err
	}
	current = plan.Task(task.ID)
	e.recordFinish(record, current, finished)

	if execErr != nil {
		e.logger.Warn("Task failed",
			zap.String("plan_id", planID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", finished.Sub(started)),
			zap.Error(execErr))
		e.notifyProgress(plan)
		return nil
	}

	e.logger.Info("Task completed",
		zap.String("plan_id", planID),
		zap.String("task_id", task.ID),
		zap.Duration("duration", finished.Sub(started)),
		zap.Int("progress", plan.Progress))
	e.notifyProgress(plan)
	if e.callbacks.OnTaskComplete != nil {
		e.callbacks.OnTaskComplete(plan, current, result)
	}
	return nil
}

func (e *Engine) complete(planID string) {
	e.mu.Lock()
	// a request may land while the last task runs
	if e.checkpointLocked() {
		e.mu.Unlock()
		return
	}
	e.state = stateFinished
	e.cancel()

	plan, err := e.store.Mutate(context.Background(), planID, func(p *model.Plan) error {
		p.Status = model.PlanStatusCompleted
		if e.policy != CompletionTerminal && p.CountByStatus(model.TaskStatusCompleted) != len(p.Tasks) {
			p.Status = model.PlanStatusFailed
		}
		return nil
	})
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("Failed to finalize plan", zap.String("plan_id", planID), zap.Error(err))
		return
	}

	e.logger.Info("Execution finished",
		zap.String("plan_id", planID),
		zap.String("status", string(plan.Status)),
		zap.Int("progress", plan.Progress))
	e.notifyProgress(plan)
	if e.callbacks.OnAgentComplete != nil {
		e.callbacks.OnAgentComplete(plan)
	}
}

// abort fails the plan after the run context was cancelled
func (e *Engine) abort(planID string, cause error) {
	e.mu.Lock()
	e.state = stateStopped
	e.stop = true
	e.cancel()
	plan, err := e.setStatus(context.Background(), planID, model.PlanStatusFailed)
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("Failed to abort plan", zap.String("plan_id", planID), zap.Error(err))
		return
	}
	e.logger.Warn("Execution aborted",
		zap.String("plan_id", planID),
		zap.Error(cause))
	e.notifyProgress(plan)
}

func (e *Engine) setStatus(ctx context.Context, planID string, status model.PlanStatus) (*model.Plan, error) {
	return e.store.Mutate(ctx, planID, func(p *model.Plan) error {
		p.Status = status
		return nil
	})
}

func (e *Engine) notifyProgress(plan *model.Plan) {
	if e.callbacks.OnProgressUpdate != nil {
		e.callbacks.OnProgressUpdate(plan)
	}
}

func (e *Engine) recordStart(ctx context.Context, planID string, task *model.Task, started time.Time) *storage.TaskHistory {
	if e.history == nil {
		return nil
	}
	record := &storage.TaskHistory{
		ID:        uuid.New().String(),
		PlanID:    planID,
		TaskID:    task.ID,
		Title:     task.Title,
		Type:      task.Type,
		Status:    model.TaskStatusInProgress,
		StartedAt: started,
	}
	if err := e.history.Store(ctx, record); err != nil {
		e.logger.Error("Failed to store task history",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return nil
	}
	return record
}

func (e *Engine) recordFinish(record *storage.TaskHistory, task *model.Task, finished time.Time) {
	if record == nil {
		return
	}
	record.Status = task.Status
	record.Result = task.Result
	record.Error = task.Error
	record.CompletedAt = &finished
	record.Duration = finished.Sub(record.StartedAt)

	if err := e.history.Update(context.Background(), record); err != nil {
		e.logger.Error("Failed to update task history",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}
