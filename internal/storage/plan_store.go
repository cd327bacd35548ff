package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

// PlanFilter narrows List results. Zero values match everything.
type PlanFilter struct {
	Status []model.PlanStatus
	Limit  int
	Offset int
}

// PlanStore defines the interface for plan storage. Every returned plan is a
// snapshot; callers never share memory with the store.
type PlanStore interface {
	// Create stores a new plan
	Create(ctx context.Context, plan *model.Plan) error

	// Get retrieves a plan by ID
	Get(ctx context.Context, id string) (*model.Plan, error)

	// List retrieves plans in insertion order
	List(ctx context.Context, filter PlanFilter) ([]*model.Plan, error)

	// Mutate applies fn to a working copy of the plan. The copy replaces the
	// stored plan only if fn returns nil. Progress is recomputed afterwards;
	// plan status is left to fn.
	Mutate(ctx context.Context, id string, fn func(plan *model.Plan) error) (*model.Plan, error)

	// ApplyUpdates applies a batch of task mutations all-or-nothing, then
	// recomputes progress and re-derives plan status
	ApplyUpdates(ctx context.Context, id string, updates model.PlanUpdates) (*model.Plan, error)

	// Delete removes a plan
	Delete(ctx context.Context, id string) error

	// EvictBefore removes terminal plans last updated before the given time
	EvictBefore(ctx context.Context, before time.Time) (int, error)

	// CountByStatus returns the number of stored plans per status
	CountByStatus(ctx context.Context) map[model.PlanStatus]int
}

type planEntry struct {
	mu      sync.Mutex
	plan    *model.Plan
	deleted bool
}

// MemoryPlanStore implements PlanStore in process memory. Each plan has its
// own lock so engines working on different plans never contend.
type MemoryPlanStore struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	plans map[string]*planEntry
	order []string
}

// NewMemoryPlanStore creates an empty plan store
func NewMemoryPlanStore(logger *zap.Logger) *MemoryPlanStore {
	return &MemoryPlanStore{
		logger: logger.Named("plan-store"),
		now:    time.Now,
		plans:  make(map[string]*planEntry),
	}
}

// Create implements PlanStore.Create
func (s *MemoryPlanStore) Create(ctx context.Context, plan *model.Plan) error {
	if plan.ID == "" {
		return fmt.Errorf("%w: plan has no id", ErrInvalidTask)
	}

	stored := plan.Clone()
	stored.Progress = stored.ComputeProgress()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[plan.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlan, plan.ID)
	}
	s.plans[plan.ID] = &planEntry{plan: stored}
	s.order = append(s.order, plan.ID)

	s.logger.Debug("Plan stored",
		zap.String("plan_id", plan.ID),
		zap.Int("tasks", len(plan.Tasks)))
	return nil
}

func (s *MemoryPlanStore) entry(id string) (*planEntry, error) {
	s.mu.RLock()
	e, ok := s.plans[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return e, nil
}

// Get implements PlanStore.Get
func (s *MemoryPlanStore) Get(ctx context.Context, id string) (*model.Plan, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return e.plan.Clone(), nil
}

// List implements PlanStore.List
func (s *MemoryPlanStore) List(ctx context.Context, filter PlanFilter) ([]*model.Plan, error) {
	s.mu.RLock()
	entries := make([]*planEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.plans[id])
	}
	s.mu.RUnlock()

	var plans []*model.Plan
	skipped := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.deleted || !matchesStatus(e.plan.Status, filter.Status) {
			e.mu.Unlock()
			continue
		}
		if skipped < filter.Offset {
			skipped++
			e.mu.Unlock()
			continue
		}
		plans = append(plans, e.plan.Clone())
		e.mu.Unlock()

		if filter.Limit > 0 && len(plans) >= filter.Limit {
			break
		}
	}
	return plans, nil
}

func matchesStatus(status model.PlanStatus, want []model.PlanStatus) bool {
	if len(want) == 0 {
		return true
	}
	for _, s := range want {
		if s == status {
			return true
		}
	}
	return false
}

// Mutate implements PlanStore.Mutate
func (s *MemoryPlanStore) Mutate(ctx context.Context, id string, fn func(plan *model.Plan) error) (*model.Plan, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}

	working := e.plan.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.RecomputeProgress(s.now())
	e.plan = working
	return working.Clone(), nil
}

// ApplyUpdates implements PlanStore.ApplyUpdates. Updates apply in the order
// addTasks, removeTasks, updateTaskStatus, reprioritize. Tasks cannot be
// added to a completed or failed plan.
func (s *MemoryPlanStore) ApplyUpdates(ctx context.Context, id string, updates model.PlanUpdates) (*model.Plan, error) {
	plan, err := s.Mutate(ctx, id, func(plan *model.Plan) error {
		now := s.now()
		if err := s.addTasks(plan, updates.AddTasks, now); err != nil {
			return err
		}
		if err := removeTasks(plan, updates.RemoveTasks); err != nil {
			return err
		}
		if err := updateStatuses(plan, updates.UpdateTaskStatus, now); err != nil {
			return err
		}
		if err := reprioritize(plan, updates.Reprioritize, now); err != nil {
			return err
		}
		plan.Progress = plan.ComputeProgress()
		plan.Status = plan.DeriveStatus()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Plan updated",
		zap.String("plan_id", id),
		zap.String("status", string(plan.Status)),
		zap.Int("progress", plan.Progress))
	return plan, nil
}

func (s *MemoryPlanStore) addTasks(plan *model.Plan, tasks []*model.Task, now time.Time) error {
	// a finished plan never runs again, so new tasks would stay pending forever
	if len(tasks) > 0 && plan.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrPlanFinished, plan.ID, plan.Status)
	}
	for _, t := range tasks {
		if t == nil {
			return fmt.Errorf("%w: nil task", ErrInvalidTask)
		}
		task := t.Clone()
		if task.ID == "" {
			task.ID = "task-" + uuid.New().String()
		}
		if plan.Task(task.ID) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
		}
		if task.Title == "" {
			return fmt.Errorf("%w: task %s has no title", ErrInvalidTask, task.ID)
		}
		if !task.Type.IsValid() {
			return fmt.Errorf("%w: task %s has unknown type %q", ErrInvalidTask, task.ID, task.Type)
		}
		if task.Priority == "" {
			task.Priority = model.TaskPriorityMedium
		}
		if !task.Priority.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidPriority, task.Priority)
		}
		if task.Status == "" {
			task.Status = model.TaskStatusPending
		}
		if !task.Status.IsValid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, task.Status)
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
		plan.Tasks = append(plan.Tasks, task)
	}
	return nil
}

func removeTasks(plan *model.Plan, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		if plan.Task(id) == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		remove[id] = true
	}

	kept := plan.Tasks[:0]
	for _, t := range plan.Tasks {
		if !remove[t.ID] {
			kept = append(kept, t)
		}
	}
	plan.Tasks = kept
	return nil
}

func updateStatuses(plan *model.Plan, updates []model.TaskStatusUpdate, now time.Time) error {
	for _, u := range updates {
		task := plan.Task(u.TaskID)
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, u.TaskID)
		}
		if !task.Status.CanTransition(u.Status) {
			return fmt.Errorf("%w: task %s from %s to %s", ErrInvalidTransition, u.TaskID, task.Status, u.Status)
		}
		if len(u.Result) > 0 && u.Error != "" {
			return fmt.Errorf("%w: task %s update carries both result and error", ErrInvalidTask, u.TaskID)
		}
		task.SetStatus(u.Status, now)
		if len(u.Result) > 0 {
			task.SetResult(u.Result, now)
		}
		if u.Error != "" {
			task.SetError(u.Error, now)
		}
	}
	return nil
}

func reprioritize(plan *model.Plan, updates []model.TaskPriorityUpdate, now time.Time) error {
	for _, u := range updates {
		task := plan.Task(u.TaskID)
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, u.TaskID)
		}
		if !u.Priority.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidPriority, u.Priority)
		}
		task.Priority = u.Priority
		task.UpdatedAt = now
	}
	return nil
}

// Delete implements PlanStore.Delete
func (s *MemoryPlanStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.plans[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	s.remove(id, e)
	return nil
}

// remove must be called with s.mu held
func (s *MemoryPlanStore) remove(id string, e *planEntry) {
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	delete(s.plans, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// EvictBefore implements PlanStore.EvictBefore
func (s *MemoryPlanStore) EvictBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for _, id := range s.order {
		e := s.plans[id]
		e.mu.Lock()
		if e.plan.Status.IsTerminal() && e.plan.UpdatedAt.Before(before) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}

	for _, id := range expired {
		s.remove(id, s.plans[id])
	}

	if len(expired) > 0 {
		s.logger.Info("Evicted finished plans",
			zap.Time("before", before),
			zap.Int("evicted", len(expired)))
	}
	return len(expired), nil
}

// CountByStatus implements PlanStore.CountByStatus
func (s *MemoryPlanStore) CountByStatus(ctx context.Context) map[model.PlanStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.PlanStatus]int)
	for _, e := range s.plans {
		e.mu.Lock()
		counts[e.plan.Status]++
		e.mu.Unlock()
	}
	return counts
}
