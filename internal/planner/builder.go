package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

// Input is everything the builder needs to produce a task list
type Input struct {
	Goal        string
	Context     string
	Constraints []string
	MaxTasks    int
}

// Builder turns a goal into an initial ordered task list
type Builder struct {
	logger   *zap.Logger
	analyzer Analyzer
	newID    func() string
	now      func() time.Time
}

// Option configures a Builder
type Option func(*Builder)

// WithAnalyzer makes the builder consult an external analyzer before falling
// back to keyword heuristics
func WithAnalyzer(a Analyzer) Option {
	return func(b *Builder) { b.analyzer = a }
}

// WithIDGenerator overrides task id generation
func WithIDGenerator(fn func() string) Option {
	return func(b *Builder) { b.newID = fn }
}

// WithClock overrides the timestamp source
func WithClock(fn func() time.Time) Option {
	return func(b *Builder) { b.now = fn }
}

// NewBuilder creates a new plan builder
func NewBuilder(logger *zap.Logger, opts ...Option) *Builder {
	b := &Builder{
		logger: logger.Named("planner"),
		newID:  func() string { return "task-" + uuid.New().String() },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Validate checks the goal and normalizes maxTasks (0 means default)
func Validate(in *Input) error {
	in.Goal = strings.TrimSpace(in.Goal)
	if in.Goal == "" {
		return ErrInvalidGoal
	}
	if in.MaxTasks == 0 {
		in.MaxTasks = model.DefaultMaxTasks
	}
	if in.MaxTasks < 1 || in.MaxTasks > model.MaxTasksLimit {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxTasks, in.MaxTasks)
	}
	return nil
}

// Build produces the ordered task list for in
func (b *Builder) Build(ctx context.Context, in Input) ([]*model.Task, error) {
	if err := Validate(&in); err != nil {
		return nil, err
	}

	if b.analyzer != nil {
		tasks, err := b.analyze(ctx, in)
		if err == nil {
			return tasks, nil
		}
		b.logger.Warn("Goal analysis failed, using keyword plan",
			zap.String("goal", in.Goal),
			zap.Error(err))
	}

	return b.keywordTasks(in), nil
}

func (b *Builder) analyze(ctx context.Context, in Input) ([]*model.Task, error) {
	drafts, err := b.analyzer.Analyze(ctx, in)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidAnalysis)
	}
	if len(drafts) > in.MaxTasks {
		drafts = drafts[:in.MaxTasks]
	}

	now := b.now()
	tasks := make([]*model.Task, 0, len(drafts))
	var prev string
	for i, d := range drafts {
		if strings.TrimSpace(d.Title) == "" {
			return nil, fmt.Errorf("%w: task %d has no title", ErrInvalidAnalysis, i+1)
		}
		if !d.Type.IsValid() {
			return nil, fmt.Errorf("%w: task %d has unknown type %q", ErrInvalidAnalysis, i+1, d.Type)
		}
		priority := d.Priority
		if priority == "" {
			priority = model.TaskPriorityMedium
		}
		if !priority.IsValid() {
			return nil, fmt.Errorf("%w: task %d has unknown priority %q", ErrInvalidAnalysis, i+1, priority)
		}

		task := &model.Task{
			ID:          b.newID(),
			Title:       d.Title,
			Description: d.Description,
			Type:        d.Type,
			Priority:    priority,
			Status:      model.TaskStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if d.EstimatedTime > 0 {
			task.EstimatedTime = model.Minutes(d.EstimatedTime)
		}
		// analyzed tasks run sequentially, so each depends on the previous one
		if prev != "" {
			task.Dependencies = []string{prev}
		}
		prev = task.ID
		tasks = append(tasks, task)
	}
	return tasks, nil
}

type taskTemplate struct {
	title       string
	description string
	taskType    model.TaskType
	priority    model.TaskPriority
	minutes     int
	deps        []int // indexes into the generated list
}

// keywordTasks implements the fixed heuristic: analyze, research, organize,
// plus a data-gathering task for research/study goals and a drafting task
// for create/build goals.
func (b *Builder) keywordTasks(in Input) []*model.Task {
	analyze := fmt.Sprintf("Analyze the requirements for: %s", in.Goal)
	if in.Context != "" {
		analyze += fmt.Sprintf("\nContext: %s", in.Context)
	}
	if len(in.Constraints) > 0 {
		analyze += fmt.Sprintf("\nConstraints: %s", strings.Join(in.Constraints, ", "))
	}

	templates := []taskTemplate{
		{"Analyze requirements", analyze, model.TaskTypeAnalysis, model.TaskPriorityHigh, 15, nil},
		{"Research relevant information", fmt.Sprintf("Research information needed to accomplish: %s", in.Goal), model.TaskTypeResearch, model.TaskPriorityHigh, 30, []int{0}},
		{"Create execution plan", fmt.Sprintf("Create a detailed execution plan for: %s", in.Goal), model.TaskTypeOrganization, model.TaskPriorityMedium, 20, []int{0, 1}},
	}

	goal := strings.ToLower(in.Goal)
	if strings.Contains(goal, "research") || strings.Contains(goal, "study") {
		templates = append(templates, taskTemplate{"Gather data sources", "Identify and gather relevant data sources for research", model.TaskTypeResearch, model.TaskPriorityHigh, 25, []int{0}})
	}
	if strings.Contains(goal, "create") || strings.Contains(goal, "build") {
		templates = append(templates, taskTemplate{"Create initial draft", "Create the initial draft or prototype", model.TaskTypeCreation, model.TaskPriorityMedium, 45, []int{2}})
	}

	if len(templates) > in.MaxTasks {
		templates = templates[:in.MaxTasks]
	}

	now := b.now()
	tasks := make([]*model.Task, len(templates))
	for i, tpl := range templates {
		tasks[i] = &model.Task{
			ID:            b.newID(),
			Title:         tpl.title,
			Description:   tpl.description,
			Type:          tpl.taskType,
			Priority:      tpl.priority,
			Status:        model.TaskStatusPending,
			EstimatedTime: model.Minutes(tpl.minutes),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		for _, dep := range tpl.deps {
			tasks[i].Dependencies = append(tasks[i].Dependencies, tasks[dep].ID)
		}
	}
	return tasks
}
