package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

// PlanCreator creates plans for fired schedules
type PlanCreator interface {
	CreatePlan(ctx context.Context, req model.CreatePlanRequest) model.CreatePlanResponse
}

// FiredEvent is published on schedule.fired after every run
type FiredEvent struct {
	ScheduleID string    `json:"schedule_id"`
	PlanID     string    `json:"plan_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	FiredAt    time.Time `json:"fired_at"`
}

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronScheduler creates a plan from a stored request every time a
// schedule's cron expression fires
type CronScheduler struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	creator PlanCreator
	cron    *cron.Cron

	mu        sync.RWMutex
	ctx       context.Context
	schedules map[string]*model.GoalSchedule
	entryIDs  map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new scheduler. js may be nil, in which case
// schedule commands are not consumed from NATS and runs are not announced.
func NewCronScheduler(creator PlanCreator, js nats.JetStreamContext, logger *zap.Logger) *CronScheduler {
	logger = logger.Named("scheduler")
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	}

	return &CronScheduler{
		logger:    logger,
		js:        js,
		creator:   creator,
		cron:      cron.New(cronOptions...),
		ctx:       context.Background(),
		schedules: make(map[string]*model.GoalSchedule),
		entryIDs:  make(map[string]cron.EntryID),
	}
}

// Start starts firing schedules. Plans created by the scheduler run under ctx.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if s.js != nil {
		if err := s.setupStream(); err != nil {
			return err
		}
		if err := s.subscribeToCommands(ctx); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("Scheduler started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

func (s *CronScheduler) setupStream() error {
	_, err := s.js.StreamInfo(scheduleStreamName)
	if err == nil {
		s.logger.Info("Using existing schedule stream", zap.String("name", scheduleStreamName))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:     scheduleStreamName,
		Subjects: []string{"schedule.*"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	s.logger.Info("Created schedule stream", zap.String("name", scheduleStreamName))
	return nil
}

// AddSchedule validates and registers a schedule
func (s *CronScheduler) AddSchedule(ctx context.Context, schedule *model.GoalSchedule) error {
	if strings.TrimSpace(schedule.Request.Goal) == "" {
		return fmt.Errorf("%w: request has no goal", ErrInvalidSchedule)
	}
	spec, err := specParser.Parse(schedule.Expression)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	stored := *schedule
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	next := spec.Next(now)
	stored.NextRunTime = &next

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entryIDs[stored.ID]; ok {
		s.cron.Remove(old)
	}
	entryID := s.cron.Schedule(spec, &cronJob{scheduler: s, id: stored.ID, spec: spec})
	s.schedules[stored.ID] = &stored
	s.entryIDs[stored.ID] = entryID
	*schedule = stored

	s.logger.Info("Added schedule",
		zap.String("id", stored.ID),
		zap.String("name", stored.Name),
		zap.String("expression", stored.Expression),
		zap.Time("next_run", next))
	return nil
}

// RemoveSchedule removes a schedule
func (s *CronScheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	s.cron.Remove(entryID)
	delete(s.entryIDs, id)
	delete(s.schedules, id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule returns a copy of a schedule
func (s *CronScheduler) GetSchedule(id string) (*model.GoalSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	c := *schedule
	return &c, nil
}

// ListSchedules returns copies of all schedules
func (s *CronScheduler) ListSchedules() []*model.GoalSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules := make([]*model.GoalSchedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		c := *schedule
		schedules = append(schedules, &c)
	}
	return schedules
}

// subscribeToCommands consumes schedule management commands
func (s *CronScheduler) subscribeToCommands(ctx context.Context) error {
	if _, err := s.js.Subscribe(scheduleAddSubject, func(msg *nats.Msg) {
		var schedule model.GoalSchedule
		if err := json.Unmarshal(msg.Data, &schedule); err != nil {
			s.logger.Error("Failed to unmarshal schedule", zap.Error(err))
			msg.Ack()
			return
		}

		if err := s.AddSchedule(ctx, &schedule); err != nil {
			s.logger.Error("Failed to add schedule", zap.Error(err))
		}
		msg.Ack()
	}, nats.Durable("schedule-add-consumer")); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", scheduleAddSubject, err)
	}

	if _, err := s.js.Subscribe(scheduleRemoveSubject, func(msg *nats.Msg) {
		var id string
		if err := json.Unmarshal(msg.Data, &id); err != nil {
			s.logger.Error("Failed to unmarshal schedule ID", zap.Error(err))
			msg.Ack()
			return
		}

		if err := s.RemoveSchedule(id); err != nil {
			s.logger.Error("Failed to remove schedule", zap.Error(err))
		}
		msg.Ack()
	}, nats.Durable("schedule-remove-consumer")); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", scheduleRemoveSubject, err)
	}

	return nil
}

// fire creates the plan for schedule id and records the outcome
func (s *CronScheduler) fire(id string, spec cron.Schedule) {
	s.mu.RLock()
	schedule, ok := s.schedules[id]
	var req model.CreatePlanRequest
	if ok {
		req = schedule.Request
	}
	ctx := s.ctx
	s.mu.RUnlock()
	if !ok {
		return
	}

	now := time.Now()
	resp := s.creator.CreatePlan(ctx, req)
	next := spec.Next(now)

	s.mu.Lock()
	if schedule, ok := s.schedules[id]; ok {
		schedule.LastRunTime = &now
		schedule.NextRunTime = &next
		schedule.LastPlanID = resp.AgentID
		schedule.LastError = resp.Error
		schedule.UpdatedAt = now
	}
	s.mu.Unlock()

	if !resp.Success {
		s.logger.Error("Scheduled plan creation failed",
			zap.String("id", id),
			zap.String("error", resp.Error))
	} else {
		s.logger.Info("Executed schedule",
			zap.String("id", id),
			zap.String("plan_id", resp.AgentID),
			zap.Time("executed_at", now),
			zap.Time("next_run", next))
	}

	s.announce(FiredEvent{ScheduleID: id, PlanID: resp.AgentID, Error: resp.Error, FiredAt: now})
}

func (s *CronScheduler) announce(event FiredEvent) {
	if s.js == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to marshal fired event", zap.Error(err))
		return
	}
	if _, err := s.js.Publish(scheduleFiredSubject, data); err != nil {
		s.logger.Error("Failed to publish fired event",
			zap.String("id", event.ScheduleID),
			zap.Error(err))
	}
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *CronScheduler
	id        string
	spec      cron.Schedule
}

// Run implements cron.Job
func (j *cronJob) Run() {
	j.scheduler.fire(j.id, j.spec)
}
