package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/service"
)

const alertStreamName = "ALERTS"

var (
	// ErrRuleNotFound is returned for unknown rule ids
	ErrRuleNotFound = errors.New("rule not found")
	// ErrInvalidRule is returned for rules with an unknown type or bad threshold
	ErrInvalidRule = errors.New("invalid rule")
)

// AlertManager turns plan events into alerts according to its rules
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	rules  sync.Map
	now    func() time.Time

	mu      sync.Mutex
	alerts  []*model.Alert
	fired   map[string]map[string]struct{} // plan id -> rule/task keys
	started map[string]time.Time
}

// NewAlertManager creates a new alert manager. With a nil js alerts are only
// kept in memory.
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext) *AlertManager {
	return &AlertManager{
		logger:  logger.Named("alerts"),
		js:      js,
		now:     time.Now,
		fired:   make(map[string]map[string]struct{}),
		started: make(map[string]time.Time),
	}
}

// Start creates the alert stream and consumes plan events until ctx is done
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js == nil {
		return errors.New("alert manager needs JetStream to consume events")
	}

	stream, err := m.js.StreamInfo(alertStreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream == nil {
		_, err = m.js.AddStream(&nats.StreamConfig{
			Name:     alertStreamName,
			Subjects: []string{"alert.*"},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	if err := service.SubscribeEvents(ctx, m.js, m.logger, m.HandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to plan events: %w", err)
	}

	m.logger.Info("Alert manager started")
	return nil
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule := *value.(*model.AlertRule)
	return &rule, nil
}

// Rules returns every configured rule
func (m *AlertManager) Rules() []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(key, value interface{}) bool {
		rule := *value.(*model.AlertRule)
		rules = append(rules, &rule)
		return true
	})
	return rules
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = m.now()
	rule.UpdatedAt = rule.CreatedAt
	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	value, ok := m.rules.Load(rule.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	rule.CreatedAt = value.(*model.AlertRule).CreatedAt
	rule.UpdatedAt = m.now()
	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	m.rules.Delete(id)
	return nil
}

func validateRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeTaskFailure, model.AlertTypePlanFailure:
	case model.AlertTypeSlowTask:
		if rule.Threshold <= 0 {
			return fmt.Errorf("%w: slow_task needs a positive threshold", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, rule.Type)
	}
	return nil
}

// ListAlerts returns alerts raised for planID, or all alerts when planID is empty
func (m *AlertManager) ListAlerts(planID string) []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]*model.Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if planID == "" || alert.PlanID == planID {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// PruneBefore drops alerts created before the cutoff together with the
// dedup state of their plans, and forgets task starts older than the cutoff.
// It returns the number of alerts dropped.
func (m *AlertManager) PruneBefore(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alerts[:0]
	expired := make(map[string]struct{})
	for _, alert := range m.alerts {
		if alert.CreatedAt.Before(before) {
			expired[alert.PlanID] = struct{}{}
			continue
		}
		kept = append(kept, alert)
	}
	pruned := len(m.alerts) - len(kept)
	for i := len(kept); i < len(m.alerts); i++ {
		m.alerts[i] = nil
	}
	m.alerts = kept

	// a plan with a recent alert keeps its dedup state
	for _, alert := range m.alerts {
		delete(expired, alert.PlanID)
	}
	for planID := range expired {
		delete(m.fired, planID)
	}
	for key, started := range m.started {
		if started.Before(before) {
			delete(m.started, key)
		}
	}

	if pruned > 0 {
		m.logger.Info("Pruned alerts",
			zap.Int("alerts", pruned),
			zap.Int("plans", len(expired)))
	}
	return pruned
}

// HandleEvent evaluates every rule against a plan event
func (m *AlertManager) HandleEvent(event *model.PlanEvent) {
	switch event.Kind {
	case model.EventTaskStarted:
		if event.Task != nil {
			m.mu.Lock()
			m.started[taskKey(event.PlanID, event.Task.ID)] = event.Timestamp
			m.mu.Unlock()
		}
	case model.EventTaskCompleted:
		if event.Task != nil {
			m.checkSlow(event.PlanID, event.Task, event.Timestamp)
		}
	}

	// failed tasks only surface through the plan snapshot
	if event.Plan == nil {
		return
	}
	for _, task := range event.Plan.Tasks {
		if task.Status != model.TaskStatusFailed {
			continue
		}
		m.checkSlow(event.PlanID, task, task.UpdatedAt)
		m.raise(model.AlertTypeTaskFailure, event.PlanID, task.ID,
			fmt.Sprintf("Task %q failed", task.Title),
			map[string]interface{}{"error": task.Error})
	}
	if event.Plan.Status == model.PlanStatusFailed {
		m.raise(model.AlertTypePlanFailure, event.PlanID, "",
			fmt.Sprintf("Plan %q failed", event.Plan.Title),
			map[string]interface{}{"progress": event.Plan.Progress})
	}
}

// checkSlow raises slow_task alerts once the task's start is known
func (m *AlertManager) checkSlow(planID string, task *model.Task, finished time.Time) {
	key := taskKey(planID, task.ID)
	m.mu.Lock()
	started, ok := m.started[key]
	delete(m.started, key)
	m.mu.Unlock()
	if !ok || finished.IsZero() {
		return
	}

	elapsed := finished.Sub(started).Seconds()
	m.forEachRule(model.AlertTypeSlowTask, func(rule *model.AlertRule) {
		if elapsed > rule.Threshold {
			m.create(rule, planID, task.ID,
				fmt.Sprintf("Task %q took %.1fs", task.Title, elapsed),
				map[string]interface{}{"duration_seconds": elapsed})
		}
	})
}

// raise fires every rule of the given type once per plan and task
func (m *AlertManager) raise(alertType model.AlertType, planID, taskID, message string, data map[string]interface{}) {
	m.forEachRule(alertType, func(rule *model.AlertRule) {
		key := rule.ID + "/" + taskID
		m.mu.Lock()
		fired, ok := m.fired[planID]
		if !ok {
			fired = make(map[string]struct{})
			m.fired[planID] = fired
		}
		_, seen := fired[key]
		fired[key] = struct{}{}
		m.mu.Unlock()
		if !seen {
			m.create(rule, planID, taskID, message, data)
		}
	})
}

func (m *AlertManager) forEachRule(alertType model.AlertType, fn func(rule *model.AlertRule)) {
	m.rules.Range(func(key, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type == alertType && !rule.Silenced {
			fn(rule)
		}
		return true
	})
}

// create stores and publishes a new alert
func (m *AlertManager) create(rule *model.AlertRule, planID, taskID, message string, data map[string]interface{}) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		PlanID:    planID,
		TaskID:    taskID,
		Data:      data,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("plan_id", planID))

	if m.js == nil {
		return
	}
	alertData, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if _, err := m.js.Publish("alert."+string(alert.Type), alertData); err != nil {
		m.logger.Error("Failed to publish alert",
			zap.String("id", alert.ID),
			zap.Error(err))
	}
}

func taskKey(planID, taskID string) string {
	return planID + "/" + taskID
}
