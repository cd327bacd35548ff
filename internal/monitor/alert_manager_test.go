package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agent-planner/internal/handler"
	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/planner"
	"github.com/t77yq/agent-planner/internal/service"
	"github.com/t77yq/agent-planner/internal/storage"
	"github.com/t77yq/agent-planner/internal/testutil"
)

func failedPlan(planStatus model.PlanStatus) *model.Plan {
	now := time.Now()
	return &model.Plan{
		ID:     "agent-1",
		Title:  "Agent Plan: demo",
		Status: planStatus,
		Tasks: []*model.Task{
			{ID: "task-a", Title: "Analyze requirements", Status: model.TaskStatusFailed, Error: "boom", UpdatedAt: now},
			{ID: "task-b", Title: "Create initial draft", Status: model.TaskStatusPending},
		},
	}
}

func TestAlertRuleCRUD(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil)

	rule := &model.AlertRule{Name: "task failures", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityError}
	require.NoError(t, manager.AddRule(rule))
	require.NotEmpty(t, rule.ID)
	require.False(t, rule.CreatedAt.IsZero())
	require.Equal(t, rule.CreatedAt, rule.UpdatedAt)

	rule.Severity = model.AlertSeverityCritical
	require.NoError(t, manager.UpdateRule(rule))
	got, err := manager.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertSeverityCritical, got.Severity)
	assert.Len(t, manager.Rules(), 1)

	require.NoError(t, manager.DeleteRule(rule.ID))
	_, err = manager.GetRule(rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, manager.DeleteRule(rule.ID), ErrRuleNotFound)
	assert.ErrorIs(t, manager.UpdateRule(rule), ErrRuleNotFound)

	assert.ErrorIs(t, manager.AddRule(&model.AlertRule{Type: "resource_usage"}), ErrInvalidRule)
	assert.ErrorIs(t, manager.AddRule(&model.AlertRule{Type: model.AlertTypeSlowTask}), ErrInvalidRule)
}

func TestFailureAlertsAreRaisedOnce(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{ID: "tf", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityError}))
	require.NoError(t, manager.AddRule(&model.AlertRule{ID: "pf", Type: model.AlertTypePlanFailure, Severity: model.AlertSeverityCritical}))

	manager.HandleEvent(&model.PlanEvent{Kind: model.EventProgress, PlanID: "agent-1", Plan: failedPlan(model.PlanStatusExecuting)})
	manager.HandleEvent(&model.PlanEvent{Kind: model.EventProgress, PlanID: "agent-1", Plan: failedPlan(model.PlanStatusExecuting)})

	alerts := manager.ListAlerts("agent-1")
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTypeTaskFailure, alerts[0].Type)
	assert.Equal(t, "task-a", alerts[0].TaskID)
	assert.Equal(t, "boom", alerts[0].Data["error"])

	manager.HandleEvent(&model.PlanEvent{Kind: model.EventPlanCompleted, PlanID: "agent-1", Plan: failedPlan(model.PlanStatusFailed)})
	alerts = manager.ListAlerts("")
	require.Len(t, alerts, 2)
	assert.Equal(t, model.AlertTypePlanFailure, alerts[1].Type)
	assert.Equal(t, model.AlertSeverityCritical, alerts[1].Severity)

	assert.Empty(t, manager.ListAlerts("agent-other"))
}

func TestSilencedRuleDoesNotFire(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{Type: model.AlertTypeTaskFailure, Silenced: true}))

	manager.HandleEvent(&model.PlanEvent{Kind: model.EventProgress, PlanID: "agent-1", Plan: failedPlan(model.PlanStatusExecuting)})
	assert.Empty(t, manager.ListAlerts(""))
}

func TestSlowTaskAlert(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{Type: model.AlertTypeSlowTask, Threshold: 5, Severity: model.AlertSeverityWarning}))

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fast := &model.Task{ID: "task-fast", Title: "fast", Status: model.TaskStatusCompleted}
	slow := &model.Task{ID: "task-slow", Title: "slow", Status: model.TaskStatusCompleted}

	manager.HandleEvent(&model.PlanEvent{Kind: model.EventTaskStarted, PlanID: "agent-1", Task: fast, Timestamp: start})
	manager.HandleEvent(&model.PlanEvent{Kind: model.EventTaskCompleted, PlanID: "agent-1", Task: fast, Timestamp: start.Add(time.Second)})
	manager.HandleEvent(&model.PlanEvent{Kind: model.EventTaskStarted, PlanID: "agent-1", Task: slow, Timestamp: start})
	manager.HandleEvent(&model.PlanEvent{Kind: model.EventTaskCompleted, PlanID: "agent-1", Task: slow, Timestamp: start.Add(8 * time.Second)})

	alerts := manager.ListAlerts("agent-1")
	require.Len(t, alerts, 1)
	assert.Equal(t, model.AlertTypeSlowTask, alerts[0].Type)
	assert.Equal(t, "task-slow", alerts[0].TaskID)
	assert.InDelta(t, 8.0, alerts[0].Data["duration_seconds"], 0.001)
}

func TestPruneBeforeDropsOldAlerts(t *testing.T) {
	manager := NewAlertManager(zap.NewNop(), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{ID: "tf", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityError}))
	require.NoError(t, manager.AddRule(&model.AlertRule{Type: model.AlertTypeSlowTask, Threshold: 5}))

	old := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return old }
	manager.HandleEvent(&model.PlanEvent{Kind: model.EventProgress, PlanID: "agent-old", Plan: failedPlan(model.PlanStatusExecuting)})
	stale := &model.Task{ID: "task-stale", Title: "stale", Status: model.TaskStatusCompleted}
	manager.HandleEvent(&model.PlanEvent{Kind: model.EventTaskStarted, PlanID: "agent-old", Task: stale, Timestamp: old})

	recent := old.Add(48 * time.Hour)
	manager.now = func() time.Time { return recent }
	manager.HandleEvent(&model.PlanEvent{Kind: model.EventProgress, PlanID: "agent-new", Plan: failedPlan(model.PlanStatusExecuting)})

	assert.Equal(t, 1, manager.PruneBefore(old.Add(24*time.Hour)))
	assert.Empty(t, manager.ListAlerts("agent-old"))
	assert.Len(t, manager.ListAlerts("agent-new"), 1)

	manager.mu.Lock()
	assert.NotContains(t, manager.fired, "agent-old")
	assert.Contains(t, manager.fired, "agent-new")
	assert.Empty(t, manager.started)
	manager.mu.Unlock()

	// the start was forgotten, so a late completion raises nothing
	manager.HandleEvent(&model.PlanEvent{Kind: model.EventTaskCompleted, PlanID: "agent-old", Task: stale, Timestamp: recent})
	assert.Empty(t, manager.ListAlerts("agent-old"))

	// recent dedup state survives the prune
	manager.HandleEvent(&model.PlanEvent{Kind: model.EventProgress, PlanID: "agent-new", Plan: failedPlan(model.PlanStatusExecuting)})
	assert.Len(t, manager.ListAlerts("agent-new"), 1)
	assert.Zero(t, manager.PruneBefore(old.Add(24*time.Hour)))
}

func TestAlertManagerConsumesPlanEvents(t *testing.T) {
	_, nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	events, err := service.NewEventPublisher(js, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewAlertManager(logger, js)
	require.NoError(t, manager.AddRule(&model.AlertRule{Name: "task failures", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityError}))
	require.NoError(t, manager.Start(ctx))

	raised := testutil.CollectMessages(t, nc, "alert.task_failure")

	registry := handler.NewRegistry(zap.NewNop(), handler.Options{})
	registry.Register(model.TaskTypeAnalysis, handler.FailingHandler{Err: errors.New("analysis unavailable")})
	svc := service.NewAgentService(logger, planner.NewBuilder(logger), storage.NewMemoryPlanStore(logger), registry,
		service.WithEventSink(events))
	defer svc.Close()

	created := svc.CreatePlan(ctx, model.CreatePlanRequest{Goal: "Plan a trip", MaxTasks: 2})
	require.True(t, created.Success, created.Error)

	msg := testutil.NextMessage(t, raised, 5*time.Second)
	var alert model.Alert
	require.NoError(t, json.Unmarshal(msg.Data, &alert))
	assert.Equal(t, created.AgentID, alert.PlanID)
	assert.Equal(t, created.Plan.Tasks[0].ID, alert.TaskID)
	assert.Equal(t, "analysis unavailable", alert.Data["error"])

	require.Eventually(t, func() bool {
		return len(manager.ListAlerts(created.AgentID)) == 1
	}, 5*time.Second, 50*time.Millisecond)
}
