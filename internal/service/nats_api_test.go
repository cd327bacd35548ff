package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agent-planner/internal/handler"
	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/planner"
	"github.com/t77yq/agent-planner/internal/storage"
	"github.com/t77yq/agent-planner/internal/testutil"
)

func TestNATSServerRoundTrip(t *testing.T) {
	_, nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	events, err := NewEventPublisher(js, logger)
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, "AGENT_EVENTS", 5*time.Second))

	store := storage.NewMemoryPlanStore(logger)
	svc := NewAgentService(logger, planner.NewBuilder(logger), store,
		handler.NewRegistry(zap.NewNop(), handler.Options{}),
		WithEventSink(events))
	defer svc.Close()

	api := NewNATSServer(nc, svc, "", logger)
	require.NoError(t, api.Start())
	defer api.Stop()

	completed := testutil.CollectMessages(t, nc, "agent.event.plan_completed.*")

	call := func(subject string, req interface{}, resp interface{}) {
		t.Helper()
		data, err := json.Marshal(req)
		require.NoError(t, err)
		msg, err := nc.Request(subject, data, 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(msg.Data, resp))
	}

	var created model.CreatePlanResponse
	call(SubjectCreatePlan, model.CreatePlanRequest{Goal: "Research quantum computing", MaxTasks: 2}, &created)
	require.True(t, created.Success, created.Error)
	require.Len(t, created.Plan.Tasks, 2)

	msg := testutil.NextMessage(t, completed, 5*time.Second)
	assert.Equal(t, EventSubject(model.EventPlanCompleted, created.AgentID), msg.Subject)

	var event model.PlanEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, model.EventPlanCompleted, event.Kind)
	assert.Equal(t, created.AgentID, event.PlanID)
	require.NotNil(t, event.Plan)
	assert.Equal(t, model.PlanStatusCompleted, event.Plan.Status)

	var got model.PlanResponse
	call(SubjectGetPlan, model.GetPlanRequest{AgentID: created.AgentID}, &got)
	require.True(t, got.Success)
	assert.Equal(t, 100, got.Plan.Progress)

	var missing model.PlanResponse
	call(SubjectGetPlan, model.GetPlanRequest{AgentID: "agent-nope"}, &missing)
	assert.False(t, missing.Success)

	var rejected model.CreatePlanResponse
	call(SubjectCreatePlan, model.CreatePlanRequest{Goal: ""}, &rejected)
	assert.False(t, rejected.Success)
}

func TestNATSServerManualFlow(t *testing.T) {
	_, nc, _, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryPlanStore(logger)
	svc := NewAgentService(logger, planner.NewBuilder(logger), store, handler.NewRegistry(zap.NewNop(), handler.Options{}))
	defer svc.Close()

	api := NewNATSServer(nc, svc, "workers", logger)
	require.NoError(t, api.Start())
	defer api.Stop()

	call := func(subject string, req interface{}, resp interface{}) {
		t.Helper()
		data, err := json.Marshal(req)
		require.NoError(t, err)
		msg, err := nc.Request(subject, data, 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(msg.Data, resp))
	}

	raw := []byte(`{"goal":"Write a poem","allowAutonomousExecution":false}`)
	msg, err := nc.Request(SubjectCreatePlan, raw, 5*time.Second)
	require.NoError(t, err)
	var created model.CreatePlanResponse
	require.NoError(t, json.Unmarshal(msg.Data, &created))
	require.True(t, created.Success)
	assert.Equal(t, model.PlanStatusPlanning, created.Plan.Status)

	var executed model.ExecuteTaskResponse
	call(SubjectExecuteTask, model.ExecuteTaskRequest{AgentID: created.AgentID, TaskID: created.Plan.Tasks[0].ID}, &executed)
	require.True(t, executed.Success, executed.Error)
	assert.Equal(t, model.TaskStatusCompleted, executed.Status)

	var updated model.PlanUpdateResponse
	call(SubjectUpdatePlan, model.PlanUpdateRequest{
		AgentID: created.AgentID,
		Updates: model.PlanUpdates{UpdateTaskStatus: []model.TaskStatusUpdate{
			{TaskID: created.Plan.Tasks[1].ID, Status: model.TaskStatusCompleted},
		}},
	}, &updated)
	require.True(t, updated.Success, updated.Error)
	assert.Equal(t, 67, updated.Plan.Progress)

	var controlled model.PlanResponse
	call(SubjectControl, model.ControlRequest{AgentID: created.AgentID, Action: model.ControlStart}, &controlled)
	require.True(t, controlled.Success, controlled.Error)
	svc.Wait(created.AgentID)
	assert.Equal(t, model.PlanStatusCompleted, svc.GetPlan(context.Background(), created.AgentID).Plan.Status)

	var listed model.ListPlansResponse
	call(SubjectListPlans, model.ListPlansRequest{Status: []model.PlanStatus{model.PlanStatusCompleted}}, &listed)
	require.True(t, listed.Success, listed.Error)
	require.Len(t, listed.Plans, 1)
	assert.Equal(t, created.AgentID, listed.Plans[0].ID)

	msg, err = nc.Request(SubjectListPlans, nil, 5*time.Second)
	require.NoError(t, err)
	var everything model.ListPlansResponse
	require.NoError(t, json.Unmarshal(msg.Data, &everything))
	assert.True(t, everything.Success)
	assert.Len(t, everything.Plans, 1)

	msg, err = nc.Request(SubjectGetPlan, []byte("not json"), 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Data), `"success":false`)
}
