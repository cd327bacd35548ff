package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/testutil"
)

type fakeCreator struct {
	mu       sync.Mutex
	requests []model.CreatePlanRequest
	calls    chan struct{}
}

func newFakeCreator() *fakeCreator {
	return &fakeCreator{calls: make(chan struct{}, 16)}
}

func (f *fakeCreator) CreatePlan(ctx context.Context, req model.CreatePlanRequest) model.CreatePlanResponse {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	f.calls <- struct{}{}
	return model.CreatePlanResponse{Success: true, AgentID: "agent-42"}
}

func (f *fakeCreator) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule did not fire")
	}
}

func TestAddScheduleValidation(t *testing.T) {
	s := NewCronScheduler(newFakeCreator(), nil, zap.NewNop())

	err := s.AddSchedule(context.Background(), &model.GoalSchedule{
		Expression: "not a cron",
		Request:    model.CreatePlanRequest{Goal: "x"},
	})
	assert.ErrorIs(t, err, ErrInvalidExpression)

	// five fields are rejected, seconds are required
	err = s.AddSchedule(context.Background(), &model.GoalSchedule{
		Expression: "*/5 * * * *",
		Request:    model.CreatePlanRequest{Goal: "x"},
	})
	assert.ErrorIs(t, err, ErrInvalidExpression)

	err = s.AddSchedule(context.Background(), &model.GoalSchedule{Expression: "* * * * * *"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	assert.Empty(t, s.ListSchedules())
}

func TestScheduleCRUD(t *testing.T) {
	s := NewCronScheduler(newFakeCreator(), nil, zap.NewNop())

	schedule := &model.GoalSchedule{
		Name:       "daily digest",
		Expression: "0 0 9 * * *",
		Request:    model.CreatePlanRequest{Goal: "Research industry news"},
	}
	require.NoError(t, s.AddSchedule(context.Background(), schedule))
	require.NotEmpty(t, schedule.ID)
	require.NotNil(t, schedule.NextRunTime)

	got, err := s.GetSchedule(schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily digest", got.Name)
	assert.Len(t, s.ListSchedules(), 1)

	require.NoError(t, s.RemoveSchedule(schedule.ID))
	_, err = s.GetSchedule(schedule.ID)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	assert.ErrorIs(t, s.RemoveSchedule(schedule.ID), ErrScheduleNotFound)
}

func TestScheduleFiresCreatePlan(t *testing.T) {
	creator := newFakeCreator()
	s := NewCronScheduler(creator, nil, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	schedule := &model.GoalSchedule{
		Name:       "every second",
		Expression: "* * * * * *",
		Request:    model.CreatePlanRequest{Goal: "Build a status report", MaxTasks: 3},
	}
	require.NoError(t, s.AddSchedule(context.Background(), schedule))

	creator.waitCall(t)

	creator.mu.Lock()
	assert.Equal(t, "Build a status report", creator.requests[0].Goal)
	assert.Equal(t, 3, creator.requests[0].MaxTasks)
	creator.mu.Unlock()

	require.Eventually(t, func() bool {
		got, err := s.GetSchedule(schedule.ID)
		return err == nil && got.LastPlanID == "agent-42" && got.LastRunTime != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestScheduleCommandsOverNATS(t *testing.T) {
	_, nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	creator := newFakeCreator()
	s := NewCronScheduler(creator, js, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.NoError(t, testutil.WaitForStream(t, js, scheduleStreamName, 5*time.Second))

	fired := testutil.CollectMessages(t, nc, scheduleFiredSubject)

	data, err := json.Marshal(model.GoalSchedule{
		ID:         "nightly",
		Expression: "* * * * * *",
		Request:    model.CreatePlanRequest{Goal: "Organize backlog"},
	})
	require.NoError(t, err)
	_, err = js.Publish(scheduleAddSubject, data)
	require.NoError(t, err)

	msg := testutil.NextMessage(t, fired, 5*time.Second)
	var event FiredEvent
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, "nightly", event.ScheduleID)
	assert.Equal(t, "agent-42", event.PlanID)

	data, err = json.Marshal("nightly")
	require.NoError(t, err)
	_, err = js.Publish(scheduleRemoveSubject, data)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s.GetSchedule("nightly")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}
