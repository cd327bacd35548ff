package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agent-planner/internal/model"
)

func newTestHistory(t *testing.T) *SQLiteTaskHistory {
	t.Helper()
	history, err := NewSQLiteTaskHistory(zaptest.NewLogger(t), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	return history
}

func TestTaskHistoryStoreAndUpdate(t *testing.T) {
	ctx := context.Background()
	history := newTestHistory(t)

	started := time.Now().Add(-time.Second)
	record := &TaskHistory{
		ID:        "run-1",
		PlanID:    "agent-1",
		TaskID:    "task-1",
		Title:     "Research relevant information",
		Type:      model.TaskTypeResearch,
		Status:    model.TaskStatusInProgress,
		StartedAt: started,
	}
	require.NoError(t, history.Store(ctx, record))

	got, err := history.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.WithinDuration(t, started, got.StartedAt, time.Millisecond)

	completed := time.Now()
	record.Status = model.TaskStatusCompleted
	record.Result = json.RawMessage(`{"summary":"done"}`)
	record.CompletedAt = &completed
	record.Duration = completed.Sub(started)
	require.NoError(t, history.Update(ctx, record))

	got, err = history.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"summary":"done"}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, record.Duration, got.Duration)
	assert.Empty(t, got.Error)
}

func TestTaskHistoryNotFound(t *testing.T) {
	ctx := context.Background()
	history := newTestHistory(t)

	_, err := history.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrHistoryNotFound)

	err = history.Update(ctx, &TaskHistory{ID: "missing", Status: model.TaskStatusFailed})
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}

func TestTaskHistoryListAndCount(t *testing.T) {
	ctx := context.Background()
	history := newTestHistory(t)

	base := time.Now().Add(-time.Hour)
	records := []*TaskHistory{
		{ID: "r1", PlanID: "agent-1", TaskID: "t1", Title: "a", Type: model.TaskTypeAnalysis, Status: model.TaskStatusCompleted, StartedAt: base},
		{ID: "r2", PlanID: "agent-1", TaskID: "t2", Title: "b", Type: model.TaskTypeResearch, Status: model.TaskStatusFailed, StartedAt: base.Add(time.Minute)},
		{ID: "r3", PlanID: "agent-2", TaskID: "t1", Title: "c", Type: model.TaskTypeAnalysis, Status: model.TaskStatusCompleted, StartedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		require.NoError(t, history.Store(ctx, r))
	}

	all, err := history.List(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID)

	plan1, err := history.List(ctx, map[string]interface{}{"plan_id": "agent-1"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, plan1, 2)
	assert.Equal(t, "r2", plan1[0].ID)

	page, err := history.List(ctx, nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "r2", page[0].ID)

	count, err := history.Count(ctx, map[string]interface{}{
		"status": string(model.TaskStatusCompleted),
		"type":   string(model.TaskTypeAnalysis),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = history.Count(ctx, map[string]interface{}{"title; DROP TABLE task_history": "x"})
	assert.Error(t, err)
}

func TestTaskHistoryDeleteBefore(t *testing.T) {
	ctx := context.Background()
	history := newTestHistory(t)

	now := time.Now()
	require.NoError(t, history.Store(ctx, &TaskHistory{
		ID: "old", PlanID: "agent-1", TaskID: "t1", Title: "a",
		Type: model.TaskTypeAnalysis, Status: model.TaskStatusCompleted,
		StartedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, history.Store(ctx, &TaskHistory{
		ID: "new", PlanID: "agent-1", TaskID: "t2", Title: "b",
		Type: model.TaskTypeAnalysis, Status: model.TaskStatusCompleted,
		StartedAt: now,
	}))

	deleted, err := history.DeleteBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := history.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
