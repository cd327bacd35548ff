package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/monitor"
	"github.com/t77yq/agent-planner/internal/storage"
)

func TestCleanupLoopPrunesAlerts(t *testing.T) {
	logger := zap.NewNop()
	cfg := testConfig()
	cfg.Storage.CleanupInterval = 10 * time.Millisecond
	// a cutoff in the future makes every alert expired
	cfg.Storage.PlanRetention = -time.Hour
	cfg.Storage.HistoryRetention = time.Hour

	history, err := storage.NewSQLiteTaskHistory(logger, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer history.Close()

	svc := newService(cfg, logger, storage.NewMemoryPlanStore(logger))
	defer svc.Close()

	alerts := monitor.NewAlertManager(logger, nil)
	for _, rule := range defaultAlertRules() {
		require.NoError(t, alerts.AddRule(rule))
	}
	alerts.HandleEvent(&model.PlanEvent{
		Kind:   model.EventPlanCompleted,
		PlanID: "agent-1",
		Plan: &model.Plan{
			ID:     "agent-1",
			Status: model.PlanStatusFailed,
			Tasks:  []*model.Task{{ID: "task-a", Status: model.TaskStatusFailed, Error: "boom", UpdatedAt: time.Now()}},
		},
	})
	require.Len(t, alerts.ListAlerts("agent-1"), 2)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanupLoop(ctx, cfg, logger, svc, history, alerts)
	}()

	assert.Eventually(t, func() bool {
		return len(alerts.ListAlerts("")) == 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}
