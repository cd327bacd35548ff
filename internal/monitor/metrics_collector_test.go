package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/storage"
	"github.com/t77yq/agent-planner/internal/testutil"
)

type fixedEngines int

func (f fixedEngines) ActiveEngines() int { return int(f) }

func seedStore(t *testing.T) storage.PlanStore {
	t.Helper()
	store := storage.NewMemoryPlanStore(zap.NewNop())
	for i, status := range []model.PlanStatus{model.PlanStatusPlanning, model.PlanStatusPlanning, model.PlanStatusCompleted} {
		plan := &model.Plan{
			ID:     "agent-" + string(rune('a'+i)),
			Status: status,
			Tasks:  []*model.Task{},
		}
		require.NoError(t, store.Create(context.Background(), plan))
	}
	return store
}

func TestCollectCountsPlans(t *testing.T) {
	collector := NewMetricsCollector(seedStore(t), fixedEngines(2), nil, time.Minute, zap.NewNop())
	assert.Nil(t, collector.Latest())

	stats := collector.Collect(context.Background())
	assert.Equal(t, 3, stats.Plans)
	assert.Equal(t, 2, stats.PlansByStatus[model.PlanStatusPlanning])
	assert.Equal(t, 1, stats.PlansByStatus[model.PlanStatusCompleted])
	assert.Equal(t, 2, stats.ActiveEngines)
	assert.GreaterOrEqual(t, stats.CPUUsage, 0.0)
	assert.Greater(t, stats.MemoryUsage, 0.0)

	latest := collector.Latest()
	require.NotNil(t, latest)
	latest.PlansByStatus[model.PlanStatusPlanning] = 99
	assert.Equal(t, 2, collector.Latest().PlansByStatus[model.PlanStatusPlanning])
}

func TestMetricsCollectorPublishes(t *testing.T) {
	_, nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	collector := NewMetricsCollector(seedStore(t), nil, js, 100*time.Millisecond, zaptest.NewLogger(t))
	samples := testutil.CollectMessages(t, nc, metricsSubject)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, collector.Start(ctx))
	defer collector.Stop()
	require.NoError(t, testutil.WaitForStream(t, js, metricsStreamName, 5*time.Second))

	msg := testutil.NextMessage(t, samples, 5*time.Second)
	var stats model.AgentStats
	require.NoError(t, json.Unmarshal(msg.Data, &stats))
	assert.Equal(t, 3, stats.Plans)
	assert.Zero(t, stats.ActiveEngines)
	assert.NotNil(t, collector.Latest())
}
