package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

const (
	metricsStreamName = "METRICS"
	metricsSubject    = "metrics.agent"
	cpuSampleWindow   = 250 * time.Millisecond
)

// PlanCounter reports stored plans per status
type PlanCounter interface {
	CountByStatus(ctx context.Context) map[model.PlanStatus]int
}

// EngineCounter reports how many engines are currently running a plan
type EngineCounter interface {
	ActiveEngines() int
}

// MetricsCollector samples plan and host metrics on an interval
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	plans    PlanCounter
	engines  EngineCounter
	interval time.Duration
	mu       sync.RWMutex
	latest   *model.AgentStats
	stop     chan struct{}
	once     sync.Once
}

// NewMetricsCollector creates a new metrics collector. engines and js may be nil.
func NewMetricsCollector(plans PlanCounter, engines EngineCounter, js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		plans:    plans,
		engines:  engines,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	if c.js != nil {
		if _, err := c.js.StreamInfo(metricsStreamName); err == nats.ErrStreamNotFound {
			if _, err := c.js.AddStream(&nats.StreamConfig{
				Name:     metricsStreamName,
				Subjects: []string{"metrics.*"},
				Storage:  nats.FileStorage,
				MaxAge:   time.Hour,
			}); err != nil {
				return fmt.Errorf("failed to create stream: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
	}

	go c.collectLoop(ctx)
	return nil
}

// Stop stops the collection loop
func (c *MetricsCollector) Stop() {
	c.once.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one sample, stores it as the latest and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) *model.AgentStats {
	byStatus := c.plans.CountByStatus(ctx)
	stats := &model.AgentStats{
		PlansByStatus: byStatus,
		CollectedAt:   time.Now(),
	}
	for _, n := range byStatus {
		stats.Plans += n
	}
	if c.engines != nil {
		stats.ActiveEngines = c.engines.ActiveEngines()
	}

	// host figures are best effort
	if cpuPercent, err := cpu.Percent(cpuSampleWindow, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemory(); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = memInfo.UsedPercent
	}

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()

	c.publish(stats)

	c.logger.Debug("Metrics collected",
		zap.Int("plans", stats.Plans),
		zap.Int("active_engines", stats.ActiveEngines),
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage))
	return stats
}

func (c *MetricsCollector) publish(stats *model.AgentStats) {
	if c.js == nil {
		return
	}
	data, err := json.Marshal(stats)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(metricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
	}
}

// Latest returns the most recent sample, or nil before the first one
func (c *MetricsCollector) Latest() *model.AgentStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil
	}
	stats := *c.latest
	stats.PlansByStatus = make(map[model.PlanStatus]int, len(c.latest.PlansByStatus))
	for status, n := range c.latest.PlansByStatus {
		stats.PlansByStatus[status] = n
	}
	return &stats
}
