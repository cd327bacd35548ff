package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/config"
	"github.com/t77yq/agent-planner/internal/model"
	"github.com/t77yq/agent-planner/internal/monitor"
	"github.com/t77yq/agent-planner/internal/scheduler"
	"github.com/t77yq/agent-planner/internal/service"
	"github.com/t77yq/agent-planner/internal/storage"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent API over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cfg, logger)
		},
	}
}

func connect(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	nc, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return err
	}

	history, err := storage.NewSQLiteTaskHistory(logger, cfg.Storage.HistoryPath)
	if err != nil {
		return err
	}
	defer history.Close()

	events, err := service.NewEventPublisher(js, logger)
	if err != nil {
		return err
	}

	store := storage.NewMemoryPlanStore(logger)
	svc := newService(cfg, logger, store,
		service.WithHistory(history),
		service.WithEventSink(events))
	defer svc.Close()

	api := service.NewNATSServer(nc, svc, cfg.NATS.QueueGroup, logger)
	if err := api.Start(); err != nil {
		return err
	}
	defer api.Stop()

	schedules := scheduler.NewCronScheduler(svc, js, logger)
	if err := schedules.Start(ctx); err != nil {
		return err
	}
	defer schedules.Stop()

	alerts := monitor.NewAlertManager(logger, js)
	for _, rule := range defaultAlertRules() {
		if err := alerts.AddRule(rule); err != nil {
			return err
		}
	}
	if err := alerts.Start(ctx); err != nil {
		return err
	}

	metrics := monitor.NewMetricsCollector(store, svc, js, cfg.Monitor.MetricsInterval, logger)
	if err := metrics.Start(ctx); err != nil {
		return err
	}
	defer metrics.Stop()

	go cleanupLoop(ctx, cfg, logger, svc, history, alerts)

	logger.Info("Agent planner ready",
		zap.String("queue_group", cfg.NATS.QueueGroup),
		zap.String("completion_policy", cfg.Engine.CompletionPolicy))

	<-ctx.Done()
	logger.Info("Server shutting down gracefully",
		zap.Int("active_engines", svc.ActiveEngines()))
	return nil
}

func defaultAlertRules() []*model.AlertRule {
	return []*model.AlertRule{
		{Name: "Task failure", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityError},
		{Name: "Plan failure", Type: model.AlertTypePlanFailure, Severity: model.AlertSeverityCritical},
	}
}

// cleanupLoop evicts finished plans along with their alerts and prunes old
// task history
func cleanupLoop(ctx context.Context, cfg *config.Config, logger *zap.Logger, svc *service.AgentService, history storage.TaskHistoryStorage, alerts *monitor.AlertManager) {
	ticker := time.NewTicker(cfg.Storage.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			cutoff := now.Add(-cfg.Storage.PlanRetention)
			evicted, err := svc.Cleanup(ctx, cutoff)
			if err != nil {
				logger.Error("Failed to evict finished plans", zap.Error(err))
			}
			alertsPruned := alerts.PruneBefore(cutoff)

			pruned, err := history.DeleteBefore(ctx, now.Add(-cfg.Storage.HistoryRetention))
			if err != nil {
				logger.Error("Failed to cleanup old task history", zap.Error(err))
			}

			logger.Info("Cleanup finished",
				zap.Int("plans_evicted", evicted),
				zap.Int("alerts_pruned", alertsPruned),
				zap.Int64("history_pruned", pruned))
		}
	}
}
