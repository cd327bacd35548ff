package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/config"
	"github.com/t77yq/agent-planner/internal/executor"
	"github.com/t77yq/agent-planner/internal/handler"
	"github.com/t77yq/agent-planner/internal/planner"
	"github.com/t77yq/agent-planner/internal/service"
	"github.com/t77yq/agent-planner/internal/storage"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "agent-planner",
		Short:         "Plan and execute agent tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config/config.yaml)")

	root.AddCommand(newServeCommand(), newRunCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config and creates the logger
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger.Named(cfg.App.Name), nil
}

// newRegistry builds the task handlers. A configured search endpoint takes
// precedence over the canned searcher.
func newRegistry(cfg *config.Config, logger *zap.Logger) *handler.Registry {
	var searcher handler.Searcher = handler.MockSearcher{}
	if cfg.Search.Endpoint != "" {
		searcher = handler.NewHTTPSearcher(logger, cfg.Search.Endpoint, cfg.Search.APIKey, cfg.Search.Timeout)
	}

	return handler.NewRegistry(logger, handler.Options{
		Delay:            cfg.Engine.TaskDelay,
		WebSearchEnabled: cfg.Engine.WebSearchEnabled,
		Searcher:         searcher,
	})
}

// newService wires the builder, store and handlers into an AgentService
func newService(cfg *config.Config, logger *zap.Logger, store storage.PlanStore, opts ...service.Option) *service.AgentService {
	opts = append([]service.Option{
		service.WithCompletionPolicy(executor.CompletionPolicy(cfg.Engine.CompletionPolicy)),
		service.WithDefaultMaxTasks(cfg.Planner.DefaultMaxTasks),
	}, opts...)

	return service.NewAgentService(logger, planner.NewBuilder(logger), store, newRegistry(cfg, logger), opts...)
}
