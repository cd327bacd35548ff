package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Completion policies decide the final plan status once every task is terminal.
const (
	CompletionSucceeded = "succeeded"
	CompletionTerminal  = "terminal"
)

// Config is the typed application configuration
type Config struct {
	App struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"app"`

	NATS struct {
		URL            string        `mapstructure:"url"`
		MaxReconnects  int           `mapstructure:"max_reconnects"`
		ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
		QueueGroup     string        `mapstructure:"queue_group"`
	} `mapstructure:"nats"`

	Planner struct {
		DefaultMaxTasks int `mapstructure:"default_max_tasks"`
	} `mapstructure:"planner"`

	Engine struct {
		TaskDelay        time.Duration `mapstructure:"task_delay"`
		WebSearchEnabled bool          `mapstructure:"web_search_enabled"`
		CompletionPolicy string        `mapstructure:"completion_policy"`
	} `mapstructure:"engine"`

	Search struct {
		Endpoint string        `mapstructure:"endpoint"`
		APIKey   string        `mapstructure:"api_key"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"search"`

	Storage struct {
		HistoryPath      string        `mapstructure:"history_path"`
		PlanRetention    time.Duration `mapstructure:"plan_retention"`
		HistoryRetention time.Duration `mapstructure:"history_retention"`
		CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	} `mapstructure:"storage"`

	Monitor struct {
		MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	} `mapstructure:"monitor"`
}

// SetDefaults registers a default for every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "agent-planner")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.queue_group", "agent-planner")

	v.SetDefault("planner.default_max_tasks", 20)

	v.SetDefault("engine.task_delay", 2*time.Second)
	v.SetDefault("engine.web_search_enabled", false)
	v.SetDefault("engine.completion_policy", CompletionSucceeded)

	v.SetDefault("search.endpoint", "")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.timeout", 10*time.Second)

	v.SetDefault("storage.history_path", "task_history.db")
	v.SetDefault("storage.plan_retention", 24*time.Hour)
	v.SetDefault("storage.history_retention", 30*24*time.Hour)
	v.SetDefault("storage.cleanup_interval", time.Hour)

	v.SetDefault("monitor.metrics_interval", 30*time.Second)
}

// Load reads configuration from path (or ./config/config.yaml when path is
// empty) and applies AGENT_* environment overrides. A missing config file is
// not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Planner.DefaultMaxTasks < 1 || c.Planner.DefaultMaxTasks > 50 {
		return fmt.Errorf("planner.default_max_tasks must be between 1 and 50, got %d", c.Planner.DefaultMaxTasks)
	}
	switch c.Engine.CompletionPolicy {
	case CompletionSucceeded, CompletionTerminal:
	default:
		return fmt.Errorf("unknown engine.completion_policy %q", c.Engine.CompletionPolicy)
	}
	if c.Engine.TaskDelay < 0 {
		return fmt.Errorf("engine.task_delay must not be negative")
	}
	return nil
}
