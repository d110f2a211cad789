// Package config loads codebox settings from defaults, an optional config
// file and CODEBOX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sravan-iaisolution/codebox/agentloop"
	"github.com/sravan-iaisolution/codebox/fragment"
)

// EnvPrefix prefixes every environment override: llm.api_key is read from
// CODEBOX_LLM_API_KEY.
const EnvPrefix = "CODEBOX"

type LLM struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	MaxRetries  int     `mapstructure:"max_retries"`
}

type Agent struct {
	MaxIterations     int           `mapstructure:"max_iterations"`
	MaxIdleTurns      int           `mapstructure:"max_idle_turns"`
	OutputBudgetBytes int           `mapstructure:"output_budget_bytes"`
	ReadConcurrency   int           `mapstructure:"read_concurrency"`
	ContextWindow     int           `mapstructure:"context_window"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	AllowedCommands   []string      `mapstructure:"allowed_commands"`
}

type Sandbox struct {
	Root       string `mapstructure:"root"`
	HostSuffix string `mapstructure:"host_suffix"`
	Template   string `mapstructure:"template"`
	CacheSize  int    `mapstructure:"cache_size"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Persist struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type Server struct {
	Addr      string `mapstructure:"addr"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
}

// Config is the full codebox configuration.
type Config struct {
	LLM     LLM     `mapstructure:"llm"`
	Agent   Agent   `mapstructure:"agent"`
	Sandbox Sandbox `mapstructure:"sandbox"`
	Store   Store   `mapstructure:"store"`
	Persist Persist `mapstructure:"persist"`
	Log     Log     `mapstructure:"log"`
	Server  Server  `mapstructure:"server"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	loop := agentloop.DefaultConfig()
	persist := fragment.DefaultRetryPolicy()

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.max_retries", 0)

	v.SetDefault("agent.max_iterations", loop.MaxIterations)
	v.SetDefault("agent.max_idle_turns", loop.MaxIdleTurns)
	v.SetDefault("agent.output_budget_bytes", loop.OutputBudget)
	v.SetDefault("agent.read_concurrency", loop.ReadConcurrency)
	v.SetDefault("agent.context_window", 0) // 0 takes the model's catalog window
	v.SetDefault("agent.command_timeout", loop.CommandTimeout)
	v.SetDefault("agent.allowed_commands", agentloop.DefaultAllowedCommands)

	v.SetDefault("sandbox.root", ".codebox/sandboxes")
	v.SetDefault("sandbox.host_suffix", "localhost")
	v.SetDefault("sandbox.template", loop.SandboxTemplate)
	v.SetDefault("sandbox.cache_size", 64)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", ".codebox/codebox.db")

	v.SetDefault("persist.max_retries", persist.MaxRetries)
	v.SetDefault("persist.initial_interval", persist.InitialInterval)
	v.SetDefault("persist.max_interval", persist.MaxInterval)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.workers", 4)
	v.SetDefault("server.queue_size", 64)
}

// Load reads the optional config file at path (any format viper supports)
// into v and decodes the result. An empty path skips the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, errors.New("agent.max_iterations must be positive"))
	}
	if c.Agent.MaxIdleTurns < 0 {
		errs = append(errs, errors.New("agent.max_idle_turns must not be negative"))
	}
	if c.Persist.MaxRetries < 0 {
		errs = append(errs, errors.New("persist.max_retries must not be negative"))
	}
	if c.Server.Workers <= 0 {
		errs = append(errs, errors.New("server.workers must be positive"))
	}
	if c.Sandbox.Root == "" {
		errs = append(errs, errors.New("sandbox.root is required"))
	}
	return errors.Join(errs...)
}

// AgentConfig maps the settings onto the loop configuration.
func (c *Config) AgentConfig() agentloop.Config {
	return agentloop.Config{
		Model:               c.LLM.Model,
		MaxIterations:       c.Agent.MaxIterations,
		MaxIdleTurns:        c.Agent.MaxIdleTurns,
		OutputBudget:        c.Agent.OutputBudgetBytes,
		ReadConcurrency:     c.Agent.ReadConcurrency,
		CommandTimeout:      c.Agent.CommandTimeout,
		AllowedCommands:     c.Agent.AllowedCommands,
		ContextWindow:       c.Agent.ContextWindow,
		LoopDetectionWindow: agentloop.DefaultLoopDetectionWindow,
		SandboxTemplate:     c.Sandbox.Template,
	}
}

// RetryPolicy maps the persist settings onto the persister's policy.
func (c *Config) RetryPolicy() fragment.RetryPolicy {
	p := fragment.DefaultRetryPolicy()
	p.MaxRetries = c.Persist.MaxRetries
	if c.Persist.InitialInterval > 0 {
		p.InitialInterval = c.Persist.InitialInterval
	}
	if c.Persist.MaxInterval > 0 {
		p.MaxInterval = c.Persist.MaxInterval
	}
	return p
}
