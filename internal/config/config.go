// Package config loads the orchbot configuration file: YAML with
// environment-variable expansion and defaults applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// Workspace is the state directory: vault, event log, cron store,
	// skills, dynamic tools.
	Workspace string          `yaml:"workspace"`
	Alias     string          `yaml:"alias"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Providers ProvidersConfig `yaml:"providers"`
	Router    RouterConfig    `yaml:"router"`
	Ops       OpsConfig       `yaml:"ops"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ChannelsConfig struct {
	Slack    SlackConfig    `yaml:"slack"`
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type ProvidersConfig struct {
	// Primary overrides the availability-ordered provider pick.
	Primary    string     `yaml:"primary"`
	ChatGPT    CLIConfig  `yaml:"chatgpt"`
	ClaudeCode CLIConfig  `yaml:"claude_code"`
	OpenRouter HTTPConfig `yaml:"openrouter"`
	Phi4       HTTPConfig `yaml:"phi4"`
}

// CLIConfig configures a headless CLI provider.
type CLIConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	TimeoutMS int      `yaml:"timeout_ms"`
}

// HTTPConfig configures an OpenAI-compatible HTTP provider.
type HTTPConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type RouterConfig struct {
	AgentLoopMaxTurns  int `yaml:"agent_loop_max_turns"`
	MaxToolResultChars int `yaml:"max_tool_result_chars"`
}

type OpsConfig struct {
	RecoveryRetryMS   int  `yaml:"task_recovery_retry_ms"`
	RecoveryBatch     int  `yaml:"task_recovery_batch"`
	HealthLogEnabled  bool `yaml:"health_log_enabled"`
	BridgePumpEnabled bool `yaml:"bridge_pump_enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the configuration file, expanding $VAR references from the
// environment before parsing. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Workspace = filepath.Join(home, ".orchbot")
	}
	if cfg.Alias == "" {
		cfg.Alias = "orchbot"
	}
	if cfg.Router.AgentLoopMaxTurns == 0 {
		cfg.Router.AgentLoopMaxTurns = 8
	}
	if cfg.Router.MaxToolResultChars == 0 {
		cfg.Router.MaxToolResultChars = 4000
	}
	if cfg.Ops.RecoveryRetryMS == 0 {
		cfg.Ops.RecoveryRetryMS = 120000
	}
	if cfg.Ops.RecoveryBatch == 0 {
		cfg.Ops.RecoveryBatch = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Channels.Slack.Enabled && (c.Channels.Slack.BotToken == "" || c.Channels.Slack.AppToken == "") {
		return fmt.Errorf("slack enabled but bot_token or app_token missing")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.BotToken == "" {
		return fmt.Errorf("discord enabled but bot_token missing")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("telegram enabled but bot_token missing")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}
