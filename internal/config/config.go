// ABOUTME: Configuration loading and parsing for agentgram.
// ABOUTME: Supports YAML or TOML files with env var expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agentgram configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram" toml:"telegram"`
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Agent    AgentConfig    `yaml:"agent" toml:"agent"`
	Bridge   BridgeConfig   `yaml:"bridge" toml:"bridge"`
	Status   StatusConfig   `yaml:"status" toml:"status"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// TelegramConfig holds the Telegram frontend configuration.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Token   string `yaml:"token" toml:"token"`

	// AllowedChats restricts which chats the bot answers. Empty allows all.
	AllowedChats []int64 `yaml:"allowed_chats" toml:"allowed_chats"`
}

// MatrixConfig holds the Matrix frontend configuration.
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`

	// AllowedRooms restricts which rooms are bridged. Empty allows all.
	AllowedRooms []string `yaml:"allowed_rooms" toml:"allowed_rooms"`

	// CommandPrefix, when set, makes the bridge only react to messages
	// starting with it (the prefix is stripped before forwarding).
	CommandPrefix string `yaml:"command_prefix" toml:"command_prefix"`
}

// AgentConfig selects and configures the agent runtime backend.
type AgentConfig struct {
	// Backend names the runtime implementation. Currently "scripted".
	Backend string `yaml:"backend" toml:"backend"`

	// ScriptPath is the scripted backend's exchange script.
	ScriptPath string `yaml:"script_path" toml:"script_path"`

	ChunkDelay    time.Duration `yaml:"-" toml:"-"`
	ChunkDelayRaw string        `yaml:"chunk_delay" toml:"chunk_delay"`
}

// BridgeConfig holds tuning for the session/streaming core.
type BridgeConfig struct {
	// ChunkBuffer is the per-exchange chunk sink capacity.
	ChunkBuffer int `yaml:"chunk_buffer" toml:"chunk_buffer"`

	ShutdownGrace    time.Duration `yaml:"-" toml:"-"`
	ShutdownGraceRaw string        `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// StatusConfig holds the HTTP status endpoint configuration.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file and returns a parsed Config. The format is
// chosen by extension: ".toml" parses as TOML, anything else as YAML.
// Environment variables in the form ${VAR_NAME} are expanded first, and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values for fields the file left unset.
func applyDefaults(cfg *Config) {
	if cfg.Agent.Backend == "" {
		cfg.Agent.Backend = "scripted"
	}
	if cfg.Bridge.ShutdownGrace == 0 {
		cfg.Bridge.ShutdownGrace = 15 * time.Second
	}
	if cfg.Status.Enabled && cfg.Status.Addr == "" {
		cfg.Status.Addr = "localhost:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if !c.Telegram.Enabled && !c.Matrix.Enabled {
		return fmt.Errorf("at least one frontend must be enabled (telegram or matrix)")
	}

	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required when matrix is enabled")
		}
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required when matrix is enabled")
		}
	}

	if c.Agent.Backend != "scripted" {
		return fmt.Errorf("unknown agent.backend %q", c.Agent.Backend)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agent.ChunkDelayRaw != "" {
		cfg.Agent.ChunkDelay, err = time.ParseDuration(cfg.Agent.ChunkDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing chunk_delay %q: %w", cfg.Agent.ChunkDelayRaw, err)
		}
	}

	if cfg.Bridge.ShutdownGraceRaw != "" {
		cfg.Bridge.ShutdownGrace, err = time.ParseDuration(cfg.Bridge.ShutdownGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_grace %q: %w", cfg.Bridge.ShutdownGraceRaw, err)
		}
	}

	return nil
}
