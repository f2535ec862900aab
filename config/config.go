// Package config defines the dungeonmaster daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/dungeonmaster/agents"
	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
)

// Config is the top-level dungeonmaster configuration.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
	Log          LogConfig          `json:"log" yaml:"log"`
	Tracer       TracerConfig       `json:"tracer" yaml:"tracer"`
	Bus          BusConfig          `json:"bus" yaml:"bus"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Agents       AgentsConfig       `json:"agents" yaml:"agents"`
	Intents      map[string]string  `json:"intents,omitempty" yaml:"intents"` // intent -> agent id overrides
	Schedules    []ScheduleConfig   `json:"schedules,omitempty" yaml:"schedules"`
	Bridge       BridgeConfig       `json:"bridge" yaml:"bridge"`
	Archive      ArchiveConfig      `json:"archive" yaml:"archive"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`             // listen address, e.g., ":9090"
	RateLimit       float64       `json:"rate_limit" yaml:"rate_limit"` // requests per second per client, 0 disables
	RateBurst       int           `json:"rate_burst" yaml:"rate_burst"`
	ForwardInterval time.Duration `json:"forward_interval" yaml:"forward_interval"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string        `json:"admin_user" yaml:"admin_user"`
	AdminPass string        `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text or json
	Output string `json:"output" yaml:"output"` // stdout, stderr or a file path
}

// TracerConfig controls OpenTelemetry span export.
type TracerConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Exporter string `json:"exporter" yaml:"exporter"` // stdout or noop
}

// BusConfig tunes the message bus.
type BusConfig struct {
	MaxHistory  int               `json:"max_history" yaml:"max_history"`
	QueueLimit  int               `json:"queue_limit" yaml:"queue_limit"` // 0 means unbounded
	QueuePolicy comms.QueuePolicy `json:"queue_policy" yaml:"queue_policy"`
	JoinTimeout time.Duration     `json:"join_timeout" yaml:"join_timeout"`
}

// OrchestratorConfig tunes the tick loop and command routing.
type OrchestratorConfig struct {
	TickInterval   time.Duration `json:"tick_interval" yaml:"tick_interval"`
	EventWindow    int           `json:"event_window" yaml:"event_window"`
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout"`
}

// AgentsConfig names the built-in agents to register.
type AgentsConfig struct {
	Enabled []string `json:"enabled" yaml:"enabled"`
}

// ScheduleConfig is one cron-driven broadcast.
type ScheduleConfig struct {
	Name   string         `json:"name" yaml:"name"`
	Spec   string         `json:"spec" yaml:"spec"`
	Action string         `json:"action" yaml:"action"`
	Data   map[string]any `json:"data,omitempty" yaml:"data"`
}

// BridgeConfig points at an optional external command service.
type BridgeConfig struct {
	URL         string        `json:"url" yaml:"url"` // empty disables the bridge
	Token       string        `json:"token,omitempty" yaml:"token"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxFailures uint32        `json:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

// ArchiveConfig controls message persistence.
type ArchiveConfig struct {
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"` // empty disables sqlite
	Keep       int    `json:"keep" yaml:"keep"`               // rows kept when pruning at startup, 0 keeps all
	RedisURL   string `json:"redis_url" yaml:"redis_url"`     // empty disables the mirror
	RedisKey   string `json:"redis_key" yaml:"redis_key"`
	RedisMax   int    `json:"redis_max" yaml:"redis_max"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":9090",
			RateLimit:       20,
			RateBurst:       40,
			ForwardInterval: time.Second,
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Bus: BusConfig{
			MaxHistory:  comms.DefaultMaxHistory,
			QueuePolicy: comms.PolicyUnbounded,
			JoinTimeout: 2 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			TickInterval:   orchestrator.DefaultTickInterval,
			EventWindow:    orchestrator.DefaultEventWindow,
			CommandTimeout: orchestrator.DefaultCommandTimeout,
		},
		Agents: AgentsConfig{
			Enabled: agents.Available(),
		},
		Bridge: BridgeConfig{
			Timeout:     10 * time.Second,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Archive: ArchiveConfig{
			SQLitePath: "./data/messages.db",
			RedisKey:   "dm:messages",
			RedisMax:   1000,
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnvOverrides replaces config values with DM_* environment variables
// when they are set.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DM_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DM_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("DM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DM_REDIS_URL"); v != "" {
		cfg.Archive.RedisURL = v
	}
	if v := os.Getenv("DM_BRIDGE_URL"); v != "" {
		cfg.Bridge.URL = v
	}
}
