package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/dungeonmaster/agents"
	"github.com/GoCodeAlone/dungeonmaster/comms"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateLog(cfg, ve)
	validateTracer(cfg, ve)
	validateBus(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateAgents(cfg, ve)
	validateSchedules(cfg, ve)
	validateBridge(cfg, ve)
	validateArchive(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr is required")
	}
	if cfg.Server.RateLimit < 0 {
		ve.Add("server.rate_limit must be >= 0")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst <= 0 {
		ve.Add("server.rate_burst must be > 0 when rate_limit is set")
	}
	if cfg.Server.ForwardInterval <= 0 {
		ve.Add("server.forward_interval must be > 0")
	}
	if cfg.Auth.AdminUser == "" {
		ve.Add("auth.admin_user is required")
	}
	if cfg.Auth.AdminPass != "" && !strings.HasPrefix(cfg.Auth.AdminPass, "$2") {
		ve.Add("auth.admin_pass must be a bcrypt hash")
	}
	if cfg.Auth.TokenTTL <= 0 {
		ve.Add("auth.token_ttl must be > 0")
	}
}

func validateLog(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		ve.Add("log.format %q is not one of text, json", cfg.Log.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not one of stdout, noop", cfg.Tracer.Exporter)
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	if cfg.Bus.MaxHistory <= 0 {
		ve.Add("bus.max_history must be > 0")
	}
	if cfg.Bus.QueueLimit < 0 {
		ve.Add("bus.queue_limit must be >= 0")
	}
	switch cfg.Bus.QueuePolicy {
	case comms.PolicyUnbounded, comms.PolicyDropOldest, comms.PolicyReject:
	default:
		ve.Add("bus.queue_policy %q is not one of drop_oldest, reject", cfg.Bus.QueuePolicy)
	}
	if cfg.Bus.QueueLimit > 0 && cfg.Bus.QueuePolicy == comms.PolicyUnbounded {
		ve.Add("bus.queue_policy is required when bus.queue_limit is set")
	}
	if cfg.Bus.JoinTimeout <= 0 {
		ve.Add("bus.join_timeout must be > 0")
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	if cfg.Orchestrator.TickInterval <= 0 {
		ve.Add("orchestrator.tick_interval must be > 0")
	}
	if cfg.Orchestrator.EventWindow <= 0 {
		ve.Add("orchestrator.event_window must be > 0")
	}
	if cfg.Orchestrator.CommandTimeout <= 0 {
		ve.Add("orchestrator.command_timeout must be > 0")
	}
	for intent, id := range cfg.Intents {
		if intent == "" || id == "" {
			ve.Add("intents: empty intent or agent id (%q: %q)", intent, id)
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	known := make(map[string]bool)
	for _, name := range agents.Available() {
		known[name] = true
	}
	for _, name := range cfg.Agents.Enabled {
		if !known[name] {
			ve.Add("agents.enabled: unknown agent %q", name)
		}
	}
}

func validateSchedules(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		if s.Name == "" {
			ve.Add("schedules[%d].name is required", i)
		} else if names[s.Name] {
			ve.Add("schedules[%d].name %q is duplicated", i, s.Name)
		}
		names[s.Name] = true
		if s.Action == "" {
			ve.Add("schedules[%d].action is required", i)
		}
		if _, err := cron.ParseStandard(s.Spec); err != nil {
			ve.Add("schedules[%d].spec %q: %v", i, s.Spec, err)
		}
	}
}

func validateBridge(cfg *Config, ve *ValidationError) {
	if cfg.Bridge.URL == "" {
		return
	}
	if !strings.HasPrefix(cfg.Bridge.URL, "http://") && !strings.HasPrefix(cfg.Bridge.URL, "https://") {
		ve.Add("bridge.url must be an http(s) URL")
	}
	if cfg.Bridge.Timeout <= 0 {
		ve.Add("bridge.timeout must be > 0")
	}
	if cfg.Bridge.MaxFailures == 0 {
		ve.Add("bridge.max_failures must be > 0")
	}
}

func validateArchive(cfg *Config, ve *ValidationError) {
	if cfg.Archive.Keep < 0 {
		ve.Add("archive.keep must be >= 0")
	}
	if cfg.Archive.RedisURL == "" {
		return
	}
	if cfg.Archive.RedisKey == "" {
		ve.Add("archive.redis_key is required when redis_url is set")
	}
	if cfg.Archive.RedisMax <= 0 {
		ve.Add("archive.redis_max must be > 0")
	}
}
