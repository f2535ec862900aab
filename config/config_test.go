package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/dungeonmaster/comms"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, comms.DefaultMaxHistory, cfg.Bus.MaxHistory)
	assert.Equal(t, []string{"dice_roller", "session_manager"}, cfg.Agents.Enabled)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
log:
  level: debug
  format: json
bus:
  max_history: 50
  queue_limit: 10
  queue_policy: drop_oldest
orchestrator:
  tick_interval: 250ms
agents:
  enabled: [dice_roller]
intents:
  dice: lucky_dice
schedules:
  - name: nightly
    spec: "@daily"
    action: long_rest
    data:
      reason: night
bridge:
  url: http://localhost:8000/command
  open_timeout: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Second, cfg.Server.ForwardInterval, "untouched defaults survive")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 50, cfg.Bus.MaxHistory)
	assert.Equal(t, comms.PolicyDropOldest, cfg.Bus.QueuePolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.TickInterval)
	assert.Equal(t, []string{"dice_roller"}, cfg.Agents.Enabled)
	assert.Equal(t, "lucky_dice", cfg.Intents["dice"])
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "night", cfg.Schedules[0].Data["reason"])
	assert.Equal(t, time.Minute, cfg.Bridge.OpenTimeout)
	assert.Equal(t, uint32(5), cfg.Bridge.MaxFailures)
	require.NoError(t, Validate(cfg))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DM_ADDR", ":7070")
	t.Setenv("DM_JWT_SECRET", "from-env")
	t.Setenv("DM_LOG_LEVEL", "warn")
	t.Setenv("DM_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DM_BRIDGE_URL", "")

	cfg := DefaultConfig()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Archive.RedisURL)
	assert.Empty(t, cfg.Bridge.URL)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Addr = ""
	cfg.Auth.AdminPass = "plaintext"
	cfg.Log.Level = "loud"
	cfg.Bus.MaxHistory = 0
	cfg.Bus.QueueLimit = 5
	cfg.Orchestrator.TickInterval = 0
	cfg.Agents.Enabled = []string{"dragon"}
	cfg.Schedules = []ScheduleConfig{
		{Name: "a", Spec: "never", Action: "x"},
		{Name: "a", Spec: "@hourly"},
	}
	cfg.Bridge.URL = "ftp://nope"

	err := Validate(cfg)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	for _, want := range []string{
		"server.addr is required",
		"auth.admin_pass must be a bcrypt hash",
		`log.level "loud"`,
		"bus.max_history must be > 0",
		"bus.queue_policy is required",
		"orchestrator.tick_interval must be > 0",
		`unknown agent "dragon"`,
		`schedules[0].spec "never"`,
		`schedules[1].name "a" is duplicated`,
		"schedules[1].action is required",
		"bridge.url must be an http(s) URL",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_RedisRequiresKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive.RedisURL = "redis://localhost:6379"
	cfg.Archive.RedisKey = ""
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive.redis_key")
}
