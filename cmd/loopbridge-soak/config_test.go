package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var details ValidationErrors
	require.True(t, errors.As(err, &details), "expected ValidationErrors, got %v", err)
	fields := make([]string, 0, len(details))
	for _, d := range details {
		fields = append(fields, d.Field)
	}
	return fields
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
	assert.Equal(t, logiface.LevelInformational, cfg.LogLevel())
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	path := writeFile(t, "soak.yaml", `
log:
  level: debug
bridge:
  lock_timeout: 250ms
soak:
  rounds: 3
  calls: 10
metrics:
  addr: "127.0.0.1:9464"
`)
	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, logiface.LevelDebug, cfg.LogLevel())
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.LockTimeout)
	assert.Equal(t, 3, cfg.Soak.Rounds)
	assert.Equal(t, 10, cfg.Soak.Calls)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Addr)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().Soak.Events, cfg.Soak.Events)
	assert.Equal(t, DefaultConfig().Bridge.PollInterval, cfg.Bridge.PollInterval)
}

func TestLoadConfig_JSONFile(t *testing.T) {
	path := writeFile(t, "soak.json", `{"soak": {"events": 42, "timeout": "1m"}}`)
	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Soak.Events)
	assert.Equal(t, time.Minute, cfg.Soak.Timeout)
}

func TestLoadConfig_FileErrors(t *testing.T) {
	_, err := LoadConfig(writeFile(t, "soak.toml", `x = 1`), nil)
	assert.ErrorContains(t, err, "unsupported config file format")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorContains(t, err, "config file not found")
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeFile(t, "soak.yaml", "soak:\n  calls: 1\n  events: 1\n  locks: 1\n")
	t.Setenv("LOOPBRIDGE_SOAK_EVENTS", "2")
	t.Setenv("LOOPBRIDGE_SOAK_LOCKS", "2")
	t.Setenv("LOOPBRIDGE_BRIDGE_LOCK_TIMEOUT", "3s")
	t.Setenv("LOOPBRIDGE_BRIDGE_MAX_POLL_INTERVAL", "40ms")

	cfg, err := LoadConfig(path, map[string]any{"soak.locks": 3})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Soak.Calls)
	assert.Equal(t, 2, cfg.Soak.Events)
	assert.Equal(t, 3, cfg.Soak.Locks)
	assert.Equal(t, 3*time.Second, cfg.Bridge.LockTimeout)
	assert.Equal(t, 40*time.Millisecond, cfg.Bridge.MaxPollInterval)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "soak.calls", envKey("LOOPBRIDGE_SOAK_CALLS"))
	assert.Equal(t, "bridge.lock_warn_interval", envKey("LOOPBRIDGE_BRIDGE_LOCK_WARN_INTERVAL"))
}

func TestLoadConfig_Validation(t *testing.T) {
	_, err := LoadConfig("", map[string]any{
		"log.level":                 "loud",
		"soak.rounds":               0,
		"soak.timeout":              time.Duration(0),
		"bridge.lock_warn_interval": time.Duration(0),
		"bridge.lock_timeout":       -time.Second,
		"bridge.max_poll_interval":  time.Duration(0),
		"metrics.addr":              "not an address",
	})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{
		"Config.Log.Level",
		"Config.Soak.Rounds",
		"Config.Soak.Timeout",
		"Config.Bridge.LockWarnInterval",
		"Config.Bridge.LockTimeout",
		"Config.Bridge.MaxPollInterval",
		"Config.Metrics.Addr",
	}, fieldsOf(t, err))
	assert.Contains(t, err.Error(), "configuration validation failed:")
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestValidateWithDetails_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Addr = ":9464"
	assert.NoError(t, ValidateWithDetails(&cfg))
}

func TestValidationErrors_Empty(t *testing.T) {
	assert.Equal(t, "no validation errors", ValidationErrors(nil).Error())
}
