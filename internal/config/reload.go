package config

import (
	"fmt"
	"log/slog"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists config fields that cannot be hot-reloaded
// and require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.Host":           true,
	"Server.Port":           true,
	"Server.DataDir":        true,
	"Server.JWTSecret":      true,
	"Session.Name":          true,
	"Session.DeviceName":    true,
	"Relay.OrchestratorURL": true,
	"Relay.BufferSize":      true,
	"MQTT.Broker":           true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Relay.ForwardOwnMessages",
	"Relay.TimeoutMs",
	"Dispatch.SendIntervalMs",
	"Dispatch.RetryDelayMs",
	"Dispatch.MaxAttempts",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, if any, plus environment overrides,
// diffs against the current config, and applies hot-reloadable changes in
// place. Fields that require a restart are logged as skipped.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	newCfg := DefaultConfig()
	if path != "" {
		if err := newCfg.readFile(path); err != nil {
			return nil, fmt.Errorf("reload: %w", err)
		}
	}
	if err := newCfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, result)

	return result, nil
}

func skip(result *ReloadResult, field string) {
	result.Changed = append(result.Changed, field)
	result.Skipped = append(result.Skipped, field+" (requires restart)")
}

func apply(result *ReloadResult, field string) {
	result.Changed = append(result.Changed, field)
	result.Applied = append(result.Applied, field)
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	if old.Server.Host != new.Server.Host {
		skip(result, "Server.Host")
	}
	if old.Server.Port != new.Server.Port {
		skip(result, "Server.Port")
	}
	if old.Server.DataDir != new.Server.DataDir {
		skip(result, "Server.DataDir")
	}
	if old.Server.JWTSecret != new.Server.JWTSecret {
		skip(result, "Server.JWTSecret")
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		old.Server.LogLevel = new.Server.LogLevel
		apply(result, "Server.LogLevel")
	}

	if old.Session.Name != new.Session.Name {
		skip(result, "Session.Name")
	}
	if old.Session.DeviceName != new.Session.DeviceName {
		skip(result, "Session.DeviceName")
	}

	if old.Relay.OrchestratorURL != new.Relay.OrchestratorURL {
		skip(result, "Relay.OrchestratorURL")
	}
	if old.Relay.BufferSize != new.Relay.BufferSize {
		skip(result, "Relay.BufferSize")
	}
	if old.Relay.ForwardOwnMessages != new.Relay.ForwardOwnMessages {
		old.Relay.ForwardOwnMessages = new.Relay.ForwardOwnMessages
		apply(result, "Relay.ForwardOwnMessages")
	}
	if old.Relay.TimeoutMs != new.Relay.TimeoutMs {
		old.Relay.TimeoutMs = new.Relay.TimeoutMs
		apply(result, "Relay.TimeoutMs")
	}

	if old.Dispatch.SendIntervalMs != new.Dispatch.SendIntervalMs {
		old.Dispatch.SendIntervalMs = new.Dispatch.SendIntervalMs
		apply(result, "Dispatch.SendIntervalMs")
	}
	if old.Dispatch.RetryDelayMs != new.Dispatch.RetryDelayMs {
		old.Dispatch.RetryDelayMs = new.Dispatch.RetryDelayMs
		apply(result, "Dispatch.RetryDelayMs")
	}
	if old.Dispatch.MaxAttempts != new.Dispatch.MaxAttempts {
		old.Dispatch.MaxAttempts = new.Dispatch.MaxAttempts
		apply(result, "Dispatch.MaxAttempts")
	}

	if old.MQTT.Broker != new.MQTT.Broker {
		skip(result, "MQTT.Broker")
	}
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
