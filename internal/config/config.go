// SPDX-License-Identifier: Apache-2.0

// Package config handles loading YAML config for rota and its engine
// tunables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Port   string `yaml:"port"`
	DBPath string `yaml:"db_path"`

	// Engine tunables. These are operational knobs, not part of the
	// escalation contract.
	EscalationLockTimeoutMS int `yaml:"escalation_lock_timeout_ms"`
	EscalationBatchSize     int `yaml:"escalation_batch_size"`
	EscalationConcurrency   int `yaml:"escalation_concurrency"`
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"`
	NotifySendTimeoutMS     int `yaml:"notify_send_timeout_ms"`

	// Channels maps channel name (email, sms, push, slack, webhook,
	// whatsapp) to its provider endpoint. Resolved once at startup.
	Channels map[string]string `yaml:"channels"`

	Log map[string]any `yaml:"log"`
}

// LockTimeout returns the escalation lock staleness threshold.
func (c *AppConfig) LockTimeout() time.Duration {
	return time.Duration(c.EscalationLockTimeoutMS) * time.Millisecond
}

// SweepInterval returns the batch processor cadence.
func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// NotifySendTimeout returns the per-send notification timeout.
func (c *AppConfig) NotifySendTimeout() time.Duration {
	return time.Duration(c.NotifySendTimeoutMS) * time.Millisecond
}

// LoadConfigFromFile reads YAML config from path into an AppConfig struct
func LoadConfigFromFile(path string) (*AppConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	config := &AppConfig{}
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Apply defaults before validation so zero values never fail it.
	ApplyConfigDefaults(config)

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	LogConfigSummary(config)
	return config, nil
}

// ValidateConfig checks that all config fields are usable.
func ValidateConfig(config *AppConfig) error {
	if config.EscalationLockTimeoutMS <= 0 {
		return fmt.Errorf("escalation_lock_timeout_ms must be positive")
	}
	if config.EscalationBatchSize <= 0 {
		return fmt.Errorf("escalation_batch_size must be positive")
	}
	if config.EscalationConcurrency <= 0 {
		return fmt.Errorf("escalation_concurrency must be positive")
	}
	if config.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep_interval_seconds must be positive")
	}
	return nil
}

// ApplyConfigDefaults sets default values for optional config fields
func ApplyConfigDefaults(config *AppConfig) {
	if config.Port == "" {
		config.Port = "8080"
	}
	if config.DBPath == "" {
		config.DBPath = "rota.db"
	}
	if config.EscalationLockTimeoutMS == 0 {
		// Comfortably above expected step latency, small enough that a
		// crashed worker self-heals within a sweep cycle or two.
		config.EscalationLockTimeoutMS = 60_000
	}
	if config.EscalationBatchSize == 0 {
		config.EscalationBatchSize = 50
	}
	if config.EscalationConcurrency == 0 {
		config.EscalationConcurrency = 5
	}
	if config.SweepIntervalSeconds == 0 {
		config.SweepIntervalSeconds = 120
	}
	if config.NotifySendTimeoutMS == 0 {
		config.NotifySendTimeoutMS = 10_000
	}
	if config.Log == nil {
		config.Log = map[string]any{
			"level":  "info",
			"format": "json",
		}
	}
}

// LogConfigSummary logs a sanitized summary of the loaded configuration
func LogConfigSummary(config *AppConfig) {
	slog.Info("configuration loaded",
		"port", config.Port,
		"db_path", config.DBPath,
		"lock_timeout_ms", config.EscalationLockTimeoutMS,
		"batch_size", config.EscalationBatchSize,
		"concurrency", config.EscalationConcurrency,
		"sweep_interval_s", config.SweepIntervalSeconds,
		"channels_configured", len(config.Channels))
}
