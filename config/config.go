package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"molt/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".molt"), nil
}

// Config represents the application configuration
type Config struct {
	// DefaultProgram is the coding-assistant program each sub-agent drives.
	DefaultProgram string `json:"default_program"`
	// DefaultModel is the model identifier passed to sub-agents when no
	// override is set on the pool.
	DefaultModel string `json:"default_model"`
	// MaxConcurrency caps how many sub-agents run at once.
	MaxConcurrency int `json:"max_concurrency"`
	// StaggerDelayMs is the pause (ms) between successive sub-agent launches.
	StaggerDelayMs int `json:"stagger_delay_ms"`
	// PermitTimeoutSecs bounds how long a sub-agent waits for an execution slot.
	PermitTimeoutSecs int `json:"permit_timeout_secs"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProgram:    "claude",
		DefaultModel:      "",
		MaxConcurrency:    4,
		StaggerDelayMs:    100,
		PermitTimeoutSecs: 300,
	}
}

// StaggerDelay returns the launch stagger as a duration.
func (c *Config) StaggerDelay() time.Duration {
	return time.Duration(c.StaggerDelayMs) * time.Millisecond
}

// PermitTimeout returns the slot-acquisition ceiling as a duration.
func (c *Config) PermitTimeout() time.Duration {
	return time.Duration(c.PermitTimeoutSecs) * time.Second
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := SaveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return config.withDefaults()
}

// withDefaults backfills zero values so a hand-edited config file with
// missing fields still yields a usable configuration.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c.DefaultProgram == "" {
		c.DefaultProgram = def.DefaultProgram
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.StaggerDelayMs < 0 {
		c.StaggerDelayMs = def.StaggerDelayMs
	}
	if c.PermitTimeoutSecs <= 0 {
		c.PermitTimeoutSecs = def.PermitTimeoutSecs
	}
	return c
}

// SaveConfig saves the configuration to disk
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
