// config.go - Configuration management for the wallet daemon
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the daemon configuration
type Config struct {
	// Remote endpoints. An empty chain RPC URL selects the in-process
	// reference chain, which is only useful for local development.
	RelayerURL  string `json:"relayer_url"`
	ChainRPCURL string `json:"chain_rpc_url"`

	// Wallet identity
	WalletSignature   string `json:"wallet_signature"`
	PublicDestination string `json:"public_destination"`

	// Storage
	DBPath string `json:"db_path"`

	// Reconciliation and polling
	ReconcileIntervalSeconds int `json:"reconcile_interval_seconds"`
	PollMaxAttempts          int `json:"poll_max_attempts"`
	PollIntervalMillis       int `json:"poll_interval_millis"`
	RelayerMaxRetries        int `json:"relayer_max_retries"`

	// HTTP surface for health and metrics
	ListenAddr string `json:"listen_addr"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		RelayerURL:               "http://localhost:8080",
		ChainRPCURL:              "",
		WalletSignature:          "",
		PublicDestination:        "",
		DBPath:                   "wallet.db",
		ReconcileIntervalSeconds: 4,
		PollMaxAttempts:          30,
		PollIntervalMillis:       1000,
		RelayerMaxRetries:        3,
		ListenAddr:               ":9090",
		LogLevel:                 "info",
		LogFile:                  "",
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		var config Config
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return &config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RelayerURL == "" {
		return fmt.Errorf("relayer_url must be set")
	}
	if c.WalletSignature == "" {
		return fmt.Errorf("wallet_signature must be set")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must be set")
	}
	if c.ReconcileIntervalSeconds <= 0 {
		return fmt.Errorf("reconcile_interval_seconds must be positive")
	}
	if c.PollMaxAttempts <= 0 {
		return fmt.Errorf("poll_max_attempts must be positive")
	}
	if c.PollIntervalMillis <= 0 {
		return fmt.Errorf("poll_interval_millis must be positive")
	}
	if c.RelayerMaxRetries < 0 {
		return fmt.Errorf("relayer_max_retries must not be negative")
	}
	return nil
}

// ReconcileInterval returns the reconciliation tick as a duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// PollInterval returns the confirmation polling spacing as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}
