// Package config loads the validator service configuration from the
// environment.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dojo-network/feedback-subnet/pkg/crypto"
)

// Config holds all configuration for the validator service.
type Config struct {
	Port        string
	DatabaseURL string

	SyntheticAPIBaseURL string
	DojoBaseURL         string
	DojoAPIKey          string
	TaskMaxResults      int

	// MinerURLs is the fan-out target list, comma separated in the env.
	MinerURLs []string

	TaskDeadline       time.Duration
	MonitoringInterval time.Duration

	ValidatorPrivateKey *ecdsa.PrivateKey
	LogLevel            string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8090"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SyntheticAPIBaseURL: getEnv("SYNTHETIC_API_BASE_URL", ""),
		DojoBaseURL:         getEnv("DOJO_API_BASE_URL", ""),
		DojoAPIKey:          getEnv("DOJO_API_KEY", ""),
		TaskMaxResults:      getEnvInt("TASK_MAX_RESULTS", 1),
		TaskDeadline:        getEnvSeconds("TASK_DEADLINE", 28800),
		MonitoringInterval:  getEnvSeconds("DOJO_TASK_MONITORING", 300),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	if urls := getEnv("MINER_URLS", ""); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.MinerURLs = append(cfg.MinerURLs, u)
			}
		}
	}

	privateKeyHex := getEnv("VALIDATOR_PRIVATE_KEY", "")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("VALIDATOR_PRIVATE_KEY is required")
	}
	privateKey, err := crypto.LoadPrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %v", err)
	}
	cfg.ValidatorPrivateKey = privateKey

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.MinerURLs) == 0 {
		return fmt.Errorf("at least one miner URL is required")
	}
	if c.TaskDeadline <= 0 {
		return fmt.Errorf("TASK_DEADLINE must be positive")
	}
	if c.MonitoringInterval <= 0 {
		return fmt.Errorf("DOJO_TASK_MONITORING must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
