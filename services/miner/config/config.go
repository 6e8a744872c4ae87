// Package config loads the miner service configuration from the environment.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/dojo-network/feedback-subnet/pkg/crypto"
)

// Config holds all configuration for the miner service.
type Config struct {
	Port        string
	DojoBaseURL string
	DojoAPIKey  string

	TaskMaxResults   int
	TaskDeadline     time.Duration
	FeedbackCacheTTL time.Duration

	// Simulation switches the worker platform for the built-in simulator.
	Simulation     bool
	SimNormalProb  float64
	SimNoRespProb  float64
	SimTimeoutProb float64
	SimMinTimeout  int
	SimMaxTimeout  int

	MinerPrivateKey *ecdsa.PrivateKey
	Coldkey         string
	LogLevel        string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8091"),
		DojoBaseURL:      getEnv("DOJO_API_BASE_URL", ""),
		DojoAPIKey:       getEnv("DOJO_API_KEY", ""),
		TaskMaxResults:   getEnvInt("TASK_MAX_RESULTS", 1),
		TaskDeadline:     getEnvSeconds("TASK_DEADLINE", 28800),
		FeedbackCacheTTL: getEnvSeconds("FEEDBACK_CACHE_TTL", 36000),
		Simulation:       getEnvBool("SIMULATION", false),
		SimNormalProb:    getEnvFloat("SIM_NORMAL_RESP_PROB", 0.8),
		SimNoRespProb:    getEnvFloat("SIM_NO_RESP_PROB", 0.1),
		SimTimeoutProb:   getEnvFloat("SIM_TIMEOUT_PROB", 0.1),
		SimMinTimeout:    getEnvInt("SIM_MIN_TIMEOUT", 5),
		SimMaxTimeout:    getEnvInt("SIM_MAX_TIMEOUT", 10),
		Coldkey:          getEnv("MINER_COLDKEY", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	privateKeyHex := getEnv("MINER_PRIVATE_KEY", "")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("MINER_PRIVATE_KEY is required")
	}
	privateKey, err := crypto.LoadPrivateKeyFromHex(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %v", err)
	}
	cfg.MinerPrivateKey = privateKey

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Simulation {
		if c.DojoBaseURL == "" {
			return fmt.Errorf("DOJO_API_BASE_URL is required")
		}
		if c.DojoAPIKey == "" {
			return fmt.Errorf("DOJO_API_KEY is required")
		}
	}

	// Requests must outlive the task deadline plus polling skew, or results
	// vanish before the validator collects them.
	minTTL := c.TaskDeadline + time.Hour
	if c.FeedbackCacheTTL < minTTL {
		return fmt.Errorf("FEEDBACK_CACHE_TTL must be at least TASK_DEADLINE + 1h (%s), got %s", minTTL, c.FeedbackCacheTTL)
	}

	total := c.SimNormalProb + c.SimNoRespProb + c.SimTimeoutProb
	if math.Abs(total-1.0) > 0.01 {
		return fmt.Errorf("simulator behavior probabilities must sum to 1.0, got: %.2f", total)
	}
	if c.SimMinTimeout < 0 || c.SimMaxTimeout < c.SimMinTimeout {
		return fmt.Errorf("invalid simulator timeout range [%d, %d]", c.SimMinTimeout, c.SimMaxTimeout)
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
