// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the orchestrator recognizes. Zero values
// are replaced by defaults in Normalize; Validate rejects nonsense.
type Config struct {
	// Retry policy
	RetryMaxAttempts    int           `json:"retry_max_attempts"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay_ms"`
	RetryMaxDelay       time.Duration `json:"retry_max_delay_ms"`
	RetryBudgetFraction float64       `json:"retry_budget_fraction"`

	// Circuit breaker
	CircuitFailureThreshold float64       `json:"circuit_failure_threshold"`
	CircuitWindowSize       int           `json:"circuit_window_size"`
	CircuitMinSamples       int           `json:"circuit_min_samples"`
	CircuitCooldown         time.Duration `json:"circuit_cooldown_ms"`
	CircuitMaxCooldown      time.Duration `json:"circuit_max_cooldown_ms"`

	// Router
	LowComplexityThreshold float64 `json:"low_complexity_threshold"`
	// RouterForcedProbe allows a single probe against the
	// least-recently-opened agent when every capable agent is open.
	RouterForcedProbe bool `json:"router_forced_probe"`

	// Message bus
	BusHighWatermark int `json:"bus_high_watermark"`

	// Ops surface
	Port           string `json:"port"`
	AgentConfigDir string `json:"agent_config_dir"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:        3,
		RetryBaseDelay:          100 * time.Millisecond,
		RetryMaxDelay:           5 * time.Second,
		RetryBudgetFraction:     0.2,
		CircuitFailureThreshold: 0.5,
		CircuitWindowSize:       20,
		CircuitMinSamples:       10,
		CircuitCooldown:         2 * time.Second,
		CircuitMaxCooldown:      60 * time.Second,
		LowComplexityThreshold:  0.3,
		RouterForcedProbe:       true,
		BusHighWatermark:        256,
		Port:                    "8082",
	}
}

// LoadConfig reads configuration from the environment, falling back to
// defaults for anything unset.
func LoadConfig() Config {
	c := DefaultConfig()
	c.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts)
	c.RetryBaseDelay = getEnvMillis("RETRY_BASE_DELAY_MS", c.RetryBaseDelay)
	c.RetryMaxDelay = getEnvMillis("RETRY_MAX_DELAY_MS", c.RetryMaxDelay)
	c.RetryBudgetFraction = getEnvFloat("RETRY_BUDGET_FRACTION", c.RetryBudgetFraction)
	c.CircuitFailureThreshold = getEnvFloat("CIRCUIT_FAILURE_THRESHOLD", c.CircuitFailureThreshold)
	c.CircuitWindowSize = getEnvInt("CIRCUIT_WINDOW_SIZE", c.CircuitWindowSize)
	c.CircuitMinSamples = getEnvInt("CIRCUIT_MIN_SAMPLES", c.CircuitMinSamples)
	c.CircuitCooldown = getEnvMillis("CIRCUIT_COOLDOWN_MS", c.CircuitCooldown)
	c.CircuitMaxCooldown = getEnvMillis("CIRCUIT_MAX_COOLDOWN_MS", c.CircuitMaxCooldown)
	c.LowComplexityThreshold = getEnvFloat("LOW_COMPLEXITY_THRESHOLD", c.LowComplexityThreshold)
	c.RouterForcedProbe = getEnvBool("ROUTER_FORCED_PROBE", c.RouterForcedProbe)
	c.BusHighWatermark = getEnvInt("BUS_HIGH_WATERMARK", c.BusHighWatermark)
	c.Port = getEnv("PORT", c.Port)
	c.AgentConfigDir = getEnv("AGENT_CONFIG_DIR", c.AgentConfigDir)
	return c
}

// Validate checks ranges. Returned errors name the offending option.
func (c Config) Validate() error {
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays invalid: base=%s max=%s", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.RetryBudgetFraction < 0 || c.RetryBudgetFraction > 1 {
		return fmt.Errorf("retry_budget_fraction must be in [0,1], got %f", c.RetryBudgetFraction)
	}
	if c.CircuitFailureThreshold <= 0 || c.CircuitFailureThreshold > 1 {
		return fmt.Errorf("circuit_failure_threshold must be in (0,1], got %f", c.CircuitFailureThreshold)
	}
	if c.CircuitWindowSize < 1 {
		return fmt.Errorf("circuit_window_size must be >= 1, got %d", c.CircuitWindowSize)
	}
	if c.CircuitMinSamples < 1 || c.CircuitMinSamples > c.CircuitWindowSize {
		return fmt.Errorf("circuit_min_samples must be in [1,window], got %d", c.CircuitMinSamples)
	}
	if c.CircuitCooldown <= 0 || c.CircuitMaxCooldown < c.CircuitCooldown {
		return fmt.Errorf("circuit cooldowns invalid: base=%s max=%s", c.CircuitCooldown, c.CircuitMaxCooldown)
	}
	if c.LowComplexityThreshold < 0 || c.LowComplexityThreshold > 1 {
		return fmt.Errorf("low_complexity_threshold must be in [0,1], got %f", c.LowComplexityThreshold)
	}
	if c.BusHighWatermark < 1 {
		return fmt.Errorf("bus_high_watermark must be >= 1, got %d", c.BusHighWatermark)
	}
	return nil
}

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

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultValue
}
