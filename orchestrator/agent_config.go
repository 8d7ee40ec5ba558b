// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AgentConfigFile is a fleet definition file following the
// apiVersion/kind pattern.
type AgentConfigFile struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Metadata   FleetMetadata   `yaml:"metadata"`
	Spec       AgentConfigSpec `yaml:"spec"`
}

// FleetMetadata identifies a fleet configuration.
type FleetMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// AgentConfigSpec lists agents and the registry policy for a fleet.
type AgentConfigSpec struct {
	Policy RegistryPolicy   `yaml:"policy"`
	Agents []AgentDefConfig `yaml:"agents"`
}

// RegistryPolicy holds optional registry-level rules.
type RegistryPolicy struct {
	// ForbidEqualCostOverlap rejects registration when two agents offer
	// the same capability at exactly the same cost.
	ForbidEqualCostOverlap bool `yaml:"forbid_equal_cost_overlap"`
}

// AgentDefConfig is the YAML shape of an agent definition. Cost is a
// string so the decimal survives parsing without float rounding.
type AgentDefConfig struct {
	ID             string             `yaml:"id"`
	Name           string             `yaml:"name"`
	Capabilities   []string           `yaml:"capabilities"`
	CostPerUnit    string             `yaml:"cost_per_unit"`
	MaxConcurrency int                `yaml:"max_concurrency"`
	Endpoint       string             `yaml:"endpoint,omitempty"`
	Quality        map[string]float64 `yaml:"quality,omitempty"`
}

const (
	// ExpectedKind is the only kind accepted by the loader.
	ExpectedKind = "AgentFleet"

	// ExpectedAPIVersion is the config schema version.
	ExpectedAPIVersion = "squadron/v1"

	// DefaultMaxConcurrency applies when an agent declares none.
	DefaultMaxConcurrency = 4
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// LoadAgentConfig loads and parses a fleet configuration file.
func LoadAgentConfig(path string) (*AgentConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseAgentConfig(data)
}

// ParseAgentConfig parses and validates fleet configuration data.
func ParseAgentConfig(data []byte) (*AgentConfigFile, error) {
	var config AgentConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := ValidateAgentConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateAgentConfig checks a fleet configuration for structural errors.
func ValidateAgentConfig(config *AgentConfigFile) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if config.APIVersion != ExpectedAPIVersion {
		return fmt.Errorf("unsupported apiVersion %q, expected %q", config.APIVersion, ExpectedAPIVersion)
	}
	if config.Kind != ExpectedKind {
		return fmt.Errorf("unsupported kind %q, expected %q", config.Kind, ExpectedKind)
	}
	if config.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if len(config.Spec.Agents) == 0 {
		return fmt.Errorf("spec.agents must not be empty")
	}

	seen := make(map[string]bool, len(config.Spec.Agents))
	for i := range config.Spec.Agents {
		if err := validateAgentDef(&config.Spec.Agents[i], i); err != nil {
			return err
		}
		if seen[config.Spec.Agents[i].ID] {
			return fmt.Errorf("agent[%d]: duplicate agent id %q", i, config.Spec.Agents[i].ID)
		}
		seen[config.Spec.Agents[i].ID] = true
	}

	return nil
}

func validateAgentDef(agent *AgentDefConfig, index int) error {
	if agent.ID == "" {
		return fmt.Errorf("agent[%d]: id is required", index)
	}
	if !identifierPattern.MatchString(agent.ID) {
		return fmt.Errorf("agent[%d]: id %q must be a lowercase identifier", index, agent.ID)
	}
	if len(agent.Capabilities) == 0 {
		return fmt.Errorf("agent[%d] (%s): at least one capability is required", index, agent.ID)
	}
	for _, tag := range agent.Capabilities {
		if !identifierPattern.MatchString(tag) {
			return fmt.Errorf("agent[%d] (%s): invalid capability tag %q", index, agent.ID, tag)
		}
	}
	if agent.CostPerUnit == "" {
		return fmt.Errorf("agent[%d] (%s): cost_per_unit is required", index, agent.ID)
	}
	cost, err := decimal.NewFromString(agent.CostPerUnit)
	if err != nil {
		return fmt.Errorf("agent[%d] (%s): invalid cost_per_unit %q: %w", index, agent.ID, agent.CostPerUnit, err)
	}
	if cost.IsNegative() {
		return fmt.Errorf("agent[%d] (%s): cost_per_unit must not be negative", index, agent.ID)
	}
	if agent.MaxConcurrency < 0 {
		return fmt.Errorf("agent[%d] (%s): max_concurrency must not be negative", index, agent.ID)
	}
	if agent.Endpoint != "" {
		u, err := url.Parse(agent.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("agent[%d] (%s): endpoint %q must be an http(s) URL", index, agent.ID, agent.Endpoint)
		}
	}
	for tag, q := range agent.Quality {
		if q < 0.0 || q > 1.0 {
			return fmt.Errorf("agent[%d] (%s): quality for %q must be in [0,1], got %f", index, agent.ID, tag, q)
		}
	}
	return nil
}

// ToAgentDef converts the YAML shape into the runtime definition.
// Validation has already guaranteed that the cost parses.
func (c AgentDefConfig) ToAgentDef() AgentDef {
	cost, _ := decimal.NewFromString(c.CostPerUnit)
	maxConc := c.MaxConcurrency
	if maxConc == 0 {
		maxConc = DefaultMaxConcurrency
	}
	name := c.Name
	if name == "" {
		name = c.ID
	}
	return AgentDef{
		ID:             c.ID,
		Name:           name,
		Capabilities:   append([]string(nil), c.Capabilities...),
		CostPerUnit:    cost,
		MaxConcurrency: maxConc,
		Endpoint:       c.Endpoint,
		Quality:        c.Quality,
	}
}
