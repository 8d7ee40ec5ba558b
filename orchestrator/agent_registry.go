// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AgentRegistry holds agent definitions with thread-safe access. It is
// the single source of truth for routing decisions; other components
// query it per decision and never cache agent lists.
//
// Definitions are effectively immutable between reloads. Directory
// loads replace the whole set with an atomic swap so concurrent readers
// never observe a partial update.
type AgentRegistry struct {
	agents    map[string]AgentDef // agent id -> definition
	policy    RegistryPolicy
	breakers  *BreakerSet
	configDir string
	mu        sync.RWMutex
	// reload bookkeeping
	lastReload  time.Time
	reloadCount int64
}

// RegistryStats provides statistics about the registry.
type RegistryStats struct {
	AgentCount  int       `json:"agent_count"`
	ConfigDir   string    `json:"config_dir"`
	LastReload  time.Time `json:"last_reload"`
	ReloadCount int64     `json:"reload_count"`
}

// NewAgentRegistry creates an empty registry. The breaker set supplies
// health state for HealthOf and may be shared with the router.
func NewAgentRegistry(breakers *BreakerSet) *AgentRegistry {
	return &AgentRegistry{
		agents:   make(map[string]AgentDef),
		breakers: breakers,
	}
}

// SetPolicy replaces the registry policy.
func (r *AgentRegistry) SetPolicy(policy RegistryPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// Register adds or replaces an agent definition, keyed by id.
// When the policy forbids equal-cost capability overlap, registration
// fails with ErrDuplicateCapability if another agent already offers one
// of the same tags at exactly the same cost.
func (r *AgentRegistry) Register(def AgentDef) error {
	if def.ID == "" {
		return fmt.Errorf("agent id is required: %w", ErrValidation)
	}
	if len(def.Capabilities) == 0 {
		return fmt.Errorf("agent %s declares no capabilities: %w", def.ID, ErrValidation)
	}
	if def.MaxConcurrency <= 0 {
		def.MaxConcurrency = DefaultMaxConcurrency
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.policy.ForbidEqualCostOverlap {
		for id, existing := range r.agents {
			if id == def.ID {
				continue // re-registration replaces
			}
			for _, tag := range def.Capabilities {
				if existing.HasCapability(tag) && existing.CostPerUnit.Equal(def.CostPerUnit) {
					return fmt.Errorf("agent %s overlaps %s on %q at cost %s: %w",
						def.ID, id, tag, def.CostPerUnit, ErrDuplicateCapability)
				}
			}
		}
	}

	r.agents[def.ID] = def
	r.breakers.Ensure(def.ID)
	return nil
}

// Lookup returns all agents offering a capability, ordered ascending by
// cost-per-unit. Cost ties prefer the higher declared concurrency; a
// final id tie-break keeps the order deterministic.
func (r *AgentRegistry) Lookup(capability string) []AgentDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]AgentDef, 0, len(r.agents))
	for _, def := range r.agents {
		if def.HasCapability(capability) {
			matches = append(matches, def)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if cmp := matches[i].CostPerUnit.Cmp(matches[j].CostPerUnit); cmp != 0 {
			return cmp < 0
		}
		if matches[i].MaxConcurrency != matches[j].MaxConcurrency {
			return matches[i].MaxConcurrency > matches[j].MaxConcurrency
		}
		return matches[i].ID < matches[j].ID
	})

	return matches
}

// Get returns a single agent definition by id.
func (r *AgentRegistry) Get(agentID string) (AgentDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.agents[agentID]
	if !exists {
		return AgentDef{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return def, nil
}

// HealthOf returns the circuit state of an agent. Pure read.
func (r *AgentRegistry) HealthOf(agentID string) CircuitState {
	return r.breakers.StateOf(agentID)
}

// ListAgents returns all registered agent ids, sorted.
func (r *AgentRegistry) ListAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadFromDirectory loads all YAML fleet configurations from a directory
// and atomically replaces the current agent set.
func (r *AgentRegistry) LoadFromDirectory(dir string) error {
	return r.LoadFromDirectoryWithContext(context.Background(), dir)
}

// LoadFromDirectoryWithContext loads configurations with context support
// for cancellation.
func (r *AgentRegistry) LoadFromDirectoryWithContext(ctx context.Context, dir string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if dir == "" {
		return fmt.Errorf("directory path cannot be empty")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return fmt.Errorf("failed to access directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	files, err := findYAMLFiles(dir)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}

	newAgents := make(map[string]AgentDef)
	var policy RegistryPolicy

	for _, file := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		config, err := LoadAgentConfig(file)
		if err != nil {
			return fmt.Errorf("failed to load config %s: %w", file, err)
		}

		if config.Spec.Policy.ForbidEqualCostOverlap {
			policy.ForbidEqualCostOverlap = true
		}

		for _, ac := range config.Spec.Agents {
			def := ac.ToAgentDef()
			if _, exists := newAgents[def.ID]; exists {
				return fmt.Errorf("duplicate agent id %q in %s", def.ID, file)
			}
			newAgents[def.ID] = def
		}
	}

	// Atomic swap
	r.mu.Lock()
	r.configDir = dir
	r.agents = newAgents
	r.policy = policy
	r.lastReload = time.Now()
	atomic.AddInt64(&r.reloadCount, 1)
	r.mu.Unlock()

	for id := range newAgents {
		r.breakers.Ensure(id)
	}

	return nil
}

// Reload reloads all configurations from the configured directory.
func (r *AgentRegistry) Reload() error {
	r.mu.RLock()
	configDir := r.configDir
	r.mu.RUnlock()

	if configDir == "" {
		return fmt.Errorf("no configuration directory set - call LoadFromDirectory first")
	}

	return r.LoadFromDirectory(configDir)
}

// Stats returns current registry statistics.
func (r *AgentRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RegistryStats{
		AgentCount:  len(r.agents),
		ConfigDir:   r.configDir,
		LastReload:  r.lastReload,
		ReloadCount: atomic.LoadInt64(&r.reloadCount),
	}
}

// IsEmpty returns true if no agents are registered.
func (r *AgentRegistry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents) == 0
}

func findYAMLFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Only load from the top level
		if info.IsDir() && path != dir {
			return filepath.SkipDir
		}

		if !info.IsDir() {
			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, path)
			}
		}

		return nil
	})

	return files, err
}
