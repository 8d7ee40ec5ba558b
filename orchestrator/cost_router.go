// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"log"
)

// FallbackChain is an ordered list of agents to try for one task. The
// dispatcher walks it front to back until an agent succeeds, retries
// are exhausted everywhere, or the task deadline passes.
type FallbackChain struct {
	TaskID string
	Agents []AgentDef
	// ForcedProbe marks a last-resort chain: every capable agent was
	// circuit-open and the single entry is a probe against the
	// least-recently-opened one.
	ForcedProbe bool
	// probeDone resolves the reserved half-open probe slot; set only on
	// forced-probe chains.
	probeDone func(success bool)
}

// IsEmpty reports whether the chain has no agents.
func (c FallbackChain) IsEmpty() bool { return len(c.Agents) == 0 }

// CostRouter selects agents for tasks under a cost/quality objective.
// It holds no state of its own; every decision consults the registry
// and breaker set afresh.
type CostRouter struct {
	registry               *AgentRegistry
	breakers               *BreakerSet
	lowComplexityThreshold float64
	forcedProbe            bool
}

// NewCostRouter creates a router over the given registry and breakers.
func NewCostRouter(registry *AgentRegistry, breakers *BreakerSet, cfg Config) *CostRouter {
	return &CostRouter{
		registry:               registry,
		breakers:               breakers,
		lowComplexityThreshold: cfg.LowComplexityThreshold,
		forcedProbe:            cfg.RouterForcedProbe,
	}
}

// Route produces the fallback chain for a task.
//
// Low-complexity tasks take the cost-optimized path: the cheapest
// eligible agent leads the chain. Higher complexity prefers the
// strongest declared quality for the capability, with cost breaking
// ties. Agents whose circuit is open are excluded; if that excludes
// everyone and forced probes are enabled, the chain degenerates to one
// probe against the least-recently-opened agent.
func (r *CostRouter) Route(task Task) (FallbackChain, error) {
	if err := task.Validate(); err != nil {
		return FallbackChain{}, fmt.Errorf("task %s: %w", task.ID, err)
	}

	candidates := r.registry.Lookup(task.Capability)
	if len(candidates) == 0 {
		return FallbackChain{}, fmt.Errorf("capability %q: %w", task.Capability, ErrNoCapableAgent)
	}

	// Drop open circuits. Half-open agents stay eligible; their breaker
	// admits a single probe on dispatch.
	eligible := make([]AgentDef, 0, len(candidates))
	for _, def := range candidates {
		if r.breakers.StateOf(def.ID) != CircuitOpen {
			eligible = append(eligible, def)
		}
	}

	if len(eligible) == 0 {
		if !r.forcedProbe {
			return FallbackChain{}, fmt.Errorf("capability %q: all agents circuit-open: %w", task.Capability, ErrNoCapableAgent)
		}
		ids := make([]string, len(candidates))
		for i, def := range candidates {
			ids[i] = def.ID
		}
		probeID := r.breakers.LeastRecentlyOpened(ids)
		probe, err := r.registry.Get(probeID)
		if err != nil {
			return FallbackChain{}, err
		}
		done := r.breakers.Get(probeID).ForceProbe()
		log.Printf("[Router] Task %s: all %q agents open, forcing probe against %s", task.ID, task.Capability, probeID)
		return FallbackChain{TaskID: task.ID, Agents: []AgentDef{probe}, ForcedProbe: true, probeDone: done}, nil
	}

	var chain []AgentDef
	if task.Complexity < r.lowComplexityThreshold {
		// Cost-optimized path: Lookup already orders by cost ascending.
		chain = eligible
	} else {
		primary := r.bestQuality(eligible, task.Capability)
		chain = make([]AgentDef, 0, len(eligible))
		chain = append(chain, primary)
		for _, def := range eligible {
			if def.ID != primary.ID {
				chain = append(chain, def)
			}
		}
	}

	log.Printf("[Router] Task %s: capability=%q complexity=%.2f chain=%v",
		task.ID, task.Capability, task.Complexity, agentIDs(chain))
	return FallbackChain{TaskID: task.ID, Agents: chain}, nil
}

// bestQuality picks the agent with the strongest declared quality for
// the capability. Quality ties fall back to the cost ordering of the
// input, so the cheaper agent wins.
func (r *CostRouter) bestQuality(eligible []AgentDef, capability string) AgentDef {
	best := eligible[0]
	for _, def := range eligible[1:] {
		if def.QualityFor(capability) > best.QualityFor(capability) {
			best = def
		}
	}
	return best
}

func agentIDs(defs []AgentDef) []string {
	ids := make([]string, len(defs))
	for i, def := range defs {
		ids[i] = def.ID
	}
	return ids
}
