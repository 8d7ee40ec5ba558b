// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func testBreakerSet() *BreakerSet {
	return NewBreakerSet(BreakerSettingsFromConfig(DefaultConfig()), NopSink{})
}

func agentDef(id string, cost string, caps ...string) AgentDef {
	return AgentDef{
		ID:             id,
		Name:           id,
		Capabilities:   caps,
		CostPerUnit:    decimal.RequireFromString(cost),
		MaxConcurrency: 4,
	}
}

func TestRegisterAndGet(t *testing.T) {
	registry := NewAgentRegistry(testBreakerSet())

	if err := registry.Register(agentDef("worker-a", "1.50", "translate")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	def, err := registry.Get("worker-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !def.CostPerUnit.Equal(decimal.RequireFromString("1.50")) {
		t.Errorf("Expected cost 1.50, got %s", def.CostPerUnit)
	}

	if _, err := registry.Get("missing"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Expected ErrUnknownAgent, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	registry := NewAgentRegistry(testBreakerSet())

	if err := registry.Register(AgentDef{Capabilities: []string{"x"}}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for missing id, got %v", err)
	}
	if err := registry.Register(AgentDef{ID: "worker"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for no capabilities, got %v", err)
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	registry := NewAgentRegistry(testBreakerSet())

	if err := registry.Register(agentDef("worker-a", "1.00", "translate")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(agentDef("worker-a", "2.00", "translate", "summarize")); err != nil {
		t.Fatalf("Re-registration failed: %v", err)
	}

	def, err := registry.Get("worker-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !def.CostPerUnit.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("Expected replaced cost 2.00, got %s", def.CostPerUnit)
	}
	if !def.HasCapability("summarize") {
		t.Error("Expected replaced capabilities")
	}

	stats := registry.Stats()
	if stats.AgentCount != 1 {
		t.Errorf("Expected 1 agent after replacement, got %d", stats.AgentCount)
	}
}

func TestEqualCostOverlapPolicy(t *testing.T) {
	registry := NewAgentRegistry(testBreakerSet())
	registry.SetPolicy(RegistryPolicy{ForbidEqualCostOverlap: true})

	if err := registry.Register(agentDef("worker-a", "1.00", "translate")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := registry.Register(agentDef("worker-b", "1.00", "translate"))
	if !errors.Is(err, ErrDuplicateCapability) {
		t.Errorf("Expected ErrDuplicateCapability, got %v", err)
	}

	// A different cost for the same capability is fine.
	if err := registry.Register(agentDef("worker-c", "1.01", "translate")); err != nil {
		t.Errorf("Expected distinct cost to register, got %v", err)
	}

	// Re-registering the same agent is not an overlap.
	if err := registry.Register(agentDef("worker-a", "1.00", "translate")); err != nil {
		t.Errorf("Expected re-registration to pass the policy, got %v", err)
	}
}

func TestLookupOrdering(t *testing.T) {
	registry := NewAgentRegistry(testBreakerSet())

	expensive := agentDef("expensive", "8.00", "summarize")
	cheap := agentDef("cheap", "0.55", "summarize")
	cheapTwin := agentDef("cheap-twin", "0.55", "summarize")
	cheapTwin.MaxConcurrency = 16
	unrelated := agentDef("translator", "0.10", "translate")

	for _, def := range []AgentDef{expensive, cheap, cheapTwin, unrelated} {
		if err := registry.Register(def); err != nil {
			t.Fatalf("Register %s failed: %v", def.ID, err)
		}
	}

	matches := registry.Lookup("summarize")
	if len(matches) != 3 {
		t.Fatalf("Expected 3 matches, got %d", len(matches))
	}

	// Cost ascending; the 0.55 tie prefers higher concurrency.
	want := []string{"cheap-twin", "cheap", "expensive"}
	for i, id := range want {
		if matches[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, matches[i].ID)
		}
	}

	if got := registry.Lookup("unknown-capability"); len(got) != 0 {
		t.Errorf("Expected no matches, got %d", len(got))
	}
}

func TestLoadFromDirectoryAtomicSwap(t *testing.T) {
	dir := t.TempDir()
	fleet := `
apiVersion: squadron/v1
kind: AgentFleet
metadata:
  name: fleet-one
spec:
  agents:
    - id: worker-a
      capabilities: [summarize]
      cost_per_unit: "1.00"
    - id: worker-b
      capabilities: [translate]
      cost_per_unit: "2.00"
`
	if err := os.WriteFile(filepath.Join(dir, "fleet.yaml"), []byte(fleet), 0644); err != nil {
		t.Fatalf("Failed to write fleet file: %v", err)
	}

	registry := NewAgentRegistry(testBreakerSet())
	if err := registry.LoadFromDirectory(dir); err != nil {
		t.Fatalf("LoadFromDirectory failed: %v", err)
	}
	if registry.Stats().AgentCount != 2 {
		t.Fatalf("Expected 2 agents, got %d", registry.Stats().AgentCount)
	}

	// A reload from a rewritten file replaces the whole set.
	replacement := `
apiVersion: squadron/v1
kind: AgentFleet
metadata:
  name: fleet-one
spec:
  agents:
    - id: worker-c
      capabilities: [summarize]
      cost_per_unit: "0.50"
`
	if err := os.WriteFile(filepath.Join(dir, "fleet.yaml"), []byte(replacement), 0644); err != nil {
		t.Fatalf("Failed to rewrite fleet file: %v", err)
	}
	if err := registry.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if registry.Stats().AgentCount != 1 {
		t.Errorf("Expected 1 agent after reload, got %d", registry.Stats().AgentCount)
	}
	if _, err := registry.Get("worker-a"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Expected worker-a to be gone, got %v", err)
	}
	if _, err := registry.Get("worker-c"); err != nil {
		t.Errorf("Expected worker-c to exist, got %v", err)
	}
	if registry.Stats().ReloadCount != 2 {
		t.Errorf("Expected reload count 2, got %d", registry.Stats().ReloadCount)
	}
}

func TestLoadFromDirectoryBadConfigLeavesRegistryIntact(t *testing.T) {
	dir := t.TempDir()
	good := `
apiVersion: squadron/v1
kind: AgentFleet
metadata:
  name: good
spec:
  agents:
    - id: worker-a
      capabilities: [summarize]
      cost_per_unit: "1.00"
`
	if err := os.WriteFile(filepath.Join(dir, "fleet.yaml"), []byte(good), 0644); err != nil {
		t.Fatalf("Failed to write fleet file: %v", err)
	}

	registry := NewAgentRegistry(testBreakerSet())
	if err := registry.LoadFromDirectory(dir); err != nil {
		t.Fatalf("LoadFromDirectory failed: %v", err)
	}

	bad := dir + "-bad"
	if err := os.Mkdir(bad, 0755); err != nil {
		t.Fatalf("Failed to make bad dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bad, "fleet.yaml"), []byte("kind: nope"), 0644); err != nil {
		t.Fatalf("Failed to write bad file: %v", err)
	}

	if err := registry.LoadFromDirectory(bad); err == nil {
		t.Fatal("Expected load of bad config to fail")
	}
	// The failed load must not have swapped anything out.
	if _, err := registry.Get("worker-a"); err != nil {
		t.Errorf("Expected worker-a to survive failed load, got %v", err)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewAgentRegistry(testBreakerSet())
	if err := registry.Register(agentDef("worker-a", "1.00", "summarize")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				registry.Lookup("summarize")
				_, _ = registry.Get("worker-a")
				registry.ListAgents()
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = registry.Register(agentDef("worker-a", "1.00", "summarize"))
			}
		}(i)
	}
	wg.Wait()
}
