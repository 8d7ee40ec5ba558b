// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package orchestrator provides the Squadron orchestrator service - a
cost-aware task router with workflow orchestration and failure
containment.

# Overview

The orchestrator accepts tasks and workflow DAGs over HTTP and handles:

  - Agent fleet registration from YAML configuration
  - Cost-based routing to the cheapest capable, healthy agent
  - Per-agent circuit breakers with exponential cooldown
  - Budgeted retries with jittered exponential backoff
  - Workflow execution with sequential and join dependencies
  - Priority-ordered message delivery between engine and executors

# Architecture

A task flows through the pipeline:

	Submit → CostRouter → Dispatcher → MessageBus → ExecutorPool → Agent

The CostRouter builds a fallback chain of capable agents ordered by
cost and declared quality. The Dispatcher walks the chain, retrying
transient failures per agent within the retry budget and recording
every outcome on that agent's circuit breaker.

# Cost-Based Routing

Low-complexity tasks go to the cheapest capable agent; high-complexity
tasks prefer the agent with the strongest declared quality for the
capability. Agents whose circuit is open are skipped. When every
candidate is open, the router can force a probe against the agent that
opened least recently instead of failing outright.

Example:

	router := NewCostRouter(registry, breakers, cfg)
	chain, err := router.Route(task)
	outcome := dispatcher.Dispatch(ctx, task, chain)

# Workflows

The WorkflowEngine runs DAGs of tasks. A node dispatches once its
predecessors reach a terminal state; outputs of succeeded predecessors
feed the node's prior inputs. A failed required predecessor
short-circuits its dependents without dispatching them, while optional
predecessors fail quietly.

	handle, err := engine.Submit(ctx, spec)
	outcome, err := handle.Wait(ctx)

Cancellation propagates to in-flight nodes through their contexts, and
a workflow deadline surfaces as a deadline error that keeps the
outputs of nodes that finished in time.

# Usage

	// Start the orchestrator service
	orchestrator.Run(nil)

	// Configuration comes from environment variables:
	// PORT              - HTTP server port (default: 8082)
	// AGENT_CONFIG_DIR  - directory of agent fleet YAML files
	// RETRY_MAX_ATTEMPTS, CIRCUIT_FAILURE_THRESHOLD, ... - see Config

# Thread Safety

All exported types in this package are safe for concurrent use. The
registry serves lookups behind a sync.RWMutex and swaps fleets
atomically on reload; breaker state, retry budgets, and bus queues use
their own synchronization.

# Metrics

The orchestrator exposes Prometheus metrics at /prometheus:

  - squadron_circuit_transitions_total - Circuit transitions by agent and state
  - squadron_dispatches_total - Dispatch attempts by agent and outcome
  - squadron_dispatch_duration_seconds - Dispatch latency by agent
  - squadron_dispatch_cost_total - Accumulated dispatch cost by agent
*/
package orchestrator
