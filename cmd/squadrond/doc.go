// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

/*
Command squadrond runs the Squadron orchestrator service.

The orchestrator routes tasks to the cheapest capable agent, executes
workflow DAGs, and contains agent failures with circuit breakers and
retry budgets so that one flaky agent cannot take down a workflow.

# Usage

	squadrond

# Environment Variables

Optional:
  - PORT: HTTP server port (default: 8082)
  - AGENT_CONFIG_DIR: directory of agent fleet YAML files
  - RETRY_MAX_ATTEMPTS: attempts per agent before failover (default: 3)
  - RETRY_BASE_DELAY_MS: base backoff delay in milliseconds (default: 100)
  - RETRY_MAX_DELAY_MS: backoff cap in milliseconds (default: 5000)
  - RETRY_BUDGET_FRACTION: share of in-flight dispatches that may retry (default: 0.2)
  - CIRCUIT_FAILURE_THRESHOLD: failure rate that opens a circuit (default: 0.5)
  - CIRCUIT_WINDOW_SIZE: outcomes tracked per agent (default: 20)
  - CIRCUIT_MIN_SAMPLES: outcomes required before a circuit may open (default: 10)
  - CIRCUIT_COOLDOWN_MS: initial open-state cooldown (default: 2000)
  - CIRCUIT_MAX_COOLDOWN_MS: cooldown doubling cap (default: 60000)
  - LOW_COMPLEXITY_THRESHOLD: below this, tasks route cheapest-first (default: 0.3)
  - ROUTER_FORCED_PROBE: probe the least-recently-opened agent when every candidate circuit is open (default: true)
  - BUS_HIGH_WATERMARK: queue depth that throttles new task submissions (default: 256)

# Agent Fleet Configuration

Agents are declared in YAML files under AGENT_CONFIG_DIR:

	apiVersion: squadron/v1
	kind: AgentFleet
	metadata:
	  name: summarizers
	spec:
	  agents:
	    - id: summarizer-small
	      capabilities: [summarize]
	      cost_per_unit: "0.55"
	      max_concurrency: 8
	      endpoint: http://summarizer-small:9090
	      quality:
	        summarize: 0.6
	    - id: summarizer-large
	      capabilities: [summarize]
	      cost_per_unit: "8.00"
	      max_concurrency: 2
	      endpoint: http://summarizer-large:9090
	      quality:
	        summarize: 0.95

# Example

	export AGENT_CONFIG_DIR=/etc/squadron/fleet
	./squadrond
*/
package main
