// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the Squadron orchestrator daemon.
//
// The orchestrator is a cost-aware task router that:
// - Registers agent fleets from YAML configuration
// - Routes tasks to the cheapest capable, healthy agent
// - Contains failures with per-agent circuit breakers and retry budgets
// - Executes workflow DAGs with sequential and join dependencies
//
// Usage:
//
//	./squadrond
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8082)
//	AGENT_CONFIG_DIR - Directory of agent fleet YAML files
//	RETRY_MAX_ATTEMPTS - Attempts per agent before failover
//	CIRCUIT_FAILURE_THRESHOLD - Failure rate that opens a circuit
package main

import (
	"squadron/orchestrator"
)

func main() {
	orchestrator.Run(nil)
}
