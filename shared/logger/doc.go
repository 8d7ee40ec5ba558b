// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging with task and workflow
correlation for Squadron components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, executor-pool, etc.)
  - Instance ID and container name (for distributed tracing)
  - Task ID (for dispatch correlation)
  - Workflow ID (for workflow correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("orchestrator")

Log messages with task and workflow context:

	log.Info("task-123", "wf-456", "Dispatching task", map[string]interface{}{
	    "agent":      "gpt-worker",
	    "capability": "summarize",
	})

Log errors with stable error codes:

	log.ErrorWithCode("task-123", "wf-456", "Dispatch failed", "circuit_open", err, map[string]interface{}{
	    "agent": "gpt-worker",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("task-123", "wf-456", "Dispatch completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"orchestrator","instance_id":"i-abc123","container":"squadron-xyz",
	 "task_id":"task-123","workflow_id":"wf-456",
	 "message":"Dispatching task","fields":{"agent":"gpt-worker"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
