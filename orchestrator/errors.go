// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import "errors"

var (
	// ErrValidation is returned for malformed task input. Never retried;
	// surfaced to the caller immediately.
	ErrValidation = errors.New("task validation failed")

	// ErrTransientUpstream is returned when a backend fails in a way
	// that is expected to heal (5xx, connection reset). Retried per policy.
	ErrTransientUpstream = errors.New("transient upstream failure")

	// ErrTimeout is returned when a dispatch attempt exceeds its time
	// allowance. Retried per policy.
	ErrTimeout = errors.New("dispatch attempt timed out")

	// ErrCircuitOpen is returned when an agent's breaker currently
	// rejects attempts. The router moves to the next agent in the
	// fallback chain; callers only see it when the chain is exhausted.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrRetryBudgetExhausted is returned when the process-wide retry
	// budget is spent. A degraded-service signal, not a per-task bug.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrNoCapableAgent is returned when no eligible agent offers the
	// required capability.
	ErrNoCapableAgent = errors.New("no capable agent")

	// ErrDeadlineExceeded is returned when a workflow's deadline elapses
	// before it reaches a terminal state.
	ErrDeadlineExceeded = errors.New("workflow deadline exceeded")

	// ErrCancelled marks caller-initiated cancellation. A distinct
	// terminal outcome rather than an error proper.
	ErrCancelled = errors.New("cancelled")

	// ErrDuplicateCapability is returned by Register when configuration
	// forbids two agents offering the same capability at equal cost.
	ErrDuplicateCapability = errors.New("duplicate capability at equal cost")

	// ErrUnknownAgent is returned when an agent id is not registered.
	ErrUnknownAgent = errors.New("unknown agent")
)

// IsTransient reports whether err is worth retrying on the same agent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream) || errors.Is(err, ErrTimeout)
}

// ErrorCode maps an error to its stable taxonomy code for outcomes and
// metrics labels.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrTransientUpstream):
		return "transient_upstream_error"
	case errors.Is(err, ErrTimeout):
		return "timeout_error"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open_error"
	case errors.Is(err, ErrRetryBudgetExhausted):
		return "retry_budget_exhausted"
	case errors.Is(err, ErrNoCapableAgent):
		return "no_capable_agent_error"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal_error"
	}
}
