// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Priority is the urgency class of a task. It orders message delivery on
// the bus and decides which submissions are slowed under backpressure.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name used in configs and logs.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a config string to a Priority. Unknown values
// map to PriorityMedium.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Task is a unit of analysis work submitted by a caller. Tasks are
// immutable once submitted; the engine produces exactly one terminal
// Outcome per task.
type Task struct {
	ID          string     `json:"id"`
	Capability  string     `json:"capability"`
	Complexity  float64    `json:"complexity"` // 0.0 - 1.0
	Priority    Priority   `json:"priority"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Payload     string     `json:"payload,omitempty"`
	PriorInputs []string   `json:"prior_inputs,omitempty"` // outputs of upstream workflow steps, in order
}

// NewTask builds a task with a generated id.
func NewTask(capability string, complexity float64, priority Priority) Task {
	return Task{
		ID:         uuid.NewString(),
		Capability: capability,
		Complexity: complexity,
		Priority:   priority,
	}
}

// Validate checks the caller-supplied fields. Invalid tasks are rejected
// before any routing happens.
func (t Task) Validate() error {
	if t.ID == "" {
		return ErrValidation
	}
	if t.Capability == "" {
		return ErrValidation
	}
	if t.Complexity < 0.0 || t.Complexity > 1.0 {
		return ErrValidation
	}
	return nil
}

// Outcome is the single terminal result of a task or workflow.
type Outcome struct {
	TaskID      string            `json:"task_id"`
	Success     bool              `json:"success"`
	Output      string            `json:"output,omitempty"`
	Err         error             `json:"-"`
	ErrorCode   string            `json:"error_code,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`
	Attempts    int               `json:"attempts"`
	Cost        decimal.Decimal   `json:"cost"`
	Elapsed     time.Duration     `json:"elapsed_ms"`
	NodeOutputs map[string]string `json:"node_outputs,omitempty"` // partial results by node id, workflows only
}

// successOutcome builds the terminal success result for a task.
func successOutcome(taskID, agentID, output string, attempts int, cost decimal.Decimal, elapsed time.Duration) Outcome {
	return Outcome{
		TaskID:   taskID,
		Success:  true,
		Output:   output,
		AgentID:  agentID,
		Attempts: attempts,
		Cost:     cost,
		Elapsed:  elapsed,
	}
}

// failureOutcome builds the terminal failure result for a task.
func failureOutcome(taskID string, err error, attempts int) Outcome {
	return Outcome{
		TaskID:    taskID,
		Success:   false,
		Err:       err,
		ErrorCode: ErrorCode(err),
		Attempts:  attempts,
	}
}

// AgentDef describes a registered backend. Definitions are replaced
// wholesale on re-registration and never destroyed while the process
// runs.
type AgentDef struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Capabilities   []string        `json:"capabilities" yaml:"capabilities"`
	CostPerUnit    decimal.Decimal `json:"cost_per_unit" yaml:"-"`
	MaxConcurrency int             `json:"max_concurrency" yaml:"max_concurrency"`
	// Endpoint is where the agent accepts task requests over HTTP.
	// Agents without one need an in-process executor registered.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	// Quality is the declared match strength per capability (0.0 - 1.0).
	// It drives routing for high-complexity tasks.
	Quality map[string]float64 `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// HasCapability reports whether the agent offers the capability tag.
func (a AgentDef) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// QualityFor returns the declared quality for a capability, defaulting
// to 0.5 when the agent declares none.
func (a AgentDef) QualityFor(tag string) float64 {
	if q, ok := a.Quality[tag]; ok {
		return q
	}
	return 0.5
}

// MessageKind discriminates bus messages.
type MessageKind string

const (
	KindTaskRequest  MessageKind = "task_request"
	KindTaskResult   MessageKind = "task_result"
	KindStatusUpdate MessageKind = "status_update"
)

// TaskRequest asks an executor to perform one attempt of a task.
type TaskRequest struct {
	Task    Task   `json:"task"`
	AgentID string `json:"agent_id"`
	Attempt int    `json:"attempt"`
}

// TaskResult carries an executor's answer for one attempt.
type TaskResult struct {
	TaskID  string        `json:"task_id"`
	AgentID string        `json:"agent_id"`
	Attempt int           `json:"attempt"`
	Output  string        `json:"output,omitempty"`
	Err     error         `json:"-"`
	Elapsed time.Duration `json:"elapsed_ms"`
}

// StatusUpdate reports node/workflow progress for observers.
type StatusUpdate struct {
	TaskID string `json:"task_id"`
	Stage  string `json:"stage"`
	Detail string `json:"detail,omitempty"`
}

// Stages carried by StatusUpdate messages.
const (
	StageDispatched = "dispatched"
	StageRetrying   = "retrying"
	StageSucceeded  = "succeeded"
	StageFailed     = "failed"
)

// DispatchAttempt records a single try against a single agent. Attempts
// live only as long as their task; durable history belongs to the
// metrics sink.
type DispatchAttempt struct {
	TaskID  string
	AgentID string
	Attempt int
	Start   time.Time
	End     time.Time
	Result  *TaskResult
	Err     error
}

// Duration is the attempt's wall time as observed by the dispatcher,
// bus transit included.
func (a DispatchAttempt) Duration() time.Duration {
	return a.End.Sub(a.Start)
}

// AgentExecutor is the boundary to an opaque backend. Implementations
// perform the actual model/API call; the orchestrator never looks
// inside. Timeouts are enforced by the caller through ctx.
type AgentExecutor interface {
	Execute(ctx context.Context, req TaskRequest) (*TaskResult, error)
}

// ExecutorFunc adapts a function to the AgentExecutor interface.
type ExecutorFunc func(ctx context.Context, req TaskRequest) (*TaskResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return f(ctx, req)
}

// ExecutorSet maps agent ids to their executors. The orchestrator routes
// on registry metadata only; any backend implementing AgentExecutor
// plugs in here.
type ExecutorSet map[string]AgentExecutor
