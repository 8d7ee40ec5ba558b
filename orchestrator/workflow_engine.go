// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeState tracks a workflow node through its lifecycle.
type NodeState int

const (
	NodePending NodeState = iota
	NodeDispatched
	NodeRetrying
	NodeSucceeded
	NodeFailed
)

func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeDispatched:
		return "dispatched"
	case NodeRetrying:
		return "retrying"
	case NodeSucceeded:
		return "succeeded"
	case NodeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s NodeState) terminal() bool {
	return s == NodeSucceeded || s == NodeFailed
}

// NodeSpec is one node of a workflow graph. DependsOn lists the
// predecessors whose terminal states gate this node: a single entry
// models a sequential edge, several entries model a join. Outputs of
// succeeded predecessors are appended to the task's PriorInputs in
// DependsOn order before dispatch.
type NodeSpec struct {
	ID        string   `json:"id"`
	Task      Task     `json:"task"`
	Required  bool     `json:"required"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// WorkflowSpec is a validated DAG of nodes.
type WorkflowSpec struct {
	Name  string     `json:"name"`
	Nodes []NodeSpec `json:"nodes"`
}

// Validate rejects empty graphs, duplicate or missing node IDs,
// references to unknown nodes, self-edges, and cycles.
func (w WorkflowSpec) Validate() error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("%w: workflow has no nodes", ErrValidation)
	}
	byID := make(map[string]NodeSpec, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node id is required", ErrValidation)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrValidation, n.ID)
		}
		byID[n.ID] = n
	}
	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return fmt.Errorf("%w: node %q depends on itself", ErrValidation, n.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on unknown node %q", ErrValidation, n.ID, dep)
			}
		}
	}
	// Kahn's algorithm: anything left unvisited sits on a cycle.
	indegree := make(map[string]int, len(w.Nodes))
	dependents := make(map[string][]string, len(w.Nodes))
	for _, n := range w.Nodes {
		indegree[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	queue := make([]string, 0, len(w.Nodes))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(w.Nodes) {
		return fmt.Errorf("%w: workflow graph contains a cycle", ErrValidation)
	}
	return nil
}

// nodeRun is the mutable execution record of one node.
type nodeRun struct {
	spec    NodeSpec
	state   NodeState
	outcome *Outcome
	err     error
}

// WorkflowExecution is a running or finished workflow instance. State
// behind mu is owned by the engine's scheduler goroutine; readers take
// snapshots.
type WorkflowExecution struct {
	ID        string
	Name      string
	StartTime time.Time

	mu        sync.Mutex
	nodes     map[string]*nodeRun
	order     []string
	endTime   *time.Time
	outcome   Outcome
	resolved  bool
	cancelled bool

	done   chan struct{}
	cancel context.CancelFunc
}

// NodeSnapshot is a point-in-time view of one node, safe to serialize.
type NodeSnapshot struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Output    string `json:"output,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Cost      string `json:"cost,omitempty"`
}

// WorkflowSnapshot is a point-in-time view of a whole execution.
type WorkflowSnapshot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	State     string         `json:"state"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Nodes     []NodeSnapshot `json:"nodes"`
	Error     string         `json:"error,omitempty"`
}

func (e *WorkflowExecution) snapshot() WorkflowSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := WorkflowSnapshot{
		ID:        e.ID,
		Name:      e.Name,
		State:     "running",
		StartTime: e.StartTime,
		EndTime:   e.endTime,
	}
	if e.resolved {
		if e.outcome.Success {
			snap.State = "succeeded"
		} else {
			snap.State = "failed"
			if e.outcome.Err != nil {
				snap.Error = e.outcome.Err.Error()
			}
		}
	}
	for _, id := range e.order {
		run := e.nodes[id]
		ns := NodeSnapshot{ID: id, State: run.state.String()}
		if run.outcome != nil {
			ns.Output = run.outcome.Output
			ns.AgentID = run.outcome.AgentID
			ns.Attempts = run.outcome.Attempts
			if !run.outcome.Cost.IsZero() {
				ns.Cost = run.outcome.Cost.String()
			}
		}
		if run.err != nil {
			ns.Error = run.err.Error()
			ns.ErrorCode = ErrorCode(run.err)
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	return snap
}

// WorkflowHandle is the caller's view of a submitted workflow.
type WorkflowHandle struct {
	exec *WorkflowExecution
}

// ID returns the execution ID.
func (h *WorkflowHandle) ID() string { return h.exec.ID }

// Cancel stops the workflow. Nodes still in flight are asked to stop
// through their contexts; their results, if any, are discarded.
func (h *WorkflowHandle) Cancel() {
	h.exec.mu.Lock()
	h.exec.cancelled = true
	h.exec.mu.Unlock()
	h.exec.cancel()
}

// Snapshot reports the current execution state.
func (h *WorkflowHandle) Snapshot() WorkflowSnapshot { return h.exec.snapshot() }

// Wait blocks until the workflow reaches a terminal state or ctx ends.
func (h *WorkflowHandle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.exec.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	h.exec.mu.Lock()
	defer h.exec.mu.Unlock()
	return h.exec.outcome, nil
}

// WorkflowEngine schedules workflow DAGs over the router and
// dispatcher. Nodes dispatch as soon as their predecessors allow;
// independent branches run concurrently.
type WorkflowEngine struct {
	router     *CostRouter
	dispatcher *Dispatcher
	bus        *MessageBus

	mu         sync.RWMutex
	executions map[string]*WorkflowExecution
	tasks      map[string]taskRef
}

type taskRef struct {
	execID string
	nodeID string
}

func NewWorkflowEngine(router *CostRouter, dispatcher *Dispatcher, bus *MessageBus) *WorkflowEngine {
	return &WorkflowEngine{
		router:     router,
		dispatcher: dispatcher,
		bus:        bus,
		executions: make(map[string]*WorkflowExecution),
		tasks:      make(map[string]taskRef),
	}
}

// Start launches the status loop that mirrors dispatcher retry updates
// onto node states. The loop exits when ctx ends.
func (e *WorkflowEngine) Start(ctx context.Context) {
	go e.statusLoop(ctx)
}

func (e *WorkflowEngine) statusLoop(ctx context.Context) {
	for {
		msg, err := e.bus.Consume(ctx, KindStatusUpdate)
		if err != nil {
			return
		}
		if msg.Status == nil || msg.Status.Stage != StageRetrying {
			continue
		}
		e.mu.RLock()
		ref, ok := e.tasks[msg.Status.TaskID]
		exec := e.executions[ref.execID]
		e.mu.RUnlock()
		if !ok || exec == nil {
			continue
		}
		exec.mu.Lock()
		if run := exec.nodes[ref.nodeID]; run != nil && run.state == NodeDispatched {
			run.state = NodeRetrying
		}
		exec.mu.Unlock()
	}
}

// Submit validates the spec and starts executing it. ctx bounds the
// workflow's lifetime, tightened further by the earliest node deadline;
// the handle stays readable after either ends.
func (e *WorkflowEngine) Submit(ctx context.Context, spec WorkflowSpec) (*WorkflowHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	for i := range spec.Nodes {
		if err := spec.Nodes[i].Task.Validate(); err != nil {
			return nil, fmt.Errorf("node %q: %w", spec.Nodes[i].ID, err)
		}
	}

	exec := &WorkflowExecution{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		StartTime: time.Now(),
		nodes:     make(map[string]*nodeRun, len(spec.Nodes)),
		done:      make(chan struct{}),
	}
	for _, n := range spec.Nodes {
		exec.nodes[n.ID] = &nodeRun{spec: n, state: NodePending}
		exec.order = append(exec.order, n.ID)
	}

	var wfCtx context.Context
	var cancel context.CancelFunc
	if deadline, ok := earliestDeadline(spec.Nodes); ok {
		wfCtx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		wfCtx, cancel = context.WithCancel(ctx)
	}
	exec.cancel = cancel

	e.mu.Lock()
	e.executions[exec.ID] = exec
	e.mu.Unlock()

	go e.run(wfCtx, exec)
	return &WorkflowHandle{exec: exec}, nil
}

// SubmitTask runs a single task as a one-node workflow, sharing the
// full dispatch pipeline with proper workflows.
func (e *WorkflowEngine) SubmitTask(ctx context.Context, task Task) (*WorkflowHandle, error) {
	return e.Submit(ctx, WorkflowSpec{
		Name:  "task-" + task.ID,
		Nodes: []NodeSpec{{ID: task.ID, Task: task, Required: true}},
	})
}

// Execution returns a snapshot of a known execution.
func (e *WorkflowEngine) Execution(id string) (WorkflowSnapshot, bool) {
	e.mu.RLock()
	exec, ok := e.executions[id]
	e.mu.RUnlock()
	if !ok {
		return WorkflowSnapshot{}, false
	}
	return exec.snapshot(), true
}

// Executions snapshots every known execution.
func (e *WorkflowEngine) Executions() []WorkflowSnapshot {
	e.mu.RLock()
	execs := make([]*WorkflowExecution, 0, len(e.executions))
	for _, exec := range e.executions {
		execs = append(execs, exec)
	}
	e.mu.RUnlock()

	out := make([]WorkflowSnapshot, 0, len(execs))
	for _, exec := range execs {
		out = append(out, exec.snapshot())
	}
	return out
}

type nodeResult struct {
	id      string
	outcome Outcome
}

// run is the per-workflow scheduler. It owns node state transitions;
// worker goroutines only report outcomes back on the results channel.
func (e *WorkflowEngine) run(ctx context.Context, exec *WorkflowExecution) {
	defer exec.cancel()

	// Buffered so abandoned in-flight nodes never leak their goroutine.
	results := make(chan nodeResult, len(exec.order))
	inFlight := 0

	for {
		// An ended context always wins over whatever results raced in:
		// nothing new dispatches once the workflow is out of time.
		if ctx.Err() != nil {
			e.abandon(exec, ctx)
			return
		}

		exec.mu.Lock()
		for _, id := range exec.order {
			run := exec.nodes[id]
			if run.state != NodePending {
				continue
			}
			ready, failedDep := gate(exec, run)
			if failedDep != "" {
				dep := exec.nodes[failedDep]
				run.state = NodeFailed
				run.err = fmt.Errorf("required predecessor %q failed: %w", failedDep, dep.err)
				continue
			}
			if !ready {
				continue
			}
			task := prepareTask(exec, run)
			run.state = NodeDispatched
			inFlight++
			e.track(task.ID, exec.ID, id)
			go func(nodeID string, task Task) {
				results <- nodeResult{id: nodeID, outcome: e.execute(ctx, task)}
			}(id, task)
		}
		allDone := true
		for _, id := range exec.order {
			if !exec.nodes[id].state.terminal() {
				allDone = false
				break
			}
		}
		exec.mu.Unlock()

		if allDone {
			e.resolve(exec, nil)
			return
		}
		if inFlight == 0 {
			// Validation guarantees an acyclic graph, so a pending node
			// with nothing in flight means a missed short-circuit.
			e.resolve(exec, fmt.Errorf("workflow %s stalled with no runnable nodes", exec.ID))
			return
		}

		select {
		case r := <-results:
			inFlight--
			e.apply(exec, r)
		case <-ctx.Done():
			e.abandon(exec, ctx)
			return
		}
	}
}

// gate reports whether a node may dispatch, or the ID of a failed
// required predecessor that short-circuits it to failed. Callers hold
// exec.mu.
func gate(exec *WorkflowExecution, run *nodeRun) (ready bool, failedDep string) {
	for _, dep := range run.spec.DependsOn {
		pred := exec.nodes[dep]
		if !pred.state.terminal() {
			return false, ""
		}
		if pred.state == NodeFailed && pred.spec.Required {
			return false, dep
		}
	}
	return true, ""
}

// prepareTask copies the node's task and appends succeeded predecessor
// outputs to PriorInputs in DependsOn order. Callers hold exec.mu.
func prepareTask(exec *WorkflowExecution, run *nodeRun) Task {
	task := run.spec.Task
	task.PriorInputs = append([]string(nil), task.PriorInputs...)
	for _, dep := range run.spec.DependsOn {
		pred := exec.nodes[dep]
		if pred.state == NodeSucceeded && pred.outcome != nil {
			task.PriorInputs = append(task.PriorInputs, pred.outcome.Output)
		}
	}
	return task
}

// execute routes and dispatches one node's task.
func (e *WorkflowEngine) execute(ctx context.Context, task Task) Outcome {
	chain, err := e.router.Route(task)
	if err != nil {
		return failureOutcome(task.ID, err, 0)
	}
	return e.dispatcher.Dispatch(ctx, task, chain)
}

// apply folds one node result into the execution.
func (e *WorkflowEngine) apply(exec *WorkflowExecution, r nodeResult) {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	run := exec.nodes[r.id]
	outcome := r.outcome
	run.outcome = &outcome
	if outcome.Success {
		run.state = NodeSucceeded
	} else {
		run.state = NodeFailed
		run.err = outcome.Err
	}
	e.untrack(outcome.TaskID)
	e.publishNodeStatus(run)
}

// abandon finalizes an execution whose context ended. Non-terminal
// nodes fail with the cancellation cause; in-flight dispatches stop
// through the shared context and their late results are dropped.
func (e *WorkflowEngine) abandon(exec *WorkflowExecution, ctx context.Context) {
	exec.mu.Lock()
	cause := ErrCancelled
	if !exec.cancelled && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = ErrDeadlineExceeded
	}
	for _, id := range exec.order {
		run := exec.nodes[id]
		if run.state.terminal() {
			continue
		}
		run.state = NodeFailed
		run.err = cause
		e.untrack(run.spec.Task.ID)
	}
	exec.mu.Unlock()
	e.resolve(exec, cause)
}

// resolve computes the workflow-level outcome and wakes waiters.
// A nil cause means the graph ran to completion; resolve then fails
// the workflow only if a required node failed. Deadline failures keep
// the outputs of nodes that finished in time; cancellations do not.
func (e *WorkflowEngine) resolve(exec *WorkflowExecution, cause error) {
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.resolved {
		return
	}

	if cause == nil {
		for _, id := range exec.order {
			run := exec.nodes[id]
			if run.state == NodeFailed && run.spec.Required {
				cause = fmt.Errorf("node %q: %w", id, run.err)
				break
			}
		}
	}

	out := Outcome{TaskID: exec.ID, Elapsed: time.Since(exec.StartTime)}
	if cause == nil {
		out.Success = true
	} else {
		out.Err = cause
		out.ErrorCode = ErrorCode(cause)
	}
	if !errors.Is(cause, ErrCancelled) {
		out.NodeOutputs = make(map[string]string)
		for _, id := range exec.order {
			run := exec.nodes[id]
			if run.state == NodeSucceeded && run.outcome != nil {
				out.NodeOutputs[id] = run.outcome.Output
				out.Cost = out.Cost.Add(run.outcome.Cost)
				out.Attempts += run.outcome.Attempts
			}
		}
		// Single-node workflows answer like a plain dispatch.
		if len(exec.order) == 1 {
			if run := exec.nodes[exec.order[0]]; run.outcome != nil {
				out.Output = run.outcome.Output
				out.AgentID = run.outcome.AgentID
			}
		}
	}

	now := time.Now()
	exec.endTime = &now
	exec.outcome = out
	exec.resolved = true
	close(exec.done)
}

func (e *WorkflowEngine) publishNodeStatus(run *nodeRun) {
	stage := StageSucceeded
	detail := ""
	if run.state == NodeFailed {
		stage = StageFailed
		if run.err != nil {
			detail = ErrorCode(run.err)
		}
	}
	_ = e.bus.Publish(context.Background(), NewStatusUpdateMessage(run.spec.Task.Priority, StatusUpdate{
		TaskID: run.spec.Task.ID,
		Stage:  stage,
		Detail: detail,
	}))
}

func (e *WorkflowEngine) track(taskID, execID, nodeID string) {
	e.mu.Lock()
	e.tasks[taskID] = taskRef{execID: execID, nodeID: nodeID}
	e.mu.Unlock()
}

func (e *WorkflowEngine) untrack(taskID string) {
	e.mu.Lock()
	delete(e.tasks, taskID)
	e.mu.Unlock()
}

func earliestDeadline(nodes []NodeSpec) (time.Time, bool) {
	var earliest time.Time
	for _, n := range nodes {
		if n.Task.Deadline == nil {
			continue
		}
		if earliest.IsZero() || n.Task.Deadline.Before(earliest) {
			earliest = *n.Task.Deadline
		}
	}
	return earliest, !earliest.IsZero()
}
