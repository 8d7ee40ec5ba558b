// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultPoolWorkers is the executor pool size when none is configured.
const DefaultPoolWorkers = 8

// ExecutorPool consumes TaskRequests from the bus, invokes the matching
// agent executor, and publishes the TaskResult back. Per-agent
// concurrency limits from the registry are enforced here, next to the
// actual execution.
type ExecutorPool struct {
	bus       *MessageBus
	registry  *AgentRegistry
	executors ExecutorSet
	workers   int

	mu   sync.Mutex
	sems map[string]chan struct{}
	wg   sync.WaitGroup
}

// NewExecutorPool creates a pool over the given executors. workers <= 0
// selects DefaultPoolWorkers.
func NewExecutorPool(bus *MessageBus, registry *AgentRegistry, executors ExecutorSet, workers int) *ExecutorPool {
	if workers <= 0 {
		workers = DefaultPoolWorkers
	}
	return &ExecutorPool{
		bus:       bus,
		registry:  registry,
		executors: executors,
		workers:   workers,
		sems:      make(map[string]chan struct{}),
	}
}

// Start launches the worker goroutines. They run until ctx is cancelled
// or the bus is closed.
func (p *ExecutorPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

// Wait blocks until all workers have exited.
func (p *ExecutorPool) Wait() { p.wg.Wait() }

func (p *ExecutorPool) run(ctx context.Context, worker int) {
	for {
		msg, err := p.bus.Consume(ctx, KindTaskRequest)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[ExecutorPool] Worker %d stopping: %v", worker, err)
			}
			return
		}
		p.handle(ctx, msg)
	}
}

func (p *ExecutorPool) handle(poolCtx context.Context, msg *Message) {
	req := *msg.Request
	result := p.execute(msg.Context(), req)

	// Ack only after the attempt has fully completed so the next
	// attempt for this task cannot overtake it.
	p.bus.Ack(req.Task.ID, req.Attempt)

	if err := p.bus.Publish(poolCtx, NewTaskResultMessage(req.Task.Priority, result)); err != nil {
		log.Printf("[ExecutorPool] Failed to publish result for task %s attempt %d: %v",
			req.Task.ID, req.Attempt, err)
	}
}

// execute runs one attempt against the agent's executor, translating
// context errors into the failure taxonomy.
func (p *ExecutorPool) execute(ctx context.Context, req TaskRequest) TaskResult {
	start := time.Now()
	fail := func(err error) TaskResult {
		return TaskResult{
			TaskID:  req.Task.ID,
			AgentID: req.AgentID,
			Attempt: req.Attempt,
			Err:     err,
			Elapsed: time.Since(start),
		}
	}

	exec, exists := p.executors[req.AgentID]
	if !exists {
		return fail(fmt.Errorf("no executor registered for agent %s: %w", req.AgentID, ErrUnknownAgent))
	}

	// Respect the task deadline even if the submitter's context is
	// looser.
	if req.Task.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *req.Task.Deadline)
		defer cancel()
	}

	p.acquire(req.AgentID)
	defer p.release(req.AgentID)

	res, err := exec.Execute(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("agent %s attempt %d: %w", req.AgentID, req.Attempt, ErrTimeout)
		case errors.Is(err, context.Canceled):
			err = ErrCancelled
		}
		return fail(err)
	}
	if res == nil {
		return fail(fmt.Errorf("agent %s returned no result: %w", req.AgentID, ErrTransientUpstream))
	}

	out := *res
	out.TaskID = req.Task.ID
	out.AgentID = req.AgentID
	out.Attempt = req.Attempt
	out.Elapsed = time.Since(start)
	return out
}

// acquire takes a concurrency slot for the agent, sized by its declared
// max concurrency at first use.
func (p *ExecutorPool) acquire(agentID string) {
	p.mu.Lock()
	sem, exists := p.sems[agentID]
	if !exists {
		limit := DefaultMaxConcurrency
		if def, err := p.registry.Get(agentID); err == nil && def.MaxConcurrency > 0 {
			limit = def.MaxConcurrency
		}
		sem = make(chan struct{}, limit)
		p.sems[agentID] = sem
	}
	p.mu.Unlock()
	sem <- struct{}{}
}

func (p *ExecutorPool) release(agentID string) {
	p.mu.Lock()
	sem := p.sems[agentID]
	p.mu.Unlock()
	if sem != nil {
		<-sem
	}
}
