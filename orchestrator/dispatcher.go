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

	"github.com/shopspring/decimal"
)

// Dispatcher executes one routed task against its fallback chain. Each
// agent in the chain gets a full retry cycle; circuit-open agents are
// skipped. Requests travel over the message bus so execution stays
// decoupled from submission.
type Dispatcher struct {
	bus      *MessageBus
	breakers *BreakerSet
	retry    *RetryPolicy
	budget   *RetryBudget
	sink     HealthSink

	mu      sync.Mutex
	waiters map[string]chan TaskResult
}

// NewDispatcher wires the dispatcher. The budget must be the same
// instance the retry policy shares.
func NewDispatcher(bus *MessageBus, breakers *BreakerSet, retry *RetryPolicy, budget *RetryBudget, sink HealthSink) *Dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	return &Dispatcher{
		bus:      bus,
		breakers: breakers,
		retry:    retry,
		budget:   budget,
		sink:     sink,
		waiters:  make(map[string]chan TaskResult),
	}
}

// Start launches the result loop matching TaskResults from the bus to
// waiting dispatch attempts. It runs until ctx is cancelled or the bus
// closes.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.resultLoop(ctx)
}

func (d *Dispatcher) resultLoop(ctx context.Context) {
	for {
		msg, err := d.bus.Consume(ctx, KindTaskResult)
		if err != nil {
			return
		}
		res := *msg.Result
		d.mu.Lock()
		ch, exists := d.waiters[waiterKey(res.TaskID, res.Attempt)]
		d.mu.Unlock()
		if !exists {
			// Late completion of an attempt whose node is already
			// terminal: accepted and discarded.
			log.Printf("[Dispatcher] Discarding late result for task %s attempt %d (agent %s)",
				res.TaskID, res.Attempt, res.AgentID)
			continue
		}
		ch <- res
	}
}

// Dispatch runs the task against the fallback chain and returns its
// terminal outcome. It blocks until an agent succeeds, every agent is
// exhausted, or ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task, chain FallbackChain) Outcome {
	if chain.IsEmpty() {
		return failureOutcome(task.ID, ErrNoCapableAgent, 0)
	}

	d.budget.StartDispatch()
	defer d.budget.EndDispatch()

	start := time.Now()
	attemptBase := 0 // task-wide attempt counter across the whole chain
	var lastErr error

	for i, agent := range chain.Agents {
		// The forced probe already reserved its half-open slot in the
		// router; a normal chain checks admission per attempt inside
		// the retry loop.
		var probeDone func(bool)
		if chain.ForcedProbe && i == 0 {
			probeDone = chain.probeDone
		}

		result, attempts, err := d.dispatchAgent(ctx, task, agent, attemptBase, probeDone)
		attemptBase += attempts

		if err == nil {
			cost := agent.CostPerUnit.Mul(decimal.NewFromFloat(task.Complexity))
			return successOutcome(task.ID, agent.ID, result.Output, attemptBase, cost, time.Since(start))
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrCancelled):
			return failureOutcome(task.ID, ErrCancelled, attemptBase)
		case errors.Is(err, ErrValidation):
			return failureOutcome(task.ID, err, attemptBase)
		case errors.Is(err, ErrCircuitOpen):
			// Recoverable: the chain carries on to the next agent.
			log.Printf("[Dispatcher] Task %s: agent %s circuit-open, trying next in chain", task.ID, agent.ID)
		default:
			log.Printf("[Dispatcher] Task %s: agent %s exhausted (%v), trying next in chain", task.ID, agent.ID, err)
		}
	}

	// Only exhaustion of the entire chain is an actionable failure.
	return failureOutcome(task.ID, fmt.Errorf("fallback chain exhausted: %w", lastErr), attemptBase)
}

// dispatchAgent runs the retry cycle for one agent. Attempt numbers are
// task-wide (base offset) so the bus sees a single increasing sequence.
// A non-nil probeDone carries the admission the router already reserved
// for the first attempt.
func (d *Dispatcher) dispatchAgent(ctx context.Context, task Task, agent AgentDef, base int, probeDone func(bool)) (*TaskResult, int, error) {
	breaker := d.breakers.Get(agent.ID)

	return d.retry.Execute(ctx, task.ID, func(ctx context.Context, n int) (*TaskResult, error) {
		done := probeDone
		if done == nil || n > 1 {
			var err error
			if done, err = breaker.Allow(); err != nil {
				return nil, err
			}
		}
		if base+n > 1 {
			d.publishStatus(ctx, task, StageRetrying, fmt.Sprintf("attempt %d on agent %s", base+n, agent.ID))
		}
		return d.attempt(ctx, task, agent, done, base+n)
	})
}

// attempt publishes one TaskRequest and waits for its TaskResult,
// reporting the outcome to the breaker admission and the metrics sink.
func (d *Dispatcher) attempt(ctx context.Context, task Task, agent AgentDef, done func(bool), attempt int) (*TaskResult, error) {
	ch := make(chan TaskResult, 1)
	key := waiterKey(task.ID, attempt)
	d.mu.Lock()
	d.waiters[key] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, key)
		d.mu.Unlock()
	}()

	att := DispatchAttempt{
		TaskID:  task.ID,
		AgentID: agent.ID,
		Attempt: attempt,
		Start:   time.Now(),
	}

	req := TaskRequest{Task: task, AgentID: agent.ID, Attempt: attempt}
	if err := d.bus.Publish(ctx, NewTaskRequestMessage(ctx, req)); err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("publish attempt %d: %w", attempt, err)
	}

	select {
	case res := <-ch:
		att.End = time.Now()
		att.Result = &res
		att.Err = res.Err
		d.record(task, agent, done, att)
		if res.Err != nil {
			return nil, res.Err
		}
		return &res, nil
	case <-ctx.Done():
		// Cooperative cancellation: the executor was asked to stop via
		// the request context; if it finishes anyway the result loop
		// discards its answer.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrCancelled
	}
}

// record reports breaker health through the attempt's admission and
// emits the dispatch record to the sink. Validation failures say nothing
// about agent health and leave the breaker alone.
func (d *Dispatcher) record(task Task, agent AgentDef, done func(bool), att DispatchAttempt) {
	cost := decimal.Zero
	switch {
	case att.Err == nil:
		done(true)
		// Complexity is the task's units of work.
		cost = agent.CostPerUnit.Mul(decimal.NewFromFloat(task.Complexity))
	case IsTransient(att.Err):
		done(false)
	}
	d.sink.DispatchSample(att, cost)
}

// publishStatus is best effort: status updates inform observers and
// must never stall a dispatch.
func (d *Dispatcher) publishStatus(ctx context.Context, task Task, stage, detail string) {
	_ = d.bus.Publish(ctx, NewStatusUpdateMessage(task.Priority, StatusUpdate{
		TaskID: task.ID,
		Stage:  stage,
		Detail: detail,
	}))
}

func waiterKey(taskID string, attempt int) string {
	return fmt.Sprintf("%s#%d", taskID, attempt)
}
