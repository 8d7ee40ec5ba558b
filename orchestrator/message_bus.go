// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one envelope on the bus. Exactly one of Request, Result,
// Status is set, matching Kind.
type Message struct {
	ID         string        `json:"id"`
	Kind       MessageKind   `json:"kind"`
	TaskID     string        `json:"task_id"`
	Priority   Priority      `json:"priority"`
	Request    *TaskRequest  `json:"request,omitempty"`
	Result     *TaskResult   `json:"result,omitempty"`
	Status     *StatusUpdate `json:"status,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`

	seq uint64
	// ctx carries cooperative cancellation from the submitter to the
	// executor. The bus itself never cancels work.
	ctx context.Context
}

// Context returns the cancellation context attached to the message,
// defaulting to context.Background.
func (m *Message) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// NewTaskRequestMessage wraps a TaskRequest; priority is inherited from
// the task and ctx lets the executor observe cancellation.
func NewTaskRequestMessage(ctx context.Context, req TaskRequest) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Kind:     KindTaskRequest,
		TaskID:   req.Task.ID,
		Priority: req.Task.Priority,
		Request:  &req,
		ctx:      ctx,
	}
}

// NewTaskResultMessage wraps a TaskResult.
func NewTaskResultMessage(priority Priority, res TaskResult) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Kind:     KindTaskResult,
		TaskID:   res.TaskID,
		Priority: priority,
		Result:   &res,
	}
}

// NewStatusUpdateMessage wraps a StatusUpdate.
func NewStatusUpdateMessage(priority Priority, status StatusUpdate) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Kind:     KindStatusUpdate,
		TaskID:   status.TaskID,
		Priority: priority,
		Status:   &status,
	}
}

// MessageBus delivers messages between the workflow engine and agent
// executors. Delivery is priority-ordered across unrelated tasks and
// attempt-ordered within one task: a TaskRequest is held back while an
// earlier request for the same task is unacknowledged. Attempt numbers
// may skip values, since an attempt rejected before publish still
// consumes its number.
//
// Nothing is ever dropped. Above the high-watermark the bus applies
// backpressure by blocking Publish of new non-critical TaskRequests
// until the backlog recedes; results and status updates always flow so
// in-flight work can drain.
type MessageBus struct {
	highWatermark int

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	ready    map[MessageKind]*messageHeap
	tasks    map[string]*taskSequence
	seq      uint64
	deferred int
	closed   bool
}

// taskSequence tracks attempt ordering for one task's requests.
type taskSequence struct {
	acked    int        // highest acknowledged attempt
	inFlight bool       // a request was published and not yet acked
	held     []*Message // requests waiting for their turn
}

// NewMessageBus creates a bus with the given backpressure high-watermark.
func NewMessageBus(highWatermark int) *MessageBus {
	b := &MessageBus{
		highWatermark: highWatermark,
		ready: map[MessageKind]*messageHeap{
			KindTaskRequest:  {},
			KindTaskResult:   {},
			KindStatusUpdate: {},
		},
		tasks: make(map[string]*taskSequence),
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Publish enqueues a message. New non-critical TaskRequests block while
// the bus is above its high-watermark; ctx aborts the wait.
func (b *MessageBus) Publish(ctx context.Context, msg *Message) error {
	if msg == nil || b.ready[msg.Kind] == nil {
		return fmt.Errorf("invalid message: %w", ErrValidation)
	}

	stop := wakeOnDone(ctx, b.notFull)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.closed && b.throttledLocked(msg) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.notFull.Wait()
	}
	if b.closed {
		return fmt.Errorf("message bus closed")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.seq++
	msg.seq = b.seq
	msg.EnqueuedAt = time.Now()

	if msg.Kind == KindTaskRequest {
		ts := b.sequence(msg.TaskID)
		if !deliverable(ts, msg.Request.Attempt) {
			// Held until the preceding attempt is acknowledged.
			ts.held = append(ts.held, msg)
			b.deferred++
			return nil
		}
		ts.inFlight = true
	}

	heap.Push(b.ready[msg.Kind], msg)
	b.notEmpty.Broadcast()
	return nil
}

// Consume blocks until a message of the given kind is available and
// returns the highest priority one. TaskRequests must be acknowledged
// with Ack before the next attempt for the same task is delivered.
func (b *MessageBus) Consume(ctx context.Context, kind MessageKind) (*Message, error) {
	q := b.ready[kind]
	if q == nil {
		return nil, fmt.Errorf("invalid message kind %q: %w", kind, ErrValidation)
	}

	stop := wakeOnDone(ctx, b.notEmpty)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.closed && q.Len() == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.notEmpty.Wait()
	}
	if q.Len() == 0 {
		return nil, fmt.Errorf("message bus closed")
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	msg := heap.Pop(q).(*Message)
	b.notFull.Broadcast()
	return msg, nil
}

// Ack acknowledges completion of a task's attempt, releasing the next
// held request for that task, if any.
func (b *MessageBus) Ack(taskID string, attempt int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts, exists := b.tasks[taskID]
	if !exists {
		return
	}
	if attempt > ts.acked {
		ts.acked = attempt
	}
	ts.inFlight = false

	for i, held := range ts.held {
		if deliverable(ts, held.Request.Attempt) {
			ts.held = append(ts.held[:i], ts.held[i+1:]...)
			b.deferred--
			ts.inFlight = true
			heap.Push(b.ready[KindTaskRequest], held)
			b.notEmpty.Broadcast()
			break
		}
	}

	if len(ts.held) == 0 && !ts.inFlight {
		// Sequence bookkeeping lives only as long as the task needs it.
		delete(b.tasks, taskID)
	}
}

// Depth returns the number of pending messages, held ones included.
func (b *MessageBus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depthLocked()
}

// Close wakes all blocked producers and consumers. Pending messages can
// still be consumed; new publishes fail.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

func (b *MessageBus) depthLocked() int {
	n := b.deferred
	for _, q := range b.ready {
		n += q.Len()
	}
	return n
}

// throttledLocked decides whether a publish must wait for backpressure.
func (b *MessageBus) throttledLocked(msg *Message) bool {
	if msg.Kind != KindTaskRequest || msg.Priority >= PriorityCritical {
		return false
	}
	return b.depthLocked() >= b.highWatermark
}

func (b *MessageBus) sequence(taskID string) *taskSequence {
	ts, exists := b.tasks[taskID]
	if !exists {
		ts = &taskSequence{}
		b.tasks[taskID] = ts
	}
	return ts
}

// deliverable reports whether a request attempt may go out now: no
// earlier request may still be unacknowledged and the attempt must be
// newer than the last acknowledged one. The exact successor is not
// required; attempts rejected before publish leave gaps in the numbering.
func deliverable(ts *taskSequence, attempt int) bool {
	return !ts.inFlight && attempt > ts.acked
}

// wakeOnDone broadcasts on cond when ctx is cancelled so waiters can
// observe the cancellation. The returned func stops the watcher.
func wakeOnDone(ctx context.Context, cond *sync.Cond) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.Broadcast()
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}

// messageHeap orders messages by priority (highest first), then by
// enqueue sequence for fairness within a priority.
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*Message)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	msg := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return msg
}
