// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"testing"
	"time"
)

func requestMessage(taskID string, priority Priority, attempt int) *Message {
	task := NewTask("summarize", 0.5, priority)
	task.ID = taskID
	return NewTaskRequestMessage(context.Background(), TaskRequest{
		Task:    task,
		AgentID: "agent-a",
		Attempt: attempt,
	})
}

func mustConsume(t *testing.T, bus *MessageBus, kind MessageKind) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := bus.Consume(ctx, kind)
	if err != nil {
		t.Fatalf("Consume(%s) failed: %v", kind, err)
	}
	return msg
}

func TestBusPriorityOrdering(t *testing.T) {
	bus := NewMessageBus(100)
	ctx := context.Background()

	if err := bus.Publish(ctx, requestMessage("low-task", PriorityLow, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, requestMessage("critical-task", PriorityCritical, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, requestMessage("high-task", PriorityHigh, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	want := []string{"critical-task", "high-task", "low-task"}
	for _, id := range want {
		msg := mustConsume(t, bus, KindTaskRequest)
		if msg.TaskID != id {
			t.Errorf("Expected %s, got %s", id, msg.TaskID)
		}
	}
}

func TestBusFIFOWithinPriority(t *testing.T) {
	bus := NewMessageBus(100)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		if err := bus.Publish(ctx, requestMessage(id, PriorityMedium, 1)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for _, id := range []string{"first", "second", "third"} {
		msg := mustConsume(t, bus, KindTaskRequest)
		if msg.TaskID != id {
			t.Errorf("Expected %s, got %s", id, msg.TaskID)
		}
	}
}

func TestBusAttemptOrderingPerTask(t *testing.T) {
	bus := NewMessageBus(100)
	ctx := context.Background()

	if err := bus.Publish(ctx, requestMessage("t1", PriorityMedium, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// Attempt 2 published before attempt 1 is acknowledged: held back.
	if err := bus.Publish(ctx, requestMessage("t1", PriorityCritical, 2)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// An unrelated task flows regardless.
	if err := bus.Publish(ctx, requestMessage("t2", PriorityLow, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	first := mustConsume(t, bus, KindTaskRequest)
	if first.TaskID != "t1" || first.Request.Attempt != 1 {
		t.Fatalf("Expected t1 attempt 1 first, got %s attempt %d", first.TaskID, first.Request.Attempt)
	}

	// t1 attempt 2 outranks t2 on priority but is held until Ack.
	second := mustConsume(t, bus, KindTaskRequest)
	if second.TaskID != "t2" {
		t.Fatalf("Expected t2 while t1#2 is held, got %s attempt %d", second.TaskID, second.Request.Attempt)
	}

	bus.Ack("t1", 1)
	third := mustConsume(t, bus, KindTaskRequest)
	if third.TaskID != "t1" || third.Request.Attempt != 2 {
		t.Errorf("Expected t1 attempt 2 after ack, got %s attempt %d", third.TaskID, third.Request.Attempt)
	}
}

func TestBusAttemptGapsStillDelivered(t *testing.T) {
	bus := NewMessageBus(100)
	ctx := context.Background()

	// Attempt 2 never reaches the bus (rejected upstream before
	// publish); attempt 3 must not wait for it.
	if err := bus.Publish(ctx, requestMessage("t1", PriorityMedium, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	mustConsume(t, bus, KindTaskRequest)
	bus.Ack("t1", 1)

	if err := bus.Publish(ctx, requestMessage("t1", PriorityMedium, 3)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	msg := mustConsume(t, bus, KindTaskRequest)
	if msg.TaskID != "t1" || msg.Request.Attempt != 3 {
		t.Errorf("Expected t1 attempt 3, got %s attempt %d", msg.TaskID, msg.Request.Attempt)
	}

	// A gapped attempt published while the earlier one is unacknowledged
	// is held, and the ack releases it.
	if err := bus.Publish(ctx, requestMessage("t2", PriorityMedium, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, requestMessage("t2", PriorityMedium, 4)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	first := mustConsume(t, bus, KindTaskRequest)
	if first.Request.Attempt != 1 {
		t.Fatalf("Expected t2 attempt 1 first, got attempt %d", first.Request.Attempt)
	}
	bus.Ack("t2", 1)
	second := mustConsume(t, bus, KindTaskRequest)
	if second.TaskID != "t2" || second.Request.Attempt != 4 {
		t.Errorf("Expected t2 attempt 4 after ack, got %s attempt %d", second.TaskID, second.Request.Attempt)
	}
}

func TestBusBackpressureBlocksNonCritical(t *testing.T) {
	bus := NewMessageBus(2)
	ctx := context.Background()

	if err := bus.Publish(ctx, requestMessage("t1", PriorityMedium, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, requestMessage("t2", PriorityMedium, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// At the watermark a non-critical request must wait.
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := bus.Publish(blockedCtx, requestMessage("t3", PriorityMedium, 1))
	if err == nil {
		t.Fatal("Expected non-critical publish to block at the watermark")
	}

	// Critical requests and results always pass.
	if err := bus.Publish(ctx, requestMessage("t4", PriorityCritical, 1)); err != nil {
		t.Errorf("Expected critical publish to pass, got %v", err)
	}
	if err := bus.Publish(ctx, NewTaskResultMessage(PriorityLow, TaskResult{TaskID: "t1", Attempt: 1})); err != nil {
		t.Errorf("Expected result publish to pass, got %v", err)
	}

	// Draining below the watermark unblocks producers.
	done := make(chan error, 1)
	go func() {
		done <- bus.Publish(ctx, requestMessage("t5", PriorityMedium, 1))
	}()

	for i := 0; i < 3; i++ {
		msg := mustConsume(t, bus, KindTaskRequest)
		bus.Ack(msg.TaskID, msg.Request.Attempt)
	}
	mustConsume(t, bus, KindTaskResult)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected blocked publish to complete, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Blocked publish never completed after drain")
	}
}

func TestBusNothingDropped(t *testing.T) {
	bus := NewMessageBus(1000)
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		task := NewTask("summarize", 0.5, Priority(i%4))
		if err := bus.Publish(ctx, NewTaskRequestMessage(ctx, TaskRequest{Task: task, AgentID: "a", Attempt: 1})); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		msg := mustConsume(t, bus, KindTaskRequest)
		if seen[msg.TaskID] {
			t.Fatalf("Duplicate delivery of %s", msg.TaskID)
		}
		seen[msg.TaskID] = true
		bus.Ack(msg.TaskID, 1)
	}
	if len(seen) != n {
		t.Errorf("Expected %d unique deliveries, got %d", n, len(seen))
	}
	if bus.Depth() != 0 {
		t.Errorf("Expected empty bus, depth=%d", bus.Depth())
	}
}

func TestBusConsumeByKind(t *testing.T) {
	bus := NewMessageBus(100)
	ctx := context.Background()

	if err := bus.Publish(ctx, requestMessage("t1", PriorityMedium, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, NewTaskResultMessage(PriorityMedium, TaskResult{TaskID: "t1", Attempt: 1})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, NewStatusUpdateMessage(PriorityMedium, StatusUpdate{TaskID: "t1", Stage: StageDispatched})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if msg := mustConsume(t, bus, KindTaskResult); msg.Result == nil {
		t.Error("Expected a result payload")
	}
	if msg := mustConsume(t, bus, KindStatusUpdate); msg.Status == nil {
		t.Error("Expected a status payload")
	}
	if msg := mustConsume(t, bus, KindTaskRequest); msg.Request == nil {
		t.Error("Expected a request payload")
	}
}

func TestBusConsumeCancellation(t *testing.T) {
	bus := NewMessageBus(100)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := bus.Consume(ctx, KindTaskRequest)
	if err == nil {
		t.Fatal("Expected Consume to fail on empty bus with expired ctx")
	}
}

func TestBusClose(t *testing.T) {
	bus := NewMessageBus(100)
	ctx := context.Background()

	if err := bus.Publish(ctx, requestMessage("t1", PriorityMedium, 1)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	bus.Close()

	// Pending messages drain after close.
	if msg := mustConsume(t, bus, KindTaskRequest); msg.TaskID != "t1" {
		t.Errorf("Expected t1, got %s", msg.TaskID)
	}

	// New publishes fail.
	if err := bus.Publish(ctx, requestMessage("t2", PriorityMedium, 1)); err == nil {
		t.Error("Expected publish after close to fail")
	}

	// Consumers of an empty closed bus return instead of blocking.
	if _, err := bus.Consume(ctx, KindTaskRequest); err == nil {
		t.Error("Expected consume of empty closed bus to fail")
	}
}
