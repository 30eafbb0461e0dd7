package eventbus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeReplaysRecentEvents(t *testing.T) {
	b := New(DefaultConfig())
	execID := uuid.New()

	b.Publish(Event{Type: "node.started", ExecutionID: execID, NodeID: "a"})
	b.Publish(Event{Type: "node.completed", ExecutionID: execID, NodeID: "a"})

	sub := b.SubscribeExecution(execID)
	defer sub.Close()

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, "node.started", first.Type)
	assert.Equal(t, "node.completed", second.Type)
}

func TestBus_ReplayWindowExpires(t *testing.T) {
	b := New(Config{ReplayWindow: 10 * time.Millisecond, MaxReplayEvents: 50, SubscriberBuf: 8})
	execID := uuid.New()
	b.Publish(Event{Type: "node.started", ExecutionID: execID})
	time.Sleep(20 * time.Millisecond)
	b.Publish(Event{Type: "keepalive", ExecutionID: execID})

	sub := b.SubscribeExecution(execID)
	defer sub.Close()

	ev := <-sub.C
	assert.Equal(t, "keepalive", ev.Type)
	select {
	case extra := <-sub.C:
		t.Fatalf("expected only one replayed event, got extra %v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_ReplayCappedAtMaxEvents(t *testing.T) {
	b := New(Config{ReplayWindow: time.Minute, MaxReplayEvents: 2, SubscriberBuf: 8})
	execID := uuid.New()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "tick", ExecutionID: execID})
	}
	b.mu.RLock()
	n := len(b.replay[executionTopic(execID)])
	b.mu.RUnlock()
	assert.Equal(t, 2, n)
}

func TestBus_WorkflowTopicFansOutAcrossExecutions(t *testing.T) {
	b := New(DefaultConfig())
	sub := b.SubscribeWorkflow("wf-1")
	defer sub.Close()

	b.Publish(Event{Type: "node.started", ExecutionID: uuid.New(), WorkflowID: "wf-1"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, "wf-1", ev.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for workflow-topic event")
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(Config{ReplayWindow: time.Minute, MaxReplayEvents: 10, SubscriberBuf: 1})
	execID := uuid.New()
	sub := b.SubscribeExecution(execID)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "tick", ExecutionID: execID})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
	require.NotNil(t, sub)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := New(DefaultConfig())
	sub := b.SubscribeExecution(uuid.New())
	sub.Close()
	assert.NotPanics(t, func() { sub.Close() })
}
