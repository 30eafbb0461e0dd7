package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowcore/internal/engine"
	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/bundle"
	"github.com/smilemakc/flowcore/pkg/graph"
)

type staticLookup map[string]engine.NodeTypeDef

func (s staticLookup) Lookup(t string) (engine.NodeTypeDef, bool) {
	d, ok := s[t]
	return d, ok
}

func blockingLookup(started, release chan struct{}) staticLookup {
	var once sync.Once
	return staticLookup{
		"slow": {Execute: func(ctx context.Context, in *sandbox.Inputs, caps *sandbox.Caps) (map[string]any, error) {
			once.Do(func() { close(started) })
			<-release
			return map[string]any{"main": []any{}}, nil
		}},
	}
}

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	sb := sandbox.NewDefaultSandbox(sandbox.DefaultConfig(), nil)
	eng := engine.New(sb, nil, nil, nil, nil, engine.DefaultConfig())
	m := New(eng, cfg)
	t.Cleanup(m.Close)
	return m
}

func snapOneNode(nodeType string) *graph.Snapshot {
	return &graph.Snapshot{WorkflowID: "wf-a", Nodes: []graph.Node{{ID: "L", Type: nodeType}}}
}

// TestManager_GlobalLimitQueues grounds the global concurrency cap: a
// second execution beyond the global cap is queued, not started.
func TestManager_GlobalLimitQueues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 1
	m := testManager(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	lookup := blockingLookup(started, release)

	d1, err := m.Submit(context.Background(), Request{WorkflowID: "wf-a", StartNodeID: "L", Snapshot: snapOneNode("slow"), Lookup: lookup})
	require.NoError(t, err)
	require.Equal(t, Started, d1.Kind)
	<-started

	d2, err := m.Submit(context.Background(), Request{WorkflowID: "wf-b", StartNodeID: "L", Snapshot: snapOneNode("slow"), Lookup: lookup})
	require.NoError(t, err)
	assert.Equal(t, Queued, d2.Kind)
	assert.Equal(t, 0, d2.Position)

	close(release)
	_, err = d1.Execution.Wait(context.Background())
	require.NoError(t, err)
}

// TestManager_PerWorkflowLimit grounds the per-workflow concurrency cap
// independently of the global cap.
func TestManager_PerWorkflowLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 10
	cfg.PerWorkflowLimit = 1
	m := testManager(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	lookup := blockingLookup(started, release)

	d1, err := m.Submit(context.Background(), Request{WorkflowID: "wf-a", StartNodeID: "L", Snapshot: snapOneNode("slow"), Lookup: lookup})
	require.NoError(t, err)
	require.Equal(t, Started, d1.Kind)
	<-started

	d2, err := m.Submit(context.Background(), Request{WorkflowID: "wf-a", StartNodeID: "L", Snapshot: snapOneNode("slow"), Lookup: lookup})
	require.NoError(t, err)
	assert.Equal(t, Queued, d2.Kind)

	close(release)
	_, err = d1.Execution.Wait(context.Background())
	require.NoError(t, err)
}

// TestManager_IsolatedOverlapBlocksConcurrentRun grounds spec.md §8 S6:
// two isolated executions whose affected node sets overlap never run
// concurrently, even with global headroom.
func TestManager_IsolatedOverlapBlocksConcurrentRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 10
	cfg.PerWorkflowLimit = 10
	m := testManager(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	lookup := blockingLookup(started, release)
	snap := snapOneNode("slow")

	d1, err := m.Submit(context.Background(), Request{WorkflowID: "wf-a", StartNodeID: "L", Snapshot: snap, Lookup: lookup, Isolated: true})
	require.NoError(t, err)
	require.Equal(t, Started, d1.Kind)
	<-started

	d2, err := m.Submit(context.Background(), Request{WorkflowID: "wf-a", StartNodeID: "L", Snapshot: snap, Lookup: lookup, Isolated: true})
	require.NoError(t, err)
	assert.Equal(t, Queued, d2.Kind)

	close(release)
	_, err = d1.Execution.Wait(context.Background())
	require.NoError(t, err)

	select {
	case d := <-d2.Await:
		assert.Equal(t, Started, d.Kind)
		_, err = d.Execution.Wait(context.Background())
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued isolated execution never drained")
	}
}

// TestManager_NonIsolatedRunsConcurrently shows two non-isolated
// executions on the same workflow (within its limit) proceed together.
func TestManager_NonIsolatedRunsConcurrently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerWorkflowLimit = 5
	m := testManager(t, cfg)

	var wg sync.WaitGroup
	n := 3
	startedCh := make(chan struct{}, n)
	release := make(chan struct{})
	lookup := staticLookup{
		"slow": {Execute: func(ctx context.Context, in *sandbox.Inputs, caps *sandbox.Caps) (map[string]any, error) {
			startedCh <- struct{}{}
			<-release
			return map[string]any{"main": []any{}}, nil
		}},
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.Submit(context.Background(), Request{WorkflowID: "wf-a", StartNodeID: "L", Snapshot: snapOneNode("slow"), Lookup: lookup})
			require.NoError(t, err)
			require.Equal(t, Started, d.Kind)
		}()
	}

	for i := 0; i < n; i++ {
		<-startedCh
	}
	close(release)
	wg.Wait()
}

// TestManager_RejectStrategy rejects outright instead of queueing.
func TestManager_RejectStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 1
	cfg.Strategy = StrategyReject
	m := testManager(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	lookup := blockingLookup(started, release)

	d1, err := m.Submit(context.Background(), Request{WorkflowID: "wf-a", StartNodeID: "L", Snapshot: snapOneNode("slow"), Lookup: lookup})
	require.NoError(t, err)
	require.Equal(t, Started, d1.Kind)
	<-started

	d2, err := m.Submit(context.Background(), Request{WorkflowID: "wf-b", StartNodeID: "L", Snapshot: snapOneNode("slow"), Lookup: lookup})
	require.NoError(t, err)
	assert.Equal(t, Rejected, d2.Kind)

	close(release)
	_, _ = d1.Execution.Wait(context.Background())
}

func TestManager_QueueFullRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalLimit = 1
	cfg.MaxQueueLength = 0
	m := testManager(t, cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	lookup := blockingLookup(started, release)

	d1, err := m.Submit(context.Background(), Request{WorkflowID: "wf-a", StartNodeID: "L", Snapshot: snapOneNode("slow"), Lookup: lookup})
	require.NoError(t, err)
	require.Equal(t, Started, d1.Kind)
	<-started

	d2, err := m.Submit(context.Background(), Request{WorkflowID: "wf-b", StartNodeID: "L", Snapshot: snapOneNode("slow"), Lookup: lookup})
	require.NoError(t, err)
	assert.Equal(t, Rejected, d2.Kind)
	assert.Equal(t, ErrQueueFull.Error(), d2.Reason)

	close(release)
	_, _ = d1.Execution.Wait(context.Background())
}
