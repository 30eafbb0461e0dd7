package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/bundle"
	"github.com/smilemakc/flowcore/pkg/graph"
)

type staticLookup map[string]NodeTypeDef

func (s staticLookup) Lookup(t string) (NodeTypeDef, bool) {
	d, ok := s[t]
	return d, ok
}

func execFunc(fn func(in *sandbox.Inputs) (map[string]any, error)) sandbox.NodeExecuteFunc {
	return func(_ context.Context, in *sandbox.Inputs, _ *sandbox.Caps) (map[string]any, error) {
		return fn(in)
	}
}

func testEngine() *Engine {
	sb := sandbox.NewDefaultSandbox(sandbox.DefaultConfig(), nil)
	return New(sb, nil, nil, nil, nil, DefaultConfig())
}

func firstMain(in *sandbox.Inputs) map[string]any {
	items := in.Bundle.Channel(bundle.MainChannel)
	if len(items) == 0 {
		return nil
	}
	m, _ := items[0].(map[string]any)
	return m
}

// TestDiamond_S1 grounds spec.md §8 S1: A emits x=1, B doubles, C triples, D
// sums; path starts at A, ends at D, D.output.main[0].x == 5.
func TestDiamond_S1(t *testing.T) {
	snap := &graph.Snapshot{
		WorkflowID: "wf-diamond",
		Nodes: []graph.Node{
			{ID: "A", Type: "seed"},
			{ID: "B", Type: "double"},
			{ID: "C", Type: "triple"},
			{ID: "D", Type: "sum"},
		},
		Connections: []graph.Edge{
			{SourceNodeID: "A", SourceOutput: "main", TargetNodeID: "B", TargetInput: "main"},
			{SourceNodeID: "A", SourceOutput: "main", TargetNodeID: "C", TargetInput: "main"},
			{SourceNodeID: "B", SourceOutput: "main", TargetNodeID: "D", TargetInput: "main"},
			{SourceNodeID: "C", SourceOutput: "main", TargetNodeID: "D", TargetInput: "main"},
		},
	}

	lookup := staticLookup{
		"seed": {Execute: execFunc(func(in *sandbox.Inputs) (map[string]any, error) {
			return map[string]any{"main": []any{firstMain(in)}}, nil
		})},
		"double": {Execute: execFunc(func(in *sandbox.Inputs) (map[string]any, error) {
			m := firstMain(in)
			x, _ := m["x"].(int)
			return map[string]any{"main": []any{map[string]any{"x": x * 2}}}, nil
		})},
		"triple": {Execute: execFunc(func(in *sandbox.Inputs) (map[string]any, error) {
			m := firstMain(in)
			x, _ := m["x"].(int)
			return map[string]any{"main": []any{map[string]any{"x": x * 3}}}, nil
		})},
		"sum": {Execute: execFunc(func(in *sandbox.Inputs) (map[string]any, error) {
			sum := 0
			for _, item := range in.Bundle.Channel(bundle.MainChannel) {
				m, _ := item.(map[string]any)
				x, _ := m["x"].(int)
				sum += x
			}
			return map[string]any{"main": []any{map[string]any{"x": sum}}}, nil
		})},
	}

	e := testEngine()
	x, err := e.ExecuteFromNode(context.Background(), "A", snap, bundle.Seed(map[string]any{"x": 1}), "u1", Options{}, lookup)
	require.NoError(t, err)

	res, err := x.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.Status)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, res.Executed)
	assert.Empty(t, res.Failed)
	require.Equal(t, "A", res.Path[0])
	require.Equal(t, "D", res.Path[len(res.Path)-1])

	dOut := res.NodeResults["D"].Output
	item := dOut.Channel(bundle.MainChannel)[0].(map[string]any)
	assert.Equal(t, 5, item["x"])
}

// TestBranching_S2 grounds spec.md §8 S2: IF routes to Y only; N is Skipped.
func TestBranching_S2(t *testing.T) {
	snap := &graph.Snapshot{
		WorkflowID: "wf-branch",
		Nodes: []graph.Node{
			{ID: "T", Type: "seed"},
			{ID: "IF", Type: "cond"},
			{ID: "Y", Type: "noop"},
			{ID: "N", Type: "noop"},
		},
		Connections: []graph.Edge{
			{SourceNodeID: "T", SourceOutput: "main", TargetNodeID: "IF", TargetInput: "main"},
			{SourceNodeID: "IF", SourceOutput: "true", TargetNodeID: "Y", TargetInput: "main"},
			{SourceNodeID: "IF", SourceOutput: "false", TargetNodeID: "N", TargetInput: "main"},
		},
	}
	lookup := staticLookup{
		"seed": {Execute: execFunc(func(in *sandbox.Inputs) (map[string]any, error) {
			return map[string]any{"main": []any{firstMain(in)}}, nil
		})},
		"cond": {Branching: true, DeclaredOutputs: []string{"true", "false"}, Execute: execFunc(func(in *sandbox.Inputs) (map[string]any, error) {
			return map[string]any{"true": []any{map[string]any{"ok": true}}}, nil
		})},
		"noop": {Execute: execFunc(func(in *sandbox.Inputs) (map[string]any, error) {
			return map[string]any{"main": in.Bundle.Channel(bundle.MainChannel)}, nil
		})},
	}

	e := testEngine()
	x, err := e.ExecuteFromNode(context.Background(), "T", snap, bundle.Seed(map[string]any{"x": 1}), "u1", Options{}, lookup)
	require.NoError(t, err)
	res, err := x.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.Status)
	assert.ElementsMatch(t, []string{"T", "IF", "Y"}, res.Executed)
	assert.Equal(t, StatusSkipped, res.NodeResults["N"].Status)
}

// TestTransientRetry_S3 grounds spec.md §8 S3: a node fails twice with a
// Transient error then succeeds; the Engine retries it in place without
// failing the execution.
func TestTransientRetry_S3(t *testing.T) {
	snap := &graph.Snapshot{
		WorkflowID: "wf-retry",
		Nodes:      []graph.Node{{ID: "H", Type: "flaky"}},
	}

	attempts := 0
	lookup := staticLookup{
		"flaky": {Execute: execFunc(func(_ *sandbox.Inputs) (map[string]any, error) {
			attempts++
			if attempts < 3 {
				return nil, sandbox.Wrap(sandbox.KindTransient, "503", nil)
			}
			return map[string]any{"main": []any{map[string]any{"ok": true}}}, nil
		})},
	}

	e := testEngine()
	x, err := e.ExecuteFromNode(context.Background(), "H", snap, bundle.New(), "u1", Options{MaxRetries: 3, RetryBase: 10 * time.Millisecond, RetryCap: 50 * time.Millisecond}, lookup)
	require.NoError(t, err)
	res, err := x.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.Status)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StatusCompleted, res.NodeResults["H"].Status)
	assert.GreaterOrEqual(t, res.NodeResults["H"].DurationMs, int64(15))
}

// TestCancellationMidRun_S5 grounds spec.md §8 S5: cancelling while a node
// is running prevents any downstream node from ever starting.
func TestCancellationMidRun_S5(t *testing.T) {
	snap := &graph.Snapshot{
		WorkflowID: "wf-cancel",
		Nodes: []graph.Node{
			{ID: "L", Type: "slow"},
			{ID: "M", Type: "noop"},
		},
		Connections: []graph.Edge{
			{SourceNodeID: "L", SourceOutput: "main", TargetNodeID: "M", TargetInput: "main"},
		},
	}

	started := make(chan struct{})
	release := make(chan struct{})
	lookup := staticLookup{
		"slow": {Execute: func(ctx context.Context, in *sandbox.Inputs, caps *sandbox.Caps) (map[string]any, error) {
			close(started)
			select {
			case <-release:
				return map[string]any{"main": []any{map[string]any{}}}, nil
			case <-ctx.Done():
				return nil, sandbox.Wrap(sandbox.KindTransient, "cancelled", ctx.Err())
			}
		}},
		"noop": {Execute: execFunc(func(_ *sandbox.Inputs) (map[string]any, error) {
			return map[string]any{"main": []any{}}, nil
		})},
	}

	e := testEngine()
	x, err := e.ExecuteFromNode(context.Background(), "L", snap, bundle.New(), "u1", Options{}, lookup)
	require.NoError(t, err)

	<-started
	x.Cancel()
	x.Cancel() // idempotence (invariant 4)
	close(release)

	res, err := x.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseCancelled, res.Status)
	assert.Equal(t, StatusIdle, res.NodeResults["M"].Status)
}

func TestWithOptionDefaults_FillsFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	opts := withOptionDefaults(Options{}, cfg)
	assert.Equal(t, cfg.DefaultTimeout, opts.Timeout)
	assert.Equal(t, cfg.DefaultRetry.MaxAttempts, opts.MaxRetries)
}

func TestExecuteFromNode_RejectsCycle(t *testing.T) {
	snap := &graph.Snapshot{
		WorkflowID: "wf-cycle",
		Nodes:      []graph.Node{{ID: "A"}, {ID: "B"}},
		Connections: []graph.Edge{
			{SourceNodeID: "A", TargetNodeID: "B"},
			{SourceNodeID: "B", TargetNodeID: "A"},
		},
	}
	e := testEngine()
	_, err := e.ExecuteFromNode(context.Background(), "A", snap, bundle.New(), "u1", Options{}, staticLookup{})
	require.Error(t, err)
	var safetyErr *graph.SafetyError
	require.ErrorAs(t, err, &safetyErr)
	assert.Equal(t, graph.KindCycleDetected, safetyErr.Kind)
}

func TestExecuteFromNode_UnknownNodeType(t *testing.T) {
	snap := &graph.Snapshot{WorkflowID: "wf", Nodes: []graph.Node{{ID: "A", Type: "missing"}}}
	e := testEngine()
	x, err := e.ExecuteFromNode(context.Background(), "A", snap, bundle.New(), "u1", Options{}, staticLookup{})
	require.NoError(t, err)
	res, err := x.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, res.Status)
	assert.Contains(t, fmt.Sprint(res.NodeResults["A"].Err), "unregistered node type")
}
