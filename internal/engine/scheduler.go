package engine

import (
	"context"
	"sync"
	"time"

	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/bundle"
	"github.com/smilemakc/flowcore/pkg/graph"
)

// run drives one execution from startID to completion. It is the
// scheduling loop of spec.md §4.2: a single driver goroutine pops ready
// nodes from ec's FIFO queue and hands each to a worker goroutine, bounded
// by a semaphore sized to cfg.MaxParallelNodes; workers report back by
// mutating ec under its own lock and broadcasting its condition variable,
// so the driver never busy-spins while waiting for the next thing to do.
func (e *Engine) run(runCtx context.Context, ec *ExecutionContext, resolver *graph.Resolver, startID string, seed bundle.Bundle, lookup NodeLookup) *Result {
	reachable := resolver.ReachableFrom(startID)
	e.initNodeStates(ec, resolver, reachable, startID)

	sem := make(chan struct{}, e.maxParallel())
	var wg sync.WaitGroup

	if st, ok := ec.NodeStates[startID]; ok {
		st.InputBundle = seed
	}
	ec.enqueue(startID)

	for {
		ec.mu.Lock()
		for len(ec.readyQueue) == 0 && ec.running > 0 && !ec.cancelled {
			ec.cond.Wait()
		}
		if ec.cancelled {
			ec.mu.Unlock()
			break
		}
		if len(ec.readyQueue) == 0 {
			ec.mu.Unlock()
			break
		}
		if ec.paused {
			ec.cond.Wait()
			ec.mu.Unlock()
			continue
		}
		nodeID := ec.readyQueue[0]
		ec.readyQueue = ec.readyQueue[1:]
		ec.running++
		ec.mu.Unlock()

		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			ec.requestCancel()
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			e.dispatchNode(runCtx, ec, resolver, lookup, id)
		}(nodeID)
	}
	wg.Wait()

	return e.finalize(ec, reachable)
}

// initNodeStates seeds a NodeState for every reachable node, with remaining
// set to the number of incoming edges whose source is also reachable (the
// explicit readiness counter from spec.md §9). startID has no required
// predecessors: it is seeded directly by the caller. Nodes not reachable
// from startID are recorded as Skipped.
func (e *Engine) initNodeStates(ec *ExecutionContext, resolver *graph.Resolver, reachable map[string]struct{}, startID string) {
	for _, n := range resolver.Snapshot().Nodes {
		if _, ok := reachable[n.ID]; !ok {
			ec.NodeStates[n.ID] = &NodeState{
				Status:       StatusSkipped,
				Dependencies: toSet(resolver.DependenciesOf(n.ID)),
				Dependents:   toSet(resolver.DependentsOf(n.ID)),
			}
		}
	}
	for id := range reachable {
		remaining := 0
		if id != startID {
			for _, dep := range resolver.DependenciesOf(id) {
				if _, ok := reachable[dep]; ok {
					remaining++
				}
			}
		}
		ec.NodeStates[id] = &NodeState{
			Status:       StatusIdle,
			Dependencies: toSet(resolver.DependenciesOf(id)),
			Dependents:   toSet(resolver.DependentsOf(id)),
			remaining:    remaining,
		}
	}
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// dispatchNode runs the per-node portion of the loop: collect inputs,
// transition to Running, invoke the Sandbox with retry, then resolve
// dependents' readiness counters and either enqueue, skip-cascade, or leave
// them pending.
func (e *Engine) dispatchNode(ctx context.Context, ec *ExecutionContext, resolver *graph.Resolver, lookup NodeLookup, nodeID string) {
	snap := resolver.Snapshot()
	node, ok := snap.NodeByID(nodeID)
	if !ok {
		e.completeNode(ec, resolver, nodeID, false, sandbox.Result{Err: sandbox.Wrap(sandbox.KindPermanent, "node vanished from snapshot: "+nodeID, nil)})
		return
	}

	def, ok := lookup.Lookup(node.Type)
	if !ok {
		e.completeNode(ec, resolver, nodeID, false, sandbox.Result{Err: sandbox.Wrap(sandbox.KindPermanent, "unregistered node type: "+node.Type, nil)})
		return
	}

	ec.mu.Lock()
	st := ec.NodeStates[nodeID]
	in := e.collectInputs(ec, resolver, nodeID, st.InputBundle)
	now := time.Now()
	st.Status = StatusRunning
	st.StartedAt = &now
	ec.mu.Unlock()
	e.publishEvent(ec, nodeID, "node.started", nil)

	spec := sandbox.NodeSpec{
		ID:                  node.ID,
		Type:                node.Type,
		Name:                node.Name,
		Parameters:          node.Parameters,
		RequiredCredentials: def.RequiredCredentials,
		CredentialMapping:   node.Credentials,
		Branching:           def.Branching,
		DeclaredOutputs:     def.DeclaredOutputs,
		Execute:             def.Execute,
	}

	policy := RetryPolicy{MaxAttempts: ec.Options.MaxRetries, BaseDelay: ec.Options.RetryBase, CapDelay: ec.Options.RetryCap}
	if override, ok := snap.Settings.RetryOverrides[nodeID]; ok {
		policy.MaxAttempts = override
	}

	result := runWithRetry(ctx, policy, func(ctx context.Context) sandbox.Result {
		return e.sandbox.Execute(ctx, spec, in, e.varStore, e.vault, ec.UserID)
	})

	e.completeNode(ec, resolver, nodeID, def.Branching, result)
}

// collectInputs merges completed predecessors' satisfied-channel output
// into one Bundle, in edge order, per spec.md §4.2 step 5. seed is used
// verbatim for the start node, which has no incoming edges to collect.
func (e *Engine) collectInputs(ec *ExecutionContext, resolver *graph.Resolver, nodeID string, seed bundle.Bundle) bundle.Bundle {
	edges := resolver.IncomingEdges(nodeID)
	if len(edges) == 0 {
		if seed != nil {
			return seed
		}
		return bundle.New()
	}
	in := bundle.New()
	for _, edge := range edges {
		srcState, ok := ec.NodeStates[edge.SourceNodeID]
		if !ok || srcState.Status != StatusCompleted {
			continue
		}
		items := srcState.OutputBundle.Channel(edge.SourceOutput)
		if len(items) == 0 {
			continue
		}
		target := edge.TargetInput
		if target == "" {
			target = bundle.MainChannel
		}
		in.Append(target, items...)
	}
	return in
}

// completeNode records a node's terminal outcome and resolves every
// dependent's readiness counter, enqueueing, skip-cascading, or leaving it
// pending as appropriate (spec.md §4.2 steps 8-9).
func (e *Engine) completeNode(ec *ExecutionContext, resolver *graph.Resolver, nodeID string, branching bool, result sandbox.Result) {
	ec.mu.Lock()
	st := ec.NodeStates[nodeID]
	now := time.Now()
	st.FinishedAt = &now
	if st.StartedAt != nil {
		st.DurationMs = now.Sub(*st.StartedAt).Milliseconds()
	}

	succeeded := result.Success
	cancelled := ec.cancelled
	switch {
	case succeeded:
		st.Status = StatusCompleted
		st.OutputBundle = result.Output
	case cancelled:
		// A suspension point observed the cancellation (spec.md §8 S5):
		// this node stops here, and nothing downstream is touched — it
		// stays Idle rather than being skip-cascaded.
		st.Status = StatusCancelled
		st.Err = result.Err
	default:
		st.Status = StatusFailed
		st.Err = result.Err
	}
	ec.ExecutionPath = append(ec.ExecutionPath, nodeID)
	ec.running--

	if cancelled {
		ec.mu.Unlock()
		ec.cond.Broadcast()
		return
	}

	continueOnFail := resolver.Snapshot().Settings.ContinueOnFailure[nodeID]
	treatAsProducingOutput := succeeded || continueOnFail

	for _, dep := range resolver.DependentsOf(nodeID) {
		depState, ok := ec.NodeStates[dep]
		if !ok {
			continue
		}
		satisfied := treatAsProducingOutput
		if satisfied && branching {
			satisfied = edgeHasOutput(resolver, nodeID, dep, st.OutputBundle)
		}
		if !satisfied {
			depState.poisoned = true
		} else {
			depState.anySatisfied = true
		}
		depState.remaining--
		if depState.remaining == 0 {
			e.resolveReadiness(ec, resolver, dep, depState)
		}
	}
	ec.mu.Unlock()
	ec.cond.Broadcast()

	evt := "node.completed"
	if !succeeded {
		evt = "node.failed"
	}
	e.publishEvent(ec, nodeID, evt, nil)
}

// resolveReadiness is called with ec.mu held once a node's remaining
// readiness counter reaches zero: it is either enqueued to run, recursively
// skip-cascaded, or (for a non-branching source) simply run since every
// edge from a non-branching node always "has output" when its source
// succeeded.
func (e *Engine) resolveReadiness(ec *ExecutionContext, resolver *graph.Resolver, nodeID string, st *NodeState) {
	if st.poisoned && !st.anySatisfied {
		e.cascadeSkip(ec, resolver, nodeID)
		return
	}
	st.Status = StatusQueued
	ec.readyQueue = append(ec.readyQueue, nodeID)
}

// cascadeSkip marks nodeID and every node reachable exclusively through it
// as Skipped, decrementing still-pending dependents' counters along the
// way so the loop terminates rather than waiting forever on a skipped
// predecessor.
func (e *Engine) cascadeSkip(ec *ExecutionContext, resolver *graph.Resolver, nodeID string) {
	st := ec.NodeStates[nodeID]
	if st == nil || st.Status == StatusSkipped {
		return
	}
	st.Status = StatusSkipped
	now := time.Now()
	st.FinishedAt = &now
	for _, dep := range resolver.DependentsOf(nodeID) {
		depState, ok := ec.NodeStates[dep]
		if !ok {
			continue
		}
		depState.poisoned = true
		depState.remaining--
		if depState.remaining == 0 {
			e.resolveReadiness(ec, resolver, dep, depState)
		}
	}
}

// edgeHasOutput reports whether the edge from src to dst carries at least
// one item, i.e. whether a branching node actually emitted on that edge's
// source output channel.
func edgeHasOutput(resolver *graph.Resolver, src, dst string, output bundle.Bundle) bool {
	for _, e := range resolver.OutgoingEdges(src) {
		if e.TargetNodeID != dst {
			continue
		}
		if len(output.Channel(e.SourceOutput)) > 0 {
			return true
		}
	}
	return false
}

func (e *Engine) finalize(ec *ExecutionContext, reachable map[string]struct{}) *Result {
	res := &Result{
		NodeResults: make(map[string]NodeResult, len(ec.NodeStates)),
		Path:        ec.ExecutionPath,
	}
	res.TotalDurationMs = time.Since(ec.StartedAt).Milliseconds()

	anyFailed := false
	for id, st := range ec.NodeStates {
		var errv error
		if st.Err != nil {
			errv = st.Err
		}
		res.NodeResults[id] = NodeResult{Status: st.Status, Output: st.OutputBundle, Err: errv, DurationMs: st.DurationMs}
		switch st.Status {
		case StatusCompleted:
			res.Executed = append(res.Executed, id)
		case StatusFailed:
			res.Failed = append(res.Failed, id)
			anyFailed = true
		case StatusSkipped:
			res.Skipped = append(res.Skipped, id)
		}
	}

	switch {
	case ec.isCancelled():
		res.Status = PhaseCancelled
	case anyFailed && len(res.Executed) > 0:
		res.Status = PhasePartial
	case anyFailed:
		res.Status = PhaseFailed
	default:
		res.Status = PhaseCompleted
	}
	return res
}
