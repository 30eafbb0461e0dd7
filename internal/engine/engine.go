package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/flowcore/internal/eventbus"
	"github.com/smilemakc/flowcore/internal/history"
	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/bundle"
	"github.com/smilemakc/flowcore/pkg/graph"
)

// ErrUnknownExecution is returned by GetStatus/Cancel/Pause/Resume for an
// execution ID the Engine never admitted or has since forgotten.
var ErrUnknownExecution = errors.New("engine: unknown execution id")

// Config holds the Engine's own defaults, layered under the per-call
// Options (spec.md §6: CONCURRENCY/DEFAULT_TIMEOUT_MS/RETRIES/...).
type Config struct {
	MaxParallelNodes int
	DefaultTimeout   time.Duration
	DefaultRetry     RetryPolicy
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{MaxParallelNodes: 10, DefaultTimeout: 300 * time.Second, DefaultRetry: DefaultRetryPolicy()}
}

// Engine is the Flow Execution Engine (spec.md §4.2). One Engine instance
// drives any number of concurrent executions; each execution owns its own
// ExecutionContext.
//
// Grounded on the teacher's WorkflowEngine
// (internal/application/executor/engine.go): a struct holding injected
// collaborators (event store, node executors, planner) plus an
// EngineConfig, with ExecuteWorkflow as the public entry point —
// restructured so admission returns immediately (spec.md §9's "success
// reflects admission" resolution) and the scheduling loop runs on its own
// goroutine, reported via the returned *Execution handle.
type Engine struct {
	sandbox  sandbox.Sandbox
	varStore sandbox.VariableStore
	vault    sandbox.Vault
	bus      *eventbus.Bus
	sink     history.Sink
	cfg      Config

	mu         sync.RWMutex
	executions map[uuid.UUID]*Execution
}

// New builds an Engine. bus and sink may be nil (events/history become
// no-ops), which is convenient for unit tests that only care about
// scheduling behavior.
func New(sb sandbox.Sandbox, varStore sandbox.VariableStore, vault sandbox.Vault, bus *eventbus.Bus, sink history.Sink, cfg Config) *Engine {
	if cfg.MaxParallelNodes <= 0 {
		cfg.MaxParallelNodes = 1
	}
	return &Engine{
		sandbox:    sb,
		varStore:   varStore,
		vault:      vault,
		bus:        bus,
		sink:       sink,
		cfg:        cfg,
		executions: make(map[uuid.UUID]*Execution),
	}
}

func (e *Engine) maxParallel() int { return e.cfg.MaxParallelNodes }

// Execution is the handle returned immediately on admission; the
// scheduling loop continues on its own goroutine. Callers that need the
// terminal outcome call Wait.
type Execution struct {
	ID         uuid.UUID
	WorkflowID string
	ctx        *ExecutionContext
	cancelFn   context.CancelFunc
	done       chan struct{}
	result     *Result
	mu         sync.Mutex
}

// Status returns the execution's current coarse phase without blocking.
func (x *Execution) Status() Phase {
	select {
	case <-x.done:
		x.mu.Lock()
		defer x.mu.Unlock()
		return x.result.Status
	default:
	}
	if x.ctx.isPaused() {
		return PhasePaused
	}
	return PhaseRunning
}

// Wait blocks until the execution reaches a terminal state or ctx is
// cancelled.
func (x *Execution) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-x.done:
		x.mu.Lock()
		defer x.mu.Unlock()
		return x.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation; idempotent, safe after completion
// (spec.md §8 invariant 4).
func (x *Execution) Cancel() { x.ctx.requestCancel(); x.cancelFn() }

// Pause requests the scheduling loop stop dispatching new nodes. Already
// running nodes are not interrupted.
func (x *Execution) Pause() { x.ctx.requestPause() }

// Resume lifts a prior Pause.
func (x *Execution) Resume() { x.ctx.requestResume() }

func withOptionDefaults(opts Options, cfg Config) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = cfg.DefaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = cfg.DefaultRetry.MaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = cfg.DefaultRetry.BaseDelay
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = cfg.DefaultRetry.CapDelay
	}
	return opts
}

// ExecuteFromNode validates snap and starts a new execution at startID,
// seeded with an optional input bundle (e.g. a manual resume from a
// specific node). It returns as soon as the run is admitted; the terminal
// Result is obtained via Execution.Wait.
func (e *Engine) ExecuteFromNode(ctx context.Context, startID string, snap *graph.Snapshot, seed bundle.Bundle, userID string, opts Options, lookup NodeLookup) (*Execution, error) {
	resolver := graph.NewResolver(snap)
	if err := resolver.ValidateSafety(); err != nil {
		return nil, err
	}
	if _, ok := snap.NodeByID(startID); !ok {
		return nil, &graph.SafetyError{Kind: graph.KindNodeNotFound, Nodes: []string{startID}}
	}
	return e.start(ctx, resolver, startID, seed, "", nil, userID, opts, lookup)
}

// ExecuteFromTrigger validates snap and starts a new execution at
// triggerNodeID, seeding it with triggerData on the main channel.
func (e *Engine) ExecuteFromTrigger(ctx context.Context, triggerNodeID string, snap *graph.Snapshot, triggerData map[string]any, triggerType, userID string, opts Options, lookup NodeLookup) (*Execution, error) {
	resolver := graph.NewResolver(snap)
	if err := resolver.ValidateSafety(); err != nil {
		return nil, err
	}
	if _, ok := snap.NodeByID(triggerNodeID); !ok {
		return nil, &graph.SafetyError{Kind: graph.KindNodeNotFound, Nodes: []string{triggerNodeID}}
	}
	seed := bundle.Seed(triggerData)
	return e.start(ctx, resolver, triggerNodeID, seed, triggerType, triggerData, userID, opts, lookup)
}

func (e *Engine) start(ctx context.Context, resolver *graph.Resolver, startID string, seed bundle.Bundle, triggerType string, triggerData map[string]any, userID string, opts Options, lookup NodeLookup) (*Execution, error) {
	opts = withOptionDefaults(opts, e.cfg)
	ec := newExecutionContext(resolver.Snapshot().WorkflowID, userID, triggerType, triggerData, opts)

	runCtx, cancel := context.WithCancel(ctx)
	x := &Execution{
		ID:         ec.ExecutionID,
		WorkflowID: ec.WorkflowID,
		ctx:        ec,
		cancelFn:   cancel,
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	e.executions[x.ID] = x
	e.mu.Unlock()

	e.recordExecutionStart(ctx, ec)

	go func() {
		defer cancel()
		result := e.run(runCtx, ec, resolver, startID, seed, lookup)
		x.mu.Lock()
		x.result = result
		x.mu.Unlock()
		close(x.done)
		e.recordExecutionEnd(context.Background(), ec, result)
	}()

	return x, nil
}

// GetStatus returns the coarse phase of a previously admitted execution.
func (e *Engine) GetStatus(id uuid.UUID) (Phase, error) {
	e.mu.RLock()
	x, ok := e.executions[id]
	e.mu.RUnlock()
	if !ok {
		return "", ErrUnknownExecution
	}
	return x.Status(), nil
}

// Cancel requests cancellation of a previously admitted execution.
// Idempotent; Cancel on an already-terminal execution is a no-op
// (spec.md §8 invariant 4).
func (e *Engine) Cancel(id uuid.UUID) error {
	x, err := e.lookup(id)
	if err != nil {
		return err
	}
	x.Cancel()
	return nil
}

// Pause requests that a running execution stop dispatching new nodes.
func (e *Engine) Pause(id uuid.UUID) error {
	x, err := e.lookup(id)
	if err != nil {
		return err
	}
	x.Pause()
	return nil
}

// Resume lifts a prior Pause.
func (e *Engine) Resume(id uuid.UUID) error {
	x, err := e.lookup(id)
	if err != nil {
		return err
	}
	x.Resume()
	return nil
}

func (e *Engine) lookup(id uuid.UUID) (*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.executions[id]
	if !ok {
		return nil, ErrUnknownExecution
	}
	return x, nil
}

func (e *Engine) publishEvent(ec *ExecutionContext, nodeID, eventType string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type:        eventType,
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		NodeID:      nodeID,
		Timestamp:   time.Now(),
		Data:        data,
	})
}

func (e *Engine) recordExecutionStart(ctx context.Context, ec *ExecutionContext) {
	if e.sink == nil {
		return
	}
	_ = e.sink.CreateExecution(ctx, history.ExecutionRecord{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		UserID:      ec.UserID,
		TriggerType: ec.TriggerType,
		Status:      string(PhaseRunning),
		StartedAt:   ec.StartedAt,
	})
}

func (e *Engine) recordExecutionEnd(ctx context.Context, ec *ExecutionContext, result *Result) {
	if e.sink == nil {
		return
	}
	finishedAt := time.Now()
	_ = e.sink.CreateExecution(ctx, history.ExecutionRecord{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		UserID:      ec.UserID,
		TriggerType: ec.TriggerType,
		Status:      string(result.Status),
		StartedAt:   ec.StartedAt,
		FinishedAt:  &finishedAt,
		DurationMs:  result.TotalDurationMs,
	})
	for nodeID, nr := range result.NodeResults {
		rec := history.NodeExecutionRecord{
			ExecutionID: ec.ExecutionID,
			NodeID:      nodeID,
			Status:      string(nr.Status),
			DurationMs:  nr.DurationMs,
		}
		if st := ec.NodeStates[nodeID]; st != nil {
			rec.StartedAt = st.StartedAt
			rec.FinishedAt = st.FinishedAt
		}
		if ee, ok := nr.Err.(*sandbox.ExecError); ok && ee != nil {
			rec.ErrorKind = string(ee.Kind)
			rec.ErrorMsg = ee.Message
		}
		_ = e.sink.CreateNodeExecution(ctx, rec)
	}
}
