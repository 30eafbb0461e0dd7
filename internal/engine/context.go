// Package engine implements the Flow Execution Engine (spec.md §4.2): it
// orchestrates one execution of a workflow snapshot from a start node to
// completion, maintaining correct dependency ordering and bounded
// per-execution concurrency.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/flowcore/internal/sandbox"
	"github.com/smilemakc/flowcore/pkg/bundle"
)

// NodeStatus is the lifecycle state of one node within one execution
// (spec.md §3).
type NodeStatus string

const (
	StatusIdle      NodeStatus = "Idle"
	StatusQueued    NodeStatus = "Queued"
	StatusRunning   NodeStatus = "Running"
	StatusCompleted NodeStatus = "Completed"
	StatusFailed    NodeStatus = "Failed"
	StatusCancelled NodeStatus = "Cancelled"
	StatusSkipped   NodeStatus = "Skipped"
)

// NodeState tracks one node's progress through one execution.
type NodeState struct {
	Status       NodeStatus
	Dependencies map[string]struct{}
	Dependents   map[string]struct{}
	StartedAt    *time.Time
	FinishedAt   *time.Time
	DurationMs   int64
	Progress     int
	InputBundle  bundle.Bundle
	OutputBundle bundle.Bundle
	Err          *sandbox.ExecError

	// remaining counts unsatisfied dependencies; decremented as each
	// predecessor completes. This is the explicit readiness counter from
	// spec.md §9's redesign note, replacing the source's blind re-queue.
	remaining int
	// poisoned is set once any incoming edge resolves without producing
	// output (a failed, non-continueOnFail predecessor, or an untaken
	// branch). anySatisfied is set once any incoming edge does produce
	// output. A node with remaining==0 runs if anySatisfied, otherwise it
	// is skip-cascaded.
	poisoned     bool
	anySatisfied bool
}

// Options carries the per-execution overrides named in spec.md §3/§6.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
}

// ExecutionContext is the mutable state owned by exactly one Engine
// instance for the lifetime of one run (spec.md §3). The driver goroutine
// pops the ready queue and the per-node worker goroutines record outcomes
// in completeNode; every mutation of the queue and node states happens
// under mu, and workers wake the driver through cond.
type ExecutionContext struct {
	ExecutionID uuid.UUID
	WorkflowID  string
	UserID      string
	TriggerType string
	TriggerData map[string]any
	StartedAt   time.Time
	Options     Options

	mu            sync.Mutex
	cond          *sync.Cond
	cancelled     bool
	paused        bool
	NodeStates    map[string]*NodeState
	ExecutionPath []string
	readyQueue    []string
	running       int
}

func newExecutionContext(workflowID, userID, triggerType string, triggerData map[string]any, opts Options) *ExecutionContext {
	ec := &ExecutionContext{
		ExecutionID: uuid.New(),
		WorkflowID:  workflowID,
		UserID:      userID,
		TriggerType: triggerType,
		TriggerData: triggerData,
		StartedAt:   time.Now(),
		Options:     opts,
		NodeStates:  make(map[string]*NodeState),
	}
	ec.cond = sync.NewCond(&ec.mu)
	return ec
}

func (ec *ExecutionContext) isCancelled() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cancelled
}

func (ec *ExecutionContext) isPaused() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.paused
}

// requestCancel sets the cancellation flag and wakes any goroutine
// blocked waiting for queue activity. Idempotent (spec.md §8 invariant 4).
func (ec *ExecutionContext) requestCancel() {
	ec.mu.Lock()
	ec.cancelled = true
	ec.readyQueue = nil
	ec.mu.Unlock()
	ec.cond.Broadcast()
}

func (ec *ExecutionContext) requestPause() {
	ec.mu.Lock()
	ec.paused = true
	ec.mu.Unlock()
}

func (ec *ExecutionContext) requestResume() {
	ec.mu.Lock()
	ec.paused = false
	ec.mu.Unlock()
	ec.cond.Broadcast()
}

func (ec *ExecutionContext) enqueue(nodeID string) {
	ec.mu.Lock()
	ec.readyQueue = append(ec.readyQueue, nodeID)
	ec.mu.Unlock()
	ec.cond.Broadcast()
}
