package engine

import "github.com/smilemakc/flowcore/pkg/bundle"

// Phase is the coarse-grained lifecycle phase of an execution, surfaced by
// GetStatus while a run is still in flight or just after it finishes.
type Phase string

const (
	PhaseRunning   Phase = "Running"
	PhasePaused    Phase = "Paused"
	PhaseCompleted Phase = "Completed"
	PhaseFailed    Phase = "Failed"
	PhaseCancelled Phase = "Cancelled"
	PhasePartial   Phase = "Partial"
)

// NodeResult is the terminal outcome recorded for one node in one execution.
type NodeResult struct {
	Status     NodeStatus
	Output     bundle.Bundle
	Err        error
	DurationMs int64
}

// Result is the terminal outcome of one execution (spec.md §4.2).
type Result struct {
	Status          Phase
	Executed        []string
	Failed          []string
	Skipped         []string
	Path            []string
	TotalDurationMs int64
	NodeResults     map[string]NodeResult
}
