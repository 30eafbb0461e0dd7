// Package history implements the History Sink (spec.md §4.6): a narrow
// persistence boundary the Engine writes through, deliberately excluding
// any query/reporting surface (that belongs to an outer layer per
// spec.md §1 Non-goals).
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExecutionRecord is the durable row written once an execution reaches a
// terminal phase (and, for CreateExecution, once it starts).
type ExecutionRecord struct {
	ExecutionID uuid.UUID
	WorkflowID  string
	UserID      string
	TriggerType string
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	DurationMs  int64
}

// NodeExecutionRecord is the durable row for one node's terminal outcome
// within one execution.
type NodeExecutionRecord struct {
	ExecutionID uuid.UUID
	NodeID      string
	Status      string
	StartedAt   *time.Time
	FinishedAt  *time.Time
	DurationMs  int64
	Output      map[string]any
	ErrorKind   string
	ErrorMsg    string
}

// LogEntry is one structured log line attached to an execution, used for
// the free-form diagnostic trail distinct from the typed node records.
type LogEntry struct {
	ExecutionID uuid.UUID
	NodeID      string
	Level       string
	Message     string
	Timestamp   time.Time
	Fields      map[string]any
}

// Sink is the narrow interface the Engine depends on (spec.md §4.6). It
// intentionally has no list/search/aggregate operations.
type Sink interface {
	CreateExecution(ctx context.Context, rec ExecutionRecord) error
	CreateNodeExecution(ctx context.Context, rec NodeExecutionRecord) error
	AppendLog(ctx context.Context, entry LogEntry) error
	FindExecution(ctx context.Context, id uuid.UUID) (*ExecutionRecord, error)
}
