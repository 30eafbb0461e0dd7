// Package memory is an in-process history.Sink used in tests and for the
// cmd/flowrunner demo, grounded on the teacher's
// internal/infrastructure/storage/memory.go map-backed store.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/smilemakc/flowcore/internal/history"
)

var _ history.Sink = (*Sink)(nil)

type Sink struct {
	mu         sync.RWMutex
	executions map[uuid.UUID]*history.ExecutionRecord
	nodes      map[uuid.UUID][]history.NodeExecutionRecord
	logs       map[uuid.UUID][]history.LogEntry
}

func New() *Sink {
	return &Sink{
		executions: make(map[uuid.UUID]*history.ExecutionRecord),
		nodes:      make(map[uuid.UUID][]history.NodeExecutionRecord),
		logs:       make(map[uuid.UUID][]history.LogEntry),
	}
}

func (s *Sink) CreateExecution(_ context.Context, rec history.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec
	s.executions[rec.ExecutionID] = &cp
	return nil
}

func (s *Sink) CreateNodeExecution(_ context.Context, rec history.NodeExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[rec.ExecutionID] = append(s.nodes[rec.ExecutionID], rec)
	return nil
}

func (s *Sink) AppendLog(_ context.Context, entry history.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], entry)
	return nil
}

func (s *Sink) FindExecution(_ context.Context, id uuid.UUID) (*history.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// NodeExecutions returns the recorded node outcomes for one execution, in
// append order. Test-only accessor; not part of history.Sink.
func (s *Sink) NodeExecutions(id uuid.UUID) []history.NodeExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]history.NodeExecutionRecord(nil), s.nodes[id]...)
}
