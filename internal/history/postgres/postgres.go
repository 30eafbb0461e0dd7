// Package postgres is the production history.Sink, grounded on the
// teacher's BunStore (internal/infrastructure/storage/bun_store.go): a
// single *bun.DB over pgdriver/pgdialect, one model struct per table,
// InitSchema creating tables if absent.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/smilemakc/flowcore/internal/history"
)

var _ history.Sink = (*Sink)(nil)

// Sink is a Postgres-backed History Sink.
type Sink struct {
	db *bun.DB
}

// New opens a connection pool against dsn. Schema must be created
// separately via InitSchema.
func New(dsn string) *Sink {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &Sink{db: bun.NewDB(sqldb, pgdialect.New())}
}

// NewWithDB wraps an already-configured *bun.DB, for callers that manage
// the connection pool themselves (tests, or a shared pool across sinks).
func NewWithDB(db *bun.DB) *Sink {
	return &Sink{db: db}
}

// InitSchema creates the execution, node_execution, and execution_log
// tables if they do not already exist (spec.md §6).
func (s *Sink) InitSchema(ctx context.Context) error {
	models := []interface{}{
		(*executionModel)(nil),
		(*nodeExecutionModel)(nil),
		(*logEntryModel)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Sink) Close() error { return s.db.Close() }

type executionModel struct {
	bun.BaseModel `bun:"table:execution,alias:ex"`

	ExecutionID uuid.UUID  `bun:"execution_id,pk"`
	WorkflowID  string     `bun:"workflow_id"`
	UserID      string     `bun:"user_id"`
	TriggerType string     `bun:"trigger_type"`
	Status      string     `bun:"status"`
	StartedAt   time.Time  `bun:"started_at"`
	FinishedAt  *time.Time `bun:"finished_at"`
	DurationMs  int64      `bun:"duration_ms"`
}

func (s *Sink) CreateExecution(ctx context.Context, rec history.ExecutionRecord) error {
	model := &executionModel{
		ExecutionID: rec.ExecutionID,
		WorkflowID:  rec.WorkflowID,
		UserID:      rec.UserID,
		TriggerType: rec.TriggerType,
		Status:      rec.Status,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		DurationMs:  rec.DurationMs,
	}
	_, err := s.db.NewInsert().Model(model).
		On("CONFLICT (execution_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("finished_at = EXCLUDED.finished_at").
		Set("duration_ms = EXCLUDED.duration_ms").
		Exec(ctx)
	return err
}

func (s *Sink) FindExecution(ctx context.Context, id uuid.UUID) (*history.ExecutionRecord, error) {
	model := new(executionModel)
	err := s.db.NewSelect().Model(model).Where("execution_id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &history.ExecutionRecord{
		ExecutionID: model.ExecutionID,
		WorkflowID:  model.WorkflowID,
		UserID:      model.UserID,
		TriggerType: model.TriggerType,
		Status:      model.Status,
		StartedAt:   model.StartedAt,
		FinishedAt:  model.FinishedAt,
		DurationMs:  model.DurationMs,
	}, nil
}

type nodeExecutionModel struct {
	bun.BaseModel `bun:"table:node_execution,alias:ne"`

	ID          int64          `bun:"id,pk,autoincrement"`
	ExecutionID uuid.UUID      `bun:"execution_id"`
	NodeID      string         `bun:"node_id"`
	Status      string         `bun:"status"`
	StartedAt   *time.Time     `bun:"started_at"`
	FinishedAt  *time.Time     `bun:"finished_at"`
	DurationMs  int64          `bun:"duration_ms"`
	Output      map[string]any `bun:"output,type:jsonb"`
	ErrorKind   string         `bun:"error_kind"`
	ErrorMsg    string         `bun:"error_msg"`
}

func (s *Sink) CreateNodeExecution(ctx context.Context, rec history.NodeExecutionRecord) error {
	model := &nodeExecutionModel{
		ExecutionID: rec.ExecutionID,
		NodeID:      rec.NodeID,
		Status:      rec.Status,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		DurationMs:  rec.DurationMs,
		Output:      rec.Output,
		ErrorKind:   rec.ErrorKind,
		ErrorMsg:    rec.ErrorMsg,
	}
	_, err := s.db.NewInsert().Model(model).Exec(ctx)
	return err
}

type logEntryModel struct {
	bun.BaseModel `bun:"table:execution_log,alias:el"`

	ID          int64          `bun:"id,pk,autoincrement"`
	ExecutionID uuid.UUID      `bun:"execution_id"`
	NodeID      string         `bun:"node_id"`
	Level       string         `bun:"level"`
	Message     string         `bun:"message"`
	Timestamp   time.Time      `bun:"timestamp"`
	Fields      map[string]any `bun:"fields,type:jsonb"`
}

func (s *Sink) AppendLog(ctx context.Context, entry history.LogEntry) error {
	model := &logEntryModel{
		ExecutionID: entry.ExecutionID,
		NodeID:      entry.NodeID,
		Level:       entry.Level,
		Message:     entry.Message,
		Timestamp:   entry.Timestamp,
		Fields:      entry.Fields,
	}
	_, err := s.db.NewInsert().Model(model).Exec(ctx)
	return err
}
