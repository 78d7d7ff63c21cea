// Package ports declares the interfaces the application layer consumes.
// Adapters under pkg/adapters implement them.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/alignflow/pkg/domain"
)

// Invocation is one resolved external program call
type Invocation struct {
	Tool string
	Path string
	Args []string
}

// ToolResult is the outcome of a piped tool invocation
type ToolResult struct {
	ExitStatus  int
	Stdout      []byte
	Diagnostics string
	Duration    time.Duration
}

// ToolRunner executes a pipe of invocations, the standard output of each
// feeding the standard input of the next. Failures are *domain.ToolError
// values wrapping domain.ErrToolNotFound or domain.ErrToolFailed.
type ToolRunner interface {
	Run(ctx context.Context, pipe []Invocation) (*ToolResult, error)
}

// EventHandler handles a published event
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes run and stage events
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// RunStorage persists run reports
type RunStorage interface {
	SaveReport(ctx context.Context, report *domain.Report) error
	GetReport(ctx context.Context, runID string) (*domain.Report, error)
	DeleteReport(ctx context.Context, runID string) error
	ListReports(ctx context.Context) ([]*domain.Report, error)
}

// MetricsCollector records orchestrator metrics
type MetricsCollector interface {
	RecordRunSubmitted(status string)
	RecordRunCompleted(status string, duration time.Duration)
	RecordStageExecuted(kind string, state string, duration time.Duration)
	RecordStageFailure(kind string, errorKind string)
	RecordToolExecution(tool string, duration time.Duration, failed bool)
	SetActiveRuns(count int)
	AddReadyStages(delta int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}
