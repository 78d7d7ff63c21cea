package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/alignflow/internal/application/pipeline"
	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/aescanero/alignflow/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRunFinished is returned when cancelling a run that already ended
var ErrRunFinished = errors.New("run already finished")

// Manager accepts run requests and executes them on the scheduler
type Manager struct {
	builder   *pipeline.Builder
	scheduler *Scheduler
	eventBus  ports.EventBus
	storage   ports.RunStorage
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	// active runs
	runs   sync.Map // map[string]*runContext
	active atomic.Int64
	wg     sync.WaitGroup

	runTimeout  time.Duration
	concurrency int
}

// runContext holds the control state of one active run
type runContext struct {
	runID      string
	status     domain.RunStatus
	startedAt  time.Time
	cancelFunc context.CancelFunc
	done       chan struct{}
	mu         sync.RWMutex
}

// NewManager creates a new run manager. concurrency bounds the number of
// stages one run executes at once; runTimeout bounds a whole run. Zero
// values disable either bound.
func NewManager(
	builder *pipeline.Builder,
	scheduler *Scheduler,
	eventBus ports.EventBus,
	storage ports.RunStorage,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	runTimeout time.Duration,
	concurrency int,
) *Manager {
	return &Manager{
		builder:     builder,
		scheduler:   scheduler,
		eventBus:    eventBus,
		storage:     storage,
		metrics:     metrics,
		logger:      logger,
		runTimeout:  runTimeout,
		concurrency: concurrency,
	}
}

// SubmitRun builds and validates the pipeline for req, stores the initial
// report and starts executing it in the background.
func (m *Manager) SubmitRun(ctx context.Context, req pipeline.Request) (*domain.Report, error) {
	p, report, err := m.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := m.runContext(context.Background())
	rc := m.track(report.RunID, cancel)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = m.execute(runCtx, rc, p, report)
	}()

	return report.Clone(), nil
}

// Run builds the pipeline for req and executes it synchronously
func (m *Manager) Run(ctx context.Context, req pipeline.Request) (*domain.Report, error) {
	p, report, err := m.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := m.runContext(ctx)
	rc := m.track(report.RunID, cancel)

	m.wg.Add(1)
	defer m.wg.Done()
	return m.execute(runCtx, rc, p, report)
}

func (m *Manager) prepare(ctx context.Context, req pipeline.Request) (*domain.Pipeline, *domain.Report, error) {
	p, err := m.builder.Build(req)
	if err != nil {
		m.logger.Error("pipeline validation failed", zap.Error(err))
		m.metrics.RecordRunSubmitted("rejected")
		return nil, nil, fmt.Errorf("validation failed: %w", err)
	}

	report := domain.NewReport(uuid.New().String(), p)

	if err := m.storage.SaveReport(ctx, report.Clone()); err != nil {
		m.logger.Error("failed to save initial report",
			zap.String("run_id", report.RunID),
			zap.Error(err))
		return nil, nil, fmt.Errorf("failed to save report: %w", err)
	}

	m.publishEvent(ctx, report.RunID, domain.EventTypeRunSubmitted, map[string]interface{}{
		"pipeline_id": p.ID,
		"reference":   p.Reference,
		"stages":      len(p.Stages),
	})

	m.metrics.RecordRunSubmitted(string(domain.RunStatusSubmitted))
	m.logger.Info("run submitted",
		zap.String("run_id", report.RunID),
		zap.String("pipeline_id", p.ID),
		zap.Int("stages", len(p.Stages)))

	return p, report, nil
}

func (m *Manager) runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if m.runTimeout > 0 {
		return context.WithTimeout(parent, m.runTimeout)
	}
	return context.WithCancel(parent)
}

func (m *Manager) track(runID string, cancel context.CancelFunc) *runContext {
	rc := &runContext{
		runID:      runID,
		status:     domain.RunStatusSubmitted,
		startedAt:  time.Now(),
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}
	m.runs.Store(runID, rc)
	return rc
}

func (m *Manager) execute(ctx context.Context, rc *runContext, p *domain.Pipeline, report *domain.Report) (*domain.Report, error) {
	defer m.runs.Delete(rc.runID)
	defer rc.cancelFunc()
	defer close(rc.done)

	rc.mu.Lock()
	rc.status = domain.RunStatusRunning
	rc.mu.Unlock()
	m.metrics.SetActiveRuns(int(m.active.Add(1)))

	final, err := m.scheduler.Run(ctx, report, p, m.concurrency)

	m.metrics.SetActiveRuns(int(m.active.Add(-1)))
	rc.mu.Lock()
	rc.status = final.Status
	rc.mu.Unlock()

	duration := time.Since(rc.startedAt)
	m.metrics.RecordRunCompleted(string(final.Status), duration)

	eventType := domain.EventTypeRunCompleted
	switch final.Status {
	case domain.RunStatusFailed:
		eventType = domain.EventTypeRunFailed
	case domain.RunStatusCancelled:
		eventType = domain.EventTypeRunCancelled
	}
	m.publishEvent(context.WithoutCancel(ctx), rc.runID, eventType, map[string]interface{}{
		"status":       string(final.Status),
		"outputs":      final.Outputs,
		"failed":       final.Failed,
		"not_executed": final.NotExecuted,
		"error":        final.Error,
	})

	m.logger.Info("run completed",
		zap.String("run_id", rc.runID),
		zap.String("status", string(final.Status)),
		zap.Duration("duration", duration))

	return final, err
}

// GetReport returns the latest stored report of a run
func (m *Manager) GetReport(ctx context.Context, runID string) (*domain.Report, error) {
	report, err := m.storage.GetReport(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return report, nil
}

// ListRuns returns the stored reports of all known runs
func (m *Manager) ListRuns(ctx context.Context) ([]*domain.Report, error) {
	reports, err := m.storage.ListReports(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return reports, nil
}

// CancelRun stops dispatching new stages of a run and interrupts the
// stages it is executing. The final report records the run as cancelled.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	val, ok := m.runs.Load(runID)
	if !ok {
		if _, err := m.storage.GetReport(ctx, runID); err == nil {
			return ErrRunFinished
		}
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}

	rc := val.(*runContext)
	rc.mu.RLock()
	status := rc.status
	rc.mu.RUnlock()

	if status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrRunFinished, status)
	}

	rc.cancelFunc()
	m.logger.Info("run cancellation requested", zap.String("run_id", runID))
	return nil
}

// Wait blocks until the run finishes or ctx is done and returns the
// latest stored report.
func (m *Manager) Wait(ctx context.Context, runID string) (*domain.Report, error) {
	if val, ok := m.runs.Load(runID); ok {
		select {
		case <-val.(*runContext).done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.GetReport(ctx, runID)
}

// ActiveRuns returns the number of runs currently executing
func (m *Manager) ActiveRuns() int {
	return int(m.active.Load())
}

// Shutdown cancels all active runs and waits for them to finish
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down run manager")

	m.runs.Range(func(key, value interface{}) bool {
		value.(*runContext).cancelFunc()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("run manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

func (m *Manager) publishEvent(ctx context.Context, runID string, eventType domain.EventType, data map[string]interface{}) {
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := m.eventBus.Publish(ctx, domain.TopicRunEvents, event); err != nil {
		m.logger.Error("failed to publish run event",
			zap.String("run_id", runID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
