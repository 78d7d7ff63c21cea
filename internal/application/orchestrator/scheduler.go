package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aescanero/alignflow/internal/application/artifacts"
	"github.com/aescanero/alignflow/internal/application/workers"
	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/aescanero/alignflow/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher hands stage jobs to workers. Submit blocks until a worker
// accepts the job.
type Dispatcher interface {
	Submit(ctx context.Context, job workers.Job) error
}

// Scheduler drives one pipeline run at a time per Run call. Several runs
// may share a Scheduler and its Dispatcher.
type Scheduler struct {
	dispatcher   Dispatcher
	runner       ports.ToolRunner
	eventBus     ports.EventBus
	storage      ports.RunStorage
	metrics      ports.MetricsCollector
	logger       *zap.Logger
	stageTimeout time.Duration
}

// NewScheduler creates a scheduler. A zero stageTimeout disables the
// per-stage deadline.
func NewScheduler(
	dispatcher Dispatcher,
	runner ports.ToolRunner,
	eventBus ports.EventBus,
	storage ports.RunStorage,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	stageTimeout time.Duration,
) *Scheduler {
	return &Scheduler{
		dispatcher:   dispatcher,
		runner:       runner,
		eventBus:     eventBus,
		storage:      storage,
		metrics:      metrics,
		logger:       logger,
		stageTimeout: stageTimeout,
	}
}

// run is the mutable state of one pipeline run. It is owned by the
// scheduling loop; workers only report back through outcomes.
type run struct {
	id       string
	pipeline *domain.Pipeline
	store    *artifacts.Store
	states   map[string]domain.StageState
	report   *domain.Report
	running  int
	firstErr error
	haltErr  error
	logger   *zap.Logger
}

// prepared is a stage that passed its dispatch-time checks
type prepared struct {
	stage   *domain.Stage
	pipe    []ports.Invocation
	decls   map[string]*domain.Artifact
	staging map[string]string
}

type outcome struct {
	stageID   string
	result    *ports.ToolResult
	outputs   []*domain.Artifact
	err       error
	startedAt time.Time
	duration  time.Duration
}

// Run executes the pipeline and returns its final report.
//
// At most limit stages of this run execute at once (limit <= 0 means no
// per-run bound); the dispatcher bounds execution across runs. A stage
// becomes Ready when every stage it depends on has Succeeded. A failed
// stage leaves its dependents Pending and does not stop unrelated
// stages. Cancelling ctx stops new dispatches; stages that never ran are
// listed in Report.NotExecuted.
//
// The returned error is nil only when every stage succeeded. Otherwise it
// is the first *domain.StageError observed, or the context error.
func (s *Scheduler) Run(ctx context.Context, report *domain.Report, p *domain.Pipeline, limit int) (*domain.Report, error) {
	if report == nil {
		report = domain.NewReport(uuid.New().String(), p)
	}
	if limit <= 0 {
		limit = len(p.Stages)
	}

	r := &run{
		id:       report.RunID,
		pipeline: p,
		store:    artifacts.NewStore(),
		states:   make(map[string]domain.StageState, len(p.Stages)),
		report:   report,
		logger:   s.logger.With(zap.String("run_id", report.RunID)),
	}
	for _, st := range p.Stages {
		r.states[st.ID] = domain.StageStatePending
	}
	if err := r.store.Seed(p.Inputs); err != nil {
		return s.finish(ctx, r, fmt.Errorf("failed to seed artifacts: %w", err))
	}

	now := time.Now()
	r.report.Status = domain.RunStatusRunning
	r.report.StartedAt = &now
	s.saveReport(ctx, r)

	r.logger.Info("run started",
		zap.String("pipeline_id", p.ID),
		zap.Int("stages", len(p.Stages)),
		zap.Int("limit", limit))

	results := make(chan outcome, len(p.Stages))

	for {
		s.promote(ctx, r)

		for r.running < limit && ctx.Err() == nil && r.haltErr == nil {
			st := r.nextReady()
			if st == nil {
				break
			}
			s.dispatch(ctx, r, st, results)
		}

		if r.running == 0 {
			break
		}

		o := <-results
		r.running--
		s.complete(ctx, r, o)
	}

	return s.finish(ctx, r, nil)
}

// promote moves Pending stages whose dependencies all Succeeded to Ready
func (s *Scheduler) promote(ctx context.Context, r *run) {
	for _, st := range r.pipeline.Stages {
		if r.states[st.ID] != domain.StageStatePending {
			continue
		}
		ready := true
		for _, dep := range r.pipeline.Dependencies(st.ID) {
			if r.states[dep] != domain.StageStateSucceeded {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if err := r.transition(st.ID, domain.StageStateReady); err != nil {
			r.logger.Error("invalid stage transition", zap.String("stage_id", st.ID), zap.Error(err))
			continue
		}
		s.metrics.AddReadyStages(1)
		s.publishEvent(ctx, r.id, st.ID, domain.EventTypeStageReady, nil)
	}
}

// nextReady returns the first Ready stage in pipeline order
func (r *run) nextReady() *domain.Stage {
	for _, st := range r.pipeline.Stages {
		if r.states[st.ID] == domain.StageStateReady {
			return st
		}
	}
	return nil
}

func (r *run) transition(stageID string, to domain.StageState) error {
	from := r.states[stageID]
	if err := domain.Transition(from, to); err != nil {
		return fmt.Errorf("stage %s: %w", stageID, err)
	}
	r.states[stageID] = to
	if res := r.report.Stage(stageID); res != nil {
		res.State = to
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, r *run, st *domain.Stage, results chan<- outcome) {
	prep, err := s.prepare(r, st)
	if err != nil {
		s.metrics.AddReadyStages(-1)
		s.fail(ctx, r, st, time.Now(), 0, err, nil)
		s.saveReport(ctx, r)
		return
	}

	job := workers.Job{
		ID: r.id + "/" + st.ID,
		Run: func(jctx context.Context) {
			started := time.Now()
			defer func() {
				if rec := recover(); rec != nil {
					results <- outcome{
						stageID:   st.ID,
						err:       fmt.Errorf("stage panicked: %v", rec),
						startedAt: started,
						duration:  time.Since(started),
					}
				}
			}()
			results <- s.execute(jctx, prep)
		},
	}

	if err := s.dispatcher.Submit(ctx, job); err != nil {
		discardAll(prep.staging)
		if ctx.Err() == nil {
			r.haltErr = fmt.Errorf("failed to dispatch stage %s: %w", st.ID, err)
			r.logger.Error("failed to dispatch stage", zap.String("stage_id", st.ID), zap.Error(err))
		}
		return
	}

	if err := r.transition(st.ID, domain.StageStateRunning); err != nil {
		r.logger.Error("invalid stage transition", zap.String("stage_id", st.ID), zap.Error(err))
	}
	s.metrics.AddReadyStages(-1)
	r.running++

	now := time.Now()
	r.report.Stage(st.ID).StartedAt = &now
	s.saveReport(ctx, r)

	r.logger.Info("stage started",
		zap.String("stage_id", st.ID),
		zap.Strings("tools", st.Tools()))
	s.publishEvent(ctx, r.id, st.ID, domain.EventTypeStageStarted, map[string]interface{}{
		"tools": st.Tools(),
	})
}

// prepare runs the dispatch-time checks and binds the stage's command
// templates. Outputs are bound to fresh staging paths.
func (s *Scheduler) prepare(r *run, st *domain.Stage) (*prepared, error) {
	for _, in := range st.Inputs {
		a, ok := r.store.Get(in)
		if !ok {
			return nil, fmt.Errorf("%w: %s has not been published", domain.ErrMissingInput, in)
		}
		if _, err := os.Stat(a.Path); err != nil {
			return nil, fmt.Errorf("%w: %s not found at %s", domain.ErrMissingInput, in, a.Path)
		}
	}

	var indexPath string
	if st.IndexQuery != nil {
		path, err := r.store.Discover(*st.IndexQuery)
		if err != nil {
			return nil, err
		}
		indexPath = path
	}

	prep := &prepared{
		stage:   st,
		decls:   make(map[string]*domain.Artifact, len(st.Outputs)),
		staging: make(map[string]string, len(st.Outputs)),
	}
	for _, out := range st.Outputs {
		decl := r.pipeline.Declared[out]
		staging, err := artifacts.StagingPath(decl.Path, decl.Dir)
		if err != nil {
			discardAll(prep.staging)
			return nil, err
		}
		prep.decls[out] = decl
		prep.staging[out] = staging
	}

	for _, cmd := range st.Commands {
		inv := ports.Invocation{Tool: cmd.Tool, Path: cmd.Path}
		for _, arg := range cmd.Args {
			switch {
			case arg.Index:
				inv.Args = append(inv.Args, indexPath)
			case arg.Artifact != "":
				path, ok := prep.staging[arg.Artifact]
				if !ok {
					a, _ := r.store.Get(arg.Artifact)
					if a == nil {
						discardAll(prep.staging)
						return nil, fmt.Errorf("%w: %s has not been published", domain.ErrMissingInput, arg.Artifact)
					}
					path = a.Path
				}
				if arg.Member != "" {
					path = filepath.Join(path, arg.Member)
				}
				inv.Args = append(inv.Args, path)
			default:
				inv.Args = append(inv.Args, arg.Literal)
			}
		}
		prep.pipe = append(prep.pipe, inv)
	}
	return prep, nil
}

// execute runs on a worker: invoke the tools, verify and commit outputs
func (s *Scheduler) execute(ctx context.Context, prep *prepared) outcome {
	if s.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stageTimeout)
		defer cancel()
	}

	o := outcome{stageID: prep.stage.ID, startedAt: time.Now()}

	res, err := s.runner.Run(ctx, prep.pipe)
	o.result = res
	s.recordTools(prep.pipe, res, err)
	if err != nil {
		discardAll(prep.staging)
		o.err = err
		o.duration = time.Since(o.startedAt)
		return o
	}

	members := make(map[string][]string, len(prep.staging))
	for _, out := range prep.stage.Outputs {
		decl := prep.decls[out]
		files, err := artifacts.Verify(prep.staging[out], decl.Dir)
		if err != nil {
			discardAll(prep.staging)
			o.err = err
			o.duration = time.Since(o.startedAt)
			return o
		}
		members[out] = files
	}

	for _, out := range prep.stage.Outputs {
		decl := prep.decls[out]
		if err := artifacts.Commit(prep.staging[out], decl.Path, decl.Dir); err != nil {
			discardAll(prep.staging)
			o.err = err
			o.duration = time.Since(o.startedAt)
			return o
		}
		a := decl.Clone()
		for _, m := range members[out] {
			a.Files = append(a.Files, filepath.Join(decl.Path, m))
		}
		o.outputs = append(o.outputs, a)
	}

	o.duration = time.Since(o.startedAt)
	return o
}

// complete records a finished stage and publishes its outputs
func (s *Scheduler) complete(ctx context.Context, r *run, o outcome) {
	st, _ := r.pipeline.Stage(o.stageID)

	if o.err == nil {
		for _, a := range o.outputs {
			if err := r.store.Publish(a); err != nil {
				o.err = err
				break
			}
		}
	}
	if o.err != nil {
		s.fail(ctx, r, st, o.startedAt, o.duration, o.err, o.result)
		s.saveReport(ctx, r)
		return
	}

	if err := r.transition(st.ID, domain.StageStateSucceeded); err != nil {
		r.logger.Error("invalid stage transition", zap.String("stage_id", st.ID), zap.Error(err))
	}
	res := r.report.Stage(st.ID)
	completed := o.startedAt.Add(o.duration)
	res.CompletedAt = &completed
	if o.result != nil {
		res.ExitStatus = o.result.ExitStatus
		res.Diagnostics = o.result.Diagnostics
	}
	paths := make([]string, 0, len(o.outputs))
	for _, a := range o.outputs {
		res.Outputs = append(res.Outputs, *a)
		paths = append(paths, a.Path)
	}

	s.metrics.RecordStageExecuted(string(st.Kind), string(domain.StageStateSucceeded), o.duration)
	r.logger.Info("stage succeeded",
		zap.String("stage_id", st.ID),
		zap.Strings("outputs", paths),
		zap.Duration("duration", o.duration))
	s.publishEvent(ctx, r.id, st.ID, domain.EventTypeStageSucceeded, map[string]interface{}{
		"outputs": paths,
	})
	s.saveReport(ctx, r)
}

// fail moves a Ready or Running stage to Failed
func (s *Scheduler) fail(ctx context.Context, r *run, st *domain.Stage, started time.Time, d time.Duration, err error, result *ports.ToolResult) {
	se := newStageError(st.ID, err, result)
	if terr := r.transition(st.ID, domain.StageStateFailed); terr != nil {
		r.logger.Error("invalid stage transition", zap.String("stage_id", st.ID), zap.Error(terr))
	}
	if r.firstErr == nil {
		r.firstErr = se
	}

	kind := domain.KindOf(se)
	res := r.report.Stage(st.ID)
	completed := started.Add(d)
	res.CompletedAt = &completed
	res.ErrorKind = kind
	res.Error = se.Error()
	res.ExitStatus = se.ExitStatus
	res.Diagnostics = se.Diagnostics

	s.metrics.RecordStageFailure(string(st.Kind), string(kind))
	s.metrics.RecordStageExecuted(string(st.Kind), string(domain.StageStateFailed), d)
	r.logger.Warn("stage failed",
		zap.String("stage_id", st.ID),
		zap.String("error_kind", string(kind)),
		zap.Int("exit_status", se.ExitStatus),
		zap.Error(se))
	s.publishEvent(ctx, r.id, st.ID, domain.EventTypeStageFailed, map[string]interface{}{
		"error_kind":  string(kind),
		"error":       se.Error(),
		"exit_status": se.ExitStatus,
	})
}

// finish fills in the summary fields of the report and saves it
func (s *Scheduler) finish(ctx context.Context, r *run, setupErr error) (*domain.Report, error) {
	rep := r.report
	rep.Outputs, rep.Failed, rep.NotExecuted = nil, nil, nil

	for _, st := range r.pipeline.Stages {
		switch r.states[st.ID] {
		case domain.StageStateSucceeded:
			for _, out := range st.Outputs {
				if a, ok := r.store.Get(out); ok {
					rep.Outputs = append(rep.Outputs, a.Path)
				}
			}
		case domain.StageStateFailed:
			rep.Failed = append(rep.Failed, st.ID)
		case domain.StageStateReady:
			s.metrics.AddReadyStages(-1)
			rep.NotExecuted = append(rep.NotExecuted, st.ID)
		default:
			rep.NotExecuted = append(rep.NotExecuted, st.ID)
		}
	}

	var err error
	switch {
	case setupErr != nil:
		err = setupErr
		rep.Status = domain.RunStatusFailed
	case errors.Is(ctx.Err(), context.Canceled):
		// stages interrupted by the cancellation are still listed as failed
		err = fmt.Errorf("run cancelled: %w", ctx.Err())
		rep.Status = domain.RunStatusCancelled
	case r.firstErr != nil:
		err = r.firstErr
		rep.Status = domain.RunStatusFailed
	case r.haltErr != nil:
		err = r.haltErr
		rep.Status = domain.RunStatusFailed
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("run timed out: %w", ctx.Err())
		rep.Status = domain.RunStatusFailed
	default:
		rep.Status = domain.RunStatusSucceeded
	}
	if err != nil {
		rep.Error = err.Error()
	}

	now := time.Now()
	rep.CompletedAt = &now
	s.saveReport(ctx, r)

	r.logger.Info("run finished",
		zap.String("status", string(rep.Status)),
		zap.Int("failed", len(rep.Failed)),
		zap.Int("not_executed", len(rep.NotExecuted)))

	return rep.Clone(), err
}

func (s *Scheduler) recordTools(pipe []ports.Invocation, res *ports.ToolResult, err error) {
	var te *domain.ToolError
	errors.As(err, &te)

	if res == nil {
		if te != nil {
			s.metrics.RecordToolExecution(te.Tool, 0, true)
		}
		return
	}
	for i, inv := range pipe {
		failed := te != nil && te.Position == i
		s.metrics.RecordToolExecution(inv.Tool, res.Duration, failed)
	}
}

func (s *Scheduler) saveReport(ctx context.Context, r *run) {
	if s.storage == nil {
		return
	}
	if err := s.storage.SaveReport(context.WithoutCancel(ctx), r.report.Clone()); err != nil {
		r.logger.Error("failed to save report", zap.Error(err))
	}
}

func (s *Scheduler) publishEvent(ctx context.Context, runID, stageID string, eventType domain.EventType, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		StageID:   stageID,
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := s.eventBus.Publish(context.WithoutCancel(ctx), domain.TopicStageEvents, event); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("run_id", runID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func discardAll(staging map[string]string) {
	for _, path := range staging {
		artifacts.Discard(path)
	}
}

// newStageError maps a runner or dispatch error onto the stage failure
// taxonomy.
func newStageError(stageID string, err error, result *ports.ToolResult) *domain.StageError {
	se := &domain.StageError{StageID: stageID, Kind: err, ExitStatus: -1}

	var te *domain.ToolError
	if errors.As(err, &te) {
		se.Kind = te.Kind
		se.ExitStatus = te.ExitStatus
		se.Diagnostics = te.Diagnostics
		if errors.Is(te.Kind, domain.ErrToolFailed) {
			se.Msg = fmt.Sprintf("%s (pipe position %d) exited with status %d", te.Tool, te.Position, te.ExitStatus)
		} else {
			se.Msg = te.Tool
			if te.Err != nil {
				se.Msg += ": " + te.Err.Error()
			}
		}
		return se
	}

	for _, kind := range []error{
		domain.ErrMissingInput,
		domain.ErrIndexNotFound,
		domain.ErrOutputNotProduced,
		domain.ErrToolNotFound,
		domain.ErrToolFailed,
	} {
		if errors.Is(err, kind) {
			se.Kind = kind
			se.Msg = strings.TrimPrefix(err.Error(), kind.Error()+": ")
			break
		}
	}
	if result != nil {
		se.ExitStatus = result.ExitStatus
		se.Diagnostics = result.Diagnostics
	}
	return se
}
