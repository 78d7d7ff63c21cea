package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aescanero/alignflow/internal/application/pipeline"
	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageStates(r *domain.Report) map[string]domain.StageState {
	out := make(map[string]domain.StageState, len(r.Stages))
	for _, s := range r.Stages {
		out[s.StageID] = s.State
	}
	return out
}

func TestSchedulerSingleEndBWA(t *testing.T) {
	f := newFixture(t, 2)
	reads := f.reads(t, "sample_R1.fastq")
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "bwa", Reads: reads})

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusSucceeded, report.Status)
	assert.Equal(t, map[string]domain.StageState{
		"index-bwa": domain.StageStateSucceeded,
		"align-s":   domain.StageStateSucceeded,
	}, stageStates(report))

	indexDir := filepath.Join(f.outDir, "bwa", "ref")
	bam := filepath.Join(f.outDir, "bwa", "sample_R1.bam")
	assert.Equal(t, []string{indexDir, bam}, report.Outputs)
	assert.DirExists(t, indexDir)
	assert.FileExists(t, filepath.Join(indexDir, "ref.bwt"))
	assert.FileExists(t, bam)
	assert.Empty(t, stagingLeftovers(t, f.outDir))

	// the index stage ran first and wrote into a staging directory
	calls := f.runner.invocations()
	require.Len(t, calls, 2)
	assert.Equal(t, "bwa", calls[0][0].Tool)
	assert.Equal(t, "index", calls[0][0].Args[0])
	assert.Contains(t, calls[0][0].Args[2], ".staging-")

	mem := f.runner.findCall("bwa", "mem")
	require.NotNil(t, mem)
	assert.Equal(t, []string{"mem", "-t", "2", filepath.Join(indexDir, "ref"), reads[0]}, mem.Args)

	idx := report.Stage("index-bwa")
	require.Len(t, idx.Outputs, 1)
	assert.Contains(t, idx.Outputs[0].Files, filepath.Join(indexDir, "ref.bwt"))
	assert.NotNil(t, idx.StartedAt)
	assert.NotNil(t, idx.CompletedAt)

	assert.Equal(t, []domain.EventType{
		domain.EventTypeStageReady,
		domain.EventTypeStageStarted,
		domain.EventTypeStageSucceeded,
	}, f.bus.types("index-bwa"))

	m := f.metrics.snapshot()
	assert.Equal(t, 2, m.stages[string(domain.StageStateSucceeded)])
	assert.Equal(t, 0, m.ready)
	assert.Equal(t, 2, m.tools["bwa"])
	assert.Equal(t, 1, m.tools["samtools"])

	stored, err := f.storage.GetReport(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, stored.Status)
}

func TestSchedulerPairedMinimap2DiscoversIndex(t *testing.T) {
	f := newFixture(t, 2)
	reads := f.reads(t, "s_R1.fq", "s_R2.fq")
	p := f.build(t, pipeline.AlignmentRequest{Name: "p", Aligner: "minimap2", Reads: reads, DiscoverIndex: true})

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, report.Status)

	mmi := filepath.Join(f.outDir, "minimap2", "ref.mmi")
	bam := filepath.Join(f.outDir, "minimap2", "ref_sorted.bam")
	assert.FileExists(t, mmi)
	assert.FileExists(t, bam)

	var align []string
	for _, pipe := range f.runner.invocations() {
		if len(pipe) == 3 {
			align = pipe[0].Args
		}
	}
	assert.Equal(t, []string{"-t", "2", "-ax", "sr", mmi, reads[0], reads[1]}, align)
}

func TestSchedulerBWADiscoveredIndexPrefix(t *testing.T) {
	f := newFixture(t, 1)
	reads := f.reads(t, "s_R1.fq")
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "bwa", Reads: reads, DiscoverIndex: true})

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, report.Status)

	mem := f.runner.findCall("bwa", "mem")
	require.NotNil(t, mem)
	assert.Equal(t, filepath.Join(f.outDir, "bwa", "ref", "ref"), mem.Args[3])
}

func TestSchedulerIndexNotFound(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.bwaExts = []string{".sa", ".pac"}
	reads := f.reads(t, "s_R1.fq")
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "bwa", Reads: reads, DiscoverIndex: true})

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIndexNotFound))

	assert.Equal(t, domain.RunStatusFailed, report.Status)
	assert.Equal(t, []string{"align-s"}, report.Failed)
	assert.Equal(t, domain.ErrorKindIndexNotFound, report.Stage("align-s").ErrorKind)
	assert.Equal(t, domain.StageStateSucceeded, report.Stage("index-bwa").State)
	assert.Nil(t, f.runner.findCall("bwa", "mem"))
	assert.Equal(t, 0, f.metrics.snapshot().ready)
}

func TestSchedulerToolNotFoundLeavesDependentsPending(t *testing.T) {
	f := newFixture(t, 2)
	f.runner.fail["minimap2"] = domain.ErrToolNotFound
	readsA := f.reads(t, "a_R1.fq")
	readsB := f.reads(t, "b_R1.fq")
	p := f.build(t,
		pipeline.AlignmentRequest{Name: "a", Aligner: "bwa", Reads: readsA},
		pipeline.AlignmentRequest{Name: "b", Aligner: "minimap2", Reads: readsB},
	)

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.Error(t, err)

	var se *domain.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "index-minimap2", se.StageID)
	assert.True(t, errors.Is(err, domain.ErrToolNotFound))

	assert.Equal(t, domain.RunStatusFailed, report.Status)
	assert.Equal(t, map[string]domain.StageState{
		"index-bwa":      domain.StageStateSucceeded,
		"align-a":        domain.StageStateSucceeded,
		"index-minimap2": domain.StageStateFailed,
		"align-b":        domain.StageStatePending,
	}, stageStates(report))
	assert.Equal(t, []string{"index-minimap2"}, report.Failed)
	assert.Equal(t, []string{"align-b"}, report.NotExecuted)
	assert.Equal(t, domain.ErrorKindToolNotFound, report.Stage("index-minimap2").ErrorKind)
	assert.Equal(t, -1, report.Stage("index-minimap2").ExitStatus)
	assert.FileExists(t, filepath.Join(f.outDir, "bwa", "a_R1.bam"))
	assert.Empty(t, stagingLeftovers(t, f.outDir))

	m := f.metrics.snapshot()
	assert.Equal(t, 1, m.failures[string(domain.ErrorKindToolNotFound)])
	assert.Equal(t, 0, m.ready)
}

func TestSchedulerToolFailedKeepsDiagnostics(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.fail["samtools"] = domain.ErrToolFailed
	reads := f.reads(t, "s_R1.fq")
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "bwa", Reads: reads})

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrToolFailed))

	res := report.Stage("align-s")
	assert.Equal(t, domain.StageStateFailed, res.State)
	assert.Equal(t, domain.ErrorKindToolFailed, res.ErrorKind)
	assert.Equal(t, 1, res.ExitStatus)
	assert.Equal(t, "samtools: boom", res.Diagnostics)
	assert.Contains(t, res.Error, "pipe position 1")
	assert.NoFileExists(t, filepath.Join(f.outDir, "bwa", "s_R1.bam"))
	assert.Empty(t, stagingLeftovers(t, f.outDir))
}

func TestSchedulerOutputNotProduced(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.noOutput["samtools"] = true
	reads := f.reads(t, "s_R1.fq")
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "minimap2", Reads: reads})

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOutputNotProduced))
	assert.Equal(t, domain.ErrorKindOutputNotProduced, report.Stage("align-s").ErrorKind)
	assert.Equal(t, []string{filepath.Join(f.outDir, "minimap2", "ref.mmi")}, report.Outputs)
}

func TestSchedulerEmptyIndexDirectoryIsNotProduced(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.bwaExts = nil
	reads := f.reads(t, "s_R1.fq")
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "bwa", Reads: reads})

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindOutputNotProduced, report.Stage("index-bwa").ErrorKind)
	assert.Equal(t, []string{"align-s"}, report.NotExecuted)
	assert.NoDirExists(t, filepath.Join(f.outDir, "bwa", "ref"))
}

func TestSchedulerMissingInput(t *testing.T) {
	f := newFixture(t, 1)
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "bwa", Reads: []string{filepath.Join(f.dir, "absent.fq")}})

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissingInput))

	assert.Equal(t, domain.StageStateSucceeded, report.Stage("index-bwa").State)
	res := report.Stage("align-s")
	assert.Equal(t, domain.StageStateFailed, res.State)
	assert.Equal(t, domain.ErrorKindMissingInput, res.ErrorKind)
	assert.Nil(t, res.StartedAt)
	assert.Nil(t, f.runner.findCall("bwa", "mem"))

	// failed at dispatch: the stage never reached a worker
	assert.Equal(t, []domain.EventType{
		domain.EventTypeStageReady,
		domain.EventTypeStageFailed,
	}, f.bus.types("align-s"))
}

func TestSchedulerMissingReference(t *testing.T) {
	f := newFixture(t, 1)
	reads := f.reads(t, "s_R1.fq")
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "minimap2", Reads: reads})
	require.NoError(t, os.Remove(f.ref))

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindMissingInput, report.Stage("index-minimap2").ErrorKind)
	assert.Equal(t, []string{"align-s"}, report.NotExecuted)
	assert.Empty(t, f.runner.invocations())
}

func TestSchedulerRespectsRunLimit(t *testing.T) {
	f := newFixture(t, 4)
	f.runner.delay = 20 * time.Millisecond
	p := f.build(t,
		pipeline.AlignmentRequest{Name: "a", Aligner: "bwa", Reads: f.reads(t, "a_R1.fq")},
		pipeline.AlignmentRequest{Name: "b", Aligner: "bwa", Reads: f.reads(t, "b_R1.fq")},
		pipeline.AlignmentRequest{Name: "c", Aligner: "minimap2", Reads: f.reads(t, "c_R1.fq")},
	)

	report, err := f.sched.Run(context.Background(), nil, p, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, report.Status)
	assert.Equal(t, 1, f.runner.peakConcurrency())
	assert.Len(t, report.Outputs, 5)
}

func TestSchedulerRunsIndependentStagesConcurrently(t *testing.T) {
	f := newFixture(t, 4)
	f.runner.delay = 50 * time.Millisecond
	p := f.build(t,
		pipeline.AlignmentRequest{Name: "a", Aligner: "bwa", Reads: f.reads(t, "a_R1.fq")},
		pipeline.AlignmentRequest{Name: "b", Aligner: "minimap2", Reads: f.reads(t, "b_R1.fq")},
	)

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f.runner.peakConcurrency(), 2)

	assert.Equal(t, domain.RunStatusSucceeded, report.Status)
	assert.Equal(t, map[string]domain.StageState{
		"index-bwa":      domain.StageStateSucceeded,
		"index-minimap2": domain.StageStateSucceeded,
		"align-a":        domain.StageStateSucceeded,
		"align-b":        domain.StageStateSucceeded,
	}, stageStates(report))
	assert.Empty(t, report.Failed)
	assert.Empty(t, report.NotExecuted)
}

func TestSchedulerCancellation(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.block = make(chan struct{})
	reads := f.reads(t, "s_R1.fq")
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "bwa", Reads: reads})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.runner.started
		cancel()
	}()

	report, err := f.sched.Run(ctx, nil, p, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, domain.RunStatusCancelled, report.Status)
	assert.Equal(t, []string{"index-bwa"}, report.Failed)
	assert.Equal(t, []string{"align-s"}, report.NotExecuted)
	assert.NotNil(t, report.CompletedAt)
	assert.Empty(t, stagingLeftovers(t, f.outDir))
}

func TestSchedulerRunTimeout(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.block = make(chan struct{})
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "bwa", Reads: f.reads(t, "s_R1.fq")})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := f.sched.Run(ctx, nil, p, 0)
	require.Error(t, err)
	assert.Equal(t, domain.RunStatusFailed, report.Status)
}

func TestSchedulerStageTimeout(t *testing.T) {
	f := newFixture(t, 1)
	f.runner.block = make(chan struct{})
	f.sched.stageTimeout = 30 * time.Millisecond
	p := f.build(t, pipeline.AlignmentRequest{Name: "s", Aligner: "minimap2", Reads: f.reads(t, "s_R1.fq")})

	report, err := f.sched.Run(context.Background(), nil, p, 0)
	require.Error(t, err)
	assert.Equal(t, domain.RunStatusFailed, report.Status)
	assert.Equal(t, domain.ErrorKindToolFailed, report.Stage("index-minimap2").ErrorKind)
}

func TestNewStageError(t *testing.T) {
	se := newStageError("align-s", &domain.ToolError{
		Kind: domain.ErrToolFailed, Tool: "bwa", Position: 0, ExitStatus: 137, Diagnostics: "killed",
	}, nil)
	assert.Equal(t, domain.ErrToolFailed, se.Kind)
	assert.Equal(t, 137, se.ExitStatus)
	assert.Equal(t, "killed", se.Diagnostics)
	assert.Equal(t, "stage align-s: tool failed: bwa (pipe position 0) exited with status 137", se.Error())

	se = newStageError("align-s", errors.New("disk on fire"), nil)
	assert.Equal(t, domain.ErrorKindInternal, domain.KindOf(se))
	assert.Equal(t, -1, se.ExitStatus)
}
