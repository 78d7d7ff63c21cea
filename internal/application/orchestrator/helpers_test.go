package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/alignflow/internal/application/pipeline"
	"github.com/aescanero/alignflow/internal/application/workers"
	"github.com/aescanero/alignflow/pkg/adapters/storage/memory"
	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/aescanero/alignflow/pkg/ports"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunner stands in for the aligners. It writes every output path
// bound after -p (bwa index prefix), -d (minimap2 index) or -o.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]ports.Invocation

	fail     map[string]error
	noOutput map[string]bool
	bwaExts  []string
	block    chan struct{}
	started  chan string
	delay    time.Duration
	active   int
	peak     int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		fail:     make(map[string]error),
		noOutput: make(map[string]bool),
		bwaExts:  []string{".amb", ".ann", ".bwt", ".pac", ".sa"},
		started:  make(chan string, 16),
	}
}

func (f *fakeRunner) Run(ctx context.Context, pipe []ports.Invocation) (*ports.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pipe)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	select {
	case f.started <- pipe[0].Tool:
	default:
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, &domain.ToolError{Kind: domain.ErrToolFailed, Tool: pipe[0].Tool, ExitStatus: -1, Err: ctx.Err()}
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	for i, inv := range pipe {
		kind, ok := f.fail[inv.Tool]
		if !ok {
			continue
		}
		if kind == domain.ErrToolNotFound {
			return nil, &domain.ToolError{Kind: kind, Tool: inv.Tool, Position: i, ExitStatus: -1}
		}
		return &ports.ToolResult{ExitStatus: 1, Diagnostics: inv.Tool + ": boom"},
			&domain.ToolError{Kind: kind, Tool: inv.Tool, Position: i, ExitStatus: 1, Diagnostics: inv.Tool + ": boom"}
	}

	for _, inv := range pipe {
		if f.noOutput[inv.Tool] {
			continue
		}
		for j := 1; j < len(inv.Args); j++ {
			path := inv.Args[j]
			switch inv.Args[j-1] {
			case "-p":
				for _, ext := range f.bwaExts {
					if err := os.WriteFile(path+ext, []byte("idx"), 0o644); err != nil {
						return nil, err
					}
				}
			case "-d", "-o":
				if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
					return nil, err
				}
			}
		}
	}
	return &ports.ToolResult{Duration: time.Millisecond}, nil
}

func (f *fakeRunner) invocations() [][]ports.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]ports.Invocation(nil), f.calls...)
}

// findCall returns the first invocation of tool whose first argument is arg0
func (f *fakeRunner) findCall(tool, arg0 string) *ports.Invocation {
	for _, pipe := range f.invocations() {
		for _, inv := range pipe {
			if inv.Tool == tool && len(inv.Args) > 0 && inv.Args[0] == arg0 {
				inv := inv
				return &inv
			}
		}
	}
	return nil
}

func (f *fakeRunner) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// recordingBus keeps every published event in order
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	return nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) types(stageID string) []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.EventType
	for _, e := range b.events {
		if e.StageID == stageID {
			out = append(out, e.Type)
		}
	}
	return out
}

// metricCounts is a snapshot of recordingMetrics
type metricCounts struct {
	submitted map[string]int
	completed map[string]int
	stages    map[string]int
	failures  map[string]int
	tools     map[string]int
	ready     int
	active    int
}

// recordingMetrics counts calls to the metrics port
type recordingMetrics struct {
	mu sync.Mutex
	c  metricCounts
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{c: metricCounts{
		submitted: make(map[string]int),
		completed: make(map[string]int),
		stages:    make(map[string]int),
		failures:  make(map[string]int),
		tools:     make(map[string]int),
	}}
}

func (m *recordingMetrics) RecordRunSubmitted(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.submitted[status]++
}

func (m *recordingMetrics) RecordRunCompleted(status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.completed[status]++
}

func (m *recordingMetrics) RecordStageExecuted(kind string, state string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.stages[state]++
}

func (m *recordingMetrics) RecordStageFailure(kind string, errorKind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.failures[errorKind]++
}

func (m *recordingMetrics) RecordToolExecution(tool string, duration time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.tools[tool]++
}

func (m *recordingMetrics) SetActiveRuns(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.active = count
}

func (m *recordingMetrics) AddReadyStages(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.ready += delta
}

func (m *recordingMetrics) RecordWorkerPoolStatus(idle, busy, stopped int) {}

func (m *recordingMetrics) snapshot() metricCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricCounts{
		submitted: copyCounts(m.c.submitted),
		completed: copyCounts(m.c.completed),
		stages:    copyCounts(m.c.stages),
		failures:  copyCounts(m.c.failures),
		tools:     copyCounts(m.c.tools),
		ready:     m.c.ready,
		active:    m.c.active,
	}
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// fixture is a workspace with a reference, read files and an output dir
type fixture struct {
	dir     string
	ref     string
	outDir  string
	runner  *fakeRunner
	bus     *recordingBus
	metrics *recordingMetrics
	storage *memory.InMemoryRunStorage
	pool    *workers.Pool
	builder *pipeline.Builder
	sched   *Scheduler
}

func newFixture(t *testing.T, poolSize int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		ref:     filepath.Join(dir, "ref.fa"),
		outDir:  filepath.Join(dir, "out"),
		runner:  newFakeRunner(),
		bus:     &recordingBus{},
		metrics: newRecordingMetrics(),
		storage: memory.NewInMemoryRunStorage(),
	}
	require.NoError(t, os.WriteFile(f.ref, []byte(">chr1\nACGT\n"), 0o644))

	logger := zap.NewNop()
	f.pool = workers.NewPool(poolSize, f.metrics, logger, time.Hour)
	require.NoError(t, f.pool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.pool.Shutdown(ctx)
	})

	f.builder = pipeline.NewBuilder(map[string]string{
		pipeline.ToolBWA:      "bwa",
		pipeline.ToolMinimap2: "minimap2",
		pipeline.ToolSamtools: "samtools",
	}, 2, f.outDir, nil)
	f.sched = NewScheduler(f.pool, f.runner, f.bus, f.storage, f.metrics, logger, 0)
	return f
}

// reads creates read files and returns their paths
func (f *fixture) reads(t *testing.T, names ...string) []string {
	t.Helper()
	paths := make([]string, 0, len(names))
	for _, n := range names {
		p := filepath.Join(f.dir, n)
		require.NoError(t, os.WriteFile(p, []byte("@r1\nACGT\n+\nIIII\n"), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func (f *fixture) build(t *testing.T, alignments ...pipeline.AlignmentRequest) *domain.Pipeline {
	t.Helper()
	p, err := f.builder.Build(pipeline.Request{Reference: f.ref, Alignments: alignments})
	require.NoError(t, err)
	return p
}

func (f *fixture) newManager(runTimeout time.Duration, concurrency int) *Manager {
	return NewManager(f.builder, f.sched, f.bus, f.storage, f.metrics, zap.NewNop(), runTimeout, concurrency)
}

// stagingLeftovers lists staging entries under the output directory
func stagingLeftovers(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && len(info.Name()) > 9 && info.Name()[:9] == ".staging-" {
			found = append(found, path)
		}
		return nil
	})
	return found
}
