package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/aescanero/alignflow/pkg/ports"
	"go.uber.org/zap"
)

const (
	defaultMaxDiagnostics = 64 * 1024
	defaultMaxStdout      = 1 << 20
)

// Runner executes external programs as a connected pipe of OS processes
type Runner struct {
	logger         *zap.Logger
	maxDiagnostics int
	maxStdout      int
	lookPath       func(string) (string, error)
}

// Option configures a Runner
type Option func(*Runner)

// WithMaxDiagnostics bounds the stderr bytes kept per process
func WithMaxDiagnostics(n int) Option {
	return func(r *Runner) { r.maxDiagnostics = n }
}

// WithMaxStdout bounds the stdout bytes kept from the last process
func WithMaxStdout(n int) Option {
	return func(r *Runner) { r.maxStdout = n }
}

// NewRunner creates a process runner
func NewRunner(logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger:         logger,
		maxDiagnostics: defaultMaxDiagnostics,
		maxStdout:      defaultMaxStdout,
		lookPath:       exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ ports.ToolRunner = (*Runner)(nil)

// Run starts every invocation, wires stdout of each into stdin of the
// next and waits for all of them. The first non-zero exit status in pipe
// order is reported, even when the last process succeeds. Writers killed
// by a broken pipe only count when no other process failed, since they
// die because a reader downstream went away.
func (r *Runner) Run(ctx context.Context, pipe []ports.Invocation) (*ports.ToolResult, error) {
	if len(pipe) == 0 {
		return nil, fmt.Errorf("empty tool pipe")
	}

	paths := make([]string, len(pipe))
	for i, inv := range pipe {
		name := inv.Path
		if name == "" {
			name = inv.Tool
		}
		resolved, err := r.lookPath(name)
		if err != nil {
			return nil, &domain.ToolError{
				Kind:       domain.ErrToolNotFound,
				Tool:       inv.Tool,
				Position:   i,
				ExitStatus: -1,
				Err:        err,
			}
		}
		paths[i] = resolved
	}

	start := time.Now()
	cmds := make([]*exec.Cmd, len(pipe))
	stderrs := make([]*limitedBuffer, len(pipe))
	stdout := &limitedBuffer{limit: r.maxStdout}

	for i, inv := range pipe {
		cmd := exec.CommandContext(ctx, paths[i], inv.Args...)
		configureCommandProcess(cmd)
		cmd.Cancel = func() error {
			terminateCommandProcess(cmd)
			return nil
		}
		stderrs[i] = &limitedBuffer{limit: r.maxDiagnostics}
		cmd.Stderr = stderrs[i]
		cmds[i] = cmd
	}
	cmds[len(cmds)-1].Stdout = stdout

	// Parent copies of every pipe end are closed once all processes have
	// started, so readers see EOF when their writer exits.
	var parentEnds []io.Closer
	closeParentEnds := func() {
		for _, c := range parentEnds {
			_ = c.Close()
		}
		parentEnds = nil
	}
	for i := 0; i < len(cmds)-1; i++ {
		pr, pw, err := os.Pipe()
		if err != nil {
			closeParentEnds()
			return nil, fmt.Errorf("failed to create pipe: %w", err)
		}
		cmds[i].Stdout = pw
		cmds[i+1].Stdin = pr
		parentEnds = append(parentEnds, pr, pw)
	}

	r.logger.Debug("starting tool pipe",
		zap.Strings("tools", toolNames(pipe)),
		zap.Int("processes", len(pipe)))

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			for _, started := range cmds[:i] {
				terminateCommandProcess(started)
			}
			closeParentEnds()
			for _, started := range cmds[:i] {
				_ = started.Wait()
			}
			kind := domain.ErrToolFailed
			if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				kind = domain.ErrToolNotFound
			}
			return nil, &domain.ToolError{
				Kind:       kind,
				Tool:       pipe[i].Tool,
				Position:   i,
				ExitStatus: -1,
				Err:        err,
			}
		}
	}
	closeParentEnds()

	statuses := make([]int, len(cmds))
	brokenPipe := make([]bool, len(cmds))
	var wg sync.WaitGroup
	for i, cmd := range cmds {
		wg.Add(1)
		go func(i int, cmd *exec.Cmd) {
			defer wg.Done()
			err := cmd.Wait()
			statuses[i] = exitStatus(err)
			brokenPipe[i] = diedOfBrokenPipe(err)
		}(i, cmd)
	}
	wg.Wait()

	result := &ports.ToolResult{
		Stdout:      stdout.Bytes(),
		Diagnostics: joinDiagnostics(pipe, stderrs),
		Duration:    time.Since(start),
	}

	if i := failedPosition(statuses, brokenPipe); i >= 0 {
		status := statuses[i]
		result.ExitStatus = status
		toolErr := &domain.ToolError{
			Kind:        domain.ErrToolFailed,
			Tool:        pipe[i].Tool,
			Position:    i,
			ExitStatus:  status,
			Diagnostics: result.Diagnostics,
		}
		if ctx.Err() != nil {
			toolErr.Err = ctx.Err()
		}
		r.logger.Debug("tool pipe failed",
			zap.String("tool", pipe[i].Tool),
			zap.Int("position", i),
			zap.Int("exit_status", status),
			zap.Duration("duration", result.Duration))
		return result, toolErr
	}

	r.logger.Debug("tool pipe completed",
		zap.Strings("tools", toolNames(pipe)),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// failedPosition picks the process blamed for a failed pipe, or -1 when
// every process exited cleanly.
func failedPosition(statuses []int, brokenPipe []bool) int {
	first := -1
	for i, status := range statuses {
		if status == 0 {
			continue
		}
		if !brokenPipe[i] {
			return i
		}
		if first < 0 {
			first = i
		}
	}
	return first
}

// exitStatus maps a Wait error onto a process exit status. Processes
// killed by a signal report -1.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code != 0 {
			return code
		}
	}
	return -1
}

func toolNames(pipe []ports.Invocation) []string {
	names := make([]string, len(pipe))
	for i, inv := range pipe {
		names[i] = inv.Tool
	}
	return names
}

func joinDiagnostics(pipe []ports.Invocation, stderrs []*limitedBuffer) string {
	var b strings.Builder
	for i, buf := range stderrs {
		text := strings.TrimSpace(string(buf.Bytes()))
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", pipe[i].Tool, text)
		if buf.truncated {
			b.WriteString(" ...(truncated)")
		}
	}
	return b.String()
}

// limitedBuffer keeps the first limit bytes written and silently drops
// the rest, so a chatty process never blocks on a full pipe.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
