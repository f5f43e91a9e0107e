package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr kept from a worker.
	maxStderrBytes = 64 * 1024

	// ProgressPrefix marks worker stderr lines that are progress reports.
	ProgressPrefix = "progress: "

	defaultKillGrace = 2 * time.Second
)

// Spec describes one job to run.
type Spec struct {
	Class     Class
	RequestID string
	Request   *protocol.Request
	// Progress receives worker progress lines. Optional.
	Progress func(line string)
	// OnCancel runs when a canceller takes the job, before the worker is
	// signalled. Optional.
	OnCancel func()
}

// Options configures how workers are launched.
type Options struct {
	Command   string
	Args      []string
	Env       map[string]string
	KillGrace time.Duration
	// Timeout bounds a single job. Zero disables it.
	Timeout time.Duration
}

// Executor spawns one worker process per job.
type Executor struct {
	registry *Registry
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	onFinish []func(*Job, Outcome)
}

// NewExecutor returns an executor that registers jobs in reg. An empty
// Command means the running executable.
func NewExecutor(reg *Registry, opts Options) (*Executor, error) {
	if opts.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		opts.Command = exe
		if len(opts.Args) == 0 {
			opts.Args = []string{"worker"}
		}
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	return &Executor{registry: reg, opts: opts, logger: log.WithComponent("jobs")}, nil
}

// Registry returns the registry jobs are tracked in.
func (e *Executor) Registry() *Registry { return e.registry }

// OnFinish adds a hook called with every terminal outcome of a job that
// started. Rejected outcomes and statistic jobs abandoned while queued are
// not reported.
func (e *Executor) OnFinish(fn func(*Job, Outcome)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFinish = append(e.onFinish, fn)
}

// Run executes spec in a fresh worker process and blocks until it reaches a
// terminal state. A job of an exclusive class is rejected while another is
// live; other classes wait their turn.
func (e *Executor) Run(ctx context.Context, spec Spec) Outcome {
	job := newJob(spec)
	if !spec.Class.Exclusive() {
		release, err := e.registry.acquire(ctx, spec.Class)
		if err != nil {
			return Outcome{Kind: Cancelled, JobID: job.ID, Message: "dispatcher shutting down"}
		}
		defer release()
	}
	if err := e.registry.Register(job); err != nil {
		return Outcome{Kind: Rejected, JobID: job.ID, Message: err.Error()}
	}
	defer e.registry.Unregister(job)

	logger := log.WithJob(job.ID).With("class", string(job.Class), "request_id", job.RequestID)
	req := *spec.Request
	req.JobID = job.ID

	start := time.Now()
	out := e.spawn(ctx, job, &req, spec.Progress, logger)
	if job.Cancelled() && out.Kind != Cancelled {
		// The canceller has already answered the request.
		out = Outcome{Kind: Cancelled, Message: "cancelled", Stderr: out.Stderr}
	}
	out.JobID = job.ID
	out.Duration = time.Since(start)

	logger.Info("job finished", "outcome", out.Kind.String(), "duration", out.Duration)

	e.mu.Lock()
	hooks := append([]func(*Job, Outcome){}, e.onFinish...)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(job, out)
	}
	return out
}

func (e *Executor) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(e.opts.Env))
	for k := range e.opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.opts.Env[k])
	}
	return env
}

// spawn starts the worker, writes req to its stdin and waits for it to exit,
// be cancelled, or time out.
func (e *Executor) spawn(ctx context.Context, job *Job, req *protocol.Request, progress func(string), logger *slog.Logger) Outcome {
	// Not CommandContext: termination is managed here so the whole process
	// group gets the grace period.
	cmd := exec.Command(e.opts.Command, e.opts.Args...)
	cmd.Env = e.environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = e.opts.KillGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Outcome{Kind: InternalError, Message: fmt.Sprintf("create stdin pipe: %v", err)}
	}
	var stdout bytes.Buffer
	stderr := newLineWriter(progress, logger)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	logger.Debug("spawning worker", "command", e.opts.Command, "operation", req.Operation)
	if err := cmd.Start(); err != nil {
		return Outcome{Kind: InternalError, Message: fmt.Sprintf("start worker: %v", err)}
	}
	job.pid.Store(int64(cmd.Process.Pid))

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if e.opts.Timeout > 0 {
		t := time.NewTimer(e.opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-job.stop:
		logger.Info("job cancelled, terminating worker")
		e.kill(cmd, waitErr, logger)
		return Outcome{Kind: Cancelled, Message: "cancelled", Stderr: stderr.String()}

	case <-ctx.Done():
		logger.Warn("shutting down, terminating worker")
		e.kill(cmd, waitErr, logger)
		return Outcome{Kind: Cancelled, Message: "dispatcher shutting down", Stderr: stderr.String()}

	case <-timeout:
		logger.Warn("worker timed out", "timeout", e.opts.Timeout)
		e.kill(cmd, waitErr, logger)
		return Outcome{
			Kind:    TimedOut,
			Message: fmt.Sprintf("timed out after %s", e.opts.Timeout),
			Stderr:  stderr.String(),
		}

	case err := <-waitErr:
		stderr.Flush()
		if werr := <-writeErr; werr != nil {
			logger.Warn("failed to write request to worker", "error", werr)
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return Outcome{Kind: InternalError, Message: fmt.Sprintf("wait for worker: %v", err), Stderr: stderr.String()}
			}
			logger.Warn("worker exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			if errors.Is(err, protocol.ErrNoOutput) {
				return Outcome{Kind: InternalError, Message: "worker exited without writing an outcome", Stderr: stderr.String()}
			}
			logger.Error("failed to decode worker response", "error", err, "stdout", truncate(string(raw)))
			return Outcome{Kind: InternalError, Message: fmt.Sprintf("decode worker response: %v", err), Stderr: stderr.String()}
		}
		if resp.Status == protocol.StatusError {
			return Outcome{Kind: Failed, Message: resp.Error, Trace: resp.Trace, Stderr: stderr.String()}
		}
		return Outcome{Kind: Completed, Result: resp.Result, Stderr: stderr.String()}
	}
}

// kill sends SIGTERM to the worker's process group and SIGKILL once the
// grace period lapses, then waits for the process to be reaped.
func (e *Executor) kill(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.opts.KillGrace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Debug("worker exited after SIGTERM")
		// Reap anything left in the group.
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	case <-grace.C:
		logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// lineWriter splits worker stderr into lines. Progress lines go to the
// callback; everything else is logged and kept, up to maxStderrBytes.
type lineWriter struct {
	progress func(string)
	logger   *slog.Logger

	mu      sync.Mutex
	partial []byte
	kept    bytes.Buffer
}

func newLineWriter(progress func(string), logger *slog.Logger) *lineWriter {
	return &lineWriter{progress: progress, logger: logger}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.line(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) line(s string) {
	if msg, ok := strings.CutPrefix(s, ProgressPrefix); ok {
		if w.progress != nil {
			w.progress(msg)
		}
		return
	}
	w.logger.Debug("worker stderr", "line", s)
	if room := maxStderrBytes - w.kept.Len(); room > 0 {
		if len(s)+1 > room {
			w.kept.WriteString(s[:max(room-1, 0)])
			return
		}
		w.kept.WriteString(s)
		w.kept.WriteByte('\n')
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kept.String()
}

func truncate(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
