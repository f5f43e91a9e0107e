package jobs

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

const helperEnv = "SHERPA_GW_JOBS_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	if err := log.Configure(io.Discard, "error", "json"); err != nil {
		panic(err)
	}
	goleak.VerifyTestMain(m)
}

// runHelper is the fake worker: the test binary re-executed with helperEnv
// set.
func runHelper(mode string) int {
	req, err := protocol.DecodeRequest(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	ok := &protocol.Response{
		Status: protocol.StatusOK,
		Result: map[string]any{"job_id": req.JobID, "operation": string(req.Operation)},
	}

	switch mode {
	case "ok":
		_ = protocol.EncodeResponse(os.Stdout, ok)
	case "fail":
		_ = protocol.EncodeResponse(os.Stdout, &protocol.Response{Status: protocol.StatusError, Error: "boom", Trace: "at step 3"})
	case "silent":
	case "garbage":
		fmt.Println("this is not json")
	case "exit3":
		_ = protocol.EncodeResponse(os.Stdout, ok)
		return 3
	case "progress":
		fmt.Fprintln(os.Stderr, "progress: step 1")
		fmt.Fprintln(os.Stderr, "some noise")
		fmt.Fprint(os.Stderr, "progress: step 2")
		_ = protocol.EncodeResponse(os.Stdout, ok)
	case "sleep":
		fmt.Fprintln(os.Stderr, "progress: ready")
		time.Sleep(time.Hour)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(os.Stderr, "progress: ready")
		time.Sleep(time.Hour)
	default:
		return 99
	}
	return 0
}

func newTestExecutor(t *testing.T, mode string, opts Options) *Executor {
	t.Helper()
	opts.Command = os.Args[0]
	opts.Args = []string{"-test.run=^$"}
	opts.Env = map[string]string{helperEnv: mode}
	e, err := NewExecutor(NewRegistry(), opts)
	require.NoError(t, err)
	return e
}

func fitSpec(requestID string) Spec {
	return Spec{
		Class:     ClassFit,
		RequestID: requestID,
		Request:   &protocol.Request{Protocol: protocol.Version, Operation: protocol.OpFit, Engine: "lite"},
	}
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		mode    string
		want    OutcomeKind
		message string
	}{
		{mode: "ok", want: Completed},
		{mode: "exit3", want: Completed},
		{mode: "fail", want: Failed, message: "boom"},
		{mode: "silent", want: InternalError, message: "worker exited without writing an outcome"},
		{mode: "garbage", want: InternalError, message: "decode worker response"},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			e := newTestExecutor(t, tt.mode, Options{})
			out := e.Run(context.Background(), fitSpec("req-"+tt.mode))

			assert.Equal(t, tt.want, out.Kind, "message: %s", out.Message)
			assert.Contains(t, out.Message, tt.message)
			assert.NotEmpty(t, out.JobID)
			assert.Equal(t, 0, e.Registry().Len(ClassFit))
			if tt.want == Completed {
				assert.Equal(t, out.JobID, out.Result["job_id"])
				assert.Equal(t, "fit", out.Result["operation"])
			}
			if tt.mode == "fail" {
				assert.Equal(t, "at step 3", out.Trace)
			}
		})
	}
}

func TestRunProgress(t *testing.T) {
	e := newTestExecutor(t, "progress", Options{})

	var mu sync.Mutex
	var lines []string
	spec := fitSpec("req-progress")
	spec.Progress = func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}

	out := e.Run(context.Background(), spec)
	require.Equal(t, Completed, out.Kind)
	assert.Equal(t, []string{"step 1", "step 2"}, lines)
	assert.Contains(t, out.Stderr, "some noise")
	assert.NotContains(t, out.Stderr, "step 1")
}

// startSleeper runs a sleeping job in the background and waits until the
// worker reports it is ready.
func startSleeper(t *testing.T, e *Executor, spec Spec) <-chan Outcome {
	t.Helper()
	ready := make(chan struct{})
	var once sync.Once
	spec.Progress = func(line string) {
		if line == "ready" {
			once.Do(func() { close(ready) })
		}
	}
	done := make(chan Outcome, 1)
	go func() { done <- e.Run(context.Background(), spec) }()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never became ready")
	}
	return done
}

func TestCancelAll(t *testing.T) {
	e := newTestExecutor(t, "sleep", Options{KillGrace: time.Second})

	var cancels int
	spec := fitSpec("req-cancel")
	spec.OnCancel = func() { cancels++ }
	done := startSleeper(t, e, spec)

	snap := e.Registry().Snapshot()
	require.Len(t, snap, 1)
	pid := snap[0].PID
	require.NotZero(t, pid)
	assert.Equal(t, "req-cancel", snap[0].RequestID)

	start := time.Now()
	cancelled := e.Registry().CancelAll(ClassFit)
	require.Len(t, cancelled, 1)
	assert.Equal(t, 1, cancels)
	assert.Equal(t, 0, e.Registry().Len(ClassFit))

	select {
	case out := <-done:
		assert.Equal(t, Cancelled, out.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled job did not finish")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH)

	// Nothing left to cancel.
	assert.Empty(t, e.Registry().CancelAll(ClassFit))
}

func TestCancelEscalatesToKill(t *testing.T) {
	grace := 200 * time.Millisecond
	e := newTestExecutor(t, "stubborn", Options{KillGrace: grace})
	done := startSleeper(t, e, fitSpec("req-stubborn"))

	start := time.Now()
	e.Registry().CancelAll(ClassFit)
	select {
	case out := <-done:
		assert.Equal(t, Cancelled, out.Kind)
		assert.GreaterOrEqual(t, time.Since(start), grace)
	case <-time.After(5 * time.Second):
		t.Fatal("stubborn worker was not killed")
	}
}

func TestTimeout(t *testing.T) {
	e := newTestExecutor(t, "sleep", Options{Timeout: 300 * time.Millisecond, KillGrace: time.Second})
	out := e.Run(context.Background(), fitSpec("req-timeout"))
	assert.Equal(t, TimedOut, out.Kind)
	assert.Equal(t, "timed out after 300ms", out.Message)
}

func TestContextCancel(t *testing.T) {
	e := newTestExecutor(t, "sleep", Options{KillGrace: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	out := e.Run(ctx, fitSpec("req-shutdown"))
	assert.Equal(t, Cancelled, out.Kind)
	assert.Equal(t, 0, e.Registry().Len(ClassFit))
}

func TestClassExclusivity(t *testing.T) {
	e := newTestExecutor(t, "sleep", Options{KillGrace: time.Second})
	var mu sync.Mutex
	var finished []string
	e.OnFinish(func(j *Job, _ Outcome) {
		mu.Lock()
		defer mu.Unlock()
		finished = append(finished, j.RequestID)
	})
	done := startSleeper(t, e, fitSpec("req-first"))

	out := e.Run(context.Background(), fitSpec("req-second"))
	assert.Equal(t, Rejected, out.Kind)
	assert.Equal(t, "fit job already in progress", out.Message)

	e.Registry().CancelAll(ClassFit)
	assert.Equal(t, Cancelled, (<-done).Kind)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"req-first"}, finished)
}

func statSpec(requestID string) Spec {
	spec := fitSpec(requestID)
	spec.Class = ClassStatistic
	spec.Request.Operation = protocol.OpCalcStat
	return spec
}

func TestStatisticJobsQueue(t *testing.T) {
	sleeper := newTestExecutor(t, "sleep", Options{KillGrace: time.Second})
	done := startSleeper(t, sleeper, statSpec("req-running"))

	quick, err := NewExecutor(sleeper.Registry(), Options{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{helperEnv: "ok"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	out := quick.Run(ctx, statSpec("req-abandoned"))
	assert.Equal(t, Cancelled, out.Kind)
	assert.Equal(t, "dispatcher shutting down", out.Message)

	queued := make(chan Outcome, 1)
	go func() { queued <- quick.Run(context.Background(), statSpec("req-queued")) }()
	select {
	case out := <-queued:
		t.Fatalf("queued job ran early: %+v", out)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, sleeper.Registry().Len(ClassStatistic))

	sleeper.Registry().CancelAll(ClassStatistic)
	assert.Equal(t, Cancelled, (<-done).Kind)
	select {
	case out := <-queued:
		assert.Equal(t, Completed, out.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("queued job never ran")
	}
	assert.Equal(t, 0, sleeper.Registry().Len(ClassStatistic))
}

func TestClassesRunConcurrently(t *testing.T) {
	sleeper := newTestExecutor(t, "sleep", Options{KillGrace: time.Second})
	done := startSleeper(t, sleeper, fitSpec("req-fit"))

	// A second executor sharing the registry runs a statistic job while the
	// fit is live.
	quick, err := NewExecutor(sleeper.Registry(), Options{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     map[string]string{helperEnv: "ok"},
	})
	require.NoError(t, err)
	spec := fitSpec("req-stat")
	spec.Class = ClassStatistic
	spec.Request.Operation = protocol.OpCalcStat
	out := quick.Run(context.Background(), spec)
	assert.Equal(t, Completed, out.Kind)

	sleeper.Registry().CancelAll(ClassFit)
	<-done
}

func TestOnFinish(t *testing.T) {
	e := newTestExecutor(t, "ok", Options{})
	var got []OutcomeKind
	e.OnFinish(func(j *Job, out Outcome) {
		assert.Equal(t, "req-hook", j.RequestID)
		got = append(got, out.Kind)
	})
	e.Run(context.Background(), fitSpec("req-hook"))
	assert.Equal(t, []OutcomeKind{Completed}, got)
}

func TestStartFailure(t *testing.T) {
	e, err := NewExecutor(NewRegistry(), Options{Command: "/nonexistent/sherpa-worker"})
	require.NoError(t, err)
	out := e.Run(context.Background(), fitSpec("req-missing"))
	assert.Equal(t, InternalError, out.Kind)
	assert.Contains(t, out.Message, "start worker")
	assert.Equal(t, 0, e.Registry().Len(ClassFit))
}

func TestLineWriterCapsStderr(t *testing.T) {
	w := newLineWriter(nil, log.Get())
	line := make([]byte, 1000)
	for i := range line {
		line[i] = 'x'
	}
	line = append(line, '\n')
	for i := 0; i < 100; i++ {
		_, _ = w.Write(line)
	}
	assert.LessOrEqual(t, len(w.String()), maxStderrBytes)
}
