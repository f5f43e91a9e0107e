package dispatch

import (
	"context"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sherpa-gw/internal/bus/memory"
	"github.com/mattjoyce/sherpa-gw/internal/bus/redisbus"
	"github.com/mattjoyce/sherpa-gw/internal/codec"
	"github.com/mattjoyce/sherpa-gw/internal/engine"
	"github.com/mattjoyce/sherpa-gw/internal/engine/lite"
	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
	"github.com/mattjoyce/sherpa-gw/internal/reply"
	"github.com/mattjoyce/sherpa-gw/internal/worker"
)

const helperEnv = "SHERPA_GW_DISPATCH_WORKER"

func TestMain(m *testing.M) {
	engine.Register(lite.New())
	engine.Register(slowEngine{})
	if os.Getenv(helperEnv) != "" {
		os.Exit(worker.Serve(context.Background(), os.Stdin, os.Stdout, os.Stderr))
	}
	if err := log.Configure(io.Discard, "error", "json"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// slowEngine never finishes a fit or confidence run on its own.
type slowEngine struct{}

func (slowEngine) Name() string { return "slow" }
func (slowEngine) NewSession() engine.Session {
	return slowSession{Session: lite.New().NewSession()}
}

type slowSession struct{ engine.Session }

func (slowSession) Fit(ctx context.Context) (*engine.FitResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowSession) RunConfidence(ctx context.Context, progress func(string)) (*engine.ConfidenceResult, error) {
	progress("started")
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixedState struct{ registered atomic.Bool }

func (s *fixedState) Registered() bool { return s.registered.Load() }

type harness struct {
	hub      *memory.Hub
	router   *Router
	executor *jobs.Executor
	finished atomic.Int32
}

func newHarness(t *testing.T, engineName string, mutate ...func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()

	hub := memory.NewHub(256)
	client := hub.NewClient("sherpa-test")
	require.NoError(t, client.Connect(ctx))

	exec := newExecutor(t)
	h := &harness{hub: hub, executor: exec}
	exec.OnFinish(func(*jobs.Job, jobs.Outcome) { h.finished.Add(1) })

	opts := Options{
		Engine:   engineName,
		Bus:      client,
		Executor: exec,
		Sender:   reply.NewSender(client, reply.Options{MaxAttempts: 3, RetryDelay: time.Millisecond}),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	var err error
	h.router, err = NewRouter(opts)
	require.NoError(t, err)
	require.NoError(t, client.Subscribe(ctx, MTypes(), h.router.Handle))

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, h.router.Shutdown(sctx))
		_ = client.Close()
	})
	return h
}

// newExecutor runs workers by re-executing the test binary.
func newExecutor(t *testing.T) *jobs.Executor {
	t.Helper()
	exec, err := jobs.NewExecutor(jobs.NewRegistry(), jobs.Options{
		Command:   os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       map[string]string{helperEnv: "1"},
		KillGrace: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	return exec
}

func (h *harness) call(t *testing.T, mtype string, params map[string]any) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	env, err := h.hub.Call(ctx, mtype, params)
	require.NoError(t, err)
	return env
}

func (h *harness) replies(msgID string) int {
	n := 0
	for _, tr := range h.hub.Recent() {
		if tr.Kind == "reply" && tr.MsgID == msgID {
			n++
		}
	}
	return n
}

func requireFailure(t *testing.T, env protocol.Envelope, kind protocol.Kind, contains string) {
	t.Helper()
	got, msg, failed := env.Failed()
	require.True(t, failed, "expected failure, got %+v", env)
	assert.Equal(t, kind, got, "message: %s", msg)
	assert.Contains(t, msg, contains)
}

func dataset(x, y []float64) map[string]any {
	errs := make([]float64, len(x))
	for i := range errs {
		errs[i] = 1
	}
	return map[string]any{
		"x":         codec.Encode(x),
		"y":         codec.Encode(y),
		"staterror": codec.Encode(errs),
	}
}

func line(n int) ([]float64, []float64) {
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
		y[i] = 2 + 3*x[i]
	}
	return x, y
}

func polyModel(c0, c1 string, c1Frozen string) []any {
	return []any{map[string]any{
		"name": "polynom1d.p1",
		"parts": []any{map[string]any{
			"name": "polynom1d.p1",
			"pars": []any{
				map[string]any{"name": "p1.c0", "val": c0, "min": "-1e10", "max": "1e10", "frozen": "0", "alwaysfrozen": "0"},
				map[string]any{"name": "p1.c1", "val": c1, "frozen": c1Frozen},
			},
		}},
	}}
}

func fitParams(n int) map[string]any {
	x, y := line(n)
	return map[string]any{
		"datasets": []any{dataset(x, y)},
		"models":   polyModel("1", "0", "0"),
		"stat":     map[string]any{"name": "chi2"},
		"method":   map[string]any{"name": "levmar", "config": map[string]any{"maxfev": "INDEF"}},
	}
}

func TestPing(t *testing.T) {
	h := newHarness(t, lite.Name)

	env := h.call(t, "sherpa.ping", nil)
	assert.Equal(t, protocol.StatusOK, env.Status)
	assert.Empty(t, env.Result)
}

func TestMTypesCoverEveryOperation(t *testing.T) {
	mtypes := MTypes()
	assert.Len(t, mtypes, 20)
	for _, mt := range mtypes {
		op, ok := Lookup(mt)
		require.True(t, ok, mt)
		assert.Equal(t, mt, op.MType())
		assert.NotEqual(t, "unknown", op.String())
	}
	_, ok := Lookup("load.table.votable")
	assert.False(t, ok)

	cat := Catalog()
	require.Len(t, cat, len(mtypes))
	for i, info := range cat {
		assert.Equal(t, mtypes[i], info.MType)
	}
}

func TestStageFailures(t *testing.T) {
	x, y := line(5)
	nanY := append([]float64(nil), y...)
	nanY[2] = math.NaN()

	tests := []struct {
		name     string
		mtype    string
		params   map[string]any
		kind     protocol.Kind
		contains string
	}{
		{
			name:     "missing datasets",
			mtype:    "spectrum.fit.set.data",
			params:   map[string]any{},
			kind:     protocol.KindData,
			contains: "datasets",
		},
		{
			name:   "malformed array",
			mtype:  "spectrum.fit.set.data",
			params: map[string]any{"datasets": []any{map[string]any{"x": "not base64!", "y": codec.Encode(y)}}},
			kind:   protocol.KindMalformed,
		},
		{
			name:     "mismatched columns",
			mtype:    "spectrum.fit.set.data",
			params:   map[string]any{"datasets": []any{dataset(x, y[:3])}},
			kind:     protocol.KindData,
			contains: "y has 3 values",
		},
		{
			name:     "parameter without name",
			mtype:    "spectrum.fit.set.model",
			params:   map[string]any{"models": []any{map[string]any{"name": "const1d.c", "parts": []any{map[string]any{"name": "const1d.c", "pars": []any{map[string]any{"val": "1"}}}}}}},
			kind:     protocol.KindParameter,
			contains: "model component name missing",
		},
		{
			name:     "bad expression",
			mtype:    "spectrum.fit.set.model",
			params:   map[string]any{"models": []any{map[string]any{"name": "const1d.c + undefined"}}},
			kind:     protocol.KindModel,
			contains: "undefined",
		},
		{
			name:   "unknown statistic",
			mtype:  "spectrum.fit.set.statistic",
			params: map[string]any{"stat": map[string]any{"name": "bogus"}},
			kind:   protocol.KindStatistic,
		},
		{
			name:   "unknown method",
			mtype:  "spectrum.fit.set.method",
			params: map[string]any{"method": map[string]any{"name": "bogus"}},
			kind:   protocol.KindMethod,
		},
		{
			name:   "unknown confidence",
			mtype:  "spectrum.fit.set.confidence",
			params: map[string]any{"confidence": map[string]any{"name": "bogus"}},
			kind:   protocol.KindConfidence,
		},
		{
			name:  "fit checks the method first",
			mtype: "spectrum.fit.fit",
			params: map[string]any{
				"datasets": []any{map[string]any{"x": "garbage!"}},
				"method":   map[string]any{"name": "bogus"},
			},
			kind: protocol.KindMethod,
		},
		{
			name:  "fit rejects NaN data",
			mtype: "spectrum.fit.fit",
			params: map[string]any{
				"datasets": []any{dataset(x, nanY)},
				"models":   polyModel("1", "0", "0"),
				"stat":     map[string]any{"name": "chi2"},
				"method":   map[string]any{"name": "levmar"},
			},
			kind:     protocol.KindStatistic,
			contains: "NaN",
		},
	}

	h := newHarness(t, lite.Name)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := h.call(t, tt.mtype, tt.params)
			requireFailure(t, env, tt.kind, tt.contains)
		})
	}
	assert.Zero(t, h.finished.Load(), "no stage failure may reach the executor")
}

func TestStageIsolation(t *testing.T) {
	h := newHarness(t, lite.Name)
	params := fitParams(10)
	params["models"] = []any{map[string]any{"name": "polynom1d.p1 * (", "parts": []any{}}}
	params["stat"] = map[string]any{"name": "bogus"}

	env := h.call(t, "spectrum.fit.fit", params)
	requireFailure(t, env, protocol.KindModel, "")
	assert.Zero(t, h.finished.Load())
}

func TestSetOperationsSucceed(t *testing.T) {
	h := newHarness(t, lite.Name)
	x, y := line(5)

	for mtype, params := range map[string]map[string]any{
		"spectrum.fit.set.data":       {"datasets": []any{dataset(x, y)}},
		"spectrum.fit.set.model":      {"models": polyModel("1", "0", "1")},
		"spectrum.fit.set.statistic":  {"stat": map[string]any{"name": "leastsq"}},
		"spectrum.fit.set.method":     {"method": map[string]any{"name": "neldermead", "config": map[string]any{"maxfev": "INDEF"}}},
		"spectrum.fit.set.confidence": {"confidence": map[string]any{"name": "covar", "config": map[string]any{"sigma": "1"}}},
	} {
		env := h.call(t, mtype, params)
		assert.Equal(t, protocol.StatusOK, env.Status, "%s: %+v", mtype, env.Result)
	}
}

func TestFitEndToEnd(t *testing.T) {
	h := newHarness(t, lite.Name)

	env := h.call(t, "spectrum.fit.fit", fitParams(50))
	require.Equal(t, protocol.StatusOK, env.Status, "%+v", env.Result)

	res := env.Result
	assert.Equal(t, "1", res["succeeded"])
	assert.Equal(t, []any{"p1.c0", "p1.c1"}, res["parnames"])
	parvals, err := codec.Decode(res["parvals"].(string))
	require.NoError(t, err)
	require.Len(t, parvals, 2)
	assert.InEpsilon(t, 2.0, parvals[0], 1e-7)
	assert.InEpsilon(t, 3.0, parvals[1], 1e-7)
	assert.Equal(t, "50", res["numpoints"])
	assert.Equal(t, "48.0", res["dof"])
	assert.Equal(t, int32(1), h.finished.Load())
	assert.Equal(t, 0, h.executor.Registry().Len(jobs.ClassFit))
}

func TestConfidenceProgressEvents(t *testing.T) {
	h := newHarness(t, lite.Name)
	events, stop := h.hub.Observe()
	defer stop()

	const n = 20
	params := fitParams(n)
	params["models"] = polyModel("2", "3", "0")
	params["confidence"] = map[string]any{"name": "conf", "config": map[string]any{"sigma": "1", "numcores": "INDEF"}}
	env := h.call(t, "spectrum.fit.confidence", params)
	require.Equal(t, protocol.StatusOK, env.Status, "%+v", env.Result)
	assert.Equal(t, "1.0", env.Result["sigma"])

	percent, err := strconv.ParseFloat(env.Result["percent"].(string), 64)
	require.NoError(t, err)
	assert.InDelta(t, 68.2689492137, percent, 1e-8)

	// Unit errors: the one-sigma errors of a straight line fit.
	mean, sxx, sx2 := 0.0, 0.0, 0.0
	for i := 0; i < n; i++ {
		mean += float64(i) / n
		sx2 += float64(i * i)
	}
	for i := 0; i < n; i++ {
		d := float64(i) - mean
		sxx += d * d
	}
	want := []float64{math.Sqrt(sx2 / (n * sxx)), math.Sqrt(1 / sxx)}

	parvals, err := codec.Decode(env.Result["parvals"].(string))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 3}, parvals, 1e-9)
	mins, err := codec.Decode(env.Result["parmins"].(string))
	require.NoError(t, err)
	maxes, err := codec.Decode(env.Result["parmaxes"].(string))
	require.NoError(t, err)
	require.Len(t, mins, 2)
	require.Len(t, maxes, 2)
	for i := range want {
		assert.InEpsilon(t, -want[i], mins[i], 1e-3, "parmins[%d]", i)
		assert.InEpsilon(t, want[i], maxes[i], 1e-3, "parmaxes[%d]", i)
	}

	var lines []string
	deadline := time.After(2 * time.Second)
	for len(lines) < 4 {
		select {
		case msg := <-events:
			if msg.MType == MTypeConfidenceEvent {
				lines = append(lines, msg.Params["message"].(string))
			}
		case <-deadline:
			t.Fatalf("got %d confidence events: %q", len(lines), lines)
		}
	}
	assert.Contains(t, lines[0], "bound:")
}

func TestConfidenceBadConfigIsFitFailure(t *testing.T) {
	h := newHarness(t, lite.Name)
	params := fitParams(10)
	params["confidence"] = map[string]any{"name": "conf", "config": map[string]any{"wobble": "1"}}

	env := h.call(t, "spectrum.fit.confidence", params)
	requireFailure(t, env, protocol.KindFit, "wobble")
}

func TestCalcStatistic(t *testing.T) {
	h := newHarness(t, lite.Name)
	x, y := line(5)
	base := map[string]any{
		"datasets": []any{dataset(x, y)},
		"models":   polyModel("0", "0", "1"),
		"stat":     map[string]any{"name": "chi2"},
	}

	env := h.call(t, "spectrum.fit.calc.statistic.value", base)
	require.Equal(t, protocol.StatusOK, env.Status, "%+v", env.Result)
	assert.Equal(t, "410.0", env.Result["results"])

	base["params"] = []any{
		map[string]any{"p1.c0": "2", "p1.c1": 3.0},
		map[string]any{"p1.c0": 0.0, "p1.c1": 0.0},
	}
	env = h.call(t, "spectrum.fit.calc.statistic.values", base)
	require.Equal(t, protocol.StatusOK, env.Status, "%+v", env.Result)
	vals, err := codec.Decode(env.Result["results"].(string))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 410}, vals, 1e-9)

	base["params"] = []any{map[string]any{"p1.nope": 1.0}}
	env = h.call(t, "spectrum.fit.calc.statistic.values", base)
	requireFailure(t, env, protocol.KindStatistic, "nope")
}

func TestCalcModelAndFlux(t *testing.T) {
	h := newHarness(t, lite.Name)
	x, y := line(5)
	params := map[string]any{
		"datasets": []any{dataset(x, y)},
		"models":   polyModel("2", "0", "1"),
	}

	env := h.call(t, "spectrum.fit.calc.model.values", params)
	require.Equal(t, protocol.StatusOK, env.Status, "%+v", env.Result)
	gotY, err := codec.Decode(env.Result["y"].(string))
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2, 2, 2}, gotY)
	gotErr, err := codec.Decode(env.Result["staterror"].(string))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1, 1, 1}, gotErr)

	for typ, want := range map[string]float64{"photon": 8, "energy": 16} {
		params["type"] = typ
		env = h.call(t, "spectrum.fit.calc.flux.value", params)
		require.Equal(t, protocol.StatusOK, env.Status, "%+v", env.Result)
		vals, err := codec.Decode(env.Result["results"].(string))
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{want}, vals, 1e-9, typ)
	}

	params["type"] = "bolometric"
	env = h.call(t, "spectrum.fit.calc.flux.value", params)
	requireFailure(t, env, protocol.KindModel, "bolometric")
}

func waitForWorker(t *testing.T, h *harness, class jobs.Class) jobs.JobInfo {
	t.Helper()
	var info jobs.JobInfo
	require.Eventually(t, func() bool {
		for _, j := range h.executor.Registry().Snapshot() {
			if j.Class == class && j.PID != 0 {
				info = j
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
	return info
}

func TestFitStopCancelsRunningFit(t *testing.T) {
	h := newHarness(t, "slow")

	msgID, replies, err := h.hub.Send(context.Background(), "spectrum.fit.fit", fitParams(10))
	require.NoError(t, err)
	waitForWorker(t, h, jobs.ClassFit)

	start := time.Now()
	env := h.call(t, "spectrum.fit.fit.stop", nil)
	assert.Equal(t, protocol.StatusOK, env.Status)

	select {
	case env := <-replies:
		requireFailure(t, env, protocol.KindFit, "Fitting stopped")
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled fit was not answered")
	}
	assert.Less(t, time.Since(start), 5*time.Second)

	h.router.Wait()
	assert.Equal(t, 0, h.executor.Registry().Len(jobs.ClassFit))
	assert.Equal(t, 1, h.replies(msgID), "exactly one reply per request")
}

func TestConfidenceStop(t *testing.T) {
	h := newHarness(t, "slow")

	params := fitParams(10)
	params["confidence"] = map[string]any{"name": "conf"}
	msgID, replies, err := h.hub.Send(context.Background(), "spectrum.fit.confidence", params)
	require.NoError(t, err)
	waitForWorker(t, h, jobs.ClassConfidence)

	// A fit stop leaves confidence jobs alone.
	env := h.call(t, "spectrum.fit.fit.stop", nil)
	assert.Equal(t, protocol.StatusOK, env.Status)
	assert.Equal(t, 1, h.executor.Registry().Len(jobs.ClassConfidence))

	env = h.call(t, "spectrum.fit.confidence.stop", nil)
	assert.Equal(t, protocol.StatusOK, env.Status)

	select {
	case env := <-replies:
		requireFailure(t, env, protocol.KindConfidence, "Confidence stopped")
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled confidence was not answered")
	}
	h.router.Wait()
	assert.Equal(t, 1, h.replies(msgID))
}

func TestStopWithoutJobsIsNoop(t *testing.T) {
	h := newHarness(t, lite.Name)
	for _, mt := range []string{"spectrum.fit.fit.stop", "spectrum.fit.confidence.stop"} {
		env := h.call(t, mt, nil)
		assert.Equal(t, protocol.StatusOK, env.Status, mt)
	}
}

func TestClassBusy(t *testing.T) {
	h := newHarness(t, "slow")

	_, replies, err := h.hub.Send(context.Background(), "spectrum.fit.fit", fitParams(10))
	require.NoError(t, err)
	waitForWorker(t, h, jobs.ClassFit)

	env := h.call(t, "spectrum.fit.fit", fitParams(10))
	requireFailure(t, env, protocol.KindFit, "fit job already in progress")

	h.call(t, "spectrum.fit.fit.stop", nil)
	select {
	case <-replies:
	case <-time.After(5 * time.Second):
		t.Fatal("first fit was not answered")
	}
}

func TestStatisticRequestsQueue(t *testing.T) {
	h := newHarness(t, lite.Name)
	x, y := line(5)
	params := map[string]any{
		"datasets": []any{dataset(x, y)},
		"models":   polyModel("0", "0", "1"),
		"stat":     map[string]any{"name": "chi2"},
	}

	const calls = 8
	envs := make([]protocol.Envelope, calls)
	errs := make([]error, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			envs[i], errs[i] = h.hub.Call(ctx, "spectrum.fit.calc.statistic.value", params)
		}(i)
	}
	wg.Wait()

	for i := range envs {
		require.NoError(t, errs[i])
		require.Equal(t, protocol.StatusOK, envs[i].Status, "call %d: %+v", i, envs[i].Result)
		assert.Equal(t, "410.0", envs[i].Result["results"])
	}
	assert.Equal(t, int32(calls), h.finished.Load())
	assert.Equal(t, 0, h.executor.Registry().Len(jobs.ClassStatistic))
}

func TestShutdownAnswersInFlight(t *testing.T) {
	h := newHarness(t, "slow")

	_, replies, err := h.hub.Send(context.Background(), "spectrum.fit.fit", fitParams(10))
	require.NoError(t, err)
	waitForWorker(t, h, jobs.ClassFit)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.router.Shutdown(ctx))

	select {
	case env := <-replies:
		requireFailure(t, env, protocol.KindFit, "shutting down")
	case <-time.After(time.Second):
		t.Fatal("in-flight fit was not answered on shutdown")
	}
}

// Redis rejects publishes on a cancelled context, so the shutdown reply must
// not inherit the router's context.
func TestShutdownAnswersInFlightOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	newClient := func(name string) *redisbus.Client {
		c, err := redisbus.New(redisbus.Options{URL: "redis://" + mr.Addr(), Prefix: "test", Name: name})
		require.NoError(t, err)
		require.NoError(t, c.Connect(ctx))
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	gw, caller := newClient("gw"), newClient("caller")

	h := &harness{executor: newExecutor(t)}
	router, err := NewRouter(Options{
		Engine:   "slow",
		Bus:      gw,
		Executor: h.executor,
		Sender:   reply.NewSender(gw, reply.Options{MaxAttempts: 3, RetryDelay: time.Millisecond}),
	})
	require.NoError(t, err)
	require.NoError(t, gw.Subscribe(ctx, MTypes(), router.Handle))

	replies := make(chan protocol.Envelope, 1)
	go func() {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if env, err := caller.Call(cctx, "spectrum.fit.fit", fitParams(10)); err == nil {
			replies <- env
		}
	}()
	waitForWorker(t, h, jobs.ClassFit)

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, router.Shutdown(sctx))

	select {
	case env := <-replies:
		requireFailure(t, env, protocol.KindFit, "shutting down")
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight fit was not answered on shutdown")
	}
}

func TestReplyContextSurvivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rctx, rcancel := replyContext(ctx)
	defer rcancel()
	assert.NoError(t, rctx.Err())
	_, ok := rctx.Deadline()
	assert.True(t, ok)
}

func TestNotRegisteredDropsRequest(t *testing.T) {
	state := &fixedState{}
	var served atomic.Int32
	h := newHarness(t, lite.Name, func(o *Options) {
		o.State = state
		o.OnReply = func(Operation, Result, time.Duration) { served.Add(1) }
	})

	msgID, replies, err := h.hub.Send(context.Background(), "sherpa.ping", nil)
	require.NoError(t, err)
	h.router.Wait()
	select {
	case env := <-replies:
		t.Fatalf("unexpected reply %+v", env)
	default:
	}
	assert.Zero(t, h.replies(msgID))
	assert.Zero(t, served.Load())

	state.registered.Store(true)
	env := h.call(t, "sherpa.ping", nil)
	assert.Equal(t, protocol.StatusOK, env.Status)
	h.router.Wait()
	assert.Equal(t, int32(1), served.Load())
}

func TestPanicIsAnswered(t *testing.T) {
	h := newHarness(t, lite.Name)
	h.router.handlers[OpPing] = func(context.Context, *request) Result { panic("boom") }

	env := h.call(t, "sherpa.ping", nil)
	requireFailure(t, env, protocol.KindInternal, "boom")
}

func TestOnReplyObserver(t *testing.T) {
	var seen atomic.Value
	h := newHarness(t, lite.Name, func(o *Options) {
		o.OnReply = func(op Operation, r Result, _ time.Duration) { seen.Store(op.String() + ":" + r.String()) }
	})
	h.call(t, "spectrum.fit.set.statistic", map[string]any{"stat": map[string]any{"name": "bogus"}})
	h.router.Wait()
	assert.Equal(t, "set-statistic:error", seen.Load())
}
