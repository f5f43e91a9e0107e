package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sherpa-gw/internal/codec"
	"github.com/mattjoyce/sherpa-gw/internal/engine"
	"github.com/mattjoyce/sherpa-gw/internal/engine/lite"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

func init() {
	engine.Register(lite.New())
	engine.Register(panicEngine{})
}

// panicEngine blows up inside Fit.
type panicEngine struct{}

func (panicEngine) Name() string { return "panics" }
func (panicEngine) NewSession() engine.Session {
	return panicSession{Session: lite.New().NewSession()}
}

type panicSession struct{ engine.Session }

func (panicSession) Fit(context.Context) (*engine.FitResult, error) { panic("kaboom") }

func f64(v float64) *float64 { return &v }

func lineProblem() engine.Problem {
	x := make([]float64, 20)
	y := make([]float64, 20)
	e := make([]float64, 20)
	for i := range x {
		x[i] = float64(i)
		y[i] = 1 + 0.5*x[i]
		e[i] = 1
	}
	return engine.Problem{
		Datasets: []engine.Dataset{{X: x, Y: y, StatError: e}},
		Models: []engine.Model{{
			Expression: "polynom1d.p",
			Parts: []engine.Component{{
				Name: "polynom1d.p",
				Pars: []engine.Parameter{{Name: "p.c0", Val: f64(0)}, {Name: "p.c1", Val: f64(0), Frozen: new(bool)}},
			}},
		}},
		Stat:   &engine.Stat{Name: "chi2"},
		Method: &engine.Method{Name: "levmar"},
	}
}

func serve(t *testing.T, req *protocol.Request) (*protocol.Response, string, int) {
	t.Helper()
	var in, out, errOut bytes.Buffer
	require.NoError(t, protocol.EncodeRequest(&in, req))
	code := Serve(context.Background(), &in, &out, &errOut)
	resp, err := protocol.DecodeResponse(&out)
	require.NoError(t, err)
	return resp, errOut.String(), code
}

func request(op protocol.Operation, eng string) *protocol.Request {
	return &protocol.Request{Protocol: protocol.Version, JobID: "job-1", Operation: op, Engine: eng, Problem: lineProblem()}
}

func TestServeFit(t *testing.T) {
	resp, _, code := serve(t, request(protocol.OpFit, lite.Name))
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Error)
	assert.Equal(t, 0, code)

	assert.Equal(t, "1", resp.Result["succeeded"])
	assert.Equal(t, "20", resp.Result["numpoints"])
	assert.Equal(t, "18.0", resp.Result["dof"])
	assert.Equal(t, []any{"p.c0", "p.c1"}, resp.Result["parnames"])

	vals, err := codec.Decode(resp.Result["parvals"].(string))
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.InEpsilon(t, 1.0, vals[0], 1e-7)
	assert.InEpsilon(t, 0.5, vals[1], 1e-7)
}

func TestServeConfidenceProgress(t *testing.T) {
	req := request(protocol.OpConfidence, lite.Name)
	req.Problem.Confidence = &engine.Confidence{Name: "covar"}
	resp, stderr, _ := serve(t, req)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Error)
	assert.Equal(t, "1.0", resp.Result["sigma"])
	for _, key := range []string{"parvals", "parmins", "parmaxes"} {
		vals, err := codec.Decode(resp.Result[key].(string))
		require.NoError(t, err)
		assert.Len(t, vals, 2, key)
	}

	req.Problem.Confidence = &engine.Confidence{Name: "conf"}
	resp, stderr, _ = serve(t, req)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Error)
	assert.Contains(t, stderr, "progress: p.c0 lower bound:\t")
	assert.Contains(t, stderr, "progress: p.c1 upper bound:\t")
}

func TestServeCalcStat(t *testing.T) {
	resp, _, _ := serve(t, request(protocol.OpCalcStat, lite.Name))
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Error)

	// Residuals at c0=0, c1=0 are y itself: sum of (1+0.5x)^2 for x in 0..19.
	want := 0.0
	for i := 0; i < 20; i++ {
		v := 1 + 0.5*float64(i)
		want += v * v
	}
	assert.Equal(t, protocol.FormatFloat(want), resp.Result["results"])
}

func TestServeCalcStatValues(t *testing.T) {
	req := request(protocol.OpCalcStatValues, lite.Name)
	req.Points = []map[string]float64{
		{"p.c0": 1, "p.c1": 0.5},
		{"p.c0": 0, "p.c1": 0.5},
	}
	resp, _, _ := serve(t, req)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Error)

	vals, err := codec.Decode(resp.Result["results"].(string))
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.InDelta(t, 0.0, vals[0], 1e-12)
	assert.InDelta(t, 20.0, vals[1], 1e-12)
}

func TestServeErrors(t *testing.T) {
	t.Run("unknown engine", func(t *testing.T) {
		resp, _, code := serve(t, request(protocol.OpFit, "nope"))
		assert.Equal(t, protocol.StatusError, resp.Status)
		assert.Contains(t, resp.Error, `engine "nope" not registered`)
		assert.Equal(t, 1, code)
	})

	t.Run("staging", func(t *testing.T) {
		req := request(protocol.OpFit, lite.Name)
		req.Problem.Models[0].Expression = "nosuch1d.q"
		resp, _, _ := serve(t, req)
		assert.Equal(t, protocol.StatusError, resp.Status)
		assert.True(t, strings.HasPrefix(resp.Error, "set model:"), resp.Error)
	})

	t.Run("unknown parameter in point", func(t *testing.T) {
		req := request(protocol.OpCalcStatValues, lite.Name)
		req.Points = []map[string]float64{{"p.zz": 1}}
		resp, _, _ := serve(t, req)
		assert.Equal(t, protocol.StatusError, resp.Status)
		assert.Contains(t, resp.Error, "point 0")
	})

	t.Run("panic", func(t *testing.T) {
		resp, _, _ := serve(t, request(protocol.OpFit, "panics"))
		assert.Equal(t, protocol.StatusError, resp.Status)
		assert.Equal(t, "panic: kaboom", resp.Error)
		assert.Contains(t, resp.Trace, "runtime/debug.Stack")
	})

	t.Run("malformed request", func(t *testing.T) {
		var out bytes.Buffer
		code := Serve(context.Background(), strings.NewReader("{"), &out, &bytes.Buffer{})
		assert.Equal(t, 1, code)
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
		assert.Contains(t, resp.Error, "failed to decode request")
	})
}

func TestServeInterrupted(t *testing.T) {
	var in, out bytes.Buffer
	require.NoError(t, protocol.EncodeRequest(&in, request(protocol.OpFit, lite.Name)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Serve(ctx, &in, &out, &bytes.Buffer{})

	resp, err := protocol.DecodeResponse(&out)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
}
