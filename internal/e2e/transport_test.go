// Package e2e drives a whole gateway over real bus transports, with worker
// processes spawned from the test binary.
package e2e

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/codec"
	"github.com/mattjoyce/sherpa-gw/internal/config"
	"github.com/mattjoyce/sherpa-gw/internal/engine"
	"github.com/mattjoyce/sherpa-gw/internal/engine/lite"
	"github.com/mattjoyce/sherpa-gw/internal/gateway"
	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
	"github.com/mattjoyce/sherpa-gw/internal/worker"
)

const helperEnv = "SHERPA_GW_E2E_WORKER"

func TestMain(m *testing.M) {
	engine.Register(lite.New())
	if os.Getenv(helperEnv) != "" {
		os.Exit(worker.Serve(context.Background(), os.Stdin, os.Stdout, os.Stderr))
	}
	if err := log.Configure(io.Discard, "error", "json"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func gatewayConfig(transport, url string) *config.Config {
	cfg := config.Defaults()
	cfg.Bus.Transport = transport
	cfg.Bus.URL = url
	cfg.Bus.Prefix = "e2e"
	cfg.Liveness.Interval = 50 * time.Millisecond
	cfg.Liveness.Window = 5 * time.Second
	cfg.Worker.Command = os.Args[0]
	cfg.Worker.Args = []string{"-test.run=^$"}
	cfg.Worker.Env = map[string]string{helperEnv: "1"}
	cfg.Worker.KillGrace = 500 * time.Millisecond
	cfg.State.Path = ""
	return cfg
}

// runGateway starts a gateway and returns a connected caller on the same
// bus.
func runGateway(t *testing.T, cfg *config.Config) (*gateway.Gateway, bus.Client) {
	t.Helper()
	gw, err := gateway.New(context.Background(), cfg, gateway.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("gateway did not stop")
		}
		_ = gw.Close()
	})
	require.Eventually(t, gw.Lifecycle().Registered, 5*time.Second, 10*time.Millisecond)

	caller, err := gateway.NewClient(cfg.Bus, cfg.Liveness, "e2e-caller", nil)
	require.NoError(t, err)
	require.NoError(t, caller.Connect(context.Background()))
	t.Cleanup(func() { _ = caller.Close() })
	return gw, caller
}

func fitParams() map[string]any {
	x := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	y := make([]float64, len(x))
	errs := make([]float64, len(x))
	for i := range x {
		y[i] = 2 + 3*x[i]
		errs[i] = 1
	}
	return map[string]any{
		"datasets": []any{map[string]any{
			"x": codec.Encode(x), "y": codec.Encode(y), "staterror": codec.Encode(errs),
		}},
		"models": []any{map[string]any{
			"name": "polynom1d.p1",
			"parts": []any{map[string]any{
				"name": "polynom1d.p1",
				"pars": []any{
					map[string]any{"name": "p1.c0", "val": "1"},
					map[string]any{"name": "p1.c1", "val": "0"},
				},
			}},
		}},
		"stat":   map[string]any{"name": "chi2"},
		"method": map[string]any{"name": "levmar"},
	}
}

func exercise(t *testing.T, caller bus.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	env, err := caller.Call(ctx, "sherpa.ping", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, env.Status)

	env, err = caller.Call(ctx, "spectrum.fit.fit", fitParams())
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, env.Status, "%+v", env.Result)
	parvals, err := codec.Decode(env.Result["parvals"].(string))
	require.NoError(t, err)
	require.Len(t, parvals, 2)
	assert.InEpsilon(t, 2.0, parvals[0], 1e-7)
	assert.InEpsilon(t, 3.0, parvals[1], 1e-7)

	env, err = caller.Call(ctx, "spectrum.fit.set.statistic", map[string]any{"stat": map[string]any{"name": "bogus"}})
	require.NoError(t, err)
	kind, _, failed := env.Failed()
	require.True(t, failed)
	assert.Equal(t, protocol.KindStatistic, kind)

	env, err = caller.Call(ctx, "spectrum.fit.fit.stop", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, env.Status)
}

func TestGatewayOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	gw, caller := runGateway(t, gatewayConfig(config.TransportRedis, "redis://"+mr.Addr()))

	exercise(t, caller)
	assert.Equal(t, 0, gw.Registry().Len("fit"))
}

func TestGatewayRedisRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	gw, caller := runGateway(t, gatewayConfig(config.TransportRedis, "redis://"+mr.Addr()))

	// Losing the registration key looks like a hub restart.
	mr.FlushAll()
	require.Eventually(t, func() bool { return gw.Lifecycle().Reconnects() >= 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, gw.Lifecycle().Registered, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	env, err := caller.Call(ctx, "sherpa.ping", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, env.Status)
}

func TestGatewayOverNATS(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)
	_, caller := runGateway(t, gatewayConfig(config.TransportNATS, srv.ClientURL()))

	exercise(t, caller)
}
