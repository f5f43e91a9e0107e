package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sherpa-gw/internal/config"
	"github.com/mattjoyce/sherpa-gw/internal/engine"
	"github.com/mattjoyce/sherpa-gw/internal/engine/lite"
	"github.com/mattjoyce/sherpa-gw/internal/history"
	"github.com/mattjoyce/sherpa-gw/internal/lock"
	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/storage"
)

func TestMain(m *testing.M) {
	engine.Register(lite.New())
	_ = log.Configure(io.Discard, "error", "json")
	os.Exit(m.Run())
}

// run executes the CLI with args and returns its exit code and output.
func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand(&stdout, &stderr)
	root.SetArgs(args)
	code := 0
	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			code = exit.code
		} else {
			code = 1
			stderr.WriteString(err.Error())
		}
	}
	return code, stdout.String(), stderr.String()
}

// writeConfig writes a config rooted in a temp dir and returns its path.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := "service:\n" +
		"  lock_path: " + filepath.Join(dir, "sherpa-gw.lock") + "\n" +
		"state:\n" +
		"  path: " + filepath.Join(dir, "sherpa-gw.db") + "\n" +
		extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, dir
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "sherpa-gw version "+version+"\n", out)

	code, out, _ = run(t, "--version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)
}

func TestParseParams(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(file, []byte(`[{"x": [1, 2]}]`), 0o644))

	params, err := parseParams([]string{
		"method.name=levmar",
		"stat.name=leastsq",
		"method.config:={\"maxfev\": 100}",
		"datasets=@" + file,
		"note=a=b",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"method": map[string]any{
			"name":   "levmar",
			"config": map[string]any{"maxfev": float64(100)},
		},
		"stat":     map[string]any{"name": "leastsq"},
		"datasets": []any{map[string]any{"x": []any{float64(1), float64(2)}}},
		"note":     "a=b",
	}, params)
}

func TestParseParamsErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"no equals":    {"method"},
		"empty key":    {"=x"},
		"bad json":     {"n:={"},
		"missing file": {"d=@/does/not/exist.json"},
		"empty part":   {"a..b=1"},
		"scalar clash": {"a=1", "a.b=2"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseParams(args)
			assert.Error(t, err)
		})
	}
}

func TestConfigShowRedactsTokens(t *testing.T) {
	path, _ := writeConfig(t, "api:\n  enabled: true\n  token: hunter2\n  tokens:\n    - token: scoped-secret\n      scopes: [jobs:ro]\n")

	code, out, stderr := run(t, "--config", path, "config", "show")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, redacted)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "scoped-secret")
	assert.Contains(t, out, "interval: 1.5s")

	code, out, _ = run(t, "--config", path, "config", "show", "--json")
	require.Equal(t, 0, code)
	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, redacted, cfg.API.Token)
	assert.Equal(t, redacted, cfg.API.Tokens[0].Token)
}

func TestConfigCheck(t *testing.T) {
	path, _ := writeConfig(t, "")

	code, out, _ := run(t, "--config", path, "config", "check")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Configuration valid (1 warning(s))")
	assert.Contains(t, out, "memory transport")

	code, _, _ = run(t, "--config", path, "config", "check", "--strict")
	assert.Equal(t, 1, code)

	code, out, _ = run(t, "--config", path, "config", "check", "--json")
	assert.Equal(t, 0, code)
	var res struct {
		Valid    bool             `json:"valid"`
		Warnings []map[string]any `json:"warnings"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Len(t, res.Warnings, 1)
}

func TestConfigCheckReportsErrors(t *testing.T) {
	path, _ := writeConfig(t, "engine:\n  name: missing\n")
	code, out, _ := run(t, "--config", path, "config", "check")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Configuration invalid")
	assert.Contains(t, out, "engine.name")
}

func TestConfigLock(t *testing.T) {
	path, _ := writeConfig(t, "")

	code, out, stderr := run(t, "--config", path, "config", "lock")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "blake3:")
	assert.FileExists(t, config.LockPath(path))

	code, _, _ = run(t, "--config", path, "config", "show")
	assert.Equal(t, 0, code)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr = run(t, "--config", path, "config", "show")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "hash mismatch")

	code, _, stderr = run(t, "--config", path, "config", "lock")
	assert.Equal(t, 0, code, stderr)
	code, _, _ = run(t, "--config", path, "config", "show")
	assert.Equal(t, 0, code)
}

func TestConfigLockMissingFile(t *testing.T) {
	code, _, stderr := run(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "config", "lock")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Failed to discover config")
}

func seedHistory(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	defer db.Close()
	store := history.New(db)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, history.Entry{
		ID: "aaaa1111-0000-0000-0000-000000000000", RequestID: "req-1",
		Class: "fit", Operation: "fit", Outcome: "completed", PID: 101,
		CreatedAt: base, CompletedAt: base.Add(time.Second), Duration: time.Second,
	}))
	require.NoError(t, store.Record(ctx, history.Entry{
		ID: "bbbb2222-0000-0000-0000-000000000000", RequestID: "req-2",
		Class: "fit", Operation: "fit", Outcome: "cancelled", Message: "fit stopped", PID: 102,
		CreatedAt: base.Add(time.Minute), CompletedAt: base.Add(2 * time.Minute), Duration: time.Minute,
		Stderr: "iteration 1\niteration 2\n",
	}))
}

func TestJobList(t *testing.T) {
	path, dir := writeConfig(t, "")
	seedHistory(t, filepath.Join(dir, "sherpa-gw.db"))

	code, out, stderr := run(t, "--config", path, "job", "list")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "aaaa1111")
	assert.Contains(t, out, "bbbb2222")
	assert.Contains(t, out, "cancelled")

	code, out, _ = run(t, "--config", path, "job", "list", "--json", "--outcome", "cancelled")
	require.Equal(t, 0, code)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "req-2", entries[0].RequestID)

	code, out, _ = run(t, "--config", path, "job", "list", "--json", "--class", "confidence")
	require.Equal(t, 0, code)
	assert.JSONEq(t, "[]", out)
}

func TestJobListWithoutHistory(t *testing.T) {
	path, dir := writeConfig(t, "")
	code, _, stderr := run(t, "--config", path, "job", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no job history")
	assert.NoFileExists(t, filepath.Join(dir, "sherpa-gw.db"))
}

func TestJobInspect(t *testing.T) {
	path, dir := writeConfig(t, "")
	seedHistory(t, filepath.Join(dir, "sherpa-gw.db"))

	code, out, stderr := run(t, "--config", path, "job", "inspect", "bbbb")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "bbbb2222-0000-0000-0000-000000000000")
	assert.Contains(t, out, "fit stopped")
	assert.Contains(t, out, "iteration 2")

	code, out, _ = run(t, "--config", path, "job", "inspect", "bbbb2222", "--json")
	require.Equal(t, 0, code)
	var report struct {
		Job      history.Entry   `json:"job"`
		Previous []history.Entry `json:"previous"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "req-2", report.Job.RequestID)
	require.Len(t, report.Previous, 1)
	assert.Equal(t, "req-1", report.Previous[0].RequestID)

	code, _, stderr = run(t, "--config", path, "job", "inspect", "zzzz")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Inspect failed")
}

func TestSystemStatus(t *testing.T) {
	path, dir := writeConfig(t, "")

	code, out, _ := run(t, "--config", path, "system", "status")
	assert.Equal(t, 3, code)
	assert.Contains(t, out, "not running")

	l, err := lock.Acquire(filepath.Join(dir, "sherpa-gw.lock"))
	require.NoError(t, err)
	defer l.Release()

	code, out, _ = run(t, "--config", path, "system", "status", "--json")
	assert.Equal(t, 0, code)
	var st status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Running)
	assert.Equal(t, os.Getpid(), st.PID)
}

func TestCallRejectsMemoryTransport(t *testing.T) {
	path, _ := writeConfig(t, "")
	code, _, stderr := run(t, "--config", path, "call", "sherpa.ping")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "memory transport")
}

func TestAPIURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8088", apiURL(":8088"))
	assert.Equal(t, "http://127.0.0.1:9000", apiURL("0.0.0.0:9000"))
	assert.Equal(t, "http://gw.local:8088", apiURL("gw.local:8088"))
}
