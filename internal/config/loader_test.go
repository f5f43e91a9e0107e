package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file uses defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Bus.Transport != TransportMemory {
					t.Errorf("transport = %q, want memory", cfg.Bus.Transport)
				}
				if cfg.Liveness.Interval != 1500*time.Millisecond {
					t.Errorf("liveness.interval = %v", cfg.Liveness.Interval)
				}
				if cfg.Liveness.Window != time.Minute {
					t.Errorf("liveness.window = %v", cfg.Liveness.Window)
				}
				if cfg.Reply.MaxAttempts != 100 {
					t.Errorf("reply.max_attempts = %d", cfg.Reply.MaxAttempts)
				}
			},
		},
		{
			name: "redis bus with env interpolation",
			yaml: `
service:
  log_level: debug
bus:
  transport: redis
  url: redis://${TEST_REDIS_HOST}:6379/0
  prefix: sherpa-test
worker:
  kill_grace: 500ms
  timeout: 10m
  env:
    OMP_NUM_THREADS: "1"
`,
			env: map[string]string{"TEST_REDIS_HOST": "cache.internal"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Bus.URL != "redis://cache.internal:6379/0" {
					t.Errorf("bus.url = %q", cfg.Bus.URL)
				}
				if cfg.Bus.Prefix != "sherpa-test" {
					t.Errorf("bus.prefix = %q", cfg.Bus.Prefix)
				}
				if cfg.Worker.KillGrace != 500*time.Millisecond {
					t.Errorf("worker.kill_grace = %v", cfg.Worker.KillGrace)
				}
				if cfg.Worker.Timeout != 10*time.Minute {
					t.Errorf("worker.timeout = %v", cfg.Worker.Timeout)
				}
				if cfg.Worker.Env["OMP_NUM_THREADS"] != "1" {
					t.Errorf("worker.env = %v", cfg.Worker.Env)
				}
				if cfg.Service.Name != "sherpa-gw" {
					t.Error("unset fields should keep defaults")
				}
			},
		},
		{
			name:    "unset env var",
			yaml:    "api:\n  token: ${SHERPA_TEST_UNSET_TOKEN}\n",
			wantErr: "unset environment variable SHERPA_TEST_UNSET_TOKEN",
		},
		{
			name:    "unknown key",
			yaml:    "bus:\n  transprot: nats\n",
			wantErr: "field transprot not found",
		},
		{
			name:    "nats without url",
			yaml:    "bus:\n  transport: nats\n",
			wantErr: "bus.url is required",
		},
		{
			name:    "unknown transport",
			yaml:    "bus:\n  transport: carrier-pigeon\n",
			wantErr: "bus.transport",
		},
		{
			name:    "window shorter than interval",
			yaml:    "liveness:\n  interval: 5s\n  window: 1s\n",
			wantErr: "liveness.window",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: chatty\n",
			wantErr: "service.log_level",
		},
		{
			name:    "zero reply attempts",
			yaml:    "reply:\n  max_attempts: 0\n",
			wantErr: "reply.max_attempts",
		},
		{
			name:    "bad duration",
			yaml:    "worker:\n  kill_grace: soon\n",
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if cfg.SourcePath != path {
				t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Discover(path)
	if err != nil || got != path {
		t.Fatalf("Discover(flag) = %q, %v", got, err)
	}

	if _, err := Discover(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing flag path")
	}

	t.Setenv(EnvConfigPath, path)
	got, err = Discover("")
	if err != nil || got != path {
		t.Fatalf("Discover(env) = %q, %v", got, err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvConfigPath, "")
	if _, err := os.Stat("/etc/sherpa-gw/config.yaml"); err == nil {
		t.Skip("system config present")
	}
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.SourcePath != "" || cfg.Engine.Name != "lite" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}
