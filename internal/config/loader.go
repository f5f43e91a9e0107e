package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/sherpa-gw/internal/log"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a YAML config file over the defaults, verifies its lock hash
// when one exists, and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if err := VerifyLock(absPath); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads the discovered config file, or returns defaults when
// no file exists anywhere on the search path.
func LoadOrDefault(flagPath string) (*Config, error) {
	path, err := Discover(flagPath)
	if err != nil {
		return nil, err
	}
	if path == "" {
		log.WithComponent("config").Debug("no config file found, using defaults")
		return Defaults(), nil
	}
	return Load(path)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	if _, ok := log.ParseLevel(cfg.Service.LogLevel); !ok {
		return fmt.Errorf("service.log_level %q must be one of debug, info, warn, error", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format %q must be json or text", cfg.Service.LogFormat)
	}

	switch cfg.Bus.Transport {
	case TransportMemory:
	case TransportRedis, TransportNATS:
		if cfg.Bus.URL == "" {
			return fmt.Errorf("bus.url is required for transport %q", cfg.Bus.Transport)
		}
	default:
		return fmt.Errorf("bus.transport %q must be one of memory, redis, nats", cfg.Bus.Transport)
	}
	if cfg.Bus.Prefix == "" {
		return fmt.Errorf("bus.prefix must not be empty")
	}
	if cfg.Bus.ClientName == "" {
		return fmt.Errorf("bus.client_name must not be empty")
	}

	if cfg.Liveness.Interval <= 0 {
		return fmt.Errorf("liveness.interval must be positive")
	}
	if cfg.Liveness.Window < cfg.Liveness.Interval {
		return fmt.Errorf("liveness.window (%s) must be at least liveness.interval (%s)", cfg.Liveness.Window, cfg.Liveness.Interval)
	}
	if cfg.Reply.MaxAttempts < 1 {
		return fmt.Errorf("reply.max_attempts must be at least 1")
	}
	if cfg.Reply.RetryDelay < 0 {
		return fmt.Errorf("reply.retry_delay must not be negative")
	}
	if cfg.Worker.KillGrace < 0 {
		return fmt.Errorf("worker.kill_grace must not be negative")
	}
	if cfg.Worker.Timeout < 0 {
		return fmt.Errorf("worker.timeout must not be negative")
	}
	if cfg.Engine.Name == "" {
		return fmt.Errorf("engine.name must not be empty")
	}
	if cfg.State.Retention < 0 {
		return fmt.Errorf("state.retention must not be negative")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	for i, t := range cfg.API.Tokens {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("api.tokens[%d].token must not be empty", i)
		}
		if len(t.Scopes) == 0 {
			return fmt.Errorf("api.tokens[%d].scopes must not be empty", i)
		}
	}

	for field, value := range map[string]string{
		"bus.url":        cfg.Bus.URL,
		"api.token":      cfg.API.Token,
		"worker.command": cfg.Worker.Command,
		"state.path":     cfg.State.Path,
	} {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s references unset environment variable %s", field, m[1])
		}
	}
	for k, v := range cfg.Worker.Env {
		if m := envVarPattern.FindStringSubmatch(v); m != nil {
			return fmt.Errorf("worker.env.%s references unset environment variable %s", k, m[1])
		}
	}
	return nil
}
