package config

import "time"

// Config is the top-level gateway configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Bus      BusConfig      `yaml:"bus"`
	Liveness LivenessConfig `yaml:"liveness"`
	Reply    ReplyConfig    `yaml:"reply"`
	Worker   WorkerConfig   `yaml:"worker"`
	Engine   EngineConfig   `yaml:"engine"`
	State    StateConfig    `yaml:"state"`
	API      APIConfig      `yaml:"api"`

	// SourcePath is the file the config was loaded from; empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LockPath  string `yaml:"lock_path"`
}

// BusConfig selects and addresses the message bus.
type BusConfig struct {
	Transport  string `yaml:"transport"` // memory | redis | nats
	URL        string `yaml:"url"`
	Prefix     string `yaml:"prefix"`
	ClientName string `yaml:"client_name"`
}

// LivenessConfig controls the connection check loop.
type LivenessConfig struct {
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
}

// ReplyConfig bounds reply retries.
type ReplyConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// WorkerConfig describes how isolated worker processes are launched.
// An empty Command re-executes the running binary with the worker
// subcommand.
type WorkerConfig struct {
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	KillGrace time.Duration     `yaml:"kill_grace"`
	Timeout   time.Duration     `yaml:"timeout"` // 0 disables
}

// EngineConfig selects the compute engine. PassbandDir resolves relative
// passband file names for sed integrate.
type EngineConfig struct {
	Name        string `yaml:"name"`
	PassbandDir string `yaml:"passband_dir"`
}

// StateConfig locates the job history database.
type StateConfig struct {
	Path       string        `yaml:"path"`
	Retention  time.Duration `yaml:"retention"`
	PruneEvery time.Duration `yaml:"prune_every"`
}

// APIConfig configures the ops HTTP server.
// Token is an admin bearer token; Tokens adds scoped ones.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Token   string        `yaml:"token"`
	Tokens  []TokenConfig `yaml:"tokens"`
}

// TokenConfig is a bearer token limited to a set of scopes.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportNATS   = "nats"
)

// Defaults returns a Config with every field at its default.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "sherpa-gw",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/sherpa-gw.lock",
		},
		Bus: BusConfig{
			Transport:  TransportMemory,
			Prefix:     "sherpa",
			ClientName: "sherpa",
		},
		Liveness: LivenessConfig{
			Interval: 1500 * time.Millisecond,
			Window:   60 * time.Second,
		},
		Reply: ReplyConfig{
			MaxAttempts: 100,
			RetryDelay:  20 * time.Millisecond,
		},
		Worker: WorkerConfig{
			KillGrace: 2 * time.Second,
		},
		Engine: EngineConfig{Name: "lite"},
		State: StateConfig{
			Path:       "./data/sherpa-gw.db",
			Retention:  7 * 24 * time.Hour,
			PruneEvery: time.Hour,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8088",
		},
	}
}
