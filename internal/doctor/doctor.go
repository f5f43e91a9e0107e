// Package doctor runs the deeper configuration checks behind
// "sherpa-gw config check". config.Load already rejects malformed files;
// doctor looks at how the settings fit the host they will run on.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/sherpa-gw/internal/auth"
	"github.com/mattjoyce/sherpa-gw/internal/config"
	"github.com/mattjoyce/sherpa-gw/internal/engine"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

type Doctor struct {
	cfg *config.Config
	// lookPath resolves worker commands; swapped in tests.
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateBus(r)
	d.validateEngine(r)
	d.validateWorker(r)
	d.validateAPI(r)
	d.validateTokenScopes(r)
	d.warnLiveness(r)
	d.warnState(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	if d.cfg.Service.LockPath == "" {
		d.addError(r, "service", "service.lock_path", "lock_path is required")
	}
}

// validateBus checks that the URL scheme matches the transport.
func (d *Doctor) validateBus(r *Result) {
	b := d.cfg.Bus
	if b.Transport == config.TransportMemory {
		d.addWarning(r, "bus", "bus.transport",
			"memory transport only reaches clients inside this process")
		return
	}
	u, err := url.Parse(b.URL)
	if err != nil {
		d.addError(r, "bus", "bus.url", fmt.Sprintf("invalid url: %v", err))
		return
	}
	var allowed []string
	switch b.Transport {
	case config.TransportRedis:
		allowed = []string{"redis", "rediss", "unix"}
	case config.TransportNATS:
		allowed = []string{"nats", "tls", "ws", "wss"}
	}
	for _, s := range allowed {
		if u.Scheme == s {
			return
		}
	}
	d.addError(r, "bus", "bus.url",
		fmt.Sprintf("scheme %q does not match transport %q (expected one of %s)", u.Scheme, b.Transport, strings.Join(allowed, ", ")))
}

func (d *Doctor) validateEngine(r *Result) {
	if _, err := engine.Lookup(d.cfg.Engine.Name); err != nil {
		d.addError(r, "engine", "engine.name", err.Error())
	}
	dir := d.cfg.Engine.PassbandDir
	if dir == "" {
		return
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		d.addError(r, "engine", "engine.passband_dir", fmt.Sprintf("%s is not a directory", dir))
	}
}

// validateWorker checks that an explicit worker command can be found.
// An empty command re-executes this binary and always resolves.
func (d *Doctor) validateWorker(r *Result) {
	w := d.cfg.Worker
	if w.Command != "" {
		if _, err := d.lookPath(w.Command); err != nil {
			d.addError(r, "worker", "worker.command", fmt.Sprintf("command %q not found: %v", w.Command, err))
		}
	}
	if w.Timeout > 0 && w.Timeout < w.KillGrace {
		d.addWarning(r, "worker", "worker.timeout",
			fmt.Sprintf("timeout %s is shorter than kill_grace %s", w.Timeout, w.KillGrace))
	}
}

func (d *Doctor) validateAPI(r *Result) {
	a := d.cfg.API
	if !a.Enabled {
		return
	}
	if a.Token == "" && len(a.Tokens) == 0 {
		d.addWarning(r, "api", "api.token", "API enabled but no tokens configured; only /healthz and /metrics will answer")
	}
	host := a.Listen
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	if host == "" || host == "0.0.0.0" || host == "[::]" {
		d.addWarning(r, "api", "api.listen", fmt.Sprintf("%s listens on every interface", a.Listen))
	}
}

var knownScopes = map[string]bool{
	auth.ScopeAll:      true,
	auth.ScopeJobsRead: true,
	auth.ScopeJobsRW:   true,
	auth.ScopeEvents:   true,
}

func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Tokens {
		if prev, ok := seen[token.Token]; ok {
			d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].token", i),
				fmt.Sprintf("duplicates api.tokens[%d]", prev))
		}
		seen[token.Token] = i
		if token.Token == d.cfg.API.Token {
			d.addWarning(r, "token_scopes", fmt.Sprintf("api.tokens[%d].token", i),
				"same value as api.token; the admin token wins")
		}
		for j, scope := range token.Scopes {
			if !knownScopes[scope] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, jobs:ro, jobs:rw or events:ro)", scope))
			}
		}
	}
}

// warnLiveness flags windows that allow fewer than three checks.
func (d *Doctor) warnLiveness(r *Result) {
	l := d.cfg.Liveness
	if l.Interval > 0 && l.Window < 3*l.Interval {
		d.addWarning(r, "liveness", "liveness.window",
			fmt.Sprintf("window %s allows fewer than three checks at interval %s", l.Window, l.Interval))
	}
}

func (d *Doctor) warnState(r *Result) {
	s := d.cfg.State
	if s.Path == "" {
		d.addWarning(r, "state", "state.path", "job history disabled")
		return
	}
	if s.Retention == 0 {
		d.addWarning(r, "state", "state.retention", "retention is zero; job history is never pruned")
	}
	if filepath.Dir(s.Path) != filepath.Dir(d.cfg.Service.LockPath) {
		d.addWarning(r, "state", "service.lock_path",
			"lock file and history database are in different directories; two gateways could share one database")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
