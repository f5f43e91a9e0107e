package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sherpa-gw/internal/api"
	"github.com/mattjoyce/sherpa-gw/internal/gateway"
	"github.com/mattjoyce/sherpa-gw/internal/lifecycle"
	"github.com/mattjoyce/sherpa-gw/internal/lock"
	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/tui"
)

func (a *app) systemCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Gateway lifecycle and health",
	}
	cmd.AddCommand(a.startCommand(), a.statusCommand(), a.monitorCommand())
	return cmd
}

func (a *app) startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runStart(ctx)
		},
	}
}

func (a *app) runStart(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return a.fail("Failed to load config: %v", err)
	}
	if err := log.Configure(a.stderr, cfg.Service.LogLevel, cfg.Service.LogFormat); err != nil {
		return a.fail("Failed to configure logging: %v", err)
	}
	logger := log.WithComponent("main")
	logger.Info("sherpa-gw starting", "version", version, "config", renderUnset(cfg.SourcePath, "<defaults>"))

	pidLock, err := lock.Acquire(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
		return exitError{code: 1}
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	gw, err := gateway.New(ctx, cfg, gateway.Options{})
	if err != nil {
		logger.Error("failed to assemble gateway", "error", err)
		return exitError{code: 1}
	}
	defer gw.Close()

	logger.Info("sherpa-gw running (press Ctrl+C to stop)")
	err = gw.Run(ctx)
	switch {
	case err == nil:
		logger.Info("sherpa-gw stopped")
		return nil
	case errors.Is(err, lifecycle.ErrLivenessTimeout):
		logger.Error("hub unreachable, exiting", "error", err)
	default:
		logger.Error("component failed", "error", err)
	}
	return exitError{code: 1}
}

func (a *app) statusCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a gateway is running and its bus health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return a.fail("Failed to load config: %v", err)
			}
			st := status{LockPath: cfg.Service.LockPath}
			if l, err := lock.Acquire(cfg.Service.LockPath); err == nil {
				_ = l.Release()
			} else if errors.Is(err, lock.ErrHeld) {
				st.Running = true
				st.PID, _ = lock.Holder(cfg.Service.LockPath)
			}
			if st.Running && cfg.API.Enabled {
				st.Health, st.HealthError = fetchHealth(cmd.Context(), apiURL(cfg.API.Listen))
			}
			return a.printStatus(st, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

type status struct {
	Running     bool                 `json:"running"`
	PID         int                  `json:"pid,omitempty"`
	LockPath    string               `json:"lock_path"`
	Health      *api.HealthzResponse `json:"health,omitempty"`
	HealthError string               `json:"health_error,omitempty"`
}

func (a *app) printStatus(st status, jsonOut bool) error {
	if jsonOut {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Fprintln(a.stdout, string(data))
	} else if !st.Running {
		fmt.Fprintf(a.stdout, "sherpa-gw is not running (lock %s is free)\n", st.LockPath)
	} else {
		fmt.Fprintf(a.stdout, "sherpa-gw is running (pid %d)\n", st.PID)
		switch {
		case st.Health != nil:
			fmt.Fprintf(a.stdout, "  status      : %s\n", st.Health.Status)
			fmt.Fprintf(a.stdout, "  bus         : %s\n", st.Health.BusState)
			fmt.Fprintf(a.stdout, "  reconnects  : %d\n", st.Health.Reconnects)
			fmt.Fprintf(a.stdout, "  jobs running: %d\n", st.Health.JobsRunning)
			fmt.Fprintf(a.stdout, "  uptime      : %s\n", time.Duration(st.Health.UptimeSeconds)*time.Second)
		case st.HealthError != "":
			fmt.Fprintf(a.stdout, "  health unavailable: %s\n", st.HealthError)
		}
	}
	if !st.Running {
		return exitError{code: 3}
	}
	return nil
}

func fetchHealth(ctx context.Context, baseURL string) (*api.HealthzResponse, string) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return nil, err.Error()
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err.Error()
	}
	defer resp.Body.Close()
	var h api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Sprintf("decode healthz: %v", err)
	}
	return &h, ""
}

// apiURL turns a listen address into a URL a local client can reach.
func apiURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	listen = strings.Replace(listen, "0.0.0.0:", "127.0.0.1:", 1)
	return "http://" + listen
}

func (a *app) monitorCommand() *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live terminal view of jobs, history and bus health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" || token == "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return a.fail("Failed to load config: %v", err)
				}
				if url == "" {
					url = apiURL(cfg.API.Listen)
				}
				if token == "" {
					token = cfg.API.Token
				}
			}
			return tui.Run(url, token)
		},
	}
	cmd.Flags().StringVar(&url, "api", "", "API base URL (default: from api.listen)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default: api.token)")
	return cmd
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
