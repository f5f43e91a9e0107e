package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/sherpa-gw/internal/config"
	"github.com/mattjoyce/sherpa-gw/internal/gateway"
)

func (a *app) callCommand() *cobra.Command {
	var (
		timeout time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "call <mtype> [key=value | key:=json | key=@file.json]...",
		Short: "Send one request to a running gateway and print the reply",
		Long: `Send one request over the configured bus and wait for its reply.

Parameters:
  key=value        string value
  key:=json        raw JSON value (numbers, lists, objects)
  key=@file.json   JSON read from a file
Dotted keys nest: method.name=levmar sets {"method": {"name": "levmar"}}.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return a.fail("Invalid parameters: %v", err)
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return a.fail("Failed to load config: %v", err)
			}
			if cfg.Bus.Transport == config.TransportMemory {
				return a.fail("The memory transport only reaches clients inside the gateway process; configure redis or nats")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client, err := gateway.NewClient(cfg.Bus, cfg.Liveness, "sherpa-call-"+uuid.NewString()[:8], nil)
			if err != nil {
				return a.fail("Bus error: %v", err)
			}
			if err := client.Connect(ctx); err != nil {
				return a.fail("Failed to connect to %s hub: %v", cfg.Bus.Transport, err)
			}
			defer client.Close()

			env, err := client.Call(ctx, args[0], params)
			if err != nil {
				return a.fail("Call failed: %v", err)
			}
			if jsonOut {
				data, _ := json.MarshalIndent(env, "", "  ")
				fmt.Fprintln(a.stdout, string(data))
			} else if kind, msg, failed := env.Failed(); failed {
				fmt.Fprintf(a.stdout, "%s: %s\n", kind, msg)
			} else {
				data, _ := json.MarshalIndent(env.Result, "", "  ")
				fmt.Fprintln(a.stdout, string(data))
			}
			if _, _, failed := env.Failed(); failed {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the reply")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the full reply envelope")
	return cmd
}

// parseParams turns key=value arguments into a params map.
func parseParams(args []string) (map[string]any, error) {
	params := map[string]any{}
	for _, arg := range args {
		key, value, err := parseParam(arg)
		if err != nil {
			return nil, err
		}
		if err := setPath(params, strings.Split(key, "."), value); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	return params, nil
}

func parseParam(arg string) (string, any, error) {
	if key, raw, ok := strings.Cut(arg, ":="); ok && !strings.Contains(key, "=") {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return "", nil, fmt.Errorf("%s: invalid JSON: %w", key, err)
		}
		return key, v, nil
	}
	key, raw, ok := strings.Cut(arg, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("%q is not key=value", arg)
	}
	if file, ok := strings.CutPrefix(raw, "@"); ok {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", nil, err
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return "", nil, fmt.Errorf("%s: invalid JSON: %w", file, err)
		}
		return key, v, nil
	}
	return key, raw, nil
}

func setPath(m map[string]any, path []string, value any) error {
	for i, part := range path {
		if part == "" {
			return fmt.Errorf("empty key segment")
		}
		if i == len(path)-1 {
			m[part] = value
			return nil
		}
		next, ok := m[part]
		if !ok {
			child := map[string]any{}
			m[part] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%s is already set to a non-object", strings.Join(path[:i+1], "."))
		}
		m = child
	}
	return nil
}
