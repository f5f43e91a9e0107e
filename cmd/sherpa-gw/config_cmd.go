package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/sherpa-gw/internal/config"
	"github.com/mattjoyce/sherpa-gw/internal/doctor"
)

const redacted = "<redacted>"

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect, validate and lock the configuration",
	}
	cmd.AddCommand(a.configCheckCommand(), a.configShowCommand(), a.configLockCommand())
	return cmd
}

func (a *app) configCheckCommand() *cobra.Command {
	var strict, jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration against this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return a.fail("Load error: %v", err)
			}
			result := doctor.New(cfg).Validate()
			if jsonOut {
				out, err := doctor.FormatJSON(result)
				if err != nil {
					return a.fail("JSON format error: %v", err)
				}
				fmt.Fprintln(a.stdout, out)
			} else {
				fmt.Fprint(a.stdout, doctor.FormatHuman(result))
			}
			if !result.Valid || (strict && len(result.Warnings) > 0) {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

func (a *app) configShowCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return a.fail("Load error: %v", err)
			}
			redact(cfg)
			var out []byte
			if jsonOut {
				out, err = json.MarshalIndent(cfg, "", "  ")
				out = append(out, '\n')
			} else {
				out, err = yaml.Marshal(cfg)
			}
			if err != nil {
				return a.fail("Format error: %v", err)
			}
			_, err = a.stdout.Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

// redact blanks bearer tokens in place.
func redact(cfg *config.Config) {
	if cfg.API.Token != "" {
		cfg.API.Token = redacted
	}
	for i := range cfg.API.Tokens {
		if cfg.API.Tokens[i].Token != "" {
			cfg.API.Tokens[i].Token = redacted
		}
	}
}

func (a *app) configLockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Pin the config file's BLAKE3 hash in a sidecar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.Discover(a.configPath)
			if err != nil {
				return a.fail("Failed to discover config: %v", err)
			}
			if path == "" {
				return a.fail("No config file found; pass --config or set $%s", config.EnvConfigPath)
			}
			// Parse rather than Load: a stale sidecar must not block relocking.
			data, err := os.ReadFile(path)
			if err != nil {
				return a.fail("Read error: %v", err)
			}
			if _, err := config.Parse(data); err != nil {
				return a.fail("Refusing to lock an invalid config: %v", err)
			}
			hash, err := config.Lock(path)
			if err != nil {
				return a.fail("Lock failed: %v", err)
			}
			fmt.Fprintf(a.stdout, "Locked %s\n  blake3: %s\n  sidecar: %s\n", path, hash, config.LockPath(path))
			return nil
		},
	}
}
