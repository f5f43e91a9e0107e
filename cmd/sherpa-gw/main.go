package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sherpa-gw/internal/config"
	"github.com/mattjoyce/sherpa-gw/internal/engine"
	"github.com/mattjoyce/sherpa-gw/internal/engine/lite"
)

const version = "0.3.0"

func main() {
	engine.Register(lite.New())

	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the process with code. The command has already reported
// the problem, so main prints nothing more.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// app carries state shared by every subcommand.
type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "sherpa-gw",
		Short: "sherpa-gw - spectral fitting gateway for a message bus",
		Long: `sherpa-gw answers fitting, statistic and SED requests from a message
bus. Long-running fits and confidence runs execute in isolated worker
processes and can be stopped while in flight.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate("sherpa-gw version {{.Version}}\n")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"config file (default: $"+config.EnvConfigPath+", ~/.config/sherpa-gw/config.yaml, /etc/sherpa-gw/config.yaml)")

	root.AddCommand(
		a.systemCommand(),
		a.configCommand(),
		a.jobCommand(),
		a.callCommand(),
		a.workerCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "sherpa-gw version %s\n", version)
			},
		},
	)
	return root
}

// loadConfig resolves and loads the config, falling back to defaults when
// no file exists on the search path.
func (a *app) loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(a.configPath)
}

// fail prints err and returns the exit error for code 1.
func (a *app) fail(format string, args ...any) error {
	fmt.Fprintf(a.stderr, format+"\n", args...)
	return exitError{code: 1}
}
