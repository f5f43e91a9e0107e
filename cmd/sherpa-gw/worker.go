package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/worker"
)

// workerCommand is the entry point the executor re-executes for each job.
// It reads one request on stdin and writes its result on stdout.
func (a *app) workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a single compute job (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := log.Configure(a.stderr, "warn", "json"); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if code := worker.Serve(ctx, cmd.InOrStdin(), a.stdout, a.stderr); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
}
