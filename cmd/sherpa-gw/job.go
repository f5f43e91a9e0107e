package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/sherpa-gw/internal/history"
	"github.com/mattjoyce/sherpa-gw/internal/inspect"
	"github.com/mattjoyce/sherpa-gw/internal/storage"
)

func (a *app) jobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Browse finished fit and confidence jobs",
	}
	cmd.AddCommand(a.jobListCommand(), a.jobInspectCommand())
	return cmd
}

// openHistory opens the configured job history without creating it.
func (a *app) openHistory(ctx context.Context) (*history.Store, *sql.DB, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.State.Path == "" {
		return nil, nil, errors.New("job history is disabled (state.path is empty)")
	}
	if _, err := os.Stat(cfg.State.Path); err != nil {
		return nil, nil, fmt.Errorf("no job history at %s", cfg.State.Path)
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return history.New(db), db, nil
}

func (a *app) jobListCommand() *cobra.Command {
	var (
		f       history.Filter
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, db, err := a.openHistory(cmd.Context())
			if err != nil {
				return a.fail("Failed to open job history: %v", err)
			}
			defer db.Close()

			entries, err := store.List(cmd.Context(), f)
			if err != nil {
				return a.fail("List failed: %v", err)
			}
			if jsonOut {
				if entries == nil {
					entries = []history.Entry{}
				}
				data, _ := json.MarshalIndent(entries, "", "  ")
				fmt.Fprintln(a.stdout, string(data))
				return nil
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.stdout, "No jobs recorded.")
				return nil
			}
			fmt.Fprintln(a.stdout, jobTable(entries))
			return nil
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "Maximum number of jobs")
	cmd.Flags().StringVar(&f.Class, "class", "", "Only jobs of this class (fit, confidence, statistic)")
	cmd.Flags().StringVar(&f.Outcome, "outcome", "", "Only jobs with this outcome")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

func jobTable(entries []history.Entry) string {
	header := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)
	failed := cell.Foreground(lipgloss.Color("9"))

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "CLASS", "OPERATION", "OUTCOME", "FINISHED", "DURATION").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return header
			case col == 3 && row >= 0 && row < len(entries) && entries[row].Outcome != "completed":
				return failed
			}
			return cell
		})
	for _, e := range entries {
		t.Row(
			shortID(e.ID),
			e.Class,
			e.Operation,
			e.Outcome,
			e.CompletedAt.Local().Format("2006-01-02 15:04:05"),
			e.Duration.Round(time.Millisecond).String(),
		)
	}
	return t.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a *app) jobInspectCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <job_id>",
		Short: "Show one job with its worker stderr and recent history",
		Long:  "Show one job. The id may be any unique prefix, such as the short id from 'job list'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := a.openHistory(cmd.Context())
			if err != nil {
				return a.fail("Failed to open job history: %v", err)
			}
			defer db.Close()

			build := inspect.BuildReport
			if jsonOut {
				build = inspect.BuildJSONReport
			}
			report, err := build(cmd.Context(), store, args[0])
			if err != nil {
				return a.fail("Inspect failed: %v", err)
			}
			fmt.Fprintln(a.stdout, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}
