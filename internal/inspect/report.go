// Package inspect renders the "job inspect" report for a finished job.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/sherpa-gw/internal/history"
)

// stderrTail is how many stderr lines the text report shows.
const stderrTail = 20

// Report is the structured JSON form of a job report.
type Report struct {
	Job history.Entry `json:"job"`
	// Previous lists earlier jobs of the same class, newest first.
	Previous []history.Entry `json:"previous"`
}

// BuildReport renders a terminal-friendly report for a job id or unique
// id prefix.
func BuildReport(ctx context.Context, store *history.Store, id string) (string, error) {
	report, err := gather(ctx, store, id)
	if err != nil {
		return "", err
	}
	j := report.Job

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", j.ID)
	fmt.Fprintf(&out, "Request ID  : %s\n", renderUnset(j.RequestID, "<none>"))
	fmt.Fprintf(&out, "Class       : %s\n", j.Class)
	fmt.Fprintf(&out, "Operation   : %s\n", j.Operation)
	fmt.Fprintf(&out, "Outcome     : %s\n", j.Outcome)
	if j.Message != "" {
		fmt.Fprintf(&out, "Message     : %s\n", j.Message)
	}
	if j.PID > 0 {
		fmt.Fprintf(&out, "Worker PID  : %d\n", j.PID)
	}
	fmt.Fprintf(&out, "Started     : %s\n", j.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(&out, "Finished    : %s\n", j.CompletedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(&out, "Duration    : %s\n", j.Duration.Round(time.Millisecond))

	if stderr := strings.TrimRight(j.Stderr, "\n"); stderr != "" {
		lines := strings.Split(stderr, "\n")
		if len(lines) > stderrTail {
			fmt.Fprintf(&out, "\nWorker stderr (last %d of %d lines):\n", stderrTail, len(lines))
			lines = lines[len(lines)-stderrTail:]
		} else {
			fmt.Fprintf(&out, "\nWorker stderr:\n")
		}
		for _, line := range lines {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	if len(report.Previous) > 0 {
		fmt.Fprintf(&out, "\nPrevious %s jobs:\n", j.Class)
		for _, p := range report.Previous {
			fmt.Fprintf(&out, "  %s  %-10s %-12s %s\n",
				p.CompletedAt.Local().Format("2006-01-02 15:04:05"), shortID(p.ID), p.Outcome, p.Duration.Round(time.Millisecond))
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, store *history.Store, id string) (string, error) {
	report, err := gather(ctx, store, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gather(ctx context.Context, store *history.Store, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	j, err := store.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", id, err)
	}
	recent, err := store.List(ctx, history.Filter{Class: j.Class, Limit: 6})
	if err != nil {
		return nil, err
	}
	report := &Report{Job: j, Previous: make([]history.Entry, 0, len(recent))}
	for _, e := range recent {
		if e.ID == j.ID || e.CompletedAt.After(j.CompletedAt) {
			continue
		}
		e.Stderr = ""
		report.Previous = append(report.Previous, e)
		if len(report.Previous) == 5 {
			break
		}
	}
	return report, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
