package api

import (
	"time"

	"github.com/mattjoyce/sherpa-gw/internal/history"
	"github.com/mattjoyce/sherpa-gw/internal/jobs"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string     `json:"status"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	BusState      string     `json:"bus_state,omitempty"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	Reconnects    int64      `json:"reconnects"`
	JobsRunning   int        `json:"jobs_running"`
}

// JobsResponse is returned by GET /jobs.
type JobsResponse struct {
	Jobs []jobs.JobInfo `json:"jobs"`
}

// HistoryResponse is returned by GET /jobs/history.
type HistoryResponse struct {
	Jobs []history.Entry `json:"jobs"`
}

// JobResponse is returned by GET /job/{jobID}. Exactly one of Live and
// Finished is set.
type JobResponse struct {
	JobID    string         `json:"job_id"`
	Status   string         `json:"status"`
	Live     *jobs.JobInfo  `json:"live,omitempty"`
	Finished *history.Entry `json:"finished,omitempty"`
}

// CancelResponse is returned by POST /jobs/{class}/cancel.
type CancelResponse struct {
	Class     string   `json:"class"`
	Cancelled []string `json:"cancelled"`
}
