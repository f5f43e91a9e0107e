package jobs

import "time"

// OutcomeKind is the terminal state of a job.
type OutcomeKind int

const (
	Completed OutcomeKind = iota
	Failed
	Cancelled
	TimedOut
	InternalError
	// Rejected means the job never started because its class was busy. It
	// is returned only from Run and never reaches OnFinish hooks, so history
	// and metrics do not see it.
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed_out"
	case InternalError:
		return "internal_error"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is what Run returns. Result is set for Completed; Message for
// every other kind. Trace is the worker-side trace for Failed.
type Outcome struct {
	Kind     OutcomeKind
	JobID    string
	Result   map[string]any
	Message  string
	Trace    string
	Stderr   string
	Duration time.Duration
}
