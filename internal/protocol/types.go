package protocol

import (
	"github.com/mattjoyce/sherpa-gw/internal/engine"
)

// Version is the worker wire protocol version.
const Version = 1

// Kind classifies a failure reported back to a caller.
type Kind string

const (
	KindData       Kind = "DataException"
	KindParameter  Kind = "ParameterException"
	KindModel      Kind = "ModelException"
	KindStatistic  Kind = "StatisticException"
	KindMethod     Kind = "MethodException"
	KindConfidence Kind = "ConfidenceException"
	KindFit        Kind = "FitException"
	KindSED        Kind = "SEDException"
	KindMalformed  Kind = "MalformedPayload"
	KindInternal   Kind = "InternalError"
)

// Status is the terminal state of a reply.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Envelope is the single terminal reply sent for a request.
type Envelope struct {
	Status Status         `json:"status"`
	Result map[string]any `json:"result"`
}

// Success wraps an operation result. A nil result becomes an empty map.
func Success(result map[string]any) Envelope {
	if result == nil {
		result = map[string]any{}
	}
	return Envelope{Status: StatusOK, Result: result}
}

// Failure builds an error envelope carrying kind and message.
func Failure(kind Kind, message string) Envelope {
	return Envelope{
		Status: StatusError,
		Result: map[string]any{
			"exception": string(kind),
			"message":   message,
		},
	}
}

// Failed reports the kind and message of an error envelope.
func (e Envelope) Failed() (Kind, string, bool) {
	if e.Status != StatusError {
		return "", "", false
	}
	kind, _ := e.Result["exception"].(string)
	msg, _ := e.Result["message"].(string)
	return Kind(kind), msg, true
}

// Operation names a computation a worker process can run.
type Operation string

const (
	OpFit            Operation = "fit"
	OpConfidence     Operation = "confidence"
	OpCalcStat       Operation = "calc_stat"
	OpCalcStatValues Operation = "calc_stat_values"
)

// Request is sent to a worker process on stdin.
type Request struct {
	Protocol  int                  `json:"protocol"`
	JobID     string               `json:"job_id"`
	Operation Operation            `json:"operation"`
	Engine    string               `json:"engine"`
	Problem   engine.Problem       `json:"problem"`
	Points    []map[string]float64 `json:"points,omitempty"` // calc_stat_values only
}

// Response is written by a worker process on stdout exactly once.
type Response struct {
	Status Status         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Trace  string         `json:"trace,omitempty"`
}
