// Package worker is the process side of a job. The dispatcher starts the
// binary's hidden worker command, writes one protocol.Request on stdin and
// reads exactly one protocol.Response from stdout. Progress lines go to
// stderr prefixed with "progress: ".
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"strconv"

	"github.com/mattjoyce/sherpa-gw/internal/codec"
	"github.com/mattjoyce/sherpa-gw/internal/engine"
	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

// Serve handles one request and returns the process exit code.
func Serve(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) int {
	resp := handle(ctx, stdin, stderr)
	if err := protocol.EncodeResponse(stdout, resp); err != nil {
		fmt.Fprintf(stderr, "write response: %v\n", err)
		return 1
	}
	if resp.Status == protocol.StatusError {
		return 1
	}
	return 0
}

func handle(ctx context.Context, stdin io.Reader, stderr io.Writer) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = &protocol.Response{
				Status: protocol.StatusError,
				Error:  fmt.Sprintf("panic: %v", r),
				Trace:  string(debug.Stack()),
			}
		}
	}()

	req, err := protocol.DecodeRequest(stdin)
	if err != nil {
		return failure(err)
	}
	progress := func(line string) {
		fmt.Fprintf(stderr, "%s%s\n", jobs.ProgressPrefix, line)
	}
	result, err := Execute(ctx, req, progress)
	if err != nil {
		return failure(err)
	}
	return &protocol.Response{Status: protocol.StatusOK, Result: result}
}

func failure(err error) *protocol.Response {
	if errors.Is(err, context.Canceled) {
		return &protocol.Response{Status: protocol.StatusError, Error: "interrupted"}
	}
	return &protocol.Response{Status: protocol.StatusError, Error: err.Error()}
}

// Execute stages req's problem on a fresh session and runs its operation.
func Execute(ctx context.Context, req *protocol.Request, progress func(string)) (map[string]any, error) {
	eng, err := engine.Lookup(req.Engine)
	if err != nil {
		return nil, err
	}
	s := eng.NewSession()
	if err := engine.Stage(s, req.Problem); err != nil {
		return nil, err
	}

	switch req.Operation {
	case protocol.OpFit:
		res, err := s.Fit(ctx)
		if err != nil {
			return nil, err
		}
		return FitResultMap(res), nil

	case protocol.OpConfidence:
		res, err := s.RunConfidence(ctx, progress)
		if err != nil {
			return nil, err
		}
		return ConfidenceResultMap(res), nil

	case protocol.OpCalcStat:
		v, err := s.CalcStat()
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": protocol.FormatFloat(v)}, nil

	case protocol.OpCalcStatValues:
		vals := make([]float64, 0, len(req.Points))
		for i, point := range req.Points {
			names := make([]string, 0, len(point))
			for name := range point {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if err := s.SetParameter(name, point[name]); err != nil {
					return nil, fmt.Errorf("point %d: %w", i, err)
				}
			}
			v, err := s.CalcStat()
			if err != nil {
				return nil, fmt.Errorf("point %d: %w", i, err)
			}
			vals = append(vals, v)
		}
		return map[string]any{"results": codec.Encode(vals)}, nil
	}
	return nil, fmt.Errorf("unknown operation %q", req.Operation)
}

// FitResultMap renders a fit result with every scalar as text and parameter
// values codec-encoded.
func FitResultMap(r *engine.FitResult) map[string]any {
	return map[string]any{
		"succeeded": protocol.FormatFlag(r.Succeeded),
		"parnames":  nonNil(r.ParNames),
		"parvals":   codec.Encode(r.ParVals),
		"statval":   protocol.FormatFloat(r.StatVal),
		"numpoints": strconv.Itoa(r.NumPoints),
		"dof":       protocol.FormatFloat(r.DOF),
		"qval":      protocol.FormatFloat(r.QVal),
		"rstat":     protocol.FormatFloat(r.RStat),
		"nfev":      strconv.Itoa(r.NFev),
	}
}

// ConfidenceResultMap renders confidence limits in the same style.
func ConfidenceResultMap(r *engine.ConfidenceResult) map[string]any {
	return map[string]any{
		"sigma":    protocol.FormatFloat(r.Sigma),
		"percent":  protocol.FormatFloat(r.Percent),
		"parnames": nonNil(r.ParNames),
		"parvals":  codec.Encode(r.ParVals),
		"parmins":  codec.Encode(r.ParMins),
		"parmaxes": codec.Encode(r.ParMaxes),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
