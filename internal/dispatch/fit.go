package dispatch

import (
	"context"

	"github.com/mattjoyce/sherpa-gw/internal/codec"
	"github.com/mattjoyce/sherpa-gw/internal/engine"
	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

func (r *Router) openStager(req *request) (*stager, Result, bool) {
	s, err := newStager(r.opts.Engine, req.msg.Params)
	if err != nil {
		req.logger.Error("engine unavailable", "error", err)
		return nil, Fail(protocol.KindInternal, err.Error()), false
	}
	req.state("validating")
	return s, Result{}, true
}

// staged runs stages and converts the first failure to a Result.
func (r *Router) staged(req *request, stages func(s *stager) []func() error) (*stager, Result, bool) {
	s, res, ok := r.openStager(req)
	if !ok {
		return nil, res, false
	}
	if err := s.run(stages(s)...); err != nil {
		return nil, failStage(req, err), false
	}
	return s, Result{}, true
}

func (r *Router) setData(_ context.Context, req *request) Result {
	_, res, ok := r.staged(req, func(s *stager) []func() error {
		return []func() error{s.data}
	})
	if !ok {
		return res
	}
	return OK(nil)
}

// setModel validates parameters and the model expression. The expression
// may reference components without data, so no data stage runs.
func (r *Router) setModel(_ context.Context, req *request) Result {
	_, res, ok := r.staged(req, func(s *stager) []func() error {
		return []func() error{s.parameters, s.model}
	})
	if !ok {
		return res
	}
	return OK(nil)
}

func (r *Router) setStatistic(_ context.Context, req *request) Result {
	_, res, ok := r.staged(req, func(s *stager) []func() error {
		return []func() error{func() error { return s.statistic(false) }}
	})
	if !ok {
		return res
	}
	return OK(nil)
}

func (r *Router) setMethod(_ context.Context, req *request) Result {
	_, res, ok := r.staged(req, func(s *stager) []func() error {
		return []func() error{s.method}
	})
	if !ok {
		return res
	}
	return OK(nil)
}

func (r *Router) setConfidence(_ context.Context, req *request) Result {
	_, res, ok := r.staged(req, func(s *stager) []func() error {
		return []func() error{s.confidence}
	})
	if !ok {
		return res
	}
	return OK(nil)
}

// compute stages a fit, confidence or statistic request locally and then
// runs it in a worker process.
func (r *Router) compute(ctx context.Context, req *request) Result {
	class, wireOp, _ := req.op.computeClass()

	var stages func(s *stager) []func() error
	execKind := protocol.KindFit
	switch req.op {
	case OpFit, OpConfidence:
		stages = func(s *stager) []func() error {
			return []func() error{s.method, s.data, s.parameters, s.model, func() error { return s.statistic(true) }}
		}
	default:
		execKind = protocol.KindStatistic
		stages = func(s *stager) []func() error {
			return []func() error{s.data, s.parameters, s.model, func() error { return s.statistic(false) }}
		}
	}
	s, res, ok := r.staged(req, stages)
	if !ok {
		return res
	}

	wreq := &protocol.Request{
		Protocol:  protocol.Version,
		Operation: wireOp,
		Engine:    r.opts.Engine,
		Problem:   s.problem,
	}
	var progress func(string)
	switch req.op {
	case OpConfidence:
		// The confidence block is applied inside the worker; its failures are
		// compute failures.
		conf, err := parseNamed(req.msg.Params, "confidence")
		if err != nil {
			return Fail(protocol.KindFit, err.Error())
		}
		wreq.Problem.Confidence = &engine.Confidence{Name: conf.name, Config: conf.config}
		progress = r.confidenceProgress(req)
	case OpCalcStatValues:
		points, err := parsePoints(req.msg.Params)
		if err != nil {
			return failStage(req, stageErr(protocol.KindStatistic, err))
		}
		wreq.Points = points
	}

	req.state("executing")
	out := r.opts.Executor.Run(ctx, jobs.Spec{
		Class:     class,
		RequestID: req.msg.MsgID,
		Request:   wreq,
		Progress:  progress,
		OnCancel: func() {
			if req.resp.Failure(ctx, classKind(class), stopMessage(class)) {
				req.logger.Info("request cancelled by stop")
			}
		},
	})
	return r.outcome(req, class, execKind, out)
}

// outcome maps a terminal job outcome to the request's result.
func (r *Router) outcome(req *request, class jobs.Class, execKind protocol.Kind, out jobs.Outcome) Result {
	logger := req.logger.With("job_id", out.JobID, "outcome", out.Kind.String())
	switch out.Kind {
	case jobs.Completed:
		req.state("completed")
		return OK(out.Result)
	case jobs.Rejected:
		req.state("failed_execution")
		return Fail(classKind(class), out.Message)
	case jobs.Cancelled:
		req.state("cancelled")
		if req.resp.Claimed() {
			return Handled()
		}
		return Fail(execKind, out.Message)
	case jobs.InternalError:
		req.state("failed_execution")
		logger.Error("worker failed", "error", out.Message, "stderr", out.Stderr)
		return Fail(protocol.KindInternal, out.Message)
	default:
		req.state("failed_execution")
		if out.Trace != "" {
			logger.Debug("worker trace", "trace", out.Trace)
		}
		return Fail(execKind, out.Message)
	}
}

// confidenceProgress republishes worker progress lines as notifications.
func (r *Router) confidenceProgress(req *request) func(string) {
	return func(line string) {
		if err := r.opts.Bus.Notify(r.ctx, MTypeConfidenceEvent, map[string]any{"message": line}); err != nil {
			req.logger.Debug("confidence event not sent", "error", err)
		}
	}
}

// stop cancels every live job of class. The stop request itself always
// succeeds.
func (r *Router) stop(class jobs.Class) handlerFunc {
	return func(_ context.Context, req *request) Result {
		cancelled := r.opts.Executor.Registry().CancelAll(class)
		req.logger.Info("stop requested", "class", string(class), "cancelled", len(cancelled))
		req.state("completed")
		return OK(nil)
	}
}

func (r *Router) calcModelValues(_ context.Context, req *request) Result {
	s, res, ok := r.staged(req, func(s *stager) []func() error {
		return []func() error{s.data, s.parameters, s.model}
	})
	if !ok {
		return res
	}
	req.state("executing")
	mv, err := s.sess.EvalModel()
	if err != nil {
		req.state("failed_execution")
		return Fail(protocol.KindModel, err.Error())
	}
	ones := make([]float64, len(mv.X))
	for i := range ones {
		ones[i] = 1
	}
	req.state("completed")
	return OK(map[string]any{
		"x":         codec.Encode(mv.X),
		"y":         codec.Encode(mv.Y),
		"staterror": codec.Encode(ones),
	})
}

func (r *Router) calcFluxValue(_ context.Context, req *request) Result {
	s, res, ok := r.staged(req, func(s *stager) []func() error {
		return []func() error{s.data, s.parameters, s.model}
	})
	if !ok {
		return res
	}
	req.state("executing")
	typ, err := stringField(req.msg.Params, "type")
	if err != nil {
		req.state("failed_execution")
		return Fail(protocol.KindModel, err.Error())
	}
	kind, err := engine.ParseFluxKind(typ)
	if err != nil {
		req.state("failed_execution")
		return Fail(protocol.KindModel, err.Error())
	}
	vals, err := s.sess.CalcFlux(kind)
	if err != nil {
		req.state("failed_execution")
		return Fail(protocol.KindModel, err.Error())
	}
	req.state("completed")
	return OK(map[string]any{"results": codec.Encode(vals)})
}

func (r *Router) ping(_ context.Context, req *request) Result {
	req.state("completed")
	return OK(nil)
}
