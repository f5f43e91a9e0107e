package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
	"github.com/mattjoyce/sherpa-gw/internal/reply"
)

// StateReader reports whether the gateway is registered with its hub.
type StateReader interface {
	Registered() bool
}

// Options configures a Router.
type Options struct {
	// Engine is the compute engine name used for staging and workers.
	Engine   string
	Bus      bus.Bus
	Executor *jobs.Executor
	Sender   *reply.Sender
	// State gates dispatch on registration. Nil means always registered.
	State StateReader
	// PassbandDir resolves relative passband file names for integrate.
	PassbandDir string
	// OnReply is called after every request is answered. Optional.
	OnReply func(op Operation, r Result, elapsed time.Duration)
}

type handlerFunc func(ctx context.Context, req *request) Result

// request is the per-message state shared by a handler and the router.
type request struct {
	op     Operation
	msg    bus.Message
	resp   *Responder
	logger *slog.Logger
}

func (q *request) state(s string) {
	q.logger.Debug("request state", "state", s)
}

// Router dispatches bus messages to operation handlers.
type Router struct {
	opts     Options
	handlers map[Operation]handlerFunc
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(opts Options) (*Router, error) {
	if opts.Bus == nil || opts.Executor == nil || opts.Sender == nil {
		return nil, errors.New("dispatch: bus, executor and sender are required")
	}
	if opts.Engine == "" {
		return nil, errors.New("dispatch: engine name is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		opts:   opts,
		logger: log.WithComponent("dispatch"),
		ctx:    ctx,
		cancel: cancel,
	}
	r.handlers = map[Operation]handlerFunc{
		OpSetData:         r.setData,
		OpSetModel:        r.setModel,
		OpSetStatistic:    r.setStatistic,
		OpSetMethod:       r.setMethod,
		OpSetConfidence:   r.setConfidence,
		OpFit:             r.compute,
		OpFitStop:         r.stop(jobs.ClassFit),
		OpConfidence:      r.compute,
		OpConfidenceStop:  r.stop(jobs.ClassConfidence),
		OpCalcStatValue:   r.compute,
		OpCalcStatValues:  r.compute,
		OpCalcModelValues: r.calcModelValues,
		OpCalcFluxValue:   r.calcFluxValue,
		OpRedshift:        r.redshift,
		OpInterpolate:     r.interpolate,
		OpIntegrate:       r.integrate,
		OpStackNormalize:  r.stackNormalize,
		OpStackRedshift:   r.stackRedshift,
		OpStackStack:      r.stackStack,
		OpPing:            r.ping,
	}
	return r, nil
}

// Handle is the bus.Handler for every subscribed mtype. It returns at once;
// the request is served on its own goroutine.
func (r *Router) Handle(_ context.Context, msg bus.Message) {
	if _, ok := Lookup(msg.MType); !ok {
		r.logger.Debug("ignoring unknown mtype", "mtype", msg.MType, "msg_id", msg.MsgID)
		return
	}
	if msg.ReplyTo == "" {
		r.logger.Debug("ignoring notification", "mtype", msg.MType, "msg_id", msg.MsgID)
		return
	}
	select {
	case <-r.ctx.Done():
		r.logger.Warn("dropping request after shutdown", "mtype", msg.MType, "msg_id", msg.MsgID)
		return
	default:
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Dispatch(r.ctx, msg)
	}()
}

// Dispatch serves one request synchronously and sends its single reply.
func (r *Router) Dispatch(ctx context.Context, msg bus.Message) {
	op, ok := Lookup(msg.MType)
	if !ok {
		r.logger.Debug("ignoring unknown mtype", "mtype", msg.MType)
		return
	}
	if r.opts.State != nil && !r.opts.State.Registered() {
		r.logger.Warn("dropping request: not registered with hub", "mtype", msg.MType, "msg_id", msg.MsgID)
		return
	}
	req := &request{
		op:     op,
		msg:    msg,
		resp:   newResponder(msg, r.opts.Sender),
		logger: log.WithRequest(msg.MsgID, msg.MType).With("component", "dispatch", "operation", op.String()),
	}

	start := time.Now()
	req.state("received")
	res := r.invoke(ctx, req)
	r.apply(ctx, req, res)
	req.state("replied")
	req.logger.Info("request served", "result", res.String(), "duration", time.Since(start))
	if r.opts.OnReply != nil {
		r.opts.OnReply(op, res, time.Since(start))
	}
}

func (r *Router) invoke(ctx context.Context, req *request) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			req.logger.Error("handler panicked", "panic", p, "stack", string(debug.Stack()))
			res = Fail(protocol.KindInternal, fmt.Sprintf("internal error: %v", p))
		}
	}()
	return r.handlers[req.op](ctx, req)
}

// apply sends res through the responder. A claimed responder means the
// reply already went out.
func (r *Router) apply(ctx context.Context, req *request, res Result) {
	switch res.kind {
	case resultOK:
		if !req.resp.Success(ctx, res.value) {
			req.logger.Debug("result discarded, reply already sent")
		}
	case resultFail:
		if !req.resp.Failure(ctx, res.exc, res.message) {
			req.logger.Debug("failure discarded, reply already sent", "exception", res.exc)
		}
	case resultHandled:
		if !req.resp.Claimed() {
			req.logger.Error("handler reported a reply that was never sent")
			req.resp.Failure(ctx, protocol.KindInternal, "request finished without a reply")
		}
	}
}

// Shutdown cancels in-flight jobs and waits for their handlers to finish.
func (r *Router) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every in-flight request has been answered.
func (r *Router) Wait() {
	r.wg.Wait()
}

// failStage converts a staging error into a failed result.
func failStage(req *request, err error) Result {
	var se *StageError
	if errors.As(err, &se) {
		req.state("failed_validation")
		req.logger.Debug("stage failed", "exception", se.Kind, "error", se.Err)
		return Fail(se.Kind, se.Error())
	}
	req.state("failed_validation")
	return Fail(protocol.KindInternal, err.Error())
}
