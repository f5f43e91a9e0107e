// Package dispatch routes bus requests to operation handlers and guarantees
// exactly one reply per request.
//
// The router looks each inbound mtype up in a static operation table and runs
// the handler in its own goroutine, so a long fit never delays a stop request
// or the liveness loop.
//
// Key features:
//   - Closed operation enumeration, one handler per operation
//   - Stage validation (method, data, parameters, model, statistic) with a
//     stage-specific exception kind per failure
//   - Compute stages run through jobs.Executor in an isolated worker process
//   - fit.stop / confidence.stop cancel every live job of the class
//   - One-shot Responder latch shared by handler and canceller
//   - Panics are recovered and answered with InternalError
//
// Reply mapping:
//   - Stage failure → stage kind (DataException, ModelException, ...)
//   - Undecodable array → MalformedPayload
//   - Worker error or timeout → FitException / StatisticException
//   - Fit or confidence busy → the class kind, "<class> job already in progress"
//   - Statistic busy → queued until the running job finishes
//   - Cancelled by stop → reply already sent by the canceller
//   - SED transform failure → SEDException
package dispatch
