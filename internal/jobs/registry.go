// Package jobs runs compute requests in isolated worker processes and tracks
// them so they can be cancelled by class.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

// Class groups jobs that a single stop request cancels together.
type Class string

const (
	ClassFit        Class = "fit"
	ClassConfidence Class = "confidence"
	ClassStatistic  Class = "statistic"
)

// Exclusive reports whether a job of c is refused while another is live.
// Statistic jobs have no stop request and queue behind each other instead.
func (c Class) Exclusive() bool { return c != ClassStatistic }

// ErrClassBusy is returned by Register when the class already has a live job.
var ErrClassBusy = errors.New("job already in progress")

// Job is one live worker execution.
type Job struct {
	ID        string
	RequestID string
	Class     Class
	Operation protocol.Operation
	CreatedAt time.Time

	pid       atomic.Int64
	onCancel  func()
	stop      chan struct{}
	stopOnce  sync.Once
	cancelled atomic.Bool
}

func newJob(spec Spec) *Job {
	return &Job{
		ID:        uuid.NewString(),
		RequestID: spec.RequestID,
		Class:     spec.Class,
		Operation: spec.Request.Operation,
		CreatedAt: time.Now().UTC(),
		onCancel:  spec.OnCancel,
		stop:      make(chan struct{}),
	}
}

// PID returns the worker's process id, or 0 before it started.
func (j *Job) PID() int { return int(j.pid.Load()) }

// Cancelled reports whether a canceller has taken this job.
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// terminate asks the executor to kill the worker. Safe to call repeatedly.
func (j *Job) terminate() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// JobInfo is a read-only view of a live job.
type JobInfo struct {
	ID        string             `json:"id"`
	RequestID string             `json:"request_id"`
	Class     Class              `json:"class"`
	Operation protocol.Operation `json:"operation"`
	PID       int                `json:"pid"`
	CreatedAt time.Time          `json:"created_at"`
}

// Registry tracks live jobs per class.
type Registry struct {
	mu     sync.Mutex
	live   map[Class][]*Job
	guards map[Class]*sync.Mutex
	// slots serialise non-exclusive classes; one token per class.
	slots map[Class]chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		live:   make(map[Class][]*Job),
		guards: make(map[Class]*sync.Mutex),
		slots:  make(map[Class]chan struct{}),
	}
}

// acquire waits for the class slot and returns its release func. It fails
// with ctx's error if ctx ends first.
func (r *Registry) acquire(ctx context.Context, c Class) (func(), error) {
	r.mu.Lock()
	slot, ok := r.slots[c]
	if !ok {
		slot = make(chan struct{}, 1)
		r.slots[c] = slot
	}
	r.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Register adds j to its class. Only one live job per class is allowed;
// the executor queues non-exclusive classes before calling it.
func (r *Registry) Register(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.live[j.Class]) > 0 {
		return fmt.Errorf("%s %w", j.Class, ErrClassBusy)
	}
	r.live[j.Class] = append(r.live[j.Class], j)
	return nil
}

// Unregister removes j. Removing a job that is no longer present is a no-op.
func (r *Registry) Unregister(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := r.live[j.Class]
	for i, candidate := range jobs {
		if candidate == j {
			r.live[j.Class] = append(jobs[:i:i], jobs[i+1:]...)
			break
		}
	}
	if len(r.live[j.Class]) == 0 {
		delete(r.live, j.Class)
	}
}

func (r *Registry) guard(c Class) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[c]
	if !ok {
		g = &sync.Mutex{}
		r.guards[c] = g
	}
	return g
}

// CancelAll takes every live job of class c. For each one it runs the job's
// cancel hook (which sends the cancellation reply) and then signals the
// worker to terminate. Passes for the same class are serialised.
func (r *Registry) CancelAll(c Class) []*Job {
	g := r.guard(c)
	g.Lock()
	defer g.Unlock()

	r.mu.Lock()
	jobs := r.live[c]
	delete(r.live, c)
	r.mu.Unlock()

	for _, j := range jobs {
		j.cancelled.Store(true)
		if j.onCancel != nil {
			j.onCancel()
		}
		j.terminate()
	}
	return jobs
}

// Len returns the number of live jobs in class c.
func (r *Registry) Len(c Class) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live[c])
}

// Snapshot returns every live job ordered by creation time.
func (r *Registry) Snapshot() []JobInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []JobInfo
	for _, jobs := range r.live {
		for _, j := range jobs {
			out = append(out, JobInfo{
				ID:        j.ID,
				RequestID: j.RequestID,
				Class:     j.Class,
				Operation: j.Operation,
				PID:       j.PID(),
				CreatedAt: j.CreatedAt,
			})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}
