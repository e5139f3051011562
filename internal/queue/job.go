package queue

import (
	"context"
	"errors"
	"time"

	"sasi-cats/internal/cache"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateDone     State = "done"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
)

// Reason classifies why a job failed.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonSourceUnreadable Reason = "source_unreadable"
	ReasonEngineFailure    Reason = "engine_failure"
	ReasonEngineTimeout    Reason = "engine_timeout"
	ReasonCacheIO          Reason = "cache_io"
	ReasonAlreadyWriting   Reason = "already_writing"
	ReasonWipeInProgress   Reason = "wipe_in_progress"
	ReasonCanceled         Reason = "canceled"
)

var (
	// ErrNotCancelable is returned when canceling a running job without force.
	ErrNotCancelable = errors.New("job is running; use force to cancel")
	// ErrJobNotFound is returned for keys with no pending or running job.
	ErrJobNotFound = errors.New("job not found")
	// ErrCanceled is the cancel cause given to a force-canceled job.
	ErrCanceled = errors.New("job canceled")
	// ErrNoSource is returned when a request names no source.
	ErrNoSource = errors.New("no source path")
	// ErrBatchNotFound is returned for a batch that is not the active one.
	ErrBatchNotFound = errors.New("batch not found")
)

// Job is a pending or running transcode. Identity fields are fixed at
// creation; everything else is owned by the Scheduler.
type Job struct {
	id          string
	key         cache.Key
	source      string
	submittedAt time.Time
	seq         uint64
	batch       string

	priority   int
	requesters int
	state      State
	startedAt  time.Time
	progress   float64
	bytes      int64
	index      int // position in the pending heap, -1 when not pending

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	result Result
}

func (j *Job) ID() string { return j.id }
func (j *Job) Key() cache.Key { return j.key }
func (j *Job) Source() string { return j.source }
func (j *Job) Batch() string { return j.batch }
func (j *Job) SubmittedAt() time.Time { return j.submittedAt }

// Context is canceled when the job is force-canceled; context.Cause returns
// ErrCanceled in that case. Only valid once the job has been handed out by Next.
func (j *Job) Context() context.Context {
	return j.ctx
}

// Result is the outcome of a finished job.
type Result struct {
	State  State  `json:"state"`
	Reason Reason `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// Failure is the last failure recorded for a key.
type Failure struct {
	JobID  string    `json:"jobId"`
	Source string    `json:"source"`
	Reason Reason    `json:"reason"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// JobStatus is the read model for one job.
type JobStatus struct {
	Key         cache.Key `json:"key"`
	JobID       string    `json:"jobId"`
	Source      string    `json:"source"`
	Batch       string    `json:"batch,omitempty"`
	State       State     `json:"state"`
	Priority    int       `json:"priority"`
	Requesters  int       `json:"requesters"`
	Progress    float64   `json:"progress"`
	Bytes       int64     `json:"bytes"`
	Position    int       `json:"position,omitempty"` // 1-based among pending jobs
	SubmittedAt time.Time `json:"submittedAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	Reason      Reason    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Handle lets a requester wait for the job serving its request.
type Handle struct {
	key       cache.Key
	jobID     string
	immediate bool
	done      <-chan struct{}
	job       *Job
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (h *Handle) Key() cache.Key { return h.key }

// JobID is empty for cache hits.
func (h *Handle) JobID() string { return h.jobID }

// Immediate reports whether the request was served from the cache.
func (h *Handle) Immediate() bool { return h.immediate }

// Done is closed once the job has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. Only meaningful after Done is closed.
func (h *Handle) Result() Result {
	if h.immediate {
		return Result{State: StateDone}
	}
	select {
	case <-h.done:
		return h.job.result
	default:
		return Result{State: StateRunning}
	}
}

// Wait blocks until the job finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
