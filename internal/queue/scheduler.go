package queue

import (
	"container/heap"
	"context"
	"crypto/rand"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/logging"
	"sasi-cats/internal/metrics"
)

// Failures are kept for status lookups until the key is requested again, the
// cache is wiped, or they age out. The map is capped; the oldest entry goes first.
const (
	maxFailures   = 512
	failureMaxAge = 24 * time.Hour
)

// CacheLookup reports the cache state for a key. Lookup is called with the
// scheduler lock held and must not call back into the Scheduler.
type CacheLookup interface {
	Lookup(key cache.Key) cache.Entry
}

// Observer is told about every job change. It is called outside the
// scheduler lock but on the goroutine making the change, so it must not block.
type Observer interface {
	JobChanged(status JobStatus)
}

// Scheduler owns the pending and running jobs.
type Scheduler struct {
	mu       sync.Mutex
	lookup   CacheLookup
	jobs     map[cache.Key]*Job
	pending  jobHeap
	seq      uint64
	paused   bool
	failures map[cache.Key]Failure
	batch    *batch
	entropy  io.Reader
	now      func() time.Time
	ready    chan struct{}

	obsMu     sync.RWMutex
	observers []Observer

	log logging.Logger
}

// New creates a Scheduler. lookup may be nil, in which case every request
// creates or merges a job.
func New(lookup CacheLookup) *Scheduler {
	return &Scheduler{
		lookup:   lookup,
		jobs:     make(map[cache.Key]*Job),
		failures: make(map[cache.Key]Failure),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		now:      time.Now,
		ready:    make(chan struct{}, 1),
		log:      logging.For("queue"),
	}
}

// AddObserver registers o for job change notifications.
func (s *Scheduler) AddObserver(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// Ready receives a value whenever a job may be available for Next.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emit(status JobStatus) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, o := range observers {
		o.JobChanged(status)
	}
}

// Request asks for key to be produced from source at the given priority.
// A complete cache entry yields an immediate handle. An existing job for the
// key absorbs the request and keeps the higher of the two priorities.
func (s *Scheduler) Request(key cache.Key, source string, priority int) (*Handle, error) {
	return s.RequestIn("", key, source, priority)
}

// RequestIn is Request for a member of the active batch. The key is appended
// to the batch order and its job, new or merged, joins the batch.
func (s *Scheduler) RequestIn(batchID string, key cache.Key, source string, priority int) (*Handle, error) {
	if source == "" {
		return nil, ErrNoSource
	}

	s.mu.Lock()
	if batchID != "" {
		if s.batch == nil || s.batch.id != batchID {
			s.mu.Unlock()
			return nil, ErrBatchNotFound
		}
		s.batch.add(key)
	}
	if j, ok := s.jobs[key]; ok {
		j.requesters++
		if batchID != "" {
			j.batch = batchID
		}
		if priority > j.priority {
			j.priority = priority
			if j.index >= 0 {
				heap.Fix(&s.pending, j.index)
			}
		}
		status := s.statusLocked(j)
		s.mu.Unlock()

		metrics.QueueRequestsTotal.WithLabelValues("merged").Inc()
		s.log.Debug("Merged request for %s into job %s (priority %d, %d requesters)",
			key.Short(), j.id, status.Priority, status.Requesters)
		s.emit(status)
		return newHandle(j), nil
	}

	if s.lookup != nil && s.lookup.Lookup(key).State == cache.StateComplete {
		s.mu.Unlock()
		metrics.QueueRequestsTotal.WithLabelValues("hit").Inc()
		return &Handle{key: key, immediate: true, done: closedChan}, nil
	}

	delete(s.failures, key)
	now := s.now()
	j := &Job{
		id:          ulid.MustNew(ulid.Timestamp(now), s.entropy).String(),
		key:         key,
		source:      source,
		submittedAt: now,
		seq:         s.seq,
		batch:       batchID,
		priority:    priority,
		requesters:  1,
		state:       StateQueued,
		done:        make(chan struct{}),
	}
	s.seq++
	s.jobs[key] = j
	heap.Push(&s.pending, j)
	status := s.statusLocked(j)
	s.mu.Unlock()

	metrics.QueueRequestsTotal.WithLabelValues("created").Inc()
	s.log.Info("Queued job %s for %s (priority %d)", j.id, source, priority)
	s.signal()
	s.emit(status)
	return newHandle(j), nil
}

func newHandle(j *Job) *Handle {
	return &Handle{key: j.key, jobID: j.id, done: j.done, job: j}
}

// Reprioritize sets a job's priority. Lowering is allowed; a running job
// records the new value without effect.
func (s *Scheduler) Reprioritize(key cache.Key, priority int) error {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	j.priority = priority
	if j.index >= 0 {
		heap.Fix(&s.pending, j.index)
	}
	status := s.statusLocked(j)
	s.mu.Unlock()

	s.signal()
	s.emit(status)
	return nil
}

// Promote moves a pending job ahead of every other pending job and returns
// its new priority. When the job belongs to the active batch, the batch's
// other pending jobs are queued right behind it: first those listed after it,
// then those listed before it.
func (s *Scheduler) Promote(key cache.Key) (int, error) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return 0, ErrJobNotFound
	}
	var statuses []JobStatus
	if j.index >= 0 {
		group := s.followersLocked(j)
		inGroup := make(map[*Job]bool, len(group))
		for _, g := range group {
			inGroup[g] = true
		}
		top := j.priority
		for _, other := range s.pending {
			if !inGroup[other] && other.priority >= top {
				top = other.priority + 1
			}
		}
		for _, g := range group {
			g.priority = top
			g.seq = s.seq
			s.seq++
		}
		heap.Init(&s.pending)
		for _, g := range group[1:] {
			statuses = append(statuses, s.statusLocked(g))
		}
	}
	status := s.statusLocked(j)
	s.mu.Unlock()

	s.emit(status)
	for _, st := range statuses {
		s.emit(st)
	}
	return status.Priority, nil
}

// Next hands out the highest-precedence pending job and marks it running.
// It returns nil when nothing is pending or the scheduler is paused.
func (s *Scheduler) Next() *Job {
	s.mu.Lock()
	if s.paused || s.pending.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	j := heap.Pop(&s.pending).(*Job)
	j.state = StateRunning
	j.startedAt = s.now()
	j.ctx, j.cancel = context.WithCancelCause(context.Background())
	more := s.pending.Len() > 0
	status := s.statusLocked(j)
	s.mu.Unlock()

	if more {
		s.signal()
	}
	s.emit(status)
	return j
}

// Cancel removes a pending job. A running job is only stopped when force is
// set, by canceling its context; the worker then reports it through Fail.
func (s *Scheduler) Cancel(key cache.Key, force bool) error {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}

	if j.index >= 0 {
		status := s.cancelPendingLocked(j)
		s.mu.Unlock()

		metrics.QueueCancelsTotal.WithLabelValues("pending").Inc()
		s.log.Info("Canceled pending job %s", j.id)
		s.emit(status)
		return nil
	}

	if !force {
		s.mu.Unlock()
		metrics.QueueCancelsTotal.WithLabelValues("rejected").Inc()
		return ErrNotCancelable
	}
	cancel := j.cancel
	s.mu.Unlock()

	metrics.QueueCancelsTotal.WithLabelValues("forced").Inc()
	s.log.Warn("Force-canceling running job %s", j.id)
	if cancel != nil {
		cancel(ErrCanceled)
	}
	return nil
}

func (s *Scheduler) cancelPendingLocked(j *Job) JobStatus {
	heap.Remove(&s.pending, j.index)
	return s.finishLocked(j, Result{State: StateCanceled, Reason: ReasonCanceled, Err: ErrCanceled})
}

// Progress records a running job's progress.
func (s *Scheduler) Progress(j *Job, percent float64, bytes int64) {
	s.mu.Lock()
	if s.jobs[j.key] != j {
		s.mu.Unlock()
		return
	}
	if percent > j.progress {
		j.progress = percent
	}
	j.bytes = bytes
	status := s.statusLocked(j)
	s.mu.Unlock()

	s.emit(status)
}

// Complete finishes j successfully.
func (s *Scheduler) Complete(j *Job) {
	s.finish(j, Result{State: StateDone})
}

// Fail finishes j with a failure. A job canceled by force is recorded as
// canceled whatever reason the worker gives.
func (s *Scheduler) Fail(j *Job, reason Reason, err error) {
	s.finish(j, Result{State: StateFailed, Reason: reason, Err: err})
}

func (s *Scheduler) finish(j *Job, res Result) {
	s.mu.Lock()
	if s.jobs[j.key] != j {
		s.mu.Unlock()
		return
	}
	if res.State == StateFailed && j.ctx != nil && context.Cause(j.ctx) == ErrCanceled {
		res = Result{State: StateCanceled, Reason: ReasonCanceled, Err: ErrCanceled}
	}
	if res.State == StateFailed {
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		s.recordFailureLocked(j.key, Failure{
			JobID:  j.id,
			Source: j.source,
			Reason: res.Reason,
			Error:  msg,
			At:     s.now(),
		})
	}
	status := s.finishLocked(j, res)
	s.mu.Unlock()

	if res.State == StateFailed {
		s.log.Warn("Job %s failed (%s): %v", j.id, res.Reason, res.Err)
	} else {
		s.log.Info("Job %s %s", j.id, res.State)
	}
	s.emit(status)
}

func (s *Scheduler) finishLocked(j *Job, res Result) JobStatus {
	delete(s.jobs, j.key)
	j.state = res.State
	j.result = res
	if j.cancel != nil {
		j.cancel(nil)
	}
	close(j.done)
	metrics.TranscodeJobsTotal.WithLabelValues(string(res.State), string(res.Reason)).Inc()
	return s.statusLocked(j)
}

func (s *Scheduler) recordFailureLocked(key cache.Key, f Failure) {
	cutoff := f.At.Add(-failureMaxAge)
	for k, old := range s.failures {
		if old.At.Before(cutoff) {
			delete(s.failures, k)
		}
	}
	if _, ok := s.failures[key]; !ok && len(s.failures) >= maxFailures {
		var oldest cache.Key
		var oldestAt time.Time
		for k, old := range s.failures {
			if oldestAt.IsZero() || old.At.Before(oldestAt) {
				oldest, oldestAt = k, old.At
			}
		}
		delete(s.failures, oldest)
	}
	s.failures[key] = f
}

// ClearFailures forgets every recorded failure.
func (s *Scheduler) ClearFailures() {
	s.mu.Lock()
	n := len(s.failures)
	clear(s.failures)
	s.mu.Unlock()
	if n > 0 {
		s.log.Debug("Cleared %d recorded failure(s)", n)
	}
}

// Pause stops Next from handing out jobs. Running jobs are unaffected.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume undoes Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
}

// Paused reports whether the scheduler is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Status returns the read model for key's job.
func (s *Scheduler) Status(key cache.Key) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return JobStatus{}, false
	}
	return s.statusLocked(j), true
}

// Failure returns the last failure for key, if it has not been requested
// since and has not aged out.
func (s *Scheduler) Failure(key cache.Key) (Failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[key]
	if ok && s.now().Sub(f.At) > failureMaxAge {
		delete(s.failures, key)
		return Failure{}, false
	}
	return f, ok
}

// List returns running jobs, oldest first, followed by pending jobs in
// dispatch order.
func (s *Scheduler) List() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running, pending []*Job
	for _, j := range s.jobs {
		if j.index >= 0 {
			pending = append(pending, j)
		} else {
			running = append(running, j)
		}
	}
	sort.Slice(running, func(a, b int) bool { return running[a].startedAt.Before(running[b].startedAt) })
	sort.Slice(pending, func(a, b int) bool { return before(pending[a], pending[b]) })

	out := make([]JobStatus, 0, len(running)+len(pending))
	for _, j := range running {
		out = append(out, s.statusLocked(j))
	}
	for i, j := range pending {
		st := s.statusLocked(j)
		st.Position = i + 1
		out = append(out, st)
	}
	return out
}

// Counts returns the number of pending and running jobs.
func (s *Scheduler) Counts() (queued, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued = s.pending.Len()
	return queued, len(s.jobs) - queued
}

func (s *Scheduler) statusLocked(j *Job) JobStatus {
	st := JobStatus{
		Key:         j.key,
		JobID:       j.id,
		Source:      j.source,
		Batch:       j.batch,
		State:       j.state,
		Priority:    j.priority,
		Requesters:  j.requesters,
		Progress:    j.progress,
		Bytes:       j.bytes,
		SubmittedAt: j.submittedAt,
		StartedAt:   j.startedAt,
		Reason:      j.result.Reason,
	}
	if j.result.Err != nil {
		st.Error = j.result.Err.Error()
	}
	if j.index >= 0 {
		pos := 1
		for _, other := range s.pending {
			if other != j && before(other, j) {
				pos++
			}
		}
		st.Position = pos
	}
	return st
}
