package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sasi-cats/internal/cache"
)

type fakeLookup struct {
	mu       sync.Mutex
	complete map[cache.Key]bool
}

func (f *fakeLookup) Lookup(key cache.Key) cache.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.complete[key] {
		return cache.Entry{Key: key, State: cache.StateComplete}
	}
	return cache.Entry{Key: key, State: cache.StateAbsent}
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []JobStatus
}

func (r *recordingObserver) JobChanged(status JobStatus) {
	r.mu.Lock()
	r.changes = append(r.changes, status)
	r.mu.Unlock()
}

func (r *recordingObserver) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.State
	}
	return out
}

func key(n int) cache.Key {
	return cache.Key(fmt.Sprintf("%064x", n))
}

func mustRequest(t *testing.T, s *Scheduler, k cache.Key, priority int) *Handle {
	t.Helper()
	h, err := s.Request(k, "/media/"+k.Short()+".avi", priority)
	if err != nil {
		t.Fatalf("Request(%s) failed: %v", k.Short(), err)
	}
	return h
}

func TestRequestCreatesJob(t *testing.T) {
	s := New(nil)
	h := mustRequest(t, s, key(1), 3)

	if h.Immediate() {
		t.Error("Expected a queued handle, got immediate")
	}
	if h.JobID() == "" {
		t.Error("Expected a job ID")
	}

	st, ok := s.Status(key(1))
	if !ok {
		t.Fatal("Expected a job for the key")
	}
	if st.State != StateQueued {
		t.Errorf("Expected state queued, got %s", st.State)
	}
	if st.Position != 1 {
		t.Errorf("Expected position 1, got %d", st.Position)
	}

	select {
	case <-s.Ready():
	default:
		t.Error("Expected Ready to be signaled")
	}
}

func TestRequestWithoutSource(t *testing.T) {
	s := New(nil)
	if _, err := s.Request(key(1), "", 0); !errors.Is(err, ErrNoSource) {
		t.Errorf("Expected ErrNoSource, got %v", err)
	}
}

func TestRequestMergesPriority(t *testing.T) {
	s := New(nil)

	var ids []string
	for _, p := range []int{3, 7, 1} {
		ids = append(ids, mustRequest(t, s, key(1), p).JobID())
	}

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Errorf("Expected merged requests to share job %s, got %s", ids[0], id)
		}
	}

	st, _ := s.Status(key(1))
	if st.Priority != 7 {
		t.Errorf("Expected priority 7, got %d", st.Priority)
	}
	if st.Requesters != 3 {
		t.Errorf("Expected 3 requesters, got %d", st.Requesters)
	}
}

func TestRequestCacheHit(t *testing.T) {
	lookup := &fakeLookup{complete: map[cache.Key]bool{key(1): true}}
	s := New(lookup)

	h := mustRequest(t, s, key(1), 0)
	if !h.Immediate() {
		t.Fatal("Expected an immediate handle for a complete entry")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Expected Done to be closed")
	}
	if got := h.Result().State; got != StateDone {
		t.Errorf("Expected result done, got %s", got)
	}
	if q, r := s.Counts(); q != 0 || r != 0 {
		t.Errorf("Expected no jobs, got %d queued %d running", q, r)
	}
}

func TestNextOrder(t *testing.T) {
	s := New(nil)
	mustRequest(t, s, key(1), 5)
	mustRequest(t, s, key(2), 9)
	mustRequest(t, s, key(3), 5)
	mustRequest(t, s, key(4), 9)

	want := []cache.Key{key(2), key(4), key(1), key(3)}
	for i, w := range want {
		j := s.Next()
		if j == nil {
			t.Fatalf("Next %d: expected a job, got nil", i)
		}
		if j.Key() != w {
			t.Errorf("Next %d: expected %s, got %s", i, w.Short(), j.Key().Short())
		}
	}
	if j := s.Next(); j != nil {
		t.Errorf("Expected nil once drained, got %s", j.Key().Short())
	}
}

func TestReprioritize(t *testing.T) {
	s := New(nil)
	mustRequest(t, s, key(1), 1)
	mustRequest(t, s, key(2), 1)
	mustRequest(t, s, key(3), 1)

	if err := s.Reprioritize(key(3), 5); err != nil {
		t.Fatalf("Reprioritize failed: %v", err)
	}
	if j := s.Next(); j.Key() != key(3) {
		t.Errorf("Expected %s first, got %s", key(3).Short(), j.Key().Short())
	}

	if err := s.Reprioritize(key(1), -1); err != nil {
		t.Fatalf("Reprioritize failed: %v", err)
	}
	if j := s.Next(); j.Key() != key(2) {
		t.Errorf("Expected %s after lowering %s, got %s", key(2).Short(), key(1).Short(), j.Key().Short())
	}

	if err := s.Reprioritize(key(99), 1); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestPromote(t *testing.T) {
	s := New(nil)
	mustRequest(t, s, key(1), 4)
	mustRequest(t, s, key(2), 8)
	mustRequest(t, s, key(3), 0)

	p, err := s.Promote(key(3))
	if err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if p != 9 {
		t.Errorf("Expected promoted priority 9, got %d", p)
	}
	if j := s.Next(); j.Key() != key(3) {
		t.Errorf("Expected promoted job first, got %s", j.Key().Short())
	}
}

func TestCancelPending(t *testing.T) {
	s := New(nil)
	h := mustRequest(t, s, key(1), 0)

	if err := s.Cancel(key(1), false); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("Expected Done to be closed after cancel")
	}
	if got := h.Result(); got.State != StateCanceled || got.Reason != ReasonCanceled {
		t.Errorf("Expected canceled result, got %+v", got)
	}
	if j := s.Next(); j != nil {
		t.Errorf("Expected no job after cancel, got %s", j.Key().Short())
	}
	if _, ok := s.Failure(key(1)); ok {
		t.Error("Expected cancel not to record a failure")
	}
}

func TestCancelRunning(t *testing.T) {
	s := New(nil)
	h := mustRequest(t, s, key(1), 0)
	j := s.Next()

	if err := s.Cancel(key(1), false); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("Expected ErrNotCancelable, got %v", err)
	}
	if j.Context().Err() != nil {
		t.Fatal("Expected job context to stay live after a rejected cancel")
	}

	if err := s.Cancel(key(1), true); err != nil {
		t.Fatalf("Forced cancel failed: %v", err)
	}
	if !errors.Is(context.Cause(j.Context()), ErrCanceled) {
		t.Errorf("Expected cause ErrCanceled, got %v", context.Cause(j.Context()))
	}

	// The worker reports whatever the engine returned.
	s.Fail(j, ReasonEngineFailure, context.Cause(j.Context()))

	if got := h.Result(); got.State != StateCanceled {
		t.Errorf("Expected canceled result, got %+v", got)
	}
	if _, ok := s.Failure(key(1)); ok {
		t.Error("Expected forced cancel not to record a failure")
	}
}

func TestCancelUnknown(t *testing.T) {
	s := New(nil)
	if err := s.Cancel(key(1), true); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestFailureDoesNotPoisonKey(t *testing.T) {
	s := New(nil)
	first := mustRequest(t, s, key(1), 0)
	j := s.Next()
	s.Fail(j, ReasonEngineFailure, errors.New("exit status 1"))

	if got := first.Result(); got.State != StateFailed || got.Reason != ReasonEngineFailure {
		t.Errorf("Expected engine_failure result, got %+v", got)
	}
	f, ok := s.Failure(key(1))
	if !ok {
		t.Fatal("Expected a recorded failure")
	}
	if f.Error != "exit status 1" {
		t.Errorf("Expected failure message, got %q", f.Error)
	}

	second := mustRequest(t, s, key(1), 0)
	if second.JobID() == first.JobID() {
		t.Error("Expected a fresh job after failure")
	}
	if _, ok := s.Failure(key(1)); ok {
		t.Error("Expected failure to be cleared by the new request")
	}
}

func failJob(t *testing.T, s *Scheduler, k cache.Key) {
	t.Helper()
	mustRequest(t, s, k, 0)
	j := s.Next()
	if j == nil || j.Key() != k {
		t.Fatalf("Expected job for %s", k.Short())
	}
	s.Fail(j, ReasonEngineFailure, errors.New("exit status 1"))
}

func TestFailuresAreCapped(t *testing.T) {
	s := New(nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	for i := 0; i < maxFailures+10; i++ {
		clock = clock.Add(time.Second)
		failJob(t, s, key(i))
	}

	s.mu.Lock()
	n := len(s.failures)
	s.mu.Unlock()
	if n != maxFailures {
		t.Errorf("Expected %d recorded failures, got %d", maxFailures, n)
	}
	if _, ok := s.Failure(key(0)); ok {
		t.Error("Expected the oldest failure to be evicted")
	}
	if _, ok := s.Failure(key(maxFailures + 9)); !ok {
		t.Error("Expected the newest failure to be kept")
	}
}

func TestFailuresAgeOut(t *testing.T) {
	s := New(nil)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	failJob(t, s, key(1))
	clock = clock.Add(failureMaxAge + time.Minute)
	failJob(t, s, key(2))

	s.mu.Lock()
	_, kept := s.failures[key(1)]
	s.mu.Unlock()
	if kept {
		t.Error("Expected an expired failure to be pruned when a new one is recorded")
	}

	clock = clock.Add(failureMaxAge + time.Minute)
	if _, ok := s.Failure(key(2)); ok {
		t.Error("Expected Failure to ignore an expired entry")
	}
}

func TestClearFailures(t *testing.T) {
	s := New(nil)
	failJob(t, s, key(1))
	failJob(t, s, key(2))

	s.ClearFailures()

	for _, k := range []cache.Key{key(1), key(2)} {
		if _, ok := s.Failure(k); ok {
			t.Errorf("Expected no failure for %s after clear", k.Short())
		}
	}
}

func TestCompleteClosesAllHandles(t *testing.T) {
	s := New(nil)
	a := mustRequest(t, s, key(1), 0)
	b := mustRequest(t, s, key(1), 2)
	j := s.Next()
	s.Complete(j)

	for i, h := range []*Handle{a, b} {
		res, err := h.Wait(context.Background())
		if err != nil {
			t.Fatalf("handle %d: Wait failed: %v", i, err)
		}
		if res.State != StateDone {
			t.Errorf("handle %d: expected done, got %s", i, res.State)
		}
	}
	if _, ok := s.Status(key(1)); ok {
		t.Error("Expected finished job to be forgotten")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	s := New(nil)
	h := mustRequest(t, s, key(1), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestConcurrentRequestsShareOneJob(t *testing.T) {
	s := New(nil)

	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Request(key(1), "/media/a.avi", i)
			if err != nil {
				t.Errorf("Request failed: %v", err)
				return
			}
			ids[i] = h.JobID()
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("Expected a single job, got %s and %s", ids[0], id)
		}
	}
	st, _ := s.Status(key(1))
	if st.Requesters != n {
		t.Errorf("Expected %d requesters, got %d", n, st.Requesters)
	}
	if st.Priority != n-1 {
		t.Errorf("Expected priority %d, got %d", n-1, st.Priority)
	}
	if q, _ := s.Counts(); q != 1 {
		t.Errorf("Expected 1 queued job, got %d", q)
	}
}

func TestPauseResume(t *testing.T) {
	s := New(nil)
	mustRequest(t, s, key(1), 0)
	s.Pause()

	if j := s.Next(); j != nil {
		t.Error("Expected no job while paused")
	}
	if !s.Paused() {
		t.Error("Expected Paused to report true")
	}

	s.Resume()
	if j := s.Next(); j == nil {
		t.Error("Expected a job after resume")
	}
}

func TestList(t *testing.T) {
	s := New(nil)
	mustRequest(t, s, key(1), 1)
	mustRequest(t, s, key(2), 2)
	mustRequest(t, s, key(3), 3)
	running := s.Next()

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("Expected 3 jobs, got %d", len(list))
	}

	tests := []struct {
		key      cache.Key
		state    State
		position int
	}{
		{running.Key(), StateRunning, 0},
		{key(2), StateQueued, 1},
		{key(1), StateQueued, 2},
	}
	for i, tt := range tests {
		if list[i].Key != tt.key {
			t.Errorf("entry %d: expected key %s, got %s", i, tt.key.Short(), list[i].Key.Short())
		}
		if list[i].State != tt.state {
			t.Errorf("entry %d: expected state %s, got %s", i, tt.state, list[i].State)
		}
		if list[i].Position != tt.position {
			t.Errorf("entry %d: expected position %d, got %d", i, tt.position, list[i].Position)
		}
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	s := New(nil)
	mustRequest(t, s, key(1), 0)
	j := s.Next()

	s.Progress(j, 40, 1000)
	s.Progress(j, 30, 1200)

	st, _ := s.Status(key(1))
	if st.Progress != 40 {
		t.Errorf("Expected progress 40, got %v", st.Progress)
	}
	if st.Bytes != 1200 {
		t.Errorf("Expected 1200 bytes, got %d", st.Bytes)
	}
}

func TestObserverSeesLifecycle(t *testing.T) {
	s := New(nil)
	obs := &recordingObserver{}
	s.AddObserver(obs)

	mustRequest(t, s, key(1), 0)
	j := s.Next()
	s.Complete(j)

	got := obs.states()
	want := []State{StateQueued, StateRunning, StateDone}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
