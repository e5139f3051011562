package queue

import (
	"errors"
	"testing"

	"sasi-cats/internal/cache"
)

func requestIn(t *testing.T, s *Scheduler, batchID string, k cache.Key, priority int) *Handle {
	t.Helper()
	h, err := s.RequestIn(batchID, k, "/media/"+k.Short()+".avi", priority)
	if err != nil {
		t.Fatalf("RequestIn(%s) failed: %v", k.Short(), err)
	}
	return h
}

func dispatchOrder(s *Scheduler) []cache.Key {
	var out []cache.Key
	for j := s.Next(); j != nil; j = s.Next() {
		out = append(out, j.Key())
	}
	return out
}

func TestRequestInUnknownBatch(t *testing.T) {
	s := New(nil)
	if _, err := s.RequestIn("nope", key(1), "/media/a.avi", 0); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("Expected ErrBatchNotFound, got %v", err)
	}

	id, _ := s.StartBatch()
	s.StartBatch()
	if _, err := s.RequestIn(id, key(1), "/media/a.avi", 0); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("Expected ErrBatchNotFound for a replaced batch, got %v", err)
	}
}

func TestResetBatchCancelsPendingOnly(t *testing.T) {
	s := New(nil)
	id, _ := s.StartBatch()
	running := requestIn(t, s, id, key(1), 0)
	pending := requestIn(t, s, id, key(2), 0)
	outside := mustRequest(t, s, key(3), 0)

	j := s.Next()
	if j.Key() != key(1) {
		t.Fatalf("Expected first batch job to run, got %s", j.Key().Short())
	}
	if j.Batch() != id {
		t.Errorf("Expected job in batch %s, got %q", id, j.Batch())
	}

	n, err := s.ResetBatch("")
	if err != nil {
		t.Fatalf("ResetBatch failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 canceled job, got %d", n)
	}
	if got := pending.Result(); got.State != StateCanceled {
		t.Errorf("Expected pending batch job canceled, got %+v", got)
	}
	select {
	case <-running.Done():
		t.Error("Expected running batch job to keep running")
	default:
	}
	select {
	case <-outside.Done():
		t.Error("Expected job outside the batch to stay queued")
	default:
	}
	if _, err := s.ResetBatch(id); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("Expected ErrBatchNotFound after reset, got %v", err)
	}
}

func TestStartBatchAbortsPrevious(t *testing.T) {
	s := New(nil)
	first, _ := s.StartBatch()
	old := requestIn(t, s, first, key(1), 0)

	second, canceled := s.StartBatch()
	if canceled != 1 {
		t.Errorf("Expected 1 canceled job, got %d", canceled)
	}
	if second == first {
		t.Error("Expected a new batch ID")
	}
	if got := old.Result(); got.State != StateCanceled {
		t.Errorf("Expected previous batch job canceled, got %+v", got)
	}

	// The same key requested again by the new batch gets a fresh job.
	fresh := requestIn(t, s, second, key(1), 0)
	if fresh.JobID() == old.JobID() {
		t.Error("Expected a fresh job in the new batch")
	}
	id, keys, ok := s.ActiveBatch()
	if !ok || id != second || len(keys) != 1 || keys[0] != key(1) {
		t.Errorf("Expected active batch %s with one key, got %s %v", second, id, keys)
	}
}

func TestMergedJobJoinsBatch(t *testing.T) {
	s := New(nil)
	mustRequest(t, s, key(1), 0)
	id, _ := s.StartBatch()
	requestIn(t, s, id, key(1), 0)

	st, ok := s.Status(key(1))
	if !ok {
		t.Fatal("Expected job status")
	}
	if st.Batch != id {
		t.Errorf("Expected merged job in batch %s, got %q", id, st.Batch)
	}
	if st.Requesters != 2 {
		t.Errorf("Expected 2 requesters, got %d", st.Requesters)
	}
}

func TestPromoteRequeuesBatchAfterIt(t *testing.T) {
	s := New(nil)
	other := key(100)
	mustRequest(t, s, other, 5)

	id, _ := s.StartBatch()
	for i := 1; i <= 5; i++ {
		requestIn(t, s, id, key(i), 0)
	}

	if _, err := s.Promote(key(3)); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	want := []cache.Key{key(3), key(4), key(5), key(1), key(2), other}
	got := dispatchOrder(s)
	if len(got) != len(want) {
		t.Fatalf("Expected %d jobs, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i+1, want[i].Short(), got[i].Short())
		}
	}
}

func TestPromoteSkipsFinishedBatchMembers(t *testing.T) {
	s := New(nil)
	id, _ := s.StartBatch()
	for i := 1; i <= 4; i++ {
		requestIn(t, s, id, key(i), 0)
	}
	if j := s.Next(); j.Key() != key(1) {
		t.Fatalf("Expected key 1 to run first, got %s", j.Key().Short())
	}
	if err := s.Cancel(key(4), false); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if _, err := s.Promote(key(3)); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}

	want := []cache.Key{key(3), key(2)}
	got := dispatchOrder(s)
	if len(got) != len(want) {
		t.Fatalf("Expected %d jobs, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i+1, want[i].Short(), got[i].Short())
		}
	}
}
