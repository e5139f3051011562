package queue

import (
	"github.com/oklog/ulid/v2"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/metrics"
)

// batch is the ordered set of keys requested together, such as a folder.
// Only one batch is active at a time.
type batch struct {
	id   string
	keys []cache.Key
	seen map[cache.Key]bool
}

func (b *batch) add(key cache.Key) {
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.keys = append(b.keys, key)
}

// StartBatch opens a new batch and returns its ID. The previous batch is
// reset first: its pending jobs are canceled, running ones finish.
func (s *Scheduler) StartBatch() (id string, canceled int) {
	s.mu.Lock()
	statuses := s.resetBatchLocked()
	id = ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
	s.batch = &batch{id: id, seen: make(map[cache.Key]bool)}
	s.mu.Unlock()

	if len(statuses) > 0 {
		metrics.QueueCancelsTotal.WithLabelValues("batch").Add(float64(len(statuses)))
		s.log.Info("Started batch %s, canceled %d pending job(s) from the previous batch", id, len(statuses))
	} else {
		s.log.Debug("Started batch %s", id)
	}
	for _, st := range statuses {
		s.emit(st)
	}
	return id, len(statuses)
}

// ResetBatch cancels the pending jobs of batch id and closes it. An empty id
// names the active batch. Running jobs are left to finish.
func (s *Scheduler) ResetBatch(id string) (int, error) {
	s.mu.Lock()
	if s.batch == nil || (id != "" && s.batch.id != id) {
		s.mu.Unlock()
		return 0, ErrBatchNotFound
	}
	id = s.batch.id
	statuses := s.resetBatchLocked()
	s.mu.Unlock()

	if len(statuses) > 0 {
		metrics.QueueCancelsTotal.WithLabelValues("batch").Add(float64(len(statuses)))
	}
	s.log.Info("Reset batch %s: canceled %d pending job(s)", id, len(statuses))
	for _, st := range statuses {
		s.emit(st)
	}
	return len(statuses), nil
}

// ActiveBatch returns the active batch ID and its keys in request order.
func (s *Scheduler) ActiveBatch() (string, []cache.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return "", nil, false
	}
	return s.batch.id, append([]cache.Key(nil), s.batch.keys...), true
}

func (s *Scheduler) resetBatchLocked() []JobStatus {
	b := s.batch
	s.batch = nil
	if b == nil {
		return nil
	}
	var statuses []JobStatus
	for _, k := range b.keys {
		j, ok := s.jobs[k]
		if !ok || j.batch != b.id || j.index < 0 {
			continue
		}
		statuses = append(statuses, s.cancelPendingLocked(j))
	}
	return statuses
}

// followersLocked returns j followed by the pending jobs of its batch in
// wrap-around order: those listed after j, then those listed before it.
func (s *Scheduler) followersLocked(j *Job) []*Job {
	group := []*Job{j}
	b := s.batch
	if b == nil || j.batch != b.id {
		return group
	}
	at := -1
	for i, k := range b.keys {
		if k == j.key {
			at = i
			break
		}
	}
	if at < 0 {
		return group
	}
	order := append(append([]cache.Key(nil), b.keys[at+1:]...), b.keys[:at]...)
	for _, k := range order {
		if other, ok := s.jobs[k]; ok && other.batch == b.id && other.index >= 0 {
			group = append(group, other)
		}
	}
	return group
}
