package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/filesystem"
	"sasi-cats/internal/logging"
	"sasi-cats/internal/mediatypes"
	"sasi-cats/internal/memory"
	"sasi-cats/internal/metrics"
	"sasi-cats/internal/queue"
	"sasi-cats/internal/transcoder"
	"sasi-cats/internal/workers"
)

// Options configures a Service.
type Options struct {
	MediaDir       string
	Profile        transcoder.Profile
	Slots          int
	MaxJobDuration time.Duration
	Memory         *memory.Monitor
	Observers      []queue.Observer
}

// Service composes the store, scheduler, pool and engine.
type Service struct {
	mediaDir  string
	profile   transcoder.Profile
	profileID string
	workflow  transcoder.Workflow

	store  *cache.Store
	sched  *queue.Scheduler
	pool   *workers.Pool
	engine transcoder.Engine
	memory *memory.Monitor

	log logging.Logger
}

// Ticket is the answer to a transcode request.
type Ticket struct {
	Key    cache.Key
	Source string
	Batch  string
	Handle *queue.Handle
}

// Status is the combined job and cache view of one key.
type Status struct {
	Key     cache.Key        `json:"key"`
	State   string           `json:"state"`
	Source  string           `json:"source,omitempty"`
	Size    int64            `json:"size,omitempty"`
	Job     *queue.JobStatus `json:"job,omitempty"`
	Failure *queue.Failure   `json:"failure,omitempty"`
}

// Status states beyond the job states.
const (
	StateComplete = "complete"
	StateWriting  = "writing"
	StateAbsent   = "absent"
)

// Stats is the /api/stats payload.
type Stats struct {
	Workflow        string  `json:"workflow"`
	Profile         string  `json:"profile"`
	Slots           int     `json:"slots"`
	BusySlots       int     `json:"busySlots"`
	QueuedJobs      int     `json:"queuedJobs"`
	RunningJobs     int     `json:"runningJobs"`
	Paused          bool    `json:"paused"`
	CompleteEntries int     `json:"completeEntries"`
	WritingEntries  int     `json:"writingEntries"`
	CacheBytes      int64   `json:"cacheBytes"`
	MemoryUsage     float64 `json:"memoryUsage"`
}

// New builds the service around an opened store and an engine.
func New(store *cache.Store, engine transcoder.Engine, opts Options) (*Service, error) {
	mediaDir, err := filepath.Abs(opts.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("media dir: %w", err)
	}

	sched := queue.New(store)
	for _, o := range opts.Observers {
		sched.AddObserver(o)
	}

	pool := workers.NewPool(workers.Config{
		Slots:          opts.Slots,
		MaxJobDuration: opts.MaxJobDuration,
		Profile:        opts.Profile,
		Memory:         opts.Memory,
	}, sched, store, engine)

	return &Service{
		mediaDir:  mediaDir,
		profile:   opts.Profile,
		profileID: opts.Profile.ID(),
		workflow:  engine.Workflow(),
		store:     store,
		sched:     sched,
		pool:      pool,
		engine:    engine,
		memory:    opts.Memory,
		log:       logging.For("pipeline"),
	}, nil
}

// Start launches the worker pool.
func (s *Service) Start(ctx context.Context) {
	s.pool.Start(ctx)
}

// Stop stops the pool. Running jobs are canceled and their writes aborted.
func (s *Service) Stop() {
	s.pool.Stop()
}

func (s *Service) MediaDir() string { return s.mediaDir }

func (s *Service) Workflow() transcoder.Workflow { return s.workflow }

func (s *Service) ProfileID() string { return s.profileID }

// Tailable reports whether entries may be streamed while they are written.
// Only append-only output is safe to tail.
func (s *Service) Tailable() bool { return s.profile.AppendOnly() }

// KeyFor derives the cache key for an absolute source path.
func (s *Service) KeyFor(source string) (cache.Key, error) {
	id, err := cache.IdentityOf(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %v", ErrSourceNotFound, err)
		}
		return "", err
	}
	return cache.DeriveKey(id, s.profileID, string(s.workflow)), nil
}

// Request asks for a source, given relative to the media directory.
func (s *Service) Request(path string, priority int) (Ticket, error) {
	return s.request("", path, priority)
}

func (s *Service) request(batchID, path string, priority int) (Ticket, error) {
	source, err := s.ResolveSource(path)
	if err != nil {
		return Ticket{}, err
	}
	key, err := s.KeyFor(source)
	if err != nil {
		return Ticket{}, err
	}
	h, err := s.sched.RequestIn(batchID, key, source, priority)
	if err != nil {
		return Ticket{}, err
	}
	return Ticket{Key: key, Source: source, Batch: batchID, Handle: h}, nil
}

// RequestFolder requests every video directly inside dir at one priority,
// in the given order, so FIFO dispatch follows the listing. The videos form
// a new batch, which resets the previous one. Files that cannot be requested
// are skipped and logged.
func (s *Service) RequestFolder(dir string, priority int, field mediatypes.SortField, order mediatypes.SortOrder) ([]Ticket, error) {
	full, err := s.ResolveFolder(dir)
	if err != nil {
		return nil, err
	}
	entries, err := filesystem.ReadDirWithRetry(full, filesystem.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("read folder: %w", err)
	}

	type candidate struct {
		path string
		name string
		size int64
		mod  time.Time
	}
	var files []candidate
	for _, e := range entries {
		if e.IsDir() || !mediatypes.IsTranscodable(mediatypes.Ext(e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{
			path: filepath.Join(full, e.Name()),
			name: e.Name(),
			size: info.Size(),
			mod:  info.ModTime(),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if order == mediatypes.SortDesc {
			a, b = b, a
		}
		switch field {
		case mediatypes.SortByDate:
			if !a.mod.Equal(b.mod) {
				return a.mod.Before(b.mod)
			}
		case mediatypes.SortBySize:
			if a.size != b.size {
				return a.size < b.size
			}
		}
		return a.name < b.name
	})

	batchID, canceled := s.sched.StartBatch()
	if canceled > 0 {
		s.log.Info("Folder %s replaces the previous batch (%d pending job(s) canceled)", s.RelPath(full), canceled)
	}
	tickets := make([]Ticket, 0, len(files))
	for _, f := range files {
		t, err := s.request(batchID, f.path, priority)
		if err != nil {
			s.log.Warn("Skipping %s in folder batch: %v", f.name, err)
			continue
		}
		tickets = append(tickets, t)
	}
	s.log.Info("Folder %s: requested %d of %d video(s)", s.RelPath(full), len(tickets), len(files))
	return tickets, nil
}

// Lookup returns the cache state of key.
func (s *Service) Lookup(key cache.Key) cache.Entry {
	return s.store.Lookup(key)
}

// Observe follows key's cache entry.
func (s *Service) Observe(key cache.Key) *cache.Observer {
	return s.store.Observe(key)
}

// Status combines job, cache and failure state for key.
func (s *Service) Status(key cache.Key) Status {
	st := Status{Key: key, State: StateAbsent}

	entry := s.store.Lookup(key)
	switch entry.State {
	case cache.StateComplete:
		st.State = StateComplete
		st.Size = entry.Size
		st.Source = entry.Source
		return st
	case cache.StateWriting:
		st.State = StateWriting
		st.Size = entry.Size
		st.Source = entry.Source
	}

	if job, ok := s.sched.Status(key); ok {
		st.Job = &job
		st.Source = job.Source
		if st.State == StateAbsent {
			st.State = string(job.State)
		}
		return st
	}
	if f, ok := s.sched.Failure(key); ok {
		st.Failure = &f
		st.Source = f.Source
		if st.State == StateAbsent {
			st.State = string(queue.StateFailed)
		}
	}
	return st
}

// List returns the queue read model.
func (s *Service) List() []queue.JobStatus {
	return s.sched.List()
}

// Reprioritize sets a job's priority.
func (s *Service) Reprioritize(key cache.Key, priority int) error {
	return s.sched.Reprioritize(key, priority)
}

// Promote moves a pending job to the front of the queue, with the rest of
// its batch queued behind it.
func (s *Service) Promote(key cache.Key) (int, error) {
	return s.sched.Promote(key)
}

// ResetBatch cancels the pending jobs of a folder batch. An empty id names the
// active batch.
func (s *Service) ResetBatch(id string) (int, error) {
	return s.sched.ResetBatch(id)
}

// Cancel cancels a job; running jobs need force.
func (s *Service) Cancel(key cache.Key, force bool) error {
	return s.sched.Cancel(key, force)
}

// Wipe empties the cache and forgets recorded failures. Dispatch is paused
// for the duration; pending jobs stay queued and run afterwards.
func (s *Service) Wipe(ctx context.Context) (cache.WipeStats, error) {
	s.sched.Pause()
	defer s.sched.Resume()

	s.log.Warn("Wiping cache at %s", s.store.Root())
	stats, err := s.store.WipeAll(ctx)
	s.sched.ClearFailures()
	if err != nil {
		return stats, err
	}
	s.log.Info("Cache wiped: %d entries, %s freed, %d writer(s) canceled",
		stats.Entries, memory.FormatBytes(stats.FreedBytes), stats.Canceled)
	return stats, nil
}

// GetStats implements metrics.StatsProvider.
func (s *Service) GetStats() metrics.Stats {
	queued, running := s.sched.Counts()
	cs := s.store.Stats()
	return metrics.Stats{
		QueuedJobs:      queued,
		RunningJobs:     running,
		BusySlots:       s.pool.Busy(),
		CompleteEntries: cs.CompleteEntries,
		WritingEntries:  cs.WritingEntries,
		CacheBytes:      cs.CompleteBytes,
	}
}

// Stats returns the detailed counters served by the API.
func (s *Service) Stats() Stats {
	base := s.GetStats()
	st := Stats{
		Workflow:        string(s.workflow),
		Profile:         s.profileID,
		Slots:           s.pool.Slots(),
		BusySlots:       base.BusySlots,
		QueuedJobs:      base.QueuedJobs,
		RunningJobs:     base.RunningJobs,
		Paused:          s.sched.Paused(),
		CompleteEntries: base.CompleteEntries,
		WritingEntries:  base.WritingEntries,
		CacheBytes:      base.CacheBytes,
	}
	if s.memory != nil {
		st.MemoryUsage = s.memory.Usage()
	}
	return st
}
