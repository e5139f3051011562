package cache

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"sasi-cats/internal/logging"
	"sasi-cats/internal/metrics"
)

// State is the lifecycle state of a cache entry.
type State int

const (
	StateAbsent State = iota
	StateWriting
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateWriting:
		return "writing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAlreadyWriting means another writer holds the key.
	ErrAlreadyWriting = errors.New("cache key already being written")
	// ErrWipeInProgress means a full wipe is running and writes are refused.
	ErrWipeInProgress = errors.New("cache wipe in progress")
	// ErrComplete means the key is already published.
	ErrComplete = errors.New("cache key already complete")
	// ErrHandleClosed is returned by a write handle after Commit or Abort.
	ErrHandleClosed = errors.New("write handle already closed")
)

// IOError wraps a failure of the cache directory itself (disk full,
// permissions, index errors), as opposed to a failure of the source or engine.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Entry is a point-in-time view of one cache key.
type Entry struct {
	Key       Key
	State     State
	Path      string // temp path while writing, artifact path when complete
	Size      int64  // bytes durable so far; final size when complete
	Source    string
	Workflow  string
	CreatedAt time.Time
	Reason    error // set when State is StateFailed
}

type entry struct {
	key       Key
	state     State
	path      string
	size      int64
	source    string
	workflow  string
	createdAt time.Time
	reason    error
	changed   chan struct{}
}

// notify wakes everyone waiting on the current change channel. Caller holds s.mu.
func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *entry) snapshot() Entry {
	return Entry{
		Key:       e.key,
		State:     e.state,
		Path:      e.path,
		Size:      e.size,
		Source:    e.source,
		Workflow:  e.workflow,
		CreatedAt: e.createdAt,
		Reason:    e.reason,
	}
}

// Options configures a Store.
type Options struct {
	// Workflow is recorded against every artifact written by this store.
	Workflow string
	// Ext is the artifact file extension, ".mov" by default.
	Ext string
}

// Stats summarizes the store contents.
type Stats struct {
	CompleteEntries int
	WritingEntries  int
	CompleteBytes   int64
}

// WipeStats reports what WipeAll removed.
type WipeStats struct {
	Entries    int
	FreedBytes int64
	Canceled   int
}

// Store owns every cache entry and the per-key write lock.
type Store struct {
	root         string
	artifactsDir string
	tmpDir       string
	workflow     string
	ext          string
	index        *Index

	mu             sync.Mutex
	entries        map[Key]*entry // writing and complete
	writers        map[*WriteHandle]struct{}
	writersChanged chan struct{}
	wiping         bool

	now func() time.Time
}

// Open prepares the cache root, opens the index and reconciles disk state
// left behind by a previous run.
func Open(ctx context.Context, root string, opts Options) (*Store, error) {
	if opts.Ext == "" {
		opts.Ext = ".mov"
	}

	s := &Store{
		root:           root,
		artifactsDir:   filepath.Join(root, "artifacts"),
		tmpDir:         filepath.Join(root, "tmp"),
		workflow:       opts.Workflow,
		ext:            opts.Ext,
		entries:        make(map[Key]*entry),
		writers:        make(map[*WriteHandle]struct{}),
		writersChanged: make(chan struct{}),
		now:            time.Now,
	}

	for _, dir := range []string{s.artifactsDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	index, err := OpenIndex(ctx, filepath.Join(root, "index.db"))
	if err != nil {
		return nil, &IOError{Op: "open index", Path: root, Err: err}
	}
	s.index = index

	if err := s.reconcile(ctx); err != nil {
		if closeErr := index.Close(); closeErr != nil {
			logging.Error("failed to close cache index: %v", closeErr)
		}
		return nil, err
	}

	return s, nil
}

func (s *Store) reconcile(ctx context.Context) error {
	staleTemps := 0
	tmpEntries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return &IOError{Op: "readdir", Path: s.tmpDir, Err: err}
	}
	for _, de := range tmpEntries {
		if err := os.RemoveAll(filepath.Join(s.tmpDir, de.Name())); err != nil {
			logging.Warn("Failed to remove stale temp file %s: %v", de.Name(), err)
			continue
		}
		staleTemps++
	}

	records, err := s.index.All(ctx)
	if err != nil {
		return &IOError{Op: "load index", Path: s.index.Path(), Err: err}
	}

	dropped := 0
	for _, r := range records {
		path := filepath.Join(s.root, r.RelPath)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			if delErr := s.index.Delete(ctx, r.Key); delErr != nil {
				logging.Warn("Failed to drop index row for %s: %v", r.Key.Short(), delErr)
			}
			dropped++
			continue
		}
		s.entries[r.Key] = &entry{
			key:       r.Key,
			state:     StateComplete,
			path:      path,
			size:      info.Size(),
			source:    r.Source,
			workflow:  r.Workflow,
			createdAt: r.CreatedAt,
			changed:   make(chan struct{}),
		}
	}

	orphans := 0
	walkErr := filepath.WalkDir(s.artifactsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		key, parseErr := ParseKey(strings.TrimSuffix(d.Name(), s.ext))
		if parseErr == nil {
			if _, ok := s.entries[key]; ok {
				return nil
			}
		}
		if rmErr := os.Remove(path); rmErr != nil {
			logging.Warn("Failed to remove orphaned artifact %s: %v", path, rmErr)
			return nil
		}
		orphans++
		return nil
	})
	if walkErr != nil {
		logging.Warn("Cache reconcile walk failed: %v", walkErr)
	}

	logging.Info("Cache opened at %s: %d artifacts, removed %d temp files, %d stale index rows, %d orphaned files",
		s.root, len(s.entries), staleTemps, dropped, orphans)
	return nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// Close closes the index. In-flight handles should be finished first.
func (s *Store) Close() error {
	return s.index.Close()
}

func (s *Store) artifactPath(key Key) string {
	return filepath.Join(s.artifactsDir, key.shardDir(), string(key)+s.ext)
}

// Lookup returns the current state of key. A complete entry whose file has
// disappeared is dropped and reported as absent.
func (s *Store) Lookup(key Key) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		metrics.CacheLookupsTotal.WithLabelValues("absent").Inc()
		return Entry{Key: key, State: StateAbsent}
	}

	if e.state == StateComplete {
		if _, err := os.Stat(e.path); err != nil {
			logging.Warn("Cached artifact %s vanished (%v), dropping entry", key.Short(), err)
			s.dropLocked(e)
			metrics.CacheLookupsTotal.WithLabelValues("absent").Inc()
			return Entry{Key: key, State: StateAbsent}
		}
	}

	metrics.CacheLookupsTotal.WithLabelValues(e.state.String()).Inc()
	return e.snapshot()
}

// dropLocked forgets a complete entry whose artifact is gone.
func (s *Store) dropLocked(e *entry) {
	delete(s.entries, e.key)
	if err := s.index.Delete(context.Background(), e.key); err != nil {
		logging.Warn("Failed to drop index row for %s: %v", e.key.Short(), err)
	}
	e.state = StateAbsent
	e.notify()
}

// Observer follows one key across state changes.
type Observer struct {
	s   *Store
	key Key
	e   *entry
}

// Observe returns an Observer for key. If the key is absent, the Observer
// attaches to the first entry created for it.
func (s *Store) Observe(key Key) *Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Observer{s: s, key: key, e: s.entries[key]}
}

// Snapshot returns the current entry and a channel closed at its next change.
// While nothing is attached the channel is nil.
func (o *Observer) Snapshot() (Entry, <-chan struct{}) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	if o.e == nil {
		o.e = o.s.entries[o.key]
	}
	if o.e == nil {
		return Entry{Key: o.key, State: StateAbsent}, nil
	}
	return o.e.snapshot(), o.e.changed
}

// BeginWrite claims key for writing and creates its temp file.
func (s *Store) BeginWrite(key Key, source string) (*WriteHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wiping {
		return nil, ErrWipeInProgress
	}
	if e, ok := s.entries[key]; ok {
		switch e.state {
		case StateWriting:
			return nil, ErrAlreadyWriting
		case StateComplete:
			return nil, ErrComplete
		}
	}

	id := ulid.MustNew(ulid.Timestamp(s.now()), rand.Reader)
	tempPath := filepath.Join(s.tmpDir, fmt.Sprintf("%s-%s.part", key, id))
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &IOError{Op: "create", Path: tempPath, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return nil, &IOError{Op: "create", Path: tempPath, Err: err}
	}

	e := &entry{
		key:       key,
		state:     StateWriting,
		path:      tempPath,
		source:    source,
		workflow:  s.workflow,
		createdAt: s.now(),
		changed:   make(chan struct{}),
	}
	s.entries[key] = e

	h := &WriteHandle{s: s, e: e, tempPath: tempPath, canceled: make(chan struct{})}
	s.writers[h] = struct{}{}

	logging.Debug("Cache write started for %s at %s", key.Short(), tempPath)
	return h, nil
}

// releaseLocked removes h from the writer set. Caller holds s.mu.
func (s *Store) releaseLocked(h *WriteHandle) {
	h.done = true
	delete(s.writers, h)
	close(s.writersChanged)
	s.writersChanged = make(chan struct{})
}

// WipeAll deletes every artifact and index row. New writes are refused while
// it runs; in-flight writers are told to stop via their Canceled channel and
// waited for until ctx expires.
func (s *Store) WipeAll(ctx context.Context) (WipeStats, error) {
	var stats WipeStats

	s.mu.Lock()
	if s.wiping {
		s.mu.Unlock()
		return stats, ErrWipeInProgress
	}
	s.wiping = true
	for h := range s.writers {
		h.cancel()
		stats.Canceled++
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.wiping = false
		s.mu.Unlock()
	}()

	if stats.Canceled > 0 {
		logging.Info("Cache wipe waiting for %d in-flight writers", stats.Canceled)
	}

	for {
		s.mu.Lock()
		remaining := len(s.writers)
		ch := s.writersChanged
		s.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return stats, fmt.Errorf("waiting for %d writers: %w", remaining, ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.state == StateComplete {
			stats.Entries++
			stats.FreedBytes += e.size
		}
		e.state = StateAbsent
		e.notify()
	}
	s.entries = make(map[Key]*entry)

	if _, err := s.index.Clear(ctx); err != nil {
		return stats, &IOError{Op: "wipe index", Path: s.index.Path(), Err: err}
	}
	for _, dir := range []string{s.artifactsDir, s.tmpDir} {
		if err := os.RemoveAll(dir); err != nil {
			return stats, &IOError{Op: "wipe", Path: dir, Err: err}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stats, &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	metrics.CacheWipesTotal.Inc()
	logging.Info("Cache wiped: %d artifacts, %d bytes freed", stats.Entries, stats.FreedBytes)
	return stats, nil
}

// Stats returns entry counts and published bytes.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, e := range s.entries {
		switch e.state {
		case StateComplete:
			st.CompleteEntries++
			st.CompleteBytes += e.size
		case StateWriting:
			st.WritingEntries++
		}
	}
	return st
}

// WriteHandle is the exclusive right to write one key. Exactly one of
// Commit or Abort must be called.
type WriteHandle struct {
	s          *Store
	e          *entry
	tempPath   string
	canceled   chan struct{}
	cancelOnce sync.Once
	done       bool // guarded by s.mu
}

// Key returns the key being written.
func (h *WriteHandle) Key() Key {
	return h.e.key
}

// Path returns the temp file the engine should write to.
func (h *WriteHandle) Path() string {
	return h.tempPath
}

// Canceled is closed when the store wants the writer to stop (full wipe).
func (h *WriteHandle) Canceled() <-chan struct{} {
	return h.canceled
}

func (h *WriteHandle) cancel() {
	h.cancelOnce.Do(func() { close(h.canceled) })
}

// Report publishes the number of bytes durable in the temp file. Sizes that
// do not grow are ignored.
func (h *WriteHandle) Report(size int64) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	if h.done || size <= h.e.size {
		return
	}
	h.e.size = size
	h.e.notify()
}

// Commit syncs the temp file and publishes it. On error the handle stays
// open and the caller must Abort.
func (h *WriteHandle) Commit(ctx context.Context) (Entry, error) {
	size, err := syncFile(h.tempPath)
	if err != nil {
		return Entry{}, &IOError{Op: "sync", Path: h.tempPath, Err: err}
	}

	s := h.s
	finalPath := s.artifactPath(h.e.key)
	finalDir := filepath.Dir(finalPath)
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return Entry{}, &IOError{Op: "mkdir", Path: finalDir, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h.done {
		return Entry{}, ErrHandleClosed
	}

	if err := os.Rename(h.tempPath, finalPath); err != nil {
		return Entry{}, &IOError{Op: "rename", Path: finalPath, Err: err}
	}
	if err := syncDir(finalDir); err != nil {
		logging.Debug("Directory sync failed for %s: %v", finalDir, err)
	}

	relPath, err := filepath.Rel(s.root, finalPath)
	if err != nil {
		relPath = finalPath
	}
	created := s.now()
	record := Record{
		Key:       h.e.key,
		Source:    h.e.source,
		Workflow:  h.e.workflow,
		RelPath:   relPath,
		Size:      size,
		CreatedAt: created,
	}
	if err := s.index.Put(ctx, record); err != nil {
		// Without an index row the file would be removed as an orphan on the
		// next start; remove it now so disk and index agree.
		if rmErr := os.Remove(finalPath); rmErr != nil {
			logging.Warn("Failed to remove unindexed artifact %s: %v", finalPath, rmErr)
		}
		return Entry{}, &IOError{Op: "index", Path: s.index.Path(), Err: err}
	}

	h.e.state = StateComplete
	h.e.path = finalPath
	h.e.size = size
	h.e.createdAt = created
	h.e.notify()
	s.releaseLocked(h)

	metrics.CacheWritesTotal.WithLabelValues("committed").Inc()
	logging.Debug("Cache commit %s (%d bytes)", h.e.key.Short(), size)
	return h.e.snapshot(), nil
}

// Abort discards the partial artifact. Observers see StateFailed with reason;
// the key itself becomes absent so a later write can start over.
func (h *WriteHandle) Abort(reason error) error {
	s := h.s
	s.mu.Lock()
	if h.done {
		s.mu.Unlock()
		return ErrHandleClosed
	}
	h.e.state = StateFailed
	h.e.reason = reason
	h.e.notify()
	if s.entries[h.e.key] == h.e {
		delete(s.entries, h.e.key)
	}
	s.releaseLocked(h)
	s.mu.Unlock()

	metrics.CacheWritesTotal.WithLabelValues("aborted").Inc()
	logging.Debug("Cache write aborted for %s: %v", h.e.key.Short(), reason)

	if err := os.Remove(h.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Path: h.tempPath, Err: err}
	}
	return nil
}

func syncFile(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	return info.Size(), f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
