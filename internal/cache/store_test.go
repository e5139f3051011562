package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir(), Options{Workflow: "cpu"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(c string) Key {
	return Key(strings.Repeat(c, 64))
}

func writeAndCommit(t *testing.T, s *Store, key Key, data string) Entry {
	t.Helper()
	h, err := s.BeginWrite(key, "/media/"+key.Short()+".mkv")
	if err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	if err := os.WriteFile(h.Path(), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := h.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return e
}

func TestLookupAbsent(t *testing.T) {
	s := newTestStore(t)
	if e := s.Lookup(testKey("a")); e.State != StateAbsent {
		t.Errorf("Expected absent, got %s", e.State)
	}
}

func TestWriteLifecycle(t *testing.T) {
	s := newTestStore(t)
	key := testKey("a")

	h, err := s.BeginWrite(key, "/media/clip.mkv")
	if err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	if !strings.HasPrefix(h.Path(), filepath.Join(s.Root(), "tmp")) {
		t.Errorf("Expected temp path under tmp/, got %s", h.Path())
	}

	e := s.Lookup(key)
	if e.State != StateWriting {
		t.Fatalf("Expected writing, got %s", e.State)
	}

	if _, err := s.BeginWrite(key, "/media/clip.mkv"); !errors.Is(err, ErrAlreadyWriting) {
		t.Errorf("Expected ErrAlreadyWriting, got %v", err)
	}

	if err := os.WriteFile(h.Path(), []byte("moov-and-mdat"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.Report(4)
	if e := s.Lookup(key); e.Size != 4 {
		t.Errorf("Expected size-so-far 4, got %d", e.Size)
	}
	h.Report(2)
	if e := s.Lookup(key); e.Size != 4 {
		t.Errorf("Size must not shrink, got %d", e.Size)
	}

	committed, err := h.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if committed.State != StateComplete || committed.Size != 13 {
		t.Errorf("Expected complete with 13 bytes, got %s with %d", committed.State, committed.Size)
	}

	want := filepath.Join(s.Root(), "artifacts", "aa", "aa", string(key)+".mov")
	if committed.Path != want {
		t.Errorf("Expected artifact at %s, got %s", want, committed.Path)
	}
	if _, err := os.Stat(h.Path()); !os.IsNotExist(err) {
		t.Errorf("Expected temp file to be gone, got %v", err)
	}

	if _, err := h.Commit(context.Background()); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Expected ErrHandleClosed on second commit, got %v", err)
	}
	if err := h.Abort(errors.New("late")); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Expected ErrHandleClosed on abort after commit, got %v", err)
	}

	if _, err := s.BeginWrite(key, "/media/clip.mkv"); !errors.Is(err, ErrComplete) {
		t.Errorf("Expected ErrComplete, got %v", err)
	}

	st := s.Stats()
	if st.CompleteEntries != 1 || st.CompleteBytes != 13 || st.WritingEntries != 0 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestAbortReturnsToAbsent(t *testing.T) {
	s := newTestStore(t)
	key := testKey("b")

	h, err := s.BeginWrite(key, "/media/clip.mkv")
	if err != nil {
		t.Fatal(err)
	}
	obs := s.Observe(key)

	reason := errors.New("engine exploded")
	if err := h.Abort(reason); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	if e := s.Lookup(key); e.State != StateAbsent {
		t.Errorf("Expected absent after abort, got %s", e.State)
	}
	if _, err := os.Stat(h.Path()); !os.IsNotExist(err) {
		t.Errorf("Expected temp file removed, got %v", err)
	}

	e, _ := obs.Snapshot()
	if e.State != StateFailed || !errors.Is(e.Reason, reason) {
		t.Errorf("Expected observer to see failed with reason, got %s / %v", e.State, e.Reason)
	}

	h2, err := s.BeginWrite(key, "/media/clip.mkv")
	if err != nil {
		t.Fatalf("Expected a fresh write after abort, got %v", err)
	}
	_ = h2.Abort(nil)
}

func TestObserverWakesOnChange(t *testing.T) {
	s := newTestStore(t)
	key := testKey("c")

	obs := s.Observe(key)
	e, ch := obs.Snapshot()
	if e.State != StateAbsent || ch != nil {
		t.Fatalf("Expected absent with nil channel, got %s", e.State)
	}

	h, err := s.BeginWrite(key, "/media/clip.mkv")
	if err != nil {
		t.Fatal(err)
	}

	e, ch = obs.Snapshot()
	if e.State != StateWriting {
		t.Fatalf("Expected observer to attach to the new write, got %s", e.State)
	}

	go h.Report(10)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected change notification after Report")
	}

	e, _ = obs.Snapshot()
	if e.Size != 10 {
		t.Errorf("Expected size 10, got %d", e.Size)
	}
	_ = h.Abort(nil)
}

func TestCommitIsAtomicForReaders(t *testing.T) {
	s := newTestStore(t)
	key := testKey("d")
	payload := strings.Repeat("x", 64*1024)

	h, err := s.BeginWrite(key, "/media/clip.mkv")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.Path(), []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 8)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				e := s.Lookup(key)
				if e.State != StateComplete {
					continue
				}
				info, err := os.Stat(e.Path)
				if err != nil {
					errs <- "complete entry without file: " + err.Error()
					return
				}
				if info.Size() != int64(len(payload)) || e.Size != int64(len(payload)) {
					errs <- "complete entry with truncated size"
					return
				}
			}
		}()
	}

	if _, err := h.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Error(msg)
	}
}

func TestWipeAllRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	keys := []Key{testKey("1"), testKey("2"), testKey("3")}
	for _, k := range keys {
		writeAndCommit(t, s, k, "artifact")
	}

	stats, err := s.WipeAll(context.Background())
	if err != nil {
		t.Fatalf("WipeAll() error = %v", err)
	}
	if stats.Entries != 3 || stats.FreedBytes != 24 {
		t.Errorf("Expected 3 entries / 24 bytes, got %+v", stats)
	}

	for _, k := range keys {
		if e := s.Lookup(k); e.State != StateAbsent {
			t.Errorf("Expected %s absent after wipe, got %s", k.Short(), e.State)
		}
	}

	records, err := s.index.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("Expected empty index after wipe, got %d rows", len(records))
	}

	writeAndCommit(t, s, keys[0], "again")
	if e := s.Lookup(keys[0]); e.State != StateComplete {
		t.Errorf("Expected writes to work after wipe, got %s", e.State)
	}
}

func TestWipeAllCancelsWritersAndBlocksNewWrites(t *testing.T) {
	s := newTestStore(t)
	key := testKey("e")

	h, err := s.BeginWrite(key, "/media/clip.mkv")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.WipeAll(context.Background())
		done <- err
	}()

	select {
	case <-h.Canceled():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected wipe to cancel the in-flight writer")
	}

	if _, err := s.BeginWrite(testKey("f"), "/media/other.mkv"); !errors.Is(err, ErrWipeInProgress) {
		t.Errorf("Expected ErrWipeInProgress during wipe, got %v", err)
	}

	select {
	case err := <-done:
		t.Fatalf("Wipe finished before writer released: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.Abort(errors.New("wiped")); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WipeAll() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected wipe to finish once the writer aborted")
	}

	if _, err := s.BeginWrite(key, "/media/clip.mkv"); err != nil {
		t.Errorf("Expected writes to resume after wipe, got %v", err)
	}
}

func TestWipeAllContextExpires(t *testing.T) {
	s := newTestStore(t)
	h, err := s.BeginWrite(testKey("g"), "/media/clip.mkv")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Abort(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := s.WipeAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	// wiping flag is cleared so later writes are not refused forever
	h2, err := s.BeginWrite(testKey("h"), "/media/other.mkv")
	if err != nil {
		t.Fatalf("Expected BeginWrite after failed wipe, got %v", err)
	}
	_ = h2.Abort(nil)
}

func TestOpenReconciles(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, root, Options{Workflow: "cpu"})
	if err != nil {
		t.Fatal(err)
	}
	kept := testKey("a")
	vanished := testKey("b")
	writeAndCommit(t, s, kept, "keep me")
	gone := writeAndCommit(t, s, vanished, "gone")

	// simulate a crash mid-write and a stray file
	h, err := s.BeginWrite(testKey("c"), "/media/partial.mkv")
	if err != nil {
		t.Fatal(err)
	}
	tempPath := h.Path()
	orphan := filepath.Join(root, "artifacts", "dd", "dd", string(testKey("d"))+".mov")
	if err := os.MkdirAll(filepath.Dir(orphan), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(orphan, []byte("orphan"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(gone.Path); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(ctx, root, Options{Workflow: "cpu"})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	if e := s2.Lookup(kept); e.State != StateComplete || e.Size != 7 {
		t.Errorf("Expected kept artifact complete with 7 bytes, got %s/%d", e.State, e.Size)
	}
	if e := s2.Lookup(vanished); e.State != StateAbsent {
		t.Errorf("Expected vanished artifact absent, got %s", e.State)
	}
	if e := s2.Lookup(testKey("c")); e.State != StateAbsent {
		t.Errorf("Expected interrupted write absent, got %s", e.State)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Errorf("Expected stale temp file removed, got %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("Expected orphaned artifact removed, got %v", err)
	}
}

func TestLookupDropsVanishedArtifact(t *testing.T) {
	s := newTestStore(t)
	key := testKey("9")
	e := writeAndCommit(t, s, key, "data")

	if err := os.Remove(e.Path); err != nil {
		t.Fatal(err)
	}
	if got := s.Lookup(key); got.State != StateAbsent {
		t.Errorf("Expected absent once the file is gone, got %s", got.State)
	}
	if _, err := s.BeginWrite(key, "/media/clip.mkv"); err != nil {
		t.Errorf("Expected rewrite to be allowed, got %v", err)
	}
}

func TestIOErrorUnwraps(t *testing.T) {
	err := error(&IOError{Op: "rename", Path: "/cache/x", Err: os.ErrPermission})
	if !errors.Is(err, os.ErrPermission) {
		t.Error("Expected IOError to unwrap to the underlying error")
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "rename" {
		t.Errorf("Expected errors.As to find IOError, got %v", err)
	}
}
