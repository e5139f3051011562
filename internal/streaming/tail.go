package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"

	"sasi-cats/internal/cache"
)

var (
	// ErrArtifactFailed means the entry being tailed failed or was wiped
	// before it completed.
	ErrArtifactFailed = errors.New("artifact failed while streaming")
	// ErrArtifactChanged means bytes already sent differ from the published
	// artifact, so the client holds a spliced file. It wraps ErrArtifactFailed.
	ErrArtifactChanged = fmt.Errorf("%w: published artifact differs from the bytes sent", ErrArtifactFailed)
)

// maxOpenAttempts bounds re-snapshots when the temp file is renamed between
// a snapshot and the open.
const maxOpenAttempts = 3

// Source reports an entry's state and a channel closed on its next change.
// *cache.Observer implements it.
type Source interface {
	Snapshot() (cache.Entry, <-chan struct{})
}

// TailReader reads a cache entry while it is written.
type TailReader struct {
	ctx  context.Context
	src  Source
	poll time.Duration

	f   *os.File
	off int64

	// sum covers bytes [0, off) until the entry completes.
	sum      hash.Hash
	verified bool
}

// NewTailReader returns a reader following src. poll bounds each wait for
// the next size report.
func NewTailReader(ctx context.Context, src Source, poll time.Duration) *TailReader {
	if poll <= 0 {
		poll = time.Second
	}
	sum, _ := blake2b.New256(nil)
	return &TailReader{ctx: ctx, src: src, poll: poll, sum: sum}
}

// Read implements io.Reader.
func (t *TailReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		entry, changed := t.src.Snapshot()

		switch entry.State {
		case cache.StateFailed, cache.StateAbsent:
			if entry.Reason != nil {
				return 0, fmt.Errorf("%w: %v", ErrArtifactFailed, entry.Reason)
			}
			return 0, ErrArtifactFailed
		}

		if entry.State == cache.StateComplete && !t.verified {
			if err := t.verify(entry); err != nil {
				return 0, err
			}
		}
		if err := t.open(); err != nil {
			return 0, err
		}

		if avail := entry.Size - t.off; avail > 0 {
			buf := p
			if int64(len(buf)) > avail {
				buf = buf[:avail]
			}
			n, err := t.f.ReadAt(buf, t.off)
			t.off += int64(n)
			if !t.verified {
				t.sum.Write(buf[:n])
			}
			if n > 0 {
				return n, nil
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return 0, err
			}
		} else if entry.State == cache.StateComplete {
			return 0, io.EOF
		}

		if err := t.wait(changed); err != nil {
			return 0, err
		}
	}
}

func (t *TailReader) wait(changed <-chan struct{}) error {
	timer := time.NewTimer(t.poll)
	defer timer.Stop()

	select {
	case <-changed:
	case <-timer.C:
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
	return nil
}

// open opens the entry's file on first use. The descriptor stays valid
// across the temp-to-artifact rename; verify replaces it once the entry
// completes.
func (t *TailReader) open() error {
	if t.f != nil {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxOpenAttempts; attempt++ {
		entry, _ := t.src.Snapshot()
		if entry.State != cache.StateWriting && entry.State != cache.StateComplete {
			return ErrArtifactFailed
		}
		f, err := os.Open(entry.Path)
		if err == nil {
			t.f = f
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrArtifactFailed, lastErr)
}

// verify compares the bytes already read with the start of the published
// artifact, then switches reading to it. The writer may have rewritten or
// replaced the file it was tailing.
func (t *TailReader) verify(entry cache.Entry) error {
	f, err := os.Open(entry.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArtifactFailed, err)
	}
	if t.off > 0 {
		h, _ := blake2b.New256(nil)
		if _, err := io.CopyN(h, f, t.off); err != nil {
			_ = f.Close()
			if errors.Is(err, io.EOF) {
				return ErrArtifactChanged
			}
			return fmt.Errorf("%w: %v", ErrArtifactFailed, err)
		}
		if !bytes.Equal(h.Sum(nil), t.sum.Sum(nil)) {
			_ = f.Close()
			return ErrArtifactChanged
		}
	}
	if t.f != nil {
		_ = t.f.Close()
	}
	t.f = f
	t.verified = true
	return nil
}

// Offset returns the number of bytes read so far.
func (t *TailReader) Offset() int64 {
	return t.off
}

// Close releases the file.
func (t *TailReader) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
