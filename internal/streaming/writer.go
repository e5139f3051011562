package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"sasi-cats/internal/logging"
)

var (
	// ErrWriteTimeout means a client took longer than WriteTimeout to accept a chunk.
	ErrWriteTimeout = errors.New("write timeout exceeded")
	// ErrClientGone means the request context was canceled.
	ErrClientGone = errors.New("client disconnected")
	// ErrStreamCanceled means the writer was closed or its context ended otherwise.
	ErrStreamCanceled = errors.New("stream canceled")
)

// TimeoutWriterConfig configures a TimeoutWriter.
type TimeoutWriterConfig struct {
	// WriteTimeout bounds each chunk write.
	WriteTimeout time.Duration
	// MaxDuration bounds the whole stream, 0 for unlimited.
	MaxDuration time.Duration
	// ChunkSize splits large writes; every chunk is flushed.
	ChunkSize int
	// OnProgress is called roughly every MiB written.
	OnProgress func(bytesWritten int64, duration time.Duration)
}

// DefaultTimeoutWriterConfig returns the standard config.
func DefaultTimeoutWriterConfig() TimeoutWriterConfig {
	return TimeoutWriterConfig{
		WriteTimeout: 30 * time.Second,
		ChunkSize:    64 * 1024,
	}
}

// TimeoutWriter wraps an http.ResponseWriter with per-chunk write deadlines.
type TimeoutWriter struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	ctx    context.Context
	cancel context.CancelFunc
	config TimeoutWriterConfig
	start  time.Time

	mu           sync.Mutex
	bytesWritten int64
	closed       bool
}

// NewTimeoutWriter wraps w. ctx is normally the request context.
func NewTimeoutWriter(ctx context.Context, w http.ResponseWriter, config TimeoutWriterConfig) *TimeoutWriter {
	writerCtx, cancel := context.WithCancel(ctx)
	return &TimeoutWriter{
		w:      w,
		rc:     http.NewResponseController(w),
		ctx:    writerCtx,
		cancel: cancel,
		config: config,
		start:  time.Now(),
	}
}

// Write implements io.Writer.
func (tw *TimeoutWriter) Write(p []byte) (int, error) {
	tw.mu.Lock()
	closed := tw.closed
	tw.mu.Unlock()
	if closed {
		return 0, ErrStreamCanceled
	}

	written := 0
	for len(p) > 0 {
		if err := tw.ctx.Err(); err != nil {
			return written, tw.contextError()
		}
		if tw.config.MaxDuration > 0 && time.Since(tw.start) > tw.config.MaxDuration {
			return written, ErrWriteTimeout
		}

		chunk := p
		if tw.config.ChunkSize > 0 && len(chunk) > tw.config.ChunkSize {
			chunk = chunk[:tw.config.ChunkSize]
		}
		n, err := tw.writeChunk(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

func (tw *TimeoutWriter) writeChunk(p []byte) (int, error) {
	if tw.config.WriteTimeout > 0 {
		// Recorders and some wrappers cannot take deadlines; write without one.
		_ = tw.rc.SetWriteDeadline(time.Now().Add(tw.config.WriteTimeout))
	}

	n, err := tw.w.Write(p)
	if err == nil {
		err = tw.rc.Flush()
		if errors.Is(err, http.ErrNotSupported) {
			err = nil
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			tw.cancel()
			return n, ErrWriteTimeout
		}
		if tw.ctx.Err() != nil {
			return n, tw.contextError()
		}
		return n, err
	}

	tw.mu.Lock()
	before := tw.bytesWritten
	tw.bytesWritten += int64(n)
	after := tw.bytesWritten
	tw.mu.Unlock()

	if tw.config.OnProgress != nil && before>>20 != after>>20 {
		tw.config.OnProgress(after, time.Since(tw.start))
	}
	return n, nil
}

func (tw *TimeoutWriter) contextError() error {
	if errors.Is(tw.ctx.Err(), context.Canceled) {
		tw.mu.Lock()
		closed := tw.closed
		tw.mu.Unlock()
		if !closed {
			return ErrClientGone
		}
	}
	return ErrStreamCanceled
}

// Close stops further writes. Safe to call more than once.
func (tw *TimeoutWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closed {
		return nil
	}
	tw.closed = true
	tw.cancel()
	if tw.config.WriteTimeout > 0 {
		_ = tw.rc.SetWriteDeadline(time.Time{})
	}
	return nil
}

// Stats returns bytes written and elapsed time.
func (tw *TimeoutWriter) Stats() (bytesWritten int64, duration time.Duration) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.bytesWritten, time.Since(tw.start)
}

// StreamWithTimeout copies r to w through a TimeoutWriter and returns the
// number of bytes the client accepted.
func StreamWithTimeout(ctx context.Context, w http.ResponseWriter, r io.Reader, config TimeoutWriterConfig) (int64, error) {
	tw := NewTimeoutWriter(ctx, w, config)
	defer func() { _ = tw.Close() }()

	w.Header().Set("X-Content-Type-Options", "nosniff")

	_, err := io.Copy(tw, r)

	written, duration := tw.Stats()
	logging.Debug("Stream finished: %d bytes in %v (err=%v)", written, duration, err)
	return written, err
}
