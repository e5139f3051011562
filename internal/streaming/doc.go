/*
Package streaming moves artifact bytes to HTTP clients.

A [TailReader] follows a cache entry while it is still being written. It
only reads bytes the writer has reported as written, and when it catches
up it waits for the next size report, polling as a fallback. Once the
entry is complete it checks the bytes it already returned against the
published artifact, then drains the rest and returns io.EOF. If the write
fails or the entry disappears it returns [ErrArtifactFailed], and if the
published artifact no longer starts with the bytes sent it returns
[ErrArtifactChanged]. Neither is a clean EOF, so a truncated or spliced
artifact is not mistaken for a whole one.

Only append-only output should be tailed. A faststart movie is rewritten
when the muxer finishes and always fails the check.

A [TimeoutWriter] guards the response side. Each chunk gets a write
deadline, so a stalled client cannot hold a handler forever:

	tail := streaming.NewTailReader(r.Context(), observer, time.Second)
	defer tail.Close()

	n, err := streaming.StreamWithTimeout(r.Context(), w, tail, streaming.DefaultTimeoutWriterConfig())
	switch {
	case errors.Is(err, streaming.ErrArtifactFailed) && n > 0:
		panic(http.ErrAbortHandler)
	case errors.Is(err, streaming.ErrClientGone):
		return
	}

Waiting for the writer never blocks the writer: the reader holds no lock
between snapshots.
*/
package streaming
