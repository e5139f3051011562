package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"sasi-cats/internal/filesystem"
	"sasi-cats/internal/logging"
)

var (
	// ErrSourceUnreadable means the source could not be opened.
	ErrSourceUnreadable = errors.New("source unreadable")
	// ErrEngineFailure means ffmpeg exited with an error or crashed.
	ErrEngineFailure = errors.New("transcoding engine failed")
	// ErrEngineTimeout means the job ran past its deadline.
	ErrEngineTimeout = errors.New("transcoding engine timed out")
)

// Job is one source to encode into one output file.
type Job struct {
	Source  string
	Output  string
	Profile Profile
}

// Engine produces an artifact for a Job. Implementations must honor ctx:
// cancellation stops the work and the output file may be left partial.
type Engine interface {
	Workflow() Workflow
	Transcode(ctx context.Context, job Job, progress func(Progress)) error
}

// Options configures the ffmpeg engine.
type Options struct {
	Workflow     Workflow
	FFmpegPath   string
	FFprobePath  string
	ProbeTimeout time.Duration
	// KillDelay bounds how long Wait blocks on output pipes after the
	// process is killed.
	KillDelay time.Duration
	// StderrLimit is how many trailing bytes of stderr are kept for errors.
	StderrLimit int
}

// DefaultOptions returns options for w using ffmpeg/ffprobe from PATH.
func DefaultOptions(w Workflow) Options {
	return Options{
		Workflow:     w,
		FFmpegPath:   "ffmpeg",
		FFprobePath:  "ffprobe",
		ProbeTimeout: 30 * time.Second,
		KillDelay:    5 * time.Second,
		StderrLimit:  4096,
	}
}

// FFmpeg is the Engine backed by the ffmpeg binaries.
type FFmpeg struct {
	opts      Options
	processes map[string]*exec.Cmd
	processMu sync.Mutex
	log       logging.Logger
}

// New creates an FFmpeg engine. Zero option fields take their defaults.
func New(opts Options) *FFmpeg {
	def := DefaultOptions(opts.Workflow)
	if opts.Workflow == "" {
		opts.Workflow = WorkflowCPU
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = def.FFmpegPath
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = def.FFprobePath
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = def.ProbeTimeout
	}
	if opts.KillDelay <= 0 {
		opts.KillDelay = def.KillDelay
	}
	if opts.StderrLimit <= 0 {
		opts.StderrLimit = def.StderrLimit
	}

	return &FFmpeg{
		opts:      opts,
		processes: make(map[string]*exec.Cmd),
		log:       logging.For("ffmpeg").With(string(opts.Workflow)),
	}
}

// Workflow returns the workflow chosen at construction.
func (f *FFmpeg) Workflow() Workflow {
	return f.opts.Workflow
}

// Transcode probes the source and runs the workflow's passes.
func (f *FFmpeg) Transcode(ctx context.Context, job Job, progress func(Progress)) error {
	src, err := filesystem.OpenWithRetry(job.Source, filesystem.DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	_ = src.Close()

	info, err := f.Probe(ctx, job.Source)
	if err != nil {
		if ctx.Err() != nil {
			return f.contextError(ctx)
		}
		// ffmpeg often copes with files ffprobe dislikes; carry on blind
		f.log.Warn("Probe failed for %s, using fallback size: %v", job.Source, err)
		info = &VideoInfo{}
	}

	width, height := FitDimensions(info.Width, info.Height, job.Profile.MaxPixels)
	passes := buildPasses(f.opts.Workflow, job, width, height)

	f.log.Debug("Transcoding %s (%dx%d -> %dx%d, %v) in %d pass(es)",
		job.Source, info.Width, info.Height, width, height, info.Duration, len(passes))

	for i, p := range passes {
		if p.output != job.Output {
			defer func(path string) {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					f.log.Warn("Failed to remove intermediate %s: %v", path, err)
				}
			}(p.output)
		}
		if err := f.runPass(ctx, p, info.Duration, i, len(passes), progress); err != nil {
			return err
		}
	}

	if final := passes[len(passes)-1].output; final != job.Output {
		if err := os.Rename(final, job.Output); err != nil {
			return fmt.Errorf("%w: move encoded output: %v", ErrEngineFailure, err)
		}
	}
	return nil
}

func (f *FFmpeg) runPass(ctx context.Context, p pass, duration time.Duration, index, total int, progress func(Progress)) error {
	cmd := exec.CommandContext(ctx, f.opts.FFmpegPath, p.args...)
	cmd.WaitDelay = f.opts.KillDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrEngineFailure, err)
	}
	stderr := &tailBuffer{limit: f.opts.StderrLimit}
	cmd.Stderr = stderr

	f.processMu.Lock()
	f.processes[p.output] = cmd
	f.processMu.Unlock()

	defer func() {
		f.processMu.Lock()
		delete(f.processes, p.output)
		f.processMu.Unlock()
	}()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrEngineFailure, f.opts.FFmpegPath, err)
	}

	readProgress(stdout, duration, p, index, total, progress)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return f.contextError(ctx)
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		f.log.Error("Pass %s failed: %v: %s", p.name, waitErr, msg)
		return fmt.Errorf("%w: pass %s: %v: %s", ErrEngineFailure, p.name, waitErr, msg)
	}
	return nil
}

// contextError maps ctx ending into the engine's error vocabulary. Deadlines
// become ErrEngineTimeout; cancellations keep their cause.
func (f *FFmpeg) contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, context.Cause(ctx))
	}
	return context.Cause(ctx)
}

// Active returns the number of running ffmpeg processes.
func (f *FFmpeg) Active() int {
	f.processMu.Lock()
	defer f.processMu.Unlock()
	return len(f.processes)
}

// Cleanup kills all running ffmpeg processes.
func (f *FFmpeg) Cleanup() {
	f.processMu.Lock()
	defer f.processMu.Unlock()

	for path, cmd := range f.processes {
		if cmd.Process != nil {
			f.log.Info("Killing transcoding process for: %s", path)
			if err := cmd.Process.Kill(); err != nil {
				f.log.Warn("failed to kill transcoding process for %s: %v", path, err)
			}
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
