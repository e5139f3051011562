package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/filesystem"
	"sasi-cats/internal/logging"
	"sasi-cats/internal/memory"
	"sasi-cats/internal/metrics"
	"sasi-cats/internal/queue"
	"sasi-cats/internal/transcoder"
)

var (
	// ErrWiped is the cancel cause when a cache wipe stops a job.
	ErrWiped = errors.New("cache wiped during transcode")
	// ErrShutdown is the cancel cause when the pool stops.
	ErrShutdown = errors.New("worker pool shutting down")
	// errEmptyOutput means the engine exited cleanly without writing anything.
	errEmptyOutput = errors.New("engine produced no output")
)

// Scheduler is the part of queue.Scheduler the pool drives.
type Scheduler interface {
	Ready() <-chan struct{}
	Next() *queue.Job
	Progress(j *queue.Job, percent float64, bytes int64)
	Complete(j *queue.Job)
	Fail(j *queue.Job, reason queue.Reason, err error)
}

// Store is the part of cache.Store the pool writes through.
type Store interface {
	BeginWrite(key cache.Key, source string) (*cache.WriteHandle, error)
}

// Config configures a Pool.
type Config struct {
	Slots          int
	MaxJobDuration time.Duration // 0 disables the deadline
	PollInterval   time.Duration
	Profile        transcoder.Profile
	Memory         *memory.Monitor // optional backpressure
}

// Pool runs jobs from a Scheduler on a fixed number of slots.
type Pool struct {
	cfg    Config
	sched  Scheduler
	store  Store
	engine transcoder.Engine
	log    logging.Logger

	busy   atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool creates a Pool. Call Start to begin taking jobs.
func NewPool(cfg Config, sched Scheduler, store Store, engine transcoder.Engine) *Pool {
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		cfg:    cfg,
		sched:  sched,
		store:  store,
		engine: engine,
		log:    logging.For("worker"),
	}
}

// Start launches the slots. They run until ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	metrics.TranscodeSlots.Set(float64(p.cfg.Slots))
	p.log.Info("Starting %d transcode slot(s) using %s workflow", p.cfg.Slots, p.engine.Workflow())

	for i := 0; i < p.cfg.Slots; i++ {
		p.wg.Add(1)
		go p.slot(ctx, i)
	}
}

// Stop cancels running jobs and waits for every slot to exit.
func (p *Pool) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}

// Slots returns the configured slot count.
func (p *Pool) Slots() int {
	return p.cfg.Slots
}

// Busy returns the number of slots running a job.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) slot(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.log.With(fmt.Sprint(n))

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Slot stopping")
			return
		case <-p.sched.Ready():
		case <-ticker.C:
		}

		for {
			if p.cfg.Memory != nil && !p.cfg.Memory.WaitIfPaused(ctx) {
				return
			}
			job := p.sched.Next()
			if job == nil {
				break
			}

			p.busy.Add(1)
			metrics.TranscodeSlotsBusy.Inc()
			p.run(ctx, log, job)
			metrics.TranscodeSlotsBusy.Dec()
			p.busy.Add(-1)

			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *Pool) run(poolCtx context.Context, log logging.Logger, job *queue.Job) {
	start := time.Now()
	key := job.Key()
	log.Info("Transcoding %s -> %s", job.Source(), key.Short())

	if _, err := filesystem.StatWithRetry(job.Source(), filesystem.DefaultRetryConfig()); err != nil {
		p.sched.Fail(job, queue.ReasonSourceUnreadable, fmt.Errorf("%w: %v", transcoder.ErrSourceUnreadable, err))
		return
	}

	wh, err := p.store.BeginWrite(key, job.Source())
	switch {
	case errors.Is(err, cache.ErrComplete):
		log.Debug("Artifact %s already complete", key.Short())
		p.sched.Complete(job)
		return
	case errors.Is(err, cache.ErrAlreadyWriting):
		p.sched.Fail(job, queue.ReasonAlreadyWriting, err)
		return
	case errors.Is(err, cache.ErrWipeInProgress):
		p.sched.Fail(job, queue.ReasonWipeInProgress, err)
		return
	case err != nil:
		p.sched.Fail(job, queue.ReasonCacheIO, err)
		return
	}

	ctx, cancel := context.WithCancelCause(job.Context())
	defer cancel(nil)
	if p.cfg.MaxJobDuration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, p.cfg.MaxJobDuration)
		defer cancelTimeout()
	}
	go func() {
		select {
		case <-wh.Canceled():
			cancel(ErrWiped)
		case <-poolCtx.Done():
			cancel(ErrShutdown)
		case <-ctx.Done():
		}
	}()

	err = p.engine.Transcode(ctx, transcoder.Job{
		Source:  job.Source(),
		Output:  wh.Path(),
		Profile: p.cfg.Profile,
	}, func(pr transcoder.Progress) {
		// Faststart output stays in the engine's scratch file until the
		// encode ends, so the artifact path reads empty until then.
		size := fileSize(wh.Path())
		wh.Report(size)
		p.sched.Progress(job, pr.Percent, max(size, pr.Bytes))
	})
	if err == nil && fileSize(wh.Path()) == 0 {
		err = fmt.Errorf("%w: %w", transcoder.ErrEngineFailure, errEmptyOutput)
	}
	if err != nil {
		p.abort(log, job, wh, err)
		return
	}

	entry, err := wh.Commit(ctx)
	if err != nil {
		p.abort(log, job, wh, err)
		return
	}

	elapsed := time.Since(start)
	metrics.TranscodeJobDuration.WithLabelValues(string(p.engine.Workflow())).Observe(elapsed.Seconds())
	log.Info("Finished %s in %v (%d bytes)", key.Short(), elapsed.Round(time.Millisecond), entry.Size)
	p.sched.Complete(job)
}

func (p *Pool) abort(log logging.Logger, job *queue.Job, wh *cache.WriteHandle, err error) {
	if abortErr := wh.Abort(err); abortErr != nil {
		log.Warn("Abort of %s left debris: %v", job.Key().Short(), abortErr)
	}
	p.sched.Fail(job, Classify(err), err)
}

// Classify maps a job error onto a failure reason.
func Classify(err error) queue.Reason {
	var ioErr *cache.IOError
	switch {
	case err == nil:
		return queue.ReasonNone
	case errors.Is(err, queue.ErrCanceled), errors.Is(err, ErrShutdown):
		return queue.ReasonCanceled
	case errors.Is(err, ErrWiped), errors.Is(err, cache.ErrWipeInProgress):
		return queue.ReasonWipeInProgress
	case errors.Is(err, transcoder.ErrSourceUnreadable):
		return queue.ReasonSourceUnreadable
	case errors.Is(err, transcoder.ErrEngineTimeout), errors.Is(err, context.DeadlineExceeded):
		return queue.ReasonEngineTimeout
	case errors.As(err, &ioErr),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.EACCES):
		return queue.ReasonCacheIO
	case strings.Contains(err.Error(), "No space left on device"):
		// ffmpeg reports a full disk only through stderr
		return queue.ReasonCacheIO
	default:
		return queue.ReasonEngineFailure
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
