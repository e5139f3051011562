package handlers

import (
	"time"

	"sasi-cats/internal/pipeline"
	"sasi-cats/internal/streaming"
)

// Config holds the HTTP-facing settings.
type Config struct {
	// PublicURL overrides the scheme and host used in media links.
	PublicURL string
	// TailPoll bounds each wait while tailing an entry that is being written.
	TailPoll time.Duration
	// Stream configures per-write deadlines for client streams.
	Stream streaming.TimeoutWriterConfig
}

// DefaultConfig returns the default handler settings.
func DefaultConfig() Config {
	return Config{
		TailPoll: time.Second,
		Stream:   streaming.DefaultTimeoutWriterConfig(),
	}
}

type Handlers struct {
	svc       *pipeline.Service
	cfg       Config
	startTime time.Time
}

func New(svc *pipeline.Service, cfg Config) *Handlers {
	if cfg.TailPoll <= 0 {
		cfg.TailPoll = time.Second
	}
	if cfg.Stream.ChunkSize <= 0 {
		cfg.Stream = streaming.DefaultTimeoutWriterConfig()
	}
	return &Handlers{
		svc:       svc,
		cfg:       cfg,
		startTime: time.Now(),
	}
}
