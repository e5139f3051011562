package statusmirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/logging"
	"sasi-cats/internal/metrics"
	"sasi-cats/internal/queue"
)

// KeyPrefix prefixes every mirrored job.
const KeyPrefix = "cats:job:"

// Config configures the mirror.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Buffer   int
	Timeout  time.Duration
}

// Mirror writes job status to Redis. A nil client disables it.
type Mirror struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	updates chan queue.JobStatus

	closeOnce sync.Once
	wg        sync.WaitGroup
	log       logging.Logger
}

// Connect dials Redis and starts the writer. An empty Addr, or a server
// that does not answer PING, yields a disabled mirror.
func Connect(ctx context.Context, cfg Config) *Mirror {
	log := logging.For("statusmirror")
	if cfg.Addr == "" {
		log.Debug("REDIS_ADDR not set, status mirror disabled")
		return New(nil, cfg)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("Redis at %s not available, status mirror disabled: %v", cfg.Addr, err)
		_ = client.Close()
		return New(nil, cfg)
	}

	log.Info("Mirroring job status to Redis at %s (db %d)", cfg.Addr, cfg.DB)
	m := New(client, cfg)
	m.Start()
	return m
}

// New wraps an existing client. Call Start to begin writing.
func New(client *redis.Client, cfg Config) *Mirror {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Mirror{
		client:  client,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		updates: make(chan queue.JobStatus, cfg.Buffer),
		log:     logging.For("statusmirror"),
	}
}

// Enabled reports whether a Redis client is attached.
func (m *Mirror) Enabled() bool {
	return m != nil && m.client != nil
}

// Start launches the writer goroutine.
func (m *Mirror) Start() {
	if !m.Enabled() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for st := range m.updates {
			outcome := "ok"
			if err := m.write(st); err != nil {
				outcome = "error"
				m.log.Debug("Failed to mirror %s: %v", st.Key.Short(), err)
			}
			metrics.StatusMirrorWritesTotal.WithLabelValues(outcome).Inc()
		}
	}()
}

// JobChanged implements queue.Observer. It never blocks.
func (m *Mirror) JobChanged(st queue.JobStatus) {
	if !m.Enabled() {
		return
	}
	select {
	case m.updates <- st:
	default:
		metrics.StatusMirrorWritesTotal.WithLabelValues("dropped").Inc()
	}
}

func (m *Mirror) write(st queue.JobStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	key := Key(st.Key)
	switch st.State {
	case queue.StateDone, queue.StateCanceled:
		return m.client.Del(ctx, key).Err()
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return m.client.Set(ctx, key, data, m.ttl).Err()
}

// Get reads a mirrored status back.
func (m *Mirror) Get(ctx context.Context, key cache.Key) (queue.JobStatus, bool, error) {
	var st queue.JobStatus
	if !m.Enabled() {
		return st, false, nil
	}
	data, err := m.client.Get(ctx, Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, false, fmt.Errorf("decode status: %w", err)
	}
	return st, true, nil
}

// Close drains pending updates and closes the client.
func (m *Mirror) Close() error {
	if !m.Enabled() {
		return nil
	}
	var err error
	m.closeOnce.Do(func() {
		close(m.updates)
		m.wg.Wait()
		err = m.client.Close()
	})
	return err
}

// Key returns the Redis key for a cache key.
func Key(key cache.Key) string {
	return KeyPrefix + string(key)
}
