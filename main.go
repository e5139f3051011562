package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/filesystem"
	"sasi-cats/internal/handlers"
	"sasi-cats/internal/logging"
	"sasi-cats/internal/memory"
	"sasi-cats/internal/metrics"
	"sasi-cats/internal/middleware"
	"sasi-cats/internal/pipeline"
	"sasi-cats/internal/queue"
	"sasi-cats/internal/startup"
	"sasi-cats/internal/statusmirror"
	"sasi-cats/internal/streaming"
	"sasi-cats/internal/transcoder"
	"sasi-cats/internal/workers"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsInterval is how often queue and cache gauges are refreshed.
const metricsInterval = 15 * time.Second

// components are the long-lived pieces torn down on shutdown, in order.
type components struct {
	srv        *http.Server
	metricsSrv *http.Server
	svc        *pipeline.Service
	engine     *transcoder.FFmpeg
	collector  *metrics.Collector
	monitor    *memory.Monitor
	mirror     *statusmirror.Mirror
	store      *cache.Store
}

func main() {
	startTime := time.Now()

	// Memory limit first so the rest of startup runs under it
	memResult := memory.ConfigureFromEnv()

	config, err := startup.LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		startup.LogFatal("Configuration error: %v", err)
	}
	startup.LogMemoryConfig(memResult)

	metrics.InitializeMetrics()
	metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion, string(config.Workflow))
	filesystem.SetObserver(metrics.NewFilesystemObserver())
	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
		"media": config.MediaDir,
		"cache": config.CacheDir,
	}))

	// Open the cache and reconcile it with what is on disk
	cacheStart := time.Now()
	store, err := cache.Open(context.Background(), config.CacheDir, cache.Options{Workflow: string(config.Workflow)})
	if err != nil {
		startup.LogFatal("Failed to open cache: %v", err)
	}
	cs := store.Stats()
	startup.LogCacheInit(time.Since(cacheStart), cs.CompleteEntries, cs.CompleteBytes)

	if config.Fresh {
		ws, err := store.WipeAll(context.Background())
		if err != nil {
			startup.LogFatal("Failed to wipe cache: %v", err)
		}
		startup.LogCacheWiped(ws.Entries, ws.FreedBytes)
	}

	engine := transcoder.New(transcoder.Options{
		Workflow:    config.Workflow,
		FFmpegPath:  config.FFmpegPath,
		FFprobePath: config.FFprobePath,
	})
	slots := workers.Slots(config.Workflow)
	startup.LogTranscoderInit(config, slots)

	monitor := memory.NewMonitor(memory.DefaultConfig())
	monitor.Start()

	mirror := statusmirror.Connect(context.Background(), statusmirror.Config{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
		TTL:      config.StatusTTL,
	})
	startup.LogStatusMirror(mirror.Enabled(), config.RedisAddr)

	svc, err := pipeline.New(store, engine, pipeline.Options{
		MediaDir:       config.MediaDir,
		Profile:        config.Profile(),
		Slots:          slots,
		MaxJobDuration: config.MaxJobDuration,
		Memory:         monitor,
		Observers:      []queue.Observer{mirror},
	})
	if err != nil {
		startup.LogFatal("Failed to create pipeline: %v", err)
	}
	svc.Start(context.Background())

	collector := metrics.NewCollector(svc, metricsInterval)
	collector.Start()

	h := handlers.New(svc, handlers.Config{
		PublicURL: config.PublicURL,
		TailPoll:  config.TailPoll,
		Stream:    streaming.DefaultTimeoutWriterConfig(),
	})
	router := h.Router()
	startup.LogHTTPRoutes(router, config.LogStreamRequests, config.LogHealthChecks)

	srv := newServer(":"+config.Port, wrapHandler(router, config.LogStreamRequests, config.LogHealthChecks))

	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metricsSrv = startMetricsServer(config.MetricsPort)
	}

	done := make(chan struct{})
	go handleShutdown(components{
		srv:        srv,
		metricsSrv: metricsSrv,
		svc:        svc,
		engine:     engine,
		collector:  collector,
		monitor:    monitor,
		mirror:     mirror,
		store:      store,
	}, done)

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}
	<-done
}

// wrapHandler applies the middleware chain, compression outermost.
func wrapHandler(h http.Handler, logStreamRequests, logHealthChecks bool) http.Handler {
	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogStreamRequests = logStreamRequests
	loggingConfig.LogHealthChecks = logHealthChecks

	h = middleware.Metrics(middleware.DefaultMetricsConfig())(h)
	h = middleware.Logger(loggingConfig)(h)
	return middleware.Compression(middleware.DefaultCompressionConfig())(h)
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		// Streams run as long as the movie; TimeoutWriter bounds each write
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func startMetricsServer(port string) *http.Server {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}

func handleShutdown(c components, done chan<- struct{}) {
	defer close(done)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := c.srv.Shutdown(ctx); err != nil {
		// Tail streams can outlive the grace period
		logging.Warn("Server shutdown error: %v", err)
		_ = c.srv.Close()
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	startup.LogShutdownStep("Stopping transcode workers")
	c.svc.Stop()
	startup.LogShutdownStepComplete("Transcode workers stopped")

	startup.LogShutdownStep("Cleaning up transcoder")
	c.engine.Cleanup()
	startup.LogShutdownStepComplete("Transcoder cleanup complete")

	c.collector.Stop()
	c.monitor.Stop()
	if c.metricsSrv != nil {
		if err := c.metricsSrv.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		}
	}

	startup.LogShutdownStep("Closing status mirror and cache")
	if err := c.mirror.Close(); err != nil {
		logging.Warn("Status mirror close error: %v", err)
	}
	if err := c.store.Close(); err != nil {
		logging.Warn("Cache close error: %v", err)
	}
	startup.LogShutdownStepComplete("Cache closed")

	startup.LogShutdownComplete()
}
