// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// [LoadConfig] reads a .env file if present, parses the command line and then
// the environment:
//
//   - -cpu / -AppleS: choose the CPU or VideoToolbox workflow (default CUDA)
//   - -fresh: wipe the cache before serving
//   - [media-dir]: positional override for MEDIA_DIR
//
// Environment variables:
//
//   - MEDIA_DIR: library of source videos (default: /media)
//   - CACHE_DIR: artifacts, temp files and index.db (default: <MEDIA_DIR>/_sasi_cache)
//   - PORT: HTTP server port (default: 8000)
//   - METRICS_PORT / METRICS_ENABLED: Prometheus server (default: 9090, true)
//   - PUBLIC_URL: scheme and host written into media links (default: request host)
//   - TRANSCODE_SLOTS: concurrent transcodes (default: by workflow)
//   - MAX_JOB_DURATION: per-job deadline (default: 2h)
//   - TAIL_POLL: bound on each wait while tailing (default: 1s)
//   - THOUSANDS_COLORS: RGB565 quantization (default: true)
//   - FRAGMENTED_OUTPUT: fragmented movies that can be streamed while encoding; needs QuickTime 7 (default: false)
//   - FFMPEG_PATH / FFPROBE_PATH: engine binaries (default: from PATH)
//   - REDIS_ADDR / REDIS_PASSWORD / REDIS_DB / STATUS_TTL: job status mirror
//   - LOG_LEVEL, LOG_STREAM_REQUESTS, LOG_HEALTH_CHECKS: logging
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
//
// # Lifecycle Logging
//
// The Log* functions print the sectioned startup and shutdown output.
package startup
