// Package main is the entry point for SasiCats, a caching auto-transcode
// server that turns modern video into QuickTime movies a vintage Mac can
// play.
//
// # Application Lifecycle
//
//  1. Memory Configuration: sets GOMEMLIMIT from environment or cgroup limits
//  2. Configuration Loading: flags, .env and environment, directory checks
//  3. Cache: opens the artifact store and its SQLite index, reconciling
//     leftovers from a previous run (wiped first with -fresh)
//  4. Transcoding: picks the workflow (-cpu, -AppleS or CUDA by default)
//     and sizes the worker pool to match
//  5. HTTP Server: streaming, media-link and JSON API routes behind the
//     compression, logging and metrics middleware
//  6. Graceful Shutdown: on SIGINT/SIGTERM stops HTTP, cancels running
//     jobs, kills stray ffmpeg processes and closes the cache
//
// # Usage
//
//	sasi-cats [-cpu | -AppleS] [-fresh] [media-dir]
//
// See the startup package for the environment variables.
package main
