// Package metrics provides Prometheus instrumentation for the transcode server.
//
// All metrics are prefixed with "sasi_cats_" and registered through promauto
// at package init. They fall into these groups:
//
// # HTTP
//   - HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight
//
// # Queue and transcoding
//   - QueueRequestsTotal: requests by outcome (hit, merged, created)
//   - QueueCancelsTotal: cancels by outcome (pending, forced, rejected, batch)
//   - QueueJobs: queued and running jobs (set by Collector)
//   - TranscodeJobsTotal: finished jobs by status and failure reason
//   - TranscodeJobDuration: job wall time by workflow
//   - TranscodeSlots, TranscodeSlotsBusy
//
// # Cache
//   - CacheLookupsTotal, CacheEntries, CacheBytes, CacheWritesTotal, CacheWipesTotal
//
// # Streaming
//   - StreamsActive, StreamBytesTotal, StreamsTotal
//
// # Supporting
//   - Filesystem* retry metrics, fed through filesystem.Observer
//   - MemoryUsageRatio, MemoryPaused
//   - StatusMirrorWritesTotal
//   - AppInfo
//
// Gauges derived from pipeline state are refreshed by a Collector polling a
// StatsProvider; counters are incremented inline by the owning package.
package metrics
