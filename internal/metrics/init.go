package metrics

// Label values pre-populated by InitializeMetrics.
var (
	jobReasons   = []string{"", "source_unreadable", "engine_failure", "engine_timeout", "cache_io", "already_writing", "wipe_in_progress", "canceled"}
	retryOps     = []string{"stat", "open", "readdir"}
	volumes      = []string{"media", "cache", "unknown"}
	streamModes  = []string{"file", "tail"}
	lookupStates = []string{"absent", "writing", "complete"}
)

// InitializeMetrics pre-populates expected label combinations so every
// series is exported from the first scrape. Call once at startup.
func InitializeMetrics() {
	for _, outcome := range []string{"hit", "merged", "created"} {
		QueueRequestsTotal.WithLabelValues(outcome)
	}
	for _, outcome := range []string{"pending", "forced", "rejected", "batch"} {
		QueueCancelsTotal.WithLabelValues(outcome)
	}
	for _, state := range []string{"queued", "running"} {
		QueueJobs.WithLabelValues(state)
	}

	TranscodeJobsTotal.WithLabelValues("done", "")
	TranscodeJobsTotal.WithLabelValues("canceled", "canceled")
	for _, reason := range jobReasons[1:] {
		TranscodeJobsTotal.WithLabelValues("failed", reason)
	}

	for _, state := range lookupStates {
		CacheLookupsTotal.WithLabelValues(state)
	}
	for _, state := range []string{"complete", "writing"} {
		CacheEntries.WithLabelValues(state)
	}
	for _, outcome := range []string{"committed", "aborted"} {
		CacheWritesTotal.WithLabelValues(outcome)
	}

	for _, mode := range streamModes {
		StreamsActive.WithLabelValues(mode)
		StreamBytesTotal.WithLabelValues(mode)
	}
	for _, outcome := range []string{"complete", "failed", "changed", "client_gone", "timeout"} {
		StreamsTotal.WithLabelValues(outcome)
	}

	for _, op := range retryOps {
		for _, vol := range volumes {
			FilesystemRetryAttempts.WithLabelValues(op, vol)
			FilesystemRetrySuccess.WithLabelValues(op, vol)
			FilesystemRetryFailures.WithLabelValues(op, vol)
			FilesystemStaleErrors.WithLabelValues(op, vol)
			FilesystemRetryDuration.WithLabelValues(op, vol)
		}
	}

	for _, outcome := range []string{"ok", "error", "dropped"} {
		StatusMirrorWritesTotal.WithLabelValues(outcome)
	}
}
