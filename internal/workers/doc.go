/*
Package workers runs transcode jobs in a fixed pool of slots.

Each slot takes the next job from the scheduler, claims the cache key,
runs the engine into the key's temp file and then commits or aborts the
write. While ffmpeg runs, the slot stats the temp file on every progress
update and reports the size to the store so tailing readers can follow it.

# Sizing

The slot count comes from GOMAXPROCS, which respects container CPU limits:

	slots := workers.Slots(transcoder.WorkflowCPU) // one per 8 CPUs, at most 2
	slots := workers.Slots(transcoder.WorkflowCUDA) // one per 2 CPUs, at most 4

TRANSCODE_SLOTS overrides the calculation. The override is not capped, so
a host with a capable encoder can run more jobs than the defaults allow.

# Failure reasons

A failed job is reported with one of the queue reasons. Source stat
failures are source_unreadable, deadlines are engine_timeout, disk errors
in the cache are cache_io, and a wipe that stops a job is wipe_in_progress.
Anything else the engine returns is engine_failure.
*/
package workers
