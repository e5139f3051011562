// Package memory keeps the Go heap inside a container's memory limit.
//
// ffmpeg runs as child processes outside the Go heap, so only part of the
// container limit is handed to the runtime as GOMEMLIMIT. [ConfigureFromEnv]
// derives that limit from MEMORY_LIMIT and MEMORY_RATIO unless GOMEMLIMIT is
// already set.
//
// A [Monitor] samples heap usage against the limit. Above the critical mark
// it reports paused, and transcode slots wait in [Monitor.WaitIfPaused]
// before taking another job. Jobs already running are left alone.
//
// Kubernetes can pass the container limit through the Downward API:
//
//	env:
//	- name: MEMORY_LIMIT
//	  valueFrom:
//	    resourceFieldRef:
//	      resource: limits.memory
//	- name: MEMORY_RATIO
//	  value: "0.6"
package memory
