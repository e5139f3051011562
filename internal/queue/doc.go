// Package queue schedules transcode jobs.
//
// There is at most one job per cache key. Requests for a key that already
// has a job merge into it: the job keeps the highest priority asked for and
// counts its requesters. Pending jobs are dispatched highest priority first,
// first come first served within a priority. A running job is never
// preempted; it can only be stopped with a forced cancel.
//
// Finished jobs are forgotten immediately, so a failed key can be requested
// again straight away. The last failure per key is kept for status reporting
// until the next request for that key.
package queue
