// Package statusmirror copies job status into Redis so other processes can
// watch the queue without calling the HTTP API.
//
// Each live job is stored as JSON under cats:job:<key> with a TTL. Finished
// and canceled jobs are deleted; failed jobs stay until the TTL expires.
// Updates are queued and written by one goroutine; when the queue is full
// an update is dropped rather than stalling the scheduler. Without a Redis
// address the mirror is disabled and every method is a no-op.
package statusmirror
