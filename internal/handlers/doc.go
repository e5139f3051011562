// Package handlers provides the HTTP handlers for the cache server.
//
// It includes handlers for:
//   - Streaming artifacts, complete or still being written
//   - QuickTime Media Links that point old players at a stream
//   - The queue API: requests, folder batches, priorities, cancellation and cache wipe
//   - Health checks, version and stats
package handlers
