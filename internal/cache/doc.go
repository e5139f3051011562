// Package cache stores transcoded artifacts on disk, keyed by source identity,
// output profile and workflow.
//
// Layout under the cache root:
//
//	artifacts/ab/cd/<key>.mov   published artifacts
//	tmp/<key>-<ulid>.part       artifacts being written
//	index.db                    sqlite index of published artifacts
//
// An artifact only appears under artifacts/ after Commit has synced the temp
// file, renamed it into place and recorded it in the index. Open removes any
// leftovers from a crash: temp files, index rows without a file, and files
// without an index row.
//
// Each key has at most one writer. Readers follow a write in progress through
// an Observer, whose channel is closed on every size or state change.
package cache
