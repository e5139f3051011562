// Package pipeline is the transcode service: the one object that owns the
// cache store, the scheduler, the worker pool and the engine.
//
// Handlers and main talk only to a [Service]. It turns media paths into
// cache keys, forwards requests and queue edits to the scheduler, and runs
// the wipe with the scheduler paused so no job starts against a cache that
// is being emptied.
//
// Source paths are interpreted relative to the media directory. Absolute
// paths are accepted only when they resolve inside it.
package pipeline
