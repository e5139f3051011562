// Package logging provides leveled logging for the transcode server.
//
// Levels, lowest first:
//   - DEBUG: per-job and per-stream detail
//   - INFO: lifecycle messages (jobs started/finished, wipes, startup)
//   - WARN: recoverable problems (probe fallbacks, mirror write failures)
//   - ERROR: failed operations
//   - FATAL: startup errors that terminate the process
//
// The level comes from LOG_LEVEL, or DEBUG=true for debug output.
// Components that log often can take a prefixed Logger from For.
package logging
