// Package middleware provides HTTP middleware for the cache server.
//
// It includes:
//   - Request logging in W3C Extended Log Format with a per-request ID
//   - Prometheus request metrics with bounded path cardinality
//   - gzip compression for JSON and text responses (never for video)
package middleware
