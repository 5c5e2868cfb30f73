// Package observability owns process metrics and HTTP request instrumentation.
//
// Ownership boundary:
// - prometheus collectors for directory/exchange calls, heartbeats,
//   keepalive commands, lock drops and subscription restarts
// - gin middleware for the status server
package observability
