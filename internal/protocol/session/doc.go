// Package session owns the timing and transport-security settings shared by
// the node lifecycle, the service clients and the transports.
//
// Ownership boundary:
// - message timeout, reconnect wait and migration wait
// - connect attempts and backoff between them
// - client TLS settings and validation
package session
