// Package status serves a read-only HTTP view of a running node: health,
// registration identity, negotiation state, open clients and metrics.
package status
