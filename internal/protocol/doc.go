// Package protocol owns the record shapes exchanged with the directory and
// exchange services, plus the codec that puts them on the wire.
//
// Ownership boundary:
// - exchange records (supply, demand, target, mbus)
// - directory records (node info, node id, keepalive)
// - cbor codec shared by every transport
package protocol
