// Package memory is an in-process stand-in for the directory and exchange
// services. Every node and client in the process reaches the same Directory
// and Broker through a Dialer, so negotiation flows can run without a
// network.
//
// Ownership boundary:
// - node identities, keepalive bookkeeping and scripted commands
// - supply/demand fan-out by channel type and target
// - mbus allocation, membership and message delivery
// - fault injection (failed calls, rejected calls, broken streams, failed dials)
package memory
