// Package grpcwire implements the transport contracts over gRPC. Records are
// carried with the protocol CBOR codec under the "cbor" content-subtype, so no
// generated stubs are needed on the client side.
package grpcwire
