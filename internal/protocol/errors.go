package protocol

import "errors"

var (
	ErrNilMessage   = errors.New("protocol: nil message")
	ErrEmptyPayload = errors.New("protocol: empty payload")
)
