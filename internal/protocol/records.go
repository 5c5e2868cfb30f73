package protocol

import (
	"math"
	"time"
)

// NoMbus marks a Supply or Demand that is not bound to an mbus yet.
const NoMbus uint64 = math.MaxUint64

// Content is the opaque payload carried by negotiation and mbus messages.
type Content struct {
	Entity []byte `cbor:"entity,omitempty"`
}

// Supply is an offer published on a channel.
type Supply struct {
	ID          uint64    `cbor:"id"`
	SenderID    uint64    `cbor:"sender_id"`
	TargetID    uint64    `cbor:"target_id"`
	ChannelType uint32    `cbor:"channel_type"`
	Name        string    `cbor:"supply_name"`
	Timestamp   time.Time `cbor:"ts"`
	ArgJSON     string    `cbor:"arg_json,omitempty"`
	MbusID      uint64    `cbor:"mbus_id"`
	CData       Content   `cbor:"cdata"`
}

// Demand is a request published on a channel.
type Demand struct {
	ID          uint64    `cbor:"id"`
	SenderID    uint64    `cbor:"sender_id"`
	TargetID    uint64    `cbor:"target_id"`
	ChannelType uint32    `cbor:"channel_type"`
	Name        string    `cbor:"demand_name"`
	Timestamp   time.Time `cbor:"ts"`
	ArgJSON     string    `cbor:"arg_json,omitempty"`
	MbusID      uint64    `cbor:"mbus_id"`
	CData       Content   `cbor:"cdata"`
}

// IsBroadcast reports whether the supply was notified to every subscriber.
func (s *Supply) IsBroadcast() bool { return s.TargetID == 0 }

// IsBroadcast reports whether the demand was notified to every subscriber.
func (d *Demand) IsBroadcast() bool { return d.TargetID == 0 }

// Target points a select or confirm at a peer record.
type Target struct {
	ID          uint64        `cbor:"id"`
	SenderID    uint64        `cbor:"sender_id"`
	TargetID    uint64        `cbor:"target_id"`
	ChannelType uint32        `cbor:"channel_type"`
	Wait        time.Duration `cbor:"wait,omitempty"`
	MbusID      uint64        `cbor:"mbus_id"`
}

// Channel identifies a subscription: one client on one channel type.
type Channel struct {
	ClientID    uint64 `cbor:"client_id"`
	ChannelType uint32 `cbor:"channel_type"`
	ArgJSON     string `cbor:"arg_json,omitempty"`
}

type Mbus struct {
	ClientID uint64 `cbor:"client_id"`
	MbusID   uint64 `cbor:"mbus_id"`
	ArgJSON  string `cbor:"arg_json,omitempty"`
}

type MbusMsg struct {
	MsgID    uint64  `cbor:"msg_id"`
	SenderID uint64  `cbor:"sender_id"`
	TargetID uint64  `cbor:"target_id"`
	MbusID   uint64  `cbor:"mbus_id"`
	MsgType  uint32  `cbor:"msg_type"`
	MsgInfo  string  `cbor:"msg_info,omitempty"`
	ArgJSON  string  `cbor:"arg_json,omitempty"`
	CData    Content `cbor:"cdata"`
}

type MbusType int32

const (
	MbusPublic MbusType = iota
	MbusPrivate
)

func (t MbusType) String() string {
	switch t {
	case MbusPublic:
		return "public"
	case MbusPrivate:
		return "private"
	default:
		return "unknown"
	}
}

// MbusOpt describes a bus to create.
type MbusOpt struct {
	Type        MbusType `cbor:"mbus_type"`
	Subscribers []uint64 `cbor:"subscribers,omitempty"`
}

type MbusStatus int32

const (
	MbusInitialized MbusStatus = iota
	MbusSubscribers
	MbusClosed
	MbusInvalid
)

func (s MbusStatus) String() string {
	switch s {
	case MbusInitialized:
		return "initialized"
	case MbusSubscribers:
		return "subscribers"
	case MbusClosed:
		return "closed"
	case MbusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type MbusState struct {
	MbusID      uint64     `cbor:"mbus_id"`
	Status      MbusStatus `cbor:"status"`
	Subscribers []uint64   `cbor:"subscribers,omitempty"`
}

// Response is the generic acknowledgement of the exchange service.
type Response struct {
	OK  bool   `cbor:"ok"`
	Err string `cbor:"err,omitempty"`
}

// ConfirmResponse answers a select with the mbus allocated for the match.
type ConfirmResponse struct {
	OK     bool          `cbor:"ok"`
	MbusID uint64        `cbor:"mbus_id"`
	Wait   time.Duration `cbor:"wait,omitempty"`
	Err    string        `cbor:"err,omitempty"`
}

// ProviderID names a client when all of its channels are closed at once.
type ProviderID struct {
	ClientID uint64 `cbor:"client_id"`
	ArgJSON  string `cbor:"arg_json,omitempty"`
}
