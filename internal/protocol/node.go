package protocol

import (
	"strings"
	"time"
)

// ChannelTypeVersion is the protocol-base version a node reports on registration.
const ChannelTypeVersion = "0.6.0"

// DefaultAreaID is the area a node registers into when none is configured.
const DefaultAreaID = "Default"

type NodeType int32

const (
	NodeProvider NodeType = iota
	NodeServer
	NodeGateway
)

func (t NodeType) String() string {
	switch t {
	case NodeProvider:
		return "provider"
	case NodeServer:
		return "server"
	case NodeGateway:
		return "gateway"
	default:
		return "unknown"
	}
}

// ParseNodeType maps a config value onto a NodeType.
func ParseNodeType(raw string) (NodeType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "provider":
		return NodeProvider, true
	case "server":
		return NodeServer, true
	case "gateway":
		return NodeGateway, true
	default:
		return NodeProvider, false
	}
}

// KeepAliveCommand is the directive a directory attaches to a keepalive reply.
type KeepAliveCommand int32

const (
	CommandNone KeepAliveCommand = iota
	CommandReconnect
	CommandServerChange
	CommandProviderDisconnect
)

func (c KeepAliveCommand) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandReconnect:
		return "reconnect"
	case CommandServerChange:
		return "server_change"
	case CommandProviderDisconnect:
		return "provider_disconnect"
	default:
		return "unknown"
	}
}

// NodeInfo is the registration request sent to the directory service.
type NodeInfo struct {
	NodeName         string    `cbor:"node_name"`
	NodeType         NodeType  `cbor:"node_type"`
	ServerInfo       string    `cbor:"server_info,omitempty"`
	NodePbaseVersion string    `cbor:"node_pbase_version"`
	WithNodeID       int32     `cbor:"with_node_id"`
	ClusterID        int32     `cbor:"cluster_id"`
	AreaID           string    `cbor:"area_id"`
	ChannelTypes     []uint32  `cbor:"channel_types,omitempty"`
	GwInfo           string    `cbor:"gw_info,omitempty"`
	BinVersion       string    `cbor:"bin_version,omitempty"`
	Count            int32     `cbor:"count"`
	LastAliveTime    time.Time `cbor:"last_alive_time"`
	KeepaliveArg     string    `cbor:"keepalive_arg,omitempty"`
}

// NodeID is the identity the directory assigns on registration.
// KeepaliveDuration is in seconds; -1 signals a rejected registration.
type NodeID struct {
	NodeID            int32  `cbor:"node_id"`
	Secret            uint64 `cbor:"secret"`
	ServerInfo        string `cbor:"server_info,omitempty"`
	KeepaliveDuration int32  `cbor:"keepalive_duration"`
}

// Registered reports whether the identity still carries a live secret.
func (n NodeID) Registered() bool { return n.Secret != 0 }

// ServerStatus is the host load a Server node reports with each keepalive.
type ServerStatus struct {
	CPU      float64 `cbor:"cpu"`
	Memory   float64 `cbor:"memory"`
	MsgCount uint64  `cbor:"msg_count"`
}

// NodeUpdate is the keepalive payload.
type NodeUpdate struct {
	NodeID      int32         `cbor:"node_id"`
	Secret      uint64        `cbor:"secret"`
	UpdateCount int32         `cbor:"update_count"`
	NodeStatus  int32         `cbor:"node_status"`
	NodeArg     string        `cbor:"node_arg,omitempty"`
	Status      *ServerStatus `cbor:"status,omitempty"`
}

// KeepAliveResponse is the directory reply to KeepAlive and UnRegisterNode.
type KeepAliveResponse struct {
	OK      bool             `cbor:"ok"`
	Command KeepAliveCommand `cbor:"command"`
	Err     string           `cbor:"err,omitempty"`
}
