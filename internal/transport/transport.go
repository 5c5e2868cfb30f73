// Package transport declares the client contracts for the directory and
// exchange services. Implementations live in subpackages.
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/sxutil/internal/protocol"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrAddrMissing = errors.New("transport: address required")
)

// Directory is the node registry: identities and keepalive commands.
type Directory interface {
	RegisterNode(ctx context.Context, info *protocol.NodeInfo) (*protocol.NodeID, error)
	QueryNode(ctx context.Context, id *protocol.NodeID) (*protocol.NodeInfo, error)
	KeepAlive(ctx context.Context, upd *protocol.NodeUpdate) (*protocol.KeepAliveResponse, error)
	UnRegisterNode(ctx context.Context, id *protocol.NodeID) (*protocol.KeepAliveResponse, error)
	Close() error
}

// Exchange carries demand/supply negotiation and mbus traffic.
type Exchange interface {
	NotifyDemand(ctx context.Context, dm *protocol.Demand) (*protocol.Response, error)
	NotifySupply(ctx context.Context, sp *protocol.Supply) (*protocol.Response, error)
	ProposeDemand(ctx context.Context, dm *protocol.Demand) (*protocol.Response, error)
	ProposeSupply(ctx context.Context, sp *protocol.Supply) (*protocol.Response, error)
	SelectSupply(ctx context.Context, tgt *protocol.Target) (*protocol.ConfirmResponse, error)
	SelectModifiedSupply(ctx context.Context, sp *protocol.Supply) (*protocol.ConfirmResponse, error)
	SelectDemand(ctx context.Context, tgt *protocol.Target) (*protocol.ConfirmResponse, error)
	Confirm(ctx context.Context, tgt *protocol.Target) (*protocol.Response, error)

	SubscribeDemand(ctx context.Context, ch *protocol.Channel) (DemandStream, error)
	SubscribeSupply(ctx context.Context, ch *protocol.Channel) (SupplyStream, error)

	CreateMbus(ctx context.Context, opt *protocol.MbusOpt) (*protocol.Mbus, error)
	CloseMbus(ctx context.Context, mb *protocol.Mbus) (*protocol.Response, error)
	SubscribeMbus(ctx context.Context, mb *protocol.Mbus) (MbusStream, error)
	SendMbusMsg(ctx context.Context, msg *protocol.MbusMsg) (*protocol.Response, error)
	GetMbusState(ctx context.Context, mb *protocol.Mbus) (*protocol.MbusState, error)

	CloseDemandChannel(ctx context.Context, ch *protocol.Channel) (*protocol.Response, error)
	CloseSupplyChannel(ctx context.Context, ch *protocol.Channel) (*protocol.Response, error)
	CloseAllChannels(ctx context.Context, id *protocol.ProviderID) (*protocol.Response, error)

	Close() error
}

// DemandStream yields demands until the server ends the stream. Recv returns
// io.EOF on a clean end.
type DemandStream interface {
	Recv() (*protocol.Demand, error)
}

type SupplyStream interface {
	Recv() (*protocol.Supply, error)
}

type MbusStream interface {
	Recv() (*protocol.MbusMsg, error)
}

// Dialer opens transports toward a service address.
type Dialer interface {
	DialDirectory(ctx context.Context, addr string) (Directory, error)
	DialExchange(ctx context.Context, addr string) (Exchange, error)
}
