package grpcwire

import (
	"context"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/transport"
	"google.golang.org/grpc"
)

const (
	directoryService = "/nodeapi.Node/"
	exchangeService  = "/api.Synerex/"
)

func invoke[Req, Resp any](ctx context.Context, conn *grpc.ClientConn, method string, req *Req) (*Resp, error) {
	if req == nil {
		return nil, protocol.ErrNilMessage
	}
	out := new(Resp)
	if err := conn.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

type serverStream[T any] struct {
	cs grpc.ClientStream
}

func (s *serverStream[T]) Recv() (*T, error) {
	out := new(T)
	if err := s.cs.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

func openStream[T, Req any](ctx context.Context, conn *grpc.ClientConn, name string, req *Req) (*serverStream[T], error) {
	if req == nil {
		return nil, protocol.ErrNilMessage
	}
	desc := &grpc.StreamDesc{StreamName: name, ServerStreams: true}
	cs, err := conn.NewStream(ctx, desc, exchangeService+name)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &serverStream[T]{cs: cs}, nil
}

type directoryClient struct {
	conn *grpc.ClientConn
}

var _ transport.Directory = (*directoryClient)(nil)

func (c *directoryClient) RegisterNode(ctx context.Context, info *protocol.NodeInfo) (*protocol.NodeID, error) {
	return invoke[protocol.NodeInfo, protocol.NodeID](ctx, c.conn, directoryService+"RegisterNode", info)
}

func (c *directoryClient) QueryNode(ctx context.Context, id *protocol.NodeID) (*protocol.NodeInfo, error) {
	return invoke[protocol.NodeID, protocol.NodeInfo](ctx, c.conn, directoryService+"QueryNode", id)
}

func (c *directoryClient) KeepAlive(ctx context.Context, upd *protocol.NodeUpdate) (*protocol.KeepAliveResponse, error) {
	return invoke[protocol.NodeUpdate, protocol.KeepAliveResponse](ctx, c.conn, directoryService+"KeepAlive", upd)
}

func (c *directoryClient) UnRegisterNode(ctx context.Context, id *protocol.NodeID) (*protocol.KeepAliveResponse, error) {
	return invoke[protocol.NodeID, protocol.KeepAliveResponse](ctx, c.conn, directoryService+"UnRegisterNode", id)
}

func (c *directoryClient) Close() error {
	return c.conn.Close()
}

type exchangeClient struct {
	conn *grpc.ClientConn
}

var _ transport.Exchange = (*exchangeClient)(nil)

func (c *exchangeClient) NotifyDemand(ctx context.Context, dm *protocol.Demand) (*protocol.Response, error) {
	return invoke[protocol.Demand, protocol.Response](ctx, c.conn, exchangeService+"NotifyDemand", dm)
}

func (c *exchangeClient) NotifySupply(ctx context.Context, sp *protocol.Supply) (*protocol.Response, error) {
	return invoke[protocol.Supply, protocol.Response](ctx, c.conn, exchangeService+"NotifySupply", sp)
}

func (c *exchangeClient) ProposeDemand(ctx context.Context, dm *protocol.Demand) (*protocol.Response, error) {
	return invoke[protocol.Demand, protocol.Response](ctx, c.conn, exchangeService+"ProposeDemand", dm)
}

func (c *exchangeClient) ProposeSupply(ctx context.Context, sp *protocol.Supply) (*protocol.Response, error) {
	return invoke[protocol.Supply, protocol.Response](ctx, c.conn, exchangeService+"ProposeSupply", sp)
}

func (c *exchangeClient) SelectSupply(ctx context.Context, tgt *protocol.Target) (*protocol.ConfirmResponse, error) {
	return invoke[protocol.Target, protocol.ConfirmResponse](ctx, c.conn, exchangeService+"SelectSupply", tgt)
}

func (c *exchangeClient) SelectModifiedSupply(ctx context.Context, sp *protocol.Supply) (*protocol.ConfirmResponse, error) {
	return invoke[protocol.Supply, protocol.ConfirmResponse](ctx, c.conn, exchangeService+"SelectModifiedSupply", sp)
}

func (c *exchangeClient) SelectDemand(ctx context.Context, tgt *protocol.Target) (*protocol.ConfirmResponse, error) {
	return invoke[protocol.Target, protocol.ConfirmResponse](ctx, c.conn, exchangeService+"SelectDemand", tgt)
}

func (c *exchangeClient) Confirm(ctx context.Context, tgt *protocol.Target) (*protocol.Response, error) {
	return invoke[protocol.Target, protocol.Response](ctx, c.conn, exchangeService+"Confirm", tgt)
}

func (c *exchangeClient) SubscribeDemand(ctx context.Context, ch *protocol.Channel) (transport.DemandStream, error) {
	s, err := openStream[protocol.Demand](ctx, c.conn, "SubscribeDemand", ch)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *exchangeClient) SubscribeSupply(ctx context.Context, ch *protocol.Channel) (transport.SupplyStream, error) {
	s, err := openStream[protocol.Supply](ctx, c.conn, "SubscribeSupply", ch)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *exchangeClient) CreateMbus(ctx context.Context, opt *protocol.MbusOpt) (*protocol.Mbus, error) {
	return invoke[protocol.MbusOpt, protocol.Mbus](ctx, c.conn, exchangeService+"CreateMbus", opt)
}

func (c *exchangeClient) CloseMbus(ctx context.Context, mb *protocol.Mbus) (*protocol.Response, error) {
	return invoke[protocol.Mbus, protocol.Response](ctx, c.conn, exchangeService+"CloseMbus", mb)
}

func (c *exchangeClient) SubscribeMbus(ctx context.Context, mb *protocol.Mbus) (transport.MbusStream, error) {
	s, err := openStream[protocol.MbusMsg](ctx, c.conn, "SubscribeMbus", mb)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *exchangeClient) SendMbusMsg(ctx context.Context, msg *protocol.MbusMsg) (*protocol.Response, error) {
	return invoke[protocol.MbusMsg, protocol.Response](ctx, c.conn, exchangeService+"SendMbusMsg", msg)
}

func (c *exchangeClient) GetMbusState(ctx context.Context, mb *protocol.Mbus) (*protocol.MbusState, error) {
	return invoke[protocol.Mbus, protocol.MbusState](ctx, c.conn, exchangeService+"GetMbusState", mb)
}

func (c *exchangeClient) CloseDemandChannel(ctx context.Context, ch *protocol.Channel) (*protocol.Response, error) {
	return invoke[protocol.Channel, protocol.Response](ctx, c.conn, exchangeService+"CloseDemandChannel", ch)
}

func (c *exchangeClient) CloseSupplyChannel(ctx context.Context, ch *protocol.Channel) (*protocol.Response, error) {
	return invoke[protocol.Channel, protocol.Response](ctx, c.conn, exchangeService+"CloseSupplyChannel", ch)
}

func (c *exchangeClient) CloseAllChannels(ctx context.Context, id *protocol.ProviderID) (*protocol.Response, error) {
	return invoke[protocol.ProviderID, protocol.Response](ctx, c.conn, exchangeService+"CloseAllChannels", id)
}

func (c *exchangeClient) Close() error {
	return c.conn.Close()
}
