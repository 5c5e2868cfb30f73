package memory

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/testutil/testlog"
	"github.com/danmuck/sxutil/internal/transport"
)

func dialPair(t *testing.T) (*Broker, transport.Exchange, transport.Exchange) {
	t.Helper()
	b := NewBroker()
	d := NewDialer(NewDirectory(10), b)
	a, err := d.DialExchange(context.Background(), "mem:1")
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	c, err := d.DialExchange(context.Background(), "mem:1")
	if err != nil {
		t.Fatalf("dial c: %v", err)
	}
	return b, a, c
}

func TestDirectoryRegisterKeepAliveUnregister(t *testing.T) {
	testlog.Start(t)
	dir := NewDirectory(10)
	dir.AssignNext(protocol.NodeID{NodeID: 7, Secret: 42})
	conn, err := NewDialer(dir, NewBroker()).DialDirectory(context.Background(), "mem:dir")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ctx := context.Background()

	id, err := conn.RegisterNode(ctx, &protocol.NodeInfo{NodeName: "A", ChannelTypes: []uint32{1, 2}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id.NodeID != 7 || id.Secret != 42 || id.KeepaliveDuration != 10 {
		t.Fatalf("unexpected identity: %+v", id)
	}

	dir.QueueCommand(protocol.CommandReconnect)
	resp, err := conn.KeepAlive(ctx, &protocol.NodeUpdate{NodeID: 7, Secret: 42, UpdateCount: 1})
	if err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if !resp.OK || resp.Command != protocol.CommandReconnect {
		t.Fatalf("unexpected keepalive response: %+v", resp)
	}
	if upd, ok := dir.LastUpdate(7); !ok || upd.UpdateCount != 1 {
		t.Fatalf("unexpected last update: %+v ok=%v", upd, ok)
	}

	info, err := conn.QueryNode(ctx, &protocol.NodeID{NodeID: 7})
	if err != nil || info.NodeName != "A" {
		t.Fatalf("unexpected query result: %+v err=%v", info, err)
	}

	un, err := conn.UnRegisterNode(ctx, &protocol.NodeID{NodeID: 7, Secret: 42})
	if err != nil || !un.OK {
		t.Fatalf("unexpected unregister: %+v err=%v", un, err)
	}
	un, err = conn.UnRegisterNode(ctx, &protocol.NodeID{NodeID: 7, Secret: 42})
	if err != nil || un.OK {
		t.Fatalf("second unregister should be negative: %+v err=%v", un, err)
	}
}

func TestDirectoryRejectsRegistration(t *testing.T) {
	testlog.Start(t)
	dir := NewDirectory(10)
	dir.RejectRegistrations(true)
	conn, _ := NewDialer(dir, NewBroker()).DialDirectory(context.Background(), "mem:dir")
	id, err := conn.RegisterNode(context.Background(), &protocol.NodeInfo{NodeName: "A"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id.KeepaliveDuration != -1 {
		t.Fatalf("expected rejection sentinel, got %+v", id)
	}
}

func TestSelectSupplyReachesSupplyOwner(t *testing.T) {
	testlog.Start(t)
	b, owner, picker := dialPair(t)
	ctx := context.Background()

	stream, err := owner.SubscribeDemand(ctx, &protocol.Channel{ClientID: 100, ChannelType: 1})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := owner.ProposeSupply(ctx, &protocol.Supply{ID: 500, SenderID: 100, ChannelType: 1}); err != nil {
		t.Fatalf("propose: %v", err)
	}

	resp, err := picker.SelectSupply(ctx, &protocol.Target{ID: 900, SenderID: 200, TargetID: 500, ChannelType: 1})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !resp.OK || resp.MbusID != 900 {
		t.Fatalf("unexpected select response: %+v", resp)
	}

	dm, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if dm.ID != 900 || dm.TargetID != 500 || dm.SenderID != 200 {
		t.Fatalf("unexpected forwarded demand: %+v", dm)
	}
	if state := b.MbusState(900); state.Status != protocol.MbusSubscribers {
		t.Fatalf("unexpected mbus state: %+v", state)
	}
}

func TestMbusMessageFanOutSkipsSender(t *testing.T) {
	testlog.Start(t)
	_, a, c := dialPair(t)
	ctx := context.Background()

	mb, err := a.CreateMbus(ctx, &protocol.MbusOpt{Type: protocol.MbusPrivate, Subscribers: []uint64{1, 2}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sa, err := a.SubscribeMbus(ctx, &protocol.Mbus{ClientID: 1, MbusID: mb.MbusID})
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	sc, err := c.SubscribeMbus(ctx, &protocol.Mbus{ClientID: 2, MbusID: mb.MbusID})
	if err != nil {
		t.Fatalf("subscribe c: %v", err)
	}

	resp, err := a.SendMbusMsg(ctx, &protocol.MbusMsg{MsgID: 1, SenderID: 1, MbusID: mb.MbusID, MsgInfo: "hello"})
	if err != nil || !resp.OK {
		t.Fatalf("send: %+v err=%v", resp, err)
	}
	msg, err := sc.Recv()
	if err != nil || msg.MsgInfo != "hello" {
		t.Fatalf("unexpected delivery: %+v err=%v", msg, err)
	}

	if _, err := a.CloseMbus(ctx, &protocol.Mbus{ClientID: 1, MbusID: mb.MbusID}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := sa.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on closed mbus, got %v", err)
	}
}

func TestBreakAndCloseEndStreams(t *testing.T) {
	testlog.Start(t)
	b, a, c := dialPair(t)
	ctx := context.Background()

	s1, err := a.SubscribeSupply(ctx, &protocol.Channel{ClientID: 1, ChannelType: 4})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Break()
	if _, err := s1.Recv(); !errors.Is(err, ErrStreamBroken) {
		t.Fatalf("expected ErrStreamBroken, got %v", err)
	}

	s2, err := c.SubscribeSupply(ctx, &protocol.Channel{ClientID: 2, ChannelType: 4})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s2.Recv(); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.NotifySupply(ctx, &protocol.Supply{ID: 1}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestDialerFailsScriptedDials(t *testing.T) {
	testlog.Start(t)
	d := NewDialer(NewDirectory(10), NewBroker())
	boom := errors.New("refused")
	d.FailDials(1, boom)
	if _, err := d.DialExchange(context.Background(), "mem:1"); !errors.Is(err, boom) {
		t.Fatalf("expected scripted failure, got %v", err)
	}
	if _, err := d.DialExchange(context.Background(), "mem:1"); err != nil {
		t.Fatalf("second dial should succeed: %v", err)
	}
	if _, err := d.DialExchange(context.Background(), " "); !errors.Is(err, transport.ErrAddrMissing) {
		t.Fatalf("expected ErrAddrMissing, got %v", err)
	}
	if d.ExchangeDials() != 3 {
		t.Fatalf("unexpected dial count: %d", d.ExchangeDials())
	}
}
