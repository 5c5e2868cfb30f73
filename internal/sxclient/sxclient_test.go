package sxclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/sxutil/internal/node"
	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/testutil/testlog"
	"github.com/danmuck/sxutil/internal/transport/memory"
)

const exchangeAddr = "mem:exchange"

type fixture struct {
	dir    *memory.Directory
	broker *memory.Broker
	dialer *memory.Dialer
}

func newFixture() *fixture {
	dir := memory.NewDirectory(10)
	broker := memory.NewBroker()
	return &fixture{dir: dir, broker: broker, dialer: memory.NewDialer(dir, broker)}
}

func (f *fixture) node(t *testing.T, name string) *node.Node {
	t.Helper()
	cfg := node.DefaultConfig()
	cfg.Session.MsgTimeout = 2 * time.Second
	n := node.New(f.dialer, cfg)
	if _, err := n.Register(context.Background(), "mem:dir", name, []uint32{1, 2}, nil); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func (f *fixture) client(t *testing.T, n *node.Node) *Client {
	t.Helper()
	c, err := Dial(context.Background(), n, exchangeAddr, 1, "")
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestProposeSelectConfirmScenario(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	f.dir.AssignNext(protocol.NodeID{NodeID: 7, Secret: 42, KeepaliveDuration: 10})
	nodeA := f.node(t, "A")
	if id := nodeA.Identity(); id.NodeID != 7 || id.Secret != 42 {
		t.Fatalf("unexpected identity: %+v", id)
	}
	supplier := f.client(t, nodeA)
	demander := f.client(t, f.node(t, "B"))
	ctx := context.Background()

	pid, err := supplier.ProposeSupply(ctx, SupplyOpts{Name: "x"})
	if err != nil {
		t.Fatalf("propose supply: %v", err)
	}
	if got := nodeA.Negotiation().ProposedSupplyIndex(pid); got != 0 {
		t.Fatalf("expected proposal at index 0, got %d", got)
	}

	mbusID, err := demander.SelectSupply(ctx, protocol.Supply{ID: pid, ChannelType: 1})
	if err != nil {
		t.Fatalf("select supply: %v", err)
	}
	if !demander.HasMbus(mbusID) {
		t.Fatalf("selector should join mbus %d", mbusID)
	}

	if err := supplier.Confirm(ctx, mbusID, pid); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := nodeA.Negotiation().ProposedSupplyIndex(pid); got != -1 {
		t.Fatalf("confirm should drain the proposal, index %d", got)
	}
	if !supplier.HasMbus(mbusID) {
		t.Fatalf("confirmer should join mbus %d", mbusID)
	}
	if !nodeA.Negotiation().IsSafeState() {
		t.Fatalf("expected safe state after confirm")
	}
}

func TestSelectDemandAndConfirmOnDemandSide(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	nodeB := f.node(t, "B")
	demander := f.client(t, nodeB)
	supplier := f.client(t, f.node(t, "A"))
	ctx := context.Background()

	did, err := demander.ProposeDemand(ctx, DemandOpts{Name: "ride", JSON: `{"seats":2}`})
	if err != nil {
		t.Fatalf("propose demand: %v", err)
	}
	mbusID, err := supplier.SelectDemand(ctx, protocol.Demand{ID: did, ChannelType: 1})
	if err != nil {
		t.Fatalf("select demand: %v", err)
	}
	if err := demander.Confirm(ctx, mbusID, did); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if nodeB.Negotiation().ProposedDemandIndex(did) != -1 {
		t.Fatalf("confirm should drain the demand proposal")
	}
}

func TestNotifyDoesNotTrackProposal(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	n := f.node(t, "A")
	c := f.client(t, n)

	id, err := c.NotifySupply(context.Background(), SupplyOpts{Name: "x", Target: 99})
	if err != nil || id == 0 {
		t.Fatalf("notify supply: id=%d err=%v", id, err)
	}
	if _, err := c.NotifyDemand(context.Background(), DemandOpts{Name: "y"}); err != nil {
		t.Fatalf("notify demand: %v", err)
	}
	if !n.Negotiation().IsSafeState() {
		t.Fatalf("notify must not register a proposal: %+v", n.Negotiation().Snapshot())
	}
	if f.broker.Calls(memory.OpNotifySupply) != 1 || f.broker.Calls(memory.OpNotifyDemand) != 1 {
		t.Fatalf("unexpected call counts")
	}
}

func TestProposeRefusedWhileLocked(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	n := f.node(t, "A")
	c := f.client(t, n)
	n.Negotiation().Lock()

	if _, err := c.ProposeSupply(context.Background(), SupplyOpts{Name: "x"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := c.ProposeDemand(context.Background(), DemandOpts{Name: "x"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if f.broker.Calls(memory.OpProposeSupply) != 0 || f.broker.Calls(memory.OpProposeDemand) != 0 {
		t.Fatalf("locked proposals must not reach the exchange")
	}
}

func TestProposeFailureDoesNotTrack(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	n := f.node(t, "A")
	c := f.client(t, n)
	ctx := context.Background()

	f.broker.Reject(memory.OpProposeSupply, "channel full")
	if _, err := c.ProposeSupply(ctx, SupplyOpts{Name: "x"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	f.broker.Reject(memory.OpProposeSupply, "")

	boom := errors.New("unavailable")
	f.broker.Fail(memory.OpProposeSupply, boom)
	_, err := c.ProposeSupply(ctx, SupplyOpts{Name: "x"})
	if !errors.Is(err, boom) || errors.Is(err, ErrRejected) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !n.Negotiation().IsSafeState() {
		t.Fatalf("failed proposals must not be tracked: %+v", n.Negotiation().Snapshot())
	}
}

func TestClosedClientFailsFast(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	c := f.client(t, f.node(t, "A"))
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx := context.Background()

	if _, err := c.NotifyDemand(ctx, DemandOpts{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := c.SelectSupply(ctx, protocol.Supply{ID: 1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if streamClosed, err := c.SubscribeDemand(ctx, func(context.Context, *Client, protocol.Demand) {}); streamClosed || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got streamClosed=%v err=%v", streamClosed, err)
	}
	if f.broker.Calls(memory.OpNotifyDemand) != 0 {
		t.Fatalf("closed client must not reach the exchange")
	}

	if err := c.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !c.Connected() || f.dialer.ExchangeDials() != 2 {
		t.Fatalf("expected a second dial, got %d", f.dialer.ExchangeDials())
	}
	if _, err := c.NotifyDemand(ctx, DemandOpts{}); err != nil {
		t.Fatalf("notify after reconnect: %v", err)
	}
}

func TestMbusCreateCloseRoundTrip(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	c := f.client(t, f.node(t, "A"))
	ctx := context.Background()

	first, err := c.CreateMbus(ctx, protocol.MbusOpt{Type: protocol.MbusPublic})
	if err != nil {
		t.Fatalf("create mbus: %v", err)
	}
	if first.ClientID != c.ClientID() {
		t.Fatalf("mbus should carry client id: %+v", first)
	}
	second, err := c.CreateMbus(ctx, protocol.MbusOpt{Type: protocol.MbusPrivate})
	if err != nil {
		t.Fatalf("create mbus: %v", err)
	}

	closed, err := c.CloseMbus(ctx, first.MbusID)
	if err != nil || !closed {
		t.Fatalf("close mbus: closed=%v err=%v", closed, err)
	}
	if c.HasMbus(first.MbusID) || !c.HasMbus(second.MbusID) {
		t.Fatalf("unexpected membership: %v", c.MbusIDs())
	}
	closed, err = c.CloseMbus(ctx, first.MbusID)
	if err != nil || closed {
		t.Fatalf("closing a non-member should be a no-op: closed=%v err=%v", closed, err)
	}
	if f.broker.Calls(memory.OpCloseMbus) != 1 {
		t.Fatalf("non-member close must not reach the exchange")
	}

	state, err := c.GetMbusState(ctx, first.MbusID)
	if err != nil || state.Status != protocol.MbusClosed {
		t.Fatalf("unexpected mbus state: %+v err=%v", state, err)
	}
}

func TestSendMbusMsgChecksMembership(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	c := f.client(t, f.node(t, "A"))
	ctx := context.Background()

	if _, err := c.SendMbusMsg(ctx, 1, protocol.MbusMsg{}); !errors.Is(err, ErrNoMbus) {
		t.Fatalf("expected ErrNoMbus, got %v", err)
	}
	mb, err := c.CreateMbus(ctx, protocol.MbusOpt{})
	if err != nil {
		t.Fatalf("create mbus: %v", err)
	}
	if _, err := c.SendMbusMsg(ctx, mb.MbusID+1, protocol.MbusMsg{}); !errors.Is(err, ErrMbusNotMember) {
		t.Fatalf("expected ErrMbusNotMember, got %v", err)
	}
	if f.broker.Calls(memory.OpSendMbusMsg) != 0 {
		t.Fatalf("membership failures must not reach the exchange")
	}
	msgID, err := c.SendMbusMsg(ctx, mb.MbusID, protocol.MbusMsg{MsgType: 1, MsgInfo: "hello"})
	if err != nil || msgID == 0 {
		t.Fatalf("send mbus msg: id=%d err=%v", msgID, err)
	}
}

func TestSubscribeMbusDeliversUntilClosed(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	supplier := f.client(t, f.node(t, "A"))
	demander := f.client(t, f.node(t, "B"))
	ctx := context.Background()

	pid, err := supplier.ProposeSupply(ctx, SupplyOpts{Name: "x"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	mbusID, err := demander.SelectSupply(ctx, protocol.Supply{ID: pid, ChannelType: 1})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := supplier.Confirm(ctx, mbusID, pid); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got := make(chan protocol.MbusMsg, 8)
	type result struct {
		streamClosed bool
		err      error
	}
	done := make(chan result, 1)
	go func() {
		streamClosed, err := supplier.SubscribeMbus(ctx, mbusID, func(_ context.Context, _ *Client, msg protocol.MbusMsg) {
			got <- msg
		})
		done <- result{streamClosed, err}
	}()

	var msg protocol.MbusMsg
	deadline := time.After(2 * time.Second)
receive:
	for {
		if _, err := demander.SendMbusMsg(ctx, mbusID, protocol.MbusMsg{MsgInfo: "fare"}); err != nil {
			t.Fatalf("send: %v", err)
		}
		select {
		case msg = <-got:
			break receive
		case <-deadline:
			t.Fatalf("mbus message not delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if msg.MsgInfo != "fare" || msg.SenderID != demander.ClientID() || msg.MbusID != mbusID {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if closed, err := demander.CloseMbus(ctx, mbusID); err != nil || !closed {
		t.Fatalf("close: closed=%v err=%v", closed, err)
	}
	select {
	case r := <-done:
		if !r.streamClosed || r.err != nil {
			t.Fatalf("unexpected subscription end: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not end after close")
	}
}

type recordingDemandHandler struct {
	notified  atomic.Int32
	accept    bool
	confirmed chan error
	mbus      chan uint64
}

func (h *recordingDemandHandler) OnNotifyDemand(context.Context, *Client, protocol.Demand) {
	h.notified.Add(1)
}

func (h *recordingDemandHandler) OnSelectSupply(context.Context, *Client, protocol.Demand) bool {
	return h.accept
}

func (h *recordingDemandHandler) OnConfirmResult(_ context.Context, _ *Client, mbusID uint64, err error) {
	h.mbus <- mbusID
	h.confirmed <- err
}

func TestDemandDispatcherConfirmsSelection(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	nodeA := f.node(t, "A")
	supplier := f.client(t, nodeA)
	demander := f.client(t, f.node(t, "B"))
	ctx := context.Background()

	h := &recordingDemandHandler{accept: true, confirmed: make(chan error, 1), mbus: make(chan uint64, 1)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = supplier.SubscribeDemand(ctx, DemandDispatcher(h))
	}()
	waitFor(t, "demand subscription", func() bool { return f.broker.Subscribed(1, supplier.ClientID()) })

	if _, err := demander.NotifyDemand(ctx, DemandOpts{Name: "anyone"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitFor(t, "notify callback", func() bool { return h.notified.Load() == 1 })

	pid, err := supplier.ProposeSupply(ctx, SupplyOpts{Name: "x"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	mbusID, err := demander.SelectSupply(ctx, protocol.Supply{ID: pid, ChannelType: 1})
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	select {
	case err := <-h.confirmed:
		if err != nil {
			t.Fatalf("confirm failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("selection was not confirmed")
	}
	if got := <-h.mbus; got != mbusID {
		t.Fatalf("confirmed mbus %d, selected %d", got, mbusID)
	}
	if !supplier.HasMbus(mbusID) || nodeA.Negotiation().ProposedSupplyIndex(pid) != -1 {
		t.Fatalf("confirm should join mbus and drain proposal")
	}

	if err := supplier.CloseDemandChannel(ctx); err != nil {
		t.Fatalf("close demand channel: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not end after channel close")
	}
}

type recordingSupplyHandler struct {
	mu       sync.Mutex
	notified []uint64
	declined int
}

func (h *recordingSupplyHandler) OnNotifySupply(_ context.Context, _ *Client, sp protocol.Supply) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notified = append(h.notified, sp.ID)
}

func (h *recordingSupplyHandler) OnSelectDemand(context.Context, *Client, protocol.Supply) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.declined++
	return false
}

func (h *recordingSupplyHandler) OnConfirmResult(context.Context, *Client, uint64, error) {}

func TestSupplyDispatcherDeclinedSelectionSkipsConfirm(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	nodeB := f.node(t, "B")
	demander := f.client(t, nodeB)
	supplier := f.client(t, f.node(t, "A"))
	ctx := context.Background()

	h := &recordingSupplyHandler{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = demander.SubscribeSupply(ctx, SupplyDispatcher(h))
	}()
	waitFor(t, "supply subscription", func() bool { return f.broker.Subscribed(1, demander.ClientID()) })

	did, err := demander.ProposeDemand(ctx, DemandOpts{Name: "ride"})
	if err != nil {
		t.Fatalf("propose demand: %v", err)
	}
	if _, err := supplier.SelectDemand(ctx, protocol.Demand{ID: did, ChannelType: 1}); err != nil {
		t.Fatalf("select demand: %v", err)
	}
	waitFor(t, "select callback", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.declined == 1
	})
	if f.broker.Calls(memory.OpConfirm) != 0 {
		t.Fatalf("declined selection must not confirm")
	}
	if nodeB.Negotiation().ProposedDemandIndex(did) != 0 {
		t.Fatalf("declined selection keeps the proposal pending")
	}

	if err := demander.CloseAllChannels(ctx); err != nil {
		t.Fatalf("close all channels: %v", err)
	}
	<-done
}

func TestSubscribeDropsWhileLocked(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	n := f.node(t, "B")
	c := f.client(t, n)
	ctx := context.Background()

	var delivered atomic.Int32
	handler := func(context.Context, *Client, protocol.Supply) { delivered.Add(1) }
	run := func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if streamClosed, err := c.SubscribeSupply(ctx, handler); !streamClosed || err != nil {
				t.Errorf("unexpected subscription end: streamClosed=%v err=%v", streamClosed, err)
			}
		}()
		waitFor(t, "supply subscription", func() bool { return f.broker.Subscribed(1, c.ClientID()) })
		f.broker.PublishSupply(protocol.Supply{ID: 900 + uint64(delivered.Load()), SenderID: 1, ChannelType: 1})
		if err := c.CloseSupplyChannel(ctx); err != nil {
			t.Fatalf("close supply channel: %v", err)
		}
		<-done
	}

	n.Negotiation().Lock()
	run()
	if delivered.Load() != 0 {
		t.Fatalf("locked client must drop records")
	}

	n.Negotiation().Init()
	run()
	if delivered.Load() != 1 {
		t.Fatalf("unlocked client must deliver records, got %d", delivered.Load())
	}
}

func TestSubscribeReportsBrokenStream(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	c := f.client(t, f.node(t, "A"))

	type result struct {
		streamClosed bool
		err      error
	}
	done := make(chan result, 1)
	go func() {
		streamClosed, err := c.SubscribeDemand(context.Background(), func(context.Context, *Client, protocol.Demand) {})
		done <- result{streamClosed, err}
	}()
	waitFor(t, "demand subscription", func() bool { return f.broker.Subscribed(1, c.ClientID()) })
	f.broker.Break()

	r := <-done
	if !r.streamClosed || !errors.Is(r.err, memory.ErrStreamBroken) {
		t.Fatalf("unexpected end: %+v", r)
	}
}

func TestSelectModifiedSupply(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	supplier := f.client(t, f.node(t, "A"))
	demander := f.client(t, f.node(t, "B"))
	ctx := context.Background()

	pid, err := supplier.ProposeSupply(ctx, SupplyOpts{Name: "x", JSON: `{"fare":10}`})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	mbusID, err := demander.SelectModifiedSupply(ctx, protocol.Supply{ID: pid, ChannelType: 1, ArgJSON: `{"fare":8}`})
	if err != nil {
		t.Fatalf("select modified: %v", err)
	}
	if !demander.HasMbus(mbusID) || f.broker.Calls(memory.OpSelectModifiedSupply) != 1 {
		t.Fatalf("unexpected select modified outcome: mbus=%d", mbusID)
	}
}

func TestTargetHelpersAndChannel(t *testing.T) {
	testlog.Start(t)
	f := newFixture()
	c := f.client(t, f.node(t, "A"))

	if !c.IsSupplyTarget(protocol.Supply{TargetID: 5}, []uint64{3, 5}) {
		t.Fatalf("expected supply target match")
	}
	if c.IsDemandTarget(protocol.Demand{TargetID: 4}, []uint64{3, 5}) {
		t.Fatalf("unexpected demand target match")
	}
	ch := c.Channel()
	if ch.ClientID != c.ClientID() || ch.ChannelType != 1 {
		t.Fatalf("unexpected channel: %+v", ch)
	}
}
