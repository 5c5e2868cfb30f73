package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrStreamBroken = errors.New("memory: stream broken")

// Exchange operation names used for call counting and fault injection.
const (
	OpNotifyDemand         = "NotifyDemand"
	OpNotifySupply         = "NotifySupply"
	OpProposeDemand        = "ProposeDemand"
	OpProposeSupply        = "ProposeSupply"
	OpSelectSupply         = "SelectSupply"
	OpSelectModifiedSupply = "SelectModifiedSupply"
	OpSelectDemand         = "SelectDemand"
	OpConfirm              = "Confirm"
	OpSubscribeDemand      = "SubscribeDemand"
	OpSubscribeSupply      = "SubscribeSupply"
	OpCreateMbus           = "CreateMbus"
	OpCloseMbus            = "CloseMbus"
	OpSubscribeMbus        = "SubscribeMbus"
	OpSendMbusMsg          = "SendMbusMsg"
	OpGetMbusState         = "GetMbusState"
	OpCloseDemandChannel   = "CloseDemandChannel"
	OpCloseSupplyChannel   = "CloseSupplyChannel"
	OpCloseAllChannels     = "CloseAllChannels"
)

type subKey struct {
	channelType uint32
	clientID    uint64
}

type mbusEntry struct {
	status      protocol.MbusStatus
	subscribers []uint64
	streams     map[uint64]*stream[protocol.MbusMsg]
}

func (m *mbusEntry) addSubscriber(id uint64) {
	for _, s := range m.subscribers {
		if s == id {
			return
		}
	}
	m.subscribers = append(m.subscribers, id)
	m.status = protocol.MbusSubscribers
}

// Broker routes supplies, demands and mbus messages between clients.
type Broker struct {
	mu       sync.Mutex
	nextMbus uint64

	demandSubs map[subKey]*stream[protocol.Demand]
	supplySubs map[subKey]*stream[protocol.Supply]
	supplies   map[uint64]protocol.Supply
	demands    map[uint64]protocol.Demand
	mbuses     map[uint64]*mbusEntry

	calls   map[string]int
	fail    map[string]error
	reject  map[string]string
	dropped atomic.Uint64
}

func NewBroker() *Broker {
	return &Broker{
		nextMbus:   1 << 40,
		demandSubs: make(map[subKey]*stream[protocol.Demand]),
		supplySubs: make(map[subKey]*stream[protocol.Supply]),
		supplies:   make(map[uint64]protocol.Supply),
		demands:    make(map[uint64]protocol.Demand),
		mbuses:     make(map[uint64]*mbusEntry),
		calls:      make(map[string]int),
		fail:       make(map[string]error),
		reject:     make(map[string]string),
	}
}

// Fail makes every call to op return err until cleared with a nil err.
func (b *Broker) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, op)
		return
	}
	b.fail[op] = err
}

// Reject makes every call to op answer ok=false with text until cleared with "".
func (b *Broker) Reject(op, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text == "" {
		delete(b.reject, op)
		return
	}
	b.reject[op] = text
}

// Calls reports how many times op was invoked.
func (b *Broker) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Dropped reports deliveries that found no live subscriber.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribed reports whether clientID has a live demand or supply stream on channelType.
func (b *Broker) Subscribed(channelType uint32, clientID uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := subKey{channelType: channelType, clientID: clientID}
	if s, ok := b.demandSubs[key]; ok && !s.ended() {
		return true
	}
	if s, ok := b.supplySubs[key]; ok && !s.ended() {
		return true
	}
	return false
}

// Break ends every live stream with ErrStreamBroken.
func (b *Broker) Break() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, s := range b.demandSubs {
		s.end(ErrStreamBroken)
		delete(b.demandSubs, key)
	}
	for key, s := range b.supplySubs {
		s.end(ErrStreamBroken)
		delete(b.supplySubs, key)
	}
	for _, m := range b.mbuses {
		for id, s := range m.streams {
			s.end(ErrStreamBroken)
			delete(m.streams, id)
		}
	}
}

// PublishDemand injects dm as if a remote client had notified it.
func (b *Broker) PublishDemand(dm protocol.Demand) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.demands[dm.ID] = dm
	b.routeDemandLocked(dm)
}

// PublishSupply injects sp as if a remote client had notified it.
func (b *Broker) PublishSupply(sp protocol.Supply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.supplies[sp.ID] = sp
	b.routeSupplyLocked(sp)
}

// MbusState returns the broker view of mbus id.
func (b *Broker) MbusState(id uint64) protocol.MbusState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mbusStateLocked(id)
}

// enter counts op and returns the scripted failure, if any.
func (b *Broker) enter(op string) (string, error) {
	b.calls[op]++
	return b.reject[op], b.fail[op]
}

func (b *Broker) routeDemandLocked(dm protocol.Demand) {
	if dm.TargetID != 0 {
		owner, ok := b.supplies[dm.TargetID]
		if !ok {
			b.dropped.Add(1)
			return
		}
		b.pushDemandLocked(subKey{channelType: dm.ChannelType, clientID: owner.SenderID}, dm)
		return
	}
	for key := range b.demandSubs {
		if key.channelType != dm.ChannelType || key.clientID == dm.SenderID {
			continue
		}
		b.pushDemandLocked(key, dm)
	}
}

func (b *Broker) routeSupplyLocked(sp protocol.Supply) {
	if sp.TargetID != 0 {
		owner, ok := b.demands[sp.TargetID]
		if !ok {
			b.dropped.Add(1)
			return
		}
		b.pushSupplyLocked(subKey{channelType: sp.ChannelType, clientID: owner.SenderID}, sp)
		return
	}
	for key := range b.supplySubs {
		if key.channelType != sp.ChannelType || key.clientID == sp.SenderID {
			continue
		}
		b.pushSupplyLocked(key, sp)
	}
}

func (b *Broker) pushDemandLocked(key subKey, dm protocol.Demand) {
	s, ok := b.demandSubs[key]
	if !ok || !s.push(dm) {
		b.dropped.Add(1)
		log.Debug().Uint64("demand_id", dm.ID).Uint64("client_id", key.clientID).Msg("memory.Broker demand dropped")
	}
}

func (b *Broker) pushSupplyLocked(key subKey, sp protocol.Supply) {
	s, ok := b.supplySubs[key]
	if !ok || !s.push(sp) {
		b.dropped.Add(1)
		log.Debug().Uint64("supply_id", sp.ID).Uint64("client_id", key.clientID).Msg("memory.Broker supply dropped")
	}
}

func (b *Broker) mbusStateLocked(id uint64) protocol.MbusState {
	m, ok := b.mbuses[id]
	if !ok {
		return protocol.MbusState{MbusID: id, Status: protocol.MbusInvalid}
	}
	subs := make([]uint64, len(m.subscribers))
	copy(subs, m.subscribers)
	return protocol.MbusState{MbusID: id, Status: m.status, Subscribers: subs}
}

func (b *Broker) ensureMbusLocked(id uint64) *mbusEntry {
	m, ok := b.mbuses[id]
	if !ok {
		m = &mbusEntry{status: protocol.MbusInitialized, streams: make(map[uint64]*stream[protocol.MbusMsg])}
		b.mbuses[id] = m
	}
	return m
}

func negative(text string) *protocol.Response {
	return &protocol.Response{OK: false, Err: text}
}

func (b *Broker) notifyDemand(op string, dm *protocol.Demand) (*protocol.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(op); err != nil {
		return nil, err
	} else if text != "" {
		return negative(text), nil
	}
	b.demands[dm.ID] = *dm
	b.routeDemandLocked(*dm)
	return &protocol.Response{OK: true}, nil
}

func (b *Broker) notifySupply(op string, sp *protocol.Supply) (*protocol.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(op); err != nil {
		return nil, err
	} else if text != "" {
		return negative(text), nil
	}
	b.supplies[sp.ID] = *sp
	b.routeSupplyLocked(*sp)
	return &protocol.Response{OK: true}, nil
}

// selectSupply forwards the selection to the supply owner as a demand whose
// id doubles as the mbus id for the match.
func (b *Broker) selectSupply(op string, tgt *protocol.Target) (*protocol.ConfirmResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(op); err != nil {
		return nil, err
	} else if text != "" {
		return &protocol.ConfirmResponse{OK: false, Err: text}, nil
	}
	return b.matchSupplyLocked(tgt), nil
}

// selectModifiedSupply selects sp.TargetID on behalf of a caller that
// rewrote the supply; sp.ID becomes the mbus id.
func (b *Broker) selectModifiedSupply(sp *protocol.Supply) (*protocol.ConfirmResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(OpSelectModifiedSupply); err != nil {
		return nil, err
	} else if text != "" {
		return &protocol.ConfirmResponse{OK: false, Err: text}, nil
	}
	return b.matchSupplyLocked(&protocol.Target{
		ID:          sp.ID,
		SenderID:    sp.SenderID,
		TargetID:    sp.TargetID,
		ChannelType: sp.ChannelType,
	}), nil
}

func (b *Broker) matchSupplyLocked(tgt *protocol.Target) *protocol.ConfirmResponse {
	sp, ok := b.supplies[tgt.TargetID]
	if !ok {
		return &protocol.ConfirmResponse{OK: false, Err: fmt.Sprintf("unknown supply %d", tgt.TargetID)}
	}
	m := b.ensureMbusLocked(tgt.ID)
	m.addSubscriber(tgt.SenderID)

	dm := protocol.Demand{
		ID:          tgt.ID,
		SenderID:    tgt.SenderID,
		TargetID:    sp.ID,
		ChannelType: sp.ChannelType,
		MbusID:      tgt.ID,
	}
	b.demands[dm.ID] = dm
	b.pushDemandLocked(subKey{channelType: sp.ChannelType, clientID: sp.SenderID}, dm)
	return &protocol.ConfirmResponse{OK: true, MbusID: tgt.ID}
}

func (b *Broker) selectDemand(tgt *protocol.Target) (*protocol.ConfirmResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(OpSelectDemand); err != nil {
		return nil, err
	} else if text != "" {
		return &protocol.ConfirmResponse{OK: false, Err: text}, nil
	}
	dm, ok := b.demands[tgt.TargetID]
	if !ok {
		return &protocol.ConfirmResponse{OK: false, Err: fmt.Sprintf("unknown demand %d", tgt.TargetID)}, nil
	}
	m := b.ensureMbusLocked(tgt.ID)
	m.addSubscriber(tgt.SenderID)

	sp := protocol.Supply{
		ID:          tgt.ID,
		SenderID:    tgt.SenderID,
		TargetID:    dm.ID,
		ChannelType: dm.ChannelType,
		MbusID:      tgt.ID,
	}
	b.supplies[sp.ID] = sp
	b.pushSupplyLocked(subKey{channelType: dm.ChannelType, clientID: dm.SenderID}, sp)
	return &protocol.ConfirmResponse{OK: true, MbusID: tgt.ID}, nil
}

func (b *Broker) confirm(tgt *protocol.Target) (*protocol.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(OpConfirm); err != nil {
		return nil, err
	} else if text != "" {
		return negative(text), nil
	}
	m, ok := b.mbuses[tgt.MbusID]
	if !ok {
		return negative(fmt.Sprintf("unknown mbus %d", tgt.MbusID)), nil
	}
	m.addSubscriber(tgt.SenderID)
	return &protocol.Response{OK: true}, nil
}

func (b *Broker) subscribeDemand(ctx context.Context, ch *protocol.Channel) (*stream[protocol.Demand], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(OpSubscribeDemand); err != nil {
		return nil, err
	} else if text != "" {
		return nil, errors.New(text)
	}
	key := subKey{channelType: ch.ChannelType, clientID: ch.ClientID}
	if old, ok := b.demandSubs[key]; ok {
		old.end(io.EOF)
	}
	s := newStream[protocol.Demand](ctx)
	b.demandSubs[key] = s
	return s, nil
}

func (b *Broker) subscribeSupply(ctx context.Context, ch *protocol.Channel) (*stream[protocol.Supply], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(OpSubscribeSupply); err != nil {
		return nil, err
	} else if text != "" {
		return nil, errors.New(text)
	}
	key := subKey{channelType: ch.ChannelType, clientID: ch.ClientID}
	if old, ok := b.supplySubs[key]; ok {
		old.end(io.EOF)
	}
	s := newStream[protocol.Supply](ctx)
	b.supplySubs[key] = s
	return s, nil
}

func (b *Broker) createMbus(opt *protocol.MbusOpt) (*protocol.Mbus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.enter(OpCreateMbus); err != nil {
		return nil, err
	}
	b.nextMbus++
	id := b.nextMbus
	m := b.ensureMbusLocked(id)
	for _, sub := range opt.Subscribers {
		m.addSubscriber(sub)
	}
	return &protocol.Mbus{MbusID: id}, nil
}

func (b *Broker) closeMbus(mb *protocol.Mbus) (*protocol.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(OpCloseMbus); err != nil {
		return nil, err
	} else if text != "" {
		return negative(text), nil
	}
	m, ok := b.mbuses[mb.MbusID]
	if !ok {
		return negative(fmt.Sprintf("unknown mbus %d", mb.MbusID)), nil
	}
	m.status = protocol.MbusClosed
	for id, s := range m.streams {
		s.end(io.EOF)
		delete(m.streams, id)
	}
	return &protocol.Response{OK: true}, nil
}

func (b *Broker) subscribeMbus(ctx context.Context, mb *protocol.Mbus) (*stream[protocol.MbusMsg], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(OpSubscribeMbus); err != nil {
		return nil, err
	} else if text != "" {
		return nil, errors.New(text)
	}
	m, ok := b.mbuses[mb.MbusID]
	if !ok || m.status == protocol.MbusClosed {
		return nil, fmt.Errorf("memory: mbus %d not open", mb.MbusID)
	}
	m.addSubscriber(mb.ClientID)
	if old, ok := m.streams[mb.ClientID]; ok {
		old.end(io.EOF)
	}
	s := newStream[protocol.MbusMsg](ctx)
	m.streams[mb.ClientID] = s
	return s, nil
}

func (b *Broker) sendMbusMsg(msg *protocol.MbusMsg) (*protocol.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(OpSendMbusMsg); err != nil {
		return nil, err
	} else if text != "" {
		return negative(text), nil
	}
	m, ok := b.mbuses[msg.MbusID]
	if !ok || m.status == protocol.MbusClosed {
		return negative(fmt.Sprintf("mbus %d not open", msg.MbusID)), nil
	}
	for id, s := range m.streams {
		if id == msg.SenderID {
			continue
		}
		if msg.TargetID != 0 && msg.TargetID != id {
			continue
		}
		if !s.push(*msg) {
			b.dropped.Add(1)
		}
	}
	return &protocol.Response{OK: true}, nil
}

func (b *Broker) getMbusState(mb *protocol.Mbus) (*protocol.MbusState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.enter(OpGetMbusState); err != nil {
		return nil, err
	}
	state := b.mbusStateLocked(mb.MbusID)
	return &state, nil
}

func (b *Broker) closeChannel(op string, ch *protocol.Channel) (*protocol.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(op); err != nil {
		return nil, err
	} else if text != "" {
		return negative(text), nil
	}
	key := subKey{channelType: ch.ChannelType, clientID: ch.ClientID}
	switch op {
	case OpCloseDemandChannel:
		if s, ok := b.demandSubs[key]; ok {
			s.end(io.EOF)
			delete(b.demandSubs, key)
		}
	case OpCloseSupplyChannel:
		if s, ok := b.supplySubs[key]; ok {
			s.end(io.EOF)
			delete(b.supplySubs, key)
		}
	}
	return &protocol.Response{OK: true}, nil
}

func (b *Broker) closeAllChannels(id *protocol.ProviderID) (*protocol.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if text, err := b.enter(OpCloseAllChannels); err != nil {
		return nil, err
	} else if text != "" {
		return negative(text), nil
	}
	for key, s := range b.demandSubs {
		if key.clientID == id.ClientID {
			s.end(io.EOF)
			delete(b.demandSubs, key)
		}
	}
	for key, s := range b.supplySubs {
		if key.clientID == id.ClientID {
			s.end(io.EOF)
			delete(b.supplySubs, key)
		}
	}
	return &protocol.Response{OK: true}, nil
}

// exchangeConn is one client handle onto a Broker. Closing it ends the
// streams it opened.
type exchangeConn struct {
	broker *Broker
	closed atomic.Bool

	mu     sync.Mutex
	enders []func(error)
}

var _ transport.Exchange = (*exchangeConn)(nil)

func (c *exchangeConn) check(ctx context.Context) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	return ctx.Err()
}

func (c *exchangeConn) track(end func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enders = append(c.enders, end)
}

func (c *exchangeConn) NotifyDemand(ctx context.Context, dm *protocol.Demand) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.notifyDemand(OpNotifyDemand, dm)
}

func (c *exchangeConn) NotifySupply(ctx context.Context, sp *protocol.Supply) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.notifySupply(OpNotifySupply, sp)
}

func (c *exchangeConn) ProposeDemand(ctx context.Context, dm *protocol.Demand) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.notifyDemand(OpProposeDemand, dm)
}

func (c *exchangeConn) ProposeSupply(ctx context.Context, sp *protocol.Supply) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.notifySupply(OpProposeSupply, sp)
}

func (c *exchangeConn) SelectSupply(ctx context.Context, tgt *protocol.Target) (*protocol.ConfirmResponse, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.selectSupply(OpSelectSupply, tgt)
}

func (c *exchangeConn) SelectModifiedSupply(ctx context.Context, sp *protocol.Supply) (*protocol.ConfirmResponse, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.selectModifiedSupply(sp)
}

func (c *exchangeConn) SelectDemand(ctx context.Context, tgt *protocol.Target) (*protocol.ConfirmResponse, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.selectDemand(tgt)
}

func (c *exchangeConn) Confirm(ctx context.Context, tgt *protocol.Target) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.confirm(tgt)
}

func (c *exchangeConn) SubscribeDemand(ctx context.Context, ch *protocol.Channel) (transport.DemandStream, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	s, err := c.broker.subscribeDemand(ctx, ch)
	if err != nil {
		return nil, err
	}
	c.track(s.end)
	return s, nil
}

func (c *exchangeConn) SubscribeSupply(ctx context.Context, ch *protocol.Channel) (transport.SupplyStream, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	s, err := c.broker.subscribeSupply(ctx, ch)
	if err != nil {
		return nil, err
	}
	c.track(s.end)
	return s, nil
}

func (c *exchangeConn) CreateMbus(ctx context.Context, opt *protocol.MbusOpt) (*protocol.Mbus, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.createMbus(opt)
}

func (c *exchangeConn) CloseMbus(ctx context.Context, mb *protocol.Mbus) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.closeMbus(mb)
}

func (c *exchangeConn) SubscribeMbus(ctx context.Context, mb *protocol.Mbus) (transport.MbusStream, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	s, err := c.broker.subscribeMbus(ctx, mb)
	if err != nil {
		return nil, err
	}
	c.track(s.end)
	return s, nil
}

func (c *exchangeConn) SendMbusMsg(ctx context.Context, msg *protocol.MbusMsg) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.sendMbusMsg(msg)
}

func (c *exchangeConn) GetMbusState(ctx context.Context, mb *protocol.Mbus) (*protocol.MbusState, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.getMbusState(mb)
}

func (c *exchangeConn) CloseDemandChannel(ctx context.Context, ch *protocol.Channel) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.closeChannel(OpCloseDemandChannel, ch)
}

func (c *exchangeConn) CloseSupplyChannel(ctx context.Context, ch *protocol.Channel) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.closeChannel(OpCloseSupplyChannel, ch)
}

func (c *exchangeConn) CloseAllChannels(ctx context.Context, id *protocol.ProviderID) (*protocol.Response, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.broker.closeAllChannels(id)
}

func (c *exchangeConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	enders := c.enders
	c.enders = nil
	c.mu.Unlock()
	for _, end := range enders {
		end(transport.ErrClosed)
	}
	return nil
}
