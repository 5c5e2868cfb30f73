package sxclient

import (
	"context"
	"time"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/rs/zerolog/log"
)

// SupplyOpts describes a supply to notify or propose. Target is ignored by
// NotifySupply.
type SupplyOpts struct {
	Target uint64
	Name   string
	JSON   string
	Cdata  protocol.Content
}

type DemandOpts struct {
	Target uint64
	Name   string
	JSON   string
	Cdata  protocol.Content
}

func (c *Client) newSupply(id, target uint64, o SupplyOpts) protocol.Supply {
	return protocol.Supply{
		ID:          id,
		SenderID:    c.id,
		TargetID:    target,
		ChannelType: c.channelType,
		Name:        o.Name,
		Timestamp:   time.Now(),
		ArgJSON:     o.JSON,
		MbusID:      protocol.NoMbus,
		CData:       o.Cdata,
	}
}

func (c *Client) newDemand(id, target uint64, o DemandOpts) protocol.Demand {
	return protocol.Demand{
		ID:          id,
		SenderID:    c.id,
		TargetID:    target,
		ChannelType: c.channelType,
		Name:        o.Name,
		Timestamp:   time.Now(),
		ArgJSON:     o.JSON,
		MbusID:      protocol.NoMbus,
		CData:       o.Cdata,
	}
}

// NotifySupply broadcasts a supply on the channel and returns its id.
func (c *Client) NotifySupply(ctx context.Context, o SupplyOpts) (uint64, error) {
	id := c.node.GenerateID()
	ex, err := c.conn()
	if err != nil {
		return 0, err
	}
	sp := c.newSupply(id, 0, o)
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.NotifySupply(callCtx, &sp)
	ok, text := respOK(resp)
	if err := c.acknowledged("NotifySupply", start, ok, text, err); err != nil {
		return 0, err
	}
	log.Debug().Uint64("client_id", c.id).Uint64("supply_id", id).Msg("sxclient.Client.NotifySupply sent")
	return id, nil
}

// NotifyDemand broadcasts a demand on the channel and returns its id.
func (c *Client) NotifyDemand(ctx context.Context, o DemandOpts) (uint64, error) {
	id := c.node.GenerateID()
	ex, err := c.conn()
	if err != nil {
		return 0, err
	}
	dm := c.newDemand(id, 0, o)
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.NotifyDemand(callCtx, &dm)
	ok, text := respOK(resp)
	if err := c.acknowledged("NotifyDemand", start, ok, text, err); err != nil {
		return 0, err
	}
	log.Debug().Uint64("client_id", c.id).Uint64("demand_id", id).Msg("sxclient.Client.NotifyDemand sent")
	return id, nil
}

// ProposeSupply offers a supply to o.Target and records it as pending until
// the counterpart selects it.
func (c *Client) ProposeSupply(ctx context.Context, o SupplyOpts) (uint64, error) {
	id := c.node.GenerateID()
	ex, err := c.conn()
	if err != nil {
		return 0, err
	}
	if c.node.Negotiation().Locked() {
		log.Warn().Uint64("client_id", c.id).Msg("sxclient.Client.ProposeSupply refused while locked")
		return 0, ErrLocked
	}
	sp := c.newSupply(id, o.Target, o)
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.ProposeSupply(callCtx, &sp)
	ok, text := respOK(resp)
	if err := c.acknowledged("ProposeSupply", start, ok, text, err); err != nil {
		return 0, err
	}
	c.node.Negotiation().ProposeSupply(sp)
	log.Debug().Uint64("client_id", c.id).Uint64("supply_id", id).Uint64("target_id", o.Target).Msg("sxclient.Client.ProposeSupply pending")
	return id, nil
}

// ProposeDemand offers a demand to o.Target and records it as pending.
func (c *Client) ProposeDemand(ctx context.Context, o DemandOpts) (uint64, error) {
	id := c.node.GenerateID()
	ex, err := c.conn()
	if err != nil {
		return 0, err
	}
	if c.node.Negotiation().Locked() {
		log.Warn().Uint64("client_id", c.id).Msg("sxclient.Client.ProposeDemand refused while locked")
		return 0, ErrLocked
	}
	dm := c.newDemand(id, o.Target, o)
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.ProposeDemand(callCtx, &dm)
	ok, text := respOK(resp)
	if err := c.acknowledged("ProposeDemand", start, ok, text, err); err != nil {
		return 0, err
	}
	c.node.Negotiation().ProposeDemand(dm)
	log.Debug().Uint64("client_id", c.id).Uint64("demand_id", id).Uint64("target_id", o.Target).Msg("sxclient.Client.ProposeDemand pending")
	return id, nil
}

// SelectSupply picks sp and returns the mbus id the exchange allocated for
// the match. The bus is added to this client's membership.
func (c *Client) SelectSupply(ctx context.Context, sp protocol.Supply) (uint64, error) {
	tgt := protocol.Target{
		ID:          c.node.GenerateID(),
		SenderID:    c.id,
		TargetID:    sp.ID,
		ChannelType: sp.ChannelType,
		MbusID:      protocol.NoMbus,
	}
	ex, err := c.conn()
	if err != nil {
		return 0, err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.SelectSupply(callCtx, &tgt)
	ok, text := confirmOK(resp)
	if err := c.acknowledged("SelectSupply", start, ok, text, err); err != nil {
		return 0, err
	}
	c.addMbus(resp.MbusID)
	log.Debug().Uint64("client_id", c.id).Uint64("supply_id", sp.ID).Uint64("mbus_id", resp.MbusID).Msg("sxclient.Client.SelectSupply matched")
	return resp.MbusID, nil
}

// SelectModifiedSupply selects sp.ID with a record the caller has rewritten,
// for example with a counter offer in ArgJSON.
func (c *Client) SelectModifiedSupply(ctx context.Context, sp protocol.Supply) (uint64, error) {
	modified := sp
	modified.TargetID = sp.ID
	modified.ID = c.node.GenerateID()
	modified.SenderID = c.id
	modified.MbusID = protocol.NoMbus
	modified.Timestamp = time.Now()
	ex, err := c.conn()
	if err != nil {
		return 0, err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.SelectModifiedSupply(callCtx, &modified)
	ok, text := confirmOK(resp)
	if err := c.acknowledged("SelectModifiedSupply", start, ok, text, err); err != nil {
		return 0, err
	}
	c.addMbus(resp.MbusID)
	log.Debug().Uint64("client_id", c.id).Uint64("supply_id", sp.ID).Uint64("mbus_id", resp.MbusID).Msg("sxclient.Client.SelectModifiedSupply matched")
	return resp.MbusID, nil
}

// SelectDemand picks dm and returns the allocated mbus id.
func (c *Client) SelectDemand(ctx context.Context, dm protocol.Demand) (uint64, error) {
	tgt := protocol.Target{
		ID:          c.node.GenerateID(),
		SenderID:    c.id,
		TargetID:    dm.ID,
		ChannelType: dm.ChannelType,
		MbusID:      protocol.NoMbus,
	}
	ex, err := c.conn()
	if err != nil {
		return 0, err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.SelectDemand(callCtx, &tgt)
	ok, text := confirmOK(resp)
	if err := c.acknowledged("SelectDemand", start, ok, text, err); err != nil {
		return 0, err
	}
	c.addMbus(resp.MbusID)
	log.Debug().Uint64("client_id", c.id).Uint64("demand_id", dm.ID).Uint64("mbus_id", resp.MbusID).Msg("sxclient.Client.SelectDemand matched")
	return resp.MbusID, nil
}

// Confirm accepts the selection id that a counterpart made against our
// pending proposal pid. id doubles as the mbus id of the match; it joins the
// membership and pid leaves the pending list.
func (c *Client) Confirm(ctx context.Context, id, pid uint64) error {
	tgt := protocol.Target{
		ID:          c.node.GenerateID(),
		SenderID:    c.id,
		TargetID:    id,
		ChannelType: c.channelType,
		MbusID:      id,
	}
	ex, err := c.conn()
	if err != nil {
		return err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.Confirm(callCtx, &tgt)
	ok, text := respOK(resp)
	if err := c.acknowledged("Confirm", start, ok, text, err); err != nil {
		return err
	}
	c.addMbus(id)

	state := c.node.Negotiation()
	switch {
	case state.ProposedSupplyIndex(pid) >= 0:
		state.SelectSupply(pid)
	case state.ProposedDemandIndex(pid) >= 0:
		state.SelectDemand(pid)
	default:
		log.Warn().Uint64("client_id", c.id).Uint64("proposal_id", pid).Msg("sxclient.Client.Confirm proposal not pending")
	}
	log.Debug().Uint64("client_id", c.id).Uint64("mbus_id", id).Uint64("proposal_id", pid).Msg("sxclient.Client.Confirm done")
	return nil
}

// CloseDemandChannel ends this client's demand subscription on the exchange.
func (c *Client) CloseDemandChannel(ctx context.Context) error {
	return c.closeChannel(ctx, "CloseDemandChannel")
}

func (c *Client) CloseSupplyChannel(ctx context.Context) error {
	return c.closeChannel(ctx, "CloseSupplyChannel")
}

func (c *Client) closeChannel(ctx context.Context, op string) error {
	ex, err := c.conn()
	if err != nil {
		return err
	}
	ch := c.Channel()
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var resp *protocol.Response
	if op == "CloseDemandChannel" {
		resp, err = ex.CloseDemandChannel(callCtx, &ch)
	} else {
		resp, err = ex.CloseSupplyChannel(callCtx, &ch)
	}
	ok, text := respOK(resp)
	return c.acknowledged(op, start, ok, text, err)
}

// CloseAllChannels ends every subscription this client holds.
func (c *Client) CloseAllChannels(ctx context.Context) error {
	ex, err := c.conn()
	if err != nil {
		return err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.CloseAllChannels(callCtx, &protocol.ProviderID{ClientID: c.id, ArgJSON: c.argJSON})
	ok, text := respOK(resp)
	return c.acknowledged("CloseAllChannels", start, ok, text, err)
}
