package sxclient

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/rs/zerolog/log"
)

// CreateMbus asks the exchange for a new bus and joins it.
func (c *Client) CreateMbus(ctx context.Context, opt protocol.MbusOpt) (protocol.Mbus, error) {
	ex, err := c.conn()
	if err != nil {
		return protocol.Mbus{}, err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	mb, err := ex.CreateMbus(callCtx, &opt)
	if err := c.acknowledged("CreateMbus", start, mb != nil, "empty response", err); err != nil {
		return protocol.Mbus{}, err
	}
	out := *mb
	out.ClientID = c.id
	c.addMbus(out.MbusID)
	log.Debug().Uint64("client_id", c.id).Uint64("mbus_id", out.MbusID).Msg("sxclient.Client.CreateMbus created")
	return out, nil
}

// CloseMbus closes a bus this client belongs to. It returns false without
// contacting the exchange when id is not a member.
func (c *Client) CloseMbus(ctx context.Context, id uint64) (bool, error) {
	if !c.HasMbus(id) {
		log.Warn().Uint64("client_id", c.id).Uint64("mbus_id", id).Msg("sxclient.Client.CloseMbus not a member")
		return false, nil
	}
	ex, err := c.conn()
	if err != nil {
		return false, err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.CloseMbus(callCtx, &protocol.Mbus{ClientID: c.id, MbusID: id})
	ok, text := respOK(resp)
	if err := c.acknowledged("CloseMbus", start, ok, text, err); err != nil {
		return false, err
	}
	c.removeMbus(id)
	log.Debug().Uint64("client_id", c.id).Uint64("mbus_id", id).Msg("sxclient.Client.CloseMbus closed")
	return true, nil
}

// SendMbusMsg stamps msg with a fresh id and this client as sender, sends it
// on bus id and returns the message id.
func (c *Client) SendMbusMsg(ctx context.Context, id uint64, msg protocol.MbusMsg) (uint64, error) {
	members := c.MbusIDs()
	if len(members) == 0 {
		log.Error().Uint64("client_id", c.id).Msg("sxclient.Client.SendMbusMsg no mbus opened")
		return 0, ErrNoMbus
	}
	if !c.HasMbus(id) {
		log.Error().Uint64("client_id", c.id).Uint64("mbus_id", id).Msg("sxclient.Client.SendMbusMsg not a member")
		return 0, fmt.Errorf("%w: %d", ErrMbusNotMember, id)
	}
	msg.MsgID = c.node.GenerateID()
	msg.SenderID = c.id
	msg.MbusID = id

	ex, err := c.conn()
	if err != nil {
		return 0, err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := ex.SendMbusMsg(callCtx, &msg)
	ok, text := respOK(resp)
	if err := c.acknowledged("SendMbusMsg", start, ok, text, err); err != nil {
		return 0, err
	}
	return msg.MsgID, nil
}

// GetMbusState asks the exchange for the status of bus id.
func (c *Client) GetMbusState(ctx context.Context, id uint64) (protocol.MbusState, error) {
	ex, err := c.conn()
	if err != nil {
		return protocol.MbusState{}, err
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	state, err := ex.GetMbusState(callCtx, &protocol.Mbus{ClientID: c.id, MbusID: id})
	if err := c.acknowledged("GetMbusState", start, state != nil, "empty response", err); err != nil {
		return protocol.MbusState{}, err
	}
	return *state, nil
}
