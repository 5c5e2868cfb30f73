package sxclient

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/sxutil/internal/observability"
	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/rs/zerolog/log"
)

type DemandFunc func(ctx context.Context, c *Client, dm protocol.Demand)

type SupplyFunc func(ctx context.Context, c *Client, sp protocol.Supply)

type MbusFunc func(ctx context.Context, c *Client, msg protocol.MbusMsg)

// SubscribeDemand receives demands on the channel until the stream ends.
// Records that arrive while the negotiation state is locked are dropped.
// streamClosed is true when the loop ended because an open stream closed,
// and false when the stream could not be opened. err is nil when the stream
// ended cleanly or ctx was cancelled.
func (c *Client) SubscribeDemand(ctx context.Context, fn DemandFunc) (streamClosed bool, err error) {
	ex, err := c.conn()
	if err != nil {
		return false, err
	}
	ch := c.Channel()
	stream, err := ex.SubscribeDemand(ctx, &ch)
	if err != nil {
		log.Error().Err(err).Uint64("client_id", c.id).Msg("sxclient.Client.SubscribeDemand open failed")
		return false, fmt.Errorf("sxclient: SubscribeDemand: %w", err)
	}
	log.Debug().Uint64("client_id", c.id).Uint32("channel_type", c.channelType).Msg("sxclient.Client.SubscribeDemand started")
	for {
		dm, err := stream.Recv()
		if err != nil {
			return true, c.streamEnd(ctx, "demand", err)
		}
		if c.dropLocked("demand") {
			continue
		}
		c.node.MsgCountUp()
		fn(ctx, c, *dm)
	}
}

// SubscribeSupply receives supplies on the channel until the stream ends.
func (c *Client) SubscribeSupply(ctx context.Context, fn SupplyFunc) (streamClosed bool, err error) {
	ex, err := c.conn()
	if err != nil {
		return false, err
	}
	ch := c.Channel()
	stream, err := ex.SubscribeSupply(ctx, &ch)
	if err != nil {
		log.Error().Err(err).Uint64("client_id", c.id).Msg("sxclient.Client.SubscribeSupply open failed")
		return false, fmt.Errorf("sxclient: SubscribeSupply: %w", err)
	}
	log.Debug().Uint64("client_id", c.id).Uint32("channel_type", c.channelType).Msg("sxclient.Client.SubscribeSupply started")
	for {
		sp, err := stream.Recv()
		if err != nil {
			return true, c.streamEnd(ctx, "supply", err)
		}
		if c.dropLocked("supply") {
			continue
		}
		c.node.MsgCountUp()
		fn(ctx, c, *sp)
	}
}

// SubscribeMbus receives messages on bus id until the bus closes.
func (c *Client) SubscribeMbus(ctx context.Context, id uint64, fn MbusFunc) (streamClosed bool, err error) {
	ex, err := c.conn()
	if err != nil {
		return false, err
	}
	stream, err := ex.SubscribeMbus(ctx, &protocol.Mbus{ClientID: c.id, MbusID: id})
	if err != nil {
		log.Error().Err(err).Uint64("client_id", c.id).Uint64("mbus_id", id).Msg("sxclient.Client.SubscribeMbus open failed")
		return false, fmt.Errorf("sxclient: SubscribeMbus: %w", err)
	}
	log.Debug().Uint64("client_id", c.id).Uint64("mbus_id", id).Msg("sxclient.Client.SubscribeMbus started")
	for {
		msg, err := stream.Recv()
		if err != nil {
			return true, c.streamEnd(ctx, "mbus", err)
		}
		if c.dropLocked("mbus") {
			continue
		}
		c.node.MsgCountUp()
		fn(ctx, c, *msg)
	}
}

func (c *Client) dropLocked(kind string) bool {
	if !c.node.Negotiation().Locked() {
		return false
	}
	observability.RecordDropped(kind)
	log.Warn().Uint64("client_id", c.id).Str("kind", kind).Msg("sxclient.Client dropped while locked")
	return true
}

func (c *Client) streamEnd(ctx context.Context, kind string, err error) error {
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		log.Debug().Uint64("client_id", c.id).Str("kind", kind).Msg("sxclient.Client stream closed")
		return nil
	}
	log.Error().Err(err).Uint64("client_id", c.id).Str("kind", kind).Msg("sxclient.Client stream failed")
	return fmt.Errorf("sxclient: %s stream: %w", kind, err)
}
