package sxclient

import (
	"context"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/rs/zerolog/log"
)

// DemandHandler is implemented by supply-side applications that watch a
// channel for demands.
type DemandHandler interface {
	// OnNotifyDemand receives broadcast demands and proposals.
	OnNotifyDemand(ctx context.Context, c *Client, dm protocol.Demand)
	// OnSelectSupply receives a counterpart's selection of one of our
	// pending supplies. Returning true confirms the match.
	OnSelectSupply(ctx context.Context, c *Client, dm protocol.Demand) bool
	// OnConfirmResult reports the outcome of a confirm made on our behalf.
	OnConfirmResult(ctx context.Context, c *Client, mbusID uint64, err error)
}

// SupplyHandler is the mirror of DemandHandler for demand-side applications.
type SupplyHandler interface {
	OnNotifySupply(ctx context.Context, c *Client, sp protocol.Supply)
	OnSelectDemand(ctx context.Context, c *Client, sp protocol.Supply) bool
	OnConfirmResult(ctx context.Context, c *Client, mbusID uint64, err error)
}

// DemandDispatcher routes each demand to h. A demand targeting one of this
// node's pending supplies is a selection; anything else is a notification.
func DemandDispatcher(h DemandHandler) DemandFunc {
	return func(ctx context.Context, c *Client, dm protocol.Demand) {
		if dm.TargetID == 0 || c.node.Negotiation().ProposedSupplyIndex(dm.TargetID) < 0 {
			h.OnNotifyDemand(ctx, c, dm)
			return
		}
		if !h.OnSelectSupply(ctx, c, dm) {
			log.Info().Uint64("client_id", c.id).Uint64("supply_id", dm.TargetID).Msg("sxclient.DemandDispatcher selection declined")
			return
		}
		err := c.Confirm(ctx, dm.ID, dm.TargetID)
		h.OnConfirmResult(ctx, c, dm.ID, err)
	}
}

// SupplyDispatcher routes each supply to h. A supply targeting one of this
// node's pending demands is a selection.
func SupplyDispatcher(h SupplyHandler) SupplyFunc {
	return func(ctx context.Context, c *Client, sp protocol.Supply) {
		if sp.TargetID == 0 || c.node.Negotiation().ProposedDemandIndex(sp.TargetID) < 0 {
			h.OnNotifySupply(ctx, c, sp)
			return
		}
		if !h.OnSelectDemand(ctx, c, sp) {
			log.Info().Uint64("client_id", c.id).Uint64("demand_id", sp.TargetID).Msg("sxclient.SupplyDispatcher selection declined")
			return
		}
		err := c.Confirm(ctx, sp.ID, sp.TargetID)
		h.OnConfirmResult(ctx, c, sp.ID, err)
	}
}
