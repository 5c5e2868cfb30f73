package main

import (
	"context"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/sxclient"
	"github.com/rs/zerolog/log"
)

// provider logs every record it sees and accepts every selection of its own
// proposals. Confirmed matches hand their mbus id to joined.
type provider struct {
	joined func(c *sxclient.Client, mbusID uint64)
}

var (
	_ sxclient.DemandHandler = (*provider)(nil)
	_ sxclient.SupplyHandler = (*provider)(nil)
)

func (p *provider) OnNotifyDemand(_ context.Context, c *sxclient.Client, dm protocol.Demand) {
	log.Info().
		Uint64("client_id", c.ClientID()).
		Uint64("demand_id", dm.ID).
		Uint64("sender_id", dm.SenderID).
		Str("name", dm.Name).
		Msg("sxnodectl.provider demand")
}

func (p *provider) OnSelectSupply(_ context.Context, c *sxclient.Client, dm protocol.Demand) bool {
	log.Info().
		Uint64("client_id", c.ClientID()).
		Uint64("supply_id", dm.TargetID).
		Uint64("mbus_id", dm.MbusID).
		Msg("sxnodectl.provider supply selected")
	return true
}

func (p *provider) OnNotifySupply(_ context.Context, c *sxclient.Client, sp protocol.Supply) {
	log.Info().
		Uint64("client_id", c.ClientID()).
		Uint64("supply_id", sp.ID).
		Uint64("sender_id", sp.SenderID).
		Str("name", sp.Name).
		Msg("sxnodectl.provider supply")
}

func (p *provider) OnSelectDemand(_ context.Context, c *sxclient.Client, sp protocol.Supply) bool {
	log.Info().
		Uint64("client_id", c.ClientID()).
		Uint64("demand_id", sp.TargetID).
		Uint64("mbus_id", sp.MbusID).
		Msg("sxnodectl.provider demand selected")
	return true
}

func (p *provider) OnConfirmResult(_ context.Context, c *sxclient.Client, mbusID uint64, err error) {
	if err != nil {
		log.Warn().Err(err).Uint64("client_id", c.ClientID()).Uint64("mbus_id", mbusID).Msg("sxnodectl.provider confirm failed")
		return
	}
	log.Info().Uint64("client_id", c.ClientID()).Uint64("mbus_id", mbusID).Msg("sxnodectl.provider confirmed")
	if p.joined != nil {
		p.joined(c, mbusID)
	}
}

func logMbusMsg(_ context.Context, c *sxclient.Client, msg protocol.MbusMsg) {
	log.Info().
		Uint64("client_id", c.ClientID()).
		Uint64("mbus_id", msg.MbusID).
		Uint64("msg_id", msg.MsgID).
		Uint64("sender_id", msg.SenderID).
		Uint32("type", msg.MsgType).
		Msg("sxnodectl.provider mbus message")
}
