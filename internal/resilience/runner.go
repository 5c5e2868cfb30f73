// Package resilience keeps a subscription alive across stream failures by
// re-dialing the exchange after a fixed pause.
package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/sxutil/internal/observability"
	"github.com/danmuck/sxutil/internal/sxclient"
	"github.com/rs/zerolog/log"
)

// Reconnector re-establishes the transport at its last known address.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// SubscribeFunc blocks for the life of one stream. streamClosed reports
// whether the loop ended by closure of an open stream.
type SubscribeFunc func(ctx context.Context) (streamClosed bool, err error)

// Runner drives one subscription loop. Stop ends it after the current stream.
type Runner struct {
	kind  string
	wait  time.Duration
	clock clock.Clock

	stop     atomic.Bool
	restarts atomic.Uint64
}

// New returns a runner that pauses wait between streams. clk may be nil.
func New(kind string, wait time.Duration, clk clock.Clock) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{kind: kind, wait: wait, clock: clk}
}

func (r *Runner) Stop() {
	r.stop.Store(true)
}

func (r *Runner) Stopped() bool {
	return r.stop.Load()
}

// Restarts counts how many times the loop re-dialed.
func (r *Runner) Restarts() uint64 {
	return r.restarts.Load()
}

// Run calls subscribe until Stop is called or ctx ends. After every stream,
// whatever its outcome, it waits the fixed delay and reconnects conn. A
// failed reconnect is logged and the next subscribe surfaces it.
func (r *Runner) Run(ctx context.Context, conn Reconnector, subscribe SubscribeFunc) error {
	for !r.stop.Load() {
		if ctx.Err() != nil {
			return nil
		}
		streamClosed, err := subscribe(ctx)
		if err != nil {
			log.Warn().Err(err).Str("kind", r.kind).Bool("stream_closed", streamClosed).Msg("resilience.Runner stream ended")
		} else {
			log.Debug().Str("kind", r.kind).Bool("stream_closed", streamClosed).Msg("resilience.Runner stream ended")
		}
		if r.stop.Load() {
			break
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(r.wait):
		}

		r.restarts.Add(1)
		observability.RecordSubscriptionRestart(r.kind)
		if err := conn.Reconnect(ctx); err != nil {
			log.Warn().Err(err).Str("kind", r.kind).Msg("resilience.Runner reconnect failed")
			continue
		}
		log.Info().Str("kind", r.kind).Uint64("restarts", r.restarts.Load()).Msg("resilience.Runner reconnected")
	}
	log.Info().Str("kind", r.kind).Msg("resilience.Runner stopped")
	return nil
}

// Demand keeps c subscribed to demands.
func (r *Runner) Demand(ctx context.Context, c *sxclient.Client, fn sxclient.DemandFunc) error {
	return r.Run(ctx, c, func(ctx context.Context) (bool, error) {
		return c.SubscribeDemand(ctx, fn)
	})
}

// Supply keeps c subscribed to supplies.
func (r *Runner) Supply(ctx context.Context, c *sxclient.Client, fn sxclient.SupplyFunc) error {
	return r.Run(ctx, c, func(ctx context.Context) (bool, error) {
		return c.SubscribeSupply(ctx, fn)
	})
}

// Mbus keeps c subscribed to bus id while c is still a member.
func (r *Runner) Mbus(ctx context.Context, c *sxclient.Client, id uint64, fn sxclient.MbusFunc) error {
	return r.Run(ctx, c, func(ctx context.Context) (bool, error) {
		if !c.HasMbus(id) {
			r.Stop()
			return false, nil
		}
		return c.SubscribeMbus(ctx, id, fn)
	})
}

// Kinds used for metrics labels.
const (
	KindDemand = "demand"
	KindSupply = "supply"
	KindMbus   = "mbus"
)
