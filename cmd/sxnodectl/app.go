package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/sxutil/internal/auth"
	"github.com/danmuck/sxutil/internal/config"
	"github.com/danmuck/sxutil/internal/node"
	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/protocol/session"
	"github.com/danmuck/sxutil/internal/resilience"
	"github.com/danmuck/sxutil/internal/shutdown"
	"github.com/danmuck/sxutil/internal/status"
	"github.com/danmuck/sxutil/internal/sxclient"
	"github.com/danmuck/sxutil/internal/transport"
	"github.com/danmuck/sxutil/internal/transport/grpcwire"
	"github.com/danmuck/sxutil/internal/transport/memory"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const memoryExchangeAddr = "mem:exchange"

var (
	ErrServerChange = errors.New("sxnodectl: directory requested server change")
	ErrNodeLeft     = errors.New("sxnodectl: node left the directory")
)

// app is one registered node with its service clients.
type app struct {
	cfg     config.NodeConfig
	node    *node.Node
	status  *status.Server
	cleanup *shutdown.Registry
	clients []*sxclient.Client
	clock   clock.Clock

	mu       sync.Mutex
	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelCauseFunc
	runners  []*resilience.Runner
}

func newDialer(cfg config.NodeConfig, sess session.Config) transport.Dialer {
	if cfg.Transport == config.TransportMemory {
		return memory.NewDialer(memory.NewDirectory(10), memory.NewBroker())
	}
	return grpcwire.NewDialer(sess)
}

// start registers the node and dials one client per configured channel.
// On failure everything opened so far is released.
func start(ctx context.Context, cfg config.NodeConfig, nodeCfg node.Config, dialer transport.Dialer) (*app, error) {
	a := &app{
		cfg:     cfg,
		node:    node.New(dialer, nodeCfg),
		cleanup: shutdown.New(),
		clock:   nodeCfg.Clock,
	}
	if a.clock == nil {
		a.clock = clock.New()
	}

	serverInfo, err := a.node.Register(ctx, cfg.DirectoryAddr, cfg.Name, cfg.Channels(), cfg.ServerOpt())
	if err != nil {
		_ = a.node.Close()
		return nil, err
	}
	var guard auth.Validator
	if cfg.StatusToken != "" {
		guard = auth.StaticToken{Token: cfg.StatusToken}
	}
	a.status = status.New(a.node, cfg.StatusAddr, cfg.CorsOrigins, guard)

	addr := exchangeAddr(cfg, serverInfo)
	for _, cc := range cfg.Clients {
		c, err := sxclient.Dial(ctx, a.node, addr, cc.ChannelType, cc.ArgJSON)
		if err != nil {
			a.closeClients(ctx)
			a.leave(ctx)
			return nil, fmt.Errorf("dial exchange %s channel %d: %w", addr, cc.ChannelType, err)
		}
		a.clients = append(a.clients, c)
		a.status.Track(c)
	}

	a.cleanup.Add("clients", a.closeClients)
	a.cleanup.Add("node", a.leave)
	log.Info().
		Str("name", cfg.Name).
		Int32("node_id", a.node.Identity().NodeID).
		Str("exchange", addr).
		Int("clients", len(a.clients)).
		Msg("sxnodectl.start ready")
	return a, nil
}

func exchangeAddr(cfg config.NodeConfig, serverInfo string) string {
	if addr := strings.TrimSpace(cfg.ExchangeAddr); addr != "" {
		return addr
	}
	if addr := strings.TrimSpace(serverInfo); addr != "" {
		return addr
	}
	if cfg.Transport == config.TransportMemory {
		return memoryExchangeAddr
	}
	return ""
}

// run blocks until ctx ends or the directory takes the node out of service.
func (a *app) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	g, gctx := errgroup.WithContext(runCtx)

	a.mu.Lock()
	a.group, a.groupCtx, a.cancel = g, gctx, cancel
	a.mu.Unlock()

	g.Go(func() error {
		err := a.node.RunHeartbeat(gctx, a.onCommand)
		if err != nil {
			return err
		}
		if gctx.Err() == nil {
			return ErrNodeLeft
		}
		return nil
	})

	h := &provider{joined: a.joinMbus}
	wait := a.node.Session().ReconnectWait
	for i, c := range a.clients {
		c := c // per-iteration copy; go.mod targets go1.21 loop semantics
		cc := a.cfg.Clients[i]
		if cc.Subscribes(config.SubscribeDemand) {
			r := a.track(resilience.New(resilience.KindDemand, wait, a.clock))
			g.Go(func() error { return r.Demand(gctx, c, sxclient.DemandDispatcher(h)) })
		}
		if cc.Subscribes(config.SubscribeSupply) {
			r := a.track(resilience.New(resilience.KindSupply, wait, a.clock))
			g.Go(func() error { return r.Supply(gctx, c, sxclient.SupplyDispatcher(h)) })
		}
	}

	if strings.TrimSpace(a.cfg.StatusAddr) != "" {
		g.Go(func() error { return a.status.Serve(gctx) })
	}

	err := g.Wait()
	a.stopRunners()
	if cause := context.Cause(runCtx); errors.Is(cause, ErrServerChange) {
		return cause
	}
	return err
}

func (a *app) track(r *resilience.Runner) *resilience.Runner {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runners = append(a.runners, r)
	return r
}

func (a *app) stopRunners() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.runners {
		r.Stop()
	}
}

// joinMbus follows a confirmed match onto its message bus.
func (a *app) joinMbus(c *sxclient.Client, id uint64) {
	a.mu.Lock()
	g, gctx := a.group, a.groupCtx
	a.mu.Unlock()
	if g == nil || gctx.Err() != nil {
		return
	}
	r := a.track(resilience.New(resilience.KindMbus, a.node.Session().ReconnectWait, a.clock))
	g.Go(func() error { return r.Mbus(gctx, c, id, logMbusMsg) })
}

func (a *app) onCommand(cmd protocol.KeepAliveCommand, text string) {
	switch cmd {
	case protocol.CommandServerChange:
		log.Warn().Str("text", text).Msg("sxnodectl.app server change, stopping")
		a.mu.Lock()
		cancel := a.cancel
		a.mu.Unlock()
		if cancel != nil {
			cancel(ErrServerChange)
		}
	case protocol.CommandProviderDisconnect:
		log.Warn().Str("text", text).Msg("sxnodectl.app provider disconnected")
	default:
		log.Info().Str("command", cmd.String()).Msg("sxnodectl.app command")
	}
}

func (a *app) closeClients(ctx context.Context) {
	for _, c := range a.clients {
		if err := c.CloseAllChannels(ctx); err != nil {
			log.Warn().Err(err).Uint64("client_id", c.ClientID()).Msg("sxnodectl.app close channels failed")
		}
		a.status.Untrack(c)
		_ = c.Close()
	}
}

func (a *app) leave(ctx context.Context) {
	a.node.Unregister(ctx)
	_ = a.node.Close()
}
