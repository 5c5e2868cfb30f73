package node

import (
	"context"
	"time"

	"github.com/danmuck/sxutil/internal/observability"
	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/rs/zerolog/log"
)

// RunHeartbeat sends a keepalive every keepalive interval until the node is
// unregistered or ctx ends. Keepalive failures are logged and retried on the
// next tick. onCommand may be nil.
func (n *Node) RunHeartbeat(ctx context.Context, onCommand CommandFunc) error {
	if !n.Registered() {
		return ErrNotRegistered
	}
	interval := n.keepaliveInterval()
	ticker := n.cfg.Clock.Ticker(interval)
	defer func() { ticker.Stop() }()

	log.Info().Int32("node_id", n.Identity().NodeID).Dur("interval", interval).Msg("node.Node.RunHeartbeat started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("node.Node.RunHeartbeat stopped")
			return nil
		case <-ticker.C:
		}
		if !n.heartbeat(ctx, onCommand) {
			log.Info().Msg("node.Node.RunHeartbeat unregistered, exiting")
			return nil
		}
		if next := n.keepaliveInterval(); next != interval {
			ticker.Stop()
			interval = next
			ticker = n.cfg.Clock.Ticker(interval)
			log.Debug().Dur("interval", interval).Msg("node.Node.RunHeartbeat interval changed")
		}
	}
}

func (n *Node) keepaliveInterval() time.Duration {
	n.mu.RLock()
	secs := n.id.KeepaliveDuration
	n.mu.RUnlock()
	if secs <= 0 {
		return n.cfg.Session.DefaultKeepalive
	}
	return time.Duration(secs) * time.Second
}

// heartbeat runs one tick. It reports false once the node is no longer
// registered.
func (n *Node) heartbeat(ctx context.Context, onCommand CommandFunc) bool {
	count := n.msgCount.Swap(0)

	n.mu.RLock()
	dir := n.dir
	registered := n.id.Registered()
	nodeType := n.opt.NodeType
	n.mu.RUnlock()
	if !registered || dir == nil {
		return false
	}

	var status *protocol.ServerStatus
	if nodeType == protocol.NodeServer {
		cpu, memory, err := n.cfg.Sampler.Sample(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("node.Node.heartbeat host sample failed")
		}
		status = &protocol.ServerStatus{CPU: cpu, Memory: memory, MsgCount: count}
	}

	n.mu.Lock()
	if status != nil {
		n.health.Status = status
	}
	n.health.UpdateCount++
	upd := n.health
	n.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, n.cfg.Session.MsgTimeout)
	start := time.Now()
	resp, err := dir.KeepAlive(callCtx, &upd)
	cancel()
	outcome := observability.ObserveCall("KeepAlive", start, err, err == nil && resp != nil && resp.OK)
	observability.RecordHeartbeat(outcome)
	if err != nil {
		log.Warn().Err(err).Int32("node_id", upd.NodeID).Msg("node.Node.heartbeat keepalive failed")
		return true
	}
	if resp == nil {
		return true
	}
	if !resp.OK {
		log.Warn().Int32("node_id", upd.NodeID).Str("reason", resp.Err).Msg("node.Node.heartbeat keepalive not acknowledged")
	}
	n.handleCommand(ctx, resp, onCommand)
	return true
}

func (n *Node) handleCommand(ctx context.Context, resp *protocol.KeepAliveResponse, onCommand CommandFunc) {
	if resp.Command == protocol.CommandNone {
		return
	}
	observability.RecordKeepAliveCommand(resp.Command.String())
	log.Info().Str("command", resp.Command.String()).Str("text", resp.Err).Msg("node.Node.heartbeat directory command")

	switch resp.Command {
	case protocol.CommandReconnect:
		if err := n.Reconnect(ctx); err != nil {
			log.Error().Err(err).Msg("node.Node.heartbeat reconnect failed")
		}
	case protocol.CommandServerChange:
		n.serverChange(ctx, resp, onCommand)
	case protocol.CommandProviderDisconnect:
		if n.NodeType() != protocol.NodeServer {
			log.Warn().Str("node_type", n.NodeType().String()).Msg("node.Node.heartbeat provider disconnect sent to non-server node")
			return
		}
		if onCommand != nil {
			onCommand(resp.Command, resp.Err)
		}
	default:
		log.Warn().Int32("command", int32(resp.Command)).Msg("node.Node.heartbeat unknown command")
	}
}

// serverChange leaves the directory when no negotiation is pending. Otherwise
// it locks the negotiation state and resets it after the migration wait.
func (n *Node) serverChange(ctx context.Context, resp *protocol.KeepAliveResponse, onCommand CommandFunc) {
	safe, raised := n.state.LockIfUnsafe()
	if safe {
		n.Unregister(ctx)
		if onCommand != nil {
			onCommand(resp.Command, resp.Err)
		}
		n.state.Init()
		observability.SetNegotiationLocked(false)
		return
	}
	if !raised {
		log.Debug().Msg("node.Node.serverChange already locked")
		return
	}
	observability.SetNegotiationLocked(true)
	log.Warn().Dur("wait", n.cfg.Session.MigrationWait).Msg("node.Node.serverChange negotiation pending, locked")
	n.cfg.Clock.AfterFunc(n.cfg.Session.MigrationWait, func() {
		n.state.Init()
		observability.SetNegotiationLocked(false)
		log.Info().Msg("node.Node.serverChange migration wait elapsed, state reset")
	})
}
