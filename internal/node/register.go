package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/sxutil/internal/observability"
	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/transport"
	"github.com/rs/zerolog/log"
)

// Register connects to the directory at addr and stores the identity it
// assigns. It returns the exchange server address the directory reported.
// opt may be nil for a Provider in the default area.
func (n *Node) Register(ctx context.Context, addr, name string, channels []uint32, opt *ServerOpt) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrNameRequired
	}
	if n.dialer == nil {
		return "", ErrNoDialer
	}
	resolved := ServerOpt{AreaID: protocol.DefaultAreaID}
	if opt != nil {
		resolved = *opt
		if resolved.AreaID == "" {
			resolved.AreaID = protocol.DefaultAreaID
		}
	}

	prev := n.Lifecycle()
	n.setLifecycle(Registering)
	dir, err := n.dialer.DialDirectory(ctx, addr)
	if err != nil {
		n.setLifecycle(prev)
		log.Error().Err(err).Str("addr", addr).Msg("node.Node.Register dial failed")
		return "", fmt.Errorf("%w: dial %s: %w", ErrRegisterFailed, addr, err)
	}

	n.mu.RLock()
	withID := n.id.NodeID
	n.mu.RUnlock()

	b := &binding{
		dir:      dir,
		addr:     addr,
		name:     name,
		channels: append([]uint32(nil), channels...),
		opt:      resolved,
	}
	id, old, err := n.registerOnce(ctx, dir, n.nodeInfo(name, channels, resolved, withID), b)
	if err != nil {
		_ = dir.Close()
		if prev == Registering {
			prev = Unregistered
		}
		n.setLifecycle(prev)
		return "", err
	}
	if old != nil && old != dir {
		_ = old.Close()
	}
	log.Info().
		Int32("node_id", id.NodeID).
		Str("name", name).
		Str("node_type", resolved.NodeType.String()).
		Str("server_info", id.ServerInfo).
		Int32("keepalive", id.KeepaliveDuration).
		Msg("node.Node.Register registered")
	return id.ServerInfo, nil
}

// Reconnect re-registers against the last directory address and asks to
// keep the current node id.
func (n *Node) Reconnect(ctx context.Context) error {
	n.mu.RLock()
	dir := n.dir
	name := n.name
	channels := append([]uint32(nil), n.channels...)
	opt := n.opt
	withID := n.id.NodeID
	n.mu.RUnlock()
	if dir == nil {
		return ErrNotRegistered
	}

	prev := n.Lifecycle()
	n.setLifecycle(Reconnecting)
	id, _, err := n.registerOnce(ctx, dir, n.nodeInfo(name, channels, opt, withID), nil)
	if err != nil {
		n.setLifecycle(prev)
		return err
	}
	log.Info().
		Int32("node_id", id.NodeID).
		Int32("previous_id", withID).
		Msg("node.Node.Reconnect registered")
	return nil
}

func (n *Node) nodeInfo(name string, channels []uint32, opt ServerOpt, withID int32) *protocol.NodeInfo {
	return &protocol.NodeInfo{
		NodeName:         name,
		NodeType:         opt.NodeType,
		ServerInfo:       opt.ServerInfo,
		NodePbaseVersion: protocol.ChannelTypeVersion,
		WithNodeID:       withID,
		ClusterID:        opt.ClusterID,
		AreaID:           opt.AreaID,
		ChannelTypes:     append([]uint32(nil), channels...),
		GwInfo:           opt.GwInfo,
		BinVersion:       n.cfg.BinVersion,
	}
}

// binding is the directory target a Register call switches to once the
// directory accepts it.
type binding struct {
	dir      transport.Directory
	addr     string
	name     string
	channels []uint32
	opt      ServerOpt
}

// registerOnce sends one registration and commits the returned identity,
// along with b when it is non-nil. It returns the directory b replaced. On
// failure the node is left untouched.
func (n *Node) registerOnce(ctx context.Context, dir transport.Directory, info *protocol.NodeInfo, b *binding) (protocol.NodeID, transport.Directory, error) {
	callCtx, cancel := context.WithTimeout(ctx, n.cfg.Session.MsgTimeout)
	defer cancel()

	start := time.Now()
	id, err := dir.RegisterNode(callCtx, info)
	rejected := err == nil && (id == nil || id.KeepaliveDuration == -1)
	observability.ObserveCall("RegisterNode", start, err, !rejected)
	if err != nil {
		log.Error().Err(err).Str("name", info.NodeName).Msg("node.Node.register rpc failed")
		return protocol.NodeID{}, nil, fmt.Errorf("%w: %w", ErrRegisterFailed, err)
	}
	if rejected {
		log.Error().Str("name", info.NodeName).Msg("node.Node.register rejected by directory")
		return protocol.NodeID{}, nil, fmt.Errorf("%w: rejected by directory", ErrRegisterFailed)
	}
	if err := n.ids.Reseed(int64(id.NodeID)); err != nil {
		log.Error().Err(err).Int32("node_id", id.NodeID).Msg("node.Node.register reseed failed")
		return protocol.NodeID{}, nil, fmt.Errorf("%w: %w", ErrRegisterFailed, err)
	}

	var old transport.Directory
	n.mu.Lock()
	if b != nil {
		old = n.dir
		n.dir = b.dir
		n.dirAddr = b.addr
		n.name = b.name
		n.channels = b.channels
		n.opt = b.opt
	}
	n.id = *id
	n.health = protocol.NodeUpdate{
		NodeID:     id.NodeID,
		Secret:     id.Secret,
		NodeStatus: n.health.NodeStatus,
		NodeArg:    n.health.NodeArg,
	}
	n.mu.Unlock()
	n.setLifecycle(Active)
	return *id, old, nil
}

// Unregister tells the directory this node is leaving. The local secret is
// zeroed whatever the directory answers, which ends RunHeartbeat.
func (n *Node) Unregister(ctx context.Context) {
	n.mu.RLock()
	dir := n.dir
	id := n.id
	n.mu.RUnlock()

	if dir != nil && id.Registered() {
		callCtx, cancel := context.WithTimeout(ctx, n.cfg.Session.MsgTimeout)
		start := time.Now()
		resp, err := dir.UnRegisterNode(callCtx, &id)
		cancel()
		observability.ObserveCall("UnRegisterNode", start, err, err == nil && resp != nil && resp.OK)
		switch {
		case err != nil:
			log.Warn().Err(err).Int32("node_id", id.NodeID).Msg("node.Node.Unregister rpc failed")
		case resp == nil || !resp.OK:
			text := ""
			if resp != nil {
				text = resp.Err
			}
			log.Warn().Int32("node_id", id.NodeID).Str("reason", text).Msg("node.Node.Unregister not acknowledged")
		default:
			log.Info().Int32("node_id", id.NodeID).Msg("node.Node.Unregister done")
		}
	} else {
		log.Debug().Int32("node_id", id.NodeID).Msg("node.Node.Unregister not registered, clearing local identity")
	}

	n.mu.Lock()
	n.id.Secret = 0
	n.health.Secret = 0
	n.mu.Unlock()
	n.setLifecycle(Unregistered)
}

// NodeName asks the directory for the name of nodeID. It returns "Unknown"
// when the lookup fails for any reason.
func (n *Node) NodeName(ctx context.Context, nodeID int32) string {
	n.mu.RLock()
	dir := n.dir
	n.mu.RUnlock()
	if dir == nil {
		return "Unknown"
	}
	callCtx, cancel := context.WithTimeout(ctx, n.cfg.Session.MsgTimeout)
	defer cancel()
	info, err := dir.QueryNode(callCtx, &protocol.NodeID{NodeID: nodeID})
	if err != nil || info == nil {
		log.Debug().Err(err).Int32("node_id", nodeID).Msg("node.Node.NodeName query failed")
		return "Unknown"
	}
	return info.NodeName
}
