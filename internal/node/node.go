package node

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/sxutil/internal/idgen"
	"github.com/danmuck/sxutil/internal/nodestate"
	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/protocol/session"
	"github.com/danmuck/sxutil/internal/transport"
)

var (
	ErrRegisterFailed = errors.New("node: register failed")
	ErrNotRegistered  = errors.New("node: not registered")
	ErrNameRequired   = errors.New("node: name required")
	ErrNoDialer       = errors.New("node: dialer required")
)

// ServerOpt overrides registration defaults.
type ServerOpt struct {
	NodeType   protocol.NodeType
	ServerInfo string
	ClusterID  int32
	AreaID     string
	GwInfo     string
}

// Config holds the node's timing and host-sampling collaborators.
type Config struct {
	Session    session.Config
	BinVersion string
	Clock      clock.Clock
	Sampler    HostSampler
}

func DefaultConfig() Config {
	return Config{
		Session:    session.DefaultConfig(),
		BinVersion: "dev",
		Clock:      clock.New(),
		Sampler:    HostStats{},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Session = c.Session.WithDefaults()
	if c.BinVersion == "" {
		c.BinVersion = def.BinVersion
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.Sampler == nil {
		c.Sampler = def.Sampler
	}
	return c
}

// CommandFunc receives directory commands the node hands to the application.
type CommandFunc func(cmd protocol.KeepAliveCommand, errText string)

// Node owns the identity assigned by the directory service and the
// negotiation state shared by its service clients.
type Node struct {
	cfg    Config
	dialer transport.Dialer
	ids    *idgen.Generator
	state  *nodestate.State

	// mu guards the fields below. It is never held across an RPC.
	mu       sync.RWMutex
	dir      transport.Directory
	dirAddr  string
	name     string
	channels []uint32
	opt      ServerOpt
	id       protocol.NodeID
	health   protocol.NodeUpdate

	lifecycle atomic.Int32
	msgCount  atomic.Uint64
}

func New(dialer transport.Dialer, cfg Config) *Node {
	return &Node{
		cfg:    cfg.WithDefaults(),
		dialer: dialer,
		ids:    idgen.MustNew(0),
		state:  nodestate.New(),
		id:     protocol.NodeID{NodeID: -1},
	}
}

// Negotiation returns the tracker shared by this node's service clients.
func (n *Node) Negotiation() *nodestate.State {
	return n.state
}

// Session returns the protocol timings the node was built with.
func (n *Node) Session() session.Config {
	return n.cfg.Session
}

func (n *Node) Dialer() transport.Dialer {
	return n.dialer
}

// GenerateID draws the next id from the node's generator.
func (n *Node) GenerateID() uint64 {
	return n.ids.Generate()
}

func (n *Node) Lifecycle() Lifecycle {
	return Lifecycle(n.lifecycle.Load())
}

func (n *Node) setLifecycle(l Lifecycle) {
	n.lifecycle.Store(int32(l))
}

// Identity returns a copy of the current identity. Secret is zero when the
// node is not registered.
func (n *Node) Identity() protocol.NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.id
}

// Health returns a copy of the payload sent on the last heartbeat.
func (n *Node) Health() protocol.NodeUpdate {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := n.health
	if out.Status != nil {
		status := *out.Status
		out.Status = &status
	}
	return out
}

func (n *Node) Registered() bool {
	return n.Identity().Registered()
}

func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *Node) NodeType() protocol.NodeType {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.opt.NodeType
}

func (n *Node) DirectoryAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dirAddr
}

func (n *Node) Channels() []uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]uint32(nil), n.channels...)
}

// SetNodeStatus is carried on the next heartbeat.
func (n *Node) SetNodeStatus(status int32, arg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health.NodeStatus = status
	n.health.NodeArg = arg
}

// MsgCountUp counts one handled message toward the next heartbeat's status.
func (n *Node) MsgCountUp() {
	n.msgCount.Add(1)
}

// Close releases the directory connection without unregistering.
func (n *Node) Close() error {
	n.mu.Lock()
	dir := n.dir
	n.dir = nil
	n.mu.Unlock()
	if dir == nil {
		return nil
	}
	return dir.Close()
}
