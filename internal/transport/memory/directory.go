package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/transport"
)

var ErrUnknownNode = errors.New("memory: unknown node")

type nodeEntry struct {
	info       protocol.NodeInfo
	id         protocol.NodeID
	lastUpdate protocol.NodeUpdate
	lastSeen   time.Time
}

// DirectoryStats counts calls the directory has served.
type DirectoryStats struct {
	Registers   int
	KeepAlives  int
	Unregisters int
	Queries     int
}

// Directory assigns node identities and answers keepalives.
type Directory struct {
	mu        sync.Mutex
	nextID    int32
	seq       atomic.Uint64
	keepalive int32
	nodes     map[int32]*nodeEntry
	commands  []protocol.KeepAliveCommand
	scripted  []protocol.NodeID

	rejectRegister bool
	failRegister   error
	failKeepAlive  error
	failUnregister error
	stats          DirectoryStats
}

// NewDirectory returns a directory handing out keepaliveSeconds as the interval.
func NewDirectory(keepaliveSeconds int32) *Directory {
	return &Directory{
		nextID:    1,
		keepalive: keepaliveSeconds,
		nodes:     make(map[int32]*nodeEntry),
	}
}

// AssignNext makes the next registration receive exactly id.
func (d *Directory) AssignNext(id protocol.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripted = append(d.scripted, id)
}

// QueueCommand attaches cmd to the next keepalive reply.
func (d *Directory) QueueCommand(cmd protocol.KeepAliveCommand) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
}

// RejectRegistrations makes RegisterNode answer with keepalive_duration -1.
func (d *Directory) RejectRegistrations(reject bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectRegister = reject
}

func (d *Directory) FailRegister(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failRegister = err
}

func (d *Directory) FailKeepAlive(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failKeepAlive = err
}

func (d *Directory) FailUnregister(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failUnregister = err
}

func (d *Directory) Stats() DirectoryStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// LastUpdate returns the most recent keepalive payload for node id.
func (d *Directory) LastUpdate(id int32) (protocol.NodeUpdate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.nodes[id]
	if !ok {
		return protocol.NodeUpdate{}, false
	}
	return entry.lastUpdate, true
}

// Node returns the registration info for node id.
func (d *Directory) Node(id int32) (protocol.NodeInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.nodes[id]
	if !ok {
		return protocol.NodeInfo{}, false
	}
	return entry.info, true
}

func (d *Directory) register(info *protocol.NodeInfo) (*protocol.NodeID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Registers++
	if d.failRegister != nil {
		return nil, d.failRegister
	}
	if d.rejectRegister {
		return &protocol.NodeID{NodeID: -1, KeepaliveDuration: -1}, nil
	}

	var id protocol.NodeID
	switch {
	case len(d.scripted) > 0:
		id = d.scripted[0]
		d.scripted = d.scripted[1:]
	case info.WithNodeID > 0 && d.nodes[info.WithNodeID] != nil:
		id = protocol.NodeID{NodeID: info.WithNodeID}
	default:
		id = protocol.NodeID{NodeID: d.nextID}
		d.nextID++
	}
	if id.Secret == 0 {
		id.Secret = uint64(id.NodeID)<<32 | (d.seq.Add(1) & 0xffffffff)
	}
	if id.KeepaliveDuration == 0 {
		id.KeepaliveDuration = d.keepalive
	}
	d.nodes[id.NodeID] = &nodeEntry{info: *info, id: id, lastSeen: time.Now()}
	out := id
	return &out, nil
}

func (d *Directory) query(id *protocol.NodeID) (*protocol.NodeInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Queries++
	entry, ok := d.nodes[id.NodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id.NodeID)
	}
	info := entry.info
	return &info, nil
}

func (d *Directory) keepAlive(upd *protocol.NodeUpdate) (*protocol.KeepAliveResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.KeepAlives++
	if d.failKeepAlive != nil {
		return nil, d.failKeepAlive
	}
	entry, ok := d.nodes[upd.NodeID]
	if !ok || entry.id.Secret != upd.Secret {
		return &protocol.KeepAliveResponse{OK: false, Err: "unknown node or secret"}, nil
	}
	entry.lastUpdate = *upd
	if upd.Status != nil {
		status := *upd.Status
		entry.lastUpdate.Status = &status
	}
	entry.lastSeen = time.Now()

	resp := &protocol.KeepAliveResponse{OK: true}
	if len(d.commands) > 0 {
		resp.Command = d.commands[0]
		d.commands = d.commands[1:]
	}
	return resp, nil
}

func (d *Directory) unregister(id *protocol.NodeID) (*protocol.KeepAliveResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Unregisters++
	if d.failUnregister != nil {
		return nil, d.failUnregister
	}
	entry, ok := d.nodes[id.NodeID]
	if !ok || entry.id.Secret != id.Secret {
		return &protocol.KeepAliveResponse{OK: false, Err: "unknown node or secret"}, nil
	}
	delete(d.nodes, id.NodeID)
	return &protocol.KeepAliveResponse{OK: true}, nil
}

// directoryConn is one client handle onto a Directory.
type directoryConn struct {
	dir    *Directory
	closed atomic.Bool
}

var _ transport.Directory = (*directoryConn)(nil)

func (c *directoryConn) check(ctx context.Context) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	return ctx.Err()
}

func (c *directoryConn) RegisterNode(ctx context.Context, info *protocol.NodeInfo) (*protocol.NodeID, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.dir.register(info)
}

func (c *directoryConn) QueryNode(ctx context.Context, id *protocol.NodeID) (*protocol.NodeInfo, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.dir.query(id)
}

func (c *directoryConn) KeepAlive(ctx context.Context, upd *protocol.NodeUpdate) (*protocol.KeepAliveResponse, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.dir.keepAlive(upd)
}

func (c *directoryConn) UnRegisterNode(ctx context.Context, id *protocol.NodeID) (*protocol.KeepAliveResponse, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.dir.unregister(id)
}

func (c *directoryConn) Close() error {
	c.closed.Store(true)
	return nil
}
