package sxclient

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/sxutil/internal/node"
	"github.com/danmuck/sxutil/internal/observability"
	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected  = errors.New("sxclient: not connected")
	ErrRejected      = errors.New("sxclient: rejected")
	ErrLocked        = errors.New("sxclient: negotiation locked")
	ErrNoMbus        = errors.New("sxclient: no mbus opened")
	ErrMbusNotMember = errors.New("sxclient: mbus not a member")
	ErrNilNode       = errors.New("sxclient: node required")
)

// Client is bound to one channel type of one node.
type Client struct {
	node        *node.Node
	id          uint64
	channelType uint32
	argJSON     string

	mu       sync.RWMutex
	exchange transport.Exchange
	addr     string

	mbusMu  sync.RWMutex
	mbusIDs []uint64
}

// New wraps an already dialed exchange. ex may be nil; calls then fail with
// ErrNotConnected until Reconnect succeeds.
func New(n *node.Node, ex transport.Exchange, addr string, channelType uint32, argJSON string) *Client {
	c := &Client{
		node:        n,
		id:          n.GenerateID(),
		channelType: channelType,
		argJSON:     argJSON,
		exchange:    ex,
		addr:        addr,
	}
	log.Debug().Uint64("client_id", c.id).Uint32("channel_type", channelType).Str("addr", addr).Msg("sxclient.New")
	return c
}

// Dial opens the exchange at addr through the node's dialer.
func Dial(ctx context.Context, n *node.Node, addr string, channelType uint32, argJSON string) (*Client, error) {
	if n == nil {
		return nil, ErrNilNode
	}
	ex, err := n.Dialer().DialExchange(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("sxclient: dial %s: %w", addr, err)
	}
	return New(n, ex, addr, channelType, argJSON), nil
}

func (c *Client) ClientID() uint64 {
	return c.id
}

func (c *Client) ChannelType() uint32 {
	return c.channelType
}

func (c *Client) Node() *node.Node {
	return c.node
}

// Channel is the subscription record for this client.
func (c *Client) Channel() protocol.Channel {
	return protocol.Channel{ClientID: c.id, ChannelType: c.channelType, ArgJSON: c.argJSON}
}

func (c *Client) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exchange != nil
}

// Reconnect re-dials the exchange at the last known address and replaces the
// current handle.
func (c *Client) Reconnect(ctx context.Context) error {
	addr := c.Addr()
	ex, err := c.node.Dialer().DialExchange(ctx, addr)
	if err != nil {
		log.Warn().Err(err).Uint64("client_id", c.id).Str("addr", addr).Msg("sxclient.Client.Reconnect dial failed")
		return fmt.Errorf("sxclient: reconnect %s: %w", addr, err)
	}
	c.mu.Lock()
	old := c.exchange
	c.exchange = ex
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Info().Uint64("client_id", c.id).Str("addr", addr).Msg("sxclient.Client.Reconnect connected")
	return nil
}

// Close drops the exchange handle. Later calls fail with ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	ex := c.exchange
	c.exchange = nil
	c.mu.Unlock()
	if ex == nil {
		return nil
	}
	return ex.Close()
}

func (c *Client) conn() (transport.Exchange, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.exchange == nil {
		return nil, ErrNotConnected
	}
	return c.exchange, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.node.Session().MsgTimeout)
}

// MbusIDs returns the buses this client belongs to, in join order.
func (c *Client) MbusIDs() []uint64 {
	c.mbusMu.RLock()
	defer c.mbusMu.RUnlock()
	return slices.Clone(c.mbusIDs)
}

func (c *Client) HasMbus(id uint64) bool {
	c.mbusMu.RLock()
	defer c.mbusMu.RUnlock()
	return slices.Contains(c.mbusIDs, id)
}

func (c *Client) addMbus(id uint64) {
	c.mbusMu.Lock()
	defer c.mbusMu.Unlock()
	if !slices.Contains(c.mbusIDs, id) {
		c.mbusIDs = append(c.mbusIDs, id)
	}
}

func (c *Client) removeMbus(id uint64) bool {
	c.mbusMu.Lock()
	defer c.mbusMu.Unlock()
	i := slices.Index(c.mbusIDs, id)
	if i < 0 {
		return false
	}
	c.mbusIDs = slices.Delete(c.mbusIDs, i, i+1)
	return true
}

// IsSupplyTarget reports whether sp targets one of ids.
func (c *Client) IsSupplyTarget(sp protocol.Supply, ids []uint64) bool {
	return slices.Contains(ids, sp.TargetID)
}

// IsDemandTarget reports whether dm targets one of ids.
func (c *Client) IsDemandTarget(dm protocol.Demand, ids []uint64) bool {
	return slices.Contains(ids, dm.TargetID)
}

// acknowledged records the call and folds a negative response into
// ErrRejected.
func (c *Client) acknowledged(op string, start time.Time, ok bool, text string, err error) error {
	observability.ObserveCall(op, start, err, ok)
	if err != nil {
		log.Error().Err(err).Uint64("client_id", c.id).Str("op", op).Msg("sxclient.Client rpc failed")
		return fmt.Errorf("sxclient: %s: %w", op, err)
	}
	if !ok {
		log.Error().Uint64("client_id", c.id).Str("op", op).Str("reason", text).Msg("sxclient.Client rpc rejected")
		return fmt.Errorf("%w: %s: %s", ErrRejected, op, text)
	}
	return nil
}

func respOK(resp *protocol.Response) (bool, string) {
	if resp == nil {
		return false, "empty response"
	}
	return resp.OK, resp.Err
}

func confirmOK(resp *protocol.ConfirmResponse) (bool, string) {
	if resp == nil {
		return false, "empty response"
	}
	return resp.OK, resp.Err
}
