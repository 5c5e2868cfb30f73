package status

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/sxutil/internal/auth"
	"github.com/danmuck/sxutil/internal/node"
	"github.com/danmuck/sxutil/internal/observability"
	"github.com/danmuck/sxutil/internal/sxclient"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Server exposes the state of one node over HTTP.
type Server struct {
	Addr    string
	Started time.Time

	node   *node.Node
	router *gin.Engine

	mu      sync.RWMutex
	clients []*sxclient.Client
}

// New builds the router. When guard is non-nil, /node and /clients require a
// bearer token it accepts.
func New(n *node.Node, addr string, corsOrigins []string, guard auth.Validator) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestObserver(n.Name(), log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Addr:    addr,
		Started: time.Now(),
		node:    n,
		router:  r,
	}
	s.registerRoutes(guard)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Track adds c to the /clients listing. Nil and duplicate clients are ignored.
func (s *Server) Track(c *sxclient.Client) {
	if c == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.clients, c) {
		return
	}
	s.clients = append(s.clients, c)
}

func (s *Server) Untrack(c *sxclient.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = slices.DeleteFunc(s.clients, func(x *sxclient.Client) bool { return x == c })
}

type NodeView struct {
	Name              string   `json:"name"`
	NodeID            int32    `json:"node_id"`
	Lifecycle         string   `json:"lifecycle"`
	Registered        bool     `json:"registered"`
	NodeType          string   `json:"node_type"`
	Directory         string   `json:"directory"`
	ServerInfo        string   `json:"server_info,omitempty"`
	KeepaliveSeconds  int32    `json:"keepalive_seconds"`
	Channels          []uint32 `json:"channels"`
	Locked            bool     `json:"locked"`
	ProposedSupplyIDs []uint64 `json:"proposed_supply_ids"`
	ProposedDemandIDs []uint64 `json:"proposed_demand_ids"`
	UpdateCount       int32    `json:"update_count"`
}

type ClientView struct {
	ClientID    uint64   `json:"client_id"`
	ChannelType uint32   `json:"channel_type"`
	Addr        string   `json:"addr"`
	Connected   bool     `json:"connected"`
	MbusIDs     []uint64 `json:"mbus_ids"`
}

func (s *Server) NodeView() NodeView {
	id := s.node.Identity()
	snap := s.node.Negotiation().Snapshot()
	return NodeView{
		Name:              s.node.Name(),
		NodeID:            id.NodeID,
		Lifecycle:         s.node.Lifecycle().String(),
		Registered:        s.node.Registered(),
		NodeType:          s.node.NodeType().String(),
		Directory:         s.node.DirectoryAddr(),
		ServerInfo:        id.ServerInfo,
		KeepaliveSeconds:  id.KeepaliveDuration,
		Channels:          s.node.Channels(),
		Locked:            snap.Locked,
		ProposedSupplyIDs: snap.ProposedSupplyIDs,
		ProposedDemandIDs: snap.ProposedDemandIDs,
		UpdateCount:       s.node.Health().UpdateCount,
	}
}

func (s *Server) ClientViews() []ClientView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]ClientView, 0, len(s.clients))
	for _, c := range s.clients {
		views = append(views, ClientView{
			ClientID:    c.ClientID(),
			ChannelType: c.ChannelType(),
			Addr:        c.Addr(),
			Connected:   c.Connected(),
			MbusIDs:     c.MbusIDs(),
		})
	}
	slices.SortFunc(views, func(a, b ClientView) int {
		if a.ChannelType != b.ChannelType {
			return int(a.ChannelType) - int(b.ChannelType)
		}
		if a.ClientID < b.ClientID {
			return -1
		}
		if a.ClientID > b.ClientID {
			return 1
		}
		return 0
	})
	return views
}

func (s *Server) registerRoutes(guard auth.Validator) {
	s.router.GET("/health", func(c *gin.Context) {
		status := "ok"
		code := http.StatusOK
		if !s.node.Registered() {
			status = "unregistered"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"uptime":    time.Since(s.Started).String(),
			"node":      s.node.Name(),
			"lifecycle": s.node.Lifecycle().String(),
			"version":   version,
		})
	})

	private := s.router.Group("/", auth.RequireBearer(guard))
	private.GET("/node", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.NodeView())
	})

	private.GET("/clients", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clients": s.ClientViews()})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on Addr until ctx ends, then shuts the listener down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Str("node", s.node.Name()).Msg("status.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("status.Server.Serve shutdown")
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
