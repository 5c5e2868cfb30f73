package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/sxutil/internal/auth"
	"github.com/danmuck/sxutil/internal/node"
	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/sxclient"
	"github.com/danmuck/sxutil/internal/testutil/testlog"
	"github.com/danmuck/sxutil/internal/transport/memory"
)

func newRegisteredNode(t *testing.T) (*node.Node, *memory.Dialer) {
	t.Helper()
	dir := memory.NewDirectory(10)
	dir.AssignNext(protocol.NodeID{NodeID: 5, Secret: 99, KeepaliveDuration: 10})
	dialer := memory.NewDialer(dir, memory.NewBroker())
	cfg := node.DefaultConfig()
	cfg.Session.MsgTimeout = 2 * time.Second
	n := node.New(dialer, cfg)
	if _, err := n.Register(context.Background(), "mem:dir", "status-node", []uint32{3}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n, dialer
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthReflectsRegistration(t *testing.T) {
	testlog.Start(t)
	n, _ := newRegisteredNode(t)
	s := New(n, ":0", nil, nil)

	rr := get(t, s, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["lifecycle"] != "active" || body["node"] != "status-node" {
		t.Fatalf("unexpected health body: %#v", body)
	}

	n.Unregister(context.Background())
	rr = get(t, s, "/health")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 after unregister, got %d", rr.Code)
	}
}

func TestNodeViewIncludesNegotiationState(t *testing.T) {
	testlog.Start(t)
	n, _ := newRegisteredNode(t)
	n.Negotiation().ProposeSupply(protocol.Supply{ID: 11})
	n.Negotiation().ProposeDemand(protocol.Demand{ID: 12})
	n.Negotiation().Lock()
	s := New(n, ":0", nil, nil)

	rr := get(t, s, "/node")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var view NodeView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode node view: %v", err)
	}
	if view.NodeID != 5 || !view.Registered || view.KeepaliveSeconds != 10 {
		t.Fatalf("unexpected identity in view: %+v", view)
	}
	if !view.Locked {
		t.Fatalf("expected locked negotiation state")
	}
	if len(view.ProposedSupplyIDs) != 1 || view.ProposedSupplyIDs[0] != 11 {
		t.Fatalf("unexpected proposed supplies: %v", view.ProposedSupplyIDs)
	}
	if len(view.ProposedDemandIDs) != 1 || view.ProposedDemandIDs[0] != 12 {
		t.Fatalf("unexpected proposed demands: %v", view.ProposedDemandIDs)
	}
	if len(view.Channels) != 1 || view.Channels[0] != 3 {
		t.Fatalf("unexpected channels: %v", view.Channels)
	}
}

func TestClientsListsTrackedClients(t *testing.T) {
	testlog.Start(t)
	n, _ := newRegisteredNode(t)
	ctx := context.Background()
	c, err := sxclient.Dial(ctx, n, "mem:exchange", 3, "")
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	mb, err := c.CreateMbus(ctx, protocol.MbusOpt{})
	if err != nil {
		t.Fatalf("create mbus: %v", err)
	}

	s := New(n, ":0", nil, nil)
	s.Track(c)
	s.Track(c)
	s.Track(nil)

	rr := get(t, s, "/clients")
	var body struct {
		Clients []ClientView `json:"clients"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode clients: %v", err)
	}
	if len(body.Clients) != 1 {
		t.Fatalf("expected one tracked client, got %d", len(body.Clients))
	}
	got := body.Clients[0]
	if got.ClientID != c.ClientID() || got.ChannelType != 3 || !got.Connected {
		t.Fatalf("unexpected client view: %+v", got)
	}
	if len(got.MbusIDs) != 1 || got.MbusIDs[0] != mb.MbusID {
		t.Fatalf("unexpected mbus ids: %v", got.MbusIDs)
	}

	s.Untrack(c)
	if views := s.ClientViews(); len(views) != 0 {
		t.Fatalf("expected no clients after untrack, got %d", len(views))
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	testlog.Start(t)
	n, _ := newRegisteredNode(t)
	s := New(n, ":0", nil, nil)
	_ = get(t, s, "/health")

	rr := get(t, s, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "sxutil_http_requests_total") {
		t.Fatalf("expected status request counter in metrics output")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	testlog.Start(t)
	n, _ := newRegisteredNode(t)
	s := New(n, "127.0.0.1:0", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop after cancel")
	}
}

func TestPrivateRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	n, _ := newRegisteredNode(t)
	s := New(n, ":0", nil, auth.StaticToken{Token: "t0k"})

	if rr := get(t, s, "/health"); rr.Code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", rr.Code)
	}
	if rr := get(t, s, "/node"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.Header.Set("Authorization", "Bearer t0k")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
}
