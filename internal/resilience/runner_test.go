package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/sxutil/internal/node"
	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/danmuck/sxutil/internal/sxclient"
	"github.com/danmuck/sxutil/internal/testutil/testlog"
	"github.com/danmuck/sxutil/internal/transport/memory"
)

type countingConn struct {
	calls atomic.Int32
	err   error
}

func (c *countingConn) Reconnect(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunReconnectsAfterEveryStream(t *testing.T) {
	testlog.Start(t)
	r := New(KindDemand, 5*time.Millisecond, nil)
	conn := &countingConn{err: errors.New("refused")}
	var subscribes atomic.Int32

	err := r.Run(context.Background(), conn, func(context.Context) (bool, error) {
		n := subscribes.Add(1)
		if n == 3 {
			r.Stop()
			return true, nil
		}
		return n == 2, errors.New("stream reset")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subscribes.Load() != 3 || conn.calls.Load() != 2 || r.Restarts() != 2 {
		t.Fatalf("unexpected counts: subscribes=%d reconnects=%d restarts=%d", subscribes.Load(), conn.calls.Load(), r.Restarts())
	}
}

func TestRunWaitsFixedDelayBeforeReconnect(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	r := New(KindSupply, 5*time.Second, mock)
	conn := &countingConn{}
	var subscribes atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), conn, func(context.Context) (bool, error) {
			subscribes.Add(1)
			return true, nil
		})
	}()
	waitFor(t, "first subscribe", func() bool { return subscribes.Load() == 1 })

	advanced := time.Duration(0)
	deadline := time.Now().Add(2 * time.Second)
	for conn.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reconnect never happened")
		}
		mock.Add(time.Second)
		advanced += time.Second
		time.Sleep(2 * time.Millisecond)
	}
	if advanced < 5*time.Second {
		t.Fatalf("reconnected after %v, before the fixed wait", advanced)
	}

	r.Stop()
	deadline = time.Now().Add(2 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("runner did not stop")
		}
		mock.Add(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	r := New(KindMbus, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	conn := &countingConn{}

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, conn, func(context.Context) (bool, error) {
			return false, errors.New("refused")
		})
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner ignored cancellation")
	}
	if conn.calls.Load() != 0 {
		t.Fatalf("cancelled runner must not reconnect")
	}
}

func TestDemandSubscriptionSurvivesBrokenStream(t *testing.T) {
	testlog.Start(t)
	dir := memory.NewDirectory(10)
	broker := memory.NewBroker()
	dialer := memory.NewDialer(dir, broker)
	n := node.New(dialer, node.DefaultConfig())
	if _, err := n.Register(context.Background(), "mem:dir", "A", []uint32{1}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	c, err := sxclient.Dial(context.Background(), n, "mem:exchange", 1, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	got := make(chan uint64, 4)
	r := New(KindDemand, 10*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() {
		done <- r.Demand(context.Background(), c, func(_ context.Context, _ *sxclient.Client, dm protocol.Demand) {
			got <- dm.ID
		})
	}()

	waitFor(t, "first subscription", func() bool { return broker.Subscribed(1, c.ClientID()) })
	broker.Break()
	waitFor(t, "reconnect", func() bool { return dialer.ExchangeDials() == 2 })
	waitFor(t, "resubscription", func() bool { return broker.Subscribed(1, c.ClientID()) })

	broker.PublishDemand(protocol.Demand{ID: 77, SenderID: 1, ChannelType: 1})
	select {
	case id := <-got:
		if id != 77 {
			t.Fatalf("unexpected demand: %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("demand not delivered after resubscribe")
	}

	r.Stop()
	if err := c.CloseDemandChannel(context.Background()); err != nil {
		t.Fatalf("close channel: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
	}
	if r.Restarts() != 1 {
		t.Fatalf("unexpected restarts: %d", r.Restarts())
	}
}
