package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/sxutil/internal/testutil/testlog"
)

func TestRunInvokesActionsOnceInOrder(t *testing.T) {
	testlog.Start(t)
	r := New()
	var order []string
	r.Add("unregister", func(context.Context) { order = append(order, "unregister") })
	r.Add("close", func(context.Context) { order = append(order, "close") })
	r.Add("nil", nil)
	if r.Len() != 2 {
		t.Fatalf("nil action should be ignored, len=%d", r.Len())
	}

	r.Run(context.Background())
	r.Run(context.Background())
	if len(order) != 2 || order[0] != "unregister" || order[1] != "close" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestWaitForSignalRunsOnContextEnd(t *testing.T) {
	testlog.Start(t)
	r := New()
	ran := make(chan struct{}, 1)
	r.Add("mark", func(ctx context.Context) {
		if ctx.Err() != nil {
			t.Errorf("actions should get a live context: %v", ctx.Err())
		}
		ran <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.WaitForSignal(ctx)
	select {
	case <-ran:
	default:
		t.Fatalf("action did not run")
	}
}

func TestWaitForSignalRunsOnSignal(t *testing.T) {
	testlog.Start(t)
	r := New()
	ran := make(chan struct{}, 1)
	r.Add("mark", func(context.Context) { ran <- struct{}{} })

	// Keep SIGUSR1 from terminating the test binary before the registry listens.
	guard := make(chan os.Signal, 8)
	signal.Notify(guard, syscall.SIGUSR1)
	defer signal.Stop(guard)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.WaitForSignal(context.Background(), syscall.SIGUSR1)
	}()

	deadline := time.After(2 * time.Second)
	for {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGUSR1)
		select {
		case <-done:
			<-ran
			return
		case <-deadline:
			t.Fatalf("signal did not trigger shutdown")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
