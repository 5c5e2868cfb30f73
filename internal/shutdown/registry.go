// Package shutdown runs registered cleanup actions once when the process is
// asked to stop.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Action is best-effort cleanup. It should be safe to call after a partial
// failure.
type Action func(ctx context.Context)

// Registry collects cleanup actions and runs them in registration order.
type Registry struct {
	mu      sync.Mutex
	actions []namedAction
	once    sync.Once
}

type namedAction struct {
	name string
	fn   Action
}

func New() *Registry {
	return &Registry{}
}

// Add appends fn. Actions added after Run has started are ignored.
func (r *Registry) Add(name string, fn Action) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, namedAction{name: name, fn: fn})
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

// Run invokes every action once. Later calls do nothing.
func (r *Registry) Run(ctx context.Context) {
	r.once.Do(func() {
		r.mu.Lock()
		actions := append([]namedAction(nil), r.actions...)
		r.mu.Unlock()

		for _, a := range actions {
			log.Info().Str("action", a.name).Msg("shutdown.Registry.Run")
			a.fn(ctx)
		}
	})
}

// WaitForSignal blocks until ctx ends or one of sigs arrives, then runs the
// registry with a fresh context. With no sigs it listens for SIGINT and
// SIGTERM.
func (r *Registry) WaitForSignal(ctx context.Context, sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigCtx, stop := signal.NotifyContext(ctx, sigs...)
	defer stop()

	<-sigCtx.Done()
	log.Info().Msg("shutdown.Registry.WaitForSignal stopping")
	r.Run(context.WithoutCancel(ctx))
}
