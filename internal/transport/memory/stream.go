package memory

import (
	"context"
	"sync"
)

const streamBuffer = 64

// stream is the receive side of one subscription.
type stream[T any] struct {
	ctx  context.Context
	ch   chan T
	done chan struct{}
	once sync.Once
	err  error
}

func newStream[T any](ctx context.Context) *stream[T] {
	return &stream[T]{
		ctx:  ctx,
		ch:   make(chan T, streamBuffer),
		done: make(chan struct{}),
	}
}

func (s *stream[T]) Recv() (*T, error) {
	select {
	case v := <-s.ch:
		return &v, nil
	case <-s.done:
		select {
		case v := <-s.ch:
			return &v, nil
		default:
		}
		return nil, s.err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// push delivers v without blocking; a full or ended stream drops it.
func (s *stream[T]) push(v T) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- v:
		return true
	default:
		return false
	}
}

func (s *stream[T]) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *stream[T]) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
