// Package live turns one-shot store queries into subscriptions that are
// re-run whenever a commit touches one of the tables they read.
package live

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/anomess/internal/bus"
	"go.uber.org/zap"
)

// Query produces a fresh result from committed state.
type Query[T any] func(ctx context.Context) (T, error)

// Subscription delivers the result of a query, then a new result after every
// change to the watched tables. Values are conflated: a consumer that falls
// behind skips intermediate results but always ends up with the newest one.
type Subscription[T any] struct {
	id     string
	c      chan T
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Watch starts a subscription to q that re-runs when any event named in kinds
// is published on b. It stops when ctx is done, Close is called, or q fails.
func Watch[T any](ctx context.Context, b *bus.Bus, logger *zap.Logger, q Query[T], kinds ...string) *Subscription[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		id:     uuid.NewString(),
		c:      make(chan T),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// Subscribe before the first run so a commit racing it is not lost.
	events, unsub := b.SubscribeKinds(1, kinds...)
	logger = logger.With(zap.String("sub_id", s.id), zap.Strings("tables", kinds))
	logger.Debug("live subscription started")
	go s.run(ctx, q, events, unsub, logger)
	return s
}

// ID identifies the subscription in logs.
func (s *Subscription[T]) ID() string {
	return s.id
}

// C returns the channel of results. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.c
}

// Err reports why the subscription ended. Nil after Close or ctx cancellation.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close stops the subscription and waits for it to release its resources.
func (s *Subscription[T]) Close() {
	s.cancel()
	<-s.done
}

func (s *Subscription[T]) run(ctx context.Context, q Query[T], events <-chan bus.Event, unsub func(), logger *zap.Logger) {
	defer close(s.done)
	defer close(s.c)
	defer unsub()

	var (
		latest T
		out    chan T
		dirty  = true
	)
	for {
		if dirty {
			v, err := q(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("live query failed", zap.Error(err))
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
				}
				return
			}
			latest, out, dirty = v, s.c, false
		}
		select {
		case <-ctx.Done():
			return
		case <-events:
			dirty = true
		case out <- latest:
			out = nil
		}
	}
}
