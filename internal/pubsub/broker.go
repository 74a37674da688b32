// Package pubsub provides a small generic publish/subscribe broker used to
// fan events out from the orchestration singletons to their subscribers.
// Publishing never blocks: a subscriber that falls behind its buffer loses
// events, and the broker counts the drops so callers can surface them.
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// Broker fans values of type T out to all active subscribers.
type Broker[T any] struct {
	mu      sync.RWMutex
	subs    map[chan T]struct{}
	done    chan struct{}
	buffer  int
	dropped atomic.Uint64
}

// Option configures a Broker.
type Option func(*options)

type options struct {
	buffer int
}

// WithBuffer sets the per-subscriber channel buffer (default 64).
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// New creates a broker.
func New[T any](opts ...Option) *Broker[T] {
	o := options{buffer: defaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker[T]{
		subs:   make(map[chan T]struct{}),
		done:   make(chan struct{}),
		buffer: o.buffer,
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// ctx is cancelled or the broker is closed, whichever comes first.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan T)
		close(ch)
		return ch
	default:
	}

	sub := make(chan T, b.buffer)
	b.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return // Close already shut the channel down.
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		select {
		case <-b.done:
			return
		default:
		}
		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers v to every subscriber whose buffer has room.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	for sub := range b.subs {
		select {
		case sub <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts down the broker and closes every subscriber channel.
// Publish and Subscribe after Close are no-ops.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of live subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of events discarded because a subscriber's
// buffer was full.
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}
