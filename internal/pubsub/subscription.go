package pubsub

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// Subscription is a listener handle returned by Broker.Subscribe. Payloads are
// read with Next or ranged over with All. A Subscription is not restartable:
// once closed it yields nothing and a new Subscribe call is needed, with no
// replay of earlier payloads.
type Subscription[T any] struct {
	id     string
	topics []string
	broker *Broker[T]
	policy DropPolicy

	mu        sync.Mutex // guards sends on ch, closed and stopWatch
	ch        chan T
	closed    bool
	done      chan struct{}
	stopWatch func() bool

	dropped atomic.Uint64
}

func newSubscription[T any](b *Broker[T], topics []string, size int, policy DropPolicy) *Subscription[T] {
	return &Subscription[T]{
		id:     newSubscriptionID(),
		topics: topics,
		broker: b,
		policy: policy,
		ch:     make(chan T, size),
		done:   make(chan struct{}),
	}
}

// ID returns the subscription's opaque identity.
func (s *Subscription[T]) ID() string { return s.id }

// Topics returns the topics the subscription was registered under.
func (s *Subscription[T]) Topics() []string {
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// Dropped returns how many payloads this subscription lost to a full buffer.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Done is closed once the subscription has been cancelled.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// deliver buffers payload without blocking. It reports false when the payload
// was not delivered or when another payload had to be evicted for it.
func (s *Subscription[T]) deliver(payload T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- payload:
		return true
	default:
	}

	s.dropped.Add(1)
	if s.policy == DropNewest {
		return false
	}

	// Only senders hold s.mu, so after evicting one element the send below
	// cannot find the buffer full.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- payload:
	default:
	}
	return false
}

// Next blocks until the next payload is available, ctx is done or the
// subscription is closed. After Close returns, Next never yields a payload.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T

	select {
	case <-s.done:
		return zero, ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, ErrClosed
	case v := <-s.ch:
		select {
		case <-s.done:
			return zero, ErrClosed
		default:
		}
		return v, nil
	}
}

// All returns an iterator over the subscription's payloads. Iteration stops
// when ctx is done, the subscription is closed or the loop body breaks.
func (s *Subscription[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Close unregisters the subscription from every topic and releases its
// buffer. It is safe to call more than once and from any goroutine.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	for {
		select {
		case <-s.ch:
			continue
		default:
		}
		break
	}
	stop := s.stopWatch
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.broker.remove(s)
}
