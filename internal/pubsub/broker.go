// Package pubsub fans out events published on named topics to every listener
// currently subscribed to that topic.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned when subscribing to a closed broker or reading from a
// cancelled subscription.
var ErrClosed = errors.New("pubsub: closed")

// DefaultBufferSize is the per-listener buffer used when Options.BufferSize is
// not set.
const DefaultBufferSize = 64

// DropPolicy decides which payload is discarded when a listener's buffer is
// full.
type DropPolicy int

const (
	// DropOldest evicts the oldest buffered payload to make room for the new one.
	DropOldest DropPolicy = iota
	// DropNewest discards the payload being published.
	DropNewest
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return fmt.Sprintf("DropPolicy(%d)", int(p))
	}
}

// ParseDropPolicy converts a configuration string to a DropPolicy. An empty
// string selects DropOldest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest", "oldest":
		return DropOldest, nil
	case "drop-newest", "newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown drop policy %q", s)
	}
}

// Options configures a Broker.
type Options struct {
	BufferSize int
	DropPolicy DropPolicy
	Logger     *slog.Logger
}

// Broker is an in-process publish/subscribe registry. It is safe for
// concurrent use.
type Broker[T any] struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription[T]]struct{}
	closed bool

	bufferSize int
	policy     DropPolicy
	log        *slog.Logger
}

// NewBroker creates a Broker with the given options.
func NewBroker[T any](opts Options) *Broker[T] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broker[T]{
		topics:     make(map[string]map[*Subscription[T]]struct{}),
		bufferSize: opts.BufferSize,
		policy:     opts.DropPolicy,
		log:        opts.Logger.With(slog.String("component", "pubsub")),
	}
}

// Publish hands payload to every listener currently registered for topic and
// returns without waiting for any of them to consume it. A listener whose
// buffer is full or which has been closed loses the payload on its own; the
// other listeners are unaffected.
func (b *Broker[T]) Publish(topic string, payload T) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	set := b.topics[topic]
	// Snapshot so delivery happens outside the registry lock.
	subs := make([]*Subscription[T], 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.deliver(payload) {
			b.log.Debug("delivery dropped",
				slog.String("topic", topic),
				slog.String("subscription", s.id),
				slog.String("policy", b.policy.String()))
		}
	}
}

// Subscribe registers a new listener for the given topics. The listener sees
// every payload published to any of them after Subscribe returns and nothing
// published before.
func (b *Broker[T]) Subscribe(topics ...string) (*Subscription[T], error) {
	if len(topics) == 0 {
		return nil, errors.New("pubsub: at least one topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	s := newSubscription(b, uniqueTopics(topics), b.bufferSize, b.policy)
	for _, topic := range s.topics {
		set, ok := b.topics[topic]
		if !ok {
			set = make(map[*Subscription[T]]struct{})
			b.topics[topic] = set
		}
		set[s] = struct{}{}
	}
	b.log.Debug("subscribed", slog.String("subscription", s.id), slog.Any("topics", s.topics))
	return s, nil
}

// SubscribeContext is like Subscribe but closes the subscription when ctx is
// done.
func (b *Broker[T]) SubscribeContext(ctx context.Context, topics ...string) (*Subscription[T], error) {
	s, err := b.Subscribe(topics...)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stopWatch = stop
	s.mu.Unlock()
	return s, nil
}

// Unsubscribe removes s from every topic it is registered under and releases
// its buffer. Calling it more than once is a no-op.
func (b *Broker[T]) Unsubscribe(s *Subscription[T]) {
	if s == nil {
		return
	}
	s.Close()
}

// remove detaches s from the registry, dropping topic entries that become
// empty. It reports whether s was still registered.
func (b *Broker[T]) remove(s *Subscription[T]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := false
	for _, topic := range s.topics {
		set, ok := b.topics[topic]
		if !ok {
			continue
		}
		if _, ok := set[s]; ok {
			delete(set, s)
			removed = true
		}
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
	return removed
}

// Listeners returns the number of listeners registered for topic.
func (b *Broker[T]) Listeners(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics returns the number of topics with at least one listener.
func (b *Broker[T]) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Close cancels every subscription and rejects further Subscribe calls.
// Publish after Close is a no-op.
func (b *Broker[T]) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription[T]
	for _, set := range b.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	// A subscription spanning several topics appears more than once; Close is
	// idempotent.
	for _, s := range subs {
		s.Close()
	}
	return nil
}

func uniqueTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func newSubscriptionID() string {
	return uuid.New().String()
}
