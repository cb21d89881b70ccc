package relay

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/postfeed/internal/pubsub"
)

// loopback is an in-process Relay shared by several bridges, standing in for
// a Kafka topic or Redis channel.
type loopback struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	fail     error
}

func newLoopback() *loopback {
	return &loopback{handlers: make(map[string][]Handler)}
}

func (l *loopback) Publish(_ context.Context, topic string, data []byte) error {
	l.mu.Lock()
	if l.fail != nil {
		l.mu.Unlock()
		return l.fail
	}
	hs := append([]Handler(nil), l.handlers[topic]...)
	l.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
	return nil
}

func (l *loopback) Subscribe(_ context.Context, topic string, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[topic] = append(l.handlers[topic], h)
	return nil
}

func (l *loopback) Close() error { return nil }

type event struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

func recv(t *testing.T, s *pubsub.Subscription[event]) event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := s.Next(ctx)
	require.NoError(t, err)
	return v
}

func assertNothing(t *testing.T, s *pubsub.Subscription[event]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridge_ForwardsBetweenInstances(t *testing.T) {
	link := newLoopback()

	localA := pubsub.NewBroker[event](pubsub.Options{})
	localB := pubsub.NewBroker[event](pubsub.Options{})
	a := NewBridge(localA, link, nil)
	b := NewBridge(localB, link, nil)
	require.NoError(t, a.Start(context.Background(), "post.created"))
	require.NoError(t, b.Start(context.Background(), "post.created"))

	subA, err := localA.Subscribe("post.created")
	require.NoError(t, err)
	subB, err := localB.Subscribe("post.created")
	require.NoError(t, err)

	a.Publish("post.created", event{ID: "1", Body: "hello"})

	assert.Equal(t, event{ID: "1", Body: "hello"}, recv(t, subA))
	assert.Equal(t, event{ID: "1", Body: "hello"}, recv(t, subB))

	// The origin instance must not see its own event a second time.
	assertNothing(t, subA)
	assertNothing(t, subB)
}

func TestBridge_WithoutRelay(t *testing.T) {
	local := pubsub.NewBroker[event](pubsub.Options{})
	br := NewBridge(local, nil, nil)
	require.NoError(t, br.Start(context.Background(), "post.created"))

	sub, err := local.Subscribe("post.created")
	require.NoError(t, err)

	br.Publish("post.created", event{ID: "1"})
	assert.Equal(t, "1", recv(t, sub).ID)
}

func TestBridge_RelayFailureKeepsLocalDelivery(t *testing.T) {
	link := newLoopback()
	link.fail = errors.New("broker unavailable")

	local := pubsub.NewBroker[event](pubsub.Options{})
	br := NewBridge(local, link, nil)
	sub, err := local.Subscribe("post.created")
	require.NoError(t, err)

	br.Publish("post.created", event{ID: "1"})
	assert.Equal(t, "1", recv(t, sub).ID)
}

func TestBridge_DiscardsMalformedEnvelopes(t *testing.T) {
	local := pubsub.NewBroker[event](pubsub.Options{})
	br := NewBridge(local, newLoopback(), nil)
	sub, err := local.Subscribe("post.created")
	require.NoError(t, err)

	br.receive([]byte("not json"))
	br.receive([]byte(`{"origin":"other","topic":"post.created","payload":"not an object"}`))
	assertNothing(t, sub)

	br.receive([]byte(`{"origin":"other","topic":"post.created","payload":{"id":"7"}}`))
	assert.Equal(t, "7", recv(t, sub).ID)
}

// stalled is a Relay whose Publish blocks until its context ends, like a
// broker that accepts connections but never acknowledges.
type stalled struct {
	*loopback
	calls atomic.Int64
}

func (s *stalled) Publish(ctx context.Context, _ string, _ []byte) error {
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestBridge_StalledRelayDoesNotBlockPublish(t *testing.T) {
	link := &stalled{loopback: newLoopback()}
	local := pubsub.NewBroker[event](pubsub.Options{BufferSize: outboxSize + 10})
	br := NewBridge(local, link, nil)
	require.NoError(t, br.Start(t.Context(), "post.created"))

	sub, err := local.Subscribe("post.created")
	require.NoError(t, err)

	start := time.Now()
	for i := range outboxSize + 10 {
		br.Publish("post.created", event{ID: strconv.Itoa(i)})
	}
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, "0", recv(t, sub).ID)
	assert.Eventually(t, func() bool { return link.calls.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestBridge_QueuesUntilStarted(t *testing.T) {
	link := newLoopback()
	remote := pubsub.NewBroker[event](pubsub.Options{})
	other := NewBridge(remote, link, nil)
	require.NoError(t, other.Start(t.Context(), "post.created"))
	sub, err := remote.Subscribe("post.created")
	require.NoError(t, err)

	br := NewBridge(pubsub.NewBroker[event](pubsub.Options{}), link, nil)
	br.Publish("post.created", event{ID: "early"})
	assertNothing(t, sub)

	require.NoError(t, br.Start(t.Context(), "post.created"))
	assert.Equal(t, "early", recv(t, sub).ID)
}
