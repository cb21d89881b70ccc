package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkden-lab/postfeed/internal/pubsub"
)

const (
	publishTimeout = 5 * time.Second
	outboxSize     = 256
)

// envelope is the wire format of a relayed event.
type envelope struct {
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge publishes on a local broker and mirrors every event over a Relay.
// Events received from other instances are republished locally; events this
// instance sent are recognised by their origin and skipped, since they were
// already delivered locally.
//
// Forwarding runs on its own goroutine fed by a bounded outbox, so a slow or
// unreachable relay never holds up Publish.
type Bridge[T any] struct {
	local   *pubsub.Broker[T]
	relay   Relay
	origin  string
	outbox  chan outgoing
	started sync.Once
	log     *slog.Logger
}

type outgoing struct {
	topic string
	data  []byte
}

// NewBridge wraps local. A nil relay makes the Bridge a plain local
// publisher.
func NewBridge[T any](local *pubsub.Broker[T], relay Relay, log *slog.Logger) *Bridge[T] {
	if log == nil {
		log = slog.Default()
	}
	origin := uuid.New().String()
	return &Bridge[T]{
		local:  local,
		relay:  relay,
		origin: origin,
		outbox: make(chan outgoing, outboxSize),
		log:    log.With(slog.String("component", "bridge"), slog.String("instance", origin)),
	}
}

// Origin is the instance ID stamped on outgoing envelopes.
func (b *Bridge[T]) Origin() string {
	return b.origin
}

// Publish delivers payload to local listeners and then queues it for the
// relay. When the outbox is full the event is not forwarded and a warning is
// logged. Relay failures are logged; local delivery has already happened.
func (b *Bridge[T]) Publish(topic string, payload T) {
	b.local.Publish(topic, payload)

	if b.relay == nil {
		return
	}
	data, err := b.encode(topic, payload)
	if err != nil {
		b.log.Error("encode relayed event", slog.String("topic", topic), slog.Any("error", err))
		return
	}

	select {
	case b.outbox <- outgoing{topic: topic, data: data}:
	default:
		b.log.Warn("relay outbox full, event not forwarded", slog.String("topic", topic))
	}
}

// Start subscribes to the relay for each topic and starts forwarding queued
// events. Foreign events are republished on the local broker until ctx is
// cancelled. Events published before Start wait in the outbox.
func (b *Bridge[T]) Start(ctx context.Context, topics ...string) error {
	if b.relay == nil {
		return nil
	}
	for _, topic := range topics {
		if err := b.relay.Subscribe(ctx, topic, b.receive); err != nil {
			return fmt.Errorf("relay subscribe %s: %w", topic, err)
		}
	}
	b.started.Do(func() { go b.forward(ctx) })
	return nil
}

func (b *Bridge[T]) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := b.relay.Publish(pubCtx, msg.topic, msg.data)
			cancel()
			if err != nil {
				b.log.Warn("relay publish failed", slog.String("topic", msg.topic), slog.Any("error", err))
			}
		}
	}
}

func (b *Bridge[T]) encode(topic string, payload T) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Origin: b.origin, Topic: topic, Payload: raw})
}

func (b *Bridge[T]) receive(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn("discarding malformed relayed event", slog.Any("error", err))
		return
	}
	if env.Origin == b.origin {
		return
	}

	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		b.log.Warn("discarding relayed event", slog.String("topic", env.Topic), slog.Any("error", err))
		return
	}
	b.local.Publish(env.Topic, payload)
}
