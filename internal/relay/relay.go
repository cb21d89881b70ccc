// Package relay forwards topic events between server instances so that a
// subscriber attached to one replica sees events published on another.
package relay

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("relay is closed")

// Handler receives the raw bytes of every message relayed on a topic.
type Handler func(data []byte)

// Relay is a cross-instance transport. Implementations include KafkaRelay
// and RedisRelay.
type Relay interface {
	// Publish sends data to every instance subscribed to topic, including
	// the sender.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe invokes handler for every message relayed on topic until ctx
	// is cancelled or the relay is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close stops all consumers and releases connections. Calling it more
	// than once is a no-op.
	Close() error
}
