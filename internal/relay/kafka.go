package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds configuration for the Kafka relay.
type KafkaConfig struct {
	Brokers     []string // list of broker addresses
	TopicPrefix string   // prepended to every relayed topic
	InstanceID  string   // names this instance's consumer group; random when empty
}

// KafkaRelay implements Relay on Apache Kafka via segmentio/kafka-go.
//
// Every instance must see every message, so each one joins a consumer group
// of its own. A group reader is assigned all partitions of the topic, which
// the writer spreads messages across, and starts at the latest offset.
type KafkaRelay struct {
	config  KafkaConfig
	writer  *kafka.Writer
	log     *slog.Logger
	mu      sync.Mutex
	readers map[string]*kafkaReader
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type kafkaReader struct {
	id      string
	topic   string
	reader  *kafka.Reader
	handler Handler
	cancel  context.CancelFunc
}

// NewKafkaRelay creates a KafkaRelay. Connections are opened lazily on the
// first Publish and on each reader's first fetch.
func NewKafkaRelay(config KafkaConfig, log *slog.Logger) (*KafkaRelay, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker address is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return &KafkaRelay{
		config:  config,
		writer:  writer,
		log:     log.With(slog.String("component", "relay"), slog.String("driver", "kafka")),
		readers: make(map[string]*kafkaReader),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (k *KafkaRelay) topicName(topic string) string {
	return k.config.TopicPrefix + topic
}

func (k *KafkaRelay) groupID() string {
	return k.config.TopicPrefix + "relay-" + k.config.InstanceID
}

func (k *KafkaRelay) readerConfig(topic string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		GroupID:     k.groupID(),
		Topic:       k.topicName(topic),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     500 * time.Millisecond,
	}
}

// Publish writes data to the prefixed Kafka topic.
func (k *KafkaRelay) Publish(ctx context.Context, topic string, data []byte) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	k.mu.Unlock()

	msg := kafka.Message{
		Topic: k.topicName(topic),
		Value: data,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Subscribe starts a reader on the prefixed topic. The reader runs in a
// background goroutine until ctx is cancelled or Close is called.
func (k *KafkaRelay) Subscribe(ctx context.Context, topic string, handler Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return ErrClosed
	}

	reader := kafka.NewReader(k.readerConfig(topic))

	subCtx, subCancel := context.WithCancel(k.ctx)
	stop := context.AfterFunc(ctx, subCancel)

	r := &kafkaReader{
		id:      uuid.New().String(),
		topic:   topic,
		reader:  reader,
		handler: handler,
		cancel: func() {
			stop()
			subCancel()
		},
	}
	k.readers[r.id] = r

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.consumeLoop(subCtx, r)
	}()
	return nil
}

// Close shuts down all readers and the writer.
func (k *KafkaRelay) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.cancel()
	readers := k.readers
	k.readers = nil
	k.mu.Unlock()

	k.wg.Wait()

	var firstErr error
	for _, r := range readers {
		r.cancel()
		if err := r.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := k.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (k *KafkaRelay) consumeLoop(ctx context.Context, r *kafkaReader) {
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.log.Warn("kafka read failed", slog.String("topic", r.topic), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.handler(msg.Value)
	}
}
