package mq

import (
	"context"
	"strconv"
	"time"
)

// MessageQueue is the log-style transport used for ingress events and job
// completion notifications.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the message queue connection is alive
	Ping(ctx context.Context) error

	// Close closes the message queue connection
	Close() error
}

// Producer defines the interface for publishing messages
type Producer interface {
	// Publish publishes a message to the specified topic
	Publish(ctx context.Context, topic string, message *Message) error

	// PublishBatch publishes multiple messages in a batch
	PublishBatch(ctx context.Context, topic string, messages []*Message) error
}

// Consumer defines the interface for consuming messages
type Consumer interface {
	// SubscribeBatch hands batches to handler, which reports the ids of the
	// messages that must be redelivered. Offsets are committed only up to the
	// first failed message of each partition; the rest is consumed again.
	SubscribeBatch(ctx context.Context, topic string, handler BatchHandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming messages
	Start() error

	// Stop gracefully stops consuming messages
	Stop() error
}

// Message represents a message in the queue
type Message struct {
	// ID identifies a consumed message as "<partition>:<offset>".
	ID string `json:"id"`

	// Key is the partitioning key
	Key string `json:"key"`

	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`

	Timestamp time.Time `json:"timestamp"`

	Partition int   `json:"partition"`
	Offset    int64 `json:"offset"`
}

// BatchHandlerFunc handles a batch and returns the ids of failed messages.
// Every message not listed is acknowledged.
type BatchHandlerFunc func(ctx context.Context, messages []*Message) (failed []string)

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	ConsumerGroup string

	// BatchSize caps a batch for SubscribeBatch. Default: 10
	BatchSize int

	// BatchWait bounds how long a partial batch waits for more messages.
	// Default: 500ms
	BatchWait time.Duration
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.BatchWait <= 0 {
		o.BatchWait = 500 * time.Millisecond
	}
}

// NewMessage creates a new message with the given key and body
func NewMessage(key string, body []byte) *Message {
	return &Message{
		Key:       key,
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// EventID returns the transport position of a consumed message.
func EventID(partition int, offset int64) string {
	return strconv.Itoa(partition) + ":" + strconv.FormatInt(offset, 10)
}
