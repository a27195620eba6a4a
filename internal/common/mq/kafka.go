package mq

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"mmproc/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerTimestamp = "x-message-ts"

	commitTimeout = 5 * time.Second
)

// KafkaConfig defines configuration for Kafka implementation.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientID"`

	// Producer settings
	RequiredAcks kafka.RequiredAcks `yaml:"-"`
	Compression  kafka.Compression  `yaml:"-"`
	BatchSize    int                `yaml:"batchSize"`
	BatchTimeout time.Duration      `yaml:"batchTimeout"`

	// Consumer settings
	MinBytes int           `yaml:"minBytes"`
	MaxBytes int           `yaml:"maxBytes"`
	MaxWait  time.Duration `yaml:"maxWait"`

	// StartFromFirst makes new consumer groups read from the earliest offset.
	StartFromFirst bool `yaml:"startFromFirst"`

	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// ParseCompression maps a codec name to its kafka-go constant. Unknown names
// disable compression.
func ParseCompression(raw string) kafka.Compression {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// fetcher is the part of *kafka.Reader the consumer loops depend on.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type readerFactory func(topic, group string) fetcher

// KafkaQueue implements MessageQueue using Kafka.
type KafkaQueue struct {
	config    KafkaConfig
	writer    *kafka.Writer
	dialer    *kafka.Dialer
	newReader readerFactory

	mu            sync.Mutex
	subscriptions []*kafkaSubscription
	started       bool
	closed        bool
}

type kafkaSubscription struct {
	topic   string
	handler BatchHandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	readerMu sync.Mutex
	reader   fetcher
}

// NewKafkaQueue creates a Kafka-backed message queue.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireAll
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		Compression:  cfg.Compression,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}

	k := &KafkaQueue{
		config: cfg,
		writer: writer,
		dialer: dialer,
	}
	k.newReader = k.kafkaReader
	return k, nil
}

func (k *KafkaQueue) kafkaReader(topic, group string) fetcher {
	start := kafka.LastOffset
	if k.config.StartFromFirst {
		start = kafka.FirstOffset
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       topic,
		GroupID:     group,
		Dialer:      k.dialer,
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: start,
	})
}

// Publish publishes a message to a topic.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	return k.writer.WriteMessages(ctx, toKafkaMessage(topic, message))
}

// PublishBatch publishes multiple messages in a batch.
func (k *KafkaQueue) PublishBatch(ctx context.Context, topic string, messages []*Message) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if len(messages) == 0 {
		return errors.New("messages are required")
	}
	kmsgs := make([]kafka.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			return errors.New("message is nil")
		}
		kmsgs = append(kmsgs, toKafkaMessage(topic, msg))
	}
	return k.writer.WriteMessages(ctx, kmsgs...)
}

// SubscribeBatch registers a batch handler with partial-failure reporting.
func (k *KafkaQueue) SubscribeBatch(ctx context.Context, topic string, handler BatchHandlerFunc, opts *SubscribeOptions) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	sub := &kafkaSubscription{topic: topic, handler: handler}
	if opts != nil {
		sub.opts = *opts
	}
	sub.opts.SetDefaults()
	if sub.opts.ConsumerGroup == "" {
		sub.opts.ConsumerGroup = "mmproc-" + sub.topic
	}
	sub.baseCtx = ctx

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	k.subscriptions = append(k.subscriptions, sub)
	if k.started {
		k.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	if k.started {
		return nil
	}
	for _, sub := range k.subscriptions {
		k.startSubscription(sub)
	}
	k.started = true
	return nil
}

// Stop stops all consumers gracefully.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, sub := range k.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range k.subscriptions {
		sub.wg.Wait()
		sub.readerMu.Lock()
		if sub.reader != nil {
			_ = sub.reader.Close()
			sub.reader = nil
		}
		sub.readerMu.Unlock()
	}
	k.started = false
	return nil
}

// Ping verifies the Kafka connection.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close closes the producer and stops consumers.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}

func (k *KafkaQueue) startSubscription(sub *kafkaSubscription) {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)
	sub.reader = k.newReader(sub.topic, sub.opts.ConsumerGroup)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		k.runBatchLoop(sub)
	}()
}

// runBatchLoop collects batches, hands them to the batch handler and commits
// the acknowledged prefix of every partition. When anything failed the reader
// is recreated so the group resumes from the committed offsets and the failed
// messages are delivered again.
func (k *KafkaQueue) runBatchLoop(sub *kafkaSubscription) {
	for {
		if sub.ctx.Err() != nil {
			return
		}
		batch, err := k.fetchBatch(sub)
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			logger.Warn(sub.ctx, "kafka fetch failed", zap.String("topic", sub.topic), zap.Error(err))
			sleepCtx(sub.ctx, 100*time.Millisecond)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		messages := make([]*Message, 0, len(batch))
		for _, msg := range batch {
			messages = append(messages, fromKafkaMessage(msg))
		}
		failed := sub.handler(sub.ctx, messages)

		commits, rewind := commitPlan(batch, failed)
		if len(commits) > 0 {
			if err := commit(sub, commits); err != nil {
				logger.Error(sub.ctx, "kafka commit failed", zap.String("topic", sub.topic), zap.Error(err))
				rewind = true
			}
		}
		if rewind {
			logger.Info(sub.ctx, "rewinding kafka reader for redelivery",
				zap.String("topic", sub.topic),
				zap.Int("failed", len(failed)),
			)
			sub.readerMu.Lock()
			_ = sub.reader.Close()
			sub.reader = k.newReader(sub.topic, sub.opts.ConsumerGroup)
			sub.readerMu.Unlock()
		}
	}
}

// commit outlives cancellation of the subscription so a batch that was
// handled during shutdown is still acknowledged.
func commit(sub *kafkaSubscription, msgs []kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(sub.ctx), commitTimeout)
	defer cancel()
	return sub.reader.CommitMessages(ctx, msgs...)
}

func (k *KafkaQueue) fetchBatch(sub *kafkaSubscription) ([]kafka.Message, error) {
	first, err := sub.reader.FetchMessage(sub.ctx)
	if err != nil {
		return nil, err
	}
	batch := []kafka.Message{first}

	waitCtx, cancel := context.WithTimeout(sub.ctx, sub.opts.BatchWait)
	defer cancel()
	for len(batch) < sub.opts.BatchSize {
		msg, err := sub.reader.FetchMessage(waitCtx)
		if err != nil {
			break
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// commitPlan returns, per partition, the last message of the longest prefix
// with no failures, and whether any message has to be redelivered.
func commitPlan(batch []kafka.Message, failed []string) ([]kafka.Message, bool) {
	failedSet := make(map[string]struct{}, len(failed))
	for _, id := range failed {
		failedSet[id] = struct{}{}
	}

	blocked := make(map[int]bool)
	last := make(map[int]kafka.Message)
	order := make([]int, 0)
	for _, msg := range batch {
		if blocked[msg.Partition] {
			continue
		}
		if _, ok := failedSet[EventID(msg.Partition, msg.Offset)]; ok {
			blocked[msg.Partition] = true
			continue
		}
		if _, seen := last[msg.Partition]; !seen {
			order = append(order, msg.Partition)
		}
		last[msg.Partition] = msg
	}

	commits := make([]kafka.Message, 0, len(order))
	for _, partition := range order {
		commits = append(commits, last[partition])
	}
	return commits, len(blocked) > 0
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func toKafkaMessage(topic string, message *Message) kafka.Message {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	headers := make([]kafka.Header, 0, len(message.Headers)+1)
	for k, v := range message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafka.Header{Key: headerTimestamp, Value: []byte(message.Timestamp.Format(time.RFC3339Nano))})

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.Key),
		Value:   message.Body,
		Headers: headers,
		Time:    message.Timestamp,
	}
}

func fromKafkaMessage(msg kafka.Message) *Message {
	m := &Message{
		ID:        EventID(msg.Partition, msg.Offset),
		Key:       string(msg.Key),
		Body:      msg.Value,
		Headers:   make(map[string]string),
		Timestamp: msg.Time,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	for _, h := range msg.Headers {
		if h.Key == headerTimestamp {
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				m.Timestamp = ts
			}
			continue
		}
		m.Headers[h.Key] = string(h.Value)
	}
	return m
}
