package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix        = "mmproc:"
	fieldBody        = "body"
	attrFieldPrefix  = "attr:"
	consumerGroup    = "workers"
	deadLetterSuffix = ":dlq"
)

// Config controls per-key queue behavior.
type Config struct {
	Topic               string        `yaml:"topic"`
	VisibilityTimeout   time.Duration `yaml:"visibilityTimeout"`
	MaxDeliveryAttempts int64         `yaml:"maxDeliveryAttempts"`
	// Block bounds how long Receive waits for new entries. Zero polls.
	Block time.Duration `yaml:"block"`
}

func (c *Config) setDefaults() {
	if c.Topic == "" {
		c.Topic = "submissions"
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 3
	}
}

// Broker is a topic with filtered subscriptions whose queues are Redis
// streams read through a consumer group.
type Broker struct {
	client *redis.Client
	cfg    Config
}

func NewBroker(client *redis.Client, cfg Config) *Broker {
	cfg.setDefaults()
	return &Broker{client: client, cfg: cfg}
}

// Subscribe attaches queue to the topic with the given filter policy and
// provisions its consumer group.
func (b *Broker) Subscribe(ctx context.Context, queue string, policy FilterPolicy) error {
	if queue == "" {
		return errors.New("queue is required")
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	if err := b.client.HSet(ctx, b.subscriptionsKey(), queue, raw).Err(); err != nil {
		return appErr.Wrapf(err, appErr.FanoutPublishFailed, "subscribe queue %s", queue)
	}
	return ensureGroup(ctx, b.client, streamKey(queue))
}

// Unsubscribe detaches queue from the topic. Pending entries stay readable.
func (b *Broker) Unsubscribe(ctx context.Context, queue string) error {
	return b.client.HDel(ctx, b.subscriptionsKey(), queue).Err()
}

// Publish appends body to every subscribed queue whose filter matches attrs
// and returns how many queues received it.
func (b *Broker) Publish(ctx context.Context, body []byte, attrs Attributes) (int, error) {
	subs, err := b.client.HGetAll(ctx, b.subscriptionsKey()).Result()
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.FanoutPublishFailed, "load subscriptions")
	}

	targets := make([]string, 0, 1)
	for queue, raw := range subs {
		var policy FilterPolicy
		if err := json.Unmarshal([]byte(raw), &policy); err != nil {
			logger.Warn(ctx, "invalid filter policy", zap.String("queue", queue), zap.Error(err))
			continue
		}
		if policy.Matches(attrs) {
			targets = append(targets, queue)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	values := encodeFields(body, attrs)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, queue := range targets {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(queue), Values: values})
		}
		return nil
	})
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.FanoutPublishFailed, "publish to %d queues", len(targets))
	}
	return len(targets), nil
}

// Send appends directly to a queue, bypassing subscription filters.
func (b *Broker) Send(ctx context.Context, queue string, body []byte, attrs Attributes) error {
	if queue == "" {
		return appErr.Newf(appErr.QueuePublishFailed, "queue is required")
	}
	err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(queue), Values: encodeFields(body, attrs)}).Err()
	if err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFailed, "send to queue %s", queue)
	}
	return nil
}

// Queue returns a consumer handle for one per-key queue.
func (b *Broker) Queue(name, consumer string) *Queue {
	return &Queue{
		client:      b.client,
		name:        name,
		stream:      streamKey(name),
		consumer:    consumer,
		visibility:  b.cfg.VisibilityTimeout,
		maxAttempts: b.cfg.MaxDeliveryAttempts,
		block:       b.cfg.Block,
	}
}

func (b *Broker) subscriptionsKey() string {
	return keyPrefix + "topic:" + b.cfg.Topic + ":subscriptions"
}

func streamKey(queue string) string {
	return keyPrefix + "queue:" + queue
}

// DeadLetterQueue names the queue that collects entries of queue which
// exhausted their delivery attempts.
func DeadLetterQueue(queue string) string {
	return queue + deadLetterSuffix
}

func ensureGroup(ctx context.Context, client *redis.Client, stream string) error {
	err := client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func encodeFields(body []byte, attrs Attributes) map[string]interface{} {
	values := make(map[string]interface{}, len(attrs)+1)
	values[fieldBody] = string(body)
	for k, v := range attrs {
		values[attrFieldPrefix+k] = v
	}
	return values
}

func decodeFields(values map[string]interface{}) ([]byte, Attributes) {
	attrs := make(Attributes)
	var body []byte
	for k, v := range values {
		s, _ := v.(string)
		if k == fieldBody {
			body = []byte(s)
			continue
		}
		if name, ok := strings.CutPrefix(k, attrFieldPrefix); ok {
			attrs[name] = s
		}
	}
	return body, attrs
}
