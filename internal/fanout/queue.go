package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Queue consumes one per-key stream. Each Receive first reclaims entries that
// stayed unacknowledged past the visibility timeout, then reads new ones.
// Delivery attempts are counted in a hash next to the stream; an entry that
// would exceed maxAttempts is moved to the dead-letter queue instead.
type Queue struct {
	client      *redis.Client
	name        string
	stream      string
	consumer    string
	visibility  time.Duration
	maxAttempts int64
	block       time.Duration

	groupMu    sync.Mutex
	groupReady bool
}

// Name returns the queue identifier.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) attemptsKey() string {
	return q.stream + ":attempts"
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady {
		return nil
	}
	if err := ensureGroup(ctx, q.client, q.stream); err != nil {
		return err
	}
	q.groupReady = true
	return nil
}

// Receive returns up to max deliveries.
func (q *Queue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 10
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, appErr.Wrapf(err, appErr.QueueReceiveFailed, "create consumer group for %s", q.name)
	}

	deliveries, err := q.reclaim(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(deliveries) >= max {
		return deliveries, nil
	}

	block := time.Duration(-1)
	if len(deliveries) == 0 && q.block > 0 {
		block = q.block
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max - len(deliveries)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return deliveries, nil
		}
		if len(deliveries) > 0 && ctx.Err() != nil {
			return deliveries, nil
		}
		return deliveries, appErr.Wrapf(err, appErr.QueueReceiveFailed, "read queue %s", q.name)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			d, ok, err := q.track(ctx, msg)
			if err != nil {
				return deliveries, err
			}
			if ok {
				deliveries = append(deliveries, d)
			}
		}
	}
	return deliveries, nil
}

func (q *Queue) reclaim(ctx context.Context, max int) ([]Delivery, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  int64(max),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.QueueReceiveFailed, "list pending entries of %s", q.name)
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= q.visibility {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    consumerGroup,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, appErr.Wrapf(err, appErr.QueueReceiveFailed, "claim expired entries of %s", q.name)
	}

	deliveries := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		d, ok, err := q.track(ctx, msg)
		if err != nil {
			return deliveries, err
		}
		if ok {
			deliveries = append(deliveries, d)
		}
	}
	return deliveries, nil
}

// track counts a delivery attempt and dead-letters the entry once the
// budget is spent.
func (q *Queue) track(ctx context.Context, msg redis.XMessage) (Delivery, bool, error) {
	attempts, err := q.client.HIncrBy(ctx, q.attemptsKey(), msg.ID, 1).Result()
	if err != nil {
		return Delivery{}, false, appErr.Wrapf(err, appErr.QueueReceiveFailed, "count delivery of %s", msg.ID)
	}
	body, attrs := decodeFields(msg.Values)
	d := Delivery{ID: msg.ID, Queue: q.name, Body: body, Attributes: attrs, Attempts: attempts}
	if attempts <= q.maxAttempts {
		return d, true, nil
	}

	if err := q.deadLetter(ctx, msg); err != nil {
		return Delivery{}, false, err
	}
	logger.Warn(ctx, "message moved to dead-letter queue",
		zap.String("queue", q.name),
		zap.String("entry_id", msg.ID),
		zap.Int64("attempts", attempts-1),
	)
	return Delivery{}, false, nil
}

func (q *Queue) deadLetter(ctx context.Context, msg redis.XMessage) error {
	values := make(map[string]interface{}, len(msg.Values)+1)
	for k, v := range msg.Values {
		values[k] = v
	}
	values[attrFieldPrefix+"sourceEntryId"] = msg.ID
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(DeadLetterQueue(q.name)), Values: values})
		pipe.XAck(ctx, q.stream, consumerGroup, msg.ID)
		pipe.XDel(ctx, q.stream, msg.ID)
		pipe.HDel(ctx, q.attemptsKey(), msg.ID)
		return nil
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.QueueAckFailed, "dead-letter %s", msg.ID)
	}
	return nil
}

// Ack removes the entries from the queue.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.stream, consumerGroup, ids...)
		pipe.XDel(ctx, q.stream, ids...)
		pipe.HDel(ctx, q.attemptsKey(), ids...)
		return nil
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.QueueAckFailed, "ack %d entries on %s", len(ids), q.name)
	}
	return nil
}

// Depth returns the number of entries in the queue and its dead-letter queue.
func (q *Queue) Depth(ctx context.Context) (ready, deadLettered int64, err error) {
	ready, err = q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, 0, err
	}
	deadLettered, err = q.client.XLen(ctx, streamKey(DeadLetterQueue(q.name))).Result()
	if err != nil {
		return 0, 0, err
	}
	return ready, deadLettered, nil
}

// DeadLetters lists up to count dead-lettered deliveries, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, count int64) ([]Delivery, error) {
	msgs, err := q.client.XRangeN(ctx, streamKey(DeadLetterQueue(q.name)), "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		body, attrs := decodeFields(msg.Values)
		out = append(out, Delivery{ID: msg.ID, Queue: DeadLetterQueue(q.name), Body: body, Attributes: attrs})
	}
	return out, nil
}
