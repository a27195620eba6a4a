package fanout

import (
	"context"
	"strconv"
)

const (
	AttrChallengeID = "challengeId"
	AttrRetryCount  = "RetryCount"
)

// Attributes are message-level metadata evaluated by subscription filters.
type Attributes map[string]string

// FilterPolicy is an exact-match filter: every listed attribute must be
// present and equal to one of the allowed values. An empty policy matches
// every message.
type FilterPolicy map[string][]string

// Matches reports whether attrs satisfy the policy.
func (p FilterPolicy) Matches(attrs Attributes) bool {
	for name, allowed := range p {
		value, ok := attrs[name]
		if !ok {
			return false
		}
		matched := false
		for _, candidate := range allowed {
			if candidate == value {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Delivery is one message received from a per-key queue.
type Delivery struct {
	ID         string
	Queue      string
	Body       []byte
	Attributes Attributes

	// Attempts counts deliveries of this message, including this one.
	Attempts int64
}

// RetryCount reads the numeric RetryCount attribute; absent or malformed
// values count as 0.
func (d Delivery) RetryCount() int {
	raw, ok := d.Attributes[AttrRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Publisher publishes to the fan-out topic.
type Publisher interface {
	Publish(ctx context.Context, body []byte, attrs Attributes) (delivered int, err error)
}

// Sender writes straight onto a named per-key queue.
type Sender interface {
	Send(ctx context.Context, queue string, body []byte, attrs Attributes) error
}

// Receiver consumes a per-key queue. Messages that are not acknowledged
// become visible again after the visibility timeout.
type Receiver interface {
	Receive(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, ids ...string) error
}
