// Package notify carries completion notifications from the job runtime onto
// the completion topic.
package notify

import (
	"context"
	"encoding/json"

	"mmproc/internal/common/mq"
	"mmproc/internal/dispatch/model"
	appErr "mmproc/pkg/errors"
)

// DefaultTopic is the topic completion notifications are published to.
const DefaultTopic = "job.completions"

// Publisher writes notifications keyed by job handle so that every
// notification of a job lands on the same partition.
type Publisher struct {
	producer mq.Producer
	topic    string
}

func NewPublisher(producer mq.Producer, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{producer: producer, topic: topic}
}

// Notify implements the job watcher sink.
func (p *Publisher) Notify(ctx context.Context, n model.CompletionNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return appErr.Wrapf(err, appErr.NotificationInvalid, "encode notification for %s", n.JobHandle)
	}
	msg := mq.NewMessage(string(n.JobHandle), body)
	if err := p.producer.Publish(ctx, p.topic, msg); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFailed, "publish notification for %s", n.JobHandle)
	}
	return nil
}
