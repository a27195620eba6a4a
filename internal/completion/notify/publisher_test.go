package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"mmproc/internal/common/mq"
	"mmproc/internal/dispatch/model"
	"mmproc/internal/jobs/kube"
	appErr "mmproc/pkg/errors"
)

type fakeProducer struct {
	topic string
	msgs  []*mq.Message
	err   error
}

func (f *fakeProducer) Publish(_ context.Context, topic string, msg *mq.Message) error {
	if f.err != nil {
		return f.err
	}
	f.topic = topic
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeProducer) PublishBatch(ctx context.Context, topic string, msgs []*mq.Message) error {
	for _, m := range msgs {
		if err := f.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

var _ kube.Sink = (*Publisher)(nil)

func TestNotifyPublishesKeyedByHandle(t *testing.T) {
	t.Parallel()

	producer := &fakeProducer{}
	pub := NewPublisher(producer, "")

	code := 1
	n := model.CompletionNotification{
		JobHandle:    "scoring/scorer-a-x1",
		ExitStatuses: []model.ExitStatus{{Container: "scorer", ExitCode: &code}},
		Tags:         map[string]string{model.TagChallengeID: "c", model.TagSubmissionID: "s"},
	}
	if err := pub.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if producer.topic != DefaultTopic || len(producer.msgs) != 1 {
		t.Fatalf("unexpected publish: topic=%q count=%d", producer.topic, len(producer.msgs))
	}
	msg := producer.msgs[0]
	if msg.Key != "scoring/scorer-a-x1" {
		t.Fatalf("key = %q", msg.Key)
	}
	var got model.CompletionNotification
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobHandle != n.JobHandle || got.Succeeded() || got.Tags[model.TagSubmissionID] != "s" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestNotifyWrapsProducerError(t *testing.T) {
	t.Parallel()

	pub := NewPublisher(&fakeProducer{err: errors.New("broker down")}, "completions")
	err := pub.Notify(context.Background(), model.CompletionNotification{JobHandle: "scoring/x"})
	if !appErr.Is(err, appErr.QueuePublishFailed) {
		t.Fatalf("expected QueuePublishFailed, got %v", err)
	}
}
