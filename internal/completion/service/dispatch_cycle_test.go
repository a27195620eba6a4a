package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"mmproc/internal/common/credential"
	"mmproc/internal/dispatch/model"
	"mmproc/internal/fanout"
	"mmproc/internal/worker/config"
	workersvc "mmproc/internal/worker/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type cycleConfigs struct{ cfg *config.ChallengeConfig }

func (c cycleConfigs) Load(context.Context) (*config.ChallengeConfig, error) { return c.cfg, nil }

type cycleLauncher struct {
	mu    sync.Mutex
	specs []model.JobSpec
}

func (l *cycleLauncher) Launch(_ context.Context, spec model.JobSpec) (model.JobHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	return model.JobHandle("scoring/" + spec.SubTaskType + "-" + time.Now().Format("150405.000000000")), nil
}

func (l *cycleLauncher) take() []model.JobSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.specs
	l.specs = nil
	return out
}

func failed(spec model.JobSpec, handle string) model.CompletionNotification {
	return model.CompletionNotification{
		JobHandle:    model.JobHandle(handle),
		ExitStatuses: []model.ExitStatus{exit(1)},
		Tags:         spec.Tags.Map(),
	}
}

func TestDispatchCycleWithTargetedRetries(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	broker := fanout.NewBroker(client, fanout.Config{})
	queue := broker.Queue("challenge-2", "w-1")

	cfg, err := config.Parse([]byte(`{"image":"scorer:1","scorers":[{"type":"a"},{"type":"b"}]}`), challengeID)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	launcher := &cycleLauncher{}
	worker, err := workersvc.NewService(workersvc.Config{
		ChallengeID: challengeID,
		MaxRetries:  3,
		Configs:     cycleConfigs{cfg: cfg},
		Tokens:      credential.NewCache(credential.StaticSource{Value: "tok"}, credential.Options{}),
		Launcher:    launcher,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	correlator := newCorrelator(t, broker, nil)

	env := model.NewDispatchEnvelope(model.NormalizedMessage{SubmissionID: submissionID, ChallengeID: challengeID})
	if err := worker.Process(ctx, env); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	first := launcher.take()
	if len(first) != 2 {
		t.Fatalf("expected two launches, got %d", len(first))
	}
	var jobA model.JobSpec
	for _, spec := range first {
		if spec.Tags.RetryCount != 0 {
			t.Fatalf("first launch must carry RetryCount 0, got %d", spec.Tags.RetryCount)
		}
		if spec.SubTaskType == "a" {
			jobA = spec
		}
	}

	relaunch := func(handle string, spec model.JobSpec) []model.JobSpec {
		t.Helper()
		if _, err := correlator.Handle(ctx, failed(spec, handle)); err != nil {
			t.Fatalf("handle completion: %v", err)
		}
		deliveries, err := queue.Receive(ctx, 10)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if failedIDs := worker.ProcessBatch(ctx, deliveries); len(failedIDs) != 0 {
			t.Fatalf("unexpected failures %v", failedIDs)
		}
		ids := make([]string, 0, len(deliveries))
		for _, d := range deliveries {
			ids = append(ids, d.ID)
		}
		if err := queue.Ack(ctx, ids...); err != nil {
			t.Fatalf("ack: %v", err)
		}
		return launcher.take()
	}

	second := relaunch("scoring/a-0", jobA)
	if len(second) != 1 || second[0].SubTaskType != "a" || second[0].Tags.RetryCount != 1 {
		t.Fatalf("expected one relaunch of a at retry 1, got %+v", second)
	}

	third := relaunch("scoring/a-1", second[0])
	if len(third) != 1 || third[0].Tags.RetryCount != 2 {
		t.Fatalf("expected one relaunch of a at retry 2, got %+v", third)
	}

	if fourth := relaunch("scoring/a-2", third[0]); len(fourth) != 0 {
		t.Fatalf("expected no relaunch after max retries, got %+v", fourth)
	}
	if ready, _, err := queue.Depth(ctx); err != nil || ready != 0 {
		t.Fatalf("expected empty queue, ready=%d err=%v", ready, err)
	}
}
