package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mmproc/internal/common/credential"
	"mmproc/internal/dispatch/model"
	"mmproc/internal/fanout"
	"mmproc/internal/worker/config"
	appErr "mmproc/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const (
	challengeKey = "22222222-2222-2222-2222-222222222222"
	otherKey     = "33333333-3333-3333-3333-333333333333"
	submission   = "11111111-1111-1111-1111-111111111111"
)

const configDoc = `{
  "challengeId": "22222222-2222-2222-2222-222222222222",
  "image": "registry.local/scorer:1",
  "scorers": [
    {"type": "provisional", "cpu": "1", "memory": "2Gi", "config": {"cases": 10}},
    {"type": "system", "image": "registry.local/system:2", "env": {"MODE": "full"}}
  ]
}`

type staticConfigs struct {
	cfg *config.ChallengeConfig
	err error
}

func (s staticConfigs) Load(context.Context) (*config.ChallengeConfig, error) {
	return s.cfg, s.err
}

type countingSource struct {
	fetches atomic.Int32
}

func (c *countingSource) Fetch(context.Context) (credential.Token, error) {
	c.fetches.Add(1)
	return credential.Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []model.JobSpec
	fail  map[string]bool
}

func (f *fakeLauncher) Launch(_ context.Context, spec model.JobSpec) (model.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[spec.SubTaskType] {
		return "", errors.New("quota exceeded")
	}
	f.specs = append(f.specs, spec)
	return model.JobHandle("scoring/" + spec.SubTaskType), nil
}

func (f *fakeLauncher) launchedTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.specs))
	for _, s := range f.specs {
		out = append(out, s.SubTaskType)
	}
	sort.Strings(out)
	return out
}

func mustConfig(t *testing.T) *config.ChallengeConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(configDoc), challengeKey)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func newWorker(t *testing.T, launcher Launcher, tokens TokenSource) *Service {
	t.Helper()
	if tokens == nil {
		tokens = credential.NewCache(&countingSource{}, credential.Options{})
	}
	svc, err := NewService(Config{
		ChallengeID: challengeKey,
		MaxRetries:  3,
		Configs:     staticConfigs{cfg: mustConfig(t)},
		Tokens:      tokens,
		Launcher:    launcher,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func envelope(challenge string, retry int) model.DispatchEnvelope {
	env := model.NewDispatchEnvelope(model.NormalizedMessage{
		SubmissionID: submission,
		ChallengeID:  challenge,
		Extra:        map[string]interface{}{"memberId": "m-7", "url": "https://files.local/s.zip"},
	})
	env.RetryCount = retry
	return env
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := NewService(Config{ChallengeID: challengeKey}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestProcessLaunchesEveryScorer(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	svc := newWorker(t, launcher, nil)

	if err := svc.Process(context.Background(), envelope(challengeKey, 1)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := launcher.launchedTypes(); len(got) != 2 || got[0] != "provisional" || got[1] != "system" {
		t.Fatalf("unexpected launches %v", got)
	}

	for _, spec := range launcher.specs {
		if spec.Tags.ChallengeID != challengeKey || spec.Tags.SubmissionID != submission {
			t.Fatalf("missing correlation tags: %+v", spec.Tags)
		}
		if spec.Tags.ScorerType != spec.SubTaskType || spec.Tags.RetryCount != 1 {
			t.Fatalf("unexpected tags %+v", spec.Tags)
		}
		if spec.Tags.Extra["memberId"] != "m-7" {
			t.Fatalf("extra not carried: %+v", spec.Tags.Extra)
		}
		if spec.Env[EnvAuthToken] != "tok" || spec.Env[EnvRetryCount] != "1" {
			t.Fatalf("unexpected env %v", spec.Env)
		}
		if spec.Env[EnvMemberID] != "m-7" || spec.Env[EnvSubmissionURL] != "https://files.local/s.zip" {
			t.Fatalf("extra not exported: %v", spec.Env)
		}
		switch spec.SubTaskType {
		case "provisional":
			if spec.Image != "registry.local/scorer:1" || spec.CPU != "1" || spec.Env[EnvScorerConfig] != `{"cases": 10}` {
				t.Fatalf("unexpected provisional spec %+v", spec)
			}
		case "system":
			if spec.Image != "registry.local/system:2" || spec.Env["MODE"] != "full" || spec.Env[EnvScorerConfig] != "{}" {
				t.Fatalf("unexpected system spec %+v", spec)
			}
		}
	}
}

func TestProcessDropsWithoutLaunching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  model.DispatchEnvelope
	}{
		{name: "misrouted", env: envelope(otherKey, 0)},
		{name: "budget exhausted", env: envelope(challengeKey, 3)},
		{name: "beyond budget", env: envelope(challengeKey, 9)},
		{name: "unknown scorer", env: func() model.DispatchEnvelope {
			env := envelope(challengeKey, 0).NextRetry("interactive", "Exit code: 1")
			return env
		}()},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			launcher := &fakeLauncher{}
			svc := newWorker(t, launcher, nil)
			if err := svc.Process(context.Background(), tt.env); err != nil {
				t.Fatalf("expected ok, got %v", err)
			}
			if got := launcher.launchedTypes(); len(got) != 0 {
				t.Fatalf("expected no launches, got %v", got)
			}
		})
	}
}

func TestProcessTargetedRetry(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	svc := newWorker(t, launcher, nil)

	env := envelope(challengeKey, 0).NextRetry("system", "Exit code: 137")
	if err := svc.Process(context.Background(), env); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := launcher.launchedTypes(); len(got) != 1 || got[0] != "system" {
		t.Fatalf("expected only system relaunch, got %v", got)
	}
	if launcher.specs[0].Tags.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", launcher.specs[0].Tags.RetryCount)
	}
}

func TestProcessPartialLaunchFailureIsOK(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{fail: map[string]bool{"system": true}}
	svc := newWorker(t, launcher, nil)

	if err := svc.Process(context.Background(), envelope(challengeKey, 0)); err != nil {
		t.Fatalf("expected ok with one launch, got %v", err)
	}
	if got := launcher.launchedTypes(); len(got) != 1 || got[0] != "provisional" {
		t.Fatalf("unexpected launches %v", got)
	}
}

func TestProcessTotalLaunchFailureIsRetryable(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{fail: map[string]bool{"system": true, "provisional": true}}
	svc := newWorker(t, launcher, nil)

	err := svc.Process(context.Background(), envelope(challengeKey, 0))
	if !appErr.Is(err, appErr.JobLaunchFailed) {
		t.Fatalf("expected JobLaunchFailed, got %v", err)
	}
	if appErr.IsTerminal(err) {
		t.Fatalf("launch failure must be redelivered")
	}
}

func TestProcessConfigFailureIsRetryable(t *testing.T) {
	t.Parallel()

	svc, err := NewService(Config{
		ChallengeID: challengeKey,
		Configs:     staticConfigs{err: appErr.New(appErr.ConfigLoadFailed)},
		Tokens:      credential.NewCache(&countingSource{}, credential.Options{}),
		Launcher:    &fakeLauncher{},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Process(context.Background(), envelope(challengeKey, 0)); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestCredentialReusedAcrossMessages(t *testing.T) {
	t.Parallel()

	source := &countingSource{}
	tokens := credential.NewCache(source, credential.Options{SafetyMargin: time.Minute})
	svc := newWorker(t, &fakeLauncher{}, tokens)

	for i := 0; i < 3; i++ {
		if err := svc.Process(context.Background(), envelope(challengeKey, 0)); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if n := source.fetches.Load(); n != 1 {
		t.Fatalf("expected a single credential fetch, got %d", n)
	}
}

func TestProcessBatchReportsFailedIDs(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{fail: map[string]bool{"system": true, "provisional": true}}
	svc := newWorker(t, launcher, nil)

	good, _ := envelope(otherKey, 0).Marshal()
	bad, _ := envelope(challengeKey, 0).Marshal()
	deliveries := []fanout.Delivery{
		{ID: "1-0", Body: good},
		{ID: "2-0", Body: bad},
		{ID: "3-0", Body: []byte("not json")},
	}
	failed := svc.ProcessBatch(context.Background(), deliveries)
	if len(failed) != 1 || failed[0] != "2-0" {
		t.Fatalf("expected only 2-0 to fail, got %v", failed)
	}
}

func TestRetryAttributeCountsAgainstBudget(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{}
	svc := newWorker(t, launcher, nil)

	body, _ := envelope(challengeKey, 0).Marshal()
	d := fanout.Delivery{ID: "1-0", Body: body, Attributes: fanout.Attributes{fanout.AttrRetryCount: "3"}}
	if failed := svc.ProcessBatch(context.Background(), []fanout.Delivery{d}); len(failed) != 0 {
		t.Fatalf("unexpected failures %v", failed)
	}
	if got := launcher.launchedTypes(); len(got) != 0 {
		t.Fatalf("expected no launches, got %v", got)
	}
}

func TestRunAcknowledgesHandledDeliveries(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := fanout.NewBroker(client, fanout.Config{})
	queue := broker.Queue("challenge-2", "w-1")

	launcher := &fakeLauncher{}
	svc := newWorker(t, launcher, nil)

	body, _ := envelope(challengeKey, 0).Marshal()
	if err := broker.Send(ctx, "challenge-2", body, fanout.Attributes{fanout.AttrChallengeID: challengeKey}); err != nil {
		t.Fatalf("send: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, queue, 10) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the entry to be handled")
		}
		if len(launcher.launchedTypes()) == 2 {
			pending, err := client.XPending(context.Background(), "mmproc:queue:challenge-2", "workers").Result()
			if err == nil && pending.Count == 0 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

type onceReceiver struct {
	mu        sync.Mutex
	pending   []fanout.Delivery
	acked     []string
	ackCtxErr error
}

func (r *onceReceiver) Receive(context.Context, int) ([]fanout.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out, nil
}

func (r *onceReceiver) Ack(ctx context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		r.ackCtxErr = err
		return err
	}
	r.acked = append(r.acked, ids...)
	return nil
}

type cancellingLauncher struct {
	fakeLauncher
	cancel context.CancelFunc
}

func (c *cancellingLauncher) Launch(ctx context.Context, spec model.JobSpec) (model.JobHandle, error) {
	c.cancel()
	return c.fakeLauncher.Launch(ctx, spec)
}

func TestRunAcknowledgesBatchHandledDuringShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body, _ := envelope(challengeKey, 0).Marshal()
	queue := &onceReceiver{pending: []fanout.Delivery{{ID: "1-0", Queue: "challenge-2", Body: body}}}
	launcher := &cancellingLauncher{cancel: cancel}
	svc := newWorker(t, launcher, nil)

	if err := svc.Run(ctx, queue, 10); err != nil {
		t.Fatalf("run: %v", err)
	}
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.ackCtxErr != nil {
		t.Fatalf("ack saw cancelled context: %v", queue.ackCtxErr)
	}
	if len(queue.acked) != 1 || queue.acked[0] != "1-0" {
		t.Fatalf("acked = %v, want [1-0]", queue.acked)
	}
	if got := launcher.launchedTypes(); len(got) != 2 {
		t.Fatalf("launched = %v, want both scorers", got)
	}
}
