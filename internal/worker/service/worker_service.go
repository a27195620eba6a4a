package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mmproc/internal/common/batch"
	"mmproc/internal/common/metrics"
	"mmproc/internal/dispatch/model"
	"mmproc/internal/fanout"
	"mmproc/internal/worker/config"
	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/contextkey"
	"mmproc/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries = 3
	idlePoll          = 200 * time.Millisecond
	ackTimeout        = 5 * time.Second
)

// Environment variables handed to every scorer job.
const (
	EnvSubmissionID    = "SUBMISSION_ID"
	EnvChallengeID     = "CHALLENGE_ID"
	EnvScorerType      = "SCORER_TYPE"
	EnvRetryCount      = "RETRY_COUNT"
	EnvSubmissionURL   = "SUBMISSION_URL"
	EnvMemberID        = "MEMBER_ID"
	EnvChallengeConfig = "CHALLENGE_CONFIG"
	EnvScorerConfig    = "SCORER_CONFIG"
	EnvAuthToken       = "AUTH_TOKEN"
)

// Launcher starts one asynchronous job.
type Launcher interface {
	Launch(ctx context.Context, spec model.JobSpec) (model.JobHandle, error)
}

// ConfigSource returns the challenge configuration of this worker's key.
type ConfigSource interface {
	Load(ctx context.Context) (*config.ChallengeConfig, error)
}

// TokenSource returns a bearer credential for the scorer jobs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Service dispatches envelopes for a single challenge key.
type Service struct {
	challengeID string
	maxRetries  int
	configs     ConfigSource
	tokens      TokenSource
	launcher    Launcher
}

// Config holds service dependencies and settings.
type Config struct {
	ChallengeID string
	MaxRetries  int
	Configs     ConfigSource
	Tokens      TokenSource
	Launcher    Launcher
}

// NewService creates a worker for one challenge key.
func NewService(cfg Config) (*Service, error) {
	if cfg.ChallengeID == "" {
		return nil, fmt.Errorf("challenge id is required")
	}
	if cfg.Configs == nil {
		return nil, fmt.Errorf("config source is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Service{
		challengeID: strings.ToLower(cfg.ChallengeID),
		maxRetries:  cfg.MaxRetries,
		configs:     cfg.Configs,
		tokens:      cfg.Tokens,
		launcher:    cfg.Launcher,
	}, nil
}

// Warm loads configuration and credential ahead of the first message.
// Failures are logged; both are loaded lazily again on demand.
func (s *Service) Warm(ctx context.Context) {
	if _, err := s.configs.Load(ctx); err != nil {
		logger.Warn(ctx, "challenge config warm-up failed", zap.String("challenge_id", s.challengeID), zap.Error(err))
	}
	if _, err := s.tokens.Token(ctx); err != nil {
		logger.Warn(ctx, "credential warm-up failed", zap.Error(err))
	}
}

// ProcessBatch handles deliveries concurrently and returns the ids that
// must not be acknowledged.
func (s *Service) ProcessBatch(ctx context.Context, deliveries []fanout.Delivery) []string {
	errs := batch.Each(ctx, len(deliveries), func(ctx context.Context, i int) error {
		return s.processDelivery(ctx, deliveries[i])
	})
	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, deliveries[i].ID)
		}
	}
	return failed
}

func (s *Service) processDelivery(ctx context.Context, d fanout.Delivery) error {
	env, err := model.DecodeEnvelope(d.Body)
	if err != nil {
		logger.Error(ctx, "dropping undecodable envelope",
			zap.String("queue", d.Queue),
			zap.String("entry_id", d.ID),
			zap.Error(err),
		)
		metrics.RecordWorkerMessage("invalid")
		return nil
	}
	if attr := d.RetryCount(); attr > env.RetryCount {
		env.RetryCount = attr
	}
	return s.Process(ctx, env)
}

// Process dispatches one envelope. A nil error acknowledges it; an error
// leaves it for transport redelivery.
func (s *Service) Process(ctx context.Context, env model.DispatchEnvelope) error {
	msg := env.Message
	ctx = logger.WithCorrelation(ctx, msg.SubmissionID, msg.ChallengeID)

	if !strings.EqualFold(msg.ChallengeID, s.challengeID) {
		logger.Warn(ctx, "dropping misrouted message", zap.String("worker_key", s.challengeID))
		metrics.RecordWorkerMessage("misrouted")
		return nil
	}
	if env.RetryCount >= s.maxRetries {
		logger.Warn(ctx, "retry budget exhausted, not dispatching",
			zap.Int("retry_count", env.RetryCount),
			zap.Int("max_retries", s.maxRetries),
		)
		metrics.RecordWorkerMessage("exhausted")
		return nil
	}

	cfg, err := s.configs.Load(ctx)
	if err != nil {
		logger.Error(ctx, "load challenge config failed", zap.Error(err))
		metrics.RecordWorkerMessage("failed")
		return err
	}
	token, err := s.tokens.Token(ctx)
	if err != nil {
		logger.Error(ctx, "fetch credential failed", zap.Error(err))
		metrics.RecordWorkerMessage("failed")
		return err
	}

	scorers, err := s.selectScorers(cfg, env.ScorerType)
	if err != nil {
		logger.Warn(ctx, "dropping message with no matching scorer",
			zap.String("scorer_type", env.ScorerType),
			zap.Error(err),
		)
		metrics.RecordWorkerMessage("misrouted")
		return nil
	}

	handles := make([]model.JobHandle, len(scorers))
	errs := batch.Each(ctx, len(scorers), func(ctx context.Context, i int) error {
		spec := s.buildSpec(cfg, scorers[i], env, token)
		launchCtx := context.WithValue(ctx, contextkey.ScorerType, spec.SubTaskType)
		handle, err := s.launcher.Launch(launchCtx, spec)
		metrics.RecordLaunch(spec.SubTaskType, err == nil)
		if err != nil {
			logger.Error(launchCtx, "job launch failed",
				zap.Int("retry_count", env.RetryCount),
				zap.Error(err),
			)
			return err
		}
		handles[i] = handle
		logger.Info(launchCtx, "job launched",
			zap.String("job_handle", string(handle)),
			zap.Int("retry_count", env.RetryCount),
		)
		return nil
	})

	if !batch.Any(errs) {
		metrics.RecordWorkerMessage("failed")
		return appErr.Newf(appErr.JobLaunchFailed, "all %d job launches failed", len(scorers))
	}
	launched := 0
	for _, h := range handles {
		if h != "" {
			launched++
		}
	}
	if launched < len(scorers) {
		logger.Warn(ctx, "some job launches failed",
			zap.Int("launched", launched),
			zap.Int("configured", len(scorers)),
		)
	}
	metrics.RecordWorkerMessage("dispatched")
	return nil
}

func (s *Service) selectScorers(cfg *config.ChallengeConfig, target string) ([]config.ScorerConfig, error) {
	if target == "" {
		if len(cfg.Scorers) == 0 {
			return nil, appErr.New(appErr.NoSubTaskConfigured)
		}
		return cfg.Scorers, nil
	}
	scorer, ok := cfg.Scorer(target)
	if !ok {
		return nil, appErr.Newf(appErr.NoSubTaskConfigured, "scorer %q is not configured", target)
	}
	return []config.ScorerConfig{scorer}, nil
}

func (s *Service) buildSpec(cfg *config.ChallengeConfig, scorer config.ScorerConfig, env model.DispatchEnvelope, token string) model.JobSpec {
	msg := env.Message
	vars := make(map[string]string, len(scorer.Env)+9)
	for k, v := range scorer.Env {
		vars[k] = v
	}
	scorerConfig := "{}"
	if len(scorer.Config) > 0 {
		scorerConfig = string(scorer.Config)
	}
	vars[EnvSubmissionID] = msg.SubmissionID
	vars[EnvChallengeID] = msg.ChallengeID
	vars[EnvScorerType] = scorer.Type
	vars[EnvRetryCount] = strconv.Itoa(env.RetryCount)
	vars[EnvSubmissionURL] = extraString(msg.Extra, "url", "submissionUrl")
	vars[EnvMemberID] = extraString(msg.Extra, "memberId")
	vars[EnvChallengeConfig] = string(cfg.Raw())
	vars[EnvScorerConfig] = scorerConfig
	vars[EnvAuthToken] = token

	return model.JobSpec{
		WorkerKey:    s.challengeID,
		SubmissionID: msg.SubmissionID,
		SubTaskType:  scorer.Type,
		Image:        cfg.ImageFor(scorer),
		CPU:          scorer.CPU,
		Memory:       scorer.Memory,
		Env:          vars,
		Tags: model.JobTags{
			ChallengeID:  msg.ChallengeID,
			SubmissionID: msg.SubmissionID,
			ScorerType:   scorer.Type,
			RetryCount:   env.RetryCount,
			Extra:        msg.Extra,
		},
	}
}

func extraString(extra map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := extra[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// Run receives from queue until ctx is done, acknowledging every delivery
// that was handled.
func (s *Service) Run(ctx context.Context, queue fanout.Receiver, batchSize int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		deliveries, err := queue.Receive(ctx, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error(ctx, "receive from queue failed", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(deliveries) == 0 {
			s.reportDepth(ctx, queue)
			sleepCtx(ctx, idlePoll)
			continue
		}

		failed := s.ProcessBatch(ctx, deliveries)
		failedSet := make(map[string]struct{}, len(failed))
		for _, id := range failed {
			failedSet[id] = struct{}{}
		}
		ack := make([]string, 0, len(deliveries))
		for _, d := range deliveries {
			if _, ok := failedSet[d.ID]; !ok {
				ack = append(ack, d.ID)
			}
		}
		// Jobs for these entries are already running; ack even when ctx was
		// cancelled mid-batch.
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		err = queue.Ack(ackCtx, ack...)
		cancel()
		if err != nil {
			logger.Error(ctx, "ack failed", zap.Int("count", len(ack)), zap.Error(err))
		}
		if len(failed) > 0 {
			logger.Warn(ctx, "batch partially failed, leaving entries for redelivery",
				zap.Int("batch_size", len(deliveries)),
				zap.Int("failed", len(failed)),
			)
		}
	}
}

type depthReporter interface {
	Name() string
	Depth(ctx context.Context) (ready, deadLettered int64, err error)
}

func (s *Service) reportDepth(ctx context.Context, queue fanout.Receiver) {
	dq, ok := queue.(depthReporter)
	if !ok {
		return
	}
	ready, dead, err := dq.Depth(ctx)
	if err != nil {
		logger.Debug(ctx, "queue depth unavailable", zap.String("queue", dq.Name()), zap.Error(err))
		return
	}
	metrics.SetQueueDepth(dq.Name(), ready, dead)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
