package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"mmproc/internal/common/batch"
	"mmproc/internal/common/metrics"
	"mmproc/internal/common/mq"
	"mmproc/internal/dispatch/model"
	"mmproc/internal/fanout"
	"mmproc/internal/routing"
	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/contextkey"
	"mmproc/pkg/utils/logger"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries     = 3
	defaultDedupeTTL      = 10 * time.Minute
	defaultDedupeCapacity = 100000
	defaultCallTimeout    = 5 * time.Second
)

// Decision is what the correlator did with one notification.
type Decision int

const (
	DecisionSucceeded Decision = iota
	DecisionRetried
	DecisionExhausted
	DecisionDropped
	DecisionDuplicate
)

func (d Decision) String() string {
	switch d {
	case DecisionSucceeded:
		return "succeeded"
	case DecisionRetried:
		return "retried"
	case DecisionExhausted:
		return "exhausted"
	case DecisionDropped:
		return "dropped"
	case DecisionDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Config holds correlator dependencies and settings.
type Config struct {
	Routes routing.Store
	Sender fanout.Sender
	// Reporter is optional.
	Reporter Reporter

	MaxRetries     int
	DedupeTTL      time.Duration
	DedupeCapacity uint64
	CallTimeout    time.Duration
}

// Service turns job completion notifications into success logs or retry
// envelopes on the per-key queue.
type Service struct {
	routes      routing.Store
	sender      fanout.Sender
	reporter    Reporter
	maxRetries  int
	callTimeout time.Duration

	seen *ttlcache.Cache[model.JobHandle, struct{}]
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Routes == nil {
		return nil, fmt.Errorf("routing store is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("queue sender is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = defaultDedupeTTL
	}
	if cfg.DedupeCapacity == 0 {
		cfg.DedupeCapacity = defaultDedupeCapacity
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	seen := ttlcache.New(
		ttlcache.WithTTL[model.JobHandle, struct{}](cfg.DedupeTTL),
		ttlcache.WithCapacity[model.JobHandle, struct{}](cfg.DedupeCapacity),
		ttlcache.WithDisableTouchOnHit[model.JobHandle, struct{}](),
	)
	return &Service{
		routes:      cfg.Routes,
		sender:      cfg.Sender,
		reporter:    cfg.Reporter,
		maxRetries:  cfg.MaxRetries,
		callTimeout: cfg.CallTimeout,
		seen:        seen,
	}, nil
}

// Start runs expiry of the de-duplication set until Stop is called.
func (s *Service) Start() {
	go s.seen.Start()
}

func (s *Service) Stop() {
	s.seen.Stop()
}

// HandleBatch is the mq.BatchHandlerFunc for the completion topic. It
// returns the ids of the notifications whose decision could not be carried
// out; the transport delivers those again.
func (s *Service) HandleBatch(ctx context.Context, msgs []*mq.Message) []string {
	errs := batch.Each(ctx, len(msgs), func(ctx context.Context, i int) error {
		return s.HandleMessage(ctx, msgs[i])
	})
	var failed []string
	for i, err := range errs {
		if err != nil {
			failed = append(failed, msgs[i].ID)
		}
	}
	if len(failed) > 0 {
		logger.Warn(ctx, "completion batch partially failed",
			zap.Int("batch_size", len(msgs)),
			zap.Int("failed", len(failed)),
		)
	}
	return failed
}

// HandleMessage decodes and correlates one notification. Undecodable bodies
// are acknowledged.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	var n model.CompletionNotification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		logger.Error(ctx, "dropping undecodable completion notification",
			zap.String("event_id", msg.ID),
			zap.Error(appErr.Wrapf(err, appErr.NotificationInvalid, "decode notification")),
		)
		metrics.RecordCompletion("invalid")
		return nil
	}
	_, err := s.Handle(ctx, n)
	return err
}

// Handle correlates one notification. An error means the decision could not
// be carried out and the notification should be redelivered.
func (s *Service) Handle(ctx context.Context, n model.CompletionNotification) (Decision, error) {
	tags, known := model.ParseJobTags(n.Tags)
	ctx = logger.WithCorrelation(ctx, tags.SubmissionID, tags.ChallengeID)
	if tags.ScorerType != "" {
		ctx = context.WithValue(ctx, contextkey.ScorerType, tags.ScorerType)
	}
	handleField := zap.String("job_handle", string(n.JobHandle))

	if n.JobHandle != "" {
		if _, dup := s.seen.GetOrSet(n.JobHandle, struct{}{}); dup {
			logger.Info(ctx, "ignoring duplicate completion notification", handleField)
			metrics.RecordCompletion(DecisionDuplicate.String())
			return DecisionDuplicate, nil
		}
	}

	if !known {
		logger.Warn(ctx, "completion notification without correlation tags",
			handleField,
			zap.Any("tags", n.Tags),
		)
		metrics.RecordCompletion("unknown")
		return DecisionDropped, nil
	}

	succeeded := n.Succeeded()
	metrics.ObserveJobDuration(tags.ScorerType, succeeded, n.Duration())
	if succeeded {
		logger.Info(ctx, "scoring job succeeded",
			handleField,
			zap.Int("retry_count", tags.RetryCount),
			zap.Duration("duration", n.Duration()),
		)
		metrics.RecordCompletion("success")
		s.report(ctx, n, tags, StatusScored)
		return DecisionSucceeded, nil
	}

	reason := failureReason(n)
	logger.Warn(ctx, "scoring job failed",
		handleField,
		zap.Int("retry_count", tags.RetryCount),
		zap.String("reason", reason),
		zap.Duration("duration", n.Duration()),
	)
	metrics.RecordCompletion("failure")

	decision, err := s.retry(ctx, tags, reason)
	if err != nil {
		// Let redelivery of this notification try again.
		if n.JobHandle != "" {
			s.seen.Delete(n.JobHandle)
		}
		return decision, err
	}
	if decision != DecisionRetried {
		s.report(ctx, n, tags, StatusFailed)
	}
	return decision, nil
}

func (s *Service) retry(ctx context.Context, tags model.JobTags, reason string) (Decision, error) {
	if tags.RetryCount+1 >= s.maxRetries {
		logger.Warn(ctx, "max retries reached",
			zap.Int("retry_count", tags.RetryCount),
			zap.Int("max_retries", s.maxRetries),
			zap.String("reason", reason),
		)
		metrics.RecordRetryDecision(DecisionExhausted.String())
		return DecisionExhausted, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	record, found, err := s.routes.Get(lookupCtx, tags.ChallengeID)
	cancel()
	if err != nil {
		logger.Error(ctx, "routing lookup for retry failed", zap.Error(err))
		return DecisionDropped, appErr.Wrapf(err, appErr.RoutingLookupFailed, "lookup %s", tags.ChallengeID)
	}
	if !found || !record.Forwardable() {
		logger.Warn(ctx, "no active queue for retry, dropping",
			zap.Bool("found", found),
			zap.Bool("active", record.Active),
			zap.Int("retry_count", tags.RetryCount),
		)
		metrics.RecordRetryDecision(DecisionDropped.String())
		return DecisionDropped, nil
	}

	prev := model.DispatchEnvelope{
		Message: model.NormalizedMessage{
			SubmissionID: tags.SubmissionID,
			ChallengeID:  tags.ChallengeID,
			Extra:        tags.Extra,
		},
		RetryCount: tags.RetryCount,
	}
	next := prev.NextRetry(tags.ScorerType, reason)
	body, err := next.Marshal()
	if err != nil {
		return DecisionDropped, appErr.Wrapf(err, appErr.QueuePublishFailed, "encode retry envelope")
	}

	attrs := fanout.Attributes{
		fanout.AttrChallengeID: tags.ChallengeID,
		fanout.AttrRetryCount:  strconv.Itoa(next.RetryCount),
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.sender.Send(sendCtx, record.QueueIdentifier, body, attrs); err != nil {
		logger.Error(ctx, "enqueue retry failed",
			zap.String("queue", record.QueueIdentifier),
			zap.Int("retry_count", next.RetryCount),
			zap.Error(err),
		)
		return DecisionDropped, err
	}

	logger.Info(ctx, "retry enqueued",
		zap.String("queue", record.QueueIdentifier),
		zap.Int("retry_count", next.RetryCount),
		zap.String("reason", reason),
	)
	metrics.RecordRetryDecision(DecisionRetried.String())
	return DecisionRetried, nil
}

func (s *Service) report(ctx context.Context, n model.CompletionNotification, tags model.JobTags, status Status) {
	if s.reporter == nil {
		return
	}
	reportCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	err := s.reporter.Report(reportCtx, StatusReport{
		SubmissionID:  tags.SubmissionID,
		Status:        status,
		JobHandle:     string(n.JobHandle),
		StoppedReason: n.StoppedReason,
		ScorerType:    tags.ScorerType,
		RetryCount:    tags.RetryCount,
	})
	if err != nil {
		logger.Error(ctx, "submission status report failed",
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// failureReason names the first non-zero exit code and appends the
// runtime's stop reason when there is one.
func failureReason(n model.CompletionNotification) string {
	reason := "no exit status reported"
	for _, st := range n.ExitStatuses {
		if st.ExitCode == nil {
			reason = fmt.Sprintf("container %s reported no exit code", st.Container)
			break
		}
		if *st.ExitCode != 0 {
			reason = fmt.Sprintf("Exit code: %d", *st.ExitCode)
			break
		}
	}
	if n.StoppedReason != "" {
		reason += " (" + n.StoppedReason + ")"
	}
	return reason
}
