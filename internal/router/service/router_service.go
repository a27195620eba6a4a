package service

import (
	"context"
	"fmt"
	"time"

	"mmproc/internal/common/batch"
	"mmproc/internal/common/metrics"
	"mmproc/internal/common/mq"
	"mmproc/internal/dispatch/model"
	"mmproc/internal/fanout"
	"mmproc/internal/router/validator"
	"mmproc/internal/routing"
	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultLookupTimeout  = 3 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// Outcome is the per-item result of routing one ingress event.
type Outcome int

const (
	Forwarded Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Forwarded:
		return "forwarded"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Result reports what happened to one event.
type Result struct {
	EventID string
	Outcome Outcome
	Err     error
}

// Service routes validated submission events onto the fan-out topic.
type Service struct {
	validator      validator.Validator
	routes         routing.Store
	publisher      fanout.Publisher
	lookupTimeout  time.Duration
	publishTimeout time.Duration
}

// Config holds service dependencies and settings.
type Config struct {
	Validator      validator.Validator
	Routes         routing.Store
	Publisher      fanout.Publisher
	LookupTimeout  time.Duration
	PublishTimeout time.Duration
}

// NewService creates a router service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Routes == nil {
		return nil, fmt.Errorf("routing store is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = defaultLookupTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Service{
		validator:      cfg.Validator,
		routes:         cfg.Routes,
		publisher:      cfg.Publisher,
		lookupTimeout:  cfg.LookupTimeout,
		publishTimeout: cfg.PublishTimeout,
	}, nil
}

// Route processes every event concurrently and returns one result per event,
// in input order.
func (s *Service) Route(ctx context.Context, events []*mq.Message) []Result {
	results := make([]Result, len(events))
	batch.Each(ctx, len(events), func(ctx context.Context, i int) error {
		results[i] = s.routeOne(ctx, events[i])
		return results[i].Err
	})
	return results
}

// HandleBatch adapts Route to the ingress transport: it returns the ids of
// the events that must be redelivered.
func (s *Service) HandleBatch(ctx context.Context, events []*mq.Message) []string {
	results := s.Route(ctx, events)
	var failed []string
	for _, r := range results {
		if r.Outcome == Failed {
			failed = append(failed, r.EventID)
		}
	}
	if len(failed) > 0 {
		logger.Warn(ctx, "routing batch partially failed",
			zap.Int("batch_size", len(events)),
			zap.Int("failed", len(failed)),
		)
	}
	return failed
}

func (s *Service) routeOne(ctx context.Context, event *mq.Message) Result {
	res := Result{EventID: event.ID}
	defer func() { metrics.RecordRouted(res.Outcome.String()) }()

	msg, ok := s.validator.Validate(event.Body)
	if !ok {
		logger.Warn(ctx, "dropping invalid submission event", zap.String("event_id", event.ID))
		res.Outcome = Skipped
		return res
	}
	ctx = logger.WithCorrelation(ctx, msg.SubmissionID, msg.ChallengeID)

	rec, found, err := s.lookup(ctx, msg.ChallengeID)
	if err != nil {
		logger.Error(ctx, "routing lookup failed", zap.String("event_id", event.ID), zap.Error(err))
		res.Outcome, res.Err = Failed, err
		return res
	}
	if !found {
		logger.Info(ctx, "no routing record for challenge, skipping", zap.String("event_id", event.ID))
		res.Outcome = Skipped
		return res
	}
	if !rec.Forwardable() {
		logger.Info(ctx, "routing record inactive, skipping",
			zap.String("event_id", event.ID),
			zap.String("queue", rec.QueueIdentifier),
		)
		res.Outcome = Skipped
		return res
	}

	body, err := model.NewDispatchEnvelope(msg).Marshal()
	if err != nil {
		res.Outcome, res.Err = Failed, appErr.Wrapf(err, appErr.FanoutPublishFailed, "encode envelope")
		return res
	}

	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	delivered, err := s.publisher.Publish(publishCtx, body, fanout.Attributes{
		fanout.AttrChallengeID: msg.ChallengeID,
		fanout.AttrRetryCount:  "0",
	})
	if err != nil {
		logger.Error(ctx, "fan-out publish failed", zap.String("event_id", event.ID), zap.Error(err))
		res.Outcome, res.Err = Failed, err
		return res
	}
	if delivered == 0 {
		logger.Warn(ctx, "no queue subscribed for challenge", zap.String("queue", rec.QueueIdentifier))
	}
	logger.Info(ctx, "submission forwarded",
		zap.String("event_id", event.ID),
		zap.String("queue", rec.QueueIdentifier),
		zap.Int("retry_count", 0),
	)
	res.Outcome = Forwarded
	return res
}

func (s *Service) lookup(ctx context.Context, key string) (routing.Record, bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	rec, found, err := s.routes.Get(lookupCtx, key)
	if err != nil {
		return routing.Record{}, false, appErr.Wrapf(err, appErr.RoutingLookupFailed, "lookup routing record %s", key)
	}
	return rec, found, nil
}
