package model_test

import (
	"testing"
	"time"

	"mmproc/internal/dispatch/model"
)

func intPtr(v int) *int { return &v }

func TestCompletionSucceeded(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		statuses []model.ExitStatus
		want     bool
	}{
		{name: "no-statuses", statuses: nil, want: false},
		{name: "all-zero", statuses: []model.ExitStatus{{ExitCode: intPtr(0)}, {ExitCode: intPtr(0)}}, want: true},
		{name: "one-nonzero", statuses: []model.ExitStatus{{ExitCode: intPtr(0)}, {ExitCode: intPtr(1)}}, want: false},
		{name: "missing-code", statuses: []model.ExitStatus{{ExitCode: nil}}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := model.CompletionNotification{ExitStatuses: tt.statuses}
			if got := n.Succeeded(); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseJobTags(t *testing.T) {
	t.Parallel()
	tags := model.JobTags{
		ChallengeID:  "22222222-2222-2222-2222-222222222222",
		SubmissionID: "11111111-1111-1111-1111-111111111111",
		ScorerType:   "a",
		RetryCount:   2,
		Extra:        map[string]interface{}{"url": "s3://x"},
	}.Map()

	got, known := model.ParseJobTags(tags)
	if !known {
		t.Fatalf("expected known identity")
	}
	if got.RetryCount != 2 || got.ScorerType != "a" {
		t.Fatalf("unexpected tags %+v", got)
	}
	if got.Extra["url"] != "s3://x" {
		t.Fatalf("extra lost: %+v", got.Extra)
	}

	missing, known := model.ParseJobTags(map[string]string{model.TagSubmissionID: "x"})
	if known {
		t.Fatalf("expected unknown identity")
	}
	if missing.ChallengeID != model.UnknownID || missing.SubmissionID != "x" {
		t.Fatalf("unexpected ids %+v", missing)
	}

	bad, _ := model.ParseJobTags(map[string]string{model.TagRetryCount: "-3"})
	if bad.RetryCount != 0 {
		t.Fatalf("negative retry count must be ignored")
	}
}

func TestNextRetry(t *testing.T) {
	t.Parallel()
	env := model.NewDispatchEnvelope(model.NormalizedMessage{SubmissionID: "s", ChallengeID: "c"})
	if env.RetryCount != 0 || env.RetryReason != nil {
		t.Fatalf("fresh envelope must start at zero")
	}
	next := env.NextRetry("a", "exit code 1")
	if next.RetryCount != 1 || next.Reason() != "exit code 1" || next.ScorerType != "a" {
		t.Fatalf("unexpected retry envelope %+v", next)
	}
	raw, err := next.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := model.DecodeEnvelope(raw)
	if err != nil || decoded.RetryCount != 1 || decoded.Message.ChallengeID != "c" {
		t.Fatalf("decode mismatch %+v %v", decoded, err)
	}
	if _, err := model.DecodeEnvelope([]byte(`{"retryCount":-1}`)); err == nil {
		t.Fatalf("expected negative retry count to fail")
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := model.CompletionNotification{StartedAt: start, StoppedAt: start.Add(90 * time.Second)}
	if n.Duration() != 90*time.Second {
		t.Fatalf("unexpected duration %s", n.Duration())
	}
	if (model.CompletionNotification{StoppedAt: start}).Duration() != 0 {
		t.Fatalf("expected zero duration when start unknown")
	}
}
