package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Tag keys attached to every launched job.
const (
	TagChallengeID  = "ChallengeId"
	TagSubmissionID = "SubmissionId"
	TagScorerType   = "ScorerType"
	TagRetryCount   = "RetryCount"
	TagExtra        = "Extra"
)

// UnknownID stands in for correlation ids missing from a notification.
const UnknownID = "unknown"

// JobTags is the correlation identity carried across the async job boundary.
type JobTags struct {
	ChallengeID  string
	SubmissionID string
	ScorerType   string
	RetryCount   int
	Extra        map[string]interface{}
}

// Map renders the tags as the string map handed to the job runtime.
func (t JobTags) Map() map[string]string {
	out := map[string]string{
		TagChallengeID:  t.ChallengeID,
		TagSubmissionID: t.SubmissionID,
		TagScorerType:   t.ScorerType,
		TagRetryCount:   strconv.Itoa(t.RetryCount),
	}
	if len(t.Extra) > 0 {
		if raw, err := json.Marshal(t.Extra); err == nil {
			out[TagExtra] = string(raw)
		}
	}
	return out
}

// ParseJobTags rebuilds correlation identity from a tag map. Missing ids are
// reported as UnknownID and known is false.
func ParseJobTags(tags map[string]string) (t JobTags, known bool) {
	t.ChallengeID = tags[TagChallengeID]
	t.SubmissionID = tags[TagSubmissionID]
	t.ScorerType = tags[TagScorerType]
	if raw, ok := tags[TagRetryCount]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			t.RetryCount = n
		}
	}
	if raw := tags[TagExtra]; raw != "" {
		var extra map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &extra); err == nil {
			t.Extra = extra
		}
	}
	known = t.ChallengeID != "" && t.SubmissionID != ""
	if t.ChallengeID == "" {
		t.ChallengeID = UnknownID
	}
	if t.SubmissionID == "" {
		t.SubmissionID = UnknownID
	}
	return t, known
}

// JobSpec describes one sub-task launch.
type JobSpec struct {
	WorkerKey    string
	SubmissionID string
	SubTaskType  string
	Image        string
	CPU          string
	Memory       string
	Env          map[string]string
	Tags         JobTags
}

// JobHandle identifies a launched job. It is not retained after launch.
type JobHandle string

// ExitStatus is one container's reported exit code. A nil code means the
// runtime reported the container without an exit code.
type ExitStatus struct {
	Container string `json:"container"`
	ExitCode  *int   `json:"exitCode"`
}

// CompletionNotification reports a finished job.
type CompletionNotification struct {
	JobHandle     JobHandle         `json:"jobHandle"`
	ExitStatuses  []ExitStatus      `json:"exitStatuses"`
	Tags          map[string]string `json:"tags"`
	StartedAt     time.Time         `json:"startedAt"`
	StoppedAt     time.Time         `json:"stoppedAt"`
	StoppedReason string            `json:"stoppedReason,omitempty"`
}

// Succeeded is true when at least one exit status was reported and all are zero.
func (n CompletionNotification) Succeeded() bool {
	if len(n.ExitStatuses) == 0 {
		return false
	}
	for _, st := range n.ExitStatuses {
		if st.ExitCode == nil || *st.ExitCode != 0 {
			return false
		}
	}
	return true
}

// Duration is stoppedAt - startedAt, or zero when either is unknown.
func (n CompletionNotification) Duration() time.Duration {
	if n.StartedAt.IsZero() || n.StoppedAt.IsZero() {
		return 0
	}
	return n.StoppedAt.Sub(n.StartedAt)
}
