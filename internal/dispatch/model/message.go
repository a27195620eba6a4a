package model

import (
	"encoding/json"
	"fmt"
)

// NormalizedMessage is a validated submission event.
// Both ids are canonical UUID strings.
type NormalizedMessage struct {
	SubmissionID string                 `json:"submissionId"`
	ChallengeID  string                 `json:"challengeId"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

// DispatchEnvelope is the body carried on the fan-out and per-key queue hops.
type DispatchEnvelope struct {
	Message     NormalizedMessage `json:"message"`
	RetryCount  int               `json:"retryCount"`
	RetryReason *string           `json:"retryReason"`
	// ScorerType narrows a retry to the sub-task that failed. Empty means all.
	ScorerType string `json:"scorerType,omitempty"`
}

// NewDispatchEnvelope wraps a message for its first dispatch.
func NewDispatchEnvelope(msg NormalizedMessage) DispatchEnvelope {
	return DispatchEnvelope{Message: msg}
}

// NextRetry returns the envelope for the next application-level attempt.
func (e DispatchEnvelope) NextRetry(scorerType, reason string) DispatchEnvelope {
	r := reason
	return DispatchEnvelope{
		Message:     e.Message,
		RetryCount:  e.RetryCount + 1,
		RetryReason: &r,
		ScorerType:  scorerType,
	}
}

// Reason returns the retry reason or an empty string.
func (e DispatchEnvelope) Reason() string {
	if e.RetryReason == nil {
		return ""
	}
	return *e.RetryReason
}

// Marshal encodes the envelope as JSON.
func (e DispatchEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a queue body into an envelope.
func DecodeEnvelope(body []byte) (DispatchEnvelope, error) {
	var env DispatchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return DispatchEnvelope{}, fmt.Errorf("decode envelope failed: %w", err)
	}
	if env.RetryCount < 0 {
		return DispatchEnvelope{}, fmt.Errorf("negative retry count %d", env.RetryCount)
	}
	return env, nil
}
