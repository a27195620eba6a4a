package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appErr "mmproc/pkg/errors"
)

// Status is the submission state reported upstream.
type Status string

const (
	StatusScored Status = "SCORED"
	StatusFailed Status = "FAILED"
)

// StatusReport is one submission status update.
type StatusReport struct {
	SubmissionID  string
	Status        Status
	JobHandle     string
	StoppedReason string
	ScorerType    string
	RetryCount    int
}

// Reporter publishes submission status to the owning service.
type Reporter interface {
	Report(ctx context.Context, r StatusReport) error
}

// TokenSource returns a bearer credential. Invalidate drops a credential the
// server rejected so the next Token call fetches a fresh one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// HTTPReporter PATCHes <baseURL>/submissions/<id>.
type HTTPReporter struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

func NewHTTPReporter(baseURL string, tokens TokenSource, timeout time.Duration) (*HTTPReporter, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid submission api url %q: %w", baseURL, err)
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type statusRequest struct {
	Status   Status         `json:"status"`
	Metadata statusMetadata `json:"metadata"`
}

type statusMetadata struct {
	JobHandle     string `json:"jobHandle"`
	StoppedReason string `json:"stoppedReason"`
	ScorerType    string `json:"scorerType,omitempty"`
	RetryCount    int    `json:"retryCount"`
}

// Report sends the update. A 401 invalidates the cached credential and the
// request is sent once more with a fresh one.
func (h *HTTPReporter) Report(ctx context.Context, r StatusReport) error {
	body, err := json.Marshal(statusRequest{
		Status: r.Status,
		Metadata: statusMetadata{
			JobHandle:     r.JobHandle,
			StoppedReason: r.StoppedReason,
			ScorerType:    r.ScorerType,
			RetryCount:    r.RetryCount,
		},
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.StatusReportFailed, "encode status")
	}

	endpoint := h.baseURL + "/submissions/" + url.PathEscape(r.SubmissionID)
	status, snippet, err := h.patch(ctx, endpoint, body)
	if err == nil && status == http.StatusUnauthorized {
		h.tokens.Invalidate()
		status, snippet, err = h.patch(ctx, endpoint, body)
	}
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return appErr.Newf(appErr.StatusReportFailed, "patch %s: status %d: %s", endpoint, status, snippet)
	}
	return nil
}

func (h *HTTPReporter) patch(ctx context.Context, endpoint string, body []byte) (int, string, error) {
	token, err := h.tokens.Token(ctx)
	if err != nil {
		return 0, "", appErr.Wrapf(err, appErr.StatusReportFailed, "fetch credential")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", appErr.Wrapf(err, appErr.StatusReportFailed, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, "", appErr.Wrapf(err, appErr.StatusReportFailed, "patch %s", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, strings.TrimSpace(string(raw)), nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, "", nil
}
