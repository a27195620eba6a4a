package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client sends admin requests to the ops servers, one base URL per target.
type Client struct {
	bases         map[string]string
	timeout       time.Duration
	tokenProvider func() string
}

func New(bases map[string]string, timeout time.Duration, tokenProvider func() string) *Client {
	copied := make(map[string]string, len(bases))
	for target, base := range bases {
		copied[target] = strings.TrimRight(base, "/")
	}
	return &Client{
		bases:         copied,
		timeout:       timeout,
		tokenProvider: tokenProvider,
	}
}

func (c *Client) SetBaseURL(target, baseURL string) {
	c.bases[target] = strings.TrimRight(baseURL, "/")
}

func (c *Client) BaseURL(target string) string {
	return c.bases[target]
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

func (c *Client) Do(ctx context.Context, target, method, path string, body []byte) (ResponseInfo, error) {
	var info ResponseInfo
	base, ok := c.bases[target]
	if !ok || base == "" {
		return info, fmt.Errorf("no base url for %s", target)
	}
	client := &http.Client{Timeout: c.timeout}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokenProvider != nil {
		if token := c.tokenProvider(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	info.Body = bodyBytes
	return info, nil
}
