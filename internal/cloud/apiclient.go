package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// apiClient is the JSON-over-HTTP client the VM providers share. Read-only
// calls retry on 429 and 5xx with exponential backoff; writes never retry,
// because a retried create can double-provision.
type apiClient struct {
	baseURL    string
	token      string
	authHeader string
	httpClient *http.Client
	logger     *zap.Logger

	maxRetries int
	retryDelay time.Duration
	retryCap   time.Duration
}

// APIError carries a provider HTTP failure.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API returned HTTP %d: %s", e.Status, truncate(e.Body, 200))
}

// IsNotFound reports whether the provider said the resource does not exist.
func (e *APIError) IsNotFound() bool { return e.Status == http.StatusNotFound }

func newAPIClient(baseURL, token string, logger *zap.Logger) *apiClient {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &apiClient{
		baseURL:    baseURL,
		token:      token,
		authHeader: "Bearer",
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
		logger:     logger,
		maxRetries: 3,
		retryDelay: 2 * time.Second,
		retryCap:   30 * time.Second,
	}
}

// get performs a retried read-only request.
func (c *apiClient) get(ctx context.Context, path string, out interface{}) error {
	return c.doWithRetry(ctx, http.MethodGet, path, nil, out)
}

// post performs a non-retried mutating request.
func (c *apiClient) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// del performs a non-retried delete.
func (c *apiClient) del(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *apiClient) doWithRetry(ctx context.Context, method, path string, body, out interface{}) error {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying provider API call",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.retryCap {
				delay = c.retryCap
			}
		}

		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
	}
	return lastErr
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.authHeader+" "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
	}
	return nil
}

func retryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	// Transport-level failures on read-only calls are safe to retry.
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
