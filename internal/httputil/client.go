// Package httputil provides JSON HTTP helpers shared by the gateway and the
// outbound clients for the index and content store.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryWait    = 200 * time.Millisecond
	defaultMaxRetryWait = 2 * time.Second
)

// Client is a small JSON client bound to a base URL.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	bearerToken string
	headers     map[string]string
	maxRetries  int
	retryWait   time.Duration
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	BearerToken string
	Headers     map[string]string
	Timeout     time.Duration
	MaxRetries  int
	RetryWait   time.Duration
	HTTPClient  *http.Client
}

// NewClient creates a Client. Requests are retried on 502/503/504, waiting
// RetryWait before the first retry and growing the delay up to two seconds.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		bearerToken: cfg.BearerToken,
		headers:     cfg.Headers,
		maxRetries:  maxRetries,
		retryWait:   retryWait,
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes a request with an optional JSON body.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	return c.doWithRetry(ctx, method, path, contentType, payload)
}

// DoRaw executes a request with a pre-encoded body.
func (c *Client) DoRaw(ctx context.Context, method, path, contentType string, payload []byte) (*http.Response, error) {
	return c.doWithRetry(ctx, method, path, contentType, payload)
}

// doWithRetry retries transient upstream statuses with capped exponential
// backoff. The last response is returned as is once retries run out.
func (c *Client) doWithRetry(ctx context.Context, method, path, contentType string, payload []byte) (*http.Response, error) {
	var resp *http.Response
	attempt := 0
	send := func() error {
		attempt++
		r, err := c.send(ctx, method, path, contentType, payload)
		if err != nil {
			return backoff.Permanent(err)
		}

		// Retry on transient upstream failures
		if isTransientStatus(r.StatusCode) && attempt <= c.maxRetries {
			r.Body.Close()
			return fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(send, backoff.WithContext(c.retryPolicy(), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) retryPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryWait
	policy.MaxInterval = defaultMaxRetryWait
	if policy.MaxInterval < c.retryWait {
		policy.MaxInterval = c.retryWait
	}
	// The attempt cap bounds the loop.
	policy.MaxElapsedTime = 0
	return backoff.WithMaxRetries(policy, uint64(c.maxRetries))
}

func (c *Client) send(ctx context.Context, method, path, contentType string, payload []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// Set content type for requests with a body
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	// Attach upstream credentials
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func isTransientStatus(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// ReadResponse returns the body of a successful response, or an error that
// carries the status and a truncated body.
func ReadResponse(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := ReadAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return nil, fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	body, err := ReadAllStrict(resp.Body, limit)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

// DecodeResponse decodes a JSON response into the target struct.
func DecodeResponse(resp *http.Response, target interface{}) error {
	body, err := ReadResponse(resp, 8<<20)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}
