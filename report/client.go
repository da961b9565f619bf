// Package report closes sessions and reports job status to cloud providers.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sethvargo/go-retry"

	"capium/capability"
)

const (
	defaultSauceLabsURL    = "https://saucelabs.com"
	defaultBrowserStackURL = "https://api.browserstack.com"
)

// Job is the status reported for one session.
type Job struct {
	Name   string
	Passed bool
}

// JobClient updates a provider job.
type JobClient interface {
	UpdateJob(ctx context.Context, sessionID string, job Job) error
}

// StatusError is a non-2xx response from a job API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("job api returned %d: %s", e.StatusCode, e.Body)
}

// Option configures a job client.
type Option func(*restClient)

// WithBaseURL overrides the provider API root.
func WithBaseURL(u string) Option {
	return func(c *restClient) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *restClient) { c.http = hc }
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n uint64) Option {
	return func(c *restClient) { c.retries = n }
}

// WithBackoff sets the first retry delay; later delays grow exponentially.
func WithBackoff(d time.Duration) Option {
	return func(c *restClient) { c.backoff = d }
}

// restClient is the HTTP plumbing shared by the provider clients.
type restClient struct {
	baseURL string
	user    string
	key     string
	http    *http.Client
	retries uint64
	backoff time.Duration
}

func newRestClient(baseURL, user, key string, opts []Option) *restClient {
	c := &restClient{
		baseURL: baseURL,
		user:    user,
		key:     key,
		http:    cleanhttp.DefaultClient(),
		retries: 3,
		backoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// put sends body as JSON with basic auth. Network errors and 5xx responses
// are retried; 4xx responses are final.
func (c *restClient) put(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode job update: %w", err)
	}

	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.user, c.key)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(statusErr)
		}
		return statusErr
	})
}

// SauceLabsClient updates jobs through the SauceLabs REST API.
type SauceLabsClient struct {
	rest *restClient
}

// NewSauceLabsClient creates a client authenticated as user.
func NewSauceLabsClient(user, key string, opts ...Option) *SauceLabsClient {
	return &SauceLabsClient{rest: newRestClient(defaultSauceLabsURL, user, key, opts)}
}

// UpdateJob sets the job name and pass state.
func (c *SauceLabsClient) UpdateJob(ctx context.Context, sessionID string, job Job) error {
	path := fmt.Sprintf("/rest/v1/%s/jobs/%s", url.PathEscape(c.rest.user), url.PathEscape(sessionID))
	return c.rest.put(ctx, path, struct {
		Name   string `json:"name"`
		Passed bool   `json:"passed"`
	}{job.Name, job.Passed})
}

// BrowserStackClient updates sessions through the BrowserStack Automate API.
type BrowserStackClient struct {
	rest *restClient
}

// NewBrowserStackClient creates a client authenticated as user.
func NewBrowserStackClient(user, key string, opts ...Option) *BrowserStackClient {
	return &BrowserStackClient{rest: newRestClient(defaultBrowserStackURL, user, key, opts)}
}

// UpdateJob sets the session name and status.
func (c *BrowserStackClient) UpdateJob(ctx context.Context, sessionID string, job Job) error {
	status := "failed"
	if job.Passed {
		status = "passed"
	}
	path := fmt.Sprintf("/automate/sessions/%s.json", url.PathEscape(sessionID))
	return c.rest.put(ctx, path, struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}{job.Name, status})
}

// ClientFor returns the job client for a resolution's provider, or nil for
// local sessions.
func ClientFor(res *capability.Resolution, opts ...Option) JobClient {
	user, key := res.Credentials()
	switch res.Provider {
	case capability.SauceLabs:
		return NewSauceLabsClient(user, key, opts...)
	case capability.BrowserStack:
		return NewBrowserStackClient(user, key, opts...)
	}
	return nil
}
