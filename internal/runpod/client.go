package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/maauso/speechprep/internal/features"
)

// Static errors for RunPod client operations.
var (
	// ErrEndpointIDRequired is returned when the endpoint ID is not provided.
	ErrEndpointIDRequired = errors.New("runpod: endpoint ID is required")
	// ErrAPIKeyNotSet is returned when the RUNPOD_API_KEY environment variable is not set.
	ErrAPIKeyNotSet = errors.New("runpod: RUNPOD_API_KEY environment variable is not set")
	// ErrJobIDRequired is returned when the job ID is not provided.
	ErrJobIDRequired = errors.New("runpod: job ID is required")
	// ErrNoSamples is returned when a request carries no audio.
	ErrNoSamples = errors.New("runpod: request has no samples")
	// ErrSubmitFailed is returned when the endpoint refuses a job.
	ErrSubmitFailed = errors.New("runpod: submit failed")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("runpod: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("runpod: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("runpod: request failed")
	// ErrRetriesExhausted wraps the last transient error once retries run out.
	ErrRetriesExhausted = errors.New("runpod: retries exhausted")
)

// maxRetryAfter caps the wait requested by a 429 Retry-After header.
const maxRetryAfter = 30 * time.Second

// Request is one mono waveform and the filterbank to compute on it.
type Request struct {
	Samples []float32
	Config  features.Config
}

// Client defines the interface for interacting with the RunPod API.
type Client interface {
	// Submit queues a feature extraction job and returns its ID.
	Submit(ctx context.Context, req Request) (jobID string, err error)

	// Poll checks the status of a job. Completed jobs carry their decoded
	// features.
	Poll(ctx context.Context, jobID string) (PollResult, error)

	// Cancel asks the endpoint to stop a job.
	Cancel(ctx context.Context, jobID string) error
}

// HTTPClient is the HTTP implementation of the RunPod Client interface.
type HTTPClient struct {
	apiKey      string
	endpointID  string
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) {
		hc.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithBaseURL sets a custom base URL for the RunPod API.
func WithBaseURL(url string) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseURL = url
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.maxRetries = max(n, 0)
	}
}

// WithBaseBackoff sets the wait before the first retry; it doubles after
// every attempt.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseBackoff = d
	}
}

// NewClient creates a RunPod client for endpointID. The API key comes from
// WithAPIKey, falling back to RUNPOD_API_KEY.
func NewClient(endpointID string, opts ...ClientOption) (*HTTPClient, error) {
	if endpointID == "" {
		return nil, ErrEndpointIDRequired
	}

	c := &HTTPClient{
		endpointID:  endpointID,
		baseURL:     "https://api.runpod.ai/v2",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxRetries:  3,
		baseBackoff: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		c.apiKey = os.Getenv("RUNPOD_API_KEY")
	}
	if c.apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	return c, nil
}

// Submit sends req.Samples as 16-bit PCM together with the filterbank
// settings.
func (c *HTTPClient) Submit(ctx context.Context, req Request) (string, error) {
	if len(req.Samples) == 0 {
		return "", ErrNoSamples
	}

	body, err := json.Marshal(runRequest{Input: runInput{
		AudioBase64: EncodePCM(req.Samples),
		Encoding:    AudioEncoding,
		NumSamples:  len(req.Samples),
		Fbank:       req.Config,
	}})
	if err != nil {
		return "", fmt.Errorf("runpod: marshal request: %w", err)
	}

	var resp runResponse
	if err := c.call(ctx, http.MethodPost, "/run", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		if resp.Error == "" {
			resp.Error = "no job ID returned"
		}
		return "", fmt.Errorf("%w: %s", ErrSubmitFailed, resp.Error)
	}
	return resp.ID, nil
}

// Poll checks the status of a job. A completed job whose payload cannot be
// decoded yields ErrBadOutput.
func (c *HTTPClient) Poll(ctx context.Context, jobID string) (PollResult, error) {
	if jobID == "" {
		return PollResult{}, ErrJobIDRequired
	}

	var resp statusResponse
	if err := c.call(ctx, http.MethodGet, "/status/"+jobID, nil, &resp); err != nil {
		return PollResult{}, err
	}

	result := PollResult{Status: Status(resp.Status), Error: resp.Error}
	if result.Status == StatusCompleted {
		m, err := DecodeFeatures(resp.Output.Features, resp.Output.NumFrames, resp.Output.NumFeatures)
		if err != nil {
			return result, fmt.Errorf("job %s: %w", jobID, err)
		}
		result.Features = m
	}
	return result, nil
}

// Cancel stops a queued or running job.
func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	return c.call(ctx, http.MethodPost, "/cancel/"+jobID, nil, nil)
}

// call performs one API request, retrying transient failures with
// exponential backoff. A Retry-After on a 429 lengthens the wait.
func (c *HTTPClient) call(ctx context.Context, method, path string, body []byte, out any) error {
	url := c.baseURL + "/" + c.endpointID + path
	wait := c.baseBackoff

	for attempt := 0; ; attempt++ {
		err := c.do(ctx, method, url, body, out)
		var te *transientError
		if err == nil || !errors.As(err, &te) {
			return err
		}
		if attempt == c.maxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("runpod: context cancelled: %w", ctx.Err())
		case <-time.After(max(wait, te.retryAfter)):
		}
		wait *= 2
	}
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("runpod: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("runpod: %s %s: %w", method, url, ctx.Err())
		}
		return &transientError{err: fmt.Errorf("runpod: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transientError{err: fmt.Errorf("runpod: read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &transientError{
			err:        fmt.Errorf("%w: %s", ErrRateLimited, respBody),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &transientError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, respBody)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("runpod: unmarshal response: %w", err)
		}
	}
	return nil
}

// parseRetryAfter reads a delay in seconds. HTTP dates and junk yield 0.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

// transientError marks a failure worth retrying.
type transientError struct {
	err        error
	retryAfter time.Duration
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }
