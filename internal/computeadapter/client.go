package computeadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"asset-alerting/internal/logger"
	"asset-alerting/internal/observability/metrics"
)

var (
	// ErrRunFailed is returned when the service reports an explicit error status.
	ErrRunFailed = errors.New("computeadapter: run failed")
	// ErrPollExhausted is returned when the poll budget runs out before done.
	ErrPollExhausted = errors.New("computeadapter: poll budget exhausted")

	errNotFound = errors.New("computeadapter: not found")
)

// Run statuses reported by the service.
const (
	StatusSubmitted = "submitted"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusError     = "error"
)

// Clock paces the poll loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Client talks to the asynchronous computation service.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	clock   Clock
	log     zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithClock overrides the poll clock.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewClient constructs a computation client.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("computeadapter: empty base url")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		clock:   systemClock{},
		log:     logger.WithComponent("computeadapter"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RunStatus is the status document of a run.
type RunStatus struct {
	Status    string `json:"status"`
	ResultRef string `json:"resultRef"`
	Error     string `json:"error,omitempty"`
}

// Result is the extracted output of a finished run.
type Result struct {
	ComputationRef string `json:"computation_ref"`
	RunID          string `json:"run_id"`
	ResultRef      string `json:"result_ref"`
	Value          any    `json:"value"`
	Polls          int    `json:"polls"`
}

// Reference returns the identifier recorded against assets for display.
func (r Result) Reference() string {
	if r.ResultRef != "" {
		return r.ResultRef
	}
	return r.RunID
}

// Submit starts a run and returns its id.
func (c *Client) Submit(ctx context.Context, computationRef string, parameters map[string]any) (string, error) {
	if computationRef == "" {
		return "", errors.New("computeadapter: empty computation ref")
	}
	body := map[string]any{
		"computationRef": computationRef,
		"parameters":     parameters,
	}
	var resp struct {
		RunID string `json:"runId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/runs", body, &resp); err != nil {
		return "", fmt.Errorf("computeadapter: submit: %w", err)
	}
	if resp.RunID == "" {
		return "", errors.New("computeadapter: submit returned empty run id")
	}
	return resp.RunID, nil
}

// Status fetches the status of a run.
func (c *Client) Status(ctx context.Context, runID string) (RunStatus, error) {
	var resp RunStatus
	if err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &resp); err != nil {
		return RunStatus{}, fmt.Errorf("computeadapter: status: %w", err)
	}
	resp.Status = strings.ToLower(strings.TrimSpace(resp.Status))
	return resp, nil
}

// FetchArtifact downloads the output artifact of a finished run.
func (c *Client) FetchArtifact(ctx context.Context, resultRef string) (Artifact, error) {
	var artifact Artifact
	if err := c.doJSON(ctx, http.MethodGet, "/results/"+url.PathEscape(resultRef), nil, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("computeadapter: fetch result: %w", err)
	}
	return artifact, nil
}

type runState string

const (
	stateSubmitted runState = "submitted"
	statePolling   runState = "polling"
	stateDone      runState = "done"
	stateError     runState = "error"
	stateTimeout   runState = "timeout"
)

// Run submits a computation and polls it to completion. The status is
// checked once right after submission and then up to maxRetries more times,
// waiting timeoutMs between checks.
func (c *Client) Run(ctx context.Context, computationRef string, parameters map[string]any, timeoutMs, maxRetries int) (Result, error) {
	start := c.clock.Now()
	result := Result{ComputationRef: computationRef}
	outcome := metrics.ResultError
	defer func() {
		metrics.ObserveComputation(outcome, c.clock.Now().Sub(start))
	}()

	runID, err := c.Submit(ctx, computationRef, parameters)
	if err != nil {
		return result, err
	}
	result.RunID = runID
	log := c.log.With().Str("computation_ref", computationRef).Str("run_id", runID).Logger()

	interval := time.Duration(timeoutMs) * time.Millisecond
	state := stateSubmitted
	var status RunStatus
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > maxRetries {
				state = stateTimeout
				break
			}
			if err := c.clock.Sleep(ctx, interval); err != nil {
				return result, err
			}
		}
		state = statePolling
		status, err = c.Status(ctx, runID)
		result.Polls++
		if err != nil {
			return result, err
		}
		metrics.IncComputationPoll(status.Status)
		if status.Status == StatusDone {
			state = stateDone
			break
		}
		if status.Status == StatusError {
			state = stateError
			break
		}
		log.Debug().Str("status", status.Status).Int("attempt", attempt).Msg("computation still running")
	}

	switch state {
	case stateTimeout:
		outcome = metrics.ResultTimeout
		log.Warn().Int("polls", result.Polls).Msg("computation poll budget exhausted")
		return result, fmt.Errorf("%w after %d polls", ErrPollExhausted, result.Polls)
	case stateError:
		msg := status.Error
		if msg == "" {
			msg = "service reported error"
		}
		return result, fmt.Errorf("%w: %s", ErrRunFailed, msg)
	}

	result.ResultRef = status.ResultRef
	if result.ResultRef == "" {
		result.ResultRef = runID
	}
	artifact, err := c.FetchArtifact(ctx, result.ResultRef)
	if err != nil {
		return result, err
	}
	value, err := artifact.Extract()
	if err != nil {
		return result, err
	}
	result.Value = value
	outcome = metrics.ResultSuccess
	return result, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("computeadapter: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
