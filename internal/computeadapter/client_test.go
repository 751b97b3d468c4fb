package computeadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

type fakeService struct {
	mu        sync.Mutex
	statuses  []RunStatus
	polls     int
	artifact  Artifact
	submitted map[string]any
	auth      string
}

func (s *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&s.submitted)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"runId": "run-1"})
	})
	mux.HandleFunc("/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		idx := s.polls
		if idx >= len(s.statuses) {
			idx = len(s.statuses) - 1
		}
		s.polls++
		status := s.statuses[idx]
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/results/", func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimPrefix(r.URL.Path, "/results/") != "res-1" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(s.artifact)
	})
	return mux
}

func newTestClient(t *testing.T, svc *fakeService) (*Client, *fakeClock) {
	t.Helper()
	server := httptest.NewServer(svc.handler())
	t.Cleanup(server.Close)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	client, err := NewClient(server.URL, "secret", WithClock(clock))
	require.NoError(t, err)
	return client, clock
}

func TestRunCompletesAfterPolling(t *testing.T) {
	svc := &fakeService{
		statuses: []RunStatus{
			{Status: StatusQueued},
			{Status: StatusRunning},
			{Status: StatusDone, ResultRef: "res-1"},
		},
		artifact: Artifact{Sections: []Section{
			{Tags: []string{"setup"}, Source: "import numpy"},
			{Tags: []string{"result"}, Outputs: []Output{{Data: map[string]any{"application/json": map[string]any{"score": 0.93}}}}},
		}},
	}
	client, clock := newTestClient(t, svc)

	result, err := client.Run(context.Background(), "nb-vibration", map[string]any{"assetId": "pump-7"}, 500, 5)
	require.NoError(t, err)
	require.Equal(t, "run-1", result.RunID)
	require.Equal(t, "res-1", result.ResultRef)
	require.Equal(t, "res-1", result.Reference())
	require.Equal(t, 3, result.Polls)
	require.Equal(t, map[string]any{"score": 0.93}, result.Value)
	require.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, clock.sleeps)
	require.Equal(t, "Bearer secret", svc.auth)
	require.Equal(t, "nb-vibration", svc.submitted["computationRef"])
}

func TestRunPollBudgetExhausted(t *testing.T) {
	svc := &fakeService{statuses: []RunStatus{{Status: StatusRunning}}}
	client, clock := newTestClient(t, svc)

	result, err := client.Run(context.Background(), "nb-slow", nil, 100, 2)
	require.True(t, errors.Is(err, ErrPollExhausted))
	require.Equal(t, 3, result.Polls, "one immediate check plus maxRetries")
	require.Len(t, clock.sleeps, 2)
}

func TestRunReportsServiceError(t *testing.T) {
	svc := &fakeService{statuses: []RunStatus{{Status: "ERROR", Error: "kernel died"}}}
	client, _ := newTestClient(t, svc)

	_, err := client.Run(context.Background(), "nb-broken", nil, 100, 3)
	require.True(t, errors.Is(err, ErrRunFailed))
	require.Contains(t, err.Error(), "kernel died")
}

func TestRunMissingArtifact(t *testing.T) {
	svc := &fakeService{statuses: []RunStatus{{Status: StatusDone, ResultRef: "gone"}}}
	client, _ := newTestClient(t, svc)

	_, err := client.Run(context.Background(), "nb", nil, 100, 0)
	require.Error(t, err)
}

func TestRunHonorsCancellation(t *testing.T) {
	svc := &fakeService{statuses: []RunStatus{{Status: StatusRunning}}}
	client, _ := newTestClient(t, svc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Run(ctx, "nb", nil, 100, 3)
	require.Error(t, err)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient("", "")
	require.Error(t, err)
}
