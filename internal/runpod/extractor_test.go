package runpod

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/speechprep/internal/features"
)

// fakeClient replays a fixed sequence of poll results.
type fakeClient struct {
	submitErr error
	results   []PollResult
	polls     int
	submitted []float32
	cancelled []string
}

func (f *fakeClient) Submit(_ context.Context, req Request) (string, error) {
	f.submitted = req.Samples
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "job-1", nil
}

func (f *fakeClient) Cancel(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeClient) Poll(_ context.Context, _ string) (PollResult, error) {
	r := f.results[min(f.polls, len(f.results)-1)]
	f.polls++
	return r, nil
}

func encodeFeatures(data []float32) string {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func smallConfig() features.Config {
	cfg := features.DefaultConfig()
	cfg.NumMelBins = 3
	return cfg
}

func TestExtractor_PollsUntilCompleted(t *testing.T) {
	client := &fakeClient{results: []PollResult{
		{Status: StatusInQueue},
		{Status: StatusInProgress},
		{Status: StatusCompleted, Features: features.NewMatrix(2, 3)},
	}}
	e, err := NewExtractor(client, smallConfig(), WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	m, err := e.Extract(context.Background(), make([]float32, 400))
	require.NoError(t, err)
	assert.Equal(t, 2, m.NumFrames)
	assert.Equal(t, 3, client.polls)
	assert.Len(t, client.submitted, 400)
	assert.Empty(t, client.cancelled)
	assert.Equal(t, features.TypeFbank, e.Type())
}

func TestExtractor_Failures(t *testing.T) {
	tests := []struct {
		name   string
		result PollResult
		want   error
	}{
		{"failed", PollResult{Status: StatusFailed, Error: "oom"}, ErrJobFailed},
		{"timed out", PollResult{Status: StatusTimedOut}, ErrJobFailed},
		{"wrong dimension", PollResult{Status: StatusCompleted, Features: features.NewMatrix(1, 4)}, ErrBadOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewExtractor(&fakeClient{results: []PollResult{tt.result}}, smallConfig())
			require.NoError(t, err)

			_, err = e.Extract(context.Background(), make([]float32, 400))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExtractor_TooShortIsNotSubmitted(t *testing.T) {
	client := &fakeClient{results: []PollResult{{Status: StatusCompleted}}}
	e, err := NewExtractor(client, smallConfig())
	require.NoError(t, err)

	_, err = e.Extract(context.Background(), make([]float32, 10))
	assert.ErrorIs(t, err, features.ErrTooShort)
	assert.Empty(t, client.submitted)
}

func TestExtractor_SubmitError(t *testing.T) {
	e, err := NewExtractor(&fakeClient{submitErr: ErrSubmitFailed}, smallConfig())
	require.NoError(t, err)

	_, err = e.Extract(context.Background(), make([]float32, 400))
	assert.ErrorIs(t, err, ErrSubmitFailed)
}

func TestExtractor_ContextCancelledWhileQueued(t *testing.T) {
	client := &fakeClient{results: []PollResult{{Status: StatusInQueue}}}
	e, err := NewExtractor(client, smallConfig(), WithPollInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = e.Extract(ctx, make([]float32, 400))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, []string{"job-1"}, client.cancelled)
}

func TestExtractor_InvalidConfig(t *testing.T) {
	cfg := features.DefaultConfig()
	cfg.SampleRate = 0
	_, err := NewExtractor(&fakeClient{}, cfg)
	assert.ErrorIs(t, err, features.ErrInvalidConfig)
}

func TestExtractor_HTTPRoundTrip(t *testing.T) {
	setTestEnv(t)

	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/run"):
			var req runRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.Input.Encoding != AudioEncoding {
				t.Errorf("unexpected encoding %q", req.Input.Encoding)
			}
			_ = json.NewEncoder(w).Encode(runResponse{ID: "job-9"})
		case strings.HasSuffix(r.URL.Path, "/status/job-9"):
			if atomic.AddInt32(&polls, 1) == 1 {
				_ = json.NewEncoder(w).Encode(statusResponse{ID: "job-9", Status: "IN_PROGRESS"})
				return
			}
			_ = json.NewEncoder(w).Encode(statusResponse{
				ID:     "job-9",
				Status: "COMPLETED",
				Output: statusOutput{Features: encodeFeatures([]float32{1, 2, 3}), NumFrames: 1, NumFeatures: 3},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient("test-endpoint", WithBaseURL(server.URL))
	require.NoError(t, err)
	e, err := NewExtractor(client, smallConfig(), WithPollInterval(time.Millisecond))
	require.NoError(t, err)

	m, err := e.Extract(context.Background(), make([]float32, 400))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, m.Data)
	assert.Equal(t, int32(2), atomic.LoadInt32(&polls))
}
