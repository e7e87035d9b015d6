// Package runpod provides an HTTP client for a RunPod serverless endpoint
// that computes filterbank features, and a features.Extractor backed by it.
package runpod

import "github.com/maauso/speechprep/internal/features"

// Status represents the status of a RunPod job.
type Status string

// RunPod job statuses aligned with the RunPod API.
const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusRunning    Status = "RUNNING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// runRequest represents the request body for RunPod's /run endpoint.
type runRequest struct {
	Input runInput `json:"input"`
}

// runInput carries one mono waveform and the analysis to run on it.
type runInput struct {
	AudioBase64 string          `json:"audio_base64"`
	Encoding    string          `json:"encoding"`
	NumSamples  int             `json:"num_samples"`
	Fbank       features.Config `json:"fbank"`
}

// runResponse represents the response from RunPod's /run endpoint.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusResponse represents the response from RunPod's /status endpoint.
type statusResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output statusOutput `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// statusOutput holds little-endian float32 features, row-major.
type statusOutput struct {
	Features    string `json:"features,omitempty"`
	NumFrames   int    `json:"num_frames,omitempty"`
	NumFeatures int    `json:"num_features,omitempty"`
}

// PollResult is the state of a job. Features is set once Status is
// StatusCompleted; Error carries the endpoint's message for failed jobs.
type PollResult struct {
	Status   Status
	Features features.Matrix
	Error    string
}
