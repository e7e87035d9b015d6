// Package job tracks feature-extraction runs. A Job covers one split and
// holds one Task per cut, so per-cut failures are recorded instead of
// aborting the split.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maauso/speechprep/internal/manifest"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusInQueue indicates the split is waiting to be processed.
	StatusInQueue Status = "IN_QUEUE"
	// StatusRunning indicates features are being extracted.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the manifest was written.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the split could not be processed.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the run was interrupted.
	StatusCancelled Status = "CANCELLED"
	// StatusSkipped indicates the split's manifest already existed.
	StatusSkipped Status = "SKIPPED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrUnknownTask is returned when a task index is out of range.
var ErrUnknownTask = errors.New("unknown task")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusInQueue:   {StatusRunning, StatusCancelled, StatusSkipped, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusSkipped:   {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// TaskStatus represents the status of a single cut.
type TaskStatus string

const (
	// TaskPending indicates the cut is waiting for a worker.
	TaskPending TaskStatus = "PENDING"
	// TaskProcessing indicates a worker is computing the cut's features.
	TaskProcessing TaskStatus = "PROCESSING"
	// TaskCompleted indicates the features were stored.
	TaskCompleted TaskStatus = "COMPLETED"
	// TaskFailed indicates extraction or storage failed.
	TaskFailed TaskStatus = "FAILED"
	// TaskTimedOut indicates the cut exceeded its time budget.
	TaskTimedOut TaskStatus = "TIMED_OUT"
)

// Task is the extraction of one cut.
type Task struct {
	CutID       string
	Index       int
	Status      TaskStatus
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Counts tallies tasks by status.
type Counts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	TimedOut   int
}

// Done returns the number of tasks that reached a terminal state.
func (c Counts) Done() int {
	return c.Completed + c.Failed + c.TimedOut
}

// Job is the extraction run of one split.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this run.
	ID string
	// Split is the split being processed.
	Split manifest.Split
	// Status is the current job state.
	Status Status
	// Tasks holds one entry per cut, in manifest order.
	Tasks []Task
	// Progress is the percentage of tasks done (0-100).
	Progress int
	// Error contains any error message if the job failed.
	Error string
	// ManifestPath is the manifest written on completion.
	ManifestPath string
	// ManifestURL is set when the manifest was mirrored to object storage.
	ManifestURL string
	// ShardPaths lists the feature shard files written.
	ShardPaths []string
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when processing finished.
	CompletedAt time.Time
}

// New creates a new Job with a generated ID and initial IN_QUEUE status.
func New(split manifest.Split) *Job {
	return NewWithID(uuid.NewString(), split)
}

// NewWithID creates a new Job with the specified ID and initial IN_QUEUE status.
func NewWithID(jobID string, split manifest.Split) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Split:     split,
		Status:    StatusInQueue,
		Tasks:     make([]Task, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Start transitions the job from IN_QUEUE to RUNNING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Complete transitions the job to COMPLETED state.
func (j *Job) Complete() error {
	return j.TransitionTo(StatusCompleted)
}

// Fail transitions the job to FAILED state with an error message.
func (j *Job) Fail(errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.Error = errMsg
	return nil
}

// Cancel transitions the job to CANCELLED state.
func (j *Job) Cancel() error {
	return j.TransitionTo(StatusCancelled)
}

// Skip marks a queued job as skipped because its output already exists.
func (j *Job) Skip(manifestPath string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusSkipped); err != nil {
		return err
	}
	j.ManifestPath = manifestPath
	return nil
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// SetCuts creates one pending task per cut.
func (j *Job) SetCuts(cuts manifest.CutSet) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Tasks = make([]Task, len(cuts))
	for i, c := range cuts {
		j.Tasks[i] = Task{CutID: c.ID, Index: i, Status: TaskPending}
	}
	j.Progress = 0
	j.UpdatedAt = time.Now()
}

// StartTask marks task i as processing.
func (j *Job) StartTask(i int) error {
	return j.updateTask(i, func(t *Task, now time.Time) {
		t.Status = TaskProcessing
		t.StartedAt = now
	})
}

// CompleteTask marks task i as completed.
func (j *Job) CompleteTask(i int) error {
	return j.updateTask(i, func(t *Task, now time.Time) {
		t.Status = TaskCompleted
		t.CompletedAt = now
	})
}

// FailTask records the failure of task i. timedOut distinguishes a task
// that exceeded its time budget from one that errored.
func (j *Job) FailTask(i int, errMsg string, timedOut bool) error {
	return j.updateTask(i, func(t *Task, now time.Time) {
		t.Status = TaskFailed
		if timedOut {
			t.Status = TaskTimedOut
		}
		t.Error = errMsg
		t.CompletedAt = now
	})
}

func (j *Job) updateTask(i int, fn func(*Task, time.Time)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if i < 0 || i >= len(j.Tasks) {
		return ErrUnknownTask
	}
	now := time.Now()
	fn(&j.Tasks[i], now)
	j.UpdatedAt = now
	j.Progress = j.progressLocked()
	return nil
}

func (j *Job) progressLocked() int {
	if len(j.Tasks) == 0 {
		return 100
	}
	return j.countsLocked().Done() * 100 / len(j.Tasks)
}

// Counts tallies tasks by status.
func (j *Job) Counts() Counts {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.countsLocked()
}

func (j *Job) countsLocked() Counts {
	var c Counts
	for _, t := range j.Tasks {
		switch t.Status {
		case TaskPending:
			c.Pending++
		case TaskProcessing:
			c.Processing++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		case TaskTimedOut:
			c.TimedOut++
		}
	}
	return c
}

// Failures returns the failed and timed-out tasks in manifest order.
func (j *Job) Failures() []Task {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Task
	for _, t := range j.Tasks {
		if t.Status == TaskFailed || t.Status == TaskTimedOut {
			out = append(out, t)
		}
	}
	return out
}

// SetOutput records where the manifest and shards were written.
func (j *Job) SetOutput(manifestPath, manifestURL string, shards []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ManifestPath = manifestPath
	j.ManifestURL = manifestURL
	j.ShardPaths = append([]string(nil), shards...)
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled ||
		j.Status == StatusSkipped
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	tasks := make([]Task, len(j.Tasks))
	copy(tasks, j.Tasks)

	return &Job{
		ID:           j.ID,
		Split:        j.Split,
		Status:       j.Status,
		Tasks:        tasks,
		Progress:     j.Progress,
		Error:        j.Error,
		ManifestPath: j.ManifestPath,
		ManifestURL:  j.ManifestURL,
		ShardPaths:   append([]string(nil), j.ShardPaths...),
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}
