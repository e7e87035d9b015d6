package job

import "context"

// Repository defines the interface for job persistence.
type Repository interface {
	// Save persists a job to the storage.
	// If the job already exists, it should be updated.
	Save(ctx context.Context, job *Job) error

	// List returns all jobs, oldest first.
	List(ctx context.Context) ([]*Job, error)
}
