package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/ckexport/internal/capture"
	"github.com/dvloznov/ckexport/internal/domain"
)

// ErrJobNotFound is returned by stores and queues for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting for the capture in flight to finish.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the files were exported.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusEmpty indicates the run found nothing in the window. Not a failure.
	JobStatusEmpty JobStatus = "empty"
	// JobStatusStopped indicates the user stopped the job.
	JobStatusStopped JobStatus = "stopped"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
)

// Done reports whether the status is final.
func (s JobStatus) Done() bool {
	switch s {
	case JobStatusCompleted, JobStatusEmpty, JobStatusStopped, JobStatusFailed:
		return true
	}
	return false
}

// ExportedFile is one file written by a job.
type ExportedFile struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Rows     int    `json:"rows"`
}

// CaptureJob is one capture-and-export request.
type CaptureJob struct {
	JobID   string          `json:"job_id"`
	Command capture.Command `json:"command"`
	Status  JobStatus       `json:"status"`

	// Message is the latest progress line.
	Message string `json:"message,omitempty"`

	Source   string         `json:"source,omitempty"`
	Found    int            `json:"found"`
	InRange  int            `json:"in_range"`
	Exported []ExportedFile `json:"exported,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`
}

// Record copies the outcome of a run onto the job.
func (j *CaptureJob) Record(out capture.Outcome) {
	j.Source = string(out.Result.Source)
	j.Found = len(out.Result.All)
	j.InRange = len(out.Result.Filtered)
	j.Exported = j.Exported[:0]
	for _, f := range out.Files {
		j.Exported = append(j.Exported, ExportedFile{Name: f.Name, Location: f.Location, Rows: f.Rows})
	}
}

// Publisher enqueues jobs.
type Publisher interface {
	PublishCapture(ctx context.Context, job *CaptureJob) error
	Close() error
}

// Consumer runs queued jobs.
type Consumer interface {
	// Start begins consuming jobs. The handler is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for the job in flight to return.
	Stop(ctx context.Context) error
}

// Canceller stops a pending or running job.
type Canceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// JobHandler processes one job. progress updates the job's Message. A
// handler returning domain.ErrEmptyResult marks the job empty rather than
// failed; one returning after cancellation marks it stopped.
type JobHandler func(ctx context.Context, job *CaptureJob, progress domain.Progress) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	SaveJob(ctx context.Context, job *CaptureJob) error
	GetJob(ctx context.Context, jobID string) (*CaptureJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*CaptureJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}
