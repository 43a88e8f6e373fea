package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/jobs"
	"github.com/dvloznov/ckexport/internal/logger"
	"github.com/google/uuid"
)

// ErrQueueClosed is returned when publishing to or starting a stopped queue.
var ErrQueueClosed = errors.New("queue is closed")

// Queue runs capture jobs one at a time, in publish order. A single browser
// tab backs every capture, so there is exactly one worker.
type Queue struct {
	jobChan   chan *jobs.CaptureJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	store     jobs.JobStore
	closed    bool

	running   map[string]context.CancelFunc
	cancelled map[string]bool
}

// NewQueue creates a queue. bufferSize is how many jobs may wait before
// PublishCapture blocks.
func NewQueue(bufferSize int, store jobs.JobStore) *Queue {
	return &Queue{
		jobChan:   make(chan *jobs.CaptureJob, bufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

// PublishCapture enqueues a capture job, assigning an ID when it has none.
func (q *Queue) PublishCapture(ctx context.Context, job *jobs.CaptureJob) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return ErrQueueClosed
	}
}

// Start launches the worker.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	q.wg.Add(1)
	go q.worker(ctx, handler)
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, job *jobs.CaptureJob, handler jobs.JobHandler) {
	log := logger.FromContext(ctx).With().Str("job_id", job.JobID).Logger()

	q.mu.Lock()
	if q.cancelled[job.JobID] {
		delete(q.cancelled, job.JobID)
		q.mu.Unlock()
		log.Info().Msg("Skipping job stopped before it started")
		return
	}
	jobCtx, cancel := context.WithCancel(logger.WithContext(ctx, log))
	q.running[job.JobID] = cancel
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.running, job.JobID)
		q.mu.Unlock()
		cancel()
	}()

	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	q.save(ctx, job)

	progress := func(msg string) {
		job.Message = msg
		q.save(ctx, job)
	}

	err := handler(jobCtx, job, progress)

	completedAt := time.Now()
	job.CompletedAt = &completedAt

	switch {
	case errors.Is(err, domain.ErrEmptyResult):
		job.Status = jobs.JobStatusEmpty
		job.Message = err.Error()
	case jobCtx.Err() != nil || errors.Is(err, domain.ErrAborted):
		job.Status = jobs.JobStatusStopped
	case err != nil:
		job.Status = jobs.JobStatusFailed
		job.Error = err.Error()
	default:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
	}

	log.Info().Str("status", string(job.Status)).Dur("duration", completedAt.Sub(now)).Msg("Job finished")
	q.save(ctx, job)
}

func (q *Queue) save(ctx context.Context, job *jobs.CaptureJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job")
	}
}

// Cancel stops a running job, or marks a pending one so it never runs.
// Cancelling a finished job is a no-op. q.mu is held throughout so the
// worker cannot pick the job up between the status read and the mark.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cancel, ok := q.running[jobID]; ok {
		cancel()
		return nil
	}

	if q.store == nil {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != jobs.JobStatusPending {
		return nil
	}

	q.cancelled[jobID] = true
	return q.store.UpdateJobStatus(ctx, jobID, jobs.JobStatusStopped, "")
}

// Stop stops the queue and waits for the job in flight to finish.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	for _, cancel := range q.running {
		cancel()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var (
	_ jobs.Publisher = (*Queue)(nil)
	_ jobs.Consumer  = (*Queue)(nil)
	_ jobs.Canceller = (*Queue)(nil)
)
