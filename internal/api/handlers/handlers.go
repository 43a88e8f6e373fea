package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/ckexport/internal/api/middleware"
	"github.com/dvloznov/ckexport/internal/capture"
	"github.com/dvloznov/ckexport/internal/jobs"
	"github.com/dvloznov/ckexport/internal/logger"
)

// CaptureHandler accepts capture commands and queues them.
type CaptureHandler struct {
	publisher jobs.Publisher
}

// NewCaptureHandler creates a new capture handler.
func NewCaptureHandler(publisher jobs.Publisher) *CaptureHandler {
	return &CaptureHandler{publisher: publisher}
}

// Capture handles POST /api/capture. The answer is immediate; progress is
// read from the job.
func (h *CaptureHandler) Capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var cmd capture.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		middleware.WriteJSON(w, http.StatusBadRequest, capture.Ack{Status: capture.StatusError, Message: "Invalid request body"})
		return
	}
	if err := cmd.Validate(); err != nil {
		middleware.WriteJSON(w, http.StatusBadRequest, capture.Ack{Status: capture.StatusError, Message: err.Error()})
		return
	}

	job := &jobs.CaptureJob{Command: cmd}
	if err := h.publisher.PublishCapture(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue capture job")
		middleware.WriteJSON(w, http.StatusServiceUnavailable, capture.Ack{Status: capture.StatusError, Message: "Failed to enqueue capture"})
		return
	}

	log.Info().
		Str("job_id", job.JobID).
		Str("start", cmd.StartDate).
		Str("end", cmd.EndDate).
		Msg("Capture job enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, capture.Ack{Status: capture.StatusStarted, JobID: job.JobID})
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store     jobs.JobStore
	canceller jobs.Canceller
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, canceller jobs.Canceller) *JobsHandler {
	return &JobsHandler{
		store:     store,
		canceller: canceller,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		h.writeLookupError(w, r, jobID, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// StopJob handles POST /api/jobs/{id}/stop
func (h *JobsHandler) StopJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	if err := h.canceller.Cancel(ctx, jobID); err != nil {
		h.writeLookupError(w, r, jobID, err)
		return
	}

	log := logger.FromContext(ctx)
	log.Info().Str("job_id", jobID).Msg("Stop requested")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "stopping",
	})
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Status: jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

func (h *JobsHandler) writeLookupError(w http.ResponseWriter, r *http.Request, jobID string, err error) {
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	log := logger.FromContext(r.Context())
	log.Error().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
	middleware.WriteError(w, http.StatusInternalServerError, "Job lookup failed")
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// NewRouter registers every endpoint on a fresh mux.
func NewRouter(captureHandler *CaptureHandler, jobsHandler *JobsHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/capture", captureHandler.Capture)
	mux.HandleFunc("GET /api/jobs", jobsHandler.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", jobsHandler.GetJob)
	mux.HandleFunc("POST /api/jobs/{id}/stop", jobsHandler.StopJob)
	mux.HandleFunc("GET /health", Health)
	return mux
}
