package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/schedule"
)

// HandleJobs handles requests to /api/jobs
// GET: List all jobs
// POST: Create a new job
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	endpoint := "unknown"
	switch r.Method {
	case http.MethodGet:
		endpoint = "list jobs"
	case http.MethodPost:
		endpoint = "create job"
	}

	s.logger.Infow("Catalog "+endpoint,
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr)

	switch r.Method {
	case http.MethodGet:
		s.handleListJobs(w, r)
	case http.MethodPost:
		s.handleCreateJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleJob handles requests to /api/jobs/{id}
// GET: Get job details
// PATCH: Update job (pause/resume/reschedule)
// DELETE: Remove job
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := pathParts[0]

	endpoint := "unknown"
	switch r.Method {
	case http.MethodGet:
		endpoint = "get job"
	case http.MethodPatch:
		endpoint = "update job"
	case http.MethodDelete:
		endpoint = "delete job"
	}
	s.logger.Infow("Catalog "+endpoint, "job_id", shortID(jobID), "method", r.Method)

	switch r.Method {
	case http.MethodGet:
		s.handleGetJob(w, r, jobID)
	case http.MethodPatch:
		s.handleUpdateJob(w, r, jobID)
	case http.MethodDelete:
		s.handleDeleteJob(w, r, jobID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleListJobs lists all jobs regardless of status
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(0)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list jobs", http.StatusInternalServerError)
		return
	}

	response := ListJobsResponse{
		Jobs:  make([]JobResponse, 0, len(jobs)),
		Count: len(jobs),
	}

	for _, job := range jobs {
		response.Jobs = append(response.Jobs, toJobResponse(job))
	}

	writeJSON(w, http.StatusOK, response)
}

// handleCreateJob creates a new job
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeWrappedError(w, s.logger, err, "invalid request body", http.StatusBadRequest)
		return
	}

	s.logger.Infow("Create job request",
		"app", req.App,
		"service", req.Service,
		"frequency", req.Frequency,
		"remote", r.RemoteAddr)

	job, err := jobFromCreateRequest(&req)
	if err != nil {
		handleError(w, s.logger, err, "invalid job definition")
		return
	}

	if err := s.jobs.Create(job); err != nil {
		handleError(w, s.logger, err, "failed to create job")
		return
	}

	s.logger.Infow("Created job",
		"job_id", job.ID,
		"app", job.App,
		"service", job.Service,
		"frequency", job.Frequency)

	s.broadcastJobEvent("created", job.ID, job)
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

// handleGetJob retrieves a specific job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleUpdateJob applies a partial update and returns the refreshed job
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request, jobID string) {
	var req UpdateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeWrappedError(w, s.logger, err, "invalid request body", http.StatusBadRequest)
		return
	}

	job, err := s.jobs.Get(jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}

	if err := applyJobUpdate(job, &req); err != nil {
		handleError(w, s.logger, err, "invalid job update")
		return
	}

	if err := s.jobs.Update(job); err != nil {
		handleError(w, s.logger, err, "failed to update job")
		return
	}

	s.logger.Infow("Updated job", "job_id", jobID)

	// Return the stored row, not our in-memory copy
	updated, err := s.jobs.Get(jobID)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to get updated job", http.StatusInternalServerError)
		return
	}

	s.broadcastJobEvent("updated", jobID, updated)
	writeJSON(w, http.StatusOK, toJobResponse(updated))
}

// handleDeleteJob removes a job from the catalog
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request, jobID string) {
	// Get job details before deletion for logging
	job, err := s.jobs.Get(jobID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get job for deletion")
		return
	}

	if err := s.jobs.Delete(jobID); err != nil {
		handleError(w, s.logger, err, "failed to delete job")
		return
	}

	s.logger.Infow("Deleted job",
		"job_id", jobID,
		"app", job.App,
		"service", job.Service)

	s.broadcastJobEvent("deleted", jobID, nil)
	w.WriteHeader(http.StatusNoContent) // 204 No Content
}

// jobFromCreateRequest builds a catalog row from an API create request.
// Validation happens in Create via Job.Validate; this only shapes fields.
func jobFromCreateRequest(req *CreateJobRequest) (*schedule.Job, error) {
	job := &schedule.Job{
		App:             req.App,
		Service:         req.Service,
		Endpoint:        req.Endpoint,
		PayloadTemplate: string(req.PayloadTemplate),
		Frequency:       schedule.Frequency(req.Frequency),
		ScheduleConfig:  string(req.ScheduleConfig),
		TriggerLimit:    req.TriggerLimit,
		MaxRetries:      req.MaxRetries,
		IsActive:        true,
	}
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}

	// An empty start_date stays zero; Create rejects it via Validate.
	if req.StartDate != "" {
		start, err := time.Parse(time.RFC3339, req.StartDate)
		if err != nil {
			return nil, errors.NewInvalidRequestError("start_date is not RFC3339: %v", err)
		}
		job.StartDate = start
	}

	return job, nil
}

// applyJobUpdate copies the non-nil request fields onto the job.
func applyJobUpdate(job *schedule.Job, req *UpdateJobRequest) error {
	if req.Endpoint != nil {
		job.Endpoint = *req.Endpoint
	}
	if req.PayloadTemplate != nil {
		job.PayloadTemplate = string(*req.PayloadTemplate)
	}
	if req.StartDate != nil {
		start, err := time.Parse(time.RFC3339, *req.StartDate)
		if err != nil {
			return errors.NewInvalidRequestError("start_date is not RFC3339: %v", err)
		}
		job.StartDate = start
	}
	if req.Frequency != nil {
		job.Frequency = schedule.Frequency(*req.Frequency)
	}
	if req.ScheduleConfig != nil {
		job.ScheduleConfig = string(*req.ScheduleConfig)
	}
	if req.TriggerLimit != nil {
		job.TriggerLimit = req.TriggerLimit
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}
	return nil
}
