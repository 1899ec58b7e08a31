package server

import (
	"encoding/json"
	"time"

	"github.com/teranos/chime/engine"
	"github.com/teranos/chime/ledger"
	"github.com/teranos/chime/schedule"
)

// =======================
// API Request/Response Types
// =======================

// CreateJobRequest represents the request to create a scheduled job
type CreateJobRequest struct {
	App             string          `json:"app"`
	Service         string          `json:"service"`
	Endpoint        string          `json:"endpoint"`
	PayloadTemplate json.RawMessage `json:"payload_template,omitempty"` // Merged into the dispatch body
	StartDate       string          `json:"start_date"`                 // RFC3339 timestamp
	Frequency       string          `json:"frequency"`                  // once, hourly, daily, weekly, monthly
	ScheduleConfig  json.RawMessage `json:"schedule_config,omitempty"`  // Frequency-specific settings
	TriggerLimit    *int            `json:"trigger_limit,omitempty"`    // Max successful dispatches
	MaxRetries      int             `json:"max_retries,omitempty"`
	IsActive        *bool           `json:"is_active,omitempty"` // Defaults to true
}

// UpdateJobRequest represents a partial update to a scheduled job.
// Only non-nil fields are applied.
type UpdateJobRequest struct {
	Endpoint        *string          `json:"endpoint,omitempty"`
	PayloadTemplate *json.RawMessage `json:"payload_template,omitempty"`
	StartDate       *string          `json:"start_date,omitempty"` // RFC3339 timestamp
	Frequency       *string          `json:"frequency,omitempty"`
	ScheduleConfig  *json.RawMessage `json:"schedule_config,omitempty"`
	TriggerLimit    *int             `json:"trigger_limit,omitempty"`
	MaxRetries      *int             `json:"max_retries,omitempty"`
	IsActive        *bool            `json:"is_active,omitempty"`
}

// JobResponse represents a scheduled job in API responses
type JobResponse struct {
	ID              string          `json:"id"`
	App             string          `json:"app"`
	Service         string          `json:"service"`
	Endpoint        string          `json:"endpoint"`
	PayloadTemplate json.RawMessage `json:"payload_template,omitempty"`
	StartDate       string          `json:"start_date"` // RFC3339 timestamp
	Frequency       string          `json:"frequency"`
	ScheduleConfig  json.RawMessage `json:"schedule_config,omitempty"`

	TriggeredCount  int     `json:"triggered_count"`
	TriggerLimit    *int    `json:"trigger_limit,omitempty"`
	LastTriggeredAt *string `json:"last_triggered_at,omitempty"` // RFC3339 timestamp

	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`

	LastResponseCode   *int    `json:"last_response_code,omitempty"`
	LastResponseDetail *string `json:"last_response_detail,omitempty"`
	ErrorMessage       *string `json:"error_message,omitempty"`
	LogID              *int64  `json:"log_id,omitempty"` // Ledger entry of the last dispatch

	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"` // RFC3339 timestamp
	UpdatedAt string `json:"updated_at"` // RFC3339 timestamp
}

// ListJobsResponse represents the response for listing scheduled jobs
type ListJobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count,omitempty"`
}

// WorkflowInfo is the lineage block embedded in run responses
type WorkflowInfo struct {
	RootID   *int64 `json:"root_id,omitempty"`
	ParentID *int64 `json:"parent_id,omitempty"`
	IsRoot   bool   `json:"is_root"`
}

// RunResponse represents a full execution log entry in API responses
type RunResponse struct {
	ID              int64                  `json:"id"`
	App             string                 `json:"app"`
	Service         string                 `json:"service"`
	Status          string                 `json:"status"`
	TriggerSource   string                 `json:"trigger_source"`
	StartedAt       string                 `json:"started_at"` // RFC3339 timestamp
	FinishedAt      *string                `json:"finished_at,omitempty"`
	DurationSeconds float64                `json:"duration_seconds,omitempty"`
	RequestPayload  json.RawMessage        `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage        `json:"response_payload,omitempty"`
	ErrorMessage    *string                `json:"error_message,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Workflow        WorkflowInfo           `json:"workflow"`
}

// RunSummary is the thin projection used by run listings
type RunSummary struct {
	ID            int64   `json:"id"`
	App           string  `json:"app"`
	Service       string  `json:"service"`
	Status        string  `json:"status"`
	TriggerSource string  `json:"trigger_source"`
	StartedAt     string  `json:"started_at"` // RFC3339 timestamp
	FinishedAt    *string `json:"finished_at,omitempty"`
	IsRoot        bool    `json:"is_root"`
}

// ListRunsResponse represents the response for listing recent runs
type ListRunsResponse struct {
	Runs  []RunSummary `json:"runs"`
	Count int          `json:"count,omitempty"`
}

// RunChildrenResponse represents the response for GET /api/runs/{id}/children
type RunChildrenResponse struct {
	ParentID int64        `json:"parent_id"`
	Children []RunSummary `json:"children"`
}

// RunResultResponse is the terminal summary served by
// GET /api/runs/{id}/result. Pending entries answer 202 with only the
// id/status/message fields populated.
type RunResultResponse struct {
	ID              int64           `json:"id"`
	Status          string          `json:"status"`
	Success         bool            `json:"success"`
	Message         string          `json:"message,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
}

// TriggerResponse represents the response for POST /api/trigger
type TriggerResponse struct {
	Success              bool                `json:"success"`
	Message              string              `json:"message"`
	Results              *engine.PassResults `json:"results,omitempty"`
	ExecutionTimeSeconds float64             `json:"execution_time_seconds"`
	Error                string              `json:"error,omitempty"`
	ErrorType            string              `json:"error_type,omitempty"`
	MasterLogID          *int64              `json:"master_log_id"`
}

// ErrorResponse represents an API error with optional structured details
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"` // Structured error context from errors.GetAllDetails()
}

// =======================
// Helper Functions
// =======================

// toJobResponse converts a schedule.Job to API response format
func toJobResponse(job *schedule.Job) JobResponse {
	resp := JobResponse{
		ID:                 job.ID,
		App:                job.App,
		Service:            job.Service,
		Endpoint:           job.Endpoint,
		StartDate:          job.StartDate.Format(time.RFC3339),
		Frequency:          string(job.Frequency),
		TriggeredCount:     job.TriggeredCount,
		TriggerLimit:       job.TriggerLimit,
		Status:             string(job.Status),
		RetryCount:         job.RetryCount,
		MaxRetries:         job.MaxRetries,
		LastResponseCode:   job.LastResponseCode,
		LastResponseDetail: job.LastResponseDetail,
		ErrorMessage:       job.ErrorMessage,
		LogID:              job.LogID,
		IsActive:           job.IsActive,
		CreatedAt:          job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          job.UpdatedAt.Format(time.RFC3339),
	}

	if job.PayloadTemplate != "" {
		resp.PayloadTemplate = json.RawMessage(job.PayloadTemplate)
	}
	if job.ScheduleConfig != "" {
		resp.ScheduleConfig = json.RawMessage(job.ScheduleConfig)
	}
	if job.LastTriggeredAt != nil {
		last := job.LastTriggeredAt.Format(time.RFC3339)
		resp.LastTriggeredAt = &last
	}

	return resp
}

// toRunResponse converts a ledger.Entry to the full API response format
func toRunResponse(entry *ledger.Entry) RunResponse {
	resp := RunResponse{
		ID:            entry.ID,
		App:           entry.App,
		Service:       entry.Service,
		Status:        string(entry.Status),
		TriggerSource: string(entry.TriggerSource),
		StartedAt:     entry.StartedAt.Format(time.RFC3339),
		ErrorMessage:  entry.ErrorMessage,
		Metadata:      entry.Metadata,
		Workflow: WorkflowInfo{
			RootID:   entry.RootID,
			ParentID: entry.ParentID,
			IsRoot:   entry.IsRoot(),
		},
	}

	if entry.FinishedAt != nil {
		finished := entry.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &finished
		resp.DurationSeconds = entry.Duration().Seconds()
	}
	if entry.RequestPayload != nil {
		resp.RequestPayload = rawIfJSON(*entry.RequestPayload)
	}
	if entry.ResponsePayload != nil {
		resp.ResponsePayload = rawIfJSON(*entry.ResponsePayload)
	}

	return resp
}

// rawIfJSON embeds a stored payload string as raw JSON when it parses,
// so responses carry objects instead of double-encoded strings. Invalid
// payloads are dropped rather than corrupting the response document.
func rawIfJSON(payload string) json.RawMessage {
	if json.Valid([]byte(payload)) {
		return json.RawMessage(payload)
	}
	return nil
}

// toRunSummary converts a ledger.Entry to the thin listing projection
func toRunSummary(entry *ledger.Entry) RunSummary {
	summary := RunSummary{
		ID:            entry.ID,
		App:           entry.App,
		Service:       entry.Service,
		Status:        string(entry.Status),
		TriggerSource: string(entry.TriggerSource),
		StartedAt:     entry.StartedAt.Format(time.RFC3339),
		IsRoot:        entry.IsRoot(),
	}
	if entry.FinishedAt != nil {
		finished := entry.FinishedAt.Format(time.RFC3339)
		summary.FinishedAt = &finished
	}
	return summary
}
