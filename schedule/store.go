package schedule

import (
	"database/sql"
	"strings"
	"time"

	id "github.com/teranos/vanity-id"

	"github.com/teranos/chime/db"
	"github.com/teranos/chime/errors"
)

// ErrJobNotFound marks lookups for jobs that are not in the catalog.
var ErrJobNotFound = errors.New("scheduled job not found")

// Store persists the scheduled-job catalog. All timestamps are written as
// RFC3339 UTC text; all queries use bound parameters.
type Store struct {
	db db.Executor
}

// NewStore creates a catalog store on top of a store gateway.
func NewStore(db db.Executor) *Store {
	return &Store{db: db}
}

// Create validates and inserts a new job. A missing ID is minted from the
// job's app name; a missing payload template or schedule config defaults
// to an empty JSON object.
func (s *Store) Create(job *Job) error {
	if job.PayloadTemplate == "" {
		job.PayloadTemplate = "{}"
	}
	if job.ScheduleConfig == "" && job.Frequency == FrequencyOnce {
		job.ScheduleConfig = "{}"
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		asid, err := id.GenerateASID(job.App, "scheduled", "chime", "system")
		if err != nil {
			return errors.Wrap(err, "failed to generate job ID")
		}
		job.ID = asid
	}
	if job.Status == "" {
		job.Status = StatusPending
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	var triggerLimit interface{}
	if job.TriggerLimit != nil {
		triggerLimit = *job.TriggerLimit
	}

	query := `
		INSERT INTO scheduled_jobs (
			id, app, service, endpoint, payload_template,
			start_date, frequency, schedule_config,
			trigger_limit, max_retries, status, is_active,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		job.ID,
		job.App,
		job.Service,
		job.Endpoint,
		job.PayloadTemplate,
		job.StartDate.UTC().Format(time.RFC3339),
		job.Frequency,
		job.ScheduleConfig,
		triggerLimit,
		job.MaxRetries,
		job.Status,
		job.IsActive,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create scheduled job")
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(jobID string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM scheduled_jobs WHERE id = ?`

	var job Job
	err := scanJob(s.db.QueryRow(query, jobID), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrJobNotFound, "id %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scheduled job")
	}
	return &job, nil
}

// List returns catalog jobs, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + jobSelectColumns + `
		FROM scheduled_jobs
		ORDER BY created_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "scheduled jobs")
}

// Candidates returns jobs eligible for a scheduling pass: active, in a
// dispatchable status, and under their trigger limit. A non-empty id set
// narrows the result to those jobs.
func (s *Store) Candidates(ids ...string) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + `
		FROM scheduled_jobs
		WHERE is_active = 1
		  AND status IN ('pending', 'failed')
		  AND (trigger_limit IS NULL OR triggered_count < trigger_limit)`
	var args []interface{}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		for _, jobID := range ids {
			args = append(args, jobID)
		}
	}
	query += ` ORDER BY start_date ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch candidate jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "candidate jobs")
}

// ActiveByIDs returns active jobs matching ids regardless of status or
// trigger limit. Forced execution fetches through here: it honors only
// the is_active flag.
func (s *Store) ActiveByIDs(ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + jobSelectColumns + `
		FROM scheduled_jobs
		WHERE is_active = 1
		  AND id IN (` + placeholders(len(ids)) + `)
		ORDER BY start_date ASC`
	args := make([]interface{}, 0, len(ids))
	for _, jobID := range ids {
		args = append(args, jobID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch forced jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "forced jobs")
}

// Claim marks a job as processing and stamps last_triggered_at. The claim
// is advisory: overlapping passes are not excluded, and abandoned claims
// are repaired by the reclaimer.
func (s *Store) Claim(jobID string, now time.Time) error {
	query := `
		UPDATE scheduled_jobs
		SET status = ?,
		    last_triggered_at = ?,
		    updated_at = ?
		WHERE id = ?
	`
	stamp := now.UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query, StatusProcessing, stamp, stamp, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to claim job")
	}
	return requireRow(result, jobID)
}

// MarkSuccess records a successful dispatch: advances status, increments
// the trigger counter, re-stamps last_triggered_at, stores the response
// classification, and clears any previous error.
func (s *Store) MarkSuccess(jobID string, status Status, now time.Time, code int, detail string, logID *int64) error {
	var logVal interface{}
	if logID != nil {
		logVal = *logID
	}
	query := `
		UPDATE scheduled_jobs
		SET status = ?,
		    triggered_count = triggered_count + 1,
		    last_triggered_at = ?,
		    last_response_code = ?,
		    last_response_detail = ?,
		    error_message = NULL,
		    retry_count = 0,
		    log_id = ?,
		    updated_at = ?
		WHERE id = ?
	`
	stamp := now.UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query, status, stamp, code, detail, logVal, stamp, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to mark job successful")
	}
	return requireRow(result, jobID)
}

// MarkFailure records a failed dispatch with its response classification.
// The job goes straight to failed; re-eligibility is decided by the
// evaluator on the next pass, never by a retry here.
func (s *Store) MarkFailure(jobID string, code int, detail, errorMessage string, logID *int64) error {
	var logVal interface{}
	if logID != nil {
		logVal = *logID
	}
	query := `
		UPDATE scheduled_jobs
		SET status = ?,
		    last_response_code = ?,
		    last_response_detail = ?,
		    error_message = ?,
		    log_id = ?,
		    updated_at = ?
		WHERE id = ?
	`
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query, StatusFailed, code, detail, errorMessage, logVal, now, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to mark job failed")
	}
	return requireRow(result, jobID)
}

// MarkError records a processing error outside the dispatch path, such as
// a panic while handling the job. Stale response detail is cleared; the
// last response code is left as is.
func (s *Store) MarkError(jobID, errorMessage string) error {
	query := `
		UPDATE scheduled_jobs
		SET status = ?,
		    last_response_detail = NULL,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ?
	`
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query, StatusFailed, errorMessage, now, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to record job error")
	}
	return requireRow(result, jobID)
}

// MarkCompleted retires a job whose trigger limit has been reached.
func (s *Store) MarkCompleted(jobID string) error {
	query := `UPDATE scheduled_jobs SET status = ?, updated_at = ? WHERE id = ?`
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query, StatusCompleted, now, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to mark job completed")
	}
	return requireRow(result, jobID)
}

// Update rewrites a job's definitional fields and flags. Counters,
// response fields, and last_triggered_at are owned by the dispatch
// machinery and are not touched.
func (s *Store) Update(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	var triggerLimit interface{}
	if job.TriggerLimit != nil {
		triggerLimit = *job.TriggerLimit
	}
	query := `
		UPDATE scheduled_jobs
		SET app = ?,
		    service = ?,
		    endpoint = ?,
		    payload_template = ?,
		    start_date = ?,
		    frequency = ?,
		    schedule_config = ?,
		    trigger_limit = ?,
		    max_retries = ?,
		    status = ?,
		    is_active = ?,
		    updated_at = ?
		WHERE id = ?
	`
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query,
		job.App,
		job.Service,
		job.Endpoint,
		job.PayloadTemplate,
		job.StartDate.UTC().Format(time.RFC3339),
		job.Frequency,
		job.ScheduleConfig,
		triggerLimit,
		job.MaxRetries,
		job.Status,
		job.IsActive,
		now,
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update scheduled job")
	}
	return requireRow(result, job.ID)
}

// SetActive toggles whether a job is eligible for scheduling passes.
func (s *Store) SetActive(jobID string, active bool) error {
	query := `UPDATE scheduled_jobs SET is_active = ?, updated_at = ? WHERE id = ?`
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query, active, now, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to set job active flag")
	}
	return requireRow(result, jobID)
}

// Delete removes a job from the catalog.
func (s *Store) Delete(jobID string) error {
	result, err := s.db.Exec(`DELETE FROM scheduled_jobs WHERE id = ?`, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to delete scheduled job")
	}
	return requireRow(result, jobID)
}

// requireRow converts a zero-row update into a not-found error.
func requireRow(result sql.Result, jobID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(ErrJobNotFound, "id %s", jobID)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
