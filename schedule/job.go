// Package schedule holds the scheduled-job catalog: the job record and its
// persistence, the due-ness evaluator that decides which jobs fire on a
// given pass, and the reclaimer that repairs jobs abandoned mid-dispatch.
package schedule

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/teranos/chime/errors"
)

// Frequency is a job's recurrence type.
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Status is a job's position in the dispatch state machine.
//
// pending|failed -> processing -> {pending, completed, failed}. completed is
// terminal and excluded from candidate fetches; failed jobs re-enter the
// machine on the next pass the evaluator finds them due.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one row of the scheduled-job catalog.
type Job struct {
	ID              string
	App             string
	Service         string
	Endpoint        string
	PayloadTemplate string
	StartDate       time.Time
	Frequency       Frequency
	ScheduleConfig  string

	TriggeredCount  int
	TriggerLimit    *int
	LastTriggeredAt *time.Time

	Status     Status
	RetryCount int
	MaxRetries int

	LastResponseCode   *int
	LastResponseDetail *string
	ErrorMessage       *string
	LogID              *int64

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LimitReached reports whether the job has exhausted its trigger limit.
// Jobs without a limit never reach one.
func (j *Job) LimitReached() bool {
	return j.TriggerLimit != nil && j.TriggeredCount >= *j.TriggerLimit
}

// NextStatus returns the status a job advances to after a successful
// dispatch: completed for one-shot jobs and jobs whose limit is now
// reached, pending otherwise.
func (j *Job) NextStatus() Status {
	if j.Frequency == FrequencyOnce {
		return StatusCompleted
	}
	if j.TriggerLimit != nil && j.TriggeredCount+1 >= *j.TriggerLimit {
		return StatusCompleted
	}
	return StatusPending
}

// Validate checks the definitional fields of a job before it enters the
// catalog. Counters, response fields, and timestamps are owned by the
// dispatch machinery and are not validated here.
func (j *Job) Validate() error {
	if j.App == "" {
		return errors.NewInvalidRequestError("app is required")
	}
	if j.Service == "" {
		return errors.NewInvalidRequestError("service is required")
	}
	if j.Endpoint == "" {
		return errors.NewInvalidRequestError("endpoint is required")
	}
	u, err := url.Parse(j.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewInvalidRequestError("endpoint %q is not an absolute URL", j.Endpoint)
	}
	if j.StartDate.IsZero() {
		return errors.NewInvalidRequestError("start_date is required")
	}
	if !j.Frequency.Valid() {
		return errors.NewInvalidRequestError("unknown frequency %q", j.Frequency)
	}
	if err := ValidateScheduleConfig(j.Frequency, j.ScheduleConfig); err != nil {
		return err
	}
	if j.PayloadTemplate != "" && !json.Valid([]byte(j.PayloadTemplate)) {
		return errors.NewInvalidRequestError("payload_template is not valid JSON")
	}
	if j.TriggerLimit != nil && *j.TriggerLimit < 1 {
		return errors.NewInvalidRequestError("trigger_limit must be at least 1")
	}
	return nil
}
