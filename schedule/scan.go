package schedule

import (
	"database/sql"
	"time"

	"github.com/teranos/chime/db"
	"github.com/teranos/chime/errors"
)

// jobSelectColumns is the column list every job SELECT uses, in the order
// jobScanTargets expects.
const jobSelectColumns = `id, app, service, endpoint, payload_template,
		start_date, frequency, schedule_config,
		triggered_count, trigger_limit, last_triggered_at,
		status, retry_count, max_retries,
		last_response_code, last_response_detail, error_message, log_id,
		is_active, created_at, updated_at`

// jobScanArgs holds intermediate targets for nullable columns and for
// timestamps, which are stored as RFC3339 text and parsed after the scan.
type jobScanArgs struct {
	StartDate          string
	TriggerLimit       sql.NullInt64
	LastTriggeredAt    sql.NullString
	LastResponseCode   sql.NullInt64
	LastResponseDetail sql.NullString
	ErrorMessage       sql.NullString
	LogID              sql.NullInt64
	CreatedAt          string
	UpdatedAt          string
}

func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.App,
		&job.Service,
		&job.Endpoint,
		&job.PayloadTemplate,
		&args.StartDate,
		&job.Frequency,
		&job.ScheduleConfig,
		&job.TriggeredCount,
		&args.TriggerLimit,
		&args.LastTriggeredAt,
		&job.Status,
		&job.RetryCount,
		&job.MaxRetries,
		&args.LastResponseCode,
		&args.LastResponseDetail,
		&args.ErrorMessage,
		&args.LogID,
		&job.IsActive,
		&args.CreatedAt,
		&args.UpdatedAt,
	}
}

// applyJobScanArgs parses the scanned intermediates into the job struct.
func applyJobScanArgs(job *Job, args *jobScanArgs) error {
	var err error
	job.StartDate, err = time.Parse(time.RFC3339, args.StartDate)
	if err != nil {
		return errors.Wrapf(err, "failed to parse start_date for job %s", job.ID)
	}
	job.CreatedAt, err = time.Parse(time.RFC3339, args.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	job.UpdatedAt, err = time.Parse(time.RFC3339, args.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	if args.LastTriggeredAt.Valid {
		t, err := time.Parse(time.RFC3339, args.LastTriggeredAt.String)
		if err != nil {
			return errors.Wrapf(err, "failed to parse last_triggered_at for job %s", job.ID)
		}
		job.LastTriggeredAt = &t
	}
	if args.TriggerLimit.Valid {
		v := int(args.TriggerLimit.Int64)
		job.TriggerLimit = &v
	}
	if args.LastResponseCode.Valid {
		v := int(args.LastResponseCode.Int64)
		job.LastResponseCode = &v
	}
	if args.LastResponseDetail.Valid {
		v := args.LastResponseDetail.String
		job.LastResponseDetail = &v
	}
	if args.ErrorMessage.Valid {
		v := args.ErrorMessage.String
		job.ErrorMessage = &v
	}
	if args.LogID.Valid {
		v := args.LogID.Int64
		job.LogID = &v
	}
	return nil
}

// scanJob scans one job row. The scanner may be a Gateway QueryRow result
// or *sql.Rows positioned on a row.
func scanJob(scanner db.RowScanner, job *Job) error {
	var args jobScanArgs
	if err := scanner.Scan(jobScanTargets(job, &args)...); err != nil {
		return err
	}
	return applyJobScanArgs(job, &args)
}

// scanJobs drains rows into a job slice.
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJob(rows, &job); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s row", context)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return jobs, nil
}
