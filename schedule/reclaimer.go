package schedule

import (
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chime/db"
	"github.com/teranos/chime/errors"
)

// ReclaimThreshold is how long a job may sit in processing before it is
// considered abandoned.
const ReclaimThreshold = 15 * time.Minute

// The two messages distinguish a claim that never stamped a trigger
// timestamp from one whose dispatch simply never came back.
const (
	reclaimDetailNoTimestamp = "execution timeout: stuck in processing with no last trigger timestamp"
	reclaimDetailElapsed     = "execution timeout: stuck in processing for more than 15 minutes"
)

// Reclaimer repairs jobs abandoned mid-dispatch by a crashed or killed
// pass. A job parked in processing with no trigger timestamp, or with a
// claim older than ReclaimThreshold, is failed with a timeout code so a
// later pass can pick it up again. It runs first in every pass.
type Reclaimer struct {
	db     db.Executor
	logger *zap.SugaredLogger
}

// NewReclaimer creates a reclaimer on top of a store gateway.
func NewReclaimer(db db.Executor, logger *zap.SugaredLogger) *Reclaimer {
	return &Reclaimer{db: db, logger: logger}
}

type stuckJob struct {
	id              string
	app             string
	service         string
	lastTriggeredAt sql.NullString
}

// Reclaim sweeps stuck jobs and returns how many were repaired. It never
// errors outward: failures are logged and reported as zero so a broken
// sweep cannot block the pass behind it.
func (r *Reclaimer) Reclaim(now time.Time) int {
	stuck, err := r.findStuck(now)
	if err != nil {
		r.warn("Failed to scan for stuck jobs", "error", err)
		return 0
	}
	if len(stuck) == 0 {
		return 0
	}

	r.warn("Found jobs stuck in processing", "count", len(stuck))

	query := `
		UPDATE scheduled_jobs
		SET status = ?,
		    last_response_code = ?,
		    last_response_detail = NULL,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`
	stamp := now.UTC().Format(time.RFC3339)
	count := 0
	for _, job := range stuck {
		detail := reclaimDetailElapsed
		if !job.lastTriggeredAt.Valid {
			detail = reclaimDetailNoTimestamp
		}
		result, err := r.db.Exec(query,
			StatusFailed, http.StatusRequestTimeout, detail, stamp,
			job.id, StatusProcessing,
		)
		if err != nil {
			r.warn("Failed to reclaim stuck job", "job_id", job.id, "error", err)
			continue
		}
		rows, err := result.RowsAffected()
		if err != nil || rows == 0 {
			// Already moved on by a concurrent pass.
			continue
		}
		count++
		r.warn("Reclaimed stuck job",
			"job_id", job.id,
			"app", job.app,
			"service", job.service,
			"last_triggered_at", job.lastTriggeredAt.String,
		)
	}
	return count
}

func (r *Reclaimer) findStuck(now time.Time) ([]stuckJob, error) {
	query := `
		SELECT id, app, service, last_triggered_at
		FROM scheduled_jobs
		WHERE status = ?
		  AND (last_triggered_at IS NULL OR last_triggered_at < ?)
	`
	cutoff := now.Add(-ReclaimThreshold).UTC().Format(time.RFC3339)
	rows, err := r.db.Query(query, StatusProcessing, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stuck jobs")
	}
	defer rows.Close()

	var stuck []stuckJob
	for rows.Next() {
		var job stuckJob
		if err := rows.Scan(&job.id, &job.app, &job.service, &job.lastTriggeredAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan stuck job row")
		}
		stuck = append(stuck, job)
	}
	return stuck, rows.Err()
}

func (r *Reclaimer) warn(msg string, keysAndValues ...interface{}) {
	if r.logger == nil {
		return
	}
	r.logger.Warnw(msg, keysAndValues...)
}
