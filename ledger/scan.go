package ledger

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/chime/db"
	"github.com/teranos/chime/errors"
)

// entryColumns is the canonical SELECT list; scanEntry targets match it
// positionally.
const entryColumns = `id, root_id, parent_id, app, service, invocation_token,
	status, trigger_source, started_at, finished_at, request_payload,
	response_payload, error_message, metadata, created_at, updated_at`

func scanEntry(sc db.RowScanner) (*Entry, error) {
	var entry Entry
	var rootID, parentID sql.NullInt64
	var startedAt, createdAt, updatedAt string
	var finishedAt, requestPayload, responsePayload, errorMessage, metadata sql.NullString

	err := sc.Scan(
		&entry.ID,
		&rootID,
		&parentID,
		&entry.App,
		&entry.Service,
		&entry.InvocationToken,
		&entry.Status,
		&entry.TriggerSource,
		&startedAt,
		&finishedAt,
		&requestPayload,
		&responsePayload,
		&errorMessage,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rootID.Valid {
		entry.RootID = &rootID.Int64
	}
	if parentID.Valid {
		entry.ParentID = &parentID.Int64
	}
	if requestPayload.Valid {
		entry.RequestPayload = &requestPayload.String
	}
	if responsePayload.Valid {
		entry.ResponsePayload = &responsePayload.String
	}
	if errorMessage.Valid {
		entry.ErrorMessage = &errorMessage.String
	}

	entry.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at for log entry %d", entry.ID)
	}
	if finishedAt.Valid {
		finished, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse finished_at for log entry %d", entry.ID)
		}
		entry.FinishedAt = &finished
	}
	entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for log entry %d", entry.ID)
	}
	entry.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for log entry %d", entry.ID)
	}

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
			return nil, errors.Wrapf(err, "failed to parse metadata for log entry %d", entry.ID)
		}
	}

	return &entry, nil
}

func scanEntries(rows *sql.Rows, context string) ([]*Entry, error) {
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s row", context)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return entries, nil
}
