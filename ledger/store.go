package ledger

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/chime/db"
	"github.com/teranos/chime/errors"
)

// ErrEntryNotFound is returned when a log entry lookup matches nothing.
var ErrEntryNotFound = errors.New("execution log entry not found")

// Store persists execution log entries.
type Store struct {
	db db.Executor
}

// NewStore creates an execution log store.
func NewStore(db db.Executor) *Store {
	return &Store{db: db}
}

// EntryDef describes a new execution about to start. ParentID and
// RootID come from the parent's ChildContext; both nil marks a root.
type EntryDef struct {
	App            string
	Service        string
	TriggerSource  TriggerSource
	ParentID       *int64
	RootID         *int64
	RequestPayload *string
	Metadata       map[string]interface{}
}

// LogStart inserts a pending entry tagged with a fresh invocation token,
// reads the allocated id back through the token, and resolves
// root_id = id for root entries. Returns the entry id.
func (s *Store) LogStart(def EntryDef) (int64, error) {
	if def.App == "" || def.Service == "" {
		return 0, errors.NewInvalidRequestError("app and service are required to log an execution")
	}
	source := def.TriggerSource
	if source == "" {
		source = SourceTimer
	}

	token := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	var rootID, parentID, requestPayload, metadata interface{}
	if def.RootID != nil {
		rootID = *def.RootID
	}
	if def.ParentID != nil {
		parentID = *def.ParentID
	}
	if def.RequestPayload != nil {
		requestPayload = *def.RequestPayload
	}
	if len(def.Metadata) > 0 {
		encoded, err := json.Marshal(def.Metadata)
		if err != nil {
			return 0, errors.Wrap(err, "failed to encode metadata")
		}
		metadata = string(encoded)
	}

	_, err := s.db.Exec(`
		INSERT INTO execution_log (
			root_id, parent_id, app, service, invocation_token,
			status, trigger_source, started_at, request_payload,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rootID,
		parentID,
		def.App,
		def.Service,
		token,
		StatusPending,
		source,
		now,
		requestPayload,
		metadata,
		now,
		now,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert execution log entry")
	}

	// The id comes back through the unique token rather than
	// LastInsertId, so the protocol survives drivers and triggers that
	// clobber the insert id.
	var id int64
	err = s.db.QueryRow(`SELECT id FROM execution_log WHERE invocation_token = ?`, token).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.Newf("failed to retrieve log id for invocation token %s", token)
		}
		return 0, errors.Wrap(err, "failed to read back execution log id")
	}

	if def.ParentID == nil {
		if _, err := s.db.Exec(`UPDATE execution_log SET root_id = ? WHERE id = ?`, id, id); err != nil {
			return 0, errors.Wrapf(err, "failed to resolve root_id for log entry %d", id)
		}
	}

	return id, nil
}

// LogSuccess finalizes an entry as success.
func (s *Store) LogSuccess(id int64, responsePayload *string, metadata map[string]interface{}) error {
	return s.complete(id, StatusSuccess, responsePayload, nil, metadata)
}

// LogError finalizes an entry as failed with the given error message.
func (s *Store) LogError(id int64, errorMessage string, responsePayload *string, metadata map[string]interface{}) error {
	return s.complete(id, StatusFailed, responsePayload, &errorMessage, metadata)
}

// LogWarning finalizes an entry as warning: the run finished but with
// errors worth surfacing.
func (s *Store) LogWarning(id int64, message string, responsePayload *string, metadata map[string]interface{}) error {
	return s.complete(id, StatusWarning, responsePayload, &message, metadata)
}

// complete applies the single allowed terminal mutation. Metadata
// accumulates: keys passed here merge over what LogStart recorded.
func (s *Store) complete(id int64, status Status, responsePayload, errorMessage *string, metadata map[string]interface{}) error {
	var current Status
	var existingMetadata sql.NullString
	err := s.db.QueryRow(`SELECT status, metadata FROM execution_log WHERE id = ?`, id).
		Scan(&current, &existingMetadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrEntryNotFound, "id %d", id)
		}
		return errors.Wrapf(err, "failed to load execution log entry %d", id)
	}
	if current.Terminal() {
		return errors.Wrapf(errors.ErrConflict, "execution log entry %d already finalized as %s", id, current)
	}

	merged, err := mergeMetadata(existingMetadata, metadata)
	if err != nil {
		return errors.Wrapf(err, "failed to merge metadata for log entry %d", id)
	}

	var response, errMsg interface{}
	if responsePayload != nil {
		response = *responsePayload
	}
	if errorMessage != nil {
		errMsg = *errorMessage
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`
		UPDATE execution_log
		SET status = ?,
		    finished_at = ?,
		    response_payload = ?,
		    error_message = ?,
		    metadata = ?,
		    updated_at = ?
		WHERE id = ?`,
		status, now, response, errMsg, merged, now, id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finalize execution log entry %d", id)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return errors.Wrapf(ErrEntryNotFound, "id %d", id)
	}
	return nil
}

func mergeMetadata(existing sql.NullString, updates map[string]interface{}) (interface{}, error) {
	merged := map[string]interface{}{}
	if existing.Valid && existing.String != "" {
		if err := json.Unmarshal([]byte(existing.String), &merged); err != nil {
			return nil, errors.Wrap(err, "failed to decode stored metadata")
		}
	}
	for k, v := range updates {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode metadata")
	}
	return string(encoded), nil
}

// Get retrieves one entry by id.
func (s *Store) Get(id int64) (*Entry, error) {
	entry, err := scanEntry(s.db.QueryRow(
		`SELECT `+entryColumns+` FROM execution_log WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrEntryNotFound, "id %d", id)
		}
		return nil, errors.Wrap(err, "failed to get execution log entry")
	}
	return entry, nil
}

// ListRecent retrieves entries ordered most-recently-started first, with
// an optional status filter.
func (s *Store) ListRecent(limit int, statusFilter Status) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + entryColumns + ` FROM execution_log`
	args := []interface{}{}
	if statusFilter != "" {
		query += ` WHERE status = ?`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list execution log entries")
	}
	return scanEntries(rows, "execution log")
}

// Children retrieves the direct children of an entry, oldest first.
func (s *Store) Children(parentID int64) ([]*Entry, error) {
	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM execution_log WHERE parent_id = ? ORDER BY started_at ASC, id ASC`,
		parentID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list child executions")
	}
	return scanEntries(rows, "child executions")
}
