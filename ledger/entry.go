// Package ledger persists the execution log: one row per dispatch
// attempt plus one master row per run, linked into trees through
// root_id and parent_id.
package ledger

import "time"

// Status is the lifecycle state of an execution log entry. Entries are
// created pending and finalized exactly once.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusWarning Status = "warning"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusWarning:
		return true
	}
	return false
}

// TriggerSource records what initiated an execution.
type TriggerSource string

const (
	SourceTimer  TriggerSource = "timer"
	SourceManual TriggerSource = "manual"
	SourceHTTP   TriggerSource = "http"
)

// Entry is one row of the execution_log table.
type Entry struct {
	ID              int64
	RootID          *int64
	ParentID        *int64
	App             string
	Service         string
	InvocationToken string
	Status          Status
	TriggerSource   TriggerSource
	StartedAt       time.Time
	FinishedAt      *time.Time
	RequestPayload  *string
	ResponsePayload *string
	ErrorMessage    *string
	Metadata        map[string]interface{}
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsRoot reports whether the entry heads its execution tree.
func (e *Entry) IsRoot() bool {
	return e.ParentID == nil
}

// Duration returns the recorded execution time, or zero while the entry
// is still pending.
func (e *Entry) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// ChildContext is the lineage merged into a child dispatch payload so
// downstream services can log themselves under the same tree.
type ChildContext struct {
	ParentServiceID int64 `json:"parent_service_id"`
	RootID          int64 `json:"root_id"`
}

// ChildContext derives the lineage a child of this entry inherits: the
// entry itself becomes the parent, and the root passes through
// unchanged (or is this entry, when it is the root).
func (e *Entry) ChildContext() *ChildContext {
	ctx := &ChildContext{ParentServiceID: e.ID, RootID: e.ID}
	if e.RootID != nil {
		ctx.RootID = *e.RootID
	}
	return ctx
}
