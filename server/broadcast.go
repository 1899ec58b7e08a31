package server

// Event feed broadcasting. Pass lifecycle and job catalog changes are
// pushed to connected WebSocket clients as typed JSON messages. Sends are
// non-blocking: a client whose buffer is full misses the message.

import (
	"time"

	"github.com/teranos/chime/engine"
	"github.com/teranos/chime/schedule"
)

// PassStartedMessage announces a scheduling pass beginning.
type PassStartedMessage struct {
	Type      string `json:"type"` // "pass_started"
	StartedAt string `json:"started_at"`
}

// PassCompletedMessage carries the results of a finished pass.
type PassCompletedMessage struct {
	Type        string              `json:"type"` // "pass_completed"
	Results     *engine.PassResults `json:"results"`
	MasterLogID *int64              `json:"master_log_id,omitempty"`
	Timestamp   int64               `json:"timestamp"`
}

// JobEventMessage announces a job catalog change.
type JobEventMessage struct {
	Type      string       `json:"type"`  // "job_event"
	Event     string       `json:"event"` // created, updated, deleted
	JobID     string       `json:"job_id"`
	Job       *JobResponse `json:"job,omitempty"` // Omitted for deletes
	Timestamp int64        `json:"timestamp"`
}

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (channel not full).
// Sends happen under the read lock so an unregister (which closes the
// send channel under the write lock) can never overlap one.
func (s *Server) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sent := 0
	for client := range s.clients {
		select {
		case client.send <- msg:
			sent++
		default:
			// Channel full - skip
		}
	}
	return sent
}

// BroadcastPassStarted implements engine.PassBroadcaster.
func (s *Server) BroadcastPassStarted(startedAt time.Time) {
	s.broadcastMessage(PassStartedMessage{
		Type:      "pass_started",
		StartedAt: startedAt.Format(time.RFC3339),
	})
}

// BroadcastPassCompleted implements engine.PassBroadcaster.
func (s *Server) BroadcastPassCompleted(results *engine.PassResults, masterLogID *int64) {
	sent := s.broadcastMessage(PassCompletedMessage{
		Type:        "pass_completed",
		Results:     results,
		MasterLogID: masterLogID,
		Timestamp:   time.Now().Unix(),
	})
	if sent > 0 {
		s.logger.Debugw("Broadcast pass completion",
			"clients", sent,
			"processed", results.Processed,
		)
	}
}

// broadcastJobEvent pushes a catalog change to connected clients.
func (s *Server) broadcastJobEvent(event string, jobID string, job *schedule.Job) {
	msg := JobEventMessage{
		Type:      "job_event",
		Event:     event,
		JobID:     jobID,
		Timestamp: time.Now().Unix(),
	}
	if job != nil {
		resp := toJobResponse(job)
		msg.Job = &resp
	}
	s.broadcastMessage(msg)
}
