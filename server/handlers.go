// Package server HTTP handlers for the core endpoints:
// - WebSocket connections (HandleWebSocket)
// - Health checks (HandleHealth)
// - On-demand scheduling passes (HandleTrigger)
package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/teranos/chime/engine"
	"github.com/teranos/chime/errors"
	"github.com/teranos/chime/ledger"
	"github.com/teranos/chime/version"
)

// HandleWebSocket upgrades a connection and attaches it to the event feed.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed",
			"error", err.Error(),
			"remote", r.RemoteAddr,
		)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan interface{}, 256),
		id:     fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
	}

	// Send version info BEFORE starting writePump (avoid concurrent writes)
	versionInfo := version.Get()
	versionMsg := map[string]interface{}{
		"type":       "version",
		"version":    versionInfo.Version,
		"commit":     versionInfo.Short(),
		"build_time": versionInfo.BuildTime,
	}
	if err := conn.WriteJSON(versionMsg); err != nil {
		s.logger.Debugw("Failed to send version info",
			"client_id", client.id,
			"error", err,
		)
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}

// HandleHealth reports liveness: build info, connected clients, store
// reachability, and scheduling cadence stats. A failed store ping answers
// 503 with status degraded.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()

	health := map[string]interface{}{
		"status":     "ok",
		"version":    versionInfo.Version,
		"commit":     versionInfo.Short(),
		"build_time": versionInfo.BuildTime,
		"clients":    s.clientCount(),
	}

	status := http.StatusOK
	if err := s.gateway.Ping(); err != nil {
		health["status"] = "degraded"
		health["database"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		health["database"] = "ok"
	}

	if s.ticker != nil {
		health["scheduler"] = s.ticker.Stats()
	}

	if total, available, err := getMemoryStats(); err == nil && total > 0 {
		health["memory"] = map[string]interface{}{
			"total_gb":     math.Round(float64(total)/1024/1024/1024*10) / 10,
			"available_gb": math.Round(float64(available)/1024/1024/1024*10) / 10,
		}
	}

	writeJSON(w, status, health)
}

// HandleTrigger runs an on-demand scheduling pass.
// POST body: {"bypass_window_check": bool, "force_service_ids": [..],
// "schedule_id": "..."}. An unreadable body runs a standard pass; that
// matches triggering from plain curl with no payload.
// Per-job failures are reported inside results with success still true.
// Only a failure to run the pass itself (master log bookkeeping) is an
// HTTP-level error.
func (s *Server) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var opts engine.Options
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			s.logger.Debugw("Trigger body not decodable, running standard pass",
				"error", err.Error(),
				"remote", r.RemoteAddr,
			)
			opts = engine.Options{}
		}
	}
	opts.Source = ledger.SourceHTTP

	s.logger.Infow("Trigger request",
		"bypass_window_check", opts.BypassWindow,
		"force_service_ids", opts.ForceServiceIDs,
		"schedule_id", opts.ScheduleID,
		"remote", r.RemoteAddr,
	)

	start := time.Now()
	results, masterID, err := s.runner.Run(r.Context(), opts)
	elapsed := roundSeconds(time.Since(start))

	if err != nil {
		s.logger.Errorw("Trigger pass failed",
			"error", err,
			"execution_time_seconds", elapsed,
		)
		writeJSON(w, http.StatusInternalServerError, TriggerResponse{
			Success:              false,
			Message:              "Scheduler execution failed",
			ExecutionTimeSeconds: elapsed,
			Error:                err.Error(),
			ErrorType:            errorType(err),
			MasterLogID:          masterID,
		})
		return
	}

	writeJSON(w, http.StatusOK, TriggerResponse{
		Success:              true,
		Message:              "Scheduler executed successfully",
		Results:              results,
		ExecutionTimeSeconds: elapsed,
		MasterLogID:          masterID,
	})
}

// roundSeconds reports a duration in seconds with two decimal places.
func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}

// errorType names the root cause's concrete type for failure responses.
func errorType(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", errors.UnwrapAll(err))
}
