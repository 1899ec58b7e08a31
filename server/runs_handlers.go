package server

import (
	"net/http"
	"strconv"

	"github.com/teranos/chime/ledger"
)

// defaultRunsLimit bounds GET /api/runs when no limit param is given.
const defaultRunsLimit = 50

// HandleRuns handles requests to /api/runs
// GET: List recent runs, newest first. Query params: limit, status.
func (s *Server) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	statusFilter := ledger.Status(r.URL.Query().Get("status"))

	entries, err := s.entries.ListRecent(limit, statusFilter)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list runs", http.StatusInternalServerError)
		return
	}

	response := ListRunsResponse{
		Runs:  make([]RunSummary, 0, len(entries)),
		Count: len(entries),
	}
	for _, entry := range entries {
		response.Runs = append(response.Runs, toRunSummary(entry))
	}

	writeJSON(w, http.StatusOK, response)
}

// HandleRun handles requests to /api/runs/{id}
// GET /api/runs/{id}: the full execution log entry
// GET /api/runs/{id}/result: terminal summary (202 while still pending)
// GET /api/runs/{id}/children: direct child executions
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	pathParts := extractPathParts(r.URL.Path, "/api/runs/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing run ID")
		return
	}
	runID, err := strconv.ParseInt(pathParts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Run ID must be numeric")
		return
	}

	if len(pathParts) > 1 && pathParts[1] != "" {
		switch pathParts[1] {
		case "result":
			s.handleRunResult(w, r, runID)
		case "children":
			s.handleRunChildren(w, r, runID)
		default:
			writeError(w, http.StatusNotFound, "Unknown run sub-resource")
		}
		return
	}

	entry, err := s.entries.Get(runID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get run")
		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(entry))
}

// handleRunResult serves the terminal summary for a run. Pending entries
// answer 202 so callers can poll the same URL until completion.
func (s *Server) handleRunResult(w http.ResponseWriter, r *http.Request, runID int64) {
	entry, err := s.entries.Get(runID)
	if err != nil {
		handleError(w, s.logger, err, "failed to get run result")
		return
	}

	result := RunResultResponse{
		ID:     entry.ID,
		Status: string(entry.Status),
	}

	if !entry.Status.Terminal() {
		result.Message = "execution still running"
		writeJSON(w, http.StatusAccepted, result)
		return
	}

	result.Success = entry.Status == ledger.StatusSuccess
	result.DurationSeconds = entry.Duration().Seconds()
	result.ErrorMessage = entry.ErrorMessage
	if entry.ResponsePayload != nil {
		result.ResponsePayload = rawIfJSON(*entry.ResponsePayload)
	}

	writeJSON(w, http.StatusOK, result)
}

// handleRunChildren lists the direct children of a run.
func (s *Server) handleRunChildren(w http.ResponseWriter, r *http.Request, runID int64) {
	// 404 for a parent that does not exist, empty list for one with no children
	if _, err := s.entries.Get(runID); err != nil {
		handleError(w, s.logger, err, "failed to get run")
		return
	}

	children, err := s.entries.Children(runID)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list run children", http.StatusInternalServerError)
		return
	}

	response := RunChildrenResponse{
		ParentID: runID,
		Children: make([]RunSummary, 0, len(children)),
	}
	for _, child := range children {
		response.Children = append(response.Children, toRunSummary(child))
	}

	writeJSON(w, http.StatusOK, response)
}
