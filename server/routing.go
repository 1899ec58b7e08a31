package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// setupHTTPRoutes configures all HTTP handlers on the server's mux.
func (s *Server) setupHTTPRoutes() {
	s.mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))       // Event feed (pass + job events)
	s.mux.HandleFunc("/api/health", s.corsMiddleware(s.HandleHealth))  // Liveness + store ping + cadence stats
	s.mux.HandleFunc("/api/trigger", s.corsMiddleware(s.HandleTrigger)) // On-demand scheduling pass (POST)
	s.mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob))      // Individual job (GET/PATCH/DELETE)
	s.mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))      // List/create jobs (GET/POST)
	s.mux.HandleFunc("/api/runs/", s.corsMiddleware(s.HandleRun))      // Individual run and sub-resources (GET)
	s.mux.HandleFunc("/api/runs", s.corsMiddleware(s.HandleRuns))      // List recent runs (GET)
}

// corsMiddleware adds CORS headers to HTTP responses using configured
// allowed origins. Uses the same origin validation as WebSocket upgrades
// (server.allowed_origins config).
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// upgrader creates a WebSocket upgrader with origin checking from config.
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates a request origin against configured allowed
// origins. Prefix matching allows any port number.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Allow requests with no origin header (direct clients, curl, tests)
	if origin == "" {
		return true
	}

	for _, allowed := range s.cfg.GetServerAllowedOrigins() {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}

	return false
}
