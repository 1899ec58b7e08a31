// Package server hosts the chime HTTP API and the WebSocket event feed:
// the job catalog CRUD surface, the on-demand trigger, run read
// projections, health, and a hub that pushes pass and job events to
// connected clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/chime/config"
	"github.com/teranos/chime/db"
	"github.com/teranos/chime/engine"
	"github.com/teranos/chime/ledger"
	"github.com/teranos/chime/schedule"
)

const (
	// MaxClients caps concurrent WebSocket connections.
	MaxClients = 100

	// ShutdownTimeout bounds how long Stop waits for goroutines to exit.
	ShutdownTimeout = 10 * time.Second
)

// PassRunner runs one scheduling pass. Satisfied by *engine.Engine and by
// the reload-aware wrapper the serve command installs.
type PassRunner interface {
	Run(ctx context.Context, opts engine.Options) (*engine.PassResults, *int64, error)
}

// TickerStats reports cadence state for the health endpoint. Satisfied by
// *engine.Ticker; nil when the server runs without a ticker (tests, `chime
// run` style one-shots).
type TickerStats interface {
	Stats() map[string]interface{}
}

// Server is the chime daemon's HTTP and WebSocket front end.
type Server struct {
	cfg     *config.Config
	gateway *db.Gateway
	jobs    *schedule.Store
	entries *ledger.Store
	runner  PassRunner
	ticker  TickerStats

	mux        *http.ServeMux
	httpServer *http.Server

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

// New assembles a Server around an already-opened store and engine. The
// ticker may be nil; the health endpoint then omits cadence stats.
func New(cfg *config.Config, gateway *db.Gateway, jobs *schedule.Store, entries *ledger.Store, runner PassRunner, ticker TickerStats, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		gateway:    gateway,
		jobs:       jobs,
		entries:    entries,
		runner:     runner,
		ticker:     ticker,
		mux:        http.NewServeMux(),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
	s.setupHTTPRoutes()
	return s
}

// SetTicker attaches the ticker whose stats the health endpoint reports.
// The daemon builds its ticker after the server, since the ticker
// broadcasts pass events through it; call this before Start.
func (s *Server) SetTicker(stats TickerStats) {
	s.ticker = stats
}

// Run is the client hub loop. It owns the clients map mutations and exits
// when the server context is cancelled.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

// handleClientRegister admits a new client connection.
func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// handleClientUnregister removes a disconnected client.
func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		total := len(s.clients)
		s.mu.Unlock()

		client.close()
		s.logger.Infow("Client disconnected",
			"client_id", client.id,
			"total_clients", total,
		)
		return
	}
	s.mu.Unlock()
}

// clientCount returns the number of connected WebSocket clients.
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
