// Package admin implements SPEC_FULL.md §4's administrative reporting
// surface: a read-only live feed of transactions/contexts mirroring
// the CLI "calls" report (original_source/Control/ControlTransfer.*).
// Grounded on omar251990-omar251990/pkg/web/server.go's websocket
// client registry and periodic broadcastLoop, trimmed down to this
// module's narrower, read-only reporting need -- no auth, config or
// user-management endpoints, since the spec treats those as out of
// scope for this layer.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// TransactionSnapshot is one row of the live report.
type TransactionSnapshot struct {
	ID          uint64    `json:"id"`
	IMSI        string    `json:"imsi"`
	Service     string    `json:"service"`
	State       string    `json:"state"`
	TI          uint8     `json:"ti"`
	ConnectTime time.Time `json:"connect_time,omitempty"`
}

// Report is the full snapshot broadcast to connected clients and
// served from the plain HTTP GET endpoint.
type Report struct {
	GeneratedAt  time.Time             `json:"generated_at"`
	Transactions []TransactionSnapshot `json:"transactions"`
	ActiveUsers  int                   `json:"active_users"`
	PagingUsers  int                   `json:"paging_users"`
}

// Snapshotter produces the current transaction table. cmd/l3ctld wires
// a concrete implementation over its MMLayer/channel registry, since
// admin has no business reaching into mmlayer/mmcontext internals
// itself.
type Snapshotter interface {
	Snapshot() Report
}

// Server serves the admin feed: a periodic websocket broadcast plus a
// plain-JSON GET for one-shot polling (e.g. from a CLI script).
type Server struct {
	addr     string
	source   Snapshotter
	interval time.Duration
	logger   zerolog.Logger

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool

	httpServer *http.Server
}

// New builds a Server. interval governs the websocket broadcast
// cadence; the GET endpoint always computes a fresh snapshot.
func New(addr string, source Snapshotter, interval time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		addr:     addr,
		source:   source,
		interval: interval,
		logger:   logger,
		clients:  make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the HTTP/websocket server; it blocks until Stop closes it
// out from under ListenAndServe, matching net/http's own Serve idiom.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/calls", s.handleCallsSnapshot)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.broadcastLoop()

	s.logger.Info().Str("addr", s.addr).Msg("admin reporting feed listening")
	return s.httpServer.ListenAndServe()
}

// Stop closes every connected client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		c.Close()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("admin: websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// The feed is one-directional; this loop only exists to notice the
	// client going away (a read error on a connection nobody writes to).
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) handleCallsSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Snapshot()); err != nil {
		s.logger.Error().Err(err).Msg("admin: failed to encode snapshot")
	}
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for range ticker.C {
		data, err := json.Marshal(s.source.Snapshot())
		if err != nil {
			s.logger.Error().Err(err).Msg("admin: failed to marshal snapshot")
			continue
		}

		s.mu.RLock()
		for c := range s.clients {
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn().Err(err).Msg("admin: websocket send failed")
			}
		}
		s.mu.RUnlock()
	}
}
