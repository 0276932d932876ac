// Package dashboard is the status channel UI collaborators use.
//
// Clients connect to /ws and receive sync, connectivity and status messages
// as they happen; they may send sync_now, foreground and status requests on
// the same socket. The JSON endpoints under /v1/ cover the same interface
// for clients that poll: status, manual sync, local mutations, the pending
// queue, the failure log and edge cache messages.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cognitrack/offsync/internal/offline/edgecache"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus carries a full status snapshot
	MessageTypeStatus MessageType = "status"

	// MessageTypeSyncStarted indicates a pass began
	MessageTypeSyncStarted MessageType = "sync_started"

	// MessageTypeSyncFinished carries a pass result
	MessageTypeSyncFinished MessageType = "sync_finished"

	// MessageTypeOperationFailed indicates an operation failed and stays queued
	MessageTypeOperationFailed MessageType = "operation_failed"

	// MessageTypeOperationDropped indicates an operation exhausted its retries
	MessageTypeOperationDropped MessageType = "operation_dropped"

	// MessageTypeConflict indicates a conflict kept the remote copy
	MessageTypeConflict MessageType = "conflict"

	// MessageTypeConnectivity carries a connectivity transition
	MessageTypeConnectivity MessageType = "connectivity"

	// MessageTypeError answers a client request that failed
	MessageTypeError MessageType = "error"
)

// Requests a client may send over the socket.
const (
	RequestSyncNow    = "sync_now"
	RequestForeground = "foreground"
	RequestStatus     = "status"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is a request received from a socket client.
type ClientMessage struct {
	Type string `json:"type"`
}

// ErrorData answers a failed client request.
type ErrorData struct {
	Request string `json:"request,omitempty"`
	Error   string `json:"error"`
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	backend  Backend
	edge     CacheMessenger

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Backend answers requests (required)
	Backend Backend

	// Edge receives cache messages; nil disables /v1/cache/messages
	Edge CacheMessenger

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a new dashboard server
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		backend:   config.Backend,
		edge:      config.Edge,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}, nil
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("POST /v1/foreground", s.handleForeground)
	mux.HandleFunc("GET /v1/queue", s.handleQueue)
	mux.HandleFunc("GET /v1/failures", s.handleFailures)
	mux.HandleFunc("DELETE /v1/failures", s.handleAcknowledge)
	mux.HandleFunc("GET /v1/records/{type}/{id}", s.handleGetRecord)
	mux.HandleFunc("PUT /v1/records/{type}/{id}", s.handlePutRecord)
	mux.HandleFunc("DELETE /v1/records/{type}/{id}", s.handleDeleteRecord)
	mux.HandleFunc("POST /v1/cache/messages", s.handleCacheMessage)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// BroadcastData marshals data into a message of type t and broadcasts it.
func (s *Server) BroadcastData(t MessageType, data any) {
	msg, err := newMessage(t, data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s data: %v", t, err)
		return
	}
	s.Broadcast(msg)
}

func newMessage(t MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Timestamp: time.Now(), Data: raw}, nil
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Written outside the lock so a slow client cannot stall the others.
			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) send(conn *websocket.Conn, t MessageType, data any) {
	msg, err := newMessage(t, data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s data: %v", t, err)
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal message: %v", err)
		return
	}
	if err := s.write(conn, raw); err != nil {
		s.logger.Printf("Failed to send to client: %v", err)
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// New clients start from a full snapshot.
	s.sendStatus(conn)

	go s.readLoop(conn)
}

func (s *Server) sendStatus(conn *websocket.Conn) {
	st, err := s.backend.Status(s.ctx)
	if err != nil {
		s.send(conn, MessageTypeError, ErrorData{Request: RequestStatus, Error: err.Error()})
		return
	}
	s.send(conn, MessageTypeStatus, st)
}

// readLoop serves client requests until the client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		var req ClientMessage
		if err := json.Unmarshal(data, &req); err != nil {
			s.send(conn, MessageTypeError, ErrorData{Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		s.handleClientMessage(conn, req)
	}
}

func (s *Server) handleClientMessage(conn *websocket.Conn, req ClientMessage) {
	switch req.Type {
	case RequestStatus:
		s.sendStatus(conn)
	case RequestForeground:
		s.backend.Foreground()
	case RequestSyncNow:
		// Progress and the result reach every client through the
		// orchestrator events; only refusals are answered directly.
		go func() {
			if _, err := s.backend.SyncNow(s.ctx); err != nil {
				s.send(conn, MessageTypeError, ErrorData{Request: req.Type, Error: err.Error()})
			}
		}()
	default:
		s.send(conn, MessageTypeError, ErrorData{Request: req.Type, Error: "unknown request"})
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>offsync</title>
</head>
<body>
    <h1>offsync status</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/v1/status">/v1/status</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// CacheMessenger delivers messages to the edge cache.
type CacheMessenger interface {
	Post(msg edgecache.Message) (edgecache.Message, error)
}
