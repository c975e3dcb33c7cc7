// Package dashboard serves derived views to local UI clients.
//
// Clients connect to /ws and receive a snapshot of every view followed by a
// message each time a view changes. A client may narrow the stream to some
// projects by sending {"projects": ["p-1"]}; an empty list restores the
// full stream. /health reports liveness and /metrics exposes the
// Prometheus registry.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MessageType names the view a message carries.
type MessageType string

const (
	MessageTypeMilestones MessageType = "milestones"
	MessageTypeFeed       MessageType = "feed"
	MessageTypeBlocked    MessageType = "blocked"
	MessageTypePresence   MessageType = "presence"
	MessageTypeConflicts  MessageType = "conflicts"
)

const (
	queueSize      = 100
	clientBacklog  = 32
	writeTimeout   = 5 * time.Second
	maxClientFrame = 64 << 10
)

// Message is one frame sent to clients. Messages without a ProjectID reach
// every client.
type Message struct {
	Type      MessageType     `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// filterRequest is the only message clients send.
type filterRequest struct {
	Projects []string `json:"projects"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default 127.0.0.1:8377). Port 0 picks a free port.
	Addr string

	// Snapshot, when set, builds the messages sent to a client right after
	// it connects.
	Snapshot func(ctx context.Context) []Message

	Logger *zap.Logger
}

// Server fans view messages out to WebSocket clients. Each client has its
// own bounded backlog; a client that falls behind is disconnected rather
// than slowing the others down.
type Server struct {
	cfg    Config
	logger *zap.Logger
	queue  chan Message
	start  time.Time

	ln   net.Listener
	http *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	out  chan []byte

	mu       sync.Mutex
	projects map[string]bool
}

func (c *client) wants(projectID string) bool {
	if projectID == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.projects) == 0 || c.projects[projectID]
}

func (c *client) setProjects(ids []string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	c.mu.Lock()
	c.projects = set
	c.mu.Unlock()
}

// NewServer creates a dashboard server. It does not listen until Start.
func NewServer(cfg *Config) *Server {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8377"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     c,
		logger:  c.Logger.Named("dashboard"),
		queue:   make(chan Message, queueSize),
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start listens and begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.start = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /health", s.serveHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", s.serveIndex)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		s.dropLocked(c, websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.http.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

// Broadcast queues msg for every interested client. It never blocks: when
// the queue is full the message is dropped, and the next change to the
// same view supersedes it anyway.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.logger.Warn("broadcast queue full, dropping message",
			zap.String("type", string(msg.Type)), zap.String("project", msg.ProjectID))
	}
}

func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		var msg Message
		select {
		case <-s.ctx.Done():
			return
		case msg = <-s.queue:
		}
		data, err := encode(msg)
		if err != nil {
			s.logger.Error("failed to encode message", zap.Error(err))
			continue
		}

		s.mu.Lock()
		for c := range s.clients {
			if !c.wants(msg.ProjectID) {
				continue
			}
			select {
			case c.out <- data:
			default:
				s.logger.Warn("client too slow, disconnecting")
				s.dropLocked(c, websocket.StatusPolicyViolation, "too slow")
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	// The listener is bound to loopback by default; only local pages may
	// connect.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxClientFrame)

	// The snapshot is written before the client is registered, so every
	// broadcast it receives afterwards is newer than the snapshot.
	if s.cfg.Snapshot != nil {
		for _, msg := range s.cfg.Snapshot(r.Context()) {
			data, err := encode(msg)
			if err != nil {
				continue
			}
			if err := s.write(conn, data); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "snapshot failed")
				return
			}
		}
	}

	c := &client{conn: conn, out: make(chan []byte, clientBacklog)}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.wg.Add(2)
	s.mu.Unlock()
	s.logger.Debug("client connected", zap.Int("clients", n))

	go s.writeLoop(c)
	go s.readLoop(c)
}

// writeLoop drains one client's backlog until it is dropped.
func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for data := range c.out {
		if err := s.write(c.conn, data); err != nil {
			s.logger.Debug("failed to send to client", zap.Error(err))
			s.drop(c, websocket.StatusInternalError, "write failed")
			return
		}
	}
}

// readLoop applies project filters and detects disconnects.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.drop(c, websocket.StatusNormalClosure, "")
	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}
		var req filterRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Debug("ignoring client message", zap.Error(err))
			continue
		}
		c.setProjects(req.Projects)
	}
}

func (s *Server) drop(c *client, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	s.dropLocked(c, code, reason)
	s.mu.Unlock()
}

func (s *Server) dropLocked(c *client, code websocket.StatusCode, reason string) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.out)
	go func() { _ = c.conn.Close(code, reason) }()
	s.logger.Debug("client disconnected", zap.Int("clients", len(s.clients)))
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
		"uptime":  time.Since(s.start).Round(time.Second).String(),
	})
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "huddle dashboard\n\n  ws://%s/ws\n  http://%s/health\n  http://%s/metrics\n", r.Host, r.Host, r.Host)
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return json.Marshal(msg)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
