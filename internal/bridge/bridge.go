// Package bridge exposes a session store to external UIs over a websocket:
// state snapshots are pushed on every change and commands map onto store
// operations.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/davechat/internal/metrics"
	"github.com/raphaelgruber/davechat/internal/session"
)

// Wire message types.
const (
	TypeState = "state"
	TypeError = "error"
)

// Command ops.
const (
	OpSend       = "send"
	OpCancel     = "cancel"
	OpNew        = "new"
	OpLoad       = "load"
	OpDelete     = "delete"
	OpClearError = "clear_error"
	OpRefresh    = "refresh"
	OpRename     = "rename"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 10 * time.Second
	maxCommand   = 64 << 10
)

// Command is a client request.
type Command struct {
	Op             string `json:"op"`
	Ref            string `json:"ref,omitempty"` // echoed in error replies
	Text           string `json:"text,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Title          string `json:"title,omitempty"`
}

// Message is a server push.
type Message struct {
	Type  string         `json:"type"`
	State *session.State `json:"state,omitempty"`
	Op    string         `json:"op,omitempty"`
	Ref   string         `json:"ref,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Options configures a Server.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// AllowedOrigins limits browser clients; empty allows any origin.
	AllowedOrigins []string
}

// Server serves /ws, /stats and /health for one session store.
type Server struct {
	store    *session.Store
	metrics  *metrics.Collector
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// ctx outlives connections so a send survives its client disconnecting.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server.
func New(store *session.Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		store:   store,
		metrics: opts.Metrics,
		logger:  logger.With("component", "bridge"),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Handler returns the HTTP routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return LoggingMiddleware(s.logger, mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", "addr", ln.Addr().String())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down bridge")
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown bridge: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.metrics.Snapshot()); err != nil {
		s.logger.Warn("encode stats", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		id:     uuid.New().String(),
		conn:   conn,
		server: s,
		out:    make(chan Message, 16),
	}
	c.logger = s.logger.With("conn_id", c.id)
	c.serve()
}

// connection is one websocket client. Only the write loop writes to conn.
type connection struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger
	out    chan Message
}

func (c *connection) serve() {
	ctx, cancel := context.WithCancel(c.server.ctx)
	defer cancel()

	states, subID := c.server.store.Subscribe(ctx)
	c.logger.Info("bridge client connected", "sub_id", subID)

	// A new client gets the history list without having to ask for it.
	go func() {
		if err := c.server.store.RefreshList(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("initial list refresh failed", "error", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx, states)
	}()

	c.readLoop(ctx)
	cancel()
	<-writerDone
	c.logger.Info("bridge client disconnected")
}

func (c *connection) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxCommand)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		c.logger.Debug("command received", "op", cmd.Op, "ref", cmd.Ref,
			"text", truncate(cmd.Text, maxArgLogLen))
		c.dispatch(ctx, cmd)
	}
}

// dispatch runs a command. Blocking operations run in their own goroutine so
// the read loop stays free to accept a cancel.
func (c *connection) dispatch(ctx context.Context, cmd Command) {
	store := c.server.store

	switch cmd.Op {
	case OpCancel:
		store.Cancel()
	case OpNew:
		store.StartNewConversation()
	case OpClearError:
		store.ClearError()
	case OpSend:
		// The exchange belongs to the session, not to this client.
		go c.run(ctx, cmd, func() error { return store.SendMessage(c.server.ctx, cmd.Text) })
	case OpLoad:
		go c.run(ctx, cmd, func() error { return store.LoadConversation(ctx, cmd.ConversationID) })
	case OpDelete:
		go c.run(ctx, cmd, func() error { return store.DeleteConversation(ctx, cmd.ConversationID) })
	case OpRefresh:
		go c.run(ctx, cmd, func() error { return store.RefreshList(ctx) })
	case OpRename:
		go c.run(ctx, cmd, func() error { return store.RenameConversation(ctx, cmd.ConversationID, cmd.Title) })
	default:
		c.reply(ctx, Message{Type: TypeError, Op: cmd.Op, Ref: cmd.Ref, Error: fmt.Sprintf("unknown op %q", cmd.Op)})
	}
}

func (c *connection) run(ctx context.Context, cmd Command, fn func() error) {
	if err := fn(); err != nil {
		c.logger.Debug("command failed", "op", cmd.Op, "ref", cmd.Ref, "error", err)
		c.reply(ctx, Message{Type: TypeError, Op: cmd.Op, Ref: cmd.Ref, Error: err.Error()})
	}
}

func (c *connection) reply(ctx context.Context, msg Message) {
	select {
	case c.out <- msg:
	case <-ctx.Done():
	}
}

// writeLoop owns all writes. It closes the connection on exit, which also
// ends the read loop.
func (c *connection) writeLoop(ctx context.Context, states <-chan session.State) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		var msg Message
		select {
		case <-ctx.Done():
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			msg = Message{Type: TypeState, State: &st}
		case msg = <-c.out:
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

func (c *connection) write(messageType int, data []byte) error {
	return c.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}
