// Package fakebackend provides an in-memory stand-in for the dave backend API.
// Tests use it to script chat streams and to observe persistence calls.
package fakebackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/davechat/internal/models"
)

// naiveLayout mirrors the backend's zone-less isoformat() output.
const naiveLayout = "2006-01-02T15:04:05.000000"

// Script describes how one /chat/stream call is answered.
type Script struct {
	// Status, when non-zero and not 200, fails the request before any bytes.
	Status int
	// Frames are written verbatim, flushing after each.
	Frames []string
	// Hold keeps the connection open after the frames until the client goes away.
	Hold bool
	// Release, when set together with Hold, ends the hold early.
	Release chan struct{}
}

type conversation struct {
	id        string
	title     *string
	createdAt time.Time
	updatedAt time.Time
	messages  []models.ChatMessage
}

// Server is a fake backend served over httptest.
type Server struct {
	srv *httptest.Server

	mu            sync.Mutex
	token         string
	nextID        int
	conversations map[string]*conversation
	scripts       []Script
	chatRequests  []models.ChatRequest
	calls         map[string]int
	failures      map[string]int
	deleteGate    chan struct{}
	now           func() time.Time
}

// New starts a fake backend. Close it with Close.
func New() *Server {
	s := &Server{
		conversations: make(map[string]*conversation),
		calls:         make(map[string]int),
		failures:      make(map[string]int),
		now:           time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat/stream", s.handleStream)
	mux.HandleFunc("POST /api/v1/conversations", s.handleCreate)
	mux.HandleFunc("GET /api/v1/conversations", s.handleList)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.handleGet)
	mux.HandleFunc("PATCH /api/v1/conversations/{id}", s.handleRename)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", s.handleAppend)

	s.srv = httptest.NewServer(s.auth(mux))
	return s
}

// URL returns the API root, e.g. http://127.0.0.1:1234/api/v1.
func (s *Server) URL() string {
	return s.srv.URL + "/api/v1"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	if s.deleteGate != nil {
		close(s.deleteGate)
		s.deleteGate = nil
	}
	s.mu.Unlock()
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// RequireToken makes every request require the given bearer token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SetNow overrides the clock used for conversation timestamps.
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// QueueStream queues a script for the next /chat/stream call.
func (s *Server) QueueStream(script Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, script)
}

// QueueEvents queues a script that writes the given events and ends.
func (s *Server) QueueEvents(events ...models.StreamEvent) {
	frames := make([]string, len(events))
	for i, ev := range events {
		frames[i] = Frame(ev)
	}
	s.QueueStream(Script{Frames: frames})
}

// FailNext makes the next n calls of the named operation fail with 500.
// Operations: create, append, list, get, delete, rename.
func (s *Server) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] += n
}

// HoldDeletes blocks delete calls until the returned function is called.
func (s *Server) HoldDeletes() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.deleteGate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.deleteGate == gate {
				s.deleteGate = nil
				close(gate)
			}
			s.mu.Unlock()
		})
	}
}

// Calls returns how many times the named operation was invoked.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ChatRequests returns a copy of every chat request received.
func (s *Server) ChatRequests() []models.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatRequest(nil), s.chatRequests...)
}

// Messages returns the persisted messages of a conversation.
func (s *Server) Messages(id string) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}
	return append([]models.ChatMessage(nil), conv.messages...)
}

// ConversationIDs returns the ids of stored conversations, sorted.
func (s *Server) ConversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Seed stores a conversation directly and returns its id.
func (s *Server) Seed(title string, updatedAt time.Time, msgs ...models.ChatMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("conv-%d", s.nextID)
	t := title
	s.conversations[id] = &conversation{
		id:        id,
		title:     &t,
		createdAt: updatedAt,
		updatedAt: updatedAt,
		messages:  append([]models.ChatMessage(nil), msgs...),
	}
	return id
}

// Frame renders an event as one wire frame.
func Frame(ev models.StreamEvent) string {
	payload, _ := json.Marshal(ev)
	return "data: " + string(payload) + "\n\n"
}

// Content, ToolStart, ToolResult, Done and Error build stream events.
func Content(text string) models.StreamEvent {
	return models.StreamEvent{Type: models.EventContent, Content: text}
}

func ToolStart(tool string) models.StreamEvent {
	return models.StreamEvent{Type: models.EventToolStart, Tool: tool}
}

func ToolResult(tool string) models.StreamEvent {
	ok := true
	return models.StreamEvent{Type: models.EventToolResult, Tool: tool, Success: &ok}
}

func Done(sources ...models.Source) models.StreamEvent {
	return models.StreamEvent{Type: models.EventDone, Sources: sources}
}

func Error(msg string) models.StreamEvent {
	return models.StreamEvent{Type: models.EventError, Error: msg}
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// begin records a call and reports whether it should fail.
func (s *Server) begin(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.failures[op] > 0 {
		s.failures[op]--
		return true
	}
	return false
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	s.calls["stream"]++
	s.chatRequests = append(s.chatRequests, req)
	var script Script
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	} else {
		script = Script{Frames: []string{Frame(Done())}}
	}
	s.mu.Unlock()

	if script.Status != 0 && script.Status != http.StatusOK {
		writeJSON(w, script.Status, map[string]string{"detail": "Chat error: scripted failure"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for _, frame := range script.Frames {
		if _, err := w.Write([]byte(frame)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if script.Hold {
		select {
		case <-r.Context().Done():
		case <-script.Release:
		}
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.begin("create") {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to create conversation"})
		return
	}

	var body struct {
		Title    *string              `json:"title"`
		Messages []models.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	s.nextID++
	now := s.now().UTC()
	conv := &conversation{
		id:        fmt.Sprintf("conv-%d", s.nextID),
		title:     body.Title,
		createdAt: now,
		updatedAt: now,
		messages:  append([]models.ChatMessage(nil), body.Messages...),
	}
	if conv.title == nil {
		for _, m := range body.Messages {
			if m.Role == models.RoleUser {
				t := titleFrom(m.Content)
				conv.title = &t
				break
			}
		}
	}
	s.conversations[conv.id] = conv
	resp := renderConversation(conv)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	if s.begin("append") {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to add message"})
		return
	}

	var msg models.ChatMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	s.mu.Lock()
	conv, ok := s.conversations[r.PathValue("id")]
	if ok {
		conv.messages = append(conv.messages, msg)
		conv.updatedAt = s.now().UTC()
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to add message"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": msg.Role, "content": msg.Content})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.begin("list") {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "list failed"})
		return
	}

	s.mu.Lock()
	items := make([]map[string]string, 0, len(s.conversations))
	for _, conv := range s.conversations {
		title := models.DefaultTitle
		if conv.title != nil {
			title = *conv.title
		}
		items = append(items, map[string]string{
			"id":         conv.id,
			"title":      title,
			"updated_at": conv.updatedAt.UTC().Format(naiveLayout),
		})
	}
	s.mu.Unlock()

	// The real backend buckets server-side; the client re-buckets anyway.
	groups := map[string]any{}
	if len(items) > 0 {
		groups["All"] = items
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.begin("get") {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "get failed"})
		return
	}

	s.mu.Lock()
	conv, ok := s.conversations[r.PathValue("id")]
	var resp map[string]any
	if ok {
		resp = renderConversation(conv)
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if s.begin("rename") {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to update conversation"})
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	if conv, ok := s.conversations[id]; ok {
		t := body.Title
		conv.title = &t
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "id": id})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	gate := s.deleteGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if s.begin("delete") {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "delete failed"})
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.conversations[id]
	delete(s.conversations, id)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// renderConversation must be called with s.mu held.
func renderConversation(conv *conversation) map[string]any {
	msgs := make([]map[string]any, len(conv.messages))
	for i, m := range conv.messages {
		msgs[i] = map[string]any{
			"id":         i + 1,
			"role":       m.Role,
			"content":    m.Content,
			"created_at": conv.updatedAt.UTC().Format(naiveLayout),
		}
	}
	return map[string]any{
		"id":         conv.id,
		"title":      conv.title,
		"created_at": conv.createdAt.UTC().Format(naiveLayout),
		"updated_at": conv.updatedAt.UTC().Format(naiveLayout),
		"messages":   msgs,
	}
}

// titleFrom derives a title the way the backend does: first 50 characters,
// cut back to the last space when that keeps at least 20, plus an ellipsis.
func titleFrom(content string) string {
	runes := []rune(content)
	if len(runes) <= 50 {
		return strings.TrimSpace(content)
	}
	title := strings.TrimSpace(string(runes[:50]))
	if i := strings.LastIndex(title, " "); i > 20 {
		title = title[:i]
	}
	return title + "..."
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
