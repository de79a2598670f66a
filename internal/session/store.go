// Package session exposes the conversation core as one unit of observable
// state: the bound conversation, its transcript, the exchange status and the
// grouped history list.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/davechat/internal/client"
	"github.com/raphaelgruber/davechat/internal/exchange"
	"github.com/raphaelgruber/davechat/internal/history"
	"github.com/raphaelgruber/davechat/internal/metrics"
	"github.com/raphaelgruber/davechat/internal/models"
	"github.com/raphaelgruber/davechat/internal/persist"
	"github.com/raphaelgruber/davechat/internal/stream"
)

// Re-exported so callers can check send results without importing exchange.
var (
	ErrBusy         = exchange.ErrBusy
	ErrEmptyMessage = exchange.ErrEmptyMessage
)

// ErrEmptyTitle is returned by RenameConversation for a blank title.
var ErrEmptyTitle = errors.New("title is empty")

// refreshTimeout bounds list refreshes the store triggers on its own.
const refreshTimeout = 30 * time.Second

// Backend is everything the store needs from the agent service.
type Backend interface {
	stream.Opener
	persist.Backend
	history.Lister
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	RenameConversation(ctx context.Context, id, title string) error
}

var _ Backend = (*client.Client)(nil)

// Options configures a Store.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector

	// Sync and History default to instances built on the backend. A Sync
	// passed in is not closed by Store.Close.
	Sync    *persist.Synchronizer
	History *history.Aggregator

	UserID       string
	Model        string
	StallTimeout time.Duration
}

// Store is the reactive session container. All methods are safe for
// concurrent use; state changes are published to subscribers in order.
type Store struct {
	backend  Backend
	sync     *persist.Synchronizer
	ownsSync bool
	history  *history.Aggregator
	logger   *slog.Logger
	metrics  *metrics.Collector
	userID   string
	model    string
	stall    time.Duration

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgMu     sync.Mutex
	bgCount  int
	bgIdle   chan struct{} // closed while bgCount == 0

	mu             sync.Mutex
	machine        *exchange.Machine
	binding        *persist.Binding
	conversationID string
	groups         []models.ConversationGroup
	cancelStream   context.CancelFunc
	loadSeq        uint64
	refreshSeq     uint64 // refreshes started
	appliedSeq     uint64 // newest refresh whose result is shown

	subMu       sync.Mutex
	subscribers map[string]*subscriber
}

// New creates a Store with a fresh, unbound conversation.
func New(backend Backend, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		backend:     backend,
		sync:        opts.Sync,
		history:     opts.History,
		logger:      logger.With("component", "session"),
		metrics:     opts.Metrics,
		userID:      opts.UserID,
		model:       opts.Model,
		stall:       opts.StallTimeout,
		machine:     exchange.New(),
		subscribers: make(map[string]*subscriber),
	}
	if s.sync == nil {
		s.sync = persist.New(backend, persist.Options{Logger: logger, Metrics: opts.Metrics})
		s.ownsSync = true
	}
	if s.history == nil {
		s.history = history.New(backend, history.Options{Logger: logger, Metrics: opts.Metrics})
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.bgIdle = make(chan struct{})
	close(s.bgIdle)
	return s
}

// SendMessage runs one exchange and returns when it ends. It fails with
// ErrBusy, leaving state untouched, while another exchange is open. A
// cancelled exchange returns nil; connection and backend failures are
// returned and also shown in the state's error field.
func (s *Store) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	h, err := s.machine.Begin(text)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.persistUserLocked(models.ChatMessage{Role: models.RoleUser, Content: text})
	binding := s.binding

	req := models.ChatRequest{
		Messages:       s.machine.RequestMessages(h),
		UserID:         s.userID,
		Model:          s.model,
		ConversationID: s.conversationID,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelStream = cancel
	s.publishLocked()
	s.mu.Unlock()

	log := s.logger.With("exchange", h.ID())
	log.Info("exchange started", "conversation_id", req.ConversationID, "history", len(req.Messages))

	start := time.Now()
	st, err := stream.Open(ctx, s.backend, req, stream.Options{Logger: s.logger, StallTimeout: s.stall})
	if err != nil {
		return s.finish(h, err, log)
	}
	defer st.Close()

	firstToken := true
	for ev := range st.Events() {
		if firstToken && ev.Type == models.EventContent {
			firstToken = false
			s.metrics.RecordTiming(metrics.OpFirstToken, time.Since(start))
		}

		s.mu.Lock()
		outcome, err := s.machine.Apply(h, ev)
		if err != nil {
			s.mu.Unlock()
			if errors.Is(err, exchange.ErrStaleHandle) {
				// Cancelled or replaced while this event was in flight.
				return nil
			}
			log.Warn("ignoring event", "type", ev.Type, "error", err)
			continue
		}

		switch outcome {
		case exchange.OutcomeCompleted:
			final, _ := s.machine.Placeholder(h)
			tools := ev.ToolsUsed
			if len(tools) == 0 {
				// Older backends omit tools_used; fall back to the announced tools.
				tools = s.machine.ToolsUsed()
			}
			binding.Append(models.ChatMessage{Role: models.RoleAssistant, Content: final.Content})
			s.publishLocked()
			s.mu.Unlock()

			s.metrics.RecordTiming(metrics.OpExchange, time.Since(start))
			s.metrics.RecordOutcome(metrics.OutcomeCompleted)
			s.metrics.RecordTools(tools...)
			log.Info("exchange completed", "duration_ms", time.Since(start).Milliseconds(),
				"tools_used", tools, "sources", len(final.Sources))
			s.refreshAsync()
			return nil

		case exchange.OutcomeFailed:
			msg := s.machine.Error()
			s.publishLocked()
			s.mu.Unlock()

			s.metrics.RecordOutcome(metrics.OutcomeFailed)
			log.Warn("exchange failed", "error", msg)
			return &exchange.BackendError{Message: msg}
		}

		s.publishLocked()
		s.mu.Unlock()
	}

	return s.finish(h, st.Err(), log)
}

// persistUserLocked records the user message: a new binding when none is
// usable, otherwise an append queued behind earlier work.
func (s *Store) persistUserLocked(msg models.ChatMessage) {
	if s.binding != nil && !s.binding.Failed() {
		s.binding.Append(msg)
		return
	}

	var b *persist.Binding
	b = s.sync.Create(msg, func(id string) {
		s.mu.Lock()
		current := s.binding == b
		if current {
			s.conversationID = id
			s.publishLocked()
		}
		s.mu.Unlock()
		if current {
			s.refreshAsync()
		}
	})
	s.binding = b
}

// finish ends exchange h after the stream stopped without a terminal event.
func (s *Store) finish(h exchange.Handle, err error, log *slog.Logger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil || errors.Is(err, stream.ErrCancelled) {
		if s.machine.Cancel(h) {
			s.metrics.RecordOutcome(metrics.OutcomeCancelled)
			log.Info("exchange cancelled")
			s.publishLocked()
		}
		return nil
	}

	if !s.machine.Fail(h, err.Error()) {
		// Already cancelled or replaced; the failure is moot.
		return nil
	}
	s.metrics.RecordOutcome(metrics.OutcomeFailed)
	log.Warn("exchange failed", "error", err)
	s.publishLocked()
	return err
}

// Cancel stops the open exchange, keeping whatever content has arrived.
// It is a no-op when idle.
func (s *Store) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortLocked() {
		s.publishLocked()
	}
}

// abortLocked ends the open exchange, if any, and reports whether there was
// one.
func (s *Store) abortLocked() bool {
	if s.cancelStream != nil {
		s.cancelStream()
		s.cancelStream = nil
	}
	h, open := s.machine.Current()
	if !open {
		return false
	}
	s.machine.Cancel(h)
	s.metrics.RecordOutcome(metrics.OutcomeCancelled)
	s.logger.Info("exchange cancelled", "exchange", h.ID())
	return true
}

// resetLocked abandons any exchange and unbinds the session.
func (s *Store) resetLocked(msgs []models.Message) {
	s.abortLocked()
	s.machine.Reset(msgs)
	s.binding = nil
	s.conversationID = ""
	s.loadSeq++
}

// StartNewConversation switches to a fresh, unbound conversation.
func (s *Store) StartNewConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(nil)
	s.publishLocked()
}

// LoadConversation replaces the session with a stored conversation. Any open
// exchange is cancelled first. Loading the same id twice yields the same
// transcript. Failures leave the session unchanged apart from the cancelled
// exchange.
func (s *Store) LoadConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.abortLocked() {
		s.publishLocked()
	}
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	conv, err := s.backend.GetConversation(ctx, id)
	if err != nil {
		s.logger.Warn("load conversation failed", "conversation_id", id, "error", err)
		return fmt.Errorf("load conversation %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.loadSeq {
		s.logger.Debug("discarding superseded load", "conversation_id", id)
		return nil
	}

	s.resetLocked(conv.Messages)
	s.binding = s.sync.Bind(conv.ID)
	s.conversationID = conv.ID
	s.publishLocked()
	s.logger.Info("conversation loaded", "conversation_id", conv.ID, "messages", len(conv.Messages))
	return nil
}

// DeleteConversation deletes a stored conversation. When it is the bound
// one, the session is reset to a fresh conversation right away, whatever
// the outcome of the backend call. The list only reflects confirmed
// deletions.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	if id != "" && id == s.conversationID {
		s.resetLocked(nil)
		s.publishLocked()
	}
	s.mu.Unlock()

	if err := s.backend.DeleteConversation(ctx, id); err != nil {
		s.logger.Warn("delete conversation failed", "conversation_id", id, "error", err)
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	s.logger.Info("conversation deleted", "conversation_id", id)

	if err := s.refresh(ctx, true); err != nil {
		s.logger.Warn("list refresh after delete failed", "error", err)
	}
	return nil
}

// RenameConversation sets a conversation's title and refreshes the list.
func (s *Store) RenameConversation(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if err := s.backend.RenameConversation(ctx, id, title); err != nil {
		s.logger.Warn("rename conversation failed", "conversation_id", id, "error", err)
		return fmt.Errorf("rename conversation %s: %w", id, err)
	}

	if err := s.refresh(ctx, true); err != nil {
		s.logger.Warn("list refresh after rename failed", "error", err)
	}
	return nil
}

// ClearError dismisses the visible error.
func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Error() == "" {
		return
	}
	s.machine.ClearError()
	s.publishLocked()
}

// RefreshList refetches the grouped conversation list. On failure the
// previous list is kept.
func (s *Store) RefreshList(ctx context.Context) error {
	return s.refresh(ctx, false)
}

// refresh fetches the list; fresh skips joining an in-flight fetch that may
// predate a change. A result older than the one shown is discarded.
func (s *Store) refresh(ctx context.Context, fresh bool) error {
	s.mu.Lock()
	s.refreshSeq++
	seq := s.refreshSeq
	s.mu.Unlock()

	if fresh {
		s.history.Invalidate()
	}
	groups, err := s.history.Refresh(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.appliedSeq {
		return nil
	}
	s.appliedSeq = seq
	s.groups = groups
	s.publishLocked()
	return nil
}

func (s *Store) refreshAsync() {
	s.bgMu.Lock()
	if s.bgCount == 0 {
		s.bgIdle = make(chan struct{})
	}
	s.bgCount++
	s.bgMu.Unlock()

	go func() {
		defer func() {
			s.bgMu.Lock()
			s.bgCount--
			if s.bgCount == 0 {
				close(s.bgIdle)
			}
			s.bgMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(s.bgCtx, refreshTimeout)
		defer cancel()
		if err := s.refresh(ctx, true); err != nil && s.bgCtx.Err() == nil {
			s.logger.Warn("list refresh failed", "error", err)
		}
	}()
}

func (s *Store) waitBackground(ctx context.Context) error {
	s.bgMu.Lock()
	idle := s.bgIdle
	s.bgMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits for queued persistence calls and background list refreshes.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.sync.Flush(ctx); err != nil {
		return err
	}
	// A finished create triggers a refresh, so wait for those afterwards.
	return s.waitBackground(ctx)
}

// Close cancels any open exchange, flushes pending persistence (bounded by
// ctx) and stops background work.
func (s *Store) Close(ctx context.Context) error {
	s.Cancel()
	err := s.Flush(ctx)
	s.bgCancel()
	_ = s.waitBackground(context.Background())
	if s.ownsSync {
		if cerr := s.sync.Close(ctx); err == nil {
			err = cerr
		}
	}

	s.subMu.Lock()
	for id, sub := range s.subscribers {
		s.removeLocked(id, sub)
	}
	s.subMu.Unlock()
	return err
}
