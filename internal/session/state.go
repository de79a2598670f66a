package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/raphaelgruber/davechat/internal/models"
)

// State is an immutable snapshot of the session. Every field is a copy;
// holders may keep or modify it freely.
type State struct {
	ConversationID     string                     `json:"conversationId"`
	Messages           []models.Message           `json:"messages"`
	Status             models.ExchangeStatus      `json:"status"`
	CurrentTool        string                     `json:"currentTool"`
	Error              string                     `json:"error"`
	ConversationGroups []models.ConversationGroup `json:"conversationGroups"`
}

// subscriber is one Subscribe registration. done is closed on unsubscribe so
// the context watcher exits even when ctx is never cancelled.
type subscriber struct {
	ch   chan State
	done chan struct{}
}

// Subscribe registers for state snapshots. The channel holds at most one
// pending snapshot: a slow reader skips intermediate states but always
// observes the latest one. The current state is delivered immediately. The
// subscription ends when ctx is cancelled, Unsubscribe is called or the store
// is closed, which closes the channel.
func (s *Store) Subscribe(ctx context.Context) (<-chan State, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan State, 1), done: make(chan struct{})}

	s.mu.Lock()
	sub.ch <- s.snapshotLocked()
	s.subMu.Lock()
	s.subscribers[subID] = sub
	s.subMu.Unlock()
	s.mu.Unlock()

	s.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe(subID)
		case <-sub.done:
		}
	}()

	return sub.ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Store) Unsubscribe(subID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub, ok := s.subscribers[subID]
	if !ok {
		return
	}
	s.removeLocked(subID, sub)
	s.logger.Debug("subscriber removed", "sub_id", subID)
}

// removeLocked drops a subscription. Caller must hold s.subMu.
func (s *Store) removeLocked(subID string, sub *subscriber) {
	delete(s.subscribers, subID)
	close(sub.ch)
	close(sub.done)
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	return State{
		ConversationID:     s.conversationID,
		Messages:           s.machine.Messages(),
		Status:             s.machine.Status(),
		CurrentTool:        s.machine.CurrentTool(),
		Error:              s.machine.Error(),
		ConversationGroups: cloneGroups(s.groups),
	}
}

// publishLocked sends the current state to every subscriber, replacing any
// snapshot a subscriber has not read yet. Caller must hold s.mu, which keeps
// publishes ordered.
func (s *Store) publishLocked() {
	st := s.snapshotLocked()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subscribers {
		ch := sub.ch
		select {
		case ch <- st:
			continue
		default:
		}
		// Full: drop the stale snapshot and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func cloneGroups(groups []models.ConversationGroup) []models.ConversationGroup {
	if groups == nil {
		return nil
	}
	out := make([]models.ConversationGroup, len(groups))
	for i, g := range groups {
		out[i] = models.ConversationGroup{
			Name:          g.Name,
			Conversations: append([]models.ConversationListItem(nil), g.Conversations...),
		}
	}
	return out
}
