// Package exchange implements the exchange state machine: it owns the
// transcript of the current conversation and the status of the one exchange
// that may be open against it.
//
// A Machine is not safe for concurrent use; the session store serializes
// access to it.
package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/davechat/internal/models"
)

var (
	// ErrBusy is returned by Begin while another exchange is open.
	ErrBusy = errors.New("an exchange is already in progress")

	// ErrEmptyMessage is returned by Begin for blank input.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrStaleHandle is returned when an event addresses an exchange that has
	// already ended (completed, failed, cancelled or reset).
	ErrStaleHandle = errors.New("exchange is no longer active")
)

// unknownBackendError is used when an error frame carries no message.
const unknownBackendError = "Unknown error"

// BackendError is an error event reported by the agent.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error: %s", e.Message)
}

// Handle addresses the assistant placeholder of one exchange. It stays valid
// until the exchange ends; any later use is rejected with ErrStaleHandle.
type Handle struct {
	id    uint64
	index int
}

// ID returns the exchange sequence number (0 for the zero Handle).
func (h Handle) ID() uint64 {
	return h.id
}

// Outcome tells the caller what an applied event did to the exchange.
type Outcome int

const (
	// OutcomeContinue means the exchange is still open.
	OutcomeContinue Outcome = iota
	// OutcomeCompleted means a done event finalized the assistant message.
	OutcomeCompleted
	// OutcomeFailed means an error event ended the exchange.
	OutcomeFailed
)

// Machine holds the transcript and exchange status.
type Machine struct {
	messages  []models.Message
	status    models.ExchangeStatus
	tool      string
	errMsg    string
	seq       uint64
	floor     uint64 // handles at or below floor predate the last Reset
	current   Handle
	toolsUsed []string
}

// New returns an idle machine with an empty transcript.
func New() *Machine {
	return &Machine{status: models.StatusIdle}
}

// Status returns the exchange status.
func (m *Machine) Status() models.ExchangeStatus {
	return m.status
}

// CurrentTool returns the tool the agent is running, if any.
func (m *Machine) CurrentTool() string {
	return m.tool
}

// Error returns the user-visible error message, if any.
func (m *Machine) Error() string {
	return m.errMsg
}

// ClearError dismisses the error message.
func (m *Machine) ClearError() {
	m.errMsg = ""
}

// Messages returns a deep copy of the transcript.
func (m *Machine) Messages() []models.Message {
	return models.CloneMessages(m.messages)
}

// Current returns the handle of the open exchange and whether one is open.
func (m *Machine) Current() (Handle, bool) {
	return m.current, m.current.id != 0
}

// ToolsUsed returns the tools announced during the current or last exchange.
func (m *Machine) ToolsUsed() []string {
	return append([]string(nil), m.toolsUsed...)
}

// Begin starts an exchange: it appends the user message and an empty
// assistant placeholder and moves to connecting. It fails with ErrBusy
// without touching state when an exchange is already open.
func (m *Machine) Begin(text string) (Handle, error) {
	if m.status.Active() {
		return Handle{}, ErrBusy
	}
	if strings.TrimSpace(text) == "" {
		return Handle{}, ErrEmptyMessage
	}

	m.messages = append(m.messages,
		models.Message{Role: models.RoleUser, Content: text},
		models.Message{Role: models.RoleAssistant},
	)
	m.seq++
	m.current = Handle{id: m.seq, index: len(m.messages) - 1}
	m.status = models.StatusConnecting
	m.tool = ""
	m.errMsg = ""
	m.toolsUsed = nil
	return m.current, nil
}

// RequestMessages returns the history to send for the exchange h: every
// message before its placeholder, skipping empty assistant messages left
// behind by failed exchanges.
func (m *Machine) RequestMessages(h Handle) []models.ChatMessage {
	if h.id == 0 || h.index > len(m.messages) {
		return nil
	}
	out := make([]models.ChatMessage, 0, h.index)
	for _, msg := range m.messages[:h.index] {
		if msg.Role == models.RoleAssistant && msg.Content == "" {
			continue
		}
		out = append(out, models.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// Placeholder returns a copy of the assistant message addressed by h. It
// stays readable after the exchange ends, until the transcript is reset.
func (m *Machine) Placeholder(h Handle) (models.Message, bool) {
	if h.id <= m.floor || h.index >= len(m.messages) {
		return models.Message{}, false
	}
	return m.messages[h.index].Clone(), true
}

// Apply folds one stream event into the exchange addressed by h.
func (m *Machine) Apply(h Handle, ev models.StreamEvent) (Outcome, error) {
	if h.id == 0 || h.id != m.current.id || !m.status.Active() {
		return OutcomeContinue, ErrStaleHandle
	}

	switch ev.Type {
	case models.EventContent:
		m.messages[h.index].Content += ev.Content
		m.status = models.StatusStreaming
		m.tool = ""

	case models.EventToolStart:
		m.status = models.StatusToolExecuting
		m.tool = ev.Tool
		if ev.Tool != "" {
			m.toolsUsed = append(m.toolsUsed, ev.Tool)
		}

	case models.EventToolResult:
		if m.status == models.StatusToolExecuting {
			m.status = models.StatusStreaming
		}
		m.tool = ""

	case models.EventDone:
		if len(ev.Sources) > 0 {
			sources := models.Message{Sources: ev.Sources}.Clone().Sources
			m.messages[h.index].Sources = sources
		}
		m.end()
		return OutcomeCompleted, nil

	case models.EventError:
		m.errMsg = ev.Error
		if m.errMsg == "" {
			m.errMsg = unknownBackendError
		}
		m.end()
		return OutcomeFailed, nil

	default:
		return OutcomeContinue, fmt.Errorf("unknown event type %q", ev.Type)
	}

	return OutcomeContinue, nil
}

// Cancel ends the exchange h, keeping whatever content the placeholder has.
// Reports whether h was the open exchange.
func (m *Machine) Cancel(h Handle) bool {
	if h.id == 0 || h.id != m.current.id {
		return false
	}
	m.end()
	return true
}

// Fail ends the exchange h with a user-visible error (connection failures).
// Partial content is kept.
func (m *Machine) Fail(h Handle, msg string) bool {
	if h.id == 0 || h.id != m.current.id {
		return false
	}
	m.errMsg = msg
	m.end()
	return true
}

// Reset replaces the transcript (nil for a fresh conversation). Any open
// exchange is abandoned and its handle becomes stale.
func (m *Machine) Reset(msgs []models.Message) {
	m.messages = models.CloneMessages(msgs)
	m.floor = m.seq
	m.errMsg = ""
	m.toolsUsed = nil
	m.end()
}

func (m *Machine) end() {
	m.status = models.StatusIdle
	m.tool = ""
	m.current = Handle{}
}
