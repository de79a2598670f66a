// Package tui is the interactive terminal front end for a session store.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/spinner"
	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"

	"github.com/raphaelgruber/davechat/internal/models"
	"github.com/raphaelgruber/davechat/internal/session"
)

// maxSources is how many source titles are listed under an answer.
const maxSources = 3

// stateMsg carries a new session snapshot.
type stateMsg session.State

// closedMsg reports that the state subscription ended.
type closedMsg struct{}

// sendDoneMsg carries the result of one exchange.
type sendDoneMsg struct {
	err error
}

// Model is the bubbletea model for a chat session.
type Model struct {
	ctx    context.Context
	store  *session.Store
	states <-chan session.State

	state   session.State
	input   textinput.Model
	spinner spinner.Model
	theme   Theme
	width   int

	notice   string // local feedback that is not part of session state
	quitting bool
}

// New creates a chat model subscribed to store. The subscription ends with ctx.
func New(ctx context.Context, store *session.Store) Model {
	input := textinput.New()
	input.Placeholder = "Ask Dave something..."
	input.Prompt = "> "
	input.CharLimit = 4000
	input.Focus()

	states, _ := store.Subscribe(ctx)

	return Model{
		ctx:     ctx,
		store:   store,
		states:  states,
		state:   store.Snapshot(),
		input:   input,
		spinner: spinner.New(spinner.WithSpinner(spinner.MiniDot)),
		theme:   DefaultTheme,
	}
}

// Init starts listening for state changes.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.states),
		m.spinner.Tick,
	)
}

// Update handles messages and returns the updated model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.SetWidth(max(msg.Width-4, 10))
		return m, nil

	case stateMsg:
		m.state = session.State(msg)
		return m, waitForState(m.states)

	case closedMsg:
		m.quitting = true
		return m, tea.Quit

	case sendDoneMsg:
		// Exchange failures already show up in the state's error field.
		if errors.Is(msg.err, session.ErrBusy) || errors.Is(msg.err, session.ErrEmptyMessage) {
			m.notice = msg.err.Error()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.store.Cancel()
		m.quitting = true
		return m, tea.Quit

	case "esc":
		m.store.Cancel()
		return m, nil

	case "ctrl+n":
		m.notice = ""
		m.store.StartNewConversation()
		return m, nil

	case "ctrl+e":
		m.notice = ""
		m.store.ClearError()
		return m, nil

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		if m.state.Status.Active() {
			m.notice = "wait for the current answer or press esc"
			return m, nil
		}
		m.notice = ""
		m.input.Reset()
		return m, m.send(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// send runs the exchange off the update loop. Progress arrives as state
// snapshots while it runs.
func (m Model) send(text string) tea.Cmd {
	store, ctx := m.store, m.ctx
	return func() tea.Msg {
		return sendDoneMsg{err: store.SendMessage(ctx, text)}
	}
}

// waitForState blocks until the next snapshot.
func waitForState(states <-chan session.State) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-states
		if !ok {
			return closedMsg{}
		}
		return stateMsg(st)
	}
}

// View renders the chat display.
func (m Model) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m Model) renderContent() string {
	if m.quitting {
		return m.theme.hintStyle().Render("Bye.") + "\n"
	}

	var b strings.Builder

	title := "New conversation"
	if m.state.ConversationID != "" {
		title = "Conversation " + m.state.ConversationID
	}
	b.WriteString(m.theme.hintStyle().Render(title))
	b.WriteString("\n\n")

	for _, msg := range m.state.Messages {
		b.WriteString(m.renderMessage(msg))
	}

	if line := m.statusLine(); line != "" {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.state.Error != "" {
		b.WriteString(m.theme.errorStyle().Render("✗ " + m.state.Error))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(m.theme.hintStyle().Render(m.notice))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.theme.hintStyle().Render("enter send • esc cancel • ctrl+n new • ctrl+e clear error • ctrl+c quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderMessage(msg models.Message) string {
	var b strings.Builder
	switch msg.Role {
	case models.RoleUser:
		b.WriteString(m.theme.userStyle().Render("You: "))
	default:
		if msg.Content == "" {
			// Placeholder not yet filled; the status line covers it.
			return ""
		}
		b.WriteString(m.theme.assistantStyle().Render("Dave: "))
	}
	b.WriteString(msg.Content)
	b.WriteString("\n")

	if len(msg.Sources) > 0 {
		titles := make([]string, 0, maxSources)
		for i, src := range msg.Sources {
			if i == maxSources {
				titles = append(titles, fmt.Sprintf("+%d more", len(msg.Sources)-maxSources))
				break
			}
			titles = append(titles, src.Title)
		}
		b.WriteString(m.theme.hintStyle().Render("  sources: " + strings.Join(titles, ", ")))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) statusLine() string {
	switch m.state.Status {
	case models.StatusConnecting:
		return m.theme.statusStyle().Render(m.spinner.View() + " connecting...")
	case models.StatusStreaming:
		return m.theme.statusStyle().Render(m.spinner.View() + " answering...")
	case models.StatusToolExecuting:
		return m.theme.statusStyle().Render(fmt.Sprintf("%s using %s...", m.spinner.View(), m.state.CurrentTool))
	}
	return ""
}

// Run runs the interactive chat until the user quits.
func Run(ctx context.Context, store *session.Store) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(ctx, store), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("chat UI error: %w", err)
	}
	return nil
}
