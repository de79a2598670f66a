package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/davechat/internal/client"
	"github.com/raphaelgruber/davechat/internal/exchange"
	"github.com/raphaelgruber/davechat/internal/fakebackend"
	"github.com/raphaelgruber/davechat/internal/metrics"
	"github.com/raphaelgruber/davechat/internal/models"
	"github.com/raphaelgruber/davechat/internal/session"
	"github.com/raphaelgruber/davechat/internal/stream"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	fb      *fakebackend.Server
	store   *session.Store
	metrics *metrics.Collector
}

func newFixture(t *testing.T, opts session.Options) *fixture {
	t.Helper()
	fb := fakebackend.New()
	t.Cleanup(fb.Close)
	return newFixtureWith(t, fb, client.New(fb.URL()), opts)
}

func newFixtureWith(t *testing.T, fb *fakebackend.Server, backend session.Backend, opts session.Options) *fixture {
	t.Helper()
	collector := metrics.NewCollector()
	opts.Logger = quietLogger()
	opts.Metrics = collector
	store := session.New(backend, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	})
	return &fixture{fb: fb, store: store, metrics: collector}
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.store.Flush(ctx))
}

// sendAsync runs SendMessage in the background and returns its result channel.
func (f *fixture) sendAsync(text string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.store.SendMessage(context.Background(), text) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not finish")
		return nil
	}
}

func msg(role models.Role, content string) models.Message {
	return models.Message{Role: role, Content: content}
}

func groupIDs(st session.State) []string {
	var ids []string
	for _, g := range st.ConversationGroups {
		for _, c := range g.Conversations {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

func TestHelloScenario(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueEvents(fakebackend.Content("Hi"), fakebackend.Content(" there"), fakebackend.Done())

	require.NoError(t, f.store.SendMessage(context.Background(), "Hello"))

	st := f.store.Snapshot()
	assert.Equal(t, []models.Message{
		msg(models.RoleUser, "Hello"),
		msg(models.RoleAssistant, "Hi there"),
	}, st.Messages)
	assert.Equal(t, models.StatusIdle, st.Status)
	assert.Empty(t, st.Error)

	f.flush(t)
	st = f.store.Snapshot()
	require.NotEmpty(t, st.ConversationID)
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleUser, Content: "Hello"},
		{Role: models.RoleAssistant, Content: "Hi there"},
	}, f.fb.Messages(st.ConversationID))
	assert.Contains(t, groupIDs(st), st.ConversationID)

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Completed)
	require.NotNil(t, snap.FirstToken)
	assert.Equal(t, int64(1), snap.FirstToken.Count)
}

func TestFollowUpReusesConversation(t *testing.T) {
	f := newFixture(t, session.Options{UserID: "user-42", Model: "claude-test"})
	f.fb.QueueEvents(fakebackend.Content("one"), fakebackend.Done())
	f.fb.QueueEvents(fakebackend.Content("two"), fakebackend.Done())

	require.NoError(t, f.store.SendMessage(context.Background(), "first"))
	f.flush(t)
	id := f.store.Snapshot().ConversationID
	require.NotEmpty(t, id)

	require.NoError(t, f.store.SendMessage(context.Background(), "second"))
	f.flush(t)

	assert.Equal(t, 1, f.fb.Calls("create"))
	assert.Len(t, f.fb.Messages(id), 4)

	reqs := f.fb.ChatRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "user-42", reqs[1].UserID)
	assert.Equal(t, "claude-test", reqs[1].Model)
	assert.Equal(t, id, reqs[1].ConversationID)
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "one"},
		{Role: models.RoleUser, Content: "second"},
	}, reqs[1].Messages)
}

// pipeBackend serves streams from pipes the test writes to; everything else
// goes to the fake backend.
type pipeBackend struct {
	*client.Client
	streams chan io.ReadCloser
}

func (p *pipeBackend) OpenStream(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	select {
	case r := <-p.streams:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestToolMetricsFallBackToAnnouncedTools(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueEvents(
		fakebackend.ToolStart("search_vault"),
		fakebackend.ToolResult("search_vault"),
		fakebackend.Content("Found X"),
		fakebackend.Done(),
	)

	require.NoError(t, f.store.SendMessage(context.Background(), "find X"))

	assert.Equal(t, int64(1), f.metrics.Snapshot().Tools["search_vault"])
}

func TestToolScenarioStatuses(t *testing.T) {
	fb := fakebackend.New()
	t.Cleanup(fb.Close)
	backend := &pipeBackend{Client: client.New(fb.URL()), streams: make(chan io.ReadCloser, 1)}
	f := newFixtureWith(t, fb, backend, session.Options{})

	r, w := io.Pipe()
	backend.streams <- r
	done := f.sendAsync("find X")

	require.Eventually(t, func() bool {
		return f.store.Snapshot().Status == models.StatusConnecting
	}, time.Second, time.Millisecond)

	step := func(ev models.StreamEvent, status models.ExchangeStatus, tool string) {
		t.Helper()
		_, err := w.Write([]byte(fakebackend.Frame(ev)))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			st := f.store.Snapshot()
			return st.Status == status && st.CurrentTool == tool
		}, time.Second, time.Millisecond, "after %s", ev.Type)
	}

	step(fakebackend.ToolStart("search_vault"), models.StatusToolExecuting, "search_vault")
	step(fakebackend.ToolResult("search_vault"), models.StatusStreaming, "")
	step(fakebackend.Content("Found X"), models.StatusStreaming, "")
	step(models.StreamEvent{Type: models.EventDone, ToolsUsed: []string{"search_vault"}}, models.StatusIdle, "")

	require.NoError(t, wait(t, done))
	st := f.store.Snapshot()
	assert.Equal(t, "Found X", st.Messages[1].Content)
	assert.Empty(t, st.CurrentTool)
	assert.Equal(t, int64(1), f.metrics.Snapshot().Tools["search_vault"])
}

func TestBackendErrorKeepsPartialContent(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueEvents(fakebackend.Content("partial"), fakebackend.Error("backend down"))

	err := f.store.SendMessage(context.Background(), "question")
	var backendErr *exchange.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "backend down", backendErr.Message)

	st := f.store.Snapshot()
	assert.Equal(t, "backend down", st.Error)
	assert.Equal(t, models.StatusIdle, st.Status)
	assert.Equal(t, "partial", st.Messages[1].Content)

	f.flush(t)
	id := f.store.Snapshot().ConversationID
	require.NotEmpty(t, id)
	assert.Equal(t, []models.ChatMessage{{Role: models.RoleUser, Content: "question"}}, f.fb.Messages(id),
		"partial assistant content is not persisted")
	assert.Equal(t, int64(1), f.metrics.Snapshot().Failed)

	f.store.ClearError()
	assert.Empty(t, f.store.Snapshot().Error)
}

func TestCreateFailureCompletesInMemory(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.FailNext("create", 1)
	f.fb.QueueEvents(fakebackend.Content("still here"), fakebackend.Done())

	require.NoError(t, f.store.SendMessage(context.Background(), "Hello"))
	f.flush(t)

	st := f.store.Snapshot()
	assert.Equal(t, "still here", st.Messages[1].Content)
	assert.Empty(t, st.ConversationID)
	assert.Empty(t, st.Error, "persistence failures are not surfaced")
	assert.Empty(t, f.fb.ConversationIDs())
	assert.Equal(t, 0, f.fb.Calls("append"))

	// The next send tries creation again.
	f.fb.QueueEvents(fakebackend.Content("saved now"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "again"))
	f.flush(t)

	id := f.store.Snapshot().ConversationID
	require.NotEmpty(t, id)
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleUser, Content: "again"},
		{Role: models.RoleAssistant, Content: "saved now"},
	}, f.fb.Messages(id))
}

func TestConnectionFailure(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueStream(fakebackend.Script{Status: 503})

	err := f.store.SendMessage(context.Background(), "hi")
	require.ErrorIs(t, err, stream.ErrConnection)

	st := f.store.Snapshot()
	assert.Equal(t, models.StatusIdle, st.Status)
	assert.Contains(t, st.Error, "connection error")
	assert.Equal(t, "", st.Messages[1].Content)

	// The empty placeholder is left out of the next request.
	f.fb.QueueEvents(fakebackend.Content("ok"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "retry"))
	reqs := f.fb.ChatRequests()
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleUser, Content: "retry"},
	}, reqs[len(reqs)-1].Messages)
	assert.Empty(t, f.store.Snapshot().Error, "a new send clears the previous error")
}

func TestIncompleteStreamIsConnectionError(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueStream(fakebackend.Script{Frames: []string{fakebackend.Frame(fakebackend.Content("par"))}})

	err := f.store.SendMessage(context.Background(), "hi")
	require.ErrorIs(t, err, stream.ErrConnection)
	assert.ErrorIs(t, err, stream.ErrIncomplete)

	st := f.store.Snapshot()
	assert.Equal(t, "par", st.Messages[1].Content)
	assert.NotEmpty(t, st.Error)
}

func TestStallTimeout(t *testing.T) {
	f := newFixture(t, session.Options{StallTimeout: 50 * time.Millisecond})
	f.fb.QueueStream(fakebackend.Script{Hold: true})

	err := f.store.SendMessage(context.Background(), "hi")
	require.ErrorIs(t, err, stream.ErrConnection)
	assert.ErrorIs(t, err, stream.ErrStalled)
	assert.Equal(t, models.StatusIdle, f.store.Snapshot().Status)
}

func TestCancelFreezesPartialContent(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueStream(fakebackend.Script{
		Frames: []string{fakebackend.Frame(fakebackend.Content("Once upon"))},
		Hold:   true,
	})

	done := f.sendAsync("story")
	require.Eventually(t, func() bool {
		st := f.store.Snapshot()
		return len(st.Messages) == 2 && st.Messages[1].Content == "Once upon"
	}, 2*time.Second, time.Millisecond)

	f.store.Cancel()
	st := f.store.Snapshot()
	assert.Equal(t, models.StatusIdle, st.Status)
	assert.Equal(t, "Once upon", st.Messages[1].Content)

	require.NoError(t, wait(t, done))
	st = f.store.Snapshot()
	assert.Equal(t, "Once upon", st.Messages[1].Content)
	assert.Empty(t, st.Error)
	assert.Equal(t, int64(1), f.metrics.Snapshot().Cancelled)

	f.store.Cancel()
	assert.Equal(t, int64(1), f.metrics.Snapshot().Cancelled, "cancel while idle is a no-op")
}

func TestContextCancellationIsSilent(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueStream(fakebackend.Script{Hold: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.store.SendMessage(ctx, "hi") }()

	require.Eventually(t, func() bool { return f.fb.Calls("stream") == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	require.NoError(t, wait(t, done))
	st := f.store.Snapshot()
	assert.Equal(t, models.StatusIdle, st.Status)
	assert.Empty(t, st.Error)
}

func TestSendWhileBusyIsRejected(t *testing.T) {
	f := newFixture(t, session.Options{})
	release := make(chan struct{})
	f.fb.QueueStream(fakebackend.Script{
		Frames:  []string{fakebackend.Frame(fakebackend.Content("working"))},
		Hold:    true,
		Release: release,
	})

	done := f.sendAsync("first")
	require.Eventually(t, func() bool {
		return f.store.Snapshot().Status == models.StatusStreaming
	}, 2*time.Second, time.Millisecond)

	f.flush(t)
	before := f.store.Snapshot()
	err := f.store.SendMessage(context.Background(), "second")
	require.ErrorIs(t, err, session.ErrBusy)
	assert.Equal(t, before, f.store.Snapshot())

	f.store.Cancel()
	close(release)
	require.NoError(t, wait(t, done))
	assert.Equal(t, 1, f.fb.Calls("stream"))
}

func TestEmptyMessageIsRejected(t *testing.T) {
	f := newFixture(t, session.Options{})
	require.ErrorIs(t, f.store.SendMessage(context.Background(), "  \n"), session.ErrEmptyMessage)
	assert.Empty(t, f.store.Snapshot().Messages)
	assert.Equal(t, 0, f.fb.Calls("stream"))
}

func TestLoadConversationIsIdempotent(t *testing.T) {
	f := newFixture(t, session.Options{})
	id := f.fb.Seed("Old chat", time.Now().Add(-time.Hour),
		models.ChatMessage{Role: models.RoleUser, Content: "q"},
		models.ChatMessage{Role: models.RoleAssistant, Content: "a"},
	)

	require.NoError(t, f.store.LoadConversation(context.Background(), id))
	first := f.store.Snapshot()
	require.NoError(t, f.store.LoadConversation(context.Background(), id))
	second := f.store.Snapshot()

	assert.Equal(t, id, first.ConversationID)
	assert.Equal(t, []models.Message{msg(models.RoleUser, "q"), msg(models.RoleAssistant, "a")}, first.Messages)
	assert.Equal(t, first.Messages, second.Messages)

	// Sends continue the loaded conversation.
	f.fb.QueueEvents(fakebackend.Content("b"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "r"))
	f.flush(t)
	assert.Equal(t, 0, f.fb.Calls("create"))
	assert.Len(t, f.fb.Messages(id), 4)
}

func TestLoadConversationFailureKeepsSession(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueEvents(fakebackend.Content("x"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "keep me"))
	before := f.store.Snapshot().Messages

	err := f.store.LoadConversation(context.Background(), "missing")
	require.ErrorIs(t, err, client.ErrNotFound)
	assert.Equal(t, before, f.store.Snapshot().Messages)
	assert.Empty(t, f.store.Snapshot().Error)
}

func TestLoadCancelsActiveExchange(t *testing.T) {
	f := newFixture(t, session.Options{})
	id := f.fb.Seed("Other", time.Now(), models.ChatMessage{Role: models.RoleUser, Content: "other"})
	f.fb.QueueStream(fakebackend.Script{
		Frames: []string{fakebackend.Frame(fakebackend.Content("abandoned"))},
		Hold:   true,
	})

	done := f.sendAsync("current")
	require.Eventually(t, func() bool {
		return f.store.Snapshot().Status == models.StatusStreaming
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, f.store.LoadConversation(context.Background(), id))
	require.NoError(t, wait(t, done))

	st := f.store.Snapshot()
	assert.Equal(t, id, st.ConversationID)
	assert.Equal(t, models.StatusIdle, st.Status)
	assert.Equal(t, []models.Message{msg(models.RoleUser, "other")}, st.Messages)
}

func TestStartNewConversation(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueEvents(fakebackend.Content("x"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "one"))
	f.flush(t)
	require.NotEmpty(t, f.store.Snapshot().ConversationID)

	f.store.StartNewConversation()
	st := f.store.Snapshot()
	assert.Empty(t, st.ConversationID)
	assert.Empty(t, st.Messages)

	f.fb.QueueEvents(fakebackend.Content("y"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "two"))
	f.flush(t)
	assert.Equal(t, 2, f.fb.Calls("create"))
}

func TestDeleteBoundConversationResetsImmediately(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueEvents(fakebackend.Content("Hi"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "Hello"))
	f.flush(t)
	id := f.store.Snapshot().ConversationID
	require.NotEmpty(t, id)
	require.Contains(t, groupIDs(f.store.Snapshot()), id)

	release := f.fb.HoldDeletes()
	done := make(chan error, 1)
	go func() { done <- f.store.DeleteConversation(context.Background(), id) }()

	require.Eventually(t, func() bool {
		st := f.store.Snapshot()
		return st.ConversationID == "" && len(st.Messages) == 0
	}, 2*time.Second, time.Millisecond)
	assert.Contains(t, groupIDs(f.store.Snapshot()), id, "list changes only once the delete is confirmed")

	release()
	require.NoError(t, wait(t, done))
	assert.NotContains(t, groupIDs(f.store.Snapshot()), id)
	assert.Empty(t, f.fb.ConversationIDs())
}

func TestDeleteFailureStillUnbindsButKeepsList(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.QueueEvents(fakebackend.Content("Hi"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "Hello"))
	f.flush(t)
	id := f.store.Snapshot().ConversationID

	f.fb.FailNext("delete", 1)
	err := f.store.DeleteConversation(context.Background(), id)
	require.ErrorIs(t, err, client.ErrServer)

	st := f.store.Snapshot()
	assert.Empty(t, st.ConversationID)
	assert.Empty(t, st.Messages)
	assert.Empty(t, st.Error, "delete failures are not shown as session errors")

	require.NoError(t, f.store.RefreshList(context.Background()))
	assert.Contains(t, groupIDs(f.store.Snapshot()), id)
}

func TestDeleteOtherConversationKeepsSession(t *testing.T) {
	f := newFixture(t, session.Options{})
	other := f.fb.Seed("Other", time.Now())
	f.fb.QueueEvents(fakebackend.Content("Hi"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "Hello"))
	f.flush(t)
	before := f.store.Snapshot()

	require.NoError(t, f.store.DeleteConversation(context.Background(), other))
	after := f.store.Snapshot()
	assert.Equal(t, before.ConversationID, after.ConversationID)
	assert.Equal(t, before.Messages, after.Messages)
	assert.NotContains(t, groupIDs(after), other)
}

func TestRenameConversation(t *testing.T) {
	f := newFixture(t, session.Options{})
	id := f.fb.Seed("Old", time.Now())

	require.ErrorIs(t, f.store.RenameConversation(context.Background(), id, "  "), session.ErrEmptyTitle)
	require.NoError(t, f.store.RenameConversation(context.Background(), id, "Renamed"))

	st := f.store.Snapshot()
	require.Len(t, st.ConversationGroups, 1)
	assert.Equal(t, "Renamed", st.ConversationGroups[0].Conversations[0].Title)
}

func TestRefreshListFailureKeepsPreviousGroups(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.fb.Seed("Kept", time.Now())
	require.NoError(t, f.store.RefreshList(context.Background()))

	f.fb.FailNext("list", 1)
	require.Error(t, f.store.RefreshList(context.Background()))
	assert.Len(t, groupIDs(f.store.Snapshot()), 1)
	assert.Empty(t, f.store.Snapshot().Error)
}

func TestSubscribeDeliversLatestState(t *testing.T) {
	f := newFixture(t, session.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, subID := f.store.Subscribe(ctx)
	require.NotEmpty(t, subID)

	initial := <-ch
	assert.Equal(t, models.StatusIdle, initial.Status)
	assert.Empty(t, initial.Messages)

	f.fb.QueueEvents(fakebackend.Content("a"), fakebackend.Content("b"), fakebackend.Done())
	require.NoError(t, f.store.SendMessage(context.Background(), "go"))

	// Intermediate states may be coalesced; the latest one is always there.
	var last session.State
	require.Eventually(t, func() bool {
		select {
		case st := <-ch:
			last = st
		default:
		}
		return last.Status == models.StatusIdle && len(last.Messages) == 2 && last.Messages[1].Content == "ab"
	}, 2*time.Second, time.Millisecond)

	// Snapshots are copies.
	last.Messages[1].Content = "mutated"
	assert.Equal(t, "ab", f.store.Snapshot().Messages[1].Content)

	f.store.Unsubscribe(subID)
	for range ch {
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	f := newFixture(t, session.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := f.store.Subscribe(ctx)
	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel not closed")
	}
}

func TestUnsubscribeReleasesWatchers(t *testing.T) {
	f := newFixture(t, session.Options{})
	before := runtime.NumGoroutine()

	// Background contexts are never cancelled; only Unsubscribe and Close end
	// these subscriptions.
	var ids []string
	var chans []<-chan session.State
	for range 20 {
		ch, id := f.store.Subscribe(context.Background())
		ids = append(ids, id)
		chans = append(chans, ch)
	}
	for _, id := range ids[:10] {
		f.store.Unsubscribe(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.store.Close(ctx))

	for _, ch := range chans {
		for range ch {
		}
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond, "subscription watchers still running")
}

func TestIndependentStores(t *testing.T) {
	a := newFixture(t, session.Options{})
	b := newFixture(t, session.Options{})
	a.fb.QueueEvents(fakebackend.Content("from a"), fakebackend.Done())

	require.NoError(t, a.store.SendMessage(context.Background(), "hi"))
	assert.Len(t, a.store.Snapshot().Messages, 2)
	assert.Empty(t, b.store.Snapshot().Messages)
	assert.True(t, errors.Is(b.store.SendMessage(context.Background(), ""), session.ErrEmptyMessage))
}
