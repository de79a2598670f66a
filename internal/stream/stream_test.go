package stream_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/davechat/internal/client"
	"github.com/raphaelgruber/davechat/internal/fakebackend"
	"github.com/raphaelgruber/davechat/internal/models"
	"github.com/raphaelgruber/davechat/internal/stream"
)

// testLogger creates a logger that writes to stderr for test visibility.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// pipeOpener hands out the read side of a pipe so tests control chunking.
type pipeOpener struct {
	r   *io.PipeReader
	err error
}

func (p *pipeOpener) OpenStream(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.r, nil
}

func collect(t *testing.T, s *stream.Stream) []models.StreamEvent {
	t.Helper()
	var events []models.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestRunDeliversEventsInOrder(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.QueueEvents(
		fakebackend.Content("Hi"),
		fakebackend.Content(" there"),
		fakebackend.Done(models.Source{Type: "document", Title: "Notes"}),
	)

	var got []models.StreamEvent
	err := stream.Run(context.Background(), client.New(backend.URL()), models.ChatRequest{},
		func(ev models.StreamEvent) { got = append(got, ev) },
		stream.Options{Logger: testLogger()})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "Hi", got[0].Content)
	assert.Equal(t, " there", got[1].Content)
	assert.Equal(t, models.EventDone, got[2].Type)
	assert.Equal(t, "Notes", got[2].Sources[0].Title)
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.QueueStream(fakebackend.Script{Frames: []string{
		fakebackend.Frame(fakebackend.Content("a")),
		"data: {not json}\n\n",
		fakebackend.Frame(fakebackend.Content("b")),
		fakebackend.Frame(fakebackend.Done()),
	}})

	var content string
	err := stream.Run(context.Background(), client.New(backend.URL()), models.ChatRequest{},
		func(ev models.StreamEvent) { content += ev.Content },
		stream.Options{Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, "ab", content)
}

func TestErrorEventEndsStream(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.QueueEvents(fakebackend.Content("partial"), fakebackend.Error("backend down"), fakebackend.Content("ignored"))

	s, err := stream.Open(context.Background(), client.New(backend.URL()), models.ChatRequest{}, stream.Options{})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 2)
	assert.Equal(t, "backend down", events[1].Error)
	assert.NoError(t, s.Err())
}

func TestDataAfterDoneIsIgnored(t *testing.T) {
	r, w := io.Pipe()
	s, err := stream.Open(context.Background(), &pipeOpener{r: r}, models.ChatRequest{}, stream.Options{})
	require.NoError(t, err)

	go func() {
		_, _ = w.Write([]byte(fakebackend.Frame(fakebackend.Done()) + fakebackend.Frame(fakebackend.Content("late"))))
	}()

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDone, events[0].Type)
	assert.NoError(t, s.Err())
}

func TestChunkedBodyAcrossReads(t *testing.T) {
	r, w := io.Pipe()
	s, err := stream.Open(context.Background(), &pipeOpener{r: r}, models.ChatRequest{}, stream.Options{})
	require.NoError(t, err)

	wire := fakebackend.Frame(fakebackend.Content("Hel")) + fakebackend.Frame(fakebackend.Content("lo")) + fakebackend.Frame(fakebackend.Done())
	go func() {
		for i := 0; i < len(wire); i += 7 {
			end := min(i+7, len(wire))
			if _, err := w.Write([]byte(wire[i:end])); err != nil {
				return
			}
		}
	}()

	var content string
	for ev := range s.Events() {
		content += ev.Content
	}
	assert.Equal(t, "Hello", content)
	assert.NoError(t, s.Err())
}

func TestConnectionError(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.QueueStream(fakebackend.Script{Status: http.StatusBadGateway})

	_, err := stream.Open(context.Background(), client.New(backend.URL()), models.ChatRequest{}, stream.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrConnection)

	var connErr *stream.ConnectionError
	assert.True(t, errors.As(err, &connErr))
}

func TestUnreachableServerIsConnectionError(t *testing.T) {
	_, err := stream.Open(context.Background(), client.New("http://127.0.0.1:1/api/v1"), models.ChatRequest{}, stream.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, stream.ErrConnection)
}

func TestCancellation(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.QueueStream(fakebackend.Script{
		Frames: []string{fakebackend.Frame(fakebackend.Content("partial"))},
		Hold:   true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := stream.Open(ctx, client.New(backend.URL()), models.ChatRequest{}, stream.Options{})
	require.NoError(t, err)

	first := <-s.Events()
	assert.Equal(t, "partial", first.Content)

	cancel()
	for range s.Events() {
	}
	assert.ErrorIs(t, s.Err(), stream.ErrCancelled)
}

func TestCancelledBeforeOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := io.Pipe()
	opener := &pipeOpener{r: r, err: context.Canceled}
	_, err := stream.Open(ctx, opener, models.ChatRequest{}, stream.Options{})
	assert.ErrorIs(t, err, stream.ErrCancelled)
}

func TestStallTimeout(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	s, err := stream.Open(context.Background(), &pipeOpener{r: r}, models.ChatRequest{},
		stream.Options{StallTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	go func() {
		_, _ = w.Write([]byte(fakebackend.Frame(fakebackend.Content("slow"))))
	}()

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.ErrorIs(t, s.Err(), stream.ErrConnection)
	assert.ErrorIs(t, s.Err(), stream.ErrStalled)
}

func TestBodyEndsWithoutTerminalFrame(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.QueueStream(fakebackend.Script{Frames: []string{fakebackend.Frame(fakebackend.Content("cut"))}})

	s, err := stream.Open(context.Background(), client.New(backend.URL()), models.ChatRequest{}, stream.Options{})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.ErrorIs(t, s.Err(), stream.ErrIncomplete)
	assert.ErrorIs(t, s.Err(), stream.ErrConnection)
}
