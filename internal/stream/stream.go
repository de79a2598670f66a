// Package stream implements the chat event stream: it opens one exchange
// against the backend, decodes the incremental body into events, and hands
// them to a single consumer in arrival order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/davechat/internal/models"
)

// readChunkSize is the size of each read from the response body.
const readChunkSize = 4096

// eventBufferSize is the channel buffer between the reader and the consumer.
const eventBufferSize = 16

var (
	// ErrConnection indicates the stream could not be opened or was lost.
	ErrConnection = errors.New("connection error")

	// ErrCancelled indicates the caller cancelled the stream. It is a normal
	// termination, not a fault.
	ErrCancelled = errors.New("stream cancelled")

	// ErrStalled indicates no bytes arrived within the configured stall timeout.
	ErrStalled = errors.New("stream stalled")

	// ErrIncomplete indicates the body ended before a done or error frame.
	ErrIncomplete = errors.New("stream ended before completion")
)

// ConnectionError wraps the transport failure behind ErrConnection.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %v", e.Err)
}

// Unwrap exposes both ErrConnection and the underlying cause to errors.Is.
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// Opener starts a streaming exchange and returns its raw body.
type Opener interface {
	OpenStream(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error)
}

// Options tunes a Stream.
type Options struct {
	Logger *slog.Logger
	// StallTimeout ends the stream with ErrStalled when no bytes arrive for
	// this long. Zero waits forever.
	StallTimeout time.Duration
}

// Stream is one open exchange. Events are delivered on a finite channel that
// is closed after the terminal event, on cancellation, or when the
// connection ends. A Stream cannot be restarted.
type Stream struct {
	events chan models.StreamEvent
	cancel context.CancelCauseFunc
	logger *slog.Logger
	stall  time.Duration
	err    error
}

// Open starts the exchange. It fails with a *ConnectionError when the request
// cannot be established and with ErrCancelled when ctx ends first.
func Open(ctx context.Context, opener Opener, req models.ChatRequest, opts Options) (*Stream, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	body, err := opener.OpenStream(streamCtx, req)
	if err != nil {
		cancel(nil)
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &ConnectionError{Err: err}
	}

	s := &Stream{
		events: make(chan models.StreamEvent, eventBufferSize),
		cancel: cancel,
		logger: logger.With("component", "stream"),
		stall:  opts.StallTimeout,
	}
	go s.run(streamCtx, body)
	return s, nil
}

// Events returns the ordered event channel.
func (s *Stream) Events() <-chan models.StreamEvent {
	return s.events
}

// Err reports why the stream ended. It is only meaningful once Events is
// closed: nil after a done or error event, ErrCancelled after cancellation,
// or a *ConnectionError.
func (s *Stream) Err() error {
	return s.err
}

// Close cancels the stream. Safe to call more than once.
func (s *Stream) Close() {
	s.cancel(ErrCancelled)
}

func (s *Stream) run(ctx context.Context, body io.ReadCloser) {
	defer close(s.events)
	defer s.cancel(nil)

	// Close the body when ctx ends so a blocked Read returns.
	var closeOnce sync.Once
	closeBody := func() { closeOnce.Do(func() { body.Close() }) }
	defer closeBody()

	stop := context.AfterFunc(ctx, closeBody)
	defer stop()

	var stallTimer *time.Timer
	if s.stall > 0 {
		stallTimer = time.AfterFunc(s.stall, func() { s.cancel(ErrStalled) })
		defer stallTimer.Stop()
	}

	var dec Decoder
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if stallTimer != nil {
				stallTimer.Reset(s.stall)
			}
			for _, payload := range dec.Feed(buf[:n]) {
				ev, err := ParseEvent(payload)
				if err != nil {
					s.logger.Warn("skipping malformed frame", "error", err)
					continue
				}

				select {
				case s.events <- ev:
				case <-ctx.Done():
					s.err = s.endCause(ctx)
					return
				}

				if ev.Type.Terminal() {
					// Anything after the first terminal frame is ignored.
					return
				}
			}
		}

		if readErr != nil {
			switch {
			case ctx.Err() != nil:
				s.err = s.endCause(ctx)
			case errors.Is(readErr, io.EOF):
				if dec.Pending() {
					s.logger.Warn("discarding undelimited trailing frame")
				}
				s.err = &ConnectionError{Err: ErrIncomplete}
			default:
				s.err = &ConnectionError{Err: readErr}
			}
			return
		}
	}
}

// endCause maps a finished context onto the package errors.
func (s *Stream) endCause(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrStalled) {
		return &ConnectionError{Err: ErrStalled}
	}
	return ErrCancelled
}

// Run opens the exchange and invokes handler synchronously for each event in
// arrival order. It returns nil once a done or error event was delivered.
func Run(ctx context.Context, opener Opener, req models.ChatRequest, handler func(models.StreamEvent), opts Options) error {
	s, err := Open(ctx, opener, req, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	for ev := range s.Events() {
		handler(ev)
	}
	return s.Err()
}
