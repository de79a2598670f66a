// Package persist mirrors the live transcript to the backend without ever
// blocking or failing the exchange that produced it.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/davechat/internal/client"
	"github.com/raphaelgruber/davechat/internal/metrics"
	"github.com/raphaelgruber/davechat/internal/models"
)

// Backend is the subset of the REST client the synchronizer writes through.
type Backend interface {
	CreateConversation(ctx context.Context, input client.CreateConversationInput) (*models.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, msg models.ChatMessage) error
}

// DefaultCallTimeout bounds each persistence call.
const DefaultCallTimeout = 30 * time.Second

// Options configures a Synchronizer.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	Outbox      *Outbox
	CallTimeout time.Duration
}

// Synchronizer hands out Bindings and owns the goroutines that serve them.
type Synchronizer struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Collector
	outbox  *Outbox
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // outbox drainer

	mu      sync.Mutex
	running int           // binding workers currently draining a queue
	idle    chan struct{} // closed while running == 0
}

// New creates a Synchronizer. When opts.Outbox is set its drainer runs until
// Close.
func New(backend Backend, opts Options) *Synchronizer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		backend: backend,
		logger:  logger.With("component", "persist"),
		metrics: opts.Metrics,
		outbox:  opts.Outbox,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		idle:    make(chan struct{}),
	}
	close(s.idle)

	if s.outbox != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.outbox.Run(ctx, backend)
		}()
	}
	return s
}

// Create returns a pending Binding whose first job creates a conversation
// seeded with first. onBound, if set, is called from the worker with the new
// id once creation succeeds.
func (s *Synchronizer) Create(first models.ChatMessage, onBound func(id string)) *Binding {
	b := &Binding{s: s, state: statePending, onBound: onBound}
	b.enqueue(job{create: true, msg: first})
	return b
}

// Bind returns a Binding for a conversation that already exists.
func (s *Synchronizer) Bind(id string) *Binding {
	return &Binding{s: s, state: stateBound, id: id}
}

// Flush waits until every queued job has been attempted or ctx is done.
// The outbox drainer is not waited for.
func (s *Synchronizer) Flush(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued jobs (bounded by ctx), then stops the workers and the
// outbox drainer.
func (s *Synchronizer) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Synchronizer) workerStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == 0 {
		s.idle = make(chan struct{})
	}
	s.running++
}

func (s *Synchronizer) workerDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	if s.running == 0 {
		close(s.idle)
	}
}

func (s *Synchronizer) call(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	return fn(ctx)
}
