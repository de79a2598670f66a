package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/raphaelgruber/davechat/internal/client"
	"github.com/raphaelgruber/davechat/internal/metrics"
	"github.com/raphaelgruber/davechat/internal/models"
)

var errEmptyID = errors.New("backend returned no conversation id")

type bindState int

const (
	statePending bindState = iota // creation queued or in flight
	stateBound
	stateFailed // creation failed; appends are skipped
)

type job struct {
	create bool
	msg    models.ChatMessage
}

// Binding ties one in-memory conversation to its backend record. Jobs are
// processed in submission order by a worker goroutine that exists only while
// the queue is non-empty.
type Binding struct {
	s       *Synchronizer
	onBound func(id string)

	mu       sync.Mutex
	state    bindState
	id       string
	jobs     []job
	running  bool
	deferred bool // an append went to the outbox; later ones follow it there
}

// ID returns the backend id, or "" while pending or after a failed create.
func (b *Binding) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Failed reports whether creation failed. A failed Binding never recovers;
// the caller starts a new one on the next send.
func (b *Binding) Failed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateFailed
}

// Append queues msg after everything already submitted. It never blocks on
// the network.
func (b *Binding) Append(msg models.ChatMessage) {
	b.enqueue(job{msg: msg})
}

func (b *Binding) enqueue(j job) {
	b.mu.Lock()
	b.jobs = append(b.jobs, j)
	start := !b.running
	b.running = true
	b.mu.Unlock()

	if start {
		b.s.workerStarted()
		go b.run()
	}
}

func (b *Binding) run() {
	defer b.s.workerDone()
	for {
		b.mu.Lock()
		if len(b.jobs) == 0 {
			b.running = false
			b.mu.Unlock()
			return
		}
		j := b.jobs[0]
		b.jobs = b.jobs[1:]
		b.mu.Unlock()

		if j.create {
			b.create(j.msg)
		} else {
			b.append(j.msg)
		}
	}
}

func (b *Binding) create(first models.ChatMessage) {
	s := b.s
	start := time.Now()

	var conv *models.Conversation
	err := s.call(func(ctx context.Context) error {
		var err error
		conv, err = s.backend.CreateConversation(ctx, client.CreateConversationInput{
			Messages: []models.ChatMessage{first},
		})
		return err
	})
	if err == nil && (conv == nil || conv.ID == "") {
		err = errEmptyID
	}
	if err != nil {
		s.metrics.RecordFailure(metrics.OpPersistCreate)
		s.logger.Warn("create conversation failed, continuing unsaved", "error", err)
		b.mu.Lock()
		b.state = stateFailed
		b.mu.Unlock()
		return
	}

	s.metrics.RecordTiming(metrics.OpPersistCreate, time.Since(start))
	s.logger.Info("conversation created", "conversation_id", conv.ID,
		"duration_ms", time.Since(start).Milliseconds())

	b.mu.Lock()
	b.state = stateBound
	b.id = conv.ID
	onBound := b.onBound
	b.mu.Unlock()

	if onBound != nil {
		onBound(conv.ID)
	}
}

func (b *Binding) append(msg models.ChatMessage) {
	s := b.s

	b.mu.Lock()
	id, deferred := b.id, b.deferred
	b.mu.Unlock()

	if id == "" {
		s.logger.Debug("skipping append for unsaved conversation", "role", msg.Role)
		return
	}
	if deferred {
		b.toOutbox(id, msg, nil)
		return
	}

	start := time.Now()
	err := s.call(func(ctx context.Context) error {
		return s.backend.AppendMessage(ctx, id, msg)
	})
	if err != nil {
		s.metrics.RecordFailure(metrics.OpPersistAppend)
		b.toOutbox(id, msg, err)
		return
	}

	s.metrics.RecordTiming(metrics.OpPersistAppend, time.Since(start))
	s.logger.Debug("message appended", "conversation_id", id, "role", msg.Role,
		"duration_ms", time.Since(start).Milliseconds())
}

// toOutbox records a failed append for later retry. cause is nil when the
// message skipped the live call because an earlier one is still queued.
func (b *Binding) toOutbox(id string, msg models.ChatMessage, cause error) {
	s := b.s
	if s.outbox == nil {
		s.logger.Warn("append message failed", "conversation_id", id, "role", msg.Role, "error", cause)
		return
	}

	if err := s.call(func(ctx context.Context) error {
		return s.outbox.Enqueue(ctx, id, msg)
	}); err != nil {
		s.logger.Warn("append message failed and could not be queued",
			"conversation_id", id, "role", msg.Role, "error", cause, "outbox_error", err)
		return
	}

	b.mu.Lock()
	b.deferred = true
	b.mu.Unlock()
	if cause != nil {
		s.logger.Warn("append message failed, queued for retry",
			"conversation_id", id, "role", msg.Role, "error", cause)
	}
}
