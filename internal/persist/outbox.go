package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/raphaelgruber/davechat/internal/client"
	"github.com/raphaelgruber/davechat/internal/models"
)

// Outbox defaults.
const (
	DefaultMaxAttempts   = 10
	DefaultDrainInterval = 30 * time.Second
	DefaultDrainRate     = rate.Limit(2) // calls per second
)

// Appender is what the outbox replays rows against.
type Appender interface {
	AppendMessage(ctx context.Context, conversationID string, msg models.ChatMessage) error
}

// Entry is one queued append.
type Entry struct {
	ID             int64
	ConversationID string
	Message        models.ChatMessage
	Attempts       int
	CreatedAt      time.Time
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithMaxAttempts sets how many failed replays drop a row.
func WithMaxAttempts(n int) OutboxOption {
	return func(o *Outbox) { o.maxAttempts = n }
}

// WithDrainInterval sets the period between drain passes.
func WithDrainInterval(d time.Duration) OutboxOption {
	return func(o *Outbox) { o.interval = d }
}

// WithRateLimit sets the replay rate limit.
func WithRateLimit(limit rate.Limit, burst int) OutboxOption {
	return func(o *Outbox) { o.limiter = rate.NewLimiter(limit, burst) }
}

// WithOutboxLogger sets the logger.
func WithOutboxLogger(logger *slog.Logger) OutboxOption {
	return func(o *Outbox) { o.logger = logger.With("component", "outbox") }
}

// Outbox is a SQLite queue of appends that failed for a bound conversation.
type Outbox struct {
	db          *sql.DB
	logger      *slog.Logger
	limiter     *rate.Limiter
	maxAttempts int
	interval    time.Duration
}

// OpenOutbox opens (creating if needed) the outbox database at path.
func OpenOutbox(path string, opts ...OutboxOption) (*Outbox, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create outbox directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	o := &Outbox{
		db:          db,
		logger:      slog.Default().With("component", "outbox"),
		limiter:     rate.NewLimiter(DefaultDrainRate, 1),
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultDrainInterval,
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}
	return o, nil
}

func (o *Outbox) createSchema() error {
	_, err := o.db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_appends (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_appends_conversation
			ON pending_appends(conversation_id, id);
	`)
	return err
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Enqueue stores an append for later replay.
func (o *Outbox) Enqueue(ctx context.Context, conversationID string, msg models.ChatMessage) error {
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO pending_appends (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, string(msg.Role), msg.Content, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("enqueue append: %w", err)
	}
	return nil
}

// Pending returns queued rows oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, attempts, created_at FROM pending_appends ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query pending appends: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var role, createdAt string
		if err := rows.Scan(&e.ID, &e.ConversationID, &role, &e.Message.Content, &e.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending append: %w", err)
		}
		e.Message.Role = models.Role(role)
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Sent    int
	Failed  int
	Dropped int
	Skipped int // rows behind a failed row of the same conversation
}

// Drain replays pending rows once, oldest first. After a failure the rest of
// that conversation's rows wait for the next pass so order is preserved.
func (o *Outbox) Drain(ctx context.Context, backend Appender) (DrainResult, error) {
	var res DrainResult

	entries, err := o.Pending(ctx)
	if err != nil {
		return res, err
	}

	blocked := make(map[string]bool)
	for _, e := range entries {
		if blocked[e.ConversationID] {
			res.Skipped++
			continue
		}
		if err := o.limiter.Wait(ctx); err != nil {
			return res, err
		}

		if err := backend.AppendMessage(ctx, e.ConversationID, e.Message); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return res, ctx.Err()
			}
			blocked[e.ConversationID] = true
			if dropErr := o.recordFailure(ctx, e, err, &res); dropErr != nil {
				return res, dropErr
			}
			continue
		}

		if _, err := o.db.ExecContext(ctx, `DELETE FROM pending_appends WHERE id = ?`, e.ID); err != nil {
			return res, fmt.Errorf("delete sent append: %w", err)
		}
		res.Sent++
		o.logger.Info("queued append delivered", "conversation_id", e.ConversationID,
			"role", e.Message.Role, "attempts", e.Attempts+1)
	}
	return res, nil
}

func (o *Outbox) recordFailure(ctx context.Context, e Entry, cause error, res *DrainResult) error {
	attempts := e.Attempts + 1
	// A deleted conversation never comes back; retrying is pointless.
	if attempts >= o.maxAttempts || errors.Is(cause, client.ErrNotFound) {
		if _, err := o.db.ExecContext(ctx, `DELETE FROM pending_appends WHERE id = ?`, e.ID); err != nil {
			return fmt.Errorf("drop append: %w", err)
		}
		res.Dropped++
		o.logger.Warn("dropping queued append", "conversation_id", e.ConversationID,
			"role", e.Message.Role, "attempts", attempts, "error", cause)
		return nil
	}

	if _, err := o.db.ExecContext(ctx, `UPDATE pending_appends SET attempts = ? WHERE id = ?`, attempts, e.ID); err != nil {
		return fmt.Errorf("bump attempts: %w", err)
	}
	res.Failed++
	o.logger.Debug("queued append retry failed", "conversation_id", e.ConversationID,
		"attempts", attempts, "error", cause)
	return nil
}

// Run drains on every tick until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context, backend Appender) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := o.Drain(ctx, backend)
			if err != nil && ctx.Err() == nil {
				o.logger.Warn("outbox drain failed", "error", err)
			}
			if res.Sent+res.Failed+res.Dropped > 0 {
				o.logger.Info("outbox drained", "sent", res.Sent, "failed", res.Failed,
					"dropped", res.Dropped, "skipped", res.Skipped)
			}
		}
	}
}
