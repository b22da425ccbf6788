// Package outbox is the write-ahead outbound delivery queue. Every
// message leaving the assistant is durably recorded before the chat
// transport is invoked, so a crash between "decided to send" and
// "transport accepted" loses nothing: the row is still pending and the
// processor redelivers it. Delivery is at-least-once.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/penhold/squire/internal/events"
)

// Status is the delivery state of one queued message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// DefaultMaxRetries is how many delivery attempts a message gets before
// it is marked failed.
const DefaultMaxRetries = 3

// Draft is a message to enqueue.
type Draft struct {
	ChatKey    string
	Body       string
	ParseMode  string // "" means plain text
	ReplyTo    string // transport id of the message being replied to, "" for none
	MaxRetries int    // 0 means DefaultMaxRetries
}

// Message is one row of the outbound queue.
type Message struct {
	ID           int64
	ChatKey      string
	Body         string
	ParseMode    string
	ReplyTo      string
	Status       Status
	RetryCount   int
	MaxRetries   int
	TransportID  string // id assigned by the transport once delivered
	ErrorMessage string
	CreatedAt    time.Time
	SentAt       *time.Time
}

// Store persists the outbound queue in sqlite.
type Store struct {
	db  *sql.DB
	bus *events.Bus
}

// NewStore wraps db and creates the queue table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate outbound queue: %w", err)
	}
	return s, nil
}

// AttachBus wires the operational event bus. Queue lifecycle events
// (enqueued, delivered, delivery failed) are published to it; without
// a bus they are simply not emitted.
func (s *Store) AttachBus(bus *events.Bus) {
	s.bus = bus
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS outbound_queue (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_key      TEXT NOT NULL,
			body          TEXT NOT NULL,
			parse_mode    TEXT NOT NULL DEFAULT 'plain',
			reply_to      TEXT,
			status        TEXT NOT NULL DEFAULT 'pending',
			retry_count   INTEGER NOT NULL DEFAULT 0,
			max_retries   INTEGER NOT NULL DEFAULT 3,
			transport_id  TEXT,
			error_message TEXT,
			created_at    TEXT NOT NULL,
			sent_at       TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_outbound_status ON outbound_queue(status, id);
		CREATE INDEX IF NOT EXISTS idx_outbound_chat ON outbound_queue(chat_key, id);
	`)
	return err
}

// Enqueue durably records d as pending and returns the row id. Callers
// must enqueue before touching the transport; the returned id is the
// handle used to await delivery and later edit the sent message.
func (s *Store) Enqueue(ctx context.Context, d Draft) (int64, error) {
	if d.ChatKey == "" {
		return 0, fmt.Errorf("enqueue: chat key is required")
	}
	if d.ParseMode == "" {
		d.ParseMode = "plain"
	}
	if d.MaxRetries <= 0 {
		d.MaxRetries = DefaultMaxRetries
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_queue (chat_key, body, parse_mode, reply_to, status, max_retries, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		d.ChatKey, d.Body, d.ParseMode, d.ReplyTo, StatusPending, d.MaxRetries,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOutbox,
		Kind:      events.KindEnqueued,
		Data:      map[string]any{"queue_id": id, "chat": d.ChatKey},
	})
	return id, nil
}

// Get returns one queued message by id.
func (s *Store) Get(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_key, body, parse_mode, reply_to, status, retry_count,
		       max_retries, transport_id, error_message, created_at, sent_at
		FROM outbound_queue WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("outbox message %d not found", id)
	}
	return m, err
}

// PendingBatch returns up to limit pending messages, oldest first. Row
// ids are monotonic, so id order gives FIFO ordering, per chat and
// globally.
func (s *Store) PendingBatch(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_key, body, parse_mode, reply_to, status, retry_count,
		       max_retries, transport_id, error_message, created_at, sent_at
		FROM outbound_queue WHERE status = ? ORDER BY id ASC LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("load pending batch: %w", err)
	}
	defer rows.Close()

	var batch []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, m)
	}
	return batch, rows.Err()
}

// MarkSending claims a pending message for delivery. Returns false when
// the row was no longer pending, which means another worker took it.
func (s *Store) MarkSending(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_queue SET status = ? WHERE id = ? AND status = ?`,
		StatusSending, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark sending: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkSent records a successful delivery and the transport-assigned
// message id.
func (s *Store) MarkSent(ctx context.Context, id int64, transportID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbound_queue
		SET status = ?, transport_id = NULLIF(?, ''), sent_at = ?, error_message = NULL
		WHERE id = ?`,
		StatusSent, transportID, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// Requeue puts a message back to pending after a failed attempt,
// recording the error and bumping the retry count.
func (s *Store) Requeue(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbound_queue
		SET status = ?, retry_count = retry_count + 1, error_message = ?
		WHERE id = ?`,
		StatusPending, errMsg, id)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// MarkFailed retires a message whose retries are exhausted.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbound_queue
		SET status = ?, retry_count = retry_count + 1, error_message = ?
		WHERE id = ?`,
		StatusFailed, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ReplayOnStartup resets in-flight rows back to pending. A row stuck in
// sending means the process died mid-delivery; whether the transport
// call landed is unknowable, so the message is redelivered.
func (s *Store) ReplayOnStartup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_queue SET status = ? WHERE status = ?`,
		StatusPending, StatusSending)
	if err != nil {
		return 0, fmt.Errorf("replay sending rows: %w", err)
	}
	return res.RowsAffected()
}

// CleanupOld deletes delivered and failed rows older than the retention
// window. Pending and sending rows are never cleaned up.
func (s *Store) CleanupOld(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbound_queue
		WHERE status IN (?, ?) AND created_at < ?`,
		StatusSent, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup queue: %w", err)
	}
	return res.RowsAffected()
}

// Depth counts undelivered messages, for the diagnostics surface.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbound_queue WHERE status IN (?, ?)`,
		StatusPending, StatusSending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// AwaitDelivery polls until the message is sent and returns its
// transport id. It fails when the message fails, the context ends, or
// the message vanishes. poll <= 0 defaults to 50ms.
func (s *Store) AwaitDelivery(ctx context.Context, id int64, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		m, err := s.Get(ctx, id)
		if err != nil {
			return "", err
		}
		switch m.Status {
		case StatusSent:
			return m.TransportID, nil
		case StatusFailed:
			return "", fmt.Errorf("message %d failed to send: %s", id, m.ErrorMessage)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m          Message
		replyTo    sql.NullString
		transport  sql.NullString
		errMsg     sql.NullString
		createdStr string
		sentStr    sql.NullString
	)
	err := row.Scan(&m.ID, &m.ChatKey, &m.Body, &m.ParseMode, &replyTo,
		&m.Status, &m.RetryCount, &m.MaxRetries, &transport, &errMsg,
		&createdStr, &sentStr)
	if err != nil {
		return nil, err
	}
	m.ReplyTo = replyTo.String
	m.TransportID = transport.String
	m.ErrorMessage = errMsg.String
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	if sentStr.Valid {
		t, _ := time.Parse(time.RFC3339, sentStr.String)
		m.SentAt = &t
	}
	return &m, nil
}
