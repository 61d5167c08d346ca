package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"instareply/internal/model"
	"instareply/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLite implements Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertThread inserts or updates a thread by primary key. Re-upserting an
// existing id overwrites last_message and last_ts, never duplicates.
func (s *SQLite) UpsertThread(ctx context.Context, threadID, lastMessage string, lastTS int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, last_message, last_ts) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_message=excluded.last_message, last_ts=excluded.last_ts`,
		threadID, lastMessage, lastTS,
	)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}
	return nil
}

// ListThreads returns all threads, most recently active first.
func (s *SQLite) ListThreads(ctx context.Context) ([]model.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, last_message, last_ts FROM threads ORDER BY last_ts DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var threads []model.Thread
	for rows.Next() {
		var t model.Thread
		if err := rows.Scan(&t.ID, &t.LastMessage, &t.LastTS); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// InsertEvent appends a row to the event log, stamping ReceivedAt and
// populating the new id.
func (s *SQLite) InsertEvent(ctx context.Context, e *model.Event) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (thread_id, event_type, message_id, text, from_id, ts, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ThreadID, string(e.EventType), nullString(e.MessageID), e.Text,
		nullString(e.FromID), e.TS, now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	e.ID = id
	e.ReceivedAt = now
	return nil
}

// GetThreadEvents returns a thread's events ordered by (ts, id) ascending.
// ts carries the platform-supplied event time and may be zero or collide;
// id breaks ties.
func (s *SQLite) GetThreadEvents(ctx context.Context, threadID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, event_type, message_id, text, from_id, ts, received_at
		 FROM events WHERE thread_id = ? ORDER BY ts ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var messageID, text, fromID sql.NullString
		var receivedAt string
		err := rows.Scan(&e.ID, &e.ThreadID, &e.EventType, &messageID, &text, &fromID, &e.TS, &receivedAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.MessageID = messageID.String
		e.Text = text.String
		e.FromID = fromID.String
		e.ReceivedAt, _ = time.Parse(timeLayout, receivedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateOutbox inserts a pending outbox row and returns its id.
func (s *SQLite) CreateOutbox(ctx context.Context, threadID, text string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (thread_id, text, status, error, created_at, sent_at)
		 VALUES (?, ?, 'pending', NULL, ?, NULL)`,
		threadID, text, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert outbox: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// UpdateOutbox transitions an outbox row to a terminal status.
func (s *SQLite) UpdateOutbox(ctx context.Context, id int64, status model.OutboxStatus, errText string, sentAt *time.Time) error {
	var sent *string
	if sentAt != nil {
		v := sentAt.UTC().Format(timeLayout)
		sent = &v
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, error = ?, sent_at = ? WHERE id = ?`,
		string(status), nullString(errText), sent, id,
	)
	if err != nil {
		return fmt.Errorf("update outbox: %w", err)
	}
	return nil
}

// ListOutbox returns the most recent outbox rows for a thread, newest first.
func (s *SQLite) ListOutbox(ctx context.Context, threadID string, limit int) ([]model.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, text, status, error, created_at, sent_at
		 FROM outbox WHERE thread_id = ? ORDER BY id DESC LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetLatestOutboxForThread returns the most recent outbox row for a thread,
// or nil when the thread has none.
func (s *SQLite) GetLatestOutboxForThread(ctx context.Context, threadID string) (*model.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, text, status, error, created_at, sent_at
		 FROM outbox WHERE thread_id = ? ORDER BY id DESC LIMIT 1`,
		threadID,
	)
	return scanOutboxRow(row)
}

// GetLatestFailedOutbox returns the most recent failed outbox row for a
// thread, or nil when none failed.
func (s *SQLite) GetLatestFailedOutbox(ctx context.Context, threadID string) (*model.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, text, status, error, created_at, sent_at
		 FROM outbox WHERE thread_id = ? AND status = 'failed' ORDER BY id DESC LIMIT 1`,
		threadID,
	)
	return scanOutboxRow(row)
}

// CreateTemplate inserts a new DM auto-reply rule and populates its ID.
func (s *SQLite) CreateTemplate(ctx context.Context, t *model.Template) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (name, trigger_type, trigger_value, reply_text, is_active)
		 VALUES (?, ?, ?, ?, ?)`,
		t.Name, string(t.TriggerType), t.TriggerValue, t.ReplyText, boolToInt(t.IsActive),
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// ListTemplates returns all templates ascending by id.
func (s *SQLite) ListTemplates(ctx context.Context) ([]model.Template, error) {
	return s.queryTemplates(ctx,
		`SELECT id, name, trigger_type, trigger_value, reply_text, is_active
		 FROM templates ORDER BY id ASC`)
}

// ListActiveTemplates returns active templates ascending by id.
func (s *SQLite) ListActiveTemplates(ctx context.Context) ([]model.Template, error) {
	return s.queryTemplates(ctx,
		`SELECT id, name, trigger_type, trigger_value, reply_text, is_active
		 FROM templates WHERE is_active = 1 ORDER BY id ASC`)
}

func (s *SQLite) queryTemplates(ctx context.Context, query string) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var templates []model.Template
	for rows.Next() {
		var t model.Template
		var isActive int
		err := rows.Scan(&t.ID, &t.Name, &t.TriggerType, &t.TriggerValue, &t.ReplyText, &isActive)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		t.IsActive = isActive == 1
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// ToggleTemplate flips a template's active flag.
func (s *SQLite) ToggleTemplate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE templates SET is_active = CASE WHEN is_active = 1 THEN 0 ELSE 1 END WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("toggle template: %w", err)
	}
	return nil
}

// DeleteTemplate hard-deletes a template.
func (s *SQLite) DeleteTemplate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

// CreateCommentTrigger inserts a new comment rule and populates its ID.
func (s *SQLite) CreateCommentTrigger(ctx context.Context, t *model.CommentTrigger) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO comment_triggers (name, trigger_type, trigger_value, public_reply_text, dm_reply_text, is_active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.Name, string(t.TriggerType), t.TriggerValue, t.PublicReplyText, t.DMReplyText, boolToInt(t.IsActive),
	)
	if err != nil {
		return fmt.Errorf("insert comment trigger: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// ListCommentTriggers returns all comment triggers ascending by id.
func (s *SQLite) ListCommentTriggers(ctx context.Context) ([]model.CommentTrigger, error) {
	return s.queryCommentTriggers(ctx,
		`SELECT id, name, trigger_type, trigger_value, public_reply_text, dm_reply_text, is_active
		 FROM comment_triggers ORDER BY id ASC`)
}

// ListActiveCommentTriggers returns active comment triggers ascending by id.
func (s *SQLite) ListActiveCommentTriggers(ctx context.Context) ([]model.CommentTrigger, error) {
	return s.queryCommentTriggers(ctx,
		`SELECT id, name, trigger_type, trigger_value, public_reply_text, dm_reply_text, is_active
		 FROM comment_triggers WHERE is_active = 1 ORDER BY id ASC`)
}

func (s *SQLite) queryCommentTriggers(ctx context.Context, query string) ([]model.CommentTrigger, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query comment triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var triggers []model.CommentTrigger
	for rows.Next() {
		var t model.CommentTrigger
		var isActive int
		err := rows.Scan(&t.ID, &t.Name, &t.TriggerType, &t.TriggerValue, &t.PublicReplyText, &t.DMReplyText, &isActive)
		if err != nil {
			return nil, fmt.Errorf("scan comment trigger: %w", err)
		}
		t.IsActive = isActive == 1
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// ToggleCommentTrigger flips a comment trigger's active flag.
func (s *SQLite) ToggleCommentTrigger(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE comment_triggers SET is_active = CASE WHEN is_active = 1 THEN 0 ELSE 1 END WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("toggle comment trigger: %w", err)
	}
	return nil
}

// DeleteCommentTrigger hard-deletes a comment trigger.
func (s *SQLite) DeleteCommentTrigger(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comment_triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete comment trigger: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOutbox(row scannable) (*model.OutboxEntry, error) {
	var e model.OutboxEntry
	var errText sql.NullString
	var created string
	var sent sql.NullString
	err := row.Scan(&e.ID, &e.ThreadID, &e.Text, &e.Status, &errText, &created, &sent)
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	e.Error = errText.String
	e.CreatedAt, _ = time.Parse(timeLayout, created)
	if sent.Valid {
		t, _ := time.Parse(timeLayout, sent.String)
		e.SentAt = &t
	}
	return &e, nil
}

func scanOutboxRow(row *sql.Row) (*model.OutboxEntry, error) {
	e, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}
