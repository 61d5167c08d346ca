package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver registration.

	"instareply/internal/model"
)

// Postgres implements Store backed by a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a Postgres database and ensures the schema exists.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Postgres{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Postgres) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			last_message TEXT NOT NULL DEFAULT '',
			last_ts BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message_id TEXT,
			text TEXT,
			from_id TEXT,
			ts BIGINT NOT NULL DEFAULT 0,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_thread ON events (thread_id, ts, id)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_value TEXT NOT NULL DEFAULT '',
			reply_text TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS comment_triggers (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_value TEXT NOT NULL DEFAULT '',
			public_reply_text TEXT NOT NULL,
			dm_reply_text TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id BIGSERIAL PRIMARY KEY,
			thread_id TEXT NOT NULL,
			text TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_thread ON outbox (thread_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Postgres) Close() error {
	return s.db.Close()
}

func (s *Postgres) UpsertThread(ctx context.Context, threadID, lastMessage string, lastTS int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, last_message, last_ts) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET last_message = EXCLUDED.last_message, last_ts = EXCLUDED.last_ts`,
		threadID, lastMessage, lastTS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert thread: %w", err)
	}
	return nil
}

func (s *Postgres) ListThreads(ctx context.Context) ([]model.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, last_message, last_ts FROM threads ORDER BY last_ts DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		var t model.Thread
		if err := rows.Scan(&t.ID, &t.LastMessage, &t.LastTS); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (s *Postgres) InsertEvent(ctx context.Context, e *model.Event) error {
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (thread_id, event_type, message_id, text, from_id, ts, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		e.ThreadID, string(e.EventType), nullString(e.MessageID), e.Text,
		nullString(e.FromID), e.TS, now,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	e.ReceivedAt = now
	return nil
}

func (s *Postgres) GetThreadEvents(ctx context.Context, threadID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, event_type, message_id, text, from_id, ts, received_at
		 FROM events WHERE thread_id = $1 ORDER BY ts ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var messageID, text, fromID sql.NullString
		err := rows.Scan(&e.ID, &e.ThreadID, &e.EventType, &messageID, &text, &fromID, &e.TS, &e.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.MessageID = messageID.String
		e.Text = text.String
		e.FromID = fromID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Postgres) CreateOutbox(ctx context.Context, threadID, text string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO outbox (thread_id, text, status, created_at) VALUES ($1, $2, 'pending', NOW())
		 RETURNING id`,
		threadID, text,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox: %w", err)
	}
	return id, nil
}

func (s *Postgres) UpdateOutbox(ctx context.Context, id int64, status model.OutboxStatus, errText string, sentAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = $1, error = $2, sent_at = $3 WHERE id = $4`,
		string(status), nullString(errText), sentAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox: %w", err)
	}
	return nil
}

func (s *Postgres) ListOutbox(ctx context.Context, threadID string, limit int) ([]model.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, text, status, error, created_at, sent_at
		 FROM outbox WHERE thread_id = $1 ORDER BY id DESC LIMIT $2`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		e, err := scanPGOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *Postgres) GetLatestOutboxForThread(ctx context.Context, threadID string) (*model.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, text, status, error, created_at, sent_at
		 FROM outbox WHERE thread_id = $1 ORDER BY id DESC LIMIT 1`,
		threadID,
	)
	return scanPGOutboxRow(row)
}

func (s *Postgres) GetLatestFailedOutbox(ctx context.Context, threadID string) (*model.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, text, status, error, created_at, sent_at
		 FROM outbox WHERE thread_id = $1 AND status = 'failed' ORDER BY id DESC LIMIT 1`,
		threadID,
	)
	return scanPGOutboxRow(row)
}

func (s *Postgres) CreateTemplate(ctx context.Context, t *model.Template) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO templates (name, trigger_type, trigger_value, reply_text, is_active)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		t.Name, string(t.TriggerType), t.TriggerValue, t.ReplyText, t.IsActive,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

func (s *Postgres) ListTemplates(ctx context.Context) ([]model.Template, error) {
	return s.queryTemplates(ctx,
		`SELECT id, name, trigger_type, trigger_value, reply_text, is_active
		 FROM templates ORDER BY id ASC`)
}

func (s *Postgres) ListActiveTemplates(ctx context.Context) ([]model.Template, error) {
	return s.queryTemplates(ctx,
		`SELECT id, name, trigger_type, trigger_value, reply_text, is_active
		 FROM templates WHERE is_active ORDER BY id ASC`)
}

func (s *Postgres) queryTemplates(ctx context.Context, query string) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []model.Template
	for rows.Next() {
		var t model.Template
		err := rows.Scan(&t.ID, &t.Name, &t.TriggerType, &t.TriggerValue, &t.ReplyText, &t.IsActive)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *Postgres) ToggleTemplate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE templates SET is_active = NOT is_active WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to toggle template: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteTemplate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return nil
}

func (s *Postgres) CreateCommentTrigger(ctx context.Context, t *model.CommentTrigger) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO comment_triggers (name, trigger_type, trigger_value, public_reply_text, dm_reply_text, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		t.Name, string(t.TriggerType), t.TriggerValue, t.PublicReplyText, t.DMReplyText, t.IsActive,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to insert comment trigger: %w", err)
	}
	return nil
}

func (s *Postgres) ListCommentTriggers(ctx context.Context) ([]model.CommentTrigger, error) {
	return s.queryCommentTriggers(ctx,
		`SELECT id, name, trigger_type, trigger_value, public_reply_text, dm_reply_text, is_active
		 FROM comment_triggers ORDER BY id ASC`)
}

func (s *Postgres) ListActiveCommentTriggers(ctx context.Context) ([]model.CommentTrigger, error) {
	return s.queryCommentTriggers(ctx,
		`SELECT id, name, trigger_type, trigger_value, public_reply_text, dm_reply_text, is_active
		 FROM comment_triggers WHERE is_active ORDER BY id ASC`)
}

func (s *Postgres) queryCommentTriggers(ctx context.Context, query string) ([]model.CommentTrigger, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query comment triggers: %w", err)
	}
	defer rows.Close()

	var triggers []model.CommentTrigger
	for rows.Next() {
		var t model.CommentTrigger
		err := rows.Scan(&t.ID, &t.Name, &t.TriggerType, &t.TriggerValue, &t.PublicReplyText, &t.DMReplyText, &t.IsActive)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *Postgres) ToggleCommentTrigger(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE comment_triggers SET is_active = NOT is_active WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to toggle comment trigger: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteCommentTrigger(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comment_triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete comment trigger: %w", err)
	}
	return nil
}

func scanPGOutbox(row scannable) (*model.OutboxEntry, error) {
	var e model.OutboxEntry
	var errText sql.NullString
	var sent sql.NullTime
	err := row.Scan(&e.ID, &e.ThreadID, &e.Text, &e.Status, &errText, &e.CreatedAt, &sent)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox: %w", err)
	}
	e.Error = errText.String
	if sent.Valid {
		t := sent.Time
		e.SentAt = &t
	}
	return &e, nil
}

func scanPGOutboxRow(row *sql.Row) (*model.OutboxEntry, error) {
	e, err := scanPGOutbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}
