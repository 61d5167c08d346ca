// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"strings"
	"time"

	"instareply/internal/model"
)

// Store is the interface for all persistence operations. It is pure data
// access: trigger matching and send decisions live above it.
//
// Event rows are append-only; duplicate webhook deliveries create duplicate
// rows (at-least-once semantics, no idempotency key).
type Store interface {
	UpsertThread(ctx context.Context, threadID, lastMessage string, lastTS int64) error
	ListThreads(ctx context.Context) ([]model.Thread, error)

	InsertEvent(ctx context.Context, e *model.Event) error
	GetThreadEvents(ctx context.Context, threadID string) ([]model.Event, error)

	CreateOutbox(ctx context.Context, threadID, text string) (int64, error)
	UpdateOutbox(ctx context.Context, id int64, status model.OutboxStatus, errText string, sentAt *time.Time) error
	ListOutbox(ctx context.Context, threadID string, limit int) ([]model.OutboxEntry, error)
	GetLatestOutboxForThread(ctx context.Context, threadID string) (*model.OutboxEntry, error)
	GetLatestFailedOutbox(ctx context.Context, threadID string) (*model.OutboxEntry, error)

	CreateTemplate(ctx context.Context, t *model.Template) error
	ListTemplates(ctx context.Context) ([]model.Template, error)
	ListActiveTemplates(ctx context.Context) ([]model.Template, error)
	ToggleTemplate(ctx context.Context, id int64) error
	DeleteTemplate(ctx context.Context, id int64) error

	CreateCommentTrigger(ctx context.Context, t *model.CommentTrigger) error
	ListCommentTriggers(ctx context.Context) ([]model.CommentTrigger, error)
	ListActiveCommentTriggers(ctx context.Context) ([]model.CommentTrigger, error)
	ToggleCommentTrigger(ctx context.Context, id int64) error
	DeleteCommentTrigger(ctx context.Context, id int64) error

	Close() error
}

// Open selects a backend from the DSN: postgres URLs get the Postgres store,
// anything else is treated as a SQLite file path (":memory:" included).
func Open(databaseURL string) (Store, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return NewPostgres(databaseURL)
	}
	return NewSQLite(databaseURL)
}
