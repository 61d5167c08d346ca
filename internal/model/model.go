// Package model defines the domain types shared across the application.
package model

import "time"

// Thread is a logical conversation with one external party, keyed by the
// party's Instagram-scoped id or by a synthetic "comment:<id>" key when the
// commenter id is unknown.
type Thread struct {
	ID          string `json:"id"`
	LastMessage string `json:"last_message"`
	LastTS      int64  `json:"last_ts"`
}

// EventType classifies a row in the append-only event log.
type EventType string

// Event log vocabulary.
const (
	EventMessageIn          EventType = "message_in"
	EventMessageOut         EventType = "message_out"
	EventCommentIn          EventType = "comment_in"
	EventCommentPublicReply EventType = "comment_public_reply"
	EventDMOutPrivateReply  EventType = "dm_out_private_reply"
)

// Event is one immutable row in the event log. TS carries the event time
// reported by the platform and may be zero; ReceivedAt is stamped by the
// store at insert time. Per-thread ordering is (TS, ID) ascending.
type Event struct {
	ID         int64     `json:"id"`
	ThreadID   string    `json:"thread_id"`
	EventType  EventType `json:"event_type"`
	MessageID  string    `json:"message_id,omitempty"`
	Text       string    `json:"text"`
	FromID     string    `json:"from_id,omitempty"`
	TS         int64     `json:"ts"`
	ReceivedAt time.Time `json:"received_at"`
}

// TriggerType selects the matching predicate a rule carries.
type TriggerType string

// Supported trigger types.
const (
	TriggerAny      TriggerType = "any"
	TriggerEquals   TriggerType = "equals"
	TriggerContains TriggerType = "contains"
	TriggerRegex    TriggerType = "regex"
)

// Template is a DM auto-reply rule.
type Template struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	TriggerType  TriggerType `json:"trigger_type"`
	TriggerValue string      `json:"trigger_value"`
	ReplyText    string      `json:"reply_text"`
	IsActive     bool        `json:"is_active"`
}

// CommentTrigger is a comment auto-reply rule carrying both a public reply
// and a private DM reply.
type CommentTrigger struct {
	ID              int64       `json:"id"`
	Name            string      `json:"name"`
	TriggerType     TriggerType `json:"trigger_type"`
	TriggerValue    string      `json:"trigger_value"`
	PublicReplyText string      `json:"public_reply_text"`
	DMReplyText     string      `json:"dm_reply_text"`
	IsActive        bool        `json:"is_active"`
}

// Rule is the trigger-matcher view of a Template or CommentTrigger.
type Rule struct {
	ID    int64
	Type  TriggerType
	Value string
}

// Rule returns the matcher view of a template.
func (t Template) Rule() Rule {
	return Rule{ID: t.ID, Type: t.TriggerType, Value: t.TriggerValue}
}

// Rule returns the matcher view of a comment trigger.
func (c CommentTrigger) Rule() Rule {
	return Rule{ID: c.ID, Type: c.TriggerType, Value: c.TriggerValue}
}

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

// Outbox lifecycle: rows are created pending and transition exactly once to
// sent or failed. Failed sends are never retried automatically.
const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEntry records one attempted outbound send.
type OutboxEntry struct {
	ID        int64        `json:"id"`
	ThreadID  string       `json:"thread_id"`
	Text      string       `json:"text"`
	Status    OutboxStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	SentAt    *time.Time   `json:"sent_at,omitempty"`
}

// CommentThreadPrefix marks synthetic thread ids derived from a comment id.
const CommentThreadPrefix = "comment:"
