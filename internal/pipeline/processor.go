// Package pipeline processes parsed webhook payloads: persistence, trigger
// matching and auto-reply delivery.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"instareply/internal/graph"
	"instareply/internal/metrics"
	"instareply/internal/model"
	"instareply/internal/storage"
	"instareply/internal/trigger"
)

// Sender is the outbound gateway surface the processor depends on.
// *graph.Client implements it; tests substitute fakes.
type Sender interface {
	SendDM(ctx context.Context, recipientID, text string) graph.Result
	SendPublicCommentReply(ctx context.Context, commentID, text string) graph.Result
	SendPrivateCommentReply(ctx context.Context, commentID, text string) graph.Result
}

// Processor owns the post-acknowledgement half of the webhook pipeline. It
// is stateless between payloads; the store is the only shared resource.
type Processor struct {
	store     storage.Store
	sender    Sender
	matchOpts trigger.Options
	ring      *PayloadRing

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewProcessor builds a processor with a bounded pool of maxInFlight
// background tasks.
func NewProcessor(store storage.Store, sender Sender, matchOpts trigger.Options, maxInFlight int) *Processor {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Processor{
		store:     store,
		sender:    sender,
		matchOpts: matchOpts,
		ring:      NewPayloadRing(50),
		slots:     make(chan struct{}, maxInFlight),
	}
}

// Ring exposes the recent-payload buffer for the debug endpoint.
func (p *Processor) Ring() *PayloadRing {
	return p.ring
}

// Submit schedules a payload for background processing so the webhook
// handler can acknowledge immediately. Once dispatched, processing runs to
// completion independently of the originating request.
func (p *Processor) Submit(env Envelope) {
	p.slots <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		p.Process(context.Background(), env)
	}()
}

// Wait blocks until all submitted payloads have been processed.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Process handles one parsed payload synchronously. A failure in one
// sub-event never aborts its siblings.
func (p *Processor) Process(ctx context.Context, env Envelope) {
	if env.Object != "instagram" && env.Object != "page" {
		slog.Debug("dropping payload with unexpected object", slog.String("object", env.Object))
		return
	}

	for _, entry := range env.Entry {
		for _, msg := range entry.Messaging {
			p.handleMessagingEvent(ctx, msg)
		}
		for _, change := range entry.Changes {
			p.handleChangeEvent(ctx, change)
		}
	}
}

func (p *Processor) handleMessagingEvent(ctx context.Context, event MessagingEvent) {
	senderID := event.Sender.ID
	if senderID == "" || event.Message == nil || event.Message.Text == "" {
		return
	}
	text := event.Message.Text
	ts := event.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}

	if err := p.store.UpsertThread(ctx, senderID, text, ts); err != nil {
		slog.Error("thread upsert failed", slog.String("thread_id", senderID), slog.String("error", err.Error()))
		metrics.WebhookEventsProcessed.WithLabelValues(string(model.EventMessageIn), "store_error").Inc()
		return
	}
	if err := p.insertEvent(ctx, model.Event{
		ThreadID:  senderID,
		EventType: model.EventMessageIn,
		MessageID: event.Message.MID,
		Text:      text,
		FromID:    senderID,
		TS:        ts,
	}); err != nil {
		// The inbound event is the anchor of the audit trail; without it
		// no reply is attempted.
		return
	}
	metrics.WebhookEventsProcessed.WithLabelValues(string(model.EventMessageIn), "stored").Inc()

	tpl, err := p.FindFirstMatchingTemplate(ctx, text)
	if err != nil {
		slog.Error("template lookup failed", slog.String("error", err.Error()))
		return
	}
	if tpl == nil {
		metrics.TriggerMatches.WithLabelValues("dm", "no_match").Inc()
		return
	}
	metrics.TriggerMatches.WithLabelValues("dm", "match").Inc()

	p.sendAutoReply(ctx, senderID, tpl.ReplyText)
}

func (p *Processor) handleChangeEvent(ctx context.Context, change ChangeEvent) {
	if change.Field != "comments" {
		slog.Debug("ignoring change event", slog.String("field", change.Field))
		return
	}
	commentID := change.Value.CommentIDValue()
	if commentID == "" {
		return
	}
	text := change.Value.Text
	commenterID := change.Value.From.ID

	threadID := commenterID
	if threadID == "" {
		threadID = model.CommentThreadPrefix + commentID
	}
	ts := time.Now().Unix()

	if err := p.store.UpsertThread(ctx, threadID, text, ts); err != nil {
		slog.Error("thread upsert failed", slog.String("thread_id", threadID), slog.String("error", err.Error()))
		metrics.WebhookEventsProcessed.WithLabelValues(string(model.EventCommentIn), "store_error").Inc()
		return
	}
	if err := p.insertEvent(ctx, model.Event{
		ThreadID:  threadID,
		EventType: model.EventCommentIn,
		MessageID: commentID,
		Text:      text,
		FromID:    commenterID,
		TS:        ts,
	}); err != nil {
		return
	}
	metrics.WebhookEventsProcessed.WithLabelValues(string(model.EventCommentIn), "stored").Inc()

	trig, err := p.FindFirstMatchingCommentTrigger(ctx, text)
	if err != nil {
		slog.Error("comment trigger lookup failed", slog.String("error", err.Error()))
		return
	}
	if trig == nil {
		metrics.TriggerMatches.WithLabelValues("comment", "no_match").Inc()
		return
	}
	metrics.TriggerMatches.WithLabelValues("comment", "match").Inc()

	// The two replies are independent side effects: a failed public reply
	// never blocks the private one.
	p.sendCommentReply(ctx, threadID, commentID, trig.PublicReplyText, model.EventCommentPublicReply)
	p.sendCommentReply(ctx, threadID, commentID, trig.DMReplyText, model.EventDMOutPrivateReply)
}

// FindFirstMatchingTemplate combines the active-template list with the
// matching engine.
func (p *Processor) FindFirstMatchingTemplate(ctx context.Context, text string) (*model.Template, error) {
	templates, err := p.store.ListActiveTemplates(ctx)
	if err != nil {
		return nil, err
	}
	rules := make([]model.Rule, len(templates))
	for i, t := range templates {
		rules[i] = t.Rule()
	}
	match := trigger.FirstMatch(text, rules, p.matchOpts)
	if match == nil {
		return nil, nil
	}
	for i := range templates {
		if templates[i].ID == match.ID {
			return &templates[i], nil
		}
	}
	return nil, nil
}

// FindFirstMatchingCommentTrigger combines the active-trigger list with the
// matching engine.
func (p *Processor) FindFirstMatchingCommentTrigger(ctx context.Context, text string) (*model.CommentTrigger, error) {
	triggers, err := p.store.ListActiveCommentTriggers(ctx)
	if err != nil {
		return nil, err
	}
	rules := make([]model.Rule, len(triggers))
	for i, t := range triggers {
		rules[i] = t.Rule()
	}
	match := trigger.FirstMatch(text, rules, p.matchOpts)
	if match == nil {
		return nil, nil
	}
	for i := range triggers {
		if triggers[i].ID == match.ID {
			return &triggers[i], nil
		}
	}
	return nil, nil
}

// SendOutcome summarizes one outbound send for callers that need the result
// (the admin manual-send path).
type SendOutcome struct {
	OutboxID int64              `json:"outbox_id"`
	Status   model.OutboxStatus `json:"status"`
	Error    string             `json:"error,omitempty"`
}

// ManualSend delivers operator-written text through the same outbox path the
// automated replies use. Threads keyed by a synthetic comment id get a
// public comment reply; everything else gets a DM.
func (p *Processor) ManualSend(ctx context.Context, threadID, text string) (SendOutcome, error) {
	if commentID, ok := commentIDFromThread(threadID); ok {
		return p.sendCommentReply(ctx, threadID, commentID, text, model.EventCommentPublicReply)
	}
	return p.sendAutoReply(ctx, threadID, text)
}

func (p *Processor) sendAutoReply(ctx context.Context, threadID, replyText string) (SendOutcome, error) {
	outboxID, err := p.store.CreateOutbox(ctx, threadID, replyText)
	if err != nil {
		slog.Error("outbox create failed", slog.String("thread_id", threadID), slog.String("error", err.Error()))
		return SendOutcome{}, err
	}

	result := p.sender.SendDM(ctx, threadID, replyText)
	outcome := p.finishSend(ctx, outboxID, threadID, result)

	if err := p.insertEvent(ctx, model.Event{
		ThreadID:  threadID,
		EventType: model.EventMessageOut,
		MessageID: result.MessageID(),
		Text:      replyText,
		FromID:    "page",
		TS:        time.Now().Unix(),
	}); err == nil {
		metrics.WebhookEventsProcessed.WithLabelValues(string(model.EventMessageOut), "stored").Inc()
	}
	if err := p.store.UpsertThread(ctx, threadID, replyText, time.Now().Unix()); err != nil {
		slog.Error("thread upsert after reply failed", slog.String("thread_id", threadID), slog.String("error", err.Error()))
	}
	return outcome, nil
}

func (p *Processor) sendCommentReply(ctx context.Context, threadID, commentID, text string, eventType model.EventType) (SendOutcome, error) {
	outboxID, err := p.store.CreateOutbox(ctx, threadID, text)
	if err != nil {
		slog.Error("outbox create failed", slog.String("thread_id", threadID), slog.String("error", err.Error()))
		return SendOutcome{}, err
	}

	var result graph.Result
	if eventType == model.EventCommentPublicReply {
		result = p.sender.SendPublicCommentReply(ctx, commentID, text)
	} else {
		result = p.sender.SendPrivateCommentReply(ctx, commentID, text)
	}
	outcome := p.finishSend(ctx, outboxID, threadID, result)

	if err := p.insertEvent(ctx, model.Event{
		ThreadID:  threadID,
		EventType: eventType,
		MessageID: commentID,
		Text:      text,
		FromID:    "page",
		TS:        time.Now().Unix(),
	}); err == nil {
		metrics.WebhookEventsProcessed.WithLabelValues(string(eventType), "stored").Inc()
	}
	return outcome, nil
}

// finishSend records the terminal outbox status for one attempt. Failures
// are terminal; nothing retries them.
func (p *Processor) finishSend(ctx context.Context, outboxID int64, threadID string, result graph.Result) SendOutcome {
	now := time.Now().UTC()
	status := model.OutboxSent
	errText := ""
	if !result.OK {
		status = model.OutboxFailed
		errText = result.Err
		slog.Warn("outbound send failed",
			slog.String("thread_id", threadID),
			slog.Int64("outbox_id", outboxID),
			slog.String("error", errText),
		)
	}
	if err := p.store.UpdateOutbox(ctx, outboxID, status, errText, &now); err != nil {
		slog.Error("outbox update failed", slog.Int64("outbox_id", outboxID), slog.String("error", err.Error()))
	}
	metrics.OutboxEntries.WithLabelValues(string(status)).Inc()
	return SendOutcome{OutboxID: outboxID, Status: status, Error: errText}
}

func (p *Processor) insertEvent(ctx context.Context, e model.Event) error {
	if err := p.store.InsertEvent(ctx, &e); err != nil {
		slog.Error("event insert failed",
			slog.String("thread_id", e.ThreadID),
			slog.String("event_type", string(e.EventType)),
			slog.String("error", err.Error()),
		)
		metrics.EventsStored.WithLabelValues(string(e.EventType), "error").Inc()
		return err
	}
	metrics.EventsStored.WithLabelValues(string(e.EventType), "success").Inc()
	return nil
}

func commentIDFromThread(threadID string) (string, bool) {
	if len(threadID) > len(model.CommentThreadPrefix) &&
		threadID[:len(model.CommentThreadPrefix)] == model.CommentThreadPrefix {
		return threadID[len(model.CommentThreadPrefix):], true
	}
	return "", false
}
