package pipeline

import (
	"context"
	"testing"

	"instareply/internal/graph"
	"instareply/internal/model"
	"instareply/internal/storage"
	"instareply/internal/trigger"
)

type fakeSender struct {
	dmCalls      []string
	publicCalls  []string
	privateCalls []string

	dmResult      graph.Result
	publicResult  graph.Result
	privateResult graph.Result
}

func okResult(id string) graph.Result {
	return graph.Result{OK: true, StatusCode: 200, Body: map[string]any{"message_id": id}}
}

func (f *fakeSender) SendDM(_ context.Context, recipientID, text string) graph.Result {
	f.dmCalls = append(f.dmCalls, recipientID+"|"+text)
	return f.dmResult
}

func (f *fakeSender) SendPublicCommentReply(_ context.Context, commentID, text string) graph.Result {
	f.publicCalls = append(f.publicCalls, commentID+"|"+text)
	return f.publicResult
}

func (f *fakeSender) SendPrivateCommentReply(_ context.Context, commentID, text string) graph.Result {
	f.privateCalls = append(f.privateCalls, commentID+"|"+text)
	return f.privateResult
}

func newTestProcessor(t *testing.T, sender Sender) (*Processor, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewProcessor(store, sender, trigger.Options{}, 4), store
}

func messagingPayload(senderID, text string) Envelope {
	return Envelope{
		Object: "instagram",
		Entry: []Entry{{
			Messaging: []MessagingEvent{{
				Sender:    IDRef{ID: senderID},
				Recipient: IDRef{ID: "page_1"},
				Timestamp: 1710000000,
				Message:   &Message{MID: "mid_1", Text: text},
			}},
		}},
	}
}

func commentPayload(commentID, commenterID, text string) Envelope {
	return Envelope{
		Object: "instagram",
		Entry: []Entry{{
			Changes: []ChangeEvent{{
				Field: "comments",
				Value: ChangeValue{ID: commentID, Text: text, From: IDRef{ID: commenterID}},
			}},
		}},
	}
}

func eventTypes(t *testing.T, store storage.Store, threadID string) []model.EventType {
	t.Helper()
	events, err := store.GetThreadEvents(context.Background(), threadID)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	var types []model.EventType
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func TestMessageWithMatchSendsExactlyOneReply(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{dmResult: okResult("m_out_1")}
	p, store := newTestProcessor(t, sender)

	tpl := model.Template{
		Name: "Greeting", TriggerType: model.TriggerContains,
		TriggerValue: "salam", ReplyText: "Salam! Necə kömək edə bilərik?", IsActive: true,
	}
	if err := store.CreateTemplate(ctx, &tpl); err != nil {
		t.Fatalf("create template: %v", err)
	}

	p.Process(ctx, messagingPayload("111", "Salam"))

	if len(sender.dmCalls) != 1 {
		t.Fatalf("expected 1 DM call, got %d", len(sender.dmCalls))
	}

	types := eventTypes(t, store, "111")
	want := []model.EventType{model.EventMessageIn, model.EventMessageOut}
	if len(types) != 2 || types[0] != want[0] || types[1] != want[1] {
		t.Fatalf("event types = %v, want %v", types, want)
	}

	entry, err := store.GetLatestOutboxForThread(ctx, "111")
	if err != nil {
		t.Fatalf("get outbox: %v", err)
	}
	if entry == nil || entry.Status != model.OutboxSent {
		t.Fatalf("expected one sent outbox row, got %+v", entry)
	}

	events, _ := store.GetThreadEvents(ctx, "111")
	if events[1].MessageID != "m_out_1" {
		t.Errorf("message_out should carry external id, got %q", events[1].MessageID)
	}

	// The reply becomes the thread's latest message.
	threads, _ := store.ListThreads(ctx)
	if len(threads) != 1 || threads[0].LastMessage != tpl.ReplyText {
		t.Errorf("thread last_message = %q, want reply text", threads[0].LastMessage)
	}
}

func TestMessageWithoutMatchStoresEventOnly(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{dmResult: okResult("m1")}
	p, store := newTestProcessor(t, sender)

	tpl := model.Template{
		Name: "Promo", TriggerType: model.TriggerContains,
		TriggerValue: "promo", ReplyText: "x", IsActive: true,
	}
	if err := store.CreateTemplate(ctx, &tpl); err != nil {
		t.Fatalf("create template: %v", err)
	}

	p.Process(ctx, messagingPayload("111", "hello"))

	if len(sender.dmCalls) != 0 {
		t.Fatalf("no DM should be sent, got %d calls", len(sender.dmCalls))
	}
	types := eventTypes(t, store, "111")
	if len(types) != 1 || types[0] != model.EventMessageIn {
		t.Fatalf("event types = %v, want [message_in]", types)
	}
	if entry, _ := store.GetLatestOutboxForThread(ctx, "111"); entry != nil {
		t.Fatalf("no outbox row expected, got %+v", entry)
	}
}

func TestFailedSendIsRecordedNotRetried(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{dmResult: graph.Result{OK: false, Err: "graph api returned 400"}}
	p, store := newTestProcessor(t, sender)

	tpl := model.Template{
		Name: "Any", TriggerType: model.TriggerAny, ReplyText: "hi", IsActive: true,
	}
	if err := store.CreateTemplate(ctx, &tpl); err != nil {
		t.Fatalf("create template: %v", err)
	}

	p.Process(ctx, messagingPayload("111", "whatever"))

	if len(sender.dmCalls) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", len(sender.dmCalls))
	}
	entry, _ := store.GetLatestFailedOutbox(ctx, "111")
	if entry == nil {
		t.Fatal("expected a failed outbox row")
	}
	if entry.Error != "graph api returned 400" {
		t.Errorf("outbox error = %q", entry.Error)
	}
	if entry.SentAt == nil {
		t.Error("terminal outbox row should carry sent_at")
	}
}

func TestCommentMatchSendsBothReplies(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{publicResult: okResult("r1"), privateResult: okResult("m1")}
	p, store := newTestProcessor(t, sender)

	trig := model.CommentTrigger{
		Name: "Promo", TriggerType: model.TriggerContains, TriggerValue: "promo",
		PublicReplyText: "Check your DM", DMReplyText: "Here is your promo code",
		IsActive: true,
	}
	if err := store.CreateCommentTrigger(ctx, &trig); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	p.Process(ctx, commentPayload("cmt_1", "user_1", "send promo please"))

	if len(sender.publicCalls) != 1 || len(sender.privateCalls) != 1 {
		t.Fatalf("calls public=%d private=%d, want 1/1", len(sender.publicCalls), len(sender.privateCalls))
	}

	types := eventTypes(t, store, "user_1")
	want := []model.EventType{model.EventCommentIn, model.EventCommentPublicReply, model.EventDMOutPrivateReply}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}

	outbox, _ := store.ListOutbox(ctx, "user_1", 10)
	if len(outbox) != 2 {
		t.Fatalf("expected 2 outbox rows, got %d", len(outbox))
	}
}

func TestPublicReplyFailureDoesNotBlockPrivateReply(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{
		publicResult:  graph.Result{OK: false, Err: "graph api returned 500"},
		privateResult: okResult("m1"),
	}
	p, store := newTestProcessor(t, sender)

	trig := model.CommentTrigger{
		Name: "Promo", TriggerType: model.TriggerContains, TriggerValue: "promo",
		PublicReplyText: "public", DMReplyText: "private", IsActive: true,
	}
	if err := store.CreateCommentTrigger(ctx, &trig); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	p.Process(ctx, commentPayload("cmt_1", "user_1", "promo"))

	if len(sender.privateCalls) != 1 {
		t.Fatal("private reply must still be attempted after public failure")
	}

	outbox, _ := store.ListOutbox(ctx, "user_1", 10)
	if len(outbox) != 2 {
		t.Fatalf("expected 2 outbox rows, got %d", len(outbox))
	}
	// Newest first: private (sent), then public (failed).
	if outbox[0].Status != model.OutboxSent || outbox[1].Status != model.OutboxFailed {
		t.Errorf("outbox statuses = %s,%s want sent,failed", outbox[0].Status, outbox[1].Status)
	}

	types := eventTypes(t, store, "user_1")
	if len(types) != 3 {
		t.Fatalf("both reply events should be written, got %v", types)
	}
}

func TestCommentWithoutCommenterUsesSyntheticThread(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	p, store := newTestProcessor(t, sender)

	p.Process(ctx, commentPayload("cmt_9", "", "nice post"))

	types := eventTypes(t, store, "comment:cmt_9")
	if len(types) != 1 || types[0] != model.EventCommentIn {
		t.Fatalf("event types = %v, want [comment_in]", types)
	}
}

func TestMessagingEventWithoutSenderOrTextIsSkipped(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	p, store := newTestProcessor(t, sender)

	env := Envelope{
		Object: "instagram",
		Entry: []Entry{{
			Messaging: []MessagingEvent{
				{Recipient: IDRef{ID: "page_1"}, Message: &Message{Text: "no sender"}},
				{Sender: IDRef{ID: "111"}, Message: &Message{}},
				{Sender: IDRef{ID: "111"}},
			},
		}},
	}
	p.Process(ctx, env)

	threads, _ := store.ListThreads(ctx)
	if len(threads) != 0 {
		t.Fatalf("no threads expected, got %d", len(threads))
	}
}

func TestUnexpectedObjectIsDropped(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	p, store := newTestProcessor(t, sender)

	env := messagingPayload("111", "Salam")
	env.Object = "whatsapp_business_account"
	p.Process(ctx, env)

	threads, _ := store.ListThreads(ctx)
	if len(threads) != 0 {
		t.Fatalf("payload should be dropped, got %d threads", len(threads))
	}
}

func TestNonCommentChangeIsIgnored(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	p, store := newTestProcessor(t, sender)

	env := Envelope{
		Object: "instagram",
		Entry: []Entry{{
			Changes: []ChangeEvent{{
				Field: "mentions",
				Value: ChangeValue{ID: "m_1", Text: "mention text", From: IDRef{ID: "u_2"}},
			}},
		}},
	}
	p.Process(ctx, env)

	threads, _ := store.ListThreads(ctx)
	if len(threads) != 0 {
		t.Fatalf("mentions should not create threads, got %d", len(threads))
	}
}

func TestManualSendRoutesByThreadKey(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{dmResult: okResult("m1"), publicResult: okResult("r1")}
	p, store := newTestProcessor(t, sender)

	outcome, err := p.ManualSend(ctx, "111", "operator reply")
	if err != nil {
		t.Fatalf("manual dm send: %v", err)
	}
	if outcome.Status != model.OutboxSent {
		t.Errorf("dm outcome = %+v", outcome)
	}
	if len(sender.dmCalls) != 1 {
		t.Fatalf("expected DM call, got %d", len(sender.dmCalls))
	}

	outcome, err = p.ManualSend(ctx, "comment:cmt_1", "public answer")
	if err != nil {
		t.Fatalf("manual comment send: %v", err)
	}
	if outcome.Status != model.OutboxSent {
		t.Errorf("comment outcome = %+v", outcome)
	}
	if len(sender.publicCalls) != 1 {
		t.Fatalf("expected public reply call, got %d", len(sender.publicCalls))
	}
	if got := sender.publicCalls[0]; got != "cmt_1|public answer" {
		t.Errorf("public call = %q", got)
	}

	// Manual sends leave the same audit trail as automated ones.
	types := eventTypes(t, store, "comment:cmt_1")
	if len(types) != 1 || types[0] != model.EventCommentPublicReply {
		t.Fatalf("event types = %v, want [comment_public_reply]", types)
	}
}

func TestSubmitProcessesInBackground(t *testing.T) {
	sender := &fakeSender{}
	p, store := newTestProcessor(t, sender)

	p.Submit(messagingPayload("111", "Salam"))
	p.Wait()

	types := eventTypes(t, store, "111")
	if len(types) != 1 || types[0] != model.EventMessageIn {
		t.Fatalf("event types = %v, want [message_in]", types)
	}
}
