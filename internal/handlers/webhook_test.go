package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"instareply/internal/graph"
	"instareply/internal/model"
	"instareply/internal/pipeline"
	"instareply/internal/storage"
	"instareply/internal/trigger"
)

type stubSender struct {
	dmCalls int
}

func (s *stubSender) SendDM(context.Context, string, string) graph.Result {
	s.dmCalls++
	return graph.Result{OK: true, StatusCode: 200, Body: map[string]any{"message_id": "m_1"}}
}

func (s *stubSender) SendPublicCommentReply(context.Context, string, string) graph.Result {
	return graph.Result{OK: true, StatusCode: 200}
}

func (s *stubSender) SendPrivateCommentReply(context.Context, string, string) graph.Result {
	return graph.Result{OK: true, StatusCode: 200}
}

func newWebhookFixture(t *testing.T, verifyToken, appSecret string) (*WebhookHandler, *pipeline.Processor, storage.Store, *stubSender) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := &stubSender{}
	processor := pipeline.NewProcessor(store, sender, trigger.Options{}, 2)
	return NewWebhookHandler(verifyToken, appSecret, processor), processor, store, sender
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestVerifyHandshakeEchoesChallenge(t *testing.T) {
	h, _, _, _ := newWebhookFixture(t, "my-token", "")

	req := httptest.NewRequest("GET", "/webhook?hub.mode=subscribe&hub.verify_token=my-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	h.HandleVerify(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Errorf("body = %q, want raw challenge", rec.Body.String())
	}
}

func TestVerifyHandshakeRejectsWrongToken(t *testing.T) {
	h, _, _, _ := newWebhookFixture(t, "my-token", "")

	cases := []string{
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1",
		"/webhook?hub.mode=unsubscribe&hub.verify_token=my-token&hub.challenge=1",
		"/webhook",
	}
	for _, url := range cases {
		req := httptest.NewRequest("GET", url, nil)
		rec := httptest.NewRecorder()
		h.HandleVerify(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", url, rec.Code)
		}
	}
}

func TestVerifyHandshakeRejectsWhenTokenUnset(t *testing.T) {
	h, _, _, _ := newWebhookFixture(t, "", "")

	req := httptest.NewRequest("GET", "/webhook?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil)
	rec := httptest.NewRecorder()
	h.HandleVerify(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 when no verify token is configured", rec.Code)
	}
}

func TestHeadProbeIsAccepted(t *testing.T) {
	h, _, _, _ := newWebhookFixture(t, "my-token", "")

	req := httptest.NewRequest("HEAD", "/webhook", nil)
	rec := httptest.NewRecorder()
	h.HandleVerify(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestDeliveryProcessesMessagingEvent(t *testing.T) {
	h, processor, store, sender := newWebhookFixture(t, "", "secret")

	body, _ := json.Marshal(map[string]any{
		"object": "instagram",
		"entry": []map[string]any{{
			"messaging": []map[string]any{{
				"sender":    map[string]any{"id": "111"},
				"recipient": map[string]any{"id": "page_1"},
				"timestamp": 1710000000,
				"message":   map[string]any{"mid": "mid_1", "text": "Salam"},
			}},
		}},
	})

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("secret", body))
	rec := httptest.NewRecorder()
	h.HandleDelivery(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if out := decodeBody(t, rec); out["ok"] != true || out["ignored"] != nil {
		t.Fatalf("body = %v, want plain ok", out)
	}

	processor.Wait()

	events, err := store.GetThreadEvents(context.Background(), "111")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != model.EventMessageIn {
		t.Fatalf("events = %+v, want one message_in", events)
	}
	if sender.dmCalls != 0 {
		t.Errorf("no templates configured, but %d DM calls were made", sender.dmCalls)
	}
}

func TestDeliveryWithBadSignatureIsAckedButIgnored(t *testing.T) {
	h, processor, store, _ := newWebhookFixture(t, "", "secret")

	body := []byte(`{"object":"instagram","entry":[{"messaging":[{"sender":{"id":"111"},"message":{"text":"hi"}}]}]}`)
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	h.HandleDelivery(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, rejected payloads must still be acknowledged", rec.Code)
	}
	if out := decodeBody(t, rec); out["ignored"] != "invalid_signature" {
		t.Fatalf("body = %v, want ignored=invalid_signature", out)
	}

	processor.Wait()
	events, _ := store.GetThreadEvents(context.Background(), "111")
	if len(events) != 0 {
		t.Fatalf("unverified payload must not be processed, got %d events", len(events))
	}
}

func TestDeliveryWithoutSecretSkipsVerification(t *testing.T) {
	h, processor, store, _ := newWebhookFixture(t, "", "")

	body := []byte(`{"object":"instagram","entry":[{"messaging":[{"sender":{"id":"111"},"message":{"mid":"m","text":"hi"}}]}]}`)
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleDelivery(rec, req)

	if out := decodeBody(t, rec); out["ok"] != true || out["ignored"] != nil {
		t.Fatalf("body = %v, want plain ok without a configured secret", out)
	}

	processor.Wait()
	events, _ := store.GetThreadEvents(context.Background(), "111")
	if len(events) != 1 {
		t.Fatalf("expected payload to be processed, got %d events", len(events))
	}
}

func TestDeliveryWithInvalidJSONIsAcked(t *testing.T) {
	h, _, _, _ := newWebhookFixture(t, "", "")

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.HandleDelivery(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if out := decodeBody(t, rec); out["ignored"] != "invalid_json" {
		t.Fatalf("body = %v, want ignored=invalid_json", out)
	}
}

func TestVerifySignature(t *testing.T) {
	h := &WebhookHandler{appSecret: "secret"}
	body := []byte(`{"object":"instagram"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid with prefix", sign("secret", body), true},
		{"valid without prefix", sign("secret", body)[len("sha256="):], true},
		{"wrong secret", sign("other", body), false},
		{"garbage", "sha256=zzzz", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.verifySignature(body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLastPayloadEndpoint(t *testing.T) {
	h, _, _, _ := newWebhookFixture(t, "", "")

	rec := httptest.NewRecorder()
	h.HandleLastPayload(rec, httptest.NewRequest("GET", "/debug/last_webhook", nil))
	if out := decodeBody(t, rec); out["payload"] != nil {
		t.Fatalf("empty ring should serve null payload, got %v", out)
	}

	body := []byte(`{"object":"instagram","entry":[]}`)
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	h.HandleDelivery(httptest.NewRecorder(), req)

	rec = httptest.NewRecorder()
	h.HandleLastPayload(rec, httptest.NewRequest("GET", "/debug/last_webhook", nil))
	out := decodeBody(t, rec)
	if out["payload"] == nil || out["received_at"] == nil {
		t.Fatalf("expected stored payload with timestamp, got %v", out)
	}
}
