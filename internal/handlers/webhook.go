// Package handlers contains the HTTP surface: webhook ingestion, the admin
// API and the debug endpoint.
package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"instareply/internal/metrics"
	"instareply/internal/pipeline"
)

// WebhookHandler terminates Meta webhook traffic. Deliveries are
// acknowledged with 200 before processing; Meta retries on anything else,
// so even rejected payloads are answered with an ok body.
type WebhookHandler struct {
	verifyToken string
	appSecret   string
	processor   *pipeline.Processor
}

func NewWebhookHandler(verifyToken, appSecret string, processor *pipeline.Processor) *WebhookHandler {
	return &WebhookHandler{
		verifyToken: verifyToken,
		appSecret:   appSecret,
		processor:   processor,
	}
}

// HandleVerify answers the hub.challenge handshake Meta performs when the
// webhook subscription is created.
func (h *WebhookHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && h.verifyToken != "" && token == h.verifyToken {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}

	slog.Warn("webhook verification rejected", slog.String("mode", mode))
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// HandleDelivery ingests one webhook POST. The body is acknowledged
// immediately and processed by the background pool.
func (h *WebhookHandler) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read webhook body", slog.String("error", err.Error()))
		metrics.WebhooksReceived.WithLabelValues("read_error").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": "invalid_json"})
		return
	}
	defer r.Body.Close()

	if !h.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		slog.Warn("webhook signature mismatch", slog.Int("body_bytes", len(body)))
		metrics.WebhooksReceived.WithLabelValues("invalid_signature").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": "invalid_signature"})
		return
	}

	var env pipeline.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Warn("webhook body is not valid JSON", slog.String("error", err.Error()))
		metrics.WebhooksReceived.WithLabelValues("invalid_json").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": "invalid_json"})
		return
	}

	h.processor.Ring().Add(json.RawMessage(body))
	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()

	h.processor.Submit(env)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleLastPayload serves the most recent raw deliveries for debugging.
func (h *WebhookHandler) HandleLastPayload(w http.ResponseWriter, r *http.Request) {
	last := h.processor.Ring().Last()
	if last == nil {
		writeJSON(w, http.StatusOK, map[string]any{"payload": nil})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// verifySignature checks the X-Hub-Signature-256 header against the raw
// body. When no app secret is configured, verification is skipped entirely
// so local setups work without one.
func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if h.appSecret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
