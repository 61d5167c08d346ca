package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"instareply/internal/model"
	"instareply/internal/pipeline"
	"instareply/internal/storage"
	"instareply/internal/trigger"
)

const defaultOutboxLimit = 50

// AdminHandler serves the operator API: thread inspection, reply-rule
// management and manual sends.
type AdminHandler struct {
	store     storage.Store
	processor *pipeline.Processor
}

func NewAdminHandler(store storage.Store, processor *pipeline.Processor) *AdminHandler {
	return &AdminHandler{store: store, processor: processor}
}

// Register wires all admin routes onto the given (sub)router.
func (h *AdminHandler) Register(r *mux.Router) {
	r.HandleFunc("/threads", h.ListThreads).Methods("GET")
	r.HandleFunc("/threads/{id}/events", h.ListThreadEvents).Methods("GET")
	r.HandleFunc("/threads/{id}/outbox", h.ListThreadOutbox).Methods("GET")

	r.HandleFunc("/templates", h.ListTemplates).Methods("GET")
	r.HandleFunc("/templates", h.CreateTemplate).Methods("POST")
	r.HandleFunc("/templates/{id}/toggle", h.ToggleTemplate).Methods("POST")
	r.HandleFunc("/templates/{id}", h.DeleteTemplate).Methods("DELETE")

	r.HandleFunc("/comment-triggers", h.ListCommentTriggers).Methods("GET")
	r.HandleFunc("/comment-triggers", h.CreateCommentTrigger).Methods("POST")
	r.HandleFunc("/comment-triggers/{id}/toggle", h.ToggleCommentTrigger).Methods("POST")
	r.HandleFunc("/comment-triggers/{id}", h.DeleteCommentTrigger).Methods("DELETE")

	r.HandleFunc("/send", h.Send).Methods("POST")
}

func (h *AdminHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := h.store.ListThreads(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list threads", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (h *AdminHandler) ListThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	events, err := h.store.GetThreadEvents(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "events": events})
}

func (h *AdminHandler) ListThreadOutbox(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["id"]
	limit := defaultOutboxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := h.store.ListOutbox(r.Context(), threadID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list outbox", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": threadID, "outbox": entries})
}

type templateRequest struct {
	Name         string `json:"name"`
	TriggerType  string `json:"trigger_type"`
	TriggerValue string `json:"trigger_value"`
	ReplyText    string `json:"reply_text"`
}

func (h *AdminHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list templates", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (h *AdminHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.Name == "" || req.ReplyText == "" {
		writeError(w, http.StatusBadRequest, "name and reply_text are required", nil)
		return
	}
	triggerType := model.TriggerType(req.TriggerType)
	if msg := validateRule(triggerType, req.TriggerValue); msg != "" {
		writeError(w, http.StatusBadRequest, msg, nil)
		return
	}

	tpl := model.Template{
		Name:         req.Name,
		TriggerType:  triggerType,
		TriggerValue: req.TriggerValue,
		ReplyText:    req.ReplyText,
		IsActive:     true,
	}
	if err := h.store.CreateTemplate(r.Context(), &tpl); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create template", err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *AdminHandler) ToggleTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.ToggleTemplate(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle template", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (h *AdminHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteTemplate(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete template", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

type commentTriggerRequest struct {
	Name            string `json:"name"`
	TriggerType     string `json:"trigger_type"`
	TriggerValue    string `json:"trigger_value"`
	PublicReplyText string `json:"public_reply_text"`
	DMReplyText     string `json:"dm_reply_text"`
}

func (h *AdminHandler) ListCommentTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.store.ListCommentTriggers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list comment triggers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comment_triggers": triggers})
}

func (h *AdminHandler) CreateCommentTrigger(w http.ResponseWriter, r *http.Request) {
	var req commentTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.Name == "" || (req.PublicReplyText == "" && req.DMReplyText == "") {
		writeError(w, http.StatusBadRequest, "name and at least one reply text are required", nil)
		return
	}
	triggerType := model.TriggerType(req.TriggerType)
	if msg := validateRule(triggerType, req.TriggerValue); msg != "" {
		writeError(w, http.StatusBadRequest, msg, nil)
		return
	}

	trig := model.CommentTrigger{
		Name:            req.Name,
		TriggerType:     triggerType,
		TriggerValue:    req.TriggerValue,
		PublicReplyText: req.PublicReplyText,
		DMReplyText:     req.DMReplyText,
		IsActive:        true,
	}
	if err := h.store.CreateCommentTrigger(r.Context(), &trig); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create comment trigger", err)
		return
	}
	writeJSON(w, http.StatusCreated, trig)
}

func (h *AdminHandler) ToggleCommentTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.ToggleCommentTrigger(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle comment trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (h *AdminHandler) DeleteCommentTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteCommentTrigger(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete comment trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

type sendRequest struct {
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
}

// Send delivers operator-written text to a thread through the outbox.
func (h *AdminHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.ThreadID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "thread_id and text are required", nil)
		return
	}

	outcome, err := h.processor.ManualSend(r.Context(), req.ThreadID, req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record send", err)
		return
	}
	status := http.StatusOK
	if outcome.Status == model.OutboxFailed {
		// The attempt is recorded either way; surface the delivery failure.
		status = http.StatusBadGateway
	}
	writeJSON(w, status, outcome)
}

// validateRule returns a client-facing message when the rule is unusable,
// or "" when it is fine.
func validateRule(t model.TriggerType, value string) string {
	if !trigger.ValidateType(t) {
		return "trigger_type must be one of: any, equals, contains, regex"
	}
	if t == model.TriggerRegex {
		if err := trigger.ValidateRegex(value); err != nil {
			return "trigger_value is not a valid regex: " + err.Error()
		}
	}
	return ""
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer", err)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		slog.Error(msg, slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
