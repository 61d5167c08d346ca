// Package graph wraps the Meta Graph API send operations used by the bot.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"instareply/internal/metrics"
)

// requestTimeout bounds every outbound call. No retries are performed here;
// a failure is recorded by the caller and never reattempted.
const requestTimeout = 20 * time.Second

// Config carries the credentials and endpoint selection for the client.
// An empty BusinessID selects the page-scoped /me/messages endpoint;
// otherwise DMs are sent through /<business-id>/messages.
type Config struct {
	BaseURL     string
	APIVersion  string
	AccessToken string
	BusinessID  string
}

// Client issues Graph API sends. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Result is the uniform outcome of one send attempt. Expected failure modes
// (missing credentials, non-2xx responses, network errors) are captured in
// the result rather than returned as Go errors.
type Result struct {
	OK         bool
	StatusCode int
	Body       map[string]any
	Err        string
}

// MessageID extracts the external id of the sent message from the response
// body, if the API returned one.
func (r Result) MessageID() string {
	if r.Body == nil {
		return ""
	}
	for _, key := range []string{"message_id", "id"} {
		if v, ok := r.Body[key].(string); ok {
			return v
		}
	}
	return ""
}

// New builds a client with the fixed request timeout.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// SendDM posts a direct message to the given recipient.
func (c *Client) SendDM(ctx context.Context, recipientID, text string) Result {
	endpoint := "me/messages"
	if c.cfg.BusinessID != "" {
		endpoint = c.cfg.BusinessID + "/messages"
	}
	payload := map[string]any{
		"recipient": map[string]any{"id": recipientID},
		"message":   map[string]any{"text": text},
	}
	return c.post(ctx, "send_dm", endpoint, payload)
}

// SendPublicCommentReply posts a visible reply under the given comment.
func (c *Client) SendPublicCommentReply(ctx context.Context, commentID, text string) Result {
	payload := map[string]any{"message": text}
	return c.post(ctx, "public_comment_reply", commentID+"/replies", payload)
}

// SendPrivateCommentReply sends a DM addressed through the comment's
// private-reply mechanism.
func (c *Client) SendPrivateCommentReply(ctx context.Context, commentID, text string) Result {
	endpoint := "me/messages"
	if c.cfg.BusinessID != "" {
		endpoint = c.cfg.BusinessID + "/messages"
	}
	payload := map[string]any{
		"recipient": map[string]any{"comment_id": commentID},
		"message":   map[string]any{"text": text},
	}
	return c.post(ctx, "private_comment_reply", endpoint, payload)
}

func (c *Client) post(ctx context.Context, operation, endpoint string, payload any) Result {
	if c.cfg.AccessToken == "" {
		metrics.GraphAPICalls.WithLabelValues(operation, "config_error").Inc()
		return Result{OK: false, Err: "PAGE_ACCESS_TOKEN not configured"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		metrics.GraphAPICalls.WithLabelValues(operation, "error").Inc()
		return Result{OK: false, Err: fmt.Sprintf("encode payload: %v", err)}
	}

	url := fmt.Sprintf("%s/%s/%s?access_token=%s",
		c.cfg.BaseURL, c.cfg.APIVersion, endpoint, c.cfg.AccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		metrics.GraphAPICalls.WithLabelValues(operation, "error").Inc()
		return Result{OK: false, Err: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.GraphAPICallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("graph api call failed",
			slog.String("operation", operation),
			slog.String("error", err.Error()),
		)
		metrics.GraphAPICalls.WithLabelValues(operation, "network_error").Inc()
		return Result{OK: false, Err: err.Error()}
	}
	defer resp.Body.Close()

	var respBody map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&respBody)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("graph api call rejected",
			slog.String("operation", operation),
			slog.Int("status_code", resp.StatusCode),
		)
		metrics.GraphAPICalls.WithLabelValues(operation, "http_error").Inc()
		return Result{
			OK:         false,
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Err:        fmt.Sprintf("graph api returned %d", resp.StatusCode),
		}
	}

	slog.Info("graph api call succeeded",
		slog.String("operation", operation),
		slog.Int("status_code", resp.StatusCode),
	)
	metrics.GraphAPICalls.WithLabelValues(operation, "success").Inc()
	return Result{OK: true, StatusCode: resp.StatusCode, Body: respBody}
}
