package pipeline

import (
	"encoding/json"
	"sync"
	"time"
)

// StoredPayload is one raw webhook delivery kept for debugging.
type StoredPayload struct {
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// PayloadRing is a bounded, mutex-protected buffer of recent raw webhook
// payloads. When full, the oldest entry is evicted. It is owned by the
// Processor, not a package-level singleton.
type PayloadRing struct {
	mu      sync.Mutex
	limit   int
	entries []StoredPayload
}

// NewPayloadRing builds a ring holding at most limit payloads.
func NewPayloadRing(limit int) *PayloadRing {
	if limit < 1 {
		limit = 1
	}
	return &PayloadRing{limit: limit}
}

// Add records a payload, evicting the oldest entry when at capacity.
func (r *PayloadRing) Add(raw json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := StoredPayload{ReceivedAt: time.Now().UTC(), Payload: raw}
	if len(r.entries) >= r.limit {
		r.entries = append(r.entries[1:], entry)
		return
	}
	r.entries = append(r.entries, entry)
}

// Last returns the most recent payload, or nil when none was recorded.
func (r *PayloadRing) Last() *StoredPayload {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return nil
	}
	last := r.entries[len(r.entries)-1]
	return &last
}

// Recent returns up to n payloads, newest first.
func (r *PayloadRing) Recent(n int) []StoredPayload {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]StoredPayload, 0, n)
	for i := len(r.entries) - 1; i >= len(r.entries)-n; i-- {
		out = append(out, r.entries[i])
	}
	return out
}
