package pipeline

// Envelope is the top-level webhook payload. Only "instagram" and "page"
// objects are processed; anything else is acknowledged and dropped.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one page/account entry carrying messaging and change sub-events.
type Entry struct {
	ID        string           `json:"id"`
	Messaging []MessagingEvent `json:"messaging"`
	Changes   []ChangeEvent    `json:"changes"`
}

// IDRef wraps the {"id": ...} objects the Graph API uses for parties.
type IDRef struct {
	ID string `json:"id"`
}

// MessagingEvent is one inbound DM event.
type MessagingEvent struct {
	Sender    IDRef    `json:"sender"`
	Recipient IDRef    `json:"recipient"`
	Timestamp int64    `json:"timestamp"`
	Message   *Message `json:"message"`
}

// Message is the text body of a messaging event.
type Message struct {
	MID  string `json:"mid"`
	Text string `json:"text"`
}

// ChangeEvent is one "changes" sub-event; only field "comments" is acted on.
type ChangeEvent struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue carries the comment details. Some payload variants put the
// comment id under "id", others under "comment_id".
type ChangeValue struct {
	ID        string `json:"id"`
	CommentID string `json:"comment_id"`
	MediaID   string `json:"media_id"`
	Text      string `json:"text"`
	From      IDRef  `json:"from"`
}

// CommentIDValue resolves the comment identifier across payload variants.
func (v ChangeValue) CommentIDValue() string {
	if v.ID != "" {
		return v.ID
	}
	return v.CommentID
}
