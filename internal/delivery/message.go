// Package delivery implements the broker-stream Consumer of spec 4.9:
// batched reads, per-conversation reorder buffers, messageId dedupe,
// Hub delivery with permanent/transient error classification, a
// bounded per-conversation backpressure queue, PEL hygiene, and a DLQ
// writer/reader pair.
package delivery

import "time"

// SendMessageInput is the call shape MessageService.send accepts (spec
// 2's data-flow diagram names the step but not its signature).
type SendMessageInput struct {
	ConversationID  string
	Ciphertext      string
	ContentMimeType string
	ContentSize     int64
	Metadata        map[string]string
}

// SendMessageResult is MessageService.send's result.
type SendMessageResult struct {
	MessageID  string
	OccurredAt time.Time
}

// incomingPayload is the broker event JSON of spec section 6:
// {v, type, eventId, messageId, conversationId, seq?, ciphertext,
// metadata?, contentSize?, contentMimeType?, occurredAt}. Required
// fields per spec 4.9 step 3 are messageId, conversationId, ciphertext;
// seq is optional.
type incomingPayload struct {
	V               int               `json:"v"`
	Type            string            `json:"type"`
	EventID         string            `json:"eventId"`
	MessageID       string            `json:"messageId"`
	ConversationID  string            `json:"conversationId"`
	Ciphertext      string            `json:"ciphertext"`
	Seq             int64             `json:"seq"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ContentSize     int64             `json:"contentSize,omitempty"`
	ContentMimeType string            `json:"contentMimeType,omitempty"`
	OccurredAt      time.Time         `json:"occurredAt"`
}

// pendingEntry is one reorder-buffer slot.
type pendingEntry struct {
	brokerID string
	payload  incomingPayload
}
