// Package hub defines the Hub collaborator spec 4.9 consumes: an
// external socket-delivery primitive (the WebSocket handshake/resume
// layer is explicitly out of scope per spec section 1). This package
// only carries the interface, the wire envelope, and the permanent-error
// escape hatch the consumer uses to classify broadcast failures.
package hub

import (
	"context"
	"strings"
	"time"
)

// Envelope is the WebSocket frame Hub.Broadcast emits (spec 6
// "WebSocket envelope").
type Envelope struct {
	V       int           `json:"v"`
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Size    int           `json:"size"`
	Payload EnvelopePayload `json:"payload"`
}

// EnvelopePayload carries the delivered message body.
type EnvelopePayload struct {
	Seq  int64           `json:"seq"`
	Data EnvelopeMessage `json:"data"`
}

// EnvelopeMessage is the per-message payload data.
type EnvelopeMessage struct {
	MessageID       string            `json:"messageId"`
	ConversationID  string            `json:"conversationId"`
	Ciphertext      string            `json:"ciphertext"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ContentSize     int64             `json:"contentSize,omitempty"`
	ContentMimeType string            `json:"contentMimeType,omitempty"`
	OccurredAt      time.Time         `json:"occurredAt"`
}

// Hub is the external collaborator spec section 1 calls out as out of
// scope for this module: it owns the WebSocket handshake/resume layer
// and simply accepts envelopes to fan out to connected sockets for a
// conversation's participants.
type Hub interface {
	Broadcast(ctx context.Context, envelope Envelope) error
}

// PermanentError is the typed escape hatch spec section 9's Open
// Questions / Redesign flags calls out as preferable to string-matching
// when the Hub implementation is under the caller's control: "a cleaner
// design is to surface a typed PermanentError from the Hub layer".
type PermanentError struct {
	Reason string
	Cause  error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Reason + ": " + e.Cause.Error()
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// NewPermanentError wraps cause as a PermanentError.
func NewPermanentError(reason string, cause error) error {
	return &PermanentError{Reason: reason, Cause: cause}
}

// classifyTokens are substring markers for the string-matching fallback
// classification spec 4.9/7 describes, kept alongside the typed
// PermanentError for Hub implementations the caller doesn't control.
var classifyTokens = []string{"parse", "validation", "missing required"}

// IsPermanent classifies a broadcast error as permanent (DLQ + ack) vs
// transient (leave in PEL): a typed *PermanentError always wins; absent
// that, it falls back to substring matching per spec 7's "classifies
// broadcast errors... messages containing parse|validation|missing
// required or equivalent are permanent".
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	for e := err; e != nil; {
		if p, ok := e.(*PermanentError); ok {
			perm = p
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if perm != nil {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, token := range classifyTokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}
