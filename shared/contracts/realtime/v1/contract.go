// Package v1 is the wire contract of the chat WebSocket (subprotocol
// gabriel.chat.v1). It has no dependencies so clients can import it as is.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subprotocol is negotiated during the WebSocket upgrade.
const Subprotocol = "gabriel.chat.v1"

// Version is embedded into every envelope.
const Version = 1

// Client -> server.
const (
	TypeHello      = "hello"
	TypeChatSubmit = "chat_submit"
	TypeChatCancel = "chat_cancel"
)

// Server -> client.
const (
	TypeHelloAck  = "hello_ack"
	TypeChatDelta = "chat_delta"
	TypeChatDone  = "chat_done"
	TypeError     = "error"
)

// ClientTypes are the envelope types a client may send.
var ClientTypes = map[string]struct{}{
	TypeHello:      {},
	TypeChatSubmit: {},
	TypeChatCancel: {},
}

// Envelope wraps every frame.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks a client envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := ClientTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing id")
	}
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}

type HelloPayload struct {
	Token string `json:"token"`
}

type HelloAckPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// ChatTurn mirrors the HTTP chat body.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatSubmitPayload struct {
	RequestID string     `json:"request_id"`
	Messages  []ChatTurn `json:"messages"`
}

type ChatCancelPayload struct {
	RequestID string `json:"request_id"`
}

type ChatDeltaPayload struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

type ChatDonePayload struct {
	RequestID string `json:"request_id"`
}

// ErrorPayload carries RequestID when the error belongs to a submission.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes.
const (
	CodeBadJSON         = "bad_json"
	CodeBadEnvelope     = "bad_envelope"
	CodeUnauthenticated = "unauthenticated"
	CodeInvalidRequest  = "invalid_request"
	CodeBusy            = "busy"
	CodeCanceled        = "canceled"
	CodeUnavailable     = "unavailable"
	CodeUpstream        = "upstream_error"
	CodeRateLimited     = "rate_limited"
	CodeUnsupported     = "unsupported"
	CodeInternal        = "internal_error"
)
