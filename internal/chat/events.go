package chat

import (
	"encoding/json"

	"chat-relay/internal/apperr"
)

// Inbound events.
const (
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventTyping      = "typing"
	EventSendMessage = "sendMessage"
	EventMarkRead    = "markRead"
)

// Outbound events.
const (
	EventConnected = "connected"
	EventJoined    = "joined"
	EventLeft      = "left"
	EventMessage   = "message"
	EventRead      = "read"
	EventError     = "error"
	// EventTyping is also sent outbound, to everyone but the typist.
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound event before encoding.
type Event struct {
	Name string
	Data any
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{e.Name, e.Data})
}

type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type SendMessagePayload struct {
	ConversationID string      `json:"conversationId"`
	Body           string      `json:"body"`
	File           *Attachment `json:"file"`
}

type ConnectedEvent struct {
	UserID string `json:"userId"`
}

type JoinedEvent struct {
	ConversationID string `json:"conversationId"`
}

type ReadEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.InvalidArgument("Missing event payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.InvalidArgument("Malformed event payload")
	}
	return nil
}
