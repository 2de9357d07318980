package chat

import (
	"time"

	"chat-relay/internal/user"

	"github.com/samber/lo"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type Participant struct {
	UserID string    `json:"user"`
	Role   user.Role `json:"role"` // role at the time the conversation was created
}

type Conversation struct {
	ID            string        `json:"id"`
	Participants  []Participant `json:"participants"`
	Topic         *string       `json:"topic"`
	ProductID     *string       `json:"productId"`
	LastMessageAt time.Time     `json:"lastMessageAt"`
	LastMessageID *string       `json:"lastMessageId"`
	CreatedAt     time.Time     `json:"createdAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return lo.ContainsBy(c.Participants, func(p Participant) bool { return p.UserID == userID })
}

func (c *Conversation) ParticipantIDs() []string {
	return lo.Map(c.Participants, func(p Participant, _ int) string { return p.UserID })
}

type Attachment struct {
	URL  string `json:"url" validate:"required,max=2048"`
	Name string `json:"name" validate:"max=255"`
	Type string `json:"type" validate:"max=255"`
	Size int64  `json:"size" validate:"gte=0"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"sender"`
	Body           string      `json:"body"`
	File           *Attachment `json:"file,omitempty"`
	ReadBy         []string    `json:"readBy"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// ConversationSummary is one row of a user's inbox.
type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"lastMessage"`
	UnreadCount int      `json:"unreadCount"`
}

type Page[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// ---------------------------------------------
// 📨 Request Models
// ---------------------------------------------

type StartConversationRequest struct {
	ParticipantIDs []string `json:"participantIds" validate:"dive,uuid"`
	Topic          *string  `json:"topic" validate:"omitempty,max=200"`
	ProductID      *string  `json:"productId" validate:"omitempty,max=64"`
}

// SendMessageInput is the one shape both the request path and the live
// channel hand to Service.SendMessage.
type SendMessageInput struct {
	ConversationID string
	Body           string
	File           *Attachment
}

type MarkReadRequest struct {
	ConversationID string `json:"conversationId"`
}
