//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mock_store_test.go -package=chat
package chat

import "context"

// ConversationLookup is the read side the Hub needs to authorize a join.
type ConversationLookup interface {
	// GetConversation returns apperr.ErrNotFound when id does not exist.
	GetConversation(ctx context.Context, id string) (*Conversation, error)
}

// Store owns conversations and messages. Implementations must make
// CreateMessage and MarkRead safe under concurrent callers.
type Store interface {
	ConversationLookup
	// FindConversation returns the conversation with exactly these
	// participants and topic, or nil when there is none.
	FindConversation(ctx context.Context, participantIDs []string, topic *string) (*Conversation, error)
	CreateConversation(ctx context.Context, c *Conversation) error
	// ListConversations returns one page of userID's conversations, most
	// recently active first, and how many there are in total.
	ListConversations(ctx context.Context, userID string, offset, limit int) ([]ConversationSummary, int, error)
	DeleteConversation(ctx context.Context, id string) error

	// CreateMessage persists msg with its reader set and moves the owning
	// conversation's last-activity markers to m, atomically.
	CreateMessage(ctx context.Context, msg *Message) error
	// MarkRead adds userID to the reader set of every message in the
	// conversation and returns how many messages gained a reader.
	MarkRead(ctx context.Context, conversationID, userID string) (int64, error)
	// ListMessages returns one page counted from the newest message, in
	// chronological order, and the conversation's message count.
	ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]Message, int, error)
	AllMessages(ctx context.Context, conversationID string) ([]Message, error)
}
