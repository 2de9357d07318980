package chat

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"chat-relay/internal/apperr"
	"chat-relay/internal/user"
	"chat-relay/internal/validate"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// MaxBodyLength caps a message body in characters. It sits well below the
// live frame limit so an oversized body fails the send, not the session.
const MaxBodyLength = 10000

// Presence is told when a user's live sessions come and go. Best effort.
type Presence interface {
	Connected(ctx context.Context, userID string)
	Disconnected(ctx context.Context, userID string)
}

// Service coordinates persisted state and live fan-out. Both the HTTP
// handlers and websocket sessions write through it, so a message looks
// the same to a room no matter which path sent it.
type Service struct {
	store    Store
	hub      *Hub
	presence Presence
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store Store, hub *Hub, presence Presence, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		hub:      hub,
		presence: presence,
		log:      log,
		now:      time.Now,
	}
}

// ---------------------------------------------
// Shared write routines
// ---------------------------------------------

// SendMessage checks the sender takes part in the conversation, persists the
// message with the sender already in its reader set and broadcasts it to the
// whole room, the sender's own sessions included.
func (s *Service) SendMessage(ctx context.Context, senderID string, in SendMessageInput) (*Message, error) {
	if in.ConversationID == "" {
		return nil, apperr.InvalidArgument("conversationId is required")
	}
	if in.Body == "" && in.File == nil {
		return nil, apperr.InvalidArgument("Message body or attachment is required")
	}
	if utf8.RuneCountInString(in.Body) > MaxBodyLength {
		return nil, apperr.InvalidArgument(fmt.Sprintf("Message body exceeds %d characters", MaxBodyLength))
	}
	if in.File != nil {
		if err := validate.Struct(in.File); err != nil {
			return nil, err
		}
	}

	if _, err := authorize(ctx, s.store, in.ConversationID, senderID); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       senderID,
		Body:           in.Body,
		File:           in.File,
		ReadBy:         []string{senderID},
		// Postgres keeps microseconds; trim so the broadcast matches what is read back.
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.hub.Broadcast(msg.ConversationID, Event{Name: EventMessage, Data: msg})
	return msg, nil
}

// MarkRead adds userID to the reader set of every message in the
// conversation and tells the room. Repeating it changes nothing.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) (int64, error) {
	if _, err := authorize(ctx, s.store, conversationID, userID); err != nil {
		return 0, err
	}
	return s.markRead(ctx, userID, conversationID)
}

func (s *Service) markRead(ctx context.Context, userID, conversationID string) (int64, error) {
	updated, err := s.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	s.hub.Broadcast(conversationID, Event{Name: EventRead, Data: ReadEvent{ConversationID: conversationID, UserID: userID}})
	return updated, nil
}

// ---------------------------------------------
// Live session transitions
// ---------------------------------------------

// Connect registers an authenticated session and acknowledges it.
func (s *Service) Connect(ctx context.Context, c *Client) {
	s.hub.Register(c)
	if s.presence != nil {
		s.presence.Connected(ctx, c.UserID)
	}
	c.Emit(EventConnected, ConnectedEvent{UserID: c.UserID})
}

// Disconnect drops the session from every room. Persisted data is untouched.
// Presence is settled before the session leaves the registry, so a drained
// Hub means every presence update has been made.
func (s *Service) Disconnect(ctx context.Context, c *Client) {
	if s.presence != nil {
		s.presence.Disconnected(ctx, c.UserID)
	}
	s.hub.Unregister(c)
}

// JoinRoom subscribes the session to a conversation, then reads everything
// in it on the user's behalf.
func (s *Service) JoinRoom(ctx context.Context, c *Client, conversationID string) error {
	if err := s.hub.Join(ctx, c, conversationID); err != nil {
		return err
	}
	c.Emit(EventJoined, JoinedEvent{ConversationID: conversationID})

	_, err := s.markRead(ctx, c.UserID, conversationID)
	return err
}

func (s *Service) LeaveRoom(c *Client, conversationID string) error {
	if conversationID == "" {
		return apperr.InvalidArgument("conversationId is required")
	}
	if s.hub.Leave(c, conversationID) {
		c.Emit(EventLeft, JoinedEvent{ConversationID: conversationID})
	}
	return nil
}

// Typing relays the flag to the rest of the room. Nothing is stored.
func (s *Service) Typing(c *Client, conversationID string, isTyping bool) error {
	if err := c.requireJoined(conversationID); err != nil {
		return err
	}
	s.hub.Broadcast(conversationID, Event{
		Name: EventTyping,
		Data: TypingEvent{ConversationID: conversationID, UserID: c.UserID, IsTyping: isTyping},
	}, c)
	return nil
}

// ---------------------------------------------
// Request path
// ---------------------------------------------

// StartConversation returns the conversation between the caller and the
// given users on this topic, creating it when there is none. created
// reports which of the two happened.
func (s *Service) StartConversation(ctx context.Context, caller *user.Identity, req StartConversationRequest) (conv *Conversation, created bool, err error) {
	if err := validate.Struct(req); err != nil {
		return nil, false, err
	}

	others := lo.Uniq(lo.Map(req.ParticipantIDs, func(id string, _ int) string {
		return uuid.MustParse(id).String()
	}))
	others = lo.Without(others, caller.ID)
	if len(others) == 0 {
		return nil, false, apperr.InvalidArgument("At least 2 participants are required")
	}

	ids := append([]string{caller.ID}, others...)
	existing, err := s.store.FindConversation(ctx, ids, req.Topic)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	conv = &Conversation{
		ID:            uuid.NewString(),
		Participants:  []Participant{{UserID: caller.ID, Role: caller.Role}},
		Topic:         req.Topic,
		ProductID:     req.ProductID,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	for _, id := range others {
		conv.Participants = append(conv.Participants, Participant{UserID: id, Role: user.RoleAgent})
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, false, err
	}
	s.log.Info("conversation created", zap.String("conversation_id", conv.ID), zap.Int("participants", len(conv.Participants)))
	return conv, true, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string, page, limit int) (*Page[ConversationSummary], error) {
	items, total, err := s.store.ListConversations(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	return &Page[ConversationSummary]{Items: items, Page: page, Limit: limit, Total: total}, nil
}

func (s *Service) ListMessages(ctx context.Context, userID, conversationID string, page, limit int) (*Page[Message], error) {
	if _, err := authorize(ctx, s.store, conversationID, userID); err != nil {
		return nil, err
	}
	items, total, err := s.store.ListMessages(ctx, conversationID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	return &Page[Message]{Items: items, Page: page, Limit: limit, Total: total}, nil
}

// History is every message of the conversation, oldest first.
func (s *Service) History(ctx context.Context, userID, conversationID string) ([]Message, error) {
	if _, err := authorize(ctx, s.store, conversationID, userID); err != nil {
		return nil, err
	}
	return s.store.AllMessages(ctx, conversationID)
}

// DeleteConversation removes the conversation with its messages and empties
// its room. Callers restrict it to staff roles.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	if !canonicalID(conversationID) {
		return apperr.NotFound("Conversation not found")
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	s.hub.CloseRoom(conversationID)
	s.log.Info("conversation deleted", zap.String("conversation_id", conversationID))
	return nil
}
