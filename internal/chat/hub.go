package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-relay/internal/apperr"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errSessionClosed = errors.New("session closed")

const drainInterval = 20 * time.Millisecond

// Hub is the session registry: which sessions are live, which user owns
// them and which conversation rooms each one has joined. One Hub per
// process, shared by the live channel and the request path.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Client
	users    map[string]map[string]*Client // user id -> session id -> client
	rooms    map[string]map[string]*Client // conversation id -> session id -> client

	conversations ConversationLookup
	log           *zap.Logger
}

func NewHub(conversations ConversationLookup, log *zap.Logger) *Hub {
	return &Hub{
		sessions:      make(map[string]*Client),
		users:         make(map[string]map[string]*Client),
		rooms:         make(map[string]map[string]*Client),
		conversations: conversations,
		log:           log,
	}
}

// Register makes c reachable. It must be called before Join.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[c.ID] = c
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]*Client)
	}
	h.users[c.UserID][c.ID] = c
}

// Unregister removes c from every room it joined and from the registry.
// Calling it twice is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conversationID := range c.rooms {
		h.removeFromRoom(c, conversationID)
	}
	delete(h.sessions, c.ID)
	if owned := h.users[c.UserID]; owned != nil {
		delete(owned, c.ID)
		if len(owned) == 0 {
			delete(h.users, c.UserID)
		}
	}
}

// Join adds c to the conversation's room after confirming its user is a
// participant. Joining twice is a no-op.
func (h *Hub) Join(ctx context.Context, c *Client, conversationID string) error {
	// Store lookup happens outside the lock.
	if _, err := authorize(ctx, h.conversations, conversationID, c.UserID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// The session may have gone away while we were asking the store.
	if _, ok := h.sessions[c.ID]; !ok {
		return errSessionClosed
	}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[string]*Client)
	}
	h.rooms[conversationID][c.ID] = c
	c.rooms[conversationID] = struct{}{}
	return nil
}

// Leave takes c out of the room. It reports whether c was in it.
func (h *Hub) Leave(c *Client, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := c.rooms[conversationID]; !ok {
		return false
	}
	h.removeFromRoom(c, conversationID)
	return true
}

// CloseRoom empties a room, e.g. after its conversation was deleted.
func (h *Hub) CloseRoom(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.rooms[conversationID] {
		delete(c.rooms, conversationID)
	}
	delete(h.rooms, conversationID)
}

// must hold h.mu
func (h *Hub) removeFromRoom(c *Client, conversationID string) {
	delete(c.rooms, conversationID)
	if room := h.rooms[conversationID]; room != nil {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

func (h *Hub) Joined(c *Client, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[conversationID]
	return ok
}

// Broadcast encodes evt once and queues it for every session in the room
// except the excluded ones. It never blocks on a slow session; it returns
// how many sessions the event was queued for.
func (h *Hub) Broadcast(conversationID string, evt Event, exclude ...*Client) int {
	payload, err := evt.Encode()
	if err != nil {
		h.log.Error("encode event", zap.String("event", evt.Name), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, c := range h.rooms[conversationID] {
		if isExcluded(c, exclude) {
			continue
		}
		if c.deliver(payload) {
			delivered++
		}
	}
	return delivered
}

func isExcluded(c *Client, exclude []*Client) bool {
	for _, e := range exclude {
		if e == c {
			return true
		}
	}
	return false
}

// RoomSize is the number of sessions currently joined to the room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// UserSessions is the number of live sessions owned by userID.
func (h *Hub) UserSessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// CloseAll asks every live session to shut down and waits until each one
// has disconnected, or until ctx is done. Sessions registering meanwhile are
// closed too.
func (h *Hub) CloseAll(ctx context.Context) error {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		live := h.closeSessions()
		if live == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			h.log.Warn("sessions still open at shutdown", zap.Int("sessions", live))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Hub) closeSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions {
		c.Close()
	}
	return len(h.sessions)
}

// canonicalID reports whether id is a UUID in the lowercase hyphenated
// form ids are stored and keyed in.
func canonicalID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

// authorize loads the conversation and checks userID takes part in it.
func authorize(ctx context.Context, conversations ConversationLookup, conversationID, userID string) (*Conversation, error) {
	if conversationID == "" {
		return nil, apperr.InvalidArgument("conversationId is required")
	}
	if !canonicalID(conversationID) {
		return nil, apperr.NotFound("Conversation not found")
	}
	conv, err := conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.Denied("Not a participant")
	}
	return conv, nil
}
