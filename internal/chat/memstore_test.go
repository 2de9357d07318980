package chat

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"chat-relay/internal/apperr"
)

// memStore is an in-memory Store for tests that need real state behind the
// Hub and Service rather than scripted expectations.
type memStore struct {
	mu       sync.Mutex
	convs    map[string]*Conversation
	messages []*Message

	failCreateMessage error
	calls             atomic.Int64
}

func newMemStore(convs ...*Conversation) *memStore {
	s := &memStore{convs: make(map[string]*Conversation)}
	for _, c := range convs {
		s.convs[c.ID] = c
	}
	return s
}

func copyMessage(m *Message) Message {
	out := *m
	out.ReadBy = slices.Clone(m.ReadBy)
	return out
}

func (s *memStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return nil, apperr.NotFound("Conversation not found")
	}
	out := *c
	out.Participants = slices.Clone(c.Participants)
	return &out, nil
}

func (s *memStore) FindConversation(_ context.Context, participantIDs []string, topic *string) (*Conversation, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	want := slices.Sorted(slices.Values(participantIDs))
	for _, c := range s.convs {
		have := slices.Sorted(slices.Values(c.ParticipantIDs()))
		sameTopic := (c.Topic == nil && topic == nil) || (c.Topic != nil && topic != nil && *c.Topic == *topic)
		if sameTopic && slices.Equal(want, have) {
			return c, nil
		}
	}
	return nil, nil
}

func (s *memStore) CreateConversation(_ context.Context, c *Conversation) error {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[c.ID] = c
	return nil
}

func (s *memStore) ListConversations(_ context.Context, userID string, offset, limit int) ([]ConversationSummary, int, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ConversationSummary
	for _, c := range s.convs {
		if !c.HasParticipant(userID) {
			continue
		}
		sum := ConversationSummary{Conversation: *c}
		for _, m := range s.messages {
			if m.ConversationID == c.ID && !slices.Contains(m.ReadBy, userID) {
				sum.UnreadCount++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	total := len(out)
	if offset >= len(out) {
		return []ConversationSummary{}, total, nil
	}
	return out[offset:min(offset+limit, len(out))], total, nil
}

func (s *memStore) DeleteConversation(_ context.Context, id string) error {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return apperr.NotFound("Conversation not found")
	}
	delete(s.convs, id)
	s.messages = slices.DeleteFunc(s.messages, func(m *Message) bool { return m.ConversationID == id })
	return nil
}

func (s *memStore) CreateMessage(_ context.Context, msg *Message) error {
	s.calls.Add(1)
	if s.failCreateMessage != nil {
		return s.failCreateMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[msg.ConversationID]
	if !ok {
		return apperr.NotFound("Conversation not found")
	}
	stored := copyMessage(msg)
	s.messages = append(s.messages, &stored)
	c.LastMessageAt = msg.CreatedAt
	c.LastMessageID = &stored.ID
	return nil
}

func (s *memStore) MarkRead(_ context.Context, conversationID, userID string) (int64, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for _, m := range s.messages {
		if m.ConversationID == conversationID && !slices.Contains(m.ReadBy, userID) {
			m.ReadBy = append(m.ReadBy, userID)
			updated++
		}
	}
	return updated, nil
}

func (s *memStore) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]Message, int, error) {
	all, err := s.AllMessages(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}
	end := len(all) - offset
	if end <= 0 {
		return []Message{}, len(all), nil
	}
	return all[max(0, end-limit):end], len(all), nil
}

func (s *memStore) AllMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Message{}
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

var _ Store = (*memStore)(nil)
