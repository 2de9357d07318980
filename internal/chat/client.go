package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chat-relay/internal/apperr"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 256 << 10           // Largest inbound frame.
)

// Client is one authenticated live session. It sits between the websocket
// connection and the Hub.
type Client struct {
	ID     string
	UserID string

	conn  *websocket.Conn
	relay *Service
	log   *zap.Logger

	// Buffered channel of outbound frames. Never closed; done signals shutdown.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Rooms this session joined. Guarded by the Hub's lock.
	rooms map[string]struct{}
}

func NewClient(conn *websocket.Conn, userID string, buffer int, relay *Service, log *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		relay:  relay,
		log:    log.With(zap.String("session", id), zap.String("user_id", userID)),
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// deliver queues an encoded frame without blocking. A session whose queue
// is full is closed instead of stalling the sender.
func (c *Client) deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send queue full, dropping session")
		c.Close()
		return false
	}
}

// Emit sends an event to this session only.
func (c *Client) Emit(name string, data any) {
	frame, err := Event{Name: name, Data: data}.Encode()
	if err != nil {
		c.log.Error("encode event", zap.String("event", name), zap.Error(err))
		return
	}
	c.deliver(frame)
}

// Close asks the write pump to send a close frame and hang up.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) Done() <-chan struct{} { return c.done }

// ReadPump pumps frames from the websocket connection into the relay.
// It returns when the connection dies and always releases the session.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.relay.Disconnect(ctx, c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info("websocket closed", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			c.fail(apperr.InvalidArgument("Malformed event"))
			continue
		}
		c.handle(ctx, env)
	}
}

// WritePump pumps queued frames from the Hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle runs one inbound event. Failures go back to this session only.
func (c *Client) handle(ctx context.Context, env Envelope) {
	var err error
	switch env.Event {
	case EventJoinRoom:
		var p RoomPayload
		if err = decodePayload(env.Data, &p); err == nil {
			err = c.relay.JoinRoom(ctx, c, p.ConversationID)
		}

	case EventLeaveRoom:
		var p RoomPayload
		if err = decodePayload(env.Data, &p); err == nil {
			err = c.relay.LeaveRoom(c, p.ConversationID)
		}

	case EventTyping:
		var p TypingPayload
		if err = decodePayload(env.Data, &p); err == nil {
			err = c.relay.Typing(c, p.ConversationID, p.IsTyping)
		}

	case EventSendMessage:
		var p SendMessagePayload
		if err = decodePayload(env.Data, &p); err == nil {
			if err = c.requireJoined(p.ConversationID); err == nil {
				_, err = c.relay.SendMessage(ctx, c.UserID, SendMessageInput{
					ConversationID: p.ConversationID,
					Body:           p.Body,
					File:           p.File,
				})
			}
		}

	case EventMarkRead:
		var p RoomPayload
		if err = decodePayload(env.Data, &p); err == nil {
			if err = c.requireJoined(p.ConversationID); err == nil {
				_, err = c.relay.MarkRead(ctx, c.UserID, p.ConversationID)
			}
		}

	default:
		err = apperr.InvalidArgument("Unknown event: " + env.Event)
	}

	if err != nil {
		c.fail(err)
	}
}

func (c *Client) requireJoined(conversationID string) error {
	if conversationID == "" {
		return apperr.InvalidArgument("conversationId is required")
	}
	if !c.relay.hub.Joined(c, conversationID) {
		return apperr.Denied("Join the conversation first")
	}
	return nil
}

func (c *Client) fail(err error) {
	if err == errSessionClosed {
		return
	}
	if !apperr.IsClientError(err) {
		c.log.Error("live event failed", zap.Error(err))
	}
	c.Emit(EventError, ErrorEvent{Message: apperr.Message(err)})
}
