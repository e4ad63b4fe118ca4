package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rdv-chat/internal/chat"
	"rdv-chat/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	handleTimeout  = 10 * time.Second
)

// Client is one socket of one user, sitting between the connection and the hub.
type Client struct {
	UserID int

	hub     *Hub
	service *Service
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	log     *logger.Logger

	closeOnce sync.Once
}

func newClient(hub *Hub, service *Service, conn *websocket.Conn, userID int, log *logger.Logger) *Client {
	return &Client{
		UserID:  userID,
		hub:     hub,
		service: service,
		conn:    conn,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		log:     log,
	}
}

// enqueue queues a frame without blocking. It fails when the client is gone
// or its buffer is full.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// shutdown makes writePump send a close frame and exit.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump turns inbound frames into stored and fanned-out messages.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnf("socket of user %d closed: %v", c.UserID, err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	frame, err := chat.DecodeClientFrame(data)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		_, err = c.service.PostMessage(ctx, c.UserID, frame)
		cancel()
	}
	if err == nil {
		return
	}

	var text string
	switch {
	case errors.Is(err, chat.ErrMissingFields):
		text = "Missing required fields: conversation_id, content"
	case errors.Is(err, chat.ErrMalformedFrame), errors.Is(err, chat.ErrInvalidInput):
		text = "Invalid message format"
	case errors.Is(err, chat.ErrNotFound):
		text = "Conversation not found"
	case errors.Is(err, chat.ErrForbidden):
		text = "Not a participant of this conversation"
	default:
		c.log.Errorf("message from user %d failed: %v", c.UserID, err)
		text = "Failed to send message"
	}
	c.replyError(text)
}

func (c *Client) replyError(text string) {
	payload, err := chat.EncodeError(text)
	if err != nil {
		return
	}
	if !c.enqueue(payload) {
		c.log.Warnf("could not queue error for user %d", c.UserID)
	}
}

// writePump is the only writer of the connection. Each queued payload goes
// out as its own text frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}
