package gateway

import (
	"encoding/json"
	"time"

	"pyrexxbook/chat-service/internal/service"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one websocket connection of an authenticated user.
type Client struct {
	id     string
	userID string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte

	// joined is owned by the read goroutine.
	joined map[string]struct{}
}

func newClient(id, userID string, hub *Hub, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		id:     id,
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, buffer),
		joined: make(map[string]struct{}),
	}
}

func (c *Client) readPump(g *Gateway) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(g.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.WithError(err).WithField("connection_id", c.id).Debug("Websocket closed unexpectedly")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
			c.writeError(ErrorPayload{Code: service.CodeValidation, Message: "malformed event frame"})
			continue
		}
		g.dispatch(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeError reports a rejected event to this connection only.
func (c *Client) writeError(p ErrorPayload) {
	c.hub.emit(delivery{connIDs: []string{c.id}}, EventError, p)
}

func (c *Client) fields() logrus.Fields {
	return logrus.Fields{
		"connection_id": c.id,
		"user_id":       c.userID,
	}
}
