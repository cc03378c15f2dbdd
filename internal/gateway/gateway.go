package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"pyrexxbook/chat-service/internal/middleware"
	"pyrexxbook/chat-service/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultSendBuffer       = 64
	defaultMaxMessageLength = 2000
	minReadLimit            = 16 * 1024
)

type Options struct {
	// AllowedOrigins lists accepted Origin headers. Empty or "*" accepts any.
	AllowedOrigins []string
	SendBuffer     int
	// MaxMessageLength is the longest message text in runes; it sizes the
	// inbound frame limit.
	MaxMessageLength int
}

// readLimit fits a sendMessage frame whose text is maxRunes long even when
// every rune arrives escaped as a \uXXXX surrogate pair, plus room for the
// envelope and ids.
func readLimit(maxRunes int) int64 {
	limit := int64(maxRunes)*12 + 1024
	if limit < minReadLimit {
		return minReadLimit
	}
	return limit
}

// Gateway upgrades authenticated requests and routes their events.
type Gateway struct {
	hub           *Hub
	conversations service.ConversationService
	messages      service.MessageService
	upgrader      websocket.Upgrader
	readLimit     int64
	logger        *logrus.Logger
	opts          Options
}

func New(hub *Hub, conversations service.ConversationService, messages service.MessageService, logger *logrus.Logger, opts Options) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	g := &Gateway{
		hub:           hub,
		conversations: conversations,
		messages:      messages,
		readLimit:     readLimit(opts.MaxMessageLength),
		logger:        logger,
		opts:          opts,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP expects middleware.AuthMiddleware in front of it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	client := newClient(uuid.New().String(), userID, g.hub, conn, g.opts.SendBuffer)
	if !g.hub.Register(client) {
		_ = conn.Close()
		return
	}
	g.logger.WithFields(client.fields()).Debug("Websocket connected")

	go client.writePump()
	go client.readPump(g)
}

func (g *Gateway) dispatch(c *Client, env Envelope) {
	ctx := context.Background()

	switch env.Event {
	case EventJoin:
		g.handleJoin(c, env)
	case EventJoinConversation:
		g.handleJoinConversation(ctx, c, env)
	case EventLeaveConversation:
		g.handleLeaveConversation(c, env)
	case EventTyping, EventStopTyping:
		g.handleTyping(c, env)
	case EventSendMessage:
		g.handleSendMessage(ctx, c, env)
	case EventMessageDelivered:
		g.handleAck(c, env, func(p AckPayload) error {
			_, err := g.messages.AcknowledgeDelivered(ctx, p.MessageID, p.ConversationID, c.userID)
			return err
		})
	case EventMessageSeen:
		g.handleAck(c, env, func(p AckPayload) error {
			_, err := g.messages.AcknowledgeSeen(ctx, p.MessageID, p.ConversationID, c.userID)
			return err
		})
	default:
		c.writeError(ErrorPayload{Event: env.Event, Code: service.CodeValidation, Message: "unknown event"})
	}
}

func (g *Gateway) handleJoin(c *Client, env Envelope) {
	userID, err := decodeID(env.Data, "userId")
	if err != nil {
		g.reject(c, env.Event, "", invalidPayload(err))
		return
	}
	if userID != "" && userID != c.userID {
		g.reject(c, env.Event, "", fmt.Errorf("%w: cannot join as another user", service.ErrForbidden))
		return
	}
	g.hub.joinPresence(c)
}

func (g *Gateway) handleJoinConversation(ctx context.Context, c *Client, env Envelope) {
	conversationID, err := decodeID(env.Data, "conversationId")
	if err != nil {
		g.reject(c, env.Event, "", invalidPayload(err))
		return
	}

	conv, err := g.conversations.Get(ctx, conversationID)
	if err != nil {
		g.reject(c, env.Event, "", err)
		return
	}
	if !g.conversations.IsMember(conv, c.userID) {
		g.reject(c, env.Event, "", fmt.Errorf("%w: not a member of this conversation", service.ErrForbidden))
		return
	}

	c.joined[conv.ID] = struct{}{}
	g.hub.JoinRoom(c, conv.ID)
}

func (g *Gateway) handleLeaveConversation(c *Client, env Envelope) {
	conversationID, err := decodeID(env.Data, "conversationId")
	if err != nil || conversationID == "" {
		g.reject(c, env.Event, "", invalidPayload(err))
		return
	}
	delete(c.joined, conversationID)
	g.hub.LeaveRoom(c, conversationID)
}

func (g *Gateway) handleTyping(c *Client, env Envelope) {
	var p TypingPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ConversationID == "" {
		g.reject(c, env.Event, "", invalidPayload(err))
		return
	}
	if p.UserID != "" && p.UserID != c.userID {
		g.reject(c, env.Event, "", fmt.Errorf("%w: cannot type as another user", service.ErrForbidden))
		return
	}
	if _, ok := c.joined[p.ConversationID]; !ok {
		g.reject(c, env.Event, "", fmt.Errorf("%w: join the conversation first", service.ErrForbidden))
		return
	}

	g.hub.relay(c, p.ConversationID, env.Event, TypingPayload{ConversationID: p.ConversationID, UserID: c.userID})
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, env Envelope) {
	var req service.SendRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		g.reject(c, env.Event, "", invalidPayload(err))
		return
	}
	if req.SenderID == "" {
		req.SenderID = c.userID
	}
	if req.SenderID != c.userID {
		g.reject(c, env.Event, req.ClientID, fmt.Errorf("%w: cannot send as another user", service.ErrForbidden))
		return
	}

	if _, err := g.messages.Send(ctx, req); err != nil {
		g.reject(c, env.Event, req.ClientID, err)
	}
}

func (g *Gateway) handleAck(c *Client, env Envelope, ack func(AckPayload) error) {
	var p AckPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		g.reject(c, env.Event, "", invalidPayload(err))
		return
	}
	if err := ack(p); err != nil {
		g.reject(c, env.Event, "", err)
	}
}

// reject turns a failed event into an error frame for the sending connection.
func (g *Gateway) reject(c *Client, event, clientID string, err error) {
	code := service.Code(err)
	message := err.Error()
	if code == service.CodeInternal {
		g.logger.WithError(err).WithFields(c.fields()).WithField("event", event).Error("Failed to handle websocket event")
		message = "internal error"
	}
	c.writeError(ErrorPayload{
		Event:    event,
		Code:     code,
		Message:  message,
		ClientID: clientID,
	})
}

func invalidPayload(err error) error {
	if err == nil {
		return fmt.Errorf("%w: invalid payload", service.ErrValidation)
	}
	return fmt.Errorf("%w: %v", service.ErrValidation, err)
}
