package gateway

import (
	"encoding/json"
	"strings"
)

// Inbound event names.
const (
	EventJoin              = "join"
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
	EventTyping            = "typing"
	EventStopTyping        = "stopTyping"
	EventSendMessage       = "sendMessage"
	EventMessageDelivered  = "messageDelivered"
	EventMessageSeen       = "messageSeen"
)

// Outbound event names not owned by the delivery engine.
const (
	EventOnlineUsers     = "onlineUsers"
	EventOnlineUsersMeta = "onlineUsersMeta"
	EventError           = "error"
)

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ErrorPayload reports a rejected inbound event to the connection that sent it.
type ErrorPayload struct {
	Event    string `json:"event"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type AckPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: event, Data: payload})
}

// decodeID accepts either a bare JSON string or an object carrying the id
// under field.
func decodeID(data json.RawMessage, field string) (string, error) {
	if len(data) == 0 || string(data) == "null" {
		return "", nil
	}

	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", err
	}
	raw, ok := obj[field]
	if !ok {
		return "", nil
	}
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", err
	}
	return strings.TrimSpace(id), nil
}
