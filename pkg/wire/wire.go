// Package wire defines the JSON contract spoken between the conversation core
// and its backend, over both the realtime bus and the HTTP fallback.
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/colloquy/pkg/conversation"
)

type EventType string

const (
	EventJoin         EventType = "join"
	EventJoined       EventType = "joined"
	EventSendMessage  EventType = "sendMessage"
	EventNewMessage   EventType = "newMessage"
	EventAITyping     EventType = "aiTyping"
	EventAITypingDone EventType = "aiTypingDone"
	EventError        EventType = "error"
)

const (
	// TopicClient carries client→server events for every user.
	TopicClient       = "colloquy.client"
	topicServerPrefix = "colloquy.server."
)

// ServerTopic is the per-user topic carrying server→client events.
func ServerTopic(userID string) string {
	return topicServerPrefix + userID
}

type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(t EventType, payload interface{}) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", t)
	}
	return json.Marshal(&Envelope{Type: t, Payload: b})
}

func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if env.Type == "" {
		return nil, errors.New("decode envelope: missing type")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](env *Envelope) (*T, error) {
	var ret T
	if err := json.Unmarshal(env.Payload, &ret); err != nil {
		return nil, errors.Wrapf(err, "decode %s payload", env.Type)
	}
	return &ret, nil
}

type Join struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Joined struct {
	UserID string `json:"userId"`
}

type SendMessage struct {
	Content        string                      `json:"content"`
	UserID         string                      `json:"userId"`
	ConversationID string                      `json:"conversationId"`
	RequestID      string                      `json:"requestId"`
	ModelID        string                      `json:"modelId"`
	History        []conversation.HistoryEntry `json:"history"`
	Attachment     *conversation.Attachment    `json:"attachment,omitempty"`
}

type NewMessage struct {
	Message        *conversation.Message `json:"message"`
	ConversationID string                `json:"conversationId"`
	RequestID      string                `json:"requestId"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	RequestID      string `json:"requestId"`
}

type Error struct {
	ConversationID string `json:"conversationId,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	Message        string `json:"message"`
}

// MessagesPath is the fallback endpoint.
const MessagesPath = "/messages"

// PostMessageRequest is the body of POST /messages.
type PostMessageRequest = SendMessage

type PostMessageResponse struct {
	UserMessage *conversation.Message `json:"userMessage"`
	AIMessage   *conversation.Message `json:"aiMessage"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
