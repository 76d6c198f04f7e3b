package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/colloquy/pkg/conversation"
)

type EventType string

const (
	// Renderer notifications, published on TopicUI.
	EventTypeMessagesChanged     EventType = "messages-changed"
	EventTypeTypingChanged       EventType = "typing-changed"
	EventTypeNotification        EventType = "notification"
	EventTypeModelChanged        EventType = "model-changed"
	EventTypeConversationChanged EventType = "conversation-changed"
)

const TopicUI = "colloquy.ui"

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventMetadata struct {
	ID             uuid.UUID `json:"event_id" yaml:"event_id"`
	ConversationID string    `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
}

func NewEventMetadata(conversationID string) EventMetadata {
	return EventMetadata{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Timestamp:      time.Now(),
	}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	e.Time("timestamp", em.Timestamp)
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON when the event was decoded by NewEventFromJson
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

// EventMessagesChanged carries the full ordered snapshot of the active log.
type EventMessagesChanged struct {
	EventImpl
	Messages []*conversation.Message `json:"messages"`
}

func NewMessagesChangedEvent(conversationID string, messages []*conversation.Message) *EventMessagesChanged {
	return &EventMessagesChanged{
		EventImpl: EventImpl{Type_: EventTypeMessagesChanged, Metadata_: NewEventMetadata(conversationID)},
		Messages:  messages,
	}
}

type EventTypingChanged struct {
	EventImpl
	Composing bool      `json:"composing"`
	ChangedAt time.Time `json:"changed_at"`
	// TimedOut is set when the safety timeout forced the indicator off.
	TimedOut bool `json:"timed_out,omitempty"`
}

func NewTypingChangedEvent(conversationID string, composing bool, changedAt time.Time, timedOut bool) *EventTypingChanged {
	return &EventTypingChanged{
		EventImpl: EventImpl{Type_: EventTypeTypingChanged, Metadata_: NewEventMetadata(conversationID)},
		Composing: composing,
		ChangedAt: changedAt,
		TimedOut:  timedOut,
	}
}

type NotificationLevel string

const (
	NotificationInfo    NotificationLevel = "info"
	NotificationWarning NotificationLevel = "warning"
	NotificationError   NotificationLevel = "error"
)

type EventNotification struct {
	EventImpl
	Level NotificationLevel `json:"level"`
	Text  string            `json:"text"`
}

func NewNotificationEvent(conversationID string, level NotificationLevel, text string) *EventNotification {
	return &EventNotification{
		EventImpl: EventImpl{Type_: EventTypeNotification, Metadata_: NewEventMetadata(conversationID)},
		Level:     level,
		Text:      text,
	}
}

type EventModelChanged struct {
	EventImpl
	ModelID     string `json:"model_id"`
	DisplayName string `json:"display_name"`
}

func NewModelChangedEvent(modelID string, displayName string) *EventModelChanged {
	return &EventModelChanged{
		EventImpl:   EventImpl{Type_: EventTypeModelChanged, Metadata_: NewEventMetadata("")},
		ModelID:     modelID,
		DisplayName: displayName,
	}
}

type ConversationChange string

const (
	ConversationCreated ConversationChange = "created"
	ConversationCleared ConversationChange = "cleared"
	ConversationLoaded  ConversationChange = "loaded"
	ConversationSaved   ConversationChange = "saved"
	ConversationRenamed ConversationChange = "renamed"
	ConversationDeleted ConversationChange = "deleted"
)

type EventConversationChanged struct {
	EventImpl
	Change ConversationChange `json:"change"`
	Title  string             `json:"title,omitempty"`
}

func NewConversationChangedEvent(conversationID string, change ConversationChange, title string) *EventConversationChanged {
	return &EventConversationChanged{
		EventImpl: EventImpl{Type_: EventTypeConversationChanged, Metadata_: NewEventMetadata(conversationID)},
		Change:    change,
		Title:     title,
	}
}

func decodeInto[T any](b []byte) (*T, error) {
	var ret T
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// NewEventFromJson decodes an event published by a WatermillSink.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, err
	}

	var (
		ev  Event
		err error
	)
	switch hdr.Type {
	case EventTypeMessagesChanged:
		var e *EventMessagesChanged
		e, err = decodeInto[EventMessagesChanged](b)
		if e != nil {
			e.payload = b
			ev = e
		}
	case EventTypeTypingChanged:
		var e *EventTypingChanged
		e, err = decodeInto[EventTypingChanged](b)
		if e != nil {
			e.payload = b
			ev = e
		}
	case EventTypeNotification:
		var e *EventNotification
		e, err = decodeInto[EventNotification](b)
		if e != nil {
			e.payload = b
			ev = e
		}
	case EventTypeModelChanged:
		var e *EventModelChanged
		e, err = decodeInto[EventModelChanged](b)
		if e != nil {
			e.payload = b
			ev = e
		}
	case EventTypeConversationChanged:
		var e *EventConversationChanged
		e, err = decodeInto[EventConversationChanged](b)
		if e != nil {
			e.payload = b
			ev = e
		}
	default:
		return nil, fmt.Errorf("unknown event type %q", hdr.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}
