package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SenderKind string

const (
	SenderUser      SenderKind = "user"
	SenderAssistant SenderKind = "assistant"
	SenderSystem    SenderKind = "system"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// CanTransition reports whether a message may move from s to next.
// Failed messages only come back through a resend, which mints a new message.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusPending && (next == StatusDelivered || next == StatusFailed)
}

type Kind string

const (
	KindText       Kind = "text"
	KindMarkdown   Kind = "markdown"
	KindAttachment Kind = "attachment"
)

type Attachment struct {
	Name      string `json:"name" yaml:"name"`
	MimeType  string `json:"mimeType" yaml:"mime-type"`
	SizeBytes int64  `json:"sizeBytes" yaml:"size-bytes"`
	URL       string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Category buckets the attachment by MIME type, used to annotate queries.
func (a *Attachment) Category() string {
	if a == nil {
		return ""
	}
	mt := strings.ToLower(a.MimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case mt == "application/pdf":
		return "PDF"
	case strings.HasPrefix(mt, "audio/"):
		return "audio file"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	default:
		return "file"
	}
}

type Message struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	SenderKind SenderKind  `json:"senderKind"`
	SenderID   string      `json:"senderId,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Status     Status      `json:"status"`
	Kind       Kind        `json:"kind"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type MessageOption func(*Message)

func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithSenderID(id string) MessageOption {
	return func(m *Message) {
		m.SenderID = id
	}
}

func WithTimestamp(t time.Time) MessageOption {
	return func(m *Message) {
		m.Timestamp = t
	}
}

func WithStatus(status Status) MessageOption {
	return func(m *Message) {
		m.Status = status
	}
}

func WithKind(kind Kind) MessageOption {
	return func(m *Message) {
		m.Kind = kind
	}
}

func WithAttachment(a *Attachment) MessageOption {
	return func(m *Message) {
		m.Attachment = a
		if a != nil && m.Kind == KindText {
			m.Kind = KindAttachment
		}
	}
}

// NewMessageID returns a time-ordered id.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func NewMessage(sender SenderKind, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:         NewMessageID(),
		Content:    content,
		SenderKind: sender,
		Timestamp:  time.Now(),
		Status:     StatusPending,
		Kind:       KindText,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func NewUserMessage(userID string, content string, options ...MessageOption) *Message {
	return NewMessage(SenderUser, content, append([]MessageOption{WithSenderID(userID)}, options...)...)
}

func NewAssistantMessage(modelID string, content string, options ...MessageOption) *Message {
	opts := []MessageOption{
		WithSenderID(modelID),
		WithKind(KindMarkdown),
		WithStatus(StatusDelivered),
	}
	return NewMessage(SenderAssistant, content, append(opts, options...)...)
}

// NewFailureMessage builds the system message that records a failed dispatch.
func NewFailureMessage(content string, options ...MessageOption) *Message {
	return NewMessage(SenderSystem, content, append([]MessageOption{WithStatus(StatusFailed)}, options...)...)
}

func (m *Message) HasContent() bool {
	return strings.TrimSpace(m.Content) != "" || m.Attachment != nil
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	ret := *m
	if m.Attachment != nil {
		a := *m.Attachment
		ret.Attachment = &a
	}
	return &ret
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// HistoryEntry is what the model provider receives for one prior turn.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
