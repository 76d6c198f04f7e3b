// Package transport delivers a user message to the backend and returns the
// assistant's reply, over a realtime bus with an HTTP fallback.
package transport

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/conversation"
)

// Request is one dispatch. RequestID correlates the reply.
type Request struct {
	RequestID      string
	ConversationID string
	UserID         string
	ModelID        string
	// Content is the query sent to the model, including attachment notes.
	Content    string
	Attachment *conversation.Attachment
	History    []conversation.HistoryEntry
	// OnTyping is called whenever the backend reports it is composing.
	OnTyping func()
}

// Channel sends a request and waits for the assistant reply. Every error
// returned satisfies errors.Is(err, conversation.ErrTransport).
type Channel interface {
	Send(ctx context.Context, req *Request) (*conversation.Message, error)
}

// ApplicationError is a definitive rejection by the backend; retrying the
// same request will not help.
type ApplicationError struct {
	StatusCode int
	Message    string
}

func (e *ApplicationError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backend error: %s", e.Message)
	}
	return fmt.Sprintf("backend error (%d): %s", e.StatusCode, e.Message)
}

// Failover sends through primary and retries once through fallback when the
// primary fails for any reason other than the caller giving up.
type Failover struct {
	primary  Channel
	fallback Channel
}

var _ Channel = (*Failover)(nil)

func NewFailover(primary Channel, fallback Channel) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

func (f *Failover) Send(ctx context.Context, req *Request) (*conversation.Message, error) {
	msg, err := f.primary.Send(ctx, req)
	if err == nil {
		return msg, nil
	}
	if ctx.Err() != nil || f.fallback == nil {
		return nil, conversation.NewTransportError(err)
	}

	log.Warn().Err(err).
		Str("request_id", req.RequestID).
		Str("conversation_id", req.ConversationID).
		Msg("primary channel failed, using fallback")

	msg, ferr := f.fallback.Send(ctx, req)
	if ferr != nil {
		log.Error().Err(ferr).Str("request_id", req.RequestID).Msg("fallback channel failed")
		return nil, conversation.NewTransportError(ferr)
	}
	return msg, nil
}
