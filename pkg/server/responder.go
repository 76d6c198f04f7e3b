// Package server is the backend side of the wire contract: it answers
// sendMessage requests with a model provider, over HTTP and the realtime bus.
package server

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/provider"
	"github.com/go-go-golems/colloquy/pkg/wire"
)

type Responder struct {
	provider provider.Provider
	timeout  time.Duration
}

func NewResponder(p provider.Provider, timeout time.Duration) *Responder {
	return &Responder{provider: p, timeout: timeout}
}

// Respond asks the provider for a reply and returns the acknowledged user
// message together with the assistant message.
func (r *Responder) Respond(ctx context.Context, req *wire.SendMessage) (*conversation.Message, *conversation.Message, error) {
	if strings.TrimSpace(req.Content) == "" && req.Attachment == nil {
		return nil, nil, conversation.NewValidationError("content", conversation.ErrEmptyMessage)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	userMsg := conversation.NewUserMessage(req.UserID, req.Content,
		conversation.WithStatus(conversation.StatusDelivered),
		conversation.WithAttachment(req.Attachment))

	resp, err := r.provider.Complete(ctx, &provider.Request{
		Query:   req.Content,
		History: req.History,
		ModelID: req.ModelID,
	})
	if err != nil {
		return nil, nil, err
	}
	modelID := resp.ModelID
	if modelID == "" {
		modelID = req.ModelID
	}
	return userMsg, conversation.NewAssistantMessage(modelID, resp.Text), nil
}
