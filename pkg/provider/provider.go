// Package provider answers queries given prior history. Implementations wrap
// an upstream model API.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/models"
)

type Request struct {
	Query   string
	History []conversation.HistoryEntry
	ModelID string
}

type Response struct {
	Text    string
	ModelID string
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// EchoProvider answers with the query, for offline use and tests.
type EchoProvider struct{}

func (EchoProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	turns := 0
	for _, h := range req.History {
		if h.Role == conversation.RoleUser {
			turns++
		}
	}
	return &Response{
		Text:    fmt.Sprintf("You said: %s\n\n_(turn %d)_", req.Query, turns+1),
		ModelID: req.ModelID,
	}, nil
}

// Router picks the provider registered for the request's model id.
type Router struct {
	providers map[string]Provider
	fallback  Provider
}

func NewRouter(fallback Provider) *Router {
	return &Router{providers: map[string]Provider{}, fallback: fallback}
}

func (r *Router) Register(modelID string, p Provider) {
	r.providers[modelID] = p
}

func (r *Router) Complete(ctx context.Context, req *Request) (*Response, error) {
	if p, ok := r.providers[req.ModelID]; ok {
		return p.Complete(ctx, req)
	}
	if r.fallback != nil {
		return r.fallback.Complete(ctx, req)
	}
	return nil, &conversation.ModelError{ModelID: req.ModelID, Err: conversation.ErrModelNotFound}
}

var _ Provider = (*Router)(nil)

type Settings struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// FromConfig registers one provider per configured model, chosen by the
// model's provider.type: "openai", "ollama" or "echo".
func FromConfig(cfg *models.Config, settings Settings) (*Router, error) {
	r := NewRouter(nil)
	for _, d := range cfg.Models {
		kind, _ := d.ProviderConfig["type"].(string)
		switch strings.ToLower(kind) {
		case "", "echo":
			r.Register(d.ID, EchoProvider{})
		case "openai":
			p, err := NewOpenAIProvider(settings.OpenAIAPIKey, settings.OpenAIBaseURL, d.UpstreamModel())
			if err != nil {
				return nil, err
			}
			r.Register(d.ID, p)
		case "ollama":
			p, err := NewOllamaProvider(d.UpstreamModel())
			if err != nil {
				return nil, err
			}
			r.Register(d.ID, p)
		default:
			return nil, &conversation.ModelError{ModelID: d.ID, Err: fmt.Errorf("unknown provider type %q", kind)}
		}
	}
	return r, nil
}
