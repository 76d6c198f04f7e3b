package provider

import (
	"context"
	"strings"

	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
)

type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider connects using OLLAMA_HOST, defaulting to localhost.
func NewOllamaProvider(model string) (*OllamaProvider, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "ollama client")
	}
	return &OllamaProvider{client: client, model: model}, nil
}

func (o *OllamaProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	msgs := make([]api.Message, 0, len(req.History)+1)
	for _, h := range req.History {
		msgs = append(msgs, api.Message{Role: string(h.Role), Content: h.Content})
	}
	msgs = append(msgs, api.Message{Role: "user", Content: req.Query})

	stream := false
	var sb strings.Builder
	err := o.client.Chat(ctx, &api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "ollama chat")
	}
	return &Response{Text: sb.String(), ModelID: req.ModelID}, nil
}
