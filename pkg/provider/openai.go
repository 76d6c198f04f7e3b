package provider

import (
	"context"

	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/colloquy/pkg/conversation"
)

// ChatCompleter is the subset of the go-openai client used here.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error)
}

type OpenAIProvider struct {
	client ChatCompleter
	model  string
}

func NewOpenAIProvider(apiKey string, baseURL string, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("no API key for openai")
	}
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return NewOpenAIProviderWithClient(go_openai.NewClientWithConfig(config), model), nil
}

func NewOpenAIProviderWithClient(client ChatCompleter, model string) *OpenAIProvider {
	return &OpenAIProvider{client: client, model: model}
}

func (o *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	msgs := make([]go_openai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, h := range req.History {
		msgs = append(msgs, go_openai.ChatCompletionMessage{Role: roleToOpenAI(h.Role), Content: h.Content})
	}
	msgs = append(msgs, go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleUser, Content: req.Query})

	resp, err := o.client.CreateChatCompletion(ctx, go_openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "openai chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion: no choices")
	}
	return &Response{Text: resp.Choices[0].Message.Content, ModelID: req.ModelID}, nil
}

func roleToOpenAI(r conversation.Role) string {
	switch r {
	case conversation.RoleSystem:
		return go_openai.ChatMessageRoleSystem
	case conversation.RoleAssistant:
		return go_openai.ChatMessageRoleAssistant
	default:
		return go_openai.ChatMessageRoleUser
	}
}
