package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/models"
)

type fakeCompleter struct {
	complete func(ctx context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error)
}

func (f fakeCompleter) CreateChatCompletion(ctx context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error) {
	return f.complete(ctx, req)
}

func TestOpenAIProvider_MapsHistory(t *testing.T) {
	var seen go_openai.ChatCompletionRequest
	p := NewOpenAIProviderWithClient(fakeCompleter{complete: func(ctx context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error) {
		seen = req
		return go_openai.ChatCompletionResponse{
			Choices: []go_openai.ChatCompletionChoice{{Message: go_openai.ChatCompletionMessage{Content: "hi there"}}},
		}, nil
	}}, "gpt-4o-mini")

	resp, err := p.Complete(context.Background(), &Request{
		Query:   "hello",
		ModelID: "fast",
		History: []conversation.HistoryEntry{
			{Role: conversation.RoleSystem, Content: "be brief"},
			{Role: conversation.RoleUser, Content: "q"},
			{Role: conversation.RoleAssistant, Content: "a"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text)
	require.Equal(t, "fast", resp.ModelID)
	require.Equal(t, "gpt-4o-mini", seen.Model)
	require.Len(t, seen.Messages, 4)
	require.Equal(t, go_openai.ChatMessageRoleSystem, seen.Messages[0].Role)
	require.Equal(t, go_openai.ChatMessageRoleAssistant, seen.Messages[2].Role)
	require.Equal(t, "hello", seen.Messages[3].Content)
}

func TestOpenAIProvider_Errors(t *testing.T) {
	p := NewOpenAIProviderWithClient(fakeCompleter{complete: func(ctx context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error) {
		return go_openai.ChatCompletionResponse{}, errors.New("rate limited")
	}}, "m")
	_, err := p.Complete(context.Background(), &Request{Query: "x"})
	require.Error(t, err)

	empty := NewOpenAIProviderWithClient(fakeCompleter{complete: func(ctx context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error) {
		return go_openai.ChatCompletionResponse{}, nil
	}}, "m")
	_, err = empty.Complete(context.Background(), &Request{Query: "x"})
	require.Error(t, err)

	_, err = NewOpenAIProvider("", "", "m")
	require.Error(t, err)
}

func TestOllamaProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "llama2", body["model"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama2","message":{"role":"assistant","content":"pong"},"done":true}`))
	}))
	defer srv.Close()
	t.Setenv("OLLAMA_HOST", srv.URL)

	p, err := NewOllamaProvider("llama2")
	require.NoError(t, err)
	resp, err := p.Complete(context.Background(), &Request{Query: "ping", ModelID: "local"})
	require.NoError(t, err)
	require.Equal(t, "pong", resp.Text)
}

func TestRouterAndFromConfig(t *testing.T) {
	cfg := &models.Config{Models: []models.Descriptor{
		{ID: "echo"},
		{ID: "remote", ProviderConfig: map[string]interface{}{"type": "openai", "model": "gpt-4o"}},
	}}
	_, err := FromConfig(cfg, Settings{})
	require.Error(t, err)

	r, err := FromConfig(cfg, Settings{OpenAIAPIKey: "sk-test"})
	require.NoError(t, err)
	resp, err := r.Complete(context.Background(), &Request{Query: "hi", ModelID: "echo"})
	require.NoError(t, err)
	require.Contains(t, resp.Text, "You said: hi")

	_, err = r.Complete(context.Background(), &Request{ModelID: "missing"})
	require.ErrorIs(t, err, conversation.ErrModelNotFound)

	_, err = FromConfig(&models.Config{Models: []models.Descriptor{
		{ID: "x", ProviderConfig: map[string]interface{}{"type": "carrier-pigeon"}},
	}}, Settings{})
	require.ErrorIs(t, err, conversation.ErrModel)
}
