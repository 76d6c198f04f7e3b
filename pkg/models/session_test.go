package models

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/colloquy/pkg/conversation"
)

func testConfig() *Config {
	return &Config{
		DefaultModel: "a",
		Models: []Descriptor{
			{ID: "a", DisplayName: "Model A", SystemPrompt: "You are A."},
			{ID: "b", DisplayName: "Model B"},
		},
	}
}

func TestInitialize_RejectsBadConfigs(t *testing.T) {
	s := NewSession()
	require.False(t, s.Initialize(nil))
	require.False(t, s.Initialize(&Config{}))
	require.False(t, s.Initialize(&Config{DefaultModel: "x", Models: []Descriptor{{ID: "a"}}}))
	require.False(t, s.Initialize(&Config{Models: []Descriptor{{ID: "a"}, {ID: "a"}}}))
	require.False(t, s.Initialize(&Config{Models: []Descriptor{{ID: " "}}}))
	require.False(t, s.IsInitialized())

	_, err := s.AvailableModels()
	require.ErrorIs(t, err, conversation.ErrModel)
	require.ErrorIs(t, err, conversation.ErrNotInitialized)
}

func TestInitialize_DefaultsToFirstModel(t *testing.T) {
	s := NewSession()
	require.True(t, s.Initialize(&Config{Models: []Descriptor{{ID: "x"}, {ID: "y"}}}))
	d, err := s.Active()
	require.NoError(t, err)
	require.Equal(t, "x", d.ID)
}

func TestSetActiveModel(t *testing.T) {
	s := NewSession()
	require.True(t, s.Initialize(testConfig()))

	ok, err := s.SetActiveModel("missing")
	require.False(t, ok)
	require.ErrorIs(t, err, conversation.ErrModelNotFound)
	d, err := s.Active()
	require.NoError(t, err)
	require.Equal(t, "a", d.ID)

	ok, err = s.SetActiveModel("b")
	require.NoError(t, err)
	require.True(t, ok)
	d, err = s.Active()
	require.NoError(t, err)
	require.Equal(t, "b", d.ID)

	models, err := s.AvailableModels()
	require.NoError(t, err)
	require.Len(t, models, 2)
}

func TestBuildHistoryPayload_FiltersAndPrependsSystemPrompt(t *testing.T) {
	s := NewSession()
	require.True(t, s.Initialize(testConfig()))

	msgs := []*conversation.Message{
		conversation.NewUserMessage("u", "q1", conversation.WithStatus(conversation.StatusDelivered)),
		conversation.NewAssistantMessage("a", "a1"),
		conversation.NewUserMessage("u", "q2", conversation.WithStatus(conversation.StatusDelivered)),
		conversation.NewFailureMessage("network down"),
		conversation.NewMessage(conversation.SenderSystem, "note", conversation.WithStatus(conversation.StatusDelivered)),
		conversation.NewUserMessage("u", "in flight"),
	}

	history, err := s.BuildHistoryPayload(msgs)
	require.NoError(t, err)
	require.Equal(t, []conversation.HistoryEntry{
		{Role: conversation.RoleSystem, Content: "You are A."},
		{Role: conversation.RoleUser, Content: "q1"},
		{Role: conversation.RoleAssistant, Content: "a1"},
		{Role: conversation.RoleUser, Content: "q2"},
	}, history)

	for _, h := range history {
		require.NotEqual(t, "network down", h.Content)
	}
}

func TestBuildHistoryPayload_NoSystemPrompt(t *testing.T) {
	history := BuildHistoryPayloadFor(Descriptor{ID: "b"}, nil)
	require.Empty(t, history)
}

func TestRenderSystemPrompt_Template(t *testing.T) {
	d := Descriptor{ID: "m", DisplayName: "Helper", SystemPrompt: `I am {{ .DisplayName }} ({{ .ModelID | upper }}) on {{ now | date "2006" }}`}
	out := RenderSystemPrompt(d)
	require.True(t, strings.HasPrefix(out, "I am Helper (M) on "))
	require.Contains(t, out, time.Now().Format("2006"))

	broken := Descriptor{ID: "m", SystemPrompt: "{{ .Nope"}
	require.Equal(t, "{{ .Nope", RenderSystemPrompt(broken))
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default-model: fast
models:
  - id: fast
    display-name: Fast
    system-prompt: Be brief.
    provider:
      type: openai
      model: gpt-4o-mini
  - id: echo
`), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, "fast", cfg.DefaultModel)
	require.Len(t, cfg.Models, 2)
	require.Equal(t, "gpt-4o-mini", cfg.Models[0].UpstreamModel())
	require.Equal(t, "echo", cfg.Models[1].UpstreamModel())
	require.Equal(t, "echo", cfg.Models[1].Label())

	s := NewSession()
	require.True(t, s.Initialize(cfg))
	require.True(t, NewSession().Initialize(DefaultConfig()))

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
