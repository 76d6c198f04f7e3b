package models

import (
	"bytes"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/conversation"
)

// Session holds the model catalog and the active model.
type Session struct {
	mu          sync.RWMutex
	initialized bool
	models      []Descriptor
	byID        map[string]int
	activeID    string
}

func NewSession() *Session {
	return &Session{}
}

// Initialize installs cfg and activates its default model. It returns false,
// leaving the session untouched, when cfg is nil, has no models, repeats or
// omits an id, or names a default model that is not in the list.
func (s *Session) Initialize(cfg *Config) bool {
	if cfg == nil || len(cfg.Models) == 0 {
		log.Warn().Msg("model session: empty configuration")
		return false
	}
	byID := map[string]int{}
	models := make([]Descriptor, 0, len(cfg.Models))
	for i, m := range cfg.Models {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			log.Warn().Int("index", i).Msg("model session: model without id")
			return false
		}
		if _, ok := byID[id]; ok {
			log.Warn().Str("model_id", id).Msg("model session: duplicate model id")
			return false
		}
		m.ID = id
		byID[id] = len(models)
		models = append(models, m)
	}
	defaultID := strings.TrimSpace(cfg.DefaultModel)
	if defaultID == "" {
		defaultID = models[0].ID
	}
	if _, ok := byID[defaultID]; !ok {
		log.Warn().Str("model_id", defaultID).Msg("model session: default model is not configured")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = models
	s.byID = byID
	s.activeID = defaultID
	s.initialized = true
	log.Debug().Int("models", len(models)).Str("active", defaultID).Msg("model session initialized")
	return true
}

func (s *Session) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *Session) AvailableModels() ([]Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, &conversation.ModelError{Err: conversation.ErrNotInitialized}
	}
	return append([]Descriptor(nil), s.models...), nil
}

// SetActiveModel switches the active model. Unknown ids leave it unchanged.
func (s *Session) SetActiveModel(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false, &conversation.ModelError{ModelID: id, Err: conversation.ErrNotInitialized}
	}
	if _, ok := s.byID[id]; !ok {
		return false, &conversation.ModelError{ModelID: id, Err: conversation.ErrModelNotFound}
	}
	s.activeID = id
	return true, nil
}

func (s *Session) Active() (Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return Descriptor{}, &conversation.ModelError{Err: conversation.ErrNotInitialized}
	}
	return s.models[s.byID[s.activeID]], nil
}

func (s *Session) Lookup(id string) (Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return s.models[idx], true
}

// BuildHistoryPayload maps msgs to history for the active model.
func (s *Session) BuildHistoryPayload(msgs []*conversation.Message) ([]conversation.HistoryEntry, error) {
	d, err := s.Active()
	if err != nil {
		return nil, err
	}
	return BuildHistoryPayloadFor(d, msgs), nil
}

// BuildHistoryPayloadFor prepends the rendered system prompt, then keeps the
// delivered user and assistant turns in order. System messages and messages
// that are failed or still pending never reach the model.
func BuildHistoryPayloadFor(d Descriptor, msgs []*conversation.Message) []conversation.HistoryEntry {
	ret := make([]conversation.HistoryEntry, 0, len(msgs)+1)
	if prompt := RenderSystemPrompt(d); prompt != "" {
		ret = append(ret, conversation.HistoryEntry{Role: conversation.RoleSystem, Content: prompt})
	}
	for _, m := range msgs {
		if m == nil || m.Status != conversation.StatusDelivered {
			continue
		}
		switch m.SenderKind {
		case conversation.SenderUser:
			ret = append(ret, conversation.HistoryEntry{Role: conversation.RoleUser, Content: m.Content})
		case conversation.SenderAssistant:
			ret = append(ret, conversation.HistoryEntry{Role: conversation.RoleAssistant, Content: m.Content})
		case conversation.SenderSystem:
		}
	}
	return ret
}

// RenderSystemPrompt expands Go template syntax (with sprig functions) in the
// system prompt. Prompts that fail to parse or execute are used verbatim.
func RenderSystemPrompt(d Descriptor) string {
	prompt := d.SystemPrompt
	if !strings.Contains(prompt, "{{") {
		return prompt
	}
	tmpl, err := template.New(d.ID).Funcs(sprig.TxtFuncMap()).Parse(prompt)
	if err != nil {
		log.Warn().Err(err).Str("model_id", d.ID).Msg("could not parse system prompt template")
		return prompt
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, map[string]interface{}{
		"ModelID":     d.ID,
		"DisplayName": d.Label(),
	})
	if err != nil {
		log.Warn().Err(err).Str("model_id", d.ID).Msg("could not render system prompt template")
		return prompt
	}
	return buf.String()
}
