// Package catalog manages saved conversations: the catalog of titled
// conversations, their message blobs and the pointer to the active one.
package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/events"
	"github.com/go-go-golems/colloquy/pkg/messagestore"
	"github.com/go-go-golems/colloquy/pkg/store"
)

const (
	KeyCatalog            = "conversations"
	KeyActiveConversation = "active_conversation"
	messagesKeyPrefix     = "conversation_messages/"
)

func MessagesKey(conversationID string) string {
	return messagesKeyPrefix + conversationID
}

// Manager owns every persisted key. The message store it creates writes
// through it, so there is exactly one writer per key.
type Manager struct {
	store    store.Store
	messages *messagestore.Store
	sink     events.EventSink
	now      func() time.Time

	// mu serializes catalog read-modify-write cycles.
	mu sync.Mutex
}

type Option func(*managerOptions)

type managerOptions struct {
	sink         events.EventSink
	now          func() time.Time
	storeOptions []messagestore.Option
}

func WithEventSink(sink events.EventSink) Option {
	return func(o *managerOptions) {
		o.sink = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *managerOptions) {
		o.now = now
	}
}

// WithMessageStoreOptions passes options to the message store the manager
// creates. A persister given here is overridden.
func WithMessageStoreOptions(options ...messagestore.Option) Option {
	return func(o *managerOptions) {
		o.storeOptions = append(o.storeOptions, options...)
	}
}

func NewManager(st store.Store, options ...Option) *Manager {
	opts := &managerOptions{
		sink: events.NullSink{},
		now:  time.Now,
	}
	for _, o := range options {
		o(opts)
	}

	m := &Manager{
		store: st,
		sink:  opts.sink,
		now:   opts.now,
	}
	storeOptions := append([]messagestore.Option{
		messagestore.WithEventSink(opts.sink),
		messagestore.WithClock(opts.now),
	}, opts.storeOptions...)
	storeOptions = append(storeOptions, messagestore.WithPersister(m))
	m.messages = messagestore.New(storeOptions...)
	return m
}

// Messages returns the message store of the active conversation.
func (m *Manager) Messages() *messagestore.Store {
	return m.messages
}

// Active returns a copy of the active conversation.
func (m *Manager) Active() *conversation.Conversation {
	return m.messages.Conversation()
}

// List returns the saved conversations, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]conversation.Summary, error) {
	m.mu.Lock()
	entries, err := m.readCatalog(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Save catalogs the active conversation under title.
func (m *Manager) Save(ctx context.Context, title string) (*conversation.Conversation, error) {
	conv := m.messages.Conversation()
	if len(conv.Messages) == 0 {
		return nil, conversation.NewValidationError("conversation", conversation.ErrEmptyConversation)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, conversation.NewValidationError("title", conversation.ErrTitleRequired)
	}

	if err := m.messages.Flush(ctx); err != nil {
		return nil, err
	}
	// Flush does nothing when the log is clean; the blob must exist regardless.
	if err := m.writeBlob(ctx, conv); err != nil {
		return nil, err
	}

	conv.Title = title
	m.mu.Lock()
	err := m.updateCatalog(ctx, func(entries []conversation.Summary) []conversation.Summary {
		s := conv.Summary()
		if i := indexOf(entries, conv.ID); i >= 0 {
			s.CreatedAt = entries[i].CreatedAt
			entries[i] = s
			return entries
		}
		return append(entries, s)
	})
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.messages.SetTitle(title)

	log.Info().Str("conversation_id", conv.ID).Str("title", title).Int("messages", len(conv.Messages)).
		Msg("conversation saved")
	events.Publish(m.sink, events.NewConversationChangedEvent(conv.ID, events.ConversationSaved, title))
	return conv, nil
}

// Load makes the stored conversation id the active one. On any failure the
// active conversation is left as it was.
func (m *Manager) Load(ctx context.Context, id string) error {
	conv, err := m.read(ctx, id)
	if err != nil {
		return err
	}
	if err := m.messages.ReplaceAll(ctx, conv); err != nil {
		return err
	}
	if err := m.setActive(ctx, conv.ID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("could not record active conversation")
	}

	log.Info().Str("conversation_id", conv.ID).Int("messages", len(conv.Messages)).Msg("conversation loaded")
	events.Publish(m.sink, events.NewConversationChangedEvent(conv.ID, events.ConversationLoaded, conv.Title))
	return nil
}

// Restore reloads the conversation that was active when the process last
// ran. A missing or unreadable conversation leaves a fresh one active.
func (m *Manager) Restore(ctx context.Context) error {
	b, ok, err := m.store.Get(ctx, KeyActiveConversation)
	if err != nil {
		return &conversation.PersistenceError{Op: "get", Key: KeyActiveConversation, Cause: err}
	}
	if !ok || len(b) == 0 {
		return nil
	}
	id := string(b)
	err = m.Load(ctx, id)
	if errors.Is(err, conversation.ErrNotFound) {
		log.Debug().Str("conversation_id", id).Msg("last active conversation is gone, starting fresh")
		return nil
	}
	return err
}

// New starts an empty conversation, flushing the previous one.
func (m *Manager) New(ctx context.Context) string {
	id := m.messages.Reset(ctx)
	if err := m.setActive(ctx, id); err != nil {
		log.Warn().Err(err).Str("conversation_id", id).Msg("could not record active conversation")
	}
	events.Publish(m.sink, events.NewConversationChangedEvent(id, events.ConversationCreated, ""))
	return id
}

// Clear empties the active conversation. Its blob and catalog entry are
// removed by the following write-through.
func (m *Manager) Clear(ctx context.Context) error {
	m.messages.Clear()
	id := m.messages.ConversationID()
	m.messages.SetTitle("")
	events.Publish(m.sink, events.NewConversationChangedEvent(id, events.ConversationCleared, ""))
	return m.messages.Flush(ctx)
}

func (m *Manager) Rename(ctx context.Context, id string, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return conversation.NewValidationError("title", conversation.ErrTitleRequired)
	}

	m.mu.Lock()
	found := false
	err := m.updateCatalog(ctx, func(entries []conversation.Summary) []conversation.Summary {
		if i := indexOf(entries, id); i >= 0 {
			entries[i].Title = title
			found = true
		}
		return entries
	})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if !found {
		return conversation.NewValidationError("id", conversation.ErrNotFound)
	}
	if m.messages.ConversationID() == id {
		m.messages.SetTitle(title)
	}

	events.Publish(m.sink, events.NewConversationChangedEvent(id, events.ConversationRenamed, title))
	return nil
}

// Delete removes a stored conversation. Deleting the active conversation
// clears it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.messages.ConversationID() == id {
		if err := m.Clear(ctx); err != nil {
			return err
		}
		events.Publish(m.sink, events.NewConversationChangedEvent(id, events.ConversationDeleted, ""))
		return nil
	}

	_, hasBlob, err := m.store.Get(ctx, MessagesKey(id))
	if err != nil {
		return &conversation.PersistenceError{Op: "get", Key: MessagesKey(id), Cause: err}
	}
	m.mu.Lock()
	entries, err := m.readCatalog(ctx)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if !hasBlob && indexOf(entries, id) < 0 {
		return conversation.NewValidationError("id", conversation.ErrNotFound)
	}

	if err := m.DeleteMessages(ctx, id); err != nil {
		return err
	}
	log.Info().Str("conversation_id", id).Msg("conversation deleted")
	events.Publish(m.sink, events.NewConversationChangedEvent(id, events.ConversationDeleted, ""))
	return nil
}

// Export renders the active conversation as plain text.
func (m *Manager) Export(opts conversation.ExportOptions) string {
	return conversation.ExportAsText(m.messages.Conversation(), opts)
}

// ExportStored renders a stored conversation without loading it.
func (m *Manager) ExportStored(ctx context.Context, id string, opts conversation.ExportOptions) (string, error) {
	conv, err := m.read(ctx, id)
	if err != nil {
		return "", err
	}
	return conversation.ExportAsText(conv, opts), nil
}

// PersistMessages implements messagestore.Persister.
func (m *Manager) PersistMessages(ctx context.Context, conv *conversation.Conversation) error {
	if err := m.writeBlob(ctx, conv); err != nil {
		return err
	}
	// a late write of a swapped-out conversation leaves the pointer alone
	if conv.ID == m.messages.ConversationID() {
		if err := m.setActive(ctx, conv.ID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCatalog(ctx, func(entries []conversation.Summary) []conversation.Summary {
		if i := indexOf(entries, conv.ID); i >= 0 {
			entries[i].UpdatedAt = conv.UpdatedAt
			entries[i].MessageCount = len(conv.Messages)
		}
		return entries
	})
}

// DeleteMessages implements messagestore.Persister. A cataloged
// conversation loses its catalog entry with its messages.
func (m *Manager) DeleteMessages(ctx context.Context, conversationID string) error {
	key := MessagesKey(conversationID)
	if err := m.store.Remove(ctx, key); err != nil {
		return &conversation.PersistenceError{Op: "remove", Key: key, Cause: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCatalog(ctx, func(entries []conversation.Summary) []conversation.Summary {
		if i := indexOf(entries, conversationID); i >= 0 {
			return append(entries[:i], entries[i+1:]...)
		}
		return entries
	})
}

// Close flushes the active conversation.
func (m *Manager) Close(ctx context.Context) error {
	return m.messages.Close(ctx)
}

// read decodes a stored conversation. Messages that were still pending when
// they were written come back as failed so they can be resent.
func (m *Manager) read(ctx context.Context, id string) (*conversation.Conversation, error) {
	key := MessagesKey(id)
	b, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, &conversation.PersistenceError{Op: "get", Key: key, Cause: err}
	}
	if !ok {
		return nil, conversation.NewValidationError("id", conversation.ErrNotFound)
	}

	var msgs []*conversation.Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, &conversation.PersistenceError{Op: "decode", Key: key, Cause: err}
	}
	for _, msg := range msgs {
		if msg == nil {
			return nil, &conversation.PersistenceError{Op: "decode", Key: key, Cause: errors.New("null message")}
		}
		if msg.Status == conversation.StatusPending {
			msg.Status = conversation.StatusFailed
		}
	}

	conv := &conversation.Conversation{ID: id, Messages: msgs}
	if n := len(msgs); n > 0 {
		conv.CreatedAt = msgs[0].Timestamp
		conv.UpdatedAt = msgs[n-1].Timestamp
	} else {
		conv.CreatedAt = m.now()
		conv.UpdatedAt = conv.CreatedAt
	}

	m.mu.Lock()
	entries, err := m.readCatalog(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if i := indexOf(entries, id); i >= 0 {
		conv.Title = entries[i].Title
		conv.CreatedAt = entries[i].CreatedAt
		conv.Touch(entries[i].UpdatedAt)
	}
	return conv, nil
}

func (m *Manager) writeBlob(ctx context.Context, conv *conversation.Conversation) error {
	key := MessagesKey(conv.ID)
	b, err := json.Marshal(conv.Messages)
	if err != nil {
		return &conversation.PersistenceError{Op: "encode", Key: key, Cause: err}
	}
	if err := m.store.Set(ctx, key, b); err != nil {
		return &conversation.PersistenceError{Op: "set", Key: key, Cause: err}
	}
	return nil
}

func (m *Manager) setActive(ctx context.Context, id string) error {
	if err := m.store.Set(ctx, KeyActiveConversation, []byte(id)); err != nil {
		return &conversation.PersistenceError{Op: "set", Key: KeyActiveConversation, Cause: err}
	}
	return nil
}

// readCatalog must be called with mu held.
func (m *Manager) readCatalog(ctx context.Context) ([]conversation.Summary, error) {
	b, ok, err := m.store.Get(ctx, KeyCatalog)
	if err != nil {
		return nil, &conversation.PersistenceError{Op: "get", Key: KeyCatalog, Cause: err}
	}
	if !ok || len(b) == 0 {
		return []conversation.Summary{}, nil
	}
	var entries []conversation.Summary
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, &conversation.PersistenceError{Op: "decode", Key: KeyCatalog, Cause: err}
	}
	return entries, nil
}

// updateCatalog must be called with mu held. Nothing is written when f
// leaves the catalog unchanged in size and content.
func (m *Manager) updateCatalog(ctx context.Context, f func([]conversation.Summary) []conversation.Summary) error {
	entries, err := m.readCatalog(ctx)
	if err != nil {
		return err
	}
	before, err := json.Marshal(entries)
	if err != nil {
		return &conversation.PersistenceError{Op: "encode", Key: KeyCatalog, Cause: err}
	}
	after, err := json.Marshal(f(entries))
	if err != nil {
		return &conversation.PersistenceError{Op: "encode", Key: KeyCatalog, Cause: err}
	}
	if string(before) == string(after) {
		return nil
	}
	if err := m.store.Set(ctx, KeyCatalog, after); err != nil {
		return &conversation.PersistenceError{Op: "set", Key: KeyCatalog, Cause: err}
	}
	return nil
}

func indexOf(entries []conversation.Summary, id string) int {
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}
