// Package messagestore owns the ordered message log of the active
// conversation and mirrors it to durable storage through a Persister.
package messagestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/events"
)

const DefaultDebounce = 250 * time.Millisecond

// Persister writes the active log. It is the only writer of persisted keys.
type Persister interface {
	PersistMessages(ctx context.Context, conv *conversation.Conversation) error
	DeleteMessages(ctx context.Context, conversationID string) error
}

type Store struct {
	mu   sync.Mutex
	conv *conversation.Conversation

	// writeMu serializes writes so a slow write never races a newer one.
	writeMu   sync.Mutex
	persister Persister
	debounce  time.Duration
	dirty     bool
	// unsaved holds swapped-out conversations whose last write failed,
	// keyed by id. They are retried before the active log on every write.
	unsaved   map[string]*conversation.Conversation
	lastWrite time.Time
	timer     *time.Timer
	closed    bool

	sink events.EventSink
	now  func() time.Time
}

type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

func WithDebounce(d time.Duration) Option {
	return func(s *Store) {
		s.debounce = d
	}
}

func WithEventSink(sink events.EventSink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(options ...Option) *Store {
	ret := &Store{
		debounce: DefaultDebounce,
		unsaved:  map[string]*conversation.Conversation{},
		sink:     events.NullSink{},
		now:      time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	ret.conv = conversation.NewConversation(ret.now())
	return ret
}

// RemovedGroup lists the messages removed by one operation, in log order.
type RemovedGroup []*conversation.Message

func (g RemovedGroup) IDs() []string {
	ret := make([]string, 0, len(g))
	for _, m := range g {
		ret = append(ret, m.ID)
	}
	return ret
}

func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conv.Messages)
}

// Append adds msg at the end of the log. A timestamp earlier than the
// previous message's is raised to it, keeping the log ordered.
func (s *Store) Append(msg *conversation.Message) error {
	if msg == nil || !msg.HasContent() {
		return conversation.NewValidationError("content", conversation.ErrEmptyMessage)
	}
	if msg.ID == "" {
		return &conversation.ValidationError{Field: "id", Reason: "message id is empty"}
	}

	s.mu.Lock()
	if s.indexLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		return conversation.NewValidationError("id", conversation.ErrDuplicateID)
	}
	m := msg.Clone()
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	if n := len(s.conv.Messages); n > 0 {
		if prev := s.conv.Messages[n-1].Timestamp; m.Timestamp.Before(prev) {
			m.Timestamp = prev
		}
	}
	s.conv.Messages = append(s.conv.Messages, m)
	s.conv.Touch(m.Timestamp)
	ev := s.changedLocked()
	s.mu.Unlock()

	log.Debug().Str("conversation_id", ev.Metadata().ConversationID).Str("message_id", m.ID).
		Str("sender", string(m.SenderKind)).Msg("message appended")
	events.Publish(s.sink, ev)
	return nil
}

// Remove deletes the message with id. Removing a user message also removes
// the assistant reply that immediately follows it.
func (s *Store) Remove(id string) (RemovedGroup, error) {
	return s.remove(id, false)
}

// RemoveExchange removes a user message together with the assistant reply or
// failure notice that immediately follows it. Used when resending.
func (s *Store) RemoveExchange(id string) (RemovedGroup, error) {
	return s.remove(id, true)
}

func (s *Store) remove(id string, exchange bool) (RemovedGroup, error) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil, conversation.NewValidationError("id", conversation.ErrNotFound)
	}
	msgs := s.conv.Messages
	target := msgs[idx]
	if exchange && target.SenderKind != conversation.SenderUser {
		s.mu.Unlock()
		return nil, &conversation.ValidationError{Field: "id", Reason: "only user messages can be resent"}
	}

	end := idx + 1
	if target.SenderKind == conversation.SenderUser && end < len(msgs) {
		next := msgs[end]
		switch {
		case next.SenderKind == conversation.SenderAssistant:
			end++
		case exchange && next.SenderKind == conversation.SenderSystem && next.Status == conversation.StatusFailed:
			end++
		}
	}

	removed := make(RemovedGroup, 0, end-idx)
	removed = append(removed, msgs[idx:end]...)
	rest := make([]*conversation.Message, 0, len(msgs)-len(removed))
	rest = append(rest, msgs[:idx]...)
	rest = append(rest, msgs[end:]...)
	s.conv.Messages = rest
	s.conv.Touch(s.now())
	ev := s.changedLocked()
	s.mu.Unlock()

	log.Debug().Strs("message_ids", removed.IDs()).Msg("messages removed")
	events.Publish(s.sink, ev)
	return removed, nil
}

func (s *Store) SetStatus(id string, status conversation.Status) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return conversation.NewValidationError("id", conversation.ErrNotFound)
	}
	m := s.conv.Messages[idx]
	if !m.Status.CanTransition(status) {
		s.mu.Unlock()
		return &conversation.ValidationError{
			Field:  "status",
			Reason: string(m.Status) + " -> " + string(status),
			Err:    conversation.ErrInvalidTransition,
		}
	}
	if m.Status == status {
		s.mu.Unlock()
		return nil
	}
	m.Status = status
	s.conv.Touch(s.now())
	ev := s.changedLocked()
	s.mu.Unlock()

	events.Publish(s.sink, ev)
	return nil
}

func (s *Store) Get(id string) (*conversation.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return nil, false
	}
	return s.conv.Messages[idx].Clone(), true
}

// SetTitle names the active conversation. Titles live in the catalog, so this
// does not schedule a write.
func (s *Store) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.Title = title
}

// Snapshot returns a deep copy of the ordered log.
func (s *Store) Snapshot() []*conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone.Clone(s.conv.Messages).([]*conversation.Message)
}

// Conversation returns a deep copy of the active conversation.
func (s *Store) Conversation() *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone.Clone(s.conv).(*conversation.Conversation)
}

// ReplaceAll makes conv the active conversation. Pending writes of the
// previous conversation are flushed first.
func (s *Store) ReplaceAll(ctx context.Context, conv *conversation.Conversation) error {
	if conv == nil || conv.ID == "" {
		return &conversation.ValidationError{Field: "conversation", Reason: "missing conversation id"}
	}
	c := clone.Clone(conv).(*conversation.Conversation)
	if c.Messages == nil {
		c.Messages = []*conversation.Message{}
	}
	s.swap(ctx, c, len(c.Messages) > 0)
	return nil
}

// Reset starts a new, empty active conversation.
func (s *Store) Reset(ctx context.Context) string {
	c := conversation.NewConversation(s.now())
	s.swap(ctx, c, false)
	return c.ID
}

// Clear empties the active log and deletes its persisted copy.
func (s *Store) Clear() {
	s.mu.Lock()
	s.conv.Messages = []*conversation.Message{}
	s.conv.Touch(s.now())
	ev := s.changedLocked()
	s.mu.Unlock()

	events.Publish(s.sink, ev)
}

func (s *Store) swap(ctx context.Context, next *conversation.Conversation, persistNext bool) {
	s.writeMu.Lock()
	s.mu.Lock()
	prev, prevDirty := s.conv, s.dirty
	s.stopTimerLocked()
	s.conv = next
	s.dirty = false
	// next is authoritative from now on
	delete(s.unsaved, next.ID)
	var ev events.Event
	if persistNext {
		ev = s.changedLocked()
	} else {
		ev = events.NewMessagesChangedEvent(next.ID, clone.Clone(next.Messages).([]*conversation.Message))
	}
	s.mu.Unlock()

	if prevDirty {
		if err := s.persistLocked(ctx, prev); err != nil {
			s.mu.Lock()
			if prev.ID != s.conv.ID {
				s.unsaved[prev.ID] = prev
			}
			s.scheduleLocked()
			s.mu.Unlock()
		}
	}
	s.writeMu.Unlock()

	events.Publish(s.sink, ev)
}

// Flush writes pending changes synchronously.
func (s *Store) Flush(ctx context.Context) error {
	return s.writeLatest(ctx)
}

// Close flushes and stops scheduling writes.
func (s *Store) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()
	return err
}

func (s *Store) indexLocked(id string) int {
	for i, m := range s.conv.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// changedLocked marks the log dirty, schedules a write and builds the
// notification to publish once the lock is released.
func (s *Store) changedLocked() events.Event {
	s.dirty = true
	s.scheduleLocked()
	return events.NewMessagesChangedEvent(s.conv.ID, clone.Clone(s.conv.Messages).([]*conversation.Message))
}

func (s *Store) scheduleLocked() {
	if s.persister == nil || s.closed || s.timer != nil {
		return
	}
	delay := time.Duration(0)
	if !s.lastWrite.IsZero() {
		delay = s.debounce - s.now().Sub(s.lastWrite)
		if delay < 0 {
			delay = 0
		}
	}
	s.timer = time.AfterFunc(delay, s.writeBack)
}

func (s *Store) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Store) writeBack() {
	_ = s.writeLatest(context.Background())
}

// writeLatest persists conversations left unsaved by a swap, then the
// current log if it changed since the last write. The snapshot is taken
// under writeMu so an older state never overwrites a newer one.
func (s *Store) writeLatest(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var errs []error
	if err := s.retryUnsavedLocked(ctx); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.stopTimerLocked()
	if !s.dirty {
		s.mu.Unlock()
		return errors.Join(errs...)
	}
	s.dirty = false
	conv := clone.Clone(s.conv).(*conversation.Conversation)
	s.mu.Unlock()

	if err := s.persistLocked(ctx, conv); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// retryUnsavedLocked writes every swapped-out conversation still waiting
// for a successful write; writeMu must be held.
func (s *Store) retryUnsavedLocked(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*conversation.Conversation, 0, len(s.unsaved))
	for _, c := range s.unsaved {
		pending = append(pending, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range pending {
		err := s.persistLocked(ctx, c)
		s.mu.Lock()
		if err == nil && s.unsaved[c.ID] == c {
			delete(s.unsaved, c.ID)
		}
		s.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unsaved lists the ids of inactive conversations whose changes have not
// reached storage yet.
func (s *Store) Unsaved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]string, 0, len(s.unsaved))
	for id := range s.unsaved {
		ret = append(ret, id)
	}
	return ret
}

// persistLocked writes conv; writeMu must be held. Failures leave the log
// dirty so the next mutation or Flush retries. The in-memory log is never
// rolled back.
func (s *Store) persistLocked(ctx context.Context, conv *conversation.Conversation) error {
	if s.persister == nil {
		return nil
	}

	var err error
	if len(conv.Messages) == 0 {
		err = s.persister.DeleteMessages(ctx, conv.ID)
	} else {
		err = s.persister.PersistMessages(ctx, conv)
	}
	if err != nil && !errors.Is(err, conversation.ErrPersistence) {
		err = &conversation.PersistenceError{Op: "write-through", Key: conv.ID, Cause: err}
	}

	s.mu.Lock()
	s.lastWrite = s.now()
	if err != nil && s.conv.ID == conv.ID {
		s.dirty = true
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Int("messages", len(conv.Messages)).
			Msg("could not persist conversation, will retry on next change")
		return err
	}
	log.Trace().Str("conversation_id", conv.ID).Int("messages", len(conv.Messages)).Msg("conversation persisted")
	return nil
}
