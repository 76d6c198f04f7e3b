// Package orchestrator is the single entry point a renderer talks to. It
// ties the message store, model session, typing coordinator, transport and
// conversation catalog together.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/catalog"
	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/events"
	"github.com/go-go-golems/colloquy/pkg/helpers"
	"github.com/go-go-golems/colloquy/pkg/messagestore"
	"github.com/go-go-golems/colloquy/pkg/models"
	"github.com/go-go-golems/colloquy/pkg/transport"
	"github.com/go-go-golems/colloquy/pkg/typing"
)

const DefaultUserID = "local"

type Facade struct {
	manager  *catalog.Manager
	messages *messagestore.Store
	session  *models.Session
	channel  transport.Channel
	typing   *typing.Coordinator
	sink     events.EventSink
	userID   string

	mu sync.Mutex
	// generation changes whenever the active conversation is replaced, so
	// replies to an abandoned dispatch are dropped.
	generation uint64
	inflight   sync.WaitGroup
}

type Option func(*Facade)

func WithEventSink(sink events.EventSink) Option {
	return func(f *Facade) {
		f.sink = sink
	}
}

func WithUserID(id string) Option {
	return func(f *Facade) {
		f.userID = id
	}
}

// WithTypingCoordinator replaces the coordinator the facade would create.
func WithTypingCoordinator(c *typing.Coordinator) Option {
	return func(f *Facade) {
		f.typing = c
	}
}

func NewFacade(manager *catalog.Manager, session *models.Session, channel transport.Channel, options ...Option) *Facade {
	f := &Facade{
		manager:  manager,
		messages: manager.Messages(),
		session:  session,
		channel:  channel,
		sink:     events.NullSink{},
		userID:   DefaultUserID,
	}
	for _, o := range options {
		o(f)
	}
	if f.typing == nil {
		f.typing = typing.NewCoordinator(typing.WithEventSink(f.sink))
	}
	return f
}

// SendMessage appends a user message and dispatches it. Delivery failures
// are reported in the conversation and as a notification, not returned.
func (f *Facade) SendMessage(ctx context.Context, content string, attachment *conversation.Attachment) error {
	if strings.TrimSpace(content) == "" && attachment == nil {
		return conversation.NewValidationError("content", conversation.ErrEmptyMessage)
	}
	d, err := f.begin()
	if err != nil {
		return err
	}
	defer d.ticket.End()
	return f.dispatch(ctx, d, content, attachment)
}

// ResendMessage removes a user message with its reply or failure notice and
// sends its content again. A rejected resend leaves the log untouched.
func (f *Facade) ResendMessage(ctx context.Context, id string) error {
	msg, ok := f.messages.Get(id)
	if !ok {
		return conversation.NewValidationError("id", conversation.ErrNotFound)
	}
	if msg.SenderKind != conversation.SenderUser {
		return &conversation.ValidationError{Field: "id", Reason: "only user messages can be resent"}
	}
	d, err := f.begin()
	if err != nil {
		return err
	}
	defer d.ticket.End()

	f.mu.Lock()
	if f.staleLocked(d.generation, d.conversationID) {
		f.mu.Unlock()
		return conversation.NewValidationError("conversation", conversation.ErrConversationGone)
	}
	_, err = f.messages.RemoveExchange(id)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.dispatch(ctx, d, msg.Content, msg.Attachment)
}

// dispatchState is what a send captures before touching the log.
type dispatchState struct {
	model          models.Descriptor
	generation     uint64
	conversationID string
	ticket         *typing.Ticket
}

// begin checks the model session and takes the typing ticket of the active
// conversation. Nothing is modified when it fails.
func (f *Facade) begin() (*dispatchState, error) {
	model, err := f.session.Active()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	generation := f.generation
	conversationID := f.messages.ConversationID()
	f.mu.Unlock()

	ticket, err := f.typing.Begin(conversationID)
	if err != nil {
		return nil, err
	}
	return &dispatchState{
		model:          model,
		generation:     generation,
		conversationID: conversationID,
		ticket:         ticket,
	}, nil
}

func (f *Facade) dispatch(ctx context.Context, d *dispatchState, content string, attachment *conversation.Attachment) error {
	f.inflight.Add(1)
	defer f.inflight.Done()

	model, conversationID := d.model, d.conversationID
	userMsg := conversation.NewUserMessage(f.userID, content, conversation.WithAttachment(attachment))

	// the conversation may have been replaced since begin
	f.mu.Lock()
	if f.staleLocked(d.generation, conversationID) {
		f.mu.Unlock()
		return conversation.NewValidationError("conversation", conversation.ErrConversationGone)
	}
	history := models.BuildHistoryPayloadFor(model, f.messages.Snapshot())
	err := f.messages.Append(userMsg)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	req := &transport.Request{
		RequestID:      uuid.NewString(),
		ConversationID: conversationID,
		UserID:         f.userID,
		ModelID:        model.ID,
		Content:        EnrichQuery(content, attachment),
		Attachment:     attachment,
		History:        history,
		OnTyping:       d.ticket.Touch,
	}
	logger := log.With().
		Str("conversation_id", conversationID).
		Str("request_id", req.RequestID).
		Str("model_id", model.ID).
		Logger()
	logger.Debug().Int("history", len(history)).Msg("dispatching message")

	start := time.Now()
	reply, sendErr := f.channel.Send(helpers.ContextWithCorrelationID(ctx, req.RequestID), req)

	if f.stale(d.generation, conversationID) {
		logger.Debug().Msg("conversation changed during dispatch, discarding result")
		return nil
	}

	if err := f.messages.SetStatus(userMsg.ID, conversation.StatusDelivered); err != nil {
		logger.Debug().Err(err).Str("message_id", userMsg.ID).Msg("user message no longer in log")
	}

	if sendErr != nil {
		logger.Warn().Err(sendErr).Dur("elapsed", time.Since(start)).Msg("dispatch failed")
		text := "Message could not be answered: " + DescribeFailure(sendErr)
		if err := f.messages.Append(conversation.NewFailureMessage(text)); err != nil {
			logger.Error().Err(err).Msg("could not append failure notice")
		}
		events.Publish(f.sink, events.NewNotificationEvent(conversationID, events.NotificationError, text))
		return nil
	}

	assistant := conversation.NewAssistantMessage(model.ID, reply.Content)
	if err := f.messages.Append(assistant); err != nil {
		return err
	}
	logger.Debug().Dur("elapsed", time.Since(start)).Str("message_id", assistant.ID).Msg("reply delivered")
	return nil
}

func (f *Facade) DeleteMessage(id string) (messagestore.RemovedGroup, error) {
	return f.messages.Remove(id)
}

func (f *Facade) SwitchModel(id string) error {
	if f.typing.Busy() {
		return conversation.NewValidationError("model", conversation.ErrBusy)
	}
	if _, err := f.session.SetActiveModel(id); err != nil {
		events.Publish(f.sink, events.NewNotificationEvent(f.messages.ConversationID(), events.NotificationWarning,
			fmt.Sprintf("Model %q is not available", id)))
		return err
	}
	d, _ := f.session.Lookup(id)
	log.Info().Str("model_id", id).Msg("active model changed")
	events.Publish(f.sink, events.NewModelChangedEvent(d.ID, d.Label()))
	events.Publish(f.sink, events.NewNotificationEvent(f.messages.ConversationID(), events.NotificationInfo,
		"Switched to "+d.Label()))
	return nil
}

func (f *Facade) NewConversation(ctx context.Context) string {
	previous := f.abandon()
	id := f.manager.New(ctx)
	f.typing.Clear(previous)
	return id
}

func (f *Facade) ClearConversation(ctx context.Context) error {
	previous := f.abandon()
	f.typing.Clear(previous)
	return f.manager.Clear(ctx)
}

func (f *Facade) SaveConversation(ctx context.Context, title string) (*conversation.Conversation, error) {
	return f.manager.Save(ctx, title)
}

// LoadConversation replaces the active conversation. In-flight replies are
// abandoned even when the load fails or reloads the same conversation.
func (f *Facade) LoadConversation(ctx context.Context, id string) error {
	previous := f.abandon()
	if err := f.manager.Load(ctx, id); err != nil {
		return err
	}
	f.typing.Clear(previous)
	return nil
}

// Restore reloads the conversation active in the previous session.
func (f *Facade) Restore(ctx context.Context) error {
	previous := f.abandon()
	if err := f.manager.Restore(ctx); err != nil {
		return err
	}
	if f.messages.ConversationID() != previous {
		f.typing.Clear(previous)
	}
	return nil
}

func (f *Facade) RenameConversation(ctx context.Context, id string, title string) error {
	return f.manager.Rename(ctx, id, title)
}

func (f *Facade) DeleteConversation(ctx context.Context, id string) error {
	if id == f.messages.ConversationID() {
		f.abandon()
		f.typing.Clear(id)
	}
	return f.manager.Delete(ctx, id)
}

func (f *Facade) ListConversations(ctx context.Context) ([]conversation.Summary, error) {
	return f.manager.List(ctx)
}

// ExportConversation renders the active conversation, naming assistant
// messages after their model.
func (f *Facade) ExportConversation() string {
	return f.manager.Export(conversation.ExportOptions{DisplayName: f.displayName})
}

func (f *Facade) Snapshot() []*conversation.Message {
	return f.messages.Snapshot()
}

func (f *Facade) ConversationID() string {
	return f.messages.ConversationID()
}

func (f *Facade) TypingState() (typing.State, time.Time) {
	return f.typing.State(f.messages.ConversationID())
}

func (f *Facade) AvailableModels() ([]models.Descriptor, error) {
	return f.session.AvailableModels()
}

func (f *Facade) ActiveModel() (models.Descriptor, error) {
	return f.session.Active()
}

// Close drops in-flight results and flushes the active conversation.
func (f *Facade) Close(ctx context.Context) error {
	previous := f.abandon()
	f.typing.Clear(previous)

	done := make(chan struct{})
	go func() {
		f.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("closing with dispatches still in flight")
	}
	return errors.Wrap(f.manager.Close(ctx), "could not flush conversation")
}

// abandon bumps the generation and returns the conversation that was active.
func (f *Facade) abandon() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
	return f.messages.ConversationID()
}

func (f *Facade) stale(generation uint64, conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staleLocked(generation, conversationID)
}

func (f *Facade) staleLocked(generation uint64, conversationID string) bool {
	return f.generation != generation || f.messages.ConversationID() != conversationID
}

func (f *Facade) displayName(m *conversation.Message) string {
	if m.SenderKind == conversation.SenderAssistant {
		if d, ok := f.session.Lookup(m.SenderID); ok {
			return d.Label()
		}
	}
	return conversation.DefaultDisplayName(m)
}

// EnrichQuery appends a note about the attachment, so models that only see
// text know a file was shared.
func EnrichQuery(content string, attachment *conversation.Attachment) string {
	if attachment == nil {
		return content
	}
	note := fmt.Sprintf("[User attached %s: %s]", article(attachment.Category()), attachment.Name)
	if strings.TrimSpace(content) == "" {
		return note
	}
	return content + "\n\n" + note
}

func article(category string) string {
	switch category {
	case "image", "audio file":
		return "an " + category
	default:
		return "a " + category
	}
}

// DescribeFailure turns a dispatch error into text for the conversation.
func DescribeFailure(err error) string {
	var appErr *transport.ApplicationError
	switch {
	case errors.As(err, &appErr):
		return appErr.Message
	case errors.Is(err, transport.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		return "the assistant took too long to respond"
	case errors.Is(err, transport.ErrDisconnected), errors.Is(err, conversation.ErrNotConnected):
		return "the connection to the assistant was lost"
	case errors.Is(err, context.Canceled):
		return "the request was cancelled"
	default:
		return err.Error()
	}
}
