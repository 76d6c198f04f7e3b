package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/colloquy/pkg/catalog"
	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/events"
	"github.com/go-go-golems/colloquy/pkg/models"
	"github.com/go-go-golems/colloquy/pkg/store"
	"github.com/go-go-golems/colloquy/pkg/transport"
	"github.com/go-go-golems/colloquy/pkg/typing"
)

type fakeChannel struct {
	mu       sync.Mutex
	requests []*transport.Request
	send     func(ctx context.Context, req *transport.Request) (*conversation.Message, error)
}

func (c *fakeChannel) Send(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.send(ctx, req)
}

func (c *fakeChannel) last() *transport.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func echoChannel() *fakeChannel {
	return &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		return conversation.NewAssistantMessage("server-side", "echo: "+req.Content), nil
	}}
}

type fixture struct {
	facade  *Facade
	sink    *events.RecordingSink
	channel *fakeChannel
}

func newFixture(t *testing.T, ch *fakeChannel) *fixture {
	t.Helper()
	session := models.NewSession()
	require.True(t, session.Initialize(&models.Config{
		DefaultModel: "a",
		Models: []models.Descriptor{
			{ID: "a", DisplayName: "Model A", SystemPrompt: "be brief"},
			{ID: "b", DisplayName: "Model B"},
		},
	}))
	sink := &events.RecordingSink{}
	manager := catalog.NewManager(store.NewInMemoryStore(), catalog.WithEventSink(sink))
	f := NewFacade(manager, session, ch, WithEventSink(sink), WithUserID("u1"),
		WithTypingCoordinator(typing.NewCoordinator(typing.WithEventSink(sink))))
	t.Cleanup(func() { _ = f.Close(context.Background()) })
	return &fixture{facade: f, sink: sink, channel: ch}
}

func TestSendMessage_Success(t *testing.T) {
	fx := newFixture(t, echoChannel())
	require.NoError(t, fx.facade.SendMessage(context.Background(), "hello", nil))

	msgs := fx.facade.Snapshot()
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.SenderUser, msgs[0].SenderKind)
	require.Equal(t, conversation.StatusDelivered, msgs[0].Status)
	require.Equal(t, "u1", msgs[0].SenderID)
	require.Equal(t, conversation.SenderAssistant, msgs[1].SenderKind)
	require.Equal(t, "a", msgs[1].SenderID)
	require.Equal(t, conversation.KindMarkdown, msgs[1].Kind)
	require.Equal(t, "echo: hello", msgs[1].Content)

	req := fx.channel.last()
	require.NotEmpty(t, req.RequestID)
	require.Equal(t, "a", req.ModelID)
	require.Equal(t, fx.facade.ConversationID(), req.ConversationID)
	// history excludes the message being sent
	require.Equal(t, []conversation.HistoryEntry{{Role: conversation.RoleSystem, Content: "be brief"}}, req.History)

	state, _ := fx.facade.TypingState()
	require.Equal(t, typing.Idle, state)
}

func TestSendMessage_HistoryCarriesPreviousTurns(t *testing.T) {
	fx := newFixture(t, echoChannel())
	ctx := context.Background()
	require.NoError(t, fx.facade.SendMessage(ctx, "one", nil))
	require.NoError(t, fx.facade.SendMessage(ctx, "two", nil))

	h := fx.channel.last().History
	require.Len(t, h, 3)
	require.Equal(t, conversation.RoleUser, h[1].Role)
	require.Equal(t, "one", h[1].Content)
	require.Equal(t, "echo: one", h[2].Content)
}

func TestSendMessage_Validation(t *testing.T) {
	fx := newFixture(t, echoChannel())
	err := fx.facade.SendMessage(context.Background(), "   ", nil)
	require.ErrorIs(t, err, conversation.ErrValidation)
	require.ErrorIs(t, err, conversation.ErrEmptyMessage)
	require.Empty(t, fx.facade.Snapshot())
}

func TestSendMessage_NotInitialized(t *testing.T) {
	manager := catalog.NewManager(store.NewInMemoryStore())
	f := NewFacade(manager, models.NewSession(), echoChannel())
	err := f.SendMessage(context.Background(), "hi", nil)
	require.ErrorIs(t, err, conversation.ErrModel)
	require.ErrorIs(t, err, conversation.ErrNotInitialized)
}

func TestSendMessage_FailureAppendsNotice(t *testing.T) {
	ch := &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		return nil, conversation.NewTransportError(transport.ErrResponseTimeout)
	}}
	fx := newFixture(t, ch)
	require.NoError(t, fx.facade.SendMessage(context.Background(), "hello", nil))

	msgs := fx.facade.Snapshot()
	require.Len(t, msgs, 2)
	require.Equal(t, conversation.StatusDelivered, msgs[0].Status)
	require.Equal(t, conversation.SenderSystem, msgs[1].SenderKind)
	require.Equal(t, conversation.StatusFailed, msgs[1].Status)
	require.Contains(t, msgs[1].Content, "took too long")

	notes := fx.sink.OfType(events.EventTypeNotification)
	require.NotEmpty(t, notes)
	require.Equal(t, events.NotificationError, notes[len(notes)-1].(*events.EventNotification).Level)

	state, _ := fx.facade.TypingState()
	require.Equal(t, typing.Idle, state)
}

func TestSendMessage_BusyWhileComposing(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ch := &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		close(started)
		<-release
		return conversation.NewAssistantMessage("a", "late"), nil
	}}
	fx := newFixture(t, ch)

	done := make(chan error, 1)
	go func() { done <- fx.facade.SendMessage(context.Background(), "first", nil) }()
	<-started

	state, _ := fx.facade.TypingState()
	require.Equal(t, typing.AssistantComposing, state)
	require.ErrorIs(t, fx.facade.SendMessage(context.Background(), "second", nil), conversation.ErrBusy)
	require.ErrorIs(t, fx.facade.SwitchModel("b"), conversation.ErrBusy)

	close(release)
	require.NoError(t, <-done)
	msgs := fx.facade.Snapshot()
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[1].SenderID)
	require.NoError(t, fx.facade.SwitchModel("b"))
}

func TestSendMessage_StaleResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ch := &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		close(started)
		<-release
		return conversation.NewAssistantMessage("a", "late"), nil
	}}
	fx := newFixture(t, ch)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- fx.facade.SendMessage(ctx, "first", nil) }()
	<-started

	newID := fx.facade.NewConversation(ctx)
	close(release)
	require.NoError(t, <-done)

	require.Equal(t, newID, fx.facade.ConversationID())
	require.Empty(t, fx.facade.Snapshot())
	state, _ := fx.facade.TypingState()
	require.Equal(t, typing.Idle, state)
}

func TestSendMessage_AttachmentEnrichesQuery(t *testing.T) {
	fx := newFixture(t, echoChannel())
	att := &conversation.Attachment{Name: "cat.png", MimeType: "image/png", SizeBytes: 10}
	require.NoError(t, fx.facade.SendMessage(context.Background(), "", att))

	req := fx.channel.last()
	require.Equal(t, "[User attached an image: cat.png]", req.Content)
	require.Equal(t, att, req.Attachment)
	msgs := fx.facade.Snapshot()
	require.Equal(t, conversation.KindAttachment, msgs[0].Kind)
	require.Equal(t, "", msgs[0].Content)
}

func TestEnrichQuery(t *testing.T) {
	require.Equal(t, "hi", EnrichQuery("hi", nil))
	require.Equal(t, "look\n\n[User attached a PDF: a.pdf]",
		EnrichQuery("look", &conversation.Attachment{Name: "a.pdf", MimeType: "application/pdf"}))
	require.Equal(t, "[User attached an audio file: a.mp3]",
		EnrichQuery("", &conversation.Attachment{Name: "a.mp3", MimeType: "audio/mpeg"}))
	require.Equal(t, "[User attached a file: a.csv]",
		EnrichQuery(" ", &conversation.Attachment{Name: "a.csv", MimeType: "text/csv"}))
}

func TestResendMessage(t *testing.T) {
	calls := 0
	ch := &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		calls++
		if calls == 1 {
			return nil, conversation.NewTransportError(errors.New("boom"))
		}
		return conversation.NewAssistantMessage("a", "ok"), nil
	}}
	fx := newFixture(t, ch)
	ctx := context.Background()
	require.NoError(t, fx.facade.SendMessage(ctx, "retry me", nil))
	msgs := fx.facade.Snapshot()
	require.Len(t, msgs, 2)

	require.Error(t, fx.facade.ResendMessage(ctx, msgs[1].ID))
	require.ErrorIs(t, fx.facade.ResendMessage(ctx, "missing"), conversation.ErrNotFound)

	require.NoError(t, fx.facade.ResendMessage(ctx, msgs[0].ID))
	after := fx.facade.Snapshot()
	require.Len(t, after, 2)
	require.NotEqual(t, msgs[0].ID, after[0].ID)
	require.Equal(t, "retry me", after[0].Content)
	require.Equal(t, "ok", after[1].Content)
}

func TestDeleteMessagePairsReply(t *testing.T) {
	fx := newFixture(t, echoChannel())
	require.NoError(t, fx.facade.SendMessage(context.Background(), "hello", nil))
	msgs := fx.facade.Snapshot()

	removed, err := fx.facade.DeleteMessage(msgs[0].ID)
	require.NoError(t, err)
	require.Equal(t, []string{msgs[0].ID, msgs[1].ID}, removed.IDs())
	require.Empty(t, fx.facade.Snapshot())
}

func TestSwitchModel(t *testing.T) {
	fx := newFixture(t, echoChannel())
	err := fx.facade.SwitchModel("zzz")
	require.ErrorIs(t, err, conversation.ErrModel)
	active, err := fx.facade.ActiveModel()
	require.NoError(t, err)
	require.Equal(t, "a", active.ID)

	require.NoError(t, fx.facade.SwitchModel("b"))
	changed := fx.sink.OfType(events.EventTypeModelChanged)
	require.Len(t, changed, 1)
	require.Equal(t, "Model B", changed[0].(*events.EventModelChanged).DisplayName)

	require.NoError(t, fx.facade.SendMessage(context.Background(), "hi", nil))
	require.Equal(t, "b", fx.channel.last().ModelID)

	available, err := fx.facade.AvailableModels()
	require.NoError(t, err)
	require.Len(t, available, 2)
}

func TestConversationLifecycle(t *testing.T) {
	fx := newFixture(t, echoChannel())
	ctx := context.Background()

	_, err := fx.facade.SaveConversation(ctx, "empty")
	require.ErrorIs(t, err, conversation.ErrEmptyConversation)

	require.NoError(t, fx.facade.SendMessage(ctx, "hello", nil))
	saved, err := fx.facade.SaveConversation(ctx, "first")
	require.NoError(t, err)

	fx.facade.NewConversation(ctx)
	require.Empty(t, fx.facade.Snapshot())

	list, err := fx.facade.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, fx.facade.LoadConversation(ctx, saved.ID))
	require.Len(t, fx.facade.Snapshot(), 2)

	export := fx.facade.ExportConversation()
	parts := strings.Split(export, "\n\n")
	require.Len(t, parts, 2)
	require.True(t, strings.HasPrefix(parts[0], "You ("))
	require.True(t, strings.HasPrefix(parts[1], "Model A ("))

	require.NoError(t, fx.facade.RenameConversation(ctx, saved.ID, "renamed"))
	require.NoError(t, fx.facade.ClearConversation(ctx))
	require.Empty(t, fx.facade.Snapshot())
	list, err = fx.facade.ListConversations(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestDescribeFailure(t *testing.T) {
	require.Equal(t, "bad input", DescribeFailure(conversation.NewTransportError(&transport.ApplicationError{StatusCode: 400, Message: "bad input"})))
	require.Contains(t, DescribeFailure(conversation.NewTransportError(transport.ErrDisconnected)), "connection")
	require.Contains(t, DescribeFailure(context.DeadlineExceeded), "too long")
}

func TestCloseWaitsForDispatch(t *testing.T) {
	ch := &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		time.Sleep(20 * time.Millisecond)
		return conversation.NewAssistantMessage("a", "ok"), nil
	}}
	fx := newFixture(t, ch)

	done := make(chan error, 1)
	go func() { done <- fx.facade.SendMessage(context.Background(), "x", nil) }()
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.requests) == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fx.facade.Close(ctx))
	require.NoError(t, <-done)
}

func TestResendMessage_RejectedWhenNotInitialized(t *testing.T) {
	manager := catalog.NewManager(store.NewInMemoryStore())
	f := NewFacade(manager, models.NewSession(), echoChannel())
	msg := conversation.NewUserMessage("u1", "keep me", conversation.WithStatus(conversation.StatusFailed))
	require.NoError(t, manager.Messages().Append(msg))

	err := f.ResendMessage(context.Background(), msg.ID)
	require.ErrorIs(t, err, conversation.ErrNotInitialized)

	msgs := f.Snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, msg.ID, msgs[0].ID)
}

func TestResendMessage_RejectedWhileComposing(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ch := &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		if req.Content == "slow" {
			close(started)
			<-release
			return conversation.NewAssistantMessage("a", "done"), nil
		}
		return nil, conversation.NewTransportError(errors.New("boom"))
	}}
	fx := newFixture(t, ch)
	ctx := context.Background()

	require.NoError(t, fx.facade.SendMessage(ctx, "retry me", nil))
	failed := fx.facade.Snapshot()
	require.Len(t, failed, 2)

	done := make(chan error, 1)
	go func() { done <- fx.facade.SendMessage(ctx, "slow", nil) }()
	<-started

	err := fx.facade.ResendMessage(ctx, failed[0].ID)
	require.ErrorIs(t, err, conversation.ErrBusy)
	msgs := fx.facade.Snapshot()
	require.Len(t, msgs, 3)
	require.Equal(t, failed[0].ID, msgs[0].ID)
	require.Equal(t, failed[1].ID, msgs[1].ID)

	close(release)
	require.NoError(t, <-done)
	require.Len(t, fx.facade.Snapshot(), 4)
}

func TestClearConversationDiscardsLateReply(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ch := &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		close(started)
		<-release
		return conversation.NewAssistantMessage("a", "late"), nil
	}}
	fx := newFixture(t, ch)
	ctx := context.Background()
	id := fx.facade.ConversationID()

	done := make(chan error, 1)
	go func() { done <- fx.facade.SendMessage(ctx, "first", nil) }()
	<-started

	require.NoError(t, fx.facade.ClearConversation(ctx))
	require.Equal(t, id, fx.facade.ConversationID())
	close(release)
	require.NoError(t, <-done)

	require.Equal(t, id, fx.facade.ConversationID())
	require.Empty(t, fx.facade.Snapshot())
	state, _ := fx.facade.TypingState()
	require.Equal(t, typing.Idle, state)
}

func TestReloadingActiveConversationDiscardsLateReply(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ch := &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		if req.Content == "slow" {
			close(started)
			<-release
			return conversation.NewAssistantMessage("a", "late"), nil
		}
		return conversation.NewAssistantMessage("a", "ok"), nil
	}}
	fx := newFixture(t, ch)
	ctx := context.Background()

	require.NoError(t, fx.facade.SendMessage(ctx, "hello", nil))
	saved, err := fx.facade.SaveConversation(ctx, "same")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- fx.facade.SendMessage(ctx, "slow", nil) }()
	<-started

	require.NoError(t, fx.facade.LoadConversation(ctx, saved.ID))
	close(release)
	require.NoError(t, <-done)

	require.Equal(t, saved.ID, fx.facade.ConversationID())
	for _, m := range fx.facade.Snapshot() {
		require.NotEqual(t, "late", m.Content)
	}
}

func TestDispatchRejectedAfterConversationReplaced(t *testing.T) {
	fx := newFixture(t, echoChannel())
	ctx := context.Background()

	d, err := fx.facade.begin()
	require.NoError(t, err)
	defer d.ticket.End()

	newID := fx.facade.NewConversation(ctx)
	err = fx.facade.dispatch(ctx, d, "too late", nil)
	require.ErrorIs(t, err, conversation.ErrConversationGone)

	require.Equal(t, newID, fx.facade.ConversationID())
	require.Empty(t, fx.facade.Snapshot())
	fx.channel.mu.Lock()
	defer fx.channel.mu.Unlock()
	require.Empty(t, fx.channel.requests)
}

func TestConcurrentSendsKeepExchangesOrdered(t *testing.T) {
	var calls int
	var mu sync.Mutex
	ch := &fakeChannel{send: func(ctx context.Context, req *transport.Request) (*conversation.Message, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		if n%3 == 0 {
			return nil, conversation.NewTransportError(errors.New("boom"))
		}
		return conversation.NewAssistantMessage("a", req.Content), nil
	}}
	fx := newFixture(t, ch)
	ctx := context.Background()

	accepted := 0
	for round := 0; round < 4; round++ {
		var wg sync.WaitGroup
		errs := make(chan error, 3)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- fx.facade.SendMessage(ctx, "msg", nil)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err == nil {
				accepted++
				continue
			}
			require.ErrorIs(t, err, conversation.ErrBusy)
		}
	}
	require.GreaterOrEqual(t, accepted, 4)

	msgs := fx.facade.Snapshot()
	require.Len(t, msgs, 2*accepted)
	for i := 0; i < len(msgs); i += 2 {
		require.Equal(t, conversation.SenderUser, msgs[i].SenderKind)
		require.Equal(t, conversation.StatusDelivered, msgs[i].Status)
		reply := msgs[i+1]
		switch reply.SenderKind {
		case conversation.SenderAssistant:
			require.Equal(t, conversation.StatusDelivered, reply.Status)
		case conversation.SenderSystem:
			require.Equal(t, conversation.StatusFailed, reply.Status)
		default:
			t.Fatalf("message %d follows a user message but was sent by %s", i+1, reply.SenderKind)
		}
	}
}
