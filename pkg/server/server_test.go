package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/colloquy/pkg/conversation"
	"github.com/go-go-golems/colloquy/pkg/events"
	"github.com/go-go-golems/colloquy/pkg/provider"
	"github.com/go-go-golems/colloquy/pkg/wire"
)

func postBody(t *testing.T, content string) []byte {
	b, err := json.Marshal(&wire.PostMessageRequest{
		Content:        content,
		UserID:         "u1",
		ConversationID: "c1",
		RequestID:      "r1",
		ModelID:        "echo",
		History:        []conversation.HistoryEntry{},
	})
	require.NoError(t, err)
	return b
}

func TestHTTPHandler_AnswersMessage(t *testing.T) {
	h := NewHTTPHandler(NewResponder(provider.EchoProvider{}, time.Second))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, wire.MessagesPath, bytes.NewReader(postBody(t, "hello"))))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp wire.PostMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "hello", resp.UserMessage.Content)
	require.Equal(t, conversation.StatusDelivered, resp.UserMessage.Status)
	require.Equal(t, conversation.SenderAssistant, resp.AIMessage.SenderKind)
	require.Contains(t, resp.AIMessage.Content, "You said: hello")
}

func TestHTTPHandler_RejectsBadRequests(t *testing.T) {
	h := NewHTTPHandler(NewResponder(provider.EchoProvider{}, time.Second))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, wire.MessagesPath, nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, wire.MessagesPath, bytes.NewReader([]byte(`{"content":"x"}`))))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, wire.MessagesPath, bytes.NewReader(postBody(t, "  "))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPHandler_ProviderFailureIsBadGateway(t *testing.T) {
	failing := provider.Func(func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, errors.New("upstream down")
	})
	h := NewHTTPHandler(NewResponder(failing, time.Second))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, wire.MessagesPath, bytes.NewReader(postBody(t, "hi"))))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	var er wire.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	require.Contains(t, er.Error, "upstream down")
}

func collect(t *testing.T, msgs <-chan *message.Message, n int) []*wire.Envelope {
	t.Helper()
	ret := []*wire.Envelope{}
	timeout := time.After(2 * time.Second)
	for len(ret) < n {
		select {
		case m := <-msgs:
			m.Ack()
			env, err := wire.Decode(m.Payload)
			require.NoError(t, err)
			ret = append(ret, env)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(ret), n)
		}
	}
	return ret
}

func publish(t *testing.T, bus message.Publisher, et wire.EventType, payload interface{}) {
	b, err := wire.Encode(et, payload)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(wire.TopicClient, message.NewMessage(watermill.NewUUID(), b)))
}

func startBridge(t *testing.T, p provider.Provider) (*gochannel.GoChannel, *RealtimeBridge) {
	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	router, err := events.NewEventRouter(events.WithPublisher(bus), events.WithSubscriber(bus))
	require.NoError(t, err)
	bridge := NewRealtimeBridge(NewResponder(p, time.Second), bus, WithTypingInterval(0))
	bridge.Attach(router)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = router.Run(ctx) }()
	<-router.Running()
	t.Cleanup(func() {
		bridge.Close()
		cancel()
		_ = router.Close()
	})
	return bus, bridge
}

func TestRealtimeBridge_JoinAndAnswer(t *testing.T) {
	bus, _ := startBridge(t, provider.EchoProvider{})
	msgs, err := bus.Subscribe(context.Background(), wire.ServerTopic("u1"))
	require.NoError(t, err)

	publish(t, bus, wire.EventJoin, &wire.Join{UserID: "u1"})
	envs := collect(t, msgs, 1)
	require.Equal(t, wire.EventJoined, envs[0].Type)

	publish(t, bus, wire.EventSendMessage, &wire.SendMessage{
		Content: "ping", UserID: "u1", ConversationID: "c1", RequestID: "r1", ModelID: "echo",
	})
	envs = collect(t, msgs, 3)
	types := []wire.EventType{envs[0].Type, envs[1].Type, envs[2].Type}
	require.Contains(t, types, wire.EventAITyping)
	require.Contains(t, types, wire.EventNewMessage)
	require.Contains(t, types, wire.EventAITypingDone)

	for _, env := range envs {
		if env.Type != wire.EventNewMessage {
			continue
		}
		nm, err := wire.DecodePayload[wire.NewMessage](env)
		require.NoError(t, err)
		require.Equal(t, "r1", nm.RequestID)
		require.Equal(t, "c1", nm.ConversationID)
		require.Contains(t, nm.Message.Content, "ping")
	}
}

func TestRealtimeBridge_ReportsErrors(t *testing.T) {
	failing := provider.Func(func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		return nil, errors.New("model exploded")
	})
	bus, _ := startBridge(t, failing)
	msgs, err := bus.Subscribe(context.Background(), wire.ServerTopic("u2"))
	require.NoError(t, err)

	publish(t, bus, wire.EventSendMessage, &wire.SendMessage{
		Content: "ping", UserID: "u2", ConversationID: "c9", RequestID: "r9", ModelID: "echo",
	})
	envs := collect(t, msgs, 3)
	found := false
	for _, env := range envs {
		if env.Type == wire.EventError {
			e, err := wire.DecodePayload[wire.Error](env)
			require.NoError(t, err)
			require.Equal(t, "r9", e.RequestID)
			require.Contains(t, e.Message, "model exploded")
			found = true
		}
	}
	require.True(t, found)
}
