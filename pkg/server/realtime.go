package server

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/events"
	"github.com/go-go-golems/colloquy/pkg/helpers"
	"github.com/go-go-golems/colloquy/pkg/wire"
)

const DefaultTypingInterval = 5 * time.Second

// RealtimeBridge answers client events arriving on wire.TopicClient and
// replies on each user's server topic.
type RealtimeBridge struct {
	responder      *Responder
	publisher      message.Publisher
	typingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type BridgeOption func(*RealtimeBridge)

func WithTypingInterval(d time.Duration) BridgeOption {
	return func(b *RealtimeBridge) {
		b.typingInterval = d
	}
}

func NewRealtimeBridge(responder *Responder, publisher message.Publisher, options ...BridgeOption) *RealtimeBridge {
	ctx, cancel := context.WithCancel(context.Background())
	ret := &RealtimeBridge{
		responder:      responder,
		publisher:      publisher,
		typingInterval: DefaultTypingInterval,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Attach registers the bridge on router, reading client events from its
// subscriber.
func (b *RealtimeBridge) Attach(router *events.EventRouter) {
	router.AddHandler("realtime-bridge", wire.TopicClient, b.Handle)
}

// Close cancels in-flight replies and waits for them to stop.
func (b *RealtimeBridge) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *RealtimeBridge) Handle(msg *message.Message) error {
	env, err := wire.Decode(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed client event")
		return nil
	}
	correlationID := helpers.CorrelationID(msg)

	switch env.Type {
	case wire.EventJoin:
		j, err := wire.DecodePayload[wire.Join](env)
		if err != nil || j.UserID == "" {
			log.Warn().Err(err).Msg("dropping join without user id")
			return nil
		}
		log.Debug().Str("user_id", j.UserID).Msg("client joined")
		b.send(j.UserID, wire.EventJoined, &wire.Joined{UserID: j.UserID})

	case wire.EventSendMessage:
		sm, err := wire.DecodePayload[wire.SendMessage](env)
		if err != nil || sm.UserID == "" {
			log.Warn().Err(err).Msg("dropping sendMessage without user id")
			return nil
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.answer(sm, correlationID)
		}()

	default:
		log.Debug().Str("type", string(env.Type)).Msg("ignoring client event")
	}
	return nil
}

func (b *RealtimeBridge) answer(sm *wire.SendMessage, correlationID string) {
	logger := log.With().
		Str("request_id", sm.RequestID).
		Str("conversation_id", sm.ConversationID).
		Str("correlation_id", correlationID).
		Logger()
	typing := &wire.Typing{ConversationID: sm.ConversationID, RequestID: sm.RequestID}

	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	b.send(sm.UserID, wire.EventAITyping, typing)
	if b.typingInterval > 0 {
		go func() {
			ticker := time.NewTicker(b.typingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					b.send(sm.UserID, wire.EventAITyping, typing)
				}
			}
		}()
	}

	_, aiMsg, err := b.responder.Respond(ctx, sm)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("could not answer message")
		b.send(sm.UserID, wire.EventError, &wire.Error{
			ConversationID: sm.ConversationID,
			RequestID:      sm.RequestID,
			Message:        err.Error(),
		})
		b.send(sm.UserID, wire.EventAITypingDone, typing)
		return
	}

	b.send(sm.UserID, wire.EventNewMessage, &wire.NewMessage{
		Message:        aiMsg,
		ConversationID: sm.ConversationID,
		RequestID:      sm.RequestID,
	})
	b.send(sm.UserID, wire.EventAITypingDone, typing)
	logger.Debug().Msg("message answered over realtime")
}

func (b *RealtimeBridge) send(userID string, t wire.EventType, payload interface{}) {
	body, err := wire.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("could not encode server event")
		return
	}
	if err := b.publisher.Publish(wire.ServerTopic(userID), message.NewMessage(watermill.NewUUID(), body)); err != nil {
		log.Warn().Err(err).Str("type", string(t)).Str("user_id", userID).Msg("could not publish server event")
	}
}
