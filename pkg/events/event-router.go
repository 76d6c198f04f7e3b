package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/colloquy/pkg/helpers"
)

// Handler receives decoded Renderer events.
type Handler func(ctx context.Context, e Event) error

type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	verbose    bool
	out        io.Writer
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithPublisher(publisher message.Publisher) EventRouterOption {
	return func(r *EventRouter) {
		r.Publisher = publisher
	}
}

func WithSubscriber(subscriber message.Subscriber) EventRouterOption {
	return func(r *EventRouter) {
		r.Subscriber = subscriber
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		r.verbose = verbose
		r.logger = helpers.NewWatermill(log.Logger)
	}
}

func WithDumpWriter(w io.Writer) EventRouterOption {
	return func(r *EventRouter) {
		r.out = w
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
		out:    os.Stdout,
	}

	for _, o := range options {
		o(ret)
	}

	if ret.Publisher == nil || ret.Subscriber == nil {
		goPubSub := gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		}, ret.logger)
		if ret.Publisher == nil {
			ret.Publisher = goPubSub
		}
		if ret.Subscriber == nil {
			ret.Subscriber = goPubSub
		}
	}

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}

	ret.router = router

	return ret, nil
}

// Sink returns an EventSink publishing into this router on the given topic.
func (e *EventRouter) Sink(topic string) *WatermillSink {
	return NewWatermillSink(e.Publisher, topic)
}

func (e *EventRouter) Close() error {
	log.Debug().Msg("Closing publisher")
	err := e.Publisher.Close()
	if err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
	}
	log.Debug().Msg("Publisher closed")

	log.Debug().Msg("Closing router")
	err = e.router.Close()
	if err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}
	log.Debug().Msg("Router closed")

	return nil
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// AddEventHandler decodes every message on topic and hands it to h. Malformed
// payloads are logged and dropped so one bad message never stops the router.
func (e *EventRouter) AddEventHandler(name string, topic string, h Handler) {
	e.AddHandler(name, topic, func(msg *message.Message) error {
		ev, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Msg("Failed to parse event from message payload")
			return nil
		}
		if err := h(msg.Context(), ev); err != nil {
			log.Error().Err(err).Str("event_type", string(ev.Type())).Msg("Error processing event")
			return err
		}
		return nil
	})
}

func (e *EventRouter) DumpRawEvents(msg *message.Message) error {
	defer msg.Ack()

	var s map[string]interface{}
	err := json.Unmarshal(msg.Payload, &s)
	if err != nil {
		return err
	}
	if !e.verbose {
		if meta, ok := s["meta"].(map[string]interface{}); ok {
			s["id"] = meta["event_id"]
		}
		delete(s, "meta")
		delete(s, "messages")
	}
	s_, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.out, string(s_))
	return err
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}
