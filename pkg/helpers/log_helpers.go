package helpers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WatermillZerologAdapter routes watermill logs through zerolog.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(fields).Err(err).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	// watermill is chatty at INFO
	w.logger.Debug().Fields(fields).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(fields).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(fields).Caller(1).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	l := w.logger.With().Fields(fields).Logger()
	return &WatermillZerologAdapter{logger: l}
}

func NewWatermill(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger}
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

const CorrelationIDMetadataKey = "correlation_id"

type correlationIDKeyType string

const correlationIDKey correlationIDKeyType = "correlation_id"

func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext returns the id stored in ctx, or a generated one
// prefixed with "gen_" so missing propagation shows up in the logs.
func CorrelationIDFromContext(ctx context.Context) string {
	v, ok := ctx.Value(correlationIDKey).(string)
	if ok && v != "" {
		return v
	}
	log.Ctx(ctx).Trace().Msg("correlation ID not found in context")
	return "gen_" + shortuuid.New()
}

// CorrelationID reads the correlation id a CorrelationPublisherDecorator
// stamped on msg.
func CorrelationID(msg *message.Message) string {
	return msg.Metadata.Get(CorrelationIDMetadataKey)
}

// CorrelationPublisherDecorator stamps outgoing messages with the
// correlation id carried by their context, unless one is already set.
type CorrelationPublisherDecorator struct {
	message.Publisher
}

func (c CorrelationPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for i := range messages {
		if messages[i].Metadata.Get(CorrelationIDMetadataKey) != "" {
			continue
		}
		messages[i].Metadata.Set(CorrelationIDMetadataKey, CorrelationIDFromContext(messages[i].Context()))
	}

	return c.Publisher.Publish(topic, messages...)
}
