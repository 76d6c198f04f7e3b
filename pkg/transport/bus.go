package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewInProcessBus returns a pub/sub that never blocks publishers on slow
// subscribers, for running client and backend in one process.
func NewInProcessBus(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: false,
	}, logger)
}

// BusDialer connects to a shared bus. Closing a link leaves the bus open.
func BusDialer(bus *gochannel.GoChannel) Dialer {
	return DialerFunc(func(ctx context.Context) (*Link, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &Link{Publisher: bus, Subscriber: bus}, nil
	})
}
