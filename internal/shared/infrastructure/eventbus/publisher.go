package eventbus

import (
	"context"
)

// Publisher sends serialized events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}
