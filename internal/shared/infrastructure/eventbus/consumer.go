package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventConsumer handles a set of routing keys.
type EventConsumer interface {
	// EventTypes returns the routing keys this consumer handles,
	// e.g. ["graph.event.upserted", "scheduling.session.committed"].
	EventTypes() []string

	Handle(ctx context.Context, event *ConsumedEvent) error
}

// ConsumedEvent is an event as received from the bus.
type ConsumedEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	RoutingKey    string          `json:"routing_key"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      EventMetadata   `json:"metadata,omitempty"`
}

// EventMetadata is optional tracing and ownership data.
type EventMetadata struct {
	UserID        uuid.UUID `json:"user_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
}

// Consumer receives events from the broker and dispatches them.
type Consumer interface {
	// Start blocks until the context is cancelled or the consumer closes.
	Start(ctx context.Context) error

	RegisterConsumer(consumer EventConsumer)

	Close() error
}
