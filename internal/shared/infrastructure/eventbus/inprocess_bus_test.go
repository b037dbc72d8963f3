package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureConsumer struct {
	types  []string
	events []*ConsumedEvent
	err    error
}

func (c *captureConsumer) EventTypes() []string { return c.types }

func (c *captureConsumer) Handle(_ context.Context, event *ConsumedEvent) error {
	c.events = append(c.events, event)
	return c.err
}

func encodeEvent(t *testing.T, event ConsumedEvent) []byte {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload
}

func TestInProcessBus_DeliversToMatchingConsumer(t *testing.T) {
	bus := NewInProcessEventBus(nil)
	consumer := &captureConsumer{types: []string{"graph.event.upserted"}}
	bus.RegisterConsumer(consumer)

	payload := encodeEvent(t, ConsumedEvent{
		EventID:     uuid.New(),
		AggregateID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		RoutingKey:  "graph.event.upserted",
		OccurredAt:  time.Now(),
	})

	err := bus.Publish(context.Background(), "graph.event.upserted", payload)
	require.NoError(t, err)
	require.Len(t, consumer.events, 1)
	assert.Equal(t, "01ARZ3NDEKTSV4RRFFQ69G5FAV", consumer.events[0].AggregateID)
}

func TestInProcessBus_RoutingKeyFallsBackToParameter(t *testing.T) {
	bus := NewInProcessEventBus(nil)
	consumer := &captureConsumer{types: []string{"scheduling.session.committed"}}
	bus.RegisterConsumer(consumer)

	payload := encodeEvent(t, ConsumedEvent{EventID: uuid.New()})

	err := bus.Publish(context.Background(), "scheduling.session.committed", payload)
	require.NoError(t, err)
	require.Len(t, consumer.events, 1)
	assert.Equal(t, "scheduling.session.committed", consumer.events[0].RoutingKey)
}

func TestInProcessBus_BadPayloadDropped(t *testing.T) {
	bus := NewInProcessEventBus(nil)
	consumer := &captureConsumer{types: []string{"graph.event.upserted"}}
	bus.RegisterConsumer(consumer)

	err := bus.Publish(context.Background(), "graph.event.upserted", []byte("{not json"))
	assert.NoError(t, err)
	assert.Empty(t, consumer.events)
}

func TestInProcessBus_ConsumerErrorDoesNotFailPublish(t *testing.T) {
	bus := NewInProcessEventBus(nil)
	bus.RegisterConsumer(&captureConsumer{
		types: []string{"graph.event.upserted"},
		err:   errors.New("handler broken"),
	})

	payload := encodeEvent(t, ConsumedEvent{
		EventID:    uuid.New(),
		RoutingKey: "graph.event.upserted",
	})

	assert.NoError(t, bus.Publish(context.Background(), "graph.event.upserted", payload))
}

func TestConsumerRegistry_DispatchContinuesPastFailures(t *testing.T) {
	registry := NewConsumerRegistry(nil)
	failing := &captureConsumer{types: []string{"x"}, err: errors.New("boom")}
	working := &captureConsumer{types: []string{"x"}}
	registry.Register(failing)
	registry.Register(working)

	err := registry.Dispatch(context.Background(), &ConsumedEvent{RoutingKey: "x"})

	assert.Error(t, err)
	assert.Len(t, working.events, 1, "later consumers still run")
}

func TestConsumerRegistry_Counts(t *testing.T) {
	registry := NewConsumerRegistry(nil)
	registry.Register(&captureConsumer{types: []string{"a", "b"}})
	registry.Register(&captureConsumer{types: []string{"b"}})

	assert.Equal(t, 3, registry.ConsumerCount())
	assert.ElementsMatch(t, []string{"a", "b"}, registry.EventTypes())
	assert.Len(t, registry.GetConsumers("b"), 2)
	assert.Empty(t, registry.GetConsumers("missing"))
}
