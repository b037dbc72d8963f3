package write

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	graphApp "github.com/tminus-app/tminus/internal/graph/application"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
)

// TaskRoutingKey carries write tasks across the broker when the graph
// coordinator and the pipeline run in separate processes.
const TaskRoutingKey = "pipeline.write.task"

// BusDispatcher publishes write tasks to the event bus instead of
// executing them locally. A worker process consumes them through BusIntake.
type BusDispatcher struct {
	publisher eventbus.Publisher
	logger    *slog.Logger
}

// NewBusDispatcher creates a broker-backed dispatcher.
func NewBusDispatcher(publisher eventbus.Publisher, logger *slog.Logger) *BusDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusDispatcher{publisher: publisher, logger: logger}
}

// Dispatch wraps the task in the bus envelope and publishes it.
func (d *BusDispatcher) Dispatch(ctx context.Context, task graphApp.WriteTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling write task: %w", err)
	}
	envelope := eventbus.ConsumedEvent{
		EventID:       uuid.New(),
		AggregateID:   task.MirrorID.String(),
		AggregateType: "Mirror",
		RoutingKey:    TaskRoutingKey,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
		Metadata:      eventbus.EventMetadata{UserID: task.UserID},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshaling task envelope: %w", err)
	}
	return d.publisher.Publish(ctx, TaskRoutingKey, body)
}

// BusIntake receives write tasks off the bus and feeds the local pipeline.
// It implements eventbus.EventConsumer.
type BusIntake struct {
	inner  graphApp.WriteDispatcher
	logger *slog.Logger
}

// NewBusIntake creates the consuming end of the task relay.
func NewBusIntake(inner graphApp.WriteDispatcher, logger *slog.Logger) *BusIntake {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusIntake{inner: inner, logger: logger}
}

func (i *BusIntake) EventTypes() []string {
	return []string{TaskRoutingKey}
}

func (i *BusIntake) Handle(ctx context.Context, event *eventbus.ConsumedEvent) error {
	var task graphApp.WriteTask
	if err := json.Unmarshal(event.Payload, &task); err != nil {
		// Unparseable tasks are dropped; requeueing cannot fix them.
		i.logger.Error("dropping malformed write task",
			"event_id", event.EventID,
			"error", err,
		)
		return nil
	}
	return i.inner.Dispatch(ctx, task)
}
