package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// Топики по умолчанию.
const (
	TopicTransitions     = "workflow.order.transitions"
	TopicDeadLetterQueue = "workflow.dlq"
)

// Заголовки сообщений DLQ.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Заголовки событий outbox: по ним потребитель фильтрует поток без разбора JSON.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
)

// Envelope — конверт outbox-сообщения в топике.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// ParseEnvelope разбирает конверт из сообщения.
func ParseEnvelope(message *sarama.ConsumerMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(message.Value, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.EventType == "" {
		return Envelope{}, fmt.Errorf("envelope at %s/%d/%d has no event type", message.Topic, message.Partition, message.Offset)
	}
	return env, nil
}

// ParseTransitionEvent извлекает событие о применённом переходе.
func ParseTransitionEvent(env Envelope) (domain.TransitionEvent, error) {
	if env.EventType != domain.EventTransitionApplied {
		return domain.TransitionEvent{}, fmt.Errorf("unexpected event type %q", env.EventType)
	}
	var event domain.TransitionEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return domain.TransitionEvent{}, fmt.Errorf("failed to unmarshal transition event: %w", err)
	}
	if event.OrderID == "" {
		event.OrderID = env.AggregateID
	}
	return event, nil
}
