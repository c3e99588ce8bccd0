package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// ErrPublisherNotReady возвращается паблишером без producer.
var ErrPublisherNotReady = errors.New("kafka outbox publisher is not initialized")

// PublisherOption настраивает OutboxPublisher.
type PublisherOption func(*OutboxPublisher)

// RouteEvent отправляет события типа eventType в отдельный топик.
func RouteEvent(eventType, topic string) PublisherOption {
	return func(p *OutboxPublisher) {
		if eventType != "" && topic != "" {
			p.routes[eventType] = topic
		}
	}
}

// WithPublishClock подменяет время published_at в тестах.
func WithPublishClock(now func() time.Time) PublisherOption {
	return func(p *OutboxPublisher) {
		if now != nil {
			p.now = now
		}
	}
}

// OutboxPublisher кладёт outbox-сообщения в конверте в топик, выбранный по типу события.
// Ключ — ID заказа: события одного заказа попадают в одну партицию и читаются по порядку.
type OutboxPublisher struct {
	producer *Producer
	fallback string
	routes   map[string]string
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер; пустой topic означает TopicTransitions.
func NewOutboxPublisher(producer *Producer, topic string, opts ...PublisherOption) *OutboxPublisher {
	if topic == "" {
		topic = TopicTransitions
	}
	p := &OutboxPublisher{
		producer: producer,
		fallback: topic,
		routes:   make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TopicFor возвращает топик для типа события.
func (p *OutboxPublisher) TopicFor(eventType string) string {
	if topic, ok := p.routes[eventType]; ok {
		return topic
	}
	return p.fallback
}

func (p *OutboxPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return ErrPublisherNotReady
	}
	if event.EventType == "" {
		return fmt.Errorf("outbox message %s has no event type", event.ID)
	}

	value, err := json.Marshal(Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", event.ID, err)
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	return p.producer.Send(p.TopicFor(event.EventType), key, value, map[string]string{
		HeaderEventType:     event.EventType,
		HeaderAggregateType: event.AggregateType,
		HeaderOutboxID:      event.ID,
	})
}

var _ domain.OutboxPublisher = (*OutboxPublisher)(nil)
