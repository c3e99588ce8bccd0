package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

var publishedAt = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func newTestPublisher(t *testing.T, opts ...PublisherOption) (*OutboxPublisher, *mocks.SyncProducer) {
	t.Helper()
	mockProducer := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { require.NoError(t, mockProducer.Close()) })

	opts = append([]PublisherOption{WithPublishClock(func() time.Time { return publishedAt })}, opts...)
	producer := NewProducerFrom(mockProducer, log.WithField("component", "outbox-publisher-test"))
	return NewOutboxPublisher(producer, "", opts...), mockProducer
}

func headerMap(msg *sarama.ProducerMessage) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func transitionMessage(id, orderID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     domain.EventTransitionApplied,
		Payload:       []byte(`{"toStatus":"confirmed"}`),
	}
}

func TestOutboxPublisher_EnvelopeAndHeaders(t *testing.T) {
	publisher, mockProducer := newTestPublisher(t)

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, TopicTransitions, msg.Topic)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "ord-123", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(value, &env))
		assert.Equal(t, "out-1", env.ID)
		assert.Equal(t, domain.EventTransitionApplied, env.EventType)
		assert.JSONEq(t, `{"toStatus":"confirmed"}`, string(env.Payload))
		assert.True(t, publishedAt.Equal(env.PublishedAt))

		assert.Equal(t, map[string]string{
			HeaderEventType:     domain.EventTransitionApplied,
			HeaderAggregateType: domain.AggregateOrder,
			HeaderOutboxID:      "out-1",
		}, headerMap(msg))
		return nil
	})

	require.NoError(t, publisher.Publish(transitionMessage("out-1", "ord-123")))
}

func TestOutboxPublisher_RoutesByEventType(t *testing.T) {
	publisher, mockProducer := newTestPublisher(t, RouteEvent("outbox.dead_letter", "custom.dlq"))

	assert.Equal(t, TopicTransitions, publisher.TopicFor(domain.EventTransitionApplied))
	assert.Equal(t, "custom.dlq", publisher.TopicFor("outbox.dead_letter"))

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "custom.dlq", msg.Topic)
		return nil
	})
	letter := transitionMessage("out-2", "ord-9")
	letter.EventType = "outbox.dead_letter"
	require.NoError(t, publisher.Publish(letter))
}

func TestOutboxPublisher_KeyFallsBackToOutboxID(t *testing.T) {
	publisher, mockProducer := newTestPublisher(t)

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "out-3", string(key))
		return nil
	})
	require.NoError(t, publisher.Publish(transitionMessage("out-3", "")))
}

func TestOutboxPublisher_ProducerError(t *testing.T) {
	publisher, mockProducer := newTestPublisher(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := publisher.Publish(transitionMessage("out-4", "ord-234"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestOutboxPublisher_RejectsUntypedMessage(t *testing.T) {
	publisher, _ := newTestPublisher(t)

	msg := transitionMessage("out-5", "ord-1")
	msg.EventType = ""
	assert.Error(t, publisher.Publish(msg))
}

func TestOutboxPublisher_NilProducer(t *testing.T) {
	err := NewOutboxPublisher(nil, TopicTransitions).Publish(transitionMessage("out-6", "ord-1"))
	assert.ErrorIs(t, err, ErrPublisherNotReady)

	var nilPublisher *OutboxPublisher
	assert.ErrorIs(t, nilPublisher.Publish(transitionMessage("out-7", "ord-1")), ErrPublisherNotReady)
}
