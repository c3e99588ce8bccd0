package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// fakeGroup реализует только то, что трогает Consumer; остальные методы паникуют через nil-интерфейс.
type fakeGroup struct {
	sarama.ConsumerGroup
	consume  func(ctx context.Context, topics []string) error
	errs     chan error
	closeErr error
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, _ sarama.ConsumerGroupHandler) error {
	if g.consume == nil {
		return nil
	}
	return g.consume(ctx, topics)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	if g.errs != nil {
		close(g.errs)
	}
	return g.closeErr
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func noopHandler(context.Context, *sarama.ConsumerMessage) error { return nil }

func TestNewConsumer_UnreachableBrokers(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{
		Brokers: []string{"invalid-broker:9092"},
		GroupID: "board",
		Topics:  []string{TopicTransitions},
	}, noopHandler, nil)
	assert.Error(t, err)
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: -1}, nil, nil)
	assert.Equal(t, TopicDeadLetterQueue, c.dlqTopic)
	assert.Zero(t, c.maxRetries, "negative retries clamp to zero")
	assert.Equal(t, defaultRetryBackoff, c.retryBackoff)
}

func TestConsumer_StartConsumesUntilCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var gotTopics []string
	group := &fakeGroup{
		errs: make(chan error, 1),
		consume: func(_ context.Context, topics []string) error {
			gotTopics = topics
			cancel()
			return nil
		},
	}
	group.errs <- errors.New("rebalance failed")

	consumer := newConsumer(group, ConsumerConfig{Topics: []string{TopicTransitions}}, noopHandler, nil)
	require.NoError(t, consumer.Start(ctx))
	<-ctx.Done()
	require.NoError(t, consumer.Stop())
	assert.Equal(t, []string{TopicTransitions}, gotTopics)
}

func TestConsumer_StopReportsCloseError(t *testing.T) {
	consumer := &Consumer{
		consumer: &fakeGroup{errs: make(chan error), closeErr: errors.New("close failed")},
		logger:   log.WithField("test", "stop"),
	}
	assert.Error(t, consumer.Stop())
}

func TestConsumeClaim_MarksHandledMessages(t *testing.T) {
	consumer := newConsumer(&fakeGroup{}, ConsumerConfig{}, noopHandler, nil)
	session := &fakeSession{ctx: context.Background()}

	err := consumer.ConsumeClaim(session, claimOf(
		&sarama.ConsumerMessage{Topic: TopicTransitions, Offset: 7, Value: []byte("{}")},
		&sarama.ConsumerMessage{Topic: TopicTransitions, Offset: 8, Value: []byte("{}")},
	))
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, session.marked)
}

func TestConsumeClaim_FailedMessageWithoutDLQIsNotMarked(t *testing.T) {
	consumer := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 1, RetryBackoff: time.Millisecond},
		func(context.Context, *sarama.ConsumerMessage) error { return errors.New("board unavailable") }, nil)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, consumer.ConsumeClaim(session, claimOf(&sarama.ConsumerMessage{Offset: 1})))
	assert.Empty(t, session.marked)
}

func TestHandleMessageWithRetry(t *testing.T) {
	msg := &sarama.ConsumerMessage{Topic: TopicTransitions, Key: []byte("ord-1"), Value: []byte(`{"a":1}`)}

	t.Run("success", func(t *testing.T) {
		consumer := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 2},
			func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil)
		require.NoError(t, consumer.handleMessageWithRetry(context.Background(), msg))
	})

	t.Run("recovers within retries", func(t *testing.T) {
		attempts := 0
		consumer := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 3, RetryBackoff: time.Millisecond},
			func(context.Context, *sarama.ConsumerMessage) error {
				attempts++
				if attempts < 3 {
					return errors.New("temporary")
				}
				return nil
			}, nil)
		require.NoError(t, consumer.handleMessageWithRetry(context.Background(), msg))
		assert.Equal(t, 3, attempts)
	})

	t.Run("exhausted without dlq", func(t *testing.T) {
		attempts := 0
		consumer := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 2, RetryBackoff: time.Millisecond},
			func(context.Context, *sarama.ConsumerMessage) error {
				attempts++
				return errors.New("permanent")
			}, nil)
		require.Error(t, consumer.handleMessageWithRetry(context.Background(), msg))
		assert.Equal(t, 3, attempts, "first attempt plus two retries")
	})

	t.Run("exhausted with dlq", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			if string(val) != `{"a":1}` {
				return errors.New("dlq must carry the original value")
			}
			return nil
		})
		consumer := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 1, RetryBackoff: time.Millisecond},
			func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			NewProducerFrom(mockProducer, log.WithField("test", "dlq")))
		require.NoError(t, consumer.handleMessageWithRetry(context.Background(), msg))
		require.NoError(t, mockProducer.Close())
	})

	t.Run("dlq failure", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		consumer := newConsumer(&fakeGroup{}, ConsumerConfig{},
			func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			NewProducerFrom(mockProducer, log.WithField("test", "dlq")))
		require.Error(t, consumer.handleMessageWithRetry(context.Background(), msg))
		require.NoError(t, mockProducer.Close())
	})

	t.Run("cancelled while backing off", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		consumer := newConsumer(&fakeGroup{}, ConsumerConfig{MaxRetries: 5, RetryBackoff: time.Hour},
			func(context.Context, *sarama.ConsumerMessage) error {
				cancel()
				return errors.New("temporary")
			}, nil)
		assert.ErrorIs(t, consumer.handleMessageWithRetry(ctx, msg), context.Canceled)
	})
}

func TestGetRetryCount(t *testing.T) {
	withHeader := func(v string) *sarama.ConsumerMessage {
		return &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(v)}}}
	}
	assert.Equal(t, 5, getRetryCount(withHeader("5")))
	assert.Zero(t, getRetryCount(withHeader("bad")))
	assert.Zero(t, getRetryCount(&sarama.ConsumerMessage{}))
}

func TestConsumeClaim_StopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := newConsumer(&fakeGroup{}, ConsumerConfig{}, noopHandler, nil)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.ConsumeClaim(&fakeSession{ctx: ctx}, claim)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}

type countingNudger struct{ n int }

func (c *countingNudger) Nudge() { c.n++ }

func envelopeMessage(t *testing.T, eventType string, payload string) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(Envelope{
		ID:            "msg-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "ord-1",
		EventType:     eventType,
		Payload:       json.RawMessage(payload),
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: TopicTransitions, Key: []byte("ord-1"), Value: value}
}

func TestBoardNudgeHandler(t *testing.T) {
	nudger := &countingNudger{}
	handler := NewBoardNudgeHandler(nudger, nil)
	ctx := context.Background()

	require.NoError(t, handler(ctx, envelopeMessage(t, domain.EventTransitionApplied, `{"toStatus":"confirmed","version":2}`)))
	assert.Equal(t, 1, nudger.n)

	require.NoError(t, handler(ctx, envelopeMessage(t, "order.archived", `{}`)))
	assert.Equal(t, 1, nudger.n, "foreign events are skipped")

	assert.Error(t, handler(ctx, envelopeMessage(t, domain.EventTransitionApplied, `[1,2]`)))
	assert.Error(t, handler(ctx, &sarama.ConsumerMessage{Value: []byte("{")}))
	assert.Equal(t, 1, nudger.n)
}

func TestParseTransitionEventFillsOrderID(t *testing.T) {
	env, err := ParseEnvelope(envelopeMessage(t, domain.EventTransitionApplied, `{"toStatus":"ready","version":5}`))
	require.NoError(t, err)

	event, err := ParseTransitionEvent(env)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", event.OrderID)
	assert.Equal(t, domain.OrderStatusReady, event.To)
	assert.Equal(t, int64(5), event.Version)

	_, err = ParseEnvelope(&sarama.ConsumerMessage{Value: []byte(`{"id":"x"}`)})
	assert.Error(t, err, "envelope without event type")
}
