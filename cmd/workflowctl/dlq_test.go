package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderflow/internal/service/outbox"
)

type offsetRange struct{ oldest, newest int64 }

// stubClient и stubConsumer реализуют только то, что читает replayer.
type stubClient struct {
	sarama.Client
	partitions []int32
	offsets    map[int32]offsetRange
	offsetErr  error
}

func (c *stubClient) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if c.offsetErr != nil {
		return 0, c.offsetErr
	}
	r := c.offsets[partition]
	if at == sarama.OffsetOldest {
		return r.oldest, nil
	}
	return r.newest, nil
}

func (c *stubClient) Partitions(string) ([]int32, error) { return c.partitions, nil }
func (c *stubClient) Close() error                       { return nil }

type stubPartitionConsumer struct {
	sarama.PartitionConsumer
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (c *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return c.messages }
func (c *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return c.errors }
func (c *stubPartitionConsumer) Close() error                             { return nil }

func drainedPartition(msgs ...*sarama.ConsumerMessage) *stubPartitionConsumer {
	pc := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage, len(msgs)),
		errors:   make(chan *sarama.ConsumerError),
	}
	for _, msg := range msgs {
		pc.messages <- msg
	}
	close(pc.messages)
	close(pc.errors)
	return pc
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubConsumer struct {
	sarama.Consumer
	partitions map[int32]sarama.PartitionConsumer
	calls      []consumeCall
}

func (s *stubConsumer) ConsumePartition(_ string, partition int32, offset int64) (sarama.PartitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	pc, ok := s.partitions[partition]
	if !ok {
		return nil, errors.New("no such partition")
	}
	return pc, nil
}

func (s *stubConsumer) Close() error { return nil }

type published struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type stubPublisher struct {
	sent []published
	err  error
}

func (p *stubPublisher) Send(topic, key string, value []byte, headers map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func (p *stubPublisher) Close() error { return nil }

func consumerDeadLetter(offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:  kafka.TopicDeadLetterQueue,
		Offset: offset,
		Key:    []byte("ord-1"),
		Value:  []byte(`{"event_type":"order.transition.applied"}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte("custom.transitions")},
			{Key: []byte(kafka.HeaderRetryCount), Value: []byte("3")},
			{Key: []byte(kafka.HeaderErrorMessage), Value: []byte("boom")},
		},
	}
}

func outboxDeadLetterMessage(t *testing.T, offset int64, nested json.RawMessage) *sarama.ConsumerMessage {
	t.Helper()
	letter, err := json.Marshal(map[string]any{
		"outbox_id":      "out-1",
		"aggregate_type": domain.AggregateOrder,
		"aggregate_id":   "ord-7",
		"event_type":     domain.EventTransitionApplied,
		"payload":        nested,
		"publish_error":  "broker down",
	})
	require.NoError(t, err)
	value, err := json.Marshal(kafka.Envelope{
		ID:            "dlq-out-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "ord-7",
		EventType:     outbox.EventDeadLetter,
		Payload:       letter,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: kafka.TopicDeadLetterQueue, Offset: offset, Value: value}
}

func TestExtractReplayMessage_ConsumerDeadLetter(t *testing.T) {
	got, ok, err := extractReplayMessage(consumerDeadLetter(0), kafka.TopicTransitions)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "custom.transitions", got.topic)
	assert.Equal(t, "ord-1", got.key)
	assert.JSONEq(t, `{"event_type":"order.transition.applied"}`, string(got.value))
	assert.Equal(t, map[string]string{kafka.HeaderRetryCount: "3"}, got.headers)
}

func TestExtractReplayMessage_OutboxDeadLetter(t *testing.T) {
	msg := outboxDeadLetterMessage(t, 0, json.RawMessage(`{"toStatus":"ready","version":4}`))

	got, ok, err := extractReplayMessage(msg, kafka.TopicTransitions)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, kafka.TopicTransitions, got.topic)
	assert.Equal(t, "ord-7", got.key)

	replayed, err := kafka.ParseEnvelope(&sarama.ConsumerMessage{Value: got.value})
	require.NoError(t, err)
	assert.Equal(t, "out-1", replayed.ID)
	assert.Equal(t, domain.EventTransitionApplied, replayed.EventType)

	event, err := kafka.ParseTransitionEvent(replayed)
	require.NoError(t, err)
	assert.Equal(t, "ord-7", event.OrderID)
	assert.Equal(t, domain.OrderStatusReady, event.To)
}

func TestExtractReplayMessage_OutboxWithoutOriginalEvent(t *testing.T) {
	_, ok, err := extractReplayMessage(outboxDeadLetterMessage(t, 0, nil), kafka.TopicTransitions)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestExtractReplayMessage_SkipsForeignMessages(t *testing.T) {
	for _, value := range []string{`not json`, `{"foo":"bar"}`, `{"event_type":"order.transition.applied","payload":{}}`} {
		_, ok, err := extractReplayMessage(&sarama.ConsumerMessage{Value: []byte(value)}, kafka.TopicTransitions)
		require.NoError(t, err, value)
		assert.False(t, ok, value)
	}
}

func TestRunReplay_DryRunPublishesNothing(t *testing.T) {
	client := &stubClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	source := &stubConsumer{partitions: map[int32]sarama.PartitionConsumer{
		0: drainedPartition(consumerDeadLetter(0), outboxDeadLetterMessage(t, 1, json.RawMessage(`{"version":2}`))),
	}}
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicTransitions, limit: 10, idleTimeout: 50 * time.Millisecond}

	stats, err := runReplay(context.Background(), cfg, client, source, nil)
	require.NoError(t, err)
	assert.Equal(t, replayStats{processed: 2, replayed: 2}, stats)
}

func TestRunReplay_Execute(t *testing.T) {
	client := &stubClient{partitions: []int32{1, 0}, offsets: map[int32]offsetRange{
		0: {oldest: 0, newest: 2},
		1: {oldest: 5, newest: 6},
	}}
	source := &stubConsumer{partitions: map[int32]sarama.PartitionConsumer{
		0: drainedPartition(consumerDeadLetter(0), &sarama.ConsumerMessage{Offset: 1, Value: []byte(`{}`)}),
		1: drainedPartition(outboxDeadLetterMessage(t, 5, json.RawMessage(`{"version":2}`))),
	}}
	publisher := &stubPublisher{}
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicTransitions, limit: 10, execute: true, idleTimeout: 50 * time.Millisecond}

	stats, err := runReplay(context.Background(), cfg, client, source, publisher)
	require.NoError(t, err)
	assert.Equal(t, replayStats{processed: 3, replayed: 2, skipped: 1}, stats)
	require.Len(t, publisher.sent, 2)
	assert.Equal(t, "custom.transitions", publisher.sent[0].topic)
	assert.Equal(t, kafka.TopicTransitions, publisher.sent[1].topic)
	assert.Equal(t, []consumeCall{{partition: 0, offset: 0}, {partition: 1, offset: 5}}, source.calls)
}

func TestRunReplay_FiltersByOrder(t *testing.T) {
	client := &stubClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	source := &stubConsumer{partitions: map[int32]sarama.PartitionConsumer{
		0: drainedPartition(consumerDeadLetter(0), outboxDeadLetterMessage(t, 1, json.RawMessage(`{"version":2}`))),
	}}
	publisher := &stubPublisher{}
	cfg := replayConfig{
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicTransitions,
		limit:       10,
		execute:     true,
		idleTimeout: 50 * time.Millisecond,
		orderID:     "ord-7",
	}

	stats, err := runReplay(context.Background(), cfg, client, source, publisher)
	require.NoError(t, err)
	assert.Equal(t, replayStats{processed: 2, replayed: 1, skipped: 1}, stats)
	require.Len(t, publisher.sent, 1)
	assert.Equal(t, "ord-7", publisher.sent[0].key)
}

func TestRunReplay_RespectsLimitFromNewest(t *testing.T) {
	client := &stubClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 10}}}
	source := &stubConsumer{partitions: map[int32]sarama.PartitionConsumer{
		0: drainedPartition(consumerDeadLetter(8), consumerDeadLetter(9)),
	}}
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicTransitions, limit: 2, fromNewest: true, idleTimeout: 50 * time.Millisecond}

	stats, err := runReplay(context.Background(), cfg, client, source, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.processed)
	assert.Equal(t, []consumeCall{{partition: 0, offset: 8}}, source.calls)
}

func TestRunReplay_Errors(t *testing.T) {
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicTransitions, limit: 1, execute: true, idleTimeout: 50 * time.Millisecond}

	_, err := runReplay(context.Background(), cfg, nil, nil, nil)
	require.Error(t, err)

	client := &stubClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	_, err = runReplay(context.Background(), cfg, client, &stubConsumer{}, nil)
	require.Error(t, err, "execute mode needs a producer")

	_, err = runReplay(context.Background(), cfg, &stubClient{partitions: []int32{0}, offsetErr: errors.New("offsets")}, &stubConsumer{}, &stubPublisher{})
	require.Error(t, err)

	source := &stubConsumer{partitions: map[int32]sarama.PartitionConsumer{0: drainedPartition(consumerDeadLetter(0))}}
	_, err = runReplay(context.Background(), cfg, client, source, &stubPublisher{err: errors.New("send failed")})
	require.ErrorContains(t, err, "publish replay message")
}

func TestReplayerScan_IdleCancelAndConsumerError(t *testing.T) {
	client := &stubClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	cfg := replayConfig{sourceTopic: kafka.TopicDeadLetterQueue, targetTopic: kafka.TopicTransitions, idleTimeout: 10 * time.Millisecond}
	newReplayer := func(consumer sarama.Consumer) *replayer {
		return &replayer{cfg: cfg, client: client, consumer: consumer, logger: log.WithField("component", "test")}
	}

	silent := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	r := newReplayer(&stubConsumer{partitions: map[int32]sarama.PartitionConsumer{0: silent}})
	require.NoError(t, r.scan(context.Background(), 0, 5))
	assert.Zero(t, r.stats.processed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.cfg.idleTimeout = time.Minute
	assert.ErrorIs(t, r.scan(ctx, 0, 5), context.Canceled)

	broken := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError, 1)}
	broken.errors <- &sarama.ConsumerError{Err: errors.New("partition gone")}
	r = newReplayer(&stubConsumer{partitions: map[int32]sarama.PartitionConsumer{0: broken}})
	r.cfg.idleTimeout = time.Minute
	require.ErrorContains(t, r.scan(context.Background(), 0, 5), "partition gone")
}

func TestReplayerWindow(t *testing.T) {
	client := &stubClient{offsets: map[int32]offsetRange{0: {oldest: 4, newest: 10}, 1: {oldest: 3, newest: 3}}}
	r := &replayer{cfg: replayConfig{sourceTopic: kafka.TopicDeadLetterQueue}, client: client}

	start, end, err := r.window(0, 100)
	require.NoError(t, err)
	assert.Equal(t, [2]int64{4, 10}, [2]int64{start, end})

	r.cfg.fromNewest = true
	start, _, err = r.window(0, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 8, start)

	start, _, err = r.window(0, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 4, start, "window never reaches before the oldest offset")

	start, end, err = r.window(1, 5)
	require.NoError(t, err)
	assert.Equal(t, start, end)
}

func TestReplayConfigValidate(t *testing.T) {
	valid := replayConfig{brokers: []string{"b:9092"}, sourceTopic: "dlq", targetTopic: "t", limit: 1, idleTimeout: time.Second}
	require.NoError(t, valid.validate())

	cases := map[string]func(*replayConfig){
		"kafka brokers are required": func(c *replayConfig) { c.brokers = nil },
		"source-topic is required":   func(c *replayConfig) { c.sourceTopic = " " },
		"target-topic is required":   func(c *replayConfig) { c.targetTopic = "" },
		"limit must be > 0":          func(c *replayConfig) { c.limit = 0 },
		"idle-timeout must be > 0":   func(c *replayConfig) { c.idleTimeout = 0 },
	}
	for want, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		assert.ErrorContains(t, cfg.validate(), want)
	}
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, parseBrokers(" broker-1:9092, ,broker-2:9092 "))
	assert.Empty(t, parseBrokers(""))
}

func TestDLQReplayCommandRequiresBrokers(t *testing.T) {
	t.Setenv(envKafkaBrokers, "")
	_, err := runCLI(t, "dlq", "replay")
	require.ErrorContains(t, err, "kafka brokers are required")
}
