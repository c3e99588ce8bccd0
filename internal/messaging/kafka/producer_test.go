package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducer_SendSortsHeaders(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFrom(mockProducer, log.WithField("component", "producer-test"))

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, TopicDeadLetterQueue, msg.Topic)
		require.Len(t, msg.Headers, 2)
		assert.Equal(t, HeaderOriginalTopic, string(msg.Headers[0].Key))
		assert.Equal(t, HeaderRetryCount, string(msg.Headers[1].Key))
		assert.Equal(t, "3", string(msg.Headers[1].Value))
		return nil
	})

	err := producer.Send(TopicDeadLetterQueue, "ord-1", []byte(`{}`), map[string]string{
		HeaderRetryCount:    "3",
		HeaderOriginalTopic: TopicTransitions,
	})
	require.NoError(t, err)
	require.NoError(t, producer.Close())
}

func TestProducer_SendWithoutHeaders(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFrom(mockProducer, nil)

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		assert.Equal(t, `{"version":2}`, string(val))
		return nil
	})
	require.NoError(t, producer.Send(TopicTransitions, "ord-1", []byte(`{"version":2}`), nil))
	require.NoError(t, producer.Close())
}

func TestProducer_SendError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := NewProducerFrom(mockProducer, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.Send(TopicTransitions, "ord-1", []byte(`{}`), nil)
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Contains(t, err.Error(), TopicTransitions)
	require.NoError(t, producer.Close())
}

func TestProducerConfig_Validation(t *testing.T) {
	_, err := ProducerConfig{}.saramaConfig()
	assert.Error(t, err, "brokers are required")

	_, err = ProducerConfig{Brokers: []string{"b:9092"}, Compression: "brotli"}.saramaConfig()
	assert.Error(t, err)

	config, err := ProducerConfig{Brokers: []string{"b:9092"}, Compression: "zstd", MaxRetries: 9}.saramaConfig()
	require.NoError(t, err)
	assert.Equal(t, sarama.CompressionZSTD, config.Producer.Compression)
	assert.Equal(t, 9, config.Producer.Retry.Max)
	assert.Equal(t, DefaultClientID, config.ClientID)
	assert.True(t, config.Producer.Idempotent)

	config, err = ProducerConfig{Brokers: []string{"b:9092"}}.saramaConfig()
	require.NoError(t, err)
	assert.Equal(t, sarama.CompressionSnappy, config.Producer.Compression)
}

func TestNewProducer_UnreachableBrokers(t *testing.T) {
	_, err := NewProducer(ProducerConfig{Brokers: []string{"invalid-broker:9092"}})
	assert.Error(t, err)
}
