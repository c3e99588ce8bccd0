package kafka

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// DefaultClientID — client.id, с которым сервис подключается к брокерам.
const DefaultClientID = "orderflow"

var producedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "workflow_kafka_produced_total",
	Help: "Messages handed to Kafka by topic and result.",
}, []string{"topic", "result"})

// ProducerConfig — параметры подключения producer.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// Compression: none, gzip, snappy, lz4 или zstd. Пусто означает snappy.
	Compression string
	MaxRetries  int
}

func (c ProducerConfig) saramaConfig() (*sarama.Config, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	config := sarama.NewConfig()
	config.ClientID = c.ClientID
	if config.ClientID == "" {
		config.ClientID = DefaultClientID
	}

	codec := c.Compression
	if codec == "" {
		codec = "snappy"
	}
	if err := config.Producer.Compression.UnmarshalText([]byte(codec)); err != nil {
		return nil, fmt.Errorf("kafka compression %q: %w", c.Compression, err)
	}

	// идемпотентный producer требует acks=all и одного запроса в полёте
	config.Producer.Idempotent = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Net.MaxOpenRequests = 1
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 5
	if c.MaxRetries > 0 {
		config.Producer.Retry.Max = c.MaxRetries
	}
	return config, nil
}

// Producer синхронно отправляет события переходов и письма DLQ.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
}

// NewProducer подключается к брокерам из cfg.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	config, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}
	sp, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return NewProducerFrom(sp, nil), nil
}

// NewProducerFrom оборачивает готовый sarama.SyncProducer, например mocks.SyncProducer.
func NewProducerFrom(sp sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{sync: sp, logger: logger}
}

// Send отправляет value с ключом key. Заголовки пишутся в порядке имён.
func (p *Producer) Send(topic, key string, value []byte, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders(headers),
		Timestamp: time.Now(),
	}

	partition, offset, err := p.sync.SendMessage(msg)
	if err != nil {
		producedMessages.WithLabelValues(topic, "error").Inc()
		p.logger.WithError(err).WithFields(log.Fields{"topic": topic, "key": key}).Warn("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	producedMessages.WithLabelValues(topic, "ok").Inc()
	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("kafka message sent")
	return nil
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]sarama.RecordHeader, 0, len(names))
	for _, name := range names {
		out = append(out, sarama.RecordHeader{Key: []byte(name), Value: []byte(headers[name])})
	}
	return out
}

func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
