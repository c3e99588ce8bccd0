package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderflow/internal/service/outbox"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Без брокеров возвращает nil, nil: события переходов не публикуются.
func initKafkaProducer(cfg KafkaConfig, logger *log.Entry) (*kafka.Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:     cfg.Brokers,
		ClientID:    cfg.ClientID,
		Compression: cfg.Compression,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", cfg.Brokers).Info("kafka producer initialized")
	return producer, nil
}

// outboxPublisher возвращает паблишер событий переходов; письма DLQ уходят в свой топик.
func outboxPublisher(producer *kafka.Producer, cfg KafkaConfig) *kafka.OutboxPublisher {
	dlqTopic := cfg.DLQTopic
	if dlqTopic == "" {
		dlqTopic = kafka.TopicDeadLetterQueue
	}
	return kafka.NewOutboxPublisher(producer, cfg.Topic, kafka.RouteEvent(outbox.EventDeadLetter, dlqTopic))
}

// initNudgeConsumer подписывает координатор доски на события переходов.
// Включается только при заданном group_id.
func initNudgeConsumer(cfg KafkaConfig, nudger kafka.Nudger, dlqProducer *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.GroupID == "" || nudger == nil {
		return nil, nil
	}

	topic := cfg.Topic
	if topic == "" {
		topic = kafka.TopicTransitions
	}
	return kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:      cfg.Brokers,
		GroupID:      cfg.GroupID,
		ClientID:     cfg.ClientID,
		Topics:       []string{topic},
		DLQTopic:     cfg.DLQTopic,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryDelay,
	}, kafka.NewBoardNudgeHandler(nudger, logger.WithField("component", "board-nudge")), dlqProducer)
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
