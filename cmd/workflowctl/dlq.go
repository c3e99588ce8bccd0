package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderflow/internal/service/outbox"
)

const (
	envKafkaBrokers    = "WORKFLOW_KAFKA_BROKERS"
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type replayConfig struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
	// orderID оставляет только письма одного заказа; пусто — все.
	orderID string
}

func (c replayConfig) validate() error {
	switch {
	case len(c.brokers) == 0:
		return fmt.Errorf("kafka brokers are required (--brokers or %s)", envKafkaBrokers)
	case strings.TrimSpace(c.sourceTopic) == "":
		return errors.New("source-topic is required")
	case strings.TrimSpace(c.targetTopic) == "":
		return errors.New("target-topic is required")
	case c.limit <= 0:
		return errors.New("limit must be > 0")
	case c.idleTimeout <= 0:
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

// replayMessage — сообщение, которое нужно вернуть в рабочий топик.
type replayMessage struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

// replaySink реализуется kafka.Producer.
type replaySink interface {
	Send(topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// dialReplay открывает клиент, потребителя и, в режиме --execute, продюсер.
func dialReplay(cfg replayConfig) (sarama.Client, sarama.Consumer, replaySink, error) {
	sc := sarama.NewConfig()
	sc.ClientID = kafka.DefaultClientID
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, sc)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("open dlq consumer: %w", err)
	}
	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.brokers})
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, err
	}
	return client, consumer, producer, nil
}

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead letter topic",
	}
	cmd.AddCommand(newDLQReplayCmd())
	return cmd
}

func newDLQReplayCmd() *cobra.Command {
	var (
		brokersRaw string
		cfg        replayConfig
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay dead letters back to their working topic",
		Long: `Scan the dead letter topic and republish messages to their working topic.

Consumer-side dead letters keep the original value and go back to the topic
named in the x-original-topic header. Outbox dead letters are unwrapped into a
fresh envelope for --target-topic. The default is a dry run.

Examples:
  workflowctl dlq replay --brokers localhost:9092
  workflowctl dlq replay --brokers localhost:9092 --limit 10 --execute
  workflowctl dlq replay --brokers localhost:9092 --order ord-42 --execute`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(brokersRaw) == "" {
				brokersRaw = os.Getenv(envKafkaBrokers)
			}
			cfg.brokers = parseBrokers(brokersRaw)
			if err := cfg.validate(); err != nil {
				return err
			}
			return runReplayCommand(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&brokersRaw, "brokers", "", "comma-separated Kafka brokers (env "+envKafkaBrokers+")")
	cmd.Flags().StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic")
	cmd.Flags().StringVar(&cfg.targetTopic, "target-topic", kafka.TopicTransitions, "topic for unwrapped outbox events")
	cmd.Flags().IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	cmd.Flags().BoolVar(&cfg.execute, "execute", false, "publish messages; default is a dry run")
	cmd.Flags().BoolVar(&cfg.fromNewest, "from-newest", false, "scan the latest messages first")
	cmd.Flags().DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	cmd.Flags().StringVar(&cfg.orderID, "order", "", "replay only dead letters of this order")
	return cmd
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func runReplayCommand(ctx context.Context, cfg replayConfig) error {
	client, consumer, sink, err := dialReplay(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if sink != nil {
			_ = sink.Close()
		}
		_ = consumer.Close()
		_ = client.Close()
	}()

	_, err = runReplay(ctx, cfg, client, consumer, sink)
	return err
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

type replayAction int

const (
	actionSkip replayAction = iota
	actionLog
	actionSend
)

// replayer проходит партиции DLQ по очереди, пока не исчерпан общий лимит.
type replayer struct {
	cfg      replayConfig
	client   sarama.Client
	consumer sarama.Consumer
	sink     replaySink
	logger   *log.Entry
	stats    replayStats
}

func runReplay(ctx context.Context, cfg replayConfig, client sarama.Client, consumer sarama.Consumer, sink replaySink) (replayStats, error) {
	if client == nil || consumer == nil {
		return replayStats{}, errors.New("kafka client and consumer are required")
	}
	if cfg.execute && sink == nil {
		return replayStats{}, errors.New("producer is required in execute mode")
	}

	r := &replayer{
		cfg:      cfg,
		client:   client,
		consumer: consumer,
		sink:     sink,
		logger: log.WithFields(log.Fields{
			"component":    "dlq-replay",
			"source_topic": cfg.sourceTopic,
			"execute":      cfg.execute,
			"order_id":     cfg.orderID,
		}),
	}
	err := r.run(ctx)
	r.logger.WithFields(log.Fields{
		"processed": r.stats.processed,
		"replayed":  r.stats.replayed,
		"skipped":   r.stats.skipped,
	}).Info("dlq replay finished")
	return r.stats, err
}

func (r *replayer) run(ctx context.Context) error {
	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.Warn("dead letter topic has no partitions")
		return nil
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.cfg.limit - r.stats.processed
		if budget <= 0 {
			return nil
		}
		if err := r.scan(ctx, partition, budget); err != nil {
			return err
		}
	}
	return nil
}

// window возвращает [start, end) для чтения партиции. start==end — читать нечего.
func (r *replayer) window(partition int32, budget int) (int64, int64, error) {
	first, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("partition %d: oldest offset: %w", partition, err)
	}
	end, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("partition %d: newest offset: %w", partition, err)
	}
	if end <= first {
		return first, first, nil
	}
	if r.cfg.fromNewest {
		first = max(first, end-int64(budget))
	}
	return first, end, nil
}

func (r *replayer) scan(ctx context.Context, partition int32, budget int) error {
	start, end, err := r.window(partition, budget)
	if err != nil || start == end {
		return err
	}

	pc, err := r.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return fmt.Errorf("partition %d: consume: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()
	failures := pc.Errors()

	for seen := 0; seen < budget; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case cerr, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			if cerr != nil {
				return fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return nil
			}
			idle.Reset(r.cfg.idleTimeout)
			seen++
			if err := r.handle(msg); err != nil {
				return err
			}
			if msg.Offset+1 >= end {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage) error {
	r.stats.processed++
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, action := r.decide(msg, entry)
	switch action {
	case actionSkip:
		r.stats.skipped++
		return nil
	case actionSend:
		if err := r.sink.Send(replay.topic, replay.key, replay.value, replay.headers); err != nil {
			return fmt.Errorf("publish replay message: %w", err)
		}
	default:
		entry.WithFields(log.Fields{"target_topic": replay.topic, "key": replay.key}).Info("dlq replay candidate")
	}
	r.stats.replayed++
	return nil
}

func (r *replayer) decide(msg *sarama.ConsumerMessage, entry *log.Entry) (replayMessage, replayAction) {
	replay, ok, err := extractReplayMessage(msg, r.cfg.targetTopic)
	switch {
	case err != nil:
		entry.WithError(err).Warn("skip unsupported dead letter")
		return replayMessage{}, actionSkip
	case !ok:
		return replayMessage{}, actionSkip
	case r.cfg.orderID != "" && replay.key != r.cfg.orderID:
		return replayMessage{}, actionSkip
	case r.cfg.execute:
		return replay, actionSend
	default:
		return replay, actionLog
	}
}

// extractReplayMessage распознаёт оба формата DLQ. ok=false — сообщение не похоже на dead letter.
func extractReplayMessage(msg *sarama.ConsumerMessage, targetTopic string) (replayMessage, bool, error) {
	if original := header(msg, kafka.HeaderOriginalTopic); original != "" {
		headers := map[string]string{}
		if retries := header(msg, kafka.HeaderRetryCount); retries != "" {
			headers[kafka.HeaderRetryCount] = retries
		}
		return replayMessage{
			topic:   original,
			key:     string(msg.Key),
			value:   msg.Value,
			headers: headers,
		}, true, nil
	}

	var env kafka.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || env.EventType != outbox.EventDeadLetter {
		return replayMessage{}, false, nil
	}

	var letter outbox.DeadLetter
	if err := json.Unmarshal(env.Payload, &letter); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(letter.Payload) == 0 || string(letter.Payload) == "null" || letter.EventType == "" {
		return replayMessage{}, false, errors.New("outbox dead letter does not carry the original event")
	}

	encoded, err := json.Marshal(kafka.Envelope{
		ID:            letter.OutboxID,
		AggregateType: letter.AggregateType,
		AggregateID:   letter.AggregateID,
		EventType:     letter.EventType,
		Payload:       letter.Payload,
		PublishedAt:   time.Now().UTC(),
	})
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	key := letter.AggregateID
	if key == "" {
		key = letter.OutboxID
	}
	return replayMessage{topic: targetTopic, key: key, value: encoded}, true, nil
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

var _ replaySink = (*kafka.Producer)(nil)
