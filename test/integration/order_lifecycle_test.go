package integration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/orderflow/internal/authz"
	"github.com/vladislavdragonenkov/orderflow/internal/board"
	"github.com/vladislavdragonenkov/orderflow/internal/domain"
	"github.com/vladislavdragonenkov/orderflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderflow/internal/service/outbox"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderflow/internal/workflow"
)

// OrderLifecycleTestSuite прогоняет заказ через движок, доски персонала и outbox.
type OrderLifecycleTestSuite struct {
	suite.Suite
	logger     *log.Entry
	registry   domain.OrderRegistry
	outboxRepo domain.OutboxRepository
	engine     *workflow.Engine
	producer   *mocks.SyncProducer
	dlq        *recordingPublisher
	worker     *outbox.Worker
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []domain.OutboxMessage
}

func (p *recordingPublisher) Publish(msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (suite *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	suite.logger = baseLogger.WithField("component", "integration-test")

	suite.registry = memory.NewOrderRegistry()
	suite.outboxRepo = memory.NewOutboxRepository()
	policy := authz.NewStaticPolicy(map[string][]string{
		"kitchen-1": {"transition:confirmed", "transition:preparing", "transition:ready", "transition:cancelled"},
		"kitchen-2": {"transition:confirmed", "transition:preparing", "transition:ready", "transition:cancelled"},
		"courier-1": {"transition:delivering", "transition:delivered"},
	})
	suite.engine = workflow.NewEngine(
		suite.registry,
		memory.NewHistoryLog(),
		authz.WithTimeout(policy, time.Second, suite.logger),
		workflow.WithOutbox(suite.outboxRepo),
		workflow.WithLogger(suite.logger),
	)

	suite.producer = mocks.NewSyncProducer(suite.T(), nil)
	suite.dlq = &recordingPublisher{}
	suite.worker = outbox.NewWorker(
		suite.outboxRepo,
		kafka.NewOutboxPublisher(kafka.NewProducerFrom(suite.producer, suite.logger), kafka.TopicTransitions),
		outbox.WithLogger(suite.logger),
		outbox.WithDLQPublisher(suite.dlq),
		outbox.WithMaxAttempts(2),
		outbox.WithRetryBaseDelay(0),
	)
}

func (suite *OrderLifecycleTestSuite) TearDownTest() {
	require.NoError(suite.T(), suite.producer.Close())
}

func (suite *OrderLifecycleTestSuite) newBoard() *board.Coordinator {
	return board.NewCoordinator(
		board.NewPollingSource(suite.engine, time.Hour),
		board.EngineTransitioner(suite.engine),
		board.Config{RequestTimeout: time.Second},
		board.WithLogger(suite.logger),
	)
}

func (suite *OrderLifecycleTestSuite) step(b *board.Coordinator, orderID, actor string, to domain.OrderStatus) domain.Order {
	card, ok := b.Board().Card(orderID)
	require.True(suite.T(), ok, "order %s must be on the board", orderID)

	updated, err := b.RequestTransition(context.Background(), workflow.TransitionRequest{
		OrderID:         orderID,
		ExpectedStatus:  card.Order.Status,
		ExpectedVersion: card.Order.Version,
		TargetStatus:    to,
		Actor:           actor,
	})
	require.NoError(suite.T(), err)
	require.Equal(suite.T(), to, updated.Status)
	return updated
}

func (suite *OrderLifecycleTestSuite) TestSuccessfulOrderLifecycle() {
	ctx := context.Background()
	t := suite.T()

	// 1. Регистрируем заказ
	order, err := suite.engine.CreateOrder(ctx, "ord-100", json.RawMessage(`{"table":7,"items":["pho","tea"]}`))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, order.Status)

	// 2. Проводим его по доскам кухни и курьера
	kitchen := suite.newBoard()
	courier := suite.newBoard()
	require.NoError(t, kitchen.Refresh(ctx))

	suite.step(kitchen, "ord-100", "kitchen-1", domain.OrderStatusConfirmed)
	suite.step(kitchen, "ord-100", "kitchen-1", domain.OrderStatusPreparing)
	suite.step(kitchen, "ord-100", "kitchen-1", domain.OrderStatusReady)

	require.NoError(t, courier.Refresh(ctx))
	suite.step(courier, "ord-100", "courier-1", domain.OrderStatusDelivering)
	final := suite.step(courier, "ord-100", "courier-1", domain.OrderStatusDelivered)
	require.Equal(t, int64(6), final.Version)

	// 3. Терминальный заказ остаётся на доске в окне видимости
	require.NoError(t, courier.Refresh(ctx))
	bucket, ok := courier.Board().Bucket(domain.OrderStatusDelivered)
	require.True(t, ok)
	require.Len(t, bucket.Cards, 1)
	require.Empty(t, bucket.Cards[0].NextPossible)

	// 4. Журнал полный и цепочка цела
	report, err := suite.engine.VerifyHistory(ctx, "ord-100")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 5, report.Applied)

	// 5. Каждое применённое событие уходит в Kafka с ключом заказа
	var (
		mu       sync.Mutex
		versions []int64
	)
	for i := 0; i < 5; i++ {
		suite.producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			env, err := kafka.ParseEnvelope(&sarama.ConsumerMessage{Value: val})
			if err != nil {
				return err
			}
			event, err := kafka.ParseTransitionEvent(env)
			if err != nil {
				return err
			}
			mu.Lock()
			versions = append(versions, event.Version)
			mu.Unlock()
			return nil
		})
	}
	suite.worker.ProcessOnce(ctx)

	require.ElementsMatch(t, []int64{2, 3, 4, 5, 6}, versions)
	stats, err := suite.outboxRepo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.Empty(t, suite.dlq.sent)
}

func (suite *OrderLifecycleTestSuite) TestConcurrentStaffConflict() {
	ctx := context.Background()
	t := suite.T()

	_, err := suite.engine.CreateOrder(ctx, "ord-200", nil)
	require.NoError(t, err)

	first := suite.newBoard()
	second := suite.newBoard()
	require.NoError(t, first.Refresh(ctx))
	require.NoError(t, second.Refresh(ctx))

	// обе доски видят pending v1; первая успевает раньше
	suite.step(first, "ord-200", "kitchen-1", domain.OrderStatusConfirmed)

	_, err = second.RequestTransition(ctx, workflow.TransitionRequest{
		OrderID:         "ord-200",
		ExpectedStatus:  domain.OrderStatusPending,
		ExpectedVersion: 1,
		TargetStatus:    domain.OrderStatusCancelled,
		Actor:           "kitchen-2",
		Reason:          "customer left",
	})
	require.True(t, domain.IsVersionConflict(err), "got %v", err)

	current, ok := domain.ConflictState(err)
	require.True(t, ok)
	require.Equal(t, domain.OrderStatusConfirmed, current.Status)
	require.Equal(t, int64(2), current.Version)

	// откат: карточка второй доски остаётся в pending до следующего опроса
	card, ok := second.Board().Card("ord-200")
	require.True(t, ok)
	require.Equal(t, domain.OrderStatusPending, card.Order.Status)
	require.False(t, card.Pending)

	require.NoError(t, second.Refresh(ctx))
	card, _ = second.Board().Card("ord-200")
	require.Equal(t, domain.OrderStatusConfirmed, card.Order.Status)

	history, err := suite.engine.History(ctx, "ord-200")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, domain.OutcomeApplied, history[0].Outcome)
	require.Equal(t, domain.OutcomeRejectedConflict, history[1].Outcome)
	require.Equal(t, "kitchen-2", history[1].Actor)

	report, err := suite.engine.VerifyHistory(ctx, "ord-200")
	require.NoError(t, err)
	require.True(t, report.Valid)
}

func (suite *OrderLifecycleTestSuite) TestUnauthorizedActorIsRecorded() {
	ctx := context.Background()
	t := suite.T()

	_, err := suite.engine.CreateOrder(ctx, "ord-300", nil)
	require.NoError(t, err)

	_, err = suite.engine.RequestTransition(ctx, workflow.TransitionRequest{
		OrderID:         "ord-300",
		ExpectedStatus:  domain.OrderStatusPending,
		ExpectedVersion: 1,
		TargetStatus:    domain.OrderStatusConfirmed,
		Actor:           "courier-1",
	})
	require.True(t, domain.IsUnauthorized(err), "got %v", err)

	order, err := suite.engine.GetOrder(ctx, "ord-300")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, order.Status)
	require.Equal(t, int64(1), order.Version)

	history, err := suite.engine.History(ctx, "ord-300")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.OutcomeRejectedUnauthorized, history[0].Outcome)

	// отклонения в outbox не попадают
	stats, err := suite.outboxRepo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
}

func (suite *OrderLifecycleTestSuite) TestBrokerOutageGoesToDeadLetter() {
	ctx := context.Background()
	t := suite.T()

	_, err := suite.engine.CreateOrder(ctx, "ord-400", nil)
	require.NoError(t, err)
	_, err = suite.engine.RequestTransition(ctx, workflow.TransitionRequest{
		OrderID:         "ord-400",
		ExpectedStatus:  domain.OrderStatusPending,
		ExpectedVersion: 1,
		TargetStatus:    domain.OrderStatusCancelled,
		Actor:           "kitchen-1",
	})
	require.NoError(t, err)

	suite.producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	suite.producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	suite.worker.ProcessOnce(ctx)

	require.Len(t, suite.dlq.sent, 1)
	letter := suite.dlq.sent[0]
	require.Equal(t, outbox.EventDeadLetter, letter.EventType)
	require.Equal(t, "ord-400", letter.AggregateID)

	stats, err := suite.outboxRepo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
}

func TestOrderLifecycle(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}
