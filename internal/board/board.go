package board

import (
	"sort"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// Card — заказ на доске с производными полями срочности.
type Card struct {
	Order        domain.Order
	Elapsed      time.Duration
	Remaining    time.Duration
	Tier         Tier
	NextPossible []domain.OrderStatus
	// Pending — оптимистичная карточка: переход отправлен, ответ ещё не получен.
	Pending bool
}

// Bucket — карточки одного статуса.
type Bucket struct {
	Status domain.OrderStatus
	Cards  []Card
}

// Board — производный снимок доски. Авторитетным не является.
type Board struct {
	Buckets             []Bucket
	GeneratedAt         time.Time
	Stale               bool
	LastSuccess         time.Time
	ConsecutiveFailures int
}

// Bucket возвращает корзину статуса.
func (b Board) Bucket(status domain.OrderStatus) (Bucket, bool) {
	for _, bucket := range b.Buckets {
		if bucket.Status == status {
			return bucket, true
		}
	}
	return Bucket{}, false
}

// Card ищет карточку заказа по всем корзинам.
func (b Board) Card(orderID string) (Card, bool) {
	for _, bucket := range b.Buckets {
		for _, card := range bucket.Cards {
			if card.Order.ID == orderID {
				return card, true
			}
		}
	}
	return Card{}, false
}

// Counts группирует число карточек по статусу и уровню срочности.
func (b Board) Counts() map[string]map[string]int {
	counts := make(map[string]map[string]int, len(b.Buckets))
	for _, bucket := range b.Buckets {
		perTier := make(map[string]int)
		for _, card := range bucket.Cards {
			perTier[string(card.Tier)]++
		}
		counts[string(bucket.Status)] = perTier
	}
	return counts
}

// speculativeCard — оптимистичная правка заказа и номер запроса, который её внёс.
type speculativeCard struct {
	order domain.Order
	move  uint64
}

// build пересобирает доску целиком из снимка и оптимистичных правок.
// Оптимистичная карточка заменяет заказ снимка, пока её версия не устарела.
func build(now time.Time, snapshot []domain.Order, optimistic map[string]speculativeCard, thresholds map[domain.OrderStatus]Thresholds) []Bucket {
	byStatus := make(map[domain.OrderStatus][]Card)
	seen := make(map[string]struct{}, len(snapshot))

	add := func(order domain.Order, pending bool) {
		card := Card{
			Order:        order,
			NextPossible: domain.NextPossible(order.Status),
			Pending:      pending,
		}
		if pending {
			card.Tier, card.Remaining = Classify(order.Status, 0, thresholds)
		} else {
			card.Elapsed = Elapsed(now, order.EnteredStatusAt)
			card.Tier, card.Remaining = Classify(order.Status, card.Elapsed, thresholds)
		}
		byStatus[order.Status] = append(byStatus[order.Status], card)
	}

	for _, order := range snapshot {
		seen[order.ID] = struct{}{}
		if speculative, ok := optimistic[order.ID]; ok && speculative.order.Version > order.Version {
			add(speculative.order, true)
			continue
		}
		add(order, false)
	}
	for id, speculative := range optimistic {
		if _, ok := seen[id]; !ok {
			add(speculative.order, true)
		}
	}

	statuses := domain.AllStatuses()
	buckets := make([]Bucket, 0, len(statuses))
	for _, status := range statuses {
		cards := byStatus[status]
		sort.Slice(cards, func(i, j int) bool {
			if !cards[i].Order.EnteredStatusAt.Equal(cards[j].Order.EnteredStatusAt) {
				return cards[i].Order.EnteredStatusAt.Before(cards[j].Order.EnteredStatusAt)
			}
			return cards[i].Order.ID < cards[j].Order.ID
		})
		buckets = append(buckets, Bucket{Status: status, Cards: cards})
	}
	return buckets
}
