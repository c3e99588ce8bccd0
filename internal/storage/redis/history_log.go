// Package redis хранит журнал истории статусов в Redis: список записей и хэш-голову на заказ.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

const (
	keyPrefix        = "workflow:history:"
	maxWatchAttempts = 16
	opTimeout        = 5 * time.Second
)

// Connect создаёт клиента по URL (redis://...) или адресу host:port.
func Connect(addr string) (*goredis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return goredis.NewClient(opt), nil
	}
	return goredis.NewClient(&goredis.Options{Addr: addr}), nil
}

type historyLog struct {
	client goredis.UniversalClient
}

// NewHistoryLog создаёт реализацию HistoryLog поверх Redis.
// Добавление идёт через WATCH головы и MULTI/EXEC, конкурентные писатели повторяют попытку.
func NewHistoryLog(client goredis.UniversalClient) domain.HistoryLog {
	return &historyLog{client: client}
}

func recordsKey(orderID string) string { return keyPrefix + "{" + orderID + "}" }
func headKey(orderID string) string    { return keyPrefix + "{" + orderID + "}:head" }

// storedTransition — представление записи в Redis.
type storedTransition struct {
	OrderID         string    `json:"order_id"`
	Position        int64     `json:"position"`
	SequenceNo      int64     `json:"sequence_no"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Actor           string    `json:"actor"`
	Reason          string    `json:"reason,omitempty"`
	Outcome         string    `json:"outcome"`
	ExpectedVersion int64     `json:"expected_version"`
	ResultVersion   int64     `json:"result_version"`
	Timestamp       time.Time `json:"timestamp"`
	PrevHash        string    `json:"prev_hash"`
	Hash            string    `json:"hash"`
}

func toStored(t domain.StatusTransition) storedTransition {
	return storedTransition{
		OrderID: t.OrderID, Position: t.Position, SequenceNo: t.SequenceNo,
		From: string(t.From), To: string(t.To), Actor: t.Actor, Reason: t.Reason,
		Outcome: string(t.Outcome), ExpectedVersion: t.ExpectedVersion, ResultVersion: t.ResultVersion,
		Timestamp: t.Timestamp, PrevHash: t.PrevHash, Hash: t.Hash,
	}
}

func (s storedTransition) toDomain() domain.StatusTransition {
	return domain.StatusTransition{
		OrderID: s.OrderID, Position: s.Position, SequenceNo: s.SequenceNo,
		From: domain.OrderStatus(s.From), To: domain.OrderStatus(s.To), Actor: s.Actor, Reason: s.Reason,
		Outcome: domain.TransitionOutcome(s.Outcome), ExpectedVersion: s.ExpectedVersion, ResultVersion: s.ResultVersion,
		Timestamp: s.Timestamp.UTC(), PrevHash: s.PrevHash, Hash: s.Hash,
	}
}

func (l *historyLog) Append(ctx context.Context, record domain.StatusTransition, opts ...domain.AppendOption) (domain.StatusTransition, error) {
	if record.OrderID == "" {
		return domain.StatusTransition{}, domain.ErrOrderIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rKey, hKey := recordsKey(record.OrderID), headKey(record.OrderID)
	var sealed domain.StatusTransition

	txf := func(tx *goredis.Tx) error {
		fields, err := tx.HGetAll(ctx, hKey).Result()
		if err != nil {
			return err
		}
		head, err := parseHead(fields)
		if err != nil {
			return err
		}
		if err := head.Admit(record, opts...); err != nil {
			return err
		}

		sealed = record.Seal(head)
		payload, err := json.Marshal(toStored(sealed))
		if err != nil {
			return fmt.Errorf("encode status transition: %w", err)
		}
		next := head.Advance(sealed)

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.RPush(ctx, rKey, payload)
			pipe.HSet(ctx, hKey,
				"position", next.Position,
				"sequence_no", next.SequenceNo,
				"version", next.Version,
				"hash", next.Hash,
			)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := l.client.Watch(ctx, txf, hKey)
		if err == nil {
			return sealed, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return domain.StatusTransition{}, classify(fmt.Errorf("append status transition: %w", err))
	}
	return domain.StatusTransition{}, fmt.Errorf("%w: history head for order %s kept changing", domain.ErrTransient, record.OrderID)
}

func (l *historyLog) Query(ctx context.Context, orderID string) ([]domain.StatusTransition, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := l.client.LRange(ctx, recordsKey(orderID), 0, -1).Result()
	if err != nil {
		return nil, classify(fmt.Errorf("query status history: %w", err))
	}

	records := make([]domain.StatusTransition, 0, len(raw))
	for _, item := range raw {
		var stored storedTransition
		if err := json.Unmarshal([]byte(item), &stored); err != nil {
			return nil, fmt.Errorf("decode status transition: %w", err)
		}
		records = append(records, stored.toDomain())
	}
	return records, nil
}

func parseHead(fields map[string]string) (domain.HistoryHead, error) {
	if len(fields) == 0 {
		return domain.HistoryHead{}, nil
	}
	position, err := strconv.ParseInt(fields["position"], 10, 64)
	if err != nil {
		return domain.HistoryHead{}, fmt.Errorf("parse history head position: %w", err)
	}
	seq, err := strconv.ParseInt(fields["sequence_no"], 10, 64)
	if err != nil {
		return domain.HistoryHead{}, fmt.Errorf("parse history head sequence: %w", err)
	}
	head := domain.HistoryHead{Position: position, SequenceNo: seq, Hash: fields["hash"]}
	if raw, ok := fields["version"]; ok {
		if head.Version, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return domain.HistoryHead{}, fmt.Errorf("parse history head version: %w", err)
		}
	}
	return head, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return err
}

var _ domain.HistoryLog = (*historyLog)(nil)
