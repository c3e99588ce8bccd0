package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

const defaultReceiptTTL = 24 * time.Hour

// receiptStoreInMemory держит квитанции команд в map под мьютексом.
type receiptStoreInMemory struct {
	mu       sync.Mutex
	receipts map[string]domain.CommandReceipt
	now      func() time.Time
}

// NewReceiptStore создаёт in-memory ReceiptStore.
func NewReceiptStore() domain.ReceiptStore {
	return &receiptStoreInMemory{
		receipts: make(map[string]domain.CommandReceipt),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *receiptStoreInMemory) Reserve(ctx context.Context, receipt domain.CommandReceipt) (domain.CommandReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.CommandReceipt{}, err
	}
	receipt.Key = strings.TrimSpace(receipt.Key)
	if receipt.Key == "" {
		return domain.CommandReceipt{}, domain.ErrReceiptKeyRequired
	}
	if strings.TrimSpace(receipt.Fingerprint) == "" {
		return domain.CommandReceipt{}, domain.ErrReceiptFingerprintRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.receipts[receipt.Key]; ok && !existing.Expired(now) {
		if existing.Fingerprint != receipt.Fingerprint {
			return copyReceipt(existing), domain.ErrReceiptMismatch
		}
		return copyReceipt(existing), domain.ErrReceiptExists
	}

	if receipt.ExpiresAt.IsZero() {
		receipt.ExpiresAt = now.Add(defaultReceiptTTL)
	}
	receipt.State = domain.ReceiptPending
	receipt.StatusCode = 0
	receipt.Response = nil
	receipt.CreatedAt = now
	receipt.CompletedAt = time.Time{}
	s.receipts[receipt.Key] = receipt
	return copyReceipt(receipt), nil
}

func (s *receiptStoreInMemory) Lookup(ctx context.Context, key string) (domain.CommandReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.CommandReceipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.receipts[strings.TrimSpace(key)]
	if !ok {
		return domain.CommandReceipt{}, domain.ErrReceiptNotFound
	}
	return copyReceipt(receipt), nil
}

func (s *receiptStoreInMemory) Complete(ctx context.Context, key string, statusCode int, response []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.TrimSpace(key)
	receipt, ok := s.receipts[key]
	if !ok {
		return domain.ErrReceiptNotFound
	}
	receipt.State = domain.ReceiptCompleted
	receipt.StatusCode = statusCode
	receipt.Response = append([]byte(nil), response...)
	receipt.CompletedAt = s.now()
	s.receipts[key] = receipt
	return nil
}

// Release удаляет только pending-квитанцию; сохранённый ответ остаётся.
func (s *receiptStoreInMemory) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.TrimSpace(key)
	receipt, ok := s.receipts[key]
	if !ok || receipt.State != domain.ReceiptPending {
		return domain.ErrReceiptNotFound
	}
	delete(s.receipts, key)
	return nil
}

func (s *receiptStoreInMemory) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, receipt := range s.receipts {
		if limit > 0 && purged >= limit {
			break
		}
		if receipt.Expired(before) {
			delete(s.receipts, key)
			purged++
		}
	}
	return purged, nil
}

func copyReceipt(r domain.CommandReceipt) domain.CommandReceipt {
	r.Response = append([]byte(nil), r.Response...)
	return r
}

var _ domain.ReceiptStore = (*receiptStoreInMemory)(nil)
