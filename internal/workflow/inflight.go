package workflow

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"
)

// inflightAppends отслеживает применённые переходы, чья запись в журнал ещё идёт.
// Ключ — заказ и версия, которую переход создаёт.
type inflightAppends struct {
	mu      sync.Mutex
	pending map[string][]chan struct{}
}

func newInflightAppends() *inflightAppends {
	return &inflightAppends{pending: make(map[string][]chan struct{})}
}

func inflightKey(orderID string, version int64) string {
	return orderID + "@" + strconv.FormatInt(version, 10)
}

// begin регистрирует переход в version до CAS. Возвращённая функция снимает
// регистрацию и будит ожидающих; вызывать её нужно ровно один раз.
func (f *inflightAppends) begin(orderID string, version int64) func() {
	key := inflightKey(orderID, version)
	done := make(chan struct{})

	f.mu.Lock()
	f.pending[key] = append(f.pending[key], done)
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		list := f.pending[key]
		if i := slices.Index(list, done); i >= 0 {
			list = slices.Delete(list, i, i+1)
		}
		if len(list) == 0 {
			delete(f.pending, key)
		} else {
			f.pending[key] = list
		}
		f.mu.Unlock()
		close(done)
	}
}

// wait ждёт завершения записей, создающих version, но не дольше timeout.
// Возвращает false, если таких записей в процессе нет.
func (f *inflightAppends) wait(ctx context.Context, orderID string, version int64, timeout time.Duration) bool {
	f.mu.Lock()
	waiting := slices.Clone(f.pending[inflightKey(orderID, version)])
	f.mu.Unlock()
	if len(waiting) == 0 {
		return false
	}

	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()
	for _, done := range waiting {
		select {
		case <-done:
		case <-timer.C:
			return true
		case <-ctx.Done():
			return true
		}
	}
	return true
}
