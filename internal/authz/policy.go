// Package authz решает, может ли актор выполнить действие над заказом.
package authz

import (
	"context"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// AnyActor — грант, применяемый ко всем акторам.
const AnyActor = "*"

// StaticPolicy — таблица грантов «актор → действия» из конфигурации.
//
// Действие в гранте может быть точным ("transition:cancelled"), шаблоном с
// суффиксом ("transition:*") или "*" для любого действия.
type StaticPolicy struct {
	mu     sync.RWMutex
	grants map[string][]string
}

// NewStaticPolicy создаёт политику; пустая таблица запрещает всё.
func NewStaticPolicy(grants map[string][]string) *StaticPolicy {
	p := &StaticPolicy{}
	p.Replace(grants)
	return p
}

// Replace атомарно подменяет таблицу грантов.
func (p *StaticPolicy) Replace(grants map[string][]string) {
	normalized := make(map[string][]string, len(grants))
	for actor, actions := range grants {
		actor = strings.TrimSpace(actor)
		if actor == "" {
			continue
		}
		for _, action := range actions {
			if action = strings.TrimSpace(action); action != "" {
				normalized[actor] = append(normalized[actor], action)
			}
		}
	}

	p.mu.Lock()
	p.grants = normalized
	p.mu.Unlock()
}

// Can реализует domain.AuthorizationGate. orderID не участвует в статических грантах.
func (p *StaticPolicy) Can(ctx context.Context, actor, action, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, who := range []string{actor, AnyActor} {
		for _, granted := range p.grants[who] {
			if matchAction(granted, action) {
				return true, nil
			}
		}
	}
	return false, nil
}

func matchAction(granted, action string) bool {
	switch {
	case granted == "*":
		return true
	case strings.HasSuffix(granted, "*"):
		return strings.HasPrefix(action, strings.TrimSuffix(granted, "*"))
	default:
		return granted == action
	}
}

var _ domain.AuthorizationGate = (*StaticPolicy)(nil)
