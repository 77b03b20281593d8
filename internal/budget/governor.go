package budget

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/agent-supervisor/internal/domain"
)

// Governor — контракт квотирования. Admit атомарен: конкурентные вызовы по
// одному scope_key не могут совместно превысить лимит (no lost-update).
// Release возвращает стоимость обратно — нужен для отката частично
// пройденной цепочки scope'ов.
type Governor interface {
	Admit(ctx context.Context, scopeKey string, cost int64) (bool, error)
	Release(ctx context.Context, scopeKey string, cost int64)
}

// Limit описывает фиксированное окно и потолок для класса scope'ов.
type Limit struct {
	Window time.Duration
	Max    int64
}

// LimitResolver отдает лимит для конкретного ключа. Нулевой Max = запрета нет.
type LimitResolver func(scopeKey string) Limit

// ScopeKeys — порядок проверки квот для одного запроса:
// глобальная, по инструменту, по сессии.
func ScopeKeys(sessionID, toolID string) []string {
	return []string{"global", "tool:" + toolID, "session:" + sessionID}
}

// LocalGovernor — фиксированные окна в памяти процесса. Критическая секция
// короткая и никогда не держится через точку ожидания.
type LocalGovernor struct {
	mu       sync.Mutex
	counters map[string]*domain.BudgetCounter
	limits   LimitResolver
	now      func() time.Time
}

func NewLocalGovernor(limits LimitResolver) *LocalGovernor {
	return &LocalGovernor{
		counters: make(map[string]*domain.BudgetCounter),
		limits:   limits,
		now:      time.Now,
	}
}

func (g *LocalGovernor) Admit(ctx context.Context, scopeKey string, cost int64) (bool, error) {
	limit := g.limits(scopeKey)
	if limit.Max <= 0 {
		return true, nil // лимит не настроен
	}

	now := g.now()
	windowStart := now.Truncate(limit.Window)

	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.counters[scopeKey]
	if !ok || c.WindowStart.Before(windowStart) {
		// Окно перекатилось — счетчик начинается заново
		c = &domain.BudgetCounter{
			ScopeKey:    scopeKey,
			WindowStart: windowStart,
			Limit:       limit.Max,
		}
		g.counters[scopeKey] = c
	}

	if c.Consumed+cost > c.Limit {
		return false, nil
	}
	c.Consumed += cost
	return true, nil
}

func (g *LocalGovernor) Release(ctx context.Context, scopeKey string, cost int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.counters[scopeKey]; ok && c.Consumed >= cost {
		c.Consumed -= cost
	}
}

// AdmitAll проходит по цепочке scope'ов; при первом отказе возвращает ранее
// занятые квоты. Отказ не ретраится — вызывающий получит BudgetExceeded и
// может повторить запрос после переката окна.
func AdmitAll(ctx context.Context, g Governor, keys []string, cost int64) (bool, error) {
	for i, key := range keys {
		ok, err := g.Admit(ctx, key, cost)
		if err != nil || !ok {
			for j := 0; j < i; j++ {
				g.Release(ctx, keys[j], cost)
			}
			return false, err
		}
	}
	return true, nil
}
