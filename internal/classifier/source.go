package classifier

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/infra"
)

// Repository — требования кэша политик к хранилищу.
type Repository interface {
	GetAllRules(ctx context.Context) ([]Rule, error)
}

// MemoSource — In-memory cache таблицы политик. Синхронизируется с БД, но в
// рантайме Classify ходит только в память — это Hot Path.
type MemoSource struct {
	mu sync.RWMutex
	// Кэш: "tool_id:action" -> Rule
	rules map[string]Rule

	repo   Repository // используется только в Refresh()
	rdb    *redis.Client
	logger *zap.Logger
}

func NewMemoSource(repo Repository, rdb *redis.Client, logger *zap.Logger) *MemoSource {
	return &MemoSource{
		rules:  make(map[string]Rule),
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("policy-source"),
	}
}

// Lookup ищет сперва точную пару, затем wildcard по инструменту.
// Отсутствие результата трактует вызывающий (Fail-closed в классификаторе).
func (s *MemoSource) Lookup(toolID, action string) (*Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rules[toolID+":"+action]; ok {
		return &r, true
	}
	if r, ok := s.rules[toolID+":*"]; ok {
		return &r, true
	}
	return nil, false
}

// Refresh выполняет «холодную загрузку» всех правил из БД в память.
func (s *MemoSource) Refresh(ctx context.Context) error {
	rulesDb, err := s.repo.GetAllRules(ctx)
	if err != nil {
		return err
	}

	newRules := make(map[string]Rule, len(rulesDb))
	for _, r := range rulesDb {
		newRules[r.ToolID+":"+r.Action] = r
	}

	s.mu.Lock()
	s.rules = newRules
	s.mu.Unlock()

	s.logger.Info("policy cache refreshed", zap.Int("count", len(newRules)))
	return nil
}

// StartListener — «живучая» подписка на сигнал обновления политик.
// Любое сообщение в канале означает «перечитай таблицу целиком».
func (s *MemoSource) StartListener(ctx context.Context) {
	for {
		pubsub := s.rdb.Subscribe(ctx, infra.RedisChanPolicyUpdate)

		if _, err := pubsub.Receive(ctx); err != nil {
			s.logger.Error("failed to subscribe to policy updates", zap.Error(err))
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Синхронизация при каждом успешном коннекте: пока подписки не было,
		// сигналы могли потеряться
		if err := s.Refresh(ctx); err != nil {
			s.logger.Error("policy sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				if err := s.Refresh(ctx); err != nil {
					s.logger.Error("policy refresh failed", zap.Error(err))
				}
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

// StaticSource — неизменяемая таблица для тестов и конфиг-сидирования.
type StaticSource struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewStaticSource(rules ...Rule) *StaticSource {
	s := &StaticSource{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		s.rules[r.ToolID+":"+r.Action] = r
	}
	return s
}

func (s *StaticSource) Add(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ToolID+":"+r.Action] = r
}

func (s *StaticSource) Lookup(toolID, action string) (*Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rules[toolID+":"+action]; ok {
		return &r, true
	}
	if r, ok := s.rules[toolID+":*"]; ok {
		return &r, true
	}
	return nil, false
}
