package service

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/agent-supervisor/internal/classifier"
	"github.com/xela07ax/agent-supervisor/internal/infra"
)

// PolicyRepository описывает требования сервиса к хранилищу правил классификации
type PolicyRepository interface {
	GetRuleByID(ctx context.Context, id string) (*classifier.Rule, error)
	GetAllRules(ctx context.Context) ([]classifier.Rule, error)
	CreateRule(ctx context.Context, r *classifier.Rule) error
	UpdateRule(ctx context.Context, r *classifier.Rule) error
	DeleteRule(ctx context.Context, id string) error
}

type PolicyService struct {
	repo PolicyRepository
	rdb  *redis.Client
}

func NewPolicyService(repo PolicyRepository, rdb *redis.Client) *PolicyService {
	return &PolicyService{
		repo: repo,
		rdb:  rdb,
	}
}

func (s *PolicyService) GetByID(ctx context.Context, id string) (*classifier.Rule, error) {
	return s.repo.GetRuleByID(ctx, id)
}

// GetAll возвращает все правила из БД
func (s *PolicyService) GetAll(ctx context.Context) ([]classifier.Rule, error) {
	return s.repo.GetAllRules(ctx)
}

// Create сохраняет правило и уведомляет инстансы об обновлении
func (s *PolicyService) Create(ctx context.Context, r *classifier.Rule) error {
	if err := s.repo.CreateRule(ctx, r); err != nil {
		return err
	}
	return s.notifyUpdate(ctx)
}

// Update обновляет правило и инициирует инвалидацию кэша
func (s *PolicyService) Update(ctx context.Context, r *classifier.Rule) error {
	if err := s.repo.UpdateRule(ctx, r); err != nil {
		return err
	}
	return s.notifyUpdate(ctx)
}

// Delete удаляет правило. Отсутствие правила после удаления — это не «дыра»:
// классификатор трактует неизвестную пару как Critical.
func (s *PolicyService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	return s.notifyUpdate(ctx)
}

// notifyUpdate отправляет широковещательный сигнал в Redis.
// Все инстансы, подписанные на этот канал, вызовут Refresh() своего MemoSource.
func (s *PolicyService) notifyUpdate(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	// Сигнал может быть простым "refresh": инстанс сам перечитает всю таблицу
	return s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, "refresh").Err()
}
