package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/viant/scy"
)

// SecretStore — read-only доступ к системным ключам (например, API-ключ
// провайдера обмена токенов). Значения зашифрованы at-rest и расшифровываются
// только внутри процесса брокера.
type SecretStore interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// ScyStore читает секреты через viant/scy: ресурс по базовому URL + имя,
// ключ расшифровки вида "blowfish://default".
type ScyStore struct {
	svc     *scy.Service
	baseURL string
	key     string
}

func NewScyStore(baseURL, key string) *ScyStore {
	return &ScyStore{
		svc:     scy.New(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		key:     key,
	}
}

func (s *ScyStore) Lookup(ctx context.Context, name string) (string, error) {
	resource := scy.NewResource(nil, s.baseURL+"/"+name, s.key)
	secret, err := s.svc.Load(ctx, resource)
	if err != nil {
		return "", fmt.Errorf("secret store: failed to load %q: %w", name, err)
	}
	return secret.String(), nil
}

// StaticSecrets — секреты из памяти для тестов и локальной разработки.
type StaticSecrets map[string]string

func (s StaticSecrets) Lookup(ctx context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("secret store: %q not found", name)
}
