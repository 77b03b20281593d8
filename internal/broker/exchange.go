package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/connectors"
	"github.com/xela07ax/agent-supervisor/internal/domain"
)

// Token — краткоживущий credential от внешнего провайдера. Не покидает брокер.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenExchange — тонкий адаптер к внешнему сервису обмена credential'ов
// (brokered-auth провайдер для сторонних SaaS). Возвращает
// *domain.AuthRequiredError, когда владельцу нужно переавторизоваться.
type TokenExchange interface {
	RequestToken(ctx context.Context, toolID string, scopes []string) (*Token, error)
}

// HTTPExchange ходит к провайдеру по HTTP. Системный API-ключ берется из
// SecretStore непосредственно перед вызовом.
type HTTPExchange struct {
	url     string
	secrets SecretStore
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPExchange(url string, secrets SecretStore, logger *zap.Logger) *HTTPExchange {
	return &HTTPExchange{
		url:     url,
		secrets: secrets,
		client:  &http.Client{},
		logger:  logger.Named("exchange"),
	}
}

type exchangeRequest struct {
	ToolID string   `json:"tool_id"`
	Scopes []string `json:"scopes"`
}

type exchangeResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ReauthURL string    `json:"reauth_url,omitempty"`
}

func (e *HTTPExchange) RequestToken(ctx context.Context, toolID string, scopes []string) (*Token, error) {
	apiKey, err := e.secrets.Lookup(ctx, "exchange_api_key")
	if err != nil {
		return nil, fmt.Errorf("exchange: system key unavailable: %w", err)
	}

	body, _ := json.Marshal(exchangeRequest{ToolID: toolID, Scopes: scopes})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange: call failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out exchangeResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("exchange: malformed response: %w", err)
		}
		return &Token{Value: out.Token, ExpiresAt: out.ExpiresAt}, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		// Внешний credential отсутствует или истек: не блокируемся молча,
		// а отдаем handle для переавторизации наверх
		var out exchangeResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return nil, &domain.AuthRequiredError{ReauthURL: out.ReauthURL}

	case http.StatusTooManyRequests:
		retryAfter := time.Second
		if d, err := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); err == nil {
			retryAfter = d
		}
		return nil, &connectors.ThrottleError{RetryAfter: retryAfter, Cause: fmt.Errorf("exchange throttled")}

	default:
		return nil, fmt.Errorf("exchange: unexpected status %d", resp.StatusCode)
	}
}

// MockExchange — провайдер для тестов и локальной разработки.
type MockExchange struct {
	RequireReauth bool
	ReauthURL     string
	TTL           time.Duration
}

func (m *MockExchange) RequestToken(ctx context.Context, toolID string, scopes []string) (*Token, error) {
	if m.RequireReauth {
		return nil, &domain.AuthRequiredError{ReauthURL: m.ReauthURL}
	}
	ttl := m.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Token{Value: "mock-token-" + toolID, ExpiresAt: time.Now().Add(ttl)}, nil
}
