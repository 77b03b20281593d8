package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agent-supervisor/internal/connectors"
	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/infra"
)

// ReliableExchange оборачивает TokenExchange в Rate Limiter, Circuit Breaker
// и ретраи. AuthRequired не ретраится — это решение владельца, не сбой сети.
type ReliableExchange struct {
	next    TokenExchange
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

func NewReliableExchange(next TokenExchange, cfg infra.BrokerConfig) *ReliableExchange {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "credential-exchange",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
	})

	return &ReliableExchange{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		timeout: cfg.CallTimeout,
	}
}

func (w *ReliableExchange) RequestToken(ctx context.Context, toolID string, scopes []string) (*Token, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	var token *Token

	// 2. Circuit Breaker
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.LastErrorOnly(true),
			// Переавторизацию не ретраим: ждать тут нечего
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, domain.ErrAuthRequired)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Провайдер вернул ThrottleError — уважаем его Retry-After
				var tErr *connectors.ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// Иначе стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.timeout)
			defer cancel()

			var callErr error
			token, callErr = w.next.RequestToken(tCtx, toolID, scopes)
			return callErr
		})

		return token, retryErr
	})

	if err != nil {
		return nil, err
	}

	return cbResult.(*Token), nil
}
