package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/broker"
	"github.com/xela07ax/agent-supervisor/internal/budget"
	"github.com/xela07ax/agent-supervisor/internal/classifier"
	"github.com/xela07ax/agent-supervisor/internal/connectors"
	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/infra"
	infraauth "github.com/xela07ax/agent-supervisor/internal/infra/auth"
	"github.com/xela07ax/agent-supervisor/internal/ledger"
	"github.com/xela07ax/agent-supervisor/internal/repository/postgres"
	"github.com/xela07ax/agent-supervisor/internal/server"
	"github.com/xela07ax/agent-supervisor/internal/server/handler"
	"github.com/xela07ax/agent-supervisor/internal/server/service"
	"github.com/xela07ax/agent-supervisor/internal/supervisor"
	"github.com/xela07ax/agent-supervisor/internal/workflow"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин: SIGTERM останавливает
	// слушателей и свиперы
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if cfg.Database.URL == "" {
		logger.Fatal("database.url is required: audit has to be durable")
	}
	store, err := postgres.NewStore(appCtx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to init postgres", zap.Error(err))
	}
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	// Метрики
	reg := prometheus.NewRegistry()
	metrics := infra.NewMetrics(reg)

	// 3. Журнал аудита — граница долговечности всей подсистемы
	led := ledger.New(store, ledger.Config{
		Attempts:      cfg.Ledger.Attempts,
		Delay:         cfg.Ledger.Delay,
		BufferSize:    cfg.Ledger.BufferSize,
		BatchSize:     cfg.Ledger.BatchSize,
		FlushInterval: cfg.Ledger.FlushInterval,
	}, logger)
	led.Start()

	// 4. Квоты: при нескольких инстансах счетчики обязаны жить в Redis
	resolver := budgetResolver(cfg.Budget)
	var governor budget.Governor
	if cfg.Redis.Addr != "" {
		governor = budget.NewRedisGovernor(rdb, resolver, logger)
	} else {
		governor = budget.NewLocalGovernor(resolver)
	}

	// 5. Классификатор: таблица правил из БД, кэш в RAM, инвалидация по Pub/Sub
	memoSource := classifier.NewMemoSource(store, rdb, logger)
	if err := memoSource.Refresh(appCtx); err != nil {
		logger.Fatal("failed to load classification rules", zap.Error(err))
	}
	go memoSource.StartListener(appCtx)
	cl := classifier.New(memoSource, logger)

	// 6. Брокер credential'ов: secret store + внешний обмен токенов за
	// Reliability-оберткой (Rate Limiter -> Circuit Breaker -> Retries)
	var exchange broker.TokenExchange
	if cfg.Broker.ExchangeURL != "" {
		secrets := broker.NewScyStore(cfg.Broker.SecretBaseURL, cfg.Broker.SecretKey)
		exchange = broker.NewHTTPExchange(cfg.Broker.ExchangeURL, secrets, logger)
	} else {
		logger.Warn("broker.exchange_url is not set, using mock token exchange")
		exchange = &broker.MockExchange{}
	}
	reliable := broker.NewReliableExchange(exchange, cfg.Broker)

	tools := buildTools(cfg.Tools)
	br := broker.New(tools, reliable, led, broker.Config{
		GrantTTL:     cfg.Broker.GrantTTL,
		SingleUseTTL: cfg.Broker.SingleUseTTL,
	}, metrics, logger)
	br.SetRepository(store)
	for id := range tools {
		// В проде сюда встают реальные адаптеры внешних систем
		br.RegisterConnector(id, &connectors.MockSystemsConnector{})
	}

	// 7. Сессии и движок workflow
	registry := supervisor.NewSessionRegistry(cfg.Supervisor.SessionTTL, led, logger)
	go registry.StartSweeper(appCtx, cfg.Supervisor.SweepInterval)

	engine := workflow.NewEngine(cl, governor, br, led, registry, workflow.Config{
		ApprovalTimeout:      cfg.Supervisor.ApprovalTimeout,
		InternalCheckTimeout: cfg.Supervisor.InternalCheckTimeout,
	}, metrics, logger)
	engine.SetRepository(store)

	listener := workflow.NewListener(engine, rdb, logger)
	go listener.Start(appCtx)

	sup := supervisor.New(engine, registry, led, rdb, logger)

	// 8. Аутентификация операторов (RS256)
	privKey, err := infraauth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("failed to parse private key", zap.Error(err))
	}
	pubKey, err := infraauth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("failed to parse public key", zap.Error(err))
	}
	authService := service.NewAuthService(store, privKey, pubKey, cfg.Auth.TokenTTL)
	policyService := service.NewPolicyService(store, rdb)

	// 9. HTTP API
	apiServer := server.New(
		cfg,
		logger,
		authService,
		handler.NewAuthHandler(authService),
		handler.NewRequestsHandler(sup),
		handler.NewSessionsHandler(sup),
		handler.NewPolicyHandler(policyService),
		handler.NewApprovalsHandler(sup),
		handler.NewDashboardHandler(sup),
		handler.NewAuditHandler(sup),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Экспортируем метрики для Prometheus отдельным портом
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("supervisor started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("supervisor stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel()      // гасим слушателей и свиперы
	engine.Stop() // останавливаем таймеры approvals
	led.Stop()    // дожидаемся полной вычитки буфера аудита (Drain)
	logger.Info("supervisor exited properly")
}

// budgetResolver переводит конфиг квот в резолвер по префиксу ключа.
func budgetResolver(cfg infra.BudgetConfig) budget.LimitResolver {
	return func(scopeKey string) budget.Limit {
		switch {
		case scopeKey == "global":
			return budget.Limit{Window: cfg.Global.Window, Max: cfg.Global.Max}
		case strings.HasPrefix(scopeKey, "tool:"):
			return budget.Limit{Window: cfg.PerTool.Window, Max: cfg.PerTool.Max}
		case strings.HasPrefix(scopeKey, "session:"):
			return budget.Limit{Window: cfg.PerSession.Window, Max: cfg.PerSession.Max}
		}
		return budget.Limit{}
	}
}

// buildTools переводит декларации инструментов из конфига в реестр брокера.
func buildTools(list []infra.ToolConfig) broker.StaticDirectory {
	dir := make(broker.StaticDirectory, len(list))
	for _, tc := range list {
		maxScopes := make(map[domain.TrustLevel][]string, len(tc.MaxScopes))
		for lvl, scopes := range tc.MaxScopes {
			trust, err := domain.ParseTrustLevel(lvl)
			if err != nil {
				continue // неизвестный уровень в конфиге просто не дает scopes
			}
			maxScopes[trust] = scopes
		}
		dir[tc.ID] = domain.Tool{
			ID:        tc.ID,
			Reentrant: tc.Reentrant,
			MaxScopes: maxScopes,
		}
	}
	return dir
}
