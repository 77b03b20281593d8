package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/infra"
	"github.com/xela07ax/agent-supervisor/internal/infra/auth"
	"github.com/xela07ax/agent-supervisor/internal/server/handler"
)

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Проверка RS256 токенов на входе в защищенный периметр
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler     *handler.AuthHandler      // /auth/token
	requestsHandler *handler.RequestsHandler  // /v1/requests
	sessionsHandler *handler.SessionsHandler  // /v1/sessions
	policyHandler   *handler.PolicyHandler    // /v1/policies
	approvalHandler *handler.ApprovalsHandler // /v1/approvals (HITL)
	dashHandler     *handler.DashboardHandler // /api/v1/dashboard
	auditHandler    *handler.AuditHandler     // /v1/audit
}

// New инициализирует HTTP-сервер плоскости управления со всеми зависимостями
func New(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	requestsH *handler.RequestsHandler,
	sessionsH *handler.SessionsHandler,
	policyH *handler.PolicyHandler,
	approvalH *handler.ApprovalsHandler,
	dashH *handler.DashboardHandler,
	auditH *handler.AuditHandler,
) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		logger:          logger.Named("api"),
		cfg:             cfg,
		authValidator:   validator,
		authHandler:     authH,
		requestsHandler: requestsH,
		sessionsHandler: sessionsH,
		policyHandler:   policyH,
		approvalHandler: approvalH,
		dashHandler:     dashH,
		auditHandler:    auditH,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (требует RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Плоскость агента: заявки на вызов инструментов
		r.Route("/v1/requests", func(r chi.Router) {
			r.Post("/", s.requestsHandler.Submit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.requestsHandler.Get)
				r.Post("/cancel", s.requestsHandler.Cancel)
			})
		})

		// Сессии агентов (Kill-switch, trust)
		r.Route("/v1/sessions", func(r chi.Router) {
			r.Get("/", s.sessionsHandler.List)
			r.Post("/", s.sessionsHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/revoke", s.sessionsHandler.Revoke) // Мгновенный отзыв
				// Step-up / понижение — только оператор с правом управления сессиями
				r.With(auth.RequireScope("sessions.manage")).Post("/trust", s.sessionsHandler.SetTrust)
			})
		})

		// Human-in-the-loop (Approvals) — только для операторов с правом решать
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Use(auth.RequireScope("approvals.decide"))
			r.Get("/", s.approvalHandler.List)
			r.Post("/{id}/decide", s.approvalHandler.Decide) // Approve/Deny + Redis Publish
		})

		// Управление правилами классификации
		r.Route("/v1/policies", func(r chi.Router) {
			r.Use(auth.RequireScope("policies.manage"))
			r.Get("/", s.policyHandler.List)
			r.Post("/", s.policyHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.policyHandler.Get)
				r.Put("/", s.policyHandler.Update)
				r.Delete("/", s.policyHandler.Delete)
			})
		})

		// Dashboard & Stats
		r.Get("/api/v1/dashboard/stats", s.dashHandler.GetStats)

		// Аудит и Логи (Observability)
		r.Get("/v1/audit", s.auditHandler.GetLogs)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
