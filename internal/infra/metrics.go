package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: общее кол-во запросов по инструменту/действию
	RequestsTotal *prometheus.CounterVec

	// Latency: от submit до ответа Facade (включая внутренние проверки)
	RequestDuration *prometheus.HistogramVec

	// Errors: классификация отказов по reason-коду
	Rejections *prometheus.CounterVec

	// Saturation: сколько запросов ждут решения оператора прямо сейчас
	PendingApprovals prometheus.Gauge

	// Отказы по квотам в разрезе класса scope (global/tool/session)
	BudgetDenials *prometheus.CounterVec

	// Сбои долговечной записи аудита (после исчерпания ретраев)
	AuditFailures prometheus.Counter

	// Выданные гранты (single_use = "true"/"false")
	GrantsIssued *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - без переданного рега метрики летят в локальный,
	// никуда не подключенный Registry (удобно в тестах)
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_requests_total",
			Help: "Total number of submitted invocation requests.",
		}, []string{"tool_id", "action"}),

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "supervisor_request_duration_seconds",
			Help:    "Histogram of submit handling latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tool_id", "outcome"}),

		Rejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_rejections_total",
			Help: "Total number of rejected requests by reason.",
		}, []string{"reason"}),

		PendingApprovals: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_pending_approvals",
			Help: "Requests currently waiting for a human decision.",
		}),

		BudgetDenials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_budget_denials_total",
			Help: "Quota denials by scope class.",
		}, []string{"scope"}),

		AuditFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "supervisor_audit_failures_total",
			Help: "Durable audit appends that exhausted retries.",
		}),

		GrantsIssued: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_grants_issued_total",
			Help: "Credential grants issued by tool.",
		}, []string{"tool_id", "single_use"}),
	}
}
