package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/domain"
)

// Store определяет, куда физически сохраняются записи аудита.
type Store interface {
	Insert(ctx context.Context, entry domain.AuditEntry) error
	// InsertBatch сохраняет пачку событий за один раз (для фонового воркера)
	InsertBatch(ctx context.Context, entries []domain.AuditEntry) error
	Query(ctx context.Context, f Filter) ([]domain.AuditEntry, error)
}

// Filter — выборка по сессии/запросу/времени. Пустые поля не фильтруют.
type Filter struct {
	SessionID    string
	InvocationID string
	EventType    string
	From, To     time.Time
	Limit        int
}

type Config struct {
	// Attempts и Delay управляют ретраями синхронного Append.
	Attempts uint
	Delay    time.Duration

	// Параметры фонового Recorder (асинхронные advisory-события).
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Attempts == 0 {
		out.Attempts = 3
	}
	if out.Delay == 0 {
		out.Delay = 100 * time.Millisecond
	}
	if out.BufferSize == 0 {
		out.BufferSize = 10000
	}
	if out.BatchSize == 0 {
		out.BatchSize = 100
	}
	if out.FlushInterval == 0 {
		out.FlushInterval = 500 * time.Millisecond
	}
	return out
}

// Ledger — граница долговечности всей подсистемы. Переход конечного автомата
// не считается состоявшимся, пока Append не вернул успех.
type Ledger struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	rec    *recorder
}

func New(store Store, cfg Config, logger *zap.Logger) *Ledger {
	cfg = cfg.withDefaults()
	l := &Ledger{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("ledger"),
	}
	l.rec = newRecorder(store, cfg, l.logger)
	return l
}

// Start запускает фоновый воркер Recorder.
func (l *Ledger) Start() { l.rec.start() }

// Stop дожидается полной вычитки буфера (Drain Pattern).
func (l *Ledger) Stop() { l.rec.stop() }

// Append — синхронная, долговечная запись. Ретраи с бэкоффом; при исчерпании
// попыток возвращает ErrAuditUnavailable, и вызывающий обязан НЕ выполнять
// переход, ради которого писалась запись.
func (l *Ledger) Append(ctx context.Context, entry domain.AuditEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(l.cfg.Attempts),
		retry.Delay(l.cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	err := r.Do(func() error {
		return l.store.Insert(ctx, entry)
	})
	if err != nil {
		l.logger.Error("audit append failed after retries",
			zap.String("event", entry.EventType),
			zap.String("invocation_id", entry.InvocationID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", domain.ErrAuditUnavailable, err)
	}
	return entry.ID, nil
}

// Record — неблокирующая запись advisory-событий (credential_used, жизненный
// цикл сессий). Не является границей долговечности: при переполнении буфера
// событие уходит в структурный лог, а не блокирует Hot Path.
func (l *Ledger) Record(entry domain.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.rec.log(entry)
}

func (l *Ledger) Query(ctx context.Context, f Filter) ([]domain.AuditEntry, error) {
	entries, err := l.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("ledger: query failed: %w", err)
	}
	return entries, nil
}
