package ledger

/*
Файл recorder.go реализует асинхронный тракт журнала для advisory-событий.

Ключевые особенности архитектуры:
- Non-blocking Logging: неблокирующий канал отделяет Hot Path (выдача и
  использование грантов) от задержек записи в БД.
- Batching & Efficiency: накопление событий в памяти и пакетная вставка
  (Bulk Insert) по таймеру или при достижении лимита пачки.
- Drain Pattern & Graceful Shutdown: при остановке канал закрывается, воркер
  вычитывает остатки и делает финальный flush — данные не теряются при
  перезапуске сервиса.

Синхронные записи переходов идут мимо этого тракта — см. Ledger.Append.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/domain"
)

type recorder struct {
	ch     chan domain.AuditEntry
	store  Store
	cfg    Config
	logger *zap.Logger
	wg     sync.WaitGroup

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Log после остановки
	isClosed int32
}

func newRecorder(store Store, cfg Config, logger *zap.Logger) *recorder {
	return &recorder{
		ch:     make(chan domain.AuditEntry, cfg.BufferSize),
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "recorder")),
	}
}

func (r *recorder) start() {
	r.wg.Add(1)
	go r.worker()
}

// stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (r *recorder) stop() {
	atomic.StoreInt32(&r.isClosed, 1)

	// Крошечная пауза, чтобы текущие log успели проскочить
	time.Sleep(10 * time.Millisecond)

	r.logger.Info("stopping recorder: closing channel and flushing buffer...")
	close(r.ch)
	r.wg.Wait()
	r.logger.Info("recorder stopped gracefully")
}

func (r *recorder) log(entry domain.AuditEntry) {
	if atomic.LoadInt32(&r.isClosed) == 1 {
		r.logger.Warn("audit event dropped: recorder is stopping", zap.String("id", entry.ID))
		return
	}

	// Стратегия Load Shedding: при переполнении канала событие не теряем
	// молча, а выводим в структурный лог
	select {
	case r.ch <- entry:
	default:
		r.logger.Error("audit_buffer_overflow",
			zap.String("event", entry.EventType),
			zap.String("session_id", entry.SessionID),
		)
	}
}

func (r *recorder) worker() {
	defer r.wg.Done()

	batch := make([]domain.AuditEntry, 0, r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть закрыт
		if err := r.store.InsertBatch(context.Background(), batch); err != nil {
			r.logger.Error("audit flush failed", zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-r.ch:
			if !ok {
				// Канал закрыт в stop(): вычитали всё, финальный сброс и выход
				flush()
				r.logger.Info("recorder worker finished")
				return
			}
			batch = append(batch, entry)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
