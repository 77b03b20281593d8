package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/broker"
	"github.com/xela07ax/agent-supervisor/internal/budget"
	"github.com/xela07ax/agent-supervisor/internal/classifier"
	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/infra"
	"github.com/xela07ax/agent-supervisor/internal/ledger"
)

type Config struct {
	ApprovalTimeout      time.Duration // PendingUserApproval
	InternalCheckTimeout time.Duration // PendingInternalCheck
}

// SessionProvider отдает живое состояние сессии — нужен для consistency
// re-check Sensitive-уровня (снапшот на submit мог устареть).
type SessionProvider interface {
	Live(sessionID string) (*domain.Session, error)
}

// RequestRepository — опциональная персистентность запросов.
type RequestRepository interface {
	SaveRequest(ctx context.Context, r *domain.InvocationRequest) error
}

// track — запрос в обработке. Запись принадлежит одному экземпляру workflow;
// никто другой req не мутирует (см. модель владения в domain).
type track struct {
	mu        sync.Mutex
	req       *domain.InvocationRequest
	sess      *domain.Session // снапшот на момент submit
	grant     *domain.GrantHandle
	reauthURL string

	// Финализация pending-слота одноразовая: решение оператора, таймаут и
	// отмена могут гоняться, но двигать очередь сессии вправе только один
	settled bool

	// Advisory-флаг отмены для уже выполняющихся запросов
	cancelAdvisory atomic.Bool
	timer          *time.Timer
}

// lane сериализует Critical-запросы одной сессии: не больше одного
// PendingUserApproval одновременно, остальные — в FIFO (защита от
// approval-fatigue гонок).
type lane struct {
	pending string
	queue   []string
}

// Engine — конечный автомат на каждый InvocationRequest. Переход не считается
// состоявшимся, пока его запись аудита не легла в журнал.
type Engine struct {
	classifier *classifier.Classifier
	governor   budget.Governor
	broker     *broker.Broker
	ledger     *ledger.Ledger
	sessions   SessionProvider
	repo       RequestRepository
	cfg        Config
	logger     *zap.Logger
	metrics    *infra.Metrics

	mu     sync.Mutex
	tracks map[string]*track // ключ — idempotency key (он же request ID)
	lanes  map[string]*lane  // по сессии
	grants map[string]string // grantID -> requestID
}

func NewEngine(
	cl *classifier.Classifier,
	gov budget.Governor,
	br *broker.Broker,
	led *ledger.Ledger,
	sessions SessionProvider,
	cfg Config,
	metrics *infra.Metrics,
	logger *zap.Logger,
) *Engine {
	e := &Engine{
		classifier: cl,
		governor:   gov,
		broker:     br,
		ledger:     led,
		sessions:   sessions,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.Named("workflow"),
		tracks:     make(map[string]*track),
		lanes:      make(map[string]*lane),
		grants:     make(map[string]string),
	}
	br.SetReporter(e)
	return e
}

// SetRepository включает персистентность запросов.
func (e *Engine) SetRepository(repo RequestRepository) { e.repo = repo }

// Submit проводит запрос через классификацию и квоты до первого
// блокирующего состояния или сразу до Executing. Повторная отправка с тем же
// ключом идемпотентности возвращает текущий (или закэшированный терминальный)
// результат без новой обработки.
func (e *Engine) Submit(ctx context.Context, sess *domain.Session, toolID, action string, params []byte, idemKey string) domain.Outcome {
	e.mu.Lock()
	if t, ok := e.tracks[idemKey]; ok {
		e.mu.Unlock()
		return e.outcomeOf(t)
	}

	sessCopy := *sess
	t := &track{
		req: &domain.InvocationRequest{
			ID:        idemKey,
			SessionID: sess.ID,
			ToolID:    toolID,
			Action:    action,
			ParamHash: domain.HashParams(params),
			Params:    params,
			State:     domain.StateReceived,
			CreatedAt: time.Now(),
		},
		sess: &sessCopy,
	}
	e.tracks[idemKey] = t
	e.mu.Unlock()

	e.metrics.RequestsTotal.WithLabelValues(toolID, action).Inc()
	start := time.Now()
	out := e.process(ctx, t)
	e.metrics.RequestDuration.WithLabelValues(toolID, string(out.Status)).Observe(time.Since(start).Seconds())
	return out
}

func (e *Engine) process(ctx context.Context, t *track) domain.Outcome {
	// 1. Классификация. Ошибка здесь означает «классификатор не смог
	// отработать вовсе» — это отдельный отказ, не Fail-closed-уровень.
	tier, err := e.classifier.Classify(t.req, t.sess)
	if err != nil {
		return e.reject(ctx, t, domain.ReasonClassificationFailure, "supervisor", nil)
	}
	t.req.Tier = tier

	if err := e.transition(ctx, t, domain.StateClassified, domain.EventClassified, "supervisor",
		map[string]any{"tier": tier.String(), "param_hash": t.req.ParamHash}); err != nil {
		return e.reject(ctx, t, domain.ReasonAuditUnavailable, "supervisor", nil)
	}

	// 2. Квоты: глобальная -> инструмент -> сессия. Отказ не ретраится.
	ok, gerr := budget.AdmitAll(ctx, e.governor, budget.ScopeKeys(t.req.SessionID, t.req.ToolID), 1)
	if gerr != nil || !ok {
		e.metrics.BudgetDenials.WithLabelValues("request").Inc()
		return e.reject(ctx, t, domain.ReasonBudgetExceeded, "supervisor", nil)
	}
	if err := e.transition(ctx, t, domain.StateAdmitted, domain.EventAdmitted, "supervisor", nil); err != nil {
		return e.reject(ctx, t, domain.ReasonAuditUnavailable, "supervisor", nil)
	}

	// 3. Маршрут по уровню риска
	switch tier {
	case domain.TierSafe:
		// Auto-approve: сразу к выполнению
		return e.startExecution(ctx, t, "supervisor")
	case domain.TierSensitive:
		return e.internalCheck(ctx, t)
	default:
		return e.enqueueCritical(ctx, t)
	}
}

// transition — единственная точка смены состояния. Порядок жесткий:
// сначала долговечная запись аудита, только затем состояние наблюдаемо.
func (e *Engine) transition(ctx context.Context, t *track, next domain.RequestState, event, actor string, detail map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.transitionLocked(ctx, t, next, event, actor, detail)
}

func (e *Engine) transitionLocked(ctx context.Context, t *track, next domain.RequestState, event, actor string, detail map[string]any) error {
	if err := t.req.CanTransitionTo(next); err != nil {
		return err
	}

	entry := domain.AuditEntry{
		SessionID:    t.req.SessionID,
		InvocationID: t.req.ID,
		EventType:    event,
		Actor:        actor,
		Detail:       detail,
	}
	if _, err := e.ledger.Append(ctx, entry); err != nil {
		// Запись не легла — переход не состоялся, запрос остается где был
		e.metrics.AuditFailures.Inc()
		return err
	}

	t.req.State = next
	if next.Terminal() {
		t.req.DecidedAt = time.Now()
		t.req.Params = nil // параметры дальше не нужны, в аудите остался хэш
	}
	if e.repo != nil {
		if err := e.repo.SaveRequest(ctx, t.req); err != nil {
			e.logger.Warn("failed to persist request state", zap.String("id", t.req.ID), zap.Error(err))
		}
	}
	return nil
}

// reject переводит запрос в терминальный Rejected. Если сам журнал лежит,
// запрос все равно останавливается — с причиной AuditUnavailable (молча
// продолжать без записи нельзя).
func (e *Engine) reject(ctx context.Context, t *track, reason domain.RejectReason, actor string, detail map[string]any) domain.Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.req.CanTransitionTo(domain.StateRejected) != nil {
		return e.outcomeLocked(t)
	}

	if detail == nil {
		detail = map[string]any{}
	}
	detail["reason"] = string(reason)

	t.req.Reason = reason
	entry := domain.AuditEntry{
		SessionID:    t.req.SessionID,
		InvocationID: t.req.ID,
		EventType:    domain.EventRejected,
		Actor:        actor,
		Detail:       detail,
	}
	if _, err := e.ledger.Append(ctx, entry); err != nil {
		t.req.Reason = domain.ReasonAuditUnavailable
		e.metrics.AuditFailures.Inc()
	}

	t.req.State = domain.StateRejected
	t.req.DecidedAt = time.Now()
	t.req.Params = nil
	if e.repo != nil {
		if err := e.repo.SaveRequest(ctx, t.req); err != nil {
			e.logger.Warn("failed to persist request state", zap.String("id", t.req.ID), zap.Error(err))
		}
	}
	e.metrics.Rejections.WithLabelValues(string(t.req.Reason)).Inc()
	return e.outcomeLocked(t)
}

// startExecution выдает грант и переводит запрос в Executing.
func (e *Engine) startExecution(ctx context.Context, t *track, actor string) domain.Outcome {
	scopes := []string{t.req.Capability()}
	grant, err := e.broker.Issue(ctx, t.sess, t.req.ToolID, scopes, t.req.Tier)
	if err != nil {
		detail := map[string]any{"error": err.Error()}
		var reauth *domain.AuthRequiredError
		if errors.As(err, &reauth) {
			t.mu.Lock()
			t.reauthURL = reauth.ReauthURL
			t.mu.Unlock()
		}
		return e.reject(ctx, t, domain.ReasonAuthRequired, actor, detail)
	}

	if err := e.transition(ctx, t, domain.StateExecuting, domain.EventExecuting, actor,
		map[string]any{"grant_id": grant.ID}); err != nil {
		// Аудит лег после выдачи гранта — гасим грант, запрос не выполняется
		_ = e.broker.Revoke(ctx, grant.ID)
		return e.reject(ctx, t, domain.ReasonAuditUnavailable, actor, nil)
	}

	e.mu.Lock()
	e.grants[grant.ID] = t.req.ID
	e.mu.Unlock()

	t.mu.Lock()
	t.grant = grant.Handle()
	t.mu.Unlock()

	return e.outcomeOf(t)
}

// internalCheck — детерминированная перепроверка Sensitive-запроса против
// живого состояния: сессия жива, доверие не понижено, классификация не
// уехала вверх. Бюджет здесь не трогаем: квота уже атомарно списана на
// Admitted, повторное списание удвоило бы стоимость.
func (e *Engine) internalCheck(ctx context.Context, t *track) domain.Outcome {
	if err := e.transition(ctx, t, domain.StatePendingInternal, domain.EventInternalCheck, "supervisor", nil); err != nil {
		return e.reject(ctx, t, domain.ReasonAuditUnavailable, "supervisor", nil)
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.InternalCheckTimeout)
	defer cancel()

	live, err := e.sessions.Live(t.req.SessionID)
	if err != nil || !live.Alive(time.Now()) {
		return e.reject(cctx, t, domain.ReasonConsistencyFailed, "supervisor",
			map[string]any{"cause": "session_not_alive"})
	}
	if live.TrustLevel < t.sess.TrustLevel {
		return e.reject(cctx, t, domain.ReasonConsistencyFailed, "supervisor",
			map[string]any{"cause": "trust_downgraded"})
	}

	tier, cerr := e.classifier.Classify(t.req, live)
	if cerr != nil || tier > domain.TierSensitive {
		// Эскалация на перепроверке — отказ, а не тихий въезд в Critical-очередь
		return e.reject(cctx, t, domain.ReasonConsistencyFailed, "supervisor",
			map[string]any{"cause": "tier_escalated"})
	}

	return e.startExecution(cctx, t, "supervisor")
}

// enqueueCritical ставит запрос в очередь сессии. Если слот PendingUserApproval
// свободен — занимает его, иначе запрос остается в Admitted и ждет FIFO.
func (e *Engine) enqueueCritical(ctx context.Context, t *track) domain.Outcome {
	sessID := t.req.SessionID

	e.mu.Lock()
	ln := e.lanes[sessID]
	if ln == nil {
		ln = &lane{}
		e.lanes[sessID] = ln
	}
	if ln.pending != "" {
		ln.queue = append(ln.queue, t.req.ID)
		e.mu.Unlock()
		return e.outcomeOf(t) // Pending: наблюдаемо в очереди, не в approvals
	}
	ln.pending = t.req.ID
	e.mu.Unlock()

	if err := e.transition(ctx, t, domain.StatePendingUserApproval, domain.EventPendingApproval, "supervisor", nil); err != nil {
		out := e.reject(ctx, t, domain.ReasonAuditUnavailable, "supervisor", nil)
		e.promoteNext(ctx, sessID, t.req.ID)
		return out
	}

	e.metrics.PendingApprovals.Inc()
	e.armApprovalTimer(t)
	return e.outcomeOf(t)
}

func (e *Engine) armApprovalTimer(t *track) {
	id := t.req.ID
	t.mu.Lock()
	t.timer = time.AfterFunc(e.cfg.ApprovalTimeout, func() { e.expireApproval(id) })
	t.mu.Unlock()
}

// claimPending атомарно забирает право финализировать PendingUserApproval.
// Проигравший гонку (таймаут против решения, отмена против таймаута) не
// трогает ни gauge, ни очередь.
func (e *Engine) claimPending(t *track) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.req.State != domain.StatePendingUserApproval || t.settled {
		return false
	}
	t.settled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// ResolveApproval — внешний сигнал Approved/Denied от канала одобрения.
// Actor уже проверен на границе (JWT); движок ему доверяет.
func (e *Engine) ResolveApproval(ctx context.Context, requestID string, approved bool, actor string) error {
	t := e.trackByID(requestID)
	if t == nil {
		return domain.ErrUnknownRequest
	}
	if !e.claimPending(t) {
		return domain.ErrInvalidTransition
	}

	sessID := t.req.SessionID

	if approved {
		// Запись "approved" с actor'ом обязана лечь ДО перехода в Executing:
		// это то самое свойство «Critical не выполняется без следа одобрения»
		entry := domain.AuditEntry{
			SessionID:    sessID,
			InvocationID: requestID,
			EventType:    domain.EventApproved,
			Actor:        actor,
		}
		if _, err := e.ledger.Append(ctx, entry); err != nil {
			e.metrics.AuditFailures.Inc()
			e.reject(ctx, t, domain.ReasonAuditUnavailable, actor, nil)
		} else {
			e.startExecution(ctx, t, actor)
		}
	} else {
		entry := domain.AuditEntry{
			SessionID:    sessID,
			InvocationID: requestID,
			EventType:    domain.EventDenied,
			Actor:        actor,
		}
		if _, err := e.ledger.Append(ctx, entry); err != nil {
			e.metrics.AuditFailures.Inc()
			e.reject(ctx, t, domain.ReasonAuditUnavailable, actor, nil)
		} else {
			e.reject(ctx, t, domain.ReasonUserDenied, actor, nil)
		}
	}

	e.metrics.PendingApprovals.Dec()
	e.promoteNext(ctx, sessID, requestID)
	return nil
}

// expireApproval — таймаут ожидания решения: никакое состояние не висит вечно.
func (e *Engine) expireApproval(requestID string) {
	t := e.trackByID(requestID)
	if t == nil {
		return
	}
	if !e.claimPending(t) {
		return // слот уже финализирует решение или отмена
	}

	ctx := context.Background()
	e.reject(ctx, t, domain.ReasonApprovalTimeout, "supervisor", nil)
	e.metrics.PendingApprovals.Dec()
	e.promoteNext(ctx, t.req.SessionID, requestID)
}

// promoteNext достает следующий Critical-запрос из FIFO сессии и делает его
// PendingUserApproval. Слот освобождается только от имени retiredID: если там
// уже стоит свежепромоученный запрос, трогать его нельзя.
func (e *Engine) promoteNext(ctx context.Context, sessID, retiredID string) {
	for {
		e.mu.Lock()
		ln := e.lanes[sessID]
		if ln == nil {
			e.mu.Unlock()
			return
		}
		if ln.pending == retiredID {
			ln.pending = ""
		}
		if ln.pending != "" || len(ln.queue) == 0 {
			e.mu.Unlock()
			return
		}
		nextID := ln.queue[0]
		ln.queue = ln.queue[1:]
		nt := e.tracks[nextID]
		if nt == nil {
			e.mu.Unlock()
			retiredID = ""
			continue
		}
		ln.pending = nextID
		e.mu.Unlock()

		if err := e.transition(ctx, nt, domain.StatePendingUserApproval, domain.EventPendingApproval, "supervisor", nil); err != nil {
			// Запрос уже терминален (отменен) либо журнал лежит — идем дальше
			if !errors.Is(err, domain.ErrAlreadyTerminal) && !errors.Is(err, domain.ErrInvalidTransition) {
				e.reject(ctx, nt, domain.ReasonAuditUnavailable, "supervisor", nil)
			}
			retiredID = nextID
			continue
		}

		e.metrics.PendingApprovals.Inc()
		e.armApprovalTimer(nt)
		return
	}
}

// Cancel — отзыв запроса. До Executing отмена синхронна; после — только
// advisory-флаг, который адаптер проверяет в своих точках ожидания.
func (e *Engine) Cancel(ctx context.Context, requestID, actor string, reason domain.RejectReason) error {
	t := e.trackByID(requestID)
	if t == nil {
		return domain.ErrUnknownRequest
	}

	t.mu.Lock()
	state := t.req.State
	t.mu.Unlock()

	if state.Terminal() {
		return nil // идемпотентно
	}
	if state == domain.StateExecuting {
		t.cancelAdvisory.Store(true)
		e.ledger.Record(domain.AuditEntry{
			SessionID:    t.req.SessionID,
			InvocationID: requestID,
			EventType:    domain.EventCancelled,
			Actor:        actor,
			Detail:       map[string]any{"advisory": true},
		})
		return nil
	}

	// Право освободить pending-слот забирается тем же claim'ом, что и у
	// решения с таймаутом: очередь двигается ровно один раз
	claimed := false
	if e.detachFromLane(t.req.SessionID, requestID) {
		claimed = e.claimPending(t)
	}

	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.req.CanTransitionTo(domain.StateCancelled) == nil {
		t.req.Reason = reason
		entry := domain.AuditEntry{
			SessionID:    t.req.SessionID,
			InvocationID: requestID,
			EventType:    domain.EventCancelled,
			Actor:        actor,
			Detail:       map[string]any{"reason": string(reason)},
		}
		if _, err := e.ledger.Append(ctx, entry); err != nil {
			t.req.Reason = domain.ReasonAuditUnavailable
			e.metrics.AuditFailures.Inc()
		}
		t.req.State = domain.StateCancelled
		t.req.DecidedAt = time.Now()
		t.req.Params = nil
		if e.repo != nil {
			if err := e.repo.SaveRequest(ctx, t.req); err != nil {
				e.logger.Warn("failed to persist request state", zap.String("id", requestID), zap.Error(err))
			}
		}
	}
	t.mu.Unlock()

	if claimed {
		e.metrics.PendingApprovals.Dec()
		e.promoteNext(ctx, t.req.SessionID, requestID)
	}
	return nil
}

// CancelSession отменяет все незавершенные запросы сессии (отзыв сессии).
// Сначала очередь, затем pending — чтобы промоут не поднял обреченный запрос.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) {
	e.mu.Lock()
	var ids []string
	for id, t := range e.tracks {
		if t.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	ln := e.lanes[sessionID]
	var pendingID string
	if ln != nil {
		pendingID = ln.pending
		ln.queue = nil
	}
	e.mu.Unlock()

	for _, id := range ids {
		if id == pendingID {
			continue
		}
		_ = e.Cancel(ctx, id, "supervisor", domain.ReasonSessionRevoked)
	}
	if pendingID != "" {
		_ = e.Cancel(ctx, pendingID, "supervisor", domain.ReasonSessionRevoked)
	}

	e.broker.RevokeSession(ctx, sessionID)
}

// ReportInvocation реализует broker.ResultReporter: исход вызова по гранту
// закрывает конечный автомат (Completed/Failed).
func (e *Engine) ReportInvocation(ctx context.Context, grantID string, callErr error) {
	e.mu.Lock()
	requestID, ok := e.grants[grantID]
	if ok {
		delete(e.grants, grantID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	t := e.trackByID(requestID)
	if t == nil {
		return
	}

	next, event := domain.StateCompleted, domain.EventCompleted
	var detail map[string]any
	if callErr != nil {
		next, event = domain.StateFailed, domain.EventFailed
		detail = map[string]any{"error": callErr.Error()}
	}
	if err := e.transition(ctx, t, next, event, "tool-adapter", detail); err != nil {
		e.logger.Error("failed to finalize executing request",
			zap.String("id", requestID), zap.Error(err))
	}
}

// CancelRequested — advisory-флаг для адаптера: кооперативная отмена
// выполняющегося запроса.
func (e *Engine) CancelRequested(requestID string) bool {
	t := e.trackByID(requestID)
	return t != nil && t.cancelAdvisory.Load()
}

// Outcome возвращает наружный статус запроса.
func (e *Engine) Outcome(requestID string) (domain.Outcome, bool) {
	t := e.trackByID(requestID)
	if t == nil {
		return domain.Outcome{}, false
	}
	return e.outcomeOf(t), true
}

// PendingApprovals — очередь решений для консоли оператора.
func (e *Engine) PendingApprovals() []*domain.InvocationRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*domain.InvocationRequest, 0)
	for _, t := range e.tracks {
		t.mu.Lock()
		if t.req.State == domain.StatePendingUserApproval {
			cp := *t.req
			out = append(out, &cp)
		}
		t.mu.Unlock()
	}
	return out
}

// Stats — сводка для дашборда.
func (e *Engine) Stats() domain.SupervisorStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s domain.SupervisorStats
	for _, ln := range e.lanes {
		s.QueuedCritical += len(ln.queue)
	}
	for _, t := range e.tracks {
		t.mu.Lock()
		s.TotalRequests++
		switch t.req.State {
		case domain.StatePendingUserApproval:
			s.PendingApprovals++
		case domain.StateRejected:
			s.RejectedRequests++
		}
		t.mu.Unlock()
	}
	return s
}

// Stop останавливает таймеры ожидания. Висящие approvals разрешатся политикой
// таймаута после рестарта (персистентность запросов — в репозитории).
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tracks {
		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()
	}
}

func (e *Engine) trackByID(requestID string) *track {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracks[requestID]
}

func (e *Engine) outcomeOf(t *track) domain.Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.outcomeLocked(t)
}

func (e *Engine) outcomeLocked(t *track) domain.Outcome {
	out := domain.OutcomeFor(t.req)
	if out.Status == domain.OutcomeExecuting && t.grant != nil {
		out.Grant = t.grant
	}
	if out.Reason == domain.ReasonAuthRequired {
		out.ReauthURL = t.reauthURL
	}
	return out
}

// detachFromLane убирает запрос из очереди сессии; true — он был pending.
func (e *Engine) detachFromLane(sessID, requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ln := e.lanes[sessID]
	if ln == nil {
		return false
	}
	if ln.pending == requestID {
		return true
	}
	for i, id := range ln.queue {
		if id == requestID {
			ln.queue = append(ln.queue[:i], ln.queue[i+1:]...)
			break
		}
	}
	return false
}
