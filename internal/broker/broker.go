package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/connectors"
	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/infra"
	"github.com/xela07ax/agent-supervisor/internal/ledger"
)

// Directory — реестр деклараций инструментов (потолки scopes, реентерабельность).
type Directory interface {
	Tool(id string) (*domain.Tool, bool)
}

// StaticDirectory — реестр из конфига.
type StaticDirectory map[string]domain.Tool

func (d StaticDirectory) Tool(id string) (*domain.Tool, bool) {
	t, ok := d[id]
	if !ok {
		return nil, false
	}
	return &t, true
}

// GrantRepository — опциональная персистентность метаданных грантов.
// Секреты в БД не попадают никогда.
type GrantRepository interface {
	SaveGrant(ctx context.Context, g *domain.CredentialGrant) error
	MarkGrantRevoked(ctx context.Context, id string) error
}

// ResultReporter получает исход выполнения по гранту. Реализуется движком
// workflow — так Executing доезжает до Completed/Failed без расширения
// публичного интерфейса Facade.
type ResultReporter interface {
	ReportInvocation(ctx context.Context, grantID string, callErr error)
}

type Config struct {
	GrantTTL     time.Duration
	SingleUseTTL time.Duration
}

// grantRecord живет только внутри брокера: единственное место, где секрет
// существует рядом с метаданными гранта.
type grantRecord struct {
	grant  domain.CredentialGrant
	secret string
}

type Broker struct {
	mu            sync.Mutex
	grants        map[string]*grantRecord
	bySessionTool map[string]string // "session|tool" -> id живого гранта

	tools    Directory
	exchange TokenExchange
	conns    map[string]connectors.Connector
	ledger   *ledger.Ledger
	repo     GrantRepository
	reporter ResultReporter
	cfg      Config
	logger   *zap.Logger
	metrics  *infra.Metrics
	now      func() time.Time
}

func New(tools Directory, exchange TokenExchange, led *ledger.Ledger, cfg Config, metrics *infra.Metrics, logger *zap.Logger) *Broker {
	return &Broker{
		grants:        make(map[string]*grantRecord),
		bySessionTool: make(map[string]string),
		tools:         tools,
		exchange:      exchange,
		conns:         make(map[string]connectors.Connector),
		ledger:        led,
		cfg:           cfg,
		metrics:       metrics,
		logger:        logger.Named("broker"),
		now:           time.Now,
	}
}

// RegisterConnector привязывает адаптер инструмента. Адаптеры живут внутри
// границы брокера: секрет уходит им напрямую, а не вызывающему.
func (b *Broker) RegisterConnector(toolID string, conn connectors.Connector) {
	b.conns[toolID] = conn
}

// SetRepository включает персистентность метаданных грантов.
func (b *Broker) SetRepository(repo GrantRepository) { b.repo = repo }

// SetReporter замыкает брокер на движок workflow (разрыв цикла конструирования).
func (b *Broker) SetReporter(r ResultReporter) { b.reporter = r }

// Issue выдает грант в пределах потолка инструмента для уровня доверия сессии.
// Critical-уровень получает одноразовый (single-use) грант. При отсутствующем
// или истекшем внешнем credential наверх уходит *domain.AuthRequiredError.
func (b *Broker) Issue(ctx context.Context, sess *domain.Session, toolID string, scopes []string, tier domain.RiskTier) (*domain.CredentialGrant, error) {
	tool, ok := b.tools.Tool(toolID)
	if !ok {
		return nil, domain.ErrUnknownTool
	}
	if !tool.AllowsScopes(sess.TrustLevel, scopes) {
		return nil, domain.ErrScopeExceeded
	}

	token, err := b.exchange.RequestToken(ctx, toolID, scopes)
	if err != nil {
		return nil, err
	}

	now := b.now()
	singleUse := tier >= domain.TierCritical
	ttl := b.cfg.GrantTTL
	if singleUse {
		ttl = b.cfg.SingleUseTTL
	}
	expires := now.Add(ttl)
	// Грант не живет дольше самого токена
	if !token.ExpiresAt.IsZero() && token.ExpiresAt.Before(expires) {
		expires = token.ExpiresAt
	}

	grant := domain.CredentialGrant{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		ToolID:    toolID,
		Scopes:    append([]string(nil), scopes...),
		SingleUse: singleUse,
		IssuedAt:  now,
		ExpiresAt: expires,
	}

	var superseded string
	key := sess.ID + "|" + toolID

	b.mu.Lock()
	// Инвариант: не больше одного живого гранта на (session, tool), если
	// инструмент не объявил себя реентерабельным. Старый грант вытесняется.
	if !tool.Reentrant {
		if oldID, ok := b.bySessionTool[key]; ok {
			if rec, ok := b.grants[oldID]; ok && rec.grant.Usable(now) {
				rec.grant.Revoked = true
				superseded = oldID
			}
		}
	}
	b.grants[grant.ID] = &grantRecord{grant: grant, secret: token.Value}
	b.bySessionTool[key] = grant.ID
	b.mu.Unlock()

	if superseded != "" {
		b.ledger.Record(domain.AuditEntry{
			SessionID: sess.ID,
			EventType: domain.EventCredentialRevoked,
			Actor:     "broker",
			Detail:    map[string]any{"grant_id": superseded, "cause": "superseded"},
		})
		if b.repo != nil {
			if err := b.repo.MarkGrantRevoked(ctx, superseded); err != nil {
				b.logger.Warn("failed to persist grant revocation", zap.Error(err))
			}
		}
	}

	if b.repo != nil {
		if err := b.repo.SaveGrant(ctx, &grant); err != nil {
			b.logger.Warn("failed to persist grant", zap.Error(err))
		}
	}

	b.ledger.Record(domain.AuditEntry{
		SessionID: sess.ID,
		EventType: domain.EventCredentialIssued,
		Actor:     "broker",
		Detail: map[string]any{
			"grant_id":   grant.ID,
			"tool_id":    toolID,
			"scopes":     grant.Scopes,
			"single_use": singleUse,
		},
	})
	if b.metrics != nil {
		b.metrics.GrantsIssued.WithLabelValues(toolID, strconv.FormatBool(singleUse)).Inc()
	}

	return &grant, nil
}

// Invoke — единственный путь использования гранта адаптером. Проверка
// expiry/revocation атомарна с пометкой single-use: конкурентный второй
// Invoke того же одноразового гранта гарантированно получает отказ.
// Факт использования пишется в аудит независимо от исхода.
func (b *Broker) Invoke(ctx context.Context, grantID, action string, payload []byte) ([]byte, error) {
	now := b.now()

	b.mu.Lock()
	rec, ok := b.grants[grantID]
	if !ok {
		b.mu.Unlock()
		b.ledger.Record(domain.AuditEntry{
			EventType: domain.EventCredentialUsed,
			Actor:     "tool-adapter",
			Detail:    map[string]any{"grant_id": grantID, "outcome": "unknown_grant"},
		})
		return nil, fmt.Errorf("%w: unknown grant", domain.ErrAuthRequired)
	}
	g := rec.grant
	if !rec.grant.Usable(now) {
		b.mu.Unlock()
		b.ledger.Record(domain.AuditEntry{
			SessionID: g.SessionID,
			EventType: domain.EventCredentialUsed,
			Actor:     "tool-adapter",
			Detail:    map[string]any{"grant_id": grantID, "outcome": "denied"},
		})
		return nil, fmt.Errorf("%w: grant expired or revoked", domain.ErrAuthRequired)
	}
	if g.SingleUse {
		// Одноразовый грант гаснет до выполнения, а не после
		rec.grant.Revoked = true
	}
	secret := rec.secret
	b.mu.Unlock()

	conn, ok := b.conns[g.ToolID]
	if !ok {
		b.ledger.Record(domain.AuditEntry{
			SessionID: g.SessionID,
			EventType: domain.EventCredentialUsed,
			Actor:     "tool-adapter",
			Detail:    map[string]any{"grant_id": grantID, "outcome": "no_connector"},
		})
		return nil, domain.ErrUnknownTool
	}

	resp, callErr := conn.Execute(ctx, action, secret, payload)

	detail := map[string]any{"grant_id": grantID, "action": action, "outcome": "success"}
	if callErr != nil {
		detail["outcome"] = "error"
		detail["error"] = callErr.Error()
	}
	b.ledger.Record(domain.AuditEntry{
		SessionID: g.SessionID,
		EventType: domain.EventCredentialUsed,
		Actor:     "tool-adapter",
		Detail:    detail,
	})

	if g.SingleUse {
		b.ledger.Record(domain.AuditEntry{
			SessionID: g.SessionID,
			EventType: domain.EventCredentialRevoked,
			Actor:     "broker",
			Detail:    map[string]any{"grant_id": grantID, "cause": "single_use"},
		})
		if b.repo != nil {
			if err := b.repo.MarkGrantRevoked(ctx, grantID); err != nil {
				b.logger.Warn("failed to persist grant revocation", zap.Error(err))
			}
		}
	}

	if b.reporter != nil {
		b.reporter.ReportInvocation(ctx, grantID, callErr)
	}
	return resp, callErr
}

// Revoke идемпотентен: повторный отзыв и отзыв неизвестного гранта — no-op.
func (b *Broker) Revoke(ctx context.Context, grantID string) error {
	b.mu.Lock()
	rec, ok := b.grants[grantID]
	if !ok || rec.grant.Revoked {
		b.mu.Unlock()
		return nil
	}
	rec.grant.Revoked = true
	sessionID := rec.grant.SessionID
	b.mu.Unlock()

	b.ledger.Record(domain.AuditEntry{
		SessionID: sessionID,
		EventType: domain.EventCredentialRevoked,
		Actor:     "broker",
		Detail:    map[string]any{"grant_id": grantID, "cause": "explicit"},
	})
	if b.repo != nil {
		if err := b.repo.MarkGrantRevoked(ctx, grantID); err != nil {
			b.logger.Warn("failed to persist grant revocation", zap.Error(err))
		}
	}
	return nil
}

// RevokeSession гасит все живые гранты сессии (отзыв сессии, kill-switch).
func (b *Broker) RevokeSession(ctx context.Context, sessionID string) {
	now := b.now()
	var revoked []string

	b.mu.Lock()
	for id, rec := range b.grants {
		if rec.grant.SessionID == sessionID && rec.grant.Usable(now) {
			rec.grant.Revoked = true
			revoked = append(revoked, id)
		}
	}
	b.mu.Unlock()

	for _, id := range revoked {
		b.ledger.Record(domain.AuditEntry{
			SessionID: sessionID,
			EventType: domain.EventCredentialRevoked,
			Actor:     "broker",
			Detail:    map[string]any{"grant_id": id, "cause": "session_revoked"},
		})
		if b.repo != nil {
			if err := b.repo.MarkGrantRevoked(ctx, id); err != nil {
				b.logger.Warn("failed to persist grant revocation", zap.Error(err))
			}
		}
	}
}
