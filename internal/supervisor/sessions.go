package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/ledger"
)

// SessionRegistry — учет агентских сессий: уровень доверия, срок жизни,
// отзыв. Реализует workflow.SessionProvider.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session

	ttl    time.Duration
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time
}

func NewSessionRegistry(ttl time.Duration, led *ledger.Ledger, logger *zap.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*domain.Session),
		ttl:      ttl,
		ledger:   led,
		logger:   logger.Named("sessions"),
		now:      time.Now,
	}
}

func (r *SessionRegistry) Create(ctx context.Context, trust domain.TrustLevel) *domain.Session {
	now := r.now()
	sess := &domain.Session{
		ID:         uuid.New().String(),
		TrustLevel: trust,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.ttl),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.ledger.Record(domain.AuditEntry{
		SessionID: sess.ID,
		EventType: domain.EventSessionCreated,
		Actor:     "supervisor",
		Detail:    map[string]any{"trust_level": trust.String()},
	})

	cp := *sess
	return &cp
}

// Live отдает копию живой сессии. Отозванная или истекшая сессия для
// вызывающего неотличима по типу ошибки.
func (r *SessionRegistry) Live(sessionID string) (*domain.Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		return nil, domain.ErrUnknownSession
	}
	if sess.Revoked {
		return nil, domain.ErrSessionExpired
	}
	if !sess.Alive(r.now()) {
		return nil, domain.ErrSessionExpired
	}
	cp := *sess
	return &cp, nil
}

// SetTrust меняет уровень доверия живой сессии (эскалация после step-up
// аутентификации владельца, либо принудительное понижение).
func (r *SessionRegistry) SetTrust(ctx context.Context, sessionID string, trust domain.TrustLevel) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrUnknownSession
	}
	prev := sess.TrustLevel
	sess.TrustLevel = trust
	r.mu.Unlock()

	r.logger.Info("session trust changed",
		zap.String("session_id", sessionID),
		zap.String("from", prev.String()), zap.String("to", trust.String()))
	return nil
}

// Revoke помечает сессию отозванной; true — сессия была живой.
func (r *SessionRegistry) Revoke(ctx context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false, domain.ErrUnknownSession
	}
	wasAlive := !sess.Revoked
	sess.Revoked = true
	r.mu.Unlock()

	if wasAlive {
		r.ledger.Record(domain.AuditEntry{
			SessionID: sessionID,
			EventType: domain.EventSessionRevoked,
			Actor:     "supervisor",
		})
	}
	return wasAlive, nil
}

// List отдает копии всех живых сессий для консоли оператора.
func (r *SessionRegistry) List() []*domain.Session {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.Revoked || !sess.Alive(now) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	return out
}

// StartSweeper периодически выметает истекшие и отозванные сессии из памяти.
func (r *SessionRegistry) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *SessionRegistry) sweep() {
	now := r.now()

	r.mu.Lock()
	var dropped int
	for id, sess := range r.sessions {
		if sess.Revoked || !sess.Alive(now) {
			delete(r.sessions, id)
			dropped++
		}
	}
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.Info("expired sessions swept", zap.Int("count", dropped))
	}
}
