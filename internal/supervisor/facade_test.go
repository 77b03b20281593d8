package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/broker"
	"github.com/xela07ax/agent-supervisor/internal/budget"
	"github.com/xela07ax/agent-supervisor/internal/classifier"
	"github.com/xela07ax/agent-supervisor/internal/connectors"
	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/infra"
	"github.com/xela07ax/agent-supervisor/internal/ledger"
	"github.com/xela07ax/agent-supervisor/internal/workflow"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *ledger.MemoryStore) {
	t.Helper()

	store := ledger.NewMemoryStore()
	led := ledger.New(store, ledger.Config{
		Attempts: 1, Delay: time.Millisecond, FlushInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	led.Start()
	t.Cleanup(led.Stop)

	src := classifier.NewStaticSource(
		classifier.Rule{ID: "p1", ToolID: "web", Action: "search", Tier: domain.TierSafe},
		classifier.Rule{ID: "p2", ToolID: "bank", Action: "write", Tier: domain.TierCritical},
	)
	cl := classifier.New(src, zap.NewNop())
	gov := budget.NewLocalGovernor(func(string) budget.Limit { return budget.Limit{} })

	dir := broker.StaticDirectory{}
	for _, id := range []string{"web", "bank"} {
		dir[id] = domain.Tool{
			ID:        id,
			MaxScopes: map[domain.TrustLevel][]string{domain.TrustBasic: {"*"}},
		}
	}
	br := broker.New(dir, &broker.MockExchange{}, led, broker.Config{
		GrantTTL: time.Minute, SingleUseTTL: time.Minute,
	}, infra.NewMetrics(nil), zap.NewNop())
	for _, id := range []string{"web", "bank"} {
		br.RegisterConnector(id, &connectors.MockSystemsConnector{})
	}

	registry := NewSessionRegistry(time.Hour, led, zap.NewNop())
	eng := workflow.NewEngine(cl, gov, br, led, registry, workflow.Config{
		ApprovalTimeout:      time.Minute,
		InternalCheckTimeout: time.Second,
	}, infra.NewMetrics(nil), zap.NewNop())

	return New(eng, registry, led, nil, zap.NewNop()), store
}

func TestSubmitRequiresLiveSession(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.Submit(ctx, SubmitRequest{SessionID: "ghost", ToolID: "web", Action: "search"})
	assert.ErrorIs(t, err, domain.ErrUnknownSession)

	sess := sup.CreateSession(ctx, domain.TrustBasic)
	require.NoError(t, sup.RevokeSession(ctx, sess.ID))

	_, err = sup.Submit(ctx, SubmitRequest{SessionID: sess.ID, ToolID: "web", Action: "search"})
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestSubmitValidatesToolAndAction(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	sess := sup.CreateSession(ctx, domain.TrustBasic)
	_, err := sup.Submit(ctx, SubmitRequest{SessionID: sess.ID})
	assert.Error(t, err)
}

func TestSubmitSafeFlow(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	sess := sup.CreateSession(ctx, domain.TrustBasic)
	out, err := sup.Submit(ctx, SubmitRequest{
		SessionID: sess.ID,
		ToolID:    "web",
		Action:    "search",
		Params:    json.RawMessage(`{"q": "weather"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuting, out.Status)
	assert.NotEmpty(t, out.RequestID) // ключ сгенерирован за вызывающего
	require.NotNil(t, out.Grant)

	got, err := sup.Outcome(out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, out.RequestID, got.RequestID)
}

func TestRevokeSessionCascades(t *testing.T) {
	sup, store := newTestSupervisor(t)
	ctx := context.Background()

	sess := sup.CreateSession(ctx, domain.TrustBasic)
	out, err := sup.Submit(ctx, SubmitRequest{
		SessionID:      sess.ID,
		ToolID:         "bank",
		Action:         "write",
		Params:         json.RawMessage(`{}`),
		IdempotencyKey: "r-1",
	})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomePending, out.Status)

	require.NoError(t, sup.RevokeSession(ctx, sess.ID))

	// Висящий запрос отменен, новые не принимаются
	got, err := sup.Outcome("r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCancelled, got.Status)
	assert.Equal(t, domain.ReasonSessionRevoked, got.Reason)

	_, err = sup.Submit(ctx, SubmitRequest{SessionID: sess.ID, ToolID: "web", Action: "search"})
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	// Повторный отзыв идемпотентен
	assert.NoError(t, sup.RevokeSession(ctx, sess.ID))

	// События жизненного цикла сессии доезжают в журнал асинхронно
	require.Eventually(t, func() bool {
		created, _ := store.Query(ctx, ledger.Filter{
			SessionID: sess.ID, EventType: domain.EventSessionCreated,
		})
		revoked, _ := store.Query(ctx, ledger.Filter{
			SessionID: sess.ID, EventType: domain.EventSessionRevoked,
		})
		return len(created) == 1 && len(revoked) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDecideAndAuditSurface(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	sess := sup.CreateSession(ctx, domain.TrustBasic)
	_, err := sup.Submit(ctx, SubmitRequest{
		SessionID:      sess.ID,
		ToolID:         "bank",
		Action:         "write",
		Params:         json.RawMessage(`{}`),
		IdempotencyKey: "r-1",
	})
	require.NoError(t, err)
	require.Len(t, sup.PendingApprovals(), 1)

	require.NoError(t, sup.Decide(ctx, "r-1", true, "alice"))

	out, err := sup.Outcome("r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuting, out.Status)

	entries, err := sup.Audit(ctx, ledger.Filter{InvocationID: "r-1", EventType: domain.EventApproved})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
}

func TestUnknownLookups(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.Outcome("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownRequest)
	assert.ErrorIs(t, sup.Decide(ctx, "ghost", true, "a"), domain.ErrUnknownRequest)
	assert.ErrorIs(t, sup.RevokeSession(ctx, "ghost"), domain.ErrUnknownSession)
}

func TestStatsCountActiveSessions(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	sup.CreateSession(ctx, domain.TrustBasic)
	dying := sup.CreateSession(ctx, domain.TrustBasic)
	require.NoError(t, sup.RevokeSession(ctx, dying.ID))

	// Отозванная сессия в счетчик живых не попадает
	assert.Equal(t, 1, sup.Stats().ActiveSessions)
}

func TestSessionTrustChange(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	sess := sup.CreateSession(ctx, domain.TrustBasic)
	require.NoError(t, sup.SetSessionTrust(ctx, sess.ID, domain.TrustElevated))
	assert.ErrorIs(t, sup.SetSessionTrust(ctx, "ghost", domain.TrustOwner), domain.ErrUnknownSession)
}
