package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/connectors"
	"github.com/xela07ax/agent-supervisor/internal/domain"
	"github.com/xela07ax/agent-supervisor/internal/infra"
	"github.com/xela07ax/agent-supervisor/internal/ledger"
)

func testDirectory() StaticDirectory {
	return StaticDirectory{
		"email": {
			ID: "email",
			MaxScopes: map[domain.TrustLevel][]string{
				domain.TrustBasic:    {"email.send"},
				domain.TrustElevated: {"*"},
			},
		},
		"search": {
			ID:        "search",
			Reentrant: true,
			MaxScopes: map[domain.TrustLevel][]string{
				domain.TrustBasic: {"*"},
			},
		},
	}
}

func newTestBroker(t *testing.T, exchange TokenExchange) (*Broker, *ledger.MemoryStore) {
	t.Helper()

	store := ledger.NewMemoryStore()
	led := ledger.New(store, ledger.Config{
		Attempts: 1, Delay: time.Millisecond, FlushInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	led.Start()
	t.Cleanup(led.Stop)

	b := New(testDirectory(), exchange, led, Config{
		GrantTTL:     time.Minute,
		SingleUseTTL: time.Minute,
	}, infra.NewMetrics(nil), zap.NewNop())
	b.RegisterConnector("email", &connectors.MockSystemsConnector{})
	b.RegisterConnector("search", &connectors.MockSystemsConnector{})
	return b, store
}

func testSession() *domain.Session {
	return &domain.Session{
		ID:         "s-1",
		TrustLevel: domain.TrustBasic,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func TestIssueExposesNoSecret(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})

	grant, err := b.Issue(context.Background(), testSession(), "email", []string{"email.send"}, domain.TierSafe)
	require.NoError(t, err)

	raw, err := json.Marshal(grant)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "mock-token")

	handle, err := json.Marshal(grant.Handle())
	require.NoError(t, err)
	assert.NotContains(t, string(handle), "mock-token")
	assert.Equal(t, grant.ID, grant.Handle().GrantID)
}

func TestScopeCeilingByTrustLevel(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})
	ctx := context.Background()

	_, err := b.Issue(ctx, testSession(), "email", []string{"email.send", "email.delete"}, domain.TierSafe)
	assert.ErrorIs(t, err, domain.ErrScopeExceeded)

	// Elevated имеет wildcard-потолок
	elevated := testSession()
	elevated.TrustLevel = domain.TrustElevated
	_, err = b.Issue(ctx, elevated, "email", []string{"email.delete"}, domain.TierSafe)
	assert.NoError(t, err)
}

func TestUnknownTool(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})

	_, err := b.Issue(context.Background(), testSession(), "shell", []string{"shell.exec"}, domain.TierSafe)
	assert.ErrorIs(t, err, domain.ErrUnknownTool)
}

func TestReauthRequiredPassesThrough(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{RequireReauth: true, ReauthURL: "https://auth.example/reconnect"})

	_, err := b.Issue(context.Background(), testSession(), "email", []string{"email.send"}, domain.TierSafe)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthRequired)

	var reauth *domain.AuthRequiredError
	require.ErrorAs(t, err, &reauth)
	assert.Equal(t, "https://auth.example/reconnect", reauth.ReauthURL)
}

func TestCriticalTierGetsSingleUseGrant(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})
	ctx := context.Background()

	grant, err := b.Issue(ctx, testSession(), "email", []string{"email.send"}, domain.TierCritical)
	require.NoError(t, err)
	require.True(t, grant.SingleUse)

	// Первый вызов проходит
	_, err = b.Invoke(ctx, grant.ID, "send", []byte(`{}`))
	require.NoError(t, err)

	// Грант погашен ДО выполнения — повторный вызов отсекается
	_, err = b.Invoke(ctx, grant.ID, "send", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestConcurrentSingleUseInvokes(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})
	ctx := context.Background()

	grant, err := b.Issue(ctx, testSession(), "email", []string{"email.send"}, domain.TierCritical)
	require.NoError(t, err)

	var successes int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Invoke(ctx, grant.ID, "send", []byte(`{}`)); err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()

	// Ровно один из конкурентов получает одноразовый грант
	assert.EqualValues(t, 1, successes)
}

func TestInvokeRevokedGrant(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})
	ctx := context.Background()

	grant, err := b.Issue(ctx, testSession(), "email", []string{"email.send"}, domain.TierSafe)
	require.NoError(t, err)
	require.NoError(t, b.Revoke(ctx, grant.ID))

	_, err = b.Invoke(ctx, grant.ID, "send", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrAuthRequired)

	// Повторный отзыв — no-op
	assert.NoError(t, b.Revoke(ctx, grant.ID))
}

func TestInvokeExpiredGrant(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{TTL: time.Nanosecond})
	ctx := context.Background()

	grant, err := b.Issue(ctx, testSession(), "email", []string{"email.send"}, domain.TierSafe)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = b.Invoke(ctx, grant.ID, "send", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestInvokeUnknownGrant(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})

	_, err := b.Invoke(context.Background(), "no-such-grant", "send", nil)
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestNonReentrantGrantIsSuperseded(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})
	ctx := context.Background()
	sess := testSession()

	first, err := b.Issue(ctx, sess, "email", []string{"email.send"}, domain.TierSafe)
	require.NoError(t, err)
	second, err := b.Issue(ctx, sess, "email", []string{"email.send"}, domain.TierSafe)
	require.NoError(t, err)

	// Старый грант вытеснен, новый работает
	_, err = b.Invoke(ctx, first.ID, "send", []byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
	_, err = b.Invoke(ctx, second.ID, "send", []byte(`{}`))
	assert.NoError(t, err)
}

func TestReentrantToolKeepsBothGrants(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})
	ctx := context.Background()
	sess := testSession()

	first, err := b.Issue(ctx, sess, "search", []string{"search.search"}, domain.TierSafe)
	require.NoError(t, err)
	second, err := b.Issue(ctx, sess, "search", []string{"search.search"}, domain.TierSafe)
	require.NoError(t, err)

	_, err = b.Invoke(ctx, first.ID, "search", []byte(`{}`))
	assert.NoError(t, err)
	_, err = b.Invoke(ctx, second.ID, "search", []byte(`{}`))
	assert.NoError(t, err)
}

func TestRevokeSessionKillsAllGrants(t *testing.T) {
	b, _ := newTestBroker(t, &MockExchange{})
	ctx := context.Background()
	sess := testSession()

	g1, err := b.Issue(ctx, sess, "email", []string{"email.send"}, domain.TierSafe)
	require.NoError(t, err)
	g2, err := b.Issue(ctx, sess, "search", []string{"search.search"}, domain.TierSafe)
	require.NoError(t, err)

	b.RevokeSession(ctx, sess.ID)

	_, err = b.Invoke(ctx, g1.ID, "send", nil)
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
	_, err = b.Invoke(ctx, g2.ID, "search", nil)
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestInvokeUseIsAlwaysAudited(t *testing.T) {
	b, store := newTestBroker(t, &MockExchange{})
	ctx := context.Background()

	grant, err := b.Issue(ctx, testSession(), "search", []string{"search.unstable"}, domain.TierSafe)
	require.NoError(t, err)

	// Вызов падает, но факт использования обязан попасть в журнал
	_, err = b.Invoke(ctx, grant.ID, "unstable", []byte(`{}`))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		entries, qerr := store.Query(ctx, ledger.Filter{
			SessionID: "s-1", EventType: domain.EventCredentialUsed,
		})
		return qerr == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)
}
