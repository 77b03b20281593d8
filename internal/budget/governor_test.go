package budget

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLimit(max int64, window time.Duration) LimitResolver {
	return func(string) Limit { return Limit{Window: window, Max: max} }
}

func TestLocalGovernorEnforcesLimit(t *testing.T) {
	g := NewLocalGovernor(fixedLimit(10, time.Minute))
	ctx := context.Background()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.Admit(ctx, "tool:email", 1)
			require.NoError(t, err)
			if ok {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	// Конкурентные Admit не могут совместно превысить лимит
	assert.EqualValues(t, 10, admitted)
}

func TestLocalGovernorWindowRoll(t *testing.T) {
	g := NewLocalGovernor(fixedLimit(1, time.Minute))
	ctx := context.Background()

	current := time.Date(2026, 8, 30, 12, 0, 30, 0, time.UTC)
	g.now = func() time.Time { return current }

	ok, err := g.Admit(ctx, "global", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = g.Admit(ctx, "global", 1)
	require.False(t, ok)

	// Следующее окно — счетчик начинается заново
	current = current.Add(time.Minute)
	ok, err = g.Admit(ctx, "global", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnconfiguredLimitAdmitsEverything(t *testing.T) {
	g := NewLocalGovernor(func(string) Limit { return Limit{} })

	for i := 0; i < 1000; i++ {
		ok, err := g.Admit(context.Background(), "session:s1", 1)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestReleaseReturnsBudget(t *testing.T) {
	g := NewLocalGovernor(fixedLimit(1, time.Minute))
	ctx := context.Background()

	ok, _ := g.Admit(ctx, "global", 1)
	require.True(t, ok)
	ok, _ = g.Admit(ctx, "global", 1)
	require.False(t, ok)

	g.Release(ctx, "global", 1)
	ok, _ = g.Admit(ctx, "global", 1)
	assert.True(t, ok)
}

func TestAdmitAllRollsBackOnDenial(t *testing.T) {
	// Глобальный scope просторный, session-scope уже исчерпан
	g := NewLocalGovernor(func(key string) Limit {
		if key == "session:s1" {
			return Limit{Window: time.Minute, Max: 1}
		}
		return Limit{Window: time.Minute, Max: 100}
	})
	ctx := context.Background()

	keys := ScopeKeys("s1", "email")

	ok, err := AdmitAll(ctx, g, keys, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Второй запрос упирается в session-лимит; global и tool обязаны откатиться
	ok, err = AdmitAll(ctx, g, keys, 1)
	require.NoError(t, err)
	require.False(t, ok)

	for _, key := range []string{"global", "tool:email"} {
		got, _ := g.Admit(ctx, key, 1)
		assert.True(t, got, "scope %s must have been rolled back", key)
		g.Release(ctx, key, 1)
	}
}

func TestScopeKeysOrder(t *testing.T) {
	keys := ScopeKeys("s1", "email")
	assert.Equal(t, []string{"global", "tool:email", "session:s1"}, keys)
}
