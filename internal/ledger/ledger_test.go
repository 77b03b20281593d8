package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/domain"
)

// brokenStore имитирует недоступную БД и считает попытки.
type brokenStore struct {
	mu       sync.Mutex
	attempts int
}

func (s *brokenStore) Insert(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	return errors.New("connection refused")
}

func (s *brokenStore) InsertBatch(ctx context.Context, entries []domain.AuditEntry) error {
	return errors.New("connection refused")
}

func (s *brokenStore) Query(ctx context.Context, f Filter) ([]domain.AuditEntry, error) {
	return nil, errors.New("connection refused")
}

func testConfig() Config {
	return Config{Attempts: 3, Delay: time.Millisecond, FlushInterval: 10 * time.Millisecond}
}

func TestAppendIsDurable(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, testConfig(), zap.NewNop())

	id, err := l.Append(context.Background(), domain.AuditEntry{
		SessionID:    "s-1",
		InvocationID: "r-1",
		EventType:    domain.EventClassified,
		Actor:        "supervisor",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, store.Len())
}

func TestAppendRetriesThenFailsClosed(t *testing.T) {
	store := &brokenStore{}
	l := New(store, testConfig(), zap.NewNop())

	_, err := l.Append(context.Background(), domain.AuditEntry{EventType: domain.EventAdmitted})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuditUnavailable)
	assert.Equal(t, 3, store.attempts)
}

func TestQueryFilters(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, testConfig(), zap.NewNop())
	ctx := context.Background()

	for _, e := range []domain.AuditEntry{
		{SessionID: "s-1", InvocationID: "r-1", EventType: domain.EventClassified},
		{SessionID: "s-1", InvocationID: "r-1", EventType: domain.EventAdmitted},
		{SessionID: "s-1", InvocationID: "r-2", EventType: domain.EventClassified},
		{SessionID: "s-2", InvocationID: "r-3", EventType: domain.EventClassified},
	} {
		_, err := l.Append(ctx, e)
		require.NoError(t, err)
	}

	byInvocation, err := l.Query(ctx, Filter{InvocationID: "r-1"})
	require.NoError(t, err)
	assert.Len(t, byInvocation, 2)

	bySession, err := l.Query(ctx, Filter{SessionID: "s-1"})
	require.NoError(t, err)
	assert.Len(t, bySession, 3)

	byEvent, err := l.Query(ctx, Filter{SessionID: "s-1", EventType: domain.EventAdmitted})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.Equal(t, "r-1", byEvent[0].InvocationID)

	limited, err := l.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecorderDrainsOnStop(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, testConfig(), zap.NewNop())
	l.Start()

	for i := 0; i < 250; i++ {
		l.Record(domain.AuditEntry{
			SessionID: "s-1",
			EventType: domain.EventCredentialUsed,
		})
	}

	// Stop закрывает канал и дожидается финального flush
	l.Stop()
	assert.Equal(t, 250, store.Len())
}

func TestRecordAfterStopIsDropped(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, testConfig(), zap.NewNop())
	l.Start()
	l.Stop()

	assert.NotPanics(t, func() {
		l.Record(domain.AuditEntry{EventType: domain.EventCredentialUsed})
	})
	assert.Equal(t, 0, store.Len())
}
