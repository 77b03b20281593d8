package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		name string
		from RequestState
		to   RequestState
		ok   bool
	}{
		{"received to classified", StateReceived, StateClassified, true},
		{"classified to admitted", StateClassified, StateAdmitted, true},
		{"admitted to executing", StateAdmitted, StateExecuting, true},
		{"admitted to internal check", StateAdmitted, StatePendingInternal, true},
		{"admitted to user approval", StateAdmitted, StatePendingUserApproval, true},
		{"internal check to executing", StatePendingInternal, StateExecuting, true},
		{"approval to executing", StatePendingUserApproval, StateExecuting, true},
		{"executing to completed", StateExecuting, StateCompleted, true},
		{"executing to failed", StateExecuting, StateFailed, true},

		{"received skips classification", StateReceived, StateAdmitted, false},
		{"classified skips admission", StateClassified, StateExecuting, false},
		{"executing cannot be rejected", StateExecuting, StateRejected, false},
		{"executing cannot be cancelled", StateExecuting, StateCancelled, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &InvocationRequest{State: tc.from}
			err := r.CanTransitionTo(tc.to)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCancelAndRejectAllowedBeforeExecution(t *testing.T) {
	for _, from := range []RequestState{
		StateReceived, StateClassified, StateAdmitted,
		StatePendingInternal, StatePendingUserApproval,
	} {
		r := &InvocationRequest{State: from}
		assert.NoError(t, r.CanTransitionTo(StateCancelled), "cancel from %s", from)
		assert.NoError(t, r.CanTransitionTo(StateRejected), "reject from %s", from)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	for _, terminal := range []RequestState{StateCompleted, StateFailed, StateRejected, StateCancelled} {
		require.True(t, terminal.Terminal())

		r := &InvocationRequest{State: terminal}
		for _, next := range []RequestState{StateExecuting, StateCancelled, StateRejected, StateClassified} {
			assert.ErrorIs(t, r.CanTransitionTo(next), ErrAlreadyTerminal)
		}
	}
}

func TestHashParams(t *testing.T) {
	a := HashParams([]byte(`{"to":"bob"}`))
	b := HashParams([]byte(`{"to":"bob"}`))
	c := HashParams([]byte(`{"to":"eve"}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestParseTierFailsClosed(t *testing.T) {
	tier, err := ParseTier("mystery")
	require.Error(t, err)
	assert.Equal(t, TierCritical, tier)

	tier, err = ParseTier("safe")
	require.NoError(t, err)
	assert.Equal(t, TierSafe, tier)
}

func TestRiskTierEscalate(t *testing.T) {
	assert.Equal(t, TierSensitive, TierSafe.Escalate())
	assert.Equal(t, TierCritical, TierSensitive.Escalate())
	assert.Equal(t, TierCritical, TierCritical.Escalate())
}

func TestUnknownTierStringIsCritical(t *testing.T) {
	assert.Equal(t, "CRITICAL", RiskTier(42).String())
}
