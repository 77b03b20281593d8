package classifier

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-supervisor/internal/domain"
)

func basicSession() *domain.Session {
	return &domain.Session{ID: "s-1", TrustLevel: domain.TrustBasic}
}

func req(toolID, action string, params string) *domain.InvocationRequest {
	return &domain.InvocationRequest{
		ID:     "r-1",
		ToolID: toolID,
		Action: action,
		Params: json.RawMessage(params),
	}
}

func TestUnknownCapabilityFailsClosed(t *testing.T) {
	c := New(NewStaticSource(), zap.NewNop())

	tier, err := c.Classify(req("shell", "exec", `{}`), basicSession())
	require.NoError(t, err)
	assert.Equal(t, domain.TierCritical, tier)
}

func TestMissingSourceIsAnError(t *testing.T) {
	c := New(nil, zap.NewNop())

	tier, err := c.Classify(req("web", "search", `{}`), basicSession())
	require.Error(t, err)
	assert.Equal(t, domain.TierCritical, tier)
}

func TestKnownCapabilityUsesRuleTier(t *testing.T) {
	c := New(NewStaticSource(
		Rule{ID: "p1", ToolID: "web", Action: "search", Tier: domain.TierSafe},
	), zap.NewNop())

	tier, err := c.Classify(req("web", "search", `{}`), basicSession())
	require.NoError(t, err)
	assert.Equal(t, domain.TierSafe, tier)
}

func TestWildcardActionRule(t *testing.T) {
	c := New(NewStaticSource(
		Rule{ID: "p1", ToolID: "calendar", Action: "*", Tier: domain.TierSensitive},
		Rule{ID: "p2", ToolID: "calendar", Action: "read", Tier: domain.TierSafe},
	), zap.NewNop())

	// Точная пара выигрывает у wildcard
	tier, err := c.Classify(req("calendar", "read", `{}`), basicSession())
	require.NoError(t, err)
	assert.Equal(t, domain.TierSafe, tier)

	tier, err = c.Classify(req("calendar", "write", `{}`), basicSession())
	require.NoError(t, err)
	assert.Equal(t, domain.TierSensitive, tier)
}

func TestThresholdEscalation(t *testing.T) {
	c := New(NewStaticSource(Rule{
		ID: "p1", ToolID: "bank", Action: "transfer", Tier: domain.TierSensitive,
		Conditions: json.RawMessage(`{"risk_field": "amount", "threshold": 1000}`),
	}), zap.NewNop())

	tier, err := c.Classify(req("bank", "transfer", `{"amount": 500}`), basicSession())
	require.NoError(t, err)
	assert.Equal(t, domain.TierSensitive, tier)

	tier, err = c.Classify(req("bank", "transfer", `{"amount": 5000}`), basicSession())
	require.NoError(t, err)
	assert.Equal(t, domain.TierCritical, tier)
}

func TestMalformedConditionsFailClosed(t *testing.T) {
	c := New(NewStaticSource(Rule{
		ID: "p1", ToolID: "web", Action: "search", Tier: domain.TierSafe,
		Conditions: json.RawMessage(`{not json`),
	}), zap.NewNop())

	tier, err := c.Classify(req("web", "search", `{}`), basicSession())
	require.NoError(t, err)
	assert.Equal(t, domain.TierCritical, tier)
}

func TestMalformedParamsFailClosed(t *testing.T) {
	c := New(NewStaticSource(Rule{
		ID: "p1", ToolID: "bank", Action: "transfer", Tier: domain.TierSensitive,
		Conditions: json.RawMessage(`{"risk_field": "amount", "threshold": 1000}`),
	}), zap.NewNop())

	tier, err := c.Classify(req("bank", "transfer", `not json at all`), basicSession())
	require.NoError(t, err)
	assert.Equal(t, domain.TierCritical, tier)
}

func TestRequireTrustEscalation(t *testing.T) {
	c := New(NewStaticSource(Rule{
		ID: "p1", ToolID: "email", Action: "send", Tier: domain.TierSensitive,
		Conditions: json.RawMessage(`{"require_trust": "elevated"}`),
	}), zap.NewNop())

	tier, err := c.Classify(req("email", "send", `{}`), basicSession())
	require.NoError(t, err)
	assert.Equal(t, domain.TierCritical, tier)

	elevated := &domain.Session{ID: "s-2", TrustLevel: domain.TrustElevated}
	tier, err = c.Classify(req("email", "send", `{}`), elevated)
	require.NoError(t, err)
	assert.Equal(t, domain.TierSensitive, tier)
}
