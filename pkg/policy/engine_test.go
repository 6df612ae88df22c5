package policy_test

import (
	"testing"
	"time"

	"github.com/cinevault/shield/pkg/policy"
	"github.com/cinevault/shield/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	executed []string
}

func (r *recordingExecutor) Execute(action string, ev types.SecurityEvent) types.SecurityAction {
	r.executed = append(r.executed, action)
	return types.SecurityAction{
		Type:      action,
		Timestamp: ev.Timestamp,
		Automated: true,
		Result:    types.ActionResultSuccess,
	}
}

func loginBlockPolicy() policy.Policy {
	return policy.Policy{
		Name:    "login-abuse",
		Enabled: true,
		Rules: []policy.Rule{
			{Condition: "endpoint", Operator: policy.OpContains, Value: "login"},
			{Condition: "severity", Operator: policy.OpGreaterThan, Value: "low"},
		},
		Actions: []string{types.ActionBlock},
	}
}

func event(endpoint string, severity types.Severity) types.SecurityEvent {
	return types.SecurityEvent{
		Type:       types.AlertSuspiciousActivity,
		Identifier: "user1",
		Endpoint:   endpoint,
		Severity:   severity,
		Timestamp:  time.Now(),
	}
}

func TestEngine_PolicyFiresOnMatchingEvent(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	e.Register(loginBlockPolicy())

	actions := e.Evaluate(event("/api/auth/login", types.SeverityHigh))
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionBlock, actions[0].Type)
	assert.Equal(t, types.ActionResultSuccess, actions[0].Result)
	assert.Equal(t, []string{types.ActionBlock}, exec.executed)
}

func TestEngine_PolicyDoesNotFireOnLowSeverity(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	e.Register(loginBlockPolicy())

	actions := e.Evaluate(event("/api/auth/login", types.SeverityLow))
	assert.Empty(t, actions)
	assert.Empty(t, exec.executed)
}

func TestEngine_RulesAreANDCombined(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	e.Register(loginBlockPolicy())

	// High severity but wrong endpoint: first rule fails.
	actions := e.Evaluate(event("/api/bookings", types.SeverityHigh))
	assert.Empty(t, actions)
}

func TestEngine_DisabledPolicyNeverFires(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	p := loginBlockPolicy()
	p.Enabled = false
	e.Register(p)

	assert.Empty(t, e.Evaluate(event("/api/auth/login", types.SeverityCritical)))
}

func TestEngine_OverlappingPoliciesAllFire(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	e.Register(loginBlockPolicy())
	e.Register(policy.Policy{
		Name:    "any-critical",
		Enabled: true,
		Rules: []policy.Rule{
			{Condition: "severity", Operator: policy.OpEquals, Value: "critical"},
		},
		Actions: []string{types.ActionEscalate, types.ActionAlert},
	})

	actions := e.Evaluate(event("/api/auth/login", types.SeverityCritical))
	assert.Len(t, actions, 3)
}

func TestEngine_NegatedRule(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	e.Register(policy.Policy{
		Name:    "non-admin-block",
		Enabled: true,
		Rules: []policy.Rule{
			{Condition: "endpoint", Operator: policy.OpEquals, Value: "admin", Negated: true},
		},
		Actions: []string{types.ActionLog},
	})

	assert.Len(t, e.Evaluate(event("login", types.SeverityLow)), 1)
	assert.Empty(t, e.Evaluate(event("admin", types.SeverityLow)))
}

func TestEngine_RegexOperator(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	e.Register(policy.Policy{
		Name:    "auth-endpoints",
		Enabled: true,
		Rules: []policy.Rule{
			{Condition: "endpoint", Operator: policy.OpRegex, Value: `^/api/auth/.*`},
		},
		Actions: []string{types.ActionLog},
	})

	assert.Len(t, e.Evaluate(event("/api/auth/reset", types.SeverityLow)), 1)
	assert.Empty(t, e.Evaluate(event("/api/bookings", types.SeverityLow)))
}

func TestEngine_MetadataLookup(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	e.Register(policy.Policy{
		Name:    "flagged-country",
		Enabled: true,
		Rules: []policy.Rule{
			{Condition: "country", Operator: policy.OpEquals, Value: "XX"},
		},
		Actions: []string{types.ActionAlert},
	})

	ev := event("login", types.SeverityLow)
	ev.Metadata.Extra = map[string]string{"country": "XX"}
	assert.Len(t, e.Evaluate(ev), 1)

	ev.Metadata.Extra = map[string]string{"country": "YY"}
	assert.Empty(t, e.Evaluate(ev))
}

func TestEngine_UnknownAttributeFailsRule(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	e.Register(policy.Policy{
		Name:    "missing-attr",
		Enabled: true,
		Rules: []policy.Rule{
			{Condition: "nonexistent", Operator: policy.OpEquals, Value: "x"},
		},
		Actions: []string{types.ActionAlert},
	})

	assert.Empty(t, e.Evaluate(event("login", types.SeverityHigh)))
}

func TestEngine_RegisterReplacesByName(t *testing.T) {
	exec := &recordingExecutor{}
	e := policy.NewEngine(logrus.New(), exec)
	e.Register(loginBlockPolicy())

	replacement := loginBlockPolicy()
	replacement.Actions = []string{types.ActionAlert}
	e.Register(replacement)

	require.Len(t, e.Policies(), 1)
	actions := e.Evaluate(event("/api/auth/login", types.SeverityHigh))
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionAlert, actions[0].Type)
}

func TestEngine_Remove(t *testing.T) {
	e := policy.NewEngine(logrus.New(), &recordingExecutor{})
	e.Register(loginBlockPolicy())

	assert.True(t, e.Remove("login-abuse"))
	assert.False(t, e.Remove("login-abuse"))
}
