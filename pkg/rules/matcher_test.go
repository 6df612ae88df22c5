package rules_test

import (
	"testing"
	"time"

	"github.com/cinevault/shield/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_FirstMatchWins(t *testing.T) {
	m := rules.NewMatcher[rules.RateLimitConfig]()

	apiPattern, err := rules.Pattern(`^/api/.*`)
	require.NoError(t, err)

	m.Register(rules.Rule[rules.RateLimitConfig]{
		Matcher:     rules.Exact("/api/auth/login"),
		Config:      rules.RateLimitConfig{MaxRequests: 5, Window: time.Minute},
		Description: "strict login limit",
	})
	m.Register(rules.Rule[rules.RateLimitConfig]{
		Matcher:     apiPattern,
		Config:      rules.RateLimitConfig{MaxRequests: 100, Window: time.Minute},
		Description: "general api limit",
	})

	cfg, ok := m.Resolve("/api/auth/login")
	require.True(t, ok)
	assert.Equal(t, 5, cfg.MaxRequests)

	cfg, ok = m.Resolve("/api/bookings")
	require.True(t, ok)
	assert.Equal(t, 100, cfg.MaxRequests)
}

func TestMatcher_NoMatchIsUnrestricted(t *testing.T) {
	m := rules.NewMatcher[rules.RateLimitConfig]()
	m.Register(rules.Rule[rules.RateLimitConfig]{
		Matcher: rules.Exact("login"),
		Config:  rules.RateLimitConfig{MaxRequests: 5, Window: time.Minute},
	})

	_, ok := m.Resolve("healthz")
	assert.False(t, ok)
}

func TestMatcher_RegisterReplacesInPlace(t *testing.T) {
	m := rules.NewMatcher[rules.ProtectionConfig]()
	m.Register(rules.Rule[rules.ProtectionConfig]{
		Matcher: rules.Exact("login"),
		Config:  rules.ProtectionConfig{MaxAttempts: 5},
	})
	m.Register(rules.Rule[rules.ProtectionConfig]{
		Matcher: rules.Exact("payment"),
		Config:  rules.ProtectionConfig{MaxAttempts: 3},
	})
	m.Register(rules.Rule[rules.ProtectionConfig]{
		Matcher: rules.Exact("login"),
		Config:  rules.ProtectionConfig{MaxAttempts: 10},
	})

	all := m.Rules()
	require.Len(t, all, 2)
	assert.Equal(t, "login", all[0].Matcher.String())
	assert.Equal(t, 10, all[0].Config.MaxAttempts)
}

func TestPattern_Invalid(t *testing.T) {
	_, err := rules.Pattern(`([`)
	assert.Error(t, err)
}

func TestPattern_Match(t *testing.T) {
	p, err := rules.Pattern(`^/admin(/.*)?$`)
	require.NoError(t, err)
	assert.True(t, p.Match("/admin"))
	assert.True(t, p.Match("/admin/users"))
	assert.False(t, p.Match("/administrator"))
}
