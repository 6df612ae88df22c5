package rules

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// EndpointMatcher decides whether a rule applies to an endpoint path.
type EndpointMatcher interface {
	Match(endpoint string) bool
	String() string
}

type exactMatcher string

func (m exactMatcher) Match(endpoint string) bool { return string(m) == endpoint }
func (m exactMatcher) String() string             { return string(m) }

type patternMatcher struct {
	re *regexp.Regexp
}

func (m *patternMatcher) Match(endpoint string) bool { return m.re.MatchString(endpoint) }
func (m *patternMatcher) String() string             { return m.re.String() }

// Exact matches the endpoint by string equality.
func Exact(endpoint string) EndpointMatcher {
	return exactMatcher(endpoint)
}

// Pattern compiles expr and matches the endpoint against it.
func Pattern(expr string) (EndpointMatcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint pattern %q: %w", expr, err)
	}
	return &patternMatcher{re: re}, nil
}

// ProtectionConfig governs the brute-force protection path for one logical
// endpoint class. Immutable after registration; replaced wholesale.
type ProtectionConfig struct {
	MaxAttempts             int           `mapstructure:"max_attempts" json:"max_attempts"`
	TimeWindow              time.Duration `mapstructure:"time_window" json:"time_window"`
	LockoutDuration         time.Duration `mapstructure:"lockout_duration" json:"lockout_duration"`
	ProgressiveDelayEnabled bool          `mapstructure:"progressive_delay_enabled" json:"progressive_delay_enabled"`
	CaptchaThreshold        int           `mapstructure:"captcha_threshold" json:"captcha_threshold"`
	AlertThreshold          int           `mapstructure:"alert_threshold" json:"alert_threshold"`
	WhitelistedAddresses    []string      `mapstructure:"whitelisted_addresses" json:"whitelisted_addresses,omitempty"`
}

// RateLimitConfig governs the sibling rate-limit path.
type RateLimitConfig struct {
	Window            time.Duration `mapstructure:"window" json:"window"`
	MaxRequests       int           `mapstructure:"max_requests" json:"max_requests"`
	SkipSuccessful    bool          `mapstructure:"skip_successful" json:"skip_successful"`
	SkipFailed        bool          `mapstructure:"skip_failed" json:"skip_failed"`
	AdaptiveEnabled   bool          `mapstructure:"adaptive_enabled" json:"adaptive_enabled"`
	AdaptiveThreshold int           `mapstructure:"adaptive_threshold" json:"adaptive_threshold"`
}

// Rule binds an endpoint matcher to a config value.
type Rule[C any] struct {
	Matcher     EndpointMatcher
	Config      C
	Description string
}

// Matcher resolves an endpoint to the first registered rule that matches.
// Registration order is evaluation order. A miss is not an error: callers
// must treat it as an explicit unrestricted-allow decision.
type Matcher[C any] struct {
	mu    sync.RWMutex
	rules []Rule[C]
}

func NewMatcher[C any]() *Matcher[C] {
	return &Matcher[C]{}
}

// Register appends a rule. An existing rule with an identical matcher
// string is replaced in place, keeping its evaluation position.
func (m *Matcher[C]) Register(rule Rule[C]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.Matcher.String() == rule.Matcher.String() {
			m.rules[i] = rule
			return
		}
	}
	m.rules = append(m.rules, rule)
}

// Resolve returns the first matching rule's config. The second return is
// false when nothing matches.
func (m *Matcher[C]) Resolve(endpoint string) (C, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if r.Matcher.Match(endpoint) {
			return r.Config, true
		}
	}
	var zero C
	return zero, false
}

// Rules returns a copy of the registered rules in evaluation order.
func (m *Matcher[C]) Rules() []Rule[C] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule[C], len(m.rules))
	copy(out, m.rules)
	return out
}
