package policy

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/cinevault/shield/pkg/types"
	"github.com/sirupsen/logrus"
)

// Operator is the comparison applied by a policy rule.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpRegex       Operator = "regex"
)

// Rule compares one event attribute against a literal. Rules within a
// policy are AND-combined; Negated inverts this rule's result.
type Rule struct {
	Condition string   `mapstructure:"condition" json:"condition"`
	Operator  Operator `mapstructure:"operator" json:"operator"`
	Value     string   `mapstructure:"value" json:"value"`
	Negated   bool     `mapstructure:"negated" json:"negated,omitempty"`
}

// Policy binds a rule set to a list of actions. Overlapping policies all
// fire independently; this is a decision table, not a priority system.
type Policy struct {
	Name    string   `mapstructure:"name" json:"name"`
	Enabled bool     `mapstructure:"enabled" json:"enabled"`
	Rules   []Rule   `mapstructure:"rules" json:"rules"`
	Actions []string `mapstructure:"actions" json:"actions"`
}

// ActionExecutor carries out one bound action against an event and
// reports the outcome.
type ActionExecutor interface {
	Execute(action string, ev types.SecurityEvent) types.SecurityAction
}

// Engine evaluates declarative policies against security events.
type Engine struct {
	logger   *logrus.Logger
	executor ActionExecutor

	mu       sync.RWMutex
	policies []Policy
	regexes  map[string]*regexp.Regexp
}

func NewEngine(logger *logrus.Logger, executor ActionExecutor) *Engine {
	return &Engine{
		logger:   logger,
		executor: executor,
		regexes:  make(map[string]*regexp.Regexp),
	}
}

// Register adds or replaces a policy by name.
func (e *Engine) Register(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.policies {
		if existing.Name == p.Name {
			e.policies[i] = p
			return
		}
	}
	e.policies = append(e.policies, p)
}

// Remove deletes a policy by name, reporting whether it existed.
func (e *Engine) Remove(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.policies {
		if p.Name == name {
			e.policies = append(e.policies[:i], e.policies[i+1:]...)
			return true
		}
	}
	return false
}

// Policies returns a copy of the registered policies.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// Evaluate runs every enabled policy against the event. All rules of a
// policy must pass for it to fire; firing executes every bound action and
// collects the resulting SecurityActions.
func (e *Engine) Evaluate(ev types.SecurityEvent) []types.SecurityAction {
	e.mu.RLock()
	policies := make([]Policy, len(e.policies))
	copy(policies, e.policies)
	e.mu.RUnlock()

	var actions []types.SecurityAction
	for _, p := range policies {
		if !p.Enabled || len(p.Rules) == 0 {
			continue
		}
		if !e.matches(p, ev) {
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"policy":     p.Name,
			"event_type": ev.Type,
			"identifier": ev.Identifier,
		}).Info("security policy fired")

		for _, action := range p.Actions {
			actions = append(actions, e.executor.Execute(action, ev))
		}
	}
	return actions
}

func (e *Engine) matches(p Policy, ev types.SecurityEvent) bool {
	for _, r := range p.Rules {
		ok := e.ruleMatches(r, ev)
		if r.Negated {
			ok = !ok
		}
		if !ok {
			return false
		}
	}
	return true
}

func (e *Engine) ruleMatches(r Rule, ev types.SecurityEvent) bool {
	attr, ok := ev.Attribute(r.Condition)
	if !ok {
		return false
	}

	switch r.Operator {
	case OpEquals:
		return attr == r.Value
	case OpContains:
		return strings.Contains(attr, r.Value)
	case OpGreaterThan:
		return compare(attr, r.Value) > 0
	case OpLessThan:
		return compare(attr, r.Value) < 0
	case OpRegex:
		re := e.compiled(r.Value)
		if re == nil {
			return false
		}
		return re.MatchString(attr)
	default:
		e.logger.WithField("operator", string(r.Operator)).Warn("unknown policy operator")
		return false
	}
}

// compare orders two attribute values. Severities compare by rank,
// numbers numerically, everything else lexically.
func compare(a, b string) int {
	ra, rb := types.Severity(a).Rank(), types.Severity(b).Rank()
	if ra > 0 && rb > 0 {
		return ra - rb
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa > fb:
			return 1
		case fa < fb:
			return -1
		default:
			return 0
		}
	}
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

func (e *Engine) compiled(expr string) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.regexes[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		e.logger.WithError(err).WithField("pattern", expr).Warn("invalid policy regex")
		e.regexes[expr] = nil
		return nil
	}
	e.regexes[expr] = re
	return re
}
