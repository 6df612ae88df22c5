package types

import (
	"time"
)

// Severity classifies how far an actor has pushed past a configured
// threshold. Ordering matters: comparisons go through Rank.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Metadata carries the closed set of optional request attributes plus a
// string-keyed extension map used only by policy-rule lookups.
type Metadata struct {
	NetworkAddress  string            `json:"network_address,omitempty"`
	ClientSignature string            `json:"client_signature,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Attempt is a single recorded success/failure for an identifier against
// an endpoint. Immutable once recorded.
type Attempt struct {
	Identifier      string    `json:"identifier"`
	Endpoint        string    `json:"endpoint"`
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	NetworkAddress  string    `json:"network_address,omitempty"`
	ClientSignature string    `json:"client_signature,omitempty"`
}

// ProtectionDecision is the outcome of the brute-force protection path.
type ProtectionDecision struct {
	Blocked           bool       `json:"blocked"`
	RemainingAttempts int        `json:"remaining_attempts"`
	LockoutExpiry     *time.Time `json:"lockout_expiry,omitempty"`
	RequiresCaptcha   bool       `json:"requires_captcha"`
	DelayMs           int64      `json:"delay_ms"`
	Severity          Severity   `json:"severity"`
}

// RateDecision is the outcome of the sliding-window rate-limit path.
// Remaining is -1 when no rule matched, which means unrestricted access.
type RateDecision struct {
	Remaining          int       `json:"remaining"`
	ResetAt            time.Time `json:"reset_at"`
	Total              int       `json:"total"`
	Blocked            bool      `json:"blocked"`
	RetryAfter         int64     `json:"retry_after,omitempty"`
	AdaptiveMultiplier float64   `json:"adaptive_multiplier,omitempty"`
}

// SecurityEvent is the derived view of a decision that policies, pattern
// detectors and aggregation consume.
type SecurityEvent struct {
	Type       string    `json:"type"`
	Identifier string    `json:"identifier"`
	Endpoint   string    `json:"endpoint"`
	Severity   Severity  `json:"severity"`
	Timestamp  time.Time `json:"timestamp"`
	Metadata   Metadata  `json:"metadata"`
}

// Attribute resolves a policy-rule condition against the event. Known
// attribute names map to typed fields; anything else falls through to the
// metadata extension map.
func (e SecurityEvent) Attribute(name string) (string, bool) {
	switch name {
	case "type":
		return e.Type, true
	case "identifier":
		return e.Identifier, true
	case "endpoint":
		return e.Endpoint, true
	case "severity":
		return string(e.Severity), true
	case "network_address":
		return e.Metadata.NetworkAddress, true
	case "client_signature":
		return e.Metadata.ClientSignature, true
	case "user_id":
		return e.Metadata.UserID, true
	}
	if e.Metadata.Extra != nil {
		v, ok := e.Metadata.Extra[name]
		return v, ok
	}
	return "", false
}

// Alert types emitted by the engine.
const (
	AlertLockout            = "lockout"
	AlertSuspiciousActivity = "suspicious_activity"
	AlertAttackDetected     = "attack_detected"
	AlertRateLimitBlock     = "rate_limit_block"
	AlertManualBlock        = "manual_block"
	AlertPolicyViolation    = "policy_violation"
)

// SecurityAlert fans out to subscribers and lands in the capped alert log.
type SecurityAlert struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Severity    Severity          `json:"severity"`
	Identifier  string            `json:"identifier"`
	Endpoint    string            `json:"endpoint"`
	Description string            `json:"description"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Event converts an alert into the shape the policy engine and the threat
// aggregator evaluate.
func (a SecurityAlert) Event() SecurityEvent {
	return SecurityEvent{
		Type:       a.Type,
		Identifier: a.Identifier,
		Endpoint:   a.Endpoint,
		Severity:   a.Severity,
		Timestamp:  a.Timestamp,
		Metadata:   Metadata{Extra: a.Metadata},
	}
}

// SecurityAction result states.
const (
	ActionResultSuccess = "success"
	ActionResultFailed  = "failed"
	ActionResultPending = "pending"
)

// SecurityAction types.
const (
	ActionBlock    = "block"
	ActionAlert    = "alert"
	ActionLog      = "log"
	ActionEscalate = "escalate"
	ActionCaptcha  = "captcha"
	ActionDelay    = "delay"
)

// SecurityAction records one automated or manual response step.
type SecurityAction struct {
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Automated   bool      `json:"automated"`
	Result      string    `json:"result"`
}
