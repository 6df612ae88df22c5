package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cinevault/shield/pkg/alert"
	"github.com/cinevault/shield/pkg/captcha"
	"github.com/cinevault/shield/pkg/common"
	"github.com/cinevault/shield/pkg/detector"
	"github.com/cinevault/shield/pkg/incident"
	"github.com/cinevault/shield/pkg/ledger"
	"github.com/cinevault/shield/pkg/policy"
	"github.com/cinevault/shield/pkg/protection"
	"github.com/cinevault/shield/pkg/ratelimit"
	"github.com/cinevault/shield/pkg/rules"
	"github.com/cinevault/shield/pkg/sanitize"
	"github.com/cinevault/shield/pkg/threat"
	"github.com/cinevault/shield/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	infraprometheus "github.com/cinevault/shield/pkg/infra/prometheus"
)

const incidentSubscriberID = "incident-manager"

// Engine wires the protection components together and is the single entry
// point the transport layer calls. Attempts flow through the brute-force
// path, requests through the rate-limit path; both feed the alert bus,
// which in turn feeds incidents and threat aggregation.
type Engine struct {
	logger  *logrus.Logger
	metrics *infraprometheus.Metrics

	bus             *alert.Bus
	attempts        *ledger.Ledger
	protectionRules *rules.Matcher[rules.ProtectionConfig]
	rateRules       *rules.Matcher[rules.RateLimitConfig]
	protector       *protection.Protector
	limiter         *ratelimit.Limiter
	challenges      *captcha.Manager
	detector        *detector.Detector
	policies        *policy.Engine
	incidents       *incident.Manager
	aggregator      *threat.Aggregator
}

type Opts struct {
	Metrics       *infraprometheus.Metrics
	Protection    *protection.Opts
	RateLimit     *ratelimit.Opts
	Captcha       *captcha.Opts
	Detector      *detector.Opts
	Incident      *incident.Opts
	Threat        *threat.Opts
	CaptchaVerify captcha.Verifier
}

func New(logger *logrus.Logger, redisClient *redis.Client, opts *Opts) *Engine {
	if opts == nil {
		opts = &Opts{}
	}
	verifier := opts.CaptchaVerify
	if verifier == nil {
		verifier = captcha.StaticVerifier{}
	}

	e := &Engine{
		logger:          logger,
		metrics:         opts.Metrics,
		bus:             alert.NewBus(logger),
		attempts:        ledger.New(common.AbuseLedgerCap),
		protectionRules: rules.NewMatcher[rules.ProtectionConfig](),
		rateRules:       rules.NewMatcher[rules.RateLimitConfig](),
	}

	e.protector = protection.NewProtector(logger, e.attempts, e.protectionRules, e.bus, opts.Protection)
	e.limiter = ratelimit.NewLimiter(redisClient, e.rateRules, e.bus, logger, opts.RateLimit)
	e.challenges = captcha.NewManager(logger, verifier, opts.Captcha)
	e.detector = detector.New(e.attempts, e, e.bus, logger, opts.Detector)
	e.policies = policy.NewEngine(logger, e)
	e.incidents = incident.NewManager(logger, e, opts.Incident)
	e.aggregator = threat.NewAggregator(e.bus, logger, opts.Threat)

	e.bus.Subscribe(incidentSubscriberID, e.onAlert)
	return e
}

// ReportAttempt evaluates one authentication-style attempt: protection
// decision, inline pattern scan, policy evaluation, and CAPTCHA issuance
// once the decision asks for one.
func (e *Engine) ReportAttempt(ctx context.Context, identifier, endpoint string, success bool, meta types.Metadata) types.ProtectionDecision {
	decision := e.protector.Evaluate(identifier, endpoint, success, meta)

	if e.metrics != nil {
		outcome := "allowed"
		if decision.Blocked {
			outcome = "blocked"
		}
		e.metrics.AttemptsTotal.WithLabelValues(endpoint, outcome).Inc()
		if decision.Blocked {
			e.metrics.LockoutsTotal.WithLabelValues(endpoint, string(decision.Severity)).Inc()
		}
	}

	e.detector.ScanIdentifier(ctx, identifier, endpoint)
	e.policies.Evaluate(attemptEvent(identifier, endpoint, decision, meta))

	if decision.RequiresCaptcha && e.challenges.Active(identifier) == nil {
		e.IssueChallenge(identifier, "standard")
	}
	return decision
}

// ReportRequest evaluates one request against the rate-limit path.
func (e *Engine) ReportRequest(ctx context.Context, identifier, endpoint string, success bool) types.RateDecision {
	decision := e.limiter.Allow(ctx, identifier, endpoint, success)
	if e.metrics != nil {
		outcome := "allowed"
		switch {
		case decision.Blocked:
			outcome = "blocked"
		case decision.Remaining == -1:
			outcome = "unrestricted"
		}
		e.metrics.RateDecisions.WithLabelValues(endpoint, outcome).Inc()
	}
	return decision
}

func attemptEvent(identifier, endpoint string, d types.ProtectionDecision, meta types.Metadata) types.SecurityEvent {
	eventType := types.AlertSuspiciousActivity
	if d.Blocked {
		eventType = types.AlertLockout
	}
	return types.SecurityEvent{
		Type:       eventType,
		Identifier: identifier,
		Endpoint:   endpoint,
		Severity:   d.Severity,
		Timestamp:  time.Now(),
		Metadata:   meta,
	}
}

// onAlert runs on the bus subscriber goroutine: metrics plus incident
// creation for qualifying alerts.
func (e *Engine) onAlert(a types.SecurityAlert) {
	if e.metrics != nil {
		e.metrics.AlertsTotal.WithLabelValues(a.Type, string(a.Severity)).Inc()
		if a.Type == types.AlertAttackDetected {
			e.metrics.DetectionsTotal.WithLabelValues(a.Metadata["pattern"]).Inc()
		}
	}
	if inc := e.incidents.FromAlert(a); inc != nil && e.metrics != nil {
		e.metrics.IncidentsTotal.WithLabelValues(inc.Type, string(inc.Severity)).Inc()
		e.metrics.OpenIncidents.Set(float64(len(e.incidents.List(incident.StatusOpen))))
	}
}

// Block satisfies the detector's responder contract.
func (e *Engine) Block(ctx context.Context, identifier string, duration time.Duration) error {
	return e.limiter.Block(ctx, identifier, duration)
}

// Challenge satisfies the detector's responder contract.
func (e *Engine) Challenge(identifier string) {
	e.IssueChallenge(identifier, "standard")
}

// BlockSource satisfies the incident responder contract.
func (e *Engine) BlockSource(identifier string, duration time.Duration) error {
	return e.limiter.Block(context.Background(), identifier, duration)
}

// Escalate satisfies the incident responder contract. It logs at error
// level rather than publishing: an escalation alert would feed back into
// incident creation.
func (e *Engine) Escalate(incidentID, title string, severity types.Severity) error {
	e.logger.WithFields(logrus.Fields{
		"incident_id": incidentID,
		"title":       title,
		"severity":    severity,
	}).Error("incident escalated")
	return nil
}

// Execute satisfies the policy engine's executor contract.
func (e *Engine) Execute(action string, ev types.SecurityEvent) types.SecurityAction {
	result := types.SecurityAction{
		Type:      action,
		Timestamp: time.Now(),
		Automated: true,
		Result:    types.ActionResultSuccess,
	}

	switch action {
	case types.ActionBlock:
		if err := e.limiter.Block(context.Background(), ev.Identifier, time.Hour); err != nil {
			result.Result = types.ActionResultFailed
		}
		result.Description = fmt.Sprintf("blocked %s for policy violation", ev.Identifier)
	case types.ActionAlert:
		e.bus.Publish(types.SecurityAlert{
			ID:          uuid.New().String(),
			Type:        types.AlertPolicyViolation,
			Severity:    ev.Severity,
			Identifier:  ev.Identifier,
			Endpoint:    ev.Endpoint,
			Description: fmt.Sprintf("policy violation on %s", ev.Endpoint),
			Timestamp:   time.Now(),
		})
		result.Description = "published policy violation alert"
	case types.ActionCaptcha:
		e.IssueChallenge(ev.Identifier, "standard")
		result.Description = fmt.Sprintf("issued challenge to %s", ev.Identifier)
	case types.ActionEscalate:
		e.logger.WithFields(logrus.Fields{
			"identifier": ev.Identifier,
			"endpoint":   ev.Endpoint,
		}).Error("policy escalation")
		result.Description = "escalated to on-call"
	case types.ActionLog:
		e.logger.WithFields(logrus.Fields{
			"identifier": ev.Identifier,
			"endpoint":   ev.Endpoint,
			"severity":   ev.Severity,
		}).Info("policy log action")
		result.Description = "logged event"
	case types.ActionDelay:
		// Advisory: the transport layer applies delays from the decision.
		result.Description = "delay advised"
	default:
		result.Result = types.ActionResultFailed
		result.Description = fmt.Sprintf("unknown action %q", action)
	}
	return result
}

// RegisterProtectionRule binds a protection config to an endpoint matcher.
func (e *Engine) RegisterProtectionRule(matcher rules.EndpointMatcher, cfg rules.ProtectionConfig) {
	e.protectionRules.Register(rules.Rule[rules.ProtectionConfig]{Matcher: matcher, Config: cfg})
}

// RegisterRateRule binds a rate-limit config to an endpoint matcher.
func (e *Engine) RegisterRateRule(matcher rules.EndpointMatcher, cfg rules.RateLimitConfig) {
	e.rateRules.Register(rules.Rule[rules.RateLimitConfig]{Matcher: matcher, Config: cfg})
}

// RegisterPattern adds an attack pattern to the detector.
func (e *Engine) RegisterPattern(p detector.Pattern) error {
	return e.detector.Register(p)
}

// RegisterPolicy adds or replaces a security policy.
func (e *Engine) RegisterPolicy(p policy.Policy) {
	e.policies.Register(p)
}

// ManualBlock imposes an operator block and publishes the audit alert.
func (e *Engine) ManualBlock(ctx context.Context, identifier string, duration time.Duration, reason string) error {
	if err := e.limiter.Block(ctx, identifier, duration); err != nil {
		return err
	}
	e.bus.Publish(types.SecurityAlert{
		ID:          uuid.New().String(),
		Type:        types.AlertManualBlock,
		Severity:    types.SeverityMedium,
		Identifier:  identifier,
		Description: fmt.Sprintf("manual block: %s", reason),
		Timestamp:   time.Now(),
		Metadata:    map[string]string{"duration": duration.String()},
	})
	return nil
}

// Unblock lifts an identifier-level block.
func (e *Engine) Unblock(ctx context.Context, identifier string) error {
	return e.limiter.Unblock(ctx, identifier)
}

// IsBlocked reports whether an identifier-level block is active.
func (e *Engine) IsBlocked(ctx context.Context, identifier string) (time.Duration, bool) {
	return e.limiter.IsBlocked(ctx, identifier)
}

// Reset clears attempt history, lockout and any live challenge for a key.
func (e *Engine) Reset(identifier, endpoint string) {
	e.protector.Reset(identifier, endpoint)
}

// IssueChallenge creates a CAPTCHA challenge for the identifier.
func (e *Engine) IssueChallenge(identifier, challengeType string) *captcha.Challenge {
	ch := e.challenges.Issue(identifier, challengeType)
	if e.metrics != nil {
		e.metrics.ChallengesIssued.Inc()
	}
	return ch
}

// VerifyChallenge checks a challenge response against the identifier's
// active challenge.
func (e *Engine) VerifyChallenge(identifier, response string) bool {
	ok := e.challenges.Verify(identifier, response)
	if ok && e.metrics != nil {
		e.metrics.ChallengesSolved.Inc()
	}
	return ok
}

// ActiveChallenge returns the live challenge for an identifier, if any.
func (e *Engine) ActiveChallenge(identifier string) *captcha.Challenge {
	return e.challenges.Active(identifier)
}

// Classify runs input classification.
func (e *Engine) Classify(input string) sanitize.Result {
	return sanitize.Classify(input)
}

// Incidents lists incidents, optionally filtered by status.
func (e *Engine) Incidents(status incident.Status) []incident.Incident {
	return e.incidents.List(status)
}

// ResolveIncident closes an incident, reporting whether it existed and was
// still open.
func (e *Engine) ResolveIncident(id, resolution string) bool {
	ok := e.incidents.Resolve(id, resolution)
	if ok && e.metrics != nil {
		e.metrics.OpenIncidents.Set(float64(len(e.incidents.List(incident.StatusOpen))))
	}
	return ok
}

// TransitionIncident moves an incident through its lifecycle.
func (e *Engine) TransitionIncident(id string, to incident.Status) bool {
	return e.incidents.Transition(id, to)
}

// ThreatAssessment returns the latest cached threat assessment.
func (e *Engine) ThreatAssessment() threat.Assessment {
	return e.aggregator.Latest()
}

// RecentAlerts returns up to n recent alerts, newest first.
func (e *Engine) RecentAlerts(n int) []types.SecurityAlert {
	return e.bus.Recent(n)
}

// Subscribe registers an alert handler under an id.
func (e *Engine) Subscribe(id string, handler alert.Handler) {
	e.bus.Subscribe(id, handler)
}

// Unsubscribe removes an alert handler.
func (e *Engine) Unsubscribe(id string) {
	e.bus.Unsubscribe(id)
}

// Patterns returns the registered attack patterns.
func (e *Engine) Patterns() []detector.Pattern {
	return e.detector.Patterns()
}

// Policies returns the registered security policies.
func (e *Engine) Policies() []policy.Policy {
	return e.policies.Policies()
}

// DetectionSweep runs the cross-identifier pattern scan once.
func (e *Engine) DetectionSweep(ctx context.Context) []detector.Detection {
	return e.detector.ScanAll(ctx)
}

// AggregateThreat recomputes the threat assessment once.
func (e *Engine) AggregateThreat() threat.Assessment {
	assessment := e.aggregator.Aggregate()
	if e.metrics != nil {
		e.metrics.ThreatScore.Set(float64(assessment.Score))
	}
	return assessment
}

// MaintenanceSweep evicts everything past retention: old attempts, expired
// lockouts and challenges, stale detector suppressions, and open incidents
// past the auto-resolve age.
func (e *Engine) MaintenanceSweep() {
	start := time.Now()

	purgedAttempts := e.attempts.PurgeOlderThan(time.Now().Add(-common.AttemptRetention))
	purgedLockouts := e.protector.PurgeExpiredLockouts()
	purgedChallenges := e.challenges.PurgeExpired()
	resolvedIncidents := e.incidents.AutoResolveOlderThan(common.IncidentMaxAge)
	e.detector.PruneSuppressions()

	if e.metrics != nil {
		e.metrics.PurgedEntriesTotal.WithLabelValues("attempts").Add(float64(purgedAttempts))
		e.metrics.PurgedEntriesTotal.WithLabelValues("lockouts").Add(float64(purgedLockouts))
		e.metrics.PurgedEntriesTotal.WithLabelValues("challenges").Add(float64(purgedChallenges))
		e.metrics.PurgedEntriesTotal.WithLabelValues("incidents").Add(float64(resolvedIncidents))
		e.metrics.SweepDuration.WithLabelValues("maintenance").Observe(time.Since(start).Seconds())
	}

	e.logger.WithFields(logrus.Fields{
		"attempts":   purgedAttempts,
		"lockouts":   purgedLockouts,
		"challenges": purgedChallenges,
		"incidents":  resolvedIncidents,
	}).Debug("maintenance sweep completed")
}

// Close shuts down the alert bus; pending deliveries drain first.
func (e *Engine) Close() {
	e.bus.Close()
}
