package protection

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cinevault/shield/pkg/alert"
	"github.com/cinevault/shield/pkg/ledger"
	"github.com/cinevault/shield/pkg/rules"
	"github.com/cinevault/shield/pkg/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const lockoutShards = 32

// LockoutScale maps a failure overshoot to a lockout duration multiplier.
// The default escalates linearly and caps at 5x.
type LockoutScale func(failedCount, maxAttempts int) float64

func DefaultLockoutScale(failedCount, maxAttempts int) float64 {
	return math.Min(5, 1+0.5*float64(failedCount-maxAttempts))
}

type Opts struct {
	TimeProvider    func() time.Time
	JitterProvider  func() time.Duration
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DelayMultiplier float64
	LockoutScale    LockoutScale
}

// Protector implements the progressive brute-force protection path:
// whitelist short-circuit, lockout check, windowed failure counting,
// escalating lockouts, CAPTCHA thresholds and progressive delay.
type Protector struct {
	logger    *logrus.Logger
	ledger    *ledger.Ledger
	configs   *rules.Matcher[rules.ProtectionConfig]
	publisher alert.Publisher

	now             func() time.Time
	jitter          func() time.Duration
	baseDelay       time.Duration
	maxDelay        time.Duration
	delayMultiplier float64
	lockoutScale    LockoutScale

	lockouts [lockoutShards]lockoutShard
}

type lockoutShard struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func NewProtector(
	logger *logrus.Logger,
	attemptLedger *ledger.Ledger,
	configs *rules.Matcher[rules.ProtectionConfig],
	publisher alert.Publisher,
	opts *Opts,
) *Protector {
	p := &Protector{
		logger:          logger,
		ledger:          attemptLedger,
		configs:         configs,
		publisher:       publisher,
		now:             time.Now,
		jitter:          defaultJitter,
		baseDelay:       time.Second,
		maxDelay:        30 * time.Second,
		delayMultiplier: 2.0,
		lockoutScale:    DefaultLockoutScale,
	}
	if opts != nil {
		if opts.TimeProvider != nil {
			p.now = opts.TimeProvider
		}
		if opts.JitterProvider != nil {
			p.jitter = opts.JitterProvider
		}
		if opts.BaseDelay > 0 {
			p.baseDelay = opts.BaseDelay
		}
		if opts.MaxDelay > 0 {
			p.maxDelay = opts.MaxDelay
		}
		if opts.DelayMultiplier > 0 {
			p.delayMultiplier = opts.DelayMultiplier
		}
		if opts.LockoutScale != nil {
			p.lockoutScale = opts.LockoutScale
		}
	}
	for i := range p.lockouts {
		p.lockouts[i].expires = make(map[string]time.Time)
	}
	return p
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(time.Second))) // #nosec G404
}

func lockoutKey(identifier, endpoint string) string {
	return identifier + "\x00" + endpoint
}

func (p *Protector) lockoutShardFor(k string) *lockoutShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return &p.lockouts[h.Sum32()%lockoutShards]
}

// Evaluate decides the protection outcome for one attempt. It records the
// attempt unless an active lockout or the whitelist short-circuits first.
// The protection engine fails open: an internal fault yields the most
// permissive safe decision instead of denying a legitimate request.
func (p *Protector) Evaluate(identifier, endpoint string, success bool, meta types.Metadata) (decision types.ProtectionDecision) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"identifier": identifier,
				"endpoint":   endpoint,
				"panic":      r,
			}).Error("protection evaluation fault, failing open")
			decision = types.ProtectionDecision{Blocked: false, RemainingAttempts: -1, Severity: types.SeverityLow}
		}
	}()

	cfg, ok := p.configs.Resolve(endpoint)
	if !ok {
		// No config means unrestricted access, not an error.
		return types.ProtectionDecision{Blocked: false, RemainingAttempts: -1, Severity: types.SeverityLow}
	}

	if meta.NetworkAddress != "" && contains(cfg.WhitelistedAddresses, meta.NetworkAddress) {
		return types.ProtectionDecision{
			Blocked:           false,
			RemainingAttempts: cfg.MaxAttempts,
			RequiresCaptcha:   false,
			DelayMs:           0,
			Severity:          types.SeverityLow,
		}
	}

	now := p.now()

	if expiry, locked := p.activeLockout(identifier, endpoint, now); locked {
		e := expiry
		return types.ProtectionDecision{
			Blocked:           true,
			RemainingAttempts: 0,
			LockoutExpiry:     &e,
			RequiresCaptcha:   true,
			Severity:          types.SeverityHigh,
		}
	}

	p.ledger.Record(types.Attempt{
		Identifier:      identifier,
		Endpoint:        endpoint,
		Timestamp:       now,
		Success:         success,
		NetworkAddress:  meta.NetworkAddress,
		ClientSignature: meta.ClientSignature,
	})

	failedCount := p.ledger.CountFailed(identifier, endpoint, cfg.TimeWindow, now)
	severity := severityForRatio(failedCount, cfg.MaxAttempts)
	remaining := cfg.MaxAttempts - failedCount
	if remaining < 0 {
		remaining = 0
	}

	if failedCount >= cfg.MaxAttempts {
		duration := time.Duration(float64(cfg.LockoutDuration) * p.lockoutScale(failedCount, cfg.MaxAttempts))
		expiry := now.Add(duration)
		p.setLockout(identifier, endpoint, expiry)

		p.publish(types.SecurityAlert{
			ID:         uuid.New().String(),
			Type:       types.AlertLockout,
			Severity:   severity,
			Identifier: identifier,
			Endpoint:   endpoint,
			Description: fmt.Sprintf("identifier locked out after %d failed attempts (limit %d)",
				failedCount, cfg.MaxAttempts),
			Timestamp: now,
			Metadata:  alertMetadata(meta, map[string]string{"lockout_duration": duration.String()}),
		})

		return types.ProtectionDecision{
			Blocked:           true,
			RemainingAttempts: 0,
			LockoutExpiry:     &expiry,
			RequiresCaptcha:   true,
			Severity:          severity,
		}
	}

	var delayMs int64
	if cfg.ProgressiveDelayEnabled && failedCount > 0 {
		delayMs = p.progressiveDelay(failedCount).Milliseconds()
	}

	if cfg.AlertThreshold > 0 && failedCount >= cfg.AlertThreshold {
		p.publish(types.SecurityAlert{
			ID:         uuid.New().String(),
			Type:       types.AlertSuspiciousActivity,
			Severity:   severity,
			Identifier: identifier,
			Endpoint:   endpoint,
			Description: fmt.Sprintf("%d failed attempts within window (alert threshold %d)",
				failedCount, cfg.AlertThreshold),
			Timestamp: now,
			Metadata:  alertMetadata(meta, nil),
		})
	}

	return types.ProtectionDecision{
		Blocked:           false,
		RemainingAttempts: remaining,
		RequiresCaptcha:   cfg.CaptchaThreshold > 0 && failedCount >= cfg.CaptchaThreshold,
		DelayMs:           delayMs,
		Severity:          severity,
	}
}

// progressiveDelay grows exponentially with the failure count, capped at
// maxDelay, plus up to one second of jitter.
func (p *Protector) progressiveDelay(failedCount int) time.Duration {
	base := float64(p.baseDelay) * math.Pow(p.delayMultiplier, float64(failedCount-1))
	capped := math.Min(float64(p.maxDelay), base)
	return time.Duration(capped) + p.jitter()
}

func severityForRatio(failedCount, maxAttempts int) types.Severity {
	if maxAttempts <= 0 {
		return types.SeverityLow
	}
	ratio := float64(failedCount) / float64(maxAttempts)
	switch {
	case ratio >= 2:
		return types.SeverityCritical
	case ratio >= 1.5:
		return types.SeverityHigh
	case ratio >= 1:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func (p *Protector) activeLockout(identifier, endpoint string, now time.Time) (time.Time, bool) {
	k := lockoutKey(identifier, endpoint)
	s := p.lockoutShardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.expires[k]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(expiry) {
		// Expiry comparison at read time keeps correctness independent of
		// sweep timing. A fresh window starts at zero failures.
		delete(s.expires, k)
		p.ledger.Reset(identifier, endpoint)
		return time.Time{}, false
	}
	return expiry, true
}

func (p *Protector) setLockout(identifier, endpoint string, expiry time.Time) {
	k := lockoutKey(identifier, endpoint)
	s := p.lockoutShardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[k] = expiry
}

// Reset clears the attempt history and any lockout for the key.
func (p *Protector) Reset(identifier, endpoint string) {
	p.ledger.Reset(identifier, endpoint)
	k := lockoutKey(identifier, endpoint)
	s := p.lockoutShardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, k)
}

// PurgeExpiredLockouts drops lockouts past expiry, clearing the attempt
// window for each expired key. Returns count removed.
func (p *Protector) PurgeExpiredLockouts() int {
	now := p.now()
	removed := 0
	var expired []string
	for i := range p.lockouts {
		s := &p.lockouts[i]
		s.mu.Lock()
		for k, expiry := range s.expires {
			if !now.Before(expiry) {
				delete(s.expires, k)
				expired = append(expired, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	for _, k := range expired {
		if identifier, endpoint, ok := strings.Cut(k, "\x00"); ok {
			p.ledger.Reset(identifier, endpoint)
		}
	}
	return removed
}

func (p *Protector) publish(a types.SecurityAlert) {
	if p.publisher != nil {
		p.publisher.Publish(a)
	}
}

func alertMetadata(meta types.Metadata, extra map[string]string) map[string]string {
	out := make(map[string]string)
	if meta.NetworkAddress != "" {
		out["network_address"] = meta.NetworkAddress
	}
	if meta.ClientSignature != "" {
		out["client_signature"] = meta.ClientSignature
	}
	if meta.UserID != "" {
		out["user_id"] = meta.UserID
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
