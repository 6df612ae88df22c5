package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cinevault/shield/pkg/alert"
	"github.com/cinevault/shield/pkg/common"
	"github.com/cinevault/shield/pkg/rules"
	"github.com/cinevault/shield/pkg/types"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	requestKey   = "rate:req:%s:%s"  // endpoint, identifier
	failureKey   = "rate:fail:%s:%s" // endpoint, identifier
	blockKey     = "rate:block:%s"   // identifier
	violationKey = "rate:viol:%s"    // identifier

	maxBlockDuration = 24 * time.Hour
	maxAdaptive      = 4.0
)

// BlockScale maps violation history to a block duration. The default
// grows logarithmically with repeated violations and doubles when more
// than half the windowed requests failed, capped at 24 hours.
type BlockScale func(window time.Duration, violations int64, failureRate float64) time.Duration

func DefaultBlockScale(window time.Duration, violations int64, failureRate float64) time.Duration {
	if violations < 1 {
		violations = 1
	}
	d := time.Duration(float64(window) * (1 + math.Log2(float64(violations))))
	if failureRate > 0.5 {
		d *= 2
	}
	if d > maxBlockDuration {
		d = maxBlockDuration
	}
	return d
}

type Opts struct {
	TimeProvider func() time.Time
	UUIDProvider func() uuid.UUID
	BlockScale   BlockScale
}

// Limiter is the sliding-window rate-limit path. Request history lives in
// redis sorted sets scored by unix time; identifier-level blocks are keys
// with a TTL. The limiter fails open: a redis fault is logged and the
// request is allowed.
type Limiter struct {
	redis      *redis.Client
	rules      *rules.Matcher[rules.RateLimitConfig]
	publisher  alert.Publisher
	logger     *logrus.Logger
	now        func() time.Time
	newUUID    func() uuid.UUID
	blockScale BlockScale
}

func NewLimiter(
	redisClient *redis.Client,
	ruleMatcher *rules.Matcher[rules.RateLimitConfig],
	publisher alert.Publisher,
	logger *logrus.Logger,
	opts *Opts,
) *Limiter {
	l := &Limiter{
		redis:      redisClient,
		rules:      ruleMatcher,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
		newUUID:    uuid.New,
		blockScale: DefaultBlockScale,
	}
	if opts != nil {
		if opts.TimeProvider != nil {
			l.now = opts.TimeProvider
		}
		if opts.UUIDProvider != nil {
			l.newUUID = opts.UUIDProvider
		}
		if opts.BlockScale != nil {
			l.blockScale = opts.BlockScale
		}
	}
	return l
}

// Allow decides the rate-limit outcome for one request. A miss in the rule
// table is an explicit unrestricted-allow decision (Remaining == -1).
func (l *Limiter) Allow(ctx context.Context, identifier, endpoint string, success bool) types.RateDecision {
	now := l.now()

	cfg, ok := l.rules.Resolve(endpoint)
	if !ok {
		return types.RateDecision{Remaining: -1, ResetAt: now, Blocked: false}
	}

	if retryAfter, blocked := l.blockedFor(ctx, identifier); blocked {
		return types.RateDecision{
			Blocked:    true,
			Remaining:  0,
			Total:      cfg.MaxRequests,
			ResetAt:    now.Add(retryAfter),
			RetryAfter: int64(retryAfter.Seconds()),
		}
	}

	windowStart := now.Add(-cfg.Window).Unix()
	reqKey := fmt.Sprintf(requestKey, endpoint, identifier)
	failKey := fmt.Sprintf(failureKey, endpoint, identifier)

	currentCount, err := l.redis.ZCount(ctx, reqKey,
		strconv.FormatInt(windowStart, 10),
		strconv.FormatInt(now.Unix(), 10)).Result()
	if err != nil {
		return l.failOpen(identifier, endpoint, err)
	}

	recentFailures, err := l.redis.ZCount(ctx, failKey,
		strconv.FormatInt(windowStart, 10),
		strconv.FormatInt(now.Unix(), 10)).Result()
	if err != nil {
		return l.failOpen(identifier, endpoint, err)
	}

	multiplier := 1.0
	if cfg.AdaptiveEnabled && cfg.AdaptiveThreshold > 0 && recentFailures >= int64(cfg.AdaptiveThreshold) {
		multiplier = math.Min(maxAdaptive, 1+0.5*float64(recentFailures-int64(cfg.AdaptiveThreshold)))
	}
	effectiveLimit := int(math.Floor(float64(cfg.MaxRequests) / multiplier))
	if effectiveLimit < 1 {
		effectiveLimit = 1
	}

	if currentCount >= int64(effectiveLimit) {
		return l.block(ctx, identifier, endpoint, cfg, currentCount, recentFailures, multiplier, now)
	}

	if err := l.record(ctx, reqKey, failKey, cfg, success, windowStart, now); err != nil {
		return l.failOpen(identifier, endpoint, err)
	}

	return types.RateDecision{
		Blocked:            false,
		Remaining:          effectiveLimit - int(currentCount) - 1,
		Total:              effectiveLimit,
		ResetAt:            now.Add(cfg.Window),
		AdaptiveMultiplier: multiplier,
	}
}

func (l *Limiter) record(
	ctx context.Context,
	reqKey, failKey string,
	cfg rules.RateLimitConfig,
	success bool,
	windowStart int64,
	now time.Time,
) error {
	if (success && cfg.SkipSuccessful) || (!success && cfg.SkipFailed) {
		return nil
	}

	member := fmt.Sprintf("%d:%s", now.Unix(), l.newUUID().String())
	pipe := l.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, reqKey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, reqKey, &redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.ZRemRangeByRank(ctx, reqKey, 0, int64(-(common.RawLedgerCap + 1)))
	pipe.Expire(ctx, reqKey, cfg.Window)
	if !success {
		pipe.ZAdd(ctx, failKey, &redis.Z{Score: float64(now.Unix()), Member: member})
		pipe.Expire(ctx, failKey, cfg.Window)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (l *Limiter) block(
	ctx context.Context,
	identifier, endpoint string,
	cfg rules.RateLimitConfig,
	currentCount, recentFailures int64,
	multiplier float64,
	now time.Time,
) types.RateDecision {
	violations, err := l.redis.Incr(ctx, fmt.Sprintf(violationKey, identifier)).Result()
	if err != nil {
		return l.failOpen(identifier, endpoint, err)
	}
	if err := l.redis.Expire(ctx, fmt.Sprintf(violationKey, identifier), maxBlockDuration).Err(); err != nil {
		return l.failOpen(identifier, endpoint, err)
	}

	failureRate := 0.0
	if currentCount > 0 {
		failureRate = float64(recentFailures) / float64(currentCount)
	}
	duration := l.blockScale(cfg.Window, violations, failureRate)

	if err := l.redis.Set(ctx, fmt.Sprintf(blockKey, identifier), "1", duration).Err(); err != nil {
		return l.failOpen(identifier, endpoint, err)
	}

	if l.publisher != nil {
		l.publisher.Publish(types.SecurityAlert{
			ID:         l.newUUID().String(),
			Type:       types.AlertRateLimitBlock,
			Severity:   types.SeverityMedium,
			Identifier: identifier,
			Endpoint:   endpoint,
			Description: fmt.Sprintf("rate limit exceeded: %d requests in window (limit %d)",
				currentCount, cfg.MaxRequests),
			Timestamp: now,
			Metadata: map[string]string{
				"violations":     strconv.FormatInt(violations, 10),
				"block_duration": duration.String(),
			},
		})
	}

	return types.RateDecision{
		Blocked:            true,
		Remaining:          0,
		Total:              cfg.MaxRequests,
		ResetAt:            now.Add(duration),
		RetryAfter:         int64(duration.Seconds()),
		AdaptiveMultiplier: multiplier,
	}
}

func (l *Limiter) blockedFor(ctx context.Context, identifier string) (time.Duration, bool) {
	ttl, err := l.redis.TTL(ctx, fmt.Sprintf(blockKey, identifier)).Result()
	if err != nil {
		l.logger.WithError(err).WithField("identifier", identifier).
			Error("failed to check block state, failing open")
		return 0, false
	}
	if ttl > 0 {
		return ttl, true
	}
	return 0, false
}

// Block imposes a manual identifier-level block.
func (l *Limiter) Block(ctx context.Context, identifier string, duration time.Duration) error {
	return l.redis.Set(ctx, fmt.Sprintf(blockKey, identifier), "1", duration).Err()
}

// Unblock lifts a block and clears the violation counter.
func (l *Limiter) Unblock(ctx context.Context, identifier string) error {
	pipe := l.redis.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(blockKey, identifier))
	pipe.Del(ctx, fmt.Sprintf(violationKey, identifier))
	_, err := pipe.Exec(ctx)
	return err
}

// IsBlocked reports whether an identifier-level block is active.
func (l *Limiter) IsBlocked(ctx context.Context, identifier string) (time.Duration, bool) {
	return l.blockedFor(ctx, identifier)
}

// failOpen logs the fault and allows the request: the protection engine
// must never escalate its own errors into denying a legitimate user.
func (l *Limiter) failOpen(identifier, endpoint string, err error) types.RateDecision {
	l.logger.WithError(err).WithFields(logrus.Fields{
		"identifier": identifier,
		"endpoint":   endpoint,
	}).Error("rate limit evaluation fault, failing open")
	return types.RateDecision{Remaining: -1, ResetAt: l.now(), Blocked: false}
}
