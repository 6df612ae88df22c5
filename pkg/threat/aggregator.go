package threat

import (
	"sync"
	"time"

	"github.com/cinevault/shield/pkg/common"
	"github.com/cinevault/shield/pkg/types"
	"github.com/sirupsen/logrus"
)

// Level is the aggregate threat posture derived from recent alert volume.
type Level string

const (
	LevelNone     Level = "none"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Health is the coarse service status surfaced by the health endpoint.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Assessment is one aggregation result over the trailing window.
type Assessment struct {
	Level      Level          `json:"level"`
	Score      int            `json:"score"`
	AlertCount int            `json:"alert_count"`
	BySeverity map[string]int `json:"by_severity"`
	ByType     map[string]int `json:"by_type"`
	Health     Health         `json:"health"`
	WindowEnd  time.Time      `json:"window_end"`
}

// AlertSource provides the recent alerts to score. The alert bus satisfies
// this with its capped log.
type AlertSource interface {
	Since(t time.Time) []types.SecurityAlert
}

type Opts struct {
	TimeProvider func() time.Time
	Window       time.Duration
}

// Aggregator scores the trailing alert window into a single threat level.
// Severities weigh in at 10/5/2/1 for critical/high/medium/low; the summed
// score maps onto a level at fixed cut points.
type Aggregator struct {
	source AlertSource
	logger *logrus.Logger
	now    func() time.Time
	window time.Duration

	mu     sync.RWMutex
	latest Assessment
}

func NewAggregator(source AlertSource, logger *logrus.Logger, opts *Opts) *Aggregator {
	a := &Aggregator{
		source: source,
		logger: logger,
		now:    time.Now,
		window: common.ThreatWindow,
		latest: Assessment{
			Level:      LevelNone,
			Health:     HealthHealthy,
			BySeverity: map[string]int{},
			ByType:     map[string]int{},
		},
	}
	if opts != nil {
		if opts.TimeProvider != nil {
			a.now = opts.TimeProvider
		}
		if opts.Window > 0 {
			a.window = opts.Window
		}
	}
	return a
}

// Aggregate recomputes the assessment from the current window and caches it.
func (a *Aggregator) Aggregate() Assessment {
	now := a.now()
	alerts := a.source.Since(now.Add(-a.window))

	score := 0
	bySeverity := make(map[string]int)
	byType := make(map[string]int)
	for _, alert := range alerts {
		score += weight(alert.Severity)
		bySeverity[string(alert.Severity)]++
		byType[alert.Type]++
	}

	level := levelFor(score)
	assessment := Assessment{
		Level:      level,
		Score:      score,
		AlertCount: len(alerts),
		BySeverity: bySeverity,
		ByType:     byType,
		Health:     healthFor(level),
		WindowEnd:  now,
	}

	a.mu.Lock()
	a.latest = assessment
	a.mu.Unlock()

	if level != LevelNone {
		a.logger.WithFields(logrus.Fields{
			"level":  level,
			"score":  score,
			"alerts": len(alerts),
		}).Info("threat level assessed")
	}
	return assessment
}

// Latest returns the most recently computed assessment without rescoring.
func (a *Aggregator) Latest() Assessment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

func weight(s types.Severity) int {
	switch s {
	case types.SeverityCritical:
		return 10
	case types.SeverityHigh:
		return 5
	case types.SeverityMedium:
		return 2
	default:
		return 1
	}
}

func levelFor(score int) Level {
	switch {
	case score >= 50:
		return LevelCritical
	case score >= 20:
		return LevelHigh
	case score >= 10:
		return LevelMedium
	case score >= 5:
		return LevelLow
	default:
		return LevelNone
	}
}

func healthFor(l Level) Health {
	switch l {
	case LevelCritical, LevelHigh:
		return HealthCritical
	case LevelMedium:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
