package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's instrumentation. All collectors register on
// the provided registry so tests can use isolated registries.
type Metrics struct {
	Registry *prometheus.Registry

	AttemptsTotal      *prometheus.CounterVec
	LockoutsTotal      *prometheus.CounterVec
	RateDecisions      *prometheus.CounterVec
	AlertsTotal        *prometheus.CounterVec
	DetectionsTotal    *prometheus.CounterVec
	IncidentsTotal     *prometheus.CounterVec
	ChallengesIssued   prometheus.Counter
	ChallengesSolved   prometheus.Counter
	OpenIncidents      prometheus.Gauge
	ThreatScore        prometheus.Gauge
	SweepDuration      *prometheus.HistogramVec
	PurgedEntriesTotal *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_attempts_total",
			Help: "Attempts evaluated by the protection path.",
		}, []string{"endpoint", "outcome"}),
		LockoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_lockouts_total",
			Help: "Lockouts imposed, by endpoint and severity.",
		}, []string{"endpoint", "severity"}),
		RateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_rate_decisions_total",
			Help: "Rate limit decisions, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_alerts_total",
			Help: "Security alerts published, by type and severity.",
		}, []string{"type", "severity"}),
		DetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_detections_total",
			Help: "Attack pattern detections, by pattern type.",
		}, []string{"pattern"}),
		IncidentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_incidents_total",
			Help: "Incidents created, by type and severity.",
		}, []string{"type", "severity"}),
		ChallengesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "shield_challenges_issued_total",
			Help: "CAPTCHA challenges issued.",
		}),
		ChallengesSolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "shield_challenges_solved_total",
			Help: "CAPTCHA challenges solved.",
		}),
		OpenIncidents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shield_open_incidents",
			Help: "Incidents currently in the open state.",
		}),
		ThreatScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shield_threat_score",
			Help: "Latest aggregated threat score.",
		}),
		SweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shield_sweep_duration_seconds",
			Help:    "Duration of background sweeps.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		PurgedEntriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shield_purged_entries_total",
			Help: "Entries removed by the maintenance sweep, by kind.",
		}, []string{"kind"}),
	}
}
