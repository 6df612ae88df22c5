package common

import "time"

const (
	// Per-key caps for the attempt ledgers. Oldest entries are evicted
	// first so memory stays bounded under sustained attack.
	AbuseLedgerCap = 100
	RawLedgerCap   = 1000

	// Horizon past which attempts, lockouts and open incidents are
	// considered stale.
	AttemptRetention  = 24 * time.Hour
	IncidentMaxAge    = 24 * time.Hour
	ChallengeTTL      = 5 * time.Minute
	ChallengeAttempts = 3

	// Background cadences.
	DetectionSweepInterval   = 30 * time.Second
	MaintenanceSweepInterval = 5 * time.Minute
	ThreatAggregateInterval  = 5 * time.Minute
	ThreatWindow             = time.Hour

	// Capped alert history retained for the admin API.
	AlertLogCap = 1000

	IdentifierHeader = "X-Identifier"
	UserIDHeader     = "X-User-Id"
)
