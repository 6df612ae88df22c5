package detector_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cinevault/shield/pkg/common"
	"github.com/cinevault/shield/pkg/detector"
	"github.com/cinevault/shield/pkg/ledger"
	"github.com/cinevault/shield/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponder struct {
	mu         sync.Mutex
	blocked    []string
	challenged []string
}

func (f *fakeResponder) Block(_ context.Context, identifier string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, identifier)
	return nil
}

func (f *fakeResponder) Challenge(identifier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenged = append(f.challenged, identifier)
}

type capturedAlerts struct {
	mu     sync.Mutex
	alerts []types.SecurityAlert
}

func (c *capturedAlerts) Publish(a types.SecurityAlert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
}

func (c *capturedAlerts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newDetector(now time.Time) (*detector.Detector, *ledger.Ledger, *fakeResponder, *capturedAlerts) {
	led := ledger.New(common.AbuseLedgerCap)
	r := &fakeResponder{}
	alerts := &capturedAlerts{}
	d := detector.New(led, r, alerts, silentLogger(), &detector.Opts{
		TimeProvider: func() time.Time { return now },
	})
	return d, led, r, alerts
}

func record(l *ledger.Ledger, identifier, endpoint string, n int, success bool, at time.Time) {
	for i := 0; i < n; i++ {
		l.Record(types.Attempt{
			Identifier: identifier,
			Endpoint:   endpoint,
			Timestamp:  at,
			Success:    success,
		})
	}
}

func TestDetector_BruteForceTripsOnFailures(t *testing.T) {
	now := time.Now()
	d, led, r, alerts := newDetector(now)
	require.NoError(t, d.Register(detector.Pattern{
		Name: "bf", Type: detector.PatternBruteForce,
		Threshold: 10, Window: 5 * time.Minute, Action: types.ActionBlock,
	}))

	record(led, "user1", "login", 9, false, now.Add(-time.Minute))
	assert.Empty(t, d.ScanIdentifier(context.Background(), "user1", "login"))

	record(led, "user1", "login", 1, false, now.Add(-time.Minute))
	dets := d.ScanIdentifier(context.Background(), "user1", "login")
	require.Len(t, dets, 1)
	assert.Equal(t, 10, dets[0].Count)
	assert.Equal(t, types.SeverityHigh, dets[0].Severity)
	assert.Equal(t, []string{"user1"}, r.blocked)
	assert.Equal(t, 1, alerts.count())
	assert.Equal(t, types.AlertAttackDetected, alerts.alerts[0].Type)
}

func TestDetector_SuccessesDoNotTripBruteForce(t *testing.T) {
	now := time.Now()
	d, led, _, _ := newDetector(now)
	require.NoError(t, d.Register(detector.Pattern{
		Name: "bf", Type: detector.PatternBruteForce,
		Threshold: 5, Window: 5 * time.Minute, Action: types.ActionAlert,
	}))

	record(led, "user1", "login", 20, true, now.Add(-time.Minute))
	assert.Empty(t, d.ScanIdentifier(context.Background(), "user1", "login"))
}

func TestDetector_ScrapingCountsSuccesses(t *testing.T) {
	now := time.Now()
	d, led, r, _ := newDetector(now)
	require.NoError(t, d.Register(detector.Pattern{
		Name: "scrape", Type: detector.PatternScraping,
		Threshold: 50, Window: time.Minute, Action: types.ActionCaptcha,
	}))

	record(led, "bot7", "listings", 50, true, now.Add(-10*time.Second))
	dets := d.ScanIdentifier(context.Background(), "bot7", "listings")
	require.Len(t, dets, 1)
	assert.Equal(t, types.SeverityMedium, dets[0].Severity)
	assert.Equal(t, []string{"bot7"}, r.challenged)
	assert.Empty(t, r.blocked)
}

func TestDetector_DDoSCountsEverything(t *testing.T) {
	now := time.Now()
	d, led, _, _ := newDetector(now)
	require.NoError(t, d.Register(detector.Pattern{
		Name: "flood", Type: detector.PatternDDoS,
		Threshold: 10, Window: time.Minute, Action: types.ActionAlert,
	}))

	record(led, "addr9", "search", 5, true, now.Add(-time.Second))
	record(led, "addr9", "search", 5, false, now.Add(-time.Second))
	dets := d.ScanIdentifier(context.Background(), "addr9", "search")
	require.Len(t, dets, 1)
	assert.Equal(t, 10, dets[0].Count)
}

func TestDetector_DoubleThresholdEscalatesSeverity(t *testing.T) {
	now := time.Now()
	d, led, _, _ := newDetector(now)
	require.NoError(t, d.Register(detector.Pattern{
		Name: "bf", Type: detector.PatternBruteForce,
		Threshold: 5, Window: time.Minute, Action: types.ActionAlert,
	}))

	record(led, "user1", "login", 10, false, now.Add(-time.Second))
	dets := d.ScanIdentifier(context.Background(), "user1", "login")
	require.Len(t, dets, 1)
	assert.Equal(t, types.SeverityCritical, dets[0].Severity)
}

func TestDetector_RepeatDetectionSuppressedWithinWindow(t *testing.T) {
	now := time.Now()
	d, led, _, alerts := newDetector(now)
	require.NoError(t, d.Register(detector.Pattern{
		Name: "bf", Type: detector.PatternBruteForce,
		Threshold: 5, Window: time.Minute, Action: types.ActionAlert,
	}))

	record(led, "user1", "login", 5, false, now.Add(-time.Second))
	require.Len(t, d.ScanIdentifier(context.Background(), "user1", "login"), 1)

	record(led, "user1", "login", 1, false, now.Add(-time.Second))
	assert.Empty(t, d.ScanIdentifier(context.Background(), "user1", "login"))
	assert.Equal(t, 1, alerts.count())
}

func TestDetector_SweepFindsEnumerationAcrossIdentifiers(t *testing.T) {
	now := time.Now()
	d, led, _, alerts := newDetector(now)
	require.NoError(t, d.Register(detector.Pattern{
		Name: "enum", Type: detector.PatternEnumeration,
		Threshold: 5, Window: 10 * time.Minute, Action: types.ActionAlert,
	}))

	for i := 0; i < 5; i++ {
		record(led, fmt.Sprintf("probe%d", i), "password-reset", 1, false, now.Add(-time.Minute))
	}

	dets := d.ScanAll(context.Background())
	require.Len(t, dets, 1)
	assert.Equal(t, "", dets[0].Identifier)
	assert.Equal(t, "password-reset", dets[0].Endpoint)
	assert.Equal(t, 5, dets[0].Count)
	require.Equal(t, 1, alerts.count())
	assert.Equal(t, "enum", alerts.alerts[0].Metadata["pattern"])
}

func TestDetector_SweepBelowEnumerationThresholdIsQuiet(t *testing.T) {
	now := time.Now()
	d, led, _, _ := newDetector(now)
	require.NoError(t, d.Register(detector.Pattern{
		Name: "enum", Type: detector.PatternEnumeration,
		Threshold: 5, Window: 10 * time.Minute, Action: types.ActionAlert,
	}))

	// Four distinct identifiers plus repeats from one of them.
	for i := 0; i < 4; i++ {
		record(led, fmt.Sprintf("probe%d", i), "password-reset", 3, false, now.Add(-time.Minute))
	}
	assert.Empty(t, d.ScanAll(context.Background()))
}

func TestDetector_SweepCoversPerIdentifierPatterns(t *testing.T) {
	now := time.Now()
	d, led, r, _ := newDetector(now)
	require.NoError(t, d.Register(detector.Pattern{
		Name: "bf", Type: detector.PatternBruteForce,
		Threshold: 5, Window: time.Minute, Action: types.ActionBlock,
	}))

	record(led, "user1", "login", 6, false, now.Add(-time.Second))
	record(led, "user2", "login", 2, false, now.Add(-time.Second))

	dets := d.ScanAll(context.Background())
	require.Len(t, dets, 1)
	assert.Equal(t, "user1", dets[0].Identifier)
	assert.Equal(t, []string{"user1"}, r.blocked)
}

func TestDetector_RegisterValidation(t *testing.T) {
	d, _, _, _ := newDetector(time.Now())
	assert.Error(t, d.Register(detector.Pattern{Name: "bad", Type: detector.PatternDDoS, Threshold: 0, Window: time.Minute}))
	assert.Error(t, d.Register(detector.Pattern{Name: "bad", Type: "unknown", Threshold: 1, Window: time.Minute}))
	assert.NoError(t, d.Register(detector.Pattern{Name: "ok", Type: detector.PatternDDoS, Threshold: 1, Window: time.Minute, Action: types.ActionAlert}))

	replacement := detector.Pattern{Name: "ok", Type: detector.PatternScraping, Threshold: 2, Window: time.Minute, Action: types.ActionAlert}
	require.NoError(t, d.Register(replacement))
	require.Len(t, d.Patterns(), 1)
	assert.Equal(t, detector.PatternScraping, d.Patterns()[0].Type)
}
