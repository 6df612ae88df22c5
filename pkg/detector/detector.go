package detector

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cinevault/shield/pkg/alert"
	"github.com/cinevault/shield/pkg/ledger"
	"github.com/cinevault/shield/pkg/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Pattern types the detector recognizes.
const (
	PatternBruteForce  = "brute_force"
	PatternDDoS        = "ddos"
	PatternEnumeration = "enumeration"
	PatternScraping    = "scraping"
)

// Pattern describes one attack signature: how many qualifying attempts
// within the window trip it, and which automated action follows.
type Pattern struct {
	Name      string        `mapstructure:"name" json:"name"`
	Type      string        `mapstructure:"type" json:"type"`
	Threshold int           `mapstructure:"threshold" json:"threshold"`
	Window    time.Duration `mapstructure:"window" json:"window"`
	Action    string        `mapstructure:"action" json:"action"`
}

// Detection is one tripped pattern. Identifier is empty for endpoint-level
// detections such as enumeration sweeps.
type Detection struct {
	Pattern    Pattern
	Identifier string
	Endpoint   string
	Count      int
	Severity   types.Severity
}

// Responder executes the automated action bound to a tripped pattern.
type Responder interface {
	Block(ctx context.Context, identifier string, duration time.Duration) error
	Challenge(identifier string)
}

type Opts struct {
	TimeProvider func() time.Time
	UUIDProvider func() uuid.UUID
}

// Detector matches recorded attempt history against configured attack
// patterns, both inline on each attempt and across all identifiers in the
// periodic sweep. A tripped pattern is suppressed for its own window so a
// sustained attack produces one detection per window, not one per attempt.
type Detector struct {
	ledger    *ledger.Ledger
	responder Responder
	publisher alert.Publisher
	logger    *logrus.Logger
	now       func() time.Time
	newUUID   func() uuid.UUID

	mu         sync.Mutex
	patterns   []Pattern
	suppressed map[string]time.Time
}

func New(
	attemptLedger *ledger.Ledger,
	responder Responder,
	publisher alert.Publisher,
	logger *logrus.Logger,
	opts *Opts,
) *Detector {
	d := &Detector{
		ledger:     attemptLedger,
		responder:  responder,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
		newUUID:    uuid.New,
		suppressed: make(map[string]time.Time),
	}
	if opts != nil {
		if opts.TimeProvider != nil {
			d.now = opts.TimeProvider
		}
		if opts.UUIDProvider != nil {
			d.newUUID = opts.UUIDProvider
		}
	}
	return d
}

// Register adds or replaces a pattern by name. Patterns with a non-positive
// threshold or window are rejected.
func (d *Detector) Register(p Pattern) error {
	if p.Threshold <= 0 || p.Window <= 0 {
		return fmt.Errorf("pattern %q: threshold and window must be positive", p.Name)
	}
	switch p.Type {
	case PatternBruteForce, PatternDDoS, PatternEnumeration, PatternScraping:
	default:
		return fmt.Errorf("pattern %q: unknown type %q", p.Name, p.Type)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.patterns {
		if existing.Name == p.Name {
			d.patterns[i] = p
			return nil
		}
	}
	d.patterns = append(d.patterns, p)
	return nil
}

// Patterns returns a copy of the registered patterns.
func (d *Detector) Patterns() []Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Pattern, len(d.patterns))
	copy(out, d.patterns)
	return out
}

// ScanIdentifier runs the per-identifier patterns against one key's recent
// history. Called inline after each recorded attempt.
func (d *Detector) ScanIdentifier(ctx context.Context, identifier, endpoint string) []Detection {
	now := d.now()
	var detections []Detection
	for _, p := range d.Patterns() {
		attempts := d.ledger.Windowed(identifier, endpoint, p.Window, now)
		count := countQualifying(p.Type, attempts)
		if count < p.Threshold {
			continue
		}
		det := Detection{
			Pattern:    p,
			Identifier: identifier,
			Endpoint:   endpoint,
			Count:      count,
			Severity:   severityFor(p, count),
		}
		if d.fire(ctx, det, now) {
			detections = append(detections, det)
		}
	}
	return detections
}

// ScanAll sweeps the whole ledger: per-identifier patterns are re-checked
// across every active key, and enumeration is matched per endpoint by
// counting distinct identifiers that failed against it.
func (d *Detector) ScanAll(ctx context.Context) []Detection {
	now := d.now()
	var detections []Detection
	for _, p := range d.Patterns() {
		snapshot := d.ledger.Snapshot(p.Window, now)
		if p.Type == PatternEnumeration {
			detections = append(detections, d.sweepEnumeration(ctx, p, snapshot, now)...)
			continue
		}
		counts := make(map[[2]string]int)
		for _, a := range snapshot {
			if qualifies(p.Type, a) {
				counts[[2]string{a.Identifier, a.Endpoint}]++
			}
		}
		for key, count := range counts {
			if count < p.Threshold {
				continue
			}
			det := Detection{
				Pattern:    p,
				Identifier: key[0],
				Endpoint:   key[1],
				Count:      count,
				Severity:   severityFor(p, count),
			}
			if d.fire(ctx, det, now) {
				detections = append(detections, det)
			}
		}
	}
	return detections
}

// sweepEnumeration counts distinct failing identifiers per endpoint. A
// single actor cannot trip it from one identifier, which is exactly the
// point: enumeration spreads failures across many identifiers.
func (d *Detector) sweepEnumeration(ctx context.Context, p Pattern, snapshot []types.Attempt, now time.Time) []Detection {
	perEndpoint := make(map[string]map[string]struct{})
	for _, a := range snapshot {
		if a.Success {
			continue
		}
		ids, ok := perEndpoint[a.Endpoint]
		if !ok {
			ids = make(map[string]struct{})
			perEndpoint[a.Endpoint] = ids
		}
		ids[a.Identifier] = struct{}{}
	}

	var detections []Detection
	for endpoint, ids := range perEndpoint {
		if len(ids) < p.Threshold {
			continue
		}
		det := Detection{
			Pattern:  p,
			Endpoint: endpoint,
			Count:    len(ids),
			Severity: severityFor(p, len(ids)),
		}
		if d.fire(ctx, det, now) {
			detections = append(detections, det)
		}
	}
	return detections
}

func countQualifying(patternType string, attempts []types.Attempt) int {
	n := 0
	for _, a := range attempts {
		if qualifies(patternType, a) {
			n++
		}
	}
	return n
}

func qualifies(patternType string, a types.Attempt) bool {
	switch patternType {
	case PatternBruteForce, PatternEnumeration:
		return !a.Success
	case PatternScraping:
		return a.Success
	case PatternDDoS:
		return true
	}
	return false
}

func severityFor(p Pattern, count int) types.Severity {
	base := types.SeverityMedium
	if p.Type == PatternBruteForce || p.Type == PatternDDoS {
		base = types.SeverityHigh
	}
	if count >= 2*p.Threshold && base == types.SeverityHigh {
		return types.SeverityCritical
	}
	if count >= 2*p.Threshold {
		return types.SeverityHigh
	}
	return base
}

// fire executes the pattern's bound action and publishes an attack alert,
// unless the same detection is still inside its suppression window.
func (d *Detector) fire(ctx context.Context, det Detection, now time.Time) bool {
	key := det.Pattern.Type + "\x00" + det.Identifier + "\x00" + det.Endpoint

	d.mu.Lock()
	if until, ok := d.suppressed[key]; ok && now.Before(until) {
		d.mu.Unlock()
		return false
	}
	d.suppressed[key] = now.Add(det.Pattern.Window)
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"pattern":    det.Pattern.Name,
		"type":       det.Pattern.Type,
		"identifier": det.Identifier,
		"endpoint":   det.Endpoint,
		"count":      det.Count,
	}).Warn("attack pattern detected")

	switch det.Pattern.Action {
	case types.ActionBlock:
		if det.Identifier != "" {
			if err := d.responder.Block(ctx, det.Identifier, det.Pattern.Window); err != nil {
				d.logger.WithError(err).WithField("identifier", det.Identifier).
					Error("failed to block detected attacker")
			}
		}
	case types.ActionCaptcha:
		if det.Identifier != "" {
			d.responder.Challenge(det.Identifier)
		}
	}

	if d.publisher != nil {
		d.publisher.Publish(types.SecurityAlert{
			ID:         d.newUUID().String(),
			Type:       types.AlertAttackDetected,
			Severity:   det.Severity,
			Identifier: det.Identifier,
			Endpoint:   det.Endpoint,
			Description: fmt.Sprintf("%s pattern matched: %d qualifying attempts (threshold %d)",
				det.Pattern.Type, det.Count, det.Pattern.Threshold),
			Timestamp: now,
			Metadata: map[string]string{
				"pattern":   det.Pattern.Name,
				"count":     strconv.Itoa(det.Count),
				"threshold": strconv.Itoa(det.Pattern.Threshold),
				"action":    det.Pattern.Action,
			},
		})
	}
	return true
}

// PruneSuppressions drops expired suppression entries. Called by the
// maintenance sweep.
func (d *Detector) PruneSuppressions() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, until := range d.suppressed {
		if now.After(until) {
			delete(d.suppressed, k)
		}
	}
}
