package incident

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cinevault/shield/pkg/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the incident lifecycle state. Transitions only move forward:
// open -> investigating | resolved | false_positive, never backward.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Incident is a tracked record created from a qualifying alert, with its
// own remediation lifecycle.
type Incident struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Severity    types.Severity         `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Timestamp   time.Time              `json:"timestamp"`
	Source      string                 `json:"source"`
	Identifier  string                 `json:"identifier"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
	Status      Status                 `json:"status"`
	Actions     []types.SecurityAction `json:"actions"`
}

// Responder executes the automated remediation side effects selected for a
// new incident. The engine wires in blocking and escalation.
type Responder interface {
	BlockSource(identifier string, duration time.Duration) error
	Escalate(incidentID, title string, severity types.Severity) error
}

type Opts struct {
	TimeProvider  func() time.Time
	BlockDuration time.Duration
}

// Manager creates, tracks and auto-remediates incidents.
type Manager struct {
	logger        *logrus.Logger
	responder     Responder
	now           func() time.Time
	blockDuration time.Duration

	mu        sync.RWMutex
	incidents map[string]*Incident
}

func NewManager(logger *logrus.Logger, responder Responder, opts *Opts) *Manager {
	m := &Manager{
		logger:        logger,
		responder:     responder,
		now:           time.Now,
		blockDuration: time.Hour,
		incidents:     make(map[string]*Incident),
	}
	if opts != nil {
		if opts.TimeProvider != nil {
			m.now = opts.TimeProvider
		}
		if opts.BlockDuration > 0 {
			m.blockDuration = opts.BlockDuration
		}
	}
	return m
}

// Qualifies reports whether an alert warrants an incident: severity high
// or critical, or an attack detection of any severity.
func Qualifies(a types.SecurityAlert) bool {
	if a.Type == types.AlertAttackDetected {
		return true
	}
	return a.Severity == types.SeverityHigh || a.Severity == types.SeverityCritical
}

// FromAlert creates an incident for a qualifying alert, selects automated
// response actions by type and severity, and executes them synchronously,
// recording per-action success or failure. Returns nil for alerts that do
// not qualify.
func (m *Manager) FromAlert(a types.SecurityAlert) *Incident {
	if !Qualifies(a) {
		return nil
	}

	inc := &Incident{
		ID:          uuid.New().String(),
		Type:        a.Type,
		Severity:    a.Severity,
		Title:       fmt.Sprintf("%s on %s", a.Type, a.Endpoint),
		Description: a.Description,
		Timestamp:   a.Timestamp,
		Source:      "alert",
		Identifier:  a.Identifier,
		Metadata:    a.Metadata,
		Status:      StatusOpen,
	}

	for _, actionType := range m.selectActions(inc) {
		inc.Actions = append(inc.Actions, m.execute(actionType, inc))
	}

	m.mu.Lock()
	m.incidents[inc.ID] = inc
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"incident_id": inc.ID,
		"type":        inc.Type,
		"severity":    inc.Severity,
		"identifier":  inc.Identifier,
	}).Warn("security incident created")

	return inc
}

func (m *Manager) selectActions(inc *Incident) []string {
	actions := []string{types.ActionLog}
	if inc.Type == types.AlertAttackDetected && inc.Identifier != "" {
		actions = append(actions, types.ActionBlock)
	}
	if inc.Severity == types.SeverityCritical {
		actions = append(actions, types.ActionEscalate)
	}
	return actions
}

func (m *Manager) execute(actionType string, inc *Incident) types.SecurityAction {
	action := types.SecurityAction{
		Type:      actionType,
		Timestamp: m.now(),
		Automated: true,
		Result:    types.ActionResultPending,
	}

	var err error
	switch actionType {
	case types.ActionLog:
		m.logger.WithFields(logrus.Fields{
			"incident_id": inc.ID,
			"identifier":  inc.Identifier,
		}).Info("incident recorded")
		action.Description = "incident recorded in audit log"
	case types.ActionBlock:
		err = m.responder.BlockSource(inc.Identifier, m.blockDuration)
		action.Description = fmt.Sprintf("blocked source %s for %s", inc.Identifier, m.blockDuration)
	case types.ActionEscalate:
		err = m.responder.Escalate(inc.ID, inc.Title, inc.Severity)
		action.Description = "escalated to on-call"
	default:
		action.Description = "unsupported automated action"
	}

	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"incident_id": inc.ID,
			"action":      actionType,
		}).Error("automated incident action failed")
		action.Result = types.ActionResultFailed
	} else {
		action.Result = types.ActionResultSuccess
	}
	return action
}

// Transition moves an open incident to a terminal or investigating state.
// Returns false for unknown ids and for backward transitions.
func (m *Manager) Transition(id string, to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return false
	}
	switch inc.Status {
	case StatusOpen:
		// Any forward state is reachable from open.
	case StatusInvestigating:
		if to != StatusResolved && to != StatusFalsePositive {
			return false
		}
	default:
		return false
	}
	inc.Status = to
	return true
}

// Resolve closes an incident with a resolution note. Unknown ids return
// false rather than an error.
func (m *Manager) Resolve(id, resolution string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return false
	}
	if inc.Status == StatusResolved || inc.Status == StatusFalsePositive {
		return false
	}
	inc.Status = StatusResolved
	if inc.Metadata == nil {
		inc.Metadata = make(map[string]string)
	}
	inc.Metadata["resolution"] = resolution
	inc.Metadata["resolved_at"] = m.now().Format(time.RFC3339)
	return true
}

// Get returns a copy of an incident by id.
func (m *Manager) Get(id string) (Incident, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, false
	}
	return *inc, true
}

// List returns incidents, optionally filtered by status, newest first.
func (m *Manager) List(status Status) []Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Incident
	for _, inc := range m.incidents {
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// AutoResolveOlderThan closes open incidents older than maxAge. Called by
// the maintenance sweep; returns the number resolved.
func (m *Manager) AutoResolveOlderThan(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	resolved := 0
	for _, inc := range m.incidents {
		if inc.Status == StatusOpen && inc.Timestamp.Before(cutoff) {
			inc.Status = StatusResolved
			if inc.Metadata == nil {
				inc.Metadata = make(map[string]string)
			}
			inc.Metadata["resolution"] = "auto-resolved by maintenance sweep"
			resolved++
		}
	}
	return resolved
}
