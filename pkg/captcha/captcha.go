package captcha

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/cinevault/shield/pkg/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Challenge is a live CAPTCHA challenge for an identifier. At most one
// exists per identifier; issuing a new one replaces the old.
type Challenge struct {
	Identifier   string    `json:"identifier"`
	Type         string    `json:"type"`
	Token        string    `json:"token"`
	Expiry       time.Time `json:"expiry"`
	AttemptsUsed int       `json:"attempts_used"`

	// answer is what Verify compares against. The shipped verifier expects
	// the solved token back; a third-party provider would substitute its
	// own Verifier and ignore this field.
	answer string
}

// Verifier decides whether a response solves a challenge. Third-party
// CAPTCHA verification plugs in here; the engine only owns the challenge
// lifecycle and the accept/reject contract.
type Verifier interface {
	Verify(ch *Challenge, response string) bool
}

// StaticVerifier accepts exactly the challenge's expected answer. It
// deliberately does not accept arbitrary non-empty input.
type StaticVerifier struct{}

func (StaticVerifier) Verify(ch *Challenge, response string) bool {
	if response == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(ch.answer), []byte(response)) == 1
}

type Opts struct {
	TimeProvider func() time.Time
	TTL          time.Duration
	MaxAttempts  int
}

// Manager owns challenge issuance, verification and expiry.
type Manager struct {
	logger      *logrus.Logger
	verifier    Verifier
	now         func() time.Time
	ttl         time.Duration
	maxAttempts int

	mu         sync.Mutex
	challenges map[string]*Challenge
}

func NewManager(logger *logrus.Logger, verifier Verifier, opts *Opts) *Manager {
	m := &Manager{
		logger:      logger,
		verifier:    verifier,
		now:         time.Now,
		ttl:         common.ChallengeTTL,
		maxAttempts: common.ChallengeAttempts,
		challenges:  make(map[string]*Challenge),
	}
	if opts != nil {
		if opts.TimeProvider != nil {
			m.now = opts.TimeProvider
		}
		if opts.TTL > 0 {
			m.ttl = opts.TTL
		}
		if opts.MaxAttempts > 0 {
			m.maxAttempts = opts.MaxAttempts
		}
	}
	return m
}

// Issue creates a challenge for the identifier, replacing any live one.
func (m *Manager) Issue(identifier, challengeType string) *Challenge {
	token := uuid.New().String()
	ch := &Challenge{
		Identifier: identifier,
		Type:       challengeType,
		Token:      token,
		Expiry:     m.now().Add(m.ttl),
		answer:     token,
	}

	m.mu.Lock()
	m.challenges[identifier] = ch
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"identifier": identifier,
		"type":       challengeType,
	}).Debug("issued captcha challenge")

	return ch
}

// Verify checks the response against the identifier's live challenge.
// A malformed or wrong response burns one attempt and never errors. The
// challenge is deleted on success, on expiry, and once attempts run out.
func (m *Manager) Verify(identifier, response string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.challenges[identifier]
	if !ok {
		return false
	}

	if !m.now().Before(ch.Expiry) {
		delete(m.challenges, identifier)
		return false
	}

	if ch.AttemptsUsed >= m.maxAttempts {
		delete(m.challenges, identifier)
		return false
	}

	if m.verifier.Verify(ch, response) {
		delete(m.challenges, identifier)
		return true
	}

	ch.AttemptsUsed++
	if ch.AttemptsUsed >= m.maxAttempts {
		delete(m.challenges, identifier)
	}
	return false
}

// Active returns the live challenge for an identifier, if any.
func (m *Manager) Active(identifier string) *Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[identifier]
	if !ok || !m.now().Before(ch.Expiry) {
		return nil
	}
	cp := *ch
	return &cp
}

// PurgeExpired drops challenges past expiry. Returns the count removed.
func (m *Manager) PurgeExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, ch := range m.challenges {
		if !now.Before(ch.Expiry) {
			delete(m.challenges, id)
			removed++
		}
	}
	return removed
}
