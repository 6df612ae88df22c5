package ledger_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/cinevault/shield/pkg/ledger"
	"github.com/cinevault/shield/pkg/types"
	"github.com/stretchr/testify/assert"
)

func attempt(id, endpoint string, ts time.Time, success bool) types.Attempt {
	return types.Attempt{Identifier: id, Endpoint: endpoint, Timestamp: ts, Success: success}
}

func TestLedger_RecordAndWindowed(t *testing.T) {
	l := ledger.New(100)
	now := time.Now()

	l.Record(attempt("user1", "login", now.Add(-20*time.Minute), false))
	l.Record(attempt("user1", "login", now.Add(-10*time.Minute), false))
	l.Record(attempt("user1", "login", now.Add(-1*time.Minute), true))

	windowed := l.Windowed("user1", "login", 15*time.Minute, now)
	assert.Len(t, windowed, 2)
	assert.False(t, windowed[0].Success)
	assert.True(t, windowed[1].Success)
}

func TestLedger_CapEvictsOldestFirst(t *testing.T) {
	l := ledger.New(100)
	now := time.Now()

	for i := 0; i < 250; i++ {
		l.Record(attempt("user1", "login", now.Add(time.Duration(i)*time.Second), false))
	}

	assert.Equal(t, 100, l.Len("user1", "login"))

	windowed := l.Windowed("user1", "login", 24*time.Hour, now.Add(251*time.Second))
	assert.Len(t, windowed, 100)
	// Oldest surviving entry is number 150.
	assert.Equal(t, now.Add(150*time.Second).Unix(), windowed[0].Timestamp.Unix())
}

func TestLedger_CountFailed(t *testing.T) {
	l := ledger.New(100)
	now := time.Now()

	l.Record(attempt("user1", "login", now.Add(-5*time.Minute), false))
	l.Record(attempt("user1", "login", now.Add(-4*time.Minute), true))
	l.Record(attempt("user1", "login", now.Add(-3*time.Minute), false))
	l.Record(attempt("user1", "payment", now.Add(-2*time.Minute), false))

	assert.Equal(t, 2, l.CountFailed("user1", "login", 15*time.Minute, now))
	assert.Equal(t, 1, l.CountFailed("user1", "payment", 15*time.Minute, now))
	assert.Equal(t, 0, l.CountFailed("user2", "login", 15*time.Minute, now))
}

func TestLedger_PurgeOlderThan(t *testing.T) {
	l := ledger.New(100)
	now := time.Now()

	l.Record(attempt("stale", "login", now.Add(-25*time.Hour), false))
	l.Record(attempt("fresh", "login", now.Add(-1*time.Hour), false))

	removed := l.PurgeOlderThan(now.Add(-24 * time.Hour))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, l.Len("stale", "login"))
	assert.Equal(t, 1, l.Len("fresh", "login"))
}

func TestLedger_Snapshot(t *testing.T) {
	l := ledger.New(100)
	now := time.Now()

	for i := 0; i < 5; i++ {
		l.Record(attempt(fmt.Sprintf("user%d", i), "login", now.Add(-time.Minute), false))
	}
	l.Record(attempt("old", "login", now.Add(-2*time.Hour), false))

	snap := l.Snapshot(time.Hour, now)
	assert.Len(t, snap, 5)
}

func TestLedger_Reset(t *testing.T) {
	l := ledger.New(100)
	now := time.Now()

	l.Record(attempt("user1", "login", now, false))
	l.Reset("user1", "login")
	assert.Equal(t, 0, l.Len("user1", "login"))
}
