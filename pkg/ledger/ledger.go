package ledger

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/cinevault/shield/pkg/types"
)

const shardCount = 32

// Ledger is a bounded, per-key append-only log of attempts. Keys are
// (identifier, endpoint) pairs; once a key's sequence exceeds the cap the
// oldest entries are evicted. Entries are never mutated after insertion.
type Ledger struct {
	shards [shardCount]shard
	cap    int
}

type shard struct {
	mu      sync.RWMutex
	entries map[string][]types.Attempt
}

func New(cap int) *Ledger {
	l := &Ledger{cap: cap}
	for i := range l.shards {
		l.shards[i].entries = make(map[string][]types.Attempt)
	}
	return l
}

func key(identifier, endpoint string) string {
	return identifier + "\x00" + endpoint
}

func (l *Ledger) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return &l.shards[h.Sum32()%shardCount]
}

// Record appends the attempt to its key's sequence, evicting the oldest
// entries once the sequence exceeds the cap.
func (l *Ledger) Record(a types.Attempt) {
	k := key(a.Identifier, a.Endpoint)
	s := l.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := append(s.entries[k], a)
	if len(seq) > l.cap {
		seq = seq[len(seq)-l.cap:]
	}
	s.entries[k] = seq
}

// Windowed returns all entries for the key newer than now-window, in
// insertion order. The returned slice is a copy.
func (l *Ledger) Windowed(identifier, endpoint string, window time.Duration, now time.Time) []types.Attempt {
	k := key(identifier, endpoint)
	s := l.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-window)
	var out []types.Attempt
	for _, a := range s.entries[k] {
		if a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// CountFailed counts windowed failures for the key.
func (l *Ledger) CountFailed(identifier, endpoint string, window time.Duration, now time.Time) int {
	n := 0
	for _, a := range l.Windowed(identifier, endpoint, window, now) {
		if !a.Success {
			n++
		}
	}
	return n
}

// Snapshot returns every entry across all keys newer than now-window.
// Used by the periodic sweep for cross-identifier pattern detection.
func (l *Ledger) Snapshot(window time.Duration, now time.Time) []types.Attempt {
	cutoff := now.Add(-window)
	var out []types.Attempt
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.RLock()
		for _, seq := range s.entries {
			for _, a := range seq {
				if a.Timestamp.After(cutoff) {
					out = append(out, a)
				}
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Reset drops the sequence for a single key.
func (l *Ledger) Reset(identifier, endpoint string) {
	k := key(identifier, endpoint)
	s := l.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
}

// PurgeOlderThan removes entries older than the cutoff across all keys and
// drops keys left empty. Returns the number of entries removed.
func (l *Ledger) PurgeOlderThan(cutoff time.Time) int {
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, seq := range s.entries {
			kept := seq[:0]
			for _, a := range seq {
				if a.Timestamp.After(cutoff) {
					kept = append(kept, a)
				} else {
					removed++
				}
			}
			if len(kept) == 0 {
				delete(s.entries, k)
			} else {
				s.entries[k] = kept
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len reports the current sequence length for a key.
func (l *Ledger) Len(identifier, endpoint string) int {
	k := key(identifier, endpoint)
	s := l.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[k])
}
