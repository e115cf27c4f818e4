package fieldsync

import (
	"sync"
	"time"
)

// TrackerConfig configures the change tracker.
type TrackerConfig struct {
	// RecencyWindow is how recently a change must have been recorded for
	// IsRecentLocalChange to match. Default: 2s
	RecencyWindow time.Duration

	// TTL is how long entries are kept before pruning. Default: 30s
	TTL time.Duration

	// MaxEntries caps the table; the oldest entry is evicted past the cap.
	// Default: 512
	MaxEntries int
}

// DefaultTrackerConfig returns a tracker configuration with sensible defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		RecencyWindow: 2 * time.Second,
		TTL:           30 * time.Second,
		MaxEntries:    512,
	}
}

// TrackerStats is a snapshot of tracker activity.
type TrackerStats struct {
	Recorded int64 `json:"recorded"`
	Matches  int64 `json:"matches"`
	Misses   int64 `json:"misses"`
	Pruned   int64 `json:"pruned"`
	Entries  int   `json:"entries"`
}

// ChangeTracker remembers the content fingerprints of recent local writes.
// When a remote update arrives carrying a fingerprint we recorded moments
// ago, it is our own write coming back, not a peer's. Keys combine entity
// kind and identity, e.g. "completion/2:14".
//
// The tracker is deliberately small and short-lived: entries expire after a
// TTL and the table is capped, so it never grows with the dataset.
type ChangeTracker struct {
	mu      sync.Mutex
	entries map[trackerKey]time.Time // recorded-at per (key, fingerprint)
	config  TrackerConfig
	clock   Clock

	recorded int64
	matches  int64
	misses   int64
	pruned   int64
}

type trackerKey struct {
	Key         string
	Fingerprint string
}

// NewChangeTracker creates a tracker with the given configuration.
func NewChangeTracker(config TrackerConfig, clock Clock) *ChangeTracker {
	if config.RecencyWindow <= 0 {
		config.RecencyWindow = 2 * time.Second
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 512
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &ChangeTracker{
		entries: make(map[trackerKey]time.Time),
		config:  config,
		clock:   clock,
	}
}

// Record notes that this device just wrote the entity identified by key
// with the given content fingerprint.
func (t *ChangeTracker) Record(key, fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.entries[trackerKey{key, fingerprint}] = now
	t.recorded++

	if len(t.entries) > t.config.MaxEntries {
		t.pruneLocked(now)
	}
	if len(t.entries) > t.config.MaxEntries {
		t.evictOldestLocked()
	}
}

// IsRecentLocalChange reports whether this device recorded the same
// (key, fingerprint) inside the recency window.
func (t *ChangeTracker) IsRecentLocalChange(key, fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	recordedAt, ok := t.entries[trackerKey{key, fingerprint}]
	if ok && t.clock.Now().Sub(recordedAt) <= t.config.RecencyWindow {
		t.matches++
		return true
	}
	t.misses++
	return false
}

// Prune drops entries older than the TTL and returns how many were removed.
func (t *ChangeTracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(t.clock.Now())
}

func (t *ChangeTracker) pruneLocked(now time.Time) int {
	removed := 0
	for k, recordedAt := range t.entries {
		if now.Sub(recordedAt) > t.config.TTL {
			delete(t.entries, k)
			removed++
		}
	}
	t.pruned += int64(removed)
	return removed
}

func (t *ChangeTracker) evictOldestLocked() {
	var oldest trackerKey
	var oldestAt time.Time
	first := true
	for k, at := range t.entries {
		if first || at.Before(oldestAt) {
			oldest, oldestAt = k, at
			first = false
		}
	}
	if !first {
		delete(t.entries, oldest)
		t.pruned++
	}
}

// Len returns the current number of tracked entries.
func (t *ChangeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stats returns a snapshot of tracker activity.
func (t *ChangeTracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		Recorded: t.recorded,
		Matches:  t.matches,
		Misses:   t.misses,
		Pruned:   t.pruned,
		Entries:  len(t.entries),
	}
}
