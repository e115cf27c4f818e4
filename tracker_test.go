package fieldsync

import (
	"fmt"
	"testing"
	"time"
)

func TestTrackerRecordAndMatch(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	tr := NewChangeTracker(DefaultTrackerConfig(), clock)

	tr.Record("completion/1:3", "fp-abc")

	if !tr.IsRecentLocalChange("completion/1:3", "fp-abc") {
		t.Error("expected a match for the recorded fingerprint")
	}
	if tr.IsRecentLocalChange("completion/1:3", "fp-other") {
		t.Error("different fingerprint must not match")
	}
	if tr.IsRecentLocalChange("completion/1:4", "fp-abc") {
		t.Error("different key must not match")
	}
}

func TestTrackerRecencyWindow(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	cfg := DefaultTrackerConfig()
	cfg.RecencyWindow = 2 * time.Second
	tr := NewChangeTracker(cfg, clock)

	tr.Record("address/a-1", "fp-1")

	clock.Advance(1 * time.Second)
	if !tr.IsRecentLocalChange("address/a-1", "fp-1") {
		t.Error("expected match inside the recency window")
	}

	clock.Advance(5 * time.Second)
	if tr.IsRecentLocalChange("address/a-1", "fp-1") {
		t.Error("entry outside the recency window must not match")
	}
}

func TestTrackerPrune(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	cfg := DefaultTrackerConfig()
	cfg.TTL = 10 * time.Second
	tr := NewChangeTracker(cfg, clock)

	tr.Record("a", "1")
	tr.Record("b", "2")
	clock.Advance(11 * time.Second)
	tr.Record("c", "3")

	removed := tr.Prune()
	if removed != 2 {
		t.Errorf("expected 2 pruned, got %d", removed)
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", tr.Len())
	}
}

func TestTrackerCapEvictsOldest(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	cfg := DefaultTrackerConfig()
	cfg.MaxEntries = 3
	cfg.TTL = time.Hour
	tr := NewChangeTracker(cfg, clock)

	for i := 0; i < 5; i++ {
		tr.Record(fmt.Sprintf("key-%d", i), "fp")
		clock.Advance(time.Millisecond)
	}

	if tr.Len() != 3 {
		t.Fatalf("expected table capped at 3, got %d", tr.Len())
	}
	if tr.IsRecentLocalChange("key-0", "fp") {
		t.Error("oldest entry should have been evicted")
	}
	if !tr.IsRecentLocalChange("key-4", "fp") {
		t.Error("newest entry should survive")
	}
}

func TestTrackerStats(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	tr := NewChangeTracker(DefaultTrackerConfig(), clock)

	tr.Record("k", "f")
	tr.IsRecentLocalChange("k", "f")
	tr.IsRecentLocalChange("k", "wrong")

	stats := tr.Stats()
	if stats.Recorded != 1 || stats.Matches != 1 || stats.Misses != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
}
