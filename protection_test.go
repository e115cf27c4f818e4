package fieldsync

import (
	"testing"
	"time"
)

func TestProtectionFlagLifecycle(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	flags := NewProtectionFlags(clock, nil, testLogger())

	if flags.IsActive(FlagRestoreInProgress) {
		t.Error("flag should start inactive")
	}

	flags.Set(FlagRestoreInProgress, 61*time.Second)
	if !flags.IsActive(FlagRestoreInProgress) {
		t.Error("flag should be active after Set")
	}

	// Still active just inside the window.
	clock.Advance(60 * time.Second)
	if !flags.IsActive(FlagRestoreInProgress) {
		t.Error("flag should still be active before expiry")
	}

	// Expired: the veto lifts on its own.
	clock.Advance(2 * time.Second)
	if flags.IsActive(FlagRestoreInProgress) {
		t.Error("flag should expire after its window")
	}
}

func TestProtectionFlagClear(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	flags := NewProtectionFlags(clock, nil, testLogger())

	flags.Set(FlagImportInProgress, time.Minute)
	flags.Clear(FlagImportInProgress)
	if flags.IsActive(FlagImportInProgress) {
		t.Error("flag should be inactive after Clear")
	}
}

func TestProtectionFlagReplaceWindow(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	flags := NewProtectionFlags(clock, nil, testLogger())

	flags.Set(FlagSessionEdit, 10*time.Second)
	clock.Advance(8 * time.Second)
	flags.Set(FlagSessionEdit, 10*time.Second)

	// The second Set replaced the window, so 8+4 seconds after the first
	// Set the flag is still inside the refreshed window.
	clock.Advance(4 * time.Second)
	if !flags.IsActive(FlagSessionEdit) {
		t.Error("refreshed window should still be active")
	}
}

func TestProtectionFlagActiveList(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	flags := NewProtectionFlags(clock, nil, testLogger())

	flags.Set(FlagRestoreInProgress, time.Minute)
	flags.Set(FlagImportInProgress, time.Second)
	clock.Advance(10 * time.Second)

	active := flags.Active()
	if len(active) != 1 {
		t.Fatalf("expected 1 active flag, got %d", len(active))
	}
	if active[0].Name != FlagRestoreInProgress {
		t.Errorf("unexpected flag: %s", active[0].Name)
	}
}

func TestProtectionFlagsPersistAcrossReopen(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	store := openTestStore(t)

	flags := NewProtectionFlags(clock, store, testLogger())
	flags.Set(FlagRestoreInProgress, time.Minute)

	// A new flag set over the same store sees the window, as after a
	// crash and restart mid-restore.
	reloaded := NewProtectionFlags(clock, store, testLogger())
	if !reloaded.IsActive(FlagRestoreInProgress) {
		t.Error("persisted flag should survive reopen")
	}

	clock.Advance(2 * time.Minute)
	if reloaded.IsActive(FlagRestoreInProgress) {
		t.Error("persisted flag should still honor its expiry")
	}
}
