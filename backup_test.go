package fieldsync

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestBackupManager(t *testing.T, cloud SnapshotStore, config BackupConfig) (*BackupManager, *LocalStore, *ManualClock) {
	t.Helper()
	store := openTestStore(t)
	clock := NewManualClock(time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC))
	bm, err := NewBackupManager(store, cloud, "agent-7", config, nil, clock, testLogger(), nil, nil)
	if err != nil {
		t.Fatalf("create backup manager: %v", err)
	}
	return bm, store, clock
}

func TestBackupSnapshotAndRestore(t *testing.T) {
	bm, _, _ := newTestBackupManager(t, nil, DefaultBackupConfig())
	st := listState(12)

	rec, err := bm.Snapshot(testCtx, st, BackupReasonManual)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if rec.ID == "" || rec.Checksum == "" || rec.Size == 0 {
		t.Errorf("incomplete record: %+v", rec)
	}
	if !rec.Compressed {
		t.Error("compression enabled by default")
	}
	if rec.Encrypted {
		t.Error("no encryption configured")
	}

	got, err := bm.Restore(testCtx, rec.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got.Fingerprint() != st.Fingerprint() {
		t.Error("restored document differs")
	}
}

func TestBackupRotation(t *testing.T) {
	cfg := DefaultBackupConfig()
	cfg.MaxSnapshots = 3
	bm, _, clock := newTestBackupManager(t, nil, cfg)

	var last BackupRecord
	for i := 0; i < 5; i++ {
		rec, err := bm.Snapshot(testCtx, listState(i+1), BackupReasonCompletion)
		if err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
		last = rec
		clock.Advance(time.Minute)
	}

	records, err := bm.List(testCtx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 retained backups, got %d", len(records))
	}
	if records[0].ID != last.ID {
		t.Error("newest backup not first")
	}
	if stats := bm.Stats(); stats.Trimmed != 2 {
		t.Errorf("expected 2 trimmed, got %d", stats.Trimmed)
	}
}

func TestBackupRestoreFailsClosedOnCorruption(t *testing.T) {
	bm, store, _ := newTestBackupManager(t, nil, DefaultBackupConfig())

	rec, err := bm.Snapshot(testCtx, listState(4), BackupReasonManual)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Flip bytes under the recorded checksum.
	_, blob, err := store.GetBackup(testCtx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	blob[len(blob)/2] ^= 0xff
	if err := store.PutBackup(testCtx, rec, blob); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := bm.Restore(testCtx, rec.ID); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestBackupEncryptedRoundTrip(t *testing.T) {
	cfg := DefaultBackupConfig()
	cfg.Encryption = EncryptionConfig{Enabled: true, KeyPassword: "field-agent-secret"}
	bm, store, _ := newTestBackupManager(t, nil, cfg)
	st := listState(6)

	rec, err := bm.Snapshot(testCtx, st, BackupReasonDayEnd)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !rec.Encrypted {
		t.Fatal("record not marked encrypted")
	}

	// Ciphertext must not leak the document.
	_, blob, err := store.GetBackup(testCtx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.Contains(string(blob), "High Street") {
		t.Error("backup blob stored in the clear")
	}

	got, err := bm.Restore(testCtx, rec.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got.Fingerprint() != st.Fingerprint() {
		t.Error("restored document differs")
	}
}

func TestBackupEncryptedNeedsKey(t *testing.T) {
	cfg := DefaultBackupConfig()
	cfg.Encryption = EncryptionConfig{Enabled: true, KeyPassword: "field-agent-secret"}
	bm, store, clock := newTestBackupManager(t, nil, cfg)

	rec, err := bm.Snapshot(testCtx, listState(2), BackupReasonManual)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// A manager without encryption cannot read it back.
	plain, err := NewBackupManager(store, nil, "agent-7", DefaultBackupConfig(), nil, clock, testLogger(), nil, nil)
	if err != nil {
		t.Fatalf("create plain manager: %v", err)
	}
	if _, err := plain.Restore(testCtx, rec.ID); err == nil {
		t.Error("expected restore to fail without encryption configured")
	}
}

func TestBackupPurgeByAge(t *testing.T) {
	bm, _, clock := newTestBackupManager(t, nil, DefaultBackupConfig())

	for i := 0; i < 3; i++ {
		if _, err := bm.Snapshot(testCtx, listState(1), BackupReasonPeriodic); err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
		clock.Advance(time.Hour)
	}

	cutoff := clock.Now().Add(-90 * time.Minute)
	purged, err := bm.Purge(testCtx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Errorf("expected 2 purged, got %d", purged)
	}
	records, _ := bm.List(testCtx)
	if len(records) != 1 {
		t.Errorf("expected 1 backup left, got %d", len(records))
	}
}

func TestBackupUploadLatest(t *testing.T) {
	cloud := NewMemoryRemote()
	bm, _, _ := newTestBackupManager(t, cloud, DefaultBackupConfig())

	if _, err := bm.UploadLatest(testCtx); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("expected ErrBackupNotFound with no backups, got %v", err)
	}

	rec, err := bm.Snapshot(testCtx, listState(3), BackupReasonDayEnd)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	meta, err := bm.UploadLatest(testCtx)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if meta.UserID != "agent-7" {
		t.Errorf("wrong user: %s", meta.UserID)
	}
	if meta.DayKey != rec.CreatedAt.Format("2006-01-02") {
		t.Errorf("wrong day key: %s", meta.DayKey)
	}

	metas, err := cloud.List(testCtx, time.Time{})
	if err != nil {
		t.Fatalf("cloud list: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("expected 1 cloud snapshot, got %d", len(metas))
	}
	blob, err := cloud.Download(testCtx, meta.DayKey, meta.Name)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if int64(len(blob)) != rec.Size {
		t.Errorf("cloud blob size %d, want %d", len(blob), rec.Size)
	}
}

func TestBackupStorageWatermarkWarning(t *testing.T) {
	store := openTestStore(t)
	clock := NewManualClock(time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC))

	var warnings []Warning
	cfg := DefaultBackupConfig()
	cfg.MaxStorageBytes = 1 // any usage crosses the watermark
	bm, err := NewBackupManager(store, nil, "agent-7", cfg, nil, clock, testLogger(), nil, func(w Warning) {
		warnings = append(warnings, w)
	})
	if err != nil {
		t.Fatalf("create backup manager: %v", err)
	}

	if _, err := bm.Snapshot(testCtx, listState(2), BackupReasonManual); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatal("expected a storage warning")
	}
	if warnings[0].Kind != WarningStorageFull {
		t.Errorf("wrong warning kind: %s", warnings[0].Kind)
	}
}
