package fieldsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// Backup reasons recorded on each snapshot.
const (
	BackupReasonCompletion = "completion"
	BackupReasonDayEnd     = "day_end"
	BackupReasonImport     = "import"
	BackupReasonRestore    = "restore"
	BackupReasonPeriodic   = "periodic"
	BackupReasonManual     = "manual"
	BackupReasonShutdown   = "shutdown"
)

// BackupConfig configures local snapshots and their cloud copies.
type BackupConfig struct {
	// MaxSnapshots is how many local backups are retained; the oldest is
	// evicted past the cap. Default: 10
	MaxSnapshots int

	// Compression enables snappy compression of backup blobs. Default: true
	Compression bool

	// Encryption configures at-rest encryption of backup blobs.
	Encryption EncryptionConfig

	// Interval is the periodic backup cadence; 0 disables the loop.
	// Default: 10m
	Interval time.Duration

	// MaxStorageBytes is the local storage budget used for the watermark
	// warning. Default: 256MB
	MaxStorageBytes int64

	// StorageHighWatermark is the usage fraction past which a storage
	// warning is emitted. Default: 0.8
	StorageHighWatermark float64
}

// DefaultBackupConfig returns a backup configuration with sensible defaults.
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		MaxSnapshots:         10,
		Compression:          true,
		Interval:             10 * time.Minute,
		MaxStorageBytes:      256 * 1024 * 1024,
		StorageHighWatermark: 0.8,
	}
}

// BackupRecord describes one stored backup.
type BackupRecord struct {
	ID         string    `json:"id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"createdAt"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	Compressed bool      `json:"compressed"`
	Encrypted  bool      `json:"encrypted"`
}

// BackupStats is a snapshot of backup activity.
type BackupStats struct {
	Created      int64     `json:"created"`
	Failed       int64     `json:"failed"`
	Restored     int64     `json:"restored"`
	Trimmed      int64     `json:"trimmed"`
	LastBackupAt time.Time `json:"lastBackupAt,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// BackupManager writes rotating state snapshots into the local store and
// mirrors them to cloud object storage. The blob pipeline is
// marshal -> compress -> encrypt -> checksum; restore verifies the checksum
// before touching the payload and fails closed on any mismatch.
type BackupManager struct {
	store     *LocalStore
	cloud     SnapshotStore
	userID    string
	config    BackupConfig
	encryptor *Encryptor
	stateFn   func() *State
	clock     Clock
	logger    *slog.Logger
	metrics   *Metrics
	warn      func(Warning)

	mu sync.Mutex // serializes snapshot and restore

	statsMu      sync.Mutex
	created      int64
	failed       int64
	restored     int64
	trimmed      int64
	lastBackupAt time.Time
	lastError    string
}

// NewBackupManager creates the manager. cloud and warn may be nil; stateFn
// supplies the document for periodic backups.
func NewBackupManager(store *LocalStore, cloud SnapshotStore, userID string, config BackupConfig, stateFn func() *State, clock Clock, logger *slog.Logger, metrics *Metrics, warn func(Warning)) (*BackupManager, error) {
	if config.MaxSnapshots <= 0 {
		config.MaxSnapshots = 10
	}
	if config.StorageHighWatermark <= 0 || config.StorageHighWatermark > 1 {
		config.StorageHighWatermark = 0.8
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	encryptor, err := NewEncryptor(config.Encryption)
	if err != nil {
		return nil, fmt.Errorf("backup encryption: %w", err)
	}
	return &BackupManager{
		store:     store,
		cloud:     cloud,
		userID:    userID,
		config:    config,
		encryptor: encryptor,
		stateFn:   stateFn,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		warn:      warn,
	}, nil
}

// Snapshot stores one backup of state and enforces retention.
func (b *BackupManager) Snapshot(ctx context.Context, state *State, reason string) (BackupRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.snapshotLocked(ctx, state, reason)
	if err != nil {
		b.noteFailure(err)
		b.metrics.observeBackup(false)
		return BackupRecord{}, err
	}
	b.metrics.observeBackup(true)
	b.checkWatermark(ctx)
	return rec, nil
}

func (b *BackupManager) snapshotLocked(ctx context.Context, state *State, reason string) (BackupRecord, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return BackupRecord{}, fmt.Errorf("encode backup: %w", err)
	}

	compressed := false
	if b.config.Compression {
		blob = snappy.Encode(nil, blob)
		compressed = true
	}

	encrypted := false
	if b.encryptor != nil {
		blob, err = b.encryptor.Encrypt(blob)
		if err != nil {
			return BackupRecord{}, fmt.Errorf("encrypt backup: %w", err)
		}
		encrypted = true
	}

	sum := sha256.Sum256(blob)
	rec := BackupRecord{
		ID:         uuid.NewString(),
		Reason:     reason,
		CreatedAt:  b.clock.Now(),
		Size:       int64(len(blob)),
		Checksum:   hex.EncodeToString(sum[:]),
		Compressed: compressed,
		Encrypted:  encrypted,
	}

	if err := b.store.PutBackup(ctx, rec, blob); err != nil {
		return BackupRecord{}, err
	}

	trimmed, err := b.store.TrimBackups(ctx, b.config.MaxSnapshots)
	if err != nil {
		b.logger.Warn("backup retention failed", "error", err)
	}

	b.statsMu.Lock()
	b.created++
	b.trimmed += int64(trimmed)
	b.lastBackupAt = rec.CreatedAt
	b.lastError = ""
	b.statsMu.Unlock()

	b.logger.Debug("backup created", "id", rec.ID, "reason", reason, "size", rec.Size, "trimmed", trimmed)
	return rec, nil
}

// List returns local backup records, newest first.
func (b *BackupManager) List(ctx context.Context) ([]BackupRecord, error) {
	return b.store.ListBackups(ctx)
}

// Purge deletes local backups created before cutoff and returns how many
// were removed. Rotation already bounds the count; Purge bounds the age.
func (b *BackupManager) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	records, err := b.store.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, rec := range records {
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if err := b.store.DeleteBackup(ctx, rec.ID); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		b.logger.Info("old backups purged", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}

// Restore reads one backup back into a state document. The stored checksum
// is verified against the blob before decryption or decompression; a
// corrupt backup returns ErrChecksumMismatch and restores nothing.
func (b *BackupManager) Restore(ctx context.Context, id string) (*State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, blob, err := b.store.GetBackup(ctx, id)
	if err != nil {
		b.metrics.observeRestore(false)
		return nil, err
	}

	sum := sha256.Sum256(blob)
	if hex.EncodeToString(sum[:]) != rec.Checksum {
		b.metrics.observeRestore(false)
		return nil, fmt.Errorf("backup %s: %w", id, ErrChecksumMismatch)
	}

	if rec.Encrypted {
		if b.encryptor == nil {
			b.metrics.observeRestore(false)
			return nil, fmt.Errorf("backup %s is encrypted but no encryption is configured", id)
		}
		blob, err = b.encryptor.Decrypt(blob)
		if err != nil {
			b.metrics.observeRestore(false)
			return nil, fmt.Errorf("decrypt backup %s: %w", id, err)
		}
	}

	if rec.Compressed {
		blob, err = snappy.Decode(nil, blob)
		if err != nil {
			b.metrics.observeRestore(false)
			return nil, newStoreError(StoreErrorTypeCorruption, "decompress backup", id, err)
		}
	}

	var state State
	if err := json.Unmarshal(blob, &state); err != nil {
		b.metrics.observeRestore(false)
		return nil, newStoreError(StoreErrorTypeCorruption, "decode backup", id, err)
	}
	state.Normalize()

	b.statsMu.Lock()
	b.restored++
	b.statsMu.Unlock()
	b.metrics.observeRestore(true)
	b.logger.Info("backup restored", "id", id, "createdAt", rec.CreatedAt)
	return &state, nil
}

// UploadLatest copies the newest local backup to cloud storage under the
// user's day folder.
func (b *BackupManager) UploadLatest(ctx context.Context) (SnapshotMeta, error) {
	if b.cloud == nil {
		return SnapshotMeta{}, newSyncError(SyncErrorTypePush, "snapshot store not configured", nil)
	}

	records, err := b.store.ListBackups(ctx)
	if err != nil {
		return SnapshotMeta{}, err
	}
	if len(records) == 0 {
		return SnapshotMeta{}, ErrBackupNotFound
	}
	rec := records[0]

	_, blob, err := b.store.GetBackup(ctx, rec.ID)
	if err != nil {
		return SnapshotMeta{}, err
	}

	meta := SnapshotMeta{
		UserID:    b.userID,
		DayKey:    rec.CreatedAt.Format("2006-01-02"),
		Name:      fmt.Sprintf("state-%s.bak", rec.ID),
		SizeBytes: rec.Size,
		CreatedAt: rec.CreatedAt,
	}
	if err := b.cloud.Upload(ctx, meta, blob); err != nil {
		return SnapshotMeta{}, newSyncError(SyncErrorTypePush, "snapshot upload failed", err)
	}
	b.logger.Info("backup uploaded", "day", meta.DayKey, "name", meta.Name, "size", meta.SizeBytes)
	return meta, nil
}

// CloudList returns cloud snapshot metadata created at or after since.
func (b *BackupManager) CloudList(ctx context.Context, since time.Time) ([]SnapshotMeta, error) {
	if b.cloud == nil {
		return nil, newSyncError(SyncErrorTypePull, "snapshot store not configured", nil)
	}
	metas, err := b.cloud.List(ctx, since)
	if err != nil {
		return nil, newSyncError(SyncErrorTypePull, "snapshot list failed", err)
	}
	return metas, nil
}

// Run drives periodic backups until ctx is canceled.
func (b *BackupManager) Run(ctx context.Context) {
	if b.config.Interval <= 0 || b.stateFn == nil {
		return
	}
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Snapshot(ctx, b.stateFn(), BackupReasonPeriodic); err != nil {
				b.logger.Warn("periodic backup failed", "error", err)
			}
		}
	}
}

// checkWatermark emits a storage warning when local usage crosses the
// configured fraction of the budget.
func (b *BackupManager) checkWatermark(ctx context.Context) {
	if b.config.MaxStorageBytes <= 0 || b.warn == nil {
		return
	}
	usage, err := b.store.StorageUsage(ctx)
	if err != nil {
		return
	}
	limit := float64(b.config.MaxStorageBytes) * b.config.StorageHighWatermark
	if float64(usage) >= limit {
		b.warn(Warning{
			Kind: WarningStorageFull,
			Message: fmt.Sprintf("local storage at %d of %d bytes (watermark %.0f%%)",
				usage, b.config.MaxStorageBytes, b.config.StorageHighWatermark*100),
			At: b.clock.Now(),
		})
	}
}

func (b *BackupManager) noteFailure(err error) {
	b.statsMu.Lock()
	b.failed++
	b.lastError = err.Error()
	b.statsMu.Unlock()
	if b.warn != nil {
		b.warn(Warning{Kind: WarningBackupFailed, Message: err.Error(), At: b.clock.Now()})
	}
	b.logger.Error("backup failed", "error", err)
}

// Stats returns a snapshot of backup activity.
func (b *BackupManager) Stats() BackupStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return BackupStats{
		Created:      b.created,
		Failed:       b.failed,
		Restored:     b.restored,
		Trimmed:      b.trimmed,
		LastBackupAt: b.lastBackupAt,
		LastError:    b.lastError,
	}
}
