package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// LocalStoreConfig configures the on-device SQLite store.
type LocalStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultLocalStoreConfig returns default configuration.
func DefaultLocalStoreConfig() LocalStoreConfig {
	return LocalStoreConfig{
		Path:           "fieldsync.db",
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// LocalStore is the device's durable storage: current state document,
// operation backlog, rotating backups, protection flags, entity counts,
// and the remote feed cursor. Everything the engine must not lose across
// an offline restart lives here.
type LocalStore struct {
	db     *sql.DB
	config LocalStoreConfig
	mu     sync.RWMutex
	closed bool

	// Prepared statements for hot paths
	pendingStmt *sql.Stmt
	depthStmt   *sql.Stmt
	stateGet    *sql.Stmt
	statePut    *sql.Stmt
}

// OpenLocalStore opens (creating if needed) the store at config.Path.
func OpenLocalStore(config LocalStoreConfig) (*LocalStore, error) {
	if config.Path == "" {
		config.Path = "fieldsync.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to open local store", config.Path, err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &LocalStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, newStoreError(StoreErrorTypeWrite, "failed to initialize schema", config.Path, err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, newStoreError(StoreErrorTypeWrite, "failed to prepare statements", config.Path, err)
	}

	return store, nil
}

func (s *LocalStore) initSchema() error {
	schema := `
		-- Device identity and the per-device monotonic sequence
		CREATE TABLE IF NOT EXISTS device_info (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			device_id TEXT NOT NULL,
			next_seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		-- Current state document
		CREATE TABLE IF NOT EXISTS state_doc (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);

		-- Operations produced locally and not yet acknowledged remotely
		CREATE TABLE IF NOT EXISTS op_backlog (
			seq INTEGER PRIMARY KEY,
			device_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB NOT NULL,
			produced_at INTEGER NOT NULL,
			enqueued_at INTEGER NOT NULL
		);

		-- Rotating local backups
		CREATE TABLE IF NOT EXISTS backups (
			id TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			size INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			encrypted INTEGER NOT NULL DEFAULT 0,
			data BLOB NOT NULL
		);

		-- Active protection flags
		CREATE TABLE IF NOT EXISTS protection_flags (
			name TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		);

		-- Last observed entity counts for the integrity monitor
		CREATE TABLE IF NOT EXISTS entity_counts (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			addresses INTEGER NOT NULL,
			completions INTEGER NOT NULL,
			arrangements INTEGER NOT NULL,
			sessions INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);

		-- Remote feed position
		CREATE TABLE IF NOT EXISTS sync_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			cursor INTEGER NOT NULL,
			last_synced_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_backups_created ON backups(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *LocalStore) prepareStatements() error {
	var err error

	s.pendingStmt, err = s.db.Prepare(`
		SELECT seq, device_id, type, payload, produced_at FROM op_backlog
		ORDER BY seq LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare pending statement: %w", err)
	}

	s.depthStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM op_backlog`)
	if err != nil {
		return fmt.Errorf("failed to prepare depth statement: %w", err)
	}

	s.stateGet, err = s.db.Prepare(`SELECT data FROM state_doc WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to prepare state select: %w", err)
	}

	s.statePut, err = s.db.Prepare(`
		INSERT INTO state_doc (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare state upsert: %w", err)
	}

	return nil
}

func (s *LocalStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// DeviceID returns this installation's stable device identity, creating it
// on first use.
func (s *LocalStore) DeviceID(ctx context.Context) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT device_id FROM device_info WHERE id = 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", newStoreError(StoreErrorTypeRead, "failed to read device id", s.config.Path, err)
	}

	id = uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_info (id, device_id, next_seq, created_at) VALUES (1, ?, 1, ?)`,
		id, time.Now().UnixNano())
	if err != nil {
		return "", newStoreError(StoreErrorTypeWrite, "failed to create device id", s.config.Path, err)
	}
	return id, nil
}

// AppendNext assigns the next device sequence number and persists the
// operation in one transaction, so a crash can never reuse a sequence.
func (s *LocalStore) AppendNext(ctx context.Context, t OpType, payload json.RawMessage, producedAt time.Time) (Operation, error) {
	if err := s.checkOpen(); err != nil {
		return Operation{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Operation{}, newStoreError(StoreErrorTypeWrite, "failed to begin enqueue", s.config.Path, err)
	}
	defer tx.Rollback()

	var deviceID string
	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT device_id, next_seq FROM device_info WHERE id = 1`).Scan(&deviceID, &seq)
	if err != nil {
		return Operation{}, newStoreError(StoreErrorTypeRead, "failed to read device sequence", s.config.Path, err)
	}

	op := Operation{
		DeviceID:   deviceID,
		Seq:        seq,
		Type:       t,
		Payload:    payload,
		ProducedAt: producedAt,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO op_backlog (seq, device_id, type, payload, produced_at, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		op.Seq, op.DeviceID, string(op.Type), []byte(op.Payload), op.ProducedAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return Operation{}, newStoreError(StoreErrorTypeWrite, "failed to append backlog", s.config.Path, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE device_info SET next_seq = ? WHERE id = 1`, seq+1); err != nil {
		return Operation{}, newStoreError(StoreErrorTypeWrite, "failed to advance sequence", s.config.Path, err)
	}

	if err := tx.Commit(); err != nil {
		return Operation{}, newStoreError(StoreErrorTypeWrite, "failed to commit enqueue", s.config.Path, err)
	}
	return op, nil
}

// PendingOps returns unacknowledged operations in sequence order.
// limit <= 0 returns everything.
func (s *LocalStore) PendingOps(ctx context.Context, limit int) ([]Operation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.pendingStmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to read backlog", s.config.Path, err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var opType string
		var payload []byte
		var producedAt int64
		if err := rows.Scan(&op.Seq, &op.DeviceID, &opType, &payload, &producedAt); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "failed to scan backlog row", s.config.Path, err)
		}
		op.Type = OpType(opType)
		op.Payload = json.RawMessage(payload)
		op.ProducedAt = time.Unix(0, producedAt)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// AckOps removes acknowledged operations up to and including seq.
func (s *LocalStore) AckOps(ctx context.Context, upToSeq int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM op_backlog WHERE seq <= ?`, upToSeq)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to ack backlog", s.config.Path, err)
	}
	return nil
}

// ClearBacklog drops every queued operation. Used when the user adopts the
// remote dataset: queued writes against the discarded state must not ship.
func (s *LocalStore) ClearBacklog(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM op_backlog`)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to clear backlog", s.config.Path, err)
	}
	return nil
}

// BacklogDepth returns how many operations await acknowledgment.
func (s *LocalStore) BacklogDepth(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := s.depthStmt.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, newStoreError(StoreErrorTypeRead, "failed to count backlog", s.config.Path, err)
	}
	return n, nil
}

// SaveState persists the current state document.
func (s *LocalStore) SaveState(ctx context.Context, state *State) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if _, err := s.statePut.ExecContext(ctx, data, time.Now().UnixNano()); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to save state", s.config.Path, err)
	}
	return nil
}

// LoadState returns the persisted state document, or nil if none exists yet.
func (s *LocalStore) LoadState(ctx context.Context) (*State, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.stateGet.QueryRowContext(ctx).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to load state", s.config.Path, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "failed to decode state", s.config.Path, err)
	}
	return &state, nil
}

// PutBackup stores one backup blob with its record.
func (s *LocalStore) PutBackup(ctx context.Context, rec BackupRecord, blob []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO backups (id, reason, created_at, size, checksum, compressed, encrypted, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Reason, rec.CreatedAt.UnixNano(), rec.Size, rec.Checksum,
		boolToInt(rec.Compressed), boolToInt(rec.Encrypted), blob)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to store backup", s.config.Path, err)
	}
	return nil
}

// ListBackups returns backup records newest first, without blobs.
func (s *LocalStore) ListBackups(ctx context.Context) ([]BackupRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reason, created_at, size, checksum, compressed, encrypted FROM backups ORDER BY created_at DESC`)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to list backups", s.config.Path, err)
	}
	defer rows.Close()

	var records []BackupRecord
	for rows.Next() {
		rec, err := scanBackupRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetBackup returns one backup record and its blob.
func (s *LocalStore) GetBackup(ctx context.Context, id string) (BackupRecord, []byte, error) {
	if err := s.checkOpen(); err != nil {
		return BackupRecord{}, nil, err
	}
	var rec BackupRecord
	var createdAt int64
	var compressed, encrypted int
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, reason, created_at, size, checksum, compressed, encrypted, data FROM backups WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Reason, &createdAt, &rec.Size, &rec.Checksum, &compressed, &encrypted, &blob)
	if err == sql.ErrNoRows {
		return BackupRecord{}, nil, ErrBackupNotFound
	}
	if err != nil {
		return BackupRecord{}, nil, newStoreError(StoreErrorTypeRead, "failed to read backup", s.config.Path, err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.Compressed = compressed != 0
	rec.Encrypted = encrypted != 0
	return rec, blob, nil
}

// DeleteBackup removes one backup.
func (s *LocalStore) DeleteBackup(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to delete backup", s.config.Path, err)
	}
	return nil
}

// TrimBackups keeps the newest keep backups and deletes the rest,
// returning how many were removed.
func (s *LocalStore) TrimBackups(ctx context.Context, keep int) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM backups WHERE id IN (
			SELECT id FROM backups ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, keep)
	if err != nil {
		return 0, newStoreError(StoreErrorTypeWrite, "failed to trim backups", s.config.Path, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StorageUsage returns the database size in bytes.
func (s *LocalStore) StorageUsage(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&size)
	if err != nil {
		return 0, newStoreError(StoreErrorTypeRead, "failed to read storage usage", s.config.Path, err)
	}
	return size, nil
}

// SaveProtectionFlags implements flagStore with a replace-all write.
func (s *LocalStore) SaveProtectionFlags(flags []ProtectionFlag) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to begin flag save", s.config.Path, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM protection_flags`); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to clear flags", s.config.Path, err)
	}
	for _, f := range flags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO protection_flags (name, expires_at) VALUES (?, ?)`,
			f.Name, f.ExpiresAt.UnixNano()); err != nil {
			return newStoreError(StoreErrorTypeWrite, "failed to save flag", s.config.Path, err)
		}
	}
	return tx.Commit()
}

// LoadProtectionFlags implements flagStore.
func (s *LocalStore) LoadProtectionFlags() ([]ProtectionFlag, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT name, expires_at FROM protection_flags`)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to load flags", s.config.Path, err)
	}
	defer rows.Close()

	var flags []ProtectionFlag
	for rows.Next() {
		var f ProtectionFlag
		var expires int64
		if err := rows.Scan(&f.Name, &expires); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "failed to scan flag", s.config.Path, err)
		}
		f.ExpiresAt = time.Unix(0, expires)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// SaveEntityCounts persists the latest observed counts.
func (s *LocalStore) SaveEntityCounts(ctx context.Context, counts EntityCounts, at time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_counts (id, addresses, completions, arrangements, sessions, recorded_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			addresses = excluded.addresses,
			completions = excluded.completions,
			arrangements = excluded.arrangements,
			sessions = excluded.sessions,
			recorded_at = excluded.recorded_at`,
		counts.Addresses, counts.Completions, counts.Arrangements, counts.Sessions, at.UnixNano())
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to save entity counts", s.config.Path, err)
	}
	return nil
}

// LoadEntityCounts returns the previously saved counts. ok is false when no
// counts have been recorded yet.
func (s *LocalStore) LoadEntityCounts(ctx context.Context) (counts EntityCounts, at time.Time, ok bool, err error) {
	if err := s.checkOpen(); err != nil {
		return EntityCounts{}, time.Time{}, false, err
	}
	var recordedAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT addresses, completions, arrangements, sessions, recorded_at FROM entity_counts WHERE id = 1`).
		Scan(&counts.Addresses, &counts.Completions, &counts.Arrangements, &counts.Sessions, &recordedAt)
	if err == sql.ErrNoRows {
		return EntityCounts{}, time.Time{}, false, nil
	}
	if err != nil {
		return EntityCounts{}, time.Time{}, false, newStoreError(StoreErrorTypeRead, "failed to load entity counts", s.config.Path, err)
	}
	return counts, time.Unix(0, recordedAt), true, nil
}

// SaveCursor persists the remote feed position and when it was reached.
func (s *LocalStore) SaveCursor(ctx context.Context, cursor int64, at time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (id, cursor, last_synced_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor, last_synced_at = excluded.last_synced_at`,
		cursor, at.UnixNano())
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to save cursor", s.config.Path, err)
	}
	return nil
}

// LoadCursor returns the persisted feed position, zero values when the
// device has never synced.
func (s *LocalStore) LoadCursor(ctx context.Context) (int64, time.Time, error) {
	if err := s.checkOpen(); err != nil {
		return 0, time.Time{}, err
	}
	var cursor, syncedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT cursor, last_synced_at FROM sync_state WHERE id = 1`).
		Scan(&cursor, &syncedAt)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, newStoreError(StoreErrorTypeRead, "failed to load cursor", s.config.Path, err)
	}
	return cursor, time.Unix(0, syncedAt), nil
}

// Close releases the database and prepared statements.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.pendingStmt, s.depthStmt, s.stateGet, s.statePut} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

type backupRowScanner interface {
	Scan(dest ...any) error
}

func scanBackupRecord(row backupRowScanner) (BackupRecord, error) {
	var rec BackupRecord
	var createdAt int64
	var compressed, encrypted int
	if err := row.Scan(&rec.ID, &rec.Reason, &createdAt, &rec.Size, &rec.Checksum, &compressed, &encrypted); err != nil {
		return BackupRecord{}, fmt.Errorf("failed to scan backup record: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.Compressed = compressed != 0
	rec.Encrypted = encrypted != 0
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
