package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EngineStatus summarizes connectivity for the "working offline" indicator.
type EngineStatus string

const (
	// StatusOnline means the remote accepts submissions.
	StatusOnline EngineStatus = "online"
	// StatusOffline means no remote is configured or the breaker is open.
	StatusOffline EngineStatus = "offline"
	// StatusSyncing means a pull round is in flight.
	StatusSyncing EngineStatus = "syncing"
)

const (
	defaultPullInterval = 30 * time.Second
	pullBatchSize       = 200
	warningBuffer       = 64
)

// CompletionInput carries the user-entered fields of a completion. Index,
// list version, address snapshot, and timestamp are filled by the engine.
type CompletionInput struct {
	Outcome         Outcome
	Amount          string
	CaseReference   string
	NumberOfCases   int
	EnforcementFees []string
}

// EngineStats aggregates component statistics.
type EngineStats struct {
	DeviceID      string          `json:"deviceId"`
	Status        EngineStatus    `json:"status"`
	PendingOps    int             `json:"pendingOps"`
	OpenConflicts int             `json:"openConflicts"`
	LastSyncAt    time.Time       `json:"lastSyncAt,omitempty"`
	Queue         QueueStats      `json:"queue"`
	Reconciler    ReconcilerStats `json:"reconciler"`
	Echo          EchoFilterStats `json:"echo"`
	Tracker       TrackerStats    `json:"tracker"`
	Backup        BackupStats     `json:"backup"`
}

// Engine is the synchronization engine for one device. It owns the local
// store, the outbound queue, and the reconciler, and runs the background
// loops: submission, pull, realtime consumption, periodic backup, tracker
// pruning. All state mutations flow through it, local writes are durable
// before they are visible, and the document stays usable with no
// connectivity at all.
type Engine struct {
	config  Config
	logger  *slog.Logger
	clock   Clock
	metrics *Metrics

	store     *LocalStore
	flags     *ProtectionFlags
	tracker   *ChangeTracker
	echo      *EchoFilter
	queue     *OpQueue
	rec       *Reconciler
	resolver  *ownershipResolver
	backup    *BackupManager
	integrity *IntegrityMonitor

	remote    OperationStore
	realtime  RealtimeChannel
	snapshots SnapshotStore

	deviceID string

	warnings chan Warning
	pullCh   chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// opMu serializes local mutations so validation, sequence assignment,
	// and apply observe the same document.
	opMu sync.Mutex

	// pullMu serializes pull rounds.
	pullMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	syncing    bool
	lastSyncAt time.Time
	cursor     int64
}

// Open opens the engine: local store, device identity, remote adapters, and
// background loops. The returned engine is ready for local work immediately;
// remote sync proceeds as connectivity allows.
func Open(cfg Config) (*Engine, error) {
	if cfg.Local.Path == "" {
		return nil, errors.New("local store path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	var metrics *Metrics
	if cfg.MetricsRegistry != nil {
		metrics = NewMetrics(cfg.MetricsRegistry)
	}

	store, err := OpenLocalStore(cfg.Local)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	deviceID, err := store.DeviceID(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	flags := NewProtectionFlags(clock, store, logger)
	tracker := NewChangeTracker(cfg.Tracker, clock)
	echo := NewEchoFilter(deviceID, tracker, clock, cfg.Echo, logger, metrics)

	remote := cfg.Operations
	if remote == nil && cfg.Remote.OperationsURL != "" {
		remote = NewHTTPOperationStore(HTTPOperationStoreConfig{
			BaseURL:   cfg.Remote.OperationsURL,
			AuthToken: cfg.Remote.AuthToken,
			DeviceID:  deviceID,
			Timeout:   cfg.Remote.Timeout,
		}, logger)
	}

	queue := NewOpQueue(store, remote, tracker, cfg.Queue, clock, logger, metrics)

	state, err := store.LoadState(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	e := &Engine{
		config:   cfg,
		logger:   logger,
		clock:    clock,
		metrics:  metrics,
		store:    store,
		flags:    flags,
		tracker:  tracker,
		echo:     echo,
		queue:    queue,
		remote:   remote,
		deviceID: deviceID,
		warnings: make(chan Warning, warningBuffer),
		pullCh:   make(chan struct{}, 1),
	}

	e.rec = NewReconciler(state, store, flags, echo, clock, logger, metrics, e.onConflict)
	e.resolver = newOwnershipResolver(e.rec, queue, store, flags, cfg.Protection, clock, logger)

	snapshots := cfg.Snapshots
	if snapshots == nil && cfg.Remote.S3 != nil {
		s3cfg := *cfg.Remote.S3
		if s3cfg.UserID == "" {
			s3cfg.UserID = cfg.UserID
		}
		snapshots, err = NewS3SnapshotStore(s3cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	e.snapshots = snapshots

	e.backup, err = NewBackupManager(store, snapshots, cfg.UserID, cfg.Backup, e.rec.Snapshot, clock, logger, metrics, e.emitWarning)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	e.integrity = NewIntegrityMonitor(store, cfg.Integrity, e.syncProbe, clock, logger, metrics, e.emitWarning)

	e.realtime = cfg.Realtime
	if e.realtime == nil && cfg.Remote.RealtimeURL != "" {
		e.realtime = NewWSChannel(WSChannelConfig{
			URL:       cfg.Remote.RealtimeURL,
			AuthToken: cfg.Remote.AuthToken,
			DeviceID:  deviceID,
		}, logger, metrics)
	}

	cursor, _, err := store.LoadCursor(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	e.cursor = cursor

	queue.OnDrained(e.kickPull)

	// Compare against the counts persisted before the last shutdown; data
	// that vanished while the engine was closed has no other witness.
	e.checkIntegrity(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.startLoops(runCtx)

	logger.Info("engine opened",
		"device", deviceID, "path", cfg.Local.Path,
		"pending", e.pendingOrZero(ctx), "remote", remote != nil)
	return e, nil
}

func (e *Engine) startLoops(ctx context.Context) {
	if e.remote != nil {
		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			e.queue.Run(ctx)
		}()
		go func() {
			defer e.wg.Done()
			e.pullLoop(ctx)
		}()
	}
	if e.realtime != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeRealtime(ctx)
		}()
	}
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.backup.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.pruneLoop(ctx)
	}()
}

// Close stops the background loops and closes the local store. Pending
// operations stay durable and ship on the next open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	if e.realtime != nil {
		_ = e.realtime.Close()
	}
	e.wg.Wait()

	e.logger.Info("engine closed", "device", e.deviceID)
	return e.store.Close()
}

func (e *Engine) checkClosed() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// DeviceID returns this device's stable identity.
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// State returns a deep copy of the current document.
func (e *Engine) State() *State {
	return e.rec.Snapshot()
}

// VisibleAddresses returns the addresses still to be worked on the current
// list version.
func (e *Engine) VisibleAddresses() []Address {
	return e.rec.Snapshot().VisibleAddresses()
}

// Warnings returns the advisory warning stream. The channel is never
// closed; warnings that find no reader are dropped and logged.
func (e *Engine) Warnings() <-chan Warning {
	return e.warnings
}

// Conflicts returns the ownership conflicts awaiting a decision.
func (e *Engine) Conflicts() []*OwnershipConflict {
	return e.resolver.Open()
}

// ResolveConflict executes the user's decision on an open conflict.
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice OwnershipChoice) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	return e.resolver.Resolve(ctx, id, choice)
}

// ImportAddresses replaces the working list with a freshly imported one and
// bumps the list version. Completions recorded against older versions stay
// in history and never hide addresses on the new list.
func (e *Engine) ImportAddresses(ctx context.Context, addrs []Address) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	list := make([]Address, len(addrs))
	copy(list, addrs)
	for i := range list {
		if list[i].ID == "" {
			list[i].ID = uuid.NewString()
		}
	}

	st := e.rec.Snapshot()
	e.flags.Set(FlagImportInProgress, e.config.Protection.ImportWindow)
	op, err := e.queue.Enqueue(ctx, OpReplaceList, ReplaceListPayload{
		Addresses:   list,
		ListVersion: st.ListVersion + 1,
	})
	if err != nil {
		return err
	}
	if err := e.localApply(ctx, op); err != nil {
		return err
	}
	e.backupHook(ctx, BackupReasonImport)
	e.logger.Info("address list imported", "count", len(list), "listVersion", st.ListVersion+1)
	return nil
}

// AddAddress appends one address to the working list.
func (e *Engine) AddAddress(ctx context.Context, a Address) (Address, error) {
	if err := e.checkClosed(); err != nil {
		return Address{}, err
	}
	if a.Address == "" {
		return Address{}, errors.New("address label is required")
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	op, err := e.queue.Enqueue(ctx, OpAddAddress, AddAddressPayload{Address: a})
	if err != nil {
		return Address{}, err
	}
	return a, e.localApply(ctx, op)
}

// EditAddress replaces the address at index.
func (e *Engine) EditAddress(ctx context.Context, index int, a Address) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	st := e.rec.Snapshot()
	if index < 0 || index >= len(st.Addresses) {
		return ErrInvalidIndex
	}
	a.ID = st.Addresses[index].ID
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	op, err := e.queue.Enqueue(ctx, OpEditAddress, EditAddressPayload{Index: index, Address: a})
	if err != nil {
		return err
	}
	return e.localApply(ctx, op)
}

// RemoveAddress removes the address at index. The operation carries the
// address id and label so a peer whose list shifted never removes the
// wrong entry.
func (e *Engine) RemoveAddress(ctx context.Context, index int) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	st := e.rec.Snapshot()
	if index < 0 || index >= len(st.Addresses) {
		return ErrInvalidIndex
	}
	op, err := e.queue.Enqueue(ctx, OpRemoveAddress, RemoveAddressPayload{
		Index:           index,
		ID:              st.Addresses[index].ID,
		AddressSnapshot: st.Addresses[index].Address,
	})
	if err != nil {
		return err
	}
	return e.localApply(ctx, op)
}

// CompleteAddress records the outcome of visiting the address at index.
// The completion is keyed to the current list version and freezes the
// address label; completing an already-completed address is rejected.
func (e *Engine) CompleteAddress(ctx context.Context, index int, in CompletionInput) (Completion, error) {
	if err := e.checkClosed(); err != nil {
		return Completion{}, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	st := e.rec.Snapshot()
	if index < 0 || index >= len(st.Addresses) {
		return Completion{}, ErrInvalidIndex
	}
	if _, ok := st.CompletionFor(index, st.ListVersion); ok {
		return Completion{}, ErrAlreadyCompleted
	}

	c := Completion{
		Index:           index,
		Outcome:         in.Outcome,
		Amount:          in.Amount,
		ListVersion:     st.ListVersion,
		AddressSnapshot: st.Addresses[index].Address,
		CompletedAt:     e.clock.Now(),
		CaseReference:   in.CaseReference,
		NumberOfCases:   in.NumberOfCases,
		EnforcementFees: in.EnforcementFees,
	}
	op, err := e.queue.Enqueue(ctx, OpComplete, CompletePayload{Completion: c})
	if err != nil {
		return Completion{}, err
	}
	if err := e.localApply(ctx, op); err != nil {
		return Completion{}, err
	}
	e.backupHook(ctx, BackupReasonCompletion)
	return c, nil
}

// ChangeOutcome rewrites the completion recorded for index on the current
// list version. The revision wins over the original on every device no
// matter the order operations arrive in.
func (e *Engine) ChangeOutcome(ctx context.Context, index int, in CompletionInput) (Completion, error) {
	if err := e.checkClosed(); err != nil {
		return Completion{}, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	st := e.rec.Snapshot()
	existing, ok := st.CompletionFor(index, st.ListVersion)
	if !ok {
		return Completion{}, ErrCompletionNotFound
	}

	c := existing
	c.Outcome = in.Outcome
	c.Amount = in.Amount
	c.CaseReference = in.CaseReference
	c.NumberOfCases = in.NumberOfCases
	c.EnforcementFees = in.EnforcementFees
	c.CompletedAt = e.clock.Now()
	c.Revised = true

	op, err := e.queue.Enqueue(ctx, OpChangeOutcome, CompletePayload{Completion: c})
	if err != nil {
		return Completion{}, err
	}
	if err := e.localApply(ctx, op); err != nil {
		return Completion{}, err
	}
	return c, nil
}

// SetActiveIndex moves the active-address pointer; nil clears it.
func (e *Engine) SetActiveIndex(ctx context.Context, index *int) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if index != nil {
		st := e.rec.Snapshot()
		if *index < 0 || *index >= len(st.Addresses) {
			return ErrInvalidIndex
		}
	}
	op, err := e.queue.Enqueue(ctx, OpSetActive, SetActivePayload{Index: index})
	if err != nil {
		return err
	}
	return e.localApply(ctx, op)
}

// AddArrangement records a payment arrangement.
func (e *Engine) AddArrangement(ctx context.Context, a Arrangement) (Arrangement, error) {
	if err := e.checkClosed(); err != nil {
		return Arrangement{}, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.clock.Now()
	}
	op, err := e.queue.Enqueue(ctx, OpAddArrangement, ArrangementPayload{Arrangement: a})
	if err != nil {
		return Arrangement{}, err
	}
	return a, e.localApply(ctx, op)
}

// RemoveArrangement deletes an arrangement. Removing an id the document
// does not hold is a no-op.
func (e *Engine) RemoveArrangement(ctx context.Context, id string) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	found := false
	for _, a := range e.rec.Snapshot().Arrangements {
		if a.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	op, err := e.queue.Enqueue(ctx, OpRemoveArrangement, RemoveArrangementPayload{ID: id})
	if err != nil {
		return err
	}
	return e.localApply(ctx, op)
}

// StartDay opens today's work session. Starting an already-open day
// returns the existing session.
func (e *Engine) StartDay(ctx context.Context) (DaySession, error) {
	if err := e.checkClosed(); err != nil {
		return DaySession{}, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	now := e.clock.Now()
	date := now.Format("2006-01-02")
	st := e.rec.Snapshot()
	if s, ok := st.OpenSession(date); ok {
		return s, nil
	}

	s := DaySession{Date: date, StartedAt: now}
	e.flags.Set(FlagSessionEdit, e.config.Protection.SessionEditWindow)
	op, err := e.queue.Enqueue(ctx, OpStartDay, SessionPayload{Session: s})
	if err != nil {
		return DaySession{}, err
	}
	if err := e.localApply(ctx, op); err != nil {
		return DaySession{}, err
	}
	e.logger.Info("day started", "date", date)
	return s, nil
}

// EndDay closes the open work session, snapshots the document, and uploads
// the snapshot to cloud storage when configured.
func (e *Engine) EndDay(ctx context.Context) (DaySession, error) {
	if err := e.checkClosed(); err != nil {
		return DaySession{}, err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	st := e.rec.Snapshot()
	var open *DaySession
	for i := range st.Sessions {
		s := st.Sessions[i]
		if s.EndedAt == nil && (open == nil || s.Date > open.Date) {
			open = &st.Sessions[i]
		}
	}
	if open == nil {
		return DaySession{}, ErrNoOpenSession
	}

	s := *open
	now := e.clock.Now()
	s.EndedAt = &now
	e.flags.Set(FlagSessionEdit, e.config.Protection.SessionEditWindow)
	op, err := e.queue.Enqueue(ctx, OpEndDay, SessionPayload{Session: s})
	if err != nil {
		return DaySession{}, err
	}
	if err := e.localApply(ctx, op); err != nil {
		return DaySession{}, err
	}

	e.backupHook(ctx, BackupReasonDayEnd)
	if e.snapshots != nil {
		if _, err := e.backup.UploadLatest(ctx); err != nil {
			e.logger.Warn("end-of-day cloud upload failed", "error", err)
		}
	}
	e.logger.Info("day ended", "date", s.Date)
	return s, nil
}

// UpdateSettings replaces agent settings.
func (e *Engine) UpdateSettings(ctx context.Context, s Settings) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	op, err := e.queue.Enqueue(ctx, OpUpdateSettings, SettingsPayload{Settings: s})
	if err != nil {
		return err
	}
	return e.localApply(ctx, op)
}

// localApply installs an operation this device just enqueued and keeps the
// persisted entity counts tracking the live document.
func (e *Engine) localApply(ctx context.Context, op Operation) error {
	if err := e.rec.ApplyLocal(ctx, op); err != nil {
		return err
	}
	if err := e.store.SaveEntityCounts(ctx, e.rec.Counts(), e.clock.Now()); err != nil {
		e.logger.Warn("failed to persist entity counts", "error", err)
	}
	return nil
}

// BackupNow snapshots the current document on user request.
func (e *Engine) BackupNow(ctx context.Context) (BackupRecord, error) {
	if err := e.checkClosed(); err != nil {
		return BackupRecord{}, err
	}
	return e.backup.Snapshot(ctx, e.rec.Snapshot(), BackupReasonManual)
}

// Backups returns local backup records, newest first.
func (e *Engine) Backups(ctx context.Context) ([]BackupRecord, error) {
	return e.backup.List(ctx)
}

// CloudBackups lists cloud snapshots created at or after since.
func (e *Engine) CloudBackups(ctx context.Context, since time.Time) ([]SnapshotMeta, error) {
	return e.backup.CloudList(ctx, since)
}

// UploadBackup copies the newest local backup to cloud storage.
func (e *Engine) UploadBackup(ctx context.Context) (SnapshotMeta, error) {
	if err := e.checkClosed(); err != nil {
		return SnapshotMeta{}, err
	}
	return e.backup.UploadLatest(ctx)
}

// RestoreBackup replaces the document with a local backup. The restore
// protection window opens first, so in-flight remote updates cannot clobber
// the restored document; inbound sync resumes when the window expires.
func (e *Engine) RestoreBackup(ctx context.Context, id string) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.flags.Set(FlagRestoreInProgress, e.config.Protection.RestoreWindow)
	state, err := e.backup.Restore(ctx, id)
	if err != nil {
		e.flags.Clear(FlagRestoreInProgress)
		return err
	}
	e.rec.ReplaceState(ctx, state)
	if err := e.store.SaveEntityCounts(ctx, e.rec.Counts(), e.clock.Now()); err != nil {
		e.logger.Warn("failed to persist entity counts", "error", err)
	}
	e.backupHook(ctx, BackupReasonRestore)
	e.logger.Info("backup restored into live document", "id", id)
	return nil
}

// SyncNow drains the backlog and pulls the feed immediately.
func (e *Engine) SyncNow(ctx context.Context) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	if e.remote == nil {
		return ErrSyncUnavailable
	}
	if err := e.queue.Drain(ctx); err != nil {
		return err
	}
	return e.pull(ctx)
}

// Status reports connectivity: offline when no remote is configured or the
// breaker is open, syncing while a pull round runs, online otherwise.
func (e *Engine) Status() EngineStatus {
	if e.remote == nil {
		return StatusOffline
	}
	e.mu.Lock()
	syncing := e.syncing
	e.mu.Unlock()
	if syncing {
		return StatusSyncing
	}
	if !e.queue.Online() {
		return StatusOffline
	}
	return StatusOnline
}

// Stats returns a point-in-time aggregate of component statistics.
func (e *Engine) Stats() EngineStats {
	ctx := context.Background()
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		pending = -1
	}
	e.mu.Lock()
	last := e.lastSyncAt
	e.mu.Unlock()
	return EngineStats{
		DeviceID:      e.deviceID,
		Status:        e.Status(),
		PendingOps:    pending,
		OpenConflicts: len(e.resolver.Open()),
		LastSyncAt:    last,
		Queue:         e.queue.Stats(),
		Reconciler:    e.rec.Stats(),
		Echo:          e.echo.Stats(),
		Tracker:       e.tracker.Stats(),
		Backup:        e.backup.Stats(),
	}
}

// onConflict receives divergences from the reconciler and the bootstrap
// comparison. Duplicate deliveries of the same divergence open one prompt.
func (e *Engine) onConflict(c *OwnershipConflict) {
	if !e.resolver.add(c) {
		return
	}
	e.logger.Warn("ownership conflict detected", "kind", c.Kind, "id", c.ID)
	e.emitWarning(Warning{
		Kind:    WarningConflict,
		Message: fmt.Sprintf("%s conflict awaiting decision", c.Kind),
		At:      c.DetectedAt,
	})
}

func (e *Engine) emitWarning(w Warning) {
	select {
	case e.warnings <- w:
	default:
		e.logger.Warn("warning dropped, no reader", "kind", w.Kind, "message", w.Message)
	}
}

func (e *Engine) syncProbe() (bool, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing, e.lastSyncAt
}

func (e *Engine) noteSync() {
	e.mu.Lock()
	e.lastSyncAt = e.clock.Now()
	e.mu.Unlock()
}

func (e *Engine) kickPull() {
	select {
	case e.pullCh <- struct{}{}:
	default:
	}
}

func (e *Engine) backupHook(ctx context.Context, reason string) {
	if _, err := e.backup.Snapshot(ctx, e.rec.Snapshot(), reason); err != nil {
		e.logger.Warn("automatic backup failed", "reason", reason, "error", err)
	}
}

func (e *Engine) checkIntegrity(ctx context.Context) {
	w, err := e.integrity.Check(ctx, e.rec.Counts())
	if err != nil {
		e.logger.Warn("integrity check failed", "error", err)
		return
	}
	if w != nil {
		e.emitWarning(*w)
	}
}

func (e *Engine) pendingOrZero(ctx context.Context) int {
	n, err := e.queue.Pending(ctx)
	if err != nil {
		return 0
	}
	return n
}

// pullLoop pulls at startup, on kicks from the queue, and periodically as a
// backstop for dropped realtime frames.
func (e *Engine) pullLoop(ctx context.Context) {
	if err := e.pull(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Debug("startup pull deferred", "error", err)
	}

	ticker := time.NewTicker(defaultPullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.pullCh:
		}
		if err := e.pull(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Debug("pull deferred", "error", err)
		}
	}
}

// pull fetches updates after the cursor and applies them in order. The
// cursor only advances for updates that went through the reconciler, so a
// crash mid-round re-applies at most one batch, which the idempotent merge
// absorbs.
func (e *Engine) pull(ctx context.Context) error {
	if e.remote == nil {
		return ErrSyncUnavailable
	}
	e.pullMu.Lock()
	defer e.pullMu.Unlock()

	e.mu.Lock()
	e.syncing = true
	cursor := e.cursor
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	if cursor == 0 {
		held, err := e.bootstrapCompare(ctx)
		if err != nil {
			return err
		}
		if held {
			return nil
		}
	}

	total := 0
	for {
		updates, next, err := e.remote.Pull(ctx, cursor, pullBatchSize)
		if err != nil {
			return newSyncError(SyncErrorTypePull, "pull failed", err)
		}
		if len(updates) == 0 {
			break
		}
		for _, u := range updates {
			if _, err := e.rec.ApplyRemote(ctx, u); err != nil {
				e.logger.Warn("remote update failed to apply",
					"serverSeq", u.ServerSeq, "device", u.DeviceID, "error", err)
			}
		}
		cursor = next
		total += len(updates)

		e.mu.Lock()
		e.cursor = cursor
		e.mu.Unlock()
		if err := e.store.SaveCursor(ctx, cursor, e.clock.Now()); err != nil {
			e.logger.Warn("failed to persist sync cursor", "error", err)
		}
	}

	if total > 0 {
		e.noteSync()
		e.checkIntegrity(ctx)
		e.logger.Debug("pull round complete", "updates", total, "cursor", cursor)
	}
	return nil
}

// bootstrapCompare guards the very first pull. When this device already
// holds material data plus unsynced operations and the feed replays to a
// different document, the engine asks who owns the dataset instead of
// interleaving two histories. Held rounds resolve themselves: after the
// user's choice both documents converge and the next pull proceeds.
func (e *Engine) bootstrapCompare(ctx context.Context) (bool, error) {
	counts := e.rec.Counts()
	if counts.Addresses == 0 && counts.Completions == 0 && counts.Sessions == 0 && counts.Arrangements == 0 {
		return false, nil
	}
	pending, err := e.store.BacklogDepth(ctx)
	if err != nil || pending == 0 {
		return false, nil
	}

	var all []RemoteUpdate
	var cur int64
	for {
		updates, next, err := e.remote.Pull(ctx, cur, pullBatchSize)
		if err != nil {
			return false, newSyncError(SyncErrorTypePull, "bootstrap pull failed", err)
		}
		if len(updates) == 0 {
			break
		}
		all = append(all, updates...)
		cur = next
	}
	if len(all) == 0 {
		return false, nil
	}

	remoteDoc := replayUpdates(nil, all)
	local := e.rec.Snapshot()
	if remoteDoc.Fingerprint() == local.Fingerprint() {
		return false, nil
	}

	e.logger.Warn("bootstrap found a diverged remote dataset",
		"localAddresses", counts.Addresses, "remoteAddresses", len(remoteDoc.Addresses),
		"pendingOps", pending)
	e.onConflict(newDatasetConflict(local, remoteDoc, e.clock.Now()))
	return true, nil
}

// consumeRealtime applies streamed updates as they arrive. The cursor is
// never advanced here: pull remains the source of truth and re-applying a
// streamed update later is a no-op.
func (e *Engine) consumeRealtime(ctx context.Context) {
	ch, err := e.realtime.Subscribe(ctx)
	if err != nil {
		e.logger.Warn("realtime subscribe failed", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			res, err := e.rec.ApplyRemote(ctx, u)
			if err != nil {
				e.logger.Warn("streamed update failed to apply",
					"serverSeq", u.ServerSeq, "error", err)
				continue
			}
			if res == ApplyResultApplied && u.State != nil {
				// A pushed full document is a sync in its own right.
				e.noteSync()
				e.checkIntegrity(ctx)
			}
		}
	}
}

// pruneLoop expires change-tracker entries.
func (e *Engine) pruneLoop(ctx context.Context) {
	interval := e.config.Tracker.TTL
	if interval <= 0 {
		interval = DefaultTrackerConfig().TTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tracker.Prune()
		}
	}
}
