package fieldsync

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testEngineConfig(t *testing.T, clock Clock) Config {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "fieldsync.db"))
	cfg.Logger = testLogger()
	cfg.Clock = clock
	return cfg
}

func openTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := Open(cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

// waitForSubscribers blocks until n realtime subscriptions are registered.
// The broadcast has no replay, so publishing before the engine's subscribe
// lands would silently lose the update.
func waitForSubscribers(t *testing.T, remote *MemoryRemote, n int) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.subs) >= n
	})
}

func TestEngineOfflineWorkday(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	if eng.Status() != StatusOffline {
		t.Errorf("no remote configured, status = %s", eng.Status())
	}
	if err := eng.SyncNow(testCtx); !errors.Is(err, ErrSyncUnavailable) {
		t.Errorf("sync without remote: %v", err)
	}

	if err := eng.ImportAddresses(testCtx, testAddresses(5)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := len(eng.VisibleAddresses()); got != 5 {
		t.Fatalf("visible after import = %d", got)
	}

	session, err := eng.StartDay(testCtx)
	if err != nil {
		t.Fatalf("start day: %v", err)
	}
	if session.Date != "2025-03-10" {
		t.Errorf("session date = %q", session.Date)
	}

	if _, err := eng.CompleteAddress(testCtx, 0, CompletionInput{Outcome: OutcomeDone}); err != nil {
		t.Fatalf("complete 0: %v", err)
	}
	c, err := eng.CompleteAddress(testCtx, 1, CompletionInput{
		Outcome:         OutcomePIF,
		Amount:          "120.00",
		CaseReference:   "CR-1001",
		NumberOfCases:   2,
		EnforcementFees: []string{"75.00", "190.00"},
	})
	if err != nil {
		t.Fatalf("complete 1: %v", err)
	}
	if c.AddressSnapshot != "2 High Street" {
		t.Errorf("completion did not freeze the label: %q", c.AddressSnapshot)
	}
	if c.Amount != "120.00" {
		t.Errorf("amount = %q", c.Amount)
	}
	if got := len(eng.VisibleAddresses()); got != 3 {
		t.Errorf("visible after completions = %d", got)
	}

	// A second completion on the same address is rejected.
	if _, err := eng.CompleteAddress(testCtx, 1, CompletionInput{Outcome: OutcomeDone}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("double complete: %v", err)
	}

	// Revision replaces the recorded outcome.
	clock.Advance(time.Hour)
	revised, err := eng.ChangeOutcome(testCtx, 0, CompletionInput{Outcome: OutcomeDA})
	if err != nil {
		t.Fatalf("change outcome: %v", err)
	}
	if !revised.Revised || revised.Outcome != OutcomeDA {
		t.Errorf("revision not marked: %+v", revised)
	}

	ended, err := eng.EndDay(testCtx)
	if err != nil {
		t.Fatalf("end day: %v", err)
	}
	if ended.EndedAt == nil {
		t.Error("session not closed")
	}

	stats := eng.Stats()
	if stats.PendingOps != 6 {
		t.Errorf("pending ops = %d, want 6", stats.PendingOps)
	}
	if stats.Queue.Enqueued != 6 {
		t.Errorf("enqueued = %d, want 6", stats.Queue.Enqueued)
	}
}

func TestEngineSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "fieldsync.db"))
	cfg.Logger = testLogger()
	cfg.Clock = NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))

	eng, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := eng.ImportAddresses(testCtx, testAddresses(4)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := eng.CompleteAddress(testCtx, 2, CompletionInput{Outcome: OutcomeDone}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	device := eng.DeviceID()
	fp := eng.State().Fingerprint()
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Everything local survives the restart: identity, document, backlog.
	reopened := openTestEngine(t, cfg)
	if reopened.DeviceID() != device {
		t.Error("device identity changed across reopen")
	}
	if reopened.State().Fingerprint() != fp {
		t.Error("document changed across reopen")
	}
	if got := reopened.Stats().PendingOps; got != 2 {
		t.Errorf("backlog lost across reopen: %d", got)
	}
}

func TestEngineValidationErrors(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	if err := eng.ImportAddresses(testCtx, testAddresses(2)); err != nil {
		t.Fatalf("import: %v", err)
	}

	if _, err := eng.CompleteAddress(testCtx, 9, CompletionInput{Outcome: OutcomeDone}); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("complete out of range: %v", err)
	}
	if err := eng.EditAddress(testCtx, -1, Address{Address: "x"}); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("edit out of range: %v", err)
	}
	if err := eng.RemoveAddress(testCtx, 5); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("remove out of range: %v", err)
	}
	bad := 7
	if err := eng.SetActiveIndex(testCtx, &bad); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("set active out of range: %v", err)
	}
	if _, err := eng.ChangeOutcome(testCtx, 0, CompletionInput{Outcome: OutcomeDA}); !errors.Is(err, ErrCompletionNotFound) {
		t.Errorf("change outcome without completion: %v", err)
	}
	if _, err := eng.EndDay(testCtx); !errors.Is(err, ErrNoOpenSession) {
		t.Errorf("end day without start: %v", err)
	}
	if _, err := eng.AddAddress(testCtx, Address{}); err == nil {
		t.Error("empty address label accepted")
	}
}

func TestEngineListEditing(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	if err := eng.ImportAddresses(testCtx, testAddresses(2)); err != nil {
		t.Fatalf("import: %v", err)
	}

	added, err := eng.AddAddress(testCtx, Address{Address: "3 High Street"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if added.ID == "" {
		t.Error("added address has no id")
	}
	if got := len(eng.State().Addresses); got != 3 {
		t.Fatalf("addresses = %d", got)
	}

	// Editing keeps the identity stable.
	origID := eng.State().Addresses[1].ID
	if err := eng.EditAddress(testCtx, 1, Address{Address: "2 High Street, Flat B"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	st := eng.State()
	if st.Addresses[1].Address != "2 High Street, Flat B" {
		t.Errorf("edit not applied: %q", st.Addresses[1].Address)
	}
	if st.Addresses[1].ID != origID {
		t.Error("edit changed the address id")
	}

	if err := eng.RemoveAddress(testCtx, 0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	st = eng.State()
	if len(st.Addresses) != 2 || st.Addresses[0].Address != "2 High Street, Flat B" {
		t.Errorf("remove shifted wrong entry: %+v", st.Addresses)
	}
}

func TestEngineActivePointerAndArrangements(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	if err := eng.ImportAddresses(testCtx, testAddresses(3)); err != nil {
		t.Fatalf("import: %v", err)
	}

	idx := 2
	if err := eng.SetActiveIndex(testCtx, &idx); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if got := eng.State().ActiveIndex; got == nil || *got != 2 {
		t.Errorf("active index = %v", got)
	}
	if err := eng.SetActiveIndex(testCtx, nil); err != nil {
		t.Fatalf("clear active: %v", err)
	}
	if eng.State().ActiveIndex != nil {
		t.Error("active index not cleared")
	}

	arr, err := eng.AddArrangement(testCtx, Arrangement{
		Address:      "1 High Street",
		ScheduledFor: clock.Now().AddDate(0, 0, 7),
		Amount:       "50.00",
	})
	if err != nil {
		t.Fatalf("add arrangement: %v", err)
	}
	if arr.ID == "" || arr.CreatedAt.IsZero() {
		t.Errorf("arrangement identity not filled: %+v", arr)
	}

	// Removing an unknown id is a no-op and queues nothing.
	before := eng.Stats().PendingOps
	if err := eng.RemoveArrangement(testCtx, "missing"); err != nil {
		t.Fatalf("remove unknown: %v", err)
	}
	if got := eng.Stats().PendingOps; got != before {
		t.Errorf("no-op removal queued an operation: %d -> %d", before, got)
	}

	if err := eng.RemoveArrangement(testCtx, arr.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := len(eng.State().Arrangements); got != 0 {
		t.Errorf("arrangements = %d", got)
	}
}

func TestEngineStartDayIdempotent(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	first, err := eng.StartDay(testCtx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	pending := eng.Stats().PendingOps

	clock.Advance(time.Hour)
	again, err := eng.StartDay(testCtx)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !again.StartedAt.Equal(first.StartedAt) {
		t.Error("second start replaced the open session")
	}
	if got := eng.Stats().PendingOps; got != pending {
		t.Errorf("idempotent start queued an operation: %d -> %d", pending, got)
	}
}

func TestEngineUpdateSettings(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	if err := eng.UpdateSettings(testCtx, Settings{AgentName: "J. Moss", AutoBackup: true}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if got := eng.State().Settings.AgentName; got != "J. Moss" {
		t.Errorf("settings not applied: %q", got)
	}
}

func TestEngineTwoDevicesConverge(t *testing.T) {
	remote := NewMemoryRemote()
	base := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

	cfgA := testEngineConfig(t, NewManualClock(base))
	cfgA.Operations = remote
	a := openTestEngine(t, cfgA)

	// Offset clocks keep the timestamp echo tier out of the way, the same
	// way real devices are never millisecond-aligned.
	cfgB := testEngineConfig(t, NewManualClock(base.Add(10*time.Second)))
	cfgB.Operations = remote
	b := openTestEngine(t, cfgB)

	if err := a.ImportAddresses(testCtx, testAddresses(3)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := a.SyncNow(testCtx); err != nil {
		t.Fatalf("a sync: %v", err)
	}
	if err := b.SyncNow(testCtx); err != nil {
		t.Fatalf("b sync: %v", err)
	}
	if got := len(b.VisibleAddresses()); got != 3 {
		t.Fatalf("list did not reach the peer: %d addresses", got)
	}

	if _, err := b.CompleteAddress(testCtx, 2, CompletionInput{Outcome: OutcomePIF, Amount: "80.00"}); err != nil {
		t.Fatalf("b complete: %v", err)
	}
	if err := b.SyncNow(testCtx); err != nil {
		t.Fatalf("b sync: %v", err)
	}
	if err := a.SyncNow(testCtx); err != nil {
		t.Fatalf("a sync: %v", err)
	}

	if a.State().Fingerprint() != b.State().Fingerprint() {
		t.Fatal("documents diverged")
	}
	c, ok := a.State().CompletionFor(2, 1)
	if !ok || c.Outcome != OutcomePIF || c.Amount != "80.00" {
		t.Errorf("completion did not reach the peer: %+v", c)
	}

	// Each device saw its own operations come back and skipped them.
	if got := a.Stats().Echo.DeviceMatches; got == 0 {
		t.Error("device echo tier never fired on a")
	}
	if a.Stats().PendingOps != 0 || b.Stats().PendingOps != 0 {
		t.Error("backlog left after sync")
	}
}

func TestEngineRealtimeDelivery(t *testing.T) {
	remote := NewMemoryRemote()
	base := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

	cfgA := testEngineConfig(t, NewManualClock(base))
	cfgA.Operations = remote
	a := openTestEngine(t, cfgA)

	// b consumes the stream only: no operation store, no pull loop.
	cfgB := testEngineConfig(t, NewManualClock(base.Add(10*time.Second)))
	cfgB.Realtime = remote
	b := openTestEngine(t, cfgB)
	waitForSubscribers(t, remote, 1)

	if err := a.ImportAddresses(testCtx, testAddresses(4)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := a.SyncNow(testCtx); err != nil {
		t.Fatalf("a sync: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(b.State().Addresses) == 4
	})

	// Streamed updates never advance the pull cursor.
	b.mu.Lock()
	cursor := b.cursor
	b.mu.Unlock()
	if cursor != 0 {
		t.Errorf("realtime consumption moved the cursor to %d", cursor)
	}
}

func TestEngineRealtimeStatePush(t *testing.T) {
	remote := NewMemoryRemote()
	base := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

	cfg := testEngineConfig(t, NewManualClock(base))
	cfg.Realtime = remote
	eng := openTestEngine(t, cfg)
	waitForSubscribers(t, remote, 1)

	// A server-side restore pushes a full document to every device. With no
	// local work at stake it simply applies.
	pushed := listState(6)
	remote.PublishState(pushed, "", base.Add(-time.Hour))

	waitFor(t, 2*time.Second, func() bool {
		return len(eng.State().Addresses) == 6
	})
	if eng.State().Fingerprint() != pushed.Fingerprint() {
		t.Error("pushed document not installed")
	}
}

func TestEngineCompletionConflictEndToEnd(t *testing.T) {
	remote := NewMemoryRemote()
	base := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

	cfgA := testEngineConfig(t, NewManualClock(base))
	cfgA.Operations = remote
	a := openTestEngine(t, cfgA)

	cfgB := testEngineConfig(t, NewManualClock(base.Add(10*time.Second)))
	cfgB.Operations = remote
	b := openTestEngine(t, cfgB)

	if err := a.ImportAddresses(testCtx, testAddresses(3)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := a.SyncNow(testCtx); err != nil {
		t.Fatalf("a sync: %v", err)
	}
	if err := b.SyncNow(testCtx); err != nil {
		t.Fatalf("b sync: %v", err)
	}

	// Both devices complete the same address while apart.
	if _, err := a.CompleteAddress(testCtx, 1, CompletionInput{Outcome: OutcomeDone}); err != nil {
		t.Fatalf("a complete: %v", err)
	}
	if _, err := b.CompleteAddress(testCtx, 1, CompletionInput{Outcome: OutcomePIF, Amount: "50.00"}); err != nil {
		t.Fatalf("b complete: %v", err)
	}
	if err := a.SyncNow(testCtx); err != nil {
		t.Fatalf("a sync: %v", err)
	}
	if err := b.SyncNow(testCtx); err != nil {
		t.Fatalf("b sync: %v", err)
	}

	// b saw a's divergent completion; the document holds b's own record and
	// the divergence waits for a decision.
	conflicts := b.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict on b, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.Kind != ConflictCompletionDivergence {
		t.Fatalf("wrong kind: %s", c.Kind)
	}
	if c.LocalCompletion.Outcome != OutcomePIF || c.RemoteCompletion.Outcome != OutcomeDone {
		t.Errorf("conflict sides wrong: %+v", c)
	}
	warned := false
	for _, w := range drainWarnings(b.Warnings()) {
		if w.Kind == WarningConflict {
			warned = true
		}
	}
	if !warned {
		t.Error("conflict produced no warning")
	}

	// b keeps its own record; the decision rides to a as a revision.
	if err := b.ResolveConflict(testCtx, c.ID, ChoiceKeepLocal); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := b.SyncNow(testCtx); err != nil {
		t.Fatalf("b sync: %v", err)
	}
	if err := a.SyncNow(testCtx); err != nil {
		t.Fatalf("a sync: %v", err)
	}

	if a.State().Fingerprint() != b.State().Fingerprint() {
		t.Fatal("documents diverged after resolution")
	}
	final, ok := a.State().CompletionFor(1, 1)
	if !ok || final.Outcome != OutcomePIF || !final.Revised {
		t.Errorf("decision did not win on a: %+v", final)
	}
	if len(b.Conflicts()) != 0 {
		t.Error("conflict still open on b")
	}
	// a saw b's original completion before the revision settled things, so
	// its own prompt stays open until the agent dismisses it.
	if got := len(a.Conflicts()); got != 1 {
		t.Errorf("conflicts open on a = %d, want 1", got)
	}
}

func TestEngineBootstrapDatasetConflict(t *testing.T) {
	remote := NewMemoryRemote()
	base := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

	cfgA := testEngineConfig(t, NewManualClock(base))
	cfgA.Operations = remote
	a := openTestEngine(t, cfgA)
	if err := a.ImportAddresses(testCtx, testAddresses(4)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := a.SyncNow(testCtx); err != nil {
		t.Fatalf("a sync: %v", err)
	}

	// b worked fully offline first: its own list, its own backlog.
	dir := t.TempDir()
	cfgB := DefaultConfig(filepath.Join(dir, "fieldsync.db"))
	cfgB.Logger = testLogger()
	cfgB.Clock = NewManualClock(base.Add(10 * time.Second))
	offline, err := Open(cfgB)
	if err != nil {
		t.Fatalf("open offline: %v", err)
	}
	if err := offline.ImportAddresses(testCtx, []Address{{Address: "9 Mill Lane"}, {Address: "11 Mill Lane"}}); err != nil {
		t.Fatalf("offline import: %v", err)
	}
	localFP := offline.State().Fingerprint()
	if err := offline.Close(); err != nil {
		t.Fatalf("close offline: %v", err)
	}

	// First connect: the feed replays to a different document while local
	// unsynced work exists, so nothing merges until the user decides.
	cfgB.Operations = remote
	cfgB.Queue.FlushInterval = time.Hour // keep the backlog parked during the prompt
	b := openTestEngine(t, cfgB)

	waitFor(t, 2*time.Second, func() bool {
		return len(b.Conflicts()) == 1
	})
	c := b.Conflicts()[0]
	if c.Kind != ConflictDatasetOwnership {
		t.Fatalf("wrong kind: %s", c.Kind)
	}
	if b.State().Fingerprint() != localFP {
		t.Error("bootstrap hold did not keep the local document")
	}

	if err := b.ResolveConflict(testCtx, c.ID, ChoiceAdoptRemote); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if b.State().Fingerprint() != a.State().Fingerprint() {
		t.Error("adopted document differs from the cloud's")
	}
	if got := b.Stats().PendingOps; got != 0 {
		t.Errorf("stale backlog kept after adoption: %d ops", got)
	}
}

func TestEngineRestoreBackup(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	if err := eng.ImportAddresses(testCtx, testAddresses(4)); err != nil {
		t.Fatalf("import: %v", err)
	}
	fpAfterImport := eng.State().Fingerprint()

	clock.Advance(time.Minute)
	if _, err := eng.CompleteAddress(testCtx, 0, CompletionInput{Outcome: OutcomeDone}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if eng.State().Fingerprint() == fpAfterImport {
		t.Fatal("completion did not change the document")
	}

	// An unknown id fails cleanly and releases the protection window.
	if err := eng.RestoreBackup(testCtx, "no-such-backup"); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("restore unknown: %v", err)
	}
	if eng.flags.IsActive(FlagRestoreInProgress) {
		t.Error("failed restore left the protection window open")
	}

	// The import milestone snapshot brings the document back.
	records, err := eng.Backups(testCtx)
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	var importBackup *BackupRecord
	for i := range records {
		if records[i].Reason == BackupReasonImport {
			importBackup = &records[i]
			break
		}
	}
	if importBackup == nil {
		t.Fatalf("no import milestone backup in %+v", records)
	}
	if err := eng.RestoreBackup(testCtx, importBackup.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if eng.State().Fingerprint() != fpAfterImport {
		t.Error("restore did not bring the document back")
	}
	if !eng.flags.IsActive(FlagRestoreInProgress) {
		t.Error("restore window not raised")
	}
}

func TestEngineDataLossWarningAtOpen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "fieldsync.db"))
	cfg.Logger = testLogger()
	cfg.Clock = NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))

	eng, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := eng.ImportAddresses(testCtx, testAddresses(20)); err != nil {
		t.Fatalf("import: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := eng.CompleteAddress(testCtx, i, CompletionInput{Outcome: OutcomeDone}); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The document vanishes while the engine is down.
	store, err := OpenLocalStore(cfg.Local)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if err := store.SaveState(testCtx, NewState()); err != nil {
		t.Fatalf("wipe state: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Open compares against the counts persisted before shutdown.
	reopened := openTestEngine(t, cfg)
	var found bool
	for _, w := range drainWarnings(reopened.Warnings()) {
		if w.Kind == WarningDataLoss {
			found = true
		}
	}
	if !found {
		t.Error("vanished data raised no warning at open")
	}
}

func TestEngineImportVersioning(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	if err := eng.ImportAddresses(testCtx, testAddresses(3)); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if _, err := eng.CompleteAddress(testCtx, 0, CompletionInput{Outcome: OutcomeDone}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	clock.Advance(time.Hour)
	if err := eng.ImportAddresses(testCtx, []Address{{Address: "5 New Road"}, {Address: "7 New Road"}}); err != nil {
		t.Fatalf("second import: %v", err)
	}

	st := eng.State()
	if st.ListVersion != 2 {
		t.Fatalf("list version = %d", st.ListVersion)
	}
	// The old completion is history, not a mask over the new list.
	if got := len(eng.VisibleAddresses()); got != 2 {
		t.Errorf("visible on new list = %d", got)
	}
	if _, ok := st.CompletionFor(0, 1); !ok {
		t.Error("historic completion lost")
	}
	if _, ok := st.CompletionFor(0, 2); ok {
		t.Error("old completion leaked onto the new list version")
	}
	// Index 0 is workable again on the new version.
	if _, err := eng.CompleteAddress(testCtx, 0, CompletionInput{Outcome: OutcomeARR}); err != nil {
		t.Errorf("complete on new version: %v", err)
	}
}

func TestEngineSingleCompletionRecord(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	if err := eng.ImportAddresses(testCtx, testAddresses(50)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := eng.CompleteAddress(testCtx, 3, CompletionInput{Outcome: OutcomePIF, Amount: "120.00"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	st := eng.State()
	var matches []Completion
	for _, c := range st.Completions {
		if c.Index == 3 {
			matches = append(matches, c)
		}
	}
	if len(matches) != 1 {
		t.Fatalf("records for index 3 = %d, want 1", len(matches))
	}
	got := matches[0]
	if got.Outcome != OutcomePIF || got.Amount != "120.00" || got.ListVersion != 1 {
		t.Errorf("completion = %+v", got)
	}
}

func TestEngineStatus(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))

	offline := openTestEngine(t, testEngineConfig(t, clock))
	if offline.Status() != StatusOffline {
		t.Errorf("offline engine status = %s", offline.Status())
	}

	cfg := testEngineConfig(t, clock)
	cfg.Operations = NewMemoryRemote()
	online := openTestEngine(t, cfg)
	// The startup pull may still be in flight.
	waitFor(t, 2*time.Second, func() bool {
		return online.Status() == StatusOnline
	})
}

func TestEngineClosed(t *testing.T) {
	clock := NewManualClock(time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC))
	eng := openTestEngine(t, testEngineConfig(t, clock))

	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := eng.ImportAddresses(testCtx, testAddresses(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("import after close: %v", err)
	}
	if _, err := eng.CompleteAddress(testCtx, 0, CompletionInput{Outcome: OutcomeDone}); !errors.Is(err, ErrClosed) {
		t.Errorf("complete after close: %v", err)
	}
	if err := eng.SyncNow(testCtx); !errors.Is(err, ErrClosed) {
		t.Errorf("sync after close: %v", err)
	}
	if _, err := eng.BackupNow(testCtx); !errors.Is(err, ErrClosed) {
		t.Errorf("backup after close: %v", err)
	}
}
