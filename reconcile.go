package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ApplyResult classifies what the reconciler did with one remote update.
type ApplyResult string

const (
	// ApplyResultApplied means the update changed local state.
	ApplyResultApplied ApplyResult = "applied"
	// ApplyResultEcho means the echo filter suppressed the update.
	ApplyResultEcho ApplyResult = "echo"
	// ApplyResultVetoed means an active protection flag blocked the update.
	ApplyResultVetoed ApplyResult = "vetoed"
	// ApplyResultNoop means the update was already reflected in local state.
	ApplyResultNoop ApplyResult = "noop"
	// ApplyResultConflict means the update diverges from local state in a
	// way only the user can settle; it was deferred, not applied.
	ApplyResultConflict ApplyResult = "conflict"
)

// ReconcilerStats is a snapshot of reconciler activity.
type ReconcilerStats struct {
	Applied       int64     `json:"applied"`
	Echoes        int64     `json:"echoes"`
	Vetoed        int64     `json:"vetoed"`
	Noops         int64     `json:"noops"`
	Conflicts     int64     `json:"conflicts"`
	LastAppliedAt time.Time `json:"lastAppliedAt,omitempty"`
}

// Reconciler owns the in-memory state document and is its only mutator.
// Local operations and remote updates flow through the same per-operation
// apply logic, so replaying the shared feed on any device converges on the
// same document. Every mutation is normalized and persisted before the
// lock is released.
type Reconciler struct {
	mu    sync.RWMutex
	state *State

	store      *LocalStore
	flags      *ProtectionFlags
	echo       *EchoFilter
	clock      Clock
	logger     *slog.Logger
	metrics    *Metrics
	onConflict func(*OwnershipConflict)

	statsMu       sync.Mutex
	applied       int64
	echoes        int64
	vetoed        int64
	noops         int64
	conflicts     int64
	lastAppliedAt time.Time
}

// NewReconciler creates the reconciler around an initial state. onConflict
// receives completion-divergence conflicts for the embedding application
// to resolve; it may be nil.
func NewReconciler(initial *State, store *LocalStore, flags *ProtectionFlags, echo *EchoFilter, clock Clock, logger *slog.Logger, metrics *Metrics, onConflict func(*OwnershipConflict)) *Reconciler {
	if initial == nil {
		initial = NewState()
	} else {
		initial.Normalize()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		state:      initial,
		store:      store,
		flags:      flags,
		echo:       echo,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		onConflict: onConflict,
	}
}

// Snapshot returns a deep copy of the current state.
func (r *Reconciler) Snapshot() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Clone()
}

// Counts returns the current entity counts.
func (r *Reconciler) Counts() EntityCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Counts()
}

// Fingerprint returns the current state's content hash.
func (r *Reconciler) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Fingerprint()
}

// ApplyLocal applies an operation this device just produced. Local writes
// bypass the echo filter and protection flags: the user is always allowed
// to change their own device.
func (r *Reconciler) ApplyLocal(ctx context.Context, op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed, conflict, err := applyOperation(r.state, op)
	if err != nil {
		return err
	}
	if conflict != nil {
		// Cannot happen for operations the engine validates before
		// enqueueing, but keep the surface uniform.
		r.raiseConflict(conflict)
	}
	if changed {
		r.state.Normalize()
		r.persistLocked(ctx)
		r.noteApplied()
	}
	return nil
}

// ApplyRemote runs one inbound update through the echo filter, protection
// flags, and the merge logic, in that order.
func (r *Reconciler) ApplyRemote(ctx context.Context, u RemoteUpdate) (ApplyResult, error) {
	if r.echo != nil {
		if d := r.echo.Check(u); !d.ShouldApply {
			r.note(ApplyResultEcho)
			return ApplyResultEcho, nil
		}
	}

	if flag := r.blockedBy(u); flag != "" {
		r.logger.Info("remote update vetoed by protection flag",
			"flag", flag, "device", u.DeviceID, "serverSeq", u.ServerSeq)
		r.note(ApplyResultVetoed)
		return ApplyResultVetoed, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if u.State != nil {
		return r.applyRemoteStateLocked(ctx, u)
	}
	if u.Op == nil {
		return ApplyResultNoop, fmt.Errorf("remote update %d carries neither op nor state", u.ServerSeq)
	}

	changed, conflict, err := applyOperation(r.state, *u.Op)
	if err != nil {
		return ApplyResultNoop, err
	}
	if conflict != nil {
		r.raiseConflict(conflict)
		r.note(ApplyResultConflict)
		return ApplyResultConflict, nil
	}
	if !changed {
		r.note(ApplyResultNoop)
		return ApplyResultNoop, nil
	}

	r.state.Normalize()
	r.persistLocked(ctx)
	r.noteApplied()
	return ApplyResultApplied, nil
}

// applyRemoteStateLocked handles a full-state payload. An unattributed
// snapshot that disagrees with local state while unsynced local operations
// exist is deferred to the user instead of silently replacing their work.
func (r *Reconciler) applyRemoteStateLocked(ctx context.Context, u RemoteUpdate) (ApplyResult, error) {
	incoming := u.State.Clone()
	incoming.Normalize()

	if incoming.Fingerprint() == r.state.Fingerprint() {
		r.note(ApplyResultNoop)
		return ApplyResultNoop, nil
	}

	if u.DeviceID == "" && r.store != nil {
		pending, err := r.store.BacklogDepth(ctx)
		if err == nil && pending > 0 {
			conflict := newDatasetConflict(r.state.Clone(), incoming, r.clock.Now())
			r.raiseConflict(conflict)
			r.note(ApplyResultConflict)
			return ApplyResultConflict, nil
		}
	}

	r.state = incoming
	r.persistLocked(ctx)
	r.noteApplied()
	return ApplyResultApplied, nil
}

// ReplaceState force-installs a document, bypassing the echo filter and
// flags. Used by restore and by adopt-remote ownership resolutions; callers
// raise the restore protection flag around it.
func (r *Reconciler) ReplaceState(ctx context.Context, state *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state.Clone()
	r.state.Normalize()
	r.persistLocked(ctx)
	r.noteApplied()
}

// blockedBy returns the name of the protection flag vetoing this update,
// or "" when nothing blocks it. Restore blocks everything; import blocks
// list-shaped updates; session-edit blocks session updates.
func (r *Reconciler) blockedBy(u RemoteUpdate) string {
	if r.flags == nil {
		return ""
	}
	if r.flags.IsActive(FlagRestoreInProgress) {
		return FlagRestoreInProgress
	}

	t := OpFullState
	if u.Op != nil {
		t = u.Op.Type
	}
	switch t {
	case OpReplaceList, OpAddAddress, OpEditAddress, OpRemoveAddress, OpFullState:
		if r.flags.IsActive(FlagImportInProgress) {
			return FlagImportInProgress
		}
	}
	switch t {
	case OpStartDay, OpEndDay, OpFullState:
		if r.flags.IsActive(FlagSessionEdit) {
			return FlagSessionEdit
		}
	}
	return ""
}

func (r *Reconciler) persistLocked(ctx context.Context) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveState(ctx, r.state); err != nil {
		r.logger.Error("failed to persist state", "error", err)
	}
}

func (r *Reconciler) raiseConflict(c *OwnershipConflict) {
	if r.onConflict != nil {
		r.onConflict(c)
	}
}

func (r *Reconciler) note(result ApplyResult) {
	r.statsMu.Lock()
	switch result {
	case ApplyResultEcho:
		r.echoes++
	case ApplyResultVetoed:
		r.vetoed++
	case ApplyResultNoop:
		r.noops++
	case ApplyResultConflict:
		r.conflicts++
	}
	r.statsMu.Unlock()
	r.metrics.observeApply(string(result))
}

func (r *Reconciler) noteApplied() {
	r.statsMu.Lock()
	r.applied++
	r.lastAppliedAt = r.clock.Now()
	r.statsMu.Unlock()
	r.metrics.observeApply(string(ApplyResultApplied))
}

// Stats returns a snapshot of reconciler activity.
func (r *Reconciler) Stats() ReconcilerStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return ReconcilerStats{
		Applied:       r.applied,
		Echoes:        r.echoes,
		Vetoed:        r.vetoed,
		Noops:         r.noops,
		Conflicts:     r.conflicts,
		LastAppliedAt: r.lastAppliedAt,
	}
}

// applyOperation merges one operation into st. Every branch is idempotent:
// applying the same operation twice leaves the state it produced the first
// time. A non-nil conflict means the operation diverges from existing state
// and was not applied.
func applyOperation(st *State, op Operation) (changed bool, conflict *OwnershipConflict, err error) {
	switch op.Type {
	case OpComplete:
		var p CompletePayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applyComplete(st, p.Completion)

	case OpChangeOutcome:
		var p CompletePayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applyChangeOutcome(st, p.Completion), nil, nil

	case OpAddAddress:
		var p AddAddressPayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applyAddAddress(st, p.Address), nil, nil

	case OpEditAddress:
		var p EditAddressPayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applyEditAddress(st, p), nil, nil

	case OpRemoveAddress:
		var p RemoveAddressPayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applyRemoveAddress(st, p), nil, nil

	case OpReplaceList:
		var p ReplaceListPayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applyReplaceList(st, p, op.Stamp()), nil, nil

	case OpSetActive:
		var p SetActivePayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applySetActive(st, p.Index), nil, nil

	case OpAddArrangement:
		var p ArrangementPayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applyAddArrangement(st, p.Arrangement), nil, nil

	case OpRemoveArrangement:
		var p RemoveArrangementPayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applyRemoveArrangement(st, p.ID), nil, nil

	case OpStartDay, OpEndDay:
		var p SessionPayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		return applySession(st, p.Session), nil, nil

	case OpUpdateSettings:
		var p SettingsPayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		if fingerprintJSON(st.Settings) == fingerprintJSON(p.Settings) {
			return false, nil, nil
		}
		st.Settings = p.Settings
		return true, nil, nil

	case OpFullState:
		var p FullStatePayload
		if err := op.decode(&p); err != nil {
			return false, nil, err
		}
		if p.State == nil {
			return false, nil, fmt.Errorf("full_state payload missing state")
		}
		incoming := p.State.Clone()
		incoming.Normalize()
		if incoming.Fingerprint() == st.Fingerprint() {
			return false, nil, nil
		}
		*st = *incoming
		return true, nil, nil

	default:
		return false, nil, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

func applyComplete(st *State, c Completion) (bool, *OwnershipConflict, error) {
	if c.ListVersion < 0 {
		c.ListVersion = 0
	}
	existing, ok := st.CompletionFor(c.Index, c.ListVersion)
	if !ok {
		st.Completions = append(st.Completions, c)
		return true, nil, nil
	}
	if existing.Fingerprint() == c.Fingerprint() {
		return false, nil, nil
	}
	if existing.Revised {
		// A change-outcome already rewrote this record; the original
		// completion arriving late is stale.
		return false, nil, nil
	}
	// Two devices completed the same address with different outcomes while
	// apart. Only the agent knows which visit actually happened.
	return false, newCompletionConflict(existing, c, c.CompletedAt), nil
}

// applyChangeOutcome upserts the revised record. Later revisions win; an
// earlier revision arriving late is a no-op.
func applyChangeOutcome(st *State, c Completion) bool {
	if c.ListVersion < 0 {
		c.ListVersion = 0
	}
	c.Revised = true
	for i, existing := range st.Completions {
		if existing.Index != c.Index || existing.ListVersion != c.ListVersion {
			continue
		}
		if !completionWins(c, existing) {
			return false
		}
		st.Completions[i] = c
		return true
	}
	st.Completions = append(st.Completions, c)
	return true
}

func applyAddAddress(st *State, a Address) bool {
	for _, existing := range st.Addresses {
		if a.ID != "" && existing.ID == a.ID {
			return false
		}
		if a.ID == "" && existing.Fingerprint() == a.Fingerprint() {
			return false
		}
	}
	st.Addresses = append(st.Addresses, a)
	return true
}

func applyEditAddress(st *State, p EditAddressPayload) bool {
	i := -1
	if p.Address.ID != "" {
		i = findAddressByID(st.Addresses, p.Address.ID)
	}
	if i < 0 && p.Index >= 0 && p.Index < len(st.Addresses) {
		i = p.Index
	}
	if i < 0 {
		return false
	}
	if st.Addresses[i].Fingerprint() == p.Address.Fingerprint() {
		return false
	}
	st.Addresses[i] = p.Address
	return true
}

func applyRemoveAddress(st *State, p RemoveAddressPayload) bool {
	i := -1
	if p.ID != "" {
		i = findAddressByID(st.Addresses, p.ID)
	} else if p.Index >= 0 && p.Index < len(st.Addresses) && st.Addresses[p.Index].Address == p.AddressSnapshot {
		// No id to match on; only remove if the label still agrees, so a
		// shifted list never loses the wrong entry.
		i = p.Index
	}
	if i < 0 {
		return false
	}
	st.Addresses = append(st.Addresses[:i], st.Addresses[i+1:]...)
	return true
}

func applyReplaceList(st *State, p ReplaceListPayload, stamp OpStamp) bool {
	if st.ListStamp != nil && !stamp.supersedes(*st.ListStamp) {
		return false
	}
	lv := p.ListVersion
	if lv < 0 {
		lv = 0
	}
	st.Addresses = append([]Address(nil), p.Addresses...)
	st.ListVersion = lv
	st.ListStamp = &stamp
	st.ActiveIndex = nil
	return true
}

func applySetActive(st *State, index *int) bool {
	if index == nil {
		if st.ActiveIndex == nil {
			return false
		}
		st.ActiveIndex = nil
		return true
	}
	if st.ActiveIndex != nil && *st.ActiveIndex == *index {
		return false
	}
	v := *index
	st.ActiveIndex = &v
	return true
}

func applyAddArrangement(st *State, a Arrangement) bool {
	for i, existing := range st.Arrangements {
		if existing.ID != a.ID {
			continue
		}
		if !a.CreatedAt.After(existing.CreatedAt) {
			return false
		}
		st.Arrangements[i] = a
		return true
	}
	st.Arrangements = append(st.Arrangements, a)
	return true
}

func applyRemoveArrangement(st *State, id string) bool {
	for i, existing := range st.Arrangements {
		if existing.ID == id {
			st.Arrangements = append(st.Arrangements[:i], st.Arrangements[i+1:]...)
			return true
		}
	}
	return false
}

// applySession merges a day session by date: earliest start, latest end.
func applySession(st *State, incoming DaySession) bool {
	for i, existing := range st.Sessions {
		if existing.Date != incoming.Date {
			continue
		}
		merged := existing
		if incoming.StartedAt.Before(merged.StartedAt) {
			merged.StartedAt = incoming.StartedAt
		}
		if incoming.EndedAt != nil {
			if merged.EndedAt == nil || incoming.EndedAt.After(*merged.EndedAt) {
				v := *incoming.EndedAt
				merged.EndedAt = &v
			}
		}
		if fingerprintJSON(merged) == fingerprintJSON(existing) {
			return false
		}
		st.Sessions[i] = merged
		return true
	}
	st.Sessions = append(st.Sessions, incoming)
	return true
}

func findAddressByID(addrs []Address, id string) int {
	for i, a := range addrs {
		if a.ID == id {
			return i
		}
	}
	return -1
}

// replayUpdates folds a feed into a fresh document. Conflicting completions
// keep the first writer, matching what every device's reconciler does when
// it defers the conflict. Used at bootstrap to materialize the remote view
// for dataset comparison.
func replayUpdates(base *State, updates []RemoteUpdate) *State {
	st := NewState()
	if base != nil {
		st = base.Clone()
		st.Normalize()
	}
	for _, u := range updates {
		if u.State != nil {
			st = u.State.Clone()
			st.Normalize()
			continue
		}
		if u.Op == nil {
			continue
		}
		if changed, _, err := applyOperation(st, *u.Op); err == nil && changed {
			st.Normalize()
		}
	}
	return st
}
