package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConflictKind names the shape of an ownership conflict.
type ConflictKind string

const (
	// ConflictCompletionDivergence means two devices completed the same
	// address with different outcomes while apart.
	ConflictCompletionDivergence ConflictKind = "completion_divergence"
	// ConflictDatasetOwnership means local and remote hold entirely
	// different documents with no safe automatic winner, e.g. after a
	// reinstall or an unattributed server-side restore.
	ConflictDatasetOwnership ConflictKind = "dataset_ownership"
)

// OwnershipChoice is the user's decision on a conflict.
type OwnershipChoice int

const (
	// ChoiceKeepLocal keeps this device's data and asserts it to peers.
	ChoiceKeepLocal OwnershipChoice = iota
	// ChoiceAdoptRemote discards local divergence and takes the remote data.
	ChoiceAdoptRemote
)

// OwnershipConflict is a divergence the engine cannot settle on its own.
// It is surfaced to the embedding application, shown to the user, and
// resolved through Engine.ResolveConflict.
type OwnershipConflict struct {
	ID         string       `json:"id"`
	Kind       ConflictKind `json:"kind"`
	DetectedAt time.Time    `json:"detectedAt"`

	// Set for completion divergence.
	LocalCompletion  *Completion `json:"localCompletion,omitempty"`
	RemoteCompletion *Completion `json:"remoteCompletion,omitempty"`

	// Set for dataset ownership.
	LocalState  *State `json:"localState,omitempty"`
	RemoteState *State `json:"remoteState,omitempty"`
}

func newCompletionConflict(local, remote Completion, at time.Time) *OwnershipConflict {
	l, r := local, remote
	return &OwnershipConflict{
		ID:               uuid.NewString(),
		Kind:             ConflictCompletionDivergence,
		DetectedAt:       at,
		LocalCompletion:  &l,
		RemoteCompletion: &r,
	}
}

func newDatasetConflict(local, remote *State, at time.Time) *OwnershipConflict {
	return &OwnershipConflict{
		ID:          uuid.NewString(),
		Kind:        ConflictDatasetOwnership,
		DetectedAt:  at,
		LocalState:  local,
		RemoteState: remote,
	}
}

// dedupeKey identifies the underlying divergence independent of conflict ID.
// The same divergence can arrive through both the realtime channel and the
// pull cursor; one prompt is enough.
func (c *OwnershipConflict) dedupeKey() string {
	switch c.Kind {
	case ConflictCompletionDivergence:
		if c.RemoteCompletion != nil {
			return fmt.Sprintf("%s|%d|%d|%s", c.Kind,
				c.RemoteCompletion.Index, c.RemoteCompletion.ListVersion,
				c.RemoteCompletion.Fingerprint())
		}
	case ConflictDatasetOwnership:
		if c.RemoteState != nil {
			return fmt.Sprintf("%s|%s", c.Kind, c.RemoteState.Fingerprint())
		}
	}
	return string(c.Kind) + "|" + c.ID
}

// ownershipResolver tracks open conflicts and executes the user's choice.
type ownershipResolver struct {
	rec    *Reconciler
	queue  *OpQueue
	store  *LocalStore
	flags  *ProtectionFlags
	config ProtectionConfig
	clock  Clock
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*OwnershipConflict
	keys map[string]string // dedupeKey -> conflict id
}

func newOwnershipResolver(rec *Reconciler, queue *OpQueue, store *LocalStore, flags *ProtectionFlags, config ProtectionConfig, clock Clock, logger *slog.Logger) *ownershipResolver {
	return &ownershipResolver{
		rec:    rec,
		queue:  queue,
		store:  store,
		flags:  flags,
		config: config,
		clock:  clock,
		logger: logger,
		open:   make(map[string]*OwnershipConflict),
		keys:   make(map[string]string),
	}
}

// add registers a conflict, returning false when the same divergence is
// already awaiting a decision.
func (o *ownershipResolver) add(c *OwnershipConflict) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := c.dedupeKey()
	if _, dup := o.keys[key]; dup {
		return false
	}
	o.keys[key] = c.ID
	o.open[c.ID] = c
	return true
}

// Open returns the conflicts awaiting a decision, oldest first.
func (o *ownershipResolver) Open() []*OwnershipConflict {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*OwnershipConflict, 0, len(o.open))
	for _, c := range o.open {
		out = append(out, c)
	}
	// Small map; stable order matters more than speed.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].DetectedAt.Before(out[i].DetectedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Resolve executes the user's choice and closes the conflict.
func (o *ownershipResolver) Resolve(ctx context.Context, id string, choice OwnershipChoice) error {
	o.mu.Lock()
	c, ok := o.open[id]
	if ok {
		delete(o.open, id)
		delete(o.keys, c.dedupeKey())
	}
	o.mu.Unlock()
	if !ok {
		return ErrConflictUnresolved
	}

	switch c.Kind {
	case ConflictCompletionDivergence:
		return o.resolveCompletion(ctx, c, choice)
	case ConflictDatasetOwnership:
		return o.resolveDataset(ctx, c, choice)
	default:
		return ErrConflictUnresolved
	}
}

// resolveCompletion asserts the chosen record as a revision. Revisions beat
// originals on every device, so both sides converge on the choice no matter
// which device resolved it.
func (o *ownershipResolver) resolveCompletion(ctx context.Context, c *OwnershipConflict, choice OwnershipChoice) error {
	chosen := c.LocalCompletion
	if choice == ChoiceAdoptRemote {
		chosen = c.RemoteCompletion
	}
	if chosen == nil {
		return ErrConflictUnresolved
	}

	winner := *chosen
	winner.Revised = true
	winner.CompletedAt = o.clock.Now()

	op, err := o.queue.Enqueue(ctx, OpChangeOutcome, CompletePayload{Completion: winner})
	if err != nil {
		return err
	}
	if err := o.rec.ApplyLocal(ctx, op); err != nil {
		return err
	}
	o.logger.Info("completion conflict resolved",
		"index", winner.Index, "listVersion", winner.ListVersion,
		"outcome", winner.Outcome, "keepLocal", choice == ChoiceKeepLocal)
	return nil
}

func (o *ownershipResolver) resolveDataset(ctx context.Context, c *OwnershipConflict, choice OwnershipChoice) error {
	switch choice {
	case ChoiceKeepLocal:
		// Assert our document to every peer.
		state := o.rec.Snapshot()
		op, err := o.queue.Enqueue(ctx, OpFullState, FullStatePayload{State: state})
		if err != nil {
			return err
		}
		if err := o.rec.ApplyLocal(ctx, op); err != nil {
			return err
		}
		o.logger.Info("dataset conflict resolved, local kept")
		return nil

	case ChoiceAdoptRemote:
		if c.RemoteState == nil {
			return ErrConflictUnresolved
		}
		// Queued operations target the document being discarded.
		if err := o.store.ClearBacklog(ctx); err != nil {
			return err
		}
		o.flags.Set(FlagRestoreInProgress, o.config.RestoreWindow)
		o.rec.ReplaceState(ctx, c.RemoteState)
		o.logger.Info("dataset conflict resolved, remote adopted")
		return nil

	default:
		return ErrConflictUnresolved
	}
}
