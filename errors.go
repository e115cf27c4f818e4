package fieldsync

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors for the fieldsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine or store.
	ErrClosed = errors.New("engine is closed")

	// ErrInvalidIndex is returned when an address index is out of range.
	ErrInvalidIndex = errors.New("address index out of range")

	// ErrAlreadyCompleted is returned when completing an address that already
	// has an active completion for the current list version.
	ErrAlreadyCompleted = errors.New("address already completed")

	// ErrCompletionNotFound is returned when changing the outcome of a
	// completion that does not exist.
	ErrCompletionNotFound = errors.New("completion not found")

	// ErrNoOpenSession is returned when ending a day session that was never started.
	ErrNoOpenSession = errors.New("no open day session")

	// ErrRestoreInProgress is returned when a restore is requested while
	// another restore still holds the protection window.
	ErrRestoreInProgress = errors.New("restore already in progress")

	// ErrChecksumMismatch is returned when a backup blob fails verification.
	ErrChecksumMismatch = errors.New("backup checksum mismatch")

	// ErrBackupNotFound is returned when a backup id is unknown.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrConflictUnresolved is returned when resolving an ownership conflict
	// the engine is not tracking.
	ErrConflictUnresolved = errors.New("unknown ownership conflict")

	// ErrSyncUnavailable is returned when the remote store cannot be reached
	// and the circuit breaker refuses further attempts.
	ErrSyncUnavailable = errors.New("sync backend unavailable")

	// ErrStoreCorruption is returned when local data fails integrity checks.
	ErrStoreCorruption = errors.New("local store corruption detected")
)

// StoreErrorType categorizes local store errors.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeRead indicates a read failure.
	StoreErrorTypeRead
	// StoreErrorTypeWrite indicates a write failure.
	StoreErrorTypeWrite
	// StoreErrorTypeCorruption indicates checksum or decode failure.
	StoreErrorTypeCorruption
)

// StoreError provides detailed information about local store failures.
type StoreError struct {
	Type    StoreErrorType
	Message string
	Path    string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	if e.Type == StoreErrorTypeCorruption {
		return target == ErrStoreCorruption
	}
	return false
}

// newStoreError creates a new StoreError.
func newStoreError(errType StoreErrorType, message, path string, cause error) *StoreError {
	return &StoreError{
		Type:    errType,
		Message: message,
		Path:    path,
		Cause:   cause,
	}
}

// SyncErrorType categorizes remote sync errors.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified sync error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypePush indicates an operation submission failure.
	SyncErrorTypePush
	// SyncErrorTypePull indicates a fetch failure.
	SyncErrorTypePull
	// SyncErrorTypeChannel indicates a realtime channel failure.
	SyncErrorTypeChannel
)

// SyncError provides detailed information about remote sync failures.
type SyncError struct {
	Type     SyncErrorType
	Message  string
	DeviceID string
	Seq      int64
	Cause    error
}

func (e *SyncError) Error() string {
	if e.DeviceID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s/%d]: %v", e.Message, e.DeviceID, e.Seq, e.Cause)
		}
		return fmt.Sprintf("%s [%s/%d]", e.Message, e.DeviceID, e.Seq)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message string, cause error) *SyncError {
	return &SyncError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// WarningKind categorizes advisory warnings surfaced by the engine.
type WarningKind string

const (
	// WarningDataLoss flags a suspicious shrink in entity counts.
	WarningDataLoss WarningKind = "data_loss"
	// WarningStorageFull flags local storage usage past the high watermark.
	WarningStorageFull WarningKind = "storage_full"
	// WarningBackupFailed flags a failed automatic backup.
	WarningBackupFailed WarningKind = "backup_failed"
	// WarningSyncDegraded flags repeated remote failures.
	WarningSyncDegraded WarningKind = "sync_degraded"
	// WarningConflict flags an ownership conflict awaiting a decision.
	WarningConflict WarningKind = "ownership_conflict"
)

// Warning is an advisory condition the embedding application should surface
// to the user. Warnings never interrupt engine operation.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}
