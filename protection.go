package fieldsync

import (
	"log/slog"
	"sync"
	"time"
)

// Well-known protection flag names. Each marks a sensitive local transition
// during which matching remote updates are ignored instead of merged.
const (
	// FlagRestoreInProgress guards a backup restore.
	FlagRestoreInProgress = "restore_in_progress"
	// FlagImportInProgress guards a fresh list import.
	FlagImportInProgress = "import_in_progress"
	// FlagSessionEdit guards an in-flight day session edit.
	FlagSessionEdit = "session_edit_in_progress"
)

// ProtectionConfig sets the window durations for the well-known flags.
type ProtectionConfig struct {
	// RestoreWindow guards restores. Default: 61s
	RestoreWindow time.Duration

	// ImportWindow guards list imports. Default: 45s
	ImportWindow time.Duration

	// SessionEditWindow guards session edits. Default: 30s
	SessionEditWindow time.Duration
}

// DefaultProtectionConfig returns the default protection windows.
func DefaultProtectionConfig() ProtectionConfig {
	return ProtectionConfig{
		RestoreWindow:     61 * time.Second,
		ImportWindow:      45 * time.Second,
		SessionEditWindow: 30 * time.Second,
	}
}

// ProtectionFlag is the persisted form of one active flag.
type ProtectionFlag struct {
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// flagStore persists flags so protection windows survive a process restart.
type flagStore interface {
	SaveProtectionFlags(flags []ProtectionFlag) error
	LoadProtectionFlags() ([]ProtectionFlag, error)
}

// ProtectionFlags tracks named time-bounded suppression windows. Expiry is
// lazy: expired entries simply stop matching and are pruned on the next
// write. All checks go through the injected clock.
type ProtectionFlags struct {
	mu     sync.Mutex
	flags  map[string]time.Time // name -> expiry
	clock  Clock
	store  flagStore
	logger *slog.Logger
}

// NewProtectionFlags creates the flag set, loading any persisted flags so a
// window set before a crash still holds after restart. store may be nil.
func NewProtectionFlags(clock Clock, store flagStore, logger *slog.Logger) *ProtectionFlags {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &ProtectionFlags{
		flags:  make(map[string]time.Time),
		clock:  clock,
		store:  store,
		logger: logger,
	}
	if store != nil {
		persisted, err := store.LoadProtectionFlags()
		if err != nil {
			logger.Warn("failed to load protection flags", "error", err)
		}
		for _, f := range persisted {
			p.flags[f.Name] = f.ExpiresAt
		}
	}
	return p
}

// Set activates name for duration d, replacing any existing window.
func (p *ProtectionFlags) Set(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags[name] = p.clock.Now().Add(d)
	p.persistLocked()
	p.logger.Debug("protection flag set", "flag", name, "duration", d)
}

// Clear removes name immediately.
func (p *ProtectionFlags) Clear(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.flags[name]; !ok {
		return
	}
	delete(p.flags, name)
	p.persistLocked()
	p.logger.Debug("protection flag cleared", "flag", name)
}

// IsActive reports whether name has an unexpired window.
func (p *ProtectionFlags) IsActive(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	expiry, ok := p.flags[name]
	return ok && p.clock.Now().Before(expiry)
}

// Active returns all unexpired flags, pruning the rest.
func (p *ProtectionFlags) Active() []ProtectionFlag {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	out := make([]ProtectionFlag, 0, len(p.flags))
	for name, expiry := range p.flags {
		if now.Before(expiry) {
			out = append(out, ProtectionFlag{Name: name, ExpiresAt: expiry})
		} else {
			delete(p.flags, name)
		}
	}
	return out
}

// persistLocked writes the unexpired set through to the store. Persistence
// is best effort: a write failure narrows crash protection but never blocks
// the flag itself.
func (p *ProtectionFlags) persistLocked() {
	if p.store == nil {
		return
	}
	now := p.clock.Now()
	flags := make([]ProtectionFlag, 0, len(p.flags))
	for name, expiry := range p.flags {
		if now.Before(expiry) {
			flags = append(flags, ProtectionFlag{Name: name, ExpiresAt: expiry})
		}
	}
	if err := p.store.SaveProtectionFlags(flags); err != nil {
		p.logger.Warn("failed to persist protection flags", "error", err)
	}
}
