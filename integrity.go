package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// IntegrityConfig configures suspicious-shrink detection.
type IntegrityConfig struct {
	// AddressDropThreshold is the minimum address count drop considered
	// suspicious. Default: 10
	AddressDropThreshold int

	// CompletionDropThreshold is the minimum completion count drop
	// considered suspicious. Default: 5
	CompletionDropThreshold int

	// DropRatio is the fraction of entities that must vanish before a drop
	// is suspicious. Default: 0.5
	DropRatio float64

	// SyncGracePeriod relaxes checks right after a sync: replacing the
	// document with the cloud's view legitimately shrinks counts.
	// Default: 2m
	SyncGracePeriod time.Duration
}

// DefaultIntegrityConfig returns the default integrity thresholds.
func DefaultIntegrityConfig() IntegrityConfig {
	return IntegrityConfig{
		AddressDropThreshold:    10,
		CompletionDropThreshold: 5,
		DropRatio:               0.5,
		SyncGracePeriod:         2 * time.Minute,
	}
}

// IntegrityMonitor watches entity counts across state transitions and
// warns when data vanishes in bulk. It is advisory only: a warning never
// blocks the transition that triggered it, because the shrink may be a
// legitimate import or sync.
type IntegrityMonitor struct {
	store     *LocalStore
	config    IntegrityConfig
	clock     Clock
	logger    *slog.Logger
	metrics   *Metrics
	warn      func(Warning)
	syncProbe func() (inFlight bool, lastSyncAt time.Time)
}

// NewIntegrityMonitor creates the monitor. syncProbe reports sync activity
// so post-sync shrinks are not flagged; warn may be nil.
func NewIntegrityMonitor(store *LocalStore, config IntegrityConfig, syncProbe func() (bool, time.Time), clock Clock, logger *slog.Logger, metrics *Metrics, warn func(Warning)) *IntegrityMonitor {
	if config.AddressDropThreshold <= 0 {
		config.AddressDropThreshold = 10
	}
	if config.CompletionDropThreshold <= 0 {
		config.CompletionDropThreshold = 5
	}
	if config.DropRatio <= 0 || config.DropRatio > 1 {
		config.DropRatio = 0.5
	}
	if config.SyncGracePeriod <= 0 {
		config.SyncGracePeriod = 2 * time.Minute
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityMonitor{
		store:     store,
		config:    config,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		warn:      warn,
		syncProbe: syncProbe,
	}
}

// Check compares counts against the previous observation, persists the new
// counts, and returns a warning when the shrink looks like data loss.
func (m *IntegrityMonitor) Check(ctx context.Context, counts EntityCounts) (*Warning, error) {
	prev, _, ok, err := m.store.LoadEntityCounts(ctx)
	if saveErr := m.store.SaveEntityCounts(ctx, counts, m.clock.Now()); saveErr != nil && err == nil {
		err = saveErr
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var drops []string
	if d := suspiciousDrop(prev.Addresses, counts.Addresses, m.config.AddressDropThreshold, m.config.DropRatio); d != "" {
		drops = append(drops, "addresses "+d)
	}
	if d := suspiciousDrop(prev.Completions, counts.Completions, m.config.CompletionDropThreshold, m.config.DropRatio); d != "" {
		drops = append(drops, "completions "+d)
	}
	if len(drops) == 0 {
		return nil, nil
	}

	if m.syncProbe != nil {
		inFlight, lastSyncAt := m.syncProbe()
		if inFlight || m.clock.Now().Sub(lastSyncAt) <= m.config.SyncGracePeriod {
			m.logger.Info("entity counts shrank during sync window",
				"drops", strings.Join(drops, ", "), "inFlight", inFlight)
			return nil, nil
		}
	}

	w := Warning{
		Kind:    WarningDataLoss,
		Message: fmt.Sprintf("possible data loss: %s", strings.Join(drops, ", ")),
		At:      m.clock.Now(),
	}
	m.metrics.observeIntegrityWarning()
	m.logger.Warn("integrity warning", "drops", strings.Join(drops, ", "))
	if m.warn != nil {
		m.warn(w)
	}
	return &w, nil
}

func suspiciousDrop(prev, current, threshold int, ratio float64) string {
	drop := prev - current
	if drop < threshold {
		return ""
	}
	if float64(drop) < float64(prev)*ratio {
		return ""
	}
	return fmt.Sprintf("%d -> %d", prev, current)
}
