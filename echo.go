package fieldsync

import (
	"log/slog"
	"sync"
	"time"
)

// EchoReason names the tier that classified an update as an echo.
type EchoReason string

const (
	// EchoReasonNone means no tier matched; the update is a real peer change.
	EchoReasonNone EchoReason = "none"
	// EchoReasonDevice means the update carries this device's own id.
	EchoReasonDevice EchoReason = "device"
	// EchoReasonTimestamp means the update was produced within the age
	// threshold of receipt, too fresh to be a peer write.
	EchoReasonTimestamp EchoReason = "timestamp"
	// EchoReasonTracker means the change tracker recorded the same entity
	// fingerprint from a local write moments ago.
	EchoReasonTracker EchoReason = "tracker"
)

// EchoDecision is the filter's verdict on one inbound update.
type EchoDecision struct {
	IsEcho      bool       `json:"isEcho"`
	Confidence  float64    `json:"confidence"`
	Reason      EchoReason `json:"reason"`
	ShouldApply bool       `json:"shouldApply"`
}

// EchoFilterConfig configures echo detection.
type EchoFilterConfig struct {
	// Enabled toggles the heuristic tiers (timestamp and tracker). The
	// device-identity tier always runs: skipping our own operations is
	// correctness, not heuristics. Default: true
	Enabled bool

	// AgeThreshold is the maximum producedAt-to-receipt age for the
	// timestamp tier to match. Default: 100ms
	AgeThreshold time.Duration

	// MinConfidence is the confidence at or above which an echo is
	// suppressed. Matches below it are logged but still applied.
	// Default: 0.8
	MinConfidence float64
}

// DefaultEchoFilterConfig returns the default echo filter configuration.
func DefaultEchoFilterConfig() EchoFilterConfig {
	return EchoFilterConfig{
		Enabled:       true,
		AgeThreshold:  100 * time.Millisecond,
		MinConfidence: 0.8,
	}
}

// EchoFilterStats is a snapshot of filter activity.
type EchoFilterStats struct {
	Checked          int64 `json:"checked"`
	DeviceMatches    int64 `json:"deviceMatches"`
	TimestampMatches int64 `json:"timestampMatches"`
	TrackerMatches   int64 `json:"trackerMatches"`
	Suppressed       int64 `json:"suppressed"`
	Passed           int64 `json:"passed"`
}

// EchoFilter decides whether an inbound update is this device's own write
// arriving back over the broadcast channel. Tiers run in order and the
// first match wins:
//
//  1. device identity - the update names our device id (confidence 1.0)
//  2. timestamp proximity - produced within AgeThreshold of receipt
//     (confidence 0.8; clocks drift, LAN peers can be nearly as fast)
//  3. change tracker - we recorded the same entity fingerprint locally
//     inside the recency window (confidence 1.0)
type EchoFilter struct {
	deviceID string
	tracker  *ChangeTracker
	clock    Clock
	config   EchoFilterConfig
	logger   *slog.Logger
	metrics  *Metrics

	mu               sync.Mutex
	checked          int64
	deviceMatches    int64
	timestampMatches int64
	trackerMatches   int64
	suppressed       int64
	passed           int64
}

// NewEchoFilter creates an echo filter for the given device identity.
func NewEchoFilter(deviceID string, tracker *ChangeTracker, clock Clock, config EchoFilterConfig, logger *slog.Logger, metrics *Metrics) *EchoFilter {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.AgeThreshold <= 0 {
		config.AgeThreshold = 100 * time.Millisecond
	}
	if config.MinConfidence <= 0 || config.MinConfidence > 1 {
		config.MinConfidence = 0.8
	}
	return &EchoFilter{
		deviceID: deviceID,
		tracker:  tracker,
		clock:    clock,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Check classifies one inbound update. It never returns an error: an update
// whose payload cannot be inspected simply skips the tracker tier and falls
// through to the reconciler, which owns decode failures.
func (f *EchoFilter) Check(u RemoteUpdate) EchoDecision {
	d := f.classify(u)
	d.ShouldApply = !d.IsEcho || d.Confidence < f.config.MinConfidence

	f.mu.Lock()
	f.checked++
	switch d.Reason {
	case EchoReasonDevice:
		f.deviceMatches++
	case EchoReasonTimestamp:
		f.timestampMatches++
	case EchoReasonTracker:
		f.trackerMatches++
	}
	if d.ShouldApply {
		f.passed++
	} else {
		f.suppressed++
	}
	f.mu.Unlock()

	f.metrics.observeEcho(string(d.Reason))
	if d.IsEcho {
		f.logger.Debug("echo detected",
			"reason", d.Reason,
			"confidence", d.Confidence,
			"device", u.DeviceID,
			"suppressed", !d.ShouldApply)
	}
	return d
}

func (f *EchoFilter) classify(u RemoteUpdate) EchoDecision {
	if u.DeviceID != "" && u.DeviceID == f.deviceID {
		return EchoDecision{IsEcho: true, Confidence: 1.0, Reason: EchoReasonDevice}
	}
	if !f.config.Enabled {
		return EchoDecision{Reason: EchoReasonNone}
	}

	if !u.ProducedAt.IsZero() {
		age := f.clock.Now().Sub(u.ProducedAt)
		if age < 0 {
			age = -age
		}
		if age < f.config.AgeThreshold {
			return EchoDecision{IsEcho: true, Confidence: 0.8, Reason: EchoReasonTimestamp}
		}
	}

	if f.tracker != nil {
		if key, fingerprint, err := u.entityRef(); err == nil {
			if f.tracker.IsRecentLocalChange(key, fingerprint) {
				return EchoDecision{IsEcho: true, Confidence: 1.0, Reason: EchoReasonTracker}
			}
		}
	}

	return EchoDecision{Reason: EchoReasonNone}
}

// Stats returns a snapshot of filter activity.
func (f *EchoFilter) Stats() EchoFilterStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return EchoFilterStats{
		Checked:          f.checked,
		DeviceMatches:    f.deviceMatches,
		TimestampMatches: f.timestampMatches,
		TrackerMatches:   f.trackerMatches,
		Suppressed:       f.suppressed,
		Passed:           f.passed,
	}
}
