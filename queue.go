package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// QueueConfig configures the operation queue and its submission loop.
type QueueConfig struct {
	// BatchSize is the maximum operations shipped per submission.
	// Default: 50
	BatchSize int

	// FlushInterval is how often the loop retries a non-empty backlog.
	// Default: 5s
	FlushInterval time.Duration

	// MaxFailures opens the circuit breaker after this many consecutive
	// failed submission rounds. Default: 5
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing again.
	// Default: 30s
	ResetTimeout time.Duration

	// Retry configures per-round submission retries.
	Retry RetryConfig
}

// DefaultQueueConfig returns a queue configuration with sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BatchSize:     50,
		FlushInterval: 5 * time.Second,
		MaxFailures:   5,
		ResetTimeout:  30 * time.Second,
		Retry:         DefaultRetryConfig(),
	}
}

// QueueStats is a snapshot of queue activity.
type QueueStats struct {
	Enqueued     int64     `json:"enqueued"`
	Submitted    int64     `json:"submitted"`
	Failed       int64     `json:"failed"`
	Pending      int       `json:"pending"`
	LastSubmitAt time.Time `json:"lastSubmitAt,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	Breaker      string    `json:"breaker"`
}

// OpQueue persists locally produced operations and ships them to the
// remote store in sequence order, at least once. Operations survive process
// restarts in the local store; the remote side deduplicates on
// (deviceId, seq), so redelivery after a lost acknowledgment is harmless.
type OpQueue struct {
	store   *LocalStore
	remote  OperationStore
	tracker *ChangeTracker
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
	config  QueueConfig

	retryer *Retryer
	breaker *CircuitBreaker

	drainMu   sync.Mutex // serializes submission rounds
	kick      chan struct{}
	onDrained func()

	statsMu      sync.Mutex
	enqueued     int64
	submitted    int64
	failed       int64
	lastSubmitAt time.Time
	lastError    string
}

// NewOpQueue creates the queue. tracker may be nil; when set, every
// accepted operation records its entity fingerprint for echo detection.
func NewOpQueue(store *LocalStore, remote OperationStore, tracker *ChangeTracker, config QueueConfig, clock Clock, logger *slog.Logger, metrics *Metrics) *OpQueue {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpQueue{
		store:   store,
		remote:  remote,
		tracker: tracker,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		config:  config,
		retryer: NewRetryer(config.Retry),
		breaker: NewCircuitBreaker(config.MaxFailures, config.ResetTimeout),
		kick:    make(chan struct{}, 1),
	}
}

// Enqueue persists one operation, assigning the next device sequence, and
// signals the submission loop. The operation is durable when Enqueue
// returns; shipping happens asynchronously.
func (q *OpQueue) Enqueue(ctx context.Context, t OpType, payload any) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("encode %s payload: %w", t, err)
	}

	op, err := q.store.AppendNext(ctx, t, raw, q.clock.Now())
	if err != nil {
		return Operation{}, err
	}

	if q.tracker != nil {
		if key, fingerprint, err := op.entityRef(); err == nil {
			q.tracker.Record(key, fingerprint)
		}
	}

	q.statsMu.Lock()
	q.enqueued++
	q.statsMu.Unlock()
	q.metrics.observeEnqueue()
	q.updateDepthGauge(ctx)

	q.logger.Debug("operation enqueued", "type", t, "seq", op.Seq)
	q.Kick()
	return op, nil
}

// Kick nudges the submission loop without waiting for the flush interval.
func (q *OpQueue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// OnDrained registers a callback invoked after a round that shipped at
// least one operation. The engine uses it to pull the feed immediately, so
// peer changes accrued while offline land right after reconnect.
func (q *OpQueue) OnDrained(fn func()) {
	q.onDrained = fn
}

// Drain ships the entire backlog in sequence order. It stops at the first
// failure so no operation ever overtakes an earlier one.
func (q *OpQueue) Drain(ctx context.Context) error {
	if q.remote == nil {
		return ErrSyncUnavailable
	}
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	start := q.clock.Now()
	shipped := 0
	var drainErr error

	for {
		ops, err := q.store.PendingOps(ctx, q.config.BatchSize)
		if err != nil {
			drainErr = err
			break
		}
		if len(ops) == 0 {
			break
		}

		err = q.breaker.Execute(func() error {
			result := q.retryer.Do(ctx, func() error {
				return q.remote.Append(ctx, ops)
			})
			return result.LastErr
		})
		if err != nil {
			q.noteFailure(err)
			if errors.Is(err, ErrCircuitOpen) {
				drainErr = ErrSyncUnavailable
			} else {
				drainErr = newSyncError(SyncErrorTypePush, "submission failed", err)
			}
			break
		}

		if err := q.store.AckOps(ctx, ops[len(ops)-1].Seq); err != nil {
			// The remote has the batch; redelivery after restart is safe.
			drainErr = err
			break
		}
		shipped += len(ops)
	}

	if shipped > 0 {
		q.statsMu.Lock()
		q.submitted += int64(shipped)
		q.lastSubmitAt = q.clock.Now()
		q.lastError = ""
		q.statsMu.Unlock()
		q.metrics.observeSubmitted(shipped)
		q.logger.Info("backlog drained", "shipped", shipped)
	}
	q.updateDepthGauge(ctx)
	q.metrics.observeSyncDuration(q.clock.Now().Sub(start).Seconds())

	if shipped > 0 && drainErr == nil && q.onDrained != nil {
		q.onDrained()
	}
	return drainErr
}

func (q *OpQueue) noteFailure(err error) {
	q.statsMu.Lock()
	q.failed++
	q.lastError = err.Error()
	q.statsMu.Unlock()
	q.metrics.observeSubmitFailure()
	q.logger.Warn("submission round failed", "error", err, "breaker", q.breaker.State())
}

// Run drives the submission loop until ctx is canceled.
func (q *OpQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.kick:
		}
		if err := q.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Debug("drain deferred", "error", err)
		}
	}
}

// Pending returns the current backlog depth.
func (q *OpQueue) Pending(ctx context.Context) (int, error) {
	return q.store.BacklogDepth(ctx)
}

// Online reports whether the breaker currently admits submissions.
func (q *OpQueue) Online() bool {
	return q.breaker.State() != "open"
}

func (q *OpQueue) updateDepthGauge(ctx context.Context) {
	if depth, err := q.store.BacklogDepth(ctx); err == nil {
		q.metrics.setQueueDepth(depth)
	}
}

// Stats returns a snapshot of queue activity.
func (q *OpQueue) Stats() QueueStats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	stats := QueueStats{
		Enqueued:     q.enqueued,
		Submitted:    q.submitted,
		Failed:       q.failed,
		LastSubmitAt: q.lastSubmitAt,
		LastError:    q.lastError,
		Breaker:      q.breaker.State(),
	}
	if depth, err := q.store.BacklogDepth(context.Background()); err == nil {
		stats.Pending = depth
	}
	return stats
}
