package fieldsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RemoteUpdate is one entry from the shared cloud feed: either a single
// operation or a full-state snapshot pushed by the backend (bootstrap,
// server-side restore). ServerSeq is the feed cursor assigned by the store.
type RemoteUpdate struct {
	ServerSeq  int64     `json:"serverSeq"`
	DeviceID   string    `json:"deviceId"`
	ProducedAt time.Time `json:"producedAt"`

	Op    *Operation `json:"op,omitempty"`
	State *State     `json:"state,omitempty"`
}

// entityRef derives the tracker key and fingerprint for the update so the
// echo filter can consult the change tracker.
func (u RemoteUpdate) entityRef() (key, fingerprint string, err error) {
	if u.Op != nil {
		return u.Op.entityRef()
	}
	if u.State != nil {
		return "state", u.State.Fingerprint(), nil
	}
	return "", "", fmt.Errorf("remote update %d carries neither op nor state", u.ServerSeq)
}

// OperationStore is the durable shared log all devices append to and pull
// from. Append must be idempotent on (deviceId, seq): the queue delivers
// at least once.
type OperationStore interface {
	// Append submits operations in order. Either all are accepted or an
	// error is returned and none may be assumed durable.
	Append(ctx context.Context, ops []Operation) error

	// Pull returns updates after the given cursor, oldest first, plus the
	// cursor to resume from.
	Pull(ctx context.Context, after int64, limit int) ([]RemoteUpdate, int64, error)
}

// RealtimeChannel streams updates as peers produce them. Delivery is best
// effort; missed updates are recovered by pulling from the cursor.
type RealtimeChannel interface {
	// Subscribe starts the stream. The channel closes when ctx is canceled
	// or the channel is closed.
	Subscribe(ctx context.Context) (<-chan RemoteUpdate, error)

	// Close tears the channel down.
	Close() error
}

// SnapshotMeta describes one cloud backup object.
type SnapshotMeta struct {
	UserID     string    `json:"userId"`
	DayKey     string    `json:"dayKey"` // YYYY-MM-DD
	Name       string    `json:"name"`
	ObjectPath string    `json:"objectPath"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SnapshotStore holds end-of-day state snapshots in cloud object storage,
// organized per user and day.
type SnapshotStore interface {
	// Upload stores one snapshot blob under meta's day and name.
	Upload(ctx context.Context, meta SnapshotMeta, blob []byte) error

	// List returns snapshot metadata created at or after since, newest first.
	List(ctx context.Context, since time.Time) ([]SnapshotMeta, error)

	// Download fetches one snapshot blob.
	Download(ctx context.Context, dayKey, name string) ([]byte, error)
}

// MemoryRemote is an in-process remote: operation log, broadcast channel,
// and snapshot store in one. It backs tests and single-process development;
// production wires the HTTP, websocket, and S3 implementations instead.
type MemoryRemote struct {
	mu        sync.Mutex
	log       []RemoteUpdate
	seen      map[string]bool
	serverSeq int64
	subs      map[int]chan RemoteUpdate
	nextSub   int
	closed    bool
	dropped   int64

	snapshots map[string][]byte
	metas     []SnapshotMeta
}

// NewMemoryRemote creates an empty in-memory remote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		seen:      make(map[string]bool),
		subs:      make(map[int]chan RemoteUpdate),
		snapshots: make(map[string][]byte),
	}
}

// Append implements OperationStore. Duplicate (deviceId, seq) submissions
// are acknowledged without re-appending, which makes redelivery harmless.
func (m *MemoryRemote) Append(ctx context.Context, ops []Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, op := range ops {
		if m.seen[op.Key()] {
			continue
		}
		m.seen[op.Key()] = true
		m.serverSeq++
		op := op
		u := RemoteUpdate{
			ServerSeq:  m.serverSeq,
			DeviceID:   op.DeviceID,
			ProducedAt: op.ProducedAt,
			Op:         &op,
		}
		m.log = append(m.log, u)
		m.broadcastLocked(u)
	}
	return nil
}

// Pull implements OperationStore.
func (m *MemoryRemote) Pull(ctx context.Context, after int64, limit int) ([]RemoteUpdate, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, after, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, after, ErrClosed
	}
	var out []RemoteUpdate
	next := after
	for _, u := range m.log {
		if u.ServerSeq <= after {
			continue
		}
		out = append(out, u)
		next = u.ServerSeq
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, next, nil
}

// PublishState injects a full-state update into the feed, the way a backend
// pushes a server-side restore to every device.
func (m *MemoryRemote) PublishState(state *State, deviceID string, producedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.serverSeq++
	u := RemoteUpdate{
		ServerSeq:  m.serverSeq,
		DeviceID:   deviceID,
		ProducedAt: producedAt,
		State:      state.Clone(),
	}
	m.log = append(m.log, u)
	m.broadcastLocked(u)
}

// Subscribe implements RealtimeChannel.
func (m *MemoryRemote) Subscribe(ctx context.Context) (<-chan RemoteUpdate, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.nextSub
	m.nextSub++
	ch := make(chan RemoteUpdate, 1024)
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryRemote) broadcastLocked(u RemoteUpdate) {
	for _, ch := range m.subs {
		select {
		case ch <- u:
		default:
			// Subscriber fell behind; it recovers via Pull.
			m.dropped++
		}
	}
}

// Close implements RealtimeChannel.
func (m *MemoryRemote) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	return nil
}

// Upload implements SnapshotStore.
func (m *MemoryRemote) Upload(ctx context.Context, meta SnapshotMeta, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	key := snapshotKey(meta.DayKey, meta.Name)
	if _, exists := m.snapshots[key]; !exists {
		m.metas = append(m.metas, meta)
	}
	m.snapshots[key] = append([]byte(nil), blob...)
	return nil
}

// List implements SnapshotStore.
func (m *MemoryRemote) List(ctx context.Context, since time.Time) ([]SnapshotMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SnapshotMeta
	for _, meta := range m.metas {
		if meta.CreatedAt.Before(since) {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Download implements SnapshotStore.
func (m *MemoryRemote) Download(ctx context.Context, dayKey, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.snapshots[snapshotKey(dayKey, name)]
	if !ok {
		return nil, ErrBackupNotFound
	}
	return append([]byte(nil), blob...), nil
}

// Updates returns a copy of the full feed, for tests and debugging.
func (m *MemoryRemote) Updates() []RemoteUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RemoteUpdate(nil), m.log...)
}

func snapshotKey(dayKey, name string) string {
	return strings.TrimSuffix(dayKey, "/") + "/" + name
}
