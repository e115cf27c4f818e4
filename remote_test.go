package fieldsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRemoteAppendAssignsCursor(t *testing.T) {
	m := NewMemoryRemote()
	at := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	var ops []Operation
	for i := 1; i <= 3; i++ {
		ops = append(ops, makeOp(t, "device-a", int64(i), OpSetActive, SetActivePayload{}, at))
	}
	if err := m.Append(testCtx, ops); err != nil {
		t.Fatalf("append: %v", err)
	}

	updates := m.Updates()
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}
	for i, u := range updates {
		if u.ServerSeq != int64(i+1) {
			t.Errorf("update %d has seq %d", i, u.ServerSeq)
		}
		if u.DeviceID != "device-a" {
			t.Errorf("update %d lost attribution: %q", i, u.DeviceID)
		}
	}
}

func TestMemoryRemoteAppendDedupes(t *testing.T) {
	m := NewMemoryRemote()
	at := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	op := makeOp(t, "device-a", 1, OpSetActive, SetActivePayload{}, at)

	if err := m.Append(testCtx, []Operation{op}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	// Redelivery of the same (deviceId, seq) is acknowledged, not re-appended.
	if err := m.Append(testCtx, []Operation{op}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := len(m.Updates()); got != 1 {
		t.Errorf("expected 1 update after redelivery, got %d", got)
	}
}

func TestMemoryRemotePullPagination(t *testing.T) {
	m := NewMemoryRemote()
	at := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		op := makeOp(t, "device-a", int64(i), OpSetActive, SetActivePayload{}, at)
		if err := m.Append(testCtx, []Operation{op}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var got []RemoteUpdate
	cursor := int64(0)
	for {
		page, next, err := m.Pull(testCtx, cursor, 2)
		if err != nil {
			t.Fatalf("pull after %d: %v", cursor, err)
		}
		if len(page) == 0 {
			break
		}
		got = append(got, page...)
		cursor = next
	}

	if len(got) != 5 {
		t.Fatalf("expected 5 updates across pages, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ServerSeq <= got[i-1].ServerSeq {
			t.Fatal("pages out of order")
		}
	}
	if cursor != 5 {
		t.Errorf("final cursor %d, want 5", cursor)
	}
}

func TestMemoryRemoteSubscribeBroadcast(t *testing.T) {
	m := NewMemoryRemote()
	ctx, cancel := context.WithCancel(testCtx)
	defer cancel()

	ch, err := m.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	at := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	op := makeOp(t, "device-b", 1, OpSetActive, SetActivePayload{}, at)
	if err := m.Append(testCtx, []Operation{op}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case u := <-ch:
		if u.Op == nil || u.Op.DeviceID != "device-b" {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}

	// Cancellation closes the stream.
	cancel()
	waitFor(t, time.Second, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	})
}

func TestMemoryRemotePublishState(t *testing.T) {
	m := NewMemoryRemote()
	at := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	st := listState(4)

	m.PublishState(st, "", at)

	updates := m.Updates()
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	u := updates[0]
	if u.State == nil || u.Op != nil {
		t.Fatalf("expected a state update, got %+v", u)
	}
	if u.DeviceID != "" {
		t.Errorf("server push should carry no device, got %q", u.DeviceID)
	}

	// The feed holds a copy, not the caller's document.
	st.Addresses[0].Address = "mutated"
	if u.State.Addresses[0].Address == "mutated" {
		t.Error("feed shares memory with the caller")
	}
}

func TestMemoryRemoteClose(t *testing.T) {
	m := NewMemoryRemote()
	ch, err := m.Subscribe(testCtx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, open := <-ch; open {
		t.Error("subscriber channel not closed")
	}

	at := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	op := makeOp(t, "device-a", 1, OpSetActive, SetActivePayload{}, at)
	if err := m.Append(testCtx, []Operation{op}); !errors.Is(err, ErrClosed) {
		t.Errorf("append after close: %v", err)
	}
	if _, _, err := m.Pull(testCtx, 0, 10); !errors.Is(err, ErrClosed) {
		t.Errorf("pull after close: %v", err)
	}
}

func TestRemoteUpdateEntityRef(t *testing.T) {
	at := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	op := makeOp(t, "device-a", 1, OpComplete, CompletePayload{
		Completion: Completion{Index: 2, Outcome: OutcomeDone, ListVersion: 1, CompletedAt: at},
	}, at)

	key, fp, err := RemoteUpdate{Op: &op}.entityRef()
	if err != nil {
		t.Fatalf("op ref: %v", err)
	}
	if key == "" || fp == "" {
		t.Errorf("empty ref for op update: %q %q", key, fp)
	}

	st := listState(2)
	key, fp, err = RemoteUpdate{State: st}.entityRef()
	if err != nil {
		t.Fatalf("state ref: %v", err)
	}
	if key != "state" || fp != st.Fingerprint() {
		t.Errorf("unexpected state ref: %q %q", key, fp)
	}

	if _, _, err := (RemoteUpdate{ServerSeq: 7}).entityRef(); err == nil {
		t.Error("empty update should not produce a ref")
	}
}
