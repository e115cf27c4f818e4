package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *LocalStore {
	t.Helper()
	cfg := DefaultLocalStoreConfig()
	cfg.Path = filepath.Join(t.TempDir(), "fieldsync.db")
	store, err := OpenLocalStore(cfg)
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testAddresses(n int) []Address {
	addrs := make([]Address, n)
	for i := range addrs {
		addrs[i] = Address{Address: fmt.Sprintf("%d High Street", i+1)}
	}
	return addrs
}

// listState builds a document with n addresses at list version 1.
func listState(n int) *State {
	st := NewState()
	st.Addresses = testAddresses(n)
	for i := range st.Addresses {
		st.Addresses[i].ID = fmt.Sprintf("addr-%d", i)
	}
	st.ListVersion = 1
	st.Normalize()
	return st
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// makeOp builds an operation without going through a store.
func makeOp(t *testing.T, deviceID string, seq int64, typ OpType, payload any, at time.Time) Operation {
	t.Helper()
	op, err := newOperation(deviceID, seq, typ, payload, at)
	if err != nil {
		t.Fatalf("build operation: %v", err)
	}
	return op
}

// drainWarnings collects whatever warnings are immediately available.
func drainWarnings(ch <-chan Warning) []Warning {
	var out []Warning
	for {
		select {
		case w := <-ch:
			out = append(out, w)
		default:
			return out
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

var testCtx = context.Background()
