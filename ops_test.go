package fieldsync

import (
	"strings"
	"testing"
	"time"
)

func TestOperationKey(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	op := makeOp(t, "device-a", 17, OpSetActive, SetActivePayload{}, at)
	if op.Key() != "device-a/17" {
		t.Errorf("key = %q", op.Key())
	}
	st := op.Stamp()
	if st.DeviceID != "device-a" || !st.ProducedAt.Equal(at) {
		t.Errorf("stamp = %+v", st)
	}
}

func TestNewOperationRejectsBadPayload(t *testing.T) {
	_, err := newOperation("device-a", 1, OpComplete, make(chan int), time.Now())
	if err == nil {
		t.Fatal("unmarshalable payload accepted")
	}
	if !strings.Contains(err.Error(), "complete") {
		t.Errorf("error does not name the operation type: %v", err)
	}
}

func TestOperationEntityRef(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	idx := 1

	tests := []struct {
		name    string
		typ     OpType
		payload any
		key     string
	}{
		{
			name:    "complete",
			typ:     OpComplete,
			payload: CompletePayload{Completion: Completion{Index: 3, ListVersion: 2, Outcome: OutcomeDone}},
			key:     "completion/2:3",
		},
		{
			name:    "add address",
			typ:     OpAddAddress,
			payload: AddAddressPayload{Address: Address{ID: "addr-9", Address: "9 High Street"}},
			key:     "address/addr-9",
		},
		{
			name:    "edit address",
			typ:     OpEditAddress,
			payload: EditAddressPayload{Index: 0, Address: Address{ID: "addr-9", Address: "9 High Street, Flat A"}},
			key:     "address/addr-9",
		},
		{
			name:    "remove address",
			typ:     OpRemoveAddress,
			payload: RemoveAddressPayload{Index: 0, ID: "addr-9"},
			key:     "address/addr-9",
		},
		{
			name:    "replace list",
			typ:     OpReplaceList,
			payload: ReplaceListPayload{Addresses: testAddresses(2), ListVersion: 4},
			key:     "list/4",
		},
		{
			name:    "set active",
			typ:     OpSetActive,
			payload: SetActivePayload{Index: &idx},
			key:     "active",
		},
		{
			name:    "add arrangement",
			typ:     OpAddArrangement,
			payload: ArrangementPayload{Arrangement: Arrangement{ID: "arr-1", Address: "9 High Street"}},
			key:     "arrangement/arr-1",
		},
		{
			name:    "remove arrangement",
			typ:     OpRemoveArrangement,
			payload: RemoveArrangementPayload{ID: "arr-1"},
			key:     "arrangement/arr-1",
		},
		{
			name:    "start day",
			typ:     OpStartDay,
			payload: SessionPayload{Session: DaySession{Date: "2025-03-10", StartedAt: at}},
			key:     "session/2025-03-10",
		},
		{
			name:    "settings",
			typ:     OpUpdateSettings,
			payload: SettingsPayload{Settings: Settings{AgentName: "J. Moss"}},
			key:     "settings",
		},
		{
			name:    "full state",
			typ:     OpFullState,
			payload: FullStatePayload{State: listState(2)},
			key:     "state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := makeOp(t, "device-a", 1, tt.typ, tt.payload, at)
			key, fp, err := op.entityRef()
			if err != nil {
				t.Fatalf("entityRef: %v", err)
			}
			if key != tt.key {
				t.Errorf("key = %q, want %q", key, tt.key)
			}
			if fp == "" {
				t.Error("empty fingerprint")
			}
		})
	}
}

// A revision touches the same entity as the original completion but with
// different content. Echo detection depends on exactly that: same key,
// different fingerprint means a genuine remote change, not our own write
// coming back.
func TestOperationEntityRefRevision(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	original := Completion{Index: 3, ListVersion: 1, Outcome: OutcomeDone, CompletedAt: at}
	revised := original
	revised.Outcome = OutcomePIF
	revised.Amount = "75.00"
	revised.Revised = true

	opA := makeOp(t, "device-a", 1, OpComplete, CompletePayload{Completion: original}, at)
	opB := makeOp(t, "device-a", 2, OpChangeOutcome, CompletePayload{Completion: revised}, at)

	keyA, fpA, err := opA.entityRef()
	if err != nil {
		t.Fatalf("entityRef original: %v", err)
	}
	keyB, fpB, err := opB.entityRef()
	if err != nil {
		t.Fatalf("entityRef revision: %v", err)
	}
	if keyA != keyB {
		t.Errorf("revision moved to a different entity: %q vs %q", keyA, keyB)
	}
	if fpA == fpB {
		t.Error("different content produced the same fingerprint")
	}
}

func TestOperationEntityRefErrors(t *testing.T) {
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	op := makeOp(t, "device-a", 1, OpFullState, FullStatePayload{}, at)
	if _, _, err := op.entityRef(); err == nil {
		t.Error("full_state without a document accepted")
	}

	op = makeOp(t, "device-a", 2, OpType("petrify"), SetActivePayload{}, at)
	if _, _, err := op.entityRef(); err == nil {
		t.Error("unknown operation type accepted")
	}
}
