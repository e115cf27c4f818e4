package fieldsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpType identifies the kind of mutation an operation carries.
type OpType string

const (
	// OpComplete records a new completion for an address.
	OpComplete OpType = "complete"
	// OpChangeOutcome replaces an existing completion's recorded outcome.
	OpChangeOutcome OpType = "change_outcome"
	// OpAddAddress appends one address to the working list.
	OpAddAddress OpType = "add_address"
	// OpEditAddress replaces the address at an index.
	OpEditAddress OpType = "edit_address"
	// OpRemoveAddress removes the address at an index.
	OpRemoveAddress OpType = "remove_address"
	// OpReplaceList swaps in a freshly imported list and bumps the version.
	OpReplaceList OpType = "replace_list"
	// OpSetActive moves the active-address pointer.
	OpSetActive OpType = "set_active"
	// OpAddArrangement records a payment arrangement.
	OpAddArrangement OpType = "add_arrangement"
	// OpRemoveArrangement deletes a payment arrangement by id.
	OpRemoveArrangement OpType = "remove_arrangement"
	// OpStartDay opens the day session for a date.
	OpStartDay OpType = "start_day"
	// OpEndDay closes the day session for a date.
	OpEndDay OpType = "end_day"
	// OpUpdateSettings replaces agent settings.
	OpUpdateSettings OpType = "update_settings"
	// OpFullState replaces the entire document, used for bootstrap pushes
	// and keep-local ownership resolutions.
	OpFullState OpType = "full_state"
)

// Operation is one durable, self-describing mutation. Operations are keyed
// by (DeviceID, Seq); Seq is assigned from a per-device monotonic counter
// when the operation is enqueued, never by the remote store.
type Operation struct {
	DeviceID   string          `json:"deviceId"`
	Seq        int64           `json:"seq"`
	Type       OpType          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"producedAt"`
}

// Key returns the globally unique operation identity.
func (op Operation) Key() string {
	return fmt.Sprintf("%s/%d", op.DeviceID, op.Seq)
}

// Stamp returns the operation's (producedAt, deviceId) ordering stamp.
func (op Operation) Stamp() OpStamp {
	return OpStamp{ProducedAt: op.ProducedAt, DeviceID: op.DeviceID}
}

func (op Operation) decode(v any) error {
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", op.Type, err)
	}
	return nil
}

func newOperation(deviceID string, seq int64, t OpType, payload any, at time.Time) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Operation{
		DeviceID:   deviceID,
		Seq:        seq,
		Type:       t,
		Payload:    raw,
		ProducedAt: at,
	}, nil
}

// CompletePayload carries a full completion record. Used by both complete
// and change_outcome: applying it is an upsert on (index, listVersion).
type CompletePayload struct {
	Completion Completion `json:"completion"`
}

// AddAddressPayload appends a single address.
type AddAddressPayload struct {
	Address Address `json:"address"`
}

// EditAddressPayload replaces the address at Index with Address.
type EditAddressPayload struct {
	Index   int     `json:"index"`
	Address Address `json:"address"`
}

// RemoveAddressPayload removes an address. ID (when set) or the label
// snapshot guards against removing a different address after concurrent
// list edits shifted indices.
type RemoveAddressPayload struct {
	Index           int    `json:"index"`
	ID              string `json:"id,omitempty"`
	AddressSnapshot string `json:"addressSnapshot,omitempty"`
}

// ReplaceListPayload swaps the whole list and assigns the new version.
type ReplaceListPayload struct {
	Addresses   []Address `json:"addresses"`
	ListVersion int       `json:"listVersion"`
}

// SetActivePayload moves the active pointer; nil clears it.
type SetActivePayload struct {
	Index *int `json:"index"`
}

// ArrangementPayload carries a payment arrangement.
type ArrangementPayload struct {
	Arrangement Arrangement `json:"arrangement"`
}

// RemoveArrangementPayload deletes an arrangement by id.
type RemoveArrangementPayload struct {
	ID string `json:"id"`
}

// SessionPayload carries a day session for start_day and end_day.
type SessionPayload struct {
	Session DaySession `json:"session"`
}

// SettingsPayload replaces agent settings.
type SettingsPayload struct {
	Settings Settings `json:"settings"`
}

// FullStatePayload carries an entire document.
type FullStatePayload struct {
	State *State `json:"state"`
}

// entityRef derives the change-tracker key and content fingerprint touched
// by an operation. The producing device records the pair when it enqueues;
// an inbound update mapping to the same pair inside the recency window is
// an echo of our own write.
func (op Operation) entityRef() (key, fingerprint string, err error) {
	switch op.Type {
	case OpComplete, OpChangeOutcome:
		var p CompletePayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		return completionRefKey(p.Completion.ListVersion, p.Completion.Index), p.Completion.Fingerprint(), nil
	case OpAddAddress:
		var p AddAddressPayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		return addressRefKey(p.Address.ID), p.Address.Fingerprint(), nil
	case OpEditAddress:
		var p EditAddressPayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		return addressRefKey(p.Address.ID), fingerprintJSON(p), nil
	case OpRemoveAddress:
		var p RemoveAddressPayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		return addressRefKey(p.ID), fingerprintJSON(p), nil
	case OpReplaceList:
		var p ReplaceListPayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		return fmt.Sprintf("list/%d", p.ListVersion), fingerprintJSON(p), nil
	case OpSetActive:
		return "active", fingerprintJSON(json.RawMessage(op.Payload)), nil
	case OpAddArrangement:
		var p ArrangementPayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		return "arrangement/" + p.Arrangement.ID, p.Arrangement.Fingerprint(), nil
	case OpRemoveArrangement:
		var p RemoveArrangementPayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		return "arrangement/" + p.ID, fingerprintJSON(p), nil
	case OpStartDay, OpEndDay:
		var p SessionPayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		return "session/" + p.Session.Date, fingerprintJSON(p), nil
	case OpUpdateSettings:
		var p SettingsPayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		return "settings", fingerprintJSON(p.Settings), nil
	case OpFullState:
		var p FullStatePayload
		if err := op.decode(&p); err != nil {
			return "", "", err
		}
		if p.State == nil {
			return "state", "", fmt.Errorf("full_state payload missing state")
		}
		return "state", p.State.Fingerprint(), nil
	default:
		return "", "", fmt.Errorf("unknown operation type %q", op.Type)
	}
}

func completionRefKey(listVersion, index int) string {
	return fmt.Sprintf("completion/%d:%d", listVersion, index)
}

func addressRefKey(id string) string {
	return "address/" + id
}
