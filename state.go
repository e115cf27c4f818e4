package fieldsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Outcome is the result recorded when an address visit is completed.
type Outcome string

const (
	// OutcomeDone marks a routine successful visit.
	OutcomeDone Outcome = "Done"
	// OutcomeDA marks a defendant-absent visit.
	OutcomeDA Outcome = "DA"
	// OutcomePIF marks a paid-in-full visit.
	OutcomePIF Outcome = "PIF"
	// OutcomeARR marks a visit that produced a payment arrangement.
	OutcomeARR Outcome = "ARR"
)

// Address is a single stop on the working list. Lat/Lng are optional
// geocoding results; ID is assigned when the address enters the list so
// edits and removals stay idempotent across devices.
type Address struct {
	ID      string   `json:"id,omitempty"`
	Address string   `json:"address"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

// Completion records the outcome of visiting one address. It is keyed by
// (Index, ListVersion): completions from an older list never hide addresses
// on the current one. AddressSnapshot freezes the label at completion time
// so history survives later list edits. Revised marks a record rewritten by
// a change-outcome operation; a revision beats the original completion it
// rewrote no matter the order the operations arrive in.
type Completion struct {
	Index           int       `json:"index"`
	Outcome         Outcome   `json:"outcome"`
	Amount          string    `json:"amount,omitempty"`
	ListVersion     int       `json:"listVersion"`
	AddressSnapshot string    `json:"addressSnapshot,omitempty"`
	CompletedAt     time.Time `json:"completedAt"`
	CaseReference   string    `json:"caseReference,omitempty"`
	NumberOfCases   int       `json:"numberOfCases,omitempty"`
	EnforcementFees []string  `json:"enforcementFees,omitempty"`
	Revised         bool      `json:"revised,omitempty"`
}

// Arrangement is a scheduled future payment agreed during a visit.
type Arrangement struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	ScheduledFor time.Time `json:"scheduledFor"`
	Amount       string    `json:"amount,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// DaySession tracks one working day. A session is open while EndedAt is nil.
type DaySession struct {
	Date      string     `json:"date"` // YYYY-MM-DD
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Settings holds agent preferences that ride along with synced state.
type Settings struct {
	AgentName  string            `json:"agentName,omitempty"`
	AutoBackup bool              `json:"autoBackup"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// OpStamp identifies the operation that last replaced the address list.
// It gives list replacement a deterministic winner when two devices
// replace concurrently: later ProducedAt wins, device id breaks ties.
type OpStamp struct {
	ProducedAt time.Time `json:"producedAt"`
	DeviceID   string    `json:"deviceId"`
}

// supersedes reports whether stamp a wins over stamp b.
func (a OpStamp) supersedes(b OpStamp) bool {
	if !a.ProducedAt.Equal(b.ProducedAt) {
		return a.ProducedAt.After(b.ProducedAt)
	}
	return a.DeviceID > b.DeviceID
}

// State is the full application document synchronized across devices.
type State struct {
	Addresses    []Address     `json:"addresses"`
	Completions  []Completion  `json:"completions"`
	Arrangements []Arrangement `json:"arrangements"`
	Sessions     []DaySession  `json:"sessions"`
	ActiveIndex  *int          `json:"activeIndex,omitempty"`
	ListVersion  int           `json:"listVersion"`
	ListStamp    *OpStamp      `json:"listStamp,omitempty"`
	Settings     Settings      `json:"settings"`
}

// NewState returns an empty normalized state.
func NewState() *State {
	s := &State{}
	s.Normalize()
	return s
}

// Clone returns a deep copy. Mutating the copy never affects the original.
func (s *State) Clone() *State {
	c := &State{
		ListVersion: s.ListVersion,
		Settings:    s.Settings,
	}
	c.Addresses = make([]Address, len(s.Addresses))
	for i, a := range s.Addresses {
		c.Addresses[i] = a
		if a.Lat != nil {
			v := *a.Lat
			c.Addresses[i].Lat = &v
		}
		if a.Lng != nil {
			v := *a.Lng
			c.Addresses[i].Lng = &v
		}
	}
	c.Completions = make([]Completion, len(s.Completions))
	for i, cm := range s.Completions {
		c.Completions[i] = cm
		if cm.EnforcementFees != nil {
			c.Completions[i].EnforcementFees = append([]string(nil), cm.EnforcementFees...)
		}
	}
	c.Arrangements = append([]Arrangement(nil), s.Arrangements...)
	c.Sessions = make([]DaySession, len(s.Sessions))
	for i, ds := range s.Sessions {
		c.Sessions[i] = ds
		if ds.EndedAt != nil {
			v := *ds.EndedAt
			c.Sessions[i].EndedAt = &v
		}
	}
	if s.ActiveIndex != nil {
		v := *s.ActiveIndex
		c.ActiveIndex = &v
	}
	if s.ListStamp != nil {
		v := *s.ListStamp
		c.ListStamp = &v
	}
	if s.Settings.Extra != nil {
		c.Settings.Extra = make(map[string]string, len(s.Settings.Extra))
		for k, v := range s.Settings.Extra {
			c.Settings.Extra[k] = v
		}
	}
	return c
}

// Normalize coerces the state into canonical shape: nil collections become
// empty, negative versions and indices are clamped or dropped, duplicate
// entities collapse deterministically. Normalizing twice is a no-op, so
// payloads that already passed through another device converge unchanged.
func (s *State) Normalize() {
	if s.Addresses == nil {
		s.Addresses = []Address{}
	}
	if s.Completions == nil {
		s.Completions = []Completion{}
	}
	if s.Arrangements == nil {
		s.Arrangements = []Arrangement{}
	}
	if s.Sessions == nil {
		s.Sessions = []DaySession{}
	}
	if s.ListVersion < 0 {
		s.ListVersion = 0
	}

	s.dedupeCompletions()
	s.dedupeArrangements()
	s.mergeSessions()

	if s.ActiveIndex != nil {
		if *s.ActiveIndex < 0 || *s.ActiveIndex >= len(s.Addresses) {
			s.ActiveIndex = nil
		}
	}
}

// dedupeCompletions collapses duplicate (index, listVersion) records,
// keeping the latest CompletedAt. Equal timestamps fall back to fingerprint
// order so every device picks the same survivor.
func (s *State) dedupeCompletions() {
	kept := make([]Completion, 0, len(s.Completions))
	byKey := make(map[completionKey]int, len(s.Completions))
	for _, c := range s.Completions {
		if c.Index < 0 {
			continue
		}
		if c.ListVersion < 0 {
			c.ListVersion = 0
		}
		key := completionKey{Index: c.Index, ListVersion: c.ListVersion}
		prev, ok := byKey[key]
		if !ok {
			byKey[key] = len(kept)
			kept = append(kept, c)
			continue
		}
		if completionWins(c, kept[prev]) {
			kept[prev] = c
		}
	}
	s.Completions = kept
}

func completionWins(a, b Completion) bool {
	if a.Revised != b.Revised {
		return a.Revised
	}
	if !a.CompletedAt.Equal(b.CompletedAt) {
		return a.CompletedAt.After(b.CompletedAt)
	}
	return a.Fingerprint() > b.Fingerprint()
}

func (s *State) dedupeArrangements() {
	kept := make([]Arrangement, 0, len(s.Arrangements))
	byID := make(map[string]int, len(s.Arrangements))
	for _, a := range s.Arrangements {
		if a.ID == "" {
			continue
		}
		prev, ok := byID[a.ID]
		if !ok {
			byID[a.ID] = len(kept)
			kept = append(kept, a)
			continue
		}
		if a.CreatedAt.After(kept[prev].CreatedAt) {
			kept[prev] = a
		}
	}
	s.Arrangements = kept
}

// mergeSessions unions duplicate day sessions: earliest start, latest end.
// Two devices starting the same day collapse into one session.
func (s *State) mergeSessions() {
	kept := make([]DaySession, 0, len(s.Sessions))
	byDate := make(map[string]int, len(s.Sessions))
	for _, ds := range s.Sessions {
		if ds.Date == "" {
			continue
		}
		prev, ok := byDate[ds.Date]
		if !ok {
			byDate[ds.Date] = len(kept)
			kept = append(kept, ds)
			continue
		}
		merged := kept[prev]
		if ds.StartedAt.Before(merged.StartedAt) {
			merged.StartedAt = ds.StartedAt
		}
		if ds.EndedAt != nil {
			if merged.EndedAt == nil || ds.EndedAt.After(*merged.EndedAt) {
				v := *ds.EndedAt
				merged.EndedAt = &v
			}
		}
		kept[prev] = merged
	}
	s.Sessions = kept
}

type completionKey struct {
	Index       int
	ListVersion int
}

// CompletionFor returns the completion recorded for (index, listVersion).
func (s *State) CompletionFor(index, listVersion int) (Completion, bool) {
	for _, c := range s.Completions {
		if c.Index == index && c.ListVersion == listVersion {
			return c, true
		}
	}
	return Completion{}, false
}

// VisibleIndices returns the indices of addresses not yet completed for the
// current list version, in list order.
func (s *State) VisibleIndices() []int {
	done := make(map[int]bool, len(s.Completions))
	for _, c := range s.Completions {
		if c.ListVersion == s.ListVersion {
			done[c.Index] = true
		}
	}
	out := make([]int, 0, len(s.Addresses))
	for i := range s.Addresses {
		if !done[i] {
			out = append(out, i)
		}
	}
	return out
}

// VisibleAddresses returns the addresses still to be worked for the current
// list version.
func (s *State) VisibleAddresses() []Address {
	idx := s.VisibleIndices()
	out := make([]Address, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.Addresses[i])
	}
	return out
}

// OpenSession returns the day session for date if it exists and is open.
func (s *State) OpenSession(date string) (DaySession, bool) {
	for _, ds := range s.Sessions {
		if ds.Date == date && ds.EndedAt == nil {
			return ds, true
		}
	}
	return DaySession{}, false
}

// EntityCounts summarizes how much data the state holds. The integrity
// monitor compares successive counts to detect suspicious shrinks.
type EntityCounts struct {
	Addresses    int `json:"addresses"`
	Completions  int `json:"completions"`
	Arrangements int `json:"arrangements"`
	Sessions     int `json:"sessions"`
}

// Counts returns the entity counts for the state.
func (s *State) Counts() EntityCounts {
	return EntityCounts{
		Addresses:    len(s.Addresses),
		Completions:  len(s.Completions),
		Arrangements: len(s.Arrangements),
		Sessions:     len(s.Sessions),
	}
}

// Fingerprint returns a stable content hash of the whole state.
func (s *State) Fingerprint() string {
	return fingerprintJSON(s)
}

// Fingerprint hashes the fields a human would consider "the completion":
// outcome, money, and case details. CompletedAt and AddressSnapshot are
// excluded so the same visit recorded twice compares equal even when clocks
// drift between attempts.
func (c Completion) Fingerprint() string {
	return fingerprintJSON(struct {
		Index           int      `json:"index"`
		ListVersion     int      `json:"listVersion"`
		Outcome         Outcome  `json:"outcome"`
		Amount          string   `json:"amount,omitempty"`
		CaseReference   string   `json:"caseReference,omitempty"`
		NumberOfCases   int      `json:"numberOfCases,omitempty"`
		EnforcementFees []string `json:"enforcementFees,omitempty"`
	}{c.Index, c.ListVersion, c.Outcome, c.Amount, c.CaseReference, c.NumberOfCases, c.EnforcementFees})
}

// Fingerprint returns a stable content hash of the address.
func (a Address) Fingerprint() string {
	return fingerprintJSON(a)
}

// Fingerprint returns a stable content hash of the arrangement.
func (a Arrangement) Fingerprint() string {
	return fingerprintJSON(a)
}

// fingerprintJSON hashes the canonical JSON encoding of v. encoding/json
// sorts map keys, so equal values always hash equal.
func fingerprintJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Only unmarshalable types reach here; all state types marshal.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
