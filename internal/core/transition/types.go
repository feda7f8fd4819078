package transition

import (
	"strings"
	"time"
)

const (
	// NoPriorState is the from-state of an object's very first observed state.
	NoPriorState = "__NONE__"

	// OpenState is the to-state of untilTerminal counters that have not closed yet.
	OpenState = "__OPEN__"

	// RawCounter is the reserved counter name for plain lastState -> newState transitions.
	RawCounter = "__transition__"
)

// TransitionKey identifies one counted transition shape within a time bucket.
type TransitionKey struct {
	ServiceID  string
	ObjectType string
	Attribute  string
	Counter    string
	FromState  string
	ToState    string
}

// DedupKey is the stable string form used when deriving posting ids.
func (k TransitionKey) DedupKey() string {
	return strings.Join([]string{k.ServiceID, k.ObjectType, k.Attribute, k.Counter, k.FromState, k.ToState}, "\x1f")
}

// Less orders keys field by field. Rollup upserts are applied in this order so that
// concurrent transactions lock rows in the same sequence.
func (k TransitionKey) Less(o TransitionKey) bool {
	return k.DedupKey() < o.DedupKey()
}

// Posting is one idempotent, signed delta contribution to a counter.
type Posting struct {
	ID            string
	SourceEventID string
	Key           TransitionKey
	Timestamp     time.Time
	Delta         int64
}

// Scope is the namespace of seen-state codes: one per (service, object type, attribute).
type Scope struct {
	ServiceID  string
	ObjectType string
	Attribute  string
}

// ObjectKey identifies one object's tracked attribute.
type ObjectKey struct {
	ServiceID  string
	ObjectType string
	ObjectID   string
	Attribute  string
}

// Scope returns the seen-state code scope this object belongs to.
func (k ObjectKey) Scope() Scope {
	return Scope{ServiceID: k.ServiceID, ObjectType: k.ObjectType, Attribute: k.Attribute}
}

// String is used as the per-object lock key and in log attributes.
func (k ObjectKey) String() string {
	return k.ServiceID + "/" + k.ObjectType + "/" + k.ObjectID + "/" + k.Attribute
}

// Snapshot is the persisted per-object checkpoint.
//
// SeenBits is the compact bit-vector form of the seen states; SeenStates is the decoded
// list kept for portability. Readers prefer SeenBits and fall back to SeenStates.
type Snapshot struct {
	LastState     string
	SeenBits      []byte
	SeenStates    []string
	LastEventTs   time.Time
	TerminalState string
}

// IsTerminal reports whether the object has ever reached a terminal state.
func (s Snapshot) IsTerminal() bool {
	return s.TerminalState != ""
}

// ObjectSnapshot pairs a snapshot with the object it belongs to.
type ObjectSnapshot struct {
	Key      ObjectKey
	Snapshot Snapshot
}

// SyntheticStatus is the lifecycle of a synthetic terminal record.
type SyntheticStatus string

const (
	StatusActive     SyntheticStatus = "ACTIVE"
	StatusSuperseded SyntheticStatus = "SUPERSEDED"
)

// OriginInference marks synthetic records created by this engine's inference sweep.
// Records with any other origin were published by another service and are never reversed here.
const OriginInference = "inference"

// FootprintEntry is one counter contribution caused by a (synthetic) event.
type FootprintEntry struct {
	Counter    string   `json:"counter"`
	FromStates []string `json:"from_states"`
	ToState    string   `json:"to_state"`
}

// SyntheticTerminalRecord is an inferred terminal transition injected for an idle object.
type SyntheticTerminalRecord struct {
	ServiceID        string
	ObjectType       string
	ObjectID         string
	Attribute        string
	RuleID           string
	SyntheticEventID string
	SyntheticTs      time.Time
	SyntheticState   string
	EmitServiceID    string
	Reason           string
	Origin           string
	Status           SyntheticStatus

	// Snapshot values observed when the record was created. Supersede restores them.
	LastEventTs        time.Time
	LastState          string
	PriorTerminalState string
	SeenStateAdded     bool

	SupersededByEventID string
	SupersededAt        *time.Time
	ReversedAt          *time.Time

	Footprint []FootprintEntry
}

// ObjectKey returns the object this record was inferred for.
func (r SyntheticTerminalRecord) ObjectKey() ObjectKey {
	return ObjectKey{ServiceID: r.ServiceID, ObjectType: r.ObjectType, ObjectID: r.ObjectID, Attribute: r.Attribute}
}
