package types

import (
	"github.com/cuemby/conductor/pkg/hash"
)

// EntryPresence states why a record does or does not carry entry content.
type EntryPresence string

const (
	// EntryPresent: the entry travels with the record.
	EntryPresent EntryPresence = "present"
	// EntryHidden: the entry exists but is private to its author.
	EntryHidden EntryPresence = "hidden"
	// EntryNA: the action variant has no entry.
	EntryNA EntryPresence = "not_applicable"
	// EntryNotStored: the responder holds the action but not the entry.
	EntryNotStored EntryPresence = "not_stored"
)

// RecordEntry is the entry slot of a record.
type RecordEntry struct {
	Presence EntryPresence `msgpack:"presence"`
	Entry    *Entry        `msgpack:"entry,omitempty"`
}

// Record pairs a signed action with its (optional) entry. This is the unit
// returned from chain queries and DHT gets.
type Record struct {
	SignedAction SignedAction `msgpack:"signed_action"`
	Entry        RecordEntry  `msgpack:"entry"`
}

// NewRecord assembles a record, deriving the entry slot from the action
// variant and visibility.
func NewRecord(sa SignedAction, entry *Entry) Record {
	r := Record{SignedAction: sa}
	switch {
	case !sa.Action.HasEntry():
		r.Entry = RecordEntry{Presence: EntryNA}
	case entry == nil:
		r.Entry = RecordEntry{Presence: EntryNotStored}
	case sa.Action.EntryVisibility() == VisibilityPrivate:
		r.Entry = RecordEntry{Presence: EntryHidden}
	default:
		r.Entry = RecordEntry{Presence: EntryPresent, Entry: entry}
	}
	return r
}

// NewChainRecord assembles a record for the author's own chain: private
// entry content is kept, since hiding applies only when serving other
// agents. Redacted produces the shareable view.
func NewChainRecord(sa SignedAction, entry *Entry) Record {
	r := Record{SignedAction: sa}
	switch {
	case !sa.Action.HasEntry():
		r.Entry = RecordEntry{Presence: EntryNA}
	case entry == nil:
		r.Entry = RecordEntry{Presence: EntryNotStored}
	default:
		r.Entry = RecordEntry{Presence: EntryPresent, Entry: entry}
	}
	return r
}

// Redacted returns the view servable to other agents: private entry
// content is hidden.
func (r Record) Redacted() Record {
	if r.Entry.Presence == EntryPresent && r.SignedAction.Action.EntryVisibility() == VisibilityPrivate {
		r.Entry = RecordEntry{Presence: EntryHidden}
	}
	return r
}

// ActionHash is the record's action address.
func (r *Record) ActionHash() (hash.Hash, error) {
	return r.SignedAction.Hash()
}

// WithoutEntry strips entry content, downgrading Present to NotStored. Used
// by chain queries whose filter does not ask for entries.
func (r Record) WithoutEntry() Record {
	if r.Entry.Presence == EntryPresent {
		r.Entry = RecordEntry{Presence: EntryNotStored}
	}
	return r
}

// ValidationStatus is the terminal verdict on an op.
type ValidationStatus string

const (
	StatusValid     ValidationStatus = "valid"
	StatusRejected  ValidationStatus = "rejected"
	StatusAbandoned ValidationStatus = "abandoned"
)

// EntryDhtStatus tracks whether an entry is live at its basis.
type EntryDhtStatus string

const (
	EntryLive EntryDhtStatus = "live"
	EntryDead EntryDhtStatus = "dead"
)

// CellID identifies a cell: a DNA running for an agent.
type CellID struct {
	DnaHash  hash.Hash `msgpack:"dna_hash"`
	AgentKey hash.Hash `msgpack:"agent_key"`
}

// String renders the id as "dna-hash/agent-key" for logs and map keys.
func (c CellID) String() string {
	return c.DnaHash.String() + "/" + c.AgentKey.String()
}

// Equal reports component-wise equality.
func (c CellID) Equal(o CellID) bool {
	return c.DnaHash.Equal(o.DnaHash) && c.AgentKey.Equal(o.AgentKey)
}
