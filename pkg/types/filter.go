package types

import (
	"github.com/cuemby/conductor/pkg/hash"
)

// SeqRange selects actions by inclusive sequence bounds.
type SeqRange struct {
	Start uint32 `msgpack:"start"`
	End   uint32 `msgpack:"end"`
}

// ChainQueryFilter selects records from a source chain. Zero-value fields
// are unconstrained; set fields are ANDed together.
type ChainQueryFilter struct {
	SequenceRange *SeqRange    `msgpack:"sequence_range,omitempty"`
	ActionTypes   []ActionType `msgpack:"action_types,omitempty"`
	EntryTypes    []EntryType  `msgpack:"entry_types,omitempty"`
	EntryHashes   []hash.Hash  `msgpack:"entry_hashes,omitempty"`
	IncludeEntries bool        `msgpack:"include_entries"`
	Descending     bool        `msgpack:"descending"`
}

// Matches applies the filter's predicates to a single record.
func (f *ChainQueryFilter) Matches(r *Record) bool {
	a := &r.SignedAction.Action
	if f.SequenceRange != nil {
		if a.Seq < f.SequenceRange.Start || a.Seq > f.SequenceRange.End {
			return false
		}
	}
	if len(f.ActionTypes) > 0 && !containsActionType(f.ActionTypes, a.Type) {
		return false
	}
	if len(f.EntryTypes) > 0 {
		if a.EntryType == nil || !containsEntryType(f.EntryTypes, *a.EntryType) {
			return false
		}
	}
	if len(f.EntryHashes) > 0 {
		if a.EntryHash == nil {
			return false
		}
		found := false
		for _, eh := range f.EntryHashes {
			if eh.Equal(*a.EntryHash) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsActionType(ts []ActionType, t ActionType) bool {
	for _, c := range ts {
		if c == t {
			return true
		}
	}
	return false
}

func containsEntryType(ts []EntryType, t EntryType) bool {
	for _, c := range ts {
		if c.Kind != t.Kind {
			continue
		}
		if c.Kind != EntryKindApp {
			return true
		}
		if c.App != nil && t.App != nil &&
			c.App.ZomeIndex == t.App.ZomeIndex && c.App.EntryIndex == t.App.EntryIndex {
			return true
		}
	}
	return false
}

// Link is the query-side view of a live CreateLink.
type Link struct {
	Base       hash.Hash `msgpack:"base"`
	Target     hash.Hash `msgpack:"target"`
	ZomeIndex  uint8     `msgpack:"zome_index"`
	LinkType   uint8     `msgpack:"link_type"`
	Tag        []byte    `msgpack:"tag"`
	CreateHash hash.Hash `msgpack:"create_hash"`
	Author     hash.Hash `msgpack:"author"`
	Timestamp  Timestamp `msgpack:"timestamp"`
}

// LinkDetails pairs each CreateLink at a base with the DeleteLinks that
// tombstone it.
type LinkDetails struct {
	Create  SignedAction   `msgpack:"create"`
	Deletes []SignedAction `msgpack:"deletes"`
}

// EntryDetails is the full metadata view of an entry at its basis.
type EntryDetails struct {
	Entry     *Entry           `msgpack:"entry,omitempty"`
	Actions   []SignedAction   `msgpack:"actions"`
	Updates   []SignedAction   `msgpack:"updates"`
	Deletes   []SignedAction   `msgpack:"deletes"`
	Status    EntryDhtStatus   `msgpack:"status"`
}

// RecordDetails is the full metadata view of an action at its basis.
type RecordDetails struct {
	Record   Record           `msgpack:"record"`
	Updates  []SignedAction   `msgpack:"updates"`
	Deletes  []SignedAction   `msgpack:"deletes"`
	Status   ValidationStatus `msgpack:"status"`
}

// LinkQuery selects links at a base by zome-scoped link type.
type LinkQuery struct {
	Base      hash.Hash `msgpack:"base"`
	ZomeIndex *uint8    `msgpack:"zome_index,omitempty"`
	LinkType  *uint8    `msgpack:"link_type,omitempty"`
	TagPrefix []byte    `msgpack:"tag_prefix,omitempty"`
}
