package chain

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
)

// scratchItem is one pending action with its (optional) entry content.
type scratchItem struct {
	action types.Action
	entry  *types.Entry
}

// Scratch buffers actions being built during a zome call, rooted at the
// chain head observed when it was opened. Nothing is persisted or signed
// until the chain flushes it.
type Scratch struct {
	cellID types.CellID
	base   *storage.ChainHead
	items  []scratchItem

	// LockSubject marks the scratch as the completing commit of a
	// countersigning session; it must match the chain's lock subject.
	LockSubject []byte
}

func newScratch(cellID types.CellID, base *storage.ChainHead) *Scratch {
	return &Scratch{cellID: cellID, base: base}
}

// Len reports the number of pending actions.
func (s *Scratch) Len() int { return len(s.items) }

// baseHash is the expected head for the flush CAS; nil asserts an empty
// chain.
func (s *Scratch) baseHash() *hash.Hash {
	if s.base == nil {
		return nil
	}
	h := s.base.Hash
	return &h
}

// nextPosition computes the seq, prev hash and minimum timestamp for the
// next appended action.
func (s *Scratch) nextPosition() (uint32, hash.Hash, types.Timestamp, error) {
	if len(s.items) > 0 {
		last := s.items[len(s.items)-1].action
		prev, err := last.Hash()
		if err != nil {
			return 0, hash.Hash{}, 0, err
		}
		return last.Seq + 1, prev, last.Timestamp, nil
	}
	if s.base != nil {
		return s.base.Seq + 1, s.base.Hash, s.base.Timestamp, nil
	}
	return 0, hash.Hash{}, 0, nil
}

// Append places an action at the next chain position. The caller fills the
// variant fields; Seq, PrevAction, Author and a monotone Timestamp are set
// here.
func (s *Scratch) Append(a types.Action, entry *types.Entry) (hash.Hash, error) {
	seq, prev, minTs, err := s.nextPosition()
	if err != nil {
		return hash.Hash{}, err
	}
	a.Author = s.cellID.AgentKey
	a.Seq = seq
	a.PrevAction = prev
	if a.Timestamp == 0 {
		a.Timestamp = types.Now()
	}
	if a.Timestamp < minTs {
		a.Timestamp = minTs
	}
	if err := types.CheckActionStructure(&a); err != nil {
		return hash.Hash{}, fmt.Errorf("%w: %v", types.ErrInvalidCommit, err)
	}
	s.items = append(s.items, scratchItem{action: a, entry: entry})
	return a.Hash()
}

// AppendEntry builds and appends a Create for the entry.
func (s *Scratch) AppendEntry(et types.EntryType, entry *types.Entry) (hash.Hash, error) {
	eh, err := entry.Hash()
	if err != nil {
		return hash.Hash{}, err
	}
	return s.Append(types.Action{Type: types.ActionCreate, EntryType: &et, EntryHash: &eh}, entry)
}

// records materializes the scratch as unsigned records for read unioning.
func (s *Scratch) records() []types.Record {
	out := make([]types.Record, 0, len(s.items))
	for _, item := range s.items {
		sa := types.SignedAction{Action: item.action}
		out = append(out, types.NewChainRecord(sa, item.entry))
	}
	return out
}

// get finds a scratch record by action hash.
func (s *Scratch) get(ah hash.Hash) *types.Record {
	for _, item := range s.items {
		h, err := item.action.Hash()
		if err != nil {
			continue
		}
		if h.Equal(ah) {
			sa := types.SignedAction{Action: item.action}
			r := types.NewChainRecord(sa, item.entry)
			return &r
		}
	}
	return nil
}

// Entries returns the entry payloads buffered in the scratch keyed by entry
// hash string.
func (s *Scratch) Entries() map[string]*types.Entry {
	out := make(map[string]*types.Entry)
	for _, item := range s.items {
		if item.entry != nil {
			if eh, err := item.entry.Hash(); err == nil {
				out[eh.String()] = item.entry
			}
		}
	}
	return out
}

// rebase re-roots the scratch on a new head: seq and prev_action are
// recomputed action by action, and timestamps bumped to stay monotone. The
// next sign pass re-signs everything.
func (s *Scratch) rebase(head *storage.ChainHead) {
	s.base = head
	var prevHash hash.Hash
	var seq uint32
	var minTs types.Timestamp
	if head != nil {
		prevHash = head.Hash
		seq = head.Seq + 1
		minTs = head.Timestamp
	}
	for i := range s.items {
		a := &s.items[i].action
		a.Seq = seq
		a.PrevAction = prevHash
		a.Timestamp = types.Now()
		if a.Timestamp < minTs {
			a.Timestamp = minTs
		}
		minTs = a.Timestamp
		h, err := a.Hash()
		if err != nil {
			// Hashing a structurally valid action cannot fail; keep the
			// stale prev so the flush surfaces the error.
			continue
		}
		prevHash = h
		seq++
	}
}
