package types

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/vmihailenco/msgpack/v5"
)

// OpType discriminates the DHT operation variants. Each is a typed view of
// one action, addressed at a specific basis.
type OpType string

const (
	OpStoreRecord           OpType = "store_record"
	OpStoreEntry            OpType = "store_entry"
	OpRegisterAgentActivity OpType = "register_agent_activity"
	OpRegisterUpdate        OpType = "register_update"
	OpRegisterDelete        OpType = "register_delete"
	OpRegisterAddLink       OpType = "register_add_link"
	OpRegisterRemoveLink    OpType = "register_remove_link"
)

// DhtOp is a transform of an action targeted at a basis. The entry rides
// along only where the op type needs it and the entry is public.
type DhtOp struct {
	Type         OpType       `msgpack:"type"`
	SignedAction SignedAction `msgpack:"signed_action"`
	Entry        *Entry       `msgpack:"entry,omitempty"`
}

// Basis returns the network address this op is stored or indexed at.
func (op *DhtOp) Basis() (hash.Hash, error) {
	a := &op.SignedAction.Action
	switch op.Type {
	case OpStoreRecord:
		return a.Hash()
	case OpStoreEntry:
		if a.EntryHash == nil {
			return hash.Hash{}, fmt.Errorf("store entry op on action without entry hash")
		}
		return *a.EntryHash, nil
	case OpRegisterAgentActivity:
		return a.Author, nil
	case OpRegisterUpdate:
		if a.OriginalEntryAddress != nil {
			return *a.OriginalEntryAddress, nil
		}
		if a.OriginalActionAddress != nil {
			return *a.OriginalActionAddress, nil
		}
		return hash.Hash{}, fmt.Errorf("register update op on action without original address")
	case OpRegisterDelete:
		if a.DeletesEntryAddress != nil {
			return *a.DeletesEntryAddress, nil
		}
		if a.DeletesAddress != nil {
			return *a.DeletesAddress, nil
		}
		return hash.Hash{}, fmt.Errorf("register delete op on action without deletes address")
	case OpRegisterAddLink:
		if a.BaseAddress == nil {
			return hash.Hash{}, fmt.Errorf("register add link op on action without base")
		}
		return *a.BaseAddress, nil
	case OpRegisterRemoveLink:
		if a.BaseAddress == nil {
			return hash.Hash{}, fmt.Errorf("register remove link op on action without base")
		}
		return *a.BaseAddress, nil
	default:
		return hash.Hash{}, fmt.Errorf("unknown op type %q", op.Type)
	}
}

// uniqueForm is the canonical identity of an op: the op type plus only the
// fields needed to distinguish the transform at its basis. Payload data that
// every equivalent op shares is dropped before hashing, so e.g. all deletes
// of the same target hash to distinct ops only by their delete action.
type uniqueForm struct {
	Type   OpType `msgpack:"type"`
	Action Action `msgpack:"action"`
}

// Hash computes the op address from its unique form.
func (op *DhtOp) Hash() (hash.Hash, error) {
	data, err := msgpack.Marshal(uniqueForm{Type: op.Type, Action: op.SignedAction.Action})
	if err != nil {
		return hash.Hash{}, fmt.Errorf("failed to serialize op unique form: %w", err)
	}
	return hash.New(hash.KindDhtOp, data), nil
}

// OpsFromAction derives every op the given action produces. The entry is
// attached to StoreRecord/StoreEntry ops when present and public; private
// entries never leave the author.
func OpsFromAction(sa SignedAction, entry *Entry) ([]DhtOp, error) {
	a := &sa.Action

	public := entry
	if a.EntryVisibility() == VisibilityPrivate {
		public = nil
	}

	// Every action registers on its author's activity log and stores its
	// record.
	ops := []DhtOp{
		{Type: OpStoreRecord, SignedAction: sa, Entry: public},
		{Type: OpRegisterAgentActivity, SignedAction: sa},
	}

	switch a.Type {
	case ActionCreate:
		if a.EntryVisibility() == VisibilityPublic {
			ops = append(ops, DhtOp{Type: OpStoreEntry, SignedAction: sa, Entry: public})
		}
	case ActionUpdate:
		if a.EntryVisibility() == VisibilityPublic {
			ops = append(ops, DhtOp{Type: OpStoreEntry, SignedAction: sa, Entry: public})
		}
		ops = append(ops, DhtOp{Type: OpRegisterUpdate, SignedAction: sa, Entry: public})
	case ActionDelete:
		ops = append(ops, DhtOp{Type: OpRegisterDelete, SignedAction: sa})
	case ActionCreateLink:
		ops = append(ops, DhtOp{Type: OpRegisterAddLink, SignedAction: sa})
	case ActionDeleteLink:
		ops = append(ops, DhtOp{Type: OpRegisterRemoveLink, SignedAction: sa})
	case ActionDna, ActionAgentValidationPkg, ActionInitZomesComplete,
		ActionOpenChain, ActionCloseChain:
		// Record + activity only.
	default:
		return nil, fmt.Errorf("cannot produce ops for unknown action type %q", a.Type)
	}

	return ops, nil
}
