package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// PutIncomingOps inserts ops at the sys-validation stage, skipping any
// already present so re-delivery is idempotent. Returns how many were new.
func (s *CellStore) PutIncomingOps(ops []StoredOp) (int, error) {
	inserted := 0
	err := s.dht.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOps)
		for i := range ops {
			op := ops[i]
			key := op.OpHash.Bytes()
			if b.Get(key) != nil {
				continue
			}
			if op.Stage == "" {
				op.Stage = StagePendingSysValidation
			}
			data, err := msgpack.Marshal(&op)
			if err != nil {
				return fmt.Errorf("failed to serialize op: %w", err)
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	return inserted, err
}

// GetOp returns a stored op, or nil.
func (s *CellStore) GetOp(opHash hash.Hash) (*StoredOp, error) {
	var op *StoredOp
	err := s.dht.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOps).Get(opHash.Bytes())
		if data == nil {
			return nil
		}
		op = &StoredOp{}
		return msgpack.Unmarshal(data, op)
	})
	return op, err
}

// UpdateOp rewrites an op's pipeline entry.
func (s *CellStore) UpdateOp(op StoredOp) error {
	return s.dht.Update(func(tx *bolt.Tx) error {
		data, err := msgpack.Marshal(&op)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOps).Put(op.OpHash.Bytes(), data)
	})
}

// OpsInStage lists ops at the given pipeline stage, ordered by op hash for
// deterministic batch processing.
func (s *CellStore) OpsInStage(stage OpStage) ([]StoredOp, error) {
	var out []StoredOp
	err := s.dht.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).ForEach(func(k, v []byte) error {
			var op StoredOp
			if err := msgpack.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.Stage == stage {
				out = append(out, op)
			}
			return nil
		})
	})
	return out, err
}

// IntegrateOp is the single writer of the authoritative DHT tables. It
// moves the op to the integrated stage and, for Valid ops, writes the
// payload and metadata indexes. Rejected and Abandoned ops record status
// only. Re-integrating an integrated op is a no-op.
func (s *CellStore) IntegrateOp(op StoredOp, status types.ValidationStatus) error {
	return s.dht.Update(func(tx *bolt.Tx) error {
		opsBucket := tx.Bucket(bucketOps)
		if data := opsBucket.Get(op.OpHash.Bytes()); data != nil {
			var existing StoredOp
			if err := msgpack.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Stage == StageIntegrated {
				return nil
			}
		}

		op.Stage = StageIntegrated
		op.Status = status
		data, err := msgpack.Marshal(&op)
		if err != nil {
			return err
		}
		if err := opsBucket.Put(op.OpHash.Bytes(), data); err != nil {
			return err
		}

		if status != types.StatusValid {
			if op.Op.Type == types.OpRegisterAgentActivity && status == types.StatusRejected {
				return s.markActivity(tx, &op, types.StatusRejected)
			}
			return nil
		}
		return s.writeIndexes(tx, &op)
	})
}

func (s *CellStore) writeIndexes(tx *bolt.Tx, op *StoredOp) error {
	sa := op.Op.SignedAction
	a := &sa.Action
	ah, err := a.Hash()
	if err != nil {
		return err
	}

	switch op.Op.Type {
	case types.OpStoreRecord:
		record := types.NewRecord(sa, op.Op.Entry)
		data, err := msgpack.Marshal(&record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecords).Put(ah.Bytes(), data)

	case types.OpStoreEntry:
		record := types.NewRecord(sa, op.Op.Entry)
		data, err := msgpack.Marshal(&record)
		if err != nil {
			return err
		}
		key := compositeKey(op.Basis.Bytes(), ah.Bytes())
		if err := tx.Bucket(bucketEntryActions).Put(key, data); err != nil {
			return err
		}
		// A delete integrated before its store keeps the entry dead.
		statusBucket := tx.Bucket(bucketEntryStatus)
		if statusBucket.Get(op.Basis.Bytes()) == nil {
			return statusBucket.Put(op.Basis.Bytes(), []byte(types.EntryLive))
		}
		return nil

	case types.OpRegisterAgentActivity:
		return s.markActivity(tx, op, types.StatusValid)

	case types.OpRegisterUpdate:
		data, err := msgpack.Marshal(&sa)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUpdates).Put(compositeKey(op.Basis.Bytes(), ah.Bytes()), data)

	case types.OpRegisterDelete:
		data, err := msgpack.Marshal(&sa)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDeletes).Put(compositeKey(op.Basis.Bytes(), ah.Bytes()), data); err != nil {
			return err
		}
		if a.DeletesEntryAddress != nil {
			return tx.Bucket(bucketEntryStatus).Put(a.DeletesEntryAddress.Bytes(), []byte(types.EntryDead))
		}
		return nil

	case types.OpRegisterAddLink:
		data, err := msgpack.Marshal(&sa)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLinks).Put(compositeKey(op.Basis.Bytes(), ah.Bytes()), data)

	case types.OpRegisterRemoveLink:
		data, err := msgpack.Marshal(&sa)
		if err != nil {
			return err
		}
		key := compositeKey(op.Basis.Bytes(), a.LinkAddAddress.Bytes(), ah.Bytes())
		return tx.Bucket(bucketLinkTombstones).Put(key, data)

	default:
		return fmt.Errorf("cannot integrate unknown op type %q", op.Op.Type)
	}
}

func (s *CellStore) markActivity(tx *bolt.Tx, op *StoredOp, status types.ValidationStatus) error {
	a := &op.Op.SignedAction.Action
	ah, err := a.Hash()
	if err != nil {
		return err
	}
	key := compositeKey(a.Author.Bytes(), seqKey(a.Seq))
	if err := tx.Bucket(bucketActivity).Put(key, ah.Bytes()); err != nil {
		return err
	}
	statusKey := compositeKey(a.Author.Bytes(), ah.Bytes())
	return tx.Bucket(bucketActivityStatus).Put(statusKey, []byte(status))
}

// HasIntegrated reports whether the op reached the integrated stage.
func (s *CellStore) HasIntegrated(opHash hash.Hash) (bool, error) {
	op, err := s.GetOp(opHash)
	if err != nil {
		return false, err
	}
	return op != nil && op.Stage == StageIntegrated, nil
}

// HasLink reports whether a CreateLink with the given action hash is
// integrated at base. Integration ordering of RegisterRemoveLink depends on
// this.
func (s *CellStore) HasLink(base, createHash hash.Hash) (bool, error) {
	found := false
	err := s.dht.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketLinks).Get(compositeKey(base.Bytes(), createHash.Bytes())) != nil
		return nil
	})
	return found, err
}

// HasRecord reports whether the action's record is integrated.
func (s *CellStore) HasRecord(actionHash hash.Hash) (bool, error) {
	found := false
	err := s.dht.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get(actionHash.Bytes()) != nil
		return nil
	})
	return found, err
}

// HasEntry reports whether any creation record for the entry is integrated.
func (s *CellStore) HasEntry(entryHash hash.Hash) (bool, error) {
	found := false
	err := s.dht.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntryActions).Cursor()
		prefix := entryHash.Bytes()
		k, _ := c.Seek(prefix)
		found = k != nil && bytes.HasPrefix(k, prefix)
		return nil
	})
	return found, err
}

// IntegratedRecord returns the integrated record for an action hash, or
// nil.
func (s *CellStore) IntegratedRecord(actionHash hash.Hash) (*types.Record, error) {
	var record *types.Record
	err := s.dht.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get(actionHash.Bytes())
		if data == nil {
			return nil
		}
		record = &types.Record{}
		return msgpack.Unmarshal(data, record)
	})
	return record, err
}

// EntryDetails assembles the metadata view at an entry basis, or nil when
// the entry is unknown.
func (s *CellStore) EntryDetails(entryHash hash.Hash) (*types.EntryDetails, error) {
	var details *types.EntryDetails
	err := s.dht.View(func(tx *bolt.Tx) error {
		prefix := entryHash.Bytes()

		var actions []types.SignedAction
		var entry *types.Entry
		c := tx.Bucket(bucketEntryActions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record types.Record
			if err := msgpack.Unmarshal(v, &record); err != nil {
				return err
			}
			actions = append(actions, record.SignedAction)
			if entry == nil && record.Entry.Entry != nil {
				entry = record.Entry.Entry
			}
		}
		if len(actions) == 0 {
			return nil
		}

		updates, err := collectSigned(tx.Bucket(bucketUpdates), prefix)
		if err != nil {
			return err
		}
		deletes, err := collectSigned(tx.Bucket(bucketDeletes), prefix)
		if err != nil {
			return err
		}

		status := types.EntryLive
		if raw := tx.Bucket(bucketEntryStatus).Get(prefix); raw != nil {
			status = types.EntryDhtStatus(raw)
		}
		details = &types.EntryDetails{
			Entry: entry, Actions: actions, Updates: updates, Deletes: deletes, Status: status,
		}
		return nil
	})
	return details, err
}

// RecordDetails assembles the metadata view at an action basis, or nil.
func (s *CellStore) RecordDetails(actionHash hash.Hash) (*types.RecordDetails, error) {
	var details *types.RecordDetails
	err := s.dht.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get(actionHash.Bytes())
		if data == nil {
			return nil
		}
		var record types.Record
		if err := msgpack.Unmarshal(data, &record); err != nil {
			return err
		}
		prefix := actionHash.Bytes()
		updates, err := collectSigned(tx.Bucket(bucketUpdates), prefix)
		if err != nil {
			return err
		}
		deletes, err := collectSigned(tx.Bucket(bucketDeletes), prefix)
		if err != nil {
			return err
		}
		details = &types.RecordDetails{
			Record: record, Updates: updates, Deletes: deletes, Status: types.StatusValid,
		}
		return nil
	})
	return details, err
}

// Links returns the live links at base: CreateLinks without an integrated
// tombstone, filtered by the query's type and tag prefix.
func (s *CellStore) Links(q types.LinkQuery) ([]types.Link, error) {
	var out []types.Link
	err := s.dht.View(func(tx *bolt.Tx) error {
		prefix := q.Base.Bytes()
		tombstones := tx.Bucket(bucketLinkTombstones)
		c := tx.Bucket(bucketLinks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sa types.SignedAction
			if err := msgpack.Unmarshal(v, &sa); err != nil {
				return err
			}
			a := &sa.Action
			if q.ZomeIndex != nil && a.ZomeIndex != *q.ZomeIndex {
				continue
			}
			if q.LinkType != nil && a.LinkType != *q.LinkType {
				continue
			}
			if len(q.TagPrefix) > 0 && !bytes.HasPrefix(a.Tag, q.TagPrefix) {
				continue
			}
			createHash, err := a.Hash()
			if err != nil {
				return err
			}
			// Any tombstone at (base, create) kills the link.
			tc := tombstones.Cursor()
			tPrefix := compositeKey(prefix, createHash.Bytes())
			if tk, _ := tc.Seek(tPrefix); tk != nil && bytes.HasPrefix(tk, tPrefix) {
				continue
			}
			out = append(out, types.Link{
				Base: q.Base, Target: *a.TargetAddress, ZomeIndex: a.ZomeIndex,
				LinkType: a.LinkType, Tag: a.Tag, CreateHash: createHash,
				Author: a.Author, Timestamp: a.Timestamp,
			})
		}
		return nil
	})
	return out, err
}

// LinkDetails returns every CreateLink at base with its tombstones,
// including dead links.
func (s *CellStore) LinkDetails(base hash.Hash) ([]types.LinkDetails, error) {
	var out []types.LinkDetails
	err := s.dht.View(func(tx *bolt.Tx) error {
		prefix := base.Bytes()
		tombstones := tx.Bucket(bucketLinkTombstones)
		c := tx.Bucket(bucketLinks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var create types.SignedAction
			if err := msgpack.Unmarshal(v, &create); err != nil {
				return err
			}
			createHash, err := create.Action.Hash()
			if err != nil {
				return err
			}
			detail := types.LinkDetails{Create: create}
			tc := tombstones.Cursor()
			tPrefix := compositeKey(prefix, createHash.Bytes())
			for tk, tv := tc.Seek(tPrefix); tk != nil && bytes.HasPrefix(tk, tPrefix); tk, tv = tc.Next() {
				var del types.SignedAction
				if err := msgpack.Unmarshal(tv, &del); err != nil {
					return err
				}
				detail.Deletes = append(detail.Deletes, del)
			}
			out = append(out, detail)
		}
		return nil
	})
	return out, err
}

// Activity assembles the agent-activity view held by this authority,
// including warrants.
func (s *CellStore) Activity(agent hash.Hash) (*types.AgentActivity, error) {
	activity := &types.AgentActivity{Agent: agent}
	err := s.dht.View(func(tx *bolt.Tx) error {
		prefix := agent.Bytes()
		statusBucket := tx.Bucket(bucketActivityStatus)
		c := tx.Bucket(bucketActivity).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ah, err := hash.Decode(v)
			if err != nil {
				return err
			}
			status := types.ValidationStatus(statusBucket.Get(compositeKey(prefix, v)))
			if status == types.StatusRejected {
				activity.RejectedActions = append(activity.RejectedActions, ah)
				continue
			}
			activity.ValidActions = append(activity.ValidActions, ah)
			activity.ChainTopSeq = uint32(binary.BigEndian.Uint64(k[len(prefix):]))
			top := ah
			activity.ChainTopHash = &top
		}

		wc := tx.Bucket(bucketWarrants).Cursor()
		for k, v := wc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = wc.Next() {
			var w types.SignedWarrant
			if err := msgpack.Unmarshal(v, &w); err != nil {
				return err
			}
			activity.Warrants = append(activity.Warrants, w)
		}
		return nil
	})
	return activity, err
}

// AddWarrant stores a warrant at its warrantee's activity basis.
func (s *CellStore) AddWarrant(w types.SignedWarrant) error {
	return s.dht.Update(func(tx *bolt.Tx) error {
		wh, err := w.Warrant.Hash()
		if err != nil {
			return err
		}
		data, err := msgpack.Marshal(&w)
		if err != nil {
			return err
		}
		key := compositeKey(w.Warrant.Warrantee.Bytes(), wh.Bytes())
		return tx.Bucket(bucketWarrants).Put(key, data)
	})
}

// OpCounts reports ops per stage for state dumps and metrics.
func (s *CellStore) OpCounts() (map[OpStage]int, error) {
	counts := make(map[OpStage]int)
	err := s.dht.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).ForEach(func(k, v []byte) error {
			var op StoredOp
			if err := msgpack.Unmarshal(v, &op); err != nil {
				return err
			}
			counts[op.Stage]++
			return nil
		})
	})
	return counts, err
}

func collectSigned(b *bolt.Bucket, prefix []byte) ([]types.SignedAction, error) {
	var out []types.SignedAction
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var sa types.SignedAction
		if err := msgpack.Unmarshal(v, &sa); err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	return out, nil
}
