package storage

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// Head returns the current chain head, or nil on an empty chain.
func (s *CellStore) Head() (*ChainHead, error) {
	var head *ChainHead
	err := s.authored.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHead).Get([]byte("head"))
		if data == nil {
			return nil
		}
		head = &ChainHead{}
		return msgpack.Unmarshal(data, head)
	})
	return head, err
}

// ExtendChain atomically appends records and queues their authored ops. The
// head is compare-and-swapped against expected inside the transaction;
// a mismatch returns ErrHeadMoved and writes nothing. A nil expected head
// asserts an empty chain. Zero records is a no-op that leaves the head
// unchanged.
func (s *CellStore) ExtendChain(expected *hash.Hash, records []types.Record, ops []AuthoredOp) error {
	if len(records) == 0 {
		return nil
	}
	return s.authored.Update(func(tx *bolt.Tx) error {
		headBucket := tx.Bucket(bucketHead)
		current := headBucket.Get([]byte("head"))
		switch {
		case current == nil && expected != nil:
			return types.ErrHeadMoved
		case current != nil:
			var head ChainHead
			if err := msgpack.Unmarshal(current, &head); err != nil {
				return err
			}
			if expected == nil || !head.Hash.Equal(*expected) {
				return types.ErrHeadMoved
			}
		}

		actions := tx.Bucket(bucketActions)
		index := tx.Bucket(bucketActionIdx)
		var newHead ChainHead
		for i := range records {
			r := &records[i]
			ah, err := r.ActionHash()
			if err != nil {
				return err
			}
			data, err := msgpack.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to serialize record: %w", err)
			}
			sealed, err := s.sealValue(data)
			if err != nil {
				return err
			}
			seq := r.SignedAction.Action.Seq
			if err := actions.Put(seqKey(seq), sealed); err != nil {
				return err
			}
			if err := index.Put(ah.Bytes(), seqKey(seq)); err != nil {
				return err
			}
			newHead = ChainHead{Hash: ah, Seq: seq, Timestamp: r.SignedAction.Action.Timestamp}
		}

		headData, err := msgpack.Marshal(&newHead)
		if err != nil {
			return err
		}
		if err := headBucket.Put([]byte("head"), headData); err != nil {
			return err
		}

		// Op production is atomic with the chain write.
		authoredOps := tx.Bucket(bucketAuthored)
		for i := range ops {
			op := &ops[i]
			data, err := msgpack.Marshal(op)
			if err != nil {
				return fmt.Errorf("failed to serialize authored op: %w", err)
			}
			if err := authoredOps.Put(op.OpHash.Bytes(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *CellStore) decodeRecord(data []byte) (*types.Record, error) {
	opened, err := s.openValue(data)
	if err != nil {
		return nil, err
	}
	var r types.Record
	if err := msgpack.Unmarshal(opened, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordBySeq returns the chain record at seq, or nil.
func (s *CellStore) RecordBySeq(seq uint32) (*types.Record, error) {
	var record *types.Record
	err := s.authored.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketActions).Get(seqKey(seq))
		if data == nil {
			return nil
		}
		var err error
		record, err = s.decodeRecord(data)
		return err
	})
	return record, err
}

// RecordByAction returns the chain record with the given action hash, or
// nil.
func (s *CellStore) RecordByAction(ah hash.Hash) (*types.Record, error) {
	var record *types.Record
	err := s.authored.View(func(tx *bolt.Tx) error {
		seq := tx.Bucket(bucketActionIdx).Get(ah.Bytes())
		if seq == nil {
			return nil
		}
		data := tx.Bucket(bucketActions).Get(seq)
		if data == nil {
			return nil
		}
		var err error
		record, err = s.decodeRecord(data)
		return err
	})
	return record, err
}

// QueryChain returns chain records matching the filter in the requested
// order.
func (s *CellStore) QueryChain(filter types.ChainQueryFilter) ([]types.Record, error) {
	var out []types.Record
	err := s.authored.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActions).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			r, err := s.decodeRecord(v)
			if err != nil {
				return err
			}
			if !filter.Matches(r) {
				continue
			}
			if !filter.IncludeEntries {
				*r = r.WithoutEntry()
			}
			out = append(out, *r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		less := out[i].SignedAction.Action.Seq < out[j].SignedAction.Action.Seq
		if filter.Descending {
			return !less
		}
		return less
	})
	return out, nil
}

// SetChainLock records the countersigning lock subject. An existing lock
// with a different subject is an error.
func (s *CellStore) SetChainLock(subject []byte) error {
	return s.authored.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLock)
		if current := b.Get([]byte("subject")); current != nil && !bytes.Equal(current, subject) {
			return types.ErrChainLocked
		}
		return b.Put([]byte("subject"), subject)
	})
}

// ChainLock returns the current lock subject, or nil when unlocked.
func (s *CellStore) ChainLock() ([]byte, error) {
	var subject []byte
	err := s.authored.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketLock).Get([]byte("subject")); data != nil {
			subject = append([]byte(nil), data...)
		}
		return nil
	})
	return subject, err
}

// ClearChainLock releases the lock.
func (s *CellStore) ClearChainLock() error {
	return s.authored.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLock).Delete([]byte("subject"))
	})
}

// AuthoredOpsInStage lists authored ops at the given stage.
func (s *CellStore) AuthoredOpsInStage(stage OpStage) ([]AuthoredOp, error) {
	var out []AuthoredOp
	err := s.authored.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuthored).ForEach(func(k, v []byte) error {
			var op AuthoredOp
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

// UpdateAuthoredOp rewrites an authored op's queue entry.
func (s *CellStore) UpdateAuthoredOp(op AuthoredOp) error {
	return s.authored.Update(func(tx *bolt.Tx) error {
		data, err := msgpack.Marshal(&op)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAuthored).Put(op.OpHash.Bytes(), data)
	})
}

// AddReceipt stores a receipt and returns the distinct-authority count for
// the op. Duplicate receipts from the same authority overwrite, so they
// count once.
func (s *CellStore) AddReceipt(r types.SignedValidationReceipt) (int, error) {
	count := 0
	err := s.authored.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReceipts)
		key := compositeKey(r.Receipt.OpHash.Bytes(), r.Receipt.Authority.Bytes())
		data, err := msgpack.Marshal(&r)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		prefix := r.Receipt.OpHash.Bytes()
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Receipts lists the stored receipts for an op.
func (s *CellStore) Receipts(opHash hash.Hash) ([]types.SignedValidationReceipt, error) {
	var out []types.SignedValidationReceipt
	err := s.authored.View(func(tx *bolt.Tx) error {
		prefix := opHash.Bytes()
		c := tx.Bucket(bucketReceipts).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.SignedValidationReceipt
			if err := msgpack.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// PutSchedule persists a durable schedule registration.
func (s *CellStore) PutSchedule(sched PersistedSchedule) error {
	return s.authored.Update(func(tx *bolt.Tx) error {
		data, err := msgpack.Marshal(&sched)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSchedules).Put([]byte(sched.Zome+"|"+sched.Function), data)
	})
}

// DeleteSchedule removes a durable schedule registration.
func (s *CellStore) DeleteSchedule(zome, fn string) error {
	return s.authored.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(zome + "|" + fn))
	})
}

// Schedules lists the persisted schedule registrations.
func (s *CellStore) Schedules() ([]PersistedSchedule, error) {
	var out []PersistedSchedule
	err := s.authored.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sched PersistedSchedule
			if err := msgpack.Unmarshal(v, &sched); err != nil {
				return err
			}
			out = append(out, sched)
			return nil
		})
	})
	return out, err
}
