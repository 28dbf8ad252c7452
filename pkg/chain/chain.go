package chain

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Ordering selects the conflict behavior of a flush.
type Ordering string

const (
	// OrderingStrict fails with ErrHeadMoved when another writer advanced
	// the head after the scratch was opened.
	OrderingStrict Ordering = "strict"
	// OrderingRelaxed rebases the scratch onto the current head: seq,
	// prev_action and timestamps are recomputed and the actions re-signed.
	OrderingRelaxed Ordering = "relaxed"
)

// ValidateFn is the commit-time validation hook run inside Flush. It
// returns ErrIncompleteCommit for retryable missing-dependency failures and
// ErrInvalidCommit for fatal ones.
type ValidateFn func(records []types.Record) error

// SourceChain is one agent's append-only log in one DNA, with
// scratch-buffered optimistic extension. Reads during a zome call union the
// scratch over the persisted chain; nothing is signed or visible to other
// calls until Flush.
type SourceChain struct {
	cellID types.CellID
	store  *storage.CellStore
	ks     *keystore.Keystore
	logger zerolog.Logger

	// Serializes the flush path. Reads go straight to the store.
	flushMu sync.Mutex
}

// New wraps a cell store as a source chain.
func New(cellID types.CellID, store *storage.CellStore, ks *keystore.Keystore) *SourceChain {
	return &SourceChain{
		cellID: cellID,
		store:  store,
		ks:     ks,
		logger: log.WithCell(cellID.String()),
	}
}

// Head returns the persisted chain head, or nil on an empty chain.
func (c *SourceChain) Head() (*storage.ChainHead, error) {
	return c.store.Head()
}

// NewScratch opens a scratch buffer rooted at the current head.
func (c *SourceChain) NewScratch() (*Scratch, error) {
	head, err := c.store.Head()
	if err != nil {
		return nil, err
	}
	return newScratch(c.cellID, head), nil
}

// Query returns persisted records matching the filter, with the given
// scratch (if any) unioned over the top.
func (c *SourceChain) Query(filter types.ChainQueryFilter, scratch *Scratch) ([]types.Record, error) {
	records, err := c.store.QueryChain(filter)
	if err != nil {
		return nil, err
	}
	if scratch == nil {
		return records, nil
	}
	for _, r := range scratch.records() {
		if filter.Matches(&r) {
			if !filter.IncludeEntries {
				r = r.WithoutEntry()
			}
			if filter.Descending {
				records = append([]types.Record{r}, records...)
			} else {
				records = append(records, r)
			}
		}
	}
	return records, nil
}

// Get returns the chain record with the given action hash, checking the
// scratch first.
func (c *SourceChain) Get(ah hash.Hash, scratch *Scratch) (*types.Record, error) {
	if scratch != nil {
		if r := scratch.get(ah); r != nil {
			return r, nil
		}
	}
	return c.store.RecordByAction(ah)
}

// Flush signs and commits the scratch atomically: all actions and their
// derived ops, or nothing. A zero-action scratch succeeds and leaves the
// head unchanged.
func (c *SourceChain) Flush(scratch *Scratch, ordering Ordering, validate ValidateFn) ([]hash.Hash, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if scratch.Len() == 0 {
		return nil, nil
	}

	if err := c.checkLock(scratch); err != nil {
		return nil, err
	}

	// A scratch opened before another flush landed is stale. Rebase (or
	// refuse) it before validation, which checks links against the head.
	head, err := c.store.Head()
	if err != nil {
		return nil, err
	}
	if base := scratch.baseHash(); (head == nil) != (base == nil) || (head != nil && !head.Hash.Equal(*base)) {
		if ordering == OrderingStrict {
			return nil, types.ErrHeadMoved
		}
		scratch.rebase(head)
	}

	for attempt := 0; ; attempt++ {
		records, err := c.sign(scratch)
		if err != nil {
			return nil, err
		}
		if validate != nil {
			if err := validate(records); err != nil {
				return nil, err
			}
		}

		ops, err := produceOps(records)
		if err != nil {
			return nil, err
		}

		err = c.store.ExtendChain(scratch.baseHash(), records, ops)
		if err == nil {
			hashes := make([]hash.Hash, 0, len(records))
			for i := range records {
				ah, err := records[i].ActionHash()
				if err != nil {
					return nil, err
				}
				hashes = append(hashes, ah)
			}
			c.logger.Debug().Int("actions", len(records)).Msg("Chain extended")
			return hashes, nil
		}
		if !errors.Is(err, types.ErrHeadMoved) {
			return nil, err
		}
		if ordering == OrderingStrict {
			return nil, types.ErrHeadMoved
		}

		// Relaxed: rebase onto the new head and retry.
		head, headErr := c.store.Head()
		if headErr != nil {
			return nil, headErr
		}
		scratch.rebase(head)
		c.logger.Debug().Int("attempt", attempt+1).Msg("Rebasing scratch after head move")
	}
}

// checkLock enforces the countersigning invariant: while locked for session
// S, the only commit accepted is the one matching S's preflight hash.
func (c *SourceChain) checkLock(scratch *Scratch) error {
	subject, err := c.store.ChainLock()
	if err != nil {
		return err
	}
	if subject == nil {
		return nil
	}
	if !bytes.Equal(scratch.LockSubject, subject) {
		return types.ErrChainLocked
	}
	return nil
}

// Lock locks the chain for a countersigning session.
func (c *SourceChain) Lock(subject []byte) error {
	return c.store.SetChainLock(subject)
}

// Unlock releases the countersigning lock.
func (c *SourceChain) Unlock() error {
	return c.store.ClearChainLock()
}

// LockSubject returns the active lock subject, or nil.
func (c *SourceChain) LockSubject() ([]byte, error) {
	return c.store.ChainLock()
}

// sign turns the scratch's unsigned actions into signed records.
func (c *SourceChain) sign(scratch *Scratch) ([]types.Record, error) {
	records := make([]types.Record, 0, scratch.Len())
	for _, item := range scratch.items {
		data, err := item.action.Hash()
		if err != nil {
			return nil, err
		}
		sig, err := c.ks.Sign(c.cellID.AgentKey, data.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to sign action: %w", err)
		}
		sa := types.SignedAction{Action: item.action, Signature: sig}
		records = append(records, types.NewChainRecord(sa, item.entry))
	}
	return records, nil
}

// produceOps derives the authored ops for every record, queued in the same
// transaction as the chain write.
func produceOps(records []types.Record) ([]storage.AuthoredOp, error) {
	var out []storage.AuthoredOp
	for i := range records {
		ops, err := types.OpsFromAction(records[i].SignedAction, records[i].Entry.Entry)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			oh, err := op.Hash()
			if err != nil {
				return nil, err
			}
			basis, err := op.Basis()
			if err != nil {
				return nil, err
			}
			out = append(out, storage.AuthoredOp{
				Op: op, OpHash: oh, Basis: basis, Stage: storage.StageAwaitingPublish,
			})
		}
	}
	return out, nil
}
