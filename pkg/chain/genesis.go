package chain

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
)

// SelfCheckFn lets the DNA veto its own genesis (the genesis_self_check
// callback) before anything is committed. It receives the membrane proof.
type SelfCheckFn func(membraneProof []byte) error

// Genesis writes the fixed first three actions of a fresh chain: Dna,
// AgentValidationPkg, and the Create of the agent's key entry. Fails if the
// chain is non-empty.
func (c *SourceChain) Genesis(membraneProof []byte, selfCheck SelfCheckFn) error {
	head, err := c.store.Head()
	if err != nil {
		return err
	}
	if head != nil {
		return fmt.Errorf("genesis on non-empty chain at seq %d", head.Seq)
	}

	if selfCheck != nil {
		if err := selfCheck(membraneProof); err != nil {
			return fmt.Errorf("genesis self check failed: %w", err)
		}
	}

	scratch := newScratch(c.cellID, nil)
	dna := c.cellID.DnaHash
	if _, err := scratch.Append(types.Action{Type: types.ActionDna, DnaHash: &dna}, nil); err != nil {
		return err
	}
	if _, err := scratch.Append(types.Action{Type: types.ActionAgentValidationPkg, MembraneProof: membraneProof}, nil); err != nil {
		return err
	}
	agentEntry := types.NewAgentEntry(c.cellID.AgentKey.Digest())
	if _, err := scratch.AppendEntry(types.EntryType{Kind: types.EntryKindAgent}, agentEntry); err != nil {
		return err
	}

	_, err = c.Flush(scratch, OrderingStrict, func(records []types.Record) error {
		var prev *types.Action
		for i := range records {
			if err := types.CheckChainLink(prev, &records[i].SignedAction.Action); err != nil {
				return err
			}
			prev = &records[i].SignedAction.Action
		}
		return nil
	})
	return err
}

// InitComplete appends InitZomesComplete, marking the end of the genesis
// phase. Called once after the DNA's init callbacks all succeed.
func (c *SourceChain) InitComplete() (hash.Hash, error) {
	scratch, err := c.NewScratch()
	if err != nil {
		return hash.Hash{}, err
	}
	if _, err := scratch.Append(types.Action{Type: types.ActionInitZomesComplete}, nil); err != nil {
		return hash.Hash{}, err
	}
	hashes, err := c.Flush(scratch, OrderingRelaxed, nil)
	if err != nil {
		return hash.Hash{}, err
	}
	return hashes[0], nil
}
