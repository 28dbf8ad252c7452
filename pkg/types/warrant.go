package types

import (
	"fmt"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/vmihailenco/msgpack/v5"
)

// WarrantType discriminates warrant evidence variants.
type WarrantType string

const (
	// WarrantInvalidChainOp: the warranted agent authored an op that failed
	// validation deterministically.
	WarrantInvalidChainOp WarrantType = "invalid_chain_op"
	// WarrantChainFork: the warranted agent signed two different actions at
	// the same sequence number.
	WarrantChainFork WarrantType = "chain_fork"
)

// Warrant is signed evidence of invalid behavior by another agent. Warrants
// live at the offending agent's activity basis and travel with activity
// queries so peers learn about bad actors without revalidating.
type Warrant struct {
	Type      WarrantType `msgpack:"type"`
	Author    hash.Hash   `msgpack:"author"`    // the issuing authority
	Warrantee hash.Hash   `msgpack:"warrantee"` // the offending agent
	Timestamp Timestamp   `msgpack:"timestamp"`

	// InvalidChainOp
	ActionHash       *hash.Hash `msgpack:"action_hash,omitempty"`
	OpType           OpType     `msgpack:"op_type,omitempty"`
	ValidationReason string     `msgpack:"validation_reason,omitempty"`

	// ChainFork: the two signed actions claiming the same seq.
	ForkFirst  *SignedAction `msgpack:"fork_first,omitempty"`
	ForkSecond *SignedAction `msgpack:"fork_second,omitempty"`
}

// SignedWarrant pairs a warrant with the issuing authority's signature.
type SignedWarrant struct {
	Warrant   Warrant   `msgpack:"warrant"`
	Signature Signature `msgpack:"signature"`
}

// Hash computes the warrant's op address at the warrantee's activity basis.
func (w *Warrant) Hash() (hash.Hash, error) {
	data, err := msgpack.Marshal(w)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("failed to serialize warrant: %w", err)
	}
	return hash.New(hash.KindDhtOp, data), nil
}

// Basis is the warrantee's activity basis; warrants are served alongside the
// agent's activity.
func (w *Warrant) Basis() hash.Hash {
	return w.Warrantee
}

// NewInvalidChainOpWarrant builds an unsigned warrant for a rejected op.
func NewInvalidChainOpWarrant(authority, warrantee, action hash.Hash, opType OpType, reason string) Warrant {
	return Warrant{
		Type:             WarrantInvalidChainOp,
		Author:           authority,
		Warrantee:        warrantee,
		Timestamp:        Now(),
		ActionHash:       &action,
		OpType:           opType,
		ValidationReason: reason,
	}
}

// AgentActivity is the authority-side answer to an activity query: the
// observed chain plus any warrants held against the agent.
type AgentActivity struct {
	Agent           hash.Hash       `msgpack:"agent"`
	ValidActions    []hash.Hash     `msgpack:"valid_actions"`
	RejectedActions []hash.Hash     `msgpack:"rejected_actions,omitempty"`
	Warrants        []SignedWarrant `msgpack:"warrants,omitempty"`
	ChainTopSeq     uint32          `msgpack:"chain_top_seq"`
	ChainTopHash    *hash.Hash      `msgpack:"chain_top_hash,omitempty"`
}
