package types

import (
	"fmt"
	"time"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/vmihailenco/msgpack/v5"
)

// Timestamp is microseconds since the unix epoch. Chain ordering compares
// these directly, so the precision is part of the data model.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMicro())
}

// Time converts back to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t))
}

// ActionType discriminates source-chain action variants.
type ActionType string

const (
	ActionDna                ActionType = "dna"
	ActionAgentValidationPkg ActionType = "agent_validation_pkg"
	ActionInitZomesComplete  ActionType = "init_zomes_complete"
	ActionCreate             ActionType = "create"
	ActionUpdate             ActionType = "update"
	ActionDelete             ActionType = "delete"
	ActionCreateLink         ActionType = "create_link"
	ActionDeleteLink         ActionType = "delete_link"
	ActionOpenChain          ActionType = "open_chain"
	ActionCloseChain         ActionType = "close_chain"
)

// RateWeight is the rate-limit bucket accounting carried by weighed actions.
type RateWeight struct {
	BucketID  uint8  `msgpack:"bucket_id"`
	Units     uint8  `msgpack:"units"`
	RateBytes uint32 `msgpack:"rate_bytes"`
}

// Action is a single source-chain entry. One flat struct covers every
// variant; the populated optional fields depend on Type. Dna is the only
// action without Seq/PrevAction (both stay zero).
type Action struct {
	Type       ActionType `msgpack:"type"`
	Author     hash.Hash  `msgpack:"author"`
	Timestamp  Timestamp  `msgpack:"timestamp"`
	Seq        uint32     `msgpack:"action_seq"`
	PrevAction hash.Hash  `msgpack:"prev_action"`

	// Dna, OpenChain, CloseChain
	DnaHash     *hash.Hash `msgpack:"dna_hash,omitempty"`
	PrevDnaHash *hash.Hash `msgpack:"prev_dna_hash,omitempty"`
	NewDnaHash  *hash.Hash `msgpack:"new_dna_hash,omitempty"`
	NewAgentKey *hash.Hash `msgpack:"new_agent_key,omitempty"`

	// AgentValidationPkg
	MembraneProof []byte `msgpack:"membrane_proof,omitempty"`

	// Create, Update
	EntryType *EntryType `msgpack:"entry_type,omitempty"`
	EntryHash *hash.Hash `msgpack:"entry_hash,omitempty"`

	// Update
	OriginalActionAddress *hash.Hash `msgpack:"original_action_address,omitempty"`
	OriginalEntryAddress  *hash.Hash `msgpack:"original_entry_address,omitempty"`

	// Delete
	DeletesAddress      *hash.Hash `msgpack:"deletes_address,omitempty"`
	DeletesEntryAddress *hash.Hash `msgpack:"deletes_entry_address,omitempty"`

	// CreateLink
	BaseAddress   *hash.Hash `msgpack:"base_address,omitempty"`
	TargetAddress *hash.Hash `msgpack:"target_address,omitempty"`
	ZomeIndex     uint8      `msgpack:"zome_index,omitempty"`
	LinkType      uint8      `msgpack:"link_type,omitempty"`
	Tag           []byte     `msgpack:"tag,omitempty"`

	// DeleteLink
	LinkAddAddress *hash.Hash `msgpack:"link_add_address,omitempty"`

	// Create, Update, Delete, CreateLink, DeleteLink
	Weight *RateWeight `msgpack:"weight,omitempty"`
}

// Hash computes the action's content address.
func (a *Action) Hash() (hash.Hash, error) {
	data, err := msgpack.Marshal(a)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("failed to serialize action: %w", err)
	}
	return hash.New(hash.KindAction, data), nil
}

// HasEntry reports whether the action variant references entry content.
func (a *Action) HasEntry() bool {
	return a.Type == ActionCreate || a.Type == ActionUpdate
}

// EntryVisibility returns the visibility of the referenced entry, or Public
// for actions without one.
func (a *Action) EntryVisibility() Visibility {
	if a.EntryType != nil {
		return a.EntryType.Visibility()
	}
	return VisibilityPublic
}

// Signature is a 64-byte ed25519 signature. Each signed structure says which
// bytes it covers; for actions that is the action hash.
type Signature []byte

// SignedAction pairs an action with its author's signature over the action
// hash.
type SignedAction struct {
	Action    Action    `msgpack:"action"`
	Signature Signature `msgpack:"signature"`
}

// Hash is the hash of the inner action; the signature is not part of the
// address.
func (s *SignedAction) Hash() (hash.Hash, error) {
	return s.Action.Hash()
}

// NewCreateAction builds an unsigned Create rooted at the given chain
// position. Callers fill Weight if the entry type is rate limited.
func NewCreateAction(author hash.Hash, seq uint32, prev hash.Hash, et EntryType, eh hash.Hash) Action {
	return Action{
		Type:       ActionCreate,
		Author:     author,
		Timestamp:  Now(),
		Seq:        seq,
		PrevAction: prev,
		EntryType:  &et,
		EntryHash:  &eh,
	}
}
