package cell

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/chain"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/types"
)

// nonceCache tracks seen nonces per provenance so a signed call
// cannot be replayed. Entries fall out once their expiry passes.
type nonceCache struct {
	mu   sync.Mutex
	seen map[string]types.Timestamp // provenance|nonce -> expiry
}

func newNonceCache() *nonceCache {
	return &nonceCache{seen: make(map[string]types.Timestamp)}
}

// Observe returns false when the nonce was already seen for the
// provenance; otherwise records it until expiry.
func (n *nonceCache) Observe(provenance hash.Hash, nonce types.Nonce, expiry types.Timestamp) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := types.Now()
	for key, exp := range n.seen {
		if exp < now {
			delete(n.seen, key)
		}
	}

	key := provenance.String() + "|" + string(nonce[:])
	if _, dup := n.seen[key]; dup {
		return false
	}
	n.seen[key] = expiry
	return true
}

// authorize runs the full zome-call gate: block list, expiry, signature,
// nonce freshness, and capability grant matching. Self-calls from the
// owning agent bypass the grant check but not the signature.
func (c *Cell) authorize(params *types.ZomeCallParams) error {
	if c.isBlocked != nil && c.isBlocked(params.Provenance) {
		return types.ErrBlockedProvenance
	}
	if types.Now() > params.ExpiresAt {
		return types.ErrCallExpired
	}

	signed, err := params.SigningBytes()
	if err != nil {
		return err
	}
	if !keystore.Verify(params.Provenance, signed, params.Signature) {
		return types.ErrBadSignature
	}
	if !c.nonces.Observe(params.Provenance, params.Nonce, params.ExpiresAt) {
		return types.ErrBadNonce
	}

	if params.Provenance.Equal(c.id.AgentKey) {
		return nil
	}
	return c.matchGrant(params)
}

// matchGrant searches the chain's live capability grants for one covering
// the call.
func (c *Cell) matchGrant(params *types.ZomeCallParams) error {
	grants, err := c.liveGrants()
	if err != nil {
		return err
	}
	for i := range grants {
		grant := &grants[i]
		if !grant.Functions.Covers(params.ZomeName, params.FnName) {
			continue
		}
		switch grant.Access {
		case types.CapAccessUnrestricted:
			return nil
		case types.CapAccessTransferable:
			if secretMatches(grant.Secret, params.CapSecret) {
				return nil
			}
		case types.CapAccessAssigned:
			if secretMatches(grant.Secret, params.CapSecret) && grant.IsAssignee(params.Provenance) {
				return nil
			}
		}
	}
	return types.ErrBadCapGrant
}

func secretMatches(granted *types.CapSecret, presented *types.CapSecret) bool {
	if granted == nil || presented == nil {
		return false
	}
	return subtle.ConstantTimeCompare(granted[:], presented[:]) == 1
}

// liveGrants returns the chain's capability grants that have not been
// revoked. Revocation is deletion of the grant's action.
func (c *Cell) liveGrants() ([]types.CapGrant, error) {
	grantRecords, err := c.chain.Query(types.ChainQueryFilter{
		EntryTypes:     []types.EntryType{{Kind: types.EntryKindCapGrant}},
		IncludeEntries: true,
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(grantRecords) == 0 {
		return nil, nil
	}

	deleteRecords, err := c.chain.Query(types.ChainQueryFilter{
		ActionTypes: []types.ActionType{types.ActionDelete},
	}, nil)
	if err != nil {
		return nil, err
	}
	revoked := make(map[string]bool, len(deleteRecords))
	for i := range deleteRecords {
		if addr := deleteRecords[i].SignedAction.Action.DeletesAddress; addr != nil {
			revoked[addr.String()] = true
		}
	}

	var grants []types.CapGrant
	for i := range grantRecords {
		r := &grantRecords[i]
		ah, err := r.ActionHash()
		if err != nil {
			return nil, err
		}
		if revoked[ah.String()] {
			continue
		}
		// Grants are private entries: visible on our own chain reads.
		if r.Entry.Entry == nil || r.Entry.Entry.CapGrant == nil {
			continue
		}
		grants = append(grants, *r.Entry.Entry.CapGrant)
	}
	return grants, nil
}

// GrantInfo is the app-interface listing view of a live grant.
type GrantInfo struct {
	ActionHash hash.Hash              `msgpack:"action_hash"`
	Tag        string                 `msgpack:"tag"`
	Access     types.CapAccess        `msgpack:"access"`
	Functions  types.GrantedFunctions `msgpack:"functions"`
	CreatedAt  time.Time              `msgpack:"created_at"`
}

// ListGrants enumerates live grants for the app interface.
func (c *Cell) ListGrants() ([]GrantInfo, error) {
	records, err := c.chain.Query(types.ChainQueryFilter{
		EntryTypes:     []types.EntryType{{Kind: types.EntryKindCapGrant}},
		IncludeEntries: true,
	}, nil)
	if err != nil {
		return nil, err
	}
	live, err := c.liveGrants()
	if err != nil {
		return nil, err
	}
	liveByTag := make(map[string]bool, len(live))
	for i := range live {
		liveByTag[live[i].Tag] = true
	}

	var out []GrantInfo
	for i := range records {
		r := &records[i]
		if r.Entry.Entry == nil || r.Entry.Entry.CapGrant == nil {
			continue
		}
		g := r.Entry.Entry.CapGrant
		if !liveByTag[g.Tag] {
			continue
		}
		ah, err := r.ActionHash()
		if err != nil {
			return nil, err
		}
		out = append(out, GrantInfo{
			ActionHash: ah,
			Tag:        g.Tag,
			Access:     g.Access,
			Functions:  g.Functions,
			CreatedAt:  r.SignedAction.Action.Timestamp.Time(),
		})
	}
	return out, nil
}

// GrantCapability commits a capability grant entry on the chain, outside a
// zome call (admin surface).
func (c *Cell) GrantCapability(grant types.CapGrant) (hash.Hash, error) {
	scratch, err := c.chain.NewScratch()
	if err != nil {
		return hash.Hash{}, err
	}
	entry := &types.Entry{Kind: types.EntryKindCapGrant, CapGrant: &grant}
	if _, err := scratch.AppendEntry(types.EntryType{Kind: types.EntryKindCapGrant}, entry); err != nil {
		return hash.Hash{}, err
	}
	hashes, err := c.chain.Flush(scratch, chain.OrderingRelaxed, c.flushValidate)
	if err != nil {
		return hash.Hash{}, err
	}
	c.afterFlush(context.Background(), hashes)
	return hashes[0], nil
}

// RevokeCapability deletes a grant action, revoking it.
func (c *Cell) RevokeCapability(grantAction hash.Hash) error {
	record, err := c.chain.Get(grantAction, nil)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("no grant action %s on chain", grantAction)
	}
	a := &record.SignedAction.Action
	if a.EntryType == nil || a.EntryType.Kind != types.EntryKindCapGrant {
		return fmt.Errorf("action %s is not a capability grant", grantAction)
	}

	scratch, err := c.chain.NewScratch()
	if err != nil {
		return err
	}
	if _, err := scratch.Append(types.Action{
		Type:                types.ActionDelete,
		DeletesAddress:      &grantAction,
		DeletesEntryAddress: a.EntryHash,
	}, nil); err != nil {
		return err
	}
	hashes, err := c.chain.Flush(scratch, chain.OrderingRelaxed, c.flushValidate)
	if err != nil {
		return err
	}
	c.afterFlush(context.Background(), hashes)
	return nil
}
