package cell

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cuemby/conductor/pkg/chain"
	"github.com/cuemby/conductor/pkg/events"
	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/ribosome"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

// callState is the per-invocation context the host functions close over:
// the scratch being built, the caller, and countersigning commit tracking.
type callState struct {
	cell       *Cell
	scratch    *chain.Scratch
	zome       string
	fn         string
	provenance hash.Hash

	committedSession *hash.Hash
	committedEntry   *hash.Hash
}

type callStateKey struct{}

func withCallState(ctx context.Context, s *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, s)
}

func stateFrom(ctx context.Context) (*callState, error) {
	s, ok := ctx.Value(callStateKey{}).(*callState)
	if !ok {
		return nil, fmt.Errorf("host call outside a zome invocation")
	}
	return s, nil
}

// Host ABI payloads.

type createInput struct {
	EntryType types.EntryType `msgpack:"entry_type"`
	Entry     types.Entry     `msgpack:"entry"`
}

type updateInput struct {
	OriginalActionAddress hash.Hash   `msgpack:"original_action_address"`
	Entry                 types.Entry `msgpack:"entry"`
}

type deleteInput struct {
	DeletesActionAddress hash.Hash `msgpack:"deletes_action_address"`
}

type createLinkInput struct {
	Base      hash.Hash `msgpack:"base"`
	Target    hash.Hash `msgpack:"target"`
	ZomeIndex uint8     `msgpack:"zome_index"`
	LinkType  uint8     `msgpack:"link_type"`
	Tag       []byte    `msgpack:"tag"`
}

type deleteLinkInput struct {
	LinkAddAddress hash.Hash `msgpack:"link_add_address"`
}

type getInput struct {
	Hash hash.Hash `msgpack:"hash"`
}

type signInput struct {
	Data []byte `msgpack:"data"`
}

type verifyInput struct {
	Agent     hash.Hash `msgpack:"agent"`
	Data      []byte    `msgpack:"data"`
	Signature []byte    `msgpack:"signature"`
}

type cryptoInput struct {
	Tag       string `msgpack:"tag"`
	Recipient []byte `msgpack:"recipient,omitempty"`
	Sender    []byte `msgpack:"sender,omitempty"`
	Data      []byte `msgpack:"data"`
}

type scheduleInput struct {
	Function string         `msgpack:"function"`
	Schedule types.Schedule `msgpack:"schedule"`
}

type callInput struct {
	CellID    *types.CellID    `msgpack:"cell_id,omitempty"`
	Zome      string           `msgpack:"zome"`
	Fn        string           `msgpack:"fn"`
	Payload   []byte           `msgpack:"payload"`
	CapSecret *types.CapSecret `msgpack:"cap_secret,omitempty"`
}

type remoteCallInput struct {
	Target    hash.Hash        `msgpack:"target"`
	Zome      string           `msgpack:"zome"`
	Fn        string           `msgpack:"fn"`
	Payload   []byte           `msgpack:"payload"`
	CapSecret *types.CapSecret `msgpack:"cap_secret,omitempty"`
}

type remoteSignalInput struct {
	Targets []hash.Hash `msgpack:"targets"`
	Payload []byte      `msgpack:"payload"`
}

type randomBytesInput struct {
	Length uint32 `msgpack:"length"`
}

type agentInfoOutput struct {
	AgentKey     hash.Hash  `msgpack:"agent_key"`
	ChainHead    *hash.Hash `msgpack:"chain_head,omitempty"`
	ChainHeadSeq uint32     `msgpack:"chain_head_seq"`
}

type callInfoOutput struct {
	Provenance hash.Hash `msgpack:"provenance"`
	Zome       string    `msgpack:"zome"`
	Function   string    `msgpack:"function"`
}

type dnaInfoOutput struct {
	Name      string             `msgpack:"name"`
	Hash      hash.Hash          `msgpack:"hash"`
	Modifiers ribosome.Modifiers `msgpack:"modifiers"`
}

type zomeInfoOutput struct {
	Name      string `msgpack:"name"`
	ZomeIndex uint8  `msgpack:"zome_index"`
}

func reply(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decode(input []byte, v interface{}) error {
	if err := msgpack.Unmarshal(input, v); err != nil {
		return fmt.Errorf("failed to decode host call input: %w", err)
	}
	return nil
}

// HostImports binds the full ABI surface for this cell. The returned map is
// shared across calls; per-call state travels in the context.
func (c *Cell) HostImports() ribosome.HostImports {
	imports := ribosome.HostImports{
		"create":      c.hostCreate,
		"update":      c.hostUpdate,
		"delete":      c.hostDelete,
		"create_link": c.hostCreateLink,
		"delete_link": c.hostDeleteLink,

		"query":                   c.hostQuery,
		"get":                     c.hostGet,
		"get_details":             c.hostGetDetails,
		"get_links":               c.hostGetLinks,
		"get_link_details":        c.hostGetLinkDetails,
		"get_agent_activity":      c.hostGetAgentActivity,
		"must_get_entry":          c.hostMustGetEntry,
		"must_get_action":         c.hostMustGetAction,
		"must_get_valid_record":   c.hostMustGetValidRecord,
		"must_get_agent_activity": c.hostGetAgentActivity,

		"agent_info": c.hostAgentInfo,
		"call_info":  c.hostCallInfo,
		"zome_info":  c.hostZomeInfo,
		"dna_info":   c.hostDnaInfo,

		"schedule": c.hostSchedule,

		"call":               c.hostCall,
		"call_remote":        c.hostCallRemote,
		"send_remote_signal": c.hostSendRemoteSignal,

		"accept_countersigning_preflight_request": c.hostAcceptPreflight,

		"sign":                 c.hostSign,
		"verify_signature":     c.hostVerifySignature,
		"secretbox_encrypt":    c.hostSecretboxEncrypt,
		"secretbox_decrypt":    c.hostSecretboxDecrypt,
		"box_encrypt":          c.hostBoxEncrypt,
		"box_decrypt":          c.hostBoxDecrypt,
		"create_shared_secret": c.hostCreateSharedSecret,
		"create_box_keypair":   c.hostCreateBoxKeypair,

		"hash_entry":  c.hostHashEntry,
		"hash_action": c.hostHashAction,

		"emit_signal":  c.hostEmitSignal,
		"random_bytes": c.hostRandomBytes,
		"sys_time":     c.hostSysTime,
	}
	return imports
}

func (c *Cell) hostCreate(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var in createInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}

	// A countersigned entry commit binds the scratch to the active session
	// lock; the flush enforces the match.
	if in.Entry.Kind == types.EntryKindCounterSign {
		subject, err := c.countersign.ActiveLock()
		if err != nil {
			return nil, err
		}
		if subject == nil {
			return nil, fmt.Errorf("countersigned entry outside an accepted session")
		}
		state.scratch.LockSubject = subject
		sessionHash, err := hash.Decode(subject)
		if err != nil {
			return nil, err
		}
		state.committedSession = &sessionHash
		eh, err := in.Entry.Hash()
		if err != nil {
			return nil, err
		}
		state.committedEntry = &eh
	}

	ah, err := state.scratch.AppendEntry(in.EntryType, &in.Entry)
	if err != nil {
		return nil, err
	}
	return reply(ah)
}

func (c *Cell) hostUpdate(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var in updateInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	orig, err := c.chain.Get(in.OriginalActionAddress, state.scratch)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		if orig, err = c.resolveRecord(ctx, in.OriginalActionAddress); err != nil {
			return nil, err
		}
	}
	if orig == nil {
		return nil, fmt.Errorf("%w: original action %s", types.ErrIncompleteCommit, in.OriginalActionAddress)
	}
	origAction := &orig.SignedAction.Action
	if origAction.EntryHash == nil || origAction.EntryType == nil {
		return nil, fmt.Errorf("update target %s has no entry", in.OriginalActionAddress)
	}

	eh, err := in.Entry.Hash()
	if err != nil {
		return nil, err
	}
	ah, err := state.scratch.Append(types.Action{
		Type:                  types.ActionUpdate,
		EntryType:             origAction.EntryType,
		EntryHash:             &eh,
		OriginalActionAddress: &in.OriginalActionAddress,
		OriginalEntryAddress:  origAction.EntryHash,
	}, &in.Entry)
	if err != nil {
		return nil, err
	}
	return reply(ah)
}

func (c *Cell) hostDelete(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var in deleteInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	target, err := c.chain.Get(in.DeletesActionAddress, state.scratch)
	if err != nil {
		return nil, err
	}
	if target == nil {
		if target, err = c.resolveRecord(ctx, in.DeletesActionAddress); err != nil {
			return nil, err
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: deletes target %s", types.ErrIncompleteCommit, in.DeletesActionAddress)
	}
	ta := &target.SignedAction.Action
	if ta.EntryHash == nil {
		return nil, fmt.Errorf("delete target %s has no entry", in.DeletesActionAddress)
	}
	ah, err := state.scratch.Append(types.Action{
		Type:                types.ActionDelete,
		DeletesAddress:      &in.DeletesActionAddress,
		DeletesEntryAddress: ta.EntryHash,
	}, nil)
	if err != nil {
		return nil, err
	}
	return reply(ah)
}

func (c *Cell) hostCreateLink(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var in createLinkInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	ah, err := state.scratch.Append(types.Action{
		Type:          types.ActionCreateLink,
		BaseAddress:   &in.Base,
		TargetAddress: &in.Target,
		ZomeIndex:     in.ZomeIndex,
		LinkType:      in.LinkType,
		Tag:           in.Tag,
	}, nil)
	if err != nil {
		return nil, err
	}
	return reply(ah)
}

func (c *Cell) hostDeleteLink(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var in deleteLinkInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	target, err := c.chain.Get(in.LinkAddAddress, state.scratch)
	if err != nil {
		return nil, err
	}
	if target == nil {
		if target, err = c.resolveRecord(ctx, in.LinkAddAddress); err != nil {
			return nil, err
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: link add %s", types.ErrIncompleteCommit, in.LinkAddAddress)
	}
	ta := &target.SignedAction.Action
	if ta.Type != types.ActionCreateLink {
		return nil, fmt.Errorf("delete_link target %s is a %s", in.LinkAddAddress, ta.Type)
	}
	ah, err := state.scratch.Append(types.Action{
		Type:           types.ActionDeleteLink,
		BaseAddress:    ta.BaseAddress,
		LinkAddAddress: &in.LinkAddAddress,
	}, nil)
	if err != nil {
		return nil, err
	}
	return reply(ah)
}

func (c *Cell) hostQuery(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var filter types.ChainQueryFilter
	if err := decode(input, &filter); err != nil {
		return nil, err
	}
	records, err := c.chain.Query(filter, state.scratch)
	if err != nil {
		return nil, err
	}
	return reply(records)
}

// resolveRecord chains local stores then the network.
func (c *Cell) resolveRecord(ctx context.Context, ah hash.Hash) (*types.Record, error) {
	if r, err := c.store.IntegratedRecord(ah); err != nil || r != nil {
		return r, err
	}
	if r, err := c.store.CachedRecord(ah); err != nil || r != nil {
		return r, err
	}
	if c.net == nil {
		return nil, nil
	}
	r, err := c.net.Get(ctx, ah)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
	}
	if r != nil {
		if err := c.store.CacheRecord(ah, *r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (c *Cell) hostGet(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var in getInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}

	// Own chain (and scratch) first, then the DHT.
	if in.Hash.Kind() == hash.KindAction {
		if r, err := c.chain.Get(in.Hash, state.scratch); err != nil {
			return nil, err
		} else if r != nil {
			return reply(r)
		}
		r, err := c.resolveRecord(ctx, in.Hash)
		if err != nil {
			return nil, err
		}
		return reply(r)
	}

	// Entry basis: serve the first live creation record.
	details, err := c.store.EntryDetails(in.Hash)
	if err != nil {
		return nil, err
	}
	if details == nil && c.net != nil {
		details, err = c.net.GetEntryDetails(ctx, in.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
		}
	}
	if details == nil || len(details.Actions) == 0 {
		return reply((*types.Record)(nil))
	}
	record := types.NewRecord(details.Actions[0], details.Entry)
	return reply(&record)
}

func (c *Cell) hostGetDetails(ctx context.Context, input []byte) ([]byte, error) {
	var in getInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if in.Hash.Kind() == hash.KindAction {
		details, err := c.store.RecordDetails(in.Hash)
		if err != nil {
			return nil, err
		}
		if details == nil && c.net != nil {
			details, err = c.net.GetRecordDetails(ctx, in.Hash)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
			}
		}
		return reply(details)
	}
	details, err := c.store.EntryDetails(in.Hash)
	if err != nil {
		return nil, err
	}
	if details == nil && c.net != nil {
		details, err = c.net.GetEntryDetails(ctx, in.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
		}
	}
	return reply(details)
}

func (c *Cell) hostGetLinks(ctx context.Context, input []byte) ([]byte, error) {
	var q types.LinkQuery
	if err := decode(input, &q); err != nil {
		return nil, err
	}
	links, err := c.store.Links(q)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 && c.net != nil {
		links, err = c.net.GetLinks(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
		}
	}
	return reply(links)
}

func (c *Cell) hostGetLinkDetails(ctx context.Context, input []byte) ([]byte, error) {
	var in getInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	details, err := c.store.LinkDetails(in.Hash)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 && c.net != nil {
		details, err = c.net.GetLinkDetails(ctx, in.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
		}
	}
	return reply(details)
}

func (c *Cell) hostGetAgentActivity(ctx context.Context, input []byte) ([]byte, error) {
	var in getInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	activity, err := c.store.Activity(in.Hash)
	if err != nil {
		return nil, err
	}
	if (activity == nil || len(activity.ValidActions) == 0) && c.net != nil {
		remote, err := c.net.GetAgentActivity(ctx, in.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
		}
		if remote != nil {
			activity = remote
		}
	}
	return reply(activity)
}

func (c *Cell) hostMustGetAction(ctx context.Context, input []byte) ([]byte, error) {
	var in getInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	r, err := c.resolveRecord(ctx, in.Hash)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("must_get_action: %s not found", in.Hash)
	}
	return reply(r.SignedAction)
}

func (c *Cell) hostMustGetValidRecord(ctx context.Context, input []byte) ([]byte, error) {
	var in getInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	r, err := c.resolveRecord(ctx, in.Hash)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("must_get_valid_record: %s not found", in.Hash)
	}
	return reply(r)
}

func (c *Cell) hostMustGetEntry(ctx context.Context, input []byte) ([]byte, error) {
	var in getInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if e, err := c.store.CachedEntry(in.Hash); err != nil {
		return nil, err
	} else if e != nil {
		return reply(e)
	}
	details, err := c.store.EntryDetails(in.Hash)
	if err != nil {
		return nil, err
	}
	if details != nil && details.Entry != nil {
		return reply(details.Entry)
	}
	if c.net != nil {
		remote, err := c.net.GetEntryDetails(ctx, in.Hash)
		if err == nil && remote != nil && remote.Entry != nil {
			if err := c.store.CacheEntry(in.Hash, remote.Entry); err != nil {
				return nil, err
			}
			return reply(remote.Entry)
		}
	}
	return nil, fmt.Errorf("must_get_entry: %s not found", in.Hash)
}

func (c *Cell) hostAgentInfo(ctx context.Context, input []byte) ([]byte, error) {
	head, err := c.chain.Head()
	if err != nil {
		return nil, err
	}
	out := agentInfoOutput{AgentKey: c.id.AgentKey}
	if head != nil {
		h := head.Hash
		out.ChainHead = &h
		out.ChainHeadSeq = head.Seq
	}
	return reply(out)
}

func (c *Cell) hostCallInfo(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return reply(callInfoOutput{Provenance: state.provenance, Zome: state.zome, Function: state.fn})
}

func (c *Cell) hostZomeInfo(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	for i := range c.dna.IntegrityZomes {
		if c.dna.IntegrityZomes[i].Name == state.zome {
			return reply(zomeInfoOutput{Name: state.zome, ZomeIndex: uint8(i)})
		}
	}
	return reply(zomeInfoOutput{Name: state.zome})
}

func (c *Cell) hostDnaInfo(ctx context.Context, input []byte) ([]byte, error) {
	return reply(dnaInfoOutput{Name: c.dna.Name, Hash: c.id.DnaHash, Modifiers: c.dna.Modifiers})
}

func (c *Cell) hostSchedule(ctx context.Context, input []byte) ([]byte, error) {
	state, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var in scheduleInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if c.schedule == nil {
		return nil, fmt.Errorf("scheduling is not available")
	}
	if in.Schedule.IsPersisted() {
		if err := c.store.PutSchedule(chainSchedule(state.zome, in)); err != nil {
			return nil, err
		}
	}
	c.schedule(state.zome, in.Function, in.Schedule)
	return reply(true)
}

func (c *Cell) hostCall(ctx context.Context, input []byte) ([]byte, error) {
	_, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var in callInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	target := c.id
	if in.CellID != nil {
		target = *in.CellID
	}

	params, err := c.signCall(target, in.Zome, in.Fn, in.Payload, in.CapSecret)
	if err != nil {
		return nil, err
	}
	if target.Equal(c.id) {
		// Self-call: dispatch inline, preserving the init guard context.
		if err := c.ensureInit(ctx); err != nil {
			return nil, err
		}
		return c.invoke(ctx, in.Zome, in.Fn, in.Payload, c.id.AgentKey)
	}
	if c.condCall == nil {
		return nil, fmt.Errorf("no route to cell %s", target)
	}
	return c.condCall(ctx, target, *params)
}

// signCall builds a signed envelope for a call we originate.
func (c *Cell) signCall(target types.CellID, zome, fn string, payload []byte, secret *types.CapSecret) (*types.ZomeCallParams, error) {
	var nonce types.Nonce
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	params := &types.ZomeCallParams{
		Provenance: c.id.AgentKey,
		CellID:     target,
		ZomeName:   zome,
		FnName:     fn,
		Payload:    payload,
		CapSecret:  secret,
		Nonce:      nonce,
		ExpiresAt:  types.Now() + 5*60*1_000_000,
	}
	data, err := params.SigningBytes()
	if err != nil {
		return nil, err
	}
	sig, err := c.ks.Sign(c.id.AgentKey, data)
	if err != nil {
		return nil, err
	}
	params.Signature = sig
	return params, nil
}

func (c *Cell) hostCallRemote(ctx context.Context, input []byte) ([]byte, error) {
	var in remoteCallInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if c.net == nil {
		return nil, types.ErrNetwork
	}
	params, err := c.signCall(types.CellID{DnaHash: c.id.DnaHash, AgentKey: in.Target}, in.Zome, in.Fn, in.Payload, in.CapSecret)
	if err != nil {
		return nil, err
	}
	out, err := c.net.CallRemote(ctx, in.Target, *params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
	}
	return out, nil
}

func (c *Cell) hostSendRemoteSignal(ctx context.Context, input []byte) ([]byte, error) {
	var in remoteSignalInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if c.net == nil {
		return nil, types.ErrNetwork
	}
	// Fire and forget; errors are not surfaced to the guest.
	_ = c.net.SendRemoteSignal(ctx, in.Targets, in.Payload)
	return reply(true)
}

func (c *Cell) hostAcceptPreflight(ctx context.Context, input []byte) ([]byte, error) {
	var req types.PreflightRequest
	if err := decode(input, &req); err != nil {
		return nil, err
	}
	resp, err := c.countersign.Accept(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply(resp)
}

func (c *Cell) hostSign(ctx context.Context, input []byte) ([]byte, error) {
	var in signInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	sig, err := c.ks.Sign(c.id.AgentKey, in.Data)
	if err != nil {
		return nil, err
	}
	return reply(sig)
}

func (c *Cell) hostVerifySignature(ctx context.Context, input []byte) ([]byte, error) {
	var in verifyInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	return reply(keystore.Verify(in.Agent, in.Data, in.Signature))
}

func (c *Cell) hostSecretboxEncrypt(ctx context.Context, input []byte) ([]byte, error) {
	var in cryptoInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	out, err := c.ks.SecretboxEncrypt(in.Tag, in.Data)
	if err != nil {
		return nil, err
	}
	return reply(out)
}

func (c *Cell) hostSecretboxDecrypt(ctx context.Context, input []byte) ([]byte, error) {
	var in cryptoInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	out, err := c.ks.SecretboxDecrypt(in.Tag, in.Data)
	if err != nil {
		return nil, err
	}
	return reply(out)
}

func (c *Cell) hostBoxEncrypt(ctx context.Context, input []byte) ([]byte, error) {
	var in cryptoInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	var recipient [32]byte
	copy(recipient[:], in.Recipient)
	out, err := c.ks.BoxEncrypt(in.Tag, recipient, in.Data)
	if err != nil {
		return nil, err
	}
	return reply(out)
}

func (c *Cell) hostBoxDecrypt(ctx context.Context, input []byte) ([]byte, error) {
	var in cryptoInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	var sender [32]byte
	copy(sender[:], in.Sender)
	out, err := c.ks.BoxDecrypt(in.Tag, sender, in.Data)
	if err != nil {
		return nil, err
	}
	return reply(out)
}

func (c *Cell) hostCreateSharedSecret(ctx context.Context, input []byte) ([]byte, error) {
	var in cryptoInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	if err := c.ks.CreateSharedSecret(in.Tag); err != nil {
		return nil, err
	}
	return reply(true)
}

func (c *Cell) hostCreateBoxKeypair(ctx context.Context, input []byte) ([]byte, error) {
	var in cryptoInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	kp, err := c.ks.GenerateBoxKeypair(in.Tag)
	if err != nil {
		return nil, err
	}
	return reply(kp.Public[:])
}

func (c *Cell) hostHashEntry(ctx context.Context, input []byte) ([]byte, error) {
	var entry types.Entry
	if err := decode(input, &entry); err != nil {
		return nil, err
	}
	h, err := entry.Hash()
	if err != nil {
		return nil, err
	}
	return reply(h)
}

func (c *Cell) hostHashAction(ctx context.Context, input []byte) ([]byte, error) {
	var action types.Action
	if err := decode(input, &action); err != nil {
		return nil, err
	}
	h, err := action.Hash()
	if err != nil {
		return nil, err
	}
	return reply(h)
}

func (c *Cell) hostEmitSignal(ctx context.Context, input []byte) ([]byte, error) {
	if c.broker != nil {
		c.broker.Publish(&events.Signal{
			Type:    events.SignalApp,
			CellID:  c.id,
			AppID:   c.appID,
			Payload: input,
		})
	}
	return reply(true)
}

func (c *Cell) hostRandomBytes(ctx context.Context, input []byte) ([]byte, error) {
	var in randomBytesInput
	if err := decode(input, &in); err != nil {
		return nil, err
	}
	out := make([]byte, in.Length)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, err
	}
	return reply(out)
}

func (c *Cell) hostSysTime(ctx context.Context, input []byte) ([]byte, error) {
	return reply(types.Now())
}

func chainSchedule(zome string, in scheduleInput) storage.PersistedSchedule {
	return storage.PersistedSchedule{Zome: zome, Function: in.Function, Cron: in.Schedule.Persisted}
}
