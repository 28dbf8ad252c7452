package storage

import (
	"testing"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCellID(seed byte) types.CellID {
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed
	}
	return types.CellID{
		DnaHash:  hash.New(hash.KindDna, []byte{seed}),
		AgentKey: hash.FromDigest(hash.KindAgent, key),
	}
}

func openTestStore(t *testing.T, opts Options) *CellStore {
	t.Helper()
	s, err := OpenCellStore(t.TempDir(), testCellID(1), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func genesisRecords(t *testing.T, cellID types.CellID) []types.Record {
	t.Helper()
	agentEntry := types.NewAgentEntry(cellID.AgentKey.Digest())
	agentHash, err := agentEntry.Hash()
	require.NoError(t, err)

	dna := types.Action{Type: types.ActionDna, Author: cellID.AgentKey, Timestamp: 100, DnaHash: &cellID.DnaHash}
	h0, err := dna.Hash()
	require.NoError(t, err)
	avp := types.Action{Type: types.ActionAgentValidationPkg, Author: cellID.AgentKey, Timestamp: 101, Seq: 1, PrevAction: h0}
	h1, err := avp.Hash()
	require.NoError(t, err)
	create := types.Action{
		Type: types.ActionCreate, Author: cellID.AgentKey, Timestamp: 102, Seq: 2, PrevAction: h1,
		EntryType: &types.EntryType{Kind: types.EntryKindAgent}, EntryHash: &agentHash,
	}

	sig := make(types.Signature, 64)
	return []types.Record{
		types.NewRecord(types.SignedAction{Action: dna, Signature: sig}, nil),
		types.NewRecord(types.SignedAction{Action: avp, Signature: sig}, nil),
		types.NewRecord(types.SignedAction{Action: create, Signature: sig}, agentEntry),
	}
}

func TestExtendChainAndHead(t *testing.T) {
	s := openTestStore(t, Options{})
	records := genesisRecords(t, s.CellID())

	require.NoError(t, s.ExtendChain(nil, records, nil))

	head, err := s.Head()
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, uint32(2), head.Seq)

	r, err := s.RecordBySeq(0)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, types.ActionDna, r.SignedAction.Action.Type)

	ah, err := records[2].ActionHash()
	require.NoError(t, err)
	byHash, err := s.RecordByAction(ah)
	require.NoError(t, err)
	require.NotNil(t, byHash)
	assert.Equal(t, uint32(2), byHash.SignedAction.Action.Seq)
}

func TestExtendChainHeadMoved(t *testing.T) {
	s := openTestStore(t, Options{})
	records := genesisRecords(t, s.CellID())
	require.NoError(t, s.ExtendChain(nil, records, nil))

	// Asserting an empty chain after genesis fails.
	err := s.ExtendChain(nil, records[:1], nil)
	assert.ErrorIs(t, err, types.ErrHeadMoved)

	// Asserting a stale head fails.
	stale, err := records[0].ActionHash()
	require.NoError(t, err)
	err = s.ExtendChain(&stale, records[:1], nil)
	assert.ErrorIs(t, err, types.ErrHeadMoved)
}

func TestExtendChainEmptyIsNoop(t *testing.T) {
	s := openTestStore(t, Options{})
	require.NoError(t, s.ExtendChain(nil, nil, nil))
	head, err := s.Head()
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestExtendChainQueuesOpsAtomically(t *testing.T) {
	s := openTestStore(t, Options{})
	records := genesisRecords(t, s.CellID())

	var ops []AuthoredOp
	for i := range records {
		derived, err := types.OpsFromAction(records[i].SignedAction, records[i].Entry.Entry)
		require.NoError(t, err)
		for _, op := range derived {
			oh, err := op.Hash()
			require.NoError(t, err)
			basis, err := op.Basis()
			require.NoError(t, err)
			ops = append(ops, AuthoredOp{Op: op, OpHash: oh, Basis: basis, Stage: StageAwaitingPublish})
		}
	}
	require.NoError(t, s.ExtendChain(nil, records, ops))

	queued, err := s.AuthoredOpsInStage(StageAwaitingPublish)
	require.NoError(t, err)
	assert.Len(t, queued, len(ops))
}

func TestChainLock(t *testing.T) {
	s := openTestStore(t, Options{})
	subject := []byte("preflight-hash")

	require.NoError(t, s.SetChainLock(subject))

	// Same subject re-lock is idempotent; a different subject errors.
	require.NoError(t, s.SetChainLock(subject))
	assert.ErrorIs(t, s.SetChainLock([]byte("other")), types.ErrChainLocked)

	got, err := s.ChainLock()
	require.NoError(t, err)
	assert.Equal(t, subject, got)

	require.NoError(t, s.ClearChainLock())
	got, err = s.ChainLock()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReceiptsCountDistinctAuthorities(t *testing.T) {
	s := openTestStore(t, Options{})
	opHash := hash.New(hash.KindDhtOp, []byte("op"))
	auth1 := hash.FromDigest(hash.KindAgent, make([]byte, 32))
	key2 := make([]byte, 32)
	key2[0] = 1
	auth2 := hash.FromDigest(hash.KindAgent, key2)

	receipt := func(a hash.Hash) types.SignedValidationReceipt {
		return types.SignedValidationReceipt{
			Receipt:   types.ValidationReceipt{OpHash: opHash, Authority: a, Status: types.StatusValid},
			Signature: make(types.Signature, 64),
		}
	}

	n, err := s.AddReceipt(receipt(auth1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same authority again counts once.
	n, err = s.AddReceipt(receipt(auth1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.AddReceipt(receipt(auth2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIntegrationIdempotent(t *testing.T) {
	s := openTestStore(t, Options{})
	records := genesisRecords(t, s.CellID())
	sa := records[0].SignedAction
	op := types.DhtOp{Type: types.OpStoreRecord, SignedAction: sa}
	oh, err := op.Hash()
	require.NoError(t, err)
	basis, err := op.Basis()
	require.NoError(t, err)
	stored := StoredOp{Op: op, OpHash: oh, Basis: basis, Stage: StageAwaitingIntegration}

	require.NoError(t, s.IntegrateOp(stored, types.StatusValid))
	require.NoError(t, s.IntegrateOp(stored, types.StatusValid))

	got, err := s.GetOp(oh)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StageIntegrated, got.Stage)

	ah, err := sa.Hash()
	require.NoError(t, err)
	rec, err := s.IntegratedRecord(ah)
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestLinksAndTombstones(t *testing.T) {
	s := openTestStore(t, Options{})
	author := testCellID(1).AgentKey
	base := hash.New(hash.KindEntry, []byte("base"))
	target := hash.New(hash.KindEntry, []byte("target"))
	sig := make(types.Signature, 64)

	create := types.Action{
		Type: types.ActionCreateLink, Author: author, Timestamp: 10, Seq: 4,
		PrevAction:  hash.New(hash.KindAction, []byte("prev")),
		BaseAddress: &base, TargetAddress: &target, ZomeIndex: 0, LinkType: 3, Tag: []byte("friend"),
	}
	createHash, err := create.Hash()
	require.NoError(t, err)

	addOp := types.DhtOp{Type: types.OpRegisterAddLink, SignedAction: types.SignedAction{Action: create, Signature: sig}}
	oh, err := addOp.Hash()
	require.NoError(t, err)
	require.NoError(t, s.IntegrateOp(StoredOp{Op: addOp, OpHash: oh, Basis: base}, types.StatusValid))

	links, err := s.Links(types.LinkQuery{Base: base})
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].Target.Equal(target))

	// Tombstone removes the link from Links but not from LinkDetails.
	del := types.Action{
		Type: types.ActionDeleteLink, Author: author, Timestamp: 11, Seq: 5,
		PrevAction:  createHash,
		BaseAddress: &base, LinkAddAddress: &createHash,
	}
	delOp := types.DhtOp{Type: types.OpRegisterRemoveLink, SignedAction: types.SignedAction{Action: del, Signature: sig}}
	doh, err := delOp.Hash()
	require.NoError(t, err)
	require.NoError(t, s.IntegrateOp(StoredOp{Op: delOp, OpHash: doh, Basis: base}, types.StatusValid))

	links, err = s.Links(types.LinkQuery{Base: base})
	require.NoError(t, err)
	assert.Empty(t, links)

	details, err := s.LinkDetails(base)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Len(t, details[0].Deletes, 1)
}

func TestEncryptedAtRest(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s := openTestStore(t, Options{EncryptionKey: key})
	records := genesisRecords(t, s.CellID())

	require.NoError(t, s.ExtendChain(nil, records, nil))
	r, err := s.RecordBySeq(2)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, types.ActionCreate, r.SignedAction.Action.Type)
}

func TestWarrants(t *testing.T) {
	s := openTestStore(t, Options{})
	authority := testCellID(2).AgentKey
	offender := testCellID(3).AgentKey
	action := hash.New(hash.KindAction, []byte("bad"))

	w := types.NewInvalidChainOpWarrant(authority, offender, action, types.OpStoreEntry, "too big")
	require.NoError(t, s.AddWarrant(types.SignedWarrant{Warrant: w, Signature: make(types.Signature, 64)}))

	activity, err := s.Activity(offender)
	require.NoError(t, err)
	require.Len(t, activity.Warrants, 1)
	assert.Equal(t, types.WarrantInvalidChainOp, activity.Warrants[0].Warrant.Type)
}
