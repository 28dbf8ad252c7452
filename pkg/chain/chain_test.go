package chain

import (
	"testing"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/keystore"
	"github.com/cuemby/conductor/pkg/storage"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChain(t *testing.T) (*SourceChain, *storage.CellStore) {
	t.Helper()
	ks := keystore.New()
	agent, err := ks.GenerateAgentKey()
	require.NoError(t, err)
	cellID := types.CellID{DnaHash: hash.New(hash.KindDna, []byte("test-dna")), AgentKey: agent}
	store, err := storage.OpenCellStore(t.TempDir(), cellID, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(cellID, store, ks), store
}

func appEntryType() types.EntryType {
	return types.EntryType{Kind: types.EntryKindApp, App: &types.AppEntryDef{Visibility: types.VisibilityPublic}}
}

func TestGenesisShape(t *testing.T) {
	c, _ := testChain(t)
	require.NoError(t, c.Genesis(nil, nil))

	records, err := c.Query(types.ChainQueryFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, types.ActionDna, records[0].SignedAction.Action.Type)
	assert.Equal(t, types.ActionAgentValidationPkg, records[1].SignedAction.Action.Type)
	assert.Equal(t, types.ActionCreate, records[2].SignedAction.Action.Type)
	assert.Equal(t, types.EntryKindAgent, records[2].SignedAction.Action.EntryType.Kind)

	// Chain linkage holds across genesis.
	var prev *types.Action
	for i := range records {
		require.NoError(t, types.CheckChainLink(prev, &records[i].SignedAction.Action))
		prev = &records[i].SignedAction.Action
	}
}

func TestGenesisSelfCheckVeto(t *testing.T) {
	c, _ := testChain(t)
	err := c.Genesis([]byte("bad proof"), func(mp []byte) error {
		return assert.AnError
	})
	require.Error(t, err)

	head, err := c.Head()
	require.NoError(t, err)
	assert.Nil(t, head, "failed self check must not write anything")
}

func TestGenesisTwiceFails(t *testing.T) {
	c, _ := testChain(t)
	require.NoError(t, c.Genesis(nil, nil))
	assert.Error(t, c.Genesis(nil, nil))
}

func TestFlushStrictHeadMoved(t *testing.T) {
	c, _ := testChain(t)
	require.NoError(t, c.Genesis(nil, nil))

	s1, err := c.NewScratch()
	require.NoError(t, err)
	s2, err := c.NewScratch()
	require.NoError(t, err)

	_, err = s1.AppendEntry(appEntryType(), types.NewAppEntry([]byte("one")))
	require.NoError(t, err)
	_, err = s2.AppendEntry(appEntryType(), types.NewAppEntry([]byte("two")))
	require.NoError(t, err)

	_, err = c.Flush(s1, OrderingStrict, nil)
	require.NoError(t, err)

	_, err = c.Flush(s2, OrderingStrict, nil)
	assert.ErrorIs(t, err, types.ErrHeadMoved)
}

func TestFlushRelaxedRebases(t *testing.T) {
	c, _ := testChain(t)
	require.NoError(t, c.Genesis(nil, nil))

	s1, err := c.NewScratch()
	require.NoError(t, err)
	s2, err := c.NewScratch()
	require.NoError(t, err)

	_, err = s1.AppendEntry(appEntryType(), types.NewAppEntry([]byte("one")))
	require.NoError(t, err)
	_, err = s2.AppendEntry(appEntryType(), types.NewAppEntry([]byte("two")))
	require.NoError(t, err)

	_, err = c.Flush(s1, OrderingStrict, nil)
	require.NoError(t, err)
	hashes, err := c.Flush(s2, OrderingRelaxed, nil)
	require.NoError(t, err)
	require.Len(t, hashes, 1)

	// The rebased action sits at seq 4 with correct linkage.
	records, err := c.Query(types.ChainQueryFilter{}, nil)
	require.NoError(t, err)
	require.Len(t, records, 5)
	var prev *types.Action
	for i := range records {
		require.NoError(t, types.CheckChainLink(prev, &records[i].SignedAction.Action))
		prev = &records[i].SignedAction.Action
	}
}

func TestFlushEmptyScratchKeepsHead(t *testing.T) {
	c, _ := testChain(t)
	require.NoError(t, c.Genesis(nil, nil))

	before, err := c.Head()
	require.NoError(t, err)

	s, err := c.NewScratch()
	require.NoError(t, err)
	hashes, err := c.Flush(s, OrderingStrict, nil)
	require.NoError(t, err)
	assert.Empty(t, hashes)

	after, err := c.Head()
	require.NoError(t, err)
	assert.True(t, before.Hash.Equal(after.Hash))
}

func TestScratchReadsUnion(t *testing.T) {
	c, _ := testChain(t)
	require.NoError(t, c.Genesis(nil, nil))

	s, err := c.NewScratch()
	require.NoError(t, err)
	ah, err := s.AppendEntry(appEntryType(), types.NewAppEntry([]byte("pending")))
	require.NoError(t, err)

	// The pending action is visible through the scratch but not persisted.
	r, err := c.Get(ah, s)
	require.NoError(t, err)
	require.NotNil(t, r)

	r, err = c.Get(ah, nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	records, err := c.Query(types.ChainQueryFilter{IncludeEntries: true}, s)
	require.NoError(t, err)
	assert.Len(t, records, 4)
}

func TestLockedChainRejectsOtherCommits(t *testing.T) {
	c, _ := testChain(t)
	require.NoError(t, c.Genesis(nil, nil))

	subject := []byte("session-preflight-hash")
	require.NoError(t, c.Lock(subject))

	s, err := c.NewScratch()
	require.NoError(t, err)
	_, err = s.AppendEntry(appEntryType(), types.NewAppEntry([]byte("not the session")))
	require.NoError(t, err)
	_, err = c.Flush(s, OrderingStrict, nil)
	assert.ErrorIs(t, err, types.ErrChainLocked)

	// The completing countersigned commit carries the subject and passes.
	s2, err := c.NewScratch()
	require.NoError(t, err)
	s2.LockSubject = subject
	_, err = s2.AppendEntry(appEntryType(), types.NewAppEntry([]byte("session entry")))
	require.NoError(t, err)
	_, err = c.Flush(s2, OrderingStrict, nil)
	require.NoError(t, err)

	require.NoError(t, c.Unlock())
}

func TestFlushValidationFailureCommitsNothing(t *testing.T) {
	c, _ := testChain(t)
	require.NoError(t, c.Genesis(nil, nil))
	before, err := c.Head()
	require.NoError(t, err)

	s, err := c.NewScratch()
	require.NoError(t, err)
	_, err = s.AppendEntry(appEntryType(), types.NewAppEntry([]byte("a")))
	require.NoError(t, err)
	_, err = s.AppendEntry(appEntryType(), types.NewAppEntry([]byte("b")))
	require.NoError(t, err)

	_, err = c.Flush(s, OrderingStrict, func([]types.Record) error {
		return types.ErrIncompleteCommit
	})
	assert.ErrorIs(t, err, types.ErrIncompleteCommit)

	after, err := c.Head()
	require.NoError(t, err)
	assert.Equal(t, before.Seq, after.Seq)
}

func TestQuerySeqRange(t *testing.T) {
	c, _ := testChain(t)
	require.NoError(t, c.Genesis(nil, nil))

	records, err := c.Query(types.ChainQueryFilter{
		SequenceRange: &types.SeqRange{Start: 1, End: 1},
	}, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(1), records[0].SignedAction.Action.Seq)

	// Descending order flips the full query.
	records, err = c.Query(types.ChainQueryFilter{Descending: true}, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint32(2), records[0].SignedAction.Action.Seq)
}
